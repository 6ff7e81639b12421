package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDevicesCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect registered devices",
	}
	cmd.AddCommand(newDevicesListCmd(g))
	return cmd
}

func newDevicesListCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every device the catalog has registered",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cat, _, err := openCatalog(ctx, g)
			if err != nil {
				return err
			}
			defer cat.Close()

			devices, err := cat.ListDevices(ctx)
			if err != nil {
				return fmt.Errorf("list devices: %w", err)
			}

			for _, d := range devices {
				fmt.Printf("%-12s id=%-10d mount=%-30s fstype=%-8s files=%-8d bytes=%s scans=%d\n",
					d.Alias, d.DeviceID, d.MountPoint, d.FSType, d.TotalFiles, humanBytes(d.TotalBytes), d.ScanCount)
			}
			return nil
		},
	}
}
