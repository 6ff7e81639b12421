package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hashall/hashall/internal/collision"
)

type collideOptions struct {
	device     string
	workers    int
	noProgress bool
}

func newCollideCmd(g *globalOptions) *cobra.Command {
	opts := &collideOptions{workers: 0}

	cmd := &cobra.Command{
		Use:   "collide --device <alias-or-id>",
		Short: "Promote quick-hash collisions to full-hash identity for a device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollide(cmd, g, opts)
		},
	}

	cmd.Flags().StringVar(&opts.device, "device", "", "Device alias or ID (required)")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "Parallel hashing workers (0 = config default)")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable the progress bar")
	_ = cmd.MarkFlagRequired("device")

	return cmd
}

func runCollide(cmd *cobra.Command, g *globalOptions, opts *collideOptions) error {
	ctx := cmd.Context()

	cat, cfg, err := openCatalog(ctx, g)
	if err != nil {
		return err
	}
	defer cat.Close()

	device, err := resolveDevice(ctx, cat, opts.device)
	if err != nil {
		return err
	}

	workers := opts.workers
	if workers <= 0 {
		workers = cfg.Workers()
	}

	result, err := collision.New(cat, newLogger(g)).Resolve(ctx, device.DeviceID, device.MountPoint, collision.Options{
		Workers:      workers,
		ShowProgress: !opts.noProgress,
	})
	if err != nil {
		return fmt.Errorf("collide: %w", err)
	}

	fmt.Printf("collision resolution complete: groups=%d inodes_hashed=%d bytes=%s errors=%d\n",
		result.GroupsExamined, result.InodesHashed, humanBytes(result.BytesHashed), len(result.Errors))
	for _, e := range result.Errors {
		fmt.Printf("  error: %v\n", e)
	}
	return nil
}
