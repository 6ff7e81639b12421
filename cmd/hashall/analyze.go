package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hashall/hashall/internal/dedupanalyzer"
)

type analyzeOptions struct {
	device      string
	crossDevice []string
	minSizeStr  string
	limit       int
}

func newAnalyzeCmd(g *globalOptions) *cobra.Command {
	opts := &analyzeOptions{minSizeStr: "1", limit: 20}

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Report duplicate groups ranked by potential savings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, g, opts)
		},
	}

	cmd.Flags().StringVar(&opts.device, "device", "", "Device alias or ID for a per-device report")
	cmd.Flags().StringSliceVar(&opts.crossDevice, "cross-device", nil, "Device aliases/IDs for a cross-device report")
	cmd.Flags().StringVarP(&opts.minSizeStr, "min-size", "m", opts.minSizeStr, "Minimum file size (e.g., 100, 1K, 10M)")
	cmd.Flags().IntVarP(&opts.limit, "limit", "l", opts.limit, "Maximum number of groups to print")

	return cmd
}

func runAnalyze(cmd *cobra.Command, g *globalOptions, opts *analyzeOptions) error {
	ctx := cmd.Context()

	minSize, err := parseSize(opts.minSizeStr)
	if err != nil {
		return fmt.Errorf("invalid --min-size: %w", err)
	}

	cat, _, err := openCatalog(ctx, g)
	if err != nil {
		return err
	}
	defer cat.Close()

	an := dedupanalyzer.New(cat)

	var groups []dedupanalyzer.DuplicateGroup
	switch {
	case len(opts.crossDevice) > 0:
		ids := make([]uint64, 0, len(opts.crossDevice))
		for _, ref := range opts.crossDevice {
			d, err := resolveDevice(ctx, cat, ref)
			if err != nil {
				return err
			}
			ids = append(ids, d.DeviceID)
		}
		groups, err = an.CrossDevice(ctx, ids, minSize)
	case opts.device != "":
		d, derr := resolveDevice(ctx, cat, opts.device)
		if derr != nil {
			return derr
		}
		groups, err = an.PerDevice(ctx, d.DeviceID, minSize)
	default:
		return fmt.Errorf("specify --device or --cross-device")
	}
	if err != nil {
		return fmt.Errorf("analyze: %w", err)
	}

	if len(groups) > opts.limit {
		groups = groups[:opts.limit]
	}
	var total int64
	for _, grp := range groups {
		total += grp.PotentialSavings
		fmt.Printf("%s  size=%s  members=%d  unique_inodes=%d  savings=%s\n",
			grp.Hash[:12], humanBytes(grp.Size), grp.MemberCount, grp.UniqueInodes, humanBytes(grp.PotentialSavings))
		for _, p := range grp.Paths() {
			fmt.Printf("    %s\n", p)
		}
	}
	fmt.Printf("\n%d group(s) shown, total potential savings %s\n", len(groups), humanBytes(total))
	return nil
}
