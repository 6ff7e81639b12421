package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hashall/hashall/internal/identity"
	"github.com/hashall/hashall/internal/scanner"
)

type scanOptions struct {
	workers      int
	batchSize    int
	hashMode     string
	parallel     bool
	noProgress   bool
}

func newScanCmd(g *globalOptions) *cobra.Command {
	opts := &scanOptions{workers: 0, batchSize: 0, hashMode: "fast", parallel: true}

	cmd := &cobra.Command{
		Use:   "scan <root>",
		Short: "Catalog a directory tree, hashing files as needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, args[0], g, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 0, "Parallel hashing workers (0 = config default)")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Catalog commit batch size (0 = config default)")
	cmd.Flags().StringVar(&opts.hashMode, "hash-mode", "fast", "Hash recomputation mode: fast, full, or upgrade")
	cmd.Flags().BoolVar(&opts.parallel, "parallel", true, "Hash representatives concurrently")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable the progress bar")

	return cmd
}

func runScan(cmd *cobra.Command, root string, g *globalOptions, opts *scanOptions) error {
	ctx := cmd.Context()

	cat, cfg, err := openCatalog(ctx, g)
	if err != nil {
		return err
	}
	defer cat.Close()

	workers := opts.workers
	if workers <= 0 {
		workers = cfg.Workers()
	}
	batchSize := opts.batchSize
	if batchSize <= 0 {
		batchSize = cfg.BatchSize()
	}

	mode := scanner.HashMode(opts.hashMode)
	switch mode {
	case scanner.HashModeFast, scanner.HashModeFull, scanner.HashModeUpgrade:
	default:
		return fmt.Errorf("invalid --hash-mode %q", opts.hashMode)
	}

	log := newLogger(g)
	sc := scanner.New(cat, identity.New(log), log)

	result, err := sc.Scan(ctx, root, scanner.Options{
		Parallel:     opts.parallel,
		Workers:      workers,
		BatchSize:    batchSize,
		HashMode:     mode,
		ShowProgress: !opts.noProgress,
	})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	fmt.Printf("scan complete: device=%d files=%d bytes=%s\n",
		result.Session.DeviceID, result.Session.Scanned, humanBytes(result.Session.BytesHashed))
	if len(result.NestedMounts) > 0 {
		fmt.Printf("skipped %d nested mount(s): %v\n", len(result.NestedMounts), result.NestedMounts)
	}
	return nil
}
