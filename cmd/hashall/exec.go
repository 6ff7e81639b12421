package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hashall/hashall/internal/catalog"
	"github.com/hashall/hashall/internal/executor"
)

type execOptions struct {
	planID     int64
	device     string
	dryRun     bool
	verifyMode string
	noBackup   bool
	limit      int
	noProgress bool
}

func newExecCmd(g *globalOptions) *cobra.Command {
	opts := &execOptions{verifyMode: "fast"}

	cmd := &cobra.Command{
		Use:   "exec --plan <id> --device <alias-or-id>",
		Short: "Execute a hardlink plan's pending actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd, g, opts)
		},
	}

	cmd.Flags().Int64Var(&opts.planID, "plan", 0, "Plan ID (required)")
	cmd.Flags().StringVar(&opts.device, "device", "", "Device alias or ID owning the plan (required)")
	cmd.Flags().BoolVarP(&opts.dryRun, "dry-run", "n", false, "Preview actions without executing them")
	cmd.Flags().StringVar(&opts.verifyMode, "verify", "fast", "Pre-link verification: none, fast, or paranoid")
	cmd.Flags().BoolVar(&opts.noBackup, "no-backup", false, "Skip the backup-before-replace safety net")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Maximum number of actions to execute (0 = unlimited)")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable the progress bar")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("device")

	return cmd
}

func runExec(cmd *cobra.Command, g *globalOptions, opts *execOptions) error {
	ctx := cmd.Context()

	cat, _, err := openCatalog(ctx, g)
	if err != nil {
		return err
	}
	defer cat.Close()

	device, err := resolveDevice(ctx, cat, opts.device)
	if err != nil {
		return err
	}

	mode := executor.VerifyMode(opts.verifyMode)
	switch mode {
	case executor.VerifyNone, executor.VerifyFast, executor.VerifyParanoid:
	default:
		return fmt.Errorf("invalid --verify %q", opts.verifyMode)
	}

	summary, err := executor.New(cat, newLogger(g)).Execute(ctx, opts.planID, device.MountPoint, executor.Options{
		DryRun:       opts.dryRun,
		VerifyMode:   mode,
		CreateBackup: !opts.noBackup,
		Limit:        opts.limit,
		ShowProgress: !opts.noProgress,
		OnProgress: func(index, total int, action catalog.LinkAction, status string, err error) {
			if err != nil {
				fmt.Printf("[%d/%d] %s: %s (%v)\n", index+1, total, action.DuplicatePath, status, err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}

	fmt.Printf("execution complete: executed=%d failed=%d skipped=%d bytes_saved=%s\n",
		summary.Executed, summary.Failed, summary.Skipped, humanBytes(summary.BytesSaved))
	return nil
}
