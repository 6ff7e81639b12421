package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hashall/hashall/internal/planner"
)

type planOptions struct {
	device     string
	name       string
	minSizeStr string
}

func newPlanCmd(g *globalOptions) *cobra.Command {
	opts := &planOptions{minSizeStr: "1"}

	cmd := &cobra.Command{
		Use:   "plan --device <alias-or-id>",
		Short: "Build a hardlink plan for a device's duplicate files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, g, opts)
		},
	}

	cmd.Flags().StringVar(&opts.device, "device", "", "Device alias or ID (required)")
	cmd.Flags().StringVar(&opts.name, "name", "", "Plan name (defaults to plan-<device alias>)")
	cmd.Flags().StringVarP(&opts.minSizeStr, "min-size", "m", opts.minSizeStr, "Minimum file size to consider")
	_ = cmd.MarkFlagRequired("device")

	return cmd
}

func runPlan(cmd *cobra.Command, g *globalOptions, opts *planOptions) error {
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

	device, err := resolveDevice(ctx, cat, opts.device)
	if err != nil {
		return err
	}

	name := opts.name
	if name == "" {
		name = fmt.Sprintf("plan-%s", device.Alias)
	}

	plan, err := planner.New(cat).Build(ctx, device.DeviceID, planner.Options{Name: name, MinSize: minSize})
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}

	fmt.Printf("plan %d (%s) created: opportunities=%d actions=%d saveable=%s\n",
		plan.ID, plan.Name, plan.TotalOpportunities, plan.ActionsTotal, humanBytes(plan.TotalBytesSaveable))
	return nil
}
