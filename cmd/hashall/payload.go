package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hashall/hashall/internal/payload"
)

func newPayloadCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payload",
		Short: "Inspect and manage torrent-managed root content identity",
	}
	cmd.AddCommand(
		newPayloadBuildCmd(g),
		newPayloadSyncCmd(g),
		newPayloadDemoteCmd(g),
	)
	return cmd
}

type payloadRootOptions struct {
	device string
	root   string
}

func bindRootFlags(cmd *cobra.Command, opts *payloadRootOptions) {
	cmd.Flags().StringVar(&opts.device, "device", "", "Device alias or ID (required)")
	cmd.Flags().StringVar(&opts.root, "root", "", "Root path, relative to the device's mount point (required)")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("root")
}

func newPayloadBuildCmd(g *globalOptions) *cobra.Command {
	opts := &payloadRootOptions{}
	cmd := &cobra.Command{
		Use:   "build --device <alias-or-id> --root <path>",
		Short: "Compute (or refresh) a payload's content hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			p, err := payload.New(cat).Build(ctx, device.DeviceID, opts.root)
			if err != nil {
				return fmt.Errorf("payload build: %w", err)
			}
			fmt.Printf("payload %d: status=%s hash=%s files=%d bytes=%s\n",
				p.ID, p.Status, p.PayloadHash, p.FileCount, humanBytes(p.TotalBytes))
			return nil
		},
	}
	bindRootFlags(cmd, opts)
	return cmd
}

func newPayloadSyncCmd(g *globalOptions) *cobra.Command {
	opts := &payloadRootOptions{}
	cmd := &cobra.Command{
		Use:   "sync --device <alias-or-id> --root <path>",
		Short: "Hash any payload member still missing a full hash, then rebuild",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			p, err := payload.New(cat).UpgradeMissing(ctx, device.DeviceID, opts.root, device.MountPoint)
			if err != nil {
				return fmt.Errorf("payload sync: %w", err)
			}
			fmt.Printf("payload %d: status=%s hash=%s files=%d bytes=%s\n",
				p.ID, p.Status, p.PayloadHash, p.FileCount, humanBytes(p.TotalBytes))
			return nil
		},
	}
	bindRootFlags(cmd, opts)
	return cmd
}

type payloadDemoteOptions struct {
	sourceDevice   string
	targetDevice   string
	root           string
	seedingRoots   []string
	targetTemplate string
}

// newPayloadDemoteCmd plans (but does not execute) a payload demotion: the
// torrent-client HTTP implementation is out of scope, so there is no
// concrete torrentclient.Client to drive ExecuteDemotion from the CLI.
func newPayloadDemoteCmd(g *globalOptions) *cobra.Command {
	opts := &payloadDemoteOptions{}
	cmd := &cobra.Command{
		Use:   "demote --source <alias-or-id> --target <alias-or-id> --root <path>",
		Short: "Plan moving a payload from one device to another",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cat, cfg, err := openCatalog(ctx, g)
			if err != nil {
				return err
			}
			defer cat.Close()

			source, err := resolveDevice(ctx, cat, opts.sourceDevice)
			if err != nil {
				return err
			}
			target, err := resolveDevice(ctx, cat, opts.targetDevice)
			if err != nil {
				return err
			}

			seedingRoots := opts.seedingRoots
			if len(seedingRoots) == 0 {
				seedingRoots = cfg.SeedingRoots()
			}

			plan, err := payload.New(cat).PlanDemotion(ctx, source.DeviceID, target.DeviceID, opts.root, seedingRoots, opts.targetTemplate)
			if err != nil {
				return fmt.Errorf("payload demote: %w", err)
			}

			out, err := json.MarshalIndent(plan, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.sourceDevice, "source", "", "Source device alias or ID (required)")
	cmd.Flags().StringVar(&opts.targetDevice, "target", "", "Target device alias or ID (required)")
	cmd.Flags().StringVar(&opts.root, "root", "", "Source root path, relative to its mount point (required)")
	cmd.Flags().StringSliceVar(&opts.seedingRoots, "seeding-root", nil, "Mount-relative root considered seeding domain (repeatable)")
	cmd.Flags().StringVar(&opts.targetTemplate, "target-template", "", "Target-root template for a MOVE decision")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("target")
	_ = cmd.MarkFlagRequired("root")

	return cmd
}
