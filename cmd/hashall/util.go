package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/hashall/hashall/internal/catalog"
	"github.com/hashall/hashall/internal/config"
)

// openCatalog loads configuration layered under opts and opens the catalog
// it names.
func openCatalog(ctx context.Context, opts *globalOptions) (*catalog.Catalog, *config.Config, error) {
	cfg, err := config.New(opts.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	path := opts.catalogPath
	if path == "" {
		path = cfg.CatalogPath()
	}

	cat, err := catalog.Open(ctx, path, newLogger(opts))
	if err != nil {
		return nil, nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	return cat, cfg, nil
}

// resolveDevice finds the device identified by alias (its short name) or,
// failing that, by its numeric device ID printed as a string.
func resolveDevice(ctx context.Context, cat *catalog.Catalog, ref string) (*catalog.Device, error) {
	devices, err := cat.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	for i := range devices {
		if devices[i].Alias == ref {
			return &devices[i], nil
		}
	}
	for i := range devices {
		if fmt.Sprintf("%d", devices[i].DeviceID) == ref {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("no registered device matches %q", ref)
}

func humanBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}
