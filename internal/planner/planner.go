// Package planner implements the Plan Builder: turns duplicate
// groups from the Dedup Analyzer into a persisted, executable hardlink plan.
//
// Canonical selection ranks candidates by lowest inode, then shortest path,
// then lexicographic order.
package planner

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashall/hashall/internal/catalog"
	"github.com/hashall/hashall/internal/dedupanalyzer"
)

// Options configures one plan-building run.
type Options struct {
	Name    string
	MinSize int64
}

// Builder constructs link plans from catalog duplicate groups.
type Builder struct {
	cat *catalog.Catalog
}

// New creates a Builder.
func New(cat *catalog.Catalog) *Builder {
	return &Builder{cat: cat}
}

// Build ranks canonical selection for every duplicate group on a single
// device, emits one HARDLINK action per non-canonical member, and persists
// the plan.
func (b *Builder) Build(ctx context.Context, deviceID uint64, opts Options) (*catalog.LinkPlan, error) {
	device, err := b.lookupDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	groups, err := dedupanalyzer.New(b.cat).PerDevice(ctx, deviceID, opts.MinSize)
	if err != nil {
		return nil, fmt.Errorf("planner: analyze: %w", err)
	}

	plan := catalog.LinkPlan{
		Name:               opts.Name,
		DeviceID:           deviceID,
		DeviceAlias:        device.Alias,
		MountPoint:         device.MountPoint,
		TotalOpportunities: int64(len(groups)),
	}

	var actions []catalog.LinkAction
	for _, g := range groups {
		canonical := selectCanonical(g.Members)

		for _, m := range g.Members {
			if m.Path == canonical.Path {
				continue
			}
			actions = append(actions, catalog.LinkAction{
				ActionType:     catalog.ActionTypeHardlink,
				Status:         catalog.ActionPending,
				CanonicalPath:  canonical.Path,
				DuplicatePath:  m.Path,
				CanonicalInode: canonical.Inode,
				DuplicateInode: m.Inode,
				DeviceID:       deviceID,
				FileSize:       g.Size,
				SHA256:         g.Hash,
				BytesToSave:    g.Size,
			})
		}
	}

	// Descending bytes_to_save ordering: all actions here carry
	// the same bytes_to_save within a group; ties are ordered by duplicate
	// path for determinism.
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].BytesToSave != actions[j].BytesToSave {
			return actions[i].BytesToSave > actions[j].BytesToSave
		}
		return actions[i].DuplicatePath < actions[j].DuplicatePath
	})

	return b.cat.CreatePlan(ctx, plan, actions)
}

// selectCanonical ranks by (1) lowest inode, (2) shortest path,
// (3) lexicographic path.
func selectCanonical(members []dedupanalyzer.Member) dedupanalyzer.Member {
	best := members[0]
	for _, m := range members[1:] {
		switch {
		case m.Inode != best.Inode:
			if m.Inode < best.Inode {
				best = m
			}
		case len(m.Path) != len(best.Path):
			if len(m.Path) < len(best.Path) {
				best = m
			}
		case m.Path < best.Path:
			best = m
		}
	}
	return best
}

func (b *Builder) lookupDevice(ctx context.Context, deviceID uint64) (*catalog.Device, error) {
	devices, err := b.cat.ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].DeviceID == deviceID {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("planner: device %d not registered", deviceID)
}
