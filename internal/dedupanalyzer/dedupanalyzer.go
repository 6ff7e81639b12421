// Package dedupanalyzer implements the Dedup Analyzer: a thin
// query layer over the catalog's full-hash duplicate groups, enriched with
// savings estimates and sorted by opportunity size.
//
// The per-device analyzer treats inodes as distinct within one device table;
// the cross-device analyzer drops that constraint, since files on different
// devices can never share an inode anyway.
package dedupanalyzer

import (
	"context"
	"sort"

	"github.com/hashall/hashall/internal/catalog"
)

// Member is one file within a duplicate group.
type Member struct {
	Path     string
	Inode    uint64
	DeviceID uint64
}

// DuplicateGroup is one reportable duplicate opportunity.
type DuplicateGroup struct {
	Hash             string
	Size             int64
	MemberCount      int
	UniqueInodes     int
	Members          []Member
	PotentialSavings int64
}

// Inodes returns the group's deduplicated inode list, for callers that only
// need a savings-style summary.
func (g DuplicateGroup) Inodes() []uint64 {
	seen := make(map[uint64]struct{}, len(g.Members))
	var out []uint64
	for _, m := range g.Members {
		if _, ok := seen[m.Inode]; !ok {
			seen[m.Inode] = struct{}{}
			out = append(out, m.Inode)
		}
	}
	return out
}

// Paths returns the group's member paths.
func (g DuplicateGroup) Paths() []string {
	out := make([]string, len(g.Members))
	for i, m := range g.Members {
		out[i] = m.Path
	}
	return out
}

// Analyzer reports duplicate opportunities without mutating the catalog.
type Analyzer struct {
	cat *catalog.Catalog
}

// New creates an Analyzer.
func New(cat *catalog.Catalog) *Analyzer {
	return &Analyzer{cat: cat}
}

// PerDevice groups duplicate candidates per device: group by
// (full_hash_primary, size) where distinct(inode) > 1, filtered to
// size >= minSize, sorted by potential_savings descending.
func (a *Analyzer) PerDevice(ctx context.Context, deviceID uint64, minSize int64) ([]DuplicateGroup, error) {
	groups, err := a.cat.FindFullHashDuplicates(ctx, deviceID, minSize)
	if err != nil {
		return nil, err
	}
	return buildReport(groups), nil
}

// CrossDevice runs the cross-device variant: the same
// grouping but keyed only by hash and size, since cross-device files can
// never share an inode and so can never become hardlinks — these groups are
// reported, not planned.
func (a *Analyzer) CrossDevice(ctx context.Context, deviceIDs []uint64, minSize int64) ([]DuplicateGroup, error) {
	groups, err := a.cat.FindCrossDeviceDuplicates(ctx, deviceIDs, minSize)
	if err != nil {
		return nil, err
	}
	return buildReport(groups), nil
}

// buildReport converts catalog groups into sorted, savings-annotated reports.
func buildReport(groups []catalog.FullHashDuplicateGroup) []DuplicateGroup {
	report := make([]DuplicateGroup, 0, len(groups))
	for _, g := range groups {
		// Keyed by (DeviceID, Inode): inode numbers are only unique within a
		// single device, so a bare inode key would falsely collapse distinct
		// files on different devices that happen to share an inode number.
		type devIno struct {
			device uint64
			inode  uint64
		}
		uniqueInodes := make(map[devIno]struct{}, len(g.Members))
		members := make([]Member, 0, len(g.Members))
		for _, m := range g.Members {
			key := devIno{device: m.DeviceID, inode: m.Inode}
			uniqueInodes[key] = struct{}{}
			members = append(members, Member{Path: m.Path, Inode: m.Inode, DeviceID: m.DeviceID})
		}
		n := len(uniqueInodes)
		if n < 2 {
			continue
		}
		report = append(report, DuplicateGroup{
			Hash:             g.Hash,
			Size:             g.Size,
			MemberCount:      len(g.Members),
			UniqueInodes:     n,
			Members:          members,
			PotentialSavings: int64(n-1) * g.Size,
		})
	}

	sort.Slice(report, func(i, j int) bool {
		return report[i].PotentialSavings > report[j].PotentialSavings
	})
	return report
}
