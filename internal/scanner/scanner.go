// Package scanner implements the hardlink-aware, inode-coalesced hashing
// pipeline: resolve a root's filesystem identity, enumerate it,
// group paths by inode, decide which representatives need hashing against the
// catalog's prior snapshot, hash them, propagate hashes across their inode
// group, and commit the result in batches with scoped deletion detection.
//
// # Concurrency model
//
// A single coordinator goroutine owns every catalog mutation; workers never
// touch the catalog directly. It drains a bounded in-flight set of
// hashing tasks — pure functions with no catalog access — dispatched to a
// fixed worker pool in the same fan-out/fan-in shape as the directory
// walker, but with the catalog write folded into the coordinator rather
// than the workers.
package scanner

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hashall/hashall/internal/catalog"
	"github.com/hashall/hashall/internal/identity"
	"github.com/hashall/hashall/internal/progress"
	"github.com/hashall/hashall/internal/types"
)

// HashMode selects how aggressively a scan recomputes hashes.
type HashMode string

const (
	HashModeFast    HashMode = "fast"
	HashModeFull    HashMode = "full"
	HashModeUpgrade HashMode = "upgrade"
)

// Options configures one scan entry.
type Options struct {
	Parallel           bool
	Workers            int
	BatchSize          int
	HashMode           HashMode
	ScanNestedDatasets bool
	ShowProgress       bool
}

// DefaultOptions returns the documented defaults.
func DefaultOptions() Options {
	return Options{
		Parallel:  true,
		Workers:   4,
		BatchSize: 500,
		HashMode:  HashModeFast,
	}
}

// Result summarizes one completed or interrupted scan.
type Result struct {
	Session     *catalog.ScanSession
	NestedMounts []string
}

// Scanner drives the scan pipeline against a Catalog Store and FS Identity Oracle.
type Scanner struct {
	cat    *catalog.Catalog
	oracle *identity.Oracle
	log    zerolog.Logger
}

// New creates a Scanner.
func New(cat *catalog.Catalog, oracle *identity.Oracle, log zerolog.Logger) *Scanner {
	return &Scanner{cat: cat, oracle: oracle, log: log}
}

// inodeGroup is the work unit of step 4: every path sharing (dev, ino).
type inodeGroup struct {
	id    types.FileID
	size  int64
	paths []*types.FileInfo // sorted by path; paths[0] is the representative

	// set by the change decision (step 5) before dispatch
	need     needLevel
	existed  bool
	prior    catalog.FileRecord
	relPaths []string // relPathOf(paths[i].Path), computed once under the coordinator
	relOK    []bool   // false when relPathOf failed for that member (path escapes mount)
}

// needLevel is the outcome of the per-representative change decision.
type needLevel int

const (
	needNone  needLevel = iota // reuse the catalog's cached hashes verbatim
	needQuick                  // (re)compute quick_hash only
	needFull                   // (re)compute both full digests (and quick_hash if absent)
)

// Scan executes the full scan pipeline against rootPath.
func (s *Scanner) Scan(ctx context.Context, rootPath string, opts Options) (*Result, error) {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.HashMode == "" {
		opts.HashMode = HashModeFast
	}

	absRoot, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, fmt.Errorf("scanner: resolve root: %w", err)
	}

	// 1. Resolve, register, open table, record scan root, begin session.
	id := s.oracle.Resolve(ctx, absRoot)

	regResult, err := s.cat.RegisterDevice(ctx, catalog.RegisterDeviceInput{
		FSUUID:      id.FSUUID,
		DeviceID:    id.DeviceID,
		MountPoint:  id.MountPoint,
		FSType:      id.FSType,
		ZFSPool:     zfsField(id, func(z *identity.ZFSMeta) string { return z.Pool }),
		ZFSDataset:  zfsField(id, func(z *identity.ZFSMeta) string { return z.Dataset }),
		ZFSPoolGUID: zfsField(id, func(z *identity.ZFSMeta) string { return z.PoolGUID }),
	})
	if err != nil {
		return nil, fmt.Errorf("scanner: register device: %w", err)
	}
	if regResult.Warning != "" {
		s.log.Warn().Str("warning", regResult.Warning).Str("root", absRoot).Msg("device registration warning")
	}
	device := regResult.Device

	canonRoot, err := s.cat.CanonicalizeRoot(ctx, device.FSUUID, absRoot, id.MountPoint)
	if err != nil {
		return nil, fmt.Errorf("scanner: canonicalize root: %w", err)
	}
	absRoot = canonRoot

	if err := s.cat.EnsureFilesTable(ctx, device.DeviceID); err != nil {
		return nil, fmt.Errorf("scanner: ensure files table: %w", err)
	}
	if err := s.cat.UpsertScanRoot(ctx, device.FSUUID, absRoot); err != nil {
		return nil, fmt.Errorf("scanner: upsert scan root: %w", err)
	}

	relRoot, err := relativeRoot(device.MountPoint, device.PreferredMountPoint, absRoot)
	if err != nil {
		return nil, fmt.Errorf("scanner: root %q not under mount %q: %w", absRoot, device.MountPoint, err)
	}

	workers := opts.Workers
	if !opts.Parallel {
		workers = 1
	}

	session, err := s.cat.BeginScanSession(ctx, device.FSUUID, device.DeviceID, absRoot, opts.Parallel, workers)
	if err != nil {
		return nil, fmt.Errorf("scanner: begin session: %w", err)
	}

	interrupted := false
	nested, err := s.runScan(ctx, device, session, relRoot, absRoot, opts, workers)
	if err != nil {
		if ctx.Err() != nil {
			interrupted = true
		} else {
			_ = s.cat.FinalizeScanSession(context.Background(), session, true)
			return nil, err
		}
	}

	if err := s.cat.FinalizeScanSession(context.Background(), session, interrupted); err != nil {
		return nil, fmt.Errorf("scanner: finalize session: %w", err)
	}

	return &Result{Session: session, NestedMounts: nested}, nil
}

func (s *Scanner) runScan(ctx context.Context, device catalog.Device, session *catalog.ScanSession, relRoot, absRoot string, opts Options, workers int) ([]string, error) {
	// 2. Snapshot existing catalog, scoped to relRoot.
	snapshot, err := s.cat.LoadActiveUnderRoot(ctx, device.DeviceID, relRoot)
	if err != nil {
		return nil, fmt.Errorf("snapshot catalog: %w", err)
	}

	// 3. Enumerate filesystem.
	walked := walkTree(absRoot, device.DeviceID, workers)
	var unrecursedNested []string
	if opts.ScanNestedDatasets {
		for _, nested := range walked.nestedMounts {
			sub := walkTree(nested, device.DeviceID, workers)
			walked.files = append(walked.files, sub.files...)
		}
	} else {
		unrecursedNested = walked.nestedMounts
	}
	session.Scanned = int64(len(walked.files))

	// 4. Coalesce by (dev, inode).
	groups := coalesceByInode(walked.files)

	// 5. Change decision, computed once per representative under the
	// coordinator (the only goroutine that reads the snapshot).
	for i := range groups {
		g := &groups[i]
		g.relPaths = make([]string, len(g.paths))
		g.relOK = make([]bool, len(g.paths))
		for j, fi := range g.paths {
			rel, rerr := relPathOf(device.MountPoint, device.PreferredMountPoint, fi.Path)
			g.relPaths[j] = rel
			g.relOK[j] = rerr == nil
		}
		g.prior, g.existed = snapshot[g.relPaths[0]]
		g.need = decideNeed(opts.HashMode, g.existed, g.prior, g.paths[0])
	}

	bar := progress.New(opts.ShowProgress, int64(len(groups)))

	// 6-7. Hashing, propagation, bounded in-flight dispatch to pure workers.
	maxInflight := workers * 10
	jobs := make(chan *inodeGroup, maxInflight)
	results := make(chan hashOutcome, maxInflight)

	for w := 0; w < workers; w++ {
		go hashWorker(ctx, jobs, results)
	}

	go func() {
		defer close(jobs)
		for i := range groups {
			select {
			case <-ctx.Done():
				return
			case jobs <- &groups[i]:
			}
		}
	}()

	keepPaths := make(map[string]struct{}, len(walked.files))
	var batch []catalog.FileRecord
	var added, updated, unchanged, bytesHashed int64
	now := time.Now().UTC()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.cat.UpsertBatch(ctx, device.DeviceID, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	pending := len(groups)
	abort := false
	for pending > 0 {
		select {
		case <-ctx.Done():
			abort = true
		case out := <-results:
			pending--
			if out.err != nil {
				s.log.Warn().Err(out.err).Str("path", out.group.paths[0].Path).Msg("scan hash error, skipping group")
				continue
			}
			g := out.group

			for j, fi := range g.paths {
				if !g.relOK[j] {
					continue
				}
				relPath := g.relPaths[j]
				keepPaths[relPath] = struct{}{}

				quick, primary, secondary := g.prior.QuickHash, g.prior.FullHashPrimary, g.prior.FullHashSecondary
				hashSource := g.prior.HashSource
				if out.computed {
					if out.quickHash != "" {
						quick = out.quickHash
					}
					if out.fullPrimary != "" {
						primary, secondary = out.fullPrimary, out.fullSecondary
					}
					if j == 0 {
						hashSource = "calculated"
					} else {
						hashSource = fmt.Sprintf("inode:%d", g.id.Ino)
					}
				}

				rec := catalog.FileRecord{
					Path:              relPath,
					Size:              fi.Size,
					MTime:             fi.ModTime,
					QuickHash:         quick,
					FullHashPrimary:   primary,
					FullHashSecondary: secondary,
					Inode:             fi.Ino,
					FirstSeenAt:       now,
					LastSeenAt:        now,
					LastModifiedAt:    fi.ModTime,
					Status:            catalog.StatusActive,
					DiscoveredUnder:   relRoot,
					HashSource:        hashSource,
				}
				if g.existed {
					rec.FirstSeenAt = g.prior.FirstSeenAt
					if g.need != needNone {
						updated++
					} else {
						unchanged++
					}
				} else {
					added++
				}
				batch = append(batch, rec)
			}
			if out.computed {
				bytesHashed += out.bytesRead
			}

			if len(batch) >= opts.BatchSize {
				if err := flush(); err != nil {
					return nil, err
				}
			}
			bar.Describe(scanStats{pending: pending, total: len(groups)})
		}
		if abort {
			break
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}
	bar.Finish(scanStats{pending: 0, total: len(groups)})

	session.Added = added
	session.Updated = updated
	session.Unchanged = unchanged
	session.BytesHashed = bytesHashed

	if abort {
		return nil, ctx.Err()
	}

	// 9. Scoped deletion.
	deleted, err := s.cat.MarkDeletedExcept(ctx, device.DeviceID, relRoot, keepPaths)
	if err != nil {
		return nil, fmt.Errorf("mark deleted: %w", err)
	}
	session.Deleted = deleted

	// 10. Finalize device totals.
	if err := s.cat.RecomputeDeviceTotals(ctx, device.DeviceID); err != nil {
		return nil, fmt.Errorf("recompute totals: %w", err)
	}

	return unrecursedNested, nil
}

// hashOutcome is a worker's result for one inode group. computed is false
// for needNone groups — the coordinator reuses the catalog's cached values.
type hashOutcome struct {
	group                                 *inodeGroup
	computed                              bool
	quickHash, fullPrimary, fullSecondary string
	bytesRead                             int64
	err                                   error
}

// hashWorker computes hashes for dispatched groups. Pure function of
// (path, need level) — it never touches the catalog.
func hashWorker(ctx context.Context, jobs <-chan *inodeGroup, results chan<- hashOutcome) {
	for g := range jobs {
		select {
		case <-ctx.Done():
			results <- hashOutcome{group: g}
			continue
		default:
		}
		results <- hashInodeGroup(g)
	}
}

// hashInodeGroup computes whatever the change decision (step 5) determined
// is needed for this representative (step 6).
func hashInodeGroup(g *inodeGroup) hashOutcome {
	if g.need == needNone {
		return hashOutcome{group: g}
	}

	rep := g.paths[0]
	out := hashOutcome{group: g, computed: true}

	if g.need == needFull {
		primary, secondary, n, err := fullHash(rep.Path)
		if err != nil {
			return hashOutcome{group: g, err: err}
		}
		out.fullPrimary, out.fullSecondary, out.bytesRead = primary, secondary, n
	}

	quick, err := quickHash(rep.Path)
	if err != nil {
		return hashOutcome{group: g, err: err}
	}
	out.quickHash = quick
	if g.need == needQuick && out.bytesRead == 0 {
		out.bytesRead = min(rep.Size, quickHashSampleSize)
	}
	return out
}

// decideNeed makes a base change decision from
// size/mtime, modulated by hash_mode.
func decideNeed(mode HashMode, existed bool, prior catalog.FileRecord, fi *types.FileInfo) needLevel {
	unchanged := existed && sameMeta(prior, fi)

	switch mode {
	case HashModeFull:
		if !unchanged || prior.FullHashPrimary == "" || prior.FullHashSecondary == "" {
			return needFull
		}
		return needNone
	case HashModeUpgrade:
		if prior.FullHashPrimary == "" || prior.FullHashSecondary == "" {
			return needFull
		}
		if !unchanged {
			return needQuick
		}
		return needNone
	default: // fast
		if !unchanged || prior.QuickHash == "" {
			return needQuick
		}
		return needNone
	}
}

// coalesceByInode groups files by (dev, ino); each group's first path
// (lexicographically, for determinism) is its representative.
func coalesceByInode(files []*types.FileInfo) []inodeGroup {
	byKey := make(map[types.FileID][]*types.FileInfo)
	var zeroInode []*types.FileInfo

	for _, f := range files {
		id := types.FileID{Dev: f.Dev, Ino: f.Ino}
		if id.IsZero() {
			zeroInode = append(zeroInode, f)
			continue
		}
		byKey[id] = append(byKey[id], f)
	}

	groups := make([]inodeGroup, 0, len(byKey)+len(zeroInode))
	for id, members := range byKey {
		sort.Slice(members, func(i, j int) bool { return members[i].Path < members[j].Path })
		groups = append(groups, inodeGroup{id: id, size: members[0].Size, paths: members})
	}
	for _, f := range zeroInode {
		groups = append(groups, inodeGroup{size: f.Size, paths: []*types.FileInfo{f}})
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].paths[0].Path < groups[j].paths[0].Path })
	return groups
}

// sameMeta reports whether fi matches the catalog's prior record closely
// enough to be "unchanged": size equal and mtime within 1ms.
func sameMeta(prior catalog.FileRecord, fi *types.FileInfo) bool {
	if prior.Size != fi.Size {
		return false
	}
	delta := prior.MTime.Sub(fi.ModTime)
	if delta < 0 {
		delta = -delta
	}
	return delta < time.Millisecond
}

// relativeRoot resolves absRoot to a path relative to the device's effective
// mount point (preferred when absRoot lies under it, else current).
func relativeRoot(mountPoint, preferredMountPoint, absRoot string) (string, error) {
	return relPathOf(mountPoint, preferredMountPoint, absRoot)
}

func relPathOf(mountPoint, preferredMountPoint, absPath string) (string, error) {
	effective := mountPoint
	if preferredMountPoint != "" && strings.HasPrefix(absPath, preferredMountPoint) {
		effective = preferredMountPoint
	}
	rel, err := filepath.Rel(effective, absPath)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", nil
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path escapes mount point")
	}
	return rel, nil
}

func zfsField(id identity.Identity, get func(*identity.ZFSMeta) string) string {
	if id.ZFS == nil {
		return ""
	}
	return get(id.ZFS)
}

// scanStats renders scan progress.
type scanStats struct {
	pending, total int
}

func (s scanStats) String() string {
	done := s.total - s.pending
	return fmt.Sprintf("hashed %d/%d inode groups", done, s.total)
}
