//go:build unix

package payload

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashall/hashall/internal/catalog"
	"github.com/hashall/hashall/internal/fsutil"
	"github.com/hashall/hashall/internal/torrentclient"
)

// Decision is the outcome of demotion planning.
type Decision string

const (
	DecisionBlock Decision = "BLOCK"
	DecisionReuse Decision = "REUSE"
	DecisionMove  Decision = "MOVE"
)

// DemotionPlan is the single-record result of planning a payload's move
// from a source device to a target device.
type DemotionPlan struct {
	Decision         Decision `json:"decision"`
	SourceDeviceID   uint64   `json:"source_device_id"`
	TargetDeviceID   uint64   `json:"target_device_id"`
	SourcePath       string   `json:"source_path"`
	TargetPath       string   `json:"target_path"`
	PayloadHash      string   `json:"payload_hash"`
	FileCount        int64    `json:"file_count"`
	TotalBytes       int64    `json:"total_bytes"`
	AffectedTorrents []string `json:"affected_torrents"`
	Reasons          []string `json:"reasons"`
}

// PlanDemotion checks every demotion precondition and decides BLOCK, REUSE, or MOVE.
// seedingRoots is the configured set of mount-relative roots considered
// "seeding domain" for the external-consumer check; targetRootTemplate is
// a mount-relative path prefix under which a new MOVE target is placed.
func (e *Engine) PlanDemotion(ctx context.Context, sourceDeviceID, targetDeviceID uint64, sourceRootPath string, seedingRoots []string, targetRootTemplate string) (*DemotionPlan, error) {
	src, err := e.cat.PayloadByRoot(ctx, sourceRootPath, sourceDeviceID)
	if err != nil {
		return nil, fmt.Errorf("payload: resolve source payload: %w", err)
	}
	if src == nil {
		return nil, fmt.Errorf("payload: no payload recorded at %s on device %d", sourceRootPath, sourceDeviceID)
	}

	plan := &DemotionPlan{
		SourceDeviceID: sourceDeviceID,
		TargetDeviceID: targetDeviceID,
		SourcePath:     sourceRootPath,
		PayloadHash:    src.PayloadHash,
		FileCount:      src.FileCount,
		TotalBytes:     src.TotalBytes,
	}

	affected, err := e.cat.TorrentHashesForPayload(ctx, src.ID)
	if err != nil {
		return nil, fmt.Errorf("payload: torrents for payload: %w", err)
	}
	plan.AffectedTorrents = affected

	records, err := e.cat.LoadActiveUnderRoot(ctx, sourceDeviceID, sourceRootPath)
	if err != nil {
		return nil, fmt.Errorf("payload: load root: %w", err)
	}
	seedingSet := make(map[string]struct{}, len(seedingRoots))
	for _, r := range seedingRoots {
		seedingSet[r] = struct{}{}
	}

	for relPath, rec := range records {
		siblingPaths, err := e.cat.PathsByInode(ctx, sourceDeviceID, rec.Inode)
		if err != nil {
			return nil, fmt.Errorf("payload: paths by inode: %w", err)
		}
		for _, sp := range siblingPaths {
			if sp == relPath {
				continue
			}
			if !underAnyRoot(sp, seedingSet) {
				plan.Reasons = append(plan.Reasons,
					fmt.Sprintf("%s is hardlinked to %s, outside all seeding roots", relPath, sp))
			}
		}
	}

	if len(plan.Reasons) > 0 {
		plan.Decision = DecisionBlock
		return plan, nil
	}

	existing, err := e.cat.PayloadsByHash(ctx, src.PayloadHash)
	if err != nil {
		return nil, fmt.Errorf("payload: find target payload: %w", err)
	}
	for _, p := range existing {
		if p.DeviceID == targetDeviceID {
			plan.Decision = DecisionReuse
			plan.TargetPath = p.RootPath
			return plan, nil
		}
	}

	plan.Decision = DecisionMove
	plan.TargetPath = filepath.Join(targetRootTemplate, filepath.Base(sourceRootPath))
	return plan, nil
}

func underAnyRoot(path string, roots map[string]struct{}) bool {
	for r := range roots {
		if path == r || strings.HasPrefix(path, strings.TrimSuffix(r, "/")+"/") {
			return true
		}
	}
	return false
}

// ExecuteDemotion carries out the demotion execution for the REUSE
// and MOVE decisions; BLOCK is refused outright.
func (e *Engine) ExecuteDemotion(ctx context.Context, plan *DemotionPlan, sourceMount, targetMount string, client torrentclient.Client) error {
	switch plan.Decision {
	case DecisionBlock:
		return fmt.Errorf("payload: demotion blocked: %s", strings.Join(plan.Reasons, "; "))
	case DecisionReuse:
		return e.executeReuse(ctx, plan, targetMount, client)
	case DecisionMove:
		return e.executeMove(ctx, plan, sourceMount, targetMount, client)
	default:
		return fmt.Errorf("payload: unknown decision %q", plan.Decision)
	}
}

// executeReuse constructs (if absent) a torrent-view directory under the
// target mirroring each torrent's file tree via hardlinks from the existing
// target payload, then relocates every affected torrent.
func (e *Engine) executeReuse(ctx context.Context, plan *DemotionPlan, targetMount string, client torrentclient.Client) error {
	targetRoot := filepath.Join(targetMount, plan.TargetPath)

	for _, hash := range plan.AffectedTorrents {
		files, err := client.FilesOf(ctx, hash)
		if err != nil {
			return fmt.Errorf("payload: list files for %s: %w", hash, err)
		}
		viewDir := filepath.Join(targetMount, "views", hash)
		if err := buildView(viewDir, targetRoot, files); err != nil {
			return fmt.Errorf("payload: build view for %s: %w", hash, err)
		}
	}

	return relocateTorrents(ctx, plan.AffectedTorrents, targetMount, client)
}

// executeMove verifies the source, relocates the payload root to the
// target (rename, falling back to copy-then-delete), and then proceeds as
// REUSE for view construction and torrent relocation.
func (e *Engine) executeMove(ctx context.Context, plan *DemotionPlan, sourceMount, targetMount string, client torrentclient.Client) error {
	sourceRoot := filepath.Join(sourceMount, plan.SourcePath)
	targetRoot := filepath.Join(targetMount, plan.TargetPath)

	count, bytes, err := treeStats(sourceRoot)
	if err != nil {
		return fmt.Errorf("payload: verify source: %w", err)
	}
	if int64(count) != plan.FileCount || bytes != plan.TotalBytes {
		return fmt.Errorf("payload: source %s has %d files/%d bytes, plan expects %d files/%d bytes",
			sourceRoot, count, bytes, plan.FileCount, plan.TotalBytes)
	}

	same, err := fsutil.SameFilesystem(sourceMount, targetMount)
	if err != nil {
		return fmt.Errorf("payload: same filesystem check: %w", err)
	}

	if err := moveTree(sourceRoot, targetRoot, same); err != nil {
		return fmt.Errorf("payload: move payload root: %w", err)
	}

	for _, hash := range plan.AffectedTorrents {
		files, err := client.FilesOf(ctx, hash)
		if err != nil {
			return fmt.Errorf("payload: list files for %s: %w", hash, err)
		}
		viewDir := filepath.Join(targetMount, "views", hash)
		if err := buildView(viewDir, targetRoot, files); err != nil {
			if restoreErr := moveTree(targetRoot, sourceRoot, same); restoreErr != nil {
				return fmt.Errorf("payload: build view failed (%v) and restore failed: %w", err, restoreErr)
			}
			return fmt.Errorf("payload: build view for %s: %w", hash, err)
		}
	}

	if err := relocateTorrents(ctx, plan.AffectedTorrents, targetMount, client); err != nil {
		if restoreErr := moveTree(targetRoot, sourceRoot, same); restoreErr != nil {
			return fmt.Errorf("payload: relocate failed (%v) and restore failed: %w", err, restoreErr)
		}
		return err
	}
	return nil
}

// relocateTorrents atomically pauses, relocates, and resumes every torrent,
// verifying the reported save path after resume; on any failure it rolls
// back every torrent already relocated to its prior save path.
func relocateTorrents(ctx context.Context, hashes []string, targetMount string, client torrentclient.Client) error {
	type prior struct {
		hash, savePath string
	}
	var relocated []prior

	rollback := func() {
		for _, p := range relocated {
			_ = client.Pause(ctx, p.hash)
			_ = client.SetLocation(ctx, p.hash, p.savePath)
			_ = client.Resume(ctx, p.hash)
		}
	}

	for _, hash := range hashes {
		info, err := client.Info(ctx, hash)
		if err != nil {
			rollback()
			return fmt.Errorf("payload: info for %s: %w", hash, err)
		}

		if err := client.Pause(ctx, hash); err != nil {
			rollback()
			return fmt.Errorf("payload: pause %s: %w", hash, err)
		}
		if err := client.SetLocation(ctx, hash, targetMount); err != nil {
			rollback()
			return fmt.Errorf("payload: set location %s: %w", hash, err)
		}
		if err := client.Resume(ctx, hash); err != nil {
			rollback()
			return fmt.Errorf("payload: resume %s: %w", hash, err)
		}

		after, err := client.Info(ctx, hash)
		if err != nil {
			rollback()
			return fmt.Errorf("payload: verify %s: %w", hash, err)
		}
		if after.SavePath != targetMount {
			rollback()
			return fmt.Errorf("payload: %s did not report the expected save path after resume", hash)
		}

		relocated = append(relocated, prior{hash: hash, savePath: info.SavePath})
	}
	return nil
}

// buildView mirrors a torrent's logical file tree under viewDir by
// hardlinking each entry from the payload root, if not already present.
func buildView(viewDir, payloadRoot string, files []torrentclient.TorrentFile) error {
	if err := ensureDir(viewDir); err != nil {
		return err
	}
	for _, f := range sortedTorrentFiles(files) {
		src := filepath.Join(payloadRoot, f.Name)
		dst := filepath.Join(viewDir, f.Name)
		if err := ensureDir(filepath.Dir(dst)); err != nil {
			return err
		}
		if err := hardlinkIfAbsent(src, dst); err != nil {
			return fmt.Errorf("link %s: %w", f.Name, err)
		}
	}
	return nil
}

// sortedTorrentFiles is a small helper kept for deterministic view
// construction order in logs/tests.
func sortedTorrentFiles(files []torrentclient.TorrentFile) []torrentclient.TorrentFile {
	out := make([]torrentclient.TorrentFile, len(files))
	copy(out, files)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
