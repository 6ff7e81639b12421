//go:build unix

// Package executor implements the Plan Executor: walks a
// persisted link plan's pending actions and replaces duplicates with
// hardlinks to their canonical file.
//
// The atomic-replace core (temp-link-then-rename, orphaned-tmp cleanup) uses
// the same approach as a single-pass deduplicator, extended with a
// backup-and-restore step a one-shot run never needed, since hashall must
// survive a crash mid-replace across process restarts.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hashall/hashall/internal/catalog"
	"github.com/hashall/hashall/internal/digest"
	"github.com/hashall/hashall/internal/progress"
)

// VerifyMode selects how thoroughly each action is checked before linking.
type VerifyMode string

const (
	VerifyNone     VerifyMode = "none"
	VerifyFast     VerifyMode = "fast"
	VerifyParanoid VerifyMode = "paranoid"
)

// orphanedTmpMaxAge is the window before an interrupted temp link is
// considered abandoned and reclaimable.
const orphanedTmpMaxAge = 1 * time.Minute

// Options configures one execution run.
type Options struct {
	DryRun       bool
	VerifyMode   VerifyMode
	CreateBackup bool
	Limit        int
	ShowProgress bool
	// OnProgress, if set, is called after every action with the action's
	// 0-based index among the actions being run.
	OnProgress func(index, total int, action catalog.LinkAction, status string, err error)
}

// Executor runs a link plan's pending actions against the filesystem.
type Executor struct {
	cat *catalog.Catalog
	log zerolog.Logger
}

// New creates an Executor.
func New(cat *catalog.Catalog, log zerolog.Logger) *Executor {
	return &Executor{cat: cat, log: log}
}

// Summary reports what one execution run did.
type Summary struct {
	Executed   int
	Failed     int
	Skipped    int
	BytesSaved int64
}

// Execute runs a plan's pending actions in descending bytes_to_save order,
// committing aggregate counters every 10 actions.
func (e *Executor) Execute(ctx context.Context, planID int64, mountPoint string, opts Options) (*Summary, error) {
	if opts.VerifyMode == "" {
		opts.VerifyMode = VerifyFast
	}

	plan, err := e.cat.LoadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	actions, err := e.cat.LoadPlanActions(ctx, planID)
	if err != nil {
		return nil, err
	}

	pending := make([]catalog.LinkAction, 0, len(actions))
	for _, a := range actions {
		if a.Status == catalog.ActionPending {
			pending = append(pending, a)
		}
	}
	if opts.Limit > 0 && len(pending) > opts.Limit {
		pending = pending[:opts.Limit]
	}

	if len(pending) == 0 {
		return &Summary{}, nil
	}

	if plan.Status == catalog.PlanStatusPending && !opts.DryRun {
		if err := e.cat.SetPlanStatus(ctx, planID, catalog.PlanStatusInProgress); err != nil {
			return nil, err
		}
	}

	bar := progress.New(opts.ShowProgress, int64(len(pending)))
	summary := &Summary{}

	for i, action := range pending {
		select {
		case <-ctx.Done():
			_ = e.cat.SetPlanStatus(ctx, planID, catalog.PlanStatusCancelled)
			return summary, ctx.Err()
		default:
		}

		status, execErr := e.runAction(ctx, mountPoint, &action, opts)

		action.Status = status
		if execErr != nil {
			action.ErrorMessage = execErr.Error()
		}
		if status == catalog.ActionCompleted {
			now := time.Now().UTC()
			action.ExecutedAt = &now
			action.BytesSaved = action.BytesToSave
			summary.BytesSaved += action.BytesToSave
			summary.Executed++
		} else if status == catalog.ActionFailed {
			summary.Failed++
		} else if status == catalog.ActionSkipped {
			summary.Skipped++
		}

		if !opts.DryRun {
			if err := e.cat.UpdateActionResult(ctx, action); err != nil {
				return summary, fmt.Errorf("executor: update action %d: %w", action.ID, err)
			}
		}

		if opts.OnProgress != nil {
			opts.OnProgress(i, len(pending), action, status, execErr)
		}
		bar.Describe(execStats{done: i + 1, total: len(pending)})

		if !opts.DryRun && (i+1)%10 == 0 {
			if _, err := e.cat.RecomputePlanAggregates(ctx, planID); err != nil {
				return summary, err
			}
		}
	}

	bar.Finish(execStats{done: len(pending), total: len(pending)})

	if opts.DryRun {
		return summary, nil
	}
	if _, err := e.cat.RecomputePlanAggregates(ctx, planID); err != nil {
		return summary, err
	}
	return summary, nil
}

// runAction applies the per-action contract to one action, returning
// its terminal status.
func (e *Executor) runAction(ctx context.Context, mountPoint string, action *catalog.LinkAction, opts Options) (string, error) {
	canonical := filepath.Join(mountPoint, action.CanonicalPath)
	duplicate := filepath.Join(mountPoint, action.DuplicatePath)

	canInfo, err := os.Lstat(canonical)
	if err != nil || canInfo.Mode()&os.ModeSymlink != 0 || !canInfo.Mode().IsRegular() {
		return catalog.ActionFailed, fmt.Errorf("canonical path missing or not a regular file: %s", canonical)
	}
	dupInfo, err := os.Lstat(duplicate)
	if err != nil || dupInfo.Mode()&os.ModeSymlink != 0 || !dupInfo.Mode().IsRegular() {
		return catalog.ActionFailed, fmt.Errorf("duplicate path missing or not a regular file: %s", duplicate)
	}

	canID, _, err := statFileID(canInfo)
	if err != nil {
		return catalog.ActionFailed, err
	}
	dupID, _, err := statFileID(dupInfo)
	if err != nil {
		return catalog.ActionFailed, err
	}
	if canID.dev != dupID.dev {
		return catalog.ActionFailed, fmt.Errorf("canonical and duplicate are on different filesystems")
	}
	if canID.ino == dupID.ino {
		return catalog.ActionSkipped, nil
	}

	if err := e.verify(ctx, canonical, duplicate, action, canInfo, dupInfo, opts.VerifyMode); err != nil {
		return catalog.ActionFailed, fmt.Errorf("verification failed: %w", err)
	}

	if opts.DryRun {
		return catalog.ActionCompleted, nil
	}

	if err := atomicReplace(canonical, duplicate, opts.CreateBackup); err != nil {
		return catalog.ActionFailed, err
	}
	return catalog.ActionCompleted, nil
}

// verify checks a duplicate against its canonical file before linking,
// per the requested VerifyMode. Fast mode first confirms both files still
// match what the catalog recorded at scan time (size and mtime unchanged),
// since a sample-hash match alone can't catch a file that was replaced with
// same-size-different-content data after cataloging but before execution;
// paranoid mode skips that gate and hashes both files in full instead.
func (e *Executor) verify(ctx context.Context, canonical, duplicate string, action *catalog.LinkAction, canInfo, dupInfo os.FileInfo, mode VerifyMode) error {
	switch mode {
	case VerifyNone:
		return nil
	case VerifyParanoid:
		canHash, _, _, err := digest.Full(canonical)
		if err != nil {
			return err
		}
		dupHash, _, _, err := digest.Full(duplicate)
		if err != nil {
			return err
		}
		if canHash != dupHash {
			return fmt.Errorf("full hash mismatch between canonical and duplicate")
		}
		if action.SHA256 != "" && dupHash != action.SHA256 {
			return fmt.Errorf("full hash does not match catalog expectation")
		}
		return nil
	default: // VerifyFast
		if err := e.verifyCatalogExpectations(ctx, action, canInfo, dupInfo); err != nil {
			return err
		}
		return verifyFastSample(canonical, duplicate, dupInfo.Size())
	}
}

// verifyCatalogExpectations confirms the canonical and duplicate files'
// live size and mtime still match their most recently recorded catalog
// rows, catching a file changed between scan time and plan execution.
// A path with no catalog row (already deleted from the table) is not an
// error here; the live stat already succeeded in runAction, so there is
// nothing stale to compare against.
func (e *Executor) verifyCatalogExpectations(ctx context.Context, action *catalog.LinkAction, canInfo, dupInfo os.FileInfo) error {
	canRec, err := e.cat.RowByPath(ctx, action.DeviceID, action.CanonicalPath)
	if err != nil {
		return err
	}
	if canRec != nil && !sameStat(canInfo, *canRec) {
		return fmt.Errorf("canonical file size/mtime no longer matches catalog expectation")
	}

	dupRec, err := e.cat.RowByPath(ctx, action.DeviceID, action.DuplicatePath)
	if err != nil {
		return err
	}
	if dupRec != nil && !sameStat(dupInfo, *dupRec) {
		return fmt.Errorf("duplicate file size/mtime no longer matches catalog expectation")
	}

	return nil
}

// sameStat reports whether a live stat matches a catalog row closely
// enough to be "unchanged": size equal and mtime within 1ms.
func sameStat(info os.FileInfo, rec catalog.FileRecord) bool {
	if info.Size() != rec.Size {
		return false
	}
	delta := rec.MTime.Sub(info.ModTime())
	if delta < 0 {
		delta = -delta
	}
	return delta < time.Millisecond
}

// verifyFastSample samples three 1 MiB windows at {0, (size-1MiB)/2,
// max(0, size-1MiB)} and requires equality between the two files.
func verifyFastSample(canonical, duplicate string, size int64) error {
	const sample = 1 << 20
	window := size
	if window > sample {
		window = sample
	}

	offsets := []int64{0}
	if size > sample {
		offsets = append(offsets, (size-sample)/2, size-sample)
	}

	for _, off := range offsets {
		canHash, _, err := digest.Range(canonical, off, window)
		if err != nil {
			return err
		}
		dupHash, _, err := digest.Range(duplicate, off, window)
		if err != nil {
			return err
		}
		if canHash != dupHash {
			return fmt.Errorf("sample mismatch at offset %d", off)
		}
	}
	return nil
}

// atomicReplace backs up the duplicate, unlinks it, hardlinks it to the
// canonical file, and restores the backup if any step fails.
func atomicReplace(canonical, duplicate string, createBackup bool) error {
	var backup string
	if createBackup {
		backup = duplicate + ".bak"
		if err := linkWithOrphanCleanup(duplicate, backup); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	if err := os.Remove(duplicate); err != nil {
		if backup != "" {
			_ = os.Remove(backup)
		}
		return fmt.Errorf("unlink duplicate: %w", err)
	}

	if err := linkWithOrphanCleanup(canonical, duplicate); err != nil {
		if backup != "" {
			if restoreErr := linkWithOrphanCleanup(backup, duplicate); restoreErr != nil {
				return fmt.Errorf("link failed (%v) and restore from backup failed: %w", err, restoreErr)
			}
			_ = os.Remove(backup)
		}
		return fmt.Errorf("create hardlink: %w", err)
	}

	if backup != "" {
		_ = os.Remove(backup)
	}
	return nil
}

// linkWithOrphanCleanup links source to target via a temp-file-then-rename.
func linkWithOrphanCleanup(source, target string) error {
	tmp := target + ".hashall.tmp"

	err := os.Link(source, tmp)
	if errors.Is(err, syscall.EEXIST) {
		if cleanupErr := tryCleanupOrphanedTmp(tmp); cleanupErr != nil {
			return fmt.Errorf("tmp file exists and cannot be cleaned: %w", cleanupErr)
		}
		err = os.Link(source, tmp)
	}
	if err != nil {
		return err
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func tryCleanupOrphanedTmp(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("lstat: %w", err)
	}

	cutoff := time.Now().Add(-orphanedTmpMaxAge)
	if info.ModTime().After(cutoff) {
		return fmt.Errorf("file too recent (mtime %v, cutoff %v)", info.ModTime(), cutoff)
	}

	mode := info.Mode()
	if mode&os.ModeSymlink != 0 {
		return os.Remove(path)
	}
	if !mode.IsRegular() {
		return fmt.Errorf("not a regular file or symlink (mode %v)", mode)
	}

	id, nlink, err := statFileID(info)
	if err != nil {
		return err
	}
	_ = id
	if nlink <= 1 {
		return fmt.Errorf("nlink=%d, may be only copy of data", nlink)
	}
	return os.Remove(path)
}

type fileID struct {
	dev, ino uint64
}

func statFileID(info os.FileInfo) (fileID, uint64, error) {
	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fileID{}, 0, errors.New("executor: failed to get syscall.Stat_t")
	}
	return fileID{dev: uint64(sys.Dev), ino: sys.Ino}, uint64(sys.Nlink), nil //nolint:unconvert,gosec
}

// execStats renders execution progress.
type execStats struct {
	done, total int
}

func (s execStats) String() string {
	return fmt.Sprintf("executed %d/%d actions", s.done, s.total)
}
