//go:build unix

package executor

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hashall/hashall/internal/catalog"
	"github.com/hashall/hashall/internal/identity"
	"github.com/hashall/hashall/internal/planner"
	"github.com/hashall/hashall/internal/scanner"
)

// TestExecuteReplacesDuplicateWithHardlink verifies the atomic
// replace: after execution, canonical and duplicate share an inode and the
// plan's aggregates report the expected savings.
func TestExecuteReplacesDuplicateWithHardlink(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()

	root := t.TempDir()
	content := make([]byte, 8192)
	for i := range content {
		content[i] = byte(i % 199)
	}
	pathA := filepath.Join(root, "a.bin")
	pathB := filepath.Join(root, "b.bin")
	mustWrite(t, pathA, content)
	mustWrite(t, pathB, content)

	sc := scanner.New(cat, identity.New(zerolog.Nop()), zerolog.Nop())
	if _, err := sc.Scan(ctx, root, scanner.Options{Workers: 2, HashMode: scanner.HashModeFull}); err != nil {
		t.Fatalf("scan: %v", err)
	}

	devices, err := cat.ListDevices(ctx)
	if err != nil || len(devices) != 1 {
		t.Fatalf("list devices: %v (len=%d)", err, len(devices))
	}
	deviceID := devices[0].DeviceID
	mountPoint := devices[0].MountPoint

	plan, err := planner.New(cat).Build(ctx, deviceID, planner.Options{Name: "test"})
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	if plan.ActionsTotal != 1 {
		t.Fatalf("expected 1 action, got %d", plan.ActionsTotal)
	}

	summary, err := New(cat, zerolog.Nop()).Execute(ctx, plan.ID, mountPoint, Options{VerifyMode: VerifyFast})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if summary.Executed != 1 || summary.Failed != 0 {
		t.Fatalf("expected 1 executed, 0 failed, got executed=%d failed=%d", summary.Executed, summary.Failed)
	}
	if summary.BytesSaved != 8192 {
		t.Errorf("expected 8192 bytes saved, got %d", summary.BytesSaved)
	}

	infoA, err := os.Stat(pathA)
	if err != nil {
		t.Fatalf("stat a: %v", err)
	}
	infoB, err := os.Stat(pathB)
	if err != nil {
		t.Fatalf("stat b: %v", err)
	}
	sysA := infoA.Sys().(*syscall.Stat_t)
	sysB := infoB.Sys().(*syscall.Stat_t)
	if sysA.Ino != sysB.Ino {
		t.Errorf("expected a.bin and b.bin to share an inode after execution")
	}

	finalPlan, err := cat.LoadPlan(ctx, plan.ID)
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	if finalPlan.Status != catalog.PlanStatusCompleted {
		t.Errorf("expected plan status completed, got %s", finalPlan.Status)
	}
	if finalPlan.TotalBytesSaved != 8192 {
		t.Errorf("expected total_bytes_saved=8192, got %d", finalPlan.TotalBytesSaved)
	}
}

// TestExecuteSkipsAlreadyLinkedAction verifies that an action
// whose canonical and duplicate already share an inode is skipped, not
// treated as a failure.
func TestExecuteSkipsAlreadyLinkedAction(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()

	root := t.TempDir()
	content := []byte("identical content for hardlink test")
	pathA := filepath.Join(root, "a.bin")
	pathB := filepath.Join(root, "b.bin")
	mustWrite(t, pathA, content)
	if err := os.Link(pathA, pathB); err != nil {
		t.Fatalf("pre-link: %v", err)
	}

	sc := scanner.New(cat, identity.New(zerolog.Nop()), zerolog.Nop())
	if _, err := sc.Scan(ctx, root, scanner.Options{Workers: 2, HashMode: scanner.HashModeFull}); err != nil {
		t.Fatalf("scan: %v", err)
	}

	devices, err := cat.ListDevices(ctx)
	if err != nil || len(devices) != 1 {
		t.Fatalf("list devices: %v (len=%d)", err, len(devices))
	}
	deviceID := devices[0].DeviceID
	mountPoint := devices[0].MountPoint

	// Hardlinked siblings share an inode, so the Dedup Analyzer's distinct(inode)>1
	// filter excludes them; build a plan by hand to exercise the already-linked path.
	plan, err := cat.CreatePlan(ctx, catalog.LinkPlan{
		Name:     "manual",
		DeviceID: deviceID,
	}, []catalog.LinkAction{{
		ActionType:    catalog.ActionTypeHardlink,
		Status:        catalog.ActionPending,
		CanonicalPath: "a.bin",
		DuplicatePath: "b.bin",
		DeviceID:      deviceID,
		FileSize:      int64(len(content)),
		BytesToSave:   int64(len(content)),
	}})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}

	summary, err := New(cat, zerolog.Nop()).Execute(ctx, plan.ID, mountPoint, Options{VerifyMode: VerifyNone})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if summary.Skipped != 1 || summary.Executed != 0 {
		t.Fatalf("expected 1 skipped, 0 executed, got skipped=%d executed=%d", summary.Skipped, summary.Executed)
	}
}

func mustWrite(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}
