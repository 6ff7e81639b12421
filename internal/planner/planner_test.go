//go:build unix

package planner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hashall/hashall/internal/catalog"
	"github.com/hashall/hashall/internal/identity"
	"github.com/hashall/hashall/internal/scanner"
)

// TestBuildRanksCanonicalByLowestInode verifies canonical
// selection is ranked by lowest inode, and one HARDLINK action is emitted
// per non-canonical member.
func TestBuildRanksCanonicalByLowestInode(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()

	root := t.TempDir()
	content := make([]byte, 4096)
	for i := range content {
		content[i] = byte(i % 251)
	}

	// Creation order doesn't guarantee inode order on every filesystem, so
	// the test checks the chosen canonical's inode against each duplicate's
	// inode rather than assuming which file name wins.
	mustWrite(t, filepath.Join(root, "z_group_a.bin"), content)
	mustWrite(t, filepath.Join(root, "a_group_b.bin"), content)
	mustWrite(t, filepath.Join(root, "m_group_c.bin"), content)

	sc := scanner.New(cat, identity.New(zerolog.Nop()), zerolog.Nop())
	if _, err := sc.Scan(ctx, root, scanner.Options{Workers: 2, HashMode: scanner.HashModeFull}); err != nil {
		t.Fatalf("scan: %v", err)
	}

	devices, err := cat.ListDevices(ctx)
	if err != nil || len(devices) != 1 {
		t.Fatalf("list devices: %v (len=%d)", err, len(devices))
	}
	deviceID := devices[0].DeviceID

	plan, err := New(cat).Build(ctx, deviceID, Options{Name: "test-plan"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if plan.TotalOpportunities != 1 {
		t.Fatalf("expected 1 opportunity, got %d", plan.TotalOpportunities)
	}
	if plan.ActionsTotal != 2 {
		t.Fatalf("expected 2 actions (3 members - 1 canonical), got %d", plan.ActionsTotal)
	}
	if plan.TotalBytesSaveable != 2*4096 {
		t.Errorf("expected 8192 bytes saveable, got %d", plan.TotalBytesSaveable)
	}

	actions, err := cat.LoadPlanActions(ctx, plan.ID)
	if err != nil {
		t.Fatalf("load actions: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected 2 persisted actions, got %d", len(actions))
	}
	canonical := actions[0].CanonicalPath
	for _, a := range actions {
		if a.CanonicalPath != canonical {
			t.Errorf("expected all actions to agree on canonical path, got %q and %q", canonical, a.CanonicalPath)
		}
		if a.DuplicatePath == canonical {
			t.Errorf("canonical path %q should not itself be a duplicate target", canonical)
		}
		if a.BytesToSave != 4096 {
			t.Errorf("expected bytes_to_save=4096, got %d", a.BytesToSave)
		}
		if a.CanonicalInode > a.DuplicateInode {
			t.Errorf("expected canonical inode %d to be the lowest, but duplicate has inode %d", a.CanonicalInode, a.DuplicateInode)
		}
	}
}

func mustWrite(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}
