//go:build unix

package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hashall/hashall/internal/catalog"
	"github.com/hashall/hashall/internal/identity"
	"github.com/hashall/hashall/internal/types"
)

func newTestScanner(t *testing.T) (*Scanner, *catalog.Catalog) {
	t.Helper()
	ctx := context.Background()
	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { _ = cat.Close() })

	oracle := identity.New(zerolog.Nop())
	return New(cat, oracle, zerolog.Nop()), cat
}

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// TestScanFirstRun verifies a fresh root is fully added on the first scan.
func TestScanFirstRun(t *testing.T) {
	s, _ := newTestScanner(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "world")

	res, err := s.Scan(context.Background(), root, Options{Workers: 2, HashMode: HashModeFast})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Session.Added != 2 {
		t.Errorf("expected 2 added, got %d", res.Session.Added)
	}
	if res.Session.Scanned != 2 {
		t.Errorf("expected 2 scanned, got %d", res.Session.Scanned)
	}
	if res.Session.Status != catalog.ScanStatusCompleted {
		t.Errorf("expected completed session, got %s", res.Session.Status)
	}
}

// TestScanRescanUnchanged verifies a second scan with no filesystem changes
// reuses cached hashes rather than recomputing them.
func TestScanRescanUnchanged(t *testing.T) {
	s, _ := newTestScanner(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")

	ctx := context.Background()
	if _, err := s.Scan(ctx, root, Options{Workers: 2, HashMode: HashModeFast}); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	res, err := s.Scan(ctx, root, Options{Workers: 2, HashMode: HashModeFast})
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if res.Session.Added != 0 {
		t.Errorf("expected 0 added on rescan, got %d", res.Session.Added)
	}
	if res.Session.Unchanged != 1 {
		t.Errorf("expected 1 unchanged, got %d", res.Session.Unchanged)
	}
	if res.Session.BytesHashed != 0 {
		t.Errorf("expected no bytes rehashed on unchanged rescan, got %d", res.Session.BytesHashed)
	}
}

// TestScanHardlinkPropagation verifies hashes computed for one member of an
// inode group propagate to its siblings without rehashing.
func TestScanHardlinkPropagation(t *testing.T) {
	s, cat := newTestScanner(t)
	root := t.TempDir()
	primary := filepath.Join(root, "a.txt")
	writeFile(t, primary, "duplicate content")
	linked := filepath.Join(root, "b.txt")
	if err := os.Link(primary, linked); err != nil {
		t.Skipf("hardlinks unsupported here: %v", err)
	}

	res, err := s.Scan(context.Background(), root, Options{Workers: 2, HashMode: HashModeFull})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.Session.Added != 2 {
		t.Fatalf("expected 2 rows added, got %d", res.Session.Added)
	}
	if want := int64(len("duplicate content")); res.Session.BytesHashed != want {
		t.Errorf("expected the shared inode to be hashed once (%d bytes), got %d", want, res.Session.BytesHashed)
	}

	devices, err := cat.ListDevices(context.Background())
	if err != nil || len(devices) != 1 {
		t.Fatalf("list devices: %v (len=%d)", err, len(devices))
	}
	rows, err := cat.LoadActiveUnderRoot(context.Background(), devices[0].DeviceID, "")
	if err != nil {
		t.Fatalf("load rows: %v", err)
	}
	var hashes []string
	for _, rec := range rows {
		hashes = append(hashes, rec.FullHashPrimary)
	}
	if len(hashes) != 2 || hashes[0] == "" || hashes[0] != hashes[1] {
		t.Errorf("expected both hardlinked rows to carry the same full hash, got %q", hashes)
	}
}

// TestScanScopedDeletion verifies a file removed from disk under the scanned
// root is marked deleted on the next scan of that root.
func TestScanScopedDeletion(t *testing.T) {
	s, _ := newTestScanner(t)
	root := t.TempDir()
	doomed := filepath.Join(root, "doomed.txt")
	writeFile(t, doomed, "gone soon")
	writeFile(t, filepath.Join(root, "keep.txt"), "stays")

	ctx := context.Background()
	if _, err := s.Scan(ctx, root, Options{Workers: 2}); err != nil {
		t.Fatalf("first scan: %v", err)
	}

	if err := os.Remove(doomed); err != nil {
		t.Fatal(err)
	}

	res, err := s.Scan(ctx, root, Options{Workers: 2})
	if err != nil {
		t.Fatalf("second scan: %v", err)
	}
	if res.Session.Deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", res.Session.Deleted)
	}
}

// TestCoalesceByInodeDeterministicRepresentative verifies a group's
// representative is its lexicographically-first path.
func TestCoalesceByInodeDeterministicRepresentative(t *testing.T) {
	root := t.TempDir()
	first := filepath.Join(root, "a.txt")
	second := filepath.Join(root, "z.txt")
	writeFile(t, first, "same")
	if err := os.Link(first, second); err != nil {
		t.Skipf("hardlinks unsupported here: %v", err)
	}

	info, err := os.Stat(first)
	if err != nil {
		t.Fatal(err)
	}
	fid, nlink, err := types.StatFileID(info)
	if err != nil {
		t.Fatal(err)
	}

	files := []*types.FileInfo{
		{Path: second, Size: info.Size(), Dev: fid.Dev, Ino: fid.Ino, Nlink: uint32(nlink)},
		{Path: first, Size: info.Size(), Dev: fid.Dev, Ino: fid.Ino, Nlink: uint32(nlink)},
	}

	groups := coalesceByInode(files)
	if len(groups) != 1 {
		t.Fatalf("expected 1 inode group, got %d", len(groups))
	}
	if groups[0].paths[0].Path != first {
		t.Errorf("expected representative %s, got %s", first, groups[0].paths[0].Path)
	}
}
