//go:build unix

package scanner

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
)

func statDev(t *testing.T, path string) uint64 {
	t.Helper()
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	return uint64(info.Sys().(*syscall.Stat_t).Dev) //nolint:unconvert // platform-dependent type
}

// TestWalkTreeSkipsSymlinks verifies symlinks never appear among walked files.
func TestWalkTreeSkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.txt")
	writeFile(t, target, "content")
	if err := os.Symlink(target, filepath.Join(root, "link.txt")); err != nil {
		t.Fatal(err)
	}

	dev := statDev(t, root)
	result := walkTree(root, dev, 2)

	if len(result.files) != 1 {
		t.Fatalf("expected 1 file (symlink skipped), got %d", len(result.files))
	}
	if result.files[0].Path != target {
		t.Errorf("expected %s, got %s", target, result.files[0].Path)
	}
}

// TestWalkTreeRecursesSubdirectories verifies nested directories on the same
// device are walked, not just the top level.
func TestWalkTreeRecursesSubdirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "top.txt"), "a")
	writeFile(t, filepath.Join(root, "nested", "deep.txt"), "b")
	writeFile(t, filepath.Join(root, "nested", "deeper", "deepest.txt"), "c")

	dev := statDev(t, root)
	result := walkTree(root, dev, 3)

	if len(result.files) != 3 {
		t.Fatalf("expected 3 files, got %d", len(result.files))
	}
}

// TestListOneClassifiesEntries verifies listOne separates files from
// subdirectories and reports no nested mounts when everything shares a device.
func TestListOneClassifiesEntries(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "file.txt"), "x")
	if err := os.Mkdir(filepath.Join(root, "subdir"), 0o755); err != nil {
		t.Fatal(err)
	}

	dev := statDev(t, root)
	files, subdirs, nested, skipped := listOne(root, dev)

	if len(files) != 1 {
		t.Errorf("expected 1 file, got %d", len(files))
	}
	if len(subdirs) != 1 {
		t.Errorf("expected 1 subdir, got %d", len(subdirs))
	}
	if len(nested) != 0 {
		t.Errorf("expected 0 nested mounts, got %d", len(nested))
	}
	if skipped != 0 {
		t.Errorf("expected 0 skipped, got %d", skipped)
	}
}
