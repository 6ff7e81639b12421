//go:build unix

package collision

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

// TestResolvePromotesTrueDuplicateNotPrefixCollision verifies S4: two files
// sharing a quick-hash prefix but differing afterward remain distinct after
// promotion, while a truly identical pair collapses to one duplicate group.
func TestResolvePromotesTrueDuplicateNotPrefixCollision(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()

	root := t.TempDir()
	big := make([]byte, 2<<20) // 2 MiB: exceeds the 1 MiB quick-hash sample
	for i := range big {
		big[i] = byte(i)
	}

	sameA := append([]byte(nil), big...)
	sameB := append([]byte(nil), big...) // truly identical

	diffA := append([]byte(nil), big...)
	diffA[len(diffA)-2] ^= 0xFF // shares the first 1 MiB, differs at the tail
	diffB := append([]byte(nil), big...)
	diffB[len(diffB)-1] ^= 0xFF // shares the first 1 MiB, differs at the tail

	mustWrite(t, filepath.Join(root, "same_a.bin"), sameA)
	mustWrite(t, filepath.Join(root, "same_b.bin"), sameB)
	mustWrite(t, filepath.Join(root, "diff_a.bin"), diffA)
	mustWrite(t, filepath.Join(root, "diff_b.bin"), diffB)

	sc := scanner.New(cat, identity.New(zerolog.Nop()), zerolog.Nop())
	if _, err := sc.Scan(ctx, root, scanner.Options{Workers: 2, HashMode: scanner.HashModeFast}); err != nil {
		t.Fatalf("scan: %v", err)
	}

	deviceID, mountPoint := queryDevice(t, ctx, cat)

	res, err := New(cat, zerolog.Nop()).Resolve(ctx, deviceID, mountPoint, Options{Workers: 2})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}

	dups, err := cat.FindFullHashDuplicates(ctx, deviceID, 0)
	if err != nil {
		t.Fatalf("find duplicates: %v", err)
	}
	if len(dups) != 1 {
		t.Fatalf("expected exactly 1 duplicate group, got %d", len(dups))
	}
	if len(dups[0].Members) != 2 {
		t.Errorf("expected 2 members in the duplicate group, got %d", len(dups[0].Members))
	}
}

func mustWrite(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func queryDevice(t *testing.T, ctx context.Context, cat *catalog.Catalog) (uint64, string) {
	t.Helper()
	// The test root is a single real filesystem, so exactly one device row exists.
	devices, err := cat.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("expected 1 device, got %d", len(devices))
	}
	return devices[0].DeviceID, devices[0].MountPoint
}
