//go:build unix

package dedupanalyzer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hashall/hashall/internal/catalog"
	"github.com/hashall/hashall/internal/collision"
	"github.com/hashall/hashall/internal/identity"
	"github.com/hashall/hashall/internal/scanner"
)

// TestPerDeviceRanksByPotentialSavings verifies groups are sorted
// by potential_savings descending, and potential_savings = (unique_inodes-1) * size.
func TestPerDeviceRanksByPotentialSavings(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()

	root := t.TempDir()

	// Small group: 2 duplicate 100-byte files -> savings 100.
	small := make([]byte, 100)
	mustWrite(t, filepath.Join(root, "small_a.bin"), small)
	mustWrite(t, filepath.Join(root, "small_b.bin"), small)

	// Large group: 3 duplicate 1000-byte files -> savings 2000.
	large := make([]byte, 1000)
	for i := range large {
		large[i] = 0xAB
	}
	mustWrite(t, filepath.Join(root, "large_a.bin"), large)
	mustWrite(t, filepath.Join(root, "large_b.bin"), large)
	mustWrite(t, filepath.Join(root, "large_c.bin"), large)

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

	// HashModeFull already computes full hashes, but run the resolver too so
	// the analyzer is exercised against its normal upstream.
	if _, err := collision.New(cat, zerolog.Nop()).Resolve(ctx, deviceID, mountPoint, collision.Options{Workers: 2}); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	groups, err := New(cat).PerDevice(ctx, deviceID, 0)
	if err != nil {
		t.Fatalf("per device: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("expected 2 duplicate groups, got %d", len(groups))
	}
	if groups[0].PotentialSavings != 2000 {
		t.Errorf("expected largest group first with savings 2000, got %d", groups[0].PotentialSavings)
	}
	if groups[1].PotentialSavings != 100 {
		t.Errorf("expected second group savings 100, got %d", groups[1].PotentialSavings)
	}
	if groups[0].UniqueInodes != 3 || groups[0].MemberCount != 3 {
		t.Errorf("expected 3 unique inodes and members in the large group, got inodes=%d members=%d",
			groups[0].UniqueInodes, groups[0].MemberCount)
	}
	if len(groups[0].Paths()) != 3 {
		t.Errorf("expected 3 paths in the large group, got %d", len(groups[0].Paths()))
	}
}

func mustWrite(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}
