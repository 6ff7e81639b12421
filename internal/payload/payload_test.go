//go:build unix

package payload

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

// TestBuildComputesDeterministicHash verifies that a payload built
// twice over the same unchanged files reproduces the same hash, and two
// different file sets produce different hashes.
func TestBuildComputesDeterministicHash(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()

	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.txt"), []byte("hello"))
	mustWrite(t, filepath.Join(root, "b.txt"), []byte("world"))

	sc := scanner.New(cat, identity.New(zerolog.Nop()), zerolog.Nop())
	if _, err := sc.Scan(ctx, root, scanner.Options{Workers: 2, HashMode: scanner.HashModeFull}); err != nil {
		t.Fatalf("scan: %v", err)
	}

	devices, err := cat.ListDevices(ctx)
	if err != nil || len(devices) != 1 {
		t.Fatalf("list devices: %v (len=%d)", err, len(devices))
	}
	deviceID := devices[0].DeviceID

	p1, err := New(cat).Build(ctx, deviceID, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p1.Status != catalog.PayloadComplete {
		t.Fatalf("expected complete payload, got status=%s", p1.Status)
	}
	if p1.PayloadHash == "" {
		t.Fatalf("expected non-empty payload hash")
	}

	p2, err := New(cat).Build(ctx, deviceID, "")
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if p1.PayloadHash != p2.PayloadHash {
		t.Errorf("expected rebuild to reproduce the same hash, got %q vs %q", p1.PayloadHash, p2.PayloadHash)
	}

	// Mutate content: third file makes the set differ, expect a different hash.
	root2 := t.TempDir()
	mustWrite(t, filepath.Join(root2, "a.txt"), []byte("hello"))
	mustWrite(t, filepath.Join(root2, "b.txt"), []byte("different"))

	if _, err := sc.Scan(ctx, root2, scanner.Options{Workers: 2, HashMode: scanner.HashModeFull}); err != nil {
		t.Fatalf("scan root2: %v", err)
	}
	devices2, err := cat.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	var deviceID2 uint64
	for _, d := range devices2 {
		deviceID2 = d.DeviceID
	}

	p3, err := New(cat).Build(ctx, deviceID2, "")
	if err != nil {
		t.Fatalf("build root2: %v", err)
	}
	if p3.PayloadHash == p1.PayloadHash {
		t.Errorf("expected differing content to produce a different payload hash")
	}
}

// TestBuildIncompleteWithoutFullHashes verifies that if any file
// lacks a full hash, the payload is recorded incomplete with a null hash.
func TestBuildIncompleteWithoutFullHashes(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()

	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "a.txt"), []byte("hello"))

	sc := scanner.New(cat, identity.New(zerolog.Nop()), zerolog.Nop())
	if _, err := sc.Scan(ctx, root, scanner.Options{Workers: 2, HashMode: scanner.HashModeFast}); err != nil {
		t.Fatalf("scan: %v", err)
	}

	devices, err := cat.ListDevices(ctx)
	if err != nil || len(devices) != 1 {
		t.Fatalf("list devices: %v (len=%d)", err, len(devices))
	}

	p, err := New(cat).Build(ctx, devices[0].DeviceID, "")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.Status != catalog.PayloadIncomplete {
		t.Errorf("expected incomplete payload, got %s", p.Status)
	}
	if p.PayloadHash != "" {
		t.Errorf("expected null hash for an incomplete payload, got %q", p.PayloadHash)
	}
}

func mustWrite(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}
