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
	"github.com/hashall/hashall/internal/torrentclient"
)

// TestBindTorrentBuildsPayloadAndSiblings verifies binding two
// torrents with identical content under the same device yields siblings via
// the catalog's shared payload hash.
func TestBindTorrentBuildsPayloadAndSiblings(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()

	mount := t.TempDir()
	rootA := filepath.Join(mount, "downloads", "show-a")
	rootB := filepath.Join(mount, "downloads", "show-b")
	for _, dir := range []string{rootA, rootB} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "episode.mkv"), []byte("identical-bytes"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	sc := scanner.New(cat, identity.New(zerolog.Nop()), zerolog.Nop())
	if _, err := sc.Scan(ctx, mount, scanner.Options{Workers: 2, HashMode: scanner.HashModeFull}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	devices, err := cat.ListDevices(ctx)
	if err != nil || len(devices) != 1 {
		t.Fatalf("list devices: %v (len=%d)", err, len(devices))
	}
	deviceID := devices[0].DeviceID

	eng := New(cat)
	torrentA := torrentclient.Torrent{Hash: "hashA", Name: "show-a", ContentPath: rootA, SavePath: mount}
	torrentB := torrentclient.Torrent{Hash: "hashB", Name: "show-b", ContentPath: rootB, SavePath: mount}

	if _, err := eng.BindTorrent(ctx, deviceID, mount, torrentA); err != nil {
		t.Fatalf("bind torrent A: %v", err)
	}
	if _, err := eng.BindTorrent(ctx, deviceID, mount, torrentB); err != nil {
		t.Fatalf("bind torrent B: %v", err)
	}

	siblings, err := cat.SiblingsOf(ctx, "hashA")
	if err != nil {
		t.Fatalf("siblings: %v", err)
	}
	if len(siblings) != 2 {
		t.Fatalf("expected 2 siblings sharing a payload hash, got %d", len(siblings))
	}
}
