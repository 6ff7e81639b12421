//go:build unix

package payload

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/rs/zerolog"

	"github.com/hashall/hashall/internal/catalog"
	"github.com/hashall/hashall/internal/identity"
	"github.com/hashall/hashall/internal/scanner"
	"github.com/hashall/hashall/internal/torrentclient"
)

// fakeClient is a minimal in-memory torrentclient.Client for exercising
// demotion execution without a real torrent daemon.
type fakeClient struct {
	files     map[string][]torrentclient.TorrentFile
	savePaths map[string]string
	paused    map[string]bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		files:     map[string][]torrentclient.TorrentFile{},
		savePaths: map[string]string{},
		paused:    map[string]bool{},
	}
}

func (f *fakeClient) ListTorrents(ctx context.Context) ([]torrentclient.Torrent, error) {
	var out []torrentclient.Torrent
	for hash, path := range f.savePaths {
		out = append(out, torrentclient.Torrent{Hash: hash, SavePath: path})
	}
	return out, nil
}

func (f *fakeClient) FilesOf(ctx context.Context, hash string) ([]torrentclient.TorrentFile, error) {
	return f.files[hash], nil
}

func (f *fakeClient) Pause(ctx context.Context, hash string) error {
	f.paused[hash] = true
	return nil
}

func (f *fakeClient) SetLocation(ctx context.Context, hash, path string) error {
	f.savePaths[hash] = path
	return nil
}

func (f *fakeClient) Resume(ctx context.Context, hash string) error {
	f.paused[hash] = false
	return nil
}

func (f *fakeClient) Info(ctx context.Context, hash string) (torrentclient.Torrent, error) {
	return torrentclient.Torrent{Hash: hash, SavePath: f.savePaths[hash]}, nil
}

// TestPlanDemotionBlocksOnExternalHardlink verifies that a payload
// member hardlinked outside every seeding root blocks the demotion.
func TestPlanDemotionBlocksOnExternalHardlink(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()

	root := t.TempDir()
	payloadDir := filepath.Join(root, "seed")
	if err := os.Mkdir(payloadDir, 0o755); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(payloadDir, "file.bin")
	if err := os.WriteFile(target, []byte("payload-data"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Hardlink outside of any seeding root.
	outside := filepath.Join(root, "outside.bin")
	if err := os.Link(target, outside); err != nil {
		t.Fatal(err)
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

	eng := New(cat)
	if _, err := eng.Build(ctx, deviceID, "seed"); err != nil {
		t.Fatalf("build: %v", err)
	}

	plan, err := eng.PlanDemotion(ctx, deviceID, deviceID, "seed", []string{"seed"}, "elsewhere")
	if err != nil {
		t.Fatalf("plan demotion: %v", err)
	}
	if plan.Decision != DecisionBlock {
		t.Fatalf("expected BLOCK, got %s (reasons=%v)", plan.Decision, plan.Reasons)
	}
	if len(plan.Reasons) == 0 {
		t.Errorf("expected at least one reason for blocking")
	}
}

// TestPlanDemotionReusesExistingTargetPayload verifies that when a
// payload with the same hash already exists on the target device, planning
// yields REUSE rather than MOVE.
func TestPlanDemotionReusesExistingTargetPayload(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()

	root := t.TempDir()
	seed := filepath.Join(root, "seed")
	if err := os.Mkdir(seed, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(seed, "file.bin"), []byte("identical-content"), 0o644); err != nil {
		t.Fatal(err)
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

	eng := New(cat)
	src, err := eng.Build(ctx, deviceID, "seed")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// Simulate a pre-existing identical payload on another device.
	const targetDeviceID = uint64(99999)
	if _, err := cat.UpsertPayload(ctx, catalog.Payload{
		DeviceID:    targetDeviceID,
		RootPath:    "archive/seed",
		PayloadHash: src.PayloadHash,
		FileCount:   src.FileCount,
		TotalBytes:  src.TotalBytes,
		Status:      catalog.PayloadComplete,
	}); err != nil {
		t.Fatalf("seed target payload: %v", err)
	}

	plan, err := eng.PlanDemotion(ctx, deviceID, targetDeviceID, "seed", []string{"seed"}, "elsewhere")
	if err != nil {
		t.Fatalf("plan demotion: %v", err)
	}
	if plan.Decision != DecisionReuse {
		t.Fatalf("expected REUSE, got %s (reasons=%v)", plan.Decision, plan.Reasons)
	}
	if plan.TargetPath != "archive/seed" {
		t.Errorf("expected target path to match the existing payload's root, got %q", plan.TargetPath)
	}
}

// TestExecuteDemotionMoveRelocatesTorrents verifies the MOVE path:
// the payload root is relocated and every affected torrent is paused,
// relocated, and resumed with its new save path.
func TestExecuteDemotionMoveRelocatesTorrents(t *testing.T) {
	ctx := context.Background()
	cat, err := catalog.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	defer cat.Close()

	sourceMount := t.TempDir()
	targetMount := t.TempDir()

	seed := filepath.Join(sourceMount, "seed")
	if err := os.Mkdir(seed, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(seed, "a.bin"), []byte("content-a"), 0o644); err != nil {
		t.Fatal(err)
	}

	sc := scanner.New(cat, identity.New(zerolog.Nop()), zerolog.Nop())
	if _, err := sc.Scan(ctx, sourceMount, scanner.Options{Workers: 2, HashMode: scanner.HashModeFull}); err != nil {
		t.Fatalf("scan: %v", err)
	}
	devices, err := cat.ListDevices(ctx)
	if err != nil || len(devices) != 1 {
		t.Fatalf("list devices: %v (len=%d)", err, len(devices))
	}
	deviceID := devices[0].DeviceID

	eng := New(cat)
	if _, err := eng.Build(ctx, deviceID, "seed"); err != nil {
		t.Fatalf("build: %v", err)
	}

	plan, err := eng.PlanDemotion(ctx, deviceID, deviceID+1, "seed", []string{"seed"}, "")
	if err != nil {
		t.Fatalf("plan demotion: %v", err)
	}
	if plan.Decision != DecisionMove {
		t.Fatalf("expected MOVE, got %s", plan.Decision)
	}

	client := newFakeClient()
	const hash = "abc123"
	client.savePaths[hash] = sourceMount
	client.files[hash] = []torrentclient.TorrentFile{{Name: "a.bin", Size: 9}}
	plan.AffectedTorrents = []string{hash}

	if err := eng.ExecuteDemotion(ctx, plan, sourceMount, targetMount, client); err != nil {
		t.Fatalf("execute demotion: %v", err)
	}

	if client.savePaths[hash] != targetMount {
		t.Errorf("expected torrent save path to be updated to %q, got %q", targetMount, client.savePaths[hash])
	}
	if client.paused[hash] {
		t.Errorf("expected torrent to be resumed after relocation")
	}

	movedFile := filepath.Join(targetMount, plan.TargetPath, "a.bin")
	if _, err := os.Stat(movedFile); err != nil {
		t.Errorf("expected moved payload file at %s: %v", movedFile, err)
	}
	if _, err := os.Stat(seed); !os.IsNotExist(err) {
		t.Errorf("expected source root to be removed after move")
	}

	viewFile := filepath.Join(targetMount, "views", hash, "a.bin")
	viewInfo, err := os.Lstat(viewFile)
	if err != nil {
		t.Fatalf("expected view file at %s: %v", viewFile, err)
	}
	movedInfo, err := os.Lstat(movedFile)
	if err != nil {
		t.Fatalf("stat moved file: %v", err)
	}
	viewStat := viewInfo.Sys().(*syscall.Stat_t)
	movedStat := movedInfo.Sys().(*syscall.Stat_t)
	if viewStat.Ino != movedStat.Ino {
		t.Errorf("expected view file to be hardlinked to the payload file, got different inodes")
	}
}
