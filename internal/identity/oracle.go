// Package identity implements the FS Identity Oracle: mapping a filesystem
// path to a stable filesystem identity (fs_uuid, mount point, and optional
// ZFS dataset metadata). It wraps OS-specific probes (findmnt, blkid,
// zfs/zpool get) behind a bounded-timeout, never-raising contract, since a hung or
// missing external binary must degrade to "unknown" rather than block a
// scan.
package identity

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hashall/hashall/internal/fsutil"
)

// probeTimeout bounds every external probe invocation.
const probeTimeout = 5 * time.Second

// ZFSMeta holds optional ZFS dataset identity for a mount.
type ZFSMeta struct {
	Pool     string
	Dataset  string
	PoolGUID string
}

// Identity is the resolved filesystem identity for a path.
type Identity struct {
	FSUUID      string // stable string: uuid probe, "zfs-<guid>", or "dev-<kernel_id>"
	MountPoint  string
	MountSource string
	FSType      string
	DeviceID    uint64
	ZFS         *ZFSMeta // nil if not a ZFS dataset
}

// Oracle resolves filesystem identities, caching results per mount point for
// the lifetime of one scan session.
type Oracle struct {
	log   zerolog.Logger
	mu    sync.Mutex
	cache map[string]Identity
}

// New creates an Oracle. Pass a zero zerolog.Logger to disable logging.
func New(log zerolog.Logger) *Oracle {
	return &Oracle{log: log, cache: make(map[string]Identity)}
}

// Resolve returns the Identity for path. It never returns an error: every
// probe failure degrades to the next resolution tier, bottoming out at
// "dev-unknown" if even the kernel device id probe fails.
func (o *Oracle) Resolve(ctx context.Context, path string) Identity {
	mount, source, fsType := findMount(ctx, path, o.log)

	o.mu.Lock()
	if id, ok := o.cache[mount]; ok {
		o.mu.Unlock()
		return id
	}
	o.mu.Unlock()

	id := Identity{MountPoint: mount, MountSource: source, FSType: fsType}

	if devID, err := fsutil.DeviceID(path); err == nil {
		id.DeviceID = devID
	}

	// Resolution order: (1) stable-UUID probe, (2) ZFS dataset GUID,
	// (3) dev-<kernel_id> fallback, (4) dev-unknown.
	if uuid, ok := probeStableUUID(ctx, source, o.log); ok {
		id.FSUUID = uuid
	} else if zfs, guid, ok := probeZFS(ctx, path, o.log); ok {
		id.FSUUID = "zfs-" + guid
		id.ZFS = zfs
	} else if id.DeviceID != 0 {
		id.FSUUID = fmt.Sprintf("dev-%d", id.DeviceID)
	} else {
		id.FSUUID = "dev-unknown"
	}

	o.mu.Lock()
	o.cache[mount] = id
	o.mu.Unlock()

	return id
}

// runProbe executes an external command bounded by probeTimeout, returning
// trimmed stdout. Any failure (missing binary, timeout, non-zero exit) is
// reported via the ok=false return rather than an error, since probes must
// never abort resolution — they only degrade it.
func runProbe(ctx context.Context, log zerolog.Logger, name string, args ...string) (string, bool) {
	cctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		log.Debug().Err(err).Str("probe", name).Strs("args", args).Msg("identity probe degraded")
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}

func findMount(ctx context.Context, path string, log zerolog.Logger) (mountPoint, mountSource, fsType string) {
	out, ok := runProbe(ctx, log, "findmnt", "-n", "-o", "TARGET,SOURCE,FSTYPE", "--target", path)
	if !ok {
		return path, "", ""
	}
	fields := strings.Fields(out)
	switch len(fields) {
	case 0:
		return path, "", ""
	case 1:
		return fields[0], "", ""
	case 2:
		return fields[0], fields[1], ""
	default:
		return fields[0], fields[1], fields[2]
	}
}

func probeStableUUID(ctx context.Context, source string, log zerolog.Logger) (string, bool) {
	if source == "" {
		return "", false
	}
	out, ok := runProbe(ctx, log, "blkid", "-s", "UUID", "-o", "value", source)
	if !ok || out == "" {
		return "", false
	}
	return out, true
}

func probeZFS(ctx context.Context, path string, log zerolog.Logger) (*ZFSMeta, string, bool) {
	dataset, ok := runProbe(ctx, log, "zfs", "get", "-H", "-o", "value", "name", path)
	if !ok || dataset == "" {
		return nil, "", false
	}
	pool := dataset
	if idx := strings.Index(dataset, "/"); idx >= 0 {
		pool = dataset[:idx]
	}
	guid, ok := runProbe(ctx, log, "zfs", "get", "-H", "-o", "value", "guid", dataset)
	if !ok || guid == "" {
		return nil, "", false
	}
	poolGUID, _ := runProbe(ctx, log, "zpool", "get", "-H", "-o", "value", "guid", pool)

	return &ZFSMeta{Pool: pool, Dataset: dataset, PoolGUID: poolGUID}, guid, true
}
