package payload

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashall/hashall/internal/catalog"
	"github.com/hashall/hashall/internal/torrentclient"
)

// BindTorrent derives the torrent's
// on-disk root from its content path relative to the device's mount point,
// look up or build the corresponding payload, then upsert the torrent row.
func (e *Engine) BindTorrent(ctx context.Context, deviceID uint64, mountPoint string, t torrentclient.Torrent) (*catalog.TorrentInstance, error) {
	rootPath, err := rootUnderMount(mountPoint, t.ContentPath)
	if err != nil {
		return nil, fmt.Errorf("payload: bind torrent %s: %w", t.Hash, err)
	}

	p, err := e.cat.PayloadByRoot(ctx, rootPath, deviceID)
	if err != nil {
		return nil, fmt.Errorf("payload: bind torrent %s: lookup payload: %w", t.Hash, err)
	}
	if p == nil {
		p, err = e.Build(ctx, deviceID, rootPath)
		if err != nil {
			return nil, fmt.Errorf("payload: bind torrent %s: build payload: %w", t.Hash, err)
		}
	}

	return e.cat.UpsertTorrentInstance(ctx, catalog.TorrentInstance{
		TorrentHash: t.Hash,
		PayloadID:   p.ID,
		DeviceID:    deviceID,
		SavePath:    t.SavePath,
		RootName:    t.Name,
		Category:    t.Category,
		Tags:        t.Tags,
	})
}

// rootUnderMount expresses contentPath relative to mountPoint, matching the
// catalog's mount-relative path convention.
func rootUnderMount(mountPoint, contentPath string) (string, error) {
	rel, err := filepath.Rel(mountPoint, contentPath)
	if err != nil {
		return "", fmt.Errorf("content path %s is not under mount point %s: %w", contentPath, mountPoint, err)
	}
	if rel == "." {
		return "", nil
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("content path %s is outside mount point %s", contentPath, mountPoint)
	}
	return rel, nil
}
