// Package payload implements the Payload Identity Engine: the
// content identity of a torrent-managed root directory, torrent-to-payload
// binding, and cross-device placement decisions.
//
// A payload's identity is a full cryptographic hash over the sorted,
// canonical listing of "<relpath>|<size>|<hash>\n" lines for every member
// file, where relpath is relative to the payload's root path.
package payload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashall/hashall/internal/catalog"
	"github.com/hashall/hashall/internal/digest"
)

// Engine builds and binds payloads against the catalog.
type Engine struct {
	cat *catalog.Catalog
}

// New creates an Engine.
func New(cat *catalog.Catalog) *Engine {
	return &Engine{cat: cat}
}

// Build collects every active file
// under root_path on deviceID, and if every file carries a full hash,
// compute the payload hash over their sorted "<relpath>|<size>|<hash>\n"
// lines. If any file lacks a full hash, the payload is recorded incomplete
// with an empty payload hash.
func (e *Engine) Build(ctx context.Context, deviceID uint64, rootPath string) (*catalog.Payload, error) {
	records, err := e.cat.LoadActiveUnderRoot(ctx, deviceID, rootPath)
	if err != nil {
		return nil, fmt.Errorf("payload: load root: %w", err)
	}

	p := catalog.Payload{
		DeviceID:   deviceID,
		RootPath:   rootPath,
		FileCount:  int64(len(records)),
		TotalBytes: 0,
		Status:     catalog.PayloadIncomplete,
	}

	type line struct {
		relPath, hash string
		size          int64
	}
	lines := make([]line, 0, len(records))
	complete := true

	for relPath, rec := range records {
		p.TotalBytes += rec.Size
		if rec.FullHashPrimary == "" {
			complete = false
			continue
		}
		member := relPath
		if rootPath != "" {
			if r, err := filepath.Rel(rootPath, relPath); err == nil {
				member = r
			}
		}
		lines = append(lines, line{relPath: member, size: rec.Size, hash: rec.FullHashPrimary})
	}

	if complete {
		sort.Slice(lines, func(i, j int) bool {
			if lines[i].relPath != lines[j].relPath {
				return lines[i].relPath < lines[j].relPath
			}
			if lines[i].size != lines[j].size {
				return lines[i].size < lines[j].size
			}
			return lines[i].hash < lines[j].hash
		})

		var sb strings.Builder
		for _, l := range lines {
			fmt.Fprintf(&sb, "%s|%d|%s\n", l.relPath, l.size, l.hash)
		}
		sum := sha256.Sum256([]byte(sb.String()))
		p.PayloadHash = hex.EncodeToString(sum[:])
		p.Status = catalog.PayloadComplete
	}

	return e.cat.UpsertPayload(ctx, p)
}

// UpgradeMissing computes
// full hashes only for files inside the payload that lack one, hashing each
// distinct inode exactly once, then rebuild and re-upsert the payload.
func (e *Engine) UpgradeMissing(ctx context.Context, deviceID uint64, rootPath, mountPoint string) (*catalog.Payload, error) {
	records, err := e.cat.LoadActiveUnderRoot(ctx, deviceID, rootPath)
	if err != nil {
		return nil, fmt.Errorf("payload: load root: %w", err)
	}

	byInode := make(map[uint64][]string)
	for relPath, rec := range records {
		if rec.FullHashPrimary != "" {
			continue
		}
		byInode[rec.Inode] = append(byInode[rec.Inode], relPath)
	}

	for inode, relPaths := range byInode {
		sort.Strings(relPaths)
		repRelPath := relPaths[0]
		primary, secondary, _, err := digest.Full(filepath.Join(mountPoint, repRelPath))
		if err != nil {
			return nil, fmt.Errorf("payload: hash inode %d: %w", inode, err)
		}
		// repRelPath/relPaths match the catalog's stored (mount-relative) path
		// column; digest.Full above needed the absolute form to open the file.
		if err := e.cat.UpdateFullHashes(ctx, deviceID, inode, repRelPath, primary, secondary, relPaths); err != nil {
			return nil, fmt.Errorf("payload: update inode %d: %w", inode, err)
		}
	}

	return e.Build(ctx, deviceID, rootPath)
}
