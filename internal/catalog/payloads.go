package catalog

import (
	"context"
	"database/sql"
	"time"
)

// Payload statuses: "incomplete" while any member file is missing
// a full hash, "complete" once every file beneath root_path has one.
const (
	PayloadIncomplete = "incomplete"
	PayloadComplete   = "complete"
)

// Payload is the content identity of a torrent-managed root directory:
// payload_hash is computed over the sorted listing of relative paths,
// sizes, and content hashes beneath root_path.
type Payload struct {
	ID          int64
	RootPath    string
	DeviceID    uint64
	PayloadHash string
	FileCount   int64
	TotalBytes  int64
	Status      string
	LastBuiltAt time.Time
}

// TorrentInstance binds a client-known torrent to a Payload.
type TorrentInstance struct {
	TorrentHash string
	PayloadID   int64
	DeviceID    uint64
	SavePath    string
	RootName    string
	Category    string
	Tags        string
	LastSeenAt  time.Time
}

// UpsertPayload inserts or refreshes the payload row keyed on
// (root_path, device_id).
func (c *Catalog) UpsertPayload(ctx context.Context, p Payload) (*Payload, error) {
	p.LastBuiltAt = time.Now().UTC()
	if p.Status == "" {
		p.Status = PayloadIncomplete
	}

	err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO payloads
			(payload_hash, device_id, root_path, file_count, total_bytes, status, last_built_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(root_path, device_id) DO UPDATE SET
				payload_hash = excluded.payload_hash,
				file_count = excluded.file_count,
				total_bytes = excluded.total_bytes,
				status = excluded.status,
				last_built_at = excluded.last_built_at`,
			p.PayloadHash, p.DeviceID, p.RootPath, p.FileCount, p.TotalBytes,
			p.Status, p.LastBuiltAt.Format(time.RFC3339))
		if err != nil {
			return err
		}
		return tx.QueryRowContext(ctx, `SELECT payload_id FROM payloads WHERE root_path = ? AND device_id = ?`,
			p.RootPath, p.DeviceID).Scan(&p.ID)
	})
	if err != nil {
		return nil, NewCatalogError("UpsertPayload", err)
	}
	return &p, nil
}

// PayloadByRoot loads a payload for a (root_path, device_id) pair.
func (c *Catalog) PayloadByRoot(ctx context.Context, rootPath string, deviceID uint64) (*Payload, error) {
	var p Payload
	var lastBuilt string
	row := c.readDB.QueryRowContext(ctx, `SELECT payload_id, root_path, device_id, payload_hash, file_count,
		total_bytes, status, last_built_at FROM payloads WHERE root_path = ? AND device_id = ?`,
		rootPath, deviceID)
	if err := row.Scan(&p.ID, &p.RootPath, &p.DeviceID, &p.PayloadHash, &p.FileCount, &p.TotalBytes,
		&p.Status, &lastBuilt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, NewCatalogError("PayloadByRoot", err)
	}
	p.LastBuiltAt, _ = time.Parse(time.RFC3339, lastBuilt)
	return &p, nil
}

// PayloadsByHash returns every payload sharing payloadHash, regardless of
// device — the cross-device check for identical content staged twice.
func (c *Catalog) PayloadsByHash(ctx context.Context, payloadHash string) ([]Payload, error) {
	rows, err := c.readDB.QueryContext(ctx, `SELECT payload_id, root_path, device_id, payload_hash,
		file_count, total_bytes, status, last_built_at FROM payloads WHERE payload_hash = ?`, payloadHash)
	if err != nil {
		return nil, NewCatalogError("PayloadsByHash", err)
	}
	defer rows.Close()

	var out []Payload
	for rows.Next() {
		var p Payload
		var lastBuilt string
		if err := rows.Scan(&p.ID, &p.RootPath, &p.DeviceID, &p.PayloadHash, &p.FileCount,
			&p.TotalBytes, &p.Status, &lastBuilt); err != nil {
			return nil, err
		}
		p.LastBuiltAt, _ = time.Parse(time.RFC3339, lastBuilt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertTorrentInstance records/refreshes a client-observed torrent binding.
func (c *Catalog) UpsertTorrentInstance(ctx context.Context, t TorrentInstance) (*TorrentInstance, error) {
	t.LastSeenAt = time.Now().UTC()
	err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO torrent_instances
			(torrent_hash, payload_id, device_id, save_path, root_name, category, tags, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(torrent_hash) DO UPDATE SET
				payload_id = excluded.payload_id,
				device_id = excluded.device_id,
				save_path = excluded.save_path,
				root_name = excluded.root_name,
				category = excluded.category,
				tags = excluded.tags,
				last_seen_at = excluded.last_seen_at`,
			t.TorrentHash, t.PayloadID, t.DeviceID, t.SavePath, t.RootName, t.Category, t.Tags,
			t.LastSeenAt.Format(time.RFC3339))
		return err
	})
	if err != nil {
		return nil, NewCatalogError("UpsertTorrentInstance", err)
	}
	return &t, nil
}

// TorrentByHash loads a single torrent instance.
func (c *Catalog) TorrentByHash(ctx context.Context, torrentHash string) (*TorrentInstance, error) {
	var t TorrentInstance
	var lastSeen string
	row := c.readDB.QueryRowContext(ctx, `SELECT torrent_hash, payload_id, device_id, save_path,
		root_name, category, tags, last_seen_at FROM torrent_instances WHERE torrent_hash = ?`, torrentHash)
	if err := row.Scan(&t.TorrentHash, &t.PayloadID, &t.DeviceID, &t.SavePath, &t.RootName,
		&t.Category, &t.Tags, &lastSeen); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, NewCatalogError("TorrentByHash", err)
	}
	t.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeen)
	return &t, nil
}

// SiblingsOf returns every torrent instance whose payload hash matches
// torrentHash's (including itself): two torrent hashes with identical
// payload hashes are siblings, which spans every payload row sharing that
// hash, not just the one torrentHash is bound to.
func (c *Catalog) SiblingsOf(ctx context.Context, torrentHash string) ([]TorrentInstance, error) {
	var payloadHash string
	err := c.readDB.QueryRowContext(ctx, `SELECT p.payload_hash FROM torrent_instances t
		JOIN payloads p ON p.payload_id = t.payload_id WHERE t.torrent_hash = ?`,
		torrentHash).Scan(&payloadHash)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewCatalogError("SiblingsOf", err)
	}

	rows, err := c.readDB.QueryContext(ctx, `SELECT t.torrent_hash, t.payload_id, t.device_id, t.save_path,
		t.root_name, t.category, t.tags, t.last_seen_at FROM torrent_instances t
		JOIN payloads p ON p.payload_id = t.payload_id WHERE p.payload_hash = ?`, payloadHash)
	if err != nil {
		return nil, NewCatalogError("SiblingsOf", err)
	}
	defer rows.Close()

	var out []TorrentInstance
	for rows.Next() {
		var t TorrentInstance
		var lastSeen string
		if err := rows.Scan(&t.TorrentHash, &t.PayloadID, &t.DeviceID, &t.SavePath, &t.RootName,
			&t.Category, &t.Tags, &lastSeen); err != nil {
			return nil, err
		}
		t.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeen)
		out = append(out, t)
	}
	return out, rows.Err()
}

// TorrentHashesForPayload returns every torrent hash bound to payloadID,
// used by demotion planning to enumerate the torrents that move together.
func (c *Catalog) TorrentHashesForPayload(ctx context.Context, payloadID int64) ([]string, error) {
	rows, err := c.readDB.QueryContext(ctx, `SELECT torrent_hash FROM torrent_instances WHERE payload_id = ?`, payloadID)
	if err != nil {
		return nil, NewCatalogError("TorrentHashesForPayload", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, err
		}
		out = append(out, hash)
	}
	return out, rows.Err()
}

// CanonicalizeRoot rewrites a scan root that lies under currentMountPoint to
// lie under the device's preferred_mount_point instead, whenever a preferred
// mount point is recorded and differs from currentMountPoint. It does not
// check whether currentMountPoint is a bind mount.
func (c *Catalog) CanonicalizeRoot(ctx context.Context, fsUUID, rootPath, currentMountPoint string) (string, error) {
	var preferred, mountPoint string
	row := c.readDB.QueryRowContext(ctx, `SELECT preferred_mount_point, mount_point FROM devices WHERE fs_uuid = ?`, fsUUID)
	if err := row.Scan(&preferred, &mountPoint); err != nil {
		if err == sql.ErrNoRows {
			return rootPath, nil
		}
		return "", NewCatalogError("CanonicalizeRoot", err)
	}
	if preferred == "" || preferred == currentMountPoint {
		return rootPath, nil
	}
	if len(rootPath) < len(currentMountPoint) || rootPath[:len(currentMountPoint)] != currentMountPoint {
		return rootPath, nil
	}
	return preferred + rootPath[len(currentMountPoint):], nil
}
