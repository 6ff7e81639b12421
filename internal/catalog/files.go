package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// FileRecord is one row of a per-device files table.
type FileRecord struct {
	Path               string
	Size               int64
	MTime              time.Time
	QuickHash          string
	FullHashPrimary    string
	FullHashSecondary  string
	Inode              uint64
	FirstSeenAt        time.Time
	LastSeenAt         time.Time
	LastModifiedAt     time.Time
	Status             string // "active" | "deleted"
	DiscoveredUnder    string
	HashSource         string // "calculated" | "inode:<N>"
}

const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// ensureFilesTable creates files_<device_id> (and its indexes) if absent.
// The per-device table is not part of the embedded migration; its DDL lives here.
func (c *Catalog) ensureFilesTable(ctx context.Context, deviceID uint64) error {
	table := quoteIdent(filesTableName(deviceID))
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		path                TEXT PRIMARY KEY,
		size                INTEGER NOT NULL,
		mtime               REAL NOT NULL,
		quick_hash          TEXT NOT NULL DEFAULT '',
		full_hash_primary   TEXT NOT NULL DEFAULT '',
		full_hash_secondary TEXT NOT NULL DEFAULT '',
		inode               INTEGER NOT NULL DEFAULT 0,
		first_seen_at       TEXT NOT NULL,
		last_seen_at        TEXT NOT NULL,
		last_modified_at    TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'active',
		discovered_under    TEXT NOT NULL DEFAULT '',
		hash_source         TEXT NOT NULL DEFAULT ''
	)`, table)

	return c.withWriteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return err
		}
		idx := []string{
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%d_quick_hash ON %s(quick_hash)`, deviceID, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%d_full_primary ON %s(full_hash_primary)`, deviceID, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%d_full_secondary ON %s(full_hash_secondary)`, deviceID, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%d_inode ON %s(inode)`, deviceID, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%d_status ON %s(status)`, deviceID, table),
		}
		for _, stmt := range idx {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// preparedForDevice caches *sql.Stmt per (device_id, query-key), generating
// each prepared statement the first time it's needed for that device.
// Renaming a device's files table invalidates its cached statements.
func (c *Catalog) preparedForDevice(ctx context.Context, deviceID uint64, key, query string) (*sql.Stmt, error) {
	cacheKey := fmt.Sprintf("%d:%s", deviceID, key)

	c.stmtMu.Lock()
	if stmt, ok := c.stmts[cacheKey]; ok {
		c.stmtMu.Unlock()
		return stmt, nil
	}
	c.stmtMu.Unlock()

	stmt, err := c.writeDB.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	c.stmtMu.Lock()
	c.stmts[cacheKey] = stmt
	c.stmtMu.Unlock()
	return stmt, nil
}

func (c *Catalog) invalidateStmtsForDevice(deviceID uint64) {
	prefix := fmt.Sprintf("%d:", deviceID)
	c.stmtMu.Lock()
	defer c.stmtMu.Unlock()
	for key, stmt := range c.stmts {
		if strings.HasPrefix(key, prefix) {
			_ = stmt.Close()
			delete(c.stmts, key)
		}
	}
}

// EnsureFilesTable creates files_<device_id> (and its indexes) if absent.
// Exported so the Scanner can snapshot the catalog before any row exists.
func (c *Catalog) EnsureFilesTable(ctx context.Context, deviceID uint64) error {
	return c.ensureFilesTable(ctx, deviceID)
}

// TableExists reports whether the per-device files table has been created.
func (c *Catalog) TableExists(ctx context.Context, deviceID uint64) (bool, error) {
	var exists int
	err := c.readDB.QueryRowContext(ctx, `SELECT 1 FROM sqlite_master WHERE type='table' AND name = ?`,
		filesTableName(deviceID)).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, NewCatalogError("TableExists", err)
	}
	return true, nil
}

// LoadActiveUnderRoot implements query contract (a): all active rows whose
// path equals relRoot or lies under "relRoot/". An empty relRoot means the
// device's whole mount point and matches every active row.
func (c *Catalog) LoadActiveUnderRoot(ctx context.Context, deviceID uint64, relRoot string) (map[string]FileRecord, error) {
	table := quoteIdent(filesTableName(deviceID))

	var rows *sql.Rows
	var err error
	if relRoot == "" {
		rows, err = c.readDB.QueryContext(ctx, fmt.Sprintf(
			`SELECT path, size, mtime, quick_hash, full_hash_primary, full_hash_secondary, inode,
			first_seen_at, last_seen_at, last_modified_at, status, discovered_under, hash_source
			FROM %s WHERE status = 'active'`, table))
	} else {
		prefix := strings.TrimSuffix(relRoot, "/") + "/"
		rows, err = c.readDB.QueryContext(ctx, fmt.Sprintf(
			`SELECT path, size, mtime, quick_hash, full_hash_primary, full_hash_secondary, inode,
			first_seen_at, last_seen_at, last_modified_at, status, discovered_under, hash_source
			FROM %s WHERE status = 'active' AND (path = ? OR path LIKE ? ESCAPE '\')`, table),
			relRoot, escapeLike(prefix)+"%")
	}
	if err != nil {
		return nil, NewCatalogError("LoadActiveUnderRoot", err)
	}
	defer rows.Close()

	out := make(map[string]FileRecord)
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.Path] = rec
	}
	return out, rows.Err()
}

func scanFileRecord(rows *sql.Rows) (FileRecord, error) {
	var rec FileRecord
	var mtime float64
	var firstSeen, lastSeen, lastMod string
	if err := rows.Scan(&rec.Path, &rec.Size, &mtime, &rec.QuickHash, &rec.FullHashPrimary,
		&rec.FullHashSecondary, &rec.Inode, &firstSeen, &lastSeen, &lastMod, &rec.Status,
		&rec.DiscoveredUnder, &rec.HashSource); err != nil {
		return FileRecord{}, err
	}
	rec.MTime = time.UnixMilli(int64(mtime * 1000)).UTC()
	rec.FirstSeenAt, _ = time.Parse(time.RFC3339, firstSeen)
	rec.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeen)
	rec.LastModifiedAt, _ = time.Parse(time.RFC3339, lastMod)
	return rec, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// UpsertBatch atomically inserts-or-updates a batch of file records keyed by
// path (query contract (d)), bounded to one transaction per call.
func (c *Catalog) UpsertBatch(ctx context.Context, deviceID uint64, records []FileRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := c.ensureFilesTable(ctx, deviceID); err != nil {
		return NewCatalogError("UpsertBatch.ensureFilesTable", err)
	}
	table := quoteIdent(filesTableName(deviceID))

	err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO %s
			(path, size, mtime, quick_hash, full_hash_primary, full_hash_secondary, inode,
			 first_seen_at, last_seen_at, last_modified_at, status, discovered_under, hash_source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				size = excluded.size,
				mtime = excluded.mtime,
				quick_hash = CASE WHEN excluded.quick_hash = '' THEN %s.quick_hash ELSE excluded.quick_hash END,
				full_hash_primary = CASE WHEN excluded.full_hash_primary = '' THEN %s.full_hash_primary ELSE excluded.full_hash_primary END,
				full_hash_secondary = CASE WHEN excluded.full_hash_secondary = '' THEN %s.full_hash_secondary ELSE excluded.full_hash_secondary END,
				inode = excluded.inode,
				last_seen_at = excluded.last_seen_at,
				last_modified_at = excluded.last_modified_at,
				status = 'active',
				hash_source = CASE WHEN excluded.hash_source = '' THEN %s.hash_source ELSE excluded.hash_source END
		`, table, table, table, table, table))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, rec := range records {
			if rec.Status == "" {
				rec.Status = StatusActive
			}
			if _, err := stmt.ExecContext(ctx, rec.Path, rec.Size, float64(rec.MTime.UnixNano())/1e9,
				rec.QuickHash, rec.FullHashPrimary, rec.FullHashSecondary, rec.Inode,
				rec.FirstSeenAt.Format(time.RFC3339), rec.LastSeenAt.Format(time.RFC3339),
				rec.LastModifiedAt.Format(time.RFC3339), rec.Status, rec.DiscoveredUnder, rec.HashSource); err != nil {
				return fmt.Errorf("upsert %s: %w", rec.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		return NewCatalogError("UpsertBatch", err)
	}
	return nil
}

// MarkDeletedExcept marks every active relpath under relRoot not present in
// keepPaths as deleted.
func (c *Catalog) MarkDeletedExcept(ctx context.Context, deviceID uint64, relRoot string, keepPaths map[string]struct{}) (int64, error) {
	existing, err := c.LoadActiveUnderRoot(ctx, deviceID, relRoot)
	if err != nil {
		return 0, err
	}

	var toDelete []string
	for path := range existing {
		if _, ok := keepPaths[path]; !ok {
			toDelete = append(toDelete, path)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}

	table := quoteIdent(filesTableName(deviceID))
	now := time.Now().UTC().Format(time.RFC3339)

	err = c.withWriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = 'deleted', last_seen_at = ? WHERE path = ?`, table))
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, path := range toDelete {
			if _, err := stmt.ExecContext(ctx, now, path); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, NewCatalogError("MarkDeletedExcept", err)
	}
	return int64(len(toDelete)), nil
}

// CollisionMember is one row within a quick-hash collision group.
type CollisionMember struct {
	Path              string
	Inode             uint64
	FullHashPrimary   string
	FullHashSecondary string
}

// QuickHashCollisionGroup is one group of paths sharing quick_hash but with
// 2+ distinct inodes (query contract (b)).
type QuickHashCollisionGroup struct {
	QuickHash string
	Size      int64
	Members   []CollisionMember
}

// FindQuickHashCollisions implements query contract (b).
func (c *Catalog) FindQuickHashCollisions(ctx context.Context, deviceID uint64) ([]QuickHashCollisionGroup, error) {
	table := quoteIdent(filesTableName(deviceID))
	rows, err := c.readDB.QueryContext(ctx, fmt.Sprintf(
		`SELECT quick_hash, size, path, inode, full_hash_primary, full_hash_secondary FROM %s
		 WHERE status = 'active' AND quick_hash != ''
		 AND quick_hash IN (
		   SELECT quick_hash FROM %s WHERE status = 'active' AND quick_hash != ''
		   GROUP BY quick_hash HAVING COUNT(DISTINCT inode) > 1
		 ) ORDER BY quick_hash, path`, table, table))
	if err != nil {
		return nil, NewCatalogError("FindQuickHashCollisions", err)
	}
	defer rows.Close()

	groups := make(map[string]*QuickHashCollisionGroup)
	var order []string
	for rows.Next() {
		var hash, path, primary, secondary string
		var size int64
		var inode uint64
		if err := rows.Scan(&hash, &size, &path, &inode, &primary, &secondary); err != nil {
			return nil, err
		}
		g, ok := groups[hash]
		if !ok {
			g = &QuickHashCollisionGroup{QuickHash: hash, Size: size}
			groups[hash] = g
			order = append(order, hash)
		}
		g.Members = append(g.Members, CollisionMember{
			Path: path, Inode: inode, FullHashPrimary: primary, FullHashSecondary: secondary,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]QuickHashCollisionGroup, 0, len(order))
	for _, h := range order {
		result = append(result, *groups[h])
	}
	return result, nil
}

// DuplicateMember is one row within a full-hash duplicate group.
type DuplicateMember struct {
	Path     string
	Inode    uint64
	DeviceID uint64 // set by cross-device queries; zero within a single device's group
}

// FullHashDuplicateGroup is one group of distinct-inode rows sharing a full
// content hash and size (query contract (c)).
type FullHashDuplicateGroup struct {
	Hash    string
	Size    int64
	Members []DuplicateMember
}

// Paths returns the group's member paths, for callers that only need names.
func (g FullHashDuplicateGroup) Paths() []string {
	paths := make([]string, len(g.Members))
	for i, m := range g.Members {
		paths[i] = m.Path
	}
	return paths
}

// FindFullHashDuplicates implements query contract (c), filtered to size >= minSize.
func (c *Catalog) FindFullHashDuplicates(ctx context.Context, deviceID uint64, minSize int64) ([]FullHashDuplicateGroup, error) {
	table := quoteIdent(filesTableName(deviceID))
	rows, err := c.readDB.QueryContext(ctx, fmt.Sprintf(
		`SELECT full_hash_primary, size, path, inode FROM %s
		 WHERE status = 'active' AND full_hash_primary != '' AND size >= ?
		 AND full_hash_primary IN (
		   SELECT full_hash_primary FROM %s WHERE status = 'active' AND full_hash_primary != '' AND size >= ?
		   GROUP BY full_hash_primary, size HAVING COUNT(DISTINCT inode) > 1
		 ) ORDER BY full_hash_primary, path`, table, table), minSize, minSize)
	if err != nil {
		return nil, NewCatalogError("FindFullHashDuplicates", err)
	}
	defer rows.Close()

	groups := make(map[string]*FullHashDuplicateGroup)
	var order []string
	for rows.Next() {
		var hash, path string
		var size int64
		var inode uint64
		if err := rows.Scan(&hash, &size, &path, &inode); err != nil {
			return nil, err
		}
		g, ok := groups[hash]
		if !ok {
			g = &FullHashDuplicateGroup{Hash: hash, Size: size}
			groups[hash] = g
			order = append(order, hash)
		}
		g.Members = append(g.Members, DuplicateMember{Path: path, Inode: inode, DeviceID: deviceID})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]FullHashDuplicateGroup, 0, len(order))
	for _, h := range order {
		result = append(result, *groups[h])
	}
	return result, nil
}

// FindCrossDeviceDuplicates groups active, fully-hashed rows across several
// devices purely by (full_hash_primary, size) — cross-device duplicates
// cannot become hardlinks, so the distinct-inode constraint that applies
// within a device is meaningless here; these groups are reportable
// opportunities only, never plan actions.
func (c *Catalog) FindCrossDeviceDuplicates(ctx context.Context, deviceIDs []uint64, minSize int64) ([]FullHashDuplicateGroup, error) {
	groups := make(map[string]*FullHashDuplicateGroup)
	var order []string

	for _, deviceID := range deviceIDs {
		table := quoteIdent(filesTableName(deviceID))
		rows, err := c.readDB.QueryContext(ctx, fmt.Sprintf(
			`SELECT full_hash_primary, size, path, inode FROM %s
			 WHERE status = 'active' AND full_hash_primary != '' AND size >= ?
			 ORDER BY path`, table), minSize)
		if err != nil {
			return nil, NewCatalogError("FindCrossDeviceDuplicates", err)
		}

		err = func() error {
			defer rows.Close()
			for rows.Next() {
				var hash, path string
				var size int64
				var inode uint64
				if err := rows.Scan(&hash, &size, &path, &inode); err != nil {
					return err
				}
				key := fmt.Sprintf("%s:%d", hash, size)
				g, ok := groups[key]
				if !ok {
					g = &FullHashDuplicateGroup{Hash: hash, Size: size}
					groups[key] = g
					order = append(order, key)
				}
				g.Members = append(g.Members, DuplicateMember{Path: path, Inode: inode, DeviceID: deviceID})
			}
			return rows.Err()
		}()
		if err != nil {
			return nil, NewCatalogError("FindCrossDeviceDuplicates", err)
		}
	}

	var result []FullHashDuplicateGroup
	for _, key := range order {
		g := groups[key]
		if len(g.Members) >= 2 {
			result = append(result, *g)
		}
	}
	return result, nil
}

// RowByPath fetches a single file record by exact path, used by the executor
// and payload engine when they need expected hash/size for one file.
func (c *Catalog) RowByPath(ctx context.Context, deviceID uint64, path string) (*FileRecord, error) {
	table := quoteIdent(filesTableName(deviceID))
	row := c.readDB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT path, size, mtime, quick_hash, full_hash_primary, full_hash_secondary, inode,
		first_seen_at, last_seen_at, last_modified_at, status, discovered_under, hash_source
		FROM %s WHERE path = ?`, table), path)

	var rec FileRecord
	var mtime float64
	var firstSeen, lastSeen, lastMod string
	if err := row.Scan(&rec.Path, &rec.Size, &mtime, &rec.QuickHash, &rec.FullHashPrimary,
		&rec.FullHashSecondary, &rec.Inode, &firstSeen, &lastSeen, &lastMod, &rec.Status,
		&rec.DiscoveredUnder, &rec.HashSource); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, NewCatalogError("RowByPath", err)
	}
	rec.MTime = time.UnixMilli(int64(mtime * 1000)).UTC()
	rec.FirstSeenAt, _ = time.Parse(time.RFC3339, firstSeen)
	rec.LastSeenAt, _ = time.Parse(time.RFC3339, lastSeen)
	rec.LastModifiedAt, _ = time.Parse(time.RFC3339, lastMod)
	return &rec, nil
}

// PathsByInode returns every active path on this device sharing inode ino,
// used by the Payload Engine's external-consumer check.
func (c *Catalog) PathsByInode(ctx context.Context, deviceID, ino uint64) ([]string, error) {
	table := quoteIdent(filesTableName(deviceID))
	rows, err := c.readDB.QueryContext(ctx, fmt.Sprintf(
		`SELECT path FROM %s WHERE status = 'active' AND inode = ?`, table), ino)
	if err != nil {
		return nil, NewCatalogError("PathsByInode", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// RecomputeDeviceTotals updates devices.total_files/total_bytes from active
// rows.
func (c *Catalog) RecomputeDeviceTotals(ctx context.Context, deviceID uint64) error {
	table := quoteIdent(filesTableName(deviceID))
	var files, bytes sql.NullInt64
	row := c.readDB.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM %s WHERE status = 'active'`, table))
	if err := row.Scan(&files, &bytes); err != nil {
		return NewCatalogError("RecomputeDeviceTotals", err)
	}

	err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE devices SET total_files = ?, total_bytes = ? WHERE device_id = ?`,
			files.Int64, bytes.Int64, deviceID)
		return err
	})
	if err != nil {
		return NewCatalogError("RecomputeDeviceTotals", err)
	}
	return nil
}

// UpdateFullHashes writes full_hash_primary/full_hash_secondary and
// hash_source for a set of paths sharing one inode: both full digests are
// computed once on repPath and copied to every other hardlinked row.
// repPath receives hash_source=calculated; every other path in paths
// receives hash_source=inode:<inode>.
func (c *Catalog) UpdateFullHashes(ctx context.Context, deviceID, inode uint64, repPath string, primary, secondary string, paths []string) error {
	table := quoteIdent(filesTableName(deviceID))

	err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`UPDATE %s SET full_hash_primary = ?, full_hash_secondary = ?, hash_source = ? WHERE path = ?`, table))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, path := range paths {
			source := fmt.Sprintf("inode:%d", inode)
			if path == repPath {
				source = "calculated"
			}
			if _, err := stmt.ExecContext(ctx, primary, secondary, source, path); err != nil {
				return fmt.Errorf("update full hashes %s: %w", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return NewCatalogError("UpdateFullHashes", err)
	}
	return nil
}
