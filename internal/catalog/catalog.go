// Package catalog implements the Catalog Store: persistent, per-device-keyed
// storage of file records, scan sessions, link plans/actions, payloads, and
// torrent instances, backed by SQLite (modernc.org/sqlite, CGo-free).
//
// # Writer model
//
// All mutations flow through a single dedicated write connection so that
// SQLite's single-writer constraint never surfaces as SQLITE_BUSY under
// concurrent callers; reads use a pooled connection and may run concurrently
// with writes. The split between a read pool and one dedicated write handle
// is the same shape as other sqlite-backed services use to avoid writer
// contention.
package catalog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Catalog is the persistent store for devices, files, plans, and payloads.
type Catalog struct {
	readDB  *sql.DB
	writeMu sync.Mutex // serializes writes onto the single write connection
	writeDB *sql.DB

	log zerolog.Logger

	stmtMu sync.Mutex
	stmts  map[string]*sql.Stmt // per-device prepared statement cache, keyed "device_id:query"
}

// Open opens (creating if necessary) the catalog at path and applies any
// pending migrations.
func Open(ctx context.Context, path string, log zerolog.Logger) (*Catalog, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	readDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open read pool: %w", err)
	}

	writeDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		readDB.Close()
		return nil, fmt.Errorf("catalog: open write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1) // enforce the single-writer contract ourselves

	c := &Catalog{readDB: readDB, writeDB: writeDB, log: log, stmts: make(map[string]*sql.Stmt)}

	if err := c.migrate(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}

	return c, nil
}

// Close releases all database connections.
func (c *Catalog) Close() error {
	c.stmtMu.Lock()
	for _, stmt := range c.stmts {
		_ = stmt.Close()
	}
	c.stmts = nil
	c.stmtMu.Unlock()

	var errs []error
	if err := c.writeDB.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.readDB.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("catalog: close: %v", errs)
	}
	return nil
}

func (c *Catalog) migrate(ctx context.Context) error {
	if _, err := c.writeDB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		name TEXT PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return err
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var exists int
		err := c.writeDB.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE name = ?`, name).Scan(&exists)
		if err == nil {
			continue // already applied
		}
		if err != sql.ErrNoRows {
			return err
		}

		body, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}

		tx, err := c.writeDB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(name, applied_at) VALUES (?, datetime('now'))`, name); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		c.log.Debug().Str("migration", name).Msg("catalog migration applied")
	}
	return nil
}

// withWriteTx runs fn inside a transaction on the single write connection,
// serialized against every other writer. The lock is held only for the
// duration of the commit, not for the work that produces it.
func (c *Catalog) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
