package catalog

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// ScanSession is the lifecycle record for one scan.
type ScanSession struct {
	ID              int64
	ScanID          string
	FSUUID          string
	DeviceID        uint64
	RootPath        string
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds float64
	Status          string // running | completed | interrupted
	Parallel        bool
	Workers         int
	Scanned         int64
	Added           int64
	Updated         int64
	Unchanged       int64
	Deleted         int64
	BytesHashed     int64
}

const (
	ScanStatusRunning     = "running"
	ScanStatusCompleted   = "completed"
	ScanStatusInterrupted = "interrupted"
)

// BeginScanSession creates a running ScanSession row.
func (c *Catalog) BeginScanSession(ctx context.Context, fsUUID string, deviceID uint64, rootPath string, parallel bool, workers int) (*ScanSession, error) {
	s := &ScanSession{
		ScanID:     uuid.NewString(),
		FSUUID:     fsUUID,
		DeviceID:   deviceID,
		RootPath:   rootPath,
		StartedAt:  time.Now().UTC(),
		Status:     ScanStatusRunning,
		Parallel:   parallel,
		Workers:    workers,
	}

	err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO scan_sessions
			(scan_id, fs_uuid, device_id, root_path, started_at, status, parallel, workers)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ScanID, s.FSUUID, s.DeviceID, s.RootPath, s.StartedAt.Format(time.RFC3339),
			s.Status, boolToInt(s.Parallel), s.Workers)
		if err != nil {
			return err
		}
		s.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, NewCatalogError("BeginScanSession", err)
	}
	return s, nil
}

// FinalizeScanSession writes final counters and closes a session as either
// completed or interrupted.
func (c *Catalog) FinalizeScanSession(ctx context.Context, s *ScanSession, interrupted bool) error {
	now := time.Now().UTC()
	s.CompletedAt = &now
	s.DurationSeconds = now.Sub(s.StartedAt).Seconds()
	if interrupted {
		s.Status = ScanStatusInterrupted
	} else {
		s.Status = ScanStatusCompleted
	}

	err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE scan_sessions SET completed_at = ?, duration_seconds = ?,
			status = ?, scanned = ?, added = ?, updated = ?, unchanged = ?, deleted = ?, bytes_hashed = ?
			WHERE id = ?`,
			now.Format(time.RFC3339), s.DurationSeconds, s.Status,
			s.Scanned, s.Added, s.Updated, s.Unchanged, s.Deleted, s.BytesHashed, s.ID)
		return err
	})
	if err != nil {
		return NewCatalogError("FinalizeScanSession", err)
	}
	return nil
}

// UpsertScanRoot updates the (fs_uuid, root_path) scan-root history record.
func (c *Catalog) UpsertScanRoot(ctx context.Context, fsUUID, rootPath string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO scan_roots (fs_uuid, root_path, last_scanned_at, scan_count)
			VALUES (?, ?, ?, 1)
			ON CONFLICT(fs_uuid, root_path) DO UPDATE SET
				last_scanned_at = excluded.last_scanned_at,
				scan_count = scan_count + 1`, fsUUID, rootPath, now)
		return err
	})
	if err != nil {
		return NewCatalogError("UpsertScanRoot", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
