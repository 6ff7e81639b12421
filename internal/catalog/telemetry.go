package catalog

import (
	"context"
	"database/sql"
	"time"
)

// ThroughputSample is one row of scan_telemetry: a single scan's observed
// throughput, keyed by filesystem so that recommendations transfer across
// remounts of the same device.
type ThroughputSample struct {
	FSUUID          string
	Workers         int
	BytesHashed     int64
	DurationSeconds float64
	RecordedAt      time.Time
}

// RecordScanTelemetry appends one throughput sample for fsUUID.
func (c *Catalog) RecordScanTelemetry(ctx context.Context, s ThroughputSample) error {
	if s.RecordedAt.IsZero() {
		s.RecordedAt = time.Now().UTC()
	}
	err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO scan_telemetry
			(fs_uuid, workers, bytes_hashed, duration_seconds, recorded_at) VALUES (?, ?, ?, ?, ?)`,
			s.FSUUID, s.Workers, s.BytesHashed, s.DurationSeconds, s.RecordedAt.Format(time.RFC3339))
		return err
	})
	if err != nil {
		return NewCatalogError("RecordScanTelemetry", err)
	}
	return nil
}

// RecentThroughputSamples returns the most recent limit samples recorded
// for fsUUID, newest first.
func (c *Catalog) RecentThroughputSamples(ctx context.Context, fsUUID string, limit int) ([]ThroughputSample, error) {
	rows, err := c.readDB.QueryContext(ctx, `SELECT fs_uuid, workers, bytes_hashed, duration_seconds, recorded_at
		FROM scan_telemetry WHERE fs_uuid = ? ORDER BY recorded_at DESC LIMIT ?`, fsUUID, limit)
	if err != nil {
		return nil, NewCatalogError("RecentThroughputSamples", err)
	}
	defer rows.Close()

	var out []ThroughputSample
	for rows.Next() {
		var s ThroughputSample
		var recordedAt string
		if err := rows.Scan(&s.FSUUID, &s.Workers, &s.BytesHashed, &s.DurationSeconds, &recordedAt); err != nil {
			return nil, err
		}
		s.RecordedAt, _ = time.Parse(time.RFC3339, recordedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}
