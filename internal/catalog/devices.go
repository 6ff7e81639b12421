package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Device is the persistent, stable filesystem identity record.
type Device struct {
	FSUUID              string
	DeviceID            uint64
	Alias               string
	MountPoint          string
	PreferredMountPoint string
	FSType              string
	ZFSPool             string
	ZFSDataset          string
	ZFSPoolGUID         string
	TotalFiles          int64
	TotalBytes          int64
	ScanCount           int
	FirstSeenAt         time.Time
	LastScannedAt       time.Time
	DeviceIDHistory     []DeviceIDChange
}

// DeviceIDChange records a prior device_id observed for this fs_uuid, and
// when the change was detected.
type DeviceIDChange struct {
	DeviceID  uint64    `json:"device_id"`
	ChangedAt time.Time `json:"changed_at"`
}

// RegisterDeviceInput is what the Scanner supplies on every scan entry.
type RegisterDeviceInput struct {
	FSUUID     string
	DeviceID   uint64
	MountPoint string
	FSType     string
	ZFSPool    string
	ZFSDataset string
	ZFSPoolGUID string
}

// RegisterDeviceResult reports what RegisterDevice did, including any
// surfaced warning from a skipped rename.
type RegisterDeviceResult struct {
	Device  Device
	Warning string
}

// RegisterDevice implements the device registration protocol:
// insert-new / bump-scan-count / rename-on-device-id-change.
func (c *Catalog) RegisterDevice(ctx context.Context, in RegisterDeviceInput) (*RegisterDeviceResult, error) {
	var result RegisterDeviceResult

	err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
		existing, err := loadDevice(ctx, tx, in.FSUUID)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		now := time.Now().UTC()

		if err == sql.ErrNoRows {
			alias, err := suggestAlias(ctx, tx, in.MountPoint)
			if err != nil {
				return err
			}
			d := Device{
				FSUUID:              in.FSUUID,
				DeviceID:            in.DeviceID,
				Alias:               alias,
				MountPoint:          in.MountPoint,
				PreferredMountPoint: in.MountPoint,
				FSType:              in.FSType,
				ZFSPool:             in.ZFSPool,
				ZFSDataset:          in.ZFSDataset,
				ZFSPoolGUID:         in.ZFSPoolGUID,
				ScanCount:           1,
				FirstSeenAt:         now,
				LastScannedAt:       now,
			}
			if err := insertDevice(ctx, tx, d); err != nil {
				return err
			}
			result.Device = d
			return nil
		}

		d := *existing
		if d.DeviceID == in.DeviceID {
			// Same device_id: bump scan_count, update mount_point only.
			d.ScanCount++
			d.LastScannedAt = now
			d.MountPoint = in.MountPoint
			if err := updateDeviceOnRescan(ctx, tx, d); err != nil {
				return err
			}
			result.Device = d
			return nil
		}

		// device_id changed: append history, rename per-device table.
		d.DeviceIDHistory = append(d.DeviceIDHistory, DeviceIDChange{DeviceID: d.DeviceID, ChangedAt: now})
		oldDeviceID := d.DeviceID
		d.DeviceID = in.DeviceID
		d.ScanCount++
		d.LastScannedAt = now
		d.MountPoint = in.MountPoint

		renamed, warning, err := renameFilesTable(ctx, tx, oldDeviceID, in.DeviceID)
		if err != nil {
			return err
		}
		if !renamed {
			result.Warning = warning
		}

		if err := updateDeviceOnDeviceIDChange(ctx, tx, d); err != nil {
			return err
		}
		result.Device = d
		return nil
	})
	if err != nil {
		return nil, NewCatalogError("RegisterDevice", err)
	}

	c.invalidateStmtsForDevice(result.Device.DeviceID)
	return &result, nil
}

func loadDevice(ctx context.Context, tx *sql.Tx, fsUUID string) (*Device, error) {
	var d Device
	var historyJSON string
	var firstSeen, lastScanned string
	row := tx.QueryRowContext(ctx, `SELECT fs_uuid, device_id, alias, mount_point, preferred_mount_point,
		fs_type, zfs_pool, zfs_dataset, zfs_pool_guid, total_files, total_bytes, scan_count,
		first_seen_at, last_scanned_at, device_id_history FROM devices WHERE fs_uuid = ?`, fsUUID)
	if err := row.Scan(&d.FSUUID, &d.DeviceID, &d.Alias, &d.MountPoint, &d.PreferredMountPoint,
		&d.FSType, &d.ZFSPool, &d.ZFSDataset, &d.ZFSPoolGUID, &d.TotalFiles, &d.TotalBytes, &d.ScanCount,
		&firstSeen, &lastScanned, &historyJSON); err != nil {
		return nil, err
	}
	d.FirstSeenAt, _ = time.Parse(time.RFC3339, firstSeen)
	d.LastScannedAt, _ = time.Parse(time.RFC3339, lastScanned)
	_ = json.Unmarshal([]byte(historyJSON), &d.DeviceIDHistory)
	return &d, nil
}

func insertDevice(ctx context.Context, tx *sql.Tx, d Device) error {
	historyJSON, _ := json.Marshal(d.DeviceIDHistory)
	_, err := tx.ExecContext(ctx, `INSERT INTO devices
		(fs_uuid, device_id, alias, mount_point, preferred_mount_point, fs_type,
		 zfs_pool, zfs_dataset, zfs_pool_guid, total_files, total_bytes, scan_count,
		 first_seen_at, last_scanned_at, device_id_history)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?)`,
		d.FSUUID, d.DeviceID, d.Alias, d.MountPoint, d.PreferredMountPoint, d.FSType,
		d.ZFSPool, d.ZFSDataset, d.ZFSPoolGUID, d.ScanCount,
		d.FirstSeenAt.Format(time.RFC3339), d.LastScannedAt.Format(time.RFC3339), historyJSON)
	return err
}

func updateDeviceOnRescan(ctx context.Context, tx *sql.Tx, d Device) error {
	_, err := tx.ExecContext(ctx, `UPDATE devices SET scan_count = ?, last_scanned_at = ?, mount_point = ?
		WHERE fs_uuid = ?`, d.ScanCount, d.LastScannedAt.Format(time.RFC3339), d.MountPoint, d.FSUUID)
	return err
}

func updateDeviceOnDeviceIDChange(ctx context.Context, tx *sql.Tx, d Device) error {
	historyJSON, _ := json.Marshal(d.DeviceIDHistory)
	_, err := tx.ExecContext(ctx, `UPDATE devices SET device_id = ?, scan_count = ?, last_scanned_at = ?,
		mount_point = ?, device_id_history = ? WHERE fs_uuid = ?`,
		d.DeviceID, d.ScanCount, d.LastScannedAt.Format(time.RFC3339), d.MountPoint, historyJSON, d.FSUUID)
	return err
}

// suggestAlias derives a unique human label from the tail of mount_point,
// lowercased, disambiguated with a numeric suffix.
func suggestAlias(ctx context.Context, tx *sql.Tx, mountPoint string) (string, error) {
	base := strings.ToLower(strings.Trim(filepath.Base(mountPoint), "/"))
	if base == "" || base == "." {
		base = "root"
	}
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, base)

	candidate := base
	for n := 1; ; n++ {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE alias = ?`, candidate).Scan(&exists)
		if err == sql.ErrNoRows {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = fmt.Sprintf("%s-%d", base, n+1)
	}
}

// renameFilesTable renames files_<old> to files_<new>. If the target table
// already exists — a device_id collision — both tables are left in place
// and a warning is returned rather than guessing which one to keep.
func renameFilesTable(ctx context.Context, tx *sql.Tx, oldDeviceID, newDeviceID uint64) (renamed bool, warning string, err error) {
	oldTable := filesTableName(oldDeviceID)
	newTable := filesTableName(newDeviceID)

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sqlite_master WHERE type='table' AND name = ?`, newTable).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return false, "", err
	}
	if err == nil {
		return false, fmt.Sprintf("files table %s already exists; leaving %s in place alongside it", newTable, oldTable), nil
	}

	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sqlite_master WHERE type='table' AND name = ?`, oldTable).Scan(&exists)
	if err == sql.ErrNoRows {
		return true, "", nil // nothing to rename yet
	}
	if err != nil {
		return false, "", err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s RENAME TO %s`, quoteIdent(oldTable), quoteIdent(newTable))); err != nil {
		return false, "", err
	}
	return true, "", nil
}

// ListDevices returns every registered device, ordered by alias, for the
// `devices list` CLI surface and for tests that need to resolve a device id
// without a priori knowledge of the FS Identity Oracle's output.
func (c *Catalog) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := c.readDB.QueryContext(ctx, `SELECT fs_uuid, device_id, alias, mount_point, preferred_mount_point,
		fs_type, zfs_pool, zfs_dataset, zfs_pool_guid, total_files, total_bytes, scan_count,
		first_seen_at, last_scanned_at, device_id_history FROM devices ORDER BY alias`)
	if err != nil {
		return nil, NewCatalogError("ListDevices", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		var historyJSON, firstSeen, lastScanned string
		if err := rows.Scan(&d.FSUUID, &d.DeviceID, &d.Alias, &d.MountPoint, &d.PreferredMountPoint,
			&d.FSType, &d.ZFSPool, &d.ZFSDataset, &d.ZFSPoolGUID, &d.TotalFiles, &d.TotalBytes, &d.ScanCount,
			&firstSeen, &lastScanned, &historyJSON); err != nil {
			return nil, NewCatalogError("ListDevices", err)
		}
		d.FirstSeenAt, _ = time.Parse(time.RFC3339, firstSeen)
		d.LastScannedAt, _ = time.Parse(time.RFC3339, lastScanned)
		_ = json.Unmarshal([]byte(historyJSON), &d.DeviceIDHistory)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func filesTableName(deviceID uint64) string {
	return fmt.Sprintf("files_%d", deviceID)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
