package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Plan lifecycle and action statuses.
const (
	PlanStatusPending    = "pending"
	PlanStatusInProgress = "in_progress"
	PlanStatusCompleted  = "completed"
	PlanStatusFailed     = "failed"
	PlanStatusCancelled  = "cancelled"

	ActionPending    = "pending"
	ActionInProgress = "in_progress"
	ActionCompleted  = "completed"
	ActionFailed      = "failed"
	ActionSkipped    = "skipped"

	ActionTypeHardlink = "HARDLINK"
	ActionTypeSkip     = "SKIP"
	ActionTypeNoop     = "NOOP"
)

// PlanMetadata holds the plan's opaque metadata keys.
type PlanMetadata struct {
	ScopeStatus              string   `json:"scope_status,omitempty"`
	ScopeRoot                string   `json:"scope_root,omitempty"`
	ScopeRelRoot             string   `json:"scope_rel_root,omitempty"`
	ScopeOutOfScope          []string `json:"scope_out_of_scope,omitempty"`
	ScopeVerifiedAt          string   `json:"scope_verified_at,omitempty"`
	Type                     string   `json:"type,omitempty"`
	RequireExistingHardlinks bool     `json:"require_existing_hardlinks,omitempty"`
}

// LinkPlan is the persistent plan record.
type LinkPlan struct {
	ID                 int64
	Name               string
	Status             string
	DeviceID           uint64
	DeviceAlias        string
	MountPoint         string
	TotalOpportunities int64
	TotalBytesSaveable int64
	TotalBytesSaved    int64
	ActionsTotal       int64
	ActionsExecuted    int64
	ActionsFailed      int64
	ActionsSkipped     int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Metadata           PlanMetadata
	Notes              string
}

// LinkAction is one planned hardlink operation.
type LinkAction struct {
	ID              int64
	PlanID          int64
	ActionType      string
	Status          string
	CanonicalPath   string
	DuplicatePath   string
	CanonicalInode  uint64
	DuplicateInode  uint64
	DeviceID        uint64
	FileSize        int64
	SHA256          string
	BytesToSave     int64
	BytesSaved      int64
	ExecutedAt      *time.Time
	ErrorMessage    string
}

// CreatePlan persists a new plan with its actions in one transaction.
func (c *Catalog) CreatePlan(ctx context.Context, plan LinkPlan, actions []LinkAction) (*LinkPlan, error) {
	now := time.Now().UTC()
	plan.CreatedAt, plan.UpdatedAt = now, now
	if plan.Status == "" {
		plan.Status = PlanStatusPending
	}

	metaJSON, err := json.Marshal(plan.Metadata)
	if err != nil {
		return nil, err
	}

	err = c.withWriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO link_plans
			(name, status, device_id, device_alias, mount_point, total_opportunities,
			 total_bytes_saveable, total_bytes_saved, actions_total, actions_executed,
			 actions_failed, actions_skipped, created_at, updated_at, metadata, notes)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, 0, 0, 0, ?, ?, ?, ?)`,
			plan.Name, plan.Status, plan.DeviceID, plan.DeviceAlias, plan.MountPoint,
			plan.TotalOpportunities, int64(len(actions)),
			plan.CreatedAt.Format(time.RFC3339), plan.UpdatedAt.Format(time.RFC3339), metaJSON, plan.Notes)
		if err != nil {
			return err
		}
		plan.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO link_actions
			(plan_id, action_type, status, canonical_path, duplicate_path, canonical_inode,
			 duplicate_inode, device_id, file_size, sha256, bytes_to_save, bytes_saved)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		var saveable int64
		for _, a := range actions {
			if a.Status == "" {
				a.Status = ActionPending
			}
			if _, err := stmt.ExecContext(ctx, plan.ID, a.ActionType, a.Status, a.CanonicalPath,
				a.DuplicatePath, a.CanonicalInode, a.DuplicateInode, a.DeviceID, a.FileSize,
				a.SHA256, a.BytesToSave); err != nil {
				return err
			}
			saveable += a.BytesToSave
		}
		_, err = tx.ExecContext(ctx, `UPDATE link_plans SET total_bytes_saveable = ? WHERE id = ?`, saveable, plan.ID)
		plan.TotalBytesSaveable = saveable
		return err
	})
	if err != nil {
		return nil, NewCatalogError("CreatePlan", err)
	}
	plan.ActionsTotal = int64(len(actions))
	return &plan, nil
}

// LoadPlanActions returns every action for a plan, ordered by id. The
// planner already emitted them in descending bytes_to_save order, so id
// order preserves that.
func (c *Catalog) LoadPlanActions(ctx context.Context, planID int64) ([]LinkAction, error) {
	rows, err := c.readDB.QueryContext(ctx, `SELECT id, plan_id, action_type, status, canonical_path,
		duplicate_path, canonical_inode, duplicate_inode, device_id, file_size, sha256,
		bytes_to_save, bytes_saved, executed_at, error_message
		FROM link_actions WHERE plan_id = ? ORDER BY id`, planID)
	if err != nil {
		return nil, NewCatalogError("LoadPlanActions", err)
	}
	defer rows.Close()

	var out []LinkAction
	for rows.Next() {
		var a LinkAction
		var executedAt sql.NullString
		if err := rows.Scan(&a.ID, &a.PlanID, &a.ActionType, &a.Status, &a.CanonicalPath,
			&a.DuplicatePath, &a.CanonicalInode, &a.DuplicateInode, &a.DeviceID, &a.FileSize,
			&a.SHA256, &a.BytesToSave, &a.BytesSaved, &executedAt, &a.ErrorMessage); err != nil {
			return nil, err
		}
		if executedAt.Valid {
			t, _ := time.Parse(time.RFC3339, executedAt.String)
			a.ExecutedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateActionResult persists the terminal outcome of one action.
func (c *Catalog) UpdateActionResult(ctx context.Context, a LinkAction) error {
	var executedAt any
	if a.ExecutedAt != nil {
		executedAt = a.ExecutedAt.Format(time.RFC3339)
	}
	err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE link_actions SET status = ?, bytes_saved = ?,
			executed_at = ?, error_message = ? WHERE id = ?`,
			a.Status, a.BytesSaved, executedAt, a.ErrorMessage, a.ID)
		return err
	})
	if err != nil {
		return NewCatalogError("UpdateActionResult", err)
	}
	return nil
}

// RecomputePlanAggregates recomputes counters from action rows and updates
// plan status to match.
func (c *Catalog) RecomputePlanAggregates(ctx context.Context, planID int64) (*LinkPlan, error) {
	var executed, failed, skipped, total, savedBytes int64
	row := c.readDB.QueryRowContext(ctx, `SELECT
		COUNT(*) FILTER (WHERE status = 'completed'),
		COUNT(*) FILTER (WHERE status = 'failed'),
		COUNT(*) FILTER (WHERE status = 'skipped'),
		COUNT(*),
		COALESCE(SUM(bytes_saved) FILTER (WHERE status = 'completed'), 0)
		FROM link_actions WHERE plan_id = ?`, planID)
	if err := row.Scan(&executed, &failed, &skipped, &total, &savedBytes); err != nil {
		return nil, NewCatalogError("RecomputePlanAggregates", err)
	}

	status := PlanStatusInProgress
	pending := total - executed - failed - skipped
	switch {
	case pending == 0 && failed == 0 && total > 0:
		status = PlanStatusCompleted
	case pending == 0 && failed > 0:
		status = PlanStatusFailed
	}

	err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE link_plans SET actions_executed = ?, actions_failed = ?,
			actions_skipped = ?, total_bytes_saved = ?, status = ?, updated_at = ? WHERE id = ?`,
			executed, failed, skipped, savedBytes, status, time.Now().UTC().Format(time.RFC3339), planID)
		return err
	})
	if err != nil {
		return nil, NewCatalogError("RecomputePlanAggregates", err)
	}

	return c.LoadPlan(ctx, planID)
}

// LoadPlan fetches a plan by id.
func (c *Catalog) LoadPlan(ctx context.Context, planID int64) (*LinkPlan, error) {
	var p LinkPlan
	var createdAt, updatedAt string
	var metaJSON string
	row := c.readDB.QueryRowContext(ctx, `SELECT id, name, status, device_id, device_alias,
		mount_point, total_opportunities, total_bytes_saveable, total_bytes_saved,
		actions_total, actions_executed, actions_failed, actions_skipped,
		created_at, updated_at, metadata, notes FROM link_plans WHERE id = ?`, planID)
	if err := row.Scan(&p.ID, &p.Name, &p.Status, &p.DeviceID, &p.DeviceAlias, &p.MountPoint,
		&p.TotalOpportunities, &p.TotalBytesSaveable, &p.TotalBytesSaved, &p.ActionsTotal,
		&p.ActionsExecuted, &p.ActionsFailed, &p.ActionsSkipped, &createdAt, &updatedAt,
		&metaJSON, &p.Notes); err != nil {
		return nil, NewCatalogError("LoadPlan", err)
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	_ = json.Unmarshal([]byte(metaJSON), &p.Metadata)
	return &p, nil
}

// SetPlanStatus transitions a plan to a new lifecycle status directly (used
// for in_progress-on-first-action and cancelled-on-interrupt transitions).
func (c *Catalog) SetPlanStatus(ctx context.Context, planID int64, status string) error {
	err := c.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE link_plans SET status = ?, updated_at = ? WHERE id = ?`,
			status, time.Now().UTC().Format(time.RFC3339), planID)
		return err
	})
	if err != nil {
		return NewCatalogError("SetPlanStatus", err)
	}
	return nil
}

// SetPlanMetadata merges/overwrites plan metadata (e.g. scope-verification result).
func (c *Catalog) SetPlanMetadata(ctx context.Context, planID int64, meta PlanMetadata) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	err = c.withWriteTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE link_plans SET metadata = ? WHERE id = ?`, metaJSON, planID)
		return err
	})
	if err != nil {
		return NewCatalogError("SetPlanMetadata", fmt.Errorf("plan %d: %w", planID, err))
	}
	return nil
}
