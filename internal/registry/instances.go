package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// VM instance statuses.
const (
	InstanceStarting = "starting"
	InstanceReady    = "ready"
	InstanceBusy     = "busy"
	InstanceFailed   = "failed"
)

// VMInstance is a persistent VM-instance record.
type VMInstance struct {
	ID          string  `db:"id" json:"instance_id"`
	ContainerID string  `db:"container_id" json:"container_id"`
	VMType      string  `db:"vm_type" json:"vm_type"`
	Status      string  `db:"status" json:"status"`
	Port        int     `db:"port" json:"port"`
	HotSpare    bool    `db:"is_hot_spare" json:"is_hot_spare"`
	AssignedTo  *string `db:"assigned_to" json:"assigned_to"`
	CreatedAt   string  `db:"created_at" json:"created_at"`
	UpdatedAt   string  `db:"updated_at" json:"updated_at"`
}

const instanceColumns = `id, container_id, vm_type, status, port, is_hot_spare, assigned_to, created_at, updated_at`

// CreateInstance inserts a new record in status "starting".
func (d *DB) CreateInstance(ctx context.Context, id, vmType string, hotSpare bool) error {
	ts := now()
	_, err := d.db.ExecContext(ctx, d.db.Rebind(`
		INSERT INTO vm_instances (id, vm_type, status, is_hot_spare, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), id, vmType, InstanceStarting, hotSpare, ts, ts)
	return err
}

// GetInstance retrieves a record by id, or nil if absent.
func (d *DB) GetInstance(ctx context.Context, id string) (*VMInstance, error) {
	var inst VMInstance
	err := d.db.GetContext(ctx, &inst, d.db.Rebind(`
		SELECT `+instanceColumns+` FROM vm_instances WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// ListInstances returns all records, newest first.
func (d *DB) ListInstances(ctx context.Context) ([]*VMInstance, error) {
	var list []*VMInstance
	err := d.db.SelectContext(ctx, &list, `
		SELECT `+instanceColumns+` FROM vm_instances ORDER BY created_at DESC
	`)
	return list, err
}

// SetInstanceStatus updates a record's status.
func (d *DB) SetInstanceStatus(ctx context.Context, id, status string) error {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`
		UPDATE vm_instances SET status = ?, updated_at = ? WHERE id = ?
	`), status, now(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("instance %s not found", id)
	}
	return nil
}

// SetInstanceRuntime records the engine handle and allocated port after a
// successful container launch.
func (d *DB) SetInstanceRuntime(ctx context.Context, id, containerID string, port int) error {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`
		UPDATE vm_instances SET container_id = ?, port = ?, updated_at = ? WHERE id = ?
	`), containerID, port, now(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("instance %s not found", id)
	}
	return nil
}

// MarkInstanceReady advances a record from "starting" to "ready". It
// returns false when the record is absent or in any other state, which
// keeps webhook replays idempotent.
func (d *DB) MarkInstanceReady(ctx context.Context, id string) (bool, error) {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`
		UPDATE vm_instances SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), InstanceReady, now(), id, InstanceStarting)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// AssignInstance binds an existing record to a caller: busy, not a hot
// spare. Used for the direct-create path of assignment.
func (d *DB) AssignInstance(ctx context.Context, id, caller string) error {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`
		UPDATE vm_instances
		SET assigned_to = ?, is_hot_spare = FALSE, status = ?, updated_at = ?
		WHERE id = ?
	`), caller, InstanceBusy, now(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("instance %s not found", id)
	}
	return nil
}

// ClaimSpare atomically claims one ready unassigned hot spare for the
// caller and returns the claimed record, or nil when no spare is free.
//
// The claim is a single guarded UPDATE: under SQLite writes are serialized,
// and under PostgreSQL READ COMMITTED a losing concurrent claimer re-checks
// the assigned_to IS NULL guard after the row lock releases and matches
// zero rows. Either way at most one caller wins a given spare.
func (d *DB) ClaimSpare(ctx context.Context, vmType, caller string) (*VMInstance, error) {
	var inst VMInstance
	err := d.db.QueryRowxContext(ctx, d.db.Rebind(`
		UPDATE vm_instances
		SET assigned_to = ?, is_hot_spare = FALSE, status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM vm_instances
			WHERE vm_type = ? AND is_hot_spare = TRUE AND status = ? AND assigned_to IS NULL
			ORDER BY created_at LIMIT 1
		) AND assigned_to IS NULL
		RETURNING `+instanceColumns+`
	`), caller, InstanceBusy, now(), vmType, InstanceReady).StructScan(&inst)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// CountReadySpares counts ready, unassigned hot spares for a vm_type.
func (d *DB) CountReadySpares(ctx context.Context, vmType string) (int, error) {
	var n int
	err := d.db.GetContext(ctx, &n, d.db.Rebind(`
		SELECT COUNT(*) FROM vm_instances
		WHERE vm_type = ? AND is_hot_spare = TRUE AND status = ? AND assigned_to IS NULL
	`), vmType, InstanceReady)
	return n, err
}

// DeleteInstance removes a record. Absent is a no-op.
func (d *DB) DeleteInstance(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, d.db.Rebind(`DELETE FROM vm_instances WHERE id = ?`), id)
	return err
}
