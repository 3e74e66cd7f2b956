package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Golden image statuses.
const (
	GoldenCreating = "creating"
	GoldenReady    = "ready"
	GoldenFailed   = "failed"
)

// GoldenImage is a persistent golden-image record.
type GoldenImage struct {
	ID        string `db:"id" json:"golden_id"`
	VMType    string `db:"vm_type" json:"vm_type"`
	Status    string `db:"status" json:"status"`
	CreatedAt string `db:"created_at" json:"created_at"`
	UpdatedAt string `db:"updated_at" json:"updated_at"`
}

// CreateGoldenImage inserts a new record in status "creating".
func (d *DB) CreateGoldenImage(ctx context.Context, id, vmType string) error {
	ts := now()
	_, err := d.db.ExecContext(ctx, d.db.Rebind(`
		INSERT INTO golden_images (id, vm_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`), id, vmType, GoldenCreating, ts, ts)
	return err
}

// GetGoldenImage retrieves a record by id, or nil if absent.
func (d *DB) GetGoldenImage(ctx context.Context, id string) (*GoldenImage, error) {
	var gi GoldenImage
	err := d.db.GetContext(ctx, &gi, d.db.Rebind(`
		SELECT id, vm_type, status, created_at, updated_at
		FROM golden_images WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &gi, nil
}

// SetGoldenImageStatus updates a record's status.
func (d *DB) SetGoldenImageStatus(ctx context.Context, id, status string) error {
	res, err := d.db.ExecContext(ctx, d.db.Rebind(`
		UPDATE golden_images SET status = ?, updated_at = ? WHERE id = ?
	`), status, now(), id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("golden image %s not found", id)
	}
	return nil
}

// FindGoldenImage returns the newest record matching status and vm_type,
// or nil if none exists.
func (d *DB) FindGoldenImage(ctx context.Context, status, vmType string) (*GoldenImage, error) {
	var gi GoldenImage
	err := d.db.GetContext(ctx, &gi, d.db.Rebind(`
		SELECT id, vm_type, status, created_at, updated_at
		FROM golden_images
		WHERE status = ? AND vm_type = ?
		ORDER BY created_at DESC LIMIT 1
	`), status, vmType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &gi, nil
}
