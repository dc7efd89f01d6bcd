// Package store provides transactional CRUD access to the instance table
// and its processed-stream side table.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sensiflow/instancectl/internal/apperrors"
)

// Status is one of the three persisted instance states. Absent is not a
// stored state — it is the absence of a row.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusPaused   Status = "PAUSED"
	StatusInactive Status = "INACTIVE"
)

// Instance is the control-plane record for one device.
type Instance struct {
	ID        int64
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store opens transactions against the instance/processedstream tables.
type Store struct {
	db *sql.DB
}

// New wraps db as a Store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Tx is a transaction-scoped handle exposing the store operations. Every
// InstanceService command runs its store calls through exactly one Tx so
// that per-device-id serialization (via row locking) and atomicity with the
// paired engine call are both guaranteed.
type Tx struct {
	tx *sql.Tx
}

// WithTx opens a transaction, runs fn, and commits on success or rolls back
// on error (including a panic, which is re-raised after rollback).
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
			return
		}
		err = sqlTx.Commit()
	}()

	return fn(&Tx{tx: sqlTx})
}

func validateInvariant(inst Instance) error {
	if inst.UpdatedAt.Before(inst.CreatedAt) {
		return apperrors.NewDomainLogicError("updated_at >= created_at",
			fmt.Sprintf("instance %d: updated_at %s before created_at %s", inst.ID, inst.UpdatedAt, inst.CreatedAt))
	}
	return nil
}

// Get returns the instance row for id, or (Instance{}, false, nil) if absent.
func (t *Tx) Get(ctx context.Context, id int64) (Instance, bool, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, status, created_at, updated_at
		FROM instance
		WHERE id = $1
		FOR UPDATE
	`, id)

	var inst Instance
	var status string
	if err := row.Scan(&inst.ID, &status, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Instance{}, false, nil
		}
		return Instance{}, false, fmt.Errorf("get instance %d: %w", id, err)
	}
	inst.Status = Status(status)
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	return inst, true, nil
}

// Create inserts a new instance row. CreatedAt/UpdatedAt are stamped to now
// if zero.
func (t *Tx) Create(ctx context.Context, inst Instance) (Instance, error) {
	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = now
	}
	if err := validateInvariant(inst); err != nil {
		return Instance{}, err
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO instance (id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
	`, inst.ID, string(inst.Status), inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return Instance{}, fmt.Errorf("create instance %d: %w", inst.ID, err)
	}
	return inst, nil
}

// Update sets status and bumps updated_at to now for an existing row.
// Returns the number of affected rows: 0 if the id doesn't exist, and also
// 0 if now is earlier than the row's created_at. That second case leaves
// the row unchanged and is not reported as a DomainLogicError.
func (t *Tx) Update(ctx context.Context, id int64, status Status) (int64, error) {
	now := time.Now().UTC()

	result, err := t.tx.ExecContext(ctx, `
		UPDATE instance
		SET status = $2, updated_at = $3
		WHERE id = $1 AND $3 >= created_at
	`, id, string(status), now)
	if err != nil {
		return 0, fmt.Errorf("update instance %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update instance %d: %w", id, err)
	}
	return rows, nil
}

// Delete removes an instance row (and, via ON DELETE CASCADE, its
// processed-stream row). Returns the number of affected rows.
func (t *Tx) Delete(ctx context.Context, id int64) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM instance WHERE id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("delete instance %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete instance %d: %w", id, err)
	}
	return rows, nil
}

// OldInactive returns up to 100 rows with status != ACTIVE whose updated_at
// is older than minAge, locking each row FOR UPDATE SKIP LOCKED so a
// concurrent reaper pass (should one ever run, §5's single-replica
// assumption notwithstanding) never double-reaps the same row.
func (t *Tx) OldInactive(ctx context.Context, minAge time.Duration) ([]Instance, error) {
	cutoff := time.Now().UTC().Add(-minAge)

	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, status, created_at, updated_at
		FROM instance
		WHERE status != $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT 100
		FOR UPDATE SKIP LOCKED
	`, string(StatusActive), cutoff)
	if err != nil {
		return nil, fmt.Errorf("query old inactive instances: %w", err)
	}
	defer rows.Close()

	return scanInstances(rows)
}

// All returns every instance row, used by the consistency scanner.
func (t *Tx) All(ctx context.Context) ([]Instance, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, status, created_at, updated_at
		FROM instance
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("query all instances: %w", err)
	}
	defer rows.Close()

	return scanInstances(rows)
}

func scanInstances(rows *sql.Rows) ([]Instance, error) {
	var result []Instance
	for rows.Next() {
		var inst Instance
		var status string
		if err := rows.Scan(&inst.ID, &status, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		inst.Status = Status(status)
		inst.CreatedAt = inst.CreatedAt.UTC()
		inst.UpdatedAt = inst.UpdatedAt.UTC()
		result = append(result, inst)
	}
	return result, rows.Err()
}

// ClearProcessedStream deletes the worker-published stream URL for a
// device, if any. It is not an error for the row to already be absent.
func (t *Tx) ClearProcessedStream(ctx context.Context, deviceID int64) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM processedstream WHERE deviceid = $1`, deviceID); err != nil {
		return fmt.Errorf("clear processed stream for %d: %w", deviceID, err)
	}
	return nil
}
