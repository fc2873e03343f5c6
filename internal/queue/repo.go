// Package queue implements the workflow job queue and the worker claim
// protocol. The queue table is a projection seeded by the event router;
// claim and failure transitions are worker-protocol conditional updates,
// the only direct projection writes sanctioned outside the engine.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Row statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Row is one invocation of the bootstrap workflow.
type Row struct {
	ID               string
	OrganizationSlug string
	OrganizationID   *string
	Request          []byte
	Status           string
	WorkerID         *string
	WorkflowID       *string
	WorkflowRunID    *string
	ClaimedAt        *time.Time
	CompletedAt      *time.Time
	FailedAt         *time.Time
	Result           []byte
	ErrorMessage     *string
	ErrorStack       *string
	RetryCount       int
	CreatedAt        time.Time
	UpdatedAt        *time.Time
}

const rowColumns = `id, organization_slug, organization_id, request, status, worker_id,
	workflow_id, workflow_run_id, claimed_at, completed_at, failed_at, result,
	error_message, error_stack, retry_count, created_at, updated_at`

// Repo provides access to workflow_queue_projection.
type Repo struct {
	db  *sql.DB
	log *zap.Logger
}

// NewRepo creates a queue repository.
func NewRepo(db *sql.DB, log *zap.Logger) *Repo {
	return &Repo{db: db, log: log}
}

// Get loads one queue row.
func (r *Repo) Get(ctx context.Context, id string) (*Row, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+rowColumns+` FROM workflow_queue_projection WHERE id = $1`, id)
	return scanRow(row)
}

// Claim attempts the atomic pending -> processing transition. Exactly one
// worker observes one affected row; every other contender gets false.
func (r *Repo) Claim(ctx context.Context, id, workerID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE workflow_queue_projection
		SET status = $3, worker_id = $2, claimed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, workerID, StatusProcessing, StatusPending)
	if err != nil {
		return false, fmt.Errorf("claim queue row %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim queue row %s: %w", id, err)
	}
	return affected == 1, nil
}

// AttachWorkflow links the claimed row to its workflow execution.
func (r *Repo) AttachWorkflow(ctx context.Context, id, workflowID, runID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_queue_projection
		SET workflow_id = $2, workflow_run_id = $3, updated_at = NOW()
		WHERE id = $1`,
		id, workflowID, runID)
	if err != nil {
		return fmt.Errorf("attach workflow to queue row %s: %w", id, err)
	}
	return nil
}

// Complete records the workflow result. The status transition itself also
// arrives through the organization.bootstrap.completed projection, so this
// update is idempotent against either ordering.
func (r *Repo) Complete(ctx context.Context, id string, result []byte) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_queue_projection
		SET status = $3, result = $2, completed_at = COALESCE(completed_at, NOW()), updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)`,
		id, result, StatusCompleted, StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete queue row %s: %w", id, err)
	}
	return nil
}

// Fail records a terminal workflow failure and increments retry_count.
func (r *Repo) Fail(ctx context.Context, id, message, stack string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_queue_projection
		SET status = $4, error_message = $2, error_stack = $3,
		    failed_at = NOW(), retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = $5`,
		id, message, stack, StatusFailed, StatusProcessing)
	if err != nil {
		return fmt.Errorf("fail queue row %s: %w", id, err)
	}
	return nil
}

// Cancel marks a row cancelled. The caller is responsible for cancelling the
// associated workflow execution; the worker reconciles the other direction.
func (r *Repo) Cancel(ctx context.Context, id string) (*Row, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE workflow_queue_projection
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)`,
		id, StatusCancelled, StatusPending, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("cancel queue row %s: %w", id, err)
	}
	return r.Get(ctx, id)
}

// Pending lists pending rows for the startup sweep. LISTEN/NOTIFY delivery
// is best-effort; rows seeded while no worker was subscribed surface here.
func (r *Repo) Pending(ctx context.Context, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+rowColumns+` FROM workflow_queue_projection
		 WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending queue rows: %w", err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return result, nil
}

// Stale lists processing rows whose claim is older than the cutoff, for
// crash reconciliation.
func (r *Repo) Stale(ctx context.Context, olderThan time.Duration, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+rowColumns+` FROM workflow_queue_projection
		 WHERE status = $1 AND claimed_at < NOW() - $2::interval
		 ORDER BY claimed_at ASC LIMIT $3`,
		StatusProcessing, fmt.Sprintf("%d seconds", int(olderThan.Seconds())), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale queue rows: %w", err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRow(s scanner) (*Row, error) {
	var row Row
	err := s.Scan(&row.ID, &row.OrganizationSlug, &row.OrganizationID, &row.Request,
		&row.Status, &row.WorkerID, &row.WorkflowID, &row.WorkflowRunID,
		&row.ClaimedAt, &row.CompletedAt, &row.FailedAt, &row.Result,
		&row.ErrorMessage, &row.ErrorStack, &row.RetryCount, &row.CreatedAt, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue row: %w", err)
	}
	return &row, nil
}
