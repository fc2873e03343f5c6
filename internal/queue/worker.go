package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianhealth/platform/pkg/metrics"
)

// WorkflowStarter abstracts the durable workflow runtime. Start must be
// idempotent per workflow id: re-delivery of a notification after a crash
// attaches to the live execution instead of spawning a duplicate.
type WorkflowStarter interface {
	// Start begins (or attaches to) the execution for the derived workflow
	// id and returns its run id.
	Start(ctx context.Context, workflowID, queueID string, request []byte) (runID string, err error)
	// Await blocks until the execution reaches a terminal state and returns
	// its result payload.
	Await(ctx context.Context, workflowID, runID string) ([]byte, error)
	// IsRunning reports whether an execution with the id is currently open.
	IsRunning(ctx context.Context, workflowID string) (runID string, running bool, err error)
	// Cancel requests cancellation of the execution.
	Cancel(ctx context.Context, workflowID, runID string) error
}

// WorkflowID derives the stable workflow id for a bootstrap request. The
// derivation is deterministic in the organization slug so duplicate
// notifications and retries map onto one execution.
func WorkflowID(slug string) string {
	return "org-bootstrap-" + slug
}

// Worker subscribes to the queue, claims rows, and correlates them to
// workflow executions.
type Worker struct {
	id       string
	repo     *Repo
	listener *Listener
	starter  WorkflowStarter
	log      *zap.Logger

	sweepInterval time.Duration
	staleAfter    time.Duration
}

// NewWorker creates a worker. The id identifies this process in claim rows.
func NewWorker(id string, repo *Repo, listener *Listener, starter WorkflowStarter, log *zap.Logger) *Worker {
	return &Worker{
		id:            id,
		repo:          repo,
		listener:      listener,
		starter:       starter,
		log:           log.With(zap.String("worker_id", id)),
		sweepInterval: 30 * time.Second,
		staleAfter:    2 * time.Minute,
	}
}

// Run processes notifications and periodic sweeps until the context is done.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.listener.Start(ctx); err != nil {
		return fmt.Errorf("start queue listener: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case n, ok := <-w.listener.Notifications():
				if !ok {
					return nil
				}
				w.handle(ctx, n.ID)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(w.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.sweep(ctx)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// handle runs the claim protocol for one queue row.
func (w *Worker) handle(ctx context.Context, rowID string) {
	claimed, err := w.repo.Claim(ctx, rowID, w.id)
	if err != nil {
		w.log.Error("claim failed", zap.String("row_id", rowID), zap.Error(err))
		return
	}
	if !claimed {
		metrics.QueueClaims.WithLabelValues("lost").Inc()
		// Another worker won, or the row was cancelled. Nothing to do:
		// re-delivered notifications are expected and safe.
		return
	}
	metrics.QueueClaims.WithLabelValues("won").Inc()

	row, err := w.repo.Get(ctx, rowID)
	if err != nil {
		w.log.Error("load claimed row failed", zap.String("row_id", rowID), zap.Error(err))
		return
	}
	w.execute(ctx, row)
}

// execute starts (or attaches to) the workflow for a claimed row and reports
// its terminal outcome back onto the row.
func (w *Worker) execute(ctx context.Context, row *Row) {
	workflowID := WorkflowID(row.OrganizationSlug)

	runID, err := w.starter.Start(ctx, workflowID, row.ID, row.Request)
	if err != nil {
		w.log.Error("start workflow failed",
			zap.String("row_id", row.ID), zap.String("workflow_id", workflowID), zap.Error(err))
		if failErr := w.repo.Fail(ctx, row.ID, err.Error(), ""); failErr != nil {
			w.log.Error("record start failure failed", zap.String("row_id", row.ID), zap.Error(failErr))
		}
		metrics.WorkflowOutcomes.WithLabelValues("failed").Inc()
		return
	}

	if err := w.repo.AttachWorkflow(ctx, row.ID, workflowID, runID); err != nil {
		w.log.Error("attach workflow failed", zap.String("row_id", row.ID), zap.Error(err))
	}

	result, err := w.starter.Await(ctx, workflowID, runID)
	if err != nil {
		w.log.Warn("workflow failed",
			zap.String("row_id", row.ID), zap.String("workflow_id", workflowID), zap.Error(err))
		if failErr := w.repo.Fail(ctx, row.ID, err.Error(), fmt.Sprintf("%+v", err)); failErr != nil {
			w.log.Error("record workflow failure failed", zap.String("row_id", row.ID), zap.Error(failErr))
		}
		metrics.WorkflowOutcomes.WithLabelValues("failed").Inc()
		return
	}

	if err := w.repo.Complete(ctx, row.ID, result); err != nil {
		w.log.Error("record workflow completion failed", zap.String("row_id", row.ID), zap.Error(err))
		return
	}
	metrics.WorkflowOutcomes.WithLabelValues("completed").Inc()
	w.log.Info("bootstrap completed",
		zap.String("row_id", row.ID), zap.String("workflow_id", workflowID))
}

// sweep claims pending rows missed by LISTEN/NOTIFY and reconciles stale
// processing rows left behind by crashed workers.
func (w *Worker) sweep(ctx context.Context) {
	pending, err := w.repo.Pending(ctx, 50)
	if err != nil {
		w.log.Error("pending sweep failed", zap.Error(err))
	} else {
		for i := range pending {
			w.handle(ctx, pending[i].ID)
		}
	}

	stale, err := w.repo.Stale(ctx, w.staleAfter, 50)
	if err != nil {
		w.log.Error("stale sweep failed", zap.Error(err))
		return
	}
	for i := range stale {
		w.reconcile(ctx, &stale[i])
	}
}

// reconcile re-correlates a processing row with the workflow runtime after a
// crash. If the execution is alive under another worker's await, detach; if
// it finished or never started, adopt the row and drive it to a terminal
// state.
func (w *Worker) reconcile(ctx context.Context, row *Row) {
	workflowID := WorkflowID(row.OrganizationSlug)

	runID, running, err := w.starter.IsRunning(ctx, workflowID)
	if err != nil {
		w.log.Error("reconcile lookup failed",
			zap.String("row_id", row.ID), zap.String("workflow_id", workflowID), zap.Error(err))
		return
	}
	if running && row.WorkerID != nil && *row.WorkerID != w.id {
		// The claiming worker may still be awaiting this execution.
		// Adopt only executions whose claimant is gone long enough for the
		// stale cutoff; here the execution is alive, so just re-await.
		w.log.Info("adopting stale execution",
			zap.String("row_id", row.ID), zap.String("workflow_id", workflowID))
	}
	if runID == "" && row.WorkflowRunID != nil {
		runID = *row.WorkflowRunID
	}

	// Start is idempotent per workflow id: if the execution already ran to
	// completion this attaches to its result, if it never started this
	// starts it fresh.
	if runID == "" {
		runID, err = w.starter.Start(ctx, workflowID, row.ID, row.Request)
		if err != nil {
			w.log.Error("reconcile start failed", zap.String("row_id", row.ID), zap.Error(err))
			if failErr := w.repo.Fail(ctx, row.ID, err.Error(), ""); failErr != nil {
				w.log.Error("record reconcile failure failed", zap.String("row_id", row.ID), zap.Error(failErr))
			}
			return
		}
		if err := w.repo.AttachWorkflow(ctx, row.ID, workflowID, runID); err != nil {
			w.log.Error("reconcile attach failed", zap.String("row_id", row.ID), zap.Error(err))
		}
	}

	result, err := w.starter.Await(ctx, workflowID, runID)
	if err != nil {
		if failErr := w.repo.Fail(ctx, row.ID, err.Error(), fmt.Sprintf("%+v", err)); failErr != nil {
			w.log.Error("record reconcile failure failed", zap.String("row_id", row.ID), zap.Error(failErr))
		}
		metrics.WorkflowOutcomes.WithLabelValues("failed").Inc()
		return
	}
	if err := w.repo.Complete(ctx, row.ID, result); err != nil {
		w.log.Error("record reconcile completion failed", zap.String("row_id", row.ID), zap.Error(err))
		return
	}
	metrics.WorkflowOutcomes.WithLabelValues("completed").Inc()
}

// CancelRow cancels a queue row and its workflow execution together.
func (w *Worker) CancelRow(ctx context.Context, rowID string) error {
	row, err := w.repo.Cancel(ctx, rowID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("queue row %s not found", rowID)
	}
	if err != nil {
		return err
	}
	if row.WorkflowID != nil {
		runID := ""
		if row.WorkflowRunID != nil {
			runID = *row.WorkflowRunID
		}
		if err := w.starter.Cancel(ctx, *row.WorkflowID, runID); err != nil {
			return fmt.Errorf("cancel workflow %s: %w", *row.WorkflowID, err)
		}
	}
	metrics.WorkflowOutcomes.WithLabelValues("cancelled").Inc()
	return nil
}
