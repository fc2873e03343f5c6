package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/pkg/json"
)

// QueueChannel is the Postgres NOTIFY channel carrying newly seeded
// workflow queue rows to subscribing workers.
const QueueChannel = "workflow_queue_pending"

// BootstrapInitiated is the payload of organization.bootstrap.initiated. The
// full request travels in the queue row so a worker can start the workflow
// without a second lookup.
type BootstrapInitiated struct {
	OrganizationSlug string `json:"organization_slug"`
	Request          []byte `json:"request"`
}

// applyWorkflowQueue seeds and settles workflow queue rows.
//
// Claim transitions (pending -> processing) and failure reporting are part
// of the worker protocol and go through the queue repository's conditional
// updates, not through events. Seeding and completion flow through here so
// that replays rebuild the queue table faithfully.
func (e *Engine) applyWorkflowQueue(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case "organization.bootstrap.initiated":
		var p BootstrapInitiated
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("organization.bootstrap.initiated payload: %w", err)
		}
		if p.OrganizationSlug == "" {
			return fmt.Errorf("organization.bootstrap.initiated payload missing organization_slug")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_queue_projection (
				id, organization_slug, request, status, retry_count, created_at
			) VALUES ($1, $2, $3, 'pending', 0, $4)
			ON CONFLICT (id) DO NOTHING`,
			event.StreamID, p.OrganizationSlug, p.Request, event.CreatedAt); err != nil {
			return err
		}
		if isReplay(ctx) {
			// Historical rows: the worker protocol already ran for them, and
			// any still-pending row is covered by the worker's periodic sweep.
			return nil
		}
		// Notify subscribers with the row identity; the worker reads the
		// full row on claim. pg_notify fires on commit, so a rolled-back
		// projection never signals workers.
		notification, err := json.Marshal(map[string]string{
			"id":                event.StreamID,
			"organization_slug": p.OrganizationSlug,
		})
		if err != nil {
			return fmt.Errorf("marshal queue notification: %w", err)
		}
		_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, QueueChannel, string(notification))
		return err

	case "organization.bootstrap.completed":
		var p struct {
			OrganizationID string `json:"organization_id"`
		}
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("organization.bootstrap.completed payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE workflow_queue_projection
			SET status = 'completed', organization_id = NULLIF($2, ''), completed_at = $3, updated_at = $3
			WHERE id = $1 AND status IN ('pending', 'processing')`,
			event.StreamID, p.OrganizationID, event.CreatedAt)
		return err

	default:
		return unhandled(eventstore.StreamWorkflowQueue, event.EventType)
	}
}
