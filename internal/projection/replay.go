package projection

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/meridianhealth/platform/internal/eventstore"
)

// projectionTables lists the tables Rebuild truncates, in truncation order.
// workflow_queue_projection is deliberately absent: its rows carry worker
// protocol state (claims, run ids, terminal outcomes) that no event
// reproduces, so replays upsert around the existing rows instead.
var projectionTables = []string{
	"organizations_projection",
	"contacts_projection",
	"addresses_projection",
	"phones_projection",
	"organization_contacts_projection",
	"organization_addresses_projection",
	"organization_phones_projection",
	"contact_addresses_projection",
	"contact_phones_projection",
	"phone_addresses_projection",
	"contact_users_projection",
	"users_projection",
	"user_roles_projection",
	"user_addresses_projection",
	"user_phones_projection",
	"roles_projection",
	"role_permissions_projection",
	"permissions_projection",
	"invitations_projection",
	"schedules_projection",
	"schedule_users_projection",
	"access_grants_projection",
	"impersonations_projection",
}

// replayBatchSize bounds how many events one replay transaction covers.
const replayBatchSize = 500

type replayCtxKey struct{}

// withReplay marks the context as a replay pass. Handlers that signal
// external consumers check the mark so replaying a historical event never
// re-triggers its side channel.
func withReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayCtxKey{}, true)
}

func isReplay(ctx context.Context) bool {
	replaying, _ := ctx.Value(replayCtxKey{}).(bool)
	return replaying
}

// Rebuild truncates the event-derived projection tables and replays the full
// event log in sequence_number order. The result must match the live
// projection state row-for-row; the engine's handlers are idempotent so a
// crashed rebuild can simply be re-run. Queue rows are left in place and
// reconciled by their handlers' guarded writes.
func (e *Engine) Rebuild(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin truncate tx: %w", err)
	}
	for _, table := range projectionTables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", table)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE domain_events SET processed_at = NULL, processing_error = NULL`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("reset processing markers: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit truncate tx: %w", err)
	}
	return e.Replay(ctx, db, 0)
}

// Replay applies every event with sequence_number greater than afterSeq, in
// order, batch by batch. Projection outcomes are written back onto the
// events exactly as in the live path.
func (e *Engine) Replay(ctx context.Context, db *sql.DB, afterSeq int64) error {
	for {
		events, err := loadEventBatch(ctx, db, afterSeq, replayBatchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for i := range events {
			event := &events[i]
			if err := e.replayOne(ctx, db, event); err != nil {
				return err
			}
			afterSeq = event.SequenceNumber
		}
	}
}

// replayOne applies a single event in its own transaction and records the
// outcome on the event row, preserving the processed/error duality.
func (e *Engine) replayOne(ctx context.Context, db *sql.DB, event *eventstore.Event) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replay tx: %w", err)
	}
	applyErr := e.Apply(withReplay(ctx), tx, event)
	if applyErr == nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE domain_events SET processed_at = NOW(), processing_error = NULL WHERE id = $1`,
			event.ID); err != nil {
			applyErr = fmt.Errorf("mark processed: %w", err)
		}
	}
	if applyErr == nil {
		return tx.Commit()
	}

	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		e.log.Warn("replay tx rollback failed", zap.Error(err))
	}
	if _, err := db.ExecContext(ctx,
		`UPDATE domain_events SET processing_error = $2, processed_at = NULL WHERE id = $1`,
		event.ID, applyErr.Error()); err != nil {
		return fmt.Errorf("record replay error: %w", err)
	}
	e.log.Warn("event failed during replay",
		zap.String("event_id", event.ID.String()),
		zap.String("event_type", event.EventType),
		zap.Error(applyErr))
	return nil
}

func loadEventBatch(ctx context.Context, db *sql.DB, afterSeq int64, limit int) ([]eventstore.Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, sequence_number, stream_id, stream_type, stream_version,
			event_type, event_data, created_at
		FROM domain_events
		WHERE sequence_number > $1
		ORDER BY sequence_number ASC
		LIMIT $2`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("load event batch: %w", err)
	}
	defer rows.Close()

	var events []eventstore.Event
	for rows.Next() {
		var event eventstore.Event
		if err := rows.Scan(&event.ID, &event.SequenceNumber, &event.StreamID,
			&event.StreamType, &event.StreamVersion, &event.EventType,
			&event.EventData, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan replay event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return events, nil
}
