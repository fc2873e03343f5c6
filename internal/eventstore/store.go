package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/meridianhealth/platform/pkg/errors"
	"github.com/meridianhealth/platform/pkg/json"
	"github.com/meridianhealth/platform/pkg/metrics"
)

// Projector applies a single event to its projection tables inside the given
// transaction. Implemented by the projection engine; declared here so the
// store does not depend on the engine package.
type Projector interface {
	Apply(ctx context.Context, tx *sql.Tx, event *Event) error
}

// PostProjectionHook runs after an event projects successfully. Used for
// cache invalidation and notifications that must not run inside handlers.
type PostProjectionHook func(ctx context.Context, event *Event)

// versionConflictRetries bounds the transparent retry on a per-stream
// version collision. The advisory lock makes collisions rare; the unique
// constraint makes them crash-safe.
const versionConflictRetries = 3

// Store is the append-only event log. All writes go through Emit.
type Store struct {
	db        *sql.DB
	projector Projector
	log       *zap.Logger
	hooks     []PostProjectionHook
}

// New creates a Store. The projector may be nil for replay tooling that
// dispatches projections itself.
func New(db *sql.DB, projector Projector, log *zap.Logger) *Store {
	return &Store{db: db, projector: projector, log: log}
}

// DB exposes the underlying handle for read-side repositories.
func (s *Store) DB() *sql.DB {
	return s.db
}

// AddPostProjectionHook registers a hook invoked after successful projection.
func (s *Store) AddPostProjectionHook(h PostProjectionHook) {
	s.hooks = append(s.hooks, h)
}

// Emit validates, versions, and durably inserts a domain event, then
// dispatches the projection in a separate transaction. For critical event
// types a projection failure is returned to the caller; for all others it is
// recorded on the row and the emit succeeds.
func (s *Store) Emit(ctx context.Context, in EmitInput) (EmitResult, error) {
	if err := in.Validate(); err != nil {
		return EmitResult{}, err
	}

	data, err := json.Marshal(in.EventData)
	if err != nil {
		return EmitResult{}, fmt.Errorf("marshal event data: %w", err)
	}
	meta, err := json.Marshal(in.Metadata)
	if err != nil {
		return EmitResult{}, fmt.Errorf("marshal event metadata: %w", err)
	}

	var event *Event
	var dedup bool
	for attempt := 0; ; attempt++ {
		event, dedup, err = s.insert(ctx, in, data, meta)
		if err == nil {
			break
		}
		if isUniqueViolation(err) && attempt < versionConflictRetries {
			metrics.VersionConflictRetries.Inc()
			continue
		}
		if isUniqueViolation(err) {
			return EmitResult{}, errors.ErrVersionConflict
		}
		return EmitResult{}, err
	}

	result := EmitResult{
		EventID:        event.ID,
		SequenceNumber: event.SequenceNumber,
		StreamVersion:  event.StreamVersion,
		Deduplicated:   dedup,
	}
	if dedup {
		return result, nil
	}

	metrics.EventsEmitted.WithLabelValues(in.StreamType).Inc()

	if err := s.project(ctx, event); err != nil {
		if Critical(event.EventType) {
			return result, err
		}
		s.log.Warn("projection failed for non-critical event",
			zap.String("event_id", event.ID.String()),
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
	return result, nil
}

// insert assigns the next stream version under a per-stream advisory lock
// and inserts the event in its own transaction, so the event is durable
// regardless of the projection outcome.
func (s *Store) insert(ctx context.Context, in EmitInput, data, meta []byte) (*Event, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin insert tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	streamKey := in.StreamID + "/" + in.StreamType
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, streamKey); err != nil {
		return nil, false, fmt.Errorf("acquire stream lock: %w", err)
	}

	if in.Metadata.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, tx, in)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	var version int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(stream_version), 0) + 1 FROM domain_events
		 WHERE stream_id = $1 AND stream_type = $2`,
		in.StreamID, in.StreamType).Scan(&version); err != nil {
		return nil, false, fmt.Errorf("compute stream version: %w", err)
	}

	event := &Event{
		ID:            uuid.New(),
		StreamID:      in.StreamID,
		StreamType:    in.StreamType,
		StreamVersion: version,
		EventType:     in.EventType,
		EventData:     data,
		EventMetadata: in.Metadata,
	}
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO domain_events (
			id, stream_id, stream_type, stream_version, event_type, event_data, event_metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING sequence_number, created_at`,
		event.ID, event.StreamID, event.StreamType, event.StreamVersion,
		event.EventType, data, meta,
	).Scan(&event.SequenceNumber, &event.CreatedAt); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit insert tx: %w", err)
	}
	return event, false, nil
}

func (s *Store) findByIdempotencyKey(ctx context.Context, tx *sql.Tx, in EmitInput) (*Event, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, sequence_number, stream_version FROM domain_events
		 WHERE stream_id = $1 AND stream_type = $2 AND event_type = $3
		   AND event_metadata->>'idempotency_key' = $4`,
		in.StreamID, in.StreamType, in.EventType, in.Metadata.IdempotencyKey)
	event := &Event{
		StreamID:   in.StreamID,
		StreamType: in.StreamType,
		EventType:  in.EventType,
	}
	err := row.Scan(&event.ID, &event.SequenceNumber, &event.StreamVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	return event, nil
}

// project runs the projection handler in its own transaction. Handler writes
// roll back with the transaction on failure while the event row survives;
// the outcome is written back onto the event so that exactly one of
// processed_at or processing_error is set.
func (s *Store) project(ctx context.Context, event *Event) error {
	if s.projector == nil {
		return nil
	}
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin projection tx: %w", err)
	}

	applyErr := s.projector.Apply(ctx, tx, event)
	if applyErr == nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE domain_events SET processed_at = NOW(), processing_error = NULL WHERE id = $1`,
			event.ID); err != nil {
			applyErr = fmt.Errorf("mark processed: %w", err)
		}
	}
	if applyErr == nil {
		if err := tx.Commit(); err != nil {
			applyErr = fmt.Errorf("commit projection tx: %w", err)
		}
	}

	metrics.ProjectionLatency.WithLabelValues(event.StreamType).Observe(time.Since(start).Seconds())

	if applyErr == nil {
		for _, h := range s.hooks {
			h(ctx, event)
		}
		return nil
	}

	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		s.log.Warn("projection tx rollback failed", zap.Error(err))
	}
	metrics.ProjectionFailures.WithLabelValues(event.StreamType).Inc()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE domain_events SET processing_error = $2, processed_at = NULL WHERE id = $1`,
		event.ID, applyErr.Error()); err != nil {
		s.log.Error("failed to record projection error",
			zap.String("event_id", event.ID.String()), zap.Error(err))
	}
	return fmt.Errorf("%w: %s: %v", errors.ErrProjection, event.EventType, applyErr)
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}
