package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhealth/platform/pkg/json"
)

// FailedEventsFilter narrows the failed-event listing.
type FailedEventsFilter struct {
	Limit      int
	EventType  string
	StreamType string
	Since      *time.Time
}

// FailedEvents returns events whose last projection attempt failed, most
// recent first. Authorization (platform admin only) is enforced at the RPC
// layer.
func (s *Store) FailedEvents(ctx context.Context, f FailedEventsFilter) ([]Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `SELECT id, sequence_number, stream_id, stream_type, stream_version,
		event_type, event_data, event_metadata, created_at, processed_at, processing_error, retry_count
		FROM domain_events WHERE processing_error IS NOT NULL`
	args := []interface{}{}
	idx := 1
	if f.EventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", idx)
		args = append(args, f.EventType)
		idx++
	}
	if f.StreamType != "" {
		query += fmt.Sprintf(" AND stream_type = $%d", idx)
		args = append(args, f.StreamType)
		idx++
	}
	if f.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *f.Since)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", idx)
	args = append(args, f.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failed events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return events, nil
}

// RetryResult reports the outcome of a manual reprocessing attempt.
type RetryResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RetryFailedEvent clears the failure markers, increments retry_count, and
// re-runs the projection for the event. The new state is returned.
func (s *Store) RetryFailedEvent(ctx context.Context, eventID uuid.UUID) (RetryResult, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE domain_events
		 SET processing_error = NULL, processed_at = NULL, retry_count = retry_count + 1
		 WHERE id = $1 AND processing_error IS NOT NULL`, eventID)
	if err != nil {
		return RetryResult{}, fmt.Errorf("reset failed event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return RetryResult{}, fmt.Errorf("reset failed event: %w", err)
	}
	if affected == 0 {
		return RetryResult{Success: false, Error: "event not found or not failed"}, nil
	}

	event, err := s.GetEvent(ctx, eventID)
	if err != nil {
		return RetryResult{}, err
	}
	if err := s.project(ctx, event); err != nil {
		return RetryResult{Success: false, Error: err.Error()}, nil
	}
	return RetryResult{Success: true}, nil
}

// GetEvent loads a single event by id.
func (s *Store) GetEvent(ctx context.Context, eventID uuid.UUID) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, sequence_number, stream_id, stream_type, stream_version,
			event_type, event_data, event_metadata, created_at, processed_at, processing_error, retry_count
		 FROM domain_events WHERE id = $1`, eventID)
	return scanEvent(row)
}

// FailingEventType is a (event_type, count) pair in ProcessingStats.
type FailingEventType struct {
	EventType string `json:"event_type"`
	Count     int64  `json:"count"`
}

// FailureSummary is one row in the recent-failures listing.
type FailureSummary struct {
	EventID   uuid.UUID `json:"event_id"`
	EventType string    `json:"event_type"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

// ProcessingStats summarizes projection health for operators.
type ProcessingStats struct {
	TotalEvents     int64              `json:"total_events"`
	ProcessedEvents int64              `json:"processed_events"`
	FailedEvents    int64              `json:"failed_events"`
	FailedLast24h   int64              `json:"failed_last_24h"`
	TopFailing      []FailingEventType `json:"top_failing_event_types"`
	RecentFailures  []FailureSummary   `json:"recent_failures"`
}

// EventProcessingStats aggregates totals, last-24h failures, the top failing
// event types, and the ten most recent failures.
func (s *Store) EventProcessingStats(ctx context.Context) (*ProcessingStats, error) {
	stats := &ProcessingStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE processed_at IS NOT NULL),
		       COUNT(*) FILTER (WHERE processing_error IS NOT NULL),
		       COUNT(*) FILTER (WHERE processing_error IS NOT NULL AND created_at >= NOW() - INTERVAL '24 hours')
		FROM domain_events`).Scan(
		&stats.TotalEvents, &stats.ProcessedEvents, &stats.FailedEvents, &stats.FailedLast24h)
	if err != nil {
		return nil, fmt.Errorf("event totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, COUNT(*) AS failures
		FROM domain_events WHERE processing_error IS NOT NULL
		GROUP BY event_type ORDER BY failures DESC LIMIT 5`)
	if err != nil {
		return nil, fmt.Errorf("top failing event types: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f FailingEventType
		if err := rows.Scan(&f.EventType, &f.Count); err != nil {
			return nil, fmt.Errorf("scan failing event type: %w", err)
		}
		stats.TopFailing = append(stats.TopFailing, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	recent, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, processing_error, created_at
		FROM domain_events WHERE processing_error IS NOT NULL
		ORDER BY created_at DESC LIMIT 10`)
	if err != nil {
		return nil, fmt.Errorf("recent failures: %w", err)
	}
	defer recent.Close()
	for recent.Next() {
		var f FailureSummary
		if err := recent.Scan(&f.EventID, &f.EventType, &f.Error, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent failure: %w", err)
		}
		stats.RecentFailures = append(stats.RecentFailures, f)
	}
	if err := recent.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return stats, nil
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (*Event, error) {
	var (
		event     Event
		metaBytes []byte
	)
	err := row.Scan(&event.ID, &event.SequenceNumber, &event.StreamID, &event.StreamType,
		&event.StreamVersion, &event.EventType, &event.EventData, &metaBytes,
		&event.CreatedAt, &event.ProcessedAt, &event.ProcessingError, &event.RetryCount)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &event.EventMetadata); err != nil {
			return nil, fmt.Errorf("unmarshal event metadata: %w", err)
		}
	}
	return &event, nil
}
