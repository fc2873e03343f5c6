// Package sweeper runs the scheduled expiry passes: pending invitations past
// their expiry and access grants past their end date. Expiry is expressed as
// events so the log stays the complete record of state change.
package sweeper

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/meridianhealth/platform/internal/eventstore"
)

// Sweeper owns the cron schedule and the expiry queries.
type Sweeper struct {
	db    *sql.DB
	store *eventstore.Store
	log   *zap.Logger
	cron  *cron.Cron
}

// New creates a sweeper. Call Start to begin the schedule.
func New(db *sql.DB, store *eventstore.Store, log *zap.Logger) *Sweeper {
	return &Sweeper{
		db:    db,
		store: store,
		log:   log.With(zap.String("module", "sweeper")),
		cron:  cron.New(),
	}
}

// Start registers the expiry jobs and starts the scheduler.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("*/5 * * * *", func() {
		if err := s.ExpireInvitations(ctx); err != nil {
			s.log.Error("invitation expiry sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule invitation sweep: %w", err)
	}
	if _, err := s.cron.AddFunc("*/5 * * * *", func() {
		if err := s.ExpireAccessGrants(ctx); err != nil {
			s.log.Error("access grant expiry sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule access grant sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// ExpireInvitations emits invitation.expired for every pending invitation
// past its expiry.
func (s *Sweeper) ExpireInvitations(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM invitations_projection
		WHERE status = 'pending' AND expires_at < NOW()
		ORDER BY expires_at
		LIMIT 200`)
	if err != nil {
		return fmt.Errorf("query expired invitations: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := s.store.Emit(ctx, eventstore.EmitInput{
			StreamID:   id,
			StreamType: eventstore.StreamInvitation,
			EventType:  "invitation.expired",
			EventData:  map[string]string{},
			Metadata:   eventstore.Metadata{CorrelationID: "sweeper", IdempotencyKey: "expired:" + id},
		}); err != nil {
			s.log.Error("expire invitation failed", zap.String("invitation_id", id), zap.Error(err))
			continue
		}
		s.log.Info("invitation expired", zap.String("invitation_id", id))
	}
	return nil
}

// ExpireAccessGrants emits access_grant.expired for every active grant past
// its end date.
func (s *Sweeper) ExpireAccessGrants(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM access_grants_projection
		WHERE status = 'active' AND ends_at IS NOT NULL AND ends_at < NOW()
		ORDER BY ends_at
		LIMIT 200`)
	if err != nil {
		return fmt.Errorf("query expired access grants: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return err
	}

	for _, id := range ids {
		if _, err := s.store.Emit(ctx, eventstore.EmitInput{
			StreamID:   id,
			StreamType: eventstore.StreamAccessGrant,
			EventType:  "access_grant.expired",
			EventData:  map[string]string{},
			Metadata:   eventstore.Metadata{CorrelationID: "sweeper", IdempotencyKey: "expired:" + id},
		}); err != nil {
			s.log.Error("expire access grant failed", zap.String("grant_id", id), zap.Error(err))
			continue
		}
		s.log.Info("access grant expired", zap.String("grant_id", id))
	}
	return nil
}

func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
