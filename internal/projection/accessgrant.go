package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/pkg/json"
)

// AccessGrantCreated is the payload of access_grant.created.
type AccessGrantCreated struct {
	ConsultingOrgID   string     `json:"consulting_org_id"`
	TargetOrgID       string     `json:"target_org_id"`
	TargetUserID      *string    `json:"target_user_id,omitempty"`
	ScopeLevel        string     `json:"scope_level"`
	AuthorizationType string     `json:"authorization_type"`
	StartsAt          time.Time  `json:"starts_at"`
	EndsAt            *time.Time `json:"ends_at,omitempty"`
}

// applyAccessGrant routes cross-tenant access grant lifecycle events into
// access_grants_projection. Every transition stamps its own timestamp so the
// full lifecycle is reconstructible from the projection alone.
func (e *Engine) applyAccessGrant(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case "access_grant.created":
		var p AccessGrantCreated
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("access_grant.created payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO access_grants_projection (
				id, consulting_org_id, target_org_id, target_user_id, scope_level,
				authorization_type, starts_at, ends_at, status, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'active', $9)
			ON CONFLICT (id) DO NOTHING`,
			event.StreamID, p.ConsultingOrgID, p.TargetOrgID, p.TargetUserID,
			p.ScopeLevel, p.AuthorizationType, p.StartsAt, p.EndsAt, event.CreatedAt)
		return err

	case "access_grant.revoked":
		_, err := tx.ExecContext(ctx, `
			UPDATE access_grants_projection SET status = 'revoked', revoked_at = $2, updated_at = $2
			WHERE id = $1 AND status IN ('active', 'suspended')`,
			event.StreamID, event.CreatedAt)
		return err

	case "access_grant.expired":
		_, err := tx.ExecContext(ctx, `
			UPDATE access_grants_projection SET status = 'expired', expired_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'active'`,
			event.StreamID, event.CreatedAt)
		return err

	case "access_grant.suspended":
		_, err := tx.ExecContext(ctx, `
			UPDATE access_grants_projection SET status = 'suspended', suspended_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'active'`,
			event.StreamID, event.CreatedAt)
		return err

	case "access_grant.reactivated":
		_, err := tx.ExecContext(ctx, `
			UPDATE access_grants_projection SET status = 'active', reactivated_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'suspended'`,
			event.StreamID, event.CreatedAt)
		return err

	default:
		return unhandled(eventstore.StreamAccessGrant, event.EventType)
	}
}

// applyImpersonation routes impersonation session events into
// impersonations_projection.
func (e *Engine) applyImpersonation(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case "impersonation.started":
		var p struct {
			ActorUserID  string    `json:"actor_user_id"`
			TargetUserID string    `json:"target_user_id"`
			TargetOrgID  string    `json:"target_org_id"`
			ExpiresAt    time.Time `json:"expires_at"`
		}
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("impersonation.started payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO impersonations_projection (
				id, actor_user_id, target_user_id, target_org_id, expires_at, status, created_at
			) VALUES ($1, $2, $3, $4, $5, 'active', $6)
			ON CONFLICT (id) DO NOTHING`,
			event.StreamID, p.ActorUserID, p.TargetUserID, p.TargetOrgID, p.ExpiresAt, event.CreatedAt)
		return err

	case "impersonation.renewed":
		var p struct {
			ExpiresAt time.Time `json:"expires_at"`
		}
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("impersonation.renewed payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE impersonations_projection SET expires_at = $2, updated_at = $3
			WHERE id = $1 AND status = 'active'`,
			event.StreamID, p.ExpiresAt, event.CreatedAt)
		return err

	case "impersonation.ended":
		_, err := tx.ExecContext(ctx, `
			UPDATE impersonations_projection SET status = 'ended', ended_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'active'`,
			event.StreamID, event.CreatedAt)
		return err

	default:
		return unhandled(eventstore.StreamImpersonation, event.EventType)
	}
}
