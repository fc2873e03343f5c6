package projection

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/pkg/json"
)

// UserInvited is the payload of user.invited.
type UserInvited struct {
	OrganizationID string    `json:"organization_id"`
	Email          string    `json:"email"`
	Role           string    `json:"role"`
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// applyInvitation routes invitation lifecycle events into
// invitations_projection.
func (e *Engine) applyInvitation(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case "user.invited", "invitation.created":
		var p UserInvited
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("%s payload: %w", event.EventType, err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO invitations_projection (
				id, organization_id, email, role, token, status, expires_at, created_at
			) VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			event.StreamID, p.OrganizationID, p.Email, p.Role, p.Token, p.ExpiresAt, event.CreatedAt)
		return err

	case "invitation.email.sent":
		var p struct {
			ProviderMessageID string `json:"provider_message_id,omitempty"`
		}
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("invitation.email.sent payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE invitations_projection
			SET email_sent_at = $2, email_error = NULL, provider_message_id = NULLIF($3, ''), updated_at = $2
			WHERE id = $1`,
			event.StreamID, event.CreatedAt, p.ProviderMessageID)
		return err

	case "invitation.email.failed":
		var p struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("invitation.email.failed payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE invitations_projection SET email_error = $2, updated_at = $3 WHERE id = $1`,
			event.StreamID, p.Error, event.CreatedAt)
		return err

	case "invitation.accepted":
		_, err := tx.ExecContext(ctx, `
			UPDATE invitations_projection SET status = 'accepted', accepted_at = $2, updated_at = $2
			WHERE id = $1 AND status = 'pending'`,
			event.StreamID, event.CreatedAt)
		return err

	case "invitation.revoked":
		_, err := tx.ExecContext(ctx, `
			UPDATE invitations_projection SET status = 'revoked', revoked_at = $2, updated_at = $2
			WHERE id = $1 AND status IN ('pending')`,
			event.StreamID, event.CreatedAt)
		return err

	case "invitation.expired":
		_, err := tx.ExecContext(ctx, `
			UPDATE invitations_projection SET status = 'expired', updated_at = $2
			WHERE id = $1 AND status = 'pending'`,
			event.StreamID, event.CreatedAt)
		return err

	case "invitation.deleted":
		_, err := tx.ExecContext(ctx, `
			UPDATE invitations_projection SET status = 'deleted', deleted_at = $2, updated_at = $2
			WHERE id = $1`,
			event.StreamID, event.CreatedAt)
		return err

	default:
		return unhandled(eventstore.StreamInvitation, event.EventType)
	}
}
