package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/pkg/json"
)

// OrganizationCreated is the payload of organization.created.
type OrganizationCreated struct {
	Name        string  `json:"name"`
	Slug        string  `json:"slug"`
	Type        string  `json:"type"`
	PartnerType *string `json:"partner_type,omitempty"`
	Path        string  `json:"path"`
	Subdomain   *string `json:"subdomain,omitempty"`
}

// OrganizationUpdated is the payload of organization.updated. Nil fields are
// left untouched.
type OrganizationUpdated struct {
	Name      *string `json:"name,omitempty"`
	Subdomain *string `json:"subdomain,omitempty"`
}

// applyOrganization routes organization.* events into organizations_projection.
func (e *Engine) applyOrganization(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case "organization.created":
		var p OrganizationCreated
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("organization.created payload: %w", err)
		}
		// Provider orgs start active; activation at the end of bootstrap
		// confirms the state rather than flipping it.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO organizations_projection (
				id, name, slug, type, partner_type, path, subdomain, is_active, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
			ON CONFLICT (id) DO NOTHING`,
			event.StreamID, p.Name, p.Slug, p.Type, p.PartnerType, p.Path, p.Subdomain, event.CreatedAt)
		return err

	case "organization.updated":
		var p OrganizationUpdated
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("organization.updated payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE organizations_projection
			SET name = COALESCE($2, name), subdomain = COALESCE($3, subdomain), updated_at = $4
			WHERE id = $1`,
			event.StreamID, p.Name, p.Subdomain, event.CreatedAt)
		return err

	case "organization.activated":
		_, err := tx.ExecContext(ctx, `
			UPDATE organizations_projection SET is_active = TRUE, updated_at = $2 WHERE id = $1`,
			event.StreamID, event.CreatedAt)
		return err

	case "organization.deactivated":
		_, err := tx.ExecContext(ctx, `
			UPDATE organizations_projection SET is_active = FALSE, updated_at = $2 WHERE id = $1`,
			event.StreamID, event.CreatedAt)
		return err

	case "organization.deleted":
		_, err := tx.ExecContext(ctx, `
			UPDATE organizations_projection SET deleted_at = $2, updated_at = $2 WHERE id = $1`,
			event.StreamID, event.CreatedAt)
		return err

	case "organization.dns.configured":
		_, err := tx.ExecContext(ctx, `
			UPDATE organizations_projection SET dns_status = 'configured', updated_at = $2 WHERE id = $1`,
			event.StreamID, event.CreatedAt)
		return err

	case "organization.dns.verified":
		_, err := tx.ExecContext(ctx, `
			UPDATE organizations_projection SET dns_status = 'verified', updated_at = $2 WHERE id = $1`,
			event.StreamID, event.CreatedAt)
		return err

	case "organization.dns.failed":
		_, err := tx.ExecContext(ctx, `
			UPDATE organizations_projection SET dns_status = 'failed', updated_at = $2 WHERE id = $1`,
			event.StreamID, event.CreatedAt)
		return err

	case "organization.dns.removed":
		_, err := tx.ExecContext(ctx, `
			UPDATE organizations_projection SET dns_status = NULL, updated_at = $2 WHERE id = $1`,
			event.StreamID, event.CreatedAt)
		return err

	default:
		return unhandled(eventstore.StreamOrganization, event.EventType)
	}
}
