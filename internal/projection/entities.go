package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/pkg/json"
)

// EntityPayload is the shared payload shape for contact, address, and phone
// events. Entities are independent rows scoped by organization_id; links to
// the organization and to each other live exclusively in junction tables.
type EntityPayload struct {
	OrganizationID string            `json:"organization_id"`
	Type           string            `json:"type"`
	Label          string            `json:"label,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
}

// applyContact routes contact.* events into contacts_projection.
func (e *Engine) applyContact(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	return applyEntity(ctx, tx, event, eventstore.StreamContact, "contacts_projection")
}

// applyAddress routes address.* events into addresses_projection.
func (e *Engine) applyAddress(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	return applyEntity(ctx, tx, event, eventstore.StreamAddress, "addresses_projection")
}

// applyPhone routes phone.* events into phones_projection.
func (e *Engine) applyPhone(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	return applyEntity(ctx, tx, event, eventstore.StreamPhone, "phones_projection")
}

// applyEntity implements the created/updated/deleted triplet shared by the
// three entity projections. Table names are compile-time constants passed by
// the per-stream routers, never caller input.
func applyEntity(ctx context.Context, tx *sql.Tx, event *eventstore.Event, streamType, table string) error {
	switch event.EventType {
	case streamType + ".created":
		var p EntityPayload
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("%s payload: %w", event.EventType, err)
		}
		fields, err := json.Marshal(p.Fields)
		if err != nil {
			return fmt.Errorf("%s fields: %w", event.EventType, err)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, organization_id, type, label, fields, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`, table),
			event.StreamID, p.OrganizationID, p.Type, p.Label, fields, event.CreatedAt)
		return err

	case streamType + ".updated":
		var p EntityPayload
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("%s payload: %w", event.EventType, err)
		}
		fields, err := json.Marshal(p.Fields)
		if err != nil {
			return fmt.Errorf("%s fields: %w", event.EventType, err)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET type = $2, label = $3, fields = $4, updated_at = $5
			WHERE id = $1`, table),
			event.StreamID, p.Type, p.Label, fields, event.CreatedAt)
		return err

	case streamType + ".deleted":
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET deleted_at = $2, updated_at = $2 WHERE id = $1`, table),
			event.StreamID, event.CreatedAt)
		return err

	default:
		return unhandled(streamType, event.EventType)
	}
}

