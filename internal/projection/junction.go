package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/pkg/json"
)

// JunctionPayload is the payload for *.linked / *.unlinked events. Exactly
// the two endpoint ids relevant to the junction are set.
type JunctionPayload struct {
	OrganizationID string `json:"organization_id,omitempty"`
	ContactID      string `json:"contact_id,omitempty"`
	AddressID      string `json:"address_id,omitempty"`
	PhoneID        string `json:"phone_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// junctionSpec binds an event type prefix to its table and endpoint columns.
type junctionSpec struct {
	table string
	left  string
	right string
	pick  func(p *JunctionPayload) (string, string)
}

// Junction rows carry no primary key and no audit columns; the event log is
// the audit. The compound (left, right) key is unique and rows are preserved
// on unlink via deleted_at.
var junctionSpecs = map[string]junctionSpec{
	"organization.contact": {
		table: "organization_contacts_projection", left: "organization_id", right: "contact_id",
		pick: func(p *JunctionPayload) (string, string) { return p.OrganizationID, p.ContactID },
	},
	"organization.address": {
		table: "organization_addresses_projection", left: "organization_id", right: "address_id",
		pick: func(p *JunctionPayload) (string, string) { return p.OrganizationID, p.AddressID },
	},
	"organization.phone": {
		table: "organization_phones_projection", left: "organization_id", right: "phone_id",
		pick: func(p *JunctionPayload) (string, string) { return p.OrganizationID, p.PhoneID },
	},
	"contact.address": {
		table: "contact_addresses_projection", left: "contact_id", right: "address_id",
		pick: func(p *JunctionPayload) (string, string) { return p.ContactID, p.AddressID },
	},
	"contact.phone": {
		table: "contact_phones_projection", left: "contact_id", right: "phone_id",
		pick: func(p *JunctionPayload) (string, string) { return p.ContactID, p.PhoneID },
	},
	"phone.address": {
		table: "phone_addresses_projection", left: "phone_id", right: "address_id",
		pick: func(p *JunctionPayload) (string, string) { return p.PhoneID, p.AddressID },
	},
	"contact.user": {
		table: "contact_users_projection", left: "contact_id", right: "user_id",
		pick: func(p *JunctionPayload) (string, string) { return p.ContactID, p.UserID },
	},
}

// ValidJunction reports whether the prefix names a known junction.
func ValidJunction(prefix string) bool {
	_, ok := junctionSpecs[prefix]
	return ok
}

// JunctionStreamID derives the stable stream id for a junction pair so that
// linked and unlinked events for the same pair share one stream.
func JunctionStreamID(prefix, left, right string) string {
	return prefix + ":" + left + ":" + right
}

// NewJunctionPayload builds the payload for a junction pair, placing the
// endpoint ids into the fields the prefix names.
func NewJunctionPayload(prefix, left, right string) JunctionPayload {
	switch prefix {
	case "organization.contact":
		return JunctionPayload{OrganizationID: left, ContactID: right}
	case "organization.address":
		return JunctionPayload{OrganizationID: left, AddressID: right}
	case "organization.phone":
		return JunctionPayload{OrganizationID: left, PhoneID: right}
	case "contact.address":
		return JunctionPayload{ContactID: left, AddressID: right}
	case "contact.phone":
		return JunctionPayload{ContactID: left, PhoneID: right}
	case "phone.address":
		return JunctionPayload{PhoneID: left, AddressID: right}
	case "contact.user":
		return JunctionPayload{ContactID: left, UserID: right}
	default:
		return JunctionPayload{}
	}
}

// applyJunction routes *.linked / *.unlinked events into the junction
// projections.
func (e *Engine) applyJunction(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	prefix, action, ok := splitJunctionEventType(event.EventType)
	if !ok {
		return unhandled(eventstore.StreamJunction, event.EventType)
	}
	spec, ok := junctionSpecs[prefix]
	if !ok {
		return unhandled(eventstore.StreamJunction, event.EventType)
	}

	var p JunctionPayload
	if err := json.Unmarshal(event.EventData, &p); err != nil {
		return fmt.Errorf("%s payload: %w", event.EventType, err)
	}
	left, right := spec.pick(&p)
	if left == "" || right == "" {
		return fmt.Errorf("%s payload missing endpoint ids", event.EventType)
	}

	switch action {
	case "linked":
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (%s, %s, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (%s, %s) DO UPDATE SET deleted_at = NULL`,
			spec.table, spec.left, spec.right, spec.left, spec.right),
			left, right, event.CreatedAt)
		return err
	case "unlinked":
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET deleted_at = $3 WHERE %s = $1 AND %s = $2 AND deleted_at IS NULL`,
			spec.table, spec.left, spec.right),
			left, right, event.CreatedAt)
		return err
	default:
		return unhandled(eventstore.StreamJunction, event.EventType)
	}
}

// splitJunctionEventType splits "organization.contact.linked" into
// ("organization.contact", "linked").
func splitJunctionEventType(eventType string) (prefix, action string, ok bool) {
	for i := len(eventType) - 1; i >= 0; i-- {
		if eventType[i] == '.' {
			return eventType[:i], eventType[i+1:], true
		}
	}
	return "", "", false
}
