package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OrganizationRecord is the slice of the organization read model the
// activities need for idempotency checks.
type OrganizationRecord struct {
	ID        string
	Slug      string
	Subdomain *string
	IsActive  bool
	DeletedAt *time.Time
}

// JunctionLink is one active junction row, keyed the way junction events are.
type JunctionLink struct {
	Prefix string
	Left   string
	Right  string
}

// InvitationRecord is one pending invitation row.
type InvitationRecord struct {
	ID    string
	Email string
}

// Directory is the read-side lookup surface the activities depend on. All
// access is read-only; mutations go through event emission.
type Directory interface {
	OrganizationBySlug(ctx context.Context, slug string) (*OrganizationRecord, error)
	ActiveEntityIDs(ctx context.Context, orgID, kind string) ([]string, error)
	ActiveJunctions(ctx context.Context, orgID, kind string) ([]JunctionLink, error)
	PendingInvitations(ctx context.Context, orgID string) ([]InvitationRecord, error)
}

// SQLDirectory reads the projection tables directly.
type SQLDirectory struct {
	db *sql.DB
}

// NewSQLDirectory creates a projection-backed directory.
func NewSQLDirectory(db *sql.DB) *SQLDirectory {
	return &SQLDirectory{db: db}
}

// OrganizationBySlug returns the newest organization row with the slug, or
// nil when none exists. Soft-deleted rows are excluded: a deleted slug is
// reusable.
func (d *SQLDirectory) OrganizationBySlug(ctx context.Context, slug string) (*OrganizationRecord, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, slug, subdomain, is_active, deleted_at
		FROM organizations_projection
		WHERE slug = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1`, slug)

	var rec OrganizationRecord
	err := row.Scan(&rec.ID, &rec.Slug, &rec.Subdomain, &rec.IsActive, &rec.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("organization by slug: %w", err)
	}
	return &rec, nil
}

// entityTables maps an entity kind to its projection table. Kinds are
// compile-time constants in the activities, never caller input.
var entityTables = map[string]string{
	"contact": "contacts_projection",
	"address": "addresses_projection",
	"phone":   "phones_projection",
}

// ActiveEntityIDs lists the non-deleted entity ids of a kind scoped to the
// organization.
func (d *SQLDirectory) ActiveEntityIDs(ctx context.Context, orgID, kind string) ([]string, error) {
	table, ok := entityTables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id FROM %s WHERE organization_id = $1 AND deleted_at IS NULL ORDER BY created_at`, table),
		orgID)
	if err != nil {
		return nil, fmt.Errorf("active %s ids: %w", kind, err)
	}
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

// junctionQueries lists, per entity kind, the active junction rows that touch
// an entity of that kind belonging to the organization. The organization-level
// junctions filter on the org id directly; entity-to-entity junctions join
// through the owning entity's projection.
var junctionQueries = map[string][]struct {
	prefix string
	query  string
}{
	"phone": {
		{"organization.phone", `
			SELECT organization_id, phone_id FROM organization_phones_projection
			WHERE organization_id = $1 AND deleted_at IS NULL`},
		{"contact.phone", `
			SELECT j.contact_id, j.phone_id FROM contact_phones_projection j
			JOIN phones_projection p ON p.id = j.phone_id
			WHERE p.organization_id = $1 AND j.deleted_at IS NULL`},
		{"phone.address", `
			SELECT j.phone_id, j.address_id FROM phone_addresses_projection j
			JOIN phones_projection p ON p.id = j.phone_id
			WHERE p.organization_id = $1 AND j.deleted_at IS NULL`},
	},
	"address": {
		{"organization.address", `
			SELECT organization_id, address_id FROM organization_addresses_projection
			WHERE organization_id = $1 AND deleted_at IS NULL`},
		{"contact.address", `
			SELECT j.contact_id, j.address_id FROM contact_addresses_projection j
			JOIN addresses_projection a ON a.id = j.address_id
			WHERE a.organization_id = $1 AND j.deleted_at IS NULL`},
		{"phone.address", `
			SELECT j.phone_id, j.address_id FROM phone_addresses_projection j
			JOIN addresses_projection a ON a.id = j.address_id
			WHERE a.organization_id = $1 AND j.deleted_at IS NULL`},
	},
	"contact": {
		{"organization.contact", `
			SELECT organization_id, contact_id FROM organization_contacts_projection
			WHERE organization_id = $1 AND deleted_at IS NULL`},
		{"contact.user", `
			SELECT j.contact_id, j.user_id FROM contact_users_projection j
			JOIN contacts_projection c ON c.id = j.contact_id
			WHERE c.organization_id = $1 AND j.deleted_at IS NULL`},
	},
}

// ActiveJunctions lists every active junction row that must be unlinked
// before entities of the kind can be soft-deleted for the organization.
func (d *SQLDirectory) ActiveJunctions(ctx context.Context, orgID, kind string) ([]JunctionLink, error) {
	queries, ok := junctionQueries[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind %q", kind)
	}

	var links []JunctionLink
	for _, q := range queries {
		rows, err := d.db.QueryContext(ctx, q.query, orgID)
		if err != nil {
			return nil, fmt.Errorf("active junctions %s: %w", q.prefix, err)
		}
		for rows.Next() {
			var left, right string
			if err := rows.Scan(&left, &right); err != nil {
				rows.Close()
				return nil, err
			}
			links = append(links, JunctionLink{Prefix: q.prefix, Left: left, Right: right})
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return links, nil
}

// PendingInvitations lists invitations still awaiting acceptance for the
// organization.
func (d *SQLDirectory) PendingInvitations(ctx context.Context, orgID string) ([]InvitationRecord, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, email FROM invitations_projection
		WHERE organization_id = $1 AND status = 'pending'
		ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("pending invitations: %w", err)
	}
	defer rows.Close()

	var invs []InvitationRecord
	for rows.Next() {
		var inv InvitationRecord
		if err := rows.Scan(&inv.ID, &inv.Email); err != nil {
			return nil, err
		}
		invs = append(invs, inv)
	}
	return invs, rows.Err()
}
