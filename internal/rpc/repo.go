package rpc

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/pkg/errors"
	"github.com/meridianhealth/platform/pkg/json"
	"github.com/meridianhealth/platform/pkg/redis"
)

const contactCacheTTL = 5 * time.Minute

// ReadRepo serves the named read RPCs. Queries are tenant-scoped by
// organization id; the per-org contact list is read-aside cached and
// invalidated by the post-projection hook.
type ReadRepo struct {
	db    *sql.DB
	cache *redis.Cache
	log   *zap.Logger
}

// NewReadRepo creates the read repository. cache may be nil.
func NewReadRepo(db *sql.DB, cache *redis.Cache, log *zap.Logger) *ReadRepo {
	return &ReadRepo{db: db, cache: cache, log: log.With(zap.String("module", "read_repo"))}
}

// OrganizationRow is the caller-visible organization read model.
type OrganizationRow struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Slug        string     `json:"slug"`
	Type        string     `json:"type"`
	PartnerType *string    `json:"partner_type,omitempty"`
	Path        string     `json:"path"`
	Subdomain   *string    `json:"subdomain,omitempty"`
	DNSStatus   *string    `json:"dns_status,omitempty"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

const organizationColumns = `id, name, slug, type, partner_type, path, subdomain, dns_status, is_active, created_at, deleted_at`

func scanOrganization(row *sql.Row) (*OrganizationRow, error) {
	var o OrganizationRow
	err := row.Scan(&o.ID, &o.Name, &o.Slug, &o.Type, &o.PartnerType, &o.Path,
		&o.Subdomain, &o.DNSStatus, &o.IsActive, &o.CreatedAt, &o.DeletedAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan organization: %w", err)
	}
	return &o, nil
}

// Organization returns one organization by id.
func (r *ReadRepo) Organization(ctx context.Context, id string) (*OrganizationRow, error) {
	return scanOrganization(r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM organizations_projection WHERE id = $1`, organizationColumns), id))
}

// OrganizationBySlug returns the active organization with the slug.
func (r *ReadRepo) OrganizationBySlug(ctx context.Context, slug string) (*OrganizationRow, error) {
	return scanOrganization(r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM organizations_projection
		WHERE slug = $1 AND deleted_at IS NULL`, organizationColumns), slug))
}

// ListOrganizations returns all non-deleted organizations. Platform scope.
func (r *ReadRepo) ListOrganizations(ctx context.Context) ([]OrganizationRow, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM organizations_projection
		WHERE deleted_at IS NULL ORDER BY created_at`, organizationColumns))
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	var out []OrganizationRow
	for rows.Next() {
		var o OrganizationRow
		if err := rows.Scan(&o.ID, &o.Name, &o.Slug, &o.Type, &o.PartnerType, &o.Path,
			&o.Subdomain, &o.DNSStatus, &o.IsActive, &o.CreatedAt, &o.DeletedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// EntityRow is the shared read model for contacts, addresses, and phones.
type EntityRow struct {
	ID             string            `json:"id"`
	OrganizationID string            `json:"organization_id"`
	Type           string            `json:"type"`
	Label          string            `json:"label,omitempty"`
	Fields         map[string]string `json:"fields"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (r *ReadRepo) entitiesByOrg(ctx context.Context, table, orgID string) ([]EntityRow, error) {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, organization_id, type, COALESCE(label, ''), fields, created_at
		FROM %s WHERE organization_id = $1 AND deleted_at IS NULL
		ORDER BY created_at`, table), orgID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var out []EntityRow
	for rows.Next() {
		var e EntityRow
		var fields []byte
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.Type, &e.Label, &fields, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &e.Fields); err != nil {
				return nil, fmt.Errorf("decode entity fields: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ContactsByOrg lists the organization's active contacts, read-aside cached.
func (r *ReadRepo) ContactsByOrg(ctx context.Context, orgID string) ([]EntityRow, error) {
	if r.cache != nil {
		var cached []EntityRow
		if err := r.cache.Get(ctx, "contacts", orgID, &cached); err == nil {
			return cached, nil
		}
	}
	contacts, err := r.entitiesByOrg(ctx, "contacts_projection", orgID)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, "contacts", orgID, contacts, contactCacheTTL); err != nil {
			r.log.Warn("contact cache set failed", zap.String("organization_id", orgID), zap.Error(err))
		}
	}
	return contacts, nil
}

// AddressesByOrg lists the organization's active addresses.
func (r *ReadRepo) AddressesByOrg(ctx context.Context, orgID string) ([]EntityRow, error) {
	return r.entitiesByOrg(ctx, "addresses_projection", orgID)
}

// PhonesByOrg lists the organization's active phones.
func (r *ReadRepo) PhonesByOrg(ctx context.Context, orgID string) ([]EntityRow, error) {
	return r.entitiesByOrg(ctx, "phones_projection", orgID)
}

// FindContactsByPhone returns the organization's contacts linked to a phone
// whose number matches.
func (r *ReadRepo) FindContactsByPhone(ctx context.Context, orgID, number string) ([]EntityRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.organization_id, c.type, COALESCE(c.label, ''), c.fields, c.created_at
		FROM contacts_projection c
		JOIN contact_phones_projection j ON j.contact_id = c.id AND j.deleted_at IS NULL
		JOIN phones_projection p ON p.id = j.phone_id AND p.deleted_at IS NULL
		WHERE c.organization_id = $1 AND c.deleted_at IS NULL
		  AND p.fields->>'number' = $2
		ORDER BY c.created_at`, orgID, number)
	if err != nil {
		return nil, fmt.Errorf("find contacts by phone: %w", err)
	}
	defer rows.Close()

	var out []EntityRow
	for rows.Next() {
		var e EntityRow
		var fields []byte
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.Type, &e.Label, &fields, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &e.Fields); err != nil {
				return nil, fmt.Errorf("decode entity fields: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InvitationRow is the caller-visible invitation read model.
type InvitationRow struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Email          string     `json:"email"`
	Role           string     `json:"role"`
	Status         string     `json:"status"`
	ExpiresAt      time.Time  `json:"expires_at"`
	EmailSentAt    *time.Time `json:"email_sent_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ListInvitations lists the organization's invitations, optionally filtered
// by status.
func (r *ReadRepo) ListInvitations(ctx context.Context, orgID, status string) ([]InvitationRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, organization_id, email, role, status, expires_at, email_sent_at, created_at
		FROM invitations_projection
		WHERE organization_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at`, orgID, status)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	var out []InvitationRow
	for rows.Next() {
		var inv InvitationRow
		if err := rows.Scan(&inv.ID, &inv.OrganizationID, &inv.Email, &inv.Role, &inv.Status,
			&inv.ExpiresAt, &inv.EmailSentAt, &inv.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// InvitationByToken resolves a pending invitation by its token.
func (r *ReadRepo) InvitationByToken(ctx context.Context, token string) (*InvitationRow, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, organization_id, email, role, status, expires_at, email_sent_at, created_at
		FROM invitations_projection WHERE token = $1`, token)

	var inv InvitationRow
	err := row.Scan(&inv.ID, &inv.OrganizationID, &inv.Email, &inv.Role, &inv.Status,
		&inv.ExpiresAt, &inv.EmailSentAt, &inv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("invitation by token: %w", err)
	}
	return &inv, nil
}

// ScheduleRow is the caller-visible schedule template read model.
type ScheduleRow struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Timezone       string    `json:"timezone,omitempty"`
	Definition     []byte    `json:"definition,omitempty"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}

// ListScheduleTemplates lists the organization's non-deleted schedule
// templates.
func (r *ReadRepo) ListScheduleTemplates(ctx context.Context, orgID string) ([]ScheduleRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, organization_id, name, COALESCE(timezone, ''), definition, is_active, created_at
		FROM schedules_projection
		WHERE organization_id = $1 AND deleted_at IS NULL
		ORDER BY created_at`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list schedule templates: %w", err)
	}
	defer rows.Close()

	var out []ScheduleRow
	for rows.Next() {
		var s ScheduleRow
		if err := rows.Scan(&s.ID, &s.OrganizationID, &s.Name, &s.Timezone, &s.Definition, &s.IsActive, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// OrgAccessRow is one organization a user can act in through an access
// grant.
type OrgAccessRow struct {
	GrantID           string     `json:"grant_id"`
	TargetOrgID       string     `json:"target_org_id"`
	ConsultingOrgID   string     `json:"consulting_org_id"`
	ScopeLevel        string     `json:"scope_level"`
	AuthorizationType string     `json:"authorization_type"`
	Status            string     `json:"status"`
	EndsAt            *time.Time `json:"ends_at,omitempty"`
}

// ListUserOrgAccess lists the active access grants that name the user.
func (r *ReadRepo) ListUserOrgAccess(ctx context.Context, userID string) ([]OrgAccessRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, target_org_id, consulting_org_id, scope_level, authorization_type, status, ends_at
		FROM access_grants_projection
		WHERE target_user_id = $1 AND status = 'active'
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user org access: %w", err)
	}
	defer rows.Close()

	var out []OrgAccessRow
	for rows.Next() {
		var a OrgAccessRow
		if err := rows.Scan(&a.GrantID, &a.TargetOrgID, &a.ConsultingOrgID,
			&a.ScopeLevel, &a.AuthorizationType, &a.Status, &a.EndsAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CacheInvalidationHook returns a post-projection hook that drops read-aside
// cache entries touched by an event. Runs outside the projection transaction.
func CacheInvalidationHook(cache *redis.Cache, log *zap.Logger) eventstore.PostProjectionHook {
	return func(ctx context.Context, event *eventstore.Event) {
		var orgID string
		switch event.StreamType {
		case eventstore.StreamContact, eventstore.StreamAddress, eventstore.StreamPhone:
			var p struct {
				OrganizationID string `json:"organization_id"`
			}
			if err := json.Unmarshal(event.EventData, &p); err == nil {
				orgID = p.OrganizationID
			}
		case eventstore.StreamJunction:
			var p struct {
				OrganizationID string `json:"organization_id"`
			}
			if err := json.Unmarshal(event.EventData, &p); err == nil {
				orgID = p.OrganizationID
			}
		default:
			return
		}
		if orgID == "" {
			// Entity-to-entity junctions carry no org id; drop the whole
			// namespace rather than serve a stale group.
			if err := cache.DeletePattern(ctx, "contacts", "*"); err != nil {
				log.Warn("contact cache invalidation failed", zap.Error(err))
			}
			return
		}
		if err := cache.Delete(ctx, "contacts", orgID); err != nil {
			log.Warn("contact cache invalidation failed",
				zap.String("organization_id", orgID), zap.Error(err))
		}
	}
}
