package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/pkg/json"
)

// UserCreated is the payload of user.created and user.synced_from_auth.
type UserCreated struct {
	Email          string `json:"email"`
	DisplayName    string `json:"display_name,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
	AuthSubject    string `json:"auth_subject,omitempty"`
}

// UserRoleAssigned is the payload of user.role.assigned / user.role.revoked /
// user.role.removed.
type UserRoleAssigned struct {
	RoleID         string  `json:"role_id"`
	OrganizationID *string `json:"organization_id,omitempty"`
	ScopePath      *string `json:"scope_path,omitempty"`
}

// UserContactPoint is the payload of user.address.* and user.phone.* events.
type UserContactPoint struct {
	ID     string            `json:"id"`
	Type   string            `json:"type,omitempty"`
	Label  string            `json:"label,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// applyUser routes user.* events into users_projection and
// user_roles_projection.
func (e *Engine) applyUser(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case "user.created", "user.synced_from_auth":
		var p UserCreated
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("%s payload: %w", event.EventType, err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO users_projection (id, email, display_name, organization_id, auth_subject, is_active, created_at)
			VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), TRUE, $6)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				display_name = EXCLUDED.display_name,
				auth_subject = EXCLUDED.auth_subject,
				updated_at = EXCLUDED.created_at`,
			event.StreamID, p.Email, p.DisplayName, p.OrganizationID, p.AuthSubject, event.CreatedAt)
		return err

	case "user.deactivated":
		_, err := tx.ExecContext(ctx, `
			UPDATE users_projection SET is_active = FALSE, updated_at = $2 WHERE id = $1`,
			event.StreamID, event.CreatedAt)
		return err

	case "user.reactivated":
		_, err := tx.ExecContext(ctx, `
			UPDATE users_projection SET is_active = TRUE, updated_at = $2 WHERE id = $1`,
			event.StreamID, event.CreatedAt)
		return err

	case "user.organization_switched":
		var p struct {
			OrganizationID string `json:"organization_id"`
		}
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("user.organization_switched payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE users_projection SET organization_id = $2, updated_at = $3 WHERE id = $1`,
			event.StreamID, p.OrganizationID, event.CreatedAt)
		return err

	case "user.role.assigned":
		var p UserRoleAssigned
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("user.role.assigned payload: %w", err)
		}
		if err := checkRoleScopeMatch(ctx, tx, p.RoleID, p.OrganizationID, p.ScopePath); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_roles_projection (user_id, role_id, organization_id, scope_path, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (user_id, role_id) DO UPDATE SET
				organization_id = EXCLUDED.organization_id,
				scope_path = EXCLUDED.scope_path,
				deleted_at = NULL`,
			event.StreamID, p.RoleID, p.OrganizationID, p.ScopePath, event.CreatedAt)
		return err

	case "user.role.revoked", "user.role.removed":
		var p UserRoleAssigned
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("%s payload: %w", event.EventType, err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE user_roles_projection SET deleted_at = $3
			WHERE user_id = $1 AND role_id = $2 AND deleted_at IS NULL`,
			event.StreamID, p.RoleID, event.CreatedAt)
		return err

	case "user.address.added", "user.address.updated":
		return upsertUserContactPoint(ctx, tx, event, "user_addresses_projection")
	case "user.address.removed":
		return removeUserContactPoint(ctx, tx, event, "user_addresses_projection")
	case "user.phone.added", "user.phone.updated":
		return upsertUserContactPoint(ctx, tx, event, "user_phones_projection")
	case "user.phone.removed":
		return removeUserContactPoint(ctx, tx, event, "user_phones_projection")

	default:
		return unhandled(eventstore.StreamUser, event.EventType)
	}
}

func upsertUserContactPoint(ctx context.Context, tx *sql.Tx, event *eventstore.Event, table string) error {
	var p UserContactPoint
	if err := json.Unmarshal(event.EventData, &p); err != nil {
		return fmt.Errorf("%s payload: %w", event.EventType, err)
	}
	if p.ID == "" {
		return fmt.Errorf("%s payload missing id", event.EventType)
	}
	fields, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Errorf("%s fields: %w", event.EventType, err)
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, user_id, type, label, fields, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type, label = EXCLUDED.label, fields = EXCLUDED.fields,
			updated_at = EXCLUDED.created_at, deleted_at = NULL`, table),
		p.ID, event.StreamID, p.Type, p.Label, fields, event.CreatedAt)
	return err
}

func removeUserContactPoint(ctx context.Context, tx *sql.Tx, event *eventstore.Event, table string) error {
	var p UserContactPoint
	if err := json.Unmarshal(event.EventData, &p); err != nil {
		return fmt.Errorf("%s payload: %w", event.EventType, err)
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET deleted_at = $3 WHERE id = $1 AND user_id = $2`, table),
		p.ID, event.StreamID, event.CreatedAt)
	return err
}

// RoleCreated is the payload of role.created / role.updated.
type RoleCreated struct {
	Name           string  `json:"name"`
	OrganizationID *string `json:"organization_id,omitempty"`
	ScopePath      *string `json:"scope_path,omitempty"`
	Description    string  `json:"description,omitempty"`
}

// applyRole routes role.* events into roles_projection, enforcing the scope
// rule: super_admin is the single system role with null scope; every other
// role requires both organization_id and scope_path.
func (e *Engine) applyRole(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case "role.created", "role.updated":
		var p RoleCreated
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("%s payload: %w", event.EventType, err)
		}
		if err := validateRoleScope(p.Name, p.OrganizationID, p.ScopePath); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO roles_projection (id, name, organization_id, scope_path, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				organization_id = EXCLUDED.organization_id,
				scope_path = EXCLUDED.scope_path,
				description = EXCLUDED.description,
				updated_at = EXCLUDED.created_at`,
			event.StreamID, p.Name, p.OrganizationID, p.ScopePath, p.Description, event.CreatedAt)
		return err

	case "role.deleted":
		_, err := tx.ExecContext(ctx, `
			UPDATE roles_projection SET deleted_at = $2 WHERE id = $1`,
			event.StreamID, event.CreatedAt)
		return err

	case "role.permission.granted":
		var p struct {
			PermissionID string `json:"permission_id"`
		}
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("role.permission.granted payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO role_permissions_projection (role_id, permission_id, created_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (role_id, permission_id) DO UPDATE SET deleted_at = NULL`,
			event.StreamID, p.PermissionID, event.CreatedAt)
		return err

	case "role.permission.revoked":
		var p struct {
			PermissionID string `json:"permission_id"`
		}
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("role.permission.revoked payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE role_permissions_projection SET deleted_at = $3
			WHERE role_id = $1 AND permission_id = $2 AND deleted_at IS NULL`,
			event.StreamID, p.PermissionID, event.CreatedAt)
		return err

	default:
		return unhandled(eventstore.StreamRole, event.EventType)
	}
}

// applyPermission routes permission.* events into permissions_projection.
func (e *Engine) applyPermission(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	switch event.EventType {
	case "permission.defined":
		var p struct {
			Applet      string `json:"applet"`
			Action      string `json:"action"`
			Description string `json:"description,omitempty"`
		}
		if err := json.Unmarshal(event.EventData, &p); err != nil {
			return fmt.Errorf("permission.defined payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO permissions_projection (id, applet, action, description, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET description = EXCLUDED.description`,
			event.StreamID, p.Applet, p.Action, p.Description, event.CreatedAt)
		return err
	default:
		return unhandled(eventstore.StreamPermission, event.EventType)
	}
}

// validateRoleScope enforces the role scope invariant.
func validateRoleScope(name string, orgID, scopePath *string) error {
	if name == "super_admin" {
		if orgID != nil || scopePath != nil {
			return fmt.Errorf("role super_admin must have null organization_id and scope_path")
		}
		return nil
	}
	if orgID == nil || scopePath == nil {
		return fmt.Errorf("role %q requires organization_id and scope_path", name)
	}
	return nil
}

// checkRoleScopeMatch verifies that the target role's scope matches the
// assignment's scope, with the super_admin carve-out (both null).
func checkRoleScopeMatch(ctx context.Context, tx *sql.Tx, roleID string, orgID, scopePath *string) error {
	var (
		name          string
		roleOrg       sql.NullString
		roleScopePath sql.NullString
	)
	err := tx.QueryRowContext(ctx, `
		SELECT name, organization_id, scope_path FROM roles_projection
		WHERE id = $1 AND deleted_at IS NULL`, roleID).
		Scan(&name, &roleOrg, &roleScopePath)
	if err == sql.ErrNoRows {
		return fmt.Errorf("role %s not found", roleID)
	}
	if err != nil {
		return fmt.Errorf("look up role %s: %w", roleID, err)
	}
	if name == "super_admin" {
		if orgID != nil || scopePath != nil {
			return fmt.Errorf("super_admin assignment must carry null scope")
		}
		return nil
	}
	if orgID == nil || scopePath == nil {
		return fmt.Errorf("assignment for role %q requires organization_id and scope_path", name)
	}
	if !roleOrg.Valid || roleOrg.String != *orgID || !roleScopePath.Valid || roleScopePath.String != *scopePath {
		return fmt.Errorf("assignment scope does not match role %q scope", name)
	}
	return nil
}
