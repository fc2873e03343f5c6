package rpc

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/internal/projection"
	"github.com/meridianhealth/platform/pkg/errors"
)

// handleUserOps dispatches user lifecycle, RBAC, and user contact point
// actions.
func (s *Server) handleUserOps(w http.ResponseWriter, r *http.Request) {
	action, body, err := readAction(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch action {
	case "create_user":
		s.createUser(w, r, body)
	case "deactivate_user":
		s.userLifecycle(w, r, body, "user.deactivated")
	case "reactivate_user":
		s.userLifecycle(w, r, body, "user.reactivated")
	case "switch_organization":
		s.switchOrganization(w, r, body)
	case "assign_role":
		s.userRole(w, r, body, "user.role.assigned")
	case "revoke_role":
		s.userRole(w, r, body, "user.role.revoked")
	case "add_user_phone", "update_user_phone":
		s.userContactPoint(w, r, body, "phone", action)
	case "remove_user_phone":
		s.userContactPoint(w, r, body, "phone", action)
	case "add_user_address", "update_user_address":
		s.userContactPoint(w, r, body, "address", action)
	case "remove_user_address":
		s.userContactPoint(w, r, body, "address", action)
	case "create_role":
		s.createRole(w, r, body)
	case "define_permission":
		s.definePermission(w, r, body)
	case "grant_role_permission":
		s.rolePermission(w, r, body, "role.permission.granted")
	case "revoke_role_permission":
		s.rolePermission(w, r, body, "role.permission.revoked")
	case "list_user_org_access":
		s.listUserOrgAccess(w, r, body)
	default:
		s.unknownAction(w, r, action)
	}
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		UserID         string `json:"user_id,omitempty"`
		Email          string `json:"email"`
		DisplayName    string `json:"display_name,omitempty"`
		OrganizationID string `json:"organization_id,omitempty"`
		AuthSubject    string `json:"auth_subject,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.Email == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "email is required"))
		return
	}
	if _, err := s.requirePlatform(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	userID := params.UserID
	if userID == "" {
		userID = uuid.NewString()
	}
	res, err := s.emit(r, eventstore.StreamUser, userID, "user.created", projection.UserCreated{
		Email:          params.Email,
		DisplayName:    params.DisplayName,
		OrganizationID: params.OrganizationID,
		AuthSubject:    params.AuthSubject,
	}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(userID, res))
}

func (s *Server) userLifecycle(w http.ResponseWriter, r *http.Request, body []byte, eventType string) {
	var params struct {
		UserID string `json:"user_id"`
		Reason string `json:"reason,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.requirePlatform(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.emit(r, eventstore.StreamUser, params.UserID, eventType,
		map[string]string{}, params.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(params.UserID, res))
}

// switchOrganization moves the caller's own current organization. The target
// must be one the caller can access.
func (s *Server) switchOrganization(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		OrganizationID string `json:"organization_id"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	claims, err := s.requireOrgAccess(r, params.OrganizationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.emit(r, eventstore.StreamUser, claims.UserID, "user.organization_switched",
		map[string]string{"organization_id": params.OrganizationID}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(claims.UserID, res))
}

func (s *Server) userRole(w http.ResponseWriter, r *http.Request, body []byte, eventType string) {
	var params struct {
		UserID         string  `json:"user_id"`
		RoleID         string  `json:"role_id"`
		OrganizationID *string `json:"organization_id,omitempty"`
		ScopePath      *string `json:"scope_path,omitempty"`
		Reason         string  `json:"reason,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.UserID == "" || params.RoleID == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "user_id and role_id are required"))
		return
	}
	// Scoped assignments need org admin on the target org; null-scope
	// (super_admin) assignments are platform-only.
	if params.OrganizationID != nil {
		if _, err := s.requireOrgAdmin(r, *params.OrganizationID); err != nil {
			s.writeError(w, r, err)
			return
		}
	} else if _, err := s.requirePlatform(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.emit(r, eventstore.StreamUser, params.UserID, eventType, projection.UserRoleAssigned{
		RoleID:         params.RoleID,
		OrganizationID: params.OrganizationID,
		ScopePath:      params.ScopePath,
	}, params.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(params.UserID, res))
}

// userContactPoint covers the add/update/remove actions for a user's own
// phones and addresses.
func (s *Server) userContactPoint(w http.ResponseWriter, r *http.Request, body []byte, kind, action string) {
	var params struct {
		UserID string            `json:"user_id,omitempty"`
		ID     string            `json:"id,omitempty"`
		Type   string            `json:"type,omitempty"`
		Label  string            `json:"label,omitempty"`
		Fields map[string]string `json:"fields,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	claims, err := s.requireClaims(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := params.UserID
	if userID == "" {
		userID = claims.UserID
	}
	if userID != claims.UserID && !claims.HasPlatformPrivilege() {
		s.writeError(w, r, errors.Wrap(errors.ErrUnauthorized, "cannot modify another user's contact points"))
		return
	}

	var verb string
	switch {
	case action == "add_user_phone" || action == "add_user_address":
		verb = "added"
		if params.ID == "" {
			params.ID = uuid.NewString()
		}
	case action == "update_user_phone" || action == "update_user_address":
		verb = "updated"
	default:
		verb = "removed"
	}
	if params.ID == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "id is required"))
		return
	}

	res, err := s.emit(r, eventstore.StreamUser, userID, "user."+kind+"."+verb, projection.UserContactPoint{
		ID:     params.ID,
		Type:   params.Type,
		Label:  params.Label,
		Fields: params.Fields,
	}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(params.ID, res))
}

func (s *Server) createRole(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		RoleID         string  `json:"role_id,omitempty"`
		Name           string  `json:"name"`
		OrganizationID *string `json:"organization_id,omitempty"`
		ScopePath      *string `json:"scope_path,omitempty"`
		Description    string  `json:"description,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.Name == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "name is required"))
		return
	}
	if params.OrganizationID != nil {
		if _, err := s.requireOrgAdmin(r, *params.OrganizationID); err != nil {
			s.writeError(w, r, err)
			return
		}
	} else if _, err := s.requirePlatform(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	roleID := params.RoleID
	if roleID == "" {
		roleID = uuid.NewString()
	}
	res, err := s.emit(r, eventstore.StreamRole, roleID, "role.created", projection.RoleCreated{
		Name:           params.Name,
		OrganizationID: params.OrganizationID,
		ScopePath:      params.ScopePath,
		Description:    params.Description,
	}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(roleID, res))
}

func (s *Server) definePermission(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		PermissionID string `json:"permission_id,omitempty"`
		Applet       string `json:"applet"`
		Action       string `json:"permission_action"`
		Description  string `json:"description,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.Applet == "" || params.Action == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "applet and permission_action are required"))
		return
	}
	if _, err := s.requirePlatform(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	permissionID := params.PermissionID
	if permissionID == "" {
		permissionID = uuid.NewString()
	}
	res, err := s.emit(r, eventstore.StreamPermission, permissionID, "permission.defined", map[string]string{
		"applet":      params.Applet,
		"action":      params.Action,
		"description": params.Description,
	}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(permissionID, res))
}

func (s *Server) rolePermission(w http.ResponseWriter, r *http.Request, body []byte, eventType string) {
	var params struct {
		RoleID       string `json:"role_id"`
		PermissionID string `json:"permission_id"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.RoleID == "" || params.PermissionID == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "role_id and permission_id are required"))
		return
	}
	if _, err := s.requirePlatform(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.emit(r, eventstore.StreamRole, params.RoleID, eventType,
		map[string]string{"permission_id": params.PermissionID}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(params.RoleID, res))
}

func (s *Server) listUserOrgAccess(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		UserID string `json:"user_id,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	claims, err := s.requireClaims(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := params.UserID
	if userID == "" {
		userID = claims.UserID
	}
	if userID != claims.UserID && !claims.HasPlatformPrivilege() {
		s.writeError(w, r, errors.Wrap(errors.ErrUnauthorized, "cannot inspect another user's access"))
		return
	}

	access, err := s.repo.ListUserOrgAccess(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, access)
}
