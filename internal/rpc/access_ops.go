package rpc

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/internal/projection"
	"github.com/meridianhealth/platform/pkg/errors"
)

// handleAccessOps dispatches cross-tenant access grant and impersonation
// actions.
func (s *Server) handleAccessOps(w http.ResponseWriter, r *http.Request) {
	action, body, err := readAction(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch action {
	case "create_access_grant":
		s.createAccessGrant(w, r, body)
	case "revoke_access_grant":
		s.accessGrantLifecycle(w, r, body, "access_grant.revoked")
	case "suspend_access_grant":
		s.accessGrantLifecycle(w, r, body, "access_grant.suspended")
	case "reactivate_access_grant":
		s.accessGrantLifecycle(w, r, body, "access_grant.reactivated")
	case "start_impersonation":
		s.startImpersonation(w, r, body)
	case "renew_impersonation":
		s.renewImpersonation(w, r, body)
	case "end_impersonation":
		s.endImpersonation(w, r, body)
	default:
		s.unknownAction(w, r, action)
	}
}

func (s *Server) createAccessGrant(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		ConsultingOrgID   string     `json:"consulting_org_id"`
		TargetOrgID       string     `json:"target_org_id"`
		TargetUserID      *string    `json:"target_user_id,omitempty"`
		ScopeLevel        string     `json:"scope_level"`
		AuthorizationType string     `json:"authorization_type"`
		StartsAt          *time.Time `json:"starts_at,omitempty"`
		EndsAt            *time.Time `json:"ends_at,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.ConsultingOrgID == "" || params.TargetOrgID == "" || params.ScopeLevel == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation,
			"consulting_org_id, target_org_id and scope_level are required"))
		return
	}
	// Granting access into an org is an admin act on the target org.
	if _, err := s.requireOrgAdmin(r, params.TargetOrgID); err != nil {
		s.writeError(w, r, err)
		return
	}

	startsAt := time.Now()
	if params.StartsAt != nil {
		startsAt = *params.StartsAt
	}
	grantID := uuid.NewString()
	res, err := s.emit(r, eventstore.StreamAccessGrant, grantID, "access_grant.created",
		projection.AccessGrantCreated{
			ConsultingOrgID:   params.ConsultingOrgID,
			TargetOrgID:       params.TargetOrgID,
			TargetUserID:      params.TargetUserID,
			ScopeLevel:        params.ScopeLevel,
			AuthorizationType: params.AuthorizationType,
			StartsAt:          startsAt,
			EndsAt:            params.EndsAt,
		}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(grantID, res))
}

func (s *Server) accessGrantLifecycle(w http.ResponseWriter, r *http.Request, body []byte, eventType string) {
	var params struct {
		GrantID     string `json:"grant_id"`
		TargetOrgID string `json:"target_org_id"`
		Reason      string `json:"reason,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.GrantID == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "grant_id is required"))
		return
	}
	if _, err := s.requireOrgAdmin(r, params.TargetOrgID); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.emit(r, eventstore.StreamAccessGrant, params.GrantID, eventType,
		map[string]string{}, params.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(params.GrantID, res))
}

func (s *Server) startImpersonation(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		TargetUserID string `json:"target_user_id"`
		TargetOrgID  string `json:"target_org_id"`
		TTLMinutes   int    `json:"ttl_minutes,omitempty"`
		Reason       string `json:"reason"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.TargetUserID == "" || params.TargetOrgID == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "target_user_id and target_org_id are required"))
		return
	}
	claims, err := s.requirePlatform(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ttl := 30 * time.Minute
	if params.TTLMinutes > 0 {
		ttl = time.Duration(params.TTLMinutes) * time.Minute
	}
	sessionID := uuid.NewString()
	res, err := s.emit(r, eventstore.StreamImpersonation, sessionID, "impersonation.started",
		map[string]interface{}{
			"actor_user_id":  claims.UserID,
			"target_user_id": params.TargetUserID,
			"target_org_id":  params.TargetOrgID,
			"expires_at":     time.Now().Add(ttl),
		}, params.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(sessionID, res))
}

func (s *Server) renewImpersonation(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		SessionID  string `json:"session_id"`
		TTLMinutes int    `json:"ttl_minutes,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.SessionID == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "session_id is required"))
		return
	}
	if _, err := s.requirePlatform(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	ttl := 30 * time.Minute
	if params.TTLMinutes > 0 {
		ttl = time.Duration(params.TTLMinutes) * time.Minute
	}
	res, err := s.emit(r, eventstore.StreamImpersonation, params.SessionID, "impersonation.renewed",
		map[string]interface{}{"expires_at": time.Now().Add(ttl)}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(params.SessionID, res))
}

func (s *Server) endImpersonation(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		SessionID string `json:"session_id"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.SessionID == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "session_id is required"))
		return
	}
	if _, err := s.requireClaims(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.emit(r, eventstore.StreamImpersonation, params.SessionID, "impersonation.ended",
		map[string]string{}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(params.SessionID, res))
}
