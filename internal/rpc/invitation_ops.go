package rpc

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/internal/projection"
	"github.com/meridianhealth/platform/pkg/contextx"
	"github.com/meridianhealth/platform/pkg/errors"
)

// handleInvitationOps dispatches invitation lifecycle actions.
func (s *Server) handleInvitationOps(w http.ResponseWriter, r *http.Request) {
	action, body, err := readAction(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch action {
	case "create_invitation":
		s.createInvitation(w, r, body)
	case "accept_invitation":
		s.acceptInvitation(w, r, body)
	case "revoke_invitation":
		s.revokeInvitation(w, r, body)
	case "list_invitations":
		s.listInvitations(w, r, body)
	default:
		s.unknownAction(w, r, action)
	}
}

func (s *Server) createInvitation(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		OrganizationID string `json:"organization_id"`
		Email          string `json:"email"`
		Role           string `json:"role"`
		TTLHours       int    `json:"ttl_hours,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.Email == "" || params.Role == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "email and role are required"))
		return
	}
	if _, err := s.requireOrgAdmin(r, params.OrganizationID); err != nil {
		s.writeError(w, r, err)
		return
	}

	ttl := 7 * 24 * time.Hour
	if params.TTLHours > 0 {
		ttl = time.Duration(params.TTLHours) * time.Hour
	}
	invitationID := uuid.NewString()
	res, err := s.emit(r, eventstore.StreamInvitation, invitationID, "invitation.created",
		projection.UserInvited{
			OrganizationID: params.OrganizationID,
			Email:          params.Email,
			Role:           params.Role,
			Token:          uuid.NewString(),
			ExpiresAt:      time.Now().Add(ttl),
		}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(invitationID, res))
}

// acceptInvitation resolves a pending invitation by token, creates the user
// if needed, assigns the invited role, and marks the invitation accepted.
func (s *Server) acceptInvitation(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		Token       string `json:"token"`
		Email       string `json:"email,omitempty"`
		DisplayName string `json:"display_name,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.Token == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "token is required"))
		return
	}
	claims, err := s.requireClaims(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	inv, err := s.repo.InvitationByToken(r.Context(), params.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if inv.Status != "pending" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "invitation is not pending"))
		return
	}
	if time.Now().After(inv.ExpiresAt) {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "invitation has expired"))
		return
	}

	email := params.Email
	if email == "" {
		email = inv.Email
	}
	if _, err := s.emit(r, eventstore.StreamUser, claims.UserID, "user.synced_from_auth",
		projection.UserCreated{
			Email:          email,
			DisplayName:    params.DisplayName,
			OrganizationID: inv.OrganizationID,
		}, ""); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.emit(r, eventstore.StreamInvitation, inv.ID, "invitation.accepted",
		map[string]string{"user_id": claims.UserID}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(inv.ID, res))
}

func (s *Server) revokeInvitation(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		InvitationID   string `json:"invitation_id"`
		OrganizationID string `json:"organization_id"`
		Reason         string `json:"reason"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.InvitationID == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "invitation_id is required"))
		return
	}
	claims, err := s.requireOrgAdmin(r, params.OrganizationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	meta := eventstore.Metadata{
		UserID:        claims.UserID,
		CorrelationID: contextx.RequestID(r.Context()),
		Reason:        params.Reason,
	}
	res, err := s.store.Emit(r.Context(), eventstore.EmitInput{
		StreamID:   params.InvitationID,
		StreamType: eventstore.StreamInvitation,
		EventType:  "invitation.revoked",
		EventData:  map[string]string{"organization_id": params.OrganizationID},
		Metadata:   meta,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(params.InvitationID, res))
}

func (s *Server) listInvitations(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		OrganizationID string `json:"organization_id"`
		Status         string `json:"status,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.requireOrgAdmin(r, params.OrganizationID); err != nil {
		s.writeError(w, r, err)
		return
	}

	invs, err := s.repo.ListInvitations(r.Context(), params.OrganizationID, params.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, invs)
}
