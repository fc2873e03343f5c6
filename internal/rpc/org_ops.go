package rpc

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/meridianhealth/platform/internal/bootstrap"
	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/internal/projection"
	"github.com/meridianhealth/platform/pkg/contextx"
	"github.com/meridianhealth/platform/pkg/errors"
	"github.com/meridianhealth/platform/pkg/json"
)

// handleOrganizationOps dispatches organization lifecycle actions, including
// the bootstrap entry point.
func (s *Server) handleOrganizationOps(w http.ResponseWriter, r *http.Request) {
	action, body, err := readAction(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch action {
	case "initiate_bootstrap":
		s.initiateBootstrap(w, r, body)
	case "get_bootstrap_status":
		s.getBootstrapStatus(w, r, body)
	case "update_organization":
		s.updateOrganization(w, r, body)
	case "activate_organization":
		s.orgLifecycle(w, r, body, "organization.activated")
	case "deactivate_organization":
		s.orgLifecycle(w, r, body, "organization.deactivated")
	case "delete_organization":
		s.orgLifecycle(w, r, body, "organization.deleted")
	case "soft_delete_organization_contacts":
		s.softDeleteJunctions(w, r, body, "contact")
	case "soft_delete_organization_addresses":
		s.softDeleteJunctions(w, r, body, "address")
	case "soft_delete_organization_phones":
		s.softDeleteJunctions(w, r, body, "phone")
	case "get_organization":
		s.getOrganization(w, r, body)
	case "get_organization_by_slug":
		s.getOrganizationBySlug(w, r, body)
	case "list_organizations":
		s.listOrganizations(w, r)
	default:
		s.unknownAction(w, r, action)
	}
}

// initiateBootstrap validates the request and seeds the workflow queue by
// emitting organization.bootstrap.initiated. The projection inserts the
// pending row and notifies the worker fleet.
func (s *Server) initiateBootstrap(w http.ResponseWriter, r *http.Request, body []byte) {
	if _, err := s.requirePlatform(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	var params struct {
		Request bootstrap.Request `json:"request"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	req := params.Request
	if err := req.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if claims := contextx.Claims(r.Context()); claims != nil && req.RequestedBy == "" {
		req.RequestedBy = claims.UserID
	}

	// Reject up front when the slug is taken; the workflow re-checks under
	// its own idempotency guard.
	if existing, err := s.repo.OrganizationBySlug(r.Context(), req.Slug); err == nil && existing != nil {
		s.writeError(w, r, errors.Wrap(errors.ErrDuplicateSlug, req.Slug))
		return
	} else if err != nil && !errors.Is(err, errors.ErrNotFound) {
		s.writeError(w, r, err)
		return
	}

	encoded, err := json.Marshal(req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	queueID := uuid.NewString()
	res, err := s.emit(r, eventstore.StreamWorkflowQueue, queueID, "organization.bootstrap.initiated",
		projection.BootstrapInitiated{OrganizationSlug: req.Slug, Request: encoded}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, opResult(queueID, res))
}

func (s *Server) getBootstrapStatus(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		QueueID string `json:"queue_id"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.requirePlatform(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	row, err := s.queue.Get(r.Context(), params.QueueID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, row)
}

func (s *Server) updateOrganization(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		OrganizationID string  `json:"organization_id"`
		Name           *string `json:"name,omitempty"`
		Subdomain      *string `json:"subdomain,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.requireOrgAdmin(r, params.OrganizationID); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.emit(r, eventstore.StreamOrganization, params.OrganizationID, "organization.updated",
		projection.OrganizationUpdated{Name: params.Name, Subdomain: params.Subdomain}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(params.OrganizationID, res))
}

// orgLifecycle covers the activate/deactivate/delete triplet. Deactivation
// and deletion are audited with a mandatory reason.
func (s *Server) orgLifecycle(w http.ResponseWriter, r *http.Request, body []byte, eventType string) {
	var params struct {
		OrganizationID string `json:"organization_id"`
		Reason         string `json:"reason,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.requirePlatform(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.emit(r, eventstore.StreamOrganization, params.OrganizationID, eventType,
		map[string]string{}, params.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(params.OrganizationID, res))
}

// softDeleteJunctions sets deleted_at on every active junction row touching
// the kind for the organization, through unlinked events. Compensation
// activities call this same path.
func (s *Server) softDeleteJunctions(w http.ResponseWriter, r *http.Request, body []byte, kind string) {
	var params struct {
		OrganizationID string `json:"organization_id"`
		Reason         string `json:"reason,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
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
	dir := bootstrap.NewSQLDirectory(s.store.DB())
	count, err := bootstrap.UnlinkJunctions(r.Context(), s.store, dir, params.OrganizationID, kind, meta)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"unlinked": count,
	})
}

func (s *Server) getOrganization(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		OrganizationID string `json:"organization_id"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.requireOrgAccess(r, params.OrganizationID); err != nil {
		s.writeError(w, r, err)
		return
	}

	org, err := s.repo.Organization(r.Context(), params.OrganizationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, org)
}

func (s *Server) getOrganizationBySlug(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		Slug string `json:"slug"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}

	org, err := s.repo.OrganizationBySlug(r.Context(), params.Slug)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.requireOrgAccess(r, org.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, org)
}

func (s *Server) listOrganizations(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requirePlatform(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	orgs, err := s.repo.ListOrganizations(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, orgs)
}
