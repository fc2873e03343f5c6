package rpc

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/internal/projection"
	"github.com/meridianhealth/platform/pkg/errors"
)

// entityStreams maps the entity kinds callers may address to their stream
// types. Closed set; everything else is a validation error.
var entityStreams = map[string]string{
	"contact": eventstore.StreamContact,
	"address": eventstore.StreamAddress,
	"phone":   eventstore.StreamPhone,
}

// handleEntityOps dispatches contact, address, and phone actions plus the
// junction link operations.
func (s *Server) handleEntityOps(w http.ResponseWriter, r *http.Request) {
	action, body, err := readAction(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch action {
	case "create_entity":
		s.createEntity(w, r, body)
	case "update_entity":
		s.mutateEntity(w, r, body, "updated")
	case "delete_entity":
		s.mutateEntity(w, r, body, "deleted")
	case "link_entities":
		s.linkEntities(w, r, body, "linked")
	case "unlink_entities":
		s.linkEntities(w, r, body, "unlinked")
	case "get_contacts_by_org":
		s.listEntities(w, r, body, "contact")
	case "get_addresses_by_org":
		s.listEntities(w, r, body, "address")
	case "get_phones_by_org":
		s.listEntities(w, r, body, "phone")
	case "find_contacts_by_phone":
		s.findContactsByPhone(w, r, body)
	default:
		s.unknownAction(w, r, action)
	}
}

type entityParams struct {
	Kind           string            `json:"kind"`
	EntityID       string            `json:"entity_id,omitempty"`
	OrganizationID string            `json:"organization_id"`
	Type           string            `json:"type,omitempty"`
	Label          string            `json:"label,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
}

func (s *Server) createEntity(w http.ResponseWriter, r *http.Request, body []byte) {
	var params entityParams
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	streamType, ok := entityStreams[params.Kind]
	if !ok {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "unknown entity kind "+params.Kind))
		return
	}
	if _, err := s.requireOrgAdmin(r, params.OrganizationID); err != nil {
		s.writeError(w, r, err)
		return
	}

	entityID := params.EntityID
	if entityID == "" {
		entityID = uuid.NewString()
	}
	payload := projection.EntityPayload{
		OrganizationID: params.OrganizationID,
		Type:           params.Type,
		Label:          params.Label,
		Fields:         params.Fields,
	}
	res, err := s.emit(r, streamType, entityID, params.Kind+".created", payload, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(entityID, res))
}

func (s *Server) mutateEntity(w http.ResponseWriter, r *http.Request, body []byte, action string) {
	var params entityParams
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	streamType, ok := entityStreams[params.Kind]
	if !ok {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "unknown entity kind "+params.Kind))
		return
	}
	if params.EntityID == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "entity_id is required"))
		return
	}
	if _, err := s.requireOrgAdmin(r, params.OrganizationID); err != nil {
		s.writeError(w, r, err)
		return
	}

	var data interface{}
	if action == "updated" {
		data = projection.EntityPayload{
			OrganizationID: params.OrganizationID,
			Type:           params.Type,
			Label:          params.Label,
			Fields:         params.Fields,
		}
	} else {
		data = map[string]string{"organization_id": params.OrganizationID}
	}
	res, err := s.emit(r, streamType, params.EntityID, params.Kind+"."+action, data, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(params.EntityID, res))
}

// linkEntities emits a junction linked or unlinked event for one pair.
func (s *Server) linkEntities(w http.ResponseWriter, r *http.Request, body []byte, action string) {
	var params struct {
		Junction       string `json:"junction"`
		OrganizationID string `json:"organization_id"`
		LeftID         string `json:"left_id"`
		RightID        string `json:"right_id"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !projection.ValidJunction(params.Junction) {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "unknown junction "+params.Junction))
		return
	}
	if params.LeftID == "" || params.RightID == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "left_id and right_id are required"))
		return
	}
	if _, err := s.requireOrgAdmin(r, params.OrganizationID); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.emit(r, eventstore.StreamJunction,
		projection.JunctionStreamID(params.Junction, params.LeftID, params.RightID),
		params.Junction+"."+action,
		projection.NewJunctionPayload(params.Junction, params.LeftID, params.RightID), "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(params.LeftID, res))
}

func (s *Server) listEntities(w http.ResponseWriter, r *http.Request, body []byte, kind string) {
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

	var (
		rows []EntityRow
		err  error
	)
	switch kind {
	case "contact":
		rows, err = s.repo.ContactsByOrg(r.Context(), params.OrganizationID)
	case "address":
		rows, err = s.repo.AddressesByOrg(r.Context(), params.OrganizationID)
	case "phone":
		rows, err = s.repo.PhonesByOrg(r.Context(), params.OrganizationID)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}

func (s *Server) findContactsByPhone(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		OrganizationID string `json:"organization_id"`
		Number         string `json:"number"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.Number == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "number is required"))
		return
	}
	if _, err := s.requireOrgAccess(r, params.OrganizationID); err != nil {
		s.writeError(w, r, err)
		return
	}

	rows, err := s.repo.FindContactsByPhone(r.Context(), params.OrganizationID, params.Number)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rows)
}
