package rpc

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/internal/projection"
	"github.com/meridianhealth/platform/pkg/errors"
	"github.com/meridianhealth/platform/pkg/json"
)

// handleScheduleOps dispatches schedule template actions.
func (s *Server) handleScheduleOps(w http.ResponseWriter, r *http.Request) {
	action, body, err := readAction(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch action {
	case "create_schedule_template":
		s.upsertScheduleTemplate(w, r, body, "schedule.created")
	case "update_schedule_template":
		s.upsertScheduleTemplate(w, r, body, "schedule.updated")
	case "deactivate_schedule_template":
		s.scheduleLifecycle(w, r, body, "schedule.deactivated")
	case "reactivate_schedule_template":
		s.scheduleLifecycle(w, r, body, "schedule.reactivated")
	case "delete_schedule_template":
		s.scheduleLifecycle(w, r, body, "schedule.deleted")
	case "assign_schedule_user":
		s.scheduleUser(w, r, body, "schedule.user_assigned")
	case "unassign_schedule_user":
		s.scheduleUser(w, r, body, "schedule.user_unassigned")
	case "list_schedule_templates":
		s.listScheduleTemplates(w, r, body)
	default:
		s.unknownAction(w, r, action)
	}
}

type scheduleParams struct {
	ScheduleID     string          `json:"schedule_id,omitempty"`
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name,omitempty"`
	Timezone       string          `json:"timezone,omitempty"`
	Definition     json.RawMessage `json:"definition,omitempty"`
}

func (s *Server) upsertScheduleTemplate(w http.ResponseWriter, r *http.Request, body []byte, eventType string) {
	var params scheduleParams
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.Name == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "name is required"))
		return
	}
	if eventType == "schedule.updated" && params.ScheduleID == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "schedule_id is required"))
		return
	}
	if _, err := s.requireOrgAdmin(r, params.OrganizationID); err != nil {
		s.writeError(w, r, err)
		return
	}

	scheduleID := params.ScheduleID
	if scheduleID == "" {
		scheduleID = uuid.NewString()
	}
	res, err := s.emit(r, eventstore.StreamSchedule, scheduleID, eventType, projection.ScheduleCreated{
		OrganizationID: params.OrganizationID,
		Name:           params.Name,
		Timezone:       params.Timezone,
		Definition:     params.Definition,
	}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(scheduleID, res))
}

func (s *Server) scheduleLifecycle(w http.ResponseWriter, r *http.Request, body []byte, eventType string) {
	var params scheduleParams
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.ScheduleID == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "schedule_id is required"))
		return
	}
	if _, err := s.requireOrgAdmin(r, params.OrganizationID); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.emit(r, eventstore.StreamSchedule, params.ScheduleID, eventType, map[string]string{}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(params.ScheduleID, res))
}

func (s *Server) scheduleUser(w http.ResponseWriter, r *http.Request, body []byte, eventType string) {
	var params struct {
		ScheduleID     string `json:"schedule_id"`
		OrganizationID string `json:"organization_id"`
		UserID         string `json:"user_id"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if params.ScheduleID == "" || params.UserID == "" {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "schedule_id and user_id are required"))
		return
	}
	if _, err := s.requireOrgAdmin(r, params.OrganizationID); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.emit(r, eventstore.StreamSchedule, params.ScheduleID, eventType,
		map[string]string{"user_id": params.UserID}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, opResult(params.ScheduleID, res))
}

func (s *Server) listScheduleTemplates(w http.ResponseWriter, r *http.Request, body []byte) {
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

	templates, err := s.repo.ListScheduleTemplates(r.Context(), params.OrganizationID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, templates)
}
