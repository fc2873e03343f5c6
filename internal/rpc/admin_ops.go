package rpc

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/pkg/contextx"
	"github.com/meridianhealth/platform/pkg/errors"

	"go.uber.org/zap"
)

// handleAdminOps dispatches operator actions over the event log. Everything
// here is platform scope.
func (s *Server) handleAdminOps(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requirePlatform(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	action, body, err := readAction(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch action {
	case "get_failed_events":
		s.getFailedEvents(w, r, body)
	case "retry_failed_event":
		s.retryFailedEvent(w, r, body)
	case "get_event":
		s.getEvent(w, r, body)
	case "get_event_processing_stats":
		s.getEventProcessingStats(w, r)
	case "replay_projections":
		s.replayProjections(w, r, body)
	case "rebuild_projections":
		s.rebuildProjections(w, r)
	default:
		s.unknownAction(w, r, action)
	}
}

func (s *Server) getFailedEvents(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		StreamType string     `json:"stream_type,omitempty"`
		EventType  string     `json:"event_type,omitempty"`
		Since      *time.Time `json:"since,omitempty"`
		Limit      int        `json:"limit,omitempty"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}

	events, err := s.store.FailedEvents(r.Context(), eventstore.FailedEventsFilter{
		StreamType: params.StreamType,
		EventType:  params.EventType,
		Since:      params.Since,
		Limit:      params.Limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) retryFailedEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		EventID string `json:"event_id"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	eventID, err := uuid.Parse(params.EventID)
	if err != nil {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "event_id must be a uuid"))
		return
	}

	result, err := s.store.RetryFailedEvent(r.Context(), eventID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) getEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		EventID string `json:"event_id"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	eventID, err := uuid.Parse(params.EventID)
	if err != nil {
		s.writeError(w, r, errors.Wrap(errors.ErrValidation, "event_id must be a uuid"))
		return
	}

	event, err := s.store.GetEvent(r.Context(), eventID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, event)
}

func (s *Server) getEventProcessingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.EventProcessingStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) replayProjections(w http.ResponseWriter, r *http.Request, body []byte) {
	var params struct {
		AfterSequence int64 `json:"after_sequence"`
	}
	if err := decode(body, &params); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.engine == nil {
		s.writeError(w, r, errors.New("projection engine not attached"))
		return
	}

	contextx.Logger(r.Context()).Info("projection replay requested",
		zap.Int64("after_sequence", params.AfterSequence))
	if err := s.engine.Replay(r.Context(), s.store.DB(), params.AfterSequence); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) rebuildProjections(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		s.writeError(w, r, errors.New("projection engine not attached"))
		return
	}

	contextx.Logger(r.Context()).Warn("full projection rebuild requested")
	if err := s.engine.Rebuild(r.Context(), s.store.DB()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
