// Package rpc is the JSON-over-HTTP caller surface. Every endpoint is an
// action-dispatch handler: the request names an action and the handler either
// runs a tenant-filtered read or funnels a write through the event store.
package rpc

import (
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/internal/identity"
	"github.com/meridianhealth/platform/internal/projection"
	"github.com/meridianhealth/platform/internal/queue"
	"github.com/meridianhealth/platform/pkg/contextx"
	"github.com/meridianhealth/platform/pkg/errors"
	"github.com/meridianhealth/platform/pkg/json"
)

// Server hosts the RPC handlers.
type Server struct {
	store     *eventstore.Store
	repo      *ReadRepo
	queue     *queue.Repo
	engine    *projection.Engine
	jwtSecret string
	log       *zap.Logger
}

// NewServer wires the RPC surface.
func NewServer(store *eventstore.Store, repo *ReadRepo, queueRepo *queue.Repo, engine *projection.Engine, jwtSecret string, log *zap.Logger) *Server {
	return &Server{
		store:     store,
		repo:      repo,
		queue:     queueRepo,
		engine:    engine,
		jwtSecret: jwtSecret,
		log:       log.With(zap.String("module", "rpc")),
	}
}

// Router mounts the action-dispatch endpoints.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/organization_ops", s.authenticated(s.handleOrganizationOps))
	mux.Handle("/api/entity_ops", s.authenticated(s.handleEntityOps))
	mux.Handle("/api/user_ops", s.authenticated(s.handleUserOps))
	mux.Handle("/api/invitation_ops", s.authenticated(s.handleInvitationOps))
	mux.Handle("/api/schedule_ops", s.authenticated(s.handleScheduleOps))
	mux.Handle("/api/access_ops", s.authenticated(s.handleAccessOps))
	mux.Handle("/api/admin_ops", s.authenticated(s.handleAdminOps))
	return mux
}

// authenticated parses the bearer token, installs claims, request id, and a
// request-scoped logger, and rejects anything without a valid identity.
func (s *Server) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := contextx.WithRequestID(r.Context(), requestID)
		ctx = contextx.WithLogger(ctx, s.log.With(zap.String("request_id", requestID)))

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			s.writeErrorStatus(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := identity.ParseToken(strings.TrimPrefix(auth, "Bearer "), s.jwtSecret)
		if err != nil {
			s.writeErrorStatus(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx = contextx.WithClaims(ctx, claims)

		next(w, r.WithContext(ctx))
	})
}

// opEnvelope names the action; the concrete parameter struct is decoded from
// the same body once the action is known.
type opEnvelope struct {
	Action string `json:"action"`
}

// readAction consumes the body and returns it with the action name.
func readAction(r *http.Request) (string, []byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return "", nil, errors.Wrap(errors.ErrValidation, "read request body")
	}
	var env opEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", nil, errors.Wrap(errors.ErrValidation, "malformed request body")
	}
	if env.Action == "" {
		return "", nil, errors.Wrap(errors.ErrValidation, "action is required")
	}
	return env.Action, body, nil
}

func decode(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrap(errors.ErrValidation, "malformed parameters")
	}
	return nil
}

// OpResult is the uniform write-RPC response.
type OpResult struct {
	Success      bool   `json:"success"`
	EntityID     string `json:"entity_id,omitempty"`
	EventID      string `json:"event_id,omitempty"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

func opResult(entityID string, res eventstore.EmitResult) OpResult {
	return OpResult{
		Success:      true,
		EntityID:     entityID,
		EventID:      res.EventID.String(),
		Deduplicated: res.Deduplicated,
	}
}

// emit funnels a write through the event store with the caller's identity
// attached.
func (s *Server) emit(r *http.Request, streamType, streamID, eventType string, data interface{}, reason string) (eventstore.EmitResult, error) {
	ctx := r.Context()
	claims := contextx.Claims(ctx)

	meta := eventstore.Metadata{
		CorrelationID: contextx.RequestID(ctx),
		Reason:        reason,
	}
	if claims != nil {
		meta.UserID = claims.UserID
	}
	return s.store.Emit(ctx, eventstore.EmitInput{
		StreamID:   streamID,
		StreamType: streamType,
		EventType:  eventType,
		EventData:  data,
		Metadata:   meta,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("write response failed", zap.Error(err))
	}
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorBody{Error: msg})
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrValidation),
		errors.Is(err, errors.ErrInvalidEventType),
		errors.Is(err, errors.ErrReasonRequired):
		status = http.StatusBadRequest
	case errors.Is(err, errors.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, errors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrVersionConflict),
		errors.Is(err, errors.ErrDuplicateSlug):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		contextx.Logger(r.Context()).Error("rpc failed", zap.Error(err))
	}
	s.writeErrorStatus(w, status, err.Error())
}

// unknownAction is the shared fallthrough for every dispatcher.
func (s *Server) unknownAction(w http.ResponseWriter, r *http.Request, action string) {
	s.writeError(w, r, errors.Wrap(errors.ErrValidation, "unknown action "+action))
}

// Authorization guards shared by the handlers.

func (s *Server) requireClaims(r *http.Request) (*identity.Claims, error) {
	claims := contextx.Claims(r.Context())
	if claims == nil {
		return nil, errors.ErrUnauthorized
	}
	return claims, nil
}

func (s *Server) requirePlatform(r *http.Request) (*identity.Claims, error) {
	claims, err := s.requireClaims(r)
	if err != nil {
		return nil, err
	}
	if !claims.HasPlatformPrivilege() {
		return nil, errors.Wrap(errors.ErrUnauthorized, "platform privilege required")
	}
	return claims, nil
}

func (s *Server) requireOrgAdmin(r *http.Request, orgID string) (*identity.Claims, error) {
	claims, err := s.requireClaims(r)
	if err != nil {
		return nil, err
	}
	if orgID == "" {
		return nil, errors.Wrap(errors.ErrValidation, "organization_id is required")
	}
	if !claims.HasPlatformPrivilege() && !claims.HasOrgAdminPermission(orgID) {
		return nil, errors.Wrap(errors.ErrUnauthorized, "organization admin permission required")
	}
	return claims, nil
}

func (s *Server) requireOrgAccess(r *http.Request, orgID string) (*identity.Claims, error) {
	claims, err := s.requireClaims(r)
	if err != nil {
		return nil, err
	}
	if orgID == "" {
		return nil, errors.Wrap(errors.ErrValidation, "organization_id is required")
	}
	if !claims.CanAccessOrg(orgID) {
		return nil, errors.Wrap(errors.ErrUnauthorized, "no access to organization")
	}
	return claims, nil
}
