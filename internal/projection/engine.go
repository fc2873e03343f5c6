// Package projection materializes normalized read models from the domain
// event log. One router per stream type; handlers are idempotent,
// deterministic, and perform no external I/O.
package projection

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/meridianhealth/platform/internal/eventstore"
	"github.com/meridianhealth/platform/pkg/errors"
)

// Handler routes every event type declared for one stream type. An event
// type the router does not cover is an explicit error, never a silent pass.
type Handler func(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error

// Engine dispatches events to the registered handler for their stream type.
// It implements eventstore.Projector.
type Engine struct {
	handlers map[string]Handler
	log      *zap.Logger
}

// NewEngine creates an engine with every stream type router registered.
func NewEngine(log *zap.Logger) *Engine {
	e := &Engine{
		handlers: make(map[string]Handler),
		log:      log,
	}
	e.Register(eventstore.StreamOrganization, e.applyOrganization)
	e.Register(eventstore.StreamContact, e.applyContact)
	e.Register(eventstore.StreamAddress, e.applyAddress)
	e.Register(eventstore.StreamPhone, e.applyPhone)
	e.Register(eventstore.StreamJunction, e.applyJunction)
	e.Register(eventstore.StreamUser, e.applyUser)
	e.Register(eventstore.StreamRole, e.applyRole)
	e.Register(eventstore.StreamPermission, e.applyPermission)
	e.Register(eventstore.StreamInvitation, e.applyInvitation)
	e.Register(eventstore.StreamWorkflowQueue, e.applyWorkflowQueue)
	e.Register(eventstore.StreamSchedule, e.applySchedule)
	e.Register(eventstore.StreamAccessGrant, e.applyAccessGrant)
	e.Register(eventstore.StreamImpersonation, e.applyImpersonation)
	return e
}

// Register installs the router for a stream type.
func (e *Engine) Register(streamType string, h Handler) {
	e.handlers[streamType] = h
}

// Apply routes the event to its stream type handler inside the given
// transaction.
func (e *Engine) Apply(ctx context.Context, tx *sql.Tx, event *eventstore.Event) error {
	h, ok := e.handlers[event.StreamType]
	if !ok {
		return fmt.Errorf("no projection handler for stream type %q", event.StreamType)
	}
	return h(ctx, tx, event)
}

// unhandled constructs the explicit unhandled-event error for a router.
func unhandled(streamType, eventType string) error {
	return fmt.Errorf("%w: %s router received %q", errors.ErrUnhandledEvent, streamType, eventType)
}
