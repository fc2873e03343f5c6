// Package eventstore implements the append-only domain event log. Every
// caller-exposed mutation in the platform funnels through Store.Emit; the
// projection engine materializes read models from the log and the log itself
// is the audit trail.
package eventstore

import (
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhealth/platform/pkg/errors"
)

// Stream types form a closed set. Adding a stream type requires registering a
// projection router for it, so the list lives next to the store.
const (
	StreamOrganization  = "organization"
	StreamUser          = "user"
	StreamContact       = "contact"
	StreamAddress       = "address"
	StreamPhone         = "phone"
	StreamJunction      = "junction"
	StreamRole          = "role"
	StreamPermission    = "permission"
	StreamInvitation    = "invitation"
	StreamWorkflowQueue = "workflow_queue"
	StreamImpersonation = "impersonation"
	StreamAccessGrant   = "access_grant"
	StreamSchedule      = "schedule"
)

var streamTypes = map[string]bool{
	StreamOrganization:  true,
	StreamUser:          true,
	StreamContact:       true,
	StreamAddress:       true,
	StreamPhone:         true,
	StreamJunction:      true,
	StreamRole:          true,
	StreamPermission:    true,
	StreamInvitation:    true,
	StreamWorkflowQueue: true,
	StreamImpersonation: true,
	StreamAccessGrant:   true,
	StreamSchedule:      true,
}

// ValidStreamType reports whether t belongs to the closed stream type set.
func ValidStreamType(t string) bool {
	return streamTypes[t]
}

// eventTypeRE is the wire format for event type names. The same pattern is
// enforced as a CHECK constraint on the domain_events table.
var eventTypeRE = regexp.MustCompile(`^[a-z_]+(\.[a-z_]+)+$`)

// ValidateEventType checks the dotted lowercase event type format.
func ValidateEventType(t string) error {
	if !eventTypeRE.MatchString(t) {
		return errors.ErrInvalidEventType
	}
	return nil
}

// criticalEventTypes lists the event types whose projection failure must be
// surfaced to the emitting caller rather than left for later retry.
var criticalEventTypes = map[string]bool{
	"user.created":                     true,
	"user.role.assigned":               true,
	"user.role.removed":                true,
	"invitation.accepted":              true,
	"invitation.created":               true,
	"organization.created":             true,
	"organization.bootstrap.completed": true,
}

// Critical reports whether projection errors for the event type propagate to
// the caller.
func Critical(eventType string) bool {
	return criticalEventTypes[eventType]
}

// reasonRequired lists the business-meaningful event types that demand an
// operator-supplied reason of at least MinReasonLength characters.
var reasonRequired = map[string]bool{
	"organization.deactivated": true,
	"organization.deleted":     true,
	"user.deactivated":         true,
	"user.role.assigned":       true,
	"user.role.revoked":        true,
	"invitation.revoked":       true,
	"access_grant.revoked":     true,
	"access_grant.suspended":   true,
	"impersonation.started":    true,
}

// MinReasonLength is the minimum length of a required reason string.
const MinReasonLength = 10

// ReasonRequired reports whether the event type demands a reason.
func ReasonRequired(eventType string) bool {
	return reasonRequired[eventType]
}

// Metadata carries the acting principal and correlation data for an event.
type Metadata struct {
	UserID         string `json:"user_id,omitempty"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Event is the atomic unit of state change. Only processed_at,
// processing_error and retry_count mutate after insertion.
type Event struct {
	ID              uuid.UUID  `json:"id"`
	SequenceNumber  int64      `json:"sequence_number"`
	StreamID        string     `json:"stream_id"`
	StreamType      string     `json:"stream_type"`
	StreamVersion   int64      `json:"stream_version"`
	EventType       string     `json:"event_type"`
	EventData       []byte     `json:"event_data"`
	EventMetadata   Metadata   `json:"event_metadata"`
	CreatedAt       time.Time  `json:"created_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	ProcessingError *string    `json:"processing_error,omitempty"`
	RetryCount      int        `json:"retry_count"`
}

// EmitInput is the input to Store.Emit.
type EmitInput struct {
	StreamID   string
	StreamType string
	EventType  string
	EventData  interface{}
	Metadata   Metadata
}

// Validate checks the structural preconditions that reject an emit before
// anything is written.
func (in *EmitInput) Validate() error {
	if in.StreamID == "" {
		return errors.Wrap(errors.ErrValidation, "stream_id is required")
	}
	if !ValidStreamType(in.StreamType) {
		return errors.Wrap(errors.ErrValidation, "unknown stream_type "+in.StreamType)
	}
	if err := ValidateEventType(in.EventType); err != nil {
		return err
	}
	if ReasonRequired(in.EventType) && len(in.Metadata.Reason) < MinReasonLength {
		return errors.ErrReasonRequired
	}
	return nil
}

// EmitResult is returned by a successful Store.Emit.
type EmitResult struct {
	EventID        uuid.UUID `json:"event_id"`
	SequenceNumber int64     `json:"sequence_number"`
	StreamVersion  int64     `json:"stream_version"`
	Deduplicated   bool      `json:"deduplicated,omitempty"`
}
