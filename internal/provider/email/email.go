// Package email defines the pluggable transactional email capability used
// for invitation delivery.
package email

import (
	"context"
	"errors"
)

// ErrRejected marks a send the provider refused for reasons retrying cannot
// fix (invalid address, suppressed recipient).
var ErrRejected = errors.New("email provider rejected message")

// Message is one transactional email. IdempotencyKey makes re-sends after a
// crash collapse onto the original delivery.
type Message struct {
	To             string
	From           string
	Subject        string
	HTML           string
	IdempotencyKey string
}

// SendResult carries the provider's identifier for a delivered message.
type SendResult struct {
	ProviderMessageID string
}

// Provider is the email capability contract.
type Provider interface {
	Send(ctx context.Context, msg Message) (SendResult, error)
}
