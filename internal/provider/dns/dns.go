// Package dns defines the pluggable DNS provider capability used by the
// bootstrap workflow. All operations are idempotent against repetition.
package dns

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrRejected marks a provider decision that retrying cannot fix (invalid
// host, policy refusal). Activities translate it into a non-retryable error.
var ErrRejected = errors.New("dns provider rejected request")

// ErrNotResolved is returned by Verify while the record has not propagated.
var ErrNotResolved = errors.New("dns record not resolved")

// Provider is the DNS capability contract.
type Provider interface {
	// CreateCNAME creates (or confirms) a CNAME from host to target.
	CreateCNAME(ctx context.Context, host, target string) error
	// Verify checks once whether host currently resolves to target.
	Verify(ctx context.Context, host, target string) error
	// Delete removes the record for host. Succeeds if absent.
	Delete(ctx context.Context, host string) error
}

// VerifyWithBackoff polls Verify with exponential backoff until the record
// resolves or the timeout elapses. A rejection stops polling immediately.
func VerifyWithBackoff(ctx context.Context, p Provider, host, target string, timeout time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 2 * time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = timeout

	operation := func() error {
		err := p.Verify(ctx, host, target)
		if errors.Is(err, ErrRejected) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(policy, ctx))
}
