package dns

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type flakyProvider struct {
	failures int
	calls    int
	err      error
}

func (p *flakyProvider) CreateCNAME(context.Context, string, string) error { return nil }
func (p *flakyProvider) Delete(context.Context, string) error              { return nil }

func (p *flakyProvider) Verify(context.Context, string, string) error {
	p.calls++
	if p.calls <= p.failures {
		return p.err
	}
	return nil
}

func TestVerifyWithBackoffRetriesUntilResolved(t *testing.T) {
	p := &flakyProvider{failures: 2, err: ErrNotResolved}
	err := VerifyWithBackoff(context.Background(), p, "acme.example.com", "edge.example.com", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3, p.calls)
}

func TestVerifyWithBackoffStopsOnRejection(t *testing.T) {
	p := &flakyProvider{failures: 10, err: ErrRejected}
	err := VerifyWithBackoff(context.Background(), p, "acme.example.com", "edge.example.com", 30*time.Second)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 1, p.calls, "rejection is terminal, no further polling")
}

func TestVerifyWithBackoffHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &flakyProvider{failures: 10, err: ErrNotResolved}
	err := VerifyWithBackoff(ctx, p, "acme.example.com", "edge.example.com", time.Minute)
	assert.Error(t, err)
}

func TestLogProviderRecordsAndDeletes(t *testing.T) {
	p := NewLogProvider(zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, p.CreateCNAME(ctx, "acme.example.com", "edge.example.com"))
	assert.True(t, p.Exists("acme.example.com"))
	require.NoError(t, p.Verify(ctx, "acme.example.com", "edge.example.com"))

	require.NoError(t, p.Delete(ctx, "acme.example.com"))
	assert.False(t, p.Exists("acme.example.com"))
	assert.ErrorIs(t, p.Verify(ctx, "acme.example.com", "edge.example.com"), ErrNotResolved)

	// Deleting an absent record still succeeds.
	require.NoError(t, p.Delete(ctx, "acme.example.com"))
}
