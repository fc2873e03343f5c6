package email

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLogProviderDeduplicatesByIdempotencyKey(t *testing.T) {
	p := NewLogProvider(zaptest.NewLogger(t))
	ctx := context.Background()

	msg := Message{
		To:             "admin@meridian.example",
		From:           "noreply@platform.example",
		Subject:        "You have been invited",
		HTML:           "<p>Join us</p>",
		IdempotencyKey: "invite-1",
	}

	first, err := p.Send(ctx, msg)
	require.NoError(t, err)
	require.NotEmpty(t, first.ProviderMessageID)

	second, err := p.Send(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, first.ProviderMessageID, second.ProviderMessageID,
		"repeated key returns the original message id")
	assert.Equal(t, 1, p.SentCount())
}

func TestLogProviderDistinctKeysGetDistinctIDs(t *testing.T) {
	p := NewLogProvider(zaptest.NewLogger(t))
	ctx := context.Background()

	a, err := p.Send(ctx, Message{To: "a@example.com", IdempotencyKey: "invite-a"})
	require.NoError(t, err)
	b, err := p.Send(ctx, Message{To: "b@example.com", IdempotencyKey: "invite-b"})
	require.NoError(t, err)

	assert.NotEqual(t, a.ProviderMessageID, b.ProviderMessageID)
	assert.Equal(t, 2, p.SentCount())
}
