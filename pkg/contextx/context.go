// Package contextx provides typed context helpers shared across the platform.
package contextx

import (
	"context"

	"go.uber.org/zap"

	"github.com/meridianhealth/platform/internal/identity"
)

// Key types (unexported).
type (
	claimsKeyType    struct{}
	loggerKeyType    struct{}
	requestIDKeyType struct{}
)

var (
	claimsKey    = claimsKeyType{}
	loggerKey    = loggerKeyType{}
	requestIDKey = requestIDKeyType{}
)

// Claims helpers.
func WithClaims(ctx context.Context, c *identity.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func Claims(ctx context.Context) *identity.Claims {
	if c, ok := ctx.Value(claimsKey).(*identity.Claims); ok {
		return c
	}
	return nil
}

// Logger helpers.
func WithLogger(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

func Logger(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return l
	}
	return zap.NewNop()
}

// Request ID helpers.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}
