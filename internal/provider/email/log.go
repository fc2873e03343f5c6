package email

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LogProvider satisfies the email contract without sending anything. Used in
// development and in workflow tests. Sends with a repeated idempotency key
// return the original message id.
type LogProvider struct {
	log *zap.Logger

	mu   sync.Mutex
	sent map[string]string
}

// NewLogProvider creates a logging email stub.
func NewLogProvider(log *zap.Logger) *LogProvider {
	return &LogProvider{
		log:  log.With(zap.String("module", "email_stub")),
		sent: make(map[string]string),
	}
}

func (p *LogProvider) Send(_ context.Context, msg Message) (SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.IdempotencyKey != "" {
		if id, ok := p.sent[msg.IdempotencyKey]; ok {
			return SendResult{ProviderMessageID: id}, nil
		}
	}
	id := uuid.NewString()
	if msg.IdempotencyKey != "" {
		p.sent[msg.IdempotencyKey] = id
	}
	p.log.Info("email send",
		zap.String("to", msg.To), zap.String("subject", msg.Subject), zap.String("message_id", id))
	return SendResult{ProviderMessageID: id}, nil
}

// SentCount reports how many distinct messages were delivered. Test helper.
func (p *LogProvider) SentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}
