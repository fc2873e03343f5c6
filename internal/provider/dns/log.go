package dns

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LogProvider satisfies the DNS contract without touching any vendor. Used
// in development and in workflow tests.
type LogProvider struct {
	log *zap.Logger

	mu      sync.Mutex
	records map[string]string
}

// NewLogProvider creates a logging DNS stub.
func NewLogProvider(log *zap.Logger) *LogProvider {
	return &LogProvider{
		log:     log.With(zap.String("module", "dns_stub")),
		records: make(map[string]string),
	}
}

func (p *LogProvider) CreateCNAME(_ context.Context, host, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[host] = target
	p.log.Info("dns create", zap.String("host", host), zap.String("target", target))
	return nil
}

func (p *LogProvider) Verify(_ context.Context, host, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.records[host] == target {
		return nil
	}
	return ErrNotResolved
}

func (p *LogProvider) Delete(_ context.Context, host string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, host)
	p.log.Info("dns delete", zap.String("host", host))
	return nil
}

// Exists reports whether a record exists for host. Test helper.
func (p *LogProvider) Exists(host string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.records[host]
	return ok
}
