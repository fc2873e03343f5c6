// Package health manages liveness checks for the server and worker binaries.
package health

import (
	"context"
	"database/sql"
	"net/http"
	"sync"

	"github.com/meridianhealth/platform/pkg/json"
)

// Status represents the health status.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Check represents a single health check.
type Check interface {
	Check(ctx context.Context) error
	Name() string
}

// Checker manages health checks.
type Checker struct {
	checks []Check
	mu     sync.RWMutex
}

// NewChecker creates a new health checker.
func NewChecker() *Checker {
	return &Checker{checks: make([]Check, 0)}
}

// Register adds a new health check.
func (hc *Checker) Register(check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, check)
}

// Check performs all health checks.
func (hc *Checker) Check(ctx context.Context) map[string]error {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	results := make(map[string]error)
	for _, check := range hc.checks {
		results[check.Name()] = check.Check(ctx)
	}
	return results
}

// Handler serves the aggregated health status as JSON.
func (hc *Checker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := hc.Check(r.Context())
		overall := StatusUp
		detail := make(map[string]string, len(results))
		for name, err := range results {
			if err != nil {
				overall = StatusDown
				detail[name] = err.Error()
			} else {
				detail[name] = string(StatusUp)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if overall == StatusDown {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(map[string]interface{}{
			"status": overall,
			"checks": detail,
		}); err != nil {
			http.Error(w, "encode health response", http.StatusInternalServerError)
		}
	}
}

// DatabaseCheck checks database connectivity.
type DatabaseCheck struct {
	name string
	db   *sql.DB
}

// NewDatabaseCheck creates a database health check.
func NewDatabaseCheck(name string, db *sql.DB) *DatabaseCheck {
	return &DatabaseCheck{name: name, db: db}
}

func (d *DatabaseCheck) Check(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DatabaseCheck) Name() string {
	return d.name
}

// PingCheck wraps any Ping-style dependency as a health check.
type PingCheck struct {
	name string
	ping func(ctx context.Context) error
}

// NewPingCheck creates a health check from a ping function.
func NewPingCheck(name string, ping func(ctx context.Context) error) *PingCheck {
	return &PingCheck{name: name, ping: ping}
}

func (p *PingCheck) Check(ctx context.Context) error {
	return p.ping(ctx)
}

func (p *PingCheck) Name() string {
	return p.name
}
