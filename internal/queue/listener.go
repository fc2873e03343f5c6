package queue

import (
	"context"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/meridianhealth/platform/internal/projection"
	"github.com/meridianhealth/platform/pkg/json"
)

// Notification is the decoded payload of one queue channel notification.
type Notification struct {
	ID               string `json:"id"`
	OrganizationSlug string `json:"organization_slug"`
}

// Listener subscribes to queue row inserts over Postgres LISTEN/NOTIFY.
// Delivery is best-effort; the worker pairs it with a periodic pending sweep.
type Listener struct {
	dsn string
	log *zap.Logger
	out chan Notification
}

// NewListener creates a listener. The listener holds its own dedicated
// connection, separate from the pool.
func NewListener(dsn string, log *zap.Logger) *Listener {
	return &Listener{
		dsn: dsn,
		log: log.With(zap.String("module", "queue_listener")),
		out: make(chan Notification, 64),
	}
}

// Notifications returns the channel of decoded queue notifications.
func (l *Listener) Notifications() <-chan Notification {
	return l.out
}

// Start opens the LISTEN connection and pumps notifications until the
// context is done.
func (l *Listener) Start(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, 10*time.Second, time.Minute, func(_ pq.ListenerEventType, err error) {
		if err != nil {
			l.log.Warn("queue listener connection event", zap.Error(err))
		}
	})
	if err := listener.Listen(projection.QueueChannel); err != nil {
		return err
	}

	go func() {
		defer close(l.out)
		for {
			select {
			case n := <-listener.Notify:
				if n == nil {
					// Connection re-established; the worker's pending sweep
					// covers anything missed during the gap.
					continue
				}
				var notification Notification
				if err := json.Unmarshal([]byte(n.Extra), &notification); err != nil {
					l.log.Error("malformed queue notification", zap.String("payload", n.Extra), zap.Error(err))
					continue
				}
				select {
				case l.out <- notification:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				if err := listener.UnlistenAll(); err != nil {
					l.log.Warn("queue listener unlisten failed", zap.Error(err))
				}
				if err := listener.Close(); err != nil {
					l.log.Warn("queue listener close failed", zap.Error(err))
				}
				return
			}
		}
	}()
	return nil
}
