package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"triage-dispatcher/internal/logging"
	"triage-dispatcher/pkg"
)

// Notifier publishes clinician assignments over PostgreSQL LISTEN/NOTIFY.
// The dashboard process listens on the same channel and pushes the case to
// the clinician's screen.
type Notifier struct {
	DB      *sql.DB
	Channel string
	logger  *slog.Logger
}

// NewNotifier constructs a new Notifier.  The channel should match the
// NOTIFY_CHANNEL environment variable.
func NewNotifier(db *sql.DB, channel string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Notifier{DB: db, Channel: channel, logger: logger}
}

// Notify sends the assignment as a JSON payload.
func (n *Notifier) Notify(ctx context.Context, note pkg.Notification) error {
	payload, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	// pg_notify takes the channel as a value, so it needs no quoting
	if _, err := n.DB.ExecContext(ctx, `SELECT pg_notify($1, $2)`, n.Channel, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", n.Channel, err)
	}
	return nil
}

// Listen opens a dedicated listener connection on dsn and delivers decoded
// notifications until ctx is cancelled, then closes the channel.
func (n *Notifier) Listen(ctx context.Context, dsn string) (<-chan pkg.Notification, error) {
	listener := pq.NewListener(dsn, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			n.logger.Warn("notification listener event", "event", ev, "err", err)
		}
	})
	if err := listener.Listen(n.Channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", n.Channel, err)
	}

	out := make(chan pkg.Notification)
	go func() {
		defer func() {
			_ = listener.Close()
			close(out)
		}()
		ping := time.NewTicker(90 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				// detects a dead connection that did not report an error
				if err := listener.Ping(); err != nil {
					n.logger.Warn("notification listener ping failed", "err", err)
				}
			case ev := <-listener.Notify:
				if ev == nil {
					// reconnected; notifications sent meanwhile are lost
					continue
				}
				var note pkg.Notification
				if err := json.Unmarshal([]byte(ev.Extra), &note); err != nil {
					n.logger.Warn("dropping malformed notification", "payload", ev.Extra, "err", err)
					continue
				}
				select {
				case out <- note:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
