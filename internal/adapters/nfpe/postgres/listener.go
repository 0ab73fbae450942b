package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// PendingChannel is the NOTIFY channel fed by the trg_nfpe_pending trigger.
const PendingChannel = "nfpe_pending"

// PendingListener turns pg_notify messages on PendingChannel into document
// ids, so documents inserted by any process reach the local worker pool.
type PendingListener struct {
	dsn          string
	log          *slog.Logger
	minReconnect time.Duration
	maxReconnect time.Duration
	pingEvery    time.Duration
}

// NewPendingListener creates a listener for the given libpq connection string.
func NewPendingListener(dsn string, log *slog.Logger) *PendingListener {
	return &PendingListener{
		dsn:          dsn,
		log:          log.With("component", "pending_listener"),
		minReconnect: time.Second,
		maxReconnect: time.Minute,
		pingEvery:    90 * time.Second,
	}
}

// Run blocks until ctx is done, calling handle with the id carried by each
// notification. After a reconnect, handle is called with an empty id so the
// caller can sweep for notifications missed while disconnected.
func (l *PendingListener) Run(ctx context.Context, handle func(ctx context.Context, documentID string)) error {
	listener := pq.NewListener(l.dsn, l.minReconnect, l.maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
			l.log.Warn("listener connection problem", "event", ev, "error", err)
		case pq.ListenerEventReconnected:
			l.log.Info("listener reconnected")
		}
	})
	defer listener.Close()

	if err := listener.Listen(PendingChannel); err != nil {
		return fmt.Errorf("listen %s: %w", PendingChannel, err)
	}
	l.log.Info("listening for pending documents", "channel", PendingChannel)

	ticker := time.NewTicker(l.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-listener.Notify:
			if n == nil {
				// pq delivers nil after re-establishing the connection.
				handle(ctx, "")
				continue
			}
			handle(ctx, n.Extra)
		case <-ticker.C:
			if err := listener.Ping(); err != nil {
				l.log.Warn("listener ping failed", "error", err)
			}
		}
	}
}
