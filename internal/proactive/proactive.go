// Package proactive runs the background timer that periodically
// announces agent liveness to connected clients over the broadcast
// bus.
package proactive

import (
	"context"
	"log/slog"
	"time"

	"github.com/skald-agent/skald/internal/config"
	"github.com/skald-agent/skald/internal/events"
	"github.com/skald-agent/skald/internal/session"
)

// Loop is the proactive announcement timer.
type Loop struct {
	mgr    *session.Manager
	cfg    *config.Store
	logger *slog.Logger
}

// New creates a proactive loop.
func New(mgr *session.Manager, cfg *config.Store, logger *slog.Logger) *Loop {
	return &Loop{mgr: mgr, cfg: cfg, logger: logger}
}

// Run ticks until ctx is cancelled. The interval is re-read from
// config on every tick, so a config change takes effect at the next
// rearm without restarting the loop. Ticks with no live sessions are
// skipped.
func (l *Loop) Run(ctx context.Context) {
	for {
		interval := time.Duration(l.cfg.Snapshot().ProactiveIntervalSecs) * time.Second
		if interval <= 0 {
			interval = time.Minute
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		l.tick()
	}
}

func (l *Loop) tick() {
	live := l.mgr.Live()
	l.logger.Debug("proactive loop tick", "live_sessions", len(live))
	if len(live) == 0 {
		return
	}

	l.mgr.Bus().Publish(events.Event{
		Name:      events.NameProactive,
		SessionID: live[0],
		Data: map[string]any{
			"message": "Proactive check: System operational.",
		},
	})
}
