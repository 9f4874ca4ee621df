// Package jobs holds background jobs started alongside the HTTP server.
//
// session_pruner.go deletes politician sessions that expired more than
// sessions.prune_after ago. Expired sessions already fail validation, so
// pruning only bounds table growth; verification rows are kept for audit and
// never pruned.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// SessionPruner is the store operation the pruner drives.
type SessionPruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ExpiredSessionPruner periodically prunes long-expired sessions.
type ExpiredSessionPruner struct {
	sessions   SessionPruner
	interval   time.Duration
	pruneAfter time.Duration
	stopChan   chan struct{}
	stopOnce   sync.Once
	started    atomic.Bool
	done       chan struct{}
}

// NewExpiredSessionPruner creates a pruner. A non-positive interval defaults
// to one hour and a non-positive pruneAfter to 30 days.
func NewExpiredSessionPruner(sessions SessionPruner, interval, pruneAfter time.Duration) *ExpiredSessionPruner {
	if interval <= 0 {
		interval = time.Hour
	}
	if pruneAfter <= 0 {
		pruneAfter = 30 * 24 * time.Hour
	}
	return &ExpiredSessionPruner{
		sessions:   sessions,
		interval:   interval,
		pruneAfter: pruneAfter,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs one prune immediately and then one per interval until ctx is
// cancelled or Stop is called. It blocks; run it in its own goroutine.
func (p *ExpiredSessionPruner) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("session pruner started", "interval", p.interval, "prune_after", p.pruneAfter)

	p.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-p.stopChan:
			slog.Info("session pruner stopped")
			return
		case <-ctx.Done():
			slog.Info("session pruner context cancelled")
			return
		}
	}
}

// Stop signals the loop to exit and, if it is running, waits for it.
func (p *ExpiredSessionPruner) Stop() {
	p.stopOnce.Do(func() { close(p.stopChan) })
	if p.started.Load() {
		<-p.done
	}
}

func (p *ExpiredSessionPruner) runOnce(ctx context.Context) {
	n, err := p.sessions.Prune(ctx, p.pruneAfter)
	if err != nil {
		slog.Error("session pruner: prune failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("session pruner: removed expired sessions", "count", n)
	}
}
