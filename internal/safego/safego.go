// Package safego provides a panic-recovering goroutine launcher for background work.
package safego

import (
	"context"
	"log/slog"
	"time"
)

// Go launches fn in a new goroutine. If fn panics, the panic is recovered and
// logged rather than crashing the process. Use it for all fire-and-forget work
// (last-used stamps, email dispatch, audit shipping).
func Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("recovered panic in background goroutine", "panic", r)
			}
		}()
		fn()
	}()
}

// GoWithTimeout runs fn in a recovered goroutine with a context detached from
// the caller and bounded by timeout. The caller's cancellation does not abort fn.
func GoWithTimeout(timeout time.Duration, fn func(ctx context.Context)) {
	Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		fn(ctx)
	})
}
