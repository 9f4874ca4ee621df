package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakePruner struct {
	mu    sync.Mutex
	calls []time.Duration
	err   error
	n     int64
}

func (f *fakePruner) Prune(_ context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, olderThan)
	return f.n, f.err
}

func (f *fakePruner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewExpiredSessionPruner_Defaults(t *testing.T) {
	p := NewExpiredSessionPruner(&fakePruner{}, 0, -1)
	if p.interval != time.Hour {
		t.Errorf("interval = %v, want 1h", p.interval)
	}
	if p.pruneAfter != 30*24*time.Hour {
		t.Errorf("pruneAfter = %v, want 720h", p.pruneAfter)
	}
}

func TestExpiredSessionPruner_RunsImmediatelyAndOnTick(t *testing.T) {
	store := &fakePruner{n: 3}
	p := NewExpiredSessionPruner(store, 10*time.Millisecond, 48*time.Hour)

	go p.Start(context.Background())
	waitFor(t, func() bool { return store.count() >= 3 })
	p.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	for _, d := range store.calls {
		if d != 48*time.Hour {
			t.Errorf("Prune called with %v, want 48h", d)
		}
	}
}

func TestExpiredSessionPruner_ErrorsDoNotStopLoop(t *testing.T) {
	store := &fakePruner{err: errors.New("db down")}
	p := NewExpiredSessionPruner(store, 10*time.Millisecond, time.Hour)

	go p.Start(context.Background())
	waitFor(t, func() bool { return store.count() >= 2 })
	p.Stop()
}

func TestExpiredSessionPruner_ContextCancel(t *testing.T) {
	store := &fakePruner{}
	p := NewExpiredSessionPruner(store, time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	exited := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(exited)
	}()
	waitFor(t, func() bool { return store.count() == 1 })
	cancel()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}

func TestExpiredSessionPruner_StopWithoutStart(t *testing.T) {
	p := NewExpiredSessionPruner(&fakePruner{}, time.Hour, time.Hour)
	p.Stop()
	p.Stop()
}
