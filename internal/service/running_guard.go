package service

import (
	"context"
	"sync"
)

// ExportedRunningGuard is an exported alias so _test packages can test the guard.
type ExportedRunningGuard = runningGuard

// ─────────────────────────────────────────────────────────────
// runningGuard — prevents overlapping runs of the same task
// ─────────────────────────────────────────────────────────────

// runningGuard ensures only one instance of a named task (backfill,
// resync, stream) runs at a time.
type runningGuard struct {
	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// TryLock attempts to mark name as running. Returns true if successful.
// Returns false if the task is already running.
func (g *runningGuard) TryLock(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, ok := g.running[name]; ok {
		return false // already running
	}
	g.running[name] = struct{}{}
	g.wg.Add(1)
	return true
}

// Unlock marks the task as no longer running. Must be called after TryLock returns true.
func (g *runningGuard) Unlock(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, name)
	g.wg.Done()
}

// WaitAll blocks until all running tasks complete or ctx is cancelled.
func (g *runningGuard) WaitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
