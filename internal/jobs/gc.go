package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// GC tracks job IDs created by this process and periodically sweeps
// terminal records past their TTL, both as a belt-and-suspenders cleanup
// alongside the KVStore's own per-key expiry (Redis TTL / in-memory
// expiry); TrackedCount reports how many IDs are tracked, and no metrics
// gauge reads it. Grounded on
// infrastructure/middleware/ratelimit.go's StartCleanup ticker, replacing
// the raw time.Ticker with robfig/cron/v3 so the sweep cadence is a
// config-readable cron expression instead of a hardcoded interval.
type GC struct {
	registry *Registry

	mu      sync.Mutex
	tracked map[string]struct{}

	cron *cron.Cron
}

// NewGC wraps registry. Call Track after each Create so the sweep knows
// which IDs to check.
func NewGC(registry *Registry) *GC {
	return &GC{registry: registry, tracked: make(map[string]struct{})}
}

// Track records id as created by this process, to be swept later.
func (g *GC) Track(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tracked[id] = struct{}{}
}

// Start schedules Sweep on spec (a standard 5-field cron expression, e.g.
// "*/5 * * * *" for every five minutes) and returns a stop function.
func (g *GC) Start(spec string) (stop func(), err error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { g.Sweep(context.Background()) }); err != nil {
		return nil, err
	}
	c.Start()
	g.cron = c
	return func() { <-c.Stop().Done() }, nil
}

// Sweep checks every tracked ID: IDs whose record has already expired out
// of the KVStore (ErrNotFound) are dropped from the tracking set; IDs
// whose record is terminal and stale are explicitly deleted.
func (g *GC) Sweep(ctx context.Context) (swept int) {
	g.mu.Lock()
	ids := make([]string, 0, len(g.tracked))
	for id := range g.tracked {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		job, err := g.registry.Get(ctx, id)
		if err != nil {
			g.untrack(id)
			swept++
			continue
		}
		if job.State.terminal() && job.CompletedAt != nil && time.Since(*job.CompletedAt) > g.registry.ttl {
			_ = g.registry.Delete(ctx, id)
			g.untrack(id)
			swept++
		}
	}
	return swept
}

func (g *GC) untrack(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tracked, id)
}

// TrackedCount reports how many job IDs are currently tracked, for tests
// and metrics.
func (g *GC) TrackedCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tracked)
}
