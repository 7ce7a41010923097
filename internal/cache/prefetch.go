package cache

import (
	"context"
	"log/slog"
	"sync"
)

// Prefetcher warms the PaperCache speculatively, without blocking the caller
// and without duplicating work. Prefetch failures are swallowed: a prefetch
// is best-effort by definition, so the caller never sees an error.
type Prefetcher struct {
	cache *PaperCache
	log   *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewPrefetcher creates a Prefetcher over the given cache.
func NewPrefetcher(c *PaperCache) *Prefetcher {
	return &Prefetcher{
		cache:    c,
		log:      slog.Default(),
		inflight: make(map[string]struct{}),
	}
}

// Prefetch warms the cache entry for id. It returns immediately: a memory
// hit or an already in-flight fetch for the same id makes it a no-op,
// otherwise the work completes asynchronously. The in-flight set holds at
// most one entry per id, which is what prevents duplicate network calls
// when hover and click events race on the same paper.
func (p *Prefetcher) Prefetch(ctx context.Context, id string) {
	if p.cache.hasInMemory(id) {
		return
	}

	p.mu.Lock()
	if _, ok := p.inflight[id]; ok {
		p.mu.Unlock()
		return
	}
	p.inflight[id] = struct{}{}
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.release(id)
		p.fetch(ctx, id)
	}()
}

func (p *Prefetcher) fetch(ctx context.Context, id string) {
	// A durable hit only needs promotion to memory.
	if p.cache.hydrateFromDurable(id) {
		return
	}
	if _, err := p.cache.fetchRemote(ctx, id); err != nil {
		p.log.Debug("prefetch failed", "id", id, "error", err)
	}
}

func (p *Prefetcher) release(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

// Wait blocks until all in-flight prefetches have settled.
func (p *Prefetcher) Wait() {
	p.wg.Wait()
}
