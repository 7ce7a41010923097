// Package cache owns the client-side view of exam papers: an in-memory
// listing, a map of fully hydrated paper details, and a durable mirror of
// both with a bounded number of detail entries.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/shenlunapp/shenlun-cli/internal/analytics"
	"github.com/shenlunapp/shenlun-cli/internal/model"
	"github.com/shenlunapp/shenlun-cli/internal/store"
)

const (
	listKey         = "list"
	detailKeyPrefix = "detail:"

	// DefaultMaxDetailEntries caps the number of durably mirrored paper
	// details. The in-memory map is uncapped; it is bounded naturally by
	// session length.
	DefaultMaxDetailEntries = 30
)

// Gateway is the remote side of the cache.
type Gateway interface {
	ListPapers(ctx context.Context) ([]model.PaperSummary, error)
	GetPaper(ctx context.Context, id string) (*model.PaperDetail, error)
}

// Options configures a PaperCache.
type Options struct {
	// MaxDetailEntries overrides DefaultMaxDetailEntries when positive.
	MaxDetailEntries int
	// OnListingUpdate fires after a background refresh replaced the listing.
	OnListingUpdate func([]model.PaperSummary)
	// OnListingError fires when a background refresh failed. The previous
	// listing is left untouched.
	OnListingError func(error)
	Tracker        analytics.Tracker
}

// PaperCache is the single source of truth for paper summaries and details.
type PaperCache struct {
	gw      Gateway
	kv      store.KV
	tracker analytics.Tracker
	log     *slog.Logger

	onListingUpdate func([]model.PaperSummary)
	onListingError  func(error)
	maxEntries      int

	flights singleflight.Group

	mu            sync.Mutex
	listing       []model.PaperSummary
	listingLoaded bool
	refreshing    bool
	details       map[string]*model.PaperDetail
	access        map[string]uint64 // per-id last-access clock for eviction
	clock         uint64
}

// New creates a PaperCache over the given gateway and durable store.
func New(gw Gateway, kv store.KV, opts Options) *PaperCache {
	max := opts.MaxDetailEntries
	if max <= 0 {
		max = DefaultMaxDetailEntries
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = analytics.Nop{}
	}
	return &PaperCache{
		gw:              gw,
		kv:              kv,
		tracker:         tracker,
		log:             slog.Default(),
		onListingUpdate: opts.OnListingUpdate,
		onListingError:  opts.OnListingError,
		maxEntries:      max,
		details:         make(map[string]*model.PaperDetail),
		access:          make(map[string]uint64),
	}
}

// Listing returns the best currently known listing, possibly stale or empty,
// and triggers a background refresh from the gateway. At most one refresh is
// in flight at a time; refresh outcomes are delivered through the
// OnListingUpdate / OnListingError callbacks.
func (c *PaperCache) Listing(ctx context.Context) []model.PaperSummary {
	c.mu.Lock()
	if !c.listingLoaded {
		c.listingLoaded = true
		c.listing = c.loadDurableListing()
	}
	snapshot := make([]model.PaperSummary, len(c.listing))
	copy(snapshot, c.listing)

	start := !c.refreshing
	if start {
		c.refreshing = true
	}
	c.mu.Unlock()

	if start {
		go c.refreshListing(ctx)
	}
	return snapshot
}

// loadDurableListing hydrates the listing from the durable mirror.
// Called with c.mu held.
func (c *PaperCache) loadDurableListing() []model.PaperSummary {
	data, ok, err := c.kv.Get(listKey)
	if err != nil {
		c.log.Warn("read cached listing", "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var papers []model.PaperSummary
	if err := json.Unmarshal(data, &papers); err != nil {
		c.log.Warn("decode cached listing", "error", err)
		return nil
	}
	return papers
}

func (c *PaperCache) refreshListing(ctx context.Context) {
	papers, err := c.gw.ListPapers(ctx)

	c.mu.Lock()
	c.refreshing = false
	if err == nil {
		c.listing = papers
		if data, merr := json.Marshal(papers); merr != nil {
			c.log.Warn("encode listing", "error", merr)
		} else if serr := c.kv.Set(listKey, data); serr != nil {
			c.log.Warn("persist listing", "error", serr)
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.log.Warn("listing refresh failed", "error", err)
		if c.onListingError != nil {
			c.onListingError(err)
		}
		return
	}
	c.tracker.Event("list_refresh", map[string]any{"count": len(papers)})
	if c.onListingUpdate != nil {
		c.onListingUpdate(papers)
	}
}

// GetDetail returns the full detail for one paper, checking memory, the
// durable mirror, and the network, in that order. A hit at any tier
// populates the faster tiers; a miss performs exactly one network fetch
// even under concurrent callers for the same id.
func (c *PaperCache) GetDetail(ctx context.Context, id string) (*model.PaperDetail, error) {
	c.mu.Lock()
	if d, ok := c.details[id]; ok {
		c.touch(id)
		c.mu.Unlock()
		return d, nil
	}
	if d := c.loadDurableDetail(id); d != nil {
		c.details[id] = d
		c.touch(id)
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	return c.fetchRemote(ctx, id)
}

// fetchRemote fetches a detail from the gateway, deduplicating concurrent
// fetches for the same id, and write-through populates both tiers.
func (c *PaperCache) fetchRemote(ctx context.Context, id string) (*model.PaperDetail, error) {
	v, err, _ := c.flights.Do(id, func() (any, error) {
		d, err := c.gw.GetPaper(ctx, id)
		if err != nil {
			return nil, err
		}
		c.Prime(id, d)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.PaperDetail), nil
}

// loadDurableDetail reads a detail from the durable mirror, or nil on miss.
// Corrupt entries are treated as misses. Called with c.mu held.
func (c *PaperCache) loadDurableDetail(id string) *model.PaperDetail {
	data, ok, err := c.kv.Get(detailKeyPrefix + id)
	if err != nil {
		c.log.Warn("read cached detail", "id", id, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var d model.PaperDetail
	if err := json.Unmarshal(data, &d); err != nil {
		c.log.Warn("decode cached detail", "id", id, "error", err)
		return nil
	}
	return &d
}

// Prime write-through inserts a detail into both tiers and evicts durable
// entries beyond the cap.
func (c *PaperCache) Prime(id string, detail *model.PaperDetail) {
	data, err := json.Marshal(detail)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.details[id] = detail
	c.touch(id)
	if err != nil {
		c.log.Warn("encode detail", "id", id, "error", err)
		return
	}
	if err := c.kv.Set(detailKeyPrefix+id, data); err != nil {
		c.log.Warn("persist detail", "id", id, "error", err)
		return
	}
	c.evict()
}

// hasInMemory reports whether a detail is already hydrated in memory.
func (c *PaperCache) hasInMemory(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.details[id]
	return ok
}

// hydrateFromDurable promotes a durable entry into memory, reporting
// whether one was found.
func (c *PaperCache) hydrateFromDurable(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.details[id]; ok {
		return true
	}
	d := c.loadDurableDetail(id)
	if d == nil {
		return false
	}
	c.details[id] = d
	c.touch(id)
	return true
}

// touch advances the last-access clock for id. Called with c.mu held.
func (c *PaperCache) touch(id string) {
	c.clock++
	c.access[id] = c.clock
}

// evict removes durable detail entries until the cap is respected, least
// recently used first. Entries with no recorded access this session count
// as oldest; ties fall back to ascending key order, so leftovers from
// earlier sessions go first. The listing and history keys are never
// touched. Called with c.mu held.
func (c *PaperCache) evict() {
	keys, err := c.kv.Keys(detailKeyPrefix)
	if err != nil {
		c.log.Warn("list cached details", "error", err)
		return
	}
	for len(keys) > c.maxEntries {
		victim := -1
		var victimSeq uint64
		for i, k := range keys {
			seq := c.access[strings.TrimPrefix(k, detailKeyPrefix)]
			if victim == -1 || seq < victimSeq {
				victim = i
				victimSeq = seq
			}
		}
		key := keys[victim]
		if err := c.kv.Delete(key); err != nil {
			c.log.Warn("evict cached detail", "key", key, "error", err)
			return
		}
		c.log.Debug("evicted cached detail", "key", key)
		delete(c.access, strings.TrimPrefix(key, detailKeyPrefix))
		keys = append(keys[:victim], keys[victim+1:]...)
	}
}
