// Package contentcache keeps fetched content around for offline reading.
//
// The cache is bounded by entry count and by age. Entries live in a store
// collection keyed by id; an in-memory recency list, rebuilt from the store on
// first use, decides which entry goes when the cache is over capacity.
package contentcache

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline0/internal/logx"
	"offline0/internal/stats"
	"offline0/internal/store"
)

const (
	DefaultMaxEntries = 50
	DefaultTTL        = 24 * time.Hour
)

var ErrEmptyID = errors.New("contentcache: empty id")

// Entry is one cached piece of content. Timestamps are unix milliseconds.
type Entry[T any] struct {
	ID             string `json:"id"`
	Body           T      `json:"body"`
	CachedAt       int64  `json:"cachedAt"`
	LastAccessedAt int64  `json:"lastAccessedAt"`
}

// Item is an id/body pair for Preload.
type Item[T any] struct {
	ID   string
	Body T
}

type Stats struct {
	Count          int
	OldestEntryAge time.Duration
	NewestEntryAge time.Duration
	TotalBytes     int64
	// MostRecentID is the live entry with the latest access.
	MostRecentID string
}

// entryMeta decodes a stored entry without its body.
type entryMeta struct {
	ID             string `json:"id"`
	CachedAt       int64  `json:"cachedAt"`
	LastAccessedAt int64  `json:"lastAccessedAt"`
}

type Cache[T any] struct {
	coll       *store.Collection
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	log        *zap.Logger
	indexWarn  *logx.RateLimited
	stats      *stats.Collector

	mu     sync.Mutex
	index  *lru
	loaded bool
}

type Option func(*options)

type options struct {
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	log        *zap.Logger
	stats      *stats.Collector
	collection string
}

func WithMaxEntries(n int) Option { return func(o *options) { o.maxEntries = n } }

func WithTTL(d time.Duration) Option { return func(o *options) { o.ttl = d } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

func WithLogger(log *zap.Logger) Option { return func(o *options) { o.log = logx.OrNop(log) } }

func WithStats(s *stats.Collector) Option { return func(o *options) { o.stats = s } }

// WithCollection overrides the store collection, store.CollectionContentCache
// by default.
func WithCollection(name string) Option { return func(o *options) { o.collection = name } }

func New[T any](st *store.Store, opts ...Option) *Cache[T] {
	o := options{
		maxEntries: DefaultMaxEntries,
		ttl:        DefaultTTL,
		now:        time.Now,
		log:        zap.NewNop(),
		collection: store.CollectionContentCache,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.maxEntries <= 0 {
		o.maxEntries = DefaultMaxEntries
	}
	return &Cache[T]{
		coll:       st.Collection(o.collection),
		maxEntries: o.maxEntries,
		ttl:        o.ttl,
		now:        o.now,
		log:        o.log,
		indexWarn:  logx.NewRateLimited(o.log, time.Minute),
		stats:      o.stats,
		index:      newLRU(),
	}
}

func (c *Cache[T]) nowMs() int64 { return c.now().UnixMilli() }

func (c *Cache[T]) expired(cachedAt, now int64) bool {
	return now-cachedAt > c.ttl.Milliseconds()
}

// Put stores body under id, replacing any previous entry and restarting its
// age. It fails with a *store.SerializationError when body cannot be encoded
// and with a *store.StorageError when the store rejects the write.
func (c *Cache[T]) Put(ctx context.Context, id string, body T) error {
	if id == "" {
		return ErrEmptyID
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(ctx); err != nil {
		c.indexWarn.Warn("content cache index unavailable", zap.Error(err))
	}

	now := c.nowMs()
	e := Entry[T]{ID: id, Body: body, CachedAt: now, LastAccessedAt: c.nextAccessLocked(now, 0)}
	raw, err := json.Marshal(e)
	if err != nil {
		return &store.SerializationError{Collection: c.coll.Name(), Key: id, Err: err}
	}
	if err := c.coll.PutRaw(ctx, id, raw); err != nil {
		c.log.Error("failed to cache content", zap.String("id", id), zap.Error(err))
		return err
	}
	c.index.touch(id, e.CachedAt, e.LastAccessedAt, int64(len(raw)))
	c.evictOverflowLocked(ctx)
	return nil
}

// Get returns the entry for id and marks it accessed. Missing, expired and
// unreadable entries are reported as absent; expired ones are removed.
func (c *Cache[T]) Get(ctx context.Context, id string) (Entry[T], bool) {
	if id == "" {
		return Entry[T]{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(ctx); err != nil {
		c.indexWarn.Warn("content cache index unavailable", zap.Error(err))
	}

	e, ok, err := c.readLocked(ctx, id)
	if err != nil {
		c.stats.CacheRequest("error")
		c.log.Warn("failed to read cached content", zap.String("id", id), zap.Error(err))
		return Entry[T]{}, false
	}
	if !ok {
		c.index.delete(id)
		c.stats.CacheRequest("miss")
		return Entry[T]{}, false
	}

	now := c.nowMs()
	if c.expired(e.CachedAt, now) {
		c.removeLocked(ctx, id, "ttl")
		c.stats.CacheRequest("expired")
		return Entry[T]{}, false
	}

	e.LastAccessedAt = c.nextAccessLocked(now, e.LastAccessedAt)

	size := int64(0)
	if raw, err := json.Marshal(e); err == nil {
		size = int64(len(raw))
		if err := c.coll.PutRaw(ctx, id, raw); err != nil {
			c.log.Warn("failed to record content access", zap.String("id", id), zap.Error(err))
		}
	}
	c.index.touch(id, e.CachedAt, e.LastAccessedAt, size)
	c.evictOverflowLocked(ctx)
	c.stats.CacheRequest("hit")
	return e, true
}

// nextAccessLocked returns an access time after floor and after every access
// in the index, so stored access times never tie and a reload rebuilds the
// exact recency order.
func (c *Cache[T]) nextAccessLocked(now, floor int64) int64 {
	if c.index.head != nil && floor < c.index.head.lastAccess {
		floor = c.index.head.lastAccess
	}
	if now <= floor {
		return floor + 1
	}
	return now
}

// Has reports whether a live entry exists for id without marking it accessed.
func (c *Cache[T]) Has(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok, err := c.readLocked(ctx, id)
	if err != nil || !ok {
		return false
	}
	return !c.expired(e.CachedAt, c.nowMs())
}

// Remove deletes the entry for id and reports whether one was removed.
func (c *Cache[T]) Remove(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok, err := c.coll.GetRaw(ctx, id)
	if err != nil {
		c.log.Warn("failed to remove cached content", zap.String("id", id), zap.Error(err))
		return false
	}
	if !ok {
		c.index.delete(id)
		return false
	}
	return c.removeLocked(ctx, id, "explicit")
}

// Clear drops every entry.
func (c *Cache[T]) Clear(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.coll.Clear(ctx)
	if err != nil {
		c.log.Error("failed to clear content cache", zap.Error(err))
		c.loaded = false
		return false
	}
	c.index = newLRU()
	c.loaded = true
	c.log.Info("content cache cleared", zap.Int("removed", n))
	return true
}

// Stats summarizes live entries. It has no side effects on entries.
func (c *Cache[T]) Stats(ctx context.Context) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(ctx); err != nil {
		c.indexWarn.Warn("content cache index unavailable", zap.Error(err))
		return Stats{}
	}
	now := c.nowMs()
	var (
		st             Stats
		oldest, newest int64
	)
	c.index.each(func(it *item) bool {
		if c.expired(it.cachedAt, now) {
			return true
		}
		if st.Count == 0 {
			st.MostRecentID = it.id
		}
		if st.Count == 0 || it.cachedAt < oldest {
			oldest = it.cachedAt
		}
		if st.Count == 0 || it.cachedAt > newest {
			newest = it.cachedAt
		}
		st.Count++
		st.TotalBytes += it.size
		return true
	})
	if st.Count > 0 {
		st.OldestEntryAge = time.Duration(now-oldest) * time.Millisecond
		st.NewestEntryAge = time.Duration(now-newest) * time.Millisecond
	}
	return st
}

// Recent returns up to limit live entries, most recently accessed first,
// without marking them accessed.
func (c *Cache[T]) Recent(ctx context.Context, limit int) []Entry[T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.loadLocked(ctx); err != nil {
		c.indexWarn.Warn("content cache index unavailable", zap.Error(err))
		return nil
	}
	now := c.nowMs()
	var ids []string
	c.index.each(func(it *item) bool {
		if limit > 0 && len(ids) >= limit {
			return false
		}
		if !c.expired(it.cachedAt, now) {
			ids = append(ids, it.id)
		}
		return true
	})

	out := make([]Entry[T], 0, len(ids))
	for _, id := range ids {
		e, ok, err := c.readLocked(ctx, id)
		if err != nil || !ok {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Cleanup re-reads the store, drops expired entries, then evicts the least
// recently accessed until the cache is within capacity. It returns the
// number of entries removed.
func (c *Cache[T]) Cleanup(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loaded = false
	if err := c.loadLocked(ctx); err != nil {
		return 0, err
	}

	now := c.nowMs()
	var stale []string
	c.index.each(func(it *item) bool {
		if c.expired(it.cachedAt, now) {
			stale = append(stale, it.id)
		}
		return true
	})
	removed := 0
	for _, id := range stale {
		if c.removeLocked(ctx, id, "ttl") {
			removed++
		}
	}
	removed += c.evictOverflowLocked(ctx)
	if removed > 0 {
		c.log.Info("cleaned up cached content", zap.Int("removed", removed))
	}
	return removed, nil
}

// Preload caches every item and returns how many succeeded.
func (c *Cache[T]) Preload(ctx context.Context, items []Item[T]) int {
	n := 0
	for _, it := range items {
		if err := c.Put(ctx, it.ID, it.Body); err == nil {
			n++
		}
	}
	c.log.Info("preloaded content", zap.Int("cached", n), zap.Int("total", len(items)))
	return n
}

// Run cleans up once, then every interval until ctx is done.
func (c *Cache[T]) Run(ctx context.Context, every time.Duration) {
	if _, err := c.Cleanup(ctx); err != nil {
		c.log.Warn("content cache cleanup failed", zap.Error(err))
	}
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := c.Cleanup(ctx); err != nil {
				c.log.Warn("content cache cleanup failed", zap.Error(err))
			}
		}
	}
}

func (c *Cache[T]) readLocked(ctx context.Context, id string) (Entry[T], bool, error) {
	raw, ok, err := c.coll.GetRaw(ctx, id)
	if err != nil || !ok {
		return Entry[T]{}, false, err
	}
	var e Entry[T]
	if err := json.Unmarshal(raw, &e); err != nil {
		// Unreadable records are dropped rather than served.
		c.log.Warn("dropping unreadable cached content", zap.String("id", id), zap.Error(err))
		c.removeLocked(ctx, id, "corrupt")
		return Entry[T]{}, false, nil
	}
	return e, true, nil
}

func (c *Cache[T]) removeLocked(ctx context.Context, id, reason string) bool {
	if err := c.coll.Delete(ctx, id); err != nil {
		c.log.Warn("failed to delete cached content", zap.String("id", id), zap.Error(err))
		return false
	}
	c.index.delete(id)
	c.stats.Eviction(reason)
	return true
}

func (c *Cache[T]) evictOverflowLocked(ctx context.Context) int {
	n := 0
	for c.index.len() > c.maxEntries {
		it := c.index.oldest()
		if it == nil {
			break
		}
		if !c.removeLocked(ctx, it.id, "lru") {
			// Keep the in-memory bound even when the store refuses.
			c.index.delete(it.id)
		}
		n++
	}
	return n
}

func (c *Cache[T]) loadLocked(ctx context.Context) error {
	if c.loaded {
		return nil
	}
	var items []*item
	err := c.coll.Scan(ctx, func(key string, raw []byte) error {
		var m entryMeta
		if err := json.Unmarshal(raw, &m); err != nil {
			c.log.Warn("skipping unreadable cached content", zap.String("id", key), zap.Error(err))
			return nil
		}
		items = append(items, &item{id: key, cachedAt: m.CachedAt, lastAccess: m.LastAccessedAt, size: int64(len(raw))})
		return nil
	})
	if err != nil {
		return err
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.lastAccess != b.lastAccess {
			return a.lastAccess < b.lastAccess
		}
		if a.cachedAt != b.cachedAt {
			return a.cachedAt < b.cachedAt
		}
		return a.id < b.id
	})
	idx := newLRU()
	for _, it := range items {
		idx.touch(it.id, it.cachedAt, it.lastAccess, it.size)
	}
	c.index = idx
	c.loaded = true
	return nil
}
