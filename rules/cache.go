package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultFetchTimeout       = 30 * time.Second
	defaultRefreshConcurrency = 8
)

// CacheConfig holds capacity and freshness settings for a CacheManager.
type CacheConfig struct {
	// MaxSize bounds the number of cached rules. Zero means unbounded.
	MaxSize int

	// StaleAfter marks entries loaded longer ago than this as stale, so the
	// next EnsureFresh re-fetches them. Zero disables time-based staleness.
	StaleAfter time.Duration

	// FetchTimeout bounds a single shared fetch from the source.
	FetchTimeout time.Duration
}

// CacheUpdateFunc observes cache changes.
type CacheUpdateFunc func(ruleID string, kind ChangeKind)

// RefreshResult reports the outcome of RefreshCache. Every requested id
// appears either in Refreshed or in Errors.
type RefreshResult struct {
	Refreshed []string
	Errors    map[string]error
}

// CacheManager is the single writer of the MetadataStore. It loads rules
// from a RuleSource, compiles them, bounds the cache size and coordinates
// refreshes so that at most one fetch per rule id is in flight.
type CacheManager struct {
	source   RuleSource
	compiler Compiler
	store    *MetadataStore
	cfg      CacheConfig
	logger   zerolog.Logger
	metrics  *engineMetrics
	now      func() time.Time

	group    singleflight.Group
	insertMu sync.Mutex
	// writes counts direct writes (Upsert, Remove, Initialize) per id,
	// guarded by insertMu. A fetch that started before a write is dropped.
	writes map[string]uint64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
	refreshes atomic.Int64

	subsMu  sync.RWMutex
	subs    map[uint64]CacheUpdateFunc
	nextSub uint64
}

// NewCacheManager creates a cache manager over source.
func NewCacheManager(source RuleSource, compiler Compiler, cfg CacheConfig, logger zerolog.Logger) (*CacheManager, error) {
	if source == nil {
		return nil, configErr("rule source is required")
	}
	if compiler == nil {
		return nil, configErr("rule compiler is required")
	}
	if cfg.MaxSize < 0 {
		return nil, configErr("cache max size must not be negative, got %d", cfg.MaxSize)
	}
	if cfg.StaleAfter < 0 {
		return nil, configErr("stale-after must not be negative, got %s", cfg.StaleAfter)
	}
	if cfg.FetchTimeout < 0 {
		return nil, configErr("fetch timeout must not be negative, got %s", cfg.FetchTimeout)
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}

	return &CacheManager{
		source:   source,
		compiler: compiler,
		store:    NewMetadataStore(),
		cfg:      cfg,
		logger:   logger.With().Str("component", "cache").Logger(),
		now:      time.Now,
		writes:   make(map[string]uint64),
		subs:     make(map[uint64]CacheUpdateFunc),
	}, nil
}

// Store exposes the underlying metadata store for read-only use such as
// selector resolution.
func (c *CacheManager) Store() *MetadataStore {
	return c.store
}

// Initialize lists every rule from the source and populates the cache. Source
// errors are returned as-is. Rules that fail to compile are logged and
// skipped. Entries no longer present in the source are dropped.
func (c *CacheManager) Initialize(ctx context.Context) (int, error) {
	start := c.now()
	docs, err := c.source.ListAll(ctx)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(docs))
	loaded := 0
	for _, doc := range docs {
		id := doc.Metadata.ID
		seen[id] = struct{}{}
		prog, err := c.compiler.Compile(doc)
		if err != nil {
			c.logger.Warn().Err(err).Str("rule_id", id).Msg("skipping rule that failed to compile")
			continue
		}
		c.put(newCachedRule(doc, prog, c.now()))
		loaded++
	}

	for _, meta := range c.store.List() {
		if _, ok := seen[meta.ID]; !ok {
			c.insertMu.Lock()
			c.writes[meta.ID]++
			c.store.Remove(meta.ID)
			c.insertMu.Unlock()
		}
	}
	c.metrics.updateSize(c.store.Len())

	if c.cfg.MaxSize > 0 && loaded > c.cfg.MaxSize {
		c.logger.Warn().
			Int("listed", loaded).
			Int("max_size", c.cfg.MaxSize).
			Msg("source holds more rules than the cache capacity")
	}

	c.logger.Info().
		Int("rules", c.store.Len()).
		Dur("duration", c.now().Sub(start)).
		Msg("rule cache initialized")
	return loaded, nil
}

// EnsureFresh returns a present, fresh entry for id, fetching it from the
// source on a miss or when stale. Concurrent callers for the same id share a
// single fetch. If the fetch fails, a previously cached entry is kept and the
// error is returned.
func (c *CacheManager) EnsureFresh(ctx context.Context, id string) (*CachedRule, error) {
	if rule, ok := c.store.Get(id); ok && !c.isStale(rule) {
		c.hits.Add(1)
		c.metrics.recordHit()
		return rule, nil
	}
	c.misses.Add(1)
	c.metrics.recordMiss()

	return c.fetchShared(ctx, id)
}

// CheckVersions compares cached versions against a fresh source listing and
// returns, ordered by id, the cached ids whose source version differs. The
// cache is not modified.
func (c *CacheManager) CheckVersions(ctx context.Context) ([]string, error) {
	docs, err := c.source.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	remote := make(map[string]string, len(docs))
	for _, doc := range docs {
		remote[doc.Metadata.ID] = doc.Metadata.Version
	}

	var changed []string
	for _, meta := range c.store.List() {
		version, ok := remote[meta.ID]
		if ok && version != meta.Version {
			changed = append(changed, meta.ID)
		}
	}
	return changed, nil
}

// RefreshCache unconditionally re-fetches ids, or every cached id when none
// are given. Failures are collected per id and never stop the others.
func (c *CacheManager) RefreshCache(ctx context.Context, ids ...string) RefreshResult {
	if len(ids) == 0 {
		for _, meta := range c.store.List() {
			ids = append(ids, meta.ID)
		}
	}

	var (
		mu     sync.Mutex
		result = RefreshResult{Errors: make(map[string]error)}
	)
	g := new(errgroup.Group)
	g.SetLimit(defaultRefreshConcurrency)
	for _, id := range dedupe(ids) {
		g.Go(func() error {
			_, err := c.fetchShared(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[id] = err
			} else {
				result.Refreshed = append(result.Refreshed, id)
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.Refreshed)
	if len(result.Errors) > 0 {
		c.logger.Warn().
			Int("refreshed", len(result.Refreshed)).
			Int("failed", len(result.Errors)).
			Msg("cache refresh completed with errors")
	}
	return result
}

// Upsert compiles doc and stores it, notifying observers. It is the entry
// point for hot-reload updates and supersedes any fetch of the same id
// already in flight.
func (c *CacheManager) Upsert(doc RuleDocument) (ChangeKind, error) {
	prog, err := c.compiler.Compile(doc)
	if err != nil {
		return "", fmt.Errorf("compile rule %s: %w", doc.Metadata.ID, err)
	}
	kind := c.put(newCachedRule(doc, prog, c.now()))
	c.notify(doc.Metadata.ID, kind)
	return kind, nil
}

// Remove drops id from the cache and notifies observers if it was present.
// A fetch of id already in flight will not re-insert it.
func (c *CacheManager) Remove(id string) bool {
	c.insertMu.Lock()
	c.writes[id]++
	removed := c.store.Remove(id)
	size := c.store.Len()
	c.insertMu.Unlock()
	if !removed {
		return false
	}
	c.metrics.updateSize(size)
	c.notify(id, ChangeDeleted)
	return true
}

// OnUpdate registers fn for cache change notifications and returns a handle
// for RemoveOnUpdate.
func (c *CacheManager) OnUpdate(fn CacheUpdateFunc) uint64 {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.nextSub++
	c.subs[c.nextSub] = fn
	return c.nextSub
}

// RemoveOnUpdate unregisters a callback. It reports whether it was registered.
func (c *CacheManager) RemoveOnUpdate(handle uint64) bool {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if _, ok := c.subs[handle]; !ok {
		return false
	}
	delete(c.subs, handle)
	return true
}

// Stats returns current occupancy and counters.
func (c *CacheManager) Stats() CacheStats {
	return CacheStats{
		Size:      c.store.Len(),
		MaxSize:   c.cfg.MaxSize,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Refreshes: c.refreshes.Load(),
	}
}

func (c *CacheManager) isStale(rule *CachedRule) bool {
	return c.cfg.StaleAfter > 0 && c.now().Sub(rule.LoadedAt) > c.cfg.StaleAfter
}

// fetchShared joins or starts the single in-flight fetch for id. The fetch
// itself is detached from ctx so one caller giving up does not fail the
// others; ctx only bounds how long this caller waits.
func (c *CacheManager) fetchShared(ctx context.Context, id string) (*CachedRule, error) {
	ch := c.group.DoChan(id, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		return c.fetch(fetchCtx, id)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*CachedRule), nil
	}
}

func (c *CacheManager) fetch(ctx context.Context, id string) (*CachedRule, error) {
	start := c.now()
	gen := c.writeGeneration(id)
	doc, err := c.source.FetchOne(ctx, id)
	if err != nil {
		c.metrics.recordRefresh(err)
		c.logger.Warn().Err(err).Str("rule_id", id).Msg("rule fetch failed, keeping cached entry if any")
		return nil, err
	}
	if doc.Metadata.ID == "" {
		doc.Metadata.ID = id
	}

	prog, err := c.compiler.Compile(doc)
	if err != nil {
		err = sourceErr(ErrSourceBadResponse, "compile", id, err)
		c.metrics.recordRefresh(err)
		c.logger.Warn().Err(err).Str("rule_id", id).Msg("fetched rule failed to compile")
		return nil, err
	}

	rule := newCachedRule(doc, prog, c.now())
	kind, ok := c.write(rule, gen, true)
	if !ok {
		c.logger.Debug().Str("rule_id", id).Msg("discarding fetch superseded by a newer write")
		if current, found := c.store.Peek(id); found {
			return current, nil
		}
		return nil, sourceErr(ErrRuleNotFound, "fetch", id, nil)
	}
	c.refreshes.Add(1)
	c.metrics.recordRefresh(nil)

	c.logger.Debug().
		Str("rule_id", id).
		Str("version", rule.Metadata.Version).
		Dur("duration", c.now().Sub(start)).
		Msg("rule fetched")

	c.notify(id, kind)
	return rule, nil
}

func (c *CacheManager) writeGeneration(id string) uint64 {
	c.insertMu.Lock()
	defer c.insertMu.Unlock()
	return c.writes[id]
}

// put inserts or replaces rule as a direct write.
func (c *CacheManager) put(rule *CachedRule) ChangeKind {
	kind, _ := c.write(rule, 0, false)
	return kind
}

// write inserts or replaces rule, evicting least recently used entries first
// when a new id would exceed capacity. A fetched write carries the generation
// read before the fetch and is dropped if a direct write happened since.
func (c *CacheManager) write(rule *CachedRule, gen uint64, fetched bool) (ChangeKind, bool) {
	id := rule.Metadata.ID

	c.insertMu.Lock()
	if fetched && c.writes[id] != gen {
		c.insertMu.Unlock()
		return "", false
	}
	if !fetched {
		c.writes[id]++
	}
	if _, exists := c.store.Peek(id); !exists && c.cfg.MaxSize > 0 {
		for c.store.Len() >= c.cfg.MaxSize {
			victim, ok := c.store.leastRecentlyUsed(id)
			if !ok {
				break
			}
			if c.store.Remove(victim) {
				c.evictions.Add(1)
				c.metrics.recordEviction()
				c.logger.Debug().Str("rule_id", victim).Msg("evicted least recently used rule")
			}
		}
	}
	added := c.store.Put(id, rule)
	size := c.store.Len()
	c.insertMu.Unlock()

	c.metrics.updateSize(size)
	if added {
		return ChangeAdded, true
	}
	return ChangeModified, true
}

func (c *CacheManager) notify(id string, kind ChangeKind) {
	c.subsMu.RLock()
	handles := make([]uint64, 0, len(c.subs))
	for h := range c.subs {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
	fns := make([]CacheUpdateFunc, len(handles))
	for i, h := range handles {
		fns[i] = c.subs[h]
	}
	c.subsMu.RUnlock()

	for _, fn := range fns {
		c.invoke(fn, id, kind)
	}
}

func (c *CacheManager) invoke(fn CacheUpdateFunc, id string, kind ChangeKind) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("rule_id", id).
				Str("kind", string(kind)).
				Msg("cache update callback panicked")
		}
	}()
	fn(id, kind)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
