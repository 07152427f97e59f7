package rules

import (
	"sort"
	"sync"
	"sync/atomic"
)

// MetadataStore holds cached rules keyed by id. It performs no I/O.
//
// Reads never wait on writers: entries live in a sync.Map and are immutable,
// so a put for one id does not block lookups of another. Writes go through
// CacheManager, which serializes writes per id.
type MetadataStore struct {
	entries sync.Map // id -> *CachedRule
	count   atomic.Int64
	clock   atomic.Int64 // logical access clock for LRU ordering
}

// NewMetadataStore creates an empty store.
func NewMetadataStore() *MetadataStore {
	return &MetadataStore{}
}

// Get returns the cached rule for id and marks it as accessed.
func (s *MetadataStore) Get(id string) (*CachedRule, bool) {
	v, ok := s.entries.Load(id)
	if !ok {
		return nil, false
	}
	rule := v.(*CachedRule)
	s.touch(rule)
	return rule, true
}

// Peek returns the cached rule without updating its access tick.
func (s *MetadataStore) Peek(id string) (*CachedRule, bool) {
	v, ok := s.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*CachedRule), true
}

// Put stores rule under id, replacing any previous entry wholesale.
// It reports whether the id was new.
func (s *MetadataStore) Put(id string, rule *CachedRule) bool {
	s.touch(rule)
	_, loaded := s.entries.Swap(id, rule)
	if !loaded {
		s.count.Add(1)
	}
	return !loaded
}

// Remove deletes id and reports whether it was present.
func (s *MetadataStore) Remove(id string) bool {
	if _, loaded := s.entries.LoadAndDelete(id); loaded {
		s.count.Add(-1)
		return true
	}
	return false
}

// Len returns the number of cached rules.
func (s *MetadataStore) Len() int {
	return int(s.count.Load())
}

// List returns metadata of all rules ordered by id.
func (s *MetadataStore) List() []RuleMetadata {
	rules := s.snapshot()
	out := make([]RuleMetadata, len(rules))
	for i, r := range rules {
		out[i] = r.Metadata
	}
	return out
}

// ListByTags returns ids, ordered by id, of rules carrying at least one of tags.
func (s *MetadataStore) ListByTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	var ids []string
	for _, r := range s.snapshot() {
		if r.Metadata.HasAnyTag(tags) {
			ids = append(ids, r.Metadata.ID)
		}
	}
	return ids
}

// leastRecentlyUsed returns the id with the oldest access tick, skipping exclude.
func (s *MetadataStore) leastRecentlyUsed(exclude string) (string, bool) {
	var (
		victim string
		oldest int64
		found  bool
	)
	s.entries.Range(func(k, v any) bool {
		id := k.(string)
		if id == exclude {
			return true
		}
		tick := v.(*CachedRule).LastAccess()
		if !found || tick < oldest {
			victim, oldest, found = id, tick, true
		}
		return true
	})
	return victim, found
}

func (s *MetadataStore) snapshot() []*CachedRule {
	var rules []*CachedRule
	s.entries.Range(func(_, v any) bool {
		rules = append(rules, v.(*CachedRule))
		return true
	})
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Metadata.ID < rules[j].Metadata.ID
	})
	return rules
}

func (s *MetadataStore) touch(rule *CachedRule) {
	rule.lastAccess.Store(s.clock.Add(1))
}
