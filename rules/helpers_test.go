package rules

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// memSource is an in-memory RuleSource with call counting and failure
// injection.
type memSource struct {
	mu         sync.Mutex
	docs       map[string]RuleDocument
	listErr    error
	fetchErr   map[string]error
	fetchDelay time.Duration

	listCalls  atomic.Int32
	fetchCalls atomic.Int32
}

func newMemSource(docs ...RuleDocument) *memSource {
	s := &memSource{
		docs:     make(map[string]RuleDocument),
		fetchErr: make(map[string]error),
	}
	for _, d := range docs {
		s.docs[d.Metadata.ID] = d
	}
	return s
}

func (s *memSource) ListAll(ctx context.Context) ([]RuleDocument, error) {
	s.listCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]RuleDocument, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.ID < out[j].Metadata.ID })
	return out, nil
}

func (s *memSource) FetchOne(ctx context.Context, id string) (RuleDocument, error) {
	s.fetchCalls.Add(1)
	if s.fetchDelay > 0 {
		select {
		case <-time.After(s.fetchDelay):
		case <-ctx.Done():
			return RuleDocument{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fetchErr[id]; err != nil {
		return RuleDocument{}, err
	}
	d, ok := s.docs[id]
	if !ok {
		return RuleDocument{}, sourceErr(ErrRuleNotFound, "fetch", id, nil)
	}
	return d, nil
}

func (s *memSource) set(d RuleDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[d.Metadata.ID] = d
}

func (s *memSource) failFetch(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchErr[id] = err
}

// ruleDoc builds a document whose definition always outputs {"rule": id}.
func ruleDoc(id, version string, tags ...string) RuleDocument {
	def := Definition{
		Decisions: []Decision{{When: "true", Then: map[string]string{"rule": `"` + id + `"`}}},
	}
	content, _ := json.Marshal(def)
	return RuleDocument{
		Metadata: RuleMetadata{ID: id, Version: version, Tags: normalizeTags(tags)},
		Content:  content,
	}
}

// withDeps returns a copy of doc depending on deps.
func withDeps(doc RuleDocument, deps ...string) RuleDocument {
	doc.Metadata.DependsOn = deps
	return doc
}

func definitionJSON(t *testing.T, def Definition) []byte {
	t.Helper()
	data, err := json.Marshal(def)
	require.NoError(t, err)
	return data
}

// stubCompiler compiles every document to the program returned by fn.
func stubCompiler(fn func(doc RuleDocument) ProgramFunc) Compiler {
	return CompilerFunc(func(doc RuleDocument) (Program, error) {
		return fn(doc), nil
	})
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestCache(t *testing.T, src RuleSource, cfg CacheConfig) *CacheManager {
	t.Helper()
	compiler, err := NewCELCompiler()
	require.NoError(t, err)
	c, err := NewCacheManager(src, compiler, cfg, testLogger())
	require.NoError(t, err)
	return c
}

func boolPtr(b bool) *bool { return &b }
