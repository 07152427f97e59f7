package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/rulecache/projects"
	"github.com/liamcoop/rulecache/rules"
)

const (
	discountRule = `{"name": "Discount", "tags": ["pricing"], "default": {"discount": "input.total > 100.0 ? 0.1 : 0.0"}}`
	feeRule      = `{
		"tags": ["shipping"],
		"decisions": [{"when": "input.weight > 10.0", "then": {"fee": "12.5"}}],
		"default": {"fee": "4.0"}
	}`
)

// memorySource is a writable in-memory rule source.
type memorySource struct {
	mu      sync.Mutex
	docs    map[string]rules.RuleDocument
	version int
}

func newMemorySource() *memorySource {
	return &memorySource{docs: map[string]rules.RuleDocument{}}
}

func (m *memorySource) ListAll(ctx context.Context) ([]rules.RuleDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rules.RuleDocument, 0, len(m.docs))
	for _, doc := range m.docs {
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metadata.ID < out[j].Metadata.ID })
	return out, nil
}

func (m *memorySource) FetchOne(ctx context.Context, id string) (rules.RuleDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return rules.RuleDocument{}, fmt.Errorf("%w: %s", rules.ErrRuleNotFound, id)
	}
	return doc, nil
}

func (m *memorySource) Save(ctx context.Context, doc rules.RuleDocument) (rules.RuleMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version++
	if doc.Metadata.Version == "" {
		doc.Metadata.Version = fmt.Sprintf("v%d", m.version)
	}
	m.docs[doc.Metadata.ID] = doc
	return doc.Metadata, nil
}

func (m *memorySource) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return fmt.Errorf("%w: %s", rules.ErrRuleNotFound, id)
	}
	delete(m.docs, id)
	return nil
}

type testEnv struct {
	server   *Server
	manager  *projects.Manager
	dir      string
	memory   *memorySource
	registry *prometheus.Registry
}

// newTestEnv serves two projects: "acme" backed by a rules directory and
// "globex" backed by a writable in-memory source.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	for rel, content := range map[string]string{
		"pricing/discount.json": discountRule,
		"shipping/fee.json":     feeRule,
	} {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	registry := prometheus.NewRegistry()
	manager := projects.NewManager(zerolog.Nop())
	t.Cleanup(func() { _ = manager.Close() })

	local, err := rules.NewLocalSource(dir, zerolog.Nop())
	require.NoError(t, err)
	_, err = manager.Create(ctx, "acme", rules.Options{Source: local, Registerer: registry, Logger: zerolog.Nop()})
	require.NoError(t, err)

	memory := newMemorySource()
	_, err = memory.Save(ctx, rules.RuleDocument{
		Metadata: rules.RuleMetadata{ID: "discount", Tags: []string{"pricing"}},
		Content:  []byte(discountRule),
	})
	require.NoError(t, err)
	_, err = manager.Create(ctx, "globex", rules.Options{Source: memory, Logger: zerolog.Nop()})
	require.NoError(t, err)

	return &testEnv{
		server:   NewServer(manager, nil, registry, 0, zerolog.Nop()),
		manager:  manager,
		dir:      dir,
		memory:   memory,
		registry: registry,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if body != nil {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req = httptest.NewRequest(method, path, &buf)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, 2.0, body["projectsLoaded"])
	assert.Equal(t, rules.Version, body["version"])
}

func TestListProjectsAndStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/projects/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ProjectsListResponse](t, rec)
	require.Len(t, list.Projects, 2)
	assert.Equal(t, "acme", list.Projects[0].ProjectID)
	assert.Equal(t, "globex", list.Projects[1].ProjectID)

	rec = env.do(t, http.MethodGet, "/api/v1/projects/acme/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[rules.Status](t, rec)
	assert.True(t, status.Initialized)
	assert.Equal(t, 2, status.RulesLoaded)

	rec = env.do(t, http.MethodGet, "/api/v1/projects/missing/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "project not found", decode[ErrorResponse](t, rec).Error)
}

func TestRules(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/projects/acme/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[RulesListResponse](t, rec)
	require.Len(t, list.Rules, 2)
	assert.Equal(t, "pricing/discount", list.Rules[0].ID)
	assert.Equal(t, "shipping/fee", list.Rules[1].ID)

	t.Run("nested id", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/projects/acme/rules/pricing/discount", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		meta := decode[rules.RuleMetadata](t, rec)
		assert.Equal(t, "Discount", meta.Name)
		assert.Equal(t, []string{"pricing"}, meta.Tags)
	})

	t.Run("escaped id", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/projects/acme/rules/shipping%2Ffee", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "shipping/fee", decode[rules.RuleMetadata](t, rec).ID)
	})

	t.Run("missing", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/v1/projects/acme/rules/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestExecute(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/projects/acme/execute", ExecuteRequest{
		Selector: rules.RuleSelector{Tags: []string{"pricing", "shipping"}},
		Input:    map[string]any{"total": 250.0, "weight": 12.0},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ExecuteResponse](t, rec)
	assert.Equal(t, 0.1, resp.Results["pricing/discount"]["discount"])
	assert.Equal(t, 12.5, resp.Results["shipping/fee"]["fee"])
	assert.Empty(t, resp.Errors)

	t.Run("partial failure", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/projects/acme/execute", ExecuteRequest{
			Selector: rules.RuleSelector{IDs: []string{"pricing/discount", "shipping/fee"}},
			Input:    map[string]any{"total": 50.0},
		})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[ExecuteResponse](t, rec)
		assert.Equal(t, 0.0, resp.Results["pricing/discount"]["discount"])
		assert.Contains(t, resp.Errors, "shipping/fee")
	})

	t.Run("stop on error", func(t *testing.T) {
		stop := false
		rec := env.do(t, http.MethodPost, "/api/v1/projects/acme/execute", ExecuteRequest{
			Selector: rules.RuleSelector{IDs: []string{"shipping/fee"}},
			Input:    map[string]any{},
			Options:  ExecutionOptions{ContinueOnError: &stop},
		})
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		resp := decode[ExecuteResponse](t, rec)
		assert.NotEmpty(t, resp.Error)
		assert.Contains(t, resp.Errors, "shipping/fee")
	})

	t.Run("empty selector", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/projects/acme/execute", ExecuteRequest{
			Input: map[string]any{"total": 1.0},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/projects/acme/execute", bytes.NewBufferString("{"))
		rec := httptest.NewRecorder()
		env.server.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid request body", decode[ErrorResponse](t, rec).Error)
	})
}

func TestExecuteOne(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/projects/acme/execute/one", ExecuteOneRequest{
		RuleID: "shipping/fee",
		Input:  map[string]any{"weight": 3.0},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ExecuteOneResponse](t, rec)
	assert.Equal(t, "shipping/fee", resp.RuleID)
	assert.Equal(t, 4.0, resp.Output["fee"])

	tests := []struct {
		name string
		req  ExecuteOneRequest
		want int
	}{
		{"missing id", ExecuteOneRequest{Input: map[string]any{}}, http.StatusBadRequest},
		{"unknown rule", ExecuteOneRequest{RuleID: "nope", Input: map[string]any{}}, http.StatusNotFound},
		{"evaluation failure", ExecuteOneRequest{RuleID: "shipping/fee", Input: map[string]any{}}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/projects/acme/execute/one", tt.req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestExecuteBatch(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/projects/acme/execute/batch", BatchRequest{
		Selector: rules.RuleSelector{IDs: []string{"shipping/fee"}},
		Inputs: []map[string]any{
			{"weight": 20.0},
			{},
			{"weight": 1.0},
		},
		Options: ExecutionOptions{ConcurrencyLimit: 2},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[BatchResponse](t, rec)
	assert.Equal(t, 3, resp.BatchSize)
	assert.Equal(t, 2, resp.Succeeded)
	require.Len(t, resp.Results, 3)
	for i, res := range resp.Results {
		assert.Equal(t, i, res.InputIndex)
	}
	assert.Equal(t, 12.5, resp.Results[0].Results["shipping/fee"]["fee"])
	assert.Equal(t, rules.StatusFailed, resp.Results[1].Status)
	assert.Equal(t, 4.0, resp.Results[2].Results["shipping/fee"]["fee"])

	t.Run("no inputs", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/projects/acme/execute/batch", BatchRequest{
			Selector: rules.RuleSelector{IDs: []string{"shipping/fee"}},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid mode", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/projects/acme/execute/batch", BatchRequest{
			Selector: rules.RuleSelector{IDs: []string{"shipping/fee"}, Mode: "sideways"},
			Inputs:   []map[string]any{{"weight": 1.0}},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestCacheEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/projects/acme/cache/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[rules.CacheStats](t, rec)
	assert.Equal(t, 2, stats.Size)

	rec = env.do(t, http.MethodGet, "/api/v1/projects/acme/cache/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[VersionsResponse](t, rec).Changed)

	path := filepath.Join(env.dir, "shipping", "fee.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"default": {"fee": "9.0"}}`), 0o644))

	rec = env.do(t, http.MethodGet, "/api/v1/projects/acme/cache/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"shipping/fee"}, decode[VersionsResponse](t, rec).Changed)

	rec = env.do(t, http.MethodPost, "/api/v1/projects/acme/cache/refresh", RefreshRequest{IDs: []string{"shipping/fee", "ghost"}})
	require.Equal(t, http.StatusOK, rec.Code)
	refresh := decode[RefreshResponse](t, rec)
	assert.Equal(t, []string{"shipping/fee"}, refresh.Refreshed)
	assert.Contains(t, refresh.Errors, "ghost")

	rec = env.do(t, http.MethodPost, "/api/v1/projects/acme/execute/one", ExecuteOneRequest{RuleID: "shipping/fee", Input: map[string]any{}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 9.0, decode[ExecuteOneResponse](t, rec).Output["fee"])

	t.Run("refresh all without body", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/projects/acme/cache/refresh", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"pricing/discount", "shipping/fee"}, decode[RefreshResponse](t, rec).Refreshed)
	})
}

func TestHotReloadEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/projects/acme/hot-reload/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[HotReloadResponse](t, rec).Active)

	rec = env.do(t, http.MethodPost, "/api/v1/projects/acme/hot-reload/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[HotReloadResponse](t, rec).Active)

	rec = env.do(t, http.MethodPost, "/api/v1/projects/globex/hot-reload/start", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveAndDeleteRule(t *testing.T) {
	env := newTestEnv(t)
	definition := json.RawMessage(`{"decisions": [{"when": "input.vip", "then": {"tier": "'gold'"}}], "default": {"tier": "'standard'"}}`)

	rec := env.do(t, http.MethodPut, "/api/v1/projects/globex/rules/loyalty/tier", SaveRuleRequest{
		Name:       "Tier",
		Tags:       []string{"loyalty"},
		Definition: definition,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	meta := decode[rules.RuleMetadata](t, rec)
	assert.Equal(t, "loyalty/tier", meta.ID)
	assert.NotEmpty(t, meta.Version)

	rec = env.do(t, http.MethodPost, "/api/v1/projects/globex/execute", ExecuteRequest{
		Selector: rules.RuleSelector{Tags: []string{"loyalty"}},
		Input:    map[string]any{"vip": true},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "gold", decode[ExecuteResponse](t, rec).Results["loyalty/tier"]["tier"])

	t.Run("invalid definition", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, "/api/v1/projects/globex/rules/broken", SaveRuleRequest{
			Definition: json.RawMessage(`{"decisions": []}`),
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		_, err := env.memory.FetchOne(context.Background(), "broken")
		assert.ErrorIs(t, err, rules.ErrRuleNotFound)
	})

	t.Run("missing definition", func(t *testing.T) {
		rec := env.do(t, http.MethodPut, "/api/v1/projects/globex/rules/empty", SaveRuleRequest{Name: "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	rec = env.do(t, http.MethodDelete, "/api/v1/projects/globex/rules/loyalty/tier", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/projects/globex/execute/one", ExecuteOneRequest{RuleID: "loyalty/tier", Input: map[string]any{}})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/projects/globex/rules/loyalty/tier", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReadOnlySource(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPut, "/api/v1/projects/acme/rules/pricing/discount", SaveRuleRequest{
		Definition: json.RawMessage(discountRule),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "project source is read-only", decode[ErrorResponse](t, rec).Error)

	rec = env.do(t, http.MethodDelete, "/api/v1/projects/acme/rules/pricing/discount", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/projects/acme/execute/one", ExecuteOneRequest{
		RuleID: "pricing/discount",
		Input:  map[string]any{"total": 10.0},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "rulecache_cache_size")
	assert.Contains(t, body, `project="acme"`)
	assert.Contains(t, body, "rulecache_executor_evaluation_duration_seconds")

	withoutRegistry := NewServer(env.manager, nil, nil, 0, zerolog.Nop())
	rec = httptest.NewRecorder()
	withoutRegistry.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{projects.ErrProjectNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", rules.ErrRuleNotFound), http.StatusNotFound},
		{rules.ErrEmptySelector, http.StatusBadRequest},
		{rules.ErrConfigurationInvalid, http.StatusBadRequest},
		{rules.ErrNotInitialized, http.StatusServiceUnavailable},
		{rules.ErrEvaluationTimeout, http.StatusGatewayTimeout},
		{rules.ErrRuleExecutionFailed, http.StatusUnprocessableEntity},
		{rules.ErrSourceUnavailable, http.StatusBadGateway},
		{rules.ErrSourceBadResponse, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
