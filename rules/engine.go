package rules

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Version is reported by Engine.Status. Overridden at build time with
// -ldflags "-X github.com/liamcoop/rulecache/rules.Version=...".
var Version = "dev"

// Options configures an Engine.
type Options struct {
	ProjectID string
	Source    RuleSource

	// Compiler defaults to a CELCompiler.
	Compiler Compiler

	Cache    CacheConfig
	Executor ExecutorConfig

	// HotReload watches the rules directory after Initialize. It requires
	// Source to be a *LocalSource.
	HotReload bool
	Watcher   WatcherConfig

	// Registerer receives the engine's metrics when set.
	Registerer prometheus.Registerer

	Logger zerolog.Logger
}

// Engine ties a rule source, the cache, the executor and, for local sources,
// the hot-reload watcher together for one project.
type Engine struct {
	projectID string
	hotReload bool
	cache     *CacheManager
	executor  *Executor
	watcher   *Watcher
	logger    zerolog.Logger

	mu          sync.RWMutex
	initialized bool
}

// NewEngine validates opts and wires the engine. Rules are not loaded until
// Initialize.
func NewEngine(opts Options) (*Engine, error) {
	if strings.TrimSpace(opts.ProjectID) == "" {
		return nil, configErr("project id is required")
	}
	if opts.Source == nil {
		return nil, configErr("rule source is required")
	}
	local, isLocal := opts.Source.(*LocalSource)
	if opts.HotReload && !isLocal {
		return nil, configErr("hot reload requires a local rule source")
	}

	logger := opts.Logger.With().Str("project_id", opts.ProjectID).Logger()

	compiler := opts.Compiler
	if compiler == nil {
		cel, err := NewCELCompiler()
		if err != nil {
			return nil, err
		}
		compiler = cel
	}

	metrics, err := newEngineMetrics(opts.Registerer, opts.ProjectID)
	if err != nil {
		return nil, err
	}

	cache, err := NewCacheManager(opts.Source, compiler, opts.Cache, logger)
	if err != nil {
		return nil, err
	}
	cache.metrics = metrics

	executor, err := NewExecutor(cache, opts.Executor, logger)
	if err != nil {
		return nil, err
	}
	executor.metrics = metrics

	e := &Engine{
		projectID: opts.ProjectID,
		hotReload: opts.HotReload,
		cache:     cache,
		executor:  executor,
		logger:    logger.With().Str("component", "engine").Logger(),
	}

	if isLocal {
		watcher, err := NewWatcher(local, opts.Watcher, logger)
		if err != nil {
			return nil, err
		}
		watcher.OnChange(e.applyFileChange)
		e.watcher = watcher
	}

	return e, nil
}

// Initialize loads every rule from the source. It may be called again to
// reload from scratch. Hot reload starts afterwards when enabled.
func (e *Engine) Initialize(ctx context.Context) error {
	loaded, err := e.cache.Initialize(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.initialized = true
	e.mu.Unlock()

	if e.hotReload {
		if err := e.StartHotReload(); err != nil {
			return err
		}
	}

	e.logger.Info().Int("rules", loaded).Msg("engine initialized")
	return nil
}

// StartHotReload starts the directory watcher.
func (e *Engine) StartHotReload() error {
	if e.watcher == nil {
		return configErr("hot reload requires a local rule source")
	}
	return e.watcher.Start()
}

// StopHotReload stops the directory watcher. It is safe to call repeatedly.
func (e *Engine) StopHotReload() error {
	if e.watcher == nil {
		return nil
	}
	return e.watcher.Stop()
}

// HotReloadActive reports whether the watcher is running.
func (e *Engine) HotReloadActive() bool {
	return e.watcher != nil && e.watcher.Running()
}

// ExecuteOne evaluates a single rule.
func (e *Engine) ExecuteOne(ctx context.Context, ruleID string, input map[string]any) (Output, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.executor.ExecuteOne(ctx, ruleID, input)
}

// Execute runs the rules matched by selector against one input.
func (e *Engine) Execute(ctx context.Context, selector RuleSelector, input map[string]any, opts BatchOptions) (RuleSetResult, error) {
	if err := e.ready(); err != nil {
		return RuleSetResult{}, err
	}
	return e.executor.Execute(ctx, selector, input, opts)
}

// ExecuteBatch runs the rules matched by selector against every input.
func (e *Engine) ExecuteBatch(ctx context.Context, inputs []map[string]any, selector RuleSelector, opts BatchOptions) ([]ExecutionResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.executor.ExecuteBatch(ctx, inputs, selector, opts)
}

// CheckVersions returns cached rule ids whose source version has changed.
func (e *Engine) CheckVersions(ctx context.Context) ([]string, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.cache.CheckVersions(ctx)
}

// RefreshCache re-fetches ids, or every cached rule when ids is empty.
func (e *Engine) RefreshCache(ctx context.Context, ids ...string) (RefreshResult, error) {
	if err := e.ready(); err != nil {
		return RefreshResult{}, err
	}
	return e.cache.RefreshCache(ctx, ids...), nil
}

// Evict drops ruleID from the cache. It reports whether the rule was cached.
func (e *Engine) Evict(ruleID string) bool {
	return e.cache.Remove(ruleID)
}

// Source returns the rule source the engine reads from.
func (e *Engine) Source() RuleSource {
	return e.cache.source
}

// OnCacheUpdate registers fn for cache change notifications.
func (e *Engine) OnCacheUpdate(fn CacheUpdateFunc) uint64 {
	return e.cache.OnUpdate(fn)
}

// RemoveCacheUpdateCallback unregisters a callback added with OnCacheUpdate.
func (e *Engine) RemoveCacheUpdateCallback(handle uint64) bool {
	return e.cache.RemoveOnUpdate(handle)
}

// Rules lists cached rule metadata ordered by id.
func (e *Engine) Rules() []RuleMetadata {
	return e.cache.Store().List()
}

// Status reports readiness.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		Initialized: e.initialized,
		RulesLoaded: e.cache.Store().Len(),
		ProjectID:   e.projectID,
		Version:     Version,
	}
}

// CacheStats reports cache occupancy and counters.
func (e *Engine) CacheStats() CacheStats {
	return e.cache.Stats()
}

// Close stops background work.
func (e *Engine) Close() error {
	return e.StopHotReload()
}

func (e *Engine) ready() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (e *Engine) applyFileChange(ruleID string, kind ChangeKind, doc *RuleDocument) {
	if kind == ChangeDeleted {
		e.cache.Remove(ruleID)
		return
	}
	if doc == nil {
		e.logger.Error().Err(errors.New("missing document")).Str("rule_id", ruleID).Msg("hot reload update dropped")
		return
	}
	if _, err := e.cache.Upsert(*doc); err != nil {
		e.logger.Warn().Err(err).Str("rule_id", ruleID).Msg("hot reload update rejected, keeping previous version")
	}
}
