// Package projects keeps one rules.Engine per project.
package projects

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/liamcoop/rulecache/rules"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectExists   = errors.New("project already exists")
)

// Manager manages the engines of all projects.
type Manager struct {
	engines map[string]*rules.Engine
	logger  zerolog.Logger
	mu      sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		engines: make(map[string]*rules.Engine),
		logger:  logger.With().Str("component", "projects").Logger(),
	}
}

// Create builds and initializes an engine for id. The engine is only
// registered once Initialize succeeded.
func (m *Manager) Create(ctx context.Context, id string, opts rules.Options) (*rules.Engine, error) {
	m.mu.RLock()
	_, exists := m.engines[id]
	m.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, id)
	}

	engine, err := m.build(ctx, id, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.engines[id]; exists {
		m.mu.Unlock()
		_ = engine.Close()
		return nil, fmt.Errorf("%w: %s", ErrProjectExists, id)
	}
	m.engines[id] = engine
	m.mu.Unlock()

	m.logger.Info().Str("project_id", id).Int("rules", engine.Status().RulesLoaded).Msg("project created")
	return engine, nil
}

// Get retrieves the engine for a project.
func (m *Manager) Get(id string) (*rules.Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	engine, exists := m.engines[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return engine, nil
}

// Replace builds a new engine for id and swaps it in atomically. Requests
// already holding the old engine finish on it; the old engine is closed
// after the swap. If id is unknown the engine is simply registered.
func (m *Manager) Replace(ctx context.Context, id string, opts rules.Options) (*rules.Engine, error) {
	engine, err := m.build(ctx, id, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	old := m.engines[id]
	m.engines[id] = engine
	m.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Warn().Err(err).Str("project_id", id).Msg("failed to close replaced engine")
		}
	}

	m.logger.Info().
		Str("project_id", id).
		Bool("replaced", old != nil).
		Int("rules", engine.Status().RulesLoaded).
		Msg("project engine swapped")
	return engine, nil
}

// List returns all project ids in sorted order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Delete removes and closes a project's engine.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	engine, exists := m.engines[id]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	delete(m.engines, id)
	m.mu.Unlock()

	m.logger.Info().Str("project_id", id).Msg("project deleted")
	return engine.Close()
}

// Close closes every engine and empties the manager.
func (m *Manager) Close() error {
	m.mu.Lock()
	engines := m.engines
	m.engines = make(map[string]*rules.Engine)
	m.mu.Unlock()

	var errs []error
	for id, engine := range engines {
		if err := engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) build(ctx context.Context, id string, opts rules.Options) (*rules.Engine, error) {
	if err := ValidateProjectID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", rules.ErrConfigurationInvalid, err)
	}
	opts.ProjectID = id

	engine, err := rules.NewEngine(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	if err := engine.Initialize(ctx); err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("failed to initialize project %s: %w", id, err)
	}
	return engine, nil
}
