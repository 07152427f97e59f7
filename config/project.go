package config

import (
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/liamcoop/rulecache/rules"
)

// EngineOptions builds engine options for the project, constructing its rule
// source. db is only used by postgres sources and may be nil otherwise.
func (p ProjectConfig) EngineOptions(db *sql.DB, log zerolog.Logger, reg prometheus.Registerer) (rules.Options, error) {
	source, err := p.NewSource(db, log)
	if err != nil {
		return rules.Options{}, err
	}

	return rules.Options{
		ProjectID: p.ID,
		Source:    source,
		Cache: rules.CacheConfig{
			MaxSize:      p.Cache.MaxSize,
			StaleAfter:   p.Cache.StaleAfter,
			FetchTimeout: p.Cache.FetchTimeout,
		},
		Executor: rules.ExecutorConfig{
			Concurrency: p.Executor.Concurrency,
			Timeout:     p.Executor.Timeout,
		},
		HotReload: p.Source.HotReload,
		Watcher: rules.WatcherConfig{
			Debounce:       p.Source.Debounce,
			IgnorePatterns: p.Source.IgnorePatterns,
		},
		Registerer: reg,
		Logger:     log,
	}, nil
}

// NewSource constructs the rule source described by the project.
func (p ProjectConfig) NewSource(db *sql.DB, log zerolog.Logger) (rules.RuleSource, error) {
	switch p.Source.Type {
	case SourceLocal:
		return rules.NewLocalSource(p.Source.Dir, log)
	case SourceRemote:
		return rules.NewRemoteSource(rules.RemoteConfig{
			BaseURL:           p.Source.BaseURL,
			ProjectID:         p.ID,
			Token:             p.Source.Token,
			RequestsPerSecond: p.Source.RequestsPerSecond,
			Burst:             p.Source.Burst,
		}, log)
	case SourcePostgres:
		if db == nil {
			return nil, fmt.Errorf("%w: project %s needs a database connection", rules.ErrConfigurationInvalid, p.ID)
		}
		return rules.NewPostgresSource(db, p.ID), nil
	default:
		return nil, fmt.Errorf("%w: unknown source type %q", rules.ErrConfigurationInvalid, p.Source.Type)
	}
}
