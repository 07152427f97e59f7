package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/liamcoop/rulecache/config"
	"github.com/liamcoop/rulecache/internal/logger"
	"github.com/liamcoop/rulecache/projects"
	"github.com/liamcoop/rulecache/rules"
)

func main() {
	app := &cli.Command{
		Name:    "rulecache-server",
		Usage:   "Serve cached rule evaluation for one or more projects",
		Version: rules.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				Sources: cli.EnvVars("RULECACHE_CONFIG"),
			},
			&cli.StringFlag{
				Name:  "port",
				Usage: "override the listen port from the configuration",
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Load the configuration and every project's rules, then exit",
				Action: func(ctx context.Context, c *cli.Command) error {
					return check(ctx, c.Root().String("config"))
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration, builds the logger and, if needed, opens the
// database shared by postgres sources.
func setup(ctx context.Context, configPath string) (*config.Config, zerolog.Logger, *sql.DB, error) {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}

	log, err := logger.New(os.Stdout, cfg.Log)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}

	if !cfg.UsesDatabase() {
		return cfg, log, nil, nil
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, log, nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, log, nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return cfg, log, db, nil
}

// loadProjects creates and initializes an engine for every configured project.
func loadProjects(ctx context.Context, cfg *config.Config, db *sql.DB, reg prometheus.Registerer, log zerolog.Logger) (*projects.Manager, error) {
	manager := projects.NewManager(log)
	for _, p := range cfg.Projects {
		opts, err := p.EngineOptions(db, log, reg)
		if err != nil {
			_ = manager.Close()
			return nil, err
		}
		if _, err := manager.Create(ctx, p.ID, opts); err != nil {
			_ = manager.Close()
			return nil, err
		}
	}
	return manager, nil
}

func serve(ctx context.Context, c *cli.Command) error {
	cfg, log, db, err := setup(ctx, c.String("config"))
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	if p := c.String("port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("%w: invalid port %q", rules.ErrConfigurationInvalid, p)
		}
		cfg.Server.Port = port
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	log.Info().Int("projects", len(cfg.Projects)).Msg("loading projects")
	manager, err := loadProjects(ctx, cfg, db, registry, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close projects")
		}
	}()
	log.Info().Strs("projects", manager.List()).Msg("projects loaded")

	server := NewServer(manager, db, registry, cfg.Server.WriteTimeout, log)
	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-sigCtx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
	return nil
}

func check(ctx context.Context, configPath string) error {
	cfg, log, db, err := setup(ctx, configPath)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	manager, err := loadProjects(ctx, cfg, db, nil, log)
	if err != nil {
		return err
	}
	defer manager.Close()

	for _, id := range manager.List() {
		engine, err := manager.Get(id)
		if err != nil {
			return err
		}
		status := engine.Status()
		log.Info().Str("project_id", id).Int("rules", status.RulesLoaded).Msg("project ok")
	}
	return nil
}
