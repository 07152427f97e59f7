package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/liamcoop/rulecache/config"
	"github.com/liamcoop/rulecache/internal/logger"
	"github.com/liamcoop/rulecache/rules"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	app := &cli.Command{
		Name:    "rulecache-migrate",
		Usage:   "Manage the rule store schema",
		Version: rules.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML configuration file",
				Sources: cli.EnvVars("RULECACHE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "database",
				Usage:   "database URL, overrides the configuration",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:  "path",
				Usage: "migrations directory, overrides the configuration",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withMigrate(c, &log, func(m *migrate.Migrate) error {
						log.Info().Msg("running migrations up")
						err := m.Up()
						if errors.Is(err, migrate.ErrNoChange) {
							log.Info().Msg("no migrations to run, database is up to date")
							return nil
						}
						if err != nil {
							return fmt.Errorf("failed to run migrations: %w", err)
						}
						log.Info().Msg("migrations completed")
						return nil
					})
				},
			},
			{
				Name:  "down",
				Usage: "Roll back all migrations",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withMigrate(c, &log, func(m *migrate.Migrate) error {
						log.Info().Msg("rolling back migrations")
						if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
							return fmt.Errorf("failed to roll back migrations: %w", err)
						}
						log.Info().Msg("rollback completed")
						return nil
					})
				},
			},
			{
				Name:  "version",
				Usage: "Print the current schema version",
				Action: func(ctx context.Context, c *cli.Command) error {
					return withMigrate(c, &log, func(m *migrate.Migrate) error {
						version, dirty, err := m.Version()
						if errors.Is(err, migrate.ErrNilVersion) {
							log.Info().Msg("no migrations applied")
							return nil
						}
						if err != nil {
							return fmt.Errorf("failed to get version: %w", err)
						}
						log.Info().Uint("version", version).Bool("dirty", dirty).Msg("current version")
						return nil
					})
				},
			},
			{
				Name:      "force",
				Usage:     "Set the schema version without running migrations",
				ArgsUsage: "<version>",
				Action: func(ctx context.Context, c *cli.Command) error {
					arg := c.Args().First()
					if arg == "" {
						return errors.New("force requires a version number")
					}
					version, err := strconv.Atoi(arg)
					if err != nil {
						return fmt.Errorf("invalid version number %q: %w", arg, err)
					}
					return withMigrate(c, &log, func(m *migrate.Migrate) error {
						if err := m.Force(version); err != nil {
							return fmt.Errorf("failed to force version: %w", err)
						}
						log.Info().Int("version", version).Msg("forced version")
						return nil
					})
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("migrate failed")
	}
}

// withMigrate resolves the database and migrations location from flags and
// configuration, then runs fn against a migrate instance.
func withMigrate(c *cli.Command, log *zerolog.Logger, fn func(*migrate.Migrate) error) error {
	root := c.Root()
	cfg, err := config.Load(root.String("config"), nil)
	if err != nil {
		return err
	}
	if l, err := logger.New(os.Stderr, cfg.Log); err == nil {
		*log = l.With().Str("component", "migrate").Logger()
	}

	databaseURL := cfg.Database.URL
	if v := root.String("database"); v != "" {
		databaseURL = v
	}
	if databaseURL == "" {
		return errors.New("database URL is required, use --database or DATABASE_URL")
	}
	path := cfg.Database.MigrationsPath
	if v := root.String("path"); v != "" {
		path = v
	}

	log.Info().Str("path", path).Msg("connecting to database")
	m, err := migrate.New("file://"+path, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil || dbErr != nil {
			log.Warn().AnErr("source", srcErr).AnErr("database", dbErr).Msg("failed to close migrations")
		}
	}()

	return fn(m)
}
