// Package config loads the service configuration from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/rulecache/internal/logger"
	"github.com/liamcoop/rulecache/rules"
)

// Source types.
const (
	SourceLocal    = "local"
	SourceRemote   = "remote"
	SourcePostgres = "postgres"
)

const maxConfigFileSize = 1 << 20

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Log      logger.Config   `yaml:"log"`
	Database DatabaseConfig  `yaml:"database"`
	Projects []ProjectConfig `yaml:"projects" validate:"unique=ID,dive"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `yaml:"readTimeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gte=0"`
}

// DatabaseConfig configures the PostgreSQL connection shared by postgres
// sources and the migrate command.
type DatabaseConfig struct {
	URL            string `yaml:"url"`
	MigrationsPath string `yaml:"migrationsPath"`
}

// ProjectConfig configures one engine.
type ProjectConfig struct {
	ID       string         `yaml:"id" validate:"required,max=100"`
	Source   SourceConfig   `yaml:"source"`
	Cache    CacheConfig    `yaml:"cache"`
	Executor ExecutorConfig `yaml:"executor"`
}

// SourceConfig selects and configures the rule source.
type SourceConfig struct {
	Type string `yaml:"type" validate:"required,oneof=local remote postgres"`

	// local
	Dir            string        `yaml:"dir" validate:"required_if=Type local"`
	HotReload      bool          `yaml:"hotReload"`
	Debounce       time.Duration `yaml:"debounce" validate:"gte=0"`
	IgnorePatterns []string      `yaml:"ignorePatterns"`

	// remote
	BaseURL           string  `yaml:"baseURL" validate:"omitempty,url"`
	Token             string  `yaml:"token"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond" validate:"gte=0"`
	Burst             int     `yaml:"burst" validate:"gte=0"`
}

// CacheConfig mirrors rules.CacheConfig.
type CacheConfig struct {
	MaxSize      int           `yaml:"maxSize" validate:"gte=0"`
	StaleAfter   time.Duration `yaml:"staleAfter" validate:"gte=0"`
	FetchTimeout time.Duration `yaml:"fetchTimeout" validate:"gte=0"`
}

// ExecutorConfig mirrors rules.ExecutorConfig.
type ExecutorConfig struct {
	Concurrency int           `yaml:"concurrency" validate:"gte=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gte=0"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: logger.Config{
			Level:  "INFO",
			Format: logger.FormatJSON,
		},
		Database: DatabaseConfig{
			MigrationsPath: "migrations",
		},
	}
}

// Load reads path (if non-empty), applies environment overrides from getenv
// and validates the result. getenv defaults to os.Getenv.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: config file: %v", rules.ErrConfigurationInvalid, err)
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("%w: config file %s exceeds %d bytes", rules.ErrConfigurationInvalid, path, maxConfigFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: config file: %v", rules.ErrConfigurationInvalid, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: parse %s: %v", rules.ErrConfigurationInvalid, path, err)
	}
	return nil
}

// applyEnv applies process-level overrides. RULECACHE_PROJECT_ID together
// with RULECACHE_SOURCE defines (or overrides) a single project, which keeps
// one-project deployments free of a config file.
func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	setInt := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	setInt("PORT", &c.Server.Port)
	setString("DATABASE_URL", &c.Database.URL)
	setString("LOG_LEVEL", &c.Log.Level)
	setString("LOG_FORMAT", &c.Log.Format)
	if v := getenv("ERROR_SAMPLE_RATE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("ERROR_SAMPLE_RATE: %w", err))
		} else {
			c.Log.ErrorSampleRate = uint32(n)
		}
	}

	if id := getenv("RULECACHE_PROJECT_ID"); id != "" {
		p := c.project(id)
		setString("RULECACHE_SOURCE", &p.Source.Type)
		setString("RULECACHE_RULES_DIR", &p.Source.Dir)
		setString("RULECACHE_API_URL", &p.Source.BaseURL)
		setString("RULECACHE_API_TOKEN", &p.Source.Token)
		if v := getenv("RULECACHE_HOT_RELOAD"); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("RULECACHE_HOT_RELOAD: %w", err))
			} else {
				p.Source.HotReload = b
			}
		}
		setInt("RULECACHE_CACHE_MAX_SIZE", &p.Cache.MaxSize)
		setDuration("RULECACHE_STALE_AFTER", &p.Cache.StaleAfter)
		setInt("RULECACHE_CONCURRENCY", &p.Executor.Concurrency)
		setDuration("RULECACHE_TIMEOUT", &p.Executor.Timeout)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %v", rules.ErrConfigurationInvalid, errors.Join(errs...))
	}
	return nil
}

// project returns the project with id, appending an empty one if absent.
func (c *Config) project(id string) *ProjectConfig {
	for i := range c.Projects {
		if c.Projects[i].ID == id {
			return &c.Projects[i]
		}
	}
	c.Projects = append(c.Projects, ProjectConfig{ID: id})
	return &c.Projects[len(c.Projects)-1]
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", rules.ErrConfigurationInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", rules.ErrConfigurationInvalid, err)
	}

	if _, err := logger.ParseLevel(c.Log.Level); c.Log.Level != "" && err != nil {
		return fmt.Errorf("%w: %v", rules.ErrConfigurationInvalid, err)
	}

	for _, p := range c.Projects {
		if p.Source.Type == SourcePostgres && c.Database.URL == "" {
			return fmt.Errorf("%w: project %s uses a postgres source but no database url is set", rules.ErrConfigurationInvalid, p.ID)
		}
		if p.Source.Type == SourceRemote && p.Source.BaseURL == "" {
			return fmt.Errorf("%w: project %s uses a remote source but no baseURL is set", rules.ErrConfigurationInvalid, p.ID)
		}
		if p.Source.HotReload && p.Source.Type != SourceLocal {
			return fmt.Errorf("%w: project %s enables hot reload on a %s source", rules.ErrConfigurationInvalid, p.ID, p.Source.Type)
		}
	}
	return nil
}

// UsesDatabase reports whether any project reads rules from PostgreSQL.
func (c *Config) UsesDatabase() bool {
	for _, p := range c.Projects {
		if p.Source.Type == SourcePostgres {
			return true
		}
	}
	return false
}
