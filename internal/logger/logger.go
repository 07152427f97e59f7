package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config controls the root logger.
type Config struct {
	// Level is one of TRACE, DEBUG, INFO, WARN, ERROR, FATAL. Defaults to INFO.
	Level string `yaml:"level"`

	// Format is "json" or "console". Defaults to json.
	Format string `yaml:"format" validate:"omitempty,oneof=json console JSON CONSOLE"`

	// ErrorSampleRate logs 1 of every N warnings and errors.
	// 0 or 1 logs all of them.
	ErrorSampleRate uint32 `yaml:"errorSampleRate"`
}

// New builds the root logger writing to w (stdout when nil).
func New(w io.Writer, cfg Config) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stdout
	}

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), err
		}
		level = parsed
	}

	switch strings.ToLower(cfg.Format) {
	case "", FormatJSON:
	case FormatConsole:
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format: %s (use json or console)", cfg.Format)
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()

	// Warnings and errors are sampled to keep noisy failure loops from
	// flooding the output. Fatal and below-warn levels are never sampled.
	if cfg.ErrorSampleRate > 1 {
		sampler := &zerolog.BasicSampler{N: cfg.ErrorSampleRate}
		logger = logger.Sample(zerolog.LevelSampler{
			WarnSampler:  sampler,
			ErrorSampler: sampler,
		})
	}

	return logger, nil
}

// ParseLevel converts a level name to a zerolog level.
func ParseLevel(levelStr string) (zerolog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(levelStr)) {
	case "TRACE":
		return zerolog.TraceLevel, nil
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "INFO":
		return zerolog.InfoLevel, nil
	case "WARN", "WARNING":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	case "FATAL":
		return zerolog.FatalLevel, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("unknown log level: %s", levelStr)
	}
}
