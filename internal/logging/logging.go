package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnv names the environment variable holding the log level.
const LevelEnv = "AMQP_BDD_LOG_LEVEL"

// New returns a logger writing to w. Human-readable console output is used
// unless format is "json". Unknown levels fall back to info.
func New(w io.Writer, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	if format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Setup configures the global logger from the environment and returns it.
func Setup(format string) zerolog.Logger {
	logger := New(os.Stderr, os.Getenv(LevelEnv), format)
	log.Logger = logger
	return logger
}
