package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug", "json")

	logger.Debug().Str("queue", "orders").Msg("channel replaced")

	line := buf.Bytes()
	assert.Equal(t, "debug", gjson.GetBytes(line, "level").String())
	assert.Equal(t, "orders", gjson.GetBytes(line, "queue").String())
	assert.Equal(t, "channel replaced", gjson.GetBytes(line, "message").String())
	assert.True(t, gjson.GetBytes(line, "time").Exists())
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		logged bool
	}{
		{"debug enabled", "debug", true},
		{"upper case", "DEBUG", true},
		{"info hides debug", "info", false},
		{"unknown falls back to info", "chatty", false},
		{"empty falls back to info", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(&buf, tt.level, "json")
			logger.Debug().Msg("x")
			assert.Equal(t, tt.logged, buf.Len() > 0)
		})
	}
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info", "console")
	logger.Info().Str("queue", "orders").Msg("purged")

	assert.Contains(t, buf.String(), "purged")
	assert.Contains(t, buf.String(), "queue=")
}

func TestSetup(t *testing.T) {
	t.Setenv(LevelEnv, "warn")

	logger := Setup("json")
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
	assert.Equal(t, zerolog.WarnLevel, log.Logger.GetLevel())
}
