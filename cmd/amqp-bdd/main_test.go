package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

const passingFeature = `Feature: smoke
  Scenario: round trip
    Given there is a queue "orders"
    And the queue "orders" is empty
    When I send a message to queue "orders"
      """
      hello
      """
    Then there should be a message in queue "orders"
      """
      hello
      """
`

const failingFeature = `Feature: smoke
  Scenario: wrong body
    Given there is a queue "orders"
    When I send a message to queue "orders"
      """
      hello
      """
    Then the message in queue "orders" contains
      """
      goodbye
      """
`

const topologyFeature = `Feature: topology
  Scenario: declared before the suite
    Then the queue "orders" should exist
    And the exchange "events" should exist
    And queue "orders" should be bound to exchange "events" with "order.created"
`

func envLookup(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

var brokerEnv = map[string]string{
	"AMQP_HOST":     "localhost",
	"AMQP_PORT":     "5672",
	"AMQP_USER":     "guest",
	"AMQP_PASSWORD": "guest",
	"AMQP_VHOST":    "/",
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestParseFlags(t *testing.T) {
	o, err := parseFlags([]string{
		"--config", "suite.yaml",
		"--provider", "memory",
		"--cleanup",
		"--schedule", "@every 5m",
		"--godog.format", "progress",
		"--godog.strict",
		"features/a.feature", "features/b.feature",
	}, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "suite.yaml", o.configPath)
	assert.Equal(t, "memory", o.provider)
	assert.True(t, o.cleanup)
	assert.Equal(t, "@every 5m", o.schedule)
	assert.Equal(t, "progress", o.godog.Format)
	assert.True(t, o.godog.Strict)
	assert.Equal(t, []string{"features/a.feature", "features/b.feature"}, o.godog.Paths)

	_, err = parseFlags([]string{"--unknown"}, io.Discard)
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	t.Run("environment", func(t *testing.T) {
		cfg, suite, err := loadConfig("", envLookup(brokerEnv))
		require.NoError(t, err)
		assert.Equal(t, "localhost:5672", cfg.Addr())
		assert.Empty(t, suite.Topology.Queues)
	})

	t.Run("missing environment", func(t *testing.T) {
		_, _, err := loadConfig("", envLookup(map[string]string{}))
		assert.Error(t, err)
	})

	t.Run("file with management URI from the environment", func(t *testing.T) {
		path := writeFile(t, "suite.yaml", `broker:
  host: rabbit
  port: 5672
  user: guest
  password: guest
  vhost: /
topology:
  queues: [orders]
`)
		cfg, suite, err := loadConfig(path, envLookup(map[string]string{"AMQP_MANAGEMENT_URI": "http://rabbit:15672/"}))
		require.NoError(t, err)
		assert.Equal(t, "http://rabbit:15672", cfg.ManagementURI)
		assert.Equal(t, []string{"orders"}, suite.Topology.Queues)
	})
}

func TestRun(t *testing.T) {
	suiteFile := `broker:
  host: localhost
  port: 5672
  user: guest
  password: guest
  vhost: /
topology:
  exchanges:
    events: direct
  queues: [orders]
  bindings:
    - queue: orders
      exchange: events
      key: order.created
`

	tests := []struct {
		name       string
		args       func(t *testing.T) []string
		env        map[string]string
		wantStatus int
	}{
		{
			name: "passing suite",
			args: func(t *testing.T) []string {
				return []string{"--provider", "memory", writeFile(t, "smoke.feature", passingFeature)}
			},
			env:        brokerEnv,
			wantStatus: exitOK,
		},
		{
			name: "failing suite",
			args: func(t *testing.T) []string {
				return []string{"--provider", "memory", writeFile(t, "smoke.feature", failingFeature)}
			},
			env:        brokerEnv,
			wantStatus: exitFailed,
		},
		{
			name: "topology is declared before the suite",
			args: func(t *testing.T) []string {
				return []string{
					"--provider", "memory",
					"--config", writeFile(t, "suite.yaml", suiteFile),
					"--cleanup",
					writeFile(t, "topology.feature", topologyFeature),
				}
			},
			wantStatus: exitOK,
		},
		{
			name: "missing settings",
			args: func(t *testing.T) []string {
				return []string{"--provider", "memory"}
			},
			env:        map[string]string{},
			wantStatus: exitSetup,
		},
		{
			name: "unsupported provider",
			args: func(t *testing.T) []string {
				return []string{"--provider", "kafka"}
			},
			env:        brokerEnv,
			wantStatus: exitSetup,
		},
		{
			name: "cleanup without management API",
			args: func(t *testing.T) []string {
				return []string{"--cleanup"}
			},
			env:        brokerEnv,
			wantStatus: exitSetup,
		},
		{
			name: "invalid schedule",
			args: func(t *testing.T) []string {
				return []string{"--provider", "memory", "--schedule", "whenever", writeFile(t, "smoke.feature", passingFeature)}
			},
			env:        brokerEnv,
			wantStatus: exitSetup,
		},
		{
			name: "trace output in a missing directory",
			args: func(t *testing.T) []string {
				return []string{"--provider", "memory", "--trace-output", filepath.Join(t.TempDir(), "nope", "spans.json")}
			},
			env:        brokerEnv,
			wantStatus: exitSetup,
		},
		{
			name: "help",
			args: func(t *testing.T) []string {
				return []string{"--help"}
			},
			wantStatus: exitOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			status := run(context.Background(), tt.args(t), envLookup(tt.env), &out)
			assert.Equal(t, tt.wantStatus, status, out.String())
		})
	}
}

func TestSetupTracing(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	path := filepath.Join(t.TempDir(), "spans.json")
	tp, closeTrace, err := setupTracing(path)
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "amqp.receive")
	span.End()
	closeTrace()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "amqp.receive")
}

func TestRun_Scheduled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	status := run(ctx, []string{
		"--provider", "memory",
		"--schedule", "@every 1s",
		"--godog.format", "progress",
		"--godog.no-colors",
		writeFile(t, "smoke.feature", passingFeature),
	}, envLookup(brokerEnv), &out)

	assert.Equal(t, exitOK, status)
	assert.Contains(t, out.String(), "1 scenarios (1 passed)")
}
