package steps

import (
	"errors"
	"io"
	"testing"
	"time"

	"amqp-bdd/internal/queue/memory"

	"github.com/cucumber/godog"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSettings = map[string]any{
	"host":     "localhost",
	"port":     5672,
	"user":     "guest",
	"password": "guest",
	"vhost":    "/",
}

func memoryInitializer(t *testing.T, broker *memory.Broker) *Initializer {
	t.Helper()
	initializer, err := NewInitializer(testSettings,
		WithDialer(broker.Dial),
		WithInspector(broker),
		WithWaitTimeout(100*time.Millisecond),
		WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	return initializer
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		Name:                "amqp-bdd",
		ScenarioInitializer: memoryInitializer(t, memory.New()).InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			Strict:   true,
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

// runFeature runs a single inline feature and returns godog's exit status.
func runFeature(t *testing.T, broker *memory.Broker, contents string) int {
	t.Helper()
	suite := godog.TestSuite{
		ScenarioInitializer: memoryInitializer(t, broker).InitializeScenario,
		Options: &godog.Options{
			Format: "progress",
			Output: io.Discard,
			Strict: true,
			FeatureContents: []godog.Feature{
				{Name: t.Name() + ".feature", Contents: []byte(contents)},
			},
		},
	}
	return suite.Run()
}

func TestFeatures_Failures(t *testing.T) {
	tests := []struct {
		name    string
		feature string
	}{
		{
			name: "body mismatch",
			feature: `Feature: f
  Scenario: s
    Given there is a queue "orders"
    When I send a message to queue "orders"
      """
      hello
      """
    Then there should be a message in queue "orders"
      """
      goodbye
      """
`,
		},
		{
			name: "missing substring",
			feature: `Feature: f
  Scenario: s
    Given there is a queue "confirmations"
    When I send a message to queue "confirmations"
      """
      order-42-confirmed
      """
    Then the message in queue "confirmations" contains
      """
      cancelled
      """
`,
		},
		{
			name: "expected message never arrives",
			feature: `Feature: f
  Scenario: s
    Given there is a queue "silent"
    Then there should be a message in queue "silent"
      """
      hello
      """
`,
		},
		{
			name: "binding to a missing exchange",
			feature: `Feature: f
  Scenario: s
    Given there is a queue "orders"
    And queue "orders" bound to exchange "missing"
`,
		},
		{
			name: "unbound queue",
			feature: `Feature: f
  Scenario: s
    Given there is an exchange "events"
    And there is a queue "orders"
    Then queue "orders" should be bound to exchange "events" with "orders"
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, 1, runFeature(t, memory.New(), tt.feature))
		})
	}
}

func TestFeatures_UnreachableBrokerAbortsScenario(t *testing.T) {
	broker := memory.New()
	broker.SetUnavailable(errors.New("connection refused"))

	status := runFeature(t, broker, `Feature: f
  Scenario: s
    Given there is a queue "orders"
`)
	assert.Equal(t, 1, status)
	assert.Equal(t, -1, broker.Messages("orders"), "no step may run without a connection")
}

func TestFeatures_ReceiveAcksExactlyOneMessage(t *testing.T) {
	broker := memory.New()

	status := runFeature(t, broker, `Feature: f
  Scenario: s
    Given there is a queue "orders"
    When I send a message to queue "orders"
      """
      same
      """
    And I send a message to queue "orders"
      """
      same
      """
    Then there should be a message in queue "orders"
      """
      same
      """
`)
	require.Equal(t, 0, status)
	assert.Equal(t, 1, broker.Messages("orders"))
}
