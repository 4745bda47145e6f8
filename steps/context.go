// Package steps provides Gherkin step definitions for asserting the behavior
// of an AMQP 0-9-1 broker.
//
// A BrokerContext owns one connection and one channel for the lifetime of a
// scenario. An Initializer carries the static connection settings and opens
// the context before the first step runs:
//
//	initializer, err := steps.NewInitializer(map[string]any{
//		"host": "localhost", "port": 5672,
//		"user": "guest", "password": "guest", "vhost": "/",
//	})
//	suite := godog.TestSuite{ScenarioInitializer: initializer.InitializeScenario}
package steps

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"amqp-bdd/internal/config"
	"amqp-bdd/internal/queue"
	"amqp-bdd/internal/queue/rabbitmq"
	"amqp-bdd/internal/reconciliation"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultWaitTimeout bounds how long assertions wait for a delivery.
const DefaultWaitTimeout = 4 * time.Second

type state int

const (
	stateUnconnected state = iota
	stateConnected
	stateReconnecting
)

func (s state) String() string {
	switch s {
	case stateConnected:
		return "connected"
	case stateReconnecting:
		return "reconnecting"
	default:
		return "unconnected"
	}
}

// Option configures a BrokerContext.
type Option func(*BrokerContext)

// WithDialer replaces the RabbitMQ dialer, e.g. with an in-memory broker.
func WithDialer(d queue.Dialer) Option {
	return func(c *BrokerContext) { c.dial = d }
}

// WithWaitTimeout overrides DefaultWaitTimeout.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *BrokerContext) { c.timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *BrokerContext) { c.base = l }
}

// WithInspector enables the binding assertion step.
func WithInspector(i queue.Inspector) Option {
	return func(c *BrokerContext) { c.inspector = i }
}

// WithRecorder records every queue and exchange the scenario declares.
func WithRecorder(r *reconciliation.Recorder) Option {
	return func(c *BrokerContext) { c.recorder = r }
}

// BrokerContext holds the broker session of a single scenario. It is not safe
// for concurrent use; scenarios never share one.
type BrokerContext struct {
	dial      queue.Dialer
	timeout   time.Duration
	base      zerolog.Logger
	logger    zerolog.Logger
	inspector queue.Inspector
	recorder  *reconciliation.Recorder

	conn    queue.Connection
	channel queue.Channel
	state   state
}

func NewBrokerContext(opts ...Option) *BrokerContext {
	c := &BrokerContext{
		dial:    rabbitmq.Dial,
		timeout: DefaultWaitTimeout,
		base:    log.Logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.base
	return c
}

// Init connects to the broker and opens the scenario channel. Any session
// left over from a previous Init is closed first.
func (c *BrokerContext) Init(host string, port int, user, password, vhost string) error {
	cfg := config.Config{Host: host, Port: port, User: user, Password: password, VHost: vhost}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c.conn != nil {
		_ = c.Close()
	}

	conn, err := c.dial(cfg)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Addr(), err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.conn = conn
	c.channel = ch
	c.state = stateConnected
	c.logger = c.base.With().Str("broker", cfg.Addr()).Str("vhost", vhost).Logger()
	c.logger.Debug().Msg("broker context connected")
	return nil
}

// Close releases the channel and the connection.
func (c *BrokerContext) Close() error {
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}
	var err error
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	c.state = stateUnconnected
	return err
}

// activeChannel returns the scenario channel, reopening it if a previous
// operation left it closed.
func (c *BrokerContext) activeChannel() (queue.Channel, error) {
	if c.conn == nil {
		return nil, queue.ErrNotConnected
	}
	if c.channel == nil || c.state == stateReconnecting {
		if err := c.heal(); err != nil {
			return nil, err
		}
	}
	return c.channel, nil
}

// settle discards the scenario channel when err closed it on the broker.
func (c *BrokerContext) settle(err error) error {
	if err != nil && queue.IsChannelClosed(err) {
		c.channel = nil
		c.state = stateReconnecting
	}
	return err
}

// heal replaces the scenario channel. When the connection refuses a new
// channel it is re-dialed first.
func (c *BrokerContext) heal() error {
	c.state = stateReconnecting
	if c.channel != nil {
		_ = c.channel.Close()
		c.channel = nil
	}

	ch, err := c.conn.Channel()
	if err != nil {
		c.logger.Debug().Err(err).Msg("channel refused, reconnecting")
		if err := c.conn.Reconnect(); err != nil {
			return fmt.Errorf("reconnect: %w", err)
		}
		if ch, err = c.conn.Channel(); err != nil {
			return fmt.Errorf("open channel: %w", err)
		}
	}

	c.channel = ch
	c.state = stateConnected
	return nil
}

// freshSession reconnects and opens a new scenario channel so that no
// consumer or unacknowledged delivery from an earlier step survives.
func (c *BrokerContext) freshSession() (queue.Channel, error) {
	if c.conn == nil {
		return nil, queue.ErrNotConnected
	}
	c.state = stateReconnecting
	c.channel = nil
	if err := c.conn.Reconnect(); err != nil {
		return nil, fmt.Errorf("reconnect: %w", err)
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	c.channel = ch
	c.state = stateConnected
	c.logger.Debug().Msg("reconnected for assertion")
	return ch, nil
}

// DeclareQueue declares a durable, non-exclusive queue. Declaring an
// existing queue with the same properties is a no-op.
func (c *BrokerContext) DeclareQueue(name string) error {
	ch, err := c.activeChannel()
	if err != nil {
		return err
	}
	if err := ch.DeclareQueue(name); err != nil {
		return c.settle(err)
	}
	if c.recorder != nil {
		c.recorder.RecordQueue(name)
	}
	return nil
}

// DeclareExchange declares a direct exchange.
func (c *BrokerContext) DeclareExchange(name string) error {
	ch, err := c.activeChannel()
	if err != nil {
		return err
	}
	if err := ch.DeclareExchange(name, queue.ExchangeDirect); err != nil {
		return c.settle(err)
	}
	if c.recorder != nil {
		c.recorder.RecordExchange(name)
	}
	return nil
}

// PurgeQueue empties a queue. It never fails: a broker error closes the
// channel, which is then replaced so the scenario can continue.
func (c *BrokerContext) PurgeQueue(name string) error {
	ch, err := c.activeChannel()
	if err == nil {
		var n int
		if n, err = ch.PurgeQueue(name); err == nil {
			c.logger.Debug().Str("queue", name).Int("purged", n).Msg("queue purged")
			return nil
		}
	}

	c.logger.Warn().Err(err).Str("queue", name).Msg("purge failed, replacing channel")
	if c.conn == nil {
		return nil
	}
	if err := c.heal(); err != nil {
		c.logger.Error().Err(err).Str("state", c.state.String()).Msg("channel replacement failed")
	}
	return nil
}

// BindQueue binds a queue to an exchange. Without a key the queue name is
// used as the routing key.
func (c *BrokerContext) BindQueue(b Binding) error {
	ch, err := c.activeChannel()
	if err != nil {
		return err
	}
	return c.settle(ch.BindQueue(b.Queue, b.Exchange, b.RoutingKey()))
}

// PublishToQueue publishes body through the default exchange.
func (c *BrokerContext) PublishToQueue(queueName, body string) error {
	return c.Publish("", queueName, body)
}

// Publish sends body as plain text on a channel of its own, closed once the
// broker has confirmed the message. A broker error, such as a missing
// exchange, fails the step.
func (c *BrokerContext) Publish(exchange, routingKey, body string) error {
	if c.conn == nil {
		return queue.ErrNotConnected
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return ch.Publish(ctx, exchange, routingKey, []byte(body))
}

// AssertMessageReceived consumes one message from the queue and acknowledges
// it. With an expected body the message must arrive within the wait timeout
// and match exactly; without one, an empty queue is accepted.
func (c *BrokerContext) AssertMessageReceived(exp Expectation) error {
	d, err := c.receive(exp)
	if err != nil || d == nil || !exp.HasBody {
		return err
	}
	if string(d.Body) != exp.Body {
		return &ContentMismatchError{Queue: exp.Queue, Expected: exp.Body, Actual: string(d.Body), Mode: MatchExact}
	}
	return nil
}

// AssertMessageContains consumes one message from the queue and checks that
// the expected text occurs in its body at least once.
func (c *BrokerContext) AssertMessageContains(exp Expectation) error {
	d, err := c.receive(exp)
	if err != nil || d == nil || !exp.HasBody {
		return err
	}
	if !strings.Contains(string(d.Body), exp.Body) {
		return &ContentMismatchError{Queue: exp.Queue, Expected: exp.Body, Actual: string(d.Body), Mode: MatchContains}
	}
	return nil
}

// receive waits for one delivery on a fresh session and acknowledges it. A
// nil delivery with a nil error means the queue stayed empty and no body was
// expected.
func (c *BrokerContext) receive(exp Expectation) (*queue.Delivery, error) {
	ch, err := c.freshSession()
	if err != nil {
		return nil, err
	}

	d, err := ch.ConsumeOne(exp.Queue, c.timeout)
	if errors.Is(err, queue.ErrNoMessage) && !exp.HasBody {
		c.logger.Debug().Str("queue", exp.Queue).Msg("nothing to drain")
		return nil, nil
	}
	if err != nil {
		return nil, c.settle(err)
	}

	if err := d.Ack(); err != nil {
		return nil, c.settle(fmt.Errorf("ack delivery %d: %w", d.DeliveryTag, err))
	}
	if !exp.HasBody {
		c.logger.Debug().Str("queue", exp.Queue).Int("bytes", len(d.Body)).Msg("drained message")
	}
	return d, nil
}

// AssertQueueExists checks the queue with a passive declare on a throwaway
// channel, leaving the scenario channel untouched.
func (c *BrokerContext) AssertQueueExists(name string) error {
	_, err := c.inspectQueue(name)
	return err
}

func (c *BrokerContext) AssertExchangeExists(name string) error {
	return c.throwaway(func(ch queue.Channel) error {
		if err := ch.InspectExchange(name); err != nil {
			return fmt.Errorf("exchange %q does not exist: %w", name, err)
		}
		return nil
	})
}

// AssertQueueLength checks the number of ready messages in a queue.
func (c *BrokerContext) AssertQueueLength(name string, want int) error {
	info, err := c.inspectQueue(name)
	if err != nil {
		return err
	}
	if info.Messages != want {
		return fmt.Errorf("queue %q has %d messages, expected %d", name, info.Messages, want)
	}
	return nil
}

func (c *BrokerContext) inspectQueue(name string) (queue.QueueInfo, error) {
	var info queue.QueueInfo
	err := c.throwaway(func(ch queue.Channel) error {
		var err error
		if info, err = ch.InspectQueue(name); err != nil {
			return fmt.Errorf("queue %q does not exist: %w", name, err)
		}
		return nil
	})
	return info, err
}

func (c *BrokerContext) throwaway(fn func(ch queue.Channel) error) error {
	if c.conn == nil {
		return queue.ErrNotConnected
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()
	return fn(ch)
}

// AssertBound checks through the inspector that the queue is bound to the
// exchange under the binding's routing key.
func (c *BrokerContext) AssertBound(b Binding) error {
	if c.inspector == nil {
		return errors.New("binding assertions need the management API: set a management URI")
	}
	bindings, err := c.inspector.ListBindings(b.Queue)
	if err != nil {
		return fmt.Errorf("list bindings of %q: %w", b.Queue, err)
	}
	for _, got := range bindings {
		if got.Exchange == b.Exchange && got.RoutingKey == b.RoutingKey() {
			return nil
		}
	}
	return fmt.Errorf("queue %q is not bound to exchange %q with key %q", b.Queue, b.Exchange, b.RoutingKey())
}
