package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"amqp-bdd/internal/config"
	"amqp-bdd/internal/queue"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const connectionName = "amqp-bdd"

type amqpConnection interface {
	Channel() (amqpChannel, error)
	Close() error
	IsClosed() bool
}

type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueuePurge(name string, noWait bool) (int, error)
	Confirm(noWait bool) error
	PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error)
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Close() error
}

// confirmation is the broker's answer to one confirmed publishing.
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

type connWrapper struct{ *amqp.Connection }

func (w *connWrapper) Channel() (amqpChannel, error) {
	ch, err := w.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return &chanWrapper{ch}, nil
}

type chanWrapper struct{ *amqp.Channel }

func (w *chanWrapper) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (confirmation, error) {
	dc, err := w.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

const tracerName = "amqp-bdd/rabbitmq"

// Option configures a Provider.
type Option func(*Provider)

// WithTracerProvider sets the provider of the publish and receive spans.
// The global otel provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Provider) {
		p.tracer = tp.Tracer(tracerName)
	}
}

// Provider is a queue.Connection backed by amqp091-go.
type Provider struct {
	cfg    config.Config
	conn   amqpConnection
	tracer trace.Tracer

	dial func(uri string, cfg amqp.Config) (amqpConnection, error)
}

func New(cfg config.Config, opts ...Option) *Provider {
	p := &Provider{
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		dial: func(uri string, c amqp.Config) (amqpConnection, error) {
			conn, err := amqp.DialConfig(uri, c)
			if err != nil {
				return nil, err
			}
			return &connWrapper{conn}, nil
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dial is a queue.Dialer for RabbitMQ with default options.
func Dial(cfg config.Config) (queue.Connection, error) {
	return Dialer()(cfg)
}

// Dialer returns a queue.Dialer creating providers with opts.
func Dialer(opts ...Option) queue.Dialer {
	return func(cfg config.Config) (queue.Connection, error) {
		p := New(cfg, opts...)
		if err := p.Connect(); err != nil {
			return nil, err
		}
		return p, nil
	}
}

func (p *Provider) Connect() error {
	if err := p.cfg.Validate(); err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}
	conn, err := p.dial(p.cfg.URI(), amqp.Config{
		Vhost:     p.cfg.VHost,
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": connectionName,
		},
	})
	if err != nil {
		return fmt.Errorf("rabbitmq: dial %s: %w", p.cfg.Addr(), err)
	}
	p.conn = conn
	return nil
}

func (p *Provider) Reconnect() error {
	if p.conn != nil && !p.conn.IsClosed() {
		_ = p.conn.Close()
	}
	p.conn = nil
	return p.Connect()
}

func (p *Provider) Close() error {
	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}
	return p.conn.Close()
}

func (p *Provider) Health() queue.HealthStatus {
	if p.conn == nil || p.conn.IsClosed() {
		return queue.HealthStatus{OK: false, Details: "connection closed"}
	}
	return queue.HealthStatus{OK: true, Details: "connected"}
}

func (p *Provider) Channel() (queue.Channel, error) {
	if p.conn == nil {
		return nil, queue.ErrNotConnected
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &Channel{
		ch:     ch,
		tracer: p.tracer,
		closes: ch.NotifyClose(make(chan *amqp.Error, 1)),
	}, nil
}

// Channel is a queue.Channel over an amqp091 channel.
type Channel struct {
	ch     amqpChannel
	tracer trace.Tracer
	closes chan *amqp.Error

	confirming bool
}

func (c *Channel) DeclareQueue(name string) error {
	_, err := c.ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	return wrap("declare queue "+name, err)
}

func (c *Channel) DeclareExchange(name, kind string) error {
	err := c.ch.ExchangeDeclare(name, kind, false, false, false, false, nil)
	return wrap("declare exchange "+name, err)
}

func (c *Channel) BindQueue(queueName, exchange, routingKey string) error {
	err := c.ch.QueueBind(queueName, routingKey, exchange, false, nil)
	return wrap(fmt.Sprintf("bind queue %s to %s", queueName, exchange), err)
}

func (c *Channel) PurgeQueue(name string) (int, error) {
	n, err := c.ch.QueuePurge(name, false)
	return n, wrap("purge queue "+name, err)
}

func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	ctx, span := c.tracer.Start(ctx, "amqp.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
		))
	defer span.End()

	if !c.confirming {
		if err := c.ch.Confirm(false); err != nil {
			return c.publishFailed(span, wrap("confirm mode", err))
		}
		c.confirming = true
	}

	conf, err := c.ch.PublishConfirmed(ctx, exchange, routingKey, amqp.Publishing{
		ContentType: "text/plain",
		MessageId:   uuid.NewString(),
		Timestamp:   time.Now(),
		Body:        body,
	})
	if err != nil {
		return c.publishFailed(span, wrap("publish", err))
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return c.publishFailed(span, fmt.Errorf("publish: wait for confirm: %w", err))
	}
	if !acked {
		// A channel exception, e.g. a missing exchange, nacks every
		// outstanding publishing; report the exception instead.
		select {
		case ae, ok := <-c.closes:
			if ok && ae != nil {
				return c.publishFailed(span, wrap("publish", ae))
			}
		default:
		}
		return c.publishFailed(span, fmt.Errorf("publish to %q: %w", exchange, errNacked))
	}
	return nil
}

var errNacked = errors.New("broker did not confirm the message")

func (c *Channel) publishFailed(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (c *Channel) ConsumeOne(queueName string, timeout time.Duration) (*queue.Delivery, error) {
	_, span := c.tracer.Start(context.Background(), "amqp.receive",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.source.name", queueName),
		))
	defer span.End()

	// One unacked delivery at a time keeps the rest of the queue untouched.
	if err := c.ch.Qos(1, 0, false); err != nil {
		return nil, wrap("qos", err)
	}

	tag := connectionName + "-" + uuid.NewString()
	deliveries, err := c.ch.Consume(
		queueName,
		tag,
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		span.RecordError(err)
		return nil, wrap("consume "+queueName, err)
	}
	defer func() { _ = c.ch.Cancel(tag, false) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d, ok := <-deliveries:
		if !ok {
			return nil, &queue.ChannelError{Code: amqp.ChannelError, Reason: "delivery channel closed", Err: amqp.ErrClosed}
		}
		return &queue.Delivery{
			Body:         d.Body,
			DeliveryTag:  d.DeliveryTag,
			Exchange:     d.Exchange,
			RoutingKey:   d.RoutingKey,
			MessageID:    d.MessageId,
			ContentType:  d.ContentType,
			Headers:      d.Headers,
			Acknowledger: c,
		}, nil
	case <-timer.C:
		span.SetStatus(codes.Error, "timeout")
		return nil, fmt.Errorf("%w from %q within %s", queue.ErrNoMessage, queueName, timeout)
	}
}

func (c *Channel) Ack(tag uint64) error {
	return wrap("ack", c.ch.Ack(tag, false))
}

func (c *Channel) InspectQueue(name string) (queue.QueueInfo, error) {
	q, err := c.ch.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return queue.QueueInfo{}, wrap("inspect queue "+name, err)
	}
	return queue.QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

func (c *Channel) InspectExchange(name string) error {
	err := c.ch.ExchangeDeclarePassive(name, queue.ExchangeDirect, false, false, false, false, nil)
	return wrap("inspect exchange "+name, err)
}

func (c *Channel) Close() error {
	err := c.ch.Close()
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// wrap turns amqp protocol exceptions into queue.ChannelError; every one of
// them closes the channel it was raised on.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *amqp.Error
	if errors.As(err, &ae) {
		return fmt.Errorf("%s: %w", op, &queue.ChannelError{Code: ae.Code, Reason: ae.Reason, Err: err})
	}
	return fmt.Errorf("%s: %w", op, err)
}
