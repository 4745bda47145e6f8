package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"amqp-bdd/internal/config"
)

var (
	ErrNotConnected  = errors.New("not connected")
	ErrNoMessage     = errors.New("no message received")
	ErrChannelClosed = errors.New("channel closed")
)

// ExchangeDirect is the only exchange kind the steps declare.
const ExchangeDirect = "direct"

type HealthStatus struct {
	OK      bool
	Details string
}

// Dialer opens a connection with the given settings.
type Dialer func(cfg config.Config) (Connection, error)

// Connection is one live session to the broker.
type Connection interface {
	Channel() (Channel, error)
	// Reconnect closes the current session and dials a new one with the same
	// settings. Channels opened before the call are unusable afterwards.
	Reconnect() error
	Close() error
	Health() HealthStatus
}

// Channel is a logical session multiplexed over a Connection. A channel that
// returned an error recognized by IsChannelClosed must be replaced.
type Channel interface {
	DeclareQueue(name string) error
	DeclareExchange(name, kind string) error
	BindQueue(queue, exchange, routingKey string) error
	PurgeQueue(name string) (int, error)
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error

	// ConsumeOne registers a one-shot consumer on the queue and waits up to
	// timeout for a single delivery. It returns ErrNoMessage when the wait
	// elapses. The consumer is cancelled before returning.
	ConsumeOne(queue string, timeout time.Duration) (*Delivery, error)

	// Passive checks; a missing resource closes the channel.
	InspectQueue(name string) (QueueInfo, error)
	InspectExchange(name string) error

	Close() error
}

// Binding is a queue bound to an exchange under a routing key.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Inspector reads broker topology outside of the AMQP protocol.
type Inspector interface {
	ListBindings(queue string) ([]Binding, error)
}

// Lister enumerates the user queues and exchanges of the vhost.
type Lister interface {
	ListQueues() ([]string, error)
	ListExchanges() ([]string, error)
}

// Deleter removes broker resources outside of the AMQP protocol. Deleting a
// missing resource is not an error.
type Deleter interface {
	DeleteQueue(name string) error
	DeleteExchange(name string) error
}

type QueueInfo struct {
	Name      string
	Messages  int
	Consumers int
}

// Delivery is a consumed message.
type Delivery struct {
	Body        []byte
	DeliveryTag uint64
	Exchange    string
	RoutingKey  string
	MessageID   string
	ContentType string
	Headers     map[string]any

	Acknowledger Acknowledger
}

type Acknowledger interface {
	Ack(tag uint64) error
}

func (d *Delivery) Ack() error {
	if d.Acknowledger == nil {
		return errors.New("delivery has no acknowledger")
	}
	return d.Acknowledger.Ack(d.DeliveryTag)
}

// ChannelError is returned by channel operations that closed the channel on
// the broker side.
type ChannelError struct {
	Code   int
	Reason string
	Err    error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel closed: %d %s", e.Code, e.Reason)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

func (e *ChannelError) Is(target error) bool {
	return target == ErrChannelClosed
}

// IsChannelClosed reports whether err means the channel it came from can no
// longer be used.
func IsChannelClosed(err error) bool {
	return errors.Is(err, ErrChannelClosed)
}
