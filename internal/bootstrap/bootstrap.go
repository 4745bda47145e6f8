package bootstrap

import (
	"fmt"
	"sort"
	"strings"

	"amqp-bdd/internal/config"
	"amqp-bdd/internal/queue"
	"amqp-bdd/internal/queue/memory"
	"amqp-bdd/internal/queue/rabbitmq"
)

const (
	ProviderRabbitMQ = "rabbitmq"
	ProviderMemory   = "memory"
)

// Backend bundles what the runner needs from a broker provider. Inspector
// and Deleter are nil when the provider has no management interface.
type Backend struct {
	Name      string
	Dial      queue.Dialer
	Inspector queue.Inspector
	Deleter   queue.Deleter
}

// NewBackend selects a provider by name. An empty name means RabbitMQ. The
// RabbitMQ management API is only wired when cfg names a management URI.
// opts apply to RabbitMQ connections only.
func NewBackend(provider string, cfg config.Config, opts ...rabbitmq.Option) (*Backend, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", ProviderRabbitMQ:
		b := &Backend{Name: ProviderRabbitMQ, Dial: rabbitmq.Dialer(opts...)}
		if cfg.ManagementURI != "" {
			m := rabbitmq.NewManagement(cfg)
			b.Inspector = m
			b.Deleter = m
		}
		return b, nil
	case ProviderMemory:
		broker := memory.New()
		return &Backend{Name: ProviderMemory, Dial: broker.Dial, Inspector: broker, Deleter: broker}, nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// DeclareTopology declares the exchanges, then the queues, then the bindings
// of top on a channel of its own. A binding without a key uses the queue
// name.
func DeclareTopology(conn queue.Connection, top config.Topology) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	names := make([]string, 0, len(top.Exchanges))
	for name := range top.Exchanges {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		kind := top.Exchanges[name]
		if kind == "" {
			kind = queue.ExchangeDirect
		}
		if err := ch.DeclareExchange(name, kind); err != nil {
			return fmt.Errorf("exchange %s: %w", name, err)
		}
	}
	for _, q := range top.Queues {
		if err := ch.DeclareQueue(q); err != nil {
			return fmt.Errorf("queue %s: %w", q, err)
		}
	}
	for _, b := range top.Bindings {
		key := b.Key
		if key == "" {
			key = b.Queue
		}
		if err := ch.BindQueue(b.Queue, b.Exchange, key); err != nil {
			return fmt.Errorf("binding %s -> %s: %w", b.Exchange, b.Queue, err)
		}
	}
	return nil
}
