// Package memory is an in-process broker with AMQP 0-9-1 routing semantics
// for the subset the steps use: durable queues, direct and fanout exchanges,
// the default exchange, purge and single-message consumption with manual
// acknowledgement. Protocol exceptions close the channel they occur on, as on
// a real broker.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"amqp-bdd/internal/config"
	"amqp-bdd/internal/queue"

	"github.com/google/uuid"
)

// AMQP reply codes used by the broker.
const (
	codeAccessRefused      = 403
	codeNotFound           = 404
	codePreconditionFailed = 406
	codeChannelError       = 504
	codeNotImplemented     = 540
)

type message struct {
	body       []byte
	exchange   string
	routingKey string
	messageID  string
}

type memQueue struct {
	ready []message
	// wake is closed and replaced whenever a message becomes ready.
	wake chan struct{}
}

func (q *memQueue) push(m message) {
	q.ready = append(q.ready, m)
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *memQueue) requeue(m message) {
	q.ready = append([]message{m}, q.ready...)
	close(q.wake)
	q.wake = make(chan struct{})
}

type exchange struct {
	kind string
	// bindings maps routing key to the set of bound queues.
	bindings map[string]map[string]struct{}
}

// Broker holds the state shared by every connection dialed from it.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*memQueue
	exchanges map[string]*exchange

	unavailable error
}

func New() *Broker {
	b := &Broker{
		queues:    make(map[string]*memQueue),
		exchanges: make(map[string]*exchange),
	}
	for name, kind := range map[string]string{
		"amq.direct": "direct",
		"amq.fanout": "fanout",
	} {
		b.exchanges[name] = &exchange{kind: kind, bindings: make(map[string]map[string]struct{})}
	}
	return b
}

// SetUnavailable makes subsequent dials fail with err. A nil err restores
// normal operation.
func (b *Broker) SetUnavailable(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = err
}

// Dial is a queue.Dialer connecting to b.
func (b *Broker) Dial(cfg config.Config) (queue.Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("memory: %w", err)
	}
	c := &Connection{broker: b, cfg: cfg}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// Messages returns the number of ready messages in a queue, or -1 when the
// queue does not exist.
func (b *Broker) Messages(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return -1
	}
	return len(q.ready)
}

// Bound reports whether queueName is bound to exchangeName under key.
func (b *Broker) Bound(queueName, exchangeName, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return false
	}
	_, ok = ex.bindings[key][queueName]
	return ok
}

// ListBindings reports the exchange bindings of a queue, ordered by exchange
// then routing key. The implicit default-exchange binding is left out.
func (b *Broker) ListBindings(queueName string) ([]queue.Binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.queues[queueName]; !ok {
		return nil, fmt.Errorf("memory: no queue %q", queueName)
	}

	var result []queue.Binding
	for name, ex := range b.exchanges {
		for key, qs := range ex.bindings {
			if _, ok := qs[queueName]; ok {
				result = append(result, queue.Binding{Queue: queueName, Exchange: name, RoutingKey: key})
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Exchange != result[j].Exchange {
			return result[i].Exchange < result[j].Exchange
		}
		return result[i].RoutingKey < result[j].RoutingKey
	})
	return result, nil
}

// ListQueues returns the queue names in sorted order.
func (b *Broker) ListQueues() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ListExchanges returns the user exchange names in sorted order.
func (b *Broker) ListExchanges() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.exchanges))
	for name := range b.exchanges {
		if name != "" && !strings.HasPrefix(name, "amq.") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteQueue removes a queue and every binding to it.
func (b *Broker) DeleteQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, name)
	for _, ex := range b.exchanges {
		for key, qs := range ex.bindings {
			delete(qs, name)
			if len(qs) == 0 {
				delete(ex.bindings, key)
			}
		}
	}
	return nil
}

// DeleteExchange removes a user exchange with its bindings.
func (b *Broker) DeleteExchange(name string) error {
	if name == "" || strings.HasPrefix(name, "amq.") {
		return fmt.Errorf("memory: cannot delete system exchange %q", name)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.exchanges, name)
	return nil
}

func (b *Broker) route(exchangeName, key string, m message) error {
	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			q.push(m)
		}
		return nil
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return &queue.ChannelError{Code: codeNotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
	}

	targets := map[string]struct{}{}
	switch ex.kind {
	case "fanout":
		for _, qs := range ex.bindings {
			for name := range qs {
				targets[name] = struct{}{}
			}
		}
	default:
		for name := range ex.bindings[key] {
			targets[name] = struct{}{}
		}
	}
	for name := range targets {
		if q, ok := b.queues[name]; ok {
			q.push(m)
		}
	}
	return nil
}

// Connection is a queue.Connection to a Broker.
type Connection struct {
	broker *Broker
	cfg    config.Config

	mu       sync.Mutex
	open     bool
	channels []*Channel
}

func (c *Connection) connect() error {
	c.broker.mu.Lock()
	err := c.broker.unavailable
	c.broker.mu.Unlock()
	if err != nil {
		return fmt.Errorf("memory: dial %s: %w", c.cfg.Addr(), err)
	}

	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	return nil
}

func (c *Connection) Channel() (queue.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, queue.ErrNotConnected
	}
	ch := &Channel{conn: c, open: true, unacked: make(map[uint64]unacked)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Connection) Reconnect() error {
	c.closeChannels()
	return c.connect()
}

func (c *Connection) Close() error {
	c.closeChannels()
	return nil
}

func (c *Connection) closeChannels() {
	c.mu.Lock()
	channels := c.channels
	c.channels = nil
	c.open = false
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
}

// forget drops a closed channel from the connection.
func (c *Connection) forget(ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, open := range c.channels {
		if open == ch {
			c.channels = append(c.channels[:i], c.channels[i+1:]...)
			return
		}
	}
}

// OpenChannels returns the number of channels not yet closed.
func (c *Connection) OpenChannels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

func (c *Connection) Health() queue.HealthStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return queue.HealthStatus{OK: false, Details: "connection closed"}
	}
	return queue.HealthStatus{OK: true, Details: "connected"}
}

type unacked struct {
	queue string
	msg   message
}

// Channel is a queue.Channel on a memory Connection.
type Channel struct {
	conn *Connection

	mu      sync.Mutex
	open    bool
	nextTag uint64
	unacked map[uint64]unacked
}

var errChannelNotOpen = &queue.ChannelError{Code: codeChannelError, Reason: "channel/connection is not open"}

// do runs fn under the broker lock on an open channel. A ChannelError
// returned by fn closes the channel.
func (c *Channel) do(fn func(b *Broker) error) error {
	c.mu.Lock()
	open := c.open
	c.mu.Unlock()
	if !open {
		return errChannelNotOpen
	}

	b := c.conn.broker
	b.mu.Lock()
	err := fn(b)
	b.mu.Unlock()

	var ce *queue.ChannelError
	if errors.As(err, &ce) {
		_ = c.Close()
	}
	return err
}

func (c *Channel) DeclareQueue(name string) error {
	return c.do(func(b *Broker) error {
		if strings.HasPrefix(name, "amq.") {
			return &queue.ChannelError{Code: codeAccessRefused, Reason: fmt.Sprintf("ACCESS_REFUSED - queue name '%s' contains reserved prefix 'amq.*'", name)}
		}
		if _, ok := b.queues[name]; !ok {
			b.queues[name] = &memQueue{wake: make(chan struct{})}
		}
		return nil
	})
}

func (c *Channel) DeclareExchange(name, kind string) error {
	return c.do(func(b *Broker) error {
		if name == "" || strings.HasPrefix(name, "amq.") {
			return &queue.ChannelError{Code: codeAccessRefused, Reason: fmt.Sprintf("ACCESS_REFUSED - exchange name '%s' contains reserved prefix 'amq.*'", name)}
		}
		if kind != "direct" && kind != "fanout" {
			return &queue.ChannelError{Code: codeNotImplemented, Reason: fmt.Sprintf("NOT_IMPLEMENTED - exchange type '%s'", kind)}
		}
		if ex, ok := b.exchanges[name]; ok {
			if ex.kind != kind {
				return &queue.ChannelError{Code: codePreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s': received '%s' but current is '%s'", name, kind, ex.kind)}
			}
			return nil
		}
		b.exchanges[name] = &exchange{kind: kind, bindings: make(map[string]map[string]struct{})}
		return nil
	})
}

func (c *Channel) BindQueue(queueName, exchangeName, routingKey string) error {
	return c.do(func(b *Broker) error {
		if exchangeName == "" {
			return &queue.ChannelError{Code: codeAccessRefused, Reason: "ACCESS_REFUSED - operation not permitted on the default exchange"}
		}
		if _, ok := b.queues[queueName]; !ok {
			return &queue.ChannelError{Code: codeNotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
		}
		ex, ok := b.exchanges[exchangeName]
		if !ok {
			return &queue.ChannelError{Code: codeNotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName)}
		}
		if ex.bindings[routingKey] == nil {
			ex.bindings[routingKey] = make(map[string]struct{})
		}
		ex.bindings[routingKey][queueName] = struct{}{}
		return nil
	})
}

func (c *Channel) PurgeQueue(name string) (int, error) {
	var n int
	err := c.do(func(b *Broker) error {
		q, ok := b.queues[name]
		if !ok {
			return &queue.ChannelError{Code: codeNotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
		}
		n = len(q.ready)
		q.ready = nil
		return nil
	})
	return n, err
}

func (c *Channel) Publish(ctx context.Context, exchangeName, routingKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := message{
		body:       append([]byte(nil), body...),
		exchange:   exchangeName,
		routingKey: routingKey,
		messageID:  uuid.NewString(),
	}
	return c.do(func(b *Broker) error {
		return b.route(exchangeName, routingKey, m)
	})
}

func (c *Channel) ConsumeOne(queueName string, timeout time.Duration) (*queue.Delivery, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		var (
			d    *queue.Delivery
			wake chan struct{}
		)
		err := c.do(func(b *Broker) error {
			q, ok := b.queues[queueName]
			if !ok {
				return &queue.ChannelError{Code: codeNotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
			}
			if len(q.ready) == 0 {
				wake = q.wake
				return nil
			}
			m := q.ready[0]
			q.ready = q.ready[1:]
			d = c.track(queueName, m)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("consume %s: %w", queueName, err)
		}
		if d != nil {
			return d, nil
		}

		select {
		case <-wake:
		case <-timer.C:
			return nil, fmt.Errorf("%w from %q within %s", queue.ErrNoMessage, queueName, timeout)
		}
	}
}

// track records m as delivered and unacknowledged on c.
func (c *Channel) track(queueName string, m message) *queue.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextTag++
	c.unacked[c.nextTag] = unacked{queue: queueName, msg: m}
	return &queue.Delivery{
		Body:         m.body,
		DeliveryTag:  c.nextTag,
		Exchange:     m.exchange,
		RoutingKey:   m.routingKey,
		MessageID:    m.messageID,
		ContentType:  "text/plain",
		Acknowledger: c,
	}
}

func (c *Channel) Ack(tag uint64) error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return errChannelNotOpen
	}
	_, ok := c.unacked[tag]
	delete(c.unacked, tag)
	c.mu.Unlock()

	if !ok {
		_ = c.Close()
		return &queue.ChannelError{Code: codePreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	return nil
}

func (c *Channel) InspectQueue(name string) (queue.QueueInfo, error) {
	var info queue.QueueInfo
	err := c.do(func(b *Broker) error {
		q, ok := b.queues[name]
		if !ok {
			return &queue.ChannelError{Code: codeNotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
		}
		info = queue.QueueInfo{Name: name, Messages: len(q.ready)}
		return nil
	})
	return info, err
}

func (c *Channel) InspectExchange(name string) error {
	return c.do(func(b *Broker) error {
		if name == "" {
			return nil
		}
		if _, ok := b.exchanges[name]; !ok {
			return &queue.ChannelError{Code: codeNotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", name)}
		}
		return nil
	})
}

// Close closes the channel and returns its unacknowledged deliveries to the
// head of their queues.
func (c *Channel) Close() error {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return nil
	}
	c.open = false
	pending := c.unacked
	last := c.nextTag
	c.unacked = make(map[uint64]unacked)
	c.mu.Unlock()

	c.conn.forget(c)

	if len(pending) == 0 {
		return nil
	}

	b := c.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	// Highest tag first so the earliest delivery ends up at the head.
	for tag := last; tag > 0; tag-- {
		u, ok := pending[tag]
		if !ok {
			continue
		}
		if q, ok := b.queues[u.queue]; ok {
			q.requeue(u.msg)
		}
	}
	return nil
}
