// Package bus implements the pub/sub control bus port: a paho MQTT client for
// production and an in-memory broker with the same retained/last-will
// semantics for tests and single-process runs.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// Will is a message the broker publishes on behalf of a client that vanishes
// without closing cleanly.
type Will struct {
	Topic   string
	Payload []byte
	QoS     domain.QoS
	Retain  bool
}

// Broker is an in-memory MQTT-like broker. Retained topics present their last
// value to new subscribers; per-subscription delivery order is arrival order.
type Broker struct {
	mu       sync.Mutex
	retained map[string]domain.Message
	subs     map[int64]*subscription
	nextID   int64
}

type subscription struct {
	filter string
	ch     chan domain.Message
	done   chan struct{}
	once   sync.Once
}

// NewBroker constructs an empty broker.
func NewBroker() *Broker {
	return &Broker{
		retained: make(map[string]domain.Message),
		subs:     make(map[int64]*subscription),
	}
}

func (b *Broker) publish(msg domain.Message, retain bool) {
	b.mu.Lock()
	if retain {
		msg.Retained = true
		b.retained[msg.Topic] = msg
	}
	targets := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if domain.MatchTopic(s.filter, msg.Topic) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()
	for _, s := range targets {
		// A subscriber may cancel while this send is blocked; its message
		// channel is never closed, so the send cannot panic.
		select {
		case s.ch <- msg:
		case <-s.done:
		}
	}
}

func (b *Broker) subscribe(filter string) (int64, *subscription, []domain.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	s := &subscription{filter: filter, ch: make(chan domain.Message, 256), done: make(chan struct{})}
	b.subs[id] = s
	var replay []domain.Message
	for topic, msg := range b.retained {
		if domain.MatchTopic(filter, topic) {
			replay = append(replay, msg)
		}
	}
	return id, s, replay
}

func (b *Broker) unsubscribe(id int64) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		s.once.Do(func() { close(s.done) })
	}
}

// Retained returns the retained payload at topic, if any.
func (b *Broker) Retained(topic string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.retained[topic]
	return msg.Payload, ok
}

// Connect returns a client attached to the broker carrying the given wills.
func (b *Broker) Connect(wills ...Will) *InMemClient {
	return &InMemClient{broker: b, wills: wills}
}

// InMemClient implements domain.Bus against a Broker.
type InMemClient struct {
	broker *Broker
	wills  []Will

	mu     sync.Mutex
	closed bool
	unsubs []func()
	wg     sync.WaitGroup
}

var _ domain.Bus = (*InMemClient)(nil)

// Publish delivers to the broker; the in-memory transport cannot be down.
func (c *InMemClient) Publish(_ context.Context, topic string, payload []byte, _ domain.QoS, retain bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.ErrBusUnavailable
	}
	c.mu.Unlock()
	c.broker.publish(domain.Message{Topic: topic, Payload: payload}, retain)
	return nil
}

// Subscribe registers h for filter; messages are delivered one at a time in
// arrival order on a dedicated goroutine. Panics in h are logged and dropped.
func (c *InMemClient) Subscribe(filter string, _ domain.QoS, h domain.Handler) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrBusUnavailable
	}
	c.mu.Unlock()
	id, sub, replay := c.broker.subscribe(filter)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for _, msg := range replay {
			safeDeliver(h, msg)
		}
		for {
			select {
			case msg := <-sub.ch:
				safeDeliver(h, msg)
			case <-sub.done:
				return
			}
		}
	}()
	cancel := func() { c.broker.unsubscribe(id) }
	c.mu.Lock()
	c.unsubs = append(c.unsubs, cancel)
	c.mu.Unlock()
	return cancel, nil
}

// Fetch returns the retained value at topic, waiting up to timeout for one.
func (c *InMemClient) Fetch(ctx context.Context, topic string, timeout time.Duration) ([]byte, error) {
	if payload, ok := c.broker.Retained(topic); ok {
		return payload, nil
	}
	got := make(chan []byte, 1)
	cancel, err := c.Subscribe(topic, domain.ExactlyOnce, func(m domain.Message) {
		select {
		case got <- m.Payload:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer cancel()
	select {
	case payload := <-got:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, domain.ErrBusTimeout
	}
}

// Close cancels subscriptions without firing wills (a clean disconnect).
func (c *InMemClient) Close() {
	c.shutdown(false)
}

// Drop simulates the owning process dying: the broker fires the last wills.
func (c *InMemClient) Drop() {
	c.shutdown(true)
}

func (c *InMemClient) shutdown(fireWills bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	c.wg.Wait()
	if fireWills {
		for _, w := range c.wills {
			c.broker.publish(domain.Message{Topic: w.Topic, Payload: w.Payload}, w.Retain)
		}
	}
}

func safeDeliver(h domain.Handler, msg domain.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("bus handler panicked", slog.String("topic", msg.Topic), slog.Any("recover", rec))
		}
	}()
	h(msg)
}
