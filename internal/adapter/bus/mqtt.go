package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/pioreactor/pioreactor-go/internal/adapter/observability"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

const (
	publishAttempts = 10
	publishInterval = 500 * time.Millisecond
	connectTimeout  = 5 * time.Second
)

// MQTTClient implements domain.Bus over a real broker via paho.
type MQTTClient struct {
	cli mqtt.Client

	mu     sync.Mutex
	nextID int
}

var _ domain.Bus = (*MQTTClient)(nil)

// NewMQTTClient connects to brokerURL. The first will (paho supports one) is
// registered at connect time; jobs register their $state will here so a dead
// process leaves a retained "lost".
func NewMQTTClient(brokerURL, clientID string, wills ...Will) (*MQTTClient, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOrderMatters(true)
	if len(wills) > 0 {
		w := wills[0]
		opts.SetBinaryWill(w.Topic, w.Payload, byte(w.QoS), w.Retain)
	}
	cli := mqtt.NewClient(opts)
	tok := cli.Connect()
	if !tok.WaitTimeout(connectTimeout) || tok.Error() != nil {
		return nil, fmt.Errorf("op=bus.Connect broker=%s: %w", brokerURL, domain.ErrBusUnavailable)
	}
	return &MQTTClient{cli: cli}, nil
}

// Publish retries with linear backoff while the broker is unreachable; the
// budget is capped so a dead broker surfaces an error instead of hanging the
// owning job.
func (c *MQTTClient) Publish(ctx context.Context, topic string, payload []byte, qos domain.QoS, retain bool) error {
	op := func() error {
		tok := c.cli.Publish(topic, byte(qos), retain, payload)
		if !tok.WaitTimeout(connectTimeout) {
			return domain.ErrBusTimeout
		}
		return tok.Error()
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(publishInterval), publishAttempts),
		ctx,
	)
	if err := backoff.Retry(op, b); err != nil {
		return fmt.Errorf("op=bus.Publish topic=%s: %w: %v", topic, domain.ErrBusUnavailable, err)
	}
	observability.BusMessagesTotal.WithLabelValues("published").Inc()
	return nil
}

// Subscribe delivers messages for filter to h in arrival order. Paho invokes
// callbacks per-subscription in order when SetOrderMatters is on.
func (c *MQTTClient) Subscribe(filter string, qos domain.QoS, h domain.Handler) (func(), error) {
	cb := func(_ mqtt.Client, m mqtt.Message) {
		observability.BusMessagesTotal.WithLabelValues("received").Inc()
		safeDeliver(h, domain.Message{Topic: m.Topic(), Payload: m.Payload(), Retained: m.Retained()})
	}
	tok := c.cli.Subscribe(filter, byte(qos), cb)
	if !tok.WaitTimeout(connectTimeout) || tok.Error() != nil {
		return nil, fmt.Errorf("op=bus.Subscribe filter=%s: %w", filter, domain.ErrBusUnavailable)
	}
	cancel := func() {
		if t := c.cli.Unsubscribe(filter); !t.WaitTimeout(connectTimeout) {
			slog.Warn("bus unsubscribe timed out", slog.String("filter", filter))
		}
	}
	return cancel, nil
}

// Fetch subscribes to topic and returns the first (typically retained)
// payload, or ErrBusTimeout.
func (c *MQTTClient) Fetch(ctx context.Context, topic string, timeout time.Duration) ([]byte, error) {
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
		return nil, fmt.Errorf("op=bus.Fetch topic=%s: %w", topic, domain.ErrBusTimeout)
	}
}

// Close disconnects cleanly; the will is not fired.
func (c *MQTTClient) Close() {
	c.cli.Disconnect(250)
}
