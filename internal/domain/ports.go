package domain

import (
	"context"
	"time"
)

// QoS mirrors MQTT delivery guarantees. Settings, state, and calibrations use
// ExactlyOnce; high-rate samples use AtLeastOnce.
type QoS byte

const (
	AtMostOnce  QoS = 0
	AtLeastOnce QoS = 1
	ExactlyOnce QoS = 2
)

// Message is one bus delivery.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Handler consumes bus messages. Handlers are isolated: a panic in one
// handler is logged but never kills the owning process.
type Handler func(Message)

// Bus is the pub/sub control bus port. Implementations: the paho MQTT client
// and the in-memory broker used in tests.
type Bus interface {
	// Publish retries with linear backoff (capped) while the broker is down;
	// past the budget it returns ErrBusUnavailable but never panics.
	Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error
	// Subscribe delivers matching messages to h in arrival order per
	// subscription. The returned func cancels the subscription.
	Subscribe(filter string, qos QoS, h Handler) (func(), error)
	// Fetch returns the retained payload at topic, waiting up to timeout for
	// one to arrive; ErrBusTimeout otherwise.
	Fetch(ctx context.Context, topic string, timeout time.Duration) ([]byte, error)
	Close()
}

// ADC reads a photodiode channel, returning volts.
type ADC interface {
	ReadVoltage(channel string) (float64, error)
}

// PWMLease is exclusive ownership of one PWM channel. Release is safe to call
// on every exit path, including after a failed acquire chain.
type PWMLease interface {
	SetDuty(percent float64) error
	Release()
}

// PWM hands out channel leases. A second acquire of a busy channel fails
// immediately with ErrResourceBusy.
type PWM interface {
	Acquire(channel string) (PWMLease, error)
}

// TempSensor reads the vial temperature in Celsius.
type TempSensor interface {
	ReadTemp() (float64, error)
}

// RPMCounter counts hall-effect edges over a window and returns RPM.
type RPMCounter interface {
	Measure(window time.Duration) (float64, error)
}

// LEDDriver sets one LED channel's intensity in percent.
type LEDDriver interface {
	SetIntensity(channel string, percent float64) error
}
