package leds

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/adapter/bus"
	"github.com/pioreactor/pioreactor-go/internal/adapter/hardware"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

func TestSetWritesDriverAndRetains(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	led := hardware.NewMockLED()
	s := &Setter{Unit: "u1", Experiment: "exp1", Bus: client, Driver: led}

	require.NoError(t, s.Set(context.Background(), map[string]float64{"B": 20, "C": 5.5}, "test"))
	assert.InDelta(t, 20, led.Get("B"), 1e-9)
	assert.InDelta(t, 5.5, led.Get("C"), 1e-9)

	raw, ok := broker.Retained(domain.SettingTopic("u1", "exp1", JobName, "B"))
	require.True(t, ok)
	assert.Equal(t, "20.00", string(raw))

	_, ok = broker.Retained(domain.Topic("u1", "exp1", "leds", "intensity"))
	assert.True(t, ok)
}

func TestSetRejectsBadInput(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	s := &Setter{Unit: "u1", Experiment: "exp1", Bus: client, Driver: hardware.NewMockLED()}
	ctx := context.Background()

	assert.ErrorIs(t, s.Set(ctx, nil, "test"), domain.ErrInvalidArgument)
	assert.ErrorIs(t, s.Set(ctx, map[string]float64{"A": 150}, "test"), domain.ErrInvalidArgument)
	assert.ErrorIs(t, s.Set(ctx, map[string]float64{"Z": 10}, "test"), domain.ErrInvalidArgument)
}

func TestOffZeroesEveryChannel(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	led := hardware.NewMockLED()
	s := &Setter{Unit: "u1", Experiment: "exp1", Bus: client, Driver: led}
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, map[string]float64{"A": 40, "D": 60}, "test"))
	require.NoError(t, s.Off(ctx, "kill"))
	for _, ch := range Channels {
		assert.Zero(t, led.Get(ch), ch)
	}
}
