package temperature

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/adapter/bus"
	"github.com/pioreactor/pioreactor-go/internal/adapter/hardware"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

type dutyRecorder struct {
	mu   sync.Mutex
	last float64
}

func (d *dutyRecorder) set(_ string, duty float64) error {
	d.mu.Lock()
	d.last = duty
	d.mu.Unlock()
	return nil
}

func (d *dutyRecorder) get() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func TestControllerHeatsWhenCold(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	rec := &dutyRecorder{}
	sensor := &hardware.MockTempSensor{Celsius: 25}
	c := New(Options{
		Unit:          "u1",
		Experiment:    "exp1",
		Bus:           client,
		PWM:           hardware.NewLeasedPWM(rec.set),
		Sensor:        sensor,
		TargetCelsius: 32,
		Period:        time.Hour, // drive manually
	})
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Disconnect(ctx)

	c.RegulateOnce(ctx)
	assert.Greater(t, rec.get(), 0.0)
	assert.InDelta(t, 25, c.Latest(), 1e-9)
	assert.False(t, c.Emergency())
}

func TestControllerEmergencyCutsHeater(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	rec := &dutyRecorder{}
	sensor := &hardware.MockTempSensor{Celsius: 25}
	c := New(Options{
		Unit:          "u1",
		Experiment:    "exp1",
		Bus:           client,
		PWM:           hardware.NewLeasedPWM(rec.set),
		Sensor:        sensor,
		TargetCelsius: 32,
		Period:        time.Hour,
	})
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Disconnect(ctx)

	c.RegulateOnce(ctx)
	require.Greater(t, rec.get(), 0.0)

	sensor.Celsius = EmergencyCelsius + 1
	c.RegulateOnce(ctx)
	assert.True(t, c.Emergency())
	assert.Zero(t, rec.get())

	// Latched: cooling back down does not re-enable the heater.
	sensor.Celsius = 30
	c.RegulateOnce(ctx)
	assert.True(t, c.Emergency())
	assert.Zero(t, rec.get())
}

func TestControllerRejectsUnsafeTarget(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	c := New(Options{
		Unit:          "u1",
		Experiment:    "exp1",
		Bus:           client,
		PWM:           hardware.NewLeasedPWM(nil),
		Sensor:        &hardware.MockTempSensor{Celsius: 25},
		TargetCelsius: 32,
		Period:        time.Hour,
	})
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Disconnect(ctx)

	assert.ErrorIs(t, c.setTarget("70"), domain.ErrInvalidArgument)
	assert.NoError(t, c.setTarget("35"))
}
