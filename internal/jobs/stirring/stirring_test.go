package stirring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/adapter/bus"
	"github.com/pioreactor/pioreactor-go/internal/adapter/hardware"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

func newTestStirrer(t *testing.T, client domain.Bus) (*Stirrer, *hardware.MockRPMCounter) {
	t.Helper()
	counter := &hardware.MockRPMCounter{RPMPerDC: 10}
	pwm := hardware.NewLeasedPWM(func(_ string, duty float64) error {
		counter.SetDuty(duty)
		return nil
	})
	s := New(Options{
		Unit:       "u1",
		Experiment: "exp1",
		Source:     "test",
		Bus:        client,
		PWM:        pwm,
		RPM:        counter,
		TargetRPM:  500,
		LoopPeriod: 20 * time.Millisecond,
	})
	return s, counter
}

func TestStirrerConvergesToTargetRPM(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	s, _ := newTestStirrer(t, client)
	require.NoError(t, s.Start(context.Background()))
	defer s.Disconnect(context.Background())

	require.NoError(t, s.BlockUntilRPMCloseToTarget(context.Background(), 25, 3*time.Second))
	assert.InDelta(t, 500, s.MeasuredRPM(), 30)
}

func TestStirrerSleepCutsDuty(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	s, counter := newTestStirrer(t, client)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Disconnect(ctx)

	require.NoError(t, s.SetState(ctx, domain.StateSleeping))
	rpm, err := counter.Measure(time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, rpm)

	// Resume restores the pre-sleep duty cycle.
	require.NoError(t, s.SetState(ctx, domain.StateReady))
	rpm, err = counter.Measure(time.Millisecond)
	require.NoError(t, err)
	assert.Greater(t, rpm, 0.0)
}

func TestStirrerStatePublishedRetained(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	s, _ := newTestStirrer(t, client)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	payload, ok := broker.Retained(domain.StateTopic("u1", "exp1", JobName))
	require.True(t, ok)
	assert.Equal(t, "ready", string(payload))

	s.Disconnect(ctx)
	payload, ok = broker.Retained(domain.StateTopic("u1", "exp1", JobName))
	require.True(t, ok)
	assert.Equal(t, "disconnected", string(payload))
}

func TestStirrerRemoteTargetWrite(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	s, _ := newTestStirrer(t, client)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	defer s.Disconnect(ctx)

	writer := broker.Connect()
	defer writer.Close()
	topic := domain.SettingSetTopic("u1", "exp1", JobName, "target_rpm")
	require.NoError(t, writer.Publish(ctx, topic, []byte("750"), domain.ExactlyOnce, false))

	require.Eventually(t, func() bool {
		v, _ := s.Setting("target_rpm")
		return v == "750"
	}, time.Second, 5*time.Millisecond)
}

func TestSecondStirrerCannotAcquirePWM(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	pwm := hardware.NewLeasedPWM(nil)
	counter := &hardware.MockRPMCounter{RPMPerDC: 10}

	first := New(Options{Unit: "u1", Experiment: "exp1", Bus: client, PWM: pwm, RPM: counter, TargetRPM: 500})
	require.NoError(t, first.Start(context.Background()))
	defer first.Disconnect(context.Background())

	second := New(Options{Unit: "u1", Experiment: "exp1", Bus: client, PWM: pwm, RPM: counter, TargetRPM: 500})
	err := second.Start(context.Background())
	assert.ErrorIs(t, err, domain.ErrResourceBusy)
}
