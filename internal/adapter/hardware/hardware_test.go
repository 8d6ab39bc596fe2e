package hardware

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

func TestADS1115VoltageFromRaw(t *testing.T) {
	assert.InDelta(t, 4.096, ADS1115VoltageFromRaw(32767, 4.096), 1e-9)
	assert.InDelta(t, 0.0, ADS1115VoltageFromRaw(0, 4.096), 1e-9)
	assert.InDelta(t, -2.048, ADS1115VoltageFromRaw(-16384, 4.096), 1e-3)
	assert.InDelta(t, 0.256, ADS1115VoltageFromRaw(32767, 0.256), 1e-9)
}

func TestPicoVoltageFromRaw(t *testing.T) {
	assert.InDelta(t, 3.3, PicoVoltageFromRaw(4095*16), 1e-9)
	assert.InDelta(t, 1.65, PicoVoltageFromRaw(4095*8), 1e-9)
	assert.Zero(t, PicoVoltageFromRaw(0))
}

func TestAutoGainPicksTightestRange(t *testing.T) {
	assert.Equal(t, 0.256, AutoGain(0.1))
	assert.Equal(t, 0.512, AutoGain(0.3))
	assert.Equal(t, 1.024, AutoGain(0.5))
	assert.Equal(t, 2.048, AutoGain(1.0))
	assert.Equal(t, 4.096, AutoGain(2.0))
	// Off-scale readings fall back to the widest range.
	assert.Equal(t, 4.096, AutoGain(5.0))
}

func TestLeasedPWMExclusive(t *testing.T) {
	var lastChannel string
	var lastDuty float64
	pwm := NewLeasedPWM(func(channel string, duty float64) error {
		lastChannel, lastDuty = channel, duty
		return nil
	})

	lease, err := pwm.Acquire("stirring")
	require.NoError(t, err)

	_, err = pwm.Acquire("stirring")
	require.ErrorIs(t, err, domain.ErrResourceBusy)

	// A different channel is independent.
	other, err := pwm.Acquire("heater")
	require.NoError(t, err)
	other.Release()

	require.NoError(t, lease.SetDuty(42))
	assert.Equal(t, "stirring", lastChannel)
	assert.Equal(t, 42.0, lastDuty)

	require.ErrorIs(t, lease.SetDuty(150), domain.ErrInvalidArgument)
	require.ErrorIs(t, lease.SetDuty(-1), domain.ErrInvalidArgument)

	// Release zeroes the duty and frees the channel; releasing twice is safe.
	lease.Release()
	lease.Release()
	assert.Equal(t, 0.0, lastDuty)
	lease2, err := pwm.Acquire("stirring")
	require.NoError(t, err)
	lease2.Release()
}

func TestMockADC(t *testing.T) {
	adc := NewMockADC(0.05)
	v, err := adc.ReadVoltage("1")
	require.NoError(t, err)
	assert.Equal(t, 0.05, v)

	adc.Set("2", 1.25)
	v, err = adc.ReadVoltage("2")
	require.NoError(t, err)
	assert.Equal(t, 1.25, v)

	_, err = adc.ReadVoltage("9")
	require.ErrorIs(t, err, domain.ErrHardwareMissing)
}

func TestMockRPMCounterTracksDuty(t *testing.T) {
	counter := &MockRPMCounter{RPMPerDC: 14}
	counter.SetDuty(30)
	rpm, err := counter.Measure(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 420.0, rpm)

	counter.Transform = func(rpm float64) float64 { return rpm - 1000 }
	rpm, err = counter.Measure(time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, rpm) // clamped at zero
}

func TestMockLED(t *testing.T) {
	led := NewMockLED()
	require.NoError(t, led.SetIntensity("A", 70))
	assert.Equal(t, 70.0, led.Get("A"))
	assert.Zero(t, led.Get("B"))
	require.ErrorIs(t, led.SetIntensity("A", 101), domain.ErrInvalidArgument)
}
