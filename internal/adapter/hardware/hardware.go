// Package hardware provides the hardware port implementations the control
// plane wires in. Physical drivers (I2C ADC, PWM HAT, temperature sensor) are
// external collaborators; this package holds the ADC voltage conversions,
// the exclusive PWM lease registry, and mocks used when TESTING=1.
package hardware

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// ADS1115VoltageFromRaw converts a raw 16-bit ADS1115 reading at the given
// PGA full-scale range to volts.
func ADS1115VoltageFromRaw(raw int16, pgaRange float64) float64 {
	return float64(raw) * pgaRange / 32767.0
}

// PicoVoltageFromRaw converts a raw Pico ADC reading (12-bit, 16x oversample
// accumulator) to volts.
func PicoVoltageFromRaw(raw int) float64 {
	return float64(raw) / (4095.0 * 16.0) * 3.3
}

// ADS1X15GainThresholds maps PGA full-scale range to the signal ceiling at
// which auto-gain steps down to that range.
var ADS1X15GainThresholds = map[float64][2]float64{
	0.256: {0.0, 0.204},
	0.512: {0.204, 0.409},
	1.024: {0.409, 0.819},
	2.048: {0.819, 1.638},
	4.096: {1.638, 3.3},
}

// AutoGain picks the tightest PGA range containing the observed voltage.
func AutoGain(voltage float64) float64 {
	best := 4.096
	for pga, bounds := range ADS1X15GainThresholds {
		if voltage >= bounds[0] && voltage < bounds[1] && pga < best {
			best = pga
		}
	}
	return best
}

// LeasedPWM hands out exclusive channel leases. A second acquire of a busy
// channel fails immediately.
type LeasedPWM struct {
	mu     sync.Mutex
	busy   map[string]bool
	target func(channel string, duty float64) error
}

var _ domain.PWM = (*LeasedPWM)(nil)

// NewLeasedPWM wraps the raw duty setter; nil means a no-op mock.
func NewLeasedPWM(target func(channel string, duty float64) error) *LeasedPWM {
	if target == nil {
		target = func(string, float64) error { return nil }
	}
	return &LeasedPWM{busy: make(map[string]bool), target: target}
}

// Acquire takes the channel or fails with ErrResourceBusy.
func (p *LeasedPWM) Acquire(channel string) (domain.PWMLease, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy[channel] {
		return nil, fmt.Errorf("op=pwm.Acquire channel=%s: %w", channel, domain.ErrResourceBusy)
	}
	p.busy[channel] = true
	return &pwmLease{pwm: p, channel: channel}, nil
}

type pwmLease struct {
	pwm     *LeasedPWM
	channel string
	once    sync.Once
}

func (l *pwmLease) SetDuty(percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("op=pwm.SetDuty duty=%v: %w", percent, domain.ErrInvalidArgument)
	}
	return l.pwm.target(l.channel, percent)
}

func (l *pwmLease) Release() {
	l.once.Do(func() {
		_ = l.pwm.target(l.channel, 0)
		l.pwm.mu.Lock()
		delete(l.pwm.busy, l.channel)
		l.pwm.mu.Unlock()
	})
}

// MockADC returns scripted voltages per channel; safe for concurrent use.
type MockADC struct {
	mu       sync.Mutex
	voltages map[string]float64
}

var _ domain.ADC = (*MockADC)(nil)

// NewMockADC starts all channels at v.
func NewMockADC(v float64) *MockADC {
	return &MockADC{voltages: map[string]float64{"1": v, "2": v}}
}

// Set scripts the next readings for a channel.
func (a *MockADC) Set(channel string, v float64) {
	a.mu.Lock()
	a.voltages[channel] = v
	a.mu.Unlock()
}

// ReadVoltage returns the scripted voltage.
func (a *MockADC) ReadVoltage(channel string) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.voltages[channel]
	if !ok {
		return 0, fmt.Errorf("op=adc.ReadVoltage channel=%s: %w", channel, domain.ErrHardwareMissing)
	}
	return v, nil
}

// MockTempSensor returns a fixed temperature.
type MockTempSensor struct{ Celsius float64 }

var _ domain.TempSensor = (*MockTempSensor)(nil)

// ReadTemp returns the scripted temperature.
func (m *MockTempSensor) ReadTemp() (float64, error) { return m.Celsius, nil }

// MockRPMCounter models a stirrer that tracks a target RPM proportional to
// duty cycle, with optional noise hook.
type MockRPMCounter struct {
	mu        sync.Mutex
	RPMPerDC  float64
	dc        float64
	Transform func(rpm float64) float64
}

var _ domain.RPMCounter = (*MockRPMCounter)(nil)

// SetDuty records the applied duty cycle so Measure tracks it.
func (m *MockRPMCounter) SetDuty(dc float64) {
	m.mu.Lock()
	m.dc = dc
	m.mu.Unlock()
}

// Measure returns RPMPerDC * duty after the window elapses.
func (m *MockRPMCounter) Measure(window time.Duration) (float64, error) {
	time.Sleep(minDuration(window, 5*time.Millisecond))
	m.mu.Lock()
	defer m.mu.Unlock()
	rpm := m.RPMPerDC * m.dc
	if m.Transform != nil {
		rpm = m.Transform(rpm)
	}
	return math.Max(rpm, 0), nil
}

// MockLED records the last intensity per channel.
type MockLED struct {
	mu          sync.Mutex
	Intensities map[string]float64
}

var _ domain.LEDDriver = (*MockLED)(nil)

// NewMockLED starts all channels off.
func NewMockLED() *MockLED {
	return &MockLED{Intensities: map[string]float64{"A": 0, "B": 0, "C": 0, "D": 0}}
}

// SetIntensity records the intensity.
func (m *MockLED) SetIntensity(channel string, percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("op=led.SetIntensity intensity=%v: %w", percent, domain.ErrInvalidArgument)
	}
	m.mu.Lock()
	m.Intensities[channel] = percent
	m.mu.Unlock()
	return nil
}

// Get returns the last set intensity.
func (m *MockLED) Get(channel string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Intensities[channel]
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
