package odreading

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/adapter/bus"
	"github.com/pioreactor/pioreactor-go/internal/adapter/hardware"
	"github.com/pioreactor/pioreactor-go/internal/calibration"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

func odCalibration() *calibration.Calibration {
	// voltage = 2 * OD, so 1.0 V reads back as OD 0.5.
	return &calibration.Calibration{
		Name:   "od-cal",
		Device: "od90",
		Angle:  "90",
		CurveData: calibration.Curve{
			Type:         calibration.CurvePoly,
			Coefficients: []float64{2, 0},
		},
		Recorded: calibration.RecordedData{X: []float64{0, 1}, Y: []float64{0, 2}},
	}
}

func TestSampleOnceAppliesDarkOffsetAndCalibration(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	adc := hardware.NewMockADC(0.1) // dark reference during warmup
	led := hardware.NewMockLED()
	r := New(Options{
		Unit:               "u1",
		Experiment:         "exp1",
		Source:             "test",
		Bus:                client,
		ADC:                adc,
		LED:                led,
		Channels:           map[string]string{"1": "90"},
		IRLEDIntensity:     70,
		Calibrations:       map[string]*calibration.Calibration{"90": odCalibration()},
		StabilizationDelay: time.Millisecond,
	})

	var mu sync.Mutex
	var published []domain.ODReadings
	unsub, err := client.Subscribe(domain.ODReadingsTopic("u1", "exp1"), domain.AtLeastOnce, func(m domain.Message) {
		var rd domain.ODReadings
		require.NoError(t, json.Unmarshal(m.Payload, &rd))
		mu.Lock()
		published = append(published, rd)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	defer r.Disconnect(ctx)

	// Lit voltage 1.1 V minus the 0.1 V dark reference = 1.0 V -> OD 0.5.
	adc.Set("1", 1.1)
	readings, err := r.SampleOnce(ctx)
	require.NoError(t, err)

	require.Contains(t, readings.ODs, "1")
	got := readings.ODs["1"]
	assert.Equal(t, "90", got.Angle)
	assert.InDelta(t, 0.5, got.OD, 1e-6)
	assert.InDelta(t, 70, got.IRLEDIntensity, 1e-9)
	assert.InDelta(t, 70, led.Get("IR"), 1e-9)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(published) == 1
	}, time.Second, time.Millisecond)
}

func TestSampleWithoutCalibrationEmitsVoltage(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	adc := hardware.NewMockADC(0)
	r := New(Options{
		Unit:               "u1",
		Experiment:         "exp1",
		Bus:                client,
		ADC:                adc,
		LED:                hardware.NewMockLED(),
		Channels:           map[string]string{"2": "45"},
		IRLEDIntensity:     50,
		StabilizationDelay: time.Millisecond,
	})
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	defer r.Disconnect(ctx)

	adc.Set("2", 0.42)
	readings, err := r.SampleOnce(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.42, readings.ODs["2"].OD, 1e-9)
}

func TestSleepTurnsIRLEDOff(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	led := hardware.NewMockLED()
	r := New(Options{
		Unit:               "u1",
		Experiment:         "exp1",
		Bus:                client,
		ADC:                hardware.NewMockADC(0),
		LED:                led,
		Channels:           map[string]string{"1": "90"},
		IRLEDIntensity:     80,
		Interval:           10 * time.Millisecond,
		StabilizationDelay: time.Millisecond,
	})
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	defer r.Disconnect(ctx)

	require.Eventually(t, func() bool { return led.Get("IR") == 80 }, time.Second, time.Millisecond)
	require.NoError(t, r.SetState(ctx, domain.StateSleeping))
	assert.Zero(t, led.Get("IR"))
}
