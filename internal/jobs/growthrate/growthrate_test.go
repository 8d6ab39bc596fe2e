package growthrate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/adapter/bus"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

func readings(ods ...float64) domain.ODReadings {
	rd := domain.ODReadings{Timestamp: time.Now().UTC(), ODs: make(map[string]domain.RawODReading)}
	for i, od := range ods {
		ch := string(rune('1' + i))
		rd.ODs[ch] = domain.RawODReading{Timestamp: rd.Timestamp, Angle: "90", OD: od, Channel: ch}
	}
	return rd
}

func TestEKFTracksGrowth(t *testing.T) {
	f, err := NewEKF([]float64{0.4}, defaultODProcVar, defaultRateProcVar, defaultObsVar)
	require.NoError(t, err)

	od := 0.4
	var rate float64
	for i := 0; i < 30; i++ {
		od *= 1.02
		_, rate, err = f.Step([]float64{od})
		require.NoError(t, err)
	}
	assert.Greater(t, rate, 1.0)

	// Flat signal pulls the per-step rate back toward 1.
	for i := 0; i < 200; i++ {
		_, rate, err = f.Step([]float64{od})
		require.NoError(t, err)
	}
	assert.InDelta(t, 1.0, rate, 0.01)
}

func TestEKFRejectsShapeChange(t *testing.T) {
	f, err := NewEKF([]float64{0.4, 0.5}, defaultODProcVar, defaultRateProcVar, defaultObsVar)
	require.NoError(t, err)
	_, _, err = f.Step([]float64{0.4})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCalculatorPublishesRateAndFilteredOD(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	c := New(Options{
		Unit:             "u1",
		Experiment:       "exp1",
		Source:           "test",
		Bus:              client,
		SamplesPerSecond: 0.2,
	})
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Disconnect(ctx)

	od := 0.4
	require.NoError(t, c.Ingest(ctx, readings(od)))
	for i := 0; i < 20; i++ {
		od *= 1.02
		require.NoError(t, c.Ingest(ctx, readings(od)))
	}

	raw, ok := broker.Retained(domain.SettingTopic("u1", "exp1", "growth_rate_calculating", "growth_rate"))
	require.True(t, ok)
	var gr domain.GrowthRate
	require.NoError(t, json.Unmarshal(raw, &gr))
	assert.Greater(t, gr.GrowthRate, 0.0)

	raw, ok = broker.Retained(domain.SettingTopic("u1", "exp1", "growth_rate_calculating", "od_filtered"))
	require.True(t, ok)
	var odf domain.ODFiltered
	require.NoError(t, json.Unmarshal(raw, &odf))
	assert.InDelta(t, od, odf.ODFiltered, 0.05)
}

func TestCalculatorInflatesVarianceOnDosing(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	c := New(Options{Unit: "u1", Experiment: "exp1", Bus: client, SamplesPerSecond: 0.2})
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	defer c.Disconnect(ctx)

	require.NoError(t, c.Ingest(ctx, readings(0.5)))
	require.NoError(t, c.Ingest(ctx, readings(0.5)))

	ev := domain.DosingEvent{VolumeChangeML: 1, Event: domain.EventAddMedia, Timestamp: time.Now()}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, domain.DosingEventsTopic("u1", "exp1"), raw, domain.ExactlyOnce, false))

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.ekf.inflationSteps > 0
	}, time.Second, time.Millisecond)

	// The dilution drop is absorbed without a violent rate swing.
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Ingest(ctx, readings(0.42)))
	}
	raw, ok := broker.Retained(domain.SettingTopic("u1", "exp1", "growth_rate_calculating", "growth_rate"))
	require.True(t, ok)
	var gr domain.GrowthRate
	require.NoError(t, json.Unmarshal(raw, &gr))
	assert.Less(t, absRate(gr.GrowthRate), 100.0)
}

func absRate(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
