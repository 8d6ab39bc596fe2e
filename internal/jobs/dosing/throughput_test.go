package dosing

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/adapter/bus"
	"github.com/pioreactor/pioreactor-go/internal/adapter/store/kv"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

func TestThroughputTrackerAccumulates(t *testing.T) {
	store, err := kv.Open(filepath.Join(t.TempDir(), "kv.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b := bus.NewBroker().Connect()
	tracker := &ThroughputTracker{Unit: "u1", Bus: b, KV: store}
	require.NoError(t, tracker.Start())
	t.Cleanup(tracker.Stop)

	publish := func(volume float64, event string) {
		raw, err := json.Marshal(domain.DosingEvent{
			VolumeChangeML: volume,
			Event:          event,
			Timestamp:      time.Now().UTC(),
		})
		require.NoError(t, err)
		require.NoError(t, b.Publish(context.Background(), domain.DosingEventsTopic("u1", "exp1"), raw, domain.AtLeastOnce, false))
	}

	publish(1.5, domain.EventAddMedia)
	publish(0.5, domain.EventAddMedia)
	publish(2.0, domain.EventRemoveWaste)

	require.Eventually(t, func() bool {
		total, err := tracker.Total("exp1", domain.EventAddMedia)
		return err == nil && total == 2.0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		waste, err := tracker.Total("exp1", domain.EventRemoveWaste)
		return err == nil && waste == 2.0
	}, 2*time.Second, 10*time.Millisecond)

	missing, err := tracker.Total("exp2", domain.EventAddMedia)
	require.NoError(t, err)
	assert.Zero(t, missing)
}

func TestThroughputTrackerDropsGarbage(t *testing.T) {
	store, err := kv.Open(filepath.Join(t.TempDir(), "kv.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	b := bus.NewBroker().Connect()
	tracker := &ThroughputTracker{Unit: "u1", Bus: b, KV: store}
	require.NoError(t, tracker.Start())
	t.Cleanup(tracker.Stop)

	require.NoError(t, b.Publish(context.Background(), domain.DosingEventsTopic("u1", "exp1"), []byte("not json"), domain.AtLeastOnce, false))
	time.Sleep(50 * time.Millisecond)

	keys, err := store.Keys(domain.ScopePumpThroughput)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
