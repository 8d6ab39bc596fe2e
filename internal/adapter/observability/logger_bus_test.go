package observability_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/adapter/bus"
	"github.com/pioreactor/pioreactor-go/internal/adapter/observability"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

func TestBusHandlerMirrorsWarnings(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	entries := make(chan domain.LogEntry, 4)
	_, err := client.Subscribe("pioreactor/u1/exp1/logs/+", domain.AtLeastOnce, func(m domain.Message) {
		var e domain.LogEntry
		if json.Unmarshal(m.Payload, &e) == nil {
			entries <- e
		}
	})
	require.NoError(t, err)

	var local bytes.Buffer
	handler := observability.NewBusHandler(slog.NewJSONHandler(&local, nil), client, "u1", "exp1")
	logger := slog.New(handler)

	logger.Info("just info")
	logger.Warn("heater drifting", slog.String("task", "temperature_automation"))
	logger.Error("pump stalled")

	var got []domain.LogEntry
	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-entries:
				got = append(got, e)
			default:
				return len(got) == 2
			}
		}
	}, time.Second, 5*time.Millisecond)

	// Mirrored publishes are asynchronous, so match by level.
	byLevel := make(map[string]domain.LogEntry, len(got))
	for _, e := range got {
		byLevel[e.Level] = e
	}
	require.Contains(t, byLevel, "warning")
	require.Contains(t, byLevel, "error")
	assert.Equal(t, "heater drifting", byLevel["warning"].Message)
	assert.Equal(t, "temperature_automation", byLevel["warning"].Task)
	assert.Equal(t, "pump stalled", byLevel["error"].Message)

	// The wrapped handler saw all three.
	assert.Contains(t, local.String(), "just info")
	assert.Contains(t, local.String(), "pump stalled")
}
