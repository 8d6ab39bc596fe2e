package dosing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// ThroughputTracker follows this unit's dosing events and accumulates the
// dosed volume per (experiment, event) into the pump_throughput KV scope, so
// totals survive restarts.
type ThroughputTracker struct {
	Unit   string
	Bus    domain.Bus
	KV     domain.KV
	Logger *slog.Logger

	mu    sync.Mutex
	unsub func()
}

// Start subscribes to the unit's dosing_events stream.
func (t *ThroughputTracker) Start() error {
	filter := domain.DosingEventsTopic(t.Unit, "+")
	unsub, err := t.Bus.Subscribe(filter, domain.AtLeastOnce, t.onEvent)
	if err != nil {
		return fmt.Errorf("op=dosing.ThroughputTracker: %w", err)
	}
	t.mu.Lock()
	t.unsub = unsub
	t.mu.Unlock()
	return nil
}

// Stop detaches from the bus.
func (t *ThroughputTracker) Stop() {
	t.mu.Lock()
	unsub := t.unsub
	t.unsub = nil
	t.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Total returns the accumulated volume for one experiment and event.
func (t *ThroughputTracker) Total(experiment, event string) (float64, error) {
	raw, ok, err := t.KV.Get(domain.ScopePumpThroughput, experiment+"/"+event)
	if err != nil || !ok {
		return 0, err
	}
	return strconv.ParseFloat(string(raw), 64)
}

func (t *ThroughputTracker) onEvent(m domain.Message) {
	var ev domain.DosingEvent
	if err := json.Unmarshal(m.Payload, &ev); err != nil {
		t.logger().Warn("undecodable dosing event dropped", slog.String("topic", m.Topic), slog.Any("error", err))
		return
	}
	experiment := experimentOf(m.Topic)
	if experiment == "" {
		return
	}
	key := experiment + "/" + ev.Event

	// Single KV writer per unit; read-modify-write under the mutex is safe.
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0.0
	if raw, ok, err := t.KV.Get(domain.ScopePumpThroughput, key); err == nil && ok {
		total, _ = strconv.ParseFloat(string(raw), 64)
	}
	total += ev.VolumeChangeML
	value := strconv.FormatFloat(total, 'f', -1, 64)
	if err := t.KV.Put(domain.ScopePumpThroughput, key, []byte(value)); err != nil {
		t.logger().Warn("throughput write failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (t *ThroughputTracker) logger() *slog.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return slog.Default()
}

// experimentOf extracts the experiment from a dosing_events topic.
func experimentOf(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != domain.TopicPrefix {
		return ""
	}
	return parts[2]
}
