// Package observability configures structured logging, the bus log mirror,
// and Prometheus metrics for both daemons.
package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/config"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// SetupLogger configures a JSON slog logger with environment fields.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsTest() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("unit", cfg.UnitName),
		slog.String("source", "app"),
	)
	return logger
}

// BusHandler mirrors warning-and-up records onto the experiment's logs topics
// so the UI and the streamer see them, while the wrapped handler keeps
// writing locally.
type BusHandler struct {
	inner      slog.Handler
	bus        domain.Bus
	unit       string
	experiment string
	min        slog.Level
}

// NewBusHandler wraps inner with a bus mirror for records at warn or above.
func NewBusHandler(inner slog.Handler, bus domain.Bus, unit, experiment string) *BusHandler {
	return &BusHandler{inner: inner, bus: bus, unit: unit, experiment: experiment, min: slog.LevelWarn}
}

// Enabled defers to the wrapped handler.
func (h *BusHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle writes locally, then mirrors to the bus. A bus outage never fails
// the log call.
func (h *BusHandler) Handle(ctx context.Context, rec slog.Record) error {
	err := h.inner.Handle(ctx, rec)
	if rec.Level < h.min || h.bus == nil {
		return err
	}
	task := ""
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "task" || a.Key == "job" {
			task = a.Value.String()
			return false
		}
		return true
	})
	level := levelName(rec.Level)
	entry := domain.LogEntry{
		Timestamp: rec.Time.UTC(),
		Message:   rec.Message,
		Task:      task,
		Source:    "app",
		Level:     level,
	}
	raw, merr := json.Marshal(entry)
	if merr != nil {
		return err
	}
	topic := domain.LogsTopic(h.unit, h.experiment, level)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.bus.Publish(ctx, topic, raw, domain.AtLeastOnce, false)
	}()
	return err
}

// WithAttrs wraps the inner handler's derived handler.
func (h *BusHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &BusHandler{inner: h.inner.WithAttrs(attrs), bus: h.bus, unit: h.unit, experiment: h.experiment, min: h.min}
}

// WithGroup wraps the inner handler's derived handler.
func (h *BusHandler) WithGroup(name string) slog.Handler {
	return &BusHandler{inner: h.inner.WithGroup(name), bus: h.bus, unit: h.unit, experiment: h.experiment, min: h.min}
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warning"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
