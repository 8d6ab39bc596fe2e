// Package leds sets LED channel intensities. Unlike the other jobs this is
// fire-and-forget: set, publish, return. Stopping means writing zeros.
package leds

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// JobName is the name recorded in the job manager for intensity writes.
const JobName = "led_intensity"

// Channels available on the HAT.
var Channels = []string{"A", "B", "C", "D"}

// Setter applies LED intensities and publishes the retained channel values.
type Setter struct {
	Unit       string
	Experiment string
	Bus        domain.Bus
	Driver     domain.LEDDriver
	Logger     *slog.Logger
}

// Set writes each requested channel (percent, 0-100) and publishes the
// retained per-channel intensity plus an aggregate JSON payload.
func (s *Setter) Set(ctx context.Context, intensities map[string]float64, source string) error {
	if len(intensities) == 0 {
		return fmt.Errorf("op=leds.Set: no channels given: %w", domain.ErrInvalidArgument)
	}
	channels := make([]string, 0, len(intensities))
	for ch := range intensities {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	for _, ch := range channels {
		pct := intensities[ch]
		if pct < 0 || pct > 100 {
			return fmt.Errorf("op=leds.Set channel=%s intensity=%.2f: out of range: %w", ch, pct, domain.ErrInvalidArgument)
		}
		if !validChannel(ch) {
			return fmt.Errorf("op=leds.Set channel=%s: unknown channel: %w", ch, domain.ErrInvalidArgument)
		}
	}
	for _, ch := range channels {
		pct := intensities[ch]
		if err := s.Driver.SetIntensity(ch, pct); err != nil {
			return fmt.Errorf("op=leds.Set channel=%s: %w", ch, err)
		}
		topic := domain.SettingTopic(s.Unit, s.Experiment, JobName, ch)
		payload := []byte(fmt.Sprintf("%.2f", pct))
		if err := s.Bus.Publish(ctx, topic, payload, domain.ExactlyOnce, true); err != nil {
			return err
		}
	}

	summary := map[string]any{"channels": intensities, "source_of_event": source}
	raw, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	topic := domain.Topic(s.Unit, s.Experiment, "leds", "intensity")
	if err := s.Bus.Publish(ctx, topic, raw, domain.ExactlyOnce, true); err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.Info("led intensities set", slog.Any("channels", intensities), slog.String("source", source))
	}
	return nil
}

// Off zeroes every channel; used by kill paths, which must write zeros rather
// than signal a process.
func (s *Setter) Off(ctx context.Context, source string) error {
	all := make(map[string]float64, len(Channels))
	for _, ch := range Channels {
		all[ch] = 0
	}
	return s.Set(ctx, all, source)
}

func validChannel(ch string) bool {
	for _, c := range Channels {
		if c == ch {
			return true
		}
	}
	return false
}
