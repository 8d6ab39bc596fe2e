// Package dosing actuates pumps and runs the dosing automations: silent,
// chemostat, turbidostat, and pid_morbidostat.
package dosing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/adapter/observability"
	"github.com/pioreactor/pioreactor-go/internal/calibration"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// Pump devices and their PWM channels.
const (
	DeviceMedia    = "media_pump"
	DeviceAltMedia = "alt_media_pump"
	DeviceWaste    = "waste_pump"
)

var pumpEvents = map[string]string{
	DeviceMedia:    domain.EventAddMedia,
	DeviceAltMedia: domain.EventAddAltMedia,
	DeviceWaste:    domain.EventRemoveWaste,
}

// PumpRequest describes one pump actuation. Exactly one of DurationS or
// VolumeML must be positive; VolumeML requires a calibration.
type PumpRequest struct {
	Device    string
	DurationS float64
	VolumeML  float64
	DutyCycle float64 // percent; defaults to 100

	Calibration   *calibration.Calibration
	SourceOfEvent string
}

// PumpRunner holds the shared wiring for pump actuations.
type PumpRunner struct {
	Unit       string
	Experiment string
	Bus        domain.Bus
	PWM        domain.PWM
	Logger     *slog.Logger

	// Emergency reports whether a temperature emergency is active; pumping is
	// refused while it is.
	Emergency func() bool

	// Clock scaling for tests: pump durations are multiplied by this factor
	// when positive.
	TimeScale float64
}

// Run executes the pump action contract and emits the DosingEvent.
func (p *PumpRunner) Run(ctx context.Context, req PumpRequest) (domain.DosingEvent, error) {
	event, ok := pumpEvents[req.Device]
	if !ok {
		return domain.DosingEvent{}, fmt.Errorf("op=dosing.Run device=%s: unknown pump: %w", req.Device, domain.ErrInvalidArgument)
	}
	if p.Emergency != nil && p.Emergency() {
		p.logger().Warn("pump refused: temperature emergency active", slog.String("device", req.Device))
		return domain.DosingEvent{}, fmt.Errorf("op=dosing.Run device=%s: emergency active: %w", req.Device, domain.ErrResourceBusy)
	}

	duration := req.DurationS
	volume := req.VolumeML
	switch {
	case volume > 0:
		if req.Calibration == nil {
			return domain.DosingEvent{}, fmt.Errorf("op=dosing.Run device=%s: volume given without calibration: %w",
				req.Device, domain.ErrCalibrationMissing)
		}
		var err error
		duration, err = req.Calibration.VolumeMLToDuration(volume)
		if err != nil {
			return domain.DosingEvent{}, fmt.Errorf("op=dosing.Run device=%s: %w", req.Device, err)
		}
	case duration > 0:
		if req.Calibration != nil {
			var err error
			volume, err = req.Calibration.DurationToVolumeML(duration)
			if err != nil {
				return domain.DosingEvent{}, fmt.Errorf("op=dosing.Run device=%s: %w", req.Device, err)
			}
		}
	default:
		return domain.DosingEvent{}, fmt.Errorf("op=dosing.Run device=%s: need duration_s or volume_ml: %w",
			req.Device, domain.ErrInvalidArgument)
	}

	dc := req.DutyCycle
	if dc <= 0 {
		dc = 100
	}

	lease, err := p.PWM.Acquire(req.Device)
	if err != nil {
		return domain.DosingEvent{}, fmt.Errorf("op=dosing.Run device=%s: %w", req.Device, err)
	}
	defer lease.Release()

	if err := lease.SetDuty(dc); err != nil {
		return domain.DosingEvent{}, fmt.Errorf("op=dosing.Run device=%s: %w", req.Device, err)
	}
	select {
	case <-ctx.Done():
		return domain.DosingEvent{}, ctx.Err()
	case <-time.After(p.scaled(duration)):
	}
	if err := lease.SetDuty(0); err != nil {
		p.logger().Warn("pump stop write failed", slog.String("device", req.Device), slog.Any("error", err))
	}

	ev := domain.DosingEvent{
		VolumeChangeML: volume,
		Event:          event,
		SourceOfEvent:  req.SourceOfEvent,
		Timestamp:      time.Now().UTC(),
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return ev, err
	}
	topic := domain.DosingEventsTopic(p.Unit, p.Experiment)
	if err := p.Bus.Publish(ctx, topic, raw, domain.ExactlyOnce, false); err != nil {
		return ev, err
	}
	observability.DosingEventsTotal.WithLabelValues(event).Inc()
	return ev, nil
}

func (p *PumpRunner) scaled(seconds float64) time.Duration {
	scale := p.TimeScale
	if scale <= 0 {
		scale = 1
	}
	return time.Duration(seconds * scale * float64(time.Second))
}

func (p *PumpRunner) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
