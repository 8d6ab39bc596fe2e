// Package odreading samples optical density: IR LED on, stabilization delay,
// ADC reads per configured channel, dark-offset subtraction, and calibrated
// voltage-to-OD conversion when a calibration is active.
package odreading

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/calibration"
	"github.com/pioreactor/pioreactor-go/internal/domain"
	"github.com/pioreactor/pioreactor-go/internal/job"
)

const (
	// JobName is the registered job name.
	JobName = "od_reading"

	irLEDChannel = "IR"
	postDelay    = 20 * time.Millisecond
	warmupReads  = 5
)

// Options configures an ODReader.
type Options struct {
	Unit       string
	Experiment string
	Source     string
	Bus        domain.Bus
	Registry   domain.JobRegistry
	Logger     *slog.Logger

	ADC domain.ADC
	LED domain.LEDDriver

	// Channels maps photodiode channel ("1","2") to its angle.
	Channels map[string]string

	IRLEDIntensity float64
	// Interval between samples; zero means one-shot, used by calibration
	// sessions.
	Interval time.Duration

	// Calibrations maps angle to the active calibration for that channel;
	// typically loaded via calibration.LoadActive per device.
	Calibrations map[string]*calibration.Calibration

	// StabilizationDelay overrides the post-LED delay, for tests.
	StabilizationDelay time.Duration
}

// ODReader is the od_reading background job.
type ODReader struct {
	*job.Job

	adc          domain.ADC
	led          domain.LEDDriver
	channels     map[string]string
	calibrations map[string]*calibration.Calibration
	interval     time.Duration
	postDelay    time.Duration
	log          *slog.Logger

	mu          sync.Mutex
	irIntensity float64
	dark        map[string]float64
	firstObs    time.Time

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New builds the reader.
func New(opts Options) *ODReader {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	delay := opts.StabilizationDelay
	if delay == 0 {
		delay = postDelay
	}
	r := &ODReader{
		adc:          opts.ADC,
		led:          opts.LED,
		channels:     opts.Channels,
		calibrations: opts.Calibrations,
		interval:     opts.Interval,
		postDelay:    delay,
		log:          log.With(slog.String("job", JobName)),
		irIntensity:  opts.IRLEDIntensity,
		dark:         make(map[string]float64),
	}
	r.Job = job.New(job.Options{
		Name:        JobName,
		Unit:        opts.Unit,
		Experiment:  opts.Experiment,
		Source:      opts.Source,
		LongRunning: true,
		Bus:         opts.Bus,
		Registry:    opts.Registry,
		Logger:      opts.Logger,
		Hooks: job.Hooks{
			OnReady:      r.onReady,
			OnSleeping:   r.onSleeping,
			OnDisconnect: r.onDisconnect,
		},
	})
	r.DeclareSetting("ir_led_intensity", strconv.FormatFloat(opts.IRLEDIntensity, 'f', -1, 64), true, r.setIRIntensity)
	r.DeclareSetting("interval", strconv.FormatFloat(opts.Interval.Seconds(), 'f', -1, 64), false, nil)
	r.DeclareSetting("first_od_obs_time", "", false, nil)
	return r
}

// Start warms up (dark reference), registers, and begins sampling unless
// one-shot.
func (r *ODReader) Start(ctx context.Context) error {
	if err := r.warmup(ctx); err != nil {
		return err
	}
	return r.Job.Start(ctx)
}

// warmup records the dark reference per channel with the IR LED off.
func (r *ODReader) warmup(ctx context.Context) error {
	if r.led != nil {
		if err := r.led.SetIntensity(irLEDChannel, 0); err != nil {
			return fmt.Errorf("op=odreading.warmup: %w", err)
		}
	}
	for channel := range r.channels {
		var sum float64
		for i := 0; i < warmupReads; i++ {
			v, err := r.adc.ReadVoltage(channel)
			if err != nil {
				return fmt.Errorf("op=odreading.warmup channel=%s: %w", channel, err)
			}
			sum += v
		}
		r.mu.Lock()
		r.dark[channel] = sum / warmupReads
		r.mu.Unlock()
	}
	_ = ctx
	return nil
}

func (r *ODReader) onReady(ctx context.Context) error {
	if r.interval <= 0 {
		// One-shot mode: calibration sessions call SampleOnce directly.
		return nil
	}
	r.mu.Lock()
	if r.loopCancel != nil {
		r.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.loopCancel = cancel
	r.loopDone = done
	r.mu.Unlock()
	go r.loop(loopCtx, done)
	_ = ctx
	return nil
}

func (r *ODReader) onSleeping(context.Context) error {
	r.stopLoop()
	if r.led != nil {
		return r.led.SetIntensity(irLEDChannel, 0)
	}
	return nil
}

func (r *ODReader) onDisconnect(context.Context) error {
	r.stopLoop()
	if r.led != nil {
		_ = r.led.SetIntensity(irLEDChannel, 0)
	}
	return nil
}

func (r *ODReader) stopLoop() {
	r.mu.Lock()
	cancel := r.loopCancel
	done := r.loopDone
	r.loopCancel = nil
	r.loopDone = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (r *ODReader) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SampleOnce(ctx); err != nil {
				r.log.Warn("sample failed", slog.Any("error", err))
			}
		}
	}
}

// SampleOnce runs one full sampling tick and publishes the readings.
func (r *ODReader) SampleOnce(ctx context.Context) (domain.ODReadings, error) {
	r.mu.Lock()
	intensity := r.irIntensity
	r.mu.Unlock()

	if r.led != nil {
		if err := r.led.SetIntensity(irLEDChannel, intensity); err != nil {
			return domain.ODReadings{}, fmt.Errorf("op=odreading.SampleOnce: %w", err)
		}
	}
	select {
	case <-ctx.Done():
		return domain.ODReadings{}, ctx.Err()
	case <-time.After(r.postDelay):
	}

	now := time.Now().UTC()
	readings := domain.ODReadings{Timestamp: now, ODs: make(map[string]domain.RawODReading, len(r.channels))}
	for channel, angle := range r.channels {
		v, err := r.adc.ReadVoltage(channel)
		if err != nil {
			return domain.ODReadings{}, fmt.Errorf("op=odreading.SampleOnce channel=%s: %w", channel, err)
		}
		r.mu.Lock()
		v -= r.dark[channel]
		r.mu.Unlock()
		if v < 0 {
			v = 0
		}

		od := v
		if cal := r.calibrations[angle]; cal != nil {
			x, err := cal.YToX(v, true)
			if err != nil {
				r.log.Warn("calibration inversion failed, emitting raw voltage",
					slog.String("angle", angle), slog.Any("error", err))
			} else {
				od = x
			}
		}
		readings.ODs[channel] = domain.RawODReading{
			Timestamp:      now,
			Angle:          angle,
			OD:             od,
			Channel:        channel,
			IRLEDIntensity: intensity,
		}
	}

	r.mu.Lock()
	if r.firstObs.IsZero() {
		r.firstObs = now
	}
	first := r.firstObs
	r.mu.Unlock()
	_ = r.UpdateSetting(ctx, "first_od_obs_time", first.Format(time.RFC3339Nano))

	if err := r.publish(ctx, readings); err != nil {
		return readings, err
	}
	return readings, nil
}

func (r *ODReader) publish(ctx context.Context, readings domain.ODReadings) error {
	raw, err := json.Marshal(readings)
	if err != nil {
		return fmt.Errorf("op=odreading.publish: %w", err)
	}
	topic := domain.ODReadingsTopic(r.Unit(), r.Experiment())
	if err := r.Publish(ctx, topic, raw, domain.AtLeastOnce, false); err != nil {
		return err
	}
	for channel, reading := range readings.ODs {
		raw, err := json.Marshal(reading)
		if err != nil {
			return fmt.Errorf("op=odreading.publish channel=%s: %w", channel, err)
		}
		t := domain.SettingTopic(r.Unit(), r.Experiment(), JobName, "od"+channel)
		if err := r.Publish(ctx, t, raw, domain.AtLeastOnce, true); err != nil {
			return err
		}
	}
	return nil
}

func (r *ODReader) setIRIntensity(raw string) error {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 || f > 100 {
		return fmt.Errorf("ir_led_intensity %q: %w", raw, domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	r.irIntensity = f
	r.mu.Unlock()
	return r.UpdateSetting(context.Background(), "ir_led_intensity", raw)
}
