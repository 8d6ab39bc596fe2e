// Package app wires adapters into runnable daemons: the unit runtime (job
// launcher, hardware ports, calibration executor) and the HTTP routers the
// cmd binaries serve.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/adapter/hardware"
	"github.com/pioreactor/pioreactor-go/internal/adapter/httpserver"
	"github.com/pioreactor/pioreactor-go/internal/calibration"
	"github.com/pioreactor/pioreactor-go/internal/config"
	"github.com/pioreactor/pioreactor-go/internal/domain"
	"github.com/pioreactor/pioreactor-go/internal/jobs/dosing"
	"github.com/pioreactor/pioreactor-go/internal/jobs/growthrate"
	"github.com/pioreactor/pioreactor-go/internal/jobs/leds"
	"github.com/pioreactor/pioreactor-go/internal/jobs/odreading"
	"github.com/pioreactor/pioreactor-go/internal/jobs/stirring"
	"github.com/pioreactor/pioreactor-go/internal/jobs/temperature"
)

// DefaultPDChannels maps photodiode channel to its angle. Channel 2 is the
// reference 90 degree diode on stock hardware.
var DefaultPDChannels = map[string]string{"1": "45", "2": "90"}

// Runtime owns a unit's local resources: hardware ports, the in-process job
// launcher the unit API calls into, and the calibration session executor.
// Hardware defaults to the mock implementations; production wiring replaces
// the exported ports with real drivers before serving.
type Runtime struct {
	cfg      config.Config
	bus      domain.Bus
	registry domain.JobRegistry
	kv       domain.KV
	cals     *calibration.Store
	log      *slog.Logger

	PWM  domain.PWM
	ADC  domain.ADC
	LED  domain.LEDDriver
	Temp domain.TempSensor
	RPM  domain.RPMCounter

	// PumpTimeScale shortens pump actuations; tests set it well below 1.
	PumpTimeScale float64
}

var _ httpserver.JobLauncher = (*Runtime)(nil)

// NewRuntime builds a runtime with mock hardware ports.
func NewRuntime(cfg config.Config, bus domain.Bus, registry domain.JobRegistry,
	kv domain.KV, cals *calibration.Store, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		cfg:      cfg,
		bus:      bus,
		registry: registry,
		kv:       kv,
		cals:     cals,
		log:      logger,
		PWM:      hardware.NewLeasedPWM(nil),
		ADC:      hardware.NewMockADC(0.05),
		LED:      hardware.NewMockLED(),
		Temp:     &hardware.MockTempSensor{Celsius: 25},
		RPM:      &hardware.MockRPMCounter{RPMPerDC: 14},
	}
}

// Launch starts the named job from a unit API run request. It returns once
// the job is registered; the job keeps running in the background until it is
// disconnected over the bus.
func (rt *Runtime) Launch(ctx context.Context, name string, req httpserver.RunRequest) error {
	exp := req.Experiment(rt.cfg.Experiment)
	src := req.Source(rt.cfg.JobSource)
	opts := req.Options
	// The job outlives the HTTP request that started it.
	runCtx := context.WithoutCancel(ctx)

	switch name {
	case stirring.JobName:
		s := stirring.New(stirring.Options{
			Unit:       rt.cfg.UnitName,
			Experiment: exp,
			Source:     src,
			Bus:        rt.bus,
			Registry:   rt.registry,
			Logger:     rt.log,
			PWM:        rt.PWM,
			RPM:        rt.RPM,
			TargetRPM:  optFloat(opts, "target_rpm", 500),
			InitialDC:  optFloat(opts, "initial_duty_cycle", 30),
		})
		return s.Start(runCtx)

	case odreading.JobName:
		interval := time.Duration(0)
		if sps := optFloat(opts, "samples_per_second", rt.cfg.SamplesPerSecond); sps > 0 {
			interval = time.Duration(float64(time.Second) / sps)
		}
		r := odreading.New(odreading.Options{
			Unit:           rt.cfg.UnitName,
			Experiment:     exp,
			Source:         src,
			Bus:            rt.bus,
			Registry:       rt.registry,
			Logger:         rt.log,
			ADC:            rt.ADC,
			LED:            rt.LED,
			Channels:       DefaultPDChannels,
			IRLEDIntensity: optFloat(opts, "ir_led_intensity", 70),
			Interval:       interval,
			Calibrations:   rt.odCalibrations(),
		})
		return r.Start(runCtx)

	case growthrate.JobName:
		c := growthrate.New(growthrate.Options{
			Unit:             rt.cfg.UnitName,
			Experiment:       exp,
			Source:           src,
			Bus:              rt.bus,
			Registry:         rt.registry,
			Logger:           rt.log,
			SamplesPerSecond: optFloat(opts, "samples_per_second", rt.cfg.SamplesPerSecond),
		})
		return c.Start(runCtx)

	case temperature.JobName:
		c := temperature.New(temperature.Options{
			Unit:          rt.cfg.UnitName,
			Experiment:    exp,
			Source:        src,
			Bus:           rt.bus,
			Registry:      rt.registry,
			Logger:        rt.log,
			PWM:           rt.PWM,
			Sensor:        rt.Temp,
			TargetCelsius: optFloat(opts, "target_temperature", 30),
		})
		return c.Start(runCtx)

	case dosing.JobName:
		a, err := dosing.New(dosing.Options{
			Unit:             rt.cfg.UnitName,
			Experiment:       exp,
			Source:           src,
			Bus:              rt.bus,
			Registry:         rt.registry,
			Logger:           rt.log,
			PWM:              rt.PWM,
			AutomationName:   optString(opts, "automation_name", dosing.AutomationSilent),
			VolumeML:         optFloat(opts, "volume", 0),
			TargetOD:         optFloat(opts, "target_normalized_od", 0),
			TargetGrowthRate: optFloat(opts, "target_growth_rate", 0),
			Duration:         time.Duration(optFloat(opts, "duration", 20) * float64(time.Minute)),
			Calibrations:     rt.pumpCalibrations(),
			PumpTimeScale:    rt.PumpTimeScale,
		})
		if err != nil {
			return err
		}
		return a.Start(runCtx)

	case leds.JobName:
		return rt.setLEDs(runCtx, exp, src, opts)

	case "od_blank":
		return rt.recordODBlank(runCtx, exp, src, opts)

	default:
		return fmt.Errorf("op=app.Launch job=%s: unknown job: %w", name, domain.ErrNotFound)
	}
}

// setLEDs is the one fire-and-forget job: write intensities, record the
// registry row, and mark it done immediately.
func (rt *Runtime) setLEDs(ctx context.Context, exp, src string, opts map[string]string) error {
	intensities := make(map[string]float64)
	for _, ch := range leds.Channels {
		raw, ok := opts[ch]
		if !ok {
			continue
		}
		pct, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("op=app.setLEDs channel=%s value=%q: %w", ch, raw, domain.ErrInvalidArgument)
		}
		intensities[ch] = pct
	}
	setter := &leds.Setter{
		Unit:       rt.cfg.UnitName,
		Experiment: exp,
		Bus:        rt.bus,
		Driver:     rt.LED,
		Logger:     rt.log,
	}
	if err := setter.Set(ctx, intensities, src); err != nil {
		return err
	}
	if rt.registry != nil {
		id, err := rt.registry.Register(ctx, domain.JobRecord{
			Unit:       rt.cfg.UnitName,
			Experiment: exp,
			Name:       leds.JobName,
			Source:     src,
		})
		if err == nil {
			_ = rt.registry.SetNotRunning(ctx, id)
		}
	}
	return nil
}

// recordODBlank samples the blank (media only) vial once and stores the per
// channel reference into the od_blank KV scope, keyed by experiment and
// channel. Growth normalization reads it back on the next od_reading start.
func (rt *Runtime) recordODBlank(ctx context.Context, exp, src string, opts map[string]string) error {
	r := odreading.New(odreading.Options{
		Unit:           rt.cfg.UnitName,
		Experiment:     exp,
		Source:         src,
		Bus:            rt.bus,
		Logger:         rt.log,
		ADC:            rt.ADC,
		LED:            rt.LED,
		Channels:       DefaultPDChannels,
		IRLEDIntensity: optFloat(opts, "ir_led_intensity", 70),
	})
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Disconnect(ctx)
	readings, err := r.SampleOnce(ctx)
	if err != nil {
		return err
	}
	for channel, rd := range readings.ODs {
		key := exp + "/" + channel
		value := strconv.FormatFloat(rd.OD, 'f', -1, 64)
		if err := rt.kv.Put(domain.ScopeODBlank, key, []byte(value)); err != nil {
			return err
		}
	}
	if rt.registry != nil {
		if id, err := rt.registry.Register(ctx, domain.JobRecord{
			Unit: rt.cfg.UnitName, Experiment: exp, Name: "od_blank", Source: src,
		}); err == nil {
			_ = rt.registry.SetNotRunning(ctx, id)
		}
	}
	return nil
}

// Executor returns the calibration session executor backed by this runtime's
// hardware ports.
func (rt *Runtime) Executor() calibration.Executor {
	return func(ctx context.Context, action string, payload map[string]any) (map[string]any, error) {
		switch action {
		case calibration.ActionPump:
			return rt.execPump(ctx, payload)
		case calibration.ActionReadODVoltage:
			return rt.execReadOD(ctx, payload)
		case calibration.ActionReadAuxVoltage, calibration.ActionODRefRead:
			v, err := rt.ADC.ReadVoltage("2")
			if err != nil {
				return nil, err
			}
			return map[string]any{"voltage": v}, nil
		case calibration.ActionStirringSweep:
			return rt.execStirringSweep(ctx)
		default:
			return nil, fmt.Errorf("op=app.Executor action=%s: %w", action, domain.ErrInvalidArgument)
		}
	}
}

func (rt *Runtime) execPump(ctx context.Context, payload map[string]any) (map[string]any, error) {
	device, _ := payload["device"].(string)
	runner := &dosing.PumpRunner{
		Unit:       rt.cfg.UnitName,
		Experiment: rt.cfg.Experiment,
		Bus:        rt.bus,
		PWM:        rt.PWM,
		Logger:     rt.log,
		TimeScale:  rt.PumpTimeScale,
	}
	ev, err := runner.Run(ctx, dosing.PumpRequest{
		Device:        device,
		DurationS:     payloadFloat(payload, "duration_s"),
		DutyCycle:     payloadFloat(payload, "dc"),
		SourceOfEvent: "calibration",
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"event": ev.Event}, nil
}

func (rt *Runtime) execReadOD(ctx context.Context, payload map[string]any) (map[string]any, error) {
	intensity := payloadFloat(payload, "ir_led_intensity")
	if intensity <= 0 {
		intensity = 70
	}
	if err := rt.LED.SetIntensity("IR", intensity); err != nil {
		return nil, err
	}
	defer func() { _ = rt.LED.SetIntensity("IR", 0) }()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}

	if all, _ := payload["all_angles"].(bool); all {
		out := make(map[string]any)
		for channel, angle := range DefaultPDChannels {
			v, err := rt.ADC.ReadVoltage(channel)
			if err != nil {
				return nil, err
			}
			out["voltage_"+angle] = v
		}
		return out, nil
	}

	channel, _ := payload["pd_channel"].(string)
	if channel == "" {
		channel = "2"
	}
	v, err := rt.ADC.ReadVoltage(channel)
	if err != nil {
		return nil, err
	}
	return map[string]any{"voltage": v}, nil
}

// execStirringSweep steps the duty cycle up, down, then up, measuring RPM at
// each plateau.
func (rt *Runtime) execStirringSweep(ctx context.Context) (map[string]any, error) {
	lease, err := rt.PWM.Acquire("stirring")
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	sweep := []float64{20, 40, 60, 80, 60, 40, 20, 40, 60, 80}
	dcs := make([]float64, 0, len(sweep))
	rpms := make([]float64, 0, len(sweep))
	for _, dc := range sweep {
		if err := lease.SetDuty(dc); err != nil {
			return nil, err
		}
		if counter, ok := rt.RPM.(*hardware.MockRPMCounter); ok {
			counter.SetDuty(dc)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		rpm, err := rt.RPM.Measure(100 * time.Millisecond)
		if err != nil {
			return nil, err
		}
		dcs = append(dcs, dc)
		rpms = append(rpms, rpm)
	}
	return map[string]any{"dcs": dcs, "rpms": rpms}, nil
}

func (rt *Runtime) odCalibrations() map[string]*calibration.Calibration {
	out := make(map[string]*calibration.Calibration)
	for device, angle := range map[string]string{
		calibration.DeviceOD45:  "45",
		calibration.DeviceOD90:  "90",
		calibration.DeviceOD135: "135",
	} {
		if cal, err := rt.cals.LoadActive(device); err == nil {
			out[angle] = cal
		}
	}
	return out
}

func (rt *Runtime) pumpCalibrations() map[string]*calibration.Calibration {
	out := make(map[string]*calibration.Calibration)
	for _, device := range []string{
		calibration.DeviceMediaPump, calibration.DeviceAltPump, calibration.DeviceWastePump,
	} {
		if cal, err := rt.cals.LoadActive(device); err == nil {
			out[device] = cal
		}
	}
	return out
}

func optFloat(opts map[string]string, key string, fallback float64) float64 {
	if raw, ok := opts[key]; ok {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	}
	return fallback
}

func optString(opts map[string]string, key, fallback string) string {
	if v, ok := opts[key]; ok && v != "" {
		return v
	}
	return fallback
}

func payloadFloat(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	default:
		return 0
	}
}
