package dosing

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
	"github.com/pioreactor/pioreactor-go/internal/numerical"
)

// Automation names.
const (
	AutomationSilent         = "silent"
	AutomationChemostat      = "chemostat"
	AutomationTurbidostat    = "turbidostat"
	AutomationPIDMorbidostat = "pid_morbidostat"

	// JobName is the registered job name.
	JobName = "dosing_automation"
)

// Options configures an Automation job.
type Options struct {
	Unit       string
	Experiment string
	Source     string
	Bus        domain.Bus
	Registry   domain.JobRegistry
	Logger     *slog.Logger

	PWM       domain.PWM
	Emergency func() bool

	AutomationName   string
	VolumeML         float64
	TargetOD         float64       // turbidostat threshold
	TargetGrowthRate float64       // pid_morbidostat setpoint, 1/h
	Duration         time.Duration // dosing cadence / turbidostat cooldown

	// Calibrations maps pump device to its active calibration.
	Calibrations map[string]*calibration.Calibration

	// PumpTimeScale shortens pump actuations in tests.
	PumpTimeScale float64
}

// Automation is the dosing_automation background job. It follows the
// experiment's od_filtered and growth_rate streams and actuates pumps per the
// selected variant.
type Automation struct {
	*job.Job

	runner       *PumpRunner
	calibrations map[string]*calibration.Calibration
	log          *slog.Logger

	name     string
	volumeML float64
	cadence  time.Duration

	mu            sync.Mutex
	targetOD      float64
	targetGrowth  float64
	latestOD      float64
	latestODSeen  bool
	latestGrowth  float64
	nextDoseAfter time.Time
	pid           *numerical.PID

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New builds the automation job.
func New(opts Options) (*Automation, error) {
	switch opts.AutomationName {
	case AutomationSilent, AutomationChemostat, AutomationTurbidostat, AutomationPIDMorbidostat:
	default:
		return nil, fmt.Errorf("op=dosing.New automation=%q: unknown: %w", opts.AutomationName, domain.ErrInvalidArgument)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Duration == 0 {
		opts.Duration = 20 * time.Minute
	}

	a := &Automation{
		runner: &PumpRunner{
			Unit:       opts.Unit,
			Experiment: opts.Experiment,
			Bus:        opts.Bus,
			PWM:        opts.PWM,
			Logger:     opts.Logger,
			Emergency:  opts.Emergency,
			TimeScale:  opts.PumpTimeScale,
		},
		calibrations: opts.Calibrations,
		log:          log.With(slog.String("job", JobName), slog.String("automation", opts.AutomationName)),
		name:         opts.AutomationName,
		volumeML:     opts.VolumeML,
		cadence:      opts.Duration,
		targetOD:     opts.TargetOD,
		targetGrowth: opts.TargetGrowthRate,
	}
	if opts.AutomationName == AutomationPIDMorbidostat {
		a.pid = numerical.NewPID(5, 0.05, 0, opts.TargetGrowthRate, 0, 1)
	}

	a.Job = job.New(job.Options{
		Name:        JobName,
		Unit:        opts.Unit,
		Experiment:  opts.Experiment,
		Source:      opts.Source,
		LongRunning: true,
		Bus:         opts.Bus,
		Registry:    opts.Registry,
		Logger:      opts.Logger,
		Hooks: job.Hooks{
			OnReady:      a.onReady,
			OnSleeping:   a.onSleeping,
			OnDisconnect: a.onSleeping,
		},
	})
	a.DeclareSetting("automation_name", opts.AutomationName, false, nil)
	a.DeclareSetting("volume", strconv.FormatFloat(opts.VolumeML, 'f', -1, 64), true, nil)
	a.DeclareSetting("target_od", strconv.FormatFloat(opts.TargetOD, 'f', -1, 64), true, a.setTargetOD)
	a.DeclareSetting("target_growth_rate", strconv.FormatFloat(opts.TargetGrowthRate, 'f', -1, 64), true, a.setTargetGrowth)
	a.DeclareSetting("duration", strconv.FormatFloat(opts.Duration.Minutes(), 'f', -1, 64), false, nil)
	return a, nil
}

// Start registers and subscribes to the estimator streams.
func (a *Automation) Start(ctx context.Context) error {
	if err := a.Job.Start(ctx); err != nil {
		return err
	}
	odTopic := domain.SettingTopic(a.Unit(), a.Experiment(), "growth_rate_calculating", "od_filtered")
	if err := a.SubscribeBus(odTopic, domain.AtLeastOnce, a.onODFiltered); err != nil {
		return err
	}
	grTopic := domain.SettingTopic(a.Unit(), a.Experiment(), "growth_rate_calculating", "growth_rate")
	return a.SubscribeBus(grTopic, domain.AtLeastOnce, a.onGrowthRate)
}

func (a *Automation) onReady(context.Context) error {
	switch a.name {
	case AutomationChemostat, AutomationPIDMorbidostat:
		a.startTicker()
	}
	return nil
}

func (a *Automation) onSleeping(context.Context) error {
	a.stopTicker()
	return nil
}

func (a *Automation) startTicker() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.loopCancel = cancel
	a.loopDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(a.cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.executePeriodic(ctx)
			}
		}
	}()
}

func (a *Automation) stopTicker() {
	a.mu.Lock()
	cancel := a.loopCancel
	done := a.loopDone
	a.loopCancel = nil
	a.loopDone = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (a *Automation) onODFiltered(m domain.Message) {
	var odf domain.ODFiltered
	if err := json.Unmarshal(m.Payload, &odf); err != nil {
		a.log.Warn("undecodable od_filtered", slog.Any("error", err))
		return
	}
	a.mu.Lock()
	a.latestOD = odf.ODFiltered
	a.latestODSeen = true
	a.mu.Unlock()

	if a.name == AutomationTurbidostat && a.State() == domain.StateReady {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.executeTurbidostat(ctx)
	}
}

func (a *Automation) onGrowthRate(m domain.Message) {
	var gr domain.GrowthRate
	if err := json.Unmarshal(m.Payload, &gr); err != nil {
		a.log.Warn("undecodable growth_rate", slog.Any("error", err))
		return
	}
	a.mu.Lock()
	a.latestGrowth = gr.GrowthRate
	a.mu.Unlock()
}

func (a *Automation) executePeriodic(ctx context.Context) {
	if a.State() != domain.StateReady {
		return
	}
	switch a.name {
	case AutomationChemostat:
		a.exchange(ctx, a.volumeML, 0)
	case AutomationPIDMorbidostat:
		a.mu.Lock()
		growth := a.latestGrowth
		pid := a.pid
		a.mu.Unlock()
		frac := pid.Update(growth, a.cadence)
		// Growth above target -> larger alt-media (drug) fraction.
		a.exchange(ctx, a.volumeML*(1-frac), a.volumeML*frac)
	}
}

// executeTurbidostat dilutes once the OD crosses the target, then holds off
// for one cadence so consecutive high samples do not double-dose.
func (a *Automation) executeTurbidostat(ctx context.Context) {
	a.mu.Lock()
	od := a.latestOD
	seen := a.latestODSeen
	target := a.targetOD
	holdUntil := a.nextDoseAfter
	a.mu.Unlock()
	if !seen || od <= target || time.Now().Before(holdUntil) {
		return
	}
	a.mu.Lock()
	a.nextDoseAfter = time.Now().Add(a.cadence)
	a.mu.Unlock()
	a.exchange(ctx, a.volumeML, 0)
}

// exchange adds media (and optionally alt media), then removes the same total
// volume of waste to keep the vial level fixed.
func (a *Automation) exchange(ctx context.Context, mediaML, altMediaML float64) {
	total := 0.0
	if mediaML > 0 {
		if ev, err := a.runner.Run(ctx, PumpRequest{
			Device:        DeviceMedia,
			VolumeML:      mediaML,
			Calibration:   a.calibrations[DeviceMedia],
			SourceOfEvent: JobName,
		}); err != nil {
			a.log.Error("media pump failed", slog.Any("error", err))
		} else {
			total += ev.VolumeChangeML
		}
	}
	if altMediaML > 0 {
		if ev, err := a.runner.Run(ctx, PumpRequest{
			Device:        DeviceAltMedia,
			VolumeML:      altMediaML,
			Calibration:   a.calibrations[DeviceAltMedia],
			SourceOfEvent: JobName,
		}); err != nil {
			a.log.Error("alt media pump failed", slog.Any("error", err))
		} else {
			total += ev.VolumeChangeML
		}
	}
	if total <= 0 {
		return
	}
	if _, err := a.runner.Run(ctx, PumpRequest{
		Device:        DeviceWaste,
		VolumeML:      total,
		Calibration:   a.calibrations[DeviceWaste],
		SourceOfEvent: JobName,
	}); err != nil {
		a.log.Error("waste pump failed", slog.Any("error", err))
	}
}

func (a *Automation) setTargetOD(raw string) error {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 {
		return fmt.Errorf("target_od %q: %w", raw, domain.ErrInvalidArgument)
	}
	a.mu.Lock()
	a.targetOD = f
	a.mu.Unlock()
	return a.UpdateSetting(context.Background(), "target_od", raw)
}

func (a *Automation) setTargetGrowth(raw string) error {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("target_growth_rate %q: %w", raw, domain.ErrInvalidArgument)
	}
	a.mu.Lock()
	a.targetGrowth = f
	if a.pid != nil {
		a.pid.SetSetpoint(f)
	}
	a.mu.Unlock()
	return a.UpdateSetting(context.Background(), "target_growth_rate", raw)
}
