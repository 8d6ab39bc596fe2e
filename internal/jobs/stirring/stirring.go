// Package stirring runs the stirrer: PWM at a bootstrap duty cycle, then a
// closed loop nudging the duty cycle toward target_rpm from hall-effect
// measurements.
package stirring

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/domain"
	"github.com/pioreactor/pioreactor-go/internal/job"
)

const (
	// JobName is the registered job name.
	JobName = "stirring"

	defaultChannel     = "stirring"
	defaultBootstrapDC = 30.0
	measureWindow      = 500 * time.Millisecond
	loopInterval       = 4 * time.Second

	// kp converts an RPM error into a duty-cycle nudge.
	kp = 0.02
)

// Options configures a Stirrer.
type Options struct {
	Unit       string
	Experiment string
	Source     string
	Bus        domain.Bus
	Registry   domain.JobRegistry
	Logger     *slog.Logger

	PWM        domain.PWM
	RPM        domain.RPMCounter
	TargetRPM  float64
	Channel    string // PWM channel; defaults to "stirring"
	InitialDC  float64
	LoopPeriod time.Duration
}

// Stirrer is the stirring background job.
type Stirrer struct {
	*job.Job

	pwm     domain.PWM
	counter domain.RPMCounter
	channel string
	period  time.Duration
	log     *slog.Logger

	mu        sync.Mutex
	lease     domain.PWMLease
	dc        float64
	sleepDC   float64 // DC to restore on resume
	targetRPM float64
	latestRPM float64

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New builds the stirrer; Start begins the loop.
func New(opts Options) *Stirrer {
	if opts.Channel == "" {
		opts.Channel = defaultChannel
	}
	if opts.InitialDC == 0 {
		opts.InitialDC = defaultBootstrapDC
	}
	if opts.LoopPeriod == 0 {
		opts.LoopPeriod = loopInterval
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Stirrer{
		pwm:       opts.PWM,
		counter:   opts.RPM,
		channel:   opts.Channel,
		period:    opts.LoopPeriod,
		log:       log.With(slog.String("job", JobName)),
		dc:        opts.InitialDC,
		targetRPM: opts.TargetRPM,
	}
	s.Job = job.New(job.Options{
		Name:        JobName,
		Unit:        opts.Unit,
		Experiment:  opts.Experiment,
		Source:      opts.Source,
		LongRunning: true,
		Bus:         opts.Bus,
		Registry:    opts.Registry,
		Logger:      opts.Logger,
		Hooks: job.Hooks{
			OnReady:      s.onReady,
			OnSleeping:   s.onSleeping,
			OnDisconnect: s.onDisconnect,
		},
	})
	s.DeclareSetting("target_rpm", formatFloat(opts.TargetRPM), true, s.setTargetRPM)
	s.DeclareSetting("duty_cycle", formatFloat(opts.InitialDC), true, s.setDutyCycle)
	s.DeclareSetting("measured_rpm", "0", false, nil)
	return s
}

// Start acquires the PWM channel, registers the job, and spins up the control
// loop.
func (s *Stirrer) Start(ctx context.Context) error {
	lease, err := s.pwm.Acquire(s.channel)
	if err != nil {
		return fmt.Errorf("op=stirring.Start channel=%s: %w", s.channel, err)
	}
	s.mu.Lock()
	s.lease = lease
	s.mu.Unlock()

	if err := s.Job.Start(ctx); err != nil {
		lease.Release()
		return err
	}
	return nil
}

func (s *Stirrer) onReady(ctx context.Context) error {
	s.mu.Lock()
	dc := s.dc
	if s.sleepDC > 0 {
		dc = s.sleepDC
		s.dc = dc
		s.sleepDC = 0
	}
	lease := s.lease
	s.mu.Unlock()
	if lease == nil {
		return nil
	}
	if err := lease.SetDuty(dc); err != nil {
		return err
	}
	s.startLoop()
	return nil
}

func (s *Stirrer) onSleeping(context.Context) error {
	s.stopLoop()
	s.mu.Lock()
	s.sleepDC = s.dc
	s.dc = 0
	lease := s.lease
	s.mu.Unlock()
	if lease != nil {
		return lease.SetDuty(0)
	}
	return nil
}

func (s *Stirrer) onDisconnect(context.Context) error {
	s.stopLoop()
	s.mu.Lock()
	lease := s.lease
	s.lease = nil
	s.mu.Unlock()
	if lease != nil {
		lease.Release()
	}
	return nil
}

func (s *Stirrer) startLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.loopCancel = cancel
	s.loopDone = done
	go s.loop(ctx, done)
}

func (s *Stirrer) stopLoop() {
	s.mu.Lock()
	cancel := s.loopCancel
	done := s.loopDone
	s.loopCancel = nil
	s.loopDone = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (s *Stirrer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.adjustOnce(ctx)
		}
	}
}

// adjustOnce measures RPM and nudges the duty cycle proportionally.
func (s *Stirrer) adjustOnce(ctx context.Context) {
	if s.counter == nil {
		return
	}
	rpm, err := s.counter.Measure(measureWindow)
	if err != nil {
		s.log.Warn("rpm measurement failed", slog.Any("error", err))
		return
	}
	s.mu.Lock()
	s.latestRPM = rpm
	target := s.targetRPM
	dc := s.dc
	lease := s.lease
	s.mu.Unlock()

	_ = s.UpdateSetting(ctx, "measured_rpm", formatFloat(rpm))
	if target <= 0 || lease == nil {
		return
	}
	next := clampDC(dc + kp*(target-rpm))
	if next == dc {
		return
	}
	if err := lease.SetDuty(next); err != nil {
		s.log.Warn("duty cycle write failed", slog.Any("error", err))
		return
	}
	s.mu.Lock()
	s.dc = next
	s.mu.Unlock()
	_ = s.UpdateSetting(ctx, "duty_cycle", formatFloat(next))
}

// MeasuredRPM returns the latest closed-loop measurement.
func (s *Stirrer) MeasuredRPM() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestRPM
}

// BlockUntilRPMCloseToTarget polls until |rpm-target| <= tol or the timeout
// passes.
func (s *Stirrer) BlockUntilRPMCloseToTarget(ctx context.Context, tol float64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		s.adjustOnce(ctx)
		s.mu.Lock()
		rpm, target := s.latestRPM, s.targetRPM
		s.mu.Unlock()
		if abs(rpm-target) <= tol {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("op=stirring.BlockUntilRPMCloseToTarget rpm=%.1f target=%.1f: %w",
				rpm, target, domain.ErrBusTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.period / 4):
		}
	}
}

func (s *Stirrer) setTargetRPM(raw string) error {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 {
		return fmt.Errorf("target_rpm %q: %w", raw, domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	s.targetRPM = f
	s.mu.Unlock()
	return s.UpdateSetting(context.Background(), "target_rpm", formatFloat(f))
}

func (s *Stirrer) setDutyCycle(raw string) error {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("duty_cycle %q: %w", raw, domain.ErrInvalidArgument)
	}
	f = clampDC(f)
	s.mu.Lock()
	lease := s.lease
	s.dc = f
	s.mu.Unlock()
	if lease != nil {
		if err := lease.SetDuty(f); err != nil {
			return err
		}
	}
	return s.UpdateSetting(context.Background(), "duty_cycle", formatFloat(f))
}

func clampDC(dc float64) float64 {
	if dc < 0 {
		return 0
	}
	if dc > 100 {
		return 100
	}
	return dc
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func formatFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }
