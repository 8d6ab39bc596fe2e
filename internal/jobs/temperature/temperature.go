// Package temperature holds the vial at a target temperature with a PID on
// the heater PWM, and raises an emergency signal when the vial overheats.
package temperature

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/domain"
	"github.com/pioreactor/pioreactor-go/internal/job"
	"github.com/pioreactor/pioreactor-go/internal/numerical"
)

const (
	// JobName is the registered job name.
	JobName = "temperature_automation"

	heaterChannel = "heater"

	// EmergencyCelsius is the hard ceiling; past it the heater is cut and
	// pumping is refused until the job restarts.
	EmergencyCelsius = 57.0

	defaultPeriod = 10 * time.Second
)

// Options configures a Controller.
type Options struct {
	Unit       string
	Experiment string
	Source     string
	Bus        domain.Bus
	Registry   domain.JobRegistry
	Logger     *slog.Logger

	PWM    domain.PWM
	Sensor domain.TempSensor

	TargetCelsius float64
	Period        time.Duration
}

// Controller is the thermostat background job.
type Controller struct {
	*job.Job

	pwm    domain.PWM
	sensor domain.TempSensor
	period time.Duration
	log    *slog.Logger

	mu        sync.Mutex
	lease     domain.PWMLease
	pid       *numerical.PID
	latest    float64
	emergency bool

	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New builds the controller.
func New(opts Options) *Controller {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Period == 0 {
		opts.Period = defaultPeriod
	}
	c := &Controller{
		pwm:    opts.PWM,
		sensor: opts.Sensor,
		period: opts.Period,
		log:    log.With(slog.String("job", JobName)),
		pid:    numerical.NewPID(3, 0.05, 0.5, opts.TargetCelsius, 0, 100),
	}
	c.Job = job.New(job.Options{
		Name:        JobName,
		Unit:        opts.Unit,
		Experiment:  opts.Experiment,
		Source:      opts.Source,
		LongRunning: true,
		Bus:         opts.Bus,
		Registry:    opts.Registry,
		Logger:      opts.Logger,
		Hooks: job.Hooks{
			OnReady:      c.onReady,
			OnSleeping:   c.onSleeping,
			OnDisconnect: c.onDisconnect,
		},
	})
	c.DeclareSetting("automation_name", "thermostat", false, nil)
	c.DeclareSetting("target_temperature", strconv.FormatFloat(opts.TargetCelsius, 'f', -1, 64), true, c.setTarget)
	c.DeclareSetting("temperature", "0", false, nil)
	return c
}

// Start acquires the heater channel and begins regulating.
func (c *Controller) Start(ctx context.Context) error {
	lease, err := c.pwm.Acquire(heaterChannel)
	if err != nil {
		return fmt.Errorf("op=temperature.Start: %w", err)
	}
	c.mu.Lock()
	c.lease = lease
	c.mu.Unlock()
	if err := c.Job.Start(ctx); err != nil {
		lease.Release()
		return err
	}
	return nil
}

// Emergency reports whether the overheat cutoff has tripped.
func (c *Controller) Emergency() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emergency
}

// Latest returns the most recent temperature reading.
func (c *Controller) Latest() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latest
}

func (c *Controller) onReady(context.Context) error {
	c.mu.Lock()
	if c.loopCancel != nil {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.loopCancel = cancel
	c.loopDone = done
	c.mu.Unlock()
	go c.loop(ctx, done)
	return nil
}

func (c *Controller) onSleeping(context.Context) error {
	c.stopLoop()
	return c.heaterOff()
}

func (c *Controller) onDisconnect(context.Context) error {
	c.stopLoop()
	_ = c.heaterOff()
	c.mu.Lock()
	lease := c.lease
	c.lease = nil
	c.mu.Unlock()
	if lease != nil {
		lease.Release()
	}
	return nil
}

func (c *Controller) stopLoop() {
	c.mu.Lock()
	cancel := c.loopCancel
	done := c.loopDone
	c.loopCancel = nil
	c.loopDone = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

func (c *Controller) heaterOff() error {
	c.mu.Lock()
	lease := c.lease
	c.mu.Unlock()
	if lease == nil {
		return nil
	}
	return lease.SetDuty(0)
}

func (c *Controller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RegulateOnce(ctx)
		}
	}
}

// RegulateOnce reads the sensor, updates the PID, and drives the heater. The
// emergency path cuts the heater and latches until restart.
func (c *Controller) RegulateOnce(ctx context.Context) {
	temp, err := c.sensor.ReadTemp()
	if err != nil {
		c.log.Warn("temperature read failed", slog.Any("error", err))
		return
	}
	c.mu.Lock()
	c.latest = temp
	lease := c.lease
	pid := c.pid
	emergency := c.emergency
	c.mu.Unlock()
	_ = c.UpdateSetting(ctx, "temperature", strconv.FormatFloat(temp, 'f', 2, 64))

	if temp >= EmergencyCelsius && !emergency {
		c.mu.Lock()
		c.emergency = true
		c.mu.Unlock()
		c.log.Error("temperature emergency: heater cut", slog.Float64("celsius", temp))
		_ = c.heaterOff()
		return
	}
	if emergency || lease == nil {
		return
	}

	dc := pid.Update(temp, c.period)
	if err := lease.SetDuty(dc); err != nil {
		c.log.Warn("heater write failed", slog.Any("error", err))
	}
}

func (c *Controller) setTarget(raw string) error {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f <= 0 || f >= EmergencyCelsius {
		return fmt.Errorf("target_temperature %q: %w", raw, domain.ErrInvalidArgument)
	}
	c.mu.Lock()
	c.pid.SetSetpoint(f)
	c.mu.Unlock()
	return c.UpdateSetting(context.Background(), "target_temperature", raw)
}
