// Package growthrate estimates the specific growth rate from OD samples with
// an extended Kalman filter, inflating variance around dosing events.
package growthrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/domain"
	"github.com/pioreactor/pioreactor-go/internal/job"
)

const (
	// JobName is the registered job name.
	JobName = "growth_rate_calculating"

	defaultODProcVar   = 1e-6
	defaultRateProcVar = 1e-8
	defaultObsVar      = 1e-4

	// Dosing discontinuities: OD process variance is inflated by this factor
	// for dosingHoldSteps samples.
	dosingInflation = 1000.0
	dosingHoldSteps = 8
)

// Options configures a Calculator.
type Options struct {
	Unit       string
	Experiment string
	Source     string
	Bus        domain.Bus
	Registry   domain.JobRegistry
	Logger     *slog.Logger

	SamplesPerSecond float64

	ODProcessVariance   float64
	RateProcessVariance float64
	ObservationVariance float64
}

// Calculator is the growth_rate_calculating background job.
type Calculator struct {
	*job.Job

	log              *slog.Logger
	samplesPerSecond float64
	odProcVar        float64
	rateProcVar      float64
	obsVar           float64

	mu       sync.Mutex
	ekf      *EKF
	channels []string
}

// New builds the calculator.
func New(opts Options) *Calculator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.ODProcessVariance == 0 {
		opts.ODProcessVariance = defaultODProcVar
	}
	if opts.RateProcessVariance == 0 {
		opts.RateProcessVariance = defaultRateProcVar
	}
	if opts.ObservationVariance == 0 {
		opts.ObservationVariance = defaultObsVar
	}
	if opts.SamplesPerSecond == 0 {
		opts.SamplesPerSecond = 0.2
	}
	c := &Calculator{
		log:              log.With(slog.String("job", JobName)),
		samplesPerSecond: opts.SamplesPerSecond,
		odProcVar:        opts.ODProcessVariance,
		rateProcVar:      opts.RateProcessVariance,
		obsVar:           opts.ObservationVariance,
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
	})
	return c
}

// Start registers the job and subscribes to OD samples and dosing events.
func (c *Calculator) Start(ctx context.Context) error {
	if err := c.Job.Start(ctx); err != nil {
		return err
	}
	if err := c.SubscribeBus(domain.ODReadingsTopic(c.Unit(), c.Experiment()), domain.AtLeastOnce, c.onODReadings); err != nil {
		return err
	}
	return c.SubscribeBus(domain.DosingEventsTopic(c.Unit(), c.Experiment()), domain.ExactlyOnce, c.onDosingEvent)
}

func (c *Calculator) onODReadings(m domain.Message) {
	var readings domain.ODReadings
	if err := json.Unmarshal(m.Payload, &readings); err != nil {
		c.log.Warn("undecodable od readings", slog.Any("error", err))
		return
	}
	if c.State() != domain.StateReady {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Ingest(ctx, readings); err != nil {
		c.log.Warn("ekf step failed", slog.Any("error", err))
	}
}

func (c *Calculator) onDosingEvent(m domain.Message) {
	var ev domain.DosingEvent
	if err := json.Unmarshal(m.Payload, &ev); err != nil {
		c.log.Warn("undecodable dosing event", slog.Any("error", err))
		return
	}
	c.mu.Lock()
	if c.ekf != nil {
		c.ekf.ScaleODVariance(dosingInflation, dosingHoldSteps)
	}
	c.mu.Unlock()
	c.log.Debug("od variance inflated for dosing", slog.String("event", ev.Event))
}

// Ingest folds one ODReadings sample into the filter and publishes the
// resulting growth rate and filtered OD.
func (c *Calculator) Ingest(ctx context.Context, readings domain.ODReadings) error {
	obs, channels, err := c.vectorize(readings)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.ekf == nil {
		c.ekf, err = NewEKF(obs, c.odProcVar, c.rateProcVar, c.obsVar)
		c.channels = channels
		c.mu.Unlock()
		return err
	}
	ods, rateState, err := c.ekf.Step(obs)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	// Per-step multiplicative rate -> specific growth rate per hour.
	ratePerHour := math.Log(rateState) * 3600 * c.samplesPerSecond

	var mean float64
	for _, od := range ods {
		mean += od
	}
	mean /= float64(len(ods))

	return c.publish(ctx, readings.Timestamp, ratePerHour, mean)
}

func (c *Calculator) vectorize(readings domain.ODReadings) ([]float64, []string, error) {
	if len(readings.ODs) == 0 {
		return nil, nil, fmt.Errorf("op=growthrate.Ingest: empty sample: %w", domain.ErrInvalidArgument)
	}
	channels := make([]string, 0, len(readings.ODs))
	for ch := range readings.ODs {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	c.mu.Lock()
	known := c.channels
	c.mu.Unlock()
	if known != nil {
		if len(channels) != len(known) {
			return nil, nil, fmt.Errorf("op=growthrate.Ingest: channel set changed: %w", domain.ErrInvalidArgument)
		}
		channels = known
	}

	obs := make([]float64, len(channels))
	for i, ch := range channels {
		r, ok := readings.ODs[ch]
		if !ok {
			return nil, nil, fmt.Errorf("op=growthrate.Ingest channel=%s: missing: %w", ch, domain.ErrInvalidArgument)
		}
		obs[i] = r.OD
	}
	return obs, channels, nil
}

func (c *Calculator) publish(ctx context.Context, ts time.Time, rate, odFiltered float64) error {
	gr := domain.GrowthRate{Timestamp: ts, GrowthRate: rate}
	raw, err := json.Marshal(gr)
	if err != nil {
		return err
	}
	grTopic := domain.SettingTopic(c.Unit(), c.Experiment(), "growth_rate_calculating", "growth_rate")
	if err := c.Publish(ctx, grTopic, raw, domain.AtLeastOnce, true); err != nil {
		return err
	}

	odf := domain.ODFiltered{Timestamp: ts, ODFiltered: odFiltered}
	raw, err = json.Marshal(odf)
	if err != nil {
		return err
	}
	odTopic := domain.SettingTopic(c.Unit(), c.Experiment(), "growth_rate_calculating", "od_filtered")
	return c.Publish(ctx, odTopic, raw, domain.AtLeastOnce, true)
}
