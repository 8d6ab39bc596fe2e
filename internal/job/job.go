// Package job implements the background job runtime shared by every
// long-running control loop: the lifecycle state machine, published settings
// with remote writes, sub-jobs, and graceful shutdown.
//
// Lifecycle: init -> ready <-> sleeping -> disconnected. A crash leaves the
// retained $state at "lost" via the broker's last-will machinery; the owning
// bus client must be constructed with the job's state will (see bus.StateWill).
package job

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/adapter/observability"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// Hooks are the optional per-job state-change callbacks.
type Hooks struct {
	OnReady      func(ctx context.Context) error
	OnSleeping   func(ctx context.Context) error
	OnDisconnect func(ctx context.Context) error
}

// Options configures a Job.
type Options struct {
	Name        string
	Unit        string
	Experiment  string
	Source      string
	LongRunning bool
	Bus         domain.Bus
	Registry    domain.JobRegistry // optional; nil skips registration
	Logger      *slog.Logger       // optional; defaults to slog.Default
	Hooks       Hooks
}

type setting struct {
	value    string
	settable bool
	set      func(value string) error
}

// Job is one background job instance.
type Job struct {
	name       string
	unit       string
	experiment string
	source     string
	bus        domain.Bus
	registry   domain.JobRegistry
	regID      int64
	log        *slog.Logger
	hooks      Hooks
	long       bool

	mu       sync.Mutex
	state    domain.JobState
	settings map[string]*setting
	order    []string
	children []*Job
	unsubs   []func()
	done     chan struct{}
	closed   bool
}

// New constructs a Job in state init. Settings must be declared before Start.
func New(opts Options) *Job {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Job{
		name:       opts.Name,
		unit:       opts.Unit,
		experiment: opts.Experiment,
		source:     opts.Source,
		bus:        opts.Bus,
		registry:   opts.Registry,
		log:        log.With(slog.String("job", opts.Name), slog.String("unit", opts.Unit)),
		hooks:      opts.Hooks,
		long:       opts.LongRunning,
		state:      domain.StateInit,
		settings:   make(map[string]*setting),
		done:       make(chan struct{}),
	}
}

// Name returns the job name.
func (j *Job) Name() string { return j.name }

// Unit returns the owning unit.
func (j *Job) Unit() string { return j.unit }

// Experiment returns the experiment scope.
func (j *Job) Experiment() string { return j.experiment }

// Done closes when the job reaches disconnected.
func (j *Job) Done() <-chan struct{} { return j.done }

// State returns the current lifecycle state.
func (j *Job) State() domain.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// DeclareSetting registers a published setting. When settable, remote writes
// to .../<name>/set call set if provided, otherwise coerce into the current
// value's type and store.
func (j *Job) DeclareSetting(name, value string, settable bool, set func(string) error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, exists := j.settings[name]; !exists {
		j.order = append(j.order, name)
	}
	j.settings[name] = &setting{value: value, settable: settable, set: set}
}

// Setting returns a published setting's current value.
func (j *Job) Setting(name string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.settings[name]
	if !ok {
		return "", false
	}
	return s.value, true
}

// SettingFloat returns a setting parsed as float64.
func (j *Job) SettingFloat(name string) (float64, error) {
	v, ok := j.Setting(name)
	if !ok {
		return 0, fmt.Errorf("op=job.SettingFloat setting=%s: %w", name, domain.ErrNotFound)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("op=job.SettingFloat setting=%s: %w", name, domain.ErrInvalidArgument)
	}
	return f, nil
}

// Start registers with the job manager (duplicate prevention), publishes
// $state, $properties, and every setting retained, wires remote writes, and
// transitions to ready.
func (j *Job) Start(ctx context.Context) error {
	if j.registry != nil {
		id, err := j.registry.Register(ctx, domain.JobRecord{
			Unit:        j.unit,
			Experiment:  j.experiment,
			Name:        j.name,
			Source:      j.source,
			PID:         os.Getpid(),
			LongRunning: j.long,
		})
		if err != nil {
			j.log.Warn("job registration refused", slog.Any("error", err))
			return err
		}
		j.regID = id
	}

	if err := j.publishState(ctx, domain.StateInit); err != nil {
		return err
	}
	if err := j.publishProperties(ctx); err != nil {
		return err
	}
	j.mu.Lock()
	names := append([]string(nil), j.order...)
	j.mu.Unlock()
	for _, name := range names {
		if err := j.publishSetting(ctx, name); err != nil {
			return err
		}
		if j.settableSetting(name) {
			if err := j.subscribeSettingSet(ctx, name); err != nil {
				return err
			}
		}
	}
	if err := j.subscribeStateSet(ctx); err != nil {
		return err
	}
	observability.JobsRunning.WithLabelValues(j.name).Inc()
	return j.SetState(ctx, domain.StateReady)
}

// SetState drives the lifecycle machine, running hooks and publishing the
// retained $state topic.
func (j *Job) SetState(ctx context.Context, to domain.JobState) error {
	j.mu.Lock()
	from := j.state
	if !domain.ValidTransition(from, to) {
		j.mu.Unlock()
		return fmt.Errorf("op=job.SetState %s->%s: %w", from, to, domain.ErrInvalidArgument)
	}
	j.state = to
	j.mu.Unlock()

	var hook func(context.Context) error
	switch to {
	case domain.StateReady:
		hook = j.hooks.OnReady
	case domain.StateSleeping:
		hook = j.hooks.OnSleeping
	case domain.StateDisconnected:
		hook = j.hooks.OnDisconnect
	}
	if hook != nil {
		if err := hook(ctx); err != nil {
			j.log.Error("state hook failed", slog.String("state", string(to)), slog.Any("error", err))
		}
	}
	if err := j.publishState(ctx, to); err != nil {
		return err
	}
	j.log.Info("state changed", slog.String("from", string(from)), slog.String("to", string(to)))
	if to == domain.StateDisconnected {
		j.finish(ctx)
	}
	return nil
}

// UpdateSetting stores and republishes a setting value, also mirroring it
// into the job manager registry.
func (j *Job) UpdateSetting(ctx context.Context, name, value string) error {
	j.mu.Lock()
	s, ok := j.settings[name]
	if !ok {
		j.mu.Unlock()
		return fmt.Errorf("op=job.UpdateSetting setting=%s: %w", name, domain.ErrNotFound)
	}
	s.value = value
	j.mu.Unlock()
	if j.registry != nil && j.regID != 0 {
		v := value
		_ = j.registry.UpsertSetting(ctx, j.regID, name, &v)
	}
	return j.publishSetting(ctx, name)
}

// Publish sends an arbitrary payload through the job's bus client.
func (j *Job) Publish(ctx context.Context, topic string, payload []byte, qos domain.QoS, retain bool) error {
	return j.bus.Publish(ctx, topic, payload, qos, retain)
}

// SubscribeBus attaches a handler to the job's bus; the subscription is
// cancelled when the job disconnects.
func (j *Job) SubscribeBus(filter string, qos domain.QoS, h domain.Handler) error {
	unsub, err := j.bus.Subscribe(filter, qos, h)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.unsubs = append(j.unsubs, unsub)
	j.mu.Unlock()
	return nil
}

// AddChild attaches a sub-job sharing this job's lifecycle. Children never
// install their own signal handlers; the parent disconnects them.
func (j *Job) AddChild(child *Job) {
	j.mu.Lock()
	j.children = append(j.children, child)
	j.mu.Unlock()
}

// Disconnect cleanly ends the job: children first, then hooks, retained
// state, registry row, and subscriptions.
func (j *Job) Disconnect(ctx context.Context) {
	j.mu.Lock()
	if j.state == domain.StateDisconnected {
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()
	_ = j.SetState(ctx, domain.StateDisconnected)
}

func (j *Job) finish(ctx context.Context) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	children := append([]*Job(nil), j.children...)
	unsubs := j.unsubs
	j.unsubs = nil
	j.mu.Unlock()

	for _, child := range children {
		child.Disconnect(ctx)
	}
	for _, u := range unsubs {
		u()
	}
	if j.registry != nil && j.regID != 0 {
		_ = j.registry.SetNotRunning(ctx, j.regID)
	}
	observability.JobsRunning.WithLabelValues(j.name).Dec()
	close(j.done)
}

// RunUntilSignal blocks until SIGINT/SIGTERM or ctx cancellation, then
// disconnects the job.
func (j *Job) RunUntilSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	select {
	case sig := <-sigCh:
		j.log.Info("shutdown signal received", slog.String("signal", sig.String()))
	case <-ctx.Done():
	case <-j.done:
		return
	}
	j.Disconnect(context.Background())
}

func (j *Job) publishState(ctx context.Context, st domain.JobState) error {
	topic := domain.StateTopic(j.unit, j.experiment, j.name)
	return j.bus.Publish(ctx, topic, []byte(st), domain.ExactlyOnce, true)
}

func (j *Job) publishProperties(ctx context.Context) error {
	j.mu.Lock()
	var settable []string
	for _, name := range j.order {
		if j.settings[name].settable {
			settable = append(settable, name)
		}
	}
	j.mu.Unlock()
	topic := domain.PropertiesTopic(j.unit, j.experiment, j.name)
	return j.bus.Publish(ctx, topic, []byte(strings.Join(settable, ",")), domain.ExactlyOnce, true)
}

func (j *Job) publishSetting(ctx context.Context, name string) error {
	j.mu.Lock()
	s, ok := j.settings[name]
	if !ok {
		j.mu.Unlock()
		return fmt.Errorf("op=job.publishSetting setting=%s: %w", name, domain.ErrNotFound)
	}
	value := s.value
	j.mu.Unlock()
	topic := domain.SettingTopic(j.unit, j.experiment, j.name, name)
	return j.bus.Publish(ctx, topic, []byte(value), domain.ExactlyOnce, true)
}

func (j *Job) settableSetting(name string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	s, ok := j.settings[name]
	return ok && s.settable
}

func (j *Job) subscribeSettingSet(ctx context.Context, name string) error {
	topic := domain.SettingSetTopic(j.unit, j.experiment, j.name, name)
	unsub, err := j.bus.Subscribe(topic, domain.ExactlyOnce, func(m domain.Message) {
		j.handleSettingWrite(name, string(m.Payload))
	})
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.unsubs = append(j.unsubs, unsub)
	j.mu.Unlock()
	_ = ctx
	return nil
}

func (j *Job) handleSettingWrite(name, raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	j.mu.Lock()
	s, ok := j.settings[name]
	j.mu.Unlock()
	if !ok {
		return
	}
	if s.set != nil {
		if err := s.set(raw); err != nil {
			j.log.Warn("setting write rejected", slog.String("setting", name), slog.Any("error", err))
			return
		}
		// Setter may have normalized the value itself; republish whatever
		// is current.
		_ = j.publishSetting(ctx, name)
		return
	}
	coerced, err := coerceLike(s.value, raw)
	if err != nil {
		j.log.Warn("setting write rejected", slog.String("setting", name), slog.Any("error", err))
		return
	}
	_ = j.UpdateSetting(ctx, name, coerced)
}

func (j *Job) subscribeStateSet(ctx context.Context) error {
	topic := domain.StateSetTopic(j.unit, j.experiment, j.name)
	unsub, err := j.bus.Subscribe(topic, domain.ExactlyOnce, func(m domain.Message) {
		j.handleStateCommand(string(m.Payload))
	})
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.unsubs = append(j.unsubs, unsub)
	j.mu.Unlock()
	_ = ctx
	return nil
}

func (j *Job) handleStateCommand(raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	switch domain.JobState(strings.TrimSpace(raw)) {
	case domain.StateSleeping:
		_ = j.SetState(ctx, domain.StateSleeping)
	case domain.StateReady:
		_ = j.SetState(ctx, domain.StateReady)
	case domain.StateDisconnected:
		j.Disconnect(ctx)
	default:
		j.log.Warn("unknown state command", slog.String("payload", raw))
	}
}

// coerceLike converts raw into the same shape as current: float stays float,
// bool stays bool, anything else passes through as a string.
func coerceLike(current, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if _, err := strconv.ParseFloat(current, 64); err == nil {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", fmt.Errorf("expected number: %w", domain.ErrInvalidArgument)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	}
	if _, err := strconv.ParseBool(current); err == nil {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return "", fmt.Errorf("expected bool: %w", domain.ErrInvalidArgument)
		}
		return strconv.FormatBool(b), nil
	}
	return raw, nil
}
