package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/adapter/observability"
	"github.com/pioreactor/pioreactor-go/internal/domain"
	"github.com/pioreactor/pioreactor-go/internal/expr"
)

// JobSource is the source recorded for jobs started by a profile run, used to
// kill exactly those jobs on cancellation.
const JobSource = "experiment_profile"

// StartOpts carries everything a start action forwards to the unit.
type StartOpts struct {
	Options         map[string]string
	Args            []string
	ConfigOverrides map[string]string
}

// Dispatcher performs the side effects of profile actions. The engine itself
// never talks HTTP or MQTT directly so dry runs and tests swap this out.
type Dispatcher interface {
	AssignedUnits(ctx context.Context, experiment string) ([]string, error)
	IsAssigned(ctx context.Context, unit, experiment string) (bool, error)
	StartJob(ctx context.Context, unit, experiment, job string, opts StartOpts) error
	StopJob(ctx context.Context, unit, experiment, job string) error
	PauseJob(ctx context.Context, unit, experiment, job string) error
	ResumeJob(ctx context.Context, unit, experiment, job string) error
	UpdateJob(ctx context.Context, unit, experiment, job string, settings map[string]string) error
	Log(ctx context.Context, unit, experiment, message, level string) error
	KillBySource(ctx context.Context, experiment, source string) (int, error)
}

// Engine executes one profile against one experiment. Construct with
// NewEngine, then Run; Cancel aborts the run and kills what was started.
type Engine struct {
	profile    *Profile
	experiment string
	dispatch   Dispatcher
	bus        domain.Bus
	logger     *slog.Logger

	// WhenPoll is how often an armed when-action re-checks its condition.
	WhenPoll     time.Duration
	FetchTimeout time.Duration

	sched *scheduler
	exit  chan struct{}
}

// NewEngine wires a verified profile to a dispatcher.
func NewEngine(p *Profile, experiment string, d Dispatcher, bus domain.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		profile:      p,
		experiment:   experiment,
		dispatch:     d,
		bus:          bus,
		logger:       logger.With(slog.String("profile", p.ExperimentProfileName), slog.String("experiment", experiment)),
		WhenPoll:     10 * time.Second,
		FetchTimeout: 5 * time.Second,
		sched:        newScheduler(),
		exit:         make(chan struct{}),
	}
}

// Cancel aborts a running profile. Safe to call more than once.
func (e *Engine) Cancel() {
	select {
	case <-e.exit:
	default:
		close(e.exit)
	}
}

// Run schedules every action and drains the queue. On cancellation or context
// expiry it kills the jobs this run started and reports how many scheduled
// actions never fired.
func (e *Engine) Run(ctx context.Context) error {
	units, err := e.dispatch.AssignedUnits(ctx, e.experiment)
	if err != nil {
		return fmt.Errorf("op=profile.Run: %w", err)
	}
	if len(units) == 0 {
		return fmt.Errorf("op=profile.Run experiment=%s: no assigned units: %w", e.experiment, domain.ErrInvalidArgument)
	}

	for _, unit := range units {
		for jobName, spec := range e.profile.Common.Jobs {
			if err := e.scheduleAll(unit, jobName, spec.Actions); err != nil {
				return err
			}
		}
	}
	for unitKey, spec := range e.profile.Pioreactors {
		targets := []string{unitKey}
		if unitKey == domain.Broadcast {
			targets = units
		}
		for _, unit := range targets {
			for jobName, js := range spec.Jobs {
				if err := e.scheduleAll(unit, jobName, js.Actions); err != nil {
					return err
				}
			}
		}
	}

	e.logger.Info("profile started", slog.Int("units", len(units)))
	unfired := e.sched.drain(ctx, e.exit)
	if unfired > 0 {
		e.logger.Info("profile cancelled", slog.Int("actions_never_fired", unfired))
		killed, err := e.dispatch.KillBySource(context.WithoutCancel(ctx), e.experiment, JobSource)
		if err != nil {
			e.logger.Error("kill on cancel failed", slog.Any("error", err))
		} else {
			e.logger.Info("profile jobs stopped", slog.Int("count", killed))
		}
		return nil
	}
	e.logger.Info("profile finished")
	return nil
}

func (e *Engine) scheduleAll(unit, jobName string, actions []Action) error {
	for _, a := range actions {
		a := e.rewriteLEDIntensity(jobName, a)
		delay, err := a.DelaySeconds()
		if err != nil {
			return fmt.Errorf("op=profile.schedule job=%s: %w", jobName, err)
		}
		prio, ok := Priorities[a.Type]
		if !ok {
			return fmt.Errorf("op=profile.schedule job=%s: unknown action type %q: %w", jobName, a.Type, domain.ErrInvalidArgument)
		}
		at := secondsToDuration(delay)
		action := a
		switch a.Type {
		case ActionRepeat:
			e.sched.enqueue(at, prio, func(ctx context.Context) { e.startRepeat(ctx, unit, jobName, action, at) })
		case ActionWhen:
			e.sched.enqueue(at, prio, func(ctx context.Context) { e.armWhen(ctx, unit, jobName, action) })
		default:
			e.sched.enqueue(at, prio, func(ctx context.Context) { e.fire(ctx, unit, jobName, action) })
		}
	}
	return nil
}

// led_intensity is fire-and-forget, not a long-running job: stop and pause
// become a start at zero on every channel, and an update becomes a fresh
// start carrying the update options.
func (e *Engine) rewriteLEDIntensity(jobName string, a Action) Action {
	if jobName != "led_intensity" {
		return a
	}
	switch a.Type {
	case ActionStop, ActionPause:
		a.Type = ActionStart
		a.Options = map[string]any{"A": 0.0, "B": 0.0, "C": 0.0, "D": 0.0}
	case ActionUpdate:
		a.Type = ActionStart
	}
	return a
}

// fire executes one plain action. Condition failures and bus fetch problems
// skip the action; dispatch failures are logged, never fatal to the run.
func (e *Engine) fire(ctx context.Context, unit, jobName string, a Action) {
	assigned, err := e.dispatch.IsAssigned(ctx, unit, e.experiment)
	if err != nil {
		e.logger.Error("assignment check failed, skipping",
			slog.String("unit", unit), slog.String("job", jobName), slog.Any("error", err))
		return
	}
	if !assigned {
		e.logger.Warn("unit no longer assigned, skipping",
			slog.String("unit", unit), slog.String("job", jobName))
		return
	}
	env := e.env(unit, jobName)
	if a.If != "" {
		ok, err := expr.EvalBool(ctx, stripTemplate(a.If), env)
		if err != nil {
			if errors.Is(err, expr.ErrMQTTValue) {
				e.logger.Warn("if-expression value unavailable, skipping",
					slog.String("unit", unit), slog.String("job", jobName), slog.String("if", a.If))
			} else {
				e.logger.Error("if-expression failed, skipping",
					slog.String("unit", unit), slog.String("job", jobName), slog.Any("error", err))
			}
			return
		}
		if !ok {
			e.logger.Debug("if-expression false, skipping",
				slog.String("unit", unit), slog.String("job", jobName))
			return
		}
	}

	switch a.Type {
	case ActionStart:
		var opts StartOpts
		opts, err = e.renderStartOpts(ctx, a, env)
		if err == nil {
			err = e.dispatch.StartJob(ctx, unit, e.experiment, jobName, opts)
		}
	case ActionStop:
		err = e.dispatch.StopJob(ctx, unit, e.experiment, jobName)
	case ActionPause:
		err = e.dispatch.PauseJob(ctx, unit, e.experiment, jobName)
	case ActionResume:
		err = e.dispatch.ResumeJob(ctx, unit, e.experiment, jobName)
	case ActionUpdate:
		var settings map[string]string
		settings, err = e.renderOptions(ctx, a.Options, env)
		if err == nil {
			err = e.dispatch.UpdateJob(ctx, unit, e.experiment, jobName, settings)
		}
	case ActionLog:
		msg, _ := a.Options["message"].(string)
		level, _ := a.Options["level"].(string)
		if level == "" {
			level = "notice"
		}
		var rendered string
		rendered, err = expr.RenderTemplated(ctx, msg, env)
		if err == nil {
			err = e.dispatch.Log(ctx, unit, e.experiment, rendered, level)
		}
	default:
		err = fmt.Errorf("op=profile.fire: unhandled action %q: %w", a.Type, domain.ErrInternal)
	}
	if err != nil {
		e.logger.Error("action failed",
			slog.String("unit", unit), slog.String("job", jobName),
			slog.String("type", a.Type), slog.Any("error", err))
		return
	}
	observability.ProfileActionsTotal.WithLabelValues(a.Type).Inc()
	e.logger.Info("action executed",
		slog.String("unit", unit), slog.String("job", jobName), slog.String("type", a.Type))
}

// startRepeat runs the first loop iteration and chains the rest through the
// scheduler, one task per iteration.
func (e *Engine) startRepeat(ctx context.Context, unit, jobName string, a Action, start time.Duration) {
	interval, ok, err := a.IntervalSeconds()
	if err != nil || !ok {
		e.logger.Error("repeat missing a valid interval",
			slog.String("unit", unit), slog.String("job", jobName), slog.Any("error", err))
		return
	}
	ivl := secondsToDuration(interval)

	maxSeconds, hasMax, err := a.MaxSeconds()
	if err != nil {
		e.logger.Error("repeat has invalid max duration",
			slog.String("unit", unit), slog.String("job", jobName), slog.Any("error", err))
		return
	}

	// Sort inner actions once; delays beyond the interval can never fire
	// inside a loop, so they are dropped with a single warning.
	inner := make([]Action, 0, len(a.Actions))
	for _, child := range a.Actions {
		d, err := child.DelaySeconds()
		if err != nil {
			e.logger.Error("repeat inner action has invalid delay",
				slog.String("unit", unit), slog.String("job", jobName), slog.Any("error", err))
			continue
		}
		if d > interval {
			e.logger.Warn("repeat inner action delayed past the interval, never fires",
				slog.String("unit", unit), slog.String("job", jobName), slog.String("type", child.Type))
			continue
		}
		inner = append(inner, child)
	}
	sort.SliceStable(inner, func(i, j int) bool {
		di, _ := inner[i].DelaySeconds()
		dj, _ := inner[j].DelaySeconds()
		if di != dj {
			return di < dj
		}
		return Priorities[inner[i].Type] < Priorities[inner[j].Type]
	})

	var loop func(ctx context.Context, loopStart time.Duration, completed int)
	loop = func(ctx context.Context, loopStart time.Duration, completed int) {
		if hasMax && float64(completed)*interval >= maxSeconds {
			e.logger.Info("repeat reached max duration",
				slog.String("unit", unit), slog.String("job", jobName), slog.Int("loops", completed))
			return
		}
		if a.While != "" {
			keep, err := expr.EvalBool(ctx, stripTemplate(a.While), e.env(unit, jobName))
			if err != nil {
				if errors.Is(err, expr.ErrMQTTValue) {
					e.logger.Warn("while-expression value unavailable, ending repeat",
						slog.String("unit", unit), slog.String("job", jobName))
				} else {
					e.logger.Error("while-expression failed, ending repeat",
						slog.String("unit", unit), slog.String("job", jobName), slog.Any("error", err))
				}
				return
			}
			if !keep {
				e.logger.Info("repeat while-expression false, ending",
					slog.String("unit", unit), slog.String("job", jobName), slog.Int("loops", completed))
				return
			}
		}
		for _, child := range inner {
			d, _ := child.DelaySeconds()
			rebased := child
			rebased.HoursElapsed = nil
			rebased.T = TimeValue{}
			e.sched.enqueue(loopStart+secondsToDuration(d), Priorities[child.Type], func(ctx context.Context) {
				e.fire(ctx, unit, jobName, rebased)
			})
		}
		e.sched.enqueue(loopStart+ivl, Priorities[ActionRepeat], func(ctx context.Context) {
			loop(ctx, loopStart+ivl, completed+1)
		})
	}
	loop(ctx, start, 0)
}

// armWhen checks an if-gate once, then polls the condition. A condition whose
// fetch has no value yet simply keeps polling.
func (e *Engine) armWhen(ctx context.Context, unit, jobName string, a Action) {
	env := e.env(unit, jobName)
	if a.If != "" {
		ok, err := expr.EvalBool(ctx, stripTemplate(a.If), env)
		if err != nil || !ok {
			if err != nil {
				e.logger.Warn("when if-expression failed, never arming",
					slog.String("unit", unit), slog.String("job", jobName), slog.Any("error", err))
			}
			return
		}
	}
	if a.Condition == "" {
		e.logger.Error("when action without condition",
			slog.String("unit", unit), slog.String("job", jobName))
		return
	}

	var poll func(ctx context.Context)
	poll = func(ctx context.Context) {
		ok, err := expr.EvalBool(ctx, stripTemplate(a.Condition), e.env(unit, jobName))
		if err != nil && !errors.Is(err, expr.ErrMQTTValue) {
			e.logger.Error("when condition failed, disarming",
				slog.String("unit", unit), slog.String("job", jobName), slog.Any("error", err))
			return
		}
		if err == nil && ok {
			e.logger.Info("when condition met",
				slog.String("unit", unit), slog.String("job", jobName), slog.String("condition", a.Condition))
			base := e.sched.elapsed()
			for _, child := range a.Actions {
				d, derr := child.DelaySeconds()
				if derr != nil {
					e.logger.Error("when inner action has invalid delay",
						slog.String("unit", unit), slog.String("job", jobName), slog.Any("error", derr))
					continue
				}
				rebased := child
				rebased.HoursElapsed = nil
				rebased.T = TimeValue{}
				e.sched.enqueue(base+secondsToDuration(d), Priorities[child.Type], func(ctx context.Context) {
					e.fire(ctx, unit, jobName, rebased)
				})
			}
			return
		}
		e.sched.enqueue(e.sched.elapsed()+e.WhenPoll, Priorities[ActionWhen], poll)
	}
	poll(ctx)
}

func (e *Engine) env(unit, jobName string) expr.Env {
	return expr.Env{
		Unit:         unit,
		Experiment:   e.experiment,
		JobName:      jobName,
		HoursElapsed: e.sched.elapsed().Hours(),
		Bus:          e.bus,
		FetchTimeout: e.FetchTimeout,
	}
}

func (e *Engine) renderStartOpts(ctx context.Context, a Action, env expr.Env) (StartOpts, error) {
	options, err := e.renderOptions(ctx, a.Options, env)
	if err != nil {
		return StartOpts{}, err
	}
	return StartOpts{
		Options:         options,
		Args:            a.Args,
		ConfigOverrides: a.ConfigOverrides,
	}, nil
}

// renderOptions flattens option values to strings, evaluating any ${{ }}
// templates against the live bus.
func (e *Engine) renderOptions(ctx context.Context, in map[string]any, env expr.Env) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		s, ok := v.(string)
		if !ok {
			out[k] = fmt.Sprintf("%v", v)
			continue
		}
		rendered, err := expr.RenderTemplated(ctx, s, env)
		if err != nil {
			return nil, fmt.Errorf("op=profile.renderOptions option=%s: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
