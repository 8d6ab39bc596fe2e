package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// HTTPDispatcher performs actions against the cluster: start goes straight to
// the target unit's API, stop/update/log go through the leader so they are
// recorded there, and pause/resume ride the bus as $state/set commands.
type HTTPDispatcher struct {
	LeaderBase string              // e.g. http://leader.local:4999
	UnitBase   func(string) string // unit name -> base URL
	Client     *http.Client
	Bus        domain.Bus

	// Source is stamped into JOB_SOURCE for started jobs and used to kill
	// them on cancellation.
	Source string
}

// NewHTTPDispatcher builds a dispatcher with sane timeouts.
func NewHTTPDispatcher(leaderBase string, unitBase func(string) string, bus domain.Bus, source string) *HTTPDispatcher {
	if source == "" {
		source = JobSource
	}
	return &HTTPDispatcher{
		LeaderBase: leaderBase,
		UnitBase:   unitBase,
		Client:     &http.Client{Timeout: 15 * time.Second},
		Bus:        bus,
		Source:     source,
	}
}

type workerAssignment struct {
	PioreactorUnit string `json:"pioreactor_unit"`
	Experiment     string `json:"experiment"`
}

// AssignedUnits lists the workers assigned to an experiment.
func (d *HTTPDispatcher) AssignedUnits(ctx context.Context, experiment string) ([]string, error) {
	var assignments []workerAssignment
	url := fmt.Sprintf("%s/api/experiments/%s/workers", d.LeaderBase, experiment)
	if err := d.doJSON(ctx, http.MethodGet, url, nil, &assignments); err != nil {
		return nil, err
	}
	units := make([]string, 0, len(assignments))
	for _, a := range assignments {
		units = append(units, a.PioreactorUnit)
	}
	return units, nil
}

// IsAssigned reports whether a unit is currently assigned to the experiment.
func (d *HTTPDispatcher) IsAssigned(ctx context.Context, unit, experiment string) (bool, error) {
	units, err := d.AssignedUnits(ctx, experiment)
	if err != nil {
		return false, err
	}
	for _, u := range units {
		if u == unit {
			return true, nil
		}
	}
	return false, nil
}

// StartJob asks the unit to fork the job as a subprocess.
func (d *HTTPDispatcher) StartJob(ctx context.Context, unit, experiment, job string, opts StartOpts) error {
	body := map[string]any{
		"options": opts.Options,
		"args":    opts.Args,
		"env": map[string]string{
			"JOB_SOURCE": d.Source,
			"EXPERIMENT": experiment,
		},
		"config_overrides": opts.ConfigOverrides,
	}
	url := fmt.Sprintf("%s/unit_api/jobs/run/job_name/%s", d.UnitBase(unit), job)
	return d.doJSON(ctx, http.MethodPost, url, body, nil)
}

// StopJob routes through the leader so the stop is cluster-visible.
func (d *HTTPDispatcher) StopJob(ctx context.Context, unit, experiment, job string) error {
	url := fmt.Sprintf("%s/api/workers/%s/jobs/stop/job_name/%s/experiments/%s", d.LeaderBase, unit, job, experiment)
	return d.doJSON(ctx, http.MethodPost, url, nil, nil)
}

// PauseJob publishes a sleeping command on the bus.
func (d *HTTPDispatcher) PauseJob(ctx context.Context, unit, experiment, job string) error {
	return d.publishState(ctx, unit, experiment, job, domain.StateSleeping)
}

// ResumeJob publishes a ready command on the bus.
func (d *HTTPDispatcher) ResumeJob(ctx context.Context, unit, experiment, job string) error {
	return d.publishState(ctx, unit, experiment, job, domain.StateReady)
}

func (d *HTTPDispatcher) publishState(ctx context.Context, unit, experiment, job string, state domain.JobState) error {
	if d.Bus == nil {
		return fmt.Errorf("op=profile.dispatch: no bus for state command: %w", domain.ErrBusUnavailable)
	}
	topic := domain.StateSetTopic(unit, experiment, job)
	return d.Bus.Publish(ctx, topic, []byte(state), domain.AtLeastOnce, false)
}

// UpdateJob patches a running job's settings through the leader.
func (d *HTTPDispatcher) UpdateJob(ctx context.Context, unit, experiment, job string, settings map[string]string) error {
	url := fmt.Sprintf("%s/api/workers/%s/jobs/update/job_name/%s/experiments/%s", d.LeaderBase, unit, job, experiment)
	return d.doJSON(ctx, http.MethodPatch, url, map[string]any{"settings": settings}, nil)
}

// Log records a message against the experiment at the given level.
func (d *HTTPDispatcher) Log(ctx context.Context, unit, experiment, message, level string) error {
	url := fmt.Sprintf("%s/api/workers/%s/experiments/%s/logs", d.LeaderBase, unit, experiment)
	body := map[string]any{
		"message": message,
		"level":   level,
		"source":  JobSource,
	}
	return d.doJSON(ctx, http.MethodPost, url, body, nil)
}

// KillBySource stops every job this run started.
func (d *HTTPDispatcher) KillBySource(ctx context.Context, experiment, source string) (int, error) {
	url := fmt.Sprintf("%s/api/experiments/%s/jobs/stop?job_source=%s", d.LeaderBase, experiment, source)
	var out struct {
		Stopped int `json:"stopped"`
	}
	if err := d.doJSON(ctx, http.MethodPost, url, nil, &out); err != nil {
		return 0, err
	}
	return out.Stopped, nil
}

func (d *HTTPDispatcher) doJSON(ctx context.Context, method, url string, body, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("op=profile.dispatch url=%s: %w", url, err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return fmt.Errorf("op=profile.dispatch url=%s: %w", url, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return fmt.Errorf("op=profile.dispatch url=%s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("op=profile.dispatch url=%s status=%d body=%s: %w", url, resp.StatusCode, snippet, domain.ErrInternal)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("op=profile.dispatch url=%s: decode: %w", url, err)
	}
	return nil
}

// DryRunDispatcher logs every would-be side effect and performs none.
type DryRunDispatcher struct {
	Units  []string
	Logger *slog.Logger
}

// NewDryRunDispatcher targets a fixed unit list.
func NewDryRunDispatcher(units []string, logger *slog.Logger) *DryRunDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunDispatcher{Units: units, Logger: logger}
}

func (d *DryRunDispatcher) AssignedUnits(context.Context, string) ([]string, error) {
	return d.Units, nil
}

func (d *DryRunDispatcher) IsAssigned(_ context.Context, unit, _ string) (bool, error) {
	for _, u := range d.Units {
		if u == unit {
			return true, nil
		}
	}
	return false, nil
}

func (d *DryRunDispatcher) StartJob(_ context.Context, unit, _, job string, opts StartOpts) error {
	d.Logger.Info("dry-run: start", slog.String("unit", unit), slog.String("job", job), slog.Any("options", opts.Options))
	return nil
}

func (d *DryRunDispatcher) StopJob(_ context.Context, unit, _, job string) error {
	d.Logger.Info("dry-run: stop", slog.String("unit", unit), slog.String("job", job))
	return nil
}

func (d *DryRunDispatcher) PauseJob(_ context.Context, unit, _, job string) error {
	d.Logger.Info("dry-run: pause", slog.String("unit", unit), slog.String("job", job))
	return nil
}

func (d *DryRunDispatcher) ResumeJob(_ context.Context, unit, _, job string) error {
	d.Logger.Info("dry-run: resume", slog.String("unit", unit), slog.String("job", job))
	return nil
}

func (d *DryRunDispatcher) UpdateJob(_ context.Context, unit, _, job string, settings map[string]string) error {
	d.Logger.Info("dry-run: update", slog.String("unit", unit), slog.String("job", job), slog.Any("settings", settings))
	return nil
}

func (d *DryRunDispatcher) Log(_ context.Context, unit, _, message, level string) error {
	d.Logger.Info("dry-run: log", slog.String("unit", unit), slog.String("level", level), slog.String("message", message))
	return nil
}

func (d *DryRunDispatcher) KillBySource(_ context.Context, experiment, source string) (int, error) {
	d.Logger.Info("dry-run: kill", slog.String("experiment", experiment), slog.String("source", source))
	return 0, nil
}
