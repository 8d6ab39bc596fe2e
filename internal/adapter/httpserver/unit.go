package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pioreactor/pioreactor-go/internal/calibration"
	"github.com/pioreactor/pioreactor-go/internal/config"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// Software versions reported by /unit_api/versions.
var (
	AppVersion = "25.8.1"
	UIVersion  = "25.8.1"
)

// RunRequest is the body of POST /unit_api/jobs/run/job_name/<job>.
type RunRequest struct {
	Options         map[string]string `json:"options"`
	Args            []string          `json:"args"`
	Env             map[string]string `json:"env"`
	ConfigOverrides map[string]string `json:"config_overrides"`
}

// Experiment resolves the experiment a started job should attach to.
func (r RunRequest) Experiment(fallback string) string {
	if exp := r.Env["EXPERIMENT"]; exp != "" {
		return exp
	}
	return fallback
}

// Source resolves the job source stamped into the job registry.
func (r RunRequest) Source(fallback string) string {
	if src := r.Env["JOB_SOURCE"]; src != "" {
		return src
	}
	return fallback
}

// JobLauncher starts a named background job on this unit. Launch returns once
// the job is registered, so a duplicate start fails synchronously with
// ErrDuplicateJob; the job itself keeps running in the background.
type JobLauncher interface {
	Launch(ctx context.Context, job string, req RunRequest) error
}

// UnitServer is the per-unit HTTP API: job control, calibration sessions,
// estimator (calibration) files, tasks, clock, and versions.
type UnitServer struct {
	cfg      config.Config
	bus      domain.Bus
	jobs     domain.JobRegistry
	tasks    *TaskRegistry
	launcher JobLauncher
	sessions *calibration.Engine
	cals     *calibration.Store
	exec     calibration.Executor
	client   *http.Client
	logger   *slog.Logger
}

// NewUnitServer wires the unit API against its local resources.
func NewUnitServer(cfg config.Config, bus domain.Bus, jobs domain.JobRegistry, launcher JobLauncher,
	sessions *calibration.Engine, cals *calibration.Store, exec calibration.Executor, logger *slog.Logger) *UnitServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnitServer{
		cfg:      cfg,
		bus:      bus,
		jobs:     jobs,
		tasks:    NewTaskRegistry(),
		launcher: launcher,
		sessions: sessions,
		cals:     cals,
		exec:     exec,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		logger:   logger,
	}
}

// Tasks exposes the task registry for wiring and tests.
func (s *UnitServer) Tasks() *TaskRegistry { return s.tasks }

// Router mounts every unit route under /unit_api.
func (s *UnitServer) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/unit_api", func(r chi.Router) {
		r.Post("/jobs/run/job_name/{job}", s.handleRunJob)
		r.Post("/jobs/stop", s.handleStopJobs)
		r.Post("/jobs/stop/job_name/{job}", s.handleStopJobs)
		r.Get("/jobs/running", s.handleRunningJobs)
		r.Get("/task_results/{taskID}", s.handleTaskResult)

		r.Post("/system/update/{component}", s.handleSystemUpdate)
		r.Post("/system/reboot", s.handleReboot)
		r.Post("/system/shutdown", s.handleShutdown)
		r.Get("/system/utc_clock", s.handleGetClock)
		r.Patch("/system/utc_clock", s.handleSyncClock)
		r.Get("/versions/{component}", s.handleVersion)

		r.Get("/calibrations/protocols", s.handleProtocols)
		r.Post("/calibrations/sessions", s.handleStartSession)
		r.Get("/calibrations/sessions/{sessionID}", s.handleGetSession)
		r.Post("/calibrations/sessions/{sessionID}/inputs", s.handleSessionInputs)
		r.Post("/calibrations/sessions/{sessionID}/abort", s.handleAbortSession)

		r.Get("/estimators", s.handleListEstimators)
		r.Get("/estimators/{device}", s.handleDeviceEstimators)
		r.Patch("/estimators/{device}", s.handleSetActiveEstimator)
		r.Get("/estimators/{device}/{name}", s.handleGetEstimator)
		r.Delete("/estimators/{device}/{name}", s.handleDeleteEstimator)
	})
	return r
}

func (s *UnitServer) handleRunJob(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, fmt.Errorf("op=unit.RunJob job=%s: %s: %w", job, err, domain.ErrInvalidArgument))
		return
	}
	if err := s.launcher.Launch(r.Context(), job, req); err != nil {
		writeError(w, err)
		return
	}
	t := s.tasks.Complete("run_"+job, map[string]string{"job_name": job, "status": "started"})
	writeJSON(w, http.StatusAccepted, accepted(t))
}

// handleStopJobs stops every registry row matching the query filters and
// reports the count.
func (s *UnitServer) handleStopJobs(w http.ResponseWriter, r *http.Request) {
	filter := domain.JobFilter{
		Unit:        s.cfg.UnitName,
		Experiment:  r.URL.Query().Get("experiment"),
		Source:      r.URL.Query().Get("job_source"),
		Name:        r.URL.Query().Get("job_name"),
		RunningOnly: true,
	}
	if job := chi.URLParam(r, "job"); job != "" {
		filter.Name = job
	}
	stopped, err := s.jobs.KillJobs(r.Context(), filter, func(rec domain.JobRecord) error {
		topic := domain.StateSetTopic(rec.Unit, rec.Experiment, rec.Name)
		return s.bus.Publish(r.Context(), topic, []byte(domain.StateDisconnected), domain.ExactlyOnce, false)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stopped": stopped})
}

func (s *UnitServer) handleRunningJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.jobs.ListJobs(r.Context(), domain.JobFilter{Unit: s.cfg.UnitName, RunningOnly: true})
	if err != nil {
		writeError(w, err)
		return
	}
	type runningJob struct {
		JobName    string    `json:"job_name"`
		Experiment string    `json:"experiment"`
		Source     string    `json:"job_source"`
		StartedAt  time.Time `json:"started_at"`
	}
	out := make([]runningJob, 0, len(recs))
	for _, rec := range recs {
		out = append(out, runningJob{JobName: rec.Name, Experiment: rec.Experiment, Source: rec.Source, StartedAt: rec.StartedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *UnitServer) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	t, err := s.tasks.Get(chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *UnitServer) handleSystemUpdate(w http.ResponseWriter, r *http.Request) {
	component := chi.URLParam(r, "component")
	if component != "app" && component != "ui" {
		writeError(w, fmt.Errorf("op=unit.SystemUpdate component=%s: %w", component, domain.ErrInvalidArgument))
		return
	}
	t := s.tasks.Submit("update_"+component, func(ctx context.Context) (any, error) {
		if s.cfg.IsTest() {
			return map[string]string{"component": component, "status": "noop"}, nil
		}
		out, err := exec.CommandContext(ctx, "pio", "update", component).CombinedOutput()
		if err != nil {
			return nil, fmt.Errorf("op=unit.SystemUpdate component=%s output=%s: %w", component, out, err)
		}
		return map[string]string{"component": component, "status": "updated"}, nil
	})
	writeJSON(w, http.StatusAccepted, accepted(t))
}

func (s *UnitServer) handleReboot(w http.ResponseWriter, r *http.Request) {
	t := s.tasks.Submit("reboot", func(ctx context.Context) (any, error) {
		if s.cfg.IsTest() {
			return map[string]string{"status": "noop"}, nil
		}
		return nil, exec.CommandContext(ctx, "shutdown", "-r", "now").Run()
	})
	writeJSON(w, http.StatusAccepted, accepted(t))
}

func (s *UnitServer) handleShutdown(w http.ResponseWriter, r *http.Request) {
	t := s.tasks.Submit("shutdown", func(ctx context.Context) (any, error) {
		if s.cfg.IsTest() {
			return map[string]string{"status": "noop"}, nil
		}
		return nil, exec.CommandContext(ctx, "shutdown", "-h", "now").Run()
	})
	writeJSON(w, http.StatusAccepted, accepted(t))
}

type clockResponse struct {
	ClockTime time.Time `json:"clock_time"`
}

func (s *UnitServer) handleGetClock(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, clockResponse{ClockTime: time.Now().UTC()})
}

// handleSyncClock compares the local clock against the leader's and reports
// the skew. Actually stepping the clock is left to NTP.
func (s *UnitServer) handleSyncClock(w http.ResponseWriter, r *http.Request) {
	t := s.tasks.Submit("sync_clock", func(ctx context.Context) (any, error) {
		local := time.Now().UTC()
		if s.cfg.IsLeader() {
			return map[string]any{"clock_time": local, "skew_seconds": 0.0}, nil
		}
		url := s.cfg.LeaderAPIBase() + "/unit_api/system/utc_clock"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("op=unit.SyncClock: leader unreachable: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		var leader clockResponse
		if err := json.NewDecoder(resp.Body).Decode(&leader); err != nil {
			return nil, fmt.Errorf("op=unit.SyncClock: %w", err)
		}
		return map[string]any{
			"clock_time":   leader.ClockTime,
			"skew_seconds": leader.ClockTime.Sub(local).Seconds(),
		}, nil
	})
	writeJSON(w, http.StatusAccepted, accepted(t))
}

func (s *UnitServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "component") {
	case "app":
		writeJSON(w, http.StatusOK, map[string]string{"version": AppVersion})
	case "ui":
		writeJSON(w, http.StatusOK, map[string]string{"version": UIVersion})
	default:
		writeError(w, fmt.Errorf("op=unit.Version: %w", domain.ErrNotFound))
	}
}

// sessionResponse pairs a session snapshot with the step the UI should show.
type sessionResponse struct {
	Session  *calibration.Session `json:"session"`
	NextStep calibration.Step     `json:"next_step"`
}

func (s *UnitServer) handleProtocols(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"protocols": s.sessions.Protocols()})
}

func (s *UnitServer) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProtocolName string `json:"protocol_name"`
		TargetDevice string `json:"target_device"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	sess, step, err := s.sessions.Start(r.Context(), body.ProtocolName, body.TargetDevice, calibration.ModeUI, s.exec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: sess, NextStep: step})
}

func (s *UnitServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, step, err := s.sessions.Render(r.Context(), chi.URLParam(r, "sessionID"), calibration.ModeUI, s.exec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess, NextStep: step})
}

func (s *UnitServer) handleSessionInputs(w http.ResponseWriter, r *http.Request) {
	inputs := make(map[string]any)
	if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, fmt.Errorf("op=unit.SessionInputs: %s: %w", err, domain.ErrInvalidArgument))
		return
	}
	sess, step, err := s.sessions.Advance(r.Context(), chi.URLParam(r, "sessionID"), inputs, calibration.ModeUI, s.exec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess, NextStep: step})
}

func (s *UnitServer) handleAbortSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Abort(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

func (s *UnitServer) handleListEstimators(w http.ResponseWriter, _ *http.Request) {
	out := make(map[string][]string)
	for _, device := range calibration.Devices {
		names, err := s.cals.List(device)
		if err != nil {
			writeError(w, err)
			return
		}
		if names == nil {
			names = []string{}
		}
		out[device] = names
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *UnitServer) handleDeviceEstimators(w http.ResponseWriter, r *http.Request) {
	device := chi.URLParam(r, "device")
	names, err := s.cals.List(device)
	if err != nil {
		writeError(w, err)
		return
	}
	if names == nil {
		names = []string{}
	}
	active, err := s.cals.ActiveName(device)
	if err != nil && !errors.Is(err, domain.ErrCalibrationMissing) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": device, "names": names, "active": active})
}

func (s *UnitServer) handleSetActiveEstimator(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active string `json:"active"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.cals.SetActive(chi.URLParam(r, "device"), body.Active); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"device": chi.URLParam(r, "device"), "active": body.Active})
}

func (s *UnitServer) handleGetEstimator(w http.ResponseWriter, r *http.Request) {
	cal, err := s.cals.Load(chi.URLParam(r, "device"), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cal)
}

func (s *UnitServer) handleDeleteEstimator(w http.ResponseWriter, r *http.Request) {
	if err := s.cals.Delete(chi.URLParam(r, "device"), chi.URLParam(r, "name")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
