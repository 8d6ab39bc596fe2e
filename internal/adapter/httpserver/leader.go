package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/pioreactor/pioreactor-go/internal/adapter/store/leaderdb"
	"github.com/pioreactor/pioreactor-go/internal/config"
	"github.com/pioreactor/pioreactor-go/internal/domain"
	"github.com/pioreactor/pioreactor-go/internal/profile"
)

// LatestExperimentTopic is the retained pointer to the newest experiment.
const LatestExperimentTopic = "pioreactor/latest_experiment"

// LeaderServer is the cluster-facing HTTP API: experiment registry, worker
// inventory and assignment, job routing to workers, logs, and profile runs.
type LeaderServer struct {
	cfg      config.Config
	store    *leaderdb.Store
	bus      domain.Bus
	jobs     domain.JobRegistry // optional; used instead of fan-out when set
	client   *http.Client
	UnitBase func(string) string
	logger   *slog.Logger

	mu       sync.Mutex
	profiles map[string]*profile.Engine
}

// NewLeaderServer wires the leader API against its stores and the bus.
func NewLeaderServer(cfg config.Config, store *leaderdb.Store, bus domain.Bus, jobs domain.JobRegistry, logger *slog.Logger) *LeaderServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderServer{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		jobs:     jobs,
		client:   &http.Client{Timeout: cfg.HTTPTimeout},
		UnitBase: cfg.UnitAPIBase,
		logger:   logger,
		profiles: make(map[string]*profile.Engine),
	}
}

// Router mounts every leader route under /api.
func (s *LeaderServer) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Get("/experiments", s.handleListExperiments)
		r.Post("/experiments", s.handleCreateExperiment)
		r.Get("/experiments/active", s.handleActiveExperiment)
		r.Route("/experiments/{experiment}", func(r chi.Router) {
			r.Get("/", s.handleGetExperiment)
			r.Get("/workers", s.handleExperimentWorkers)
			r.Put("/workers", s.handleAssignWorker)
			r.Delete("/workers/{unit}", s.handleUnassignWorker)
			r.Get("/unit_labels", s.handleGetUnitLabels)
			r.Put("/unit_labels", s.handleSetUnitLabel)
			r.Post("/logs", s.handleExperimentLog)
			r.Post("/logs/{level}", s.handleExperimentLog)
			r.Post("/jobs/stop", s.handleStopExperimentJobs)
			r.Post("/profiles/run", s.handleRunProfile)
			r.Post("/profiles/stop", s.handleStopProfile)
		})
		r.Get("/workers", s.handleListWorkers)
		r.Put("/workers", s.handleAddWorker)
		r.Delete("/workers/{unit}", s.handleRemoveWorker)
		r.Route("/workers/{unit}", func(r chi.Router) {
			r.Post("/jobs/run/job_name/{job}/experiments/{experiment}", s.handleRunWorkerJob)
			r.Post("/jobs/stop/job_name/{job}/experiments/{experiment}", s.handleStopWorkerJob)
			r.Patch("/jobs/update/job_name/{job}/experiments/{experiment}", s.handleUpdateWorkerJob)
			r.Post("/experiments/{experiment}/logs", s.handleWorkerLog)
		})
	})
	return r
}

func (s *LeaderServer) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	exps, err := s.store.ListExperiments(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if exps == nil {
		exps = []leaderdb.Experiment{}
	}
	writeJSON(w, http.StatusOK, exps)
}

func (s *LeaderServer) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Experiment  string `json:"experiment"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Experiment == "" || strings.ContainsAny(body.Experiment, "#+/") {
		writeError(w, fmt.Errorf("op=leader.CreateExperiment name=%q: %w", body.Experiment, domain.ErrInvalidArgument))
		return
	}
	exp, err := s.store.CreateExperiment(r.Context(), body.Experiment, body.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.bus != nil {
		if perr := s.bus.Publish(r.Context(), LatestExperimentTopic, []byte(exp.Experiment), domain.ExactlyOnce, true); perr != nil {
			s.logger.Warn("latest_experiment publish failed", slog.String("experiment", exp.Experiment), slog.Any("error", perr))
		}
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (s *LeaderServer) handleActiveExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.store.LatestExperiment(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *LeaderServer) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.store.GetExperiment(r.Context(), chi.URLParam(r, "experiment"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *LeaderServer) handleExperimentWorkers(w http.ResponseWriter, r *http.Request) {
	assignments, err := s.store.AssignedUnits(r.Context(), chi.URLParam(r, "experiment"))
	if err != nil {
		writeError(w, err)
		return
	}
	if assignments == nil {
		assignments = []leaderdb.Assignment{}
	}
	writeJSON(w, http.StatusOK, assignments)
}

func (s *LeaderServer) handleAssignWorker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PioreactorUnit string `json:"pioreactor_unit" validate:"required"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := checkStruct(&body); err != nil {
		writeError(w, err)
		return
	}
	experiment := chi.URLParam(r, "experiment")
	if err := s.store.AssignWorker(r.Context(), body.PioreactorUnit, experiment); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leaderdb.Assignment{PioreactorUnit: body.PioreactorUnit, Experiment: experiment})
}

func (s *LeaderServer) handleUnassignWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.store.UnassignWorker(r.Context(), chi.URLParam(r, "unit")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *LeaderServer) handleGetUnitLabels(w http.ResponseWriter, r *http.Request) {
	labels, err := s.store.UnitLabels(r.Context(), chi.URLParam(r, "experiment"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, labels)
}

func (s *LeaderServer) handleSetUnitLabel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Unit  string `json:"unit" validate:"required"`
		Label string `json:"label"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := checkStruct(&body); err != nil {
		writeError(w, err)
		return
	}
	experiment := chi.URLParam(r, "experiment")
	if err := s.store.SetUnitLabel(r.Context(), experiment, body.Unit, body.Label); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"unit": body.Unit, "label": body.Label})
}

func (s *LeaderServer) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if workers == nil {
		workers = []leaderdb.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *LeaderServer) handleAddWorker(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PioreactorUnit string `json:"pioreactor_unit" validate:"required,hostname_rfc1123"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := checkStruct(&body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.AddWorker(r.Context(), body.PioreactorUnit); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"pioreactor_unit": body.PioreactorUnit})
}

func (s *LeaderServer) handleRemoveWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveWorker(r.Context(), chi.URLParam(r, "unit")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRunWorkerJob relays the start request to the worker's own API.
func (s *LeaderServer) handleRunWorkerJob(w http.ResponseWriter, r *http.Request) {
	unit := chi.URLParam(r, "unit")
	job := chi.URLParam(r, "job")
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, fmt.Errorf("op=leader.RunWorkerJob: %w", domain.ErrInvalidArgument))
		return
	}
	url := fmt.Sprintf("%s/unit_api/jobs/run/job_name/%s", s.UnitBase(unit), job)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		writeError(w, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		writeError(w, fmt.Errorf("op=leader.RunWorkerJob unit=%s: %s: %w", unit, err, domain.ErrBusUnavailable))
		return
	}
	defer func() { _ = resp.Body.Close() }()
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// handleStopWorkerJob asks the job to disconnect through the bus.
func (s *LeaderServer) handleStopWorkerJob(w http.ResponseWriter, r *http.Request) {
	unit := chi.URLParam(r, "unit")
	job := chi.URLParam(r, "job")
	experiment := chi.URLParam(r, "experiment")
	topic := domain.StateSetTopic(unit, experiment, job)
	if err := s.bus.Publish(r.Context(), topic, []byte(domain.StateDisconnected), domain.ExactlyOnce, false); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

// handleUpdateWorkerJob publishes each setting write to the job's /set topics.
func (s *LeaderServer) handleUpdateWorkerJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Settings map[string]string `json:"settings"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if len(body.Settings) == 0 {
		writeError(w, fmt.Errorf("op=leader.UpdateWorkerJob: settings required: %w", domain.ErrInvalidArgument))
		return
	}
	unit := chi.URLParam(r, "unit")
	job := chi.URLParam(r, "job")
	experiment := chi.URLParam(r, "experiment")
	for setting, value := range body.Settings {
		topic := domain.SettingSetTopic(unit, experiment, job, setting)
		if err := s.bus.Publish(r.Context(), topic, []byte(value), domain.ExactlyOnce, false); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

type logRequest struct {
	Message string `json:"message"`
	Level   string `json:"level"`
	Source  string `json:"source"`
	Task    string `json:"task"`
}

func (s *LeaderServer) publishLog(ctx context.Context, unit, experiment string, body logRequest) error {
	level := strings.ToLower(body.Level)
	if level == "" {
		level = "notice"
	}
	task := body.Task
	if task == "" {
		task = body.Source
	}
	entry := domain.LogEntry{
		Timestamp: time.Now().UTC(),
		Message:   body.Message,
		Task:      task,
		Source:    body.Source,
		Level:     level,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, domain.LogsTopic(unit, experiment, level), raw, domain.AtLeastOnce, false)
}

func (s *LeaderServer) handleWorkerLog(w http.ResponseWriter, r *http.Request) {
	var body logRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.publishLog(r.Context(), chi.URLParam(r, "unit"), chi.URLParam(r, "experiment"), body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *LeaderServer) handleExperimentLog(w http.ResponseWriter, r *http.Request) {
	var body logRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if level := chi.URLParam(r, "level"); level != "" {
		body.Level = level
	}
	if err := s.publishLog(r.Context(), s.cfg.UnitName, chi.URLParam(r, "experiment"), body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

// handleStopExperimentJobs stops every matching job in the experiment and
// reports how many were acted on. With a local registry the kill happens
// in-process; otherwise it fans out to each assigned worker's API.
func (s *LeaderServer) handleStopExperimentJobs(w http.ResponseWriter, r *http.Request) {
	experiment := chi.URLParam(r, "experiment")
	source := r.URL.Query().Get("job_source")
	jobName := r.URL.Query().Get("job_name")

	if s.jobs != nil {
		filter := domain.JobFilter{Experiment: experiment, Source: source, Name: jobName, RunningOnly: true}
		stopped, err := s.jobs.KillJobs(r.Context(), filter, func(rec domain.JobRecord) error {
			topic := domain.StateSetTopic(rec.Unit, rec.Experiment, rec.Name)
			return s.bus.Publish(r.Context(), topic, []byte(domain.StateDisconnected), domain.ExactlyOnce, false)
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"stopped": stopped})
		return
	}

	assignments, err := s.store.AssignedUnits(r.Context(), experiment)
	if err != nil {
		writeError(w, err)
		return
	}
	var total atomic.Int64
	g, ctx := errgroup.WithContext(r.Context())
	for _, a := range assignments {
		unit := a.PioreactorUnit
		g.Go(func() error {
			url := fmt.Sprintf("%s/unit_api/jobs/stop?experiment=%s&job_source=%s&job_name=%s",
				s.UnitBase(unit), experiment, source, jobName)
			req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
			if rerr != nil {
				return rerr
			}
			resp, derr := s.client.Do(req)
			if derr != nil {
				// An unreachable worker does not abort the rest of the fleet.
				s.logger.Warn("worker stop unreachable", slog.String("unit", unit), slog.Any("error", derr))
				return nil
			}
			var out struct {
				Stopped int `json:"stopped"`
			}
			if resp.StatusCode < 300 {
				_ = json.NewDecoder(resp.Body).Decode(&out)
				total.Add(int64(out.Stopped))
			}
			_ = resp.Body.Close()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stopped": int(total.Load())})
}

// handleRunProfile verifies and launches an experiment profile against the
// cluster. One profile per experiment at a time.
func (s *LeaderServer) handleRunProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Profile string `json:"profile"`
		DryRun  bool   `json:"dry_run"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	p, err := profile.DecodeBytes([]byte(body.Profile))
	if err != nil {
		writeError(w, fmt.Errorf("%s: %w", err, domain.ErrInvalidArgument))
		return
	}
	if err := profile.Verify(p, nil); err != nil {
		writeError(w, err)
		return
	}
	experiment := chi.URLParam(r, "experiment")

	var dispatch profile.Dispatcher
	if body.DryRun {
		assignments, aerr := s.store.AssignedUnits(r.Context(), experiment)
		if aerr != nil {
			writeError(w, aerr)
			return
		}
		units := make([]string, 0, len(assignments))
		for _, a := range assignments {
			units = append(units, a.PioreactorUnit)
		}
		dispatch = profile.NewDryRunDispatcher(units, s.logger)
	} else {
		dispatch = profile.NewHTTPDispatcher(s.cfg.LeaderAPIBase(), s.UnitBase, s.bus, "")
	}

	engine := profile.NewEngine(p, experiment, dispatch, s.bus, s.logger)

	s.mu.Lock()
	if _, running := s.profiles[experiment]; running {
		s.mu.Unlock()
		writeError(w, fmt.Errorf("op=leader.RunProfile experiment=%s: profile already running: %w", experiment, domain.ErrDuplicateJob))
		return
	}
	s.profiles[experiment] = engine
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.profiles, experiment)
			s.mu.Unlock()
		}()
		if rerr := engine.Run(context.Background()); rerr != nil {
			s.logger.Error("profile run failed",
				slog.String("experiment", experiment),
				slog.String("profile", p.ExperimentProfileName),
				slog.Any("error", rerr))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{
		"experiment":   experiment,
		"profile_name": p.ExperimentProfileName,
		"status":       "running",
	})
}

func (s *LeaderServer) handleStopProfile(w http.ResponseWriter, r *http.Request) {
	experiment := chi.URLParam(r, "experiment")
	s.mu.Lock()
	engine, ok := s.profiles[experiment]
	s.mu.Unlock()
	if !ok {
		writeError(w, fmt.Errorf("op=leader.StopProfile experiment=%s: %w", experiment, domain.ErrJobAbsent))
		return
	}
	engine.Cancel()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}
