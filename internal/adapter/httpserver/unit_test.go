package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/adapter/bus"
	"github.com/pioreactor/pioreactor-go/internal/adapter/store/jobsdb"
	"github.com/pioreactor/pioreactor-go/internal/adapter/store/kv"
	"github.com/pioreactor/pioreactor-go/internal/calibration"
	"github.com/pioreactor/pioreactor-go/internal/config"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// recordingLauncher registers launched jobs in the registry and publishes the
// retained ready state the real runtime would.
type recordingLauncher struct {
	cfg  config.Config
	jobs domain.JobRegistry
	bus  domain.Bus

	mu       sync.Mutex
	launched []string
}

func (l *recordingLauncher) Launch(ctx context.Context, job string, req RunRequest) error {
	experiment := req.Experiment(l.cfg.Experiment)
	_, err := l.jobs.Register(ctx, domain.JobRecord{
		Unit:       l.cfg.UnitName,
		Experiment: experiment,
		Name:       job,
		Source:     req.Source(l.cfg.JobSource),
		PID:        os.Getpid(),
		Leader:     l.cfg.LeaderHostname,
	})
	if err != nil {
		return err
	}
	topic := domain.StateTopic(l.cfg.UnitName, experiment, job)
	if err := l.bus.Publish(ctx, topic, []byte(domain.StateReady), domain.ExactlyOnce, true); err != nil {
		return err
	}
	l.mu.Lock()
	l.launched = append(l.launched, job)
	l.mu.Unlock()
	return nil
}

type unitFixture struct {
	srv     *httptest.Server
	broker  *bus.Broker
	jobs    *jobsdb.DB
	cals    *calibration.Store
	kv      *kv.Store
	calRoot string
	cfg     config.Config
}

func newUnitFixture(t *testing.T, exec calibration.Executor) *unitFixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		UnitName:       "u1",
		LeaderHostname: "u1",
		Experiment:     "exp1",
		JobSource:      "user",
		Testing:        true,
		HTTPTimeout:    2 * time.Second,
	}

	broker := bus.NewBroker()
	client := broker.Connect()
	t.Cleanup(client.Close)

	jobs, err := jobsdb.Open(filepath.Join(dir, "jobs.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = jobs.Close() })

	kvStore, err := kv.Open(filepath.Join(dir, "kv.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvStore.Close() })

	calRoot := filepath.Join(dir, "calibrations")
	cals := calibration.NewStore(calRoot, kvStore)
	sessions := calibration.NewEngine(kvStore, cals, cfg.UnitName)

	launcher := &recordingLauncher{cfg: cfg, jobs: jobs, bus: client}
	server := NewUnitServer(cfg, client, jobs, launcher, sessions, cals, exec, nil)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	return &unitFixture{srv: srv, broker: broker, jobs: jobs, cals: cals, kv: kvStore, calRoot: calRoot, cfg: cfg}
}

func jsonReader(raw []byte) io.Reader { return bytes.NewReader(raw) }

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestUnitRunJobReturnsTask(t *testing.T) {
	f := newUnitFixture(t, nil)

	resp := postJSON(t, f.srv.URL+"/unit_api/jobs/run/job_name/stirring", RunRequest{
		Options: map[string]string{"target_rpm": "500"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var acc acceptedResponse
	decodeInto(t, resp, &acc)
	require.NotEmpty(t, acc.TaskID)
	assert.Equal(t, "/unit_api/task_results/"+acc.TaskID, acc.ResultURLPath)

	res, err := http.Get(f.srv.URL + acc.ResultURLPath)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var task Task
	decodeInto(t, res, &task)
	assert.Equal(t, TaskComplete, task.Status)
}

func TestUnitDuplicateJobConflicts(t *testing.T) {
	f := newUnitFixture(t, nil)
	url := f.srv.URL + "/unit_api/jobs/run/job_name/stirring"

	resp := postJSON(t, url, RunRequest{})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	resp = postJSON(t, url, RunRequest{})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var env errorEnvelope
	decodeInto(t, resp, &env)
	assert.Equal(t, "duplicate_job", env.Error)

	// The first job is untouched: retained state stays ready and the
	// registry holds exactly one live row.
	state, ok := f.broker.Retained(domain.StateTopic("u1", "exp1", "stirring"))
	require.True(t, ok)
	assert.Equal(t, string(domain.StateReady), string(state))
	n, err := f.jobs.CountRunning(context.Background(), "u1", "exp1", "stirring")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUnitStopJobsBySource(t *testing.T) {
	f := newUnitFixture(t, nil)

	resp := postJSON(t, f.srv.URL+"/unit_api/jobs/run/job_name/stirring", RunRequest{
		Env: map[string]string{"JOB_SOURCE": "experiment_profile/12", "EXPERIMENT": "exp1"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	listener := f.broker.Connect()
	defer listener.Close()
	var mu sync.Mutex
	var stops []string
	_, err := listener.Subscribe("pioreactor/+/+/+/$state/set", domain.ExactlyOnce, func(m domain.Message) {
		mu.Lock()
		stops = append(stops, m.Topic+"="+string(m.Payload))
		mu.Unlock()
	})
	require.NoError(t, err)

	resp = postJSON(t, f.srv.URL+"/unit_api/jobs/stop?experiment=exp1&job_source=experiment_profile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Stopped int `json:"stopped"`
	}
	decodeInto(t, resp, &out)
	assert.Equal(t, 1, out.Stopped)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stops) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "pioreactor/u1/exp1/stirring/$state/set=disconnected", stops[0])
	mu.Unlock()

	n, err := f.jobs.CountRunning(context.Background(), "u1", "exp1", "stirring")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUnitTaskResultNotFound(t *testing.T) {
	f := newUnitFixture(t, nil)
	resp, err := http.Get(f.srv.URL + "/unit_api/task_results/nope")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnitVersionsAndClock(t *testing.T) {
	f := newUnitFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/unit_api/versions/app")
	require.NoError(t, err)
	var ver map[string]string
	decodeInto(t, resp, &ver)
	assert.Equal(t, AppVersion, ver["version"])

	resp, err = http.Get(f.srv.URL + "/unit_api/versions/nope")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/unit_api/system/utc_clock")
	require.NoError(t, err)
	var clock clockResponse
	decodeInto(t, resp, &clock)
	assert.WithinDuration(t, time.Now().UTC(), clock.ClockTime, 5*time.Second)
}

func TestUnitSystemTasksNoopInTestMode(t *testing.T) {
	f := newUnitFixture(t, nil)

	for _, path := range []string{"/unit_api/system/update/app", "/unit_api/system/reboot", "/unit_api/system/shutdown"} {
		resp := postJSON(t, f.srv.URL+path, nil)
		require.Equal(t, http.StatusAccepted, resp.StatusCode, path)
		var acc acceptedResponse
		decodeInto(t, resp, &acc)

		require.Eventually(t, func() bool {
			res, err := http.Get(f.srv.URL + acc.ResultURLPath)
			if err != nil {
				return false
			}
			var task Task
			decodeInto(t, res, &task)
			return task.Status == TaskComplete
		}, 2*time.Second, 10*time.Millisecond, path)
	}
}

// seqExecutor replays a fixed sequence of voltages for read_od_voltage.
type seqExecutor struct {
	mu       sync.Mutex
	voltages []float64
}

func (e *seqExecutor) exec(_ context.Context, action string, _ map[string]any) (map[string]any, error) {
	if action != calibration.ActionReadODVoltage {
		return nil, fmt.Errorf("unexpected action %s", action)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.voltages) == 0 {
		return nil, fmt.Errorf("executor exhausted")
	}
	v := e.voltages[0]
	e.voltages = e.voltages[1:]
	return map[string]any{"voltage": v}, nil
}

func TestUnitCalibrationSessionOverHTTP(t *testing.T) {
	exec := &seqExecutor{voltages: []float64{2.0, 1.2, 0.2}}
	f := newUnitFixture(t, exec.exec)
	base := f.srv.URL + "/unit_api/calibrations/sessions"

	resp := postJSON(t, base, map[string]string{
		"protocol_name": calibration.ProtocolStandards,
		"target_device": calibration.DeviceOD90,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sr sessionResponse
	decodeInto(t, resp, &sr)
	require.NotNil(t, sr.Session)
	assert.Equal(t, calibration.StatusInProgress, sr.Session.Status)
	assert.Equal(t, calibration.StepInfo, sr.NextStep.Type)
	id := sr.Session.ID

	advance := func(inputs map[string]any) sessionResponse {
		t.Helper()
		resp := postJSON(t, base+"/"+id+"/inputs", inputs)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var out sessionResponse
		decodeInto(t, resp, &out)
		return out
	}

	out := advance(map[string]any{}) // intro -> setup form
	assert.Equal(t, calibration.StepForm, out.NextStep.Type)

	out = advance(map[string]any{"calibration_name": "http-cal"}) // setup -> standards
	assert.Equal(t, "standards", out.NextStep.ID)

	out = advance(map[string]any{"od": 1.0})
	assert.Equal(t, "standards", out.NextStep.ID)
	out = advance(map[string]any{"od": 0.5})
	assert.Equal(t, "standards", out.NextStep.ID)

	out = advance(map[string]any{}) // no od -> blank
	assert.Equal(t, "blank", out.NextStep.ID)

	out = advance(map[string]any{}) // blank read, fit, persist
	assert.Equal(t, calibration.StepResult, out.NextStep.Type)
	assert.Equal(t, calibration.StatusComplete, out.Session.Status)
	require.NotNil(t, out.Session.Result)
	assert.Equal(t, "http-cal", out.Session.Result.Name)
	assert.FileExists(t, filepath.Join(f.calRoot, "od90", "http-cal.yaml"))

	// A fresh engine over the same stores sees the completed session.
	reloaded := calibration.NewEngine(f.kv, f.cals, "u1")
	client := f.broker.Connect()
	defer client.Close()
	server := NewUnitServer(f.cfg, client, f.jobs, nil, reloaded, f.cals, nil, nil)
	srv := httptest.NewServer(server.Router())
	defer srv.Close()
	res, err := http.Get(srv.URL + "/unit_api/calibrations/sessions/" + id)
	require.NoError(t, err)
	var again sessionResponse
	decodeInto(t, res, &again)
	assert.Equal(t, calibration.StatusComplete, again.Session.Status)

	// And the calibration is listed and fetchable as an estimator.
	res, err = http.Get(f.srv.URL + "/unit_api/estimators/od90")
	require.NoError(t, err)
	var dev struct {
		Names []string `json:"names"`
	}
	decodeInto(t, res, &dev)
	assert.Contains(t, dev.Names, "http-cal")

	res, err = http.Get(f.srv.URL + "/unit_api/estimators/od90/http-cal")
	require.NoError(t, err)
	var cal calibration.Calibration
	decodeInto(t, res, &cal)
	assert.Equal(t, calibration.DeviceOD90, cal.Device)
	assert.Equal(t, "u1", cal.CalibratedOn)
}

func TestUnitSessionValidationIs400(t *testing.T) {
	f := newUnitFixture(t, nil)
	base := f.srv.URL + "/unit_api/calibrations/sessions"

	resp := postJSON(t, base, map[string]string{
		"protocol_name": calibration.ProtocolStandards,
		"target_device": calibration.DeviceOD90,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sr sessionResponse
	decodeInto(t, resp, &sr)
	id := sr.Session.ID

	resp = postJSON(t, base+"/"+id+"/inputs", map[string]any{}) // intro -> setup
	_ = resp.Body.Close()

	// Intensity outside [0, 100] is a field validation failure: HTTP 400 and
	// the session stays on the same step.
	resp = postJSON(t, base+"/"+id+"/inputs", map[string]any{"ir_led_intensity": 400})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var env errorEnvelope
	decodeInto(t, resp, &env)
	assert.Equal(t, "invalid_input", env.Error)

	res, err := http.Get(base + "/" + id)
	require.NoError(t, err)
	var cur sessionResponse
	decodeInto(t, res, &cur)
	assert.Equal(t, "setup", cur.Session.StepID)
	assert.Equal(t, calibration.StatusInProgress, cur.Session.Status)
}

func TestUnitSessionAbort(t *testing.T) {
	f := newUnitFixture(t, nil)
	base := f.srv.URL + "/unit_api/calibrations/sessions"

	resp := postJSON(t, base, map[string]string{
		"protocol_name": calibration.ProtocolStandards,
		"target_device": calibration.DeviceOD90,
	})
	var sr sessionResponse
	decodeInto(t, resp, &sr)

	resp = postJSON(t, base+"/"+sr.Session.ID+"/abort", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out sessionResponse
	decodeInto(t, resp, &out)
	assert.Equal(t, calibration.StatusAborted, out.Session.Status)
}
