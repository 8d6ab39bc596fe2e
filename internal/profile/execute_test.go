package profile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/adapter/bus"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

type recDispatcher struct {
	mu      sync.Mutex
	units   []string
	calls   []string
	updates []map[string]string
	killed  int
}

func newRecDispatcher(units ...string) *recDispatcher {
	return &recDispatcher{units: units}
}

func (r *recDispatcher) record(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func (r *recDispatcher) callList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recDispatcher) AssignedUnits(context.Context, string) ([]string, error) {
	return r.units, nil
}

func (r *recDispatcher) IsAssigned(_ context.Context, unit, _ string) (bool, error) {
	for _, u := range r.units {
		if u == unit {
			return true, nil
		}
	}
	return false, nil
}

func (r *recDispatcher) StartJob(_ context.Context, unit, _, job string, opts StartOpts) error {
	r.record("start %s %s %v", unit, job, opts.Options)
	return nil
}

func (r *recDispatcher) StopJob(_ context.Context, unit, _, job string) error {
	r.record("stop %s %s", unit, job)
	return nil
}

func (r *recDispatcher) PauseJob(_ context.Context, unit, _, job string) error {
	r.record("pause %s %s", unit, job)
	return nil
}

func (r *recDispatcher) ResumeJob(_ context.Context, unit, _, job string) error {
	r.record("resume %s %s", unit, job)
	return nil
}

func (r *recDispatcher) UpdateJob(_ context.Context, unit, _, job string, settings map[string]string) error {
	r.mu.Lock()
	r.updates = append(r.updates, settings)
	r.mu.Unlock()
	r.record("update %s %s", unit, job)
	return nil
}

func (r *recDispatcher) Log(_ context.Context, unit, _, message, level string) error {
	r.record("log %s %s %s", unit, level, message)
	return nil
}

func (r *recDispatcher) KillBySource(_ context.Context, _, _ string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killed++
	return 0, nil
}

func seconds(raw string) TimeValue { return TimeValue{raw: raw, set: true} }

func TestEngineRepeatFiresExactly(t *testing.T) {
	d := newRecDispatcher("u1")
	p := &Profile{
		ExperimentProfileName: "repeat-demo",
		Pioreactors: map[string]PioreactorSpec{
			"u1": {Jobs: map[string]JobSpec{
				"stirring": {Actions: []Action{
					{Type: ActionStart, T: seconds("0s")},
					{
						Type:    ActionRepeat,
						T:       seconds("0s"),
						Every:   seconds("0.01s"),
						MaxTime: seconds("0.03s"),
						Actions: []Action{
							{Type: ActionUpdate, T: seconds("0s"), Options: map[string]any{"setting": "1"}},
						},
					},
				}},
			}},
		},
	}
	e := NewEngine(p, "exp1", d, nil, nil)
	require.NoError(t, e.Run(context.Background()))

	updates := 0
	starts := 0
	for _, c := range d.callList() {
		switch c {
		case "update u1 stirring":
			updates++
		case "start u1 stirring map[]":
			starts++
		}
	}
	assert.Equal(t, 1, starts)
	assert.Equal(t, 3, updates)
	for _, s := range d.updates {
		assert.Equal(t, map[string]string{"setting": "1"}, s)
	}
}

func TestEngineIfFalseSkips(t *testing.T) {
	d := newRecDispatcher("u1")
	p := &Profile{
		ExperimentProfileName: "gated",
		Pioreactors: map[string]PioreactorSpec{
			"u1": {Jobs: map[string]JobSpec{
				"stirring": {Actions: []Action{
					{Type: ActionStart, T: seconds("0s"), If: "False"},
				}},
			}},
		},
	}
	e := NewEngine(p, "exp1", d, nil, nil)
	require.NoError(t, e.Run(context.Background()))
	assert.Empty(t, d.callList())
}

func TestEngineRepeatWhileStops(t *testing.T) {
	d := newRecDispatcher("u1")
	p := &Profile{
		ExperimentProfileName: "while-demo",
		Pioreactors: map[string]PioreactorSpec{
			"u1": {Jobs: map[string]JobSpec{
				"stirring": {Actions: []Action{{
					Type:    ActionRepeat,
					Every:   seconds("0.01s"),
					While:   "False",
					Actions: []Action{{Type: ActionLog, Options: map[string]any{"message": "tick"}}},
				}}},
			}},
		},
	}
	e := NewEngine(p, "exp1", d, nil, nil)
	require.NoError(t, e.Run(context.Background()))
	assert.Empty(t, d.callList())
}

func TestEngineRepeatSkipsInnerBeyondInterval(t *testing.T) {
	d := newRecDispatcher("u1")
	p := &Profile{
		ExperimentProfileName: "skip-demo",
		Pioreactors: map[string]PioreactorSpec{
			"u1": {Jobs: map[string]JobSpec{
				"stirring": {Actions: []Action{{
					Type:    ActionRepeat,
					Every:   seconds("0.01s"),
					MaxTime: seconds("0.01s"),
					Actions: []Action{
						{Type: ActionLog, T: seconds("0s"), Options: map[string]any{"message": "fires"}},
						{Type: ActionLog, T: seconds("5s"), Options: map[string]any{"message": "never"}},
					},
				}}},
			}},
		},
	}
	e := NewEngine(p, "exp1", d, nil, nil)
	require.NoError(t, e.Run(context.Background()))

	calls := d.callList()
	require.Len(t, calls, 1)
	assert.Equal(t, "log u1 notice fires", calls[0])
}

func TestEngineLEDIntensityRewrites(t *testing.T) {
	d := newRecDispatcher("u1")
	p := &Profile{
		ExperimentProfileName: "led-demo",
		Pioreactors: map[string]PioreactorSpec{
			"u1": {Jobs: map[string]JobSpec{
				"led_intensity": {Actions: []Action{
					{Type: ActionUpdate, T: seconds("0s"), Options: map[string]any{"B": "0.2"}},
					{Type: ActionStop, T: seconds("0.005s")},
				}},
			}},
		},
	}
	e := NewEngine(p, "exp1", d, nil, nil)
	require.NoError(t, e.Run(context.Background()))

	calls := d.callList()
	require.Len(t, calls, 2)
	assert.Equal(t, "start u1 led_intensity map[B:0.2]", calls[0])
	assert.Contains(t, calls[1], "start u1 led_intensity")
	assert.Contains(t, calls[1], "A:0")
}

func TestEngineWhenArmsOnRetainedValue(t *testing.T) {
	broker := bus.NewBroker()
	client := broker.Connect()
	defer client.Close()

	ctx := context.Background()
	topic := domain.SettingTopic("u1", "exp1", "od_reading", "od1")
	require.NoError(t, client.Publish(ctx, topic, []byte(`{"od": 1.5}`), domain.AtLeastOnce, true))

	d := newRecDispatcher("u1")
	p := &Profile{
		ExperimentProfileName: "when-demo",
		Pioreactors: map[string]PioreactorSpec{
			"u1": {Jobs: map[string]JobSpec{
				"stirring": {Actions: []Action{{
					Type:      ActionWhen,
					Condition: "u1:od_reading:od1.od > 1.0",
					Actions:   []Action{{Type: ActionStart}},
				}}},
			}},
		},
	}
	e := NewEngine(p, "exp1", d, client, nil)
	e.WhenPoll = 5 * time.Millisecond
	require.NoError(t, e.Run(ctx))

	assert.Equal(t, []string{"start u1 stirring map[]"}, d.callList())
}

func TestEngineCancelKillsBySource(t *testing.T) {
	d := newRecDispatcher("u1")
	p := &Profile{
		ExperimentProfileName: "cancel-demo",
		Pioreactors: map[string]PioreactorSpec{
			"u1": {Jobs: map[string]JobSpec{
				"stirring": {Actions: []Action{
					{Type: ActionStart, T: seconds("0s")},
					{Type: ActionStop, T: seconds("30s")},
				}},
			}},
		},
	}
	e := NewEngine(p, "exp1", d, nil, nil)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		for _, c := range d.callList() {
			if c == "start u1 stirring map[]" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	e.Cancel()
	require.NoError(t, <-done)

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, 1, d.killed)
}

func TestEngineBroadcastFansOut(t *testing.T) {
	d := newRecDispatcher("u1", "u2")
	p := &Profile{
		ExperimentProfileName: "broadcast-demo",
		Pioreactors: map[string]PioreactorSpec{
			domain.Broadcast: {Jobs: map[string]JobSpec{
				"stirring": {Actions: []Action{{Type: ActionStart}}},
			}},
		},
	}
	e := NewEngine(p, "exp1", d, nil, nil)
	require.NoError(t, e.Run(context.Background()))

	calls := d.callList()
	assert.ElementsMatch(t, []string{"start u1 stirring map[]", "start u2 stirring map[]"}, calls)
}
