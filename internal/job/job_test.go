package job

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/adapter/bus"
	"github.com/pioreactor/pioreactor-go/internal/adapter/store/jobsdb"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

type fixture struct {
	broker *bus.Broker
	client *bus.InMemClient
	reg    *jobsdb.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	broker := bus.NewBroker()
	client := broker.Connect()
	t.Cleanup(client.Close)
	reg, err := jobsdb.Open(filepath.Join(t.TempDir(), "jobs.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return &fixture{broker: broker, client: client, reg: reg}
}

func (f *fixture) newJob(hooks Hooks) *Job {
	return New(Options{
		Name:       "demo_job",
		Unit:       "u1",
		Experiment: "exp1",
		Source:     "user",
		Bus:        f.client,
		Registry:   f.reg,
		Hooks:      hooks,
	})
}

func (f *fixture) retained(t *testing.T, topic string) string {
	t.Helper()
	raw, ok := f.broker.Retained(topic)
	require.True(t, ok, topic)
	return string(raw)
}

func TestStartPublishesRetainedStateAndSettings(t *testing.T) {
	f := newFixture(t)
	j := f.newJob(Hooks{})
	j.DeclareSetting("target_rpm", "500", true, nil)
	j.DeclareSetting("rpm", "0", false, nil)

	require.NoError(t, j.Start(context.Background()))
	defer j.Disconnect(context.Background())

	assert.Equal(t, domain.StateReady, j.State())
	assert.Equal(t, "ready", f.retained(t, domain.StateTopic("u1", "exp1", "demo_job")))
	assert.Equal(t, "target_rpm", f.retained(t, domain.PropertiesTopic("u1", "exp1", "demo_job")))
	assert.Equal(t, "500", f.retained(t, domain.SettingTopic("u1", "exp1", "demo_job", "target_rpm")))
	assert.Equal(t, "0", f.retained(t, domain.SettingTopic("u1", "exp1", "demo_job", "rpm")))

	n, err := f.reg.CountRunning(context.Background(), "u1", "exp1", "demo_job")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDuplicateStartRefused(t *testing.T) {
	f := newFixture(t)
	j1 := f.newJob(Hooks{})
	require.NoError(t, j1.Start(context.Background()))
	defer j1.Disconnect(context.Background())

	j2 := f.newJob(Hooks{})
	require.ErrorIs(t, j2.Start(context.Background()), domain.ErrDuplicateJob)
}

func TestLifecycleOverBus(t *testing.T) {
	f := newFixture(t)
	var ready, sleeping, disconnected atomic.Int32
	j := f.newJob(Hooks{
		OnReady:      func(context.Context) error { ready.Add(1); return nil },
		OnSleeping:   func(context.Context) error { sleeping.Add(1); return nil },
		OnDisconnect: func(context.Context) error { disconnected.Add(1); return nil },
	})
	require.NoError(t, j.Start(context.Background()))

	commander := f.broker.Connect()
	defer commander.Close()
	stateSet := domain.StateSetTopic("u1", "exp1", "demo_job")

	require.NoError(t, commander.Publish(context.Background(), stateSet, []byte("sleeping"), domain.ExactlyOnce, false))
	require.Eventually(t, func() bool { return j.State() == domain.StateSleeping }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "sleeping", f.retained(t, domain.StateTopic("u1", "exp1", "demo_job")))

	require.NoError(t, commander.Publish(context.Background(), stateSet, []byte("ready"), domain.ExactlyOnce, false))
	require.Eventually(t, func() bool { return j.State() == domain.StateReady }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, commander.Publish(context.Background(), stateSet, []byte("disconnected"), domain.ExactlyOnce, false))
	select {
	case <-j.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("job never disconnected")
	}
	assert.Equal(t, int32(2), ready.Load())
	assert.Equal(t, int32(1), sleeping.Load())
	assert.Equal(t, int32(1), disconnected.Load())

	n, err := f.reg.CountRunning(context.Background(), "u1", "exp1", "demo_job")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInvalidTransitionRejected(t *testing.T) {
	f := newFixture(t)
	j := f.newJob(Hooks{})
	require.NoError(t, j.Start(context.Background()))
	defer j.Disconnect(context.Background())

	require.ErrorIs(t, j.SetState(context.Background(), domain.StateInit), domain.ErrInvalidArgument)
	assert.Equal(t, domain.StateReady, j.State())
}

func TestRemoteSettingWriteCoercesAndRepublishes(t *testing.T) {
	f := newFixture(t)
	j := f.newJob(Hooks{})
	j.DeclareSetting("target_rpm", "500", true, nil)
	require.NoError(t, j.Start(context.Background()))
	defer j.Disconnect(context.Background())

	commander := f.broker.Connect()
	defer commander.Close()
	setTopic := domain.SettingSetTopic("u1", "exp1", "demo_job", "target_rpm")

	require.NoError(t, commander.Publish(context.Background(), setTopic, []byte(" 650 "), domain.ExactlyOnce, false))
	require.Eventually(t, func() bool {
		v, _ := j.Setting("target_rpm")
		return v == "650"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "650", f.retained(t, domain.SettingTopic("u1", "exp1", "demo_job", "target_rpm")))

	// A write that cannot coerce into a number is rejected and the old value
	// stands.
	require.NoError(t, commander.Publish(context.Background(), setTopic, []byte("fast"), domain.ExactlyOnce, false))
	time.Sleep(30 * time.Millisecond)
	v, _ := j.Setting("target_rpm")
	assert.Equal(t, "650", v)
}

func TestSettingWriteWithCustomSetter(t *testing.T) {
	f := newFixture(t)
	j := f.newJob(Hooks{})
	j.DeclareSetting("duty_cycle", "30", true, func(raw string) error {
		if raw == "200" {
			return domain.ErrInvalidArgument
		}
		return nil
	})
	require.NoError(t, j.Start(context.Background()))
	defer j.Disconnect(context.Background())

	commander := f.broker.Connect()
	defer commander.Close()
	setTopic := domain.SettingSetTopic("u1", "exp1", "demo_job", "duty_cycle")

	require.NoError(t, commander.Publish(context.Background(), setTopic, []byte("200"), domain.ExactlyOnce, false))
	time.Sleep(30 * time.Millisecond)
	v, _ := j.Setting("duty_cycle")
	assert.Equal(t, "30", v)
}

func TestDisconnectCascadesToChildren(t *testing.T) {
	f := newFixture(t)
	parent := f.newJob(Hooks{})
	require.NoError(t, parent.Start(context.Background()))

	child := New(Options{
		Name:       "demo_child",
		Unit:       "u1",
		Experiment: "exp1",
		Source:     "user",
		Bus:        f.client,
		Registry:   f.reg,
	})
	require.NoError(t, child.Start(context.Background()))
	parent.AddChild(child)

	parent.Disconnect(context.Background())
	select {
	case <-child.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("child never disconnected")
	}
	assert.Equal(t, "disconnected", f.retained(t, domain.StateTopic("u1", "exp1", "demo_child")))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	j := f.newJob(Hooks{})
	require.NoError(t, j.Start(context.Background()))
	j.Disconnect(context.Background())
	j.Disconnect(context.Background())
	select {
	case <-j.Done():
	default:
		t.Fatal("done channel still open")
	}
}

func TestSettingFloat(t *testing.T) {
	f := newFixture(t)
	j := f.newJob(Hooks{})
	j.DeclareSetting("volume", "1.25", false, nil)
	j.DeclareSetting("label", "vial", false, nil)

	v, err := j.SettingFloat("volume")
	require.NoError(t, err)
	assert.Equal(t, 1.25, v)

	_, err = j.SettingFloat("label")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = j.SettingFloat("ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCoerceLike(t *testing.T) {
	got, err := coerceLike("500", "650.5")
	require.NoError(t, err)
	assert.Equal(t, "650.5", got)

	_, err = coerceLike("500", "fast")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	got, err = coerceLike("true", "false")
	require.NoError(t, err)
	assert.Equal(t, "false", got)

	got, err = coerceLike("silent", "turbidostat")
	require.NoError(t, err)
	assert.Equal(t, "turbidostat", got)
}
