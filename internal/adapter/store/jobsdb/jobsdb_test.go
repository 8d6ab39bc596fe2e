package jobsdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "jobs.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func record(name, source string) domain.JobRecord {
	return domain.JobRecord{
		Unit:       "u1",
		Experiment: "exp1",
		Name:       name,
		Source:     source,
		PID:        4242,
		Leader:     "leader",
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	id, err := d.Register(ctx, record("stirring", "user"))
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = d.Register(ctx, record("stirring", "user"))
	require.ErrorIs(t, err, domain.ErrDuplicateJob)

	// A different job name is fine, as is the same name once the first ended.
	_, err = d.Register(ctx, record("od_reading", "user"))
	require.NoError(t, err)
	require.NoError(t, d.SetNotRunning(ctx, id))
	_, err = d.Register(ctx, record("stirring", "user"))
	require.NoError(t, err)
}

func TestCountRunningFollowsLifecycle(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	n, err := d.CountRunning(ctx, "u1", "exp1", "stirring")
	require.NoError(t, err)
	assert.Zero(t, n)

	id, err := d.Register(ctx, record("stirring", "user"))
	require.NoError(t, err)
	n, err = d.CountRunning(ctx, "u1", "exp1", "stirring")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, d.SetNotRunning(ctx, id))
	n, err = d.CountRunning(ctx, "u1", "exp1", "stirring")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSettingsUpsertAndDelete(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	id, err := d.Register(ctx, record("stirring", "user"))
	require.NoError(t, err)

	v1, v2 := "500", "650"
	require.NoError(t, d.UpsertSetting(ctx, id, "target_rpm", &v1))
	require.NoError(t, d.UpsertSetting(ctx, id, "target_rpm", &v2))
	state := "ready"
	require.NoError(t, d.UpsertSetting(ctx, id, "state", &state))

	settings, err := d.ListSettings(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"target_rpm": "650", "state": "ready"}, settings)

	require.NoError(t, d.UpsertSetting(ctx, id, "target_rpm", nil))
	settings, err = d.ListSettings(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"state": "ready"}, settings)
}

func TestListJobsFilters(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	_, err := d.Register(ctx, record("stirring", "user"))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	id2, err := d.Register(ctx, record("od_reading", "experiment_profile/3"))
	require.NoError(t, err)
	other := record("stirring", "user")
	other.Unit = "u2"
	_, err = d.Register(ctx, other)
	require.NoError(t, err)

	all, err := d.ListJobs(ctx, domain.JobFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byUnit, err := d.ListJobs(ctx, domain.JobFilter{Unit: "u1"})
	require.NoError(t, err)
	assert.Len(t, byUnit, 2)
	// Newest first.
	assert.Equal(t, "od_reading", byUnit[0].Name)

	// Source matching is a prefix so subprocess suffixes are included.
	bySource, err := d.ListJobs(ctx, domain.JobFilter{Source: "experiment_profile"})
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, id2, bySource[0].ID)

	require.NoError(t, d.SetNotRunning(ctx, id2))
	live, err := d.ListJobs(ctx, domain.JobFilter{Unit: "u1", RunningOnly: true})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "stirring", live[0].Name)
	assert.True(t, live[0].IsRunning)
}

func TestKillJobsStopsMatchesAndFlipsRows(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	_, err := d.Register(ctx, record("stirring", "experiment_profile/9"))
	require.NoError(t, err)
	_, err = d.Register(ctx, record("od_reading", "experiment_profile/9"))
	require.NoError(t, err)
	_, err = d.Register(ctx, record("temperature_automation", "user"))
	require.NoError(t, err)

	var stopped []string
	n, err := d.KillJobs(ctx, domain.JobFilter{Source: "experiment_profile"}, func(rec domain.JobRecord) error {
		stopped = append(stopped, rec.Name)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"stirring", "od_reading"}, stopped)

	live, err := d.ListJobs(ctx, domain.JobFilter{RunningOnly: true})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "temperature_automation", live[0].Name)
}

func TestKillJobsKeepsRowWhenStopFails(t *testing.T) {
	d := openTestDB(t)
	ctx := context.Background()

	_, err := d.Register(ctx, record("stirring", "user"))
	require.NoError(t, err)
	_, err = d.Register(ctx, record("od_reading", "user"))
	require.NoError(t, err)

	boom := errors.New("unit offline")
	n, err := d.KillJobs(ctx, domain.JobFilter{}, func(rec domain.JobRecord) error {
		if rec.Name == "stirring" {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)

	live, err := d.ListJobs(ctx, domain.JobFilter{RunningOnly: true})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "stirring", live[0].Name)
}
