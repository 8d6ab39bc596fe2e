package leaderdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "leader.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestExperimentRegistry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.CreateExperiment(ctx, "glucose-sweep", "initial run")
	require.NoError(t, err)
	assert.Equal(t, "glucose-sweep", first.Experiment)

	_, err = s.CreateExperiment(ctx, "glucose-sweep", "")
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	// created_at ordering decides the active experiment.
	time.Sleep(5 * time.Millisecond)
	_, err = s.CreateExperiment(ctx, "lactose-sweep", "")
	require.NoError(t, err)

	latest, err := s.LatestExperiment(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lactose-sweep", latest.Experiment)

	all, err := s.ListExperiments(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "lactose-sweep", all[0].Experiment)

	got, err := s.GetExperiment(ctx, "glucose-sweep")
	require.NoError(t, err)
	assert.Equal(t, "initial run", got.Description)

	_, err = s.GetExperiment(ctx, "unknown")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLatestExperimentEmpty(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LatestExperiment(context.Background())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWorkerInventoryAndAssignment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateExperiment(ctx, "exp1", "")
	require.NoError(t, err)

	require.NoError(t, s.AddWorker(ctx, "worker1"))
	require.NoError(t, s.AddWorker(ctx, "worker2"))
	// Re-adding reactivates instead of failing.
	require.NoError(t, s.AddWorker(ctx, "worker1"))

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.True(t, workers[0].IsActive)

	require.ErrorIs(t, s.AssignWorker(ctx, "ghost", "exp1"), domain.ErrNotFound)
	require.ErrorIs(t, s.AssignWorker(ctx, "worker1", "no-such-exp"), domain.ErrNotFound)
	require.NoError(t, s.AssignWorker(ctx, "worker1", "exp1"))

	assigned, err := s.IsAssigned(ctx, "worker1", "exp1")
	require.NoError(t, err)
	assert.True(t, assigned)

	units, err := s.AssignedUnits(ctx, "exp1")
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "worker1", units[0].PioreactorUnit)

	require.NoError(t, s.UnassignWorker(ctx, "worker1"))
	units, err = s.AssignedUnits(ctx, "exp1")
	require.NoError(t, err)
	assert.Empty(t, units)

	require.ErrorIs(t, s.RemoveWorker(ctx, "ghost"), domain.ErrNotFound)
	require.NoError(t, s.RemoveWorker(ctx, "worker2"))
	workers, err = s.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, workers, 1)
}

func TestRemoveWorkerCascadesAssignment(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateExperiment(ctx, "exp1", "")
	require.NoError(t, err)
	require.NoError(t, s.AddWorker(ctx, "worker1"))
	require.NoError(t, s.AssignWorker(ctx, "worker1", "exp1"))

	require.NoError(t, s.RemoveWorker(ctx, "worker1"))
	units, err := s.AssignedUnits(ctx, "exp1")
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestUnitLabels(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetUnitLabel(ctx, "exp1", "worker1", "left shaker"))
	require.NoError(t, s.SetUnitLabel(ctx, "exp1", "worker1", "right shaker"))
	require.NoError(t, s.SetUnitLabel(ctx, "exp1", "worker2", "control"))

	labels, err := s.UnitLabels(ctx, "exp1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"worker1": "right shaker", "worker2": "control"}, labels)

	// Empty label deletes.
	require.NoError(t, s.SetUnitLabel(ctx, "exp1", "worker2", ""))
	labels, err = s.UnitLabels(ctx, "exp1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"worker1": "right shaker"}, labels)
}
