package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MalooBell/metric2/pkg/config"
	"github.com/MalooBell/metric2/pkg/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func newTestRun(name string, start time.Time) *store.Run {
	return &store.Run{
		Name:      name,
		StartTime: start,
		TargetURL: "http://app.example.com",
		Users:     50,
		SpawnRate: 5,
		Duration:  60,
	}
}

func TestStore_CreateAndGetRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := newTestRun("smoke", time.Now().UTC())
	require.NoError(t, s.CreateRun(ctx, run))
	require.NotZero(t, run.ID)

	got, err := s.GetRunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "smoke", got.Name)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.Nil(t, got.EndTime)
	assert.Nil(t, got.AvgResponseTime)
	assert.Nil(t, got.ErrorRate)

	_, err = s.GetRunByID(ctx, run.ID+100)
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}

func TestStore_GetActiveRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetActiveRun(ctx)
	assert.ErrorIs(t, err, store.ErrRunNotFound)

	run := newTestRun("active", time.Now().UTC())
	require.NoError(t, s.CreateRun(ctx, run))

	active, err := s.GetActiveRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, run.ID, active.ID)

	applied, err := s.FinalizeRun(
		ctx, run.ID, store.StatusStopped, time.Now().UTC(), nil,
	)
	require.NoError(t, err)
	require.True(t, applied)

	_, err = s.GetActiveRun(ctx)
	assert.ErrorIs(t, err, store.ErrRunNotFound)
}

func TestStore_FinalizeRunConditional(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := newTestRun("final", time.Now().UTC())
	require.NoError(t, s.CreateRun(ctx, run))

	end := time.Now().UTC()
	agg := &store.Aggregates{
		AvgResponseTime:   123.4,
		RequestsPerSecond: 87.5,
		ErrorRate:         3.5,
		TotalRequests:     200,
		TotalFailures:     7,
	}

	applied, err := s.FinalizeRun(ctx, run.ID, store.StatusCompleted, end, agg)
	require.NoError(t, err)
	require.True(t, applied)

	got, err := s.GetRunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	require.NotNil(t, got.EndTime)
	require.NotNil(t, got.ErrorRate)
	assert.InDelta(t, 3.5, *got.ErrorRate, 1e-9)
	assert.Equal(t, int64(200), *got.TotalRequests)
	assert.Equal(t, int64(7), *got.TotalFailures)

	// A second finalization must not apply; the first write wins and the
	// aggregates stay untouched.
	applied, err = s.FinalizeRun(
		ctx, run.ID, store.StatusStopped, time.Now().UTC(),
		&store.Aggregates{ErrorRate: 99},
	)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err = s.GetRunByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.InDelta(t, 3.5, *got.ErrorRate, 1e-9)
}

func TestStore_ListRunsOrder(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)

	older := newTestRun("older", base)
	newer := newTestRun("newer", base.Add(30*time.Minute))

	require.NoError(t, s.CreateRun(ctx, older))
	_, err := s.FinalizeRun(
		ctx, older.ID, store.StatusCompleted, base.Add(time.Minute), nil,
	)
	require.NoError(t, err)

	require.NoError(t, s.CreateRun(ctx, newer))

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "newer", runs[0].Name)
	assert.Equal(t, "older", runs[1].Name)
}
