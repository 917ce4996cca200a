package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridharvest/coordinator/internal/assign"
	"github.com/gridharvest/coordinator/internal/catalog"
	"github.com/gridharvest/coordinator/internal/epoch"
	"github.com/gridharvest/coordinator/internal/model"
	"github.com/gridharvest/coordinator/internal/registry"
	"github.com/gridharvest/coordinator/internal/store"
)

var testNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func testSchedule() epoch.Schedule {
	return epoch.Schedule{Duration: 4 * time.Hour, Retention: 7 * 24 * time.Hour}
}

func testManager(t *testing.T) *assign.Manager {
	t.Helper()
	cat := catalog.New([]model.WorkUnit{
		{ID: "u-1", Region: "r1", Tier: model.TierPrimary, ExpectedYield: 400},
		{ID: "u-2", Region: "r1", Tier: model.TierSecondary, ExpectedYield: 350},
		{ID: "u-3", Region: "r2", Tier: model.TierSecondary, ExpectedYield: 300},
	})
	sel := assign.SelectionConfig{TargetYield: 1000, Tolerance: 0.2, MaxAttempts: 50}
	grp := assign.GroupingConfig{ChunkSize: 10, OverlapFactor: 2, GroupSize: 2, MinOverlap: 1, MinGroupSize: 2}
	return assign.NewManager(cat, catalog.DefaultTierMultipliers(), sel, grp, []byte("shared-secret"))
}

func testRegistry() *registry.Registry {
	return registry.New([]model.Submitter{
		{ID: "s-1", OwnerKey: "owner-1", Secret: "k1"},
		{ID: "s-2", OwnerKey: "owner-2", Secret: "k2"},
		{ID: "s-3", OwnerKey: "owner-3", Secret: "k3"},
		{ID: "s-4", OwnerKey: "owner-4", Secret: "k4"},
	})
}

func newTestScheduler(t *testing.T, st store.Store) *Scheduler {
	t.Helper()
	s := NewScheduler(testSchedule(), testManager(t), testRegistry(), st, 6)
	return s.WithClock(func() time.Time { return testNow })
}

func TestEnsureBatchIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	s := newTestScheduler(t, st)
	ep := testSchedule().At(testNow)

	first, err := s.EnsureBatch(ctx, ep)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.NotEmpty(t, first.Token)
	assert.NotEmpty(t, first.UnitIDs)

	second, err := s.EnsureBatch(ctx, ep)
	require.NoError(t, err)
	assert.Equal(t, first.Token, second.Token)
	assert.Equal(t, first.UnitIDs, second.UnitIDs)
}

func TestEnsureBatchServesStoredBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	s := newTestScheduler(t, st)
	ep := testSchedule().At(testNow)

	// Another aggregator already published this epoch.
	stored := &model.AssignmentBatch{
		EpochID:    ep.ID,
		EpochStart: ep.Start,
		Token:      "tok-from-peer",
		UnitIDs:    []string{"u-2"},
		Status:     model.AssignmentStatusOK,
	}
	require.NoError(t, st.SaveBatch(ctx, stored))

	got, err := s.EnsureBatch(ctx, ep)
	require.NoError(t, err)
	assert.Equal(t, "tok-from-peer", got.Token)
	assert.Equal(t, []string{"u-2"}, got.UnitIDs)
}

func TestEnsureBatchHonorsCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	s := newTestScheduler(t, st)
	sched := testSchedule()
	ep := sched.At(testNow)

	// Every catalog unit was assigned last epoch, inside the cooldown
	// window.
	prev := sched.At(ep.Start.Add(-time.Hour))
	require.NoError(t, st.SaveBatch(ctx, &model.AssignmentBatch{
		EpochID:    prev.ID,
		EpochStart: prev.Start,
		UnitIDs:    []string{"u-1", "u-2", "u-3"},
		Status:     model.AssignmentStatusOK,
	}))

	got, err := s.EnsureBatch(ctx, ep)
	require.NoError(t, err)
	assert.Equal(t, model.AssignmentStatusNoCandidates, got.Status)
	assert.Empty(t, got.UnitIDs)
	assert.NotEmpty(t, got.Token, "no-op epochs still publish a token")
}

func TestTickPrunesExpiredBatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := store.NewMemory()
	s := newTestScheduler(t, st)
	sched := testSchedule()

	old := sched.At(testNow.Add(-8 * 24 * time.Hour))
	require.NoError(t, st.SaveBatch(ctx, &model.AssignmentBatch{
		EpochID:    old.ID,
		EpochStart: old.Start,
		Status:     model.AssignmentStatusOK,
	}))

	require.NoError(t, s.Tick(ctx))

	gone, err := st.GetBatch(ctx, old.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	current, err := st.GetBatch(ctx, sched.At(testNow).ID)
	require.NoError(t, err)
	assert.NotNil(t, current)
}
