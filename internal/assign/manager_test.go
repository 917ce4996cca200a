package assign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridharvest/coordinator/internal/catalog"
	"github.com/gridharvest/coordinator/internal/epoch"
	"github.com/gridharvest/coordinator/internal/model"
)

func testManager(secret string) *Manager {
	cat := yieldCatalog(900, 800, 700, 600, 500, 400, 300, 200)
	sel := SelectionConfig{TargetYield: 2000, Tolerance: 0.10, MaxAttempts: 200}
	grp := GroupingConfig{ChunkSize: 5, OverlapFactor: 2, GroupSize: 3, MinOverlap: 2, MinGroupSize: 2}
	return NewManager(cat, catalog.DefaultTierMultipliers(), sel, grp, []byte(secret))
}

func testEpoch() model.Epoch {
	sched := epoch.DefaultSchedule()
	return sched.At(time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC))
}

func TestBuildBatchIsDeterministic(t *testing.T) {
	t.Parallel()

	ep := testEpoch()
	pool := testPool(12)

	// Two managers sharing a secret reproduce the identical batch.
	a := testManager("shared-secret").BuildBatch(ep, nil, pool)
	b := testManager("shared-secret").BuildBatch(ep, nil, pool)

	assert.Equal(t, a.UnitIDs, b.UnitIDs)
	assert.Equal(t, a.Groups, b.Groups)
	assert.Equal(t, a.Token, b.Token)
	assert.Equal(t, a.SelectedYield, b.SelectedYield)

	// A different secret diverges.
	c := testManager("other-secret").BuildBatch(ep, nil, pool)
	assert.NotEqual(t, a.Token, c.Token)
}

func TestBuildBatchTokenVerifies(t *testing.T) {
	t.Parallel()

	ep := testEpoch()
	batch := testManager("shared-secret").BuildBatch(ep, nil, testPool(12))

	require.NotEmpty(t, batch.Token)
	assert.True(t, epoch.VerifyToken([]byte("shared-secret"), ep.ID, ep.Start, batch.UnitIDs, batch.Token))
	assert.False(t, epoch.VerifyToken([]byte("wrong"), ep.ID, ep.Start, batch.UnitIDs, batch.Token))
}

func TestBuildBatchEmptyPool(t *testing.T) {
	t.Parallel()

	batch := testManager("s").BuildBatch(testEpoch(), nil, nil)
	assert.Equal(t, model.AssignmentStatusNoSubmitters, batch.Status)
	assert.NotEmpty(t, batch.UnitIDs)
	assert.Empty(t, batch.Groups)
	assert.NotEmpty(t, batch.Token) // still published for late verification
}

func TestBuildBatchNoCandidates(t *testing.T) {
	t.Parallel()

	m := testManager("s")
	recent := make(map[string]bool)
	for _, u := range m.catalog.Units() {
		recent[u.ID] = true
	}

	batch := m.BuildBatch(testEpoch(), recent, testPool(12))
	assert.Equal(t, model.AssignmentStatusNoCandidates, batch.Status)
	assert.Empty(t, batch.UnitIDs)
	assert.Empty(t, batch.Groups)
}

func TestExpectedSubmitters(t *testing.T) {
	t.Parallel()

	batch := testManager("s").BuildBatch(testEpoch(), nil, testPool(12))
	require.NotEmpty(t, batch.UnitIDs)

	unitID := batch.UnitIDs[0]
	expected := batch.ExpectedSubmitters(unitID)
	assert.NotEmpty(t, expected)

	seen := make(map[string]bool)
	for _, id := range expected {
		assert.False(t, seen[id])
		seen[id] = true
	}
}
