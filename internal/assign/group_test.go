package assign

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridharvest/coordinator/internal/model"
)

func testPool(n int) []model.Submitter {
	pool := make([]model.Submitter, n)
	for i := range pool {
		pool[i] = model.Submitter{
			ID:       fmt.Sprintf("s-%02d", i),
			OwnerKey: fmt.Sprintf("owner-%02d", i),
			Secret:   "k",
		}
	}
	return pool
}

func unitSlice(n int) []model.WorkUnit {
	units := make([]model.WorkUnit, n)
	for i := range units {
		units[i] = model.WorkUnit{ID: fmt.Sprintf("u-%02d", i), ExpectedYield: 100}
	}
	return units
}

func TestBuildGroupsOverlapAndChunking(t *testing.T) {
	t.Parallel()

	cfg := GroupingConfig{ChunkSize: 5, OverlapFactor: 2, GroupSize: 3, MinOverlap: 2, MinGroupSize: 2}
	groups := BuildGroups(unitSlice(10), testPool(12), cfg, testRNG())

	// 2 chunks × 2 overlap groups.
	require.Len(t, groups, 4)

	byChunk := make(map[string][]model.SubmitterGroup)
	for _, g := range groups {
		assert.Len(t, g.UnitIDs, 5)
		assert.Len(t, g.SubmitterIDs, 3)
		byChunk[g.UnitIDs[0]] = append(byChunk[g.UnitIDs[0]], g)
	}

	// Within a chunk, overlap groups must be disjoint so submitters never
	// cross-check themselves.
	for _, chunk := range byChunk {
		require.Len(t, chunk, 2)
		seen := make(map[string]bool)
		for _, g := range chunk {
			for _, id := range g.SubmitterIDs {
				assert.False(t, seen[id], "submitter %s in two overlap groups", id)
				seen[id] = true
			}
		}
	}
}

func TestBuildGroupsDiversityConstraint(t *testing.T) {
	t.Parallel()

	// All submitters share one owner: each group can hold at most one.
	pool := testPool(6)
	for i := range pool {
		pool[i].OwnerKey = "sybil-farm"
	}

	cfg := GroupingConfig{ChunkSize: 10, OverlapFactor: 2, GroupSize: 3, MinOverlap: 2, MinGroupSize: 1}
	groups := BuildGroups(unitSlice(4), pool, cfg, testRNG())

	for _, g := range groups {
		assert.Len(t, g.SubmitterIDs, 1)
	}
}

func TestBuildGroupsEmptyPool(t *testing.T) {
	t.Parallel()
	groups := BuildGroups(unitSlice(4), nil, DefaultGroupingConfig(), testRNG())
	assert.Empty(t, groups)
}

func TestBuildGroupsDropsUndersizedGroups(t *testing.T) {
	t.Parallel()

	// Pool of 3 with floor sizes 2×2: degradation bottoms out at
	// overlap=2, size=2, and the second group comes up short.
	cfg := GroupingConfig{ChunkSize: 10, OverlapFactor: 3, GroupSize: 5, MinOverlap: 2, MinGroupSize: 2}
	groups := BuildGroups(unitSlice(2), testPool(3), cfg, testRNG())

	require.Len(t, groups, 1)
	assert.Len(t, groups[0].SubmitterIDs, 2)
}

func TestDegrade(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                      string
		pool                      int
		wantOverlap, wantGroup    int
	}{
		{"ample pool keeps config", 20, 2, 5},
		{"tight pool shrinks group size", 6, 2, 3},
		{"floor reached", 2, 2, 2},
	}
	cfg := GroupingConfig{ChunkSize: 20, OverlapFactor: 2, GroupSize: 5, MinOverlap: 2, MinGroupSize: 2}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			overlap, groupSize := degrade(tt.pool, cfg)
			assert.Equal(t, tt.wantOverlap, overlap)
			assert.Equal(t, tt.wantGroup, groupSize)
		})
	}
}
