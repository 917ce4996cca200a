package assign

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridharvest/coordinator/internal/catalog"
	"github.com/gridharvest/coordinator/internal/model"
)

func testRNG() *rand.Rand {
	return rand.New(rand.NewPCG(7, 11))
}

func yieldCatalog(yields ...int64) *catalog.Catalog {
	units := make([]model.WorkUnit, len(yields))
	for i, y := range yields {
		units[i] = model.WorkUnit{
			ID:            fmt.Sprintf("u-%02d", i),
			Tier:          model.TierSecondary,
			ExpectedYield: y,
		}
	}
	return catalog.New(units)
}

func TestSelectUnitsLandsInBand(t *testing.T) {
	t.Parallel()

	cat := yieldCatalog(900, 800, 700, 600, 500, 400, 300, 200, 150, 100, 100, 100)
	cfg := SelectionConfig{TargetYield: 2000, Tolerance: 0.10, MaxAttempts: 200}

	sel := SelectUnits(cat, catalog.DefaultTierMultipliers(), cfg, nil, testRNG())
	require.Equal(t, model.AssignmentStatusOK, sel.Status)
	assert.GreaterOrEqual(t, sel.TotalYield, int64(1800))
	assert.LessOrEqual(t, sel.TotalYield, int64(2200))

	// Totals reported must match the picked units.
	var sum int64
	seen := make(map[string]bool)
	for _, u := range sel.Units {
		sum += u.ExpectedYield
		assert.False(t, seen[u.ID], "unit picked twice: %s", u.ID)
		seen[u.ID] = true
	}
	assert.Equal(t, sel.TotalYield, sum)
}

func TestSelectUnitsClosestFit(t *testing.T) {
	t.Parallel()

	// One big unit: no combination can land inside ±10% of 1000.
	cat := yieldCatalog(700)
	cfg := SelectionConfig{TargetYield: 1000, Tolerance: 0.10, MaxAttempts: 50}

	sel := SelectUnits(cat, catalog.DefaultTierMultipliers(), cfg, nil, testRNG())
	assert.Equal(t, model.AssignmentStatusClosestFit, sel.Status)
	assert.Equal(t, int64(700), sel.TotalYield)
}

func TestSelectUnitsNoCandidates(t *testing.T) {
	t.Parallel()

	cat := yieldCatalog(500, 600)
	cfg := SelectionConfig{TargetYield: 1000, Tolerance: 0.10, MinUnitYield: 50, MaxAttempts: 10}

	// Everything is cooling down.
	recent := map[string]bool{"u-00": true, "u-01": true}
	sel := SelectUnits(cat, catalog.DefaultTierMultipliers(), cfg, recent, testRNG())
	assert.Equal(t, model.AssignmentStatusNoCandidates, sel.Status)
	assert.Empty(t, sel.Units)
}

func TestSelectUnitsHonorsYieldBand(t *testing.T) {
	t.Parallel()

	cat := yieldCatalog(10, 500, 9000)
	cfg := SelectionConfig{
		TargetYield: 500, Tolerance: 0.10,
		MinUnitYield: 50, MaxUnitYield: 8000,
		MaxAttempts: 50,
	}

	sel := SelectUnits(cat, catalog.DefaultTierMultipliers(), cfg, nil, testRNG())
	require.Equal(t, model.AssignmentStatusOK, sel.Status)
	require.Len(t, sel.Units, 1)
	assert.Equal(t, "u-01", sel.Units[0].ID) // the only unit inside the band
}
