package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridharvest/coordinator/internal/model"
)

func testUnits() []model.WorkUnit {
	return []model.WorkUnit{
		{ID: "u-atl-01", Region: "atlanta", Tier: model.TierPrimary, ExpectedYield: 1200},
		{ID: "u-bhm-01", Region: "birmingham", Tier: model.TierSecondary, ExpectedYield: 400},
		{ID: "u-mob-01", Region: "mobile", Tier: model.TierTertiary, ExpectedYield: 40},
	}
}

func TestNewSkipsInvalidUnits(t *testing.T) {
	t.Parallel()

	units := append(testUnits(),
		model.WorkUnit{ID: "", ExpectedYield: 100},        // missing id
		model.WorkUnit{ID: "u-zero", ExpectedYield: 0},    // no yield
		model.WorkUnit{ID: "u-atl-01", ExpectedYield: 99}, // duplicate
	)
	cat := New(units)

	assert.Equal(t, 3, cat.Len())
	u, ok := cat.Get("u-atl-01")
	require.True(t, ok)
	assert.Equal(t, int64(1200), u.ExpectedYield) // first entry wins

	_, ok = cat.Get("u-zero")
	assert.False(t, ok)
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
units:
  - id: u-atl-01
    region: atlanta
    tier: primary
    expected_yield: 1200
  - id: u-bhm-01
    region: birmingham
    tier: secondary
    expected_yield: 400
    min_lon: -87.1
    min_lat: 33.3
    max_lon: -86.6
    max_lat: 33.7
`), 0o644))

	cat, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cat.Len())

	u, ok := cat.Get("u-bhm-01")
	require.True(t, ok)
	assert.Equal(t, model.TierSecondary, u.Tier)

	b, ok := Bounds(u)
	require.True(t, ok)
	assert.InDelta(t, -87.1, b.Min(0), 1e-9)
	assert.InDelta(t, 33.7, b.Max(1), 1e-9)

	_, ok = Bounds(model.WorkUnit{ID: "nowhere", ExpectedYield: 10})
	assert.False(t, ok)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestInBand(t *testing.T) {
	t.Parallel()
	cat := New(testUnits())

	tests := []struct {
		name     string
		min, max int64
		wantIDs  []string
	}{
		{"all", 0, 0, []string{"u-atl-01", "u-bhm-01", "u-mob-01"}},
		{"min only", 100, 0, []string{"u-atl-01", "u-bhm-01"}},
		{"band", 100, 1000, []string{"u-bhm-01"}},
		{"none", 5000, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var ids []string
			for _, u := range cat.InBand(tt.min, tt.max) {
				ids = append(ids, u.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
		})
	}
}

func TestTierMultipliers(t *testing.T) {
	t.Parallel()
	tiers := DefaultTierMultipliers()

	assert.Equal(t, 1.5, tiers.Multiplier(model.TierPrimary))
	assert.Equal(t, 0.6, tiers.Multiplier(model.TierTertiary))
	assert.Equal(t, 1.0, tiers.Multiplier(model.MarketTier("typo")))
}

func TestTotalYield(t *testing.T) {
	t.Parallel()
	assert.Equal(t, int64(1640), TotalYield(testUnits()))
	assert.Zero(t, TotalYield(nil))
}
