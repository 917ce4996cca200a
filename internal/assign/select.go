package assign

import (
	"math/rand/v2"

	"go.uber.org/zap"

	"github.com/gridharvest/coordinator/internal/catalog"
	"github.com/gridharvest/coordinator/internal/model"
)

// SelectionConfig controls work unit selection for an epoch.
type SelectionConfig struct {
	// TargetYield is the combined expected yield to aim for.
	TargetYield int64

	// Tolerance is the acceptable fractional deviation from TargetYield
	// (0.1 = ±10%).
	Tolerance float64

	// MinUnitYield and MaxUnitYield band out units too small to be worth a
	// submitter's time or too large to be plausibly covered. Zero
	// MaxUnitYield means unbounded.
	MinUnitYield int64
	MaxUnitYield int64

	// MaxAttempts bounds the sampling effort. Exact optimality is not
	// required; boundedness is.
	MaxAttempts int
}

// DefaultSelectionConfig returns the standard selection knobs.
func DefaultSelectionConfig() SelectionConfig {
	return SelectionConfig{
		TargetYield:  10000,
		Tolerance:    0.10,
		MinUnitYield: 50,
		MaxUnitYield: 8000,
		MaxAttempts:  200,
	}
}

// Selection is the outcome of one selection pass.
type Selection struct {
	Units      []model.WorkUnit
	TotalYield int64
	Status     model.AssignmentStatus
}

// SelectUnits draws work units by weighted random sampling (weight =
// expected yield × tier multiplier) until the running total lands inside
// [T(1-p), T(1+p)]. Units in recentlyAssigned are excluded (cooldown).
// When no draw sequence hits the band within MaxAttempts passes, the
// closest-fit draw seen is kept and the status says so.
func SelectUnits(cat *catalog.Catalog, tiers catalog.TierMultipliers, cfg SelectionConfig, recentlyAssigned map[string]bool, rng *rand.Rand) Selection {
	candidates := eligible(cat, cfg, recentlyAssigned)
	if len(candidates) == 0 {
		zap.L().Warn("assign: no eligible work units after cooldown and band filters")
		return Selection{Status: model.AssignmentStatusNoCandidates}
	}

	lo := int64(float64(cfg.TargetYield) * (1 - cfg.Tolerance))
	hi := int64(float64(cfg.TargetYield) * (1 + cfg.Tolerance))

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 200
	}

	var best []model.WorkUnit
	var bestTotal int64
	bestDist := int64(-1)

	for attempt := 0; attempt < attempts; attempt++ {
		picked, total := drawOnce(candidates, tiers, hi, rng)
		if total >= lo && total <= hi {
			return Selection{Units: picked, TotalYield: total, Status: model.AssignmentStatusOK}
		}
		dist := cfg.TargetYield - total
		if dist < 0 {
			dist = -dist
		}
		if bestDist < 0 || dist < bestDist {
			best, bestTotal, bestDist = picked, total, dist
		}
	}

	zap.L().Warn("assign: selection fell back to closest fit",
		zap.Int64("target", cfg.TargetYield),
		zap.Int64("selected", bestTotal),
		zap.Int("attempts", attempts),
	)
	return Selection{Units: best, TotalYield: bestTotal, Status: model.AssignmentStatusClosestFit}
}

// drawOnce samples candidates without replacement, weighted by yield ×
// tier multiplier, stopping as soon as adding more would overshoot hi or
// the pool is exhausted.
func drawOnce(candidates []model.WorkUnit, tiers catalog.TierMultipliers, hi int64, rng *rand.Rand) ([]model.WorkUnit, int64) {
	pool := make([]model.WorkUnit, len(candidates))
	copy(pool, candidates)

	weights := make([]float64, len(pool))
	var weightSum float64
	for i, u := range pool {
		weights[i] = float64(u.ExpectedYield) * tiers.Multiplier(u.Tier)
		weightSum += weights[i]
	}

	var picked []model.WorkUnit
	var total int64

	for len(pool) > 0 && total < hi {
		i := weightedIndex(weights, weightSum, rng)
		u := pool[i]
		if total+u.ExpectedYield > hi {
			// Remove and keep trying smaller units.
			weightSum -= weights[i]
			pool = append(pool[:i], pool[i+1:]...)
			weights = append(weights[:i], weights[i+1:]...)
			continue
		}
		picked = append(picked, u)
		total += u.ExpectedYield
		weightSum -= weights[i]
		pool = append(pool[:i], pool[i+1:]...)
		weights = append(weights[:i], weights[i+1:]...)
	}
	return picked, total
}

func weightedIndex(weights []float64, sum float64, rng *rand.Rand) int {
	if sum <= 0 {
		return rng.IntN(len(weights))
	}
	r := rng.Float64() * sum
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return i
		}
	}
	return len(weights) - 1
}

func eligible(cat *catalog.Catalog, cfg SelectionConfig, recentlyAssigned map[string]bool) []model.WorkUnit {
	var out []model.WorkUnit
	for _, u := range cat.InBand(cfg.MinUnitYield, cfg.MaxUnitYield) {
		if recentlyAssigned[u.ID] {
			continue
		}
		out = append(out, u)
	}
	return out
}
