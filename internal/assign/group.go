package assign

import (
	"math/rand/v2"
	"sort"

	"go.uber.org/zap"

	"github.com/gridharvest/coordinator/internal/model"
)

// GroupingConfig controls how selected units are distributed to submitters.
type GroupingConfig struct {
	// ChunkSize is the number of units per batch of parallel groups.
	ChunkSize int

	// OverlapFactor is how many independent groups scrape the same chunk.
	OverlapFactor int

	// GroupSize is the submitter count per group.
	GroupSize int

	// MinOverlap and MinGroupSize are the degradation floors. Below them
	// the shortfall is logged, never fatal.
	MinOverlap   int
	MinGroupSize int
}

// DefaultGroupingConfig returns the standard grouping knobs.
func DefaultGroupingConfig() GroupingConfig {
	return GroupingConfig{
		ChunkSize:     20,
		OverlapFactor: 2,
		GroupSize:     5,
		MinOverlap:    2,
		MinGroupSize:  2,
	}
}

// BuildGroups chunks units and assigns each chunk to OverlapFactor parallel
// groups drawn from the pool without replacement, honoring the diversity
// constraint: no two submitters sharing an owner key land in the same
// group. When the pool is too small the overlap factor shrinks first, then
// the group size; shortfalls are logged, not errors. An empty pool yields
// zero groups.
func BuildGroups(units []model.WorkUnit, pool []model.Submitter, cfg GroupingConfig, rng *rand.Rand) []model.SubmitterGroup {
	if len(pool) == 0 {
		zap.L().Warn("assign: empty submitter pool, publishing epoch with no groups")
		return nil
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 20
	}

	overlap, groupSize := degrade(len(pool), cfg)

	var groups []model.SubmitterGroup
	for start := 0; start < len(units); start += chunkSize {
		end := start + chunkSize
		if end > len(units) {
			end = len(units)
		}
		unitIDs := make([]string, 0, end-start)
		for _, u := range units[start:end] {
			unitIDs = append(unitIDs, u.ID)
		}

		// Fresh shuffled pool per chunk; draws across a chunk's overlap
		// groups are without replacement so the same submitter never
		// cross-checks itself.
		shuffled := make([]model.Submitter, len(pool))
		copy(shuffled, pool)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		used := make(map[string]bool)
		for ov := 0; ov < overlap; ov++ {
			members := pickDiverse(shuffled, used, groupSize)
			if len(members) < cfg.MinGroupSize {
				zap.L().Warn("assign: group below minimum size, dropping overlap group",
					zap.Int("overlap_index", ov),
					zap.Int("got", len(members)),
					zap.Int("min", cfg.MinGroupSize),
				)
				continue
			}
			groups = append(groups, model.SubmitterGroup{
				UnitIDs:      unitIDs,
				SubmitterIDs: members,
				OverlapIndex: ov,
			})
		}
	}
	return groups
}

// degrade reduces overlap first, then group size, until the pool can cover
// overlap × size.
func degrade(poolSize int, cfg GroupingConfig) (overlap, groupSize int) {
	overlap = cfg.OverlapFactor
	groupSize = cfg.GroupSize
	if overlap <= 0 {
		overlap = 2
	}
	if groupSize <= 0 {
		groupSize = 5
	}

	for overlap > cfg.MinOverlap && overlap*groupSize > poolSize {
		overlap--
	}
	for groupSize > cfg.MinGroupSize && overlap*groupSize > poolSize {
		groupSize--
	}

	if overlap*groupSize > poolSize {
		zap.L().Warn("assign: submitter pool below degradation floor",
			zap.Int("pool", poolSize),
			zap.Int("overlap", overlap),
			zap.Int("group_size", groupSize),
		)
	}
	return overlap, groupSize
}

// pickDiverse selects up to n unused submitters, at most one per owner key
// within the group.
func pickDiverse(shuffled []model.Submitter, used map[string]bool, n int) []string {
	owners := make(map[string]bool)
	var members []string
	for _, s := range shuffled {
		if len(members) >= n {
			break
		}
		if used[s.ID] {
			continue
		}
		if s.OwnerKey != "" && owners[s.OwnerKey] {
			continue
		}
		used[s.ID] = true
		if s.OwnerKey != "" {
			owners[s.OwnerKey] = true
		}
		members = append(members, s.ID)
	}
	sort.Strings(members)
	return members
}
