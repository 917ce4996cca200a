package assign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/gridharvest/coordinator/internal/catalog"
	"github.com/gridharvest/coordinator/internal/epoch"
	"github.com/gridharvest/coordinator/internal/model"
)

// Manager builds the assignment batch for each epoch. Selection and
// grouping are seeded from the epoch id and the server secret, so every
// aggregator holding the secret reproduces the identical batch without
// coordination, and repeated retrievals within an epoch are idempotent.
type Manager struct {
	catalog   *catalog.Catalog
	tiers     catalog.TierMultipliers
	selection SelectionConfig
	grouping  GroupingConfig
	secret    []byte
}

// NewManager creates an assignment manager.
func NewManager(cat *catalog.Catalog, tiers catalog.TierMultipliers, sel SelectionConfig, grp GroupingConfig, secret []byte) *Manager {
	return &Manager{
		catalog:   cat,
		tiers:     tiers,
		selection: sel,
		grouping:  grp,
		secret:    secret,
	}
}

// BuildBatch assembles the assignment for ep. recentlyAssigned is the set
// of unit ids inside the cooldown window; pool is the eligible submitter
// set. Never returns an error: an empty pool or empty candidate set
// produces a published no-op batch with the corresponding status.
func (m *Manager) BuildBatch(ep model.Epoch, recentlyAssigned map[string]bool, pool []model.Submitter) *model.AssignmentBatch {
	rng := m.epochRNG(ep)

	sel := SelectUnits(m.catalog, m.tiers, m.selection, recentlyAssigned, rng)

	unitIDs := make([]string, 0, len(sel.Units))
	for _, u := range sel.Units {
		unitIDs = append(unitIDs, u.ID)
	}

	batch := &model.AssignmentBatch{
		EpochID:       ep.ID,
		EpochStart:    ep.Start,
		EpochEnd:      ep.End,
		Deadline:      ep.Deadline,
		TargetYield:   m.selection.TargetYield,
		Tolerance:     m.selection.Tolerance,
		SelectedYield: sel.TotalYield,
		UnitIDs:       unitIDs,
		Status:        sel.Status,
		CreatedAt:     time.Now().UTC(),
	}

	// The token depends only on epoch parameters and the selected unit
	// ids, never on the RNG, so it stays bit-for-bit reproducible.
	batch.Token = epoch.DeriveToken(m.secret, ep.ID, ep.Start, unitIDs)

	if len(sel.Units) == 0 {
		return batch
	}

	batch.Groups = BuildGroups(sel.Units, pool, m.grouping, rng)
	if len(batch.Groups) == 0 && batch.Status == model.AssignmentStatusOK {
		batch.Status = model.AssignmentStatusNoSubmitters
	}

	zap.L().Info("assign: batch built",
		zap.String("epoch", ep.ID),
		zap.Int("units", len(batch.UnitIDs)),
		zap.Int64("selected_yield", batch.SelectedYield),
		zap.Int("groups", len(batch.Groups)),
		zap.String("status", string(batch.Status)),
	)
	return batch
}

// UnitsOf resolves the batch's unit ids back to catalog entries.
func (m *Manager) UnitsOf(batch *model.AssignmentBatch) []model.WorkUnit {
	units := make([]model.WorkUnit, 0, len(batch.UnitIDs))
	for _, id := range batch.UnitIDs {
		if u, ok := m.catalog.Get(id); ok {
			units = append(units, u)
		}
	}
	return units
}

// epochRNG derives a deterministic RNG seed from the secret and epoch id.
func (m *Manager) epochRNG(ep model.Epoch) *rand.Rand {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte("assign-seed|" + ep.ID))
	sum := mac.Sum(nil)
	s1 := binary.BigEndian.Uint64(sum[:8])
	s2 := binary.BigEndian.Uint64(sum[8:16])
	return rand.New(rand.NewPCG(s1, s2))
}
