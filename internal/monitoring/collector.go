package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/gridharvest/coordinator/internal/budget"
	"github.com/gridharvest/coordinator/internal/credibility"
	"github.com/gridharvest/coordinator/internal/model"
	"github.com/gridharvest/coordinator/internal/store"
)

// EpochSnapshot holds a point-in-time view of one epoch's progress plus
// system-level health. Served by the status endpoint.
type EpochSnapshot struct {
	// Current epoch.
	EpochID       string    `json:"epoch_id"`
	EpochStart    time.Time `json:"epoch_start"`
	EpochEnd      time.Time `json:"epoch_end"`
	Deadline      time.Time `json:"deadline"`
	BatchStatus   string    `json:"batch_status,omitempty"`
	UnitsAssigned int       `json:"units_assigned"`

	// Participation within the epoch.
	SubmittersExpected int `json:"submitters_expected"`
	SubmittersReported int `json:"submitters_reported"`
	Submissions        int `json:"submissions"`
	UnitsReported      int `json:"units_reported"`
	ResultsComputed    int `json:"results_computed"`
	NoConsensusUnits   int `json:"no_consensus_units"`
	UnverifiedUnits    int `json:"unverified_units"`
	FlaggedSubmitters  int `json:"flagged_submitters"`

	// Spot-check budget.
	BudgetDayUsed   int64 `json:"budget_day_used"`
	BudgetMonthUsed int64 `json:"budget_month_used"`
	BudgetDaily     int64 `json:"budget_daily"`

	// Credibility distribution.
	TrustedSubmitters  int `json:"trusted_submitters"`
	LowTrustSubmitters int `json:"low_trust_submitters"`

	// Metadata.
	CollectedAt time.Time `json:"collected_at"`
}

// lowTrustCutoff splits the credibility distribution for the snapshot.
const lowTrustCutoff = 0.3

// Collector gathers snapshot metrics from the store, the budget
// controller, and the credibility store.
type Collector struct {
	store             store.Store
	budget            *budget.Controller
	cred              credibility.Store
	spotCheckResource string
}

// NewCollector creates a metrics collector. budget and cred may be nil
// when the corresponding subsystem is not wired.
func NewCollector(st store.Store, ctl *budget.Controller, cred credibility.Store, spotCheckResource string) *Collector {
	return &Collector{store: st, budget: ctl, cred: cred, spotCheckResource: spotCheckResource}
}

// Collect gathers a snapshot for the given epoch.
func (c *Collector) Collect(ctx context.Context, ep model.Epoch) (*EpochSnapshot, error) {
	snap := &EpochSnapshot{
		EpochID:     ep.ID,
		EpochStart:  ep.Start,
		EpochEnd:    ep.End,
		Deadline:    ep.Deadline,
		CollectedAt: time.Now().UTC(),
	}

	batch, err := c.store.GetBatch(ctx, ep.ID)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: get batch")
	}
	if batch != nil {
		snap.BatchStatus = string(batch.Status)
		snap.UnitsAssigned = len(batch.UnitIDs)

		expected := make(map[string]bool)
		for _, g := range batch.Groups {
			for _, sid := range g.SubmitterIDs {
				expected[sid] = true
			}
		}
		snap.SubmittersExpected = len(expected)
	}

	p, err := c.store.Participation(ctx, ep.ID)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: participation")
	}
	snap.SubmittersReported = p.Submitters
	snap.Submissions = p.Submissions
	snap.UnitsReported = p.UnitsReported
	snap.ResultsComputed = p.ResultsComputed

	results, err := c.store.ListResults(ctx, ep.ID)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list results")
	}
	flagged := make(map[string]bool)
	for _, res := range results {
		if res.Unverified {
			snap.UnverifiedUnits++
		}
		var resolved int
		for _, f := range res.Fields {
			if f.Status == model.FieldStatusResolved {
				resolved++
			}
		}
		if len(res.Fields) > 0 && resolved == 0 {
			snap.NoConsensusUnits++
		}
		for _, sid := range res.Flagged {
			flagged[sid] = true
		}
	}
	snap.FlaggedSubmitters = len(flagged)

	if c.budget != nil {
		d, err := c.budget.Remaining(ctx, c.spotCheckResource)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: budget usage")
		}
		snap.BudgetDayUsed = d.DayUsed
		snap.BudgetMonthUsed = d.MonthUsed
		snap.BudgetDaily = d.DailyBudget
	}

	if c.cred != nil {
		records, err := c.cred.List(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list credibility")
		}
		for _, r := range records {
			if r.Score < lowTrustCutoff {
				snap.LowTrustSubmitters++
			} else {
				snap.TrustedSubmitters++
			}
		}
	}

	return snap, nil
}
