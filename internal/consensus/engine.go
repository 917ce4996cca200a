package consensus

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gridharvest/coordinator/internal/budget"
	"github.com/gridharvest/coordinator/internal/credibility"
	"github.com/gridharvest/coordinator/internal/model"
	"github.com/gridharvest/coordinator/internal/verify"
)

// Engine aggregates per-unit submissions into consensus results, updates
// submitter credibility, and escalates low-confidence units to a
// budget-gated spot check.
type Engine struct {
	cfg      Config
	cred     credibility.Store
	budget   *budget.Controller
	verifier verify.Client
	now      func() time.Time
}

// NewEngine creates a validation engine. budgetCtl and verifier may be nil;
// without them low-confidence units simply stay unverified.
func NewEngine(cfg Config, cred credibility.Store, budgetCtl *budget.Controller, verifier verify.Client) *Engine {
	return &Engine{
		cfg:      cfg,
		cred:     cred,
		budget:   budgetCtl,
		verifier: verifier,
		now:      time.Now,
	}
}

// WithClock overrides the clock. Test hook.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ShouldEvaluate implements the quorum-or-deadline gate: a unit is
// evaluated once every expected submitter has reported or the epoch
// submission deadline has passed, whichever comes first.
func ShouldEvaluate(expected, received int, now, deadline time.Time) bool {
	if expected > 0 && received >= expected {
		return true
	}
	return !now.Before(deadline)
}

// UnitEvaluation is the output of evaluating one work unit. Verdicts stay
// empty until Commit applies the credibility updates.
type UnitEvaluation struct {
	Result   *model.ConsensusResult
	Accepted []model.Submission
	Verdicts []model.Verdict
}

// EvaluateUnit computes the consensus result for one work unit. Late
// submissions (after the batch deadline) are discarded and their senders
// recorded as non-responsive. The method never blocks on absent
// submitters; it works with whatever arrived. Credibility is read for
// vote weighting but never written; Commit owns the updates.
func (e *Engine) EvaluateUnit(ctx context.Context, batch *model.AssignmentBatch, unitID string, subs []model.Submission) (*UnitEvaluation, error) {
	expected := batch.ExpectedSubmitters(unitID)

	accepted, lateSenders := splitByDeadline(subs, batch.Deadline)
	// A late sender is already missing from the accepted set; keep the
	// list deduplicated so nobody is penalized twice.
	nonResponsive := missingFrom(expected, accepted)
	seen := make(map[string]bool, len(nonResponsive))
	for _, id := range nonResponsive {
		seen[id] = true
	}
	for _, id := range lateSenders {
		if !seen[id] {
			seen[id] = true
			nonResponsive = append(nonResponsive, id)
		}
	}

	flagged := detectSynchronized(accepted, e.cfg.SyncWindow)

	fields, err := e.collectVotes(ctx, accepted)
	if err != nil {
		return nil, err
	}

	res := &model.ConsensusResult{
		ID:            uuid.New().String(),
		EpochID:       batch.EpochID,
		UnitID:        unitID,
		Flagged:       flagged,
		NonResponsive: nonResponsive,
		EvaluatedAt:   e.now().UTC(),
	}

	res.Fields, res.Mode, err = e.resolveUnit(ctx, unitID, fields, res)
	if err != nil {
		return nil, err
	}
	res.OverallConfidence = overallConfidence(res.Fields)

	zap.L().Info("consensus: unit evaluated",
		zap.String("epoch", batch.EpochID),
		zap.String("unit", unitID),
		zap.Float64("confidence", res.OverallConfidence),
		zap.String("mode", string(res.Mode)),
		zap.Bool("unverified", res.Unverified),
		zap.Int("flagged", len(res.Flagged)),
		zap.Int("non_responsive", len(res.NonResponsive)),
	)
	return &UnitEvaluation{Result: res, Accepted: accepted}, nil
}

// Commit applies the credibility updates and issues the verdicts for a
// computed evaluation, filling ev.Verdicts. Callers racing over a shared
// credibility store must claim the unit's write-once result row first and
// commit only a won claim, otherwise every racer moves trust.
func (e *Engine) Commit(ctx context.Context, ev *UnitEvaluation) error {
	verdicts, err := e.applyCredibility(ctx, ev.Result, ev.Accepted)
	if err != nil {
		return err
	}
	ev.Verdicts = verdicts
	return nil
}

// resolveUnit picks the resolution strategy. A first majority pass
// computes confidence; when it falls below the escalation threshold and a
// verifier is wired, one spot check is requested through the admission
// controller. A denied budget falls back to the majority result flagged
// unverified rather than blocking.
func (e *Engine) resolveUnit(ctx context.Context, unitID string, fields map[string]fieldVotes, res *model.ConsensusResult) ([]model.FieldConsensus, model.ResolutionMode, error) {
	maj := &majorityResolver{cfg: e.cfg}
	fcs, mode, err := maj.resolve(ctx, unitID, fields)
	if err != nil {
		return nil, mode, err
	}

	conf := overallConfidence(fcs)
	if conf >= e.cfg.EscalationThreshold || e.verifier == nil || e.budget == nil {
		return fcs, mode, nil
	}
	// A silent unit has zero confidence but nothing to arbitrate; a spot
	// check would have no votes to score against. Save the budget for
	// genuine disagreements.
	if len(fields) == 0 {
		return fcs, mode, nil
	}

	decision := e.budget.Admit(ctx, e.cfg.SpotCheckResource)
	if !decision.Allowed {
		zap.L().Info("consensus: spot check denied by budget, keeping majority result",
			zap.String("unit", unitID),
			zap.Float64("confidence", conf),
			zap.String("reason", string(decision.Reason)),
		)
		res.Unverified = true
		return fcs, mode, nil
	}

	auth := &authoritativeResolver{cfg: e.cfg, client: e.verifier}
	authFcs, authMode, err := auth.resolve(ctx, unitID, fields)
	if err != nil {
		// The budget was spent but the source failed; keep the majority
		// result instead of failing the unit.
		zap.L().Warn("consensus: spot check failed, keeping majority result",
			zap.String("unit", unitID),
			zap.Error(err),
		)
		res.Unverified = true
		return fcs, mode, nil
	}
	return authFcs, authMode, nil
}

// collectVotes builds the per-field vote table from accepted submissions,
// weighting each vote by the submitter's current trust score.
func (e *Engine) collectVotes(ctx context.Context, subs []model.Submission) (map[string]fieldVotes, error) {
	fields := make(map[string]fieldVotes)

	add := func(key string, kind model.FieldKind, v vote) {
		fv, ok := fields[key]
		if !ok {
			fv = fieldVotes{kind: kind}
		}
		if fv.kind != kind {
			return // mismatched kind for the same key, skip the vote
		}
		fv.votes = append(fv.votes, v)
		fields[key] = fv
	}

	for _, s := range subs {
		rec, err := e.cred.Get(ctx, s.SubmitterID)
		if err != nil {
			return nil, eris.Wrapf(err, "consensus: credibility for %s", s.SubmitterID)
		}
		w := rec.Score

		add(model.FieldRecordCount, model.FieldKindNumeric, vote{
			submitterID: s.SubmitterID,
			weight:      w,
			value:       model.FieldVote{Kind: model.FieldKindNumeric, Number: float64(s.RecordCount)},
		})
		if len(s.RecordIDs) > 0 {
			add(model.FieldRecordIDs, model.FieldKindIDSet, vote{
				submitterID: s.SubmitterID,
				weight:      w,
				value:       model.FieldVote{Kind: model.FieldKindIDSet, Members: s.RecordIDs},
			})
		}
		for key, fv := range s.Fields {
			add(key, fv.Kind, vote{submitterID: s.SubmitterID, weight: w, value: fv})
		}
	}
	return fields, nil
}

// applyCredibility issues trust updates and verdicts from a finished
// result. Unresolved fields contribute nothing. Flagged submitters take
// the anomaly penalty even when their values matched consensus.
// Non-response stays neutral until the configured streak.
func (e *Engine) applyCredibility(ctx context.Context, res *model.ConsensusResult, accepted []model.Submission) ([]model.Verdict, error) {
	flagged := make(map[string]bool, len(res.Flagged))
	for _, id := range res.Flagged {
		flagged[id] = true
	}

	agrees := make(map[string]int)
	disagrees := make(map[string]int)
	for _, fc := range res.Fields {
		if fc.Status != model.FieldStatusResolved {
			continue
		}
		for _, id := range fc.Agreeing {
			agrees[id]++
		}
		for _, id := range fc.Outliers {
			disagrees[id]++
		}
	}

	var verdicts []model.Verdict
	issue := func(submitterID string, outcome model.VerdictOutcome, rec model.CredibilityRecord) {
		verdicts = append(verdicts, model.Verdict{
			ID:          uuid.New().String(),
			EpochID:     res.EpochID,
			UnitID:      res.UnitID,
			SubmitterID: submitterID,
			Outcome:     outcome,
			TrustAfter:  rec.Score,
			IssuedAt:    e.now().UTC(),
		})
	}

	for _, s := range accepted {
		id := s.SubmitterID
		var u credibility.Update
		var outcome model.VerdictOutcome

		switch {
		case flagged[id]:
			u = credibility.Update{Kind: credibility.KindAnomaly, Signal: 0, Alpha: e.cfg.AnomalyAlpha}
			outcome = model.VerdictFlagged
		case disagrees[id] > agrees[id]:
			u = credibility.Update{Kind: credibility.KindDisagreement, Signal: 0, Alpha: e.cfg.OutlierAlpha}
			outcome = model.VerdictFail
		case agrees[id] > 0:
			u = credibility.Update{Kind: credibility.KindAgreement, Signal: 1, Alpha: e.cfg.AgreeAlpha}
			outcome = model.VerdictPass
		default:
			// Every field the submitter voted on failed to resolve;
			// credibility-neutral.
			rec, err := e.cred.Get(ctx, id)
			if err != nil {
				return nil, eris.Wrapf(err, "consensus: credibility for %s", id)
			}
			issue(id, model.VerdictNeutral, rec)
			continue
		}

		rec, err := e.cred.Apply(ctx, id, u)
		if err != nil {
			return nil, eris.Wrapf(err, "consensus: apply update for %s", id)
		}
		issue(id, outcome, rec)
	}

	for _, id := range res.NonResponsive {
		rec, err := e.cred.Apply(ctx, id, credibility.Update{Kind: credibility.KindNoResponse})
		if err != nil {
			return nil, eris.Wrapf(err, "consensus: record non-response for %s", id)
		}
		if rec.NoResponseStreak >= e.cfg.NoResponseStreak {
			rec, err = e.cred.Apply(ctx, id, credibility.Update{
				Kind:   credibility.KindDisagreement,
				Signal: 0,
				Alpha:  e.cfg.NoResponseAlpha,
			})
			if err != nil {
				return nil, eris.Wrapf(err, "consensus: penalize non-response for %s", id)
			}
		}
		issue(id, model.VerdictNoResponse, rec)
	}

	return verdicts, nil
}

// EvaluateBatch fans evaluation out across the batch's units with bounded
// concurrency. A failure in one unit is logged and skipped; it never
// aborts the other units.
func (e *Engine) EvaluateBatch(ctx context.Context, batch *model.AssignmentBatch, subsByUnit map[string][]model.Submission) []*UnitEvaluation {
	g, ctx := errgroup.WithContext(ctx)
	limit := e.cfg.MaxConcurrency
	if limit <= 0 {
		limit = 8
	}
	g.SetLimit(limit)

	results := make([]*UnitEvaluation, len(batch.UnitIDs))
	for i, unitID := range batch.UnitIDs {
		g.Go(func() error {
			ev, err := e.EvaluateUnit(ctx, batch, unitID, subsByUnit[unitID])
			if err != nil {
				zap.L().Error("consensus: unit evaluation failed",
					zap.String("epoch", batch.EpochID),
					zap.String("unit", unitID),
					zap.Error(err),
				)
				return nil // isolate unit failures
			}
			results[i] = ev
			return nil
		})
	}
	g.Wait()

	out := results[:0]
	for _, ev := range results {
		if ev != nil {
			out = append(out, ev)
		}
	}
	return out
}

func splitByDeadline(subs []model.Submission, deadline time.Time) (accepted []model.Submission, lateSenders []string) {
	for _, s := range subs {
		if s.SubmittedAt.After(deadline) {
			lateSenders = append(lateSenders, s.SubmitterID)
			continue
		}
		accepted = append(accepted, s)
	}
	return accepted, lateSenders
}

func missingFrom(expected []string, accepted []model.Submission) []string {
	reported := make(map[string]bool, len(accepted))
	for _, s := range accepted {
		reported[s.SubmitterID] = true
	}
	var missing []string
	for _, id := range expected {
		if !reported[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// overallConfidence is the mean field confidence; zero when no fields
// voted.
func overallConfidence(fields []model.FieldConsensus) float64 {
	if len(fields) == 0 {
		return 0
	}
	var sum float64
	for _, fc := range fields {
		sum += fc.Confidence
	}
	return sum / float64(len(fields))
}
