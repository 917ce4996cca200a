package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridharvest/coordinator/internal/consensus"
	"github.com/gridharvest/coordinator/internal/epoch"
	"github.com/gridharvest/coordinator/internal/model"
	"github.com/gridharvest/coordinator/internal/store"
)

// Evaluator drives consensus evaluation. Each unit is evaluated exactly
// once, as soon as all expected submitters have reported or the epoch
// deadline passes, whichever comes first. Credibility updates happen only
// after winning the store's write-once result row, so concurrent
// evaluators sharing a credibility store never double-count a unit.
type Evaluator struct {
	schedule epoch.Schedule
	engine   *consensus.Engine
	store    store.Store

	// Lookback bounds how many past epochs each pass revisits for
	// stragglers. Defaults to two epochs.
	Lookback int

	now func() time.Time
}

// NewEvaluator creates a consensus evaluator.
func NewEvaluator(sched epoch.Schedule, engine *consensus.Engine, st store.Store) *Evaluator {
	return &Evaluator{
		schedule: sched,
		engine:   engine,
		store:    st,
		Lookback: 2,
		now:      time.Now,
	}
}

// WithClock overrides the clock. Test hook.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// EvaluateEpoch evaluates every ready, not-yet-evaluated unit in the
// epoch's batch. Returns the number of units evaluated.
func (e *Evaluator) EvaluateEpoch(ctx context.Context, epochID string) (int, error) {
	batch, err := e.store.GetBatch(ctx, epochID)
	if err != nil {
		return 0, eris.Wrapf(err, "evaluator: get batch %s", epochID)
	}
	if batch == nil || len(batch.UnitIDs) == 0 {
		return 0, nil
	}

	subsByUnit, err := e.store.SubmissionsByUnit(ctx, epochID)
	if err != nil {
		return 0, eris.Wrapf(err, "evaluator: submissions for %s", epochID)
	}

	now := e.now().UTC()
	pending := &model.AssignmentBatch{}
	*pending = *batch
	pending.UnitIDs = nil

	for _, unitID := range batch.UnitIDs {
		done, err := e.store.HasResult(ctx, epochID, unitID)
		if err != nil {
			return 0, eris.Wrapf(err, "evaluator: has result %s/%s", epochID, unitID)
		}
		if done {
			continue
		}
		expected := len(batch.ExpectedSubmitters(unitID))
		received := len(subsByUnit[unitID])
		if !consensus.ShouldEvaluate(expected, received, now, batch.Deadline) {
			continue
		}
		pending.UnitIDs = append(pending.UnitIDs, unitID)
	}
	if len(pending.UnitIDs) == 0 {
		return 0, nil
	}

	evals := e.engine.EvaluateBatch(ctx, pending, subsByUnit)
	var saved int
	for _, ev := range evals {
		won, err := e.store.SaveResult(ctx, ev.Result)
		if err != nil {
			zap.L().Error("evaluator: save result failed",
				zap.String("epoch", epochID),
				zap.String("unit", ev.Result.UnitID),
				zap.Error(err),
			)
			continue
		}
		if !won {
			// Another evaluator claimed the unit between our HasResult
			// check and the save; its commit owns the credibility updates.
			continue
		}
		if err := e.engine.Commit(ctx, ev); err != nil {
			zap.L().Error("evaluator: commit credibility failed",
				zap.String("epoch", epochID),
				zap.String("unit", ev.Result.UnitID),
				zap.Error(err),
			)
			continue
		}
		if err := e.store.SaveVerdicts(ctx, ev.Verdicts); err != nil {
			zap.L().Error("evaluator: save verdicts failed",
				zap.String("epoch", epochID),
				zap.String("unit", ev.Result.UnitID),
				zap.Error(err),
			)
		}
		saved++
	}

	zap.L().Info("evaluator: epoch pass complete",
		zap.String("epoch", epochID),
		zap.Int("evaluated", saved),
		zap.Int("pending", len(pending.UnitIDs)-saved),
	)
	return saved, nil
}

// Tick runs one evaluation pass over the current epoch and the lookback
// window behind it.
func (e *Evaluator) Tick(ctx context.Context) error {
	now := e.now().UTC()
	idx := e.schedule.Index(now)

	lookback := e.Lookback
	if lookback < 1 {
		lookback = 1
	}
	for i := int64(0); i <= int64(lookback); i++ {
		id := epoch.IDForIndex(idx - i)
		if _, err := e.EvaluateEpoch(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Run ticks every interval until the context ends.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				zap.L().Error("evaluator: tick failed", zap.Error(err))
			}
		}
	}
}
