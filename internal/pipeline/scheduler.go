package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridharvest/coordinator/internal/assign"
	"github.com/gridharvest/coordinator/internal/epoch"
	"github.com/gridharvest/coordinator/internal/model"
	"github.com/gridharvest/coordinator/internal/registry"
	"github.com/gridharvest/coordinator/internal/store"
)

// Scheduler drives the epoch lifecycle: it ensures the current epoch has
// a published assignment batch, and prunes batches past retention. The
// batch build is deterministic given the shared secret, so concurrent
// schedulers on different aggregators produce identical batches and the
// store's first-write-wins semantics make the race harmless.
type Scheduler struct {
	schedule epoch.Schedule
	manager  *assign.Manager
	registry *registry.Registry
	store    store.Store

	// CooldownEpochs is how many past epochs a unit stays ineligible
	// after being assigned.
	CooldownEpochs int

	now func() time.Time
}

// NewScheduler creates an epoch scheduler.
func NewScheduler(sched epoch.Schedule, mgr *assign.Manager, reg *registry.Registry, st store.Store, cooldownEpochs int) *Scheduler {
	return &Scheduler{
		schedule:       sched,
		manager:        mgr,
		registry:       reg,
		store:          st,
		CooldownEpochs: cooldownEpochs,
		now:            time.Now,
	}
}

// WithClock overrides the clock. Test hook.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// EnsureBatch returns the batch for ep, building and persisting it if no
// aggregator has yet. Retrieval is idempotent: once a batch exists for an
// epoch, every caller gets the stored one.
func (s *Scheduler) EnsureBatch(ctx context.Context, ep model.Epoch) (*model.AssignmentBatch, error) {
	batch, err := s.store.GetBatch(ctx, ep.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: get batch %s", ep.ID)
	}
	if batch != nil {
		return batch, nil
	}

	cooldown := time.Duration(s.CooldownEpochs) * s.schedule.Duration
	recent, err := s.store.RecentUnitIDs(ctx, ep.Start.Add(-cooldown))
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: recent unit ids")
	}

	built := s.manager.BuildBatch(ep, recent, s.registry.Pool())
	if err := s.store.SaveBatch(ctx, built); err != nil {
		return nil, eris.Wrapf(err, "scheduler: save batch %s", ep.ID)
	}

	// Another aggregator may have won the write race; re-read so every
	// caller serves the canonical stored batch.
	stored, err := s.store.GetBatch(ctx, ep.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "scheduler: reread batch %s", ep.ID)
	}
	if stored != nil {
		return stored, nil
	}
	return built, nil
}

// Tick runs one scheduler pass: ensure the current epoch's batch exists
// and prune expired ones.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now().UTC()
	ep := s.schedule.At(now)

	if _, err := s.EnsureBatch(ctx, ep); err != nil {
		return err
	}

	pruned, err := s.store.PruneBatches(ctx, now.Add(-s.schedule.Retention))
	if err != nil {
		return eris.Wrap(err, "scheduler: prune batches")
	}
	if pruned > 0 {
		zap.L().Info("scheduler: pruned expired batches", zap.Int("count", pruned))
	}
	return nil
}

// Run ticks immediately and then every interval until the context ends.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if err := s.Tick(ctx); err != nil {
		zap.L().Error("scheduler: tick failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				zap.L().Error("scheduler: tick failed", zap.Error(err))
			}
		}
	}
}
