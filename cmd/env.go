package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/gridharvest/coordinator/internal/assign"
	"github.com/gridharvest/coordinator/internal/budget"
	"github.com/gridharvest/coordinator/internal/catalog"
	"github.com/gridharvest/coordinator/internal/consensus"
	"github.com/gridharvest/coordinator/internal/credibility"
	"github.com/gridharvest/coordinator/internal/epoch"
	"github.com/gridharvest/coordinator/internal/model"
	"github.com/gridharvest/coordinator/internal/monitoring"
	"github.com/gridharvest/coordinator/internal/pipeline"
	"github.com/gridharvest/coordinator/internal/registry"
	"github.com/gridharvest/coordinator/internal/store"
	"github.com/gridharvest/coordinator/internal/verify"
)

// coordEnv wires the coordinator's components from config. Close releases
// every open handle; safe to call on a partially initialized env.
type coordEnv struct {
	Schedule  epoch.Schedule
	Catalog   *catalog.Catalog
	Registry  *registry.Registry
	Store     store.Store
	Ledger    budget.Ledger
	Budget    *budget.Controller
	Cred      credibility.Store
	Manager   *assign.Manager
	Engine    *consensus.Engine
	Scheduler *pipeline.Scheduler
	Evaluator *pipeline.Evaluator
	Collector *monitoring.Collector
}

func (e *coordEnv) Close() {
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			zap.L().Warn("close store", zap.Error(err))
		}
	}
	if e.Ledger != nil {
		if err := e.Ledger.Close(); err != nil {
			zap.L().Warn("close ledger", zap.Error(err))
		}
	}
	if e.Cred != nil {
		if err := e.Cred.Close(); err != nil {
			zap.L().Warn("close credibility store", zap.Error(err))
		}
	}
}

// initCoordinator builds the full component graph from the loaded config.
func initCoordinator(ctx context.Context) (*coordEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	env := &coordEnv{Schedule: cfg.Epoch.Schedule()}

	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}
	env.Catalog = cat

	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		return nil, err
	}
	env.Registry = reg

	if err := env.openStores(ctx); err != nil {
		env.Close()
		return nil, err
	}

	env.Budget = budget.NewController(cfg.Budget, env.Ledger)

	tiers := catalog.TierMultipliers{
		model.TierPrimary:   cfg.Catalog.PrimaryMultiplier,
		model.TierSecondary: cfg.Catalog.SecondaryMultiplier,
		model.TierTertiary:  cfg.Catalog.TertiaryMultiplier,
	}
	env.Manager = assign.NewManager(cat, tiers, cfg.Assignment.Selection(), cfg.Grouping.Grouping(), []byte(cfg.Auth.Secret))

	var verifier verify.Client
	if cfg.Verify.Enabled && cfg.Verify.Key != "" {
		verifier = verify.NewClient(cfg.Verify.Key, cfg.Verify.BaseURL)
	}
	env.Engine = consensus.NewEngine(cfg.Consensus, env.Cred, env.Budget, verifier)

	env.Scheduler = pipeline.NewScheduler(env.Schedule, env.Manager, reg, env.Store, cfg.Epoch.CooldownEpochs)
	env.Evaluator = pipeline.NewEvaluator(env.Schedule, env.Engine, env.Store)
	env.Collector = monitoring.NewCollector(env.Store, env.Budget, env.Cred, cfg.Consensus.SpotCheckResource)

	zap.L().Info("coordinator initialized",
		zap.String("store", cfg.Store.Driver),
		zap.Int("catalog_units", cat.Len()),
		zap.Int("submitters", reg.Len()),
		zap.Bool("verify_enabled", verifier != nil),
	)
	return env, nil
}

func (e *coordEnv) openStores(ctx context.Context) error {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return err
		}
		e.Store = st
		e.Ledger = budget.NewPostgresLedger(st.Pool())
		e.Cred = credibility.NewPostgresStore(st.Pool())

	case "sqlite":
		st, err := store.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		e.Store = st
		ledger, err := budget.NewSQLiteLedger(cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		e.Ledger = ledger
		cred, err := credibility.NewSQLite(cfg.Store.SQLitePath)
		if err != nil {
			return err
		}
		e.Cred = cred

	default:
		return eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	if err := e.Store.Migrate(ctx); err != nil {
		return err
	}
	if pg, ok := e.Cred.(*credibility.PostgresStore); ok {
		return pg.Migrate(ctx)
	}
	return nil
}
