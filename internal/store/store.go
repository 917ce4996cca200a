package store

import (
	"context"
	"time"

	"github.com/gridharvest/coordinator/internal/model"
)

// Participation summarizes submitter activity for one epoch, feeding the
// status endpoint.
type Participation struct {
	EpochID         string `json:"epoch_id"`
	Submitters      int    `json:"submitters"`
	Submissions     int    `json:"submissions"`
	UnitsReported   int    `json:"units_reported"`
	ResultsComputed int    `json:"results_computed"`
}

// Store is the coordinator's persistence interface: assignment batches,
// submissions, consensus results, and verdicts. Implementations must make
// SaveBatch and SaveResult idempotent (first write wins) since multiple
// aggregators may race to persist identical derived state.
type Store interface {
	// Batches
	SaveBatch(ctx context.Context, batch *model.AssignmentBatch) error
	GetBatch(ctx context.Context, epochID string) (*model.AssignmentBatch, error)
	RecentUnitIDs(ctx context.Context, since time.Time) (map[string]bool, error)
	PruneBatches(ctx context.Context, before time.Time) (int, error)

	// Submissions. Upsert replaces the previous row for the same
	// (epoch, unit, submitter); the deadline gate lives at the API layer.
	UpsertSubmission(ctx context.Context, sub model.Submission) error
	ListSubmissions(ctx context.Context, epochID, unitID string) ([]model.Submission, error)
	SubmissionsByUnit(ctx context.Context, epochID string) (map[string][]model.Submission, error)

	// Consensus results, write-once per (epoch, unit). SaveResult reports
	// whether this call claimed the row; racing evaluators use the claim
	// to decide who applies the credibility side effects.
	SaveResult(ctx context.Context, res *model.ConsensusResult) (bool, error)
	HasResult(ctx context.Context, epochID, unitID string) (bool, error)
	ListResults(ctx context.Context, epochID string) ([]model.ConsensusResult, error)

	// Verdicts
	SaveVerdicts(ctx context.Context, verdicts []model.Verdict) error
	ListVerdicts(ctx context.Context, epochID string) ([]model.Verdict, error)

	// Observability
	Participation(ctx context.Context, epochID string) (*Participation, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
