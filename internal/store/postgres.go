package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/gridharvest/coordinator/internal/budget"
	"github.com/gridharvest/coordinator/internal/model"
)

// PgxPool is the subset of pgxpool.Pool the store needs. pgxmock
// satisfies it in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pool PgxPool
}

// NewPostgres connects to the database and returns a store.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool. Test hook.
func NewPostgresFromPool(pool PgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying pool so the budget ledger can share the
// connection.
func (s *PostgresStore) Pool() PgxPool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS assignment_batches (
	epoch_id    TEXT PRIMARY KEY,
	epoch_start TIMESTAMPTZ NOT NULL,
	payload     JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS submissions (
	id           TEXT PRIMARY KEY,
	epoch_id     TEXT NOT NULL,
	unit_id      TEXT NOT NULL,
	submitter_id TEXT NOT NULL,
	payload      JSONB NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL,
	UNIQUE (epoch_id, unit_id, submitter_id)
);

CREATE TABLE IF NOT EXISTS consensus_results (
	epoch_id     TEXT NOT NULL,
	unit_id      TEXT NOT NULL,
	payload      JSONB NOT NULL,
	evaluated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (epoch_id, unit_id)
);

CREATE TABLE IF NOT EXISTS verdicts (
	id           TEXT PRIMARY KEY,
	epoch_id     TEXT NOT NULL,
	unit_id      TEXT NOT NULL,
	submitter_id TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	trust_after  DOUBLE PRECISION NOT NULL,
	issued_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_epoch ON submissions(epoch_id);
CREATE INDEX IF NOT EXISTS idx_submissions_epoch_unit ON submissions(epoch_id, unit_id);
CREATE INDEX IF NOT EXISTS idx_verdicts_epoch ON verdicts(epoch_id);
CREATE INDEX IF NOT EXISTS idx_batches_start ON assignment_batches(epoch_start);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	if _, err := s.pool.Exec(ctx, budget.PostgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate budget ledger")
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) SaveBatch(ctx context.Context, batch *model.AssignmentBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal batch")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO assignment_batches (epoch_id, epoch_start, payload) VALUES ($1, $2, $3)
		 ON CONFLICT (epoch_id) DO NOTHING`,
		batch.EpochID, batch.EpochStart.UTC(), payload,
	)
	return eris.Wrapf(err, "postgres: save batch %s", batch.EpochID)
}

func (s *PostgresStore) GetBatch(ctx context.Context, epochID string) (*model.AssignmentBatch, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM assignment_batches WHERE epoch_id = $1`, epochID,
	).Scan(&payload)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get batch %s", epochID)
	}
	var batch model.AssignmentBatch
	if err := json.Unmarshal(payload, &batch); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal batch")
	}
	return &batch, nil
}

func (s *PostgresStore) RecentUnitIDs(ctx context.Context, since time.Time) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM assignment_batches WHERE epoch_start >= $1`, since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent batches")
	}
	defer rows.Close()

	recent := make(map[string]bool)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan batch payload")
		}
		var batch model.AssignmentBatch
		if err := json.Unmarshal(payload, &batch); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal batch")
		}
		for _, id := range batch.UnitIDs {
			recent[id] = true
		}
	}
	return recent, eris.Wrap(rows.Err(), "postgres: recent batches iterate")
}

func (s *PostgresStore) PruneBatches(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM assignment_batches WHERE epoch_start < $1`, before.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune batches")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) UpsertSubmission(ctx context.Context, sub model.Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal submission")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO submissions (id, epoch_id, unit_id, submitter_id, payload, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (epoch_id, unit_id, submitter_id)
		 DO UPDATE SET payload = EXCLUDED.payload, submitted_at = EXCLUDED.submitted_at`,
		sub.ID, sub.EpochID, sub.UnitID, sub.SubmitterID, payload, sub.SubmittedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: upsert submission %s/%s", sub.UnitID, sub.SubmitterID)
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, epochID, unitID string) ([]model.Submission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM submissions WHERE epoch_id = $1 AND unit_id = $2 ORDER BY submitted_at`,
		epochID, unitID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list submissions")
	}
	defer rows.Close()
	return scanPgSubmissions(rows)
}

func (s *PostgresStore) SubmissionsByUnit(ctx context.Context, epochID string) (map[string][]model.Submission, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM submissions WHERE epoch_id = $1 ORDER BY submitted_at`, epochID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: submissions by unit")
	}
	defer rows.Close()

	subs, err := scanPgSubmissions(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]model.Submission)
	for _, sub := range subs {
		out[sub.UnitID] = append(out[sub.UnitID], sub)
	}
	return out, nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, res *model.ConsensusResult) (bool, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return false, eris.Wrap(err, "postgres: marshal result")
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO consensus_results (epoch_id, unit_id, payload, evaluated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (epoch_id, unit_id) DO NOTHING`,
		res.EpochID, res.UnitID, payload, res.EvaluatedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: save result %s/%s", res.EpochID, res.UnitID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) HasResult(ctx context.Context, epochID, unitID string) (bool, error) {
	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM consensus_results WHERE epoch_id = $1 AND unit_id = $2`,
		epochID, unitID,
	).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "postgres: has result")
	}
	return true, nil
}

func (s *PostgresStore) ListResults(ctx context.Context, epochID string) ([]model.ConsensusResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM consensus_results WHERE epoch_id = $1 ORDER BY unit_id`, epochID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list results")
	}
	defer rows.Close()

	var out []model.ConsensusResult
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		var res model.ConsensusResult
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
		out = append(out, res)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

func (s *PostgresStore) SaveVerdicts(ctx context.Context, verdicts []model.Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin verdicts tx")
	}
	defer tx.Rollback(ctx)

	for _, v := range verdicts {
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO verdicts (id, epoch_id, unit_id, submitter_id, outcome, trust_after, issued_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			v.ID, v.EpochID, v.UnitID, v.SubmitterID, string(v.Outcome), v.TrustAfter, v.IssuedAt.UTC(),
		); err != nil {
			return eris.Wrap(err, "postgres: insert verdict")
		}
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit verdicts")
}

func (s *PostgresStore) ListVerdicts(ctx context.Context, epochID string) ([]model.Verdict, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, epoch_id, unit_id, submitter_id, outcome, trust_after, issued_at
		 FROM verdicts WHERE epoch_id = $1 ORDER BY issued_at`, epochID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list verdicts")
	}
	defer rows.Close()

	var out []model.Verdict
	for rows.Next() {
		var v model.Verdict
		if err := rows.Scan(&v.ID, &v.EpochID, &v.UnitID, &v.SubmitterID, &v.Outcome, &v.TrustAfter, &v.IssuedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan verdict")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list verdicts iterate")
}

func (s *PostgresStore) Participation(ctx context.Context, epochID string) (*Participation, error) {
	p := &Participation{EpochID: epochID}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT submitter_id), COUNT(DISTINCT unit_id)
		 FROM submissions WHERE epoch_id = $1`, epochID,
	).Scan(&p.Submissions, &p.Submitters, &p.UnitsReported)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: participation submissions")
	}

	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM consensus_results WHERE epoch_id = $1`, epochID,
	).Scan(&p.ResultsComputed)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: participation results")
	}
	return p, nil
}

func scanPgSubmissions(rows pgx.Rows) ([]model.Submission, error) {
	var out []model.Submission
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "postgres: scan submission")
		}
		var sub model.Submission
		if err := json.Unmarshal(payload, &sub); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal submission")
		}
		out = append(out, sub)
	}
	return out, eris.Wrap(rows.Err(), "postgres: submissions iterate")
}
