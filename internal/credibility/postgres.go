package credibility

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/gridharvest/coordinator/internal/model"
)

// PgxPool is the subset of pgxpool.Pool the credibility store needs.
// pgxmock satisfies it in tests.
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

// PostgresMigration creates the credibility table.
const PostgresMigration = `
CREATE TABLE IF NOT EXISTS credibility (
	submitter_id       TEXT PRIMARY KEY,
	score              DOUBLE PRECISION NOT NULL,
	agreements         BIGINT NOT NULL DEFAULT 0,
	disagreements      BIGINT NOT NULL DEFAULT 0,
	anomalies          BIGINT NOT NULL DEFAULT 0,
	no_responses       BIGINT NOT NULL DEFAULT 0,
	no_response_streak BIGINT NOT NULL DEFAULT 0,
	updated_at         TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool PgxPool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the credibility table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresMigration)
	return eris.Wrap(err, "credibility: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const selectRecord = `SELECT submitter_id, score, agreements, disagreements, anomalies,
       no_responses, no_response_streak, updated_at
 FROM credibility WHERE submitter_id = $1`

func (s *PostgresStore) Get(ctx context.Context, submitterID string) (model.CredibilityRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, selectRecord, submitterID))
	if err == pgx.ErrNoRows {
		return model.CredibilityRecord{
			SubmitterID: submitterID,
			Score:       model.DefaultTrustScore,
		}, nil
	}
	if err != nil {
		return model.CredibilityRecord{}, eris.Wrapf(err, "credibility: get %s", submitterID)
	}
	return rec, nil
}

func (s *PostgresStore) Apply(ctx context.Context, submitterID string, u Update) (model.CredibilityRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.CredibilityRecord{}, eris.Wrap(err, "credibility: begin tx")
	}
	defer tx.Rollback(ctx)

	// Seed, then lock the row for the read-modify-write.
	if _, err := tx.Exec(ctx,
		`INSERT INTO credibility (submitter_id, score, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (submitter_id) DO NOTHING`,
		submitterID, model.DefaultTrustScore, time.Now().UTC(),
	); err != nil {
		return model.CredibilityRecord{}, eris.Wrap(err, "credibility: seed record")
	}

	rec, err := scanRecord(tx.QueryRow(ctx, selectRecord+` FOR UPDATE`, submitterID))
	if err != nil {
		return model.CredibilityRecord{}, eris.Wrapf(err, "credibility: read %s", submitterID)
	}

	rec.Score = Blend(rec.Score, u)
	bump(&rec, u.Kind)
	rec.UpdatedAt = time.Now().UTC()

	if _, err := tx.Exec(ctx,
		`UPDATE credibility SET score = $1, agreements = $2, disagreements = $3,
		        anomalies = $4, no_responses = $5, no_response_streak = $6, updated_at = $7
		 WHERE submitter_id = $8`,
		rec.Score, rec.Agreements, rec.Disagreements, rec.Anomalies,
		rec.NoResponses, rec.NoResponseStreak, rec.UpdatedAt, submitterID,
	); err != nil {
		return model.CredibilityRecord{}, eris.Wrapf(err, "credibility: update %s", submitterID)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.CredibilityRecord{}, eris.Wrap(err, "credibility: commit")
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]model.CredibilityRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT submitter_id, score, agreements, disagreements, anomalies,
		        no_responses, no_response_streak, updated_at
		 FROM credibility ORDER BY submitter_id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "credibility: list")
	}
	defer rows.Close()

	var out []model.CredibilityRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "credibility: scan record")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "credibility: list iterate")
}
