package credibility

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/gridharvest/coordinator/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Apply runs in a
// write transaction so concurrent updates to the same submitter serialize.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens the credibility database at dsn in WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "credibility: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "credibility: exec %s", pragma)
		}
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

const credibilityMigration = `
CREATE TABLE IF NOT EXISTS credibility (
	submitter_id       TEXT PRIMARY KEY,
	score              REAL NOT NULL,
	agreements         INTEGER NOT NULL DEFAULT 0,
	disagreements      INTEGER NOT NULL DEFAULT 0,
	anomalies          INTEGER NOT NULL DEFAULT 0,
	no_responses       INTEGER NOT NULL DEFAULT 0,
	no_response_streak INTEGER NOT NULL DEFAULT 0,
	updated_at         DATETIME NOT NULL
);
`

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, credibilityMigration)
	return eris.Wrap(err, "credibility: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Get(ctx context.Context, submitterID string) (model.CredibilityRecord, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT submitter_id, score, agreements, disagreements, anomalies,
		        no_responses, no_response_streak, updated_at
		 FROM credibility WHERE submitter_id = ?`,
		submitterID,
	))
	if err == sql.ErrNoRows {
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

func (s *SQLiteStore) Apply(ctx context.Context, submitterID string, u Update) (model.CredibilityRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.CredibilityRecord{}, eris.Wrap(err, "credibility: begin tx")
	}
	defer tx.Rollback()

	// Seed the row first; the write serializes the transaction.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO credibility (submitter_id, score, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (submitter_id) DO NOTHING`,
		submitterID, model.DefaultTrustScore, time.Now().UTC(),
	); err != nil {
		return model.CredibilityRecord{}, eris.Wrap(err, "credibility: seed record")
	}

	rec, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT submitter_id, score, agreements, disagreements, anomalies,
		        no_responses, no_response_streak, updated_at
		 FROM credibility WHERE submitter_id = ?`,
		submitterID,
	))
	if err != nil {
		return model.CredibilityRecord{}, eris.Wrapf(err, "credibility: read %s", submitterID)
	}

	rec.Score = Blend(rec.Score, u)
	bump(&rec, u.Kind)
	rec.UpdatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx,
		`UPDATE credibility SET score = ?, agreements = ?, disagreements = ?,
		        anomalies = ?, no_responses = ?, no_response_streak = ?, updated_at = ?
		 WHERE submitter_id = ?`,
		rec.Score, rec.Agreements, rec.Disagreements, rec.Anomalies,
		rec.NoResponses, rec.NoResponseStreak, rec.UpdatedAt, submitterID,
	); err != nil {
		return model.CredibilityRecord{}, eris.Wrapf(err, "credibility: update %s", submitterID)
	}

	if err := tx.Commit(); err != nil {
		return model.CredibilityRecord{}, eris.Wrap(err, "credibility: commit")
	}
	return rec, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]model.CredibilityRecord, error) {
	rows, err := s.db.QueryContext(ctx,
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

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (model.CredibilityRecord, error) {
	var rec model.CredibilityRecord
	err := row.Scan(&rec.SubmitterID, &rec.Score, &rec.Agreements, &rec.Disagreements,
		&rec.Anomalies, &rec.NoResponses, &rec.NoResponseStreak, &rec.UpdatedAt)
	return rec, err
}
