package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/gridharvest/coordinator/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS assignment_batches (
	epoch_id    TEXT PRIMARY KEY,
	epoch_start DATETIME NOT NULL,
	payload     TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS submissions (
	id           TEXT PRIMARY KEY,
	epoch_id     TEXT NOT NULL,
	unit_id      TEXT NOT NULL,
	submitter_id TEXT NOT NULL,
	payload      TEXT NOT NULL,
	submitted_at DATETIME NOT NULL,
	UNIQUE (epoch_id, unit_id, submitter_id)
);

CREATE TABLE IF NOT EXISTS consensus_results (
	epoch_id     TEXT NOT NULL,
	unit_id      TEXT NOT NULL,
	payload      TEXT NOT NULL,
	evaluated_at DATETIME NOT NULL,
	PRIMARY KEY (epoch_id, unit_id)
);

CREATE TABLE IF NOT EXISTS verdicts (
	id           TEXT PRIMARY KEY,
	epoch_id     TEXT NOT NULL,
	unit_id      TEXT NOT NULL,
	submitter_id TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	trust_after  REAL NOT NULL,
	issued_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_submissions_epoch ON submissions(epoch_id);
CREATE INDEX IF NOT EXISTS idx_submissions_epoch_unit ON submissions(epoch_id, unit_id);
CREATE INDEX IF NOT EXISTS idx_verdicts_epoch ON verdicts(epoch_id);
CREATE INDEX IF NOT EXISTS idx_batches_start ON assignment_batches(epoch_start);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveBatch(ctx context.Context, batch *model.AssignmentBatch) error {
	payload, err := json.Marshal(batch)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal batch")
	}
	// First write wins: concurrent aggregators derive identical batches.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assignment_batches (epoch_id, epoch_start, payload) VALUES (?, ?, ?)
		 ON CONFLICT (epoch_id) DO NOTHING`,
		batch.EpochID, batch.EpochStart.UTC(), string(payload),
	)
	return eris.Wrapf(err, "sqlite: save batch %s", batch.EpochID)
}

func (s *SQLiteStore) GetBatch(ctx context.Context, epochID string) (*model.AssignmentBatch, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM assignment_batches WHERE epoch_id = ?`, epochID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get batch %s", epochID)
	}
	var batch model.AssignmentBatch
	if err := json.Unmarshal([]byte(payload), &batch); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal batch")
	}
	return &batch, nil
}

func (s *SQLiteStore) RecentUnitIDs(ctx context.Context, since time.Time) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM assignment_batches WHERE epoch_start >= ?`, since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: recent batches")
	}
	defer rows.Close()

	recent := make(map[string]bool)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan batch payload")
		}
		var batch model.AssignmentBatch
		if err := json.Unmarshal([]byte(payload), &batch); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal batch")
		}
		for _, id := range batch.UnitIDs {
			recent[id] = true
		}
	}
	return recent, eris.Wrap(rows.Err(), "sqlite: recent batches iterate")
}

func (s *SQLiteStore) PruneBatches(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM assignment_batches WHERE epoch_start < ?`, before.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune batches")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: prune rows affected")
}

func (s *SQLiteStore) UpsertSubmission(ctx context.Context, sub model.Submission) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	payload, err := json.Marshal(sub)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal submission")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO submissions (id, epoch_id, unit_id, submitter_id, payload, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (epoch_id, unit_id, submitter_id)
		 DO UPDATE SET payload = excluded.payload, submitted_at = excluded.submitted_at`,
		sub.ID, sub.EpochID, sub.UnitID, sub.SubmitterID, string(payload), sub.SubmittedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert submission %s/%s", sub.UnitID, sub.SubmitterID)
}

func (s *SQLiteStore) ListSubmissions(ctx context.Context, epochID, unitID string) ([]model.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM submissions WHERE epoch_id = ? AND unit_id = ? ORDER BY submitted_at`,
		epochID, unitID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list submissions")
	}
	defer rows.Close()
	return scanSubmissions(rows)
}

func (s *SQLiteStore) SubmissionsByUnit(ctx context.Context, epochID string) (map[string][]model.Submission, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM submissions WHERE epoch_id = ? ORDER BY submitted_at`, epochID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: submissions by unit")
	}
	defer rows.Close()

	subs, err := scanSubmissions(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]model.Submission)
	for _, sub := range subs {
		out[sub.UnitID] = append(out[sub.UnitID], sub)
	}
	return out, nil
}

func (s *SQLiteStore) SaveResult(ctx context.Context, res *model.ConsensusResult) (bool, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: marshal result")
	}
	// Write-once: a unit is evaluated exactly once per epoch. Rows
	// affected tells the caller whether it won the claim.
	r, err := s.db.ExecContext(ctx,
		`INSERT INTO consensus_results (epoch_id, unit_id, payload, evaluated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (epoch_id, unit_id) DO NOTHING`,
		res.EpochID, res.UnitID, string(payload), res.EvaluatedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: save result %s/%s", res.EpochID, res.UnitID)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: save result rows affected")
	}
	return n > 0, nil
}

func (s *SQLiteStore) HasResult(ctx context.Context, epochID, unitID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM consensus_results WHERE epoch_id = ? AND unit_id = ?`,
		epochID, unitID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrap(err, "sqlite: has result")
	}
	return true, nil
}

func (s *SQLiteStore) ListResults(ctx context.Context, epochID string) ([]model.ConsensusResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM consensus_results WHERE epoch_id = ? ORDER BY unit_id`, epochID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list results")
	}
	defer rows.Close()

	var out []model.ConsensusResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		var res model.ConsensusResult
		if err := json.Unmarshal([]byte(payload), &res); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
		out = append(out, res)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

func (s *SQLiteStore) SaveVerdicts(ctx context.Context, verdicts []model.Verdict) error {
	if len(verdicts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin verdicts tx")
	}
	defer tx.Rollback()

	for _, v := range verdicts {
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO verdicts (id, epoch_id, unit_id, submitter_id, outcome, trust_after, issued_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.EpochID, v.UnitID, v.SubmitterID, string(v.Outcome), v.TrustAfter, v.IssuedAt.UTC(),
		); err != nil {
			return eris.Wrap(err, "sqlite: insert verdict")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit verdicts")
}

func (s *SQLiteStore) ListVerdicts(ctx context.Context, epochID string) ([]model.Verdict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, epoch_id, unit_id, submitter_id, outcome, trust_after, issued_at
		 FROM verdicts WHERE epoch_id = ? ORDER BY issued_at`, epochID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list verdicts")
	}
	defer rows.Close()

	var out []model.Verdict
	for rows.Next() {
		var v model.Verdict
		if err := rows.Scan(&v.ID, &v.EpochID, &v.UnitID, &v.SubmitterID, &v.Outcome, &v.TrustAfter, &v.IssuedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan verdict")
		}
		out = append(out, v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list verdicts iterate")
}

func (s *SQLiteStore) Participation(ctx context.Context, epochID string) (*Participation, error) {
	p := &Participation{EpochID: epochID}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT submitter_id), COUNT(DISTINCT unit_id)
		 FROM submissions WHERE epoch_id = ?`, epochID,
	).Scan(&p.Submissions, &p.Submitters, &p.UnitsReported)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: participation submissions")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM consensus_results WHERE epoch_id = ?`, epochID,
	).Scan(&p.ResultsComputed)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: participation results")
	}
	return p, nil
}

func scanSubmissions(rows *sql.Rows) ([]model.Submission, error) {
	var out []model.Submission
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan submission")
		}
		var sub model.Submission
		if err := json.Unmarshal([]byte(payload), &sub); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal submission")
		}
		out = append(out, sub)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: submissions iterate")
}
