package budget

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteLedger implements Ledger using modernc.org/sqlite. The check and
// increment run in one write transaction, so concurrent callers serialize
// on the database write lock.
type SQLiteLedger struct {
	db *sql.DB
}

// NewSQLiteLedger opens (or creates) the ledger database in WAL mode.
func NewSQLiteLedger(dsn string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "budget: open sqlite")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "budget: exec %s", pragma)
		}
	}
	l := &SQLiteLedger{db: db}
	if err := l.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

const ledgerMigration = `
CREATE TABLE IF NOT EXISTS budget_ledger (
	resource TEXT NOT NULL,
	period   TEXT NOT NULL,
	used     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (resource, period)
);
`

func (l *SQLiteLedger) migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, ledgerMigration)
	return eris.Wrap(err, "budget: migrate ledger")
}

func (l *SQLiteLedger) TryAcquire(ctx context.Context, resource string, now time.Time, dayLimit, monthLimit int64) (Usage, bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Usage{}, false, eris.Wrap(err, "budget: begin tx")
	}
	defer tx.Rollback()

	dayKey := DayKey(now)
	monthKey := MonthKey(now)

	// Seed both rows; the first write takes the database write lock and
	// serializes this transaction against concurrent acquirers.
	for _, period := range []string{dayKey, monthKey} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO budget_ledger (resource, period, used) VALUES (?, ?, 0)
			 ON CONFLICT (resource, period) DO NOTHING`,
			resource, period,
		); err != nil {
			return Usage{}, false, eris.Wrap(err, "budget: seed ledger row")
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE budget_ledger SET used = used + 1 WHERE resource = ? AND period = ? AND used < ?`,
		resource, dayKey, dayLimit,
	)
	if err != nil {
		return Usage{}, false, eris.Wrap(err, "budget: increment day")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Usage{}, false, eris.Wrap(err, "budget: day rows affected")
	}
	if n == 0 {
		u, rerr := readUsage(ctx, tx, resource, dayKey, monthKey)
		if rerr != nil {
			return Usage{}, false, rerr
		}
		return u, false, nil
	}

	if monthLimit > 0 {
		res, err = tx.ExecContext(ctx,
			`UPDATE budget_ledger SET used = used + 1 WHERE resource = ? AND period = ? AND used < ?`,
			resource, monthKey, monthLimit,
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE budget_ledger SET used = used + 1 WHERE resource = ? AND period = ?`,
			resource, monthKey,
		)
	}
	if err != nil {
		return Usage{}, false, eris.Wrap(err, "budget: increment month")
	}
	n, err = res.RowsAffected()
	if err != nil {
		return Usage{}, false, eris.Wrap(err, "budget: month rows affected")
	}
	if n == 0 {
		// Month exhausted: abandon the day increment too.
		u, rerr := readUsage(ctx, tx, resource, dayKey, monthKey)
		if rerr != nil {
			return Usage{}, false, rerr
		}
		u.Day-- // undo the uncommitted day increment in the returned view
		return u, false, nil
	}

	u, err := readUsage(ctx, tx, resource, dayKey, monthKey)
	if err != nil {
		return Usage{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Usage{}, false, eris.Wrap(err, "budget: commit")
	}
	return u, true, nil
}

func (l *SQLiteLedger) Usage(ctx context.Context, resource string, now time.Time) (Usage, error) {
	return readUsage(ctx, l.db, resource, DayKey(now), MonthKey(now))
}

func (l *SQLiteLedger) Close() error {
	return l.db.Close()
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readUsage(ctx context.Context, q querier, resource, dayKey, monthKey string) (Usage, error) {
	var u Usage
	for _, p := range []struct {
		key  string
		dest *int64
	}{{dayKey, &u.Day}, {monthKey, &u.Month}} {
		row := q.QueryRowContext(ctx,
			`SELECT used FROM budget_ledger WHERE resource = ? AND period = ?`,
			resource, p.key,
		)
		if err := row.Scan(p.dest); err != nil && err != sql.ErrNoRows {
			return Usage{}, eris.Wrap(err, "budget: read usage")
		}
	}
	return u, nil
}
