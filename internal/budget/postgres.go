package budget

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

// PgxPool is the subset of pgxpool.Pool the ledger needs. pgxmock
// satisfies it in tests.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresLedger implements Ledger on a pgx pool. Row locks taken by the
// conditional UPDATEs serialize concurrent acquirers.
type PostgresLedger struct {
	pool PgxPool
}

// NewPostgresLedger wraps an existing pool. Migrate must have created the
// budget_ledger table.
func NewPostgresLedger(pool PgxPool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// PostgresMigration is the ledger DDL, applied by the store migrate path.
const PostgresMigration = `
CREATE TABLE IF NOT EXISTS budget_ledger (
	resource TEXT NOT NULL,
	period   TEXT NOT NULL,
	used     BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (resource, period)
);
`

func (l *PostgresLedger) TryAcquire(ctx context.Context, resource string, now time.Time, dayLimit, monthLimit int64) (Usage, bool, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Usage{}, false, eris.Wrap(err, "budget: begin tx")
	}
	defer tx.Rollback(ctx)

	dayKey := DayKey(now)
	monthKey := MonthKey(now)

	for _, period := range []string{dayKey, monthKey} {
		if _, err := tx.Exec(ctx,
			`INSERT INTO budget_ledger (resource, period, used) VALUES ($1, $2, 0)
			 ON CONFLICT (resource, period) DO NOTHING`,
			resource, period,
		); err != nil {
			return Usage{}, false, eris.Wrap(err, "budget: seed ledger row")
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE budget_ledger SET used = used + 1 WHERE resource = $1 AND period = $2 AND used < $3`,
		resource, dayKey, dayLimit,
	)
	if err != nil {
		return Usage{}, false, eris.Wrap(err, "budget: increment day")
	}
	if tag.RowsAffected() == 0 {
		u, rerr := l.readUsageTx(ctx, tx, resource, dayKey, monthKey)
		if rerr != nil {
			return Usage{}, false, rerr
		}
		return u, false, nil
	}

	if monthLimit > 0 {
		tag, err = tx.Exec(ctx,
			`UPDATE budget_ledger SET used = used + 1 WHERE resource = $1 AND period = $2 AND used < $3`,
			resource, monthKey, monthLimit,
		)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE budget_ledger SET used = used + 1 WHERE resource = $1 AND period = $2`,
			resource, monthKey,
		)
	}
	if err != nil {
		return Usage{}, false, eris.Wrap(err, "budget: increment month")
	}
	if tag.RowsAffected() == 0 {
		u, rerr := l.readUsageTx(ctx, tx, resource, dayKey, monthKey)
		if rerr != nil {
			return Usage{}, false, rerr
		}
		u.Day--
		return u, false, nil
	}

	u, err := l.readUsageTx(ctx, tx, resource, dayKey, monthKey)
	if err != nil {
		return Usage{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Usage{}, false, eris.Wrap(err, "budget: commit")
	}
	return u, true, nil
}

func (l *PostgresLedger) readUsageTx(ctx context.Context, tx pgx.Tx, resource, dayKey, monthKey string) (Usage, error) {
	var u Usage
	for _, p := range []struct {
		key  string
		dest *int64
	}{{dayKey, &u.Day}, {monthKey, &u.Month}} {
		row := tx.QueryRow(ctx,
			`SELECT used FROM budget_ledger WHERE resource = $1 AND period = $2`,
			resource, p.key,
		)
		if err := row.Scan(p.dest); err != nil && err != pgx.ErrNoRows {
			return Usage{}, eris.Wrap(err, "budget: read usage")
		}
	}
	return u, nil
}

func (l *PostgresLedger) Usage(ctx context.Context, resource string, now time.Time) (Usage, error) {
	var u Usage
	for _, p := range []struct {
		key  string
		dest *int64
	}{{DayKey(now), &u.Day}, {MonthKey(now), &u.Month}} {
		row := l.pool.QueryRow(ctx,
			`SELECT used FROM budget_ledger WHERE resource = $1 AND period = $2`,
			resource, p.key,
		)
		if err := row.Scan(p.dest); err != nil && err != pgx.ErrNoRows {
			return Usage{}, eris.Wrap(err, "budget: read usage")
		}
	}
	return u, nil
}

func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}
