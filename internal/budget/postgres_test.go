package budget

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresTryAcquireAdmits(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	dayKey, monthKey := DayKey(now), MonthKey(now)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO budget_ledger").
		WithArgs("ground_truth", dayKey).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO budget_ledger").
		WithArgs("ground_truth", monthKey).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec("UPDATE budget_ledger").
		WithArgs("ground_truth", dayKey, int64(30)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE budget_ledger").
		WithArgs("ground_truth", monthKey, int64(1000)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("SELECT used FROM budget_ledger").
		WithArgs("ground_truth", dayKey).
		WillReturnRows(pgxmock.NewRows([]string{"used"}).AddRow(int64(1)))
	mock.ExpectQuery("SELECT used FROM budget_ledger").
		WithArgs("ground_truth", monthKey).
		WillReturnRows(pgxmock.NewRows([]string{"used"}).AddRow(int64(12)))
	mock.ExpectCommit()
	mock.ExpectRollback()

	ledger := NewPostgresLedger(mock)
	u, ok, err := ledger.TryAcquire(context.Background(), "ground_truth", now, 30, 1000)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Usage{Day: 1, Month: 12}, u)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTryAcquireDeniesAtDayLimit(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	dayKey, monthKey := DayKey(now), MonthKey(now)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO budget_ledger").
		WithArgs("ground_truth", dayKey).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec("INSERT INTO budget_ledger").
		WithArgs("ground_truth", monthKey).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	// Day counter already at the limit: the conditional update matches
	// nothing.
	mock.ExpectExec("UPDATE budget_ledger").
		WithArgs("ground_truth", dayKey, int64(30)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT used FROM budget_ledger").
		WithArgs("ground_truth", dayKey).
		WillReturnRows(pgxmock.NewRows([]string{"used"}).AddRow(int64(30)))
	mock.ExpectQuery("SELECT used FROM budget_ledger").
		WithArgs("ground_truth", monthKey).
		WillReturnRows(pgxmock.NewRows([]string{"used"}).AddRow(int64(400)))
	mock.ExpectRollback()

	ledger := NewPostgresLedger(mock)
	u, ok, err := ledger.TryAcquire(context.Background(), "ground_truth", now, 30, 1000)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Usage{Day: 30, Month: 400}, u)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUsage(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT used FROM budget_ledger").
		WithArgs("ground_truth", DayKey(now)).
		WillReturnRows(pgxmock.NewRows([]string{"used"}).AddRow(int64(7)))
	mock.ExpectQuery("SELECT used FROM budget_ledger").
		WithArgs("ground_truth", MonthKey(now)).
		WillReturnRows(pgxmock.NewRows([]string{"used"}).AddRow(int64(70)))

	ledger := NewPostgresLedger(mock)
	u, err := ledger.Usage(context.Background(), "ground_truth", now)
	require.NoError(t, err)
	assert.Equal(t, Usage{Day: 7, Month: 70}, u)

	assert.NoError(t, mock.ExpectationsWereMet())
}
