package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridharvest/coordinator/internal/model"
)

func TestPostgresSaveBatch(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	batch := testBatch("ep-100", epochStart)
	mock.ExpectExec("INSERT INTO assignment_batches").
		WithArgs(batch.EpochID, batch.EpochStart.UTC(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	st := NewPostgresFromPool(mock)
	require.NoError(t, st.SaveBatch(context.Background(), batch))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetBatch(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	payload, err := json.Marshal(testBatch("ep-100", epochStart))
	require.NoError(t, err)

	mock.ExpectQuery("SELECT payload FROM assignment_batches").
		WithArgs("ep-100").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}).AddRow(payload))

	st := NewPostgresFromPool(mock)
	got, err := st.GetBatch(context.Background(), "ep-100")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "tok-ep-100", got.Token)
	assert.Equal(t, []string{"u-1", "u-2"}, got.UnitIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetBatchMissing(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT payload FROM assignment_batches").
		WithArgs("ep-none").
		WillReturnRows(pgxmock.NewRows([]string{"payload"}))

	st := NewPostgresFromPool(mock)
	got, err := st.GetBatch(context.Background(), "ep-none")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveResultClaim(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	res := &model.ConsensusResult{EpochID: "ep-100", UnitID: "u-1", EvaluatedAt: epochStart}
	mock.ExpectExec("INSERT INTO consensus_results").
		WithArgs("ep-100", "u-1", pgxmock.AnyArg(), epochStart.UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO consensus_results").
		WithArgs("ep-100", "u-1", pgxmock.AnyArg(), epochStart.UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	st := NewPostgresFromPool(mock)
	won, err := st.SaveResult(context.Background(), res)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = st.SaveResult(context.Background(), res)
	require.NoError(t, err)
	assert.False(t, won, "conflicting insert must report a lost claim")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHasResult(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT 1 FROM consensus_results").
		WithArgs("ep-100", "u-1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("SELECT 1 FROM consensus_results").
		WithArgs("ep-100", "u-2").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}))

	st := NewPostgresFromPool(mock)
	has, err := st.HasResult(context.Background(), "ep-100", "u-1")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = st.HasResult(context.Background(), "ep-100", "u-2")
	require.NoError(t, err)
	assert.False(t, has)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPruneBatches(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	before := epochStart.Add(-7 * 24 * time.Hour)
	mock.ExpectExec("DELETE FROM assignment_batches").
		WithArgs(before.UTC()).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	st := NewPostgresFromPool(mock)
	n, err := st.PruneBatches(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveVerdictsTx(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	verdicts := []model.Verdict{
		{EpochID: "ep-100", UnitID: "u-1", SubmitterID: "s-1", Outcome: model.VerdictPass, TrustAfter: 0.55, IssuedAt: epochStart},
		{EpochID: "ep-100", UnitID: "u-1", SubmitterID: "s-2", Outcome: model.VerdictFail, TrustAfter: 0.42, IssuedAt: epochStart},
	}

	mock.ExpectBegin()
	for _, v := range verdicts {
		mock.ExpectExec("INSERT INTO verdicts").
			WithArgs(pgxmock.AnyArg(), v.EpochID, v.UnitID, v.SubmitterID, string(v.Outcome), v.TrustAfter, v.IssuedAt.UTC()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
	}
	mock.ExpectCommit()
	mock.ExpectRollback()

	st := NewPostgresFromPool(mock)
	require.NoError(t, st.SaveVerdicts(context.Background(), verdicts))
	assert.NoError(t, mock.ExpectationsWereMet())
}
