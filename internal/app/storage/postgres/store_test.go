package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
	"github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/storage"
	"github.com/R3E-Network/raffle_layer/internal/platform/migrations"
)

var roundColumns = []string{"number", "state", "players", "balance", "last_timestamp", "pending_request_id", "recent_winner", "stalled_word"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestLoadRoundNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT number, state, players").
		WillReturnRows(sqlmock.NewRows(roundColumns))

	_, err := store.LoadRound(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRoundDecodesRow(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery("SELECT number, state, players").
		WillReturnRows(sqlmock.NewRows(roundColumns).
			AddRow(int64(4), int64(1), []byte(`["0xaa","0xbb","0xaa"]`), "30", ts, "7", "0xcc", nil))

	round, err := store.LoadRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), round.Number)
	assert.Equal(t, raffle.StateCalculating, round.State)
	assert.Equal(t, []account.Address{"0xaa", "0xbb", "0xaa"}, round.Players)
	assert.Equal(t, uint64(30), round.Balance)
	assert.Equal(t, uint64(7), round.PendingRequestID)
	assert.Equal(t, account.Address("0xcc"), round.RecentWinner)
	assert.True(t, round.LastTimestamp.Equal(ts))
	assert.Empty(t, round.StalledWord)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStalledWordSurvivesReload(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	round := raffle.Round{
		Number:           5,
		State:            raffle.StateCalculating,
		Players:          []account.Address{"0xaa", "0xbb"},
		Balance:          20,
		LastTimestamp:    ts,
		PendingRequestID: 9,
		StalledWord:      "115792089237316195423570985008687907853269984665640564039457584007913129639935",
	}
	mock.ExpectExec("INSERT INTO raffle_rounds").
		WithArgs(int64(5), int16(1), []byte(`["0xaa","0xbb"]`), "20", ts, "9", "", round.StalledWord, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT number, state, players").
		WillReturnRows(sqlmock.NewRows(roundColumns).
			AddRow(int64(5), int64(1), []byte(`["0xaa","0xbb"]`), "20", ts, "9", nil, round.StalledWord))

	require.NoError(t, store.SaveRound(context.Background(), round))
	loaded, err := store.LoadRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, round.StalledWord, loaded.StalledWord)
	assert.Equal(t, uint64(9), loaded.PendingRequestID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRoundUpserts(t *testing.T) {
	store, mock := newMockStore(t)
	ts := time.Now().UTC()
	mock.ExpectExec("INSERT INTO raffle_rounds").
		WithArgs(int64(2), int16(0), []byte(`[]`), "0", ts, "0", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.SaveRound(context.Background(), raffle.Round{Number: 2, State: raffle.StateOpen, LastTimestamp: ts})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTxRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO raffle_rounds").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	refused := errors.New("transfer refused")
	err := store.RunInTx(context.Background(), func(tx storage.Store) error {
		if err := tx.SaveRound(context.Background(), raffle.Round{Number: 3}); err != nil {
			return err
		}
		return refused
	})
	assert.ErrorIs(t, err, refused)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunInTxCommits(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO raffle_rounds").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO raffle_draws").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.RunInTx(context.Background(), func(tx storage.Store) error {
		if err := tx.SaveRound(context.Background(), raffle.Round{Number: 3}); err != nil {
			return err
		}
		return tx.RecordDraw(context.Background(), raffle.Draw{Round: 2, Winner: "0xaa", Payout: 40, DrawnAt: time.Now()})
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

var walletColumns = []string{"address", "balance", "created_at", "updated_at"}

func TestCreditIncrementsBalance(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectQuery("INSERT INTO raffle_wallets").
		WithArgs("0xaa", "12", sqlmock.AnyArg(), "18446744073709551615").
		WillReturnRows(sqlmock.NewRows(walletColumns).AddRow("0xaa", "40", now, now))

	w, err := store.Credit(context.Background(), "0xaa", 12)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), w.Balance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreditOverflow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("INSERT INTO raffle_wallets").
		WillReturnRows(sqlmock.NewRows(walletColumns))

	_, err := store.Credit(context.Background(), "0xaa", 12)
	assert.ErrorIs(t, err, storage.ErrBalanceOverflow)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitInsufficient(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("UPDATE raffle_wallets").
		WithArgs("0xaa", "50", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(walletColumns))

	_, err := store.Debit(context.Background(), "0xaa", 50)
	assert.ErrorIs(t, err, storage.ErrInsufficientBalance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutCreditRollsBackWithRound(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO raffle_rounds").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO raffle_draws").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO raffle_wallets").
		WithArgs("0xaa", "40", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(walletColumns).AddRow("0xaa", "40", now, now))
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := store.RunInTx(context.Background(), func(tx storage.Store) error {
		if err := tx.SaveRound(context.Background(), raffle.Round{Number: 3}); err != nil {
			return err
		}
		if err := tx.RecordDraw(context.Background(), raffle.Draw{Round: 2, Winner: "0xaa", Payout: 40, DrawnAt: now}); err != nil {
			return err
		}
		_, err := tx.Credit(context.Background(), "0xaa", 40)
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit tx")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, migrations.Apply(ctx, db))

	store := New(db)
	round := raffle.Round{Number: 1, Players: []account.Address{"0xaa"}, Balance: 10, LastTimestamp: time.Now().UTC()}
	require.NoError(t, store.SaveRound(ctx, round))

	loaded, err := store.LoadRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, round.Players, loaded.Players)
	assert.Equal(t, round.Balance, loaded.Balance)

	_, err = store.Credit(ctx, "0xaa", 10)
	require.NoError(t, err)
	w, err := store.Debit(ctx, "0xaa", 4)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, w.Balance, uint64(6))
}
