package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
	"github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
	q  sqlx.ExtContext
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	x := sqlx.NewDb(db, "postgres")
	return &Store{db: x, q: x}
}

// Open connects to dsn with the lib/pq driver and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db.DB, nil
}

// Amounts and request ids are unsigned 64-bit and stored as NUMERIC(20,0);
// they are written as decimal text because database/sql rejects uint64
// parameters with the high bit set.
func numeric(v uint64) string {
	return strconv.FormatUint(v, 10)
}

// --- RaffleStore ------------------------------------------------------------

type roundRow struct {
	Number           uint64         `db:"number"`
	State            int16          `db:"state"`
	Players          []byte         `db:"players"`
	Balance          uint64         `db:"balance"`
	LastTimestamp    time.Time      `db:"last_timestamp"`
	PendingRequestID uint64         `db:"pending_request_id"`
	RecentWinner     sql.NullString `db:"recent_winner"`
	StalledWord      sql.NullString `db:"stalled_word"`
}

func (s *Store) LoadRound(ctx context.Context) (raffle.Round, error) {
	var row roundRow
	err := sqlx.GetContext(ctx, s.q, &row, `
		SELECT number, state, players, balance, last_timestamp, pending_request_id, recent_winner, stalled_word
		FROM raffle_rounds
		WHERE id = 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return raffle.Round{}, storage.ErrNotFound
	}
	if err != nil {
		return raffle.Round{}, err
	}

	round := raffle.Round{
		Number:           row.Number,
		State:            raffle.State(row.State),
		Balance:          row.Balance,
		LastTimestamp:    row.LastTimestamp.UTC(),
		PendingRequestID: row.PendingRequestID,
		RecentWinner:     account.Address(row.RecentWinner.String),
		StalledWord:      row.StalledWord.String,
	}
	if len(row.Players) > 0 {
		if err := json.Unmarshal(row.Players, &round.Players); err != nil {
			return raffle.Round{}, fmt.Errorf("decode players: %w", err)
		}
	}
	return round, nil
}

func (s *Store) SaveRound(ctx context.Context, round raffle.Round) error {
	players := round.Players
	if players == nil {
		players = []account.Address{}
	}
	playersJSON, err := json.Marshal(players)
	if err != nil {
		return err
	}

	_, err = s.q.ExecContext(ctx, `
		INSERT INTO raffle_rounds (id, number, state, players, balance, last_timestamp, pending_request_id, recent_winner, stalled_word, updated_at)
		VALUES (1, $1, $2, $3, $4::numeric, $5, $6::numeric, NULLIF($7, ''), NULLIF($8, ''), $9)
		ON CONFLICT (id) DO UPDATE
		SET number = EXCLUDED.number,
		    state = EXCLUDED.state,
		    players = EXCLUDED.players,
		    balance = EXCLUDED.balance,
		    last_timestamp = EXCLUDED.last_timestamp,
		    pending_request_id = EXCLUDED.pending_request_id,
		    recent_winner = EXCLUDED.recent_winner,
		    stalled_word = EXCLUDED.stalled_word,
		    updated_at = EXCLUDED.updated_at
	`, int64(round.Number), int16(round.State), playersJSON, numeric(round.Balance),
		round.LastTimestamp.UTC(), numeric(round.PendingRequestID), string(round.RecentWinner), round.StalledWord, time.Now().UTC())
	return err
}

type drawRow struct {
	ID          string    `db:"id"`
	Round       uint64    `db:"round"`
	RequestID   uint64    `db:"request_id"`
	RandomWord  string    `db:"random_word"`
	WinnerIndex int       `db:"winner_index"`
	Winner      string    `db:"winner"`
	Payout      uint64    `db:"payout"`
	PlayerCount int       `db:"player_count"`
	DrawnAt     time.Time `db:"drawn_at"`
}

func (s *Store) RecordDraw(ctx context.Context, draw raffle.Draw) error {
	if draw.ID == "" {
		draw.ID = uuid.NewString()
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO raffle_draws (id, round, request_id, random_word, winner_index, winner, payout, player_count, drawn_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7::numeric, $8, $9)
	`, draw.ID, int64(draw.Round), numeric(draw.RequestID), draw.RandomWord, draw.WinnerIndex,
		string(draw.Winner), numeric(draw.Payout), draw.PlayerCount, draw.DrawnAt.UTC())
	return err
}

func (s *Store) ListDraws(ctx context.Context, limit int) ([]raffle.Draw, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []drawRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, `
		SELECT id, round, request_id, random_word, winner_index, winner, payout, player_count, drawn_at
		FROM raffle_draws
		ORDER BY round DESC
		LIMIT $1
	`, limit); err != nil {
		return nil, err
	}

	out := make([]raffle.Draw, 0, len(rows))
	for _, r := range rows {
		out = append(out, raffle.Draw{
			ID:          r.ID,
			Round:       r.Round,
			RequestID:   r.RequestID,
			RandomWord:  r.RandomWord,
			WinnerIndex: r.WinnerIndex,
			Winner:      account.Address(r.Winner),
			Payout:      r.Payout,
			PlayerCount: r.PlayerCount,
			DrawnAt:     r.DrawnAt.UTC(),
		})
	}
	return out, nil
}

// RunInTx runs fn inside a SQL transaction. Nested calls reuse the outer
// transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(tx storage.Store) error) error {
	if _, nested := s.q.(*sqlx.Tx); nested {
		return fn(s)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- WalletStore ------------------------------------------------------------

type walletRow struct {
	Address   string    `db:"address"`
	Balance   uint64    `db:"balance"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r walletRow) wallet() account.Wallet {
	return account.Wallet{
		Address:   account.Address(r.Address),
		Balance:   r.Balance,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func (s *Store) GetWallet(ctx context.Context, addr account.Address) (account.Wallet, error) {
	var row walletRow
	err := sqlx.GetContext(ctx, s.q, &row, `
		SELECT address, balance, created_at, updated_at
		FROM raffle_wallets
		WHERE address = $1
	`, string(addr))
	if errors.Is(err, sql.ErrNoRows) {
		return account.Wallet{}, storage.ErrNotFound
	}
	if err != nil {
		return account.Wallet{}, err
	}
	return row.wallet(), nil
}

// Credit adds amount to the wallet in one statement. The WHERE clause keeps
// the balance inside the uint64 range.
func (s *Store) Credit(ctx context.Context, addr account.Address, amount uint64) (account.Wallet, error) {
	var row walletRow
	err := sqlx.GetContext(ctx, s.q, &row, `
		INSERT INTO raffle_wallets (address, balance, created_at, updated_at)
		VALUES ($1, $2::numeric, $3, $3)
		ON CONFLICT (address) DO UPDATE
		SET balance = raffle_wallets.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
		WHERE raffle_wallets.balance + EXCLUDED.balance <= $4::numeric
		RETURNING address, balance, created_at, updated_at
	`, string(addr), numeric(amount), time.Now().UTC(), numeric(math.MaxUint64))
	if errors.Is(err, sql.ErrNoRows) {
		return account.Wallet{}, storage.ErrBalanceOverflow
	}
	if err != nil {
		return account.Wallet{}, err
	}
	return row.wallet(), nil
}

// Debit subtracts amount only when the wallet holds enough.
func (s *Store) Debit(ctx context.Context, addr account.Address, amount uint64) (account.Wallet, error) {
	var row walletRow
	err := sqlx.GetContext(ctx, s.q, &row, `
		UPDATE raffle_wallets
		SET balance = balance - $2::numeric, updated_at = $3
		WHERE address = $1 AND balance >= $2::numeric
		RETURNING address, balance, created_at, updated_at
	`, string(addr), numeric(amount), time.Now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return account.Wallet{}, storage.ErrInsufficientBalance
	}
	if err != nil {
		return account.Wallet{}, err
	}
	return row.wallet(), nil
}

func (s *Store) ListWallets(ctx context.Context) ([]account.Wallet, error) {
	var rows []walletRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, `
		SELECT address, balance, created_at, updated_at
		FROM raffle_wallets
		ORDER BY address
	`); err != nil {
		return nil, err
	}
	out := make([]account.Wallet, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.wallet())
	}
	return out, nil
}
