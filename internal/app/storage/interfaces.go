package storage

import (
	"context"
	"errors"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
	"github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrInsufficientBalance is returned by Debit when the wallet holds less
	// than the amount.
	ErrInsufficientBalance = errors.New("storage: insufficient balance")
	// ErrBalanceOverflow is returned by Credit when the balance would exceed
	// the uint64 range.
	ErrBalanceOverflow = errors.New("storage: balance overflow")
)

// RaffleStore persists the live round and the history of completed draws.
type RaffleStore interface {
	LoadRound(ctx context.Context) (raffle.Round, error)
	SaveRound(ctx context.Context, round raffle.Round) error
	RecordDraw(ctx context.Context, draw raffle.Draw) error
	ListDraws(ctx context.Context, limit int) ([]raffle.Draw, error)

	// RunInTx executes fn against a transactional view of the store. Writes
	// made through that view, wallet credits included, become visible only
	// if fn returns nil and the commit succeeds.
	RunInTx(ctx context.Context, fn func(tx Store) error) error
}

// WalletStore persists bank balances. Balance changes are applied as
// increments so concurrent writers never overwrite each other.
type WalletStore interface {
	GetWallet(ctx context.Context, addr account.Address) (account.Wallet, error)
	ListWallets(ctx context.Context) ([]account.Wallet, error)
	// Credit adds amount to addr, creating the wallet when needed.
	Credit(ctx context.Context, addr account.Address, amount uint64) (account.Wallet, error)
	// Debit subtracts amount from addr.
	Debit(ctx context.Context, addr account.Address, amount uint64) (account.Wallet, error)
}

// Store is the full persistence surface. Rounds and wallets share it so a
// payout commits together with the round reset.
type Store interface {
	RaffleStore
	WalletStore
}
