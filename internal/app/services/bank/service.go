// Package bank keeps per-address balances. Players pay entrance fees from
// their wallet and the raffle pays winners into it.
package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
	"github.com/R3E-Network/raffle_layer/internal/app/storage"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

var (
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	ErrInvalidAmount     = errors.New("bank: amount must be positive")
	ErrBalanceOverflow   = errors.New("bank: balance overflow")
	// ErrTransferRefused is returned by Pay for addresses that refuse payments.
	ErrTransferRefused = errors.New("bank: recipient refused transfer")
)

// Service manages wallet balances. Every change is a single increment in the
// store, so payouts staged inside a raffle transaction never race deposits.
type Service struct {
	store storage.WalletStore
	log   *logger.Logger

	mu      sync.RWMutex
	blocked map[account.Address]struct{}
}

// New constructs a bank service.
func New(store storage.WalletStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("bank")
	}
	return &Service{
		store:   store,
		log:     log,
		blocked: make(map[account.Address]struct{}),
	}
}

// Wallet returns the wallet for addr. Unknown addresses have a zero balance.
func (s *Service) Wallet(ctx context.Context, addr account.Address) (account.Wallet, error) {
	w, err := s.store.GetWallet(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		return account.Wallet{Address: addr}, nil
	}
	return w, err
}

func (s *Service) Balance(ctx context.Context, addr account.Address) (uint64, error) {
	w, err := s.Wallet(ctx, addr)
	if err != nil {
		return 0, err
	}
	return w.Balance, nil
}

// Wallets lists every known wallet.
func (s *Service) Wallets(ctx context.Context) ([]account.Wallet, error) {
	return s.store.ListWallets(ctx)
}

func (s *Service) Deposit(ctx context.Context, addr account.Address, amount uint64) (account.Wallet, error) {
	if amount == 0 {
		return account.Wallet{}, ErrInvalidAmount
	}
	w, err := credit(ctx, s.store, addr, amount)
	if err != nil {
		return account.Wallet{}, err
	}
	s.log.WithField("address", addr).WithField("amount", amount).Debug("deposit recorded")
	return w, nil
}

func (s *Service) Withdraw(ctx context.Context, addr account.Address, amount uint64) (account.Wallet, error) {
	if amount == 0 {
		return account.Wallet{}, ErrInvalidAmount
	}
	return debit(ctx, s.store, addr, amount)
}

// Transfer moves amount between two wallets.
func (s *Service) Transfer(ctx context.Context, from, to account.Address, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if _, err := debit(ctx, s.store, from, amount); err != nil {
		return err
	}
	if _, err := credit(ctx, s.store, to, amount); err != nil {
		if _, restoreErr := credit(ctx, s.store, from, amount); restoreErr != nil {
			s.log.WithError(restoreErr).
				WithField("address", from).
				WithField("amount", amount).
				Error("restore debited funds failed")
		}
		return err
	}
	return nil
}

// Pay credits a raffle payout to to through wallets, the transactional view
// the raffle settles in. A nil wallets uses the bank's own store. Addresses
// marked with Block refuse the payment.
func (s *Service) Pay(ctx context.Context, wallets storage.WalletStore, to account.Address, amount uint64) error {
	if s.isBlocked(to) {
		s.log.WithField("address", to).WithField("amount", amount).Warn("payout refused by recipient")
		return fmt.Errorf("%w: %s", ErrTransferRefused, to)
	}
	if wallets == nil {
		wallets = s.store
	}
	if _, err := credit(ctx, wallets, to, amount); err != nil {
		return err
	}
	s.log.WithField("address", to).WithField("amount", amount).Info("payout staged")
	return nil
}

// Block makes Pay refuse payments to addr.
func (s *Service) Block(addr account.Address) {
	s.mu.Lock()
	s.blocked[addr] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) Unblock(addr account.Address) {
	s.mu.Lock()
	delete(s.blocked, addr)
	s.mu.Unlock()
}

func (s *Service) isBlocked(addr account.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocked[addr]
	return ok
}

func credit(ctx context.Context, wallets storage.WalletStore, addr account.Address, amount uint64) (account.Wallet, error) {
	w, err := wallets.Credit(ctx, addr, amount)
	if errors.Is(err, storage.ErrBalanceOverflow) {
		return account.Wallet{}, ErrBalanceOverflow
	}
	return w, err
}

func debit(ctx context.Context, wallets storage.WalletStore, addr account.Address, amount uint64) (account.Wallet, error) {
	w, err := wallets.Debit(ctx, addr, amount)
	if errors.Is(err, storage.ErrInsufficientBalance) {
		return account.Wallet{}, ErrInsufficientFunds
	}
	return w, err
}
