package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
	"github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu       sync.RWMutex
	round    *raffle.Round
	draws    []raffle.Draw
	wallets  map[account.Address]account.Wallet
	txActive sync.Mutex
}

var _ storage.Store = (*Store)(nil)
var _ storage.Store = (*txView)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		wallets: make(map[account.Address]account.Wallet),
	}
}

// RaffleStore implementation --------------------------------------------------

func (s *Store) LoadRound(_ context.Context) (raffle.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.round == nil {
		return raffle.Round{}, storage.ErrNotFound
	}
	return s.round.Clone(), nil
}

func (s *Store) SaveRound(_ context.Context, round raffle.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := round.Clone()
	s.round = &saved
	return nil
}

func (s *Store) RecordDraw(_ context.Context, draw raffle.Draw) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.draws = append(s.draws, draw)
	return nil
}

// ListDraws returns the most recent draws first.
func (s *Store) ListDraws(_ context.Context, limit int) ([]raffle.Draw, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return newestFirst(s.draws, limit), nil
}

// RunInTx stages writes in a private view and applies them only when fn
// succeeds. Transactions are serialised.
func (s *Store) RunInTx(ctx context.Context, fn func(tx storage.Store) error) error {
	s.txActive.Lock()
	defer s.txActive.Unlock()

	tx := &txView{
		parent:  s,
		credits: make(map[account.Address]uint64),
		debits:  make(map[account.Address]uint64),
	}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Wallets may have moved outside the transaction; check every staged
	// change against the current balances before applying any of them.
	balances := make(map[account.Address]uint64, len(tx.credits)+len(tx.debits))
	for _, addr := range tx.touched() {
		balance, err := applyDelta(s.wallets[addr].Balance, tx.credits[addr], tx.debits[addr])
		if err != nil {
			return err
		}
		balances[addr] = balance
	}

	if tx.round != nil {
		saved := tx.round.Clone()
		s.round = &saved
	}
	s.draws = append(s.draws, tx.draws...)
	now := time.Now().UTC()
	for addr, balance := range balances {
		s.putWallet(addr, balance, now)
	}
	return nil
}

type txView struct {
	parent  *Store
	round   *raffle.Round
	draws   []raffle.Draw
	credits map[account.Address]uint64
	debits  map[account.Address]uint64
}

func (t *txView) LoadRound(ctx context.Context) (raffle.Round, error) {
	if t.round != nil {
		return t.round.Clone(), nil
	}
	return t.parent.LoadRound(ctx)
}

func (t *txView) SaveRound(_ context.Context, round raffle.Round) error {
	staged := round.Clone()
	t.round = &staged
	return nil
}

func (t *txView) RecordDraw(_ context.Context, draw raffle.Draw) error {
	t.draws = append(t.draws, draw)
	return nil
}

func (t *txView) ListDraws(ctx context.Context, limit int) ([]raffle.Draw, error) {
	t.parent.mu.RLock()
	all := append(append([]raffle.Draw(nil), t.parent.draws...), t.draws...)
	t.parent.mu.RUnlock()
	return newestFirst(all, limit), nil
}

func (t *txView) RunInTx(ctx context.Context, fn func(tx storage.Store) error) error {
	return fn(t)
}

func (t *txView) GetWallet(ctx context.Context, addr account.Address) (account.Wallet, error) {
	w, err := t.parent.GetWallet(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		if _, staged := t.credits[addr]; !staged {
			return account.Wallet{}, err
		}
		w = account.Wallet{Address: addr}
	} else if err != nil {
		return account.Wallet{}, err
	}
	balance, err := applyDelta(w.Balance, t.credits[addr], t.debits[addr])
	if err != nil {
		return account.Wallet{}, err
	}
	w.Balance = balance
	return w, nil
}

func (t *txView) ListWallets(ctx context.Context) ([]account.Wallet, error) {
	wallets, err := t.parent.ListWallets(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[account.Address]bool, len(wallets))
	for i := range wallets {
		seen[wallets[i].Address] = true
		if wallets[i], err = t.GetWallet(ctx, wallets[i].Address); err != nil {
			return nil, err
		}
	}
	for _, addr := range t.touched() {
		if seen[addr] {
			continue
		}
		w, err := t.GetWallet(ctx, addr)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	sort.Slice(wallets, func(i, j int) bool { return wallets[i].Address < wallets[j].Address })
	return wallets, nil
}

func (t *txView) Credit(ctx context.Context, addr account.Address, amount uint64) (account.Wallet, error) {
	current := t.credits[addr]
	if current+amount < current {
		return account.Wallet{}, storage.ErrBalanceOverflow
	}
	t.credits[addr] = current + amount
	w, err := t.GetWallet(ctx, addr)
	if err != nil {
		t.credits[addr] = current
		return account.Wallet{}, err
	}
	return w, nil
}

func (t *txView) Debit(ctx context.Context, addr account.Address, amount uint64) (account.Wallet, error) {
	w, err := t.GetWallet(ctx, addr)
	if errors.Is(err, storage.ErrNotFound) {
		w = account.Wallet{Address: addr}
	} else if err != nil {
		return account.Wallet{}, err
	}
	if w.Balance < amount {
		return account.Wallet{}, storage.ErrInsufficientBalance
	}
	t.debits[addr] += amount
	w.Balance -= amount
	return w, nil
}

func (t *txView) touched() []account.Address {
	out := make([]account.Address, 0, len(t.credits)+len(t.debits))
	for addr := range t.credits {
		out = append(out, addr)
	}
	for addr := range t.debits {
		if _, ok := t.credits[addr]; !ok {
			out = append(out, addr)
		}
	}
	return out
}

// applyDelta returns base + credit - debit, or an error when the result
// leaves the uint64 range.
func applyDelta(base, credit, debit uint64) (uint64, error) {
	if base+credit < base {
		return 0, storage.ErrBalanceOverflow
	}
	if base+credit < debit {
		return 0, storage.ErrInsufficientBalance
	}
	return base + credit - debit, nil
}

func newestFirst(draws []raffle.Draw, limit int) []raffle.Draw {
	out := make([]raffle.Draw, len(draws))
	copy(out, draws)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Round > out[j].Round })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// WalletStore implementation --------------------------------------------------

func (s *Store) GetWallet(_ context.Context, addr account.Address) (account.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[addr]
	if !ok {
		return account.Wallet{}, storage.ErrNotFound
	}
	return w, nil
}

func (s *Store) Credit(_ context.Context, addr account.Address, amount uint64) (account.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, err := applyDelta(s.wallets[addr].Balance, amount, 0)
	if err != nil {
		return account.Wallet{}, err
	}
	return s.putWallet(addr, balance, time.Now().UTC()), nil
}

func (s *Store) Debit(_ context.Context, addr account.Address, amount uint64) (account.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, err := applyDelta(s.wallets[addr].Balance, 0, amount)
	if err != nil {
		return account.Wallet{}, err
	}
	return s.putWallet(addr, balance, time.Now().UTC()), nil
}

// putWallet must be called with mu held.
func (s *Store) putWallet(addr account.Address, balance uint64, now time.Time) account.Wallet {
	wallet, ok := s.wallets[addr]
	if !ok {
		wallet = account.Wallet{Address: addr, CreatedAt: now}
	}
	wallet.Balance = balance
	wallet.UpdatedAt = now
	s.wallets[addr] = wallet
	return wallet
}

func (s *Store) ListWallets(_ context.Context) ([]account.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]account.Wallet, 0, len(s.wallets))
	for _, w := range s.wallets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}
