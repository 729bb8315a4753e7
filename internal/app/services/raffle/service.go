// Package raffle runs the round ledger: entries, the upkeep trigger that asks
// the coordinator for randomness, and the fulfillment that pays the winner and
// reopens the round.
package raffle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/domain/vrf"
	"github.com/R3E-Network/raffle_layer/internal/app/events"
	"github.com/R3E-Network/raffle_layer/internal/app/metrics"
	"github.com/R3E-Network/raffle_layer/internal/app/storage"
	"github.com/R3E-Network/raffle_layer/internal/app/storage/memory"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

// Coordinator issues randomness requests. Fulfillment arrives later through
// RawFulfillRandomWords.
type Coordinator interface {
	RequestRandomWords(ctx context.Context, req vrf.RandomWordsRequest) (uint64, error)
}

// Payer moves the pool to the winner. It credits through wallets, the view of
// the store transaction that resets the round, so the payout and the reset
// commit or roll back together.
type Payer interface {
	Pay(ctx context.Context, wallets storage.WalletStore, to account.Address, amount uint64) error
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPublisher sets the event publisher. Events are discarded by default.
func WithPublisher(pub events.Publisher) Option {
	return func(s *Service) {
		if pub != nil {
			s.events = pub
		}
	}
}

// Service owns the single live round.
type Service struct {
	cfg         domain.Config
	store       storage.Store
	coordinator Coordinator
	payer       Payer
	events      events.Publisher
	log         *logger.Logger
	now         func() time.Time

	mu    sync.Mutex
	round domain.Round
}

// New restores the live round from store, or opens a fresh one stamped with
// the current time when nothing was saved yet.
func New(ctx context.Context, cfg domain.Config, store storage.Store, coordinator Coordinator, payer Payer, log *logger.Logger, opts ...Option) (*Service, error) {
	if coordinator == nil {
		return nil, errors.New("raffle: coordinator is required")
	}
	if payer == nil {
		return nil, errors.New("raffle: payer is required")
	}
	if store == nil {
		store = memory.New()
	}
	if log == nil {
		log = logger.NewDefault("raffle")
	}
	if cfg.RequestConfirmations == 0 {
		cfg.RequestConfirmations = domain.DefaultRequestConfirmations
	}

	svc := &Service{
		cfg:         cfg,
		store:       store,
		coordinator: coordinator,
		payer:       payer,
		events:      events.Discard{},
		log:         log,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}

	round, err := store.LoadRound(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		round = domain.Round{Number: 1, State: domain.StateOpen, LastTimestamp: svc.now().UTC()}
		if err := store.SaveRound(ctx, round); err != nil {
			return nil, fmt.Errorf("save initial round: %w", err)
		}
		log.WithField("entrance_fee", cfg.EntranceFee).
			WithField("interval", cfg.Interval.String()).
			Info("opened first raffle round")
	case err != nil:
		return nil, fmt.Errorf("load round: %w", err)
	default:
		entry := log.WithField("round", round.Number).
			WithField("state", round.State.String()).
			WithField("players", len(round.Players))
		if round.StalledWord != "" {
			entry = entry.WithField("stalled_request_id", round.PendingRequestID)
		}
		entry.Info("restored raffle round")
	}
	svc.round = round
	return svc, nil
}

// Enter adds player to the live round. The full amount paid is added to the
// pool, not just the fee.
func (s *Service) Enter(ctx context.Context, player account.Address, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if amount < s.cfg.EntranceFee {
		metrics.RecordRejection("enter", "insufficient_payment")
		return ErrInsufficientPayment
	}
	if s.round.State != domain.StateOpen {
		metrics.RecordRejection("enter", "not_open")
		return ErrRoundNotOpen
	}
	if s.round.Balance+amount < s.round.Balance {
		metrics.RecordRejection("enter", "overflow")
		return ErrBalanceOverflow
	}

	next := s.round.Clone()
	next.Players = append(next.Players, player)
	next.Balance += amount
	if err := s.store.SaveRound(ctx, next); err != nil {
		return fmt.Errorf("save round: %w", err)
	}
	s.round = next

	metrics.RecordEntry(len(next.Players))
	s.log.WithField("player", player).WithField("amount", amount).Debug("raffle entered")
	s.publish(ctx, events.Event{Type: events.TypeEntered, Round: next.Number, Player: player, Amount: amount})
	return nil
}

// CheckUpkeep reports whether PerformUpkeep would succeed now. checkData is
// ignored and performData is always empty.
func (s *Service) CheckUpkeep(ctx context.Context, checkData []byte) (bool, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upkeepNeeded(), []byte{}
}

func (s *Service) upkeepNeeded() bool {
	isOpen := s.round.State == domain.StateOpen
	elapsed := s.now().Sub(s.round.LastTimestamp).Truncate(time.Second)
	timePassed := elapsed >= s.cfg.Interval
	hasPlayers := len(s.round.Players) > 0
	hasBalance := s.round.Balance > 0
	return isOpen && timePassed && hasPlayers && hasBalance
}

// PerformUpkeep moves the round to CALCULATING and requests one random word.
// Anyone may call it; the predicate is evaluated again here.
func (s *Service) PerformUpkeep(ctx context.Context, performData []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.upkeepNeeded() {
		metrics.RecordRejection("perform_upkeep", "not_needed")
		return 0, &UpkeepNotNeededError{
			Balance:    s.round.Balance,
			NumPlayers: len(s.round.Players),
			State:      s.round.State,
		}
	}

	requestID, err := s.coordinator.RequestRandomWords(ctx, vrf.RandomWordsRequest{
		KeyHash:              s.cfg.GasLane,
		SubscriptionID:       s.cfg.SubscriptionID,
		RequestConfirmations: s.cfg.RequestConfirmations,
		CallbackGasLimit:     s.cfg.CallbackGasLimit,
		NumWords:             domain.NumWords,
		Consumer:             s.cfg.Address,
	})
	if err != nil {
		return 0, fmt.Errorf("request random words: %w", err)
	}
	if requestID == 0 {
		return 0, errors.New("raffle: coordinator returned request id 0")
	}

	next := s.round.Clone()
	next.State = domain.StateCalculating
	next.PendingRequestID = requestID
	if err := s.store.SaveRound(ctx, next); err != nil {
		return 0, fmt.Errorf("save round: %w", err)
	}
	s.round = next

	metrics.RecordRandomnessRequest()
	s.log.WithField("request_id", requestID).
		WithField("round", next.Number).
		Info("requested raffle winner")
	s.publish(ctx, events.Event{Type: events.TypeRoundCalculating, Round: next.Number, RequestID: requestID})
	return requestID, nil
}

// RawFulfillRandomWords is the entry point the coordinator calls back into.
func (s *Service) RawFulfillRandomWords(ctx context.Context, caller account.Address, requestID uint64, words []*big.Int) error {
	if caller != s.cfg.Coordinator {
		metrics.RecordRejection("fulfill", "only_coordinator")
		return ErrOnlyCoordinator
	}
	return s.FulfillRandomWords(ctx, requestID, words)
}

// FulfillRandomWords picks the winner with words[0] mod len(players), pays
// the pool and reopens the round. The round is only swapped once the store
// transaction, including the transfer, has committed. A request whose payout
// stalled has consumed its words and only RetryPayout can settle it.
func (s *Service) FulfillRandomWords(ctx context.Context, requestID uint64, words []*big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.round.State != domain.StateCalculating || requestID != s.round.PendingRequestID || s.round.StalledWord != "" {
		metrics.RecordRejection("fulfill", "unknown_request")
		return ErrUnknownRequest
	}
	if len(words) == 0 || words[0] == nil {
		metrics.RecordRejection("fulfill", "no_words")
		return ErrNoRandomWords
	}
	return s.settle(ctx, requestID, words)
}

// RetryPayout repeats a fulfillment whose transfer failed, using the word
// that was delivered the first time. The word is persisted with the round so
// a restarted process can still settle it.
func (s *Service) RetryPayout(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.round.State != domain.StateCalculating || s.round.StalledWord == "" {
		return ErrNoStalledPayout
	}
	word, ok := new(big.Int).SetString(s.round.StalledWord, 10)
	if !ok {
		return fmt.Errorf("%w: stored word %q is not a decimal integer", ErrInvariantViolation, s.round.StalledWord)
	}
	return s.settle(ctx, s.round.PendingRequestID, []*big.Int{word})
}

// settle must be called with mu held.
func (s *Service) settle(ctx context.Context, requestID uint64, words []*big.Int) error {
	count := len(s.round.Players)
	if count == 0 {
		metrics.RecordDraw("invariant_violation", 0)
		s.log.WithField("request_id", requestID).Error("calculating round has no players")
		return ErrInvariantViolation
	}

	word := new(big.Int).Set(words[0])
	index := int(new(big.Int).Mod(word, big.NewInt(int64(count))).Int64())
	winner := s.round.Players[index]
	payout := s.round.Balance
	now := s.now().UTC()

	next := domain.Round{
		Number:        s.round.Number + 1,
		State:         domain.StateOpen,
		Players:       nil,
		Balance:       0,
		LastTimestamp: now,
		RecentWinner:  winner,
	}
	draw := domain.Draw{
		Round:       s.round.Number,
		RequestID:   requestID,
		RandomWord:  word.String(),
		WinnerIndex: index,
		Winner:      winner,
		Payout:      payout,
		PlayerCount: count,
		DrawnAt:     now,
	}

	err := s.store.RunInTx(ctx, func(tx storage.Store) error {
		if err := tx.SaveRound(ctx, next); err != nil {
			return fmt.Errorf("save round: %w", err)
		}
		if err := tx.RecordDraw(ctx, draw); err != nil {
			return fmt.Errorf("record draw: %w", err)
		}
		if err := s.payer.Pay(ctx, tx, winner, payout); err != nil {
			return &TransferFailedError{Winner: winner, Amount: payout, Err: err}
		}
		return nil
	})
	if err != nil {
		var transferErr *TransferFailedError
		if errors.As(err, &transferErr) {
			s.stall(ctx, word)
			metrics.RecordDraw("transfer_failed", payout)
			s.log.WithError(err).
				WithField("request_id", requestID).
				WithField("winner", winner).
				Warn("raffle payout failed; round left calculating")
			s.publish(ctx, events.Event{
				Type:      events.TypePayoutStalled,
				Round:     s.round.Number,
				Winner:    winner,
				RequestID: requestID,
				Amount:    payout,
				Error:     transferErr.Error(),
			})
			return transferErr
		}
		metrics.RecordDraw("store_failed", payout)
		return err
	}

	finished := s.round.Number
	s.round = next

	metrics.RecordDraw("paid", payout)
	s.log.WithField("round", finished).
		WithField("winner", winner).
		WithField("payout", payout).
		Info("winner picked")
	s.publish(ctx, events.Event{Type: events.TypeWinnerPicked, Round: finished, Winner: winner, RequestID: requestID, Amount: payout})
	return nil
}

// stall keeps the delivered word on the round so RetryPayout settles with
// the same winner, including after a restart.
func (s *Service) stall(ctx context.Context, word *big.Int) {
	if s.round.StalledWord != "" {
		return
	}
	stalled := s.round.Clone()
	stalled.StalledWord = word.String()
	if err := s.store.SaveRound(ctx, stalled); err != nil {
		s.log.WithError(err).
			WithField("request_id", stalled.PendingRequestID).
			Error("persist stalled payout failed; retry will not survive a restart")
	}
	s.round = stalled
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if err := s.events.Publish(ctx, events.Stamp(event)); err != nil {
		s.log.WithError(err).WithField("type", string(event.Type)).Warn("publish event failed")
	}
}

// Config returns the immutable configuration.
func (s *Service) Config() domain.Config { return s.cfg }

// EntranceFee returns the minimum payment for one entry.
func (s *Service) EntranceFee() uint64 { return s.cfg.EntranceFee }

// Interval returns the minimum round duration.
func (s *Service) Interval() time.Duration { return s.cfg.Interval }

// State returns the lifecycle state of the live round.
func (s *Service) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round.State
}

// Player returns the entry at index i.
func (s *Service) Player(i int) (account.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.round.Players) {
		return "", ErrPlayerIndexOutOfRange
	}
	return s.round.Players[i], nil
}

// NumberOfPlayers counts entries, repeated addresses included.
func (s *Service) NumberOfPlayers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.round.Players)
}

// RecentWinner returns the winner of the last settled round.
func (s *Service) RecentWinner() account.Address {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round.RecentWinner
}

// LastTimestamp returns when the live round opened.
func (s *Service) LastTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round.LastTimestamp
}

// Balance returns the pool the next winner receives.
func (s *Service) Balance() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round.Balance
}

// PendingRequestID returns 0 unless the round is CALCULATING.
func (s *Service) PendingRequestID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round.PendingRequestID
}

// HasStalledPayout reports whether RetryPayout has work to do.
func (s *Service) HasStalledPayout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round.StalledWord != ""
}

// Snapshot returns a copy of the live round together with the configuration
// callers usually display alongside it.
func (s *Service) Snapshot() domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	round := s.round.Clone()
	players := round.Players
	if players == nil {
		players = []account.Address{}
	}
	return domain.Snapshot{
		Round:            round.Number,
		State:            round.State.String(),
		Players:          players,
		Balance:          round.Balance,
		LastTimestamp:    round.LastTimestamp,
		PendingRequestID: round.PendingRequestID,
		RecentWinner:     round.RecentWinner,
		StalledPayout:    round.StalledWord != "",
		EntranceFee:      s.cfg.EntranceFee,
		IntervalSeconds:  int64(s.cfg.Interval / time.Second),
	}
}

// Draws lists completed rounds, newest first.
func (s *Service) Draws(ctx context.Context, limit int) ([]domain.Draw, error) {
	return s.store.ListDraws(ctx, limit)
}
