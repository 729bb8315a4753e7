// Package vrf provides randomness coordinators for the raffle: an in-process
// mock for development chains and an HTTP client for a remote provider.
package vrf

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/vrf"
	"github.com/R3E-Network/raffle_layer/internal/app/events"
	"github.com/R3E-Network/raffle_layer/internal/app/metrics"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

const (
	MaxNumWords                 uint32 = 500
	MaxCallbackGasLimit         uint32 = 2_500_000
	MaxRequestConfirmations     uint16 = 200
	MaxConsumers                       = 100
	DefaultSubscriptionFundLink        = 30
)

var (
	// DefaultBaseFee is the flat premium charged per fulfillment (0.25 LINK).
	DefaultBaseFee = new(big.Int).Mul(big.NewInt(25), big.NewInt(1e16))
	// DefaultGasPriceLink is the LINK price of one unit of callback gas.
	DefaultGasPriceLink = big.NewInt(1e9)
)

var (
	ErrInvalidSubscription         = errors.New("vrf: invalid subscription")
	ErrInvalidConsumer             = errors.New("vrf: invalid consumer")
	ErrTooManyConsumers            = errors.New("vrf: too many consumers")
	ErrNumWordsTooBig              = errors.New("vrf: num words too big")
	ErrGasLimitTooBig              = errors.New("vrf: gas limit too big")
	ErrInvalidRequestConfirmations = errors.New("vrf: invalid request confirmations")
	ErrNonexistentRequest          = errors.New("nonexistent request")
	ErrInsufficientBalance         = errors.New("vrf: insufficient balance")
	ErrInvalidRandomWords          = errors.New("vrf: invalid random words")
	ErrNoCallback                  = errors.New("vrf: no callback registered for consumer")
)

// Link converts whole LINK to its smallest unit.
func Link(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

// Consumer receives fulfilled randomness. caller is the coordinator address.
type Consumer interface {
	RawFulfillRandomWords(ctx context.Context, caller account.Address, requestID uint64, words []*big.Int) error
}

// Mock is an in-process coordinator with subscription accounting. Requests
// stay pending until FulfillRandomWords is called, either directly or by a
// Dispatcher.
type Mock struct {
	address      account.Address
	baseFee      *big.Int
	gasPriceLink *big.Int
	events       events.Publisher
	log          *logger.Logger

	mu            sync.Mutex
	nextSubID     uint64
	nextRequestID uint64
	subs          map[uint64]*domain.Subscription
	requests      map[uint64]domain.Request
	callbacks     map[account.Address]Consumer
}

// NewMock creates a coordinator reachable at address. Nil fees fall back to
// DefaultBaseFee and DefaultGasPriceLink.
func NewMock(address account.Address, baseFee, gasPriceLink *big.Int, pub events.Publisher, log *logger.Logger) *Mock {
	if baseFee == nil {
		baseFee = DefaultBaseFee
	}
	if gasPriceLink == nil {
		gasPriceLink = DefaultGasPriceLink
	}
	if pub == nil {
		pub = events.Discard{}
	}
	if log == nil {
		log = logger.NewDefault("vrf-mock")
	}
	return &Mock{
		address:      address,
		baseFee:      new(big.Int).Set(baseFee),
		gasPriceLink: new(big.Int).Set(gasPriceLink),
		events:       pub,
		log:          log,
		subs:         make(map[uint64]*domain.Subscription),
		requests:     make(map[uint64]domain.Request),
		callbacks:    make(map[account.Address]Consumer),
	}
}

// Address returns the address fulfillments are sent from.
func (m *Mock) Address() account.Address { return m.address }

// RegisterCallback binds a consumer address to the object that receives its
// fulfillments.
func (m *Mock) RegisterCallback(addr account.Address, consumer Consumer) {
	m.mu.Lock()
	m.callbacks[addr] = consumer
	m.mu.Unlock()
}

func (m *Mock) CreateSubscription(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.subs[id] = &domain.Subscription{ID: id, Owner: m.address, Balance: new(big.Int), CreatedAt: time.Now().UTC()}
	m.mu.Unlock()

	m.log.WithField("subscription_id", id).Info("subscription created")
	m.publish(ctx, events.Event{Type: events.TypeSubscriptionCreated, RequestID: id})
	return id, nil
}

func (m *Mock) FundSubscription(ctx context.Context, subID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("vrf: invalid fund amount")
	}
	m.mu.Lock()
	sub, ok := m.subs[subID]
	if !ok {
		m.mu.Unlock()
		return ErrInvalidSubscription
	}
	old := new(big.Int).Set(sub.Balance)
	sub.Balance.Add(sub.Balance, amount)
	balance := new(big.Int).Set(sub.Balance)
	m.mu.Unlock()

	m.log.WithField("subscription_id", subID).
		WithField("old_balance", old.String()).
		WithField("new_balance", balance.String()).
		Info("subscription funded")
	m.publish(ctx, events.Event{Type: events.TypeSubscriptionFunded, RequestID: subID})
	return nil
}

func (m *Mock) AddConsumer(_ context.Context, subID uint64, consumer account.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subID]
	if !ok {
		return ErrInvalidSubscription
	}
	if containsAddress(sub.Consumers, consumer) {
		return nil
	}
	if len(sub.Consumers) >= MaxConsumers {
		return ErrTooManyConsumers
	}
	sub.Consumers = append(sub.Consumers, consumer)
	return nil
}

func (m *Mock) RemoveConsumer(_ context.Context, subID uint64, consumer account.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subID]
	if !ok {
		return ErrInvalidSubscription
	}
	for i, c := range sub.Consumers {
		if c == consumer {
			sub.Consumers = append(sub.Consumers[:i], sub.Consumers[i+1:]...)
			return nil
		}
	}
	return ErrInvalidConsumer
}

// CancelSubscription deletes the subscription and returns its remaining balance.
func (m *Mock) CancelSubscription(_ context.Context, subID uint64) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subID]
	if !ok {
		return nil, ErrInvalidSubscription
	}
	delete(m.subs, subID)
	return new(big.Int).Set(sub.Balance), nil
}

// GetSubscription returns a copy of the subscription.
func (m *Mock) GetSubscription(_ context.Context, subID uint64) (domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subID]
	if !ok {
		return domain.Subscription{}, ErrInvalidSubscription
	}
	out := *sub
	out.Balance = new(big.Int).Set(sub.Balance)
	out.Consumers = append([]account.Address(nil), sub.Consumers...)
	return out, nil
}

// RequestRandomWords validates the request against its subscription and
// queues it. The id is returned immediately; nothing is called back here.
func (m *Mock) RequestRandomWords(ctx context.Context, req domain.RandomWordsRequest) (uint64, error) {
	m.mu.Lock()
	sub, ok := m.subs[req.SubscriptionID]
	if !ok {
		m.mu.Unlock()
		return 0, ErrInvalidSubscription
	}
	if !containsAddress(sub.Consumers, req.Consumer) {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s on subscription %d", ErrInvalidConsumer, req.Consumer, req.SubscriptionID)
	}
	if req.NumWords > MaxNumWords {
		m.mu.Unlock()
		return 0, ErrNumWordsTooBig
	}
	if req.CallbackGasLimit > MaxCallbackGasLimit {
		m.mu.Unlock()
		return 0, ErrGasLimitTooBig
	}
	if req.RequestConfirmations > MaxRequestConfirmations {
		m.mu.Unlock()
		return 0, ErrInvalidRequestConfirmations
	}

	m.nextRequestID++
	id := m.nextRequestID
	m.requests[id] = domain.Request{ID: id, Params: req, RequestedAt: time.Now().UTC()}
	m.mu.Unlock()

	m.log.WithField("request_id", id).
		WithField("consumer", req.Consumer).
		WithField("num_words", req.NumWords).
		Info("random words requested")
	m.publish(ctx, events.Event{Type: events.TypeRandomWordsRequested, RequestID: id, Player: req.Consumer})
	return id, nil
}

// Pending lists outstanding requests in id order.
func (m *Mock) Pending(_ context.Context) ([]domain.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Request, 0, len(m.requests))
	for _, req := range m.requests {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FulfillRandomWords delivers keccak256(requestID, i) for each requested word.
func (m *Mock) FulfillRandomWords(ctx context.Context, requestID uint64, consumer account.Address) (domain.Fulfillment, error) {
	return m.FulfillRandomWordsWithOverride(ctx, requestID, consumer, nil)
}

// FulfillRandomWordsWithOverride delivers words instead of the derived ones.
// An empty words slice falls back to derivation. The request is removed and
// the subscription charged before the consumer runs; a consumer error is
// reported through Fulfillment.Success and does not undo either.
func (m *Mock) FulfillRandomWordsWithOverride(ctx context.Context, requestID uint64, consumer account.Address, words []*big.Int) (domain.Fulfillment, error) {
	m.mu.Lock()
	req, ok := m.requests[requestID]
	if !ok {
		m.mu.Unlock()
		return domain.Fulfillment{}, ErrNonexistentRequest
	}
	if len(words) == 0 {
		words = DeriveWords(requestID, req.Params.NumWords)
	} else if uint32(len(words)) != req.Params.NumWords {
		m.mu.Unlock()
		return domain.Fulfillment{}, ErrInvalidRandomWords
	}
	callback, ok := m.callbacks[consumer]
	if !ok {
		m.mu.Unlock()
		return domain.Fulfillment{}, fmt.Errorf("%w: %s", ErrNoCallback, consumer)
	}

	payment := m.payment(req.Params.CallbackGasLimit)
	sub, ok := m.subs[req.Params.SubscriptionID]
	if !ok {
		m.mu.Unlock()
		return domain.Fulfillment{}, ErrInvalidSubscription
	}
	if sub.Balance.Cmp(payment) < 0 {
		m.mu.Unlock()
		return domain.Fulfillment{}, ErrInsufficientBalance
	}
	sub.Balance.Sub(sub.Balance, payment)
	delete(m.requests, requestID)
	m.mu.Unlock()

	result := domain.Fulfillment{RequestID: requestID, Words: words, Payment: payment, Success: true}
	if err := callback.RawFulfillRandomWords(ctx, m.address, requestID, words); err != nil {
		result.Success = false
		result.Error = err.Error()
		m.log.WithError(err).WithField("request_id", requestID).Warn("consumer rejected random words")
	}

	metrics.RecordRandomnessFulfillment(result.Success)
	m.log.WithField("request_id", requestID).
		WithField("payment", payment.String()).
		WithField("success", result.Success).
		Info("random words fulfilled")
	success := result.Success
	m.publish(ctx, events.Event{
		Type:      events.TypeRandomWordsFulfilled,
		RequestID: requestID,
		Player:    consumer,
		Success:   &success,
		Error:     result.Error,
	})
	return result, nil
}

// payment charges the base fee plus the callback gas limit at the mock's gas
// price, since callback gas is not metered in process.
func (m *Mock) payment(gasLimit uint32) *big.Int {
	gas := new(big.Int).Mul(big.NewInt(int64(gasLimit)), m.gasPriceLink)
	return gas.Add(gas, m.baseFee)
}

func (m *Mock) publish(ctx context.Context, event events.Event) {
	if err := m.events.Publish(ctx, events.Stamp(event)); err != nil {
		m.log.WithError(err).Warn("publish vrf event failed")
	}
}

// DeriveWords returns keccak256(abi.encode(requestID, i)) for i in [0, n).
func DeriveWords(requestID uint64, n uint32) []*big.Int {
	words := make([]*big.Int, n)
	var buf [64]byte
	new(big.Int).SetUint64(requestID).FillBytes(buf[:32])
	for i := uint32(0); i < n; i++ {
		new(big.Int).SetUint64(uint64(i)).FillBytes(buf[32:])
		h := sha3.NewLegacyKeccak256()
		h.Write(buf[:])
		words[i] = new(big.Int).SetBytes(h.Sum(nil))
	}
	return words
}

func containsAddress(list []account.Address, addr account.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
