package raffle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/domain/vrf"
	"github.com/R3E-Network/raffle_layer/internal/app/events"
	"github.com/R3E-Network/raffle_layer/internal/app/storage"
	"github.com/R3E-Network/raffle_layer/internal/app/storage/memory"
	"github.com/R3E-Network/raffle_layer/pkg/testutil"
)

const (
	testFee      uint64 = 10_000_000_000_000_000 // 0.01 ether
	testInterval        = 30 * time.Second
)

var coordinatorAddr = account.Address("0x8103b0a8a00be2ddc778e6e7eaa21791cd364625")

func newFakeClock() *testutil.Clock {
	return testutil.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
}

type fakeCoordinator struct {
	mu       sync.Mutex
	nextID   uint64
	requests []vrf.RandomWordsRequest
	err      error
}

func (c *fakeCoordinator) RequestRandomWords(_ context.Context, req vrf.RandomWordsRequest) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.nextID++
	c.requests = append(c.requests, req)
	return c.nextID, nil
}

type fakePayer struct {
	mu      sync.Mutex
	paid    map[account.Address]uint64
	refuse  error
	payouts int
}

func newFakePayer() *fakePayer {
	return &fakePayer{paid: make(map[account.Address]uint64)}
}

func (p *fakePayer) Pay(_ context.Context, _ storage.WalletStore, to account.Address, amount uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refuse != nil {
		return p.refuse
	}
	p.paid[to] += amount
	p.payouts++
	return nil
}

type harness struct {
	svc    *Service
	store  *memory.Store
	clock  *testutil.Clock
	coord  *fakeCoordinator
	payer  *fakePayer
	bus    *events.Bus
	config domain.Config
}

func newHarness(t *testing.T, store *memory.Store) *harness {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	h := &harness{
		store:  store,
		clock:  newFakeClock(),
		coord:  &fakeCoordinator{},
		payer:  newFakePayer(),
		bus:    events.NewBus(64),
		config: domain.Config{
			Address:          "0x00000000000000000000000000000000000000aa",
			EntranceFee:      testFee,
			Interval:         testInterval,
			Coordinator:      coordinatorAddr,
			GasLane:          "0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c",
			SubscriptionID:   1,
			CallbackGasLimit: 500000,
		},
	}
	svc, err := New(context.Background(), h.config, store, h.coord, h.payer, nil,
		WithClock(h.clock.Now), WithPublisher(h.bus))
	require.NoError(t, err)
	h.svc = svc
	return h
}

func player(i int) account.Address {
	return account.Address(testutil.Address(i))
}

func (h *harness) enterAll(t *testing.T, players ...account.Address) {
	t.Helper()
	for _, p := range players {
		require.NoError(t, h.svc.Enter(context.Background(), p, testFee))
	}
}

func (h *harness) perform(t *testing.T) uint64 {
	t.Helper()
	h.clock.Advance(testInterval + time.Second)
	id, err := h.svc.PerformUpkeep(context.Background(), nil)
	require.NoError(t, err)
	return id
}

func TestNewOpensFreshRound(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, domain.StateOpen, h.svc.State())
	assert.Equal(t, 0, h.svc.NumberOfPlayers())
	assert.Equal(t, uint64(0), h.svc.Balance())
	assert.Equal(t, h.clock.Now(), h.svc.LastTimestamp())
	assert.Equal(t, testFee, h.svc.EntranceFee())
	assert.Equal(t, testInterval, h.svc.Interval())
	assert.Equal(t, domain.DefaultRequestConfirmations, h.svc.Config().RequestConfirmations)

	saved, err := h.store.LoadRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), saved.Number)
}

func TestNewRestoresSavedRound(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.SaveRound(context.Background(), domain.Round{
		Number:           7,
		State:            domain.StateCalculating,
		Players:          []account.Address{player(0)},
		Balance:          testFee,
		PendingRequestID: 3,
	}))

	h := newHarness(t, store)
	assert.Equal(t, domain.StateCalculating, h.svc.State())
	assert.Equal(t, uint64(3), h.svc.PendingRequestID())
	assert.Equal(t, 1, h.svc.NumberOfPlayers())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(context.Background(), domain.Config{}, nil, nil, newFakePayer(), nil)
	assert.Error(t, err)
	_, err = New(context.Background(), domain.Config{}, nil, &fakeCoordinator{}, nil, nil)
	assert.Error(t, err)
}

func TestEnterAccumulatesBalance(t *testing.T) {
	h := newHarness(t, nil)
	h.enterAll(t, player(0), player(1), player(2))

	assert.Equal(t, 3*testFee, h.svc.Balance())
	assert.Equal(t, 3, h.svc.NumberOfPlayers())
	got, err := h.svc.Player(1)
	require.NoError(t, err)
	assert.Equal(t, player(1), got)

	entered := h.bus.RecentByType(events.TypeEntered, 10)
	assert.Len(t, entered, 3)
}

func TestEnterKeepsOverpayment(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.svc.Enter(context.Background(), player(0), testFee+5))
	assert.Equal(t, testFee+5, h.svc.Balance())
}

func TestEnterRejectsUnderpayment(t *testing.T) {
	h := newHarness(t, nil)
	err := h.svc.Enter(context.Background(), player(0), testFee-1)

	assert.ErrorIs(t, err, ErrInsufficientPayment)
	assert.Equal(t, 0, h.svc.NumberOfPlayers())
	assert.Equal(t, uint64(0), h.svc.Balance())
	assert.Empty(t, h.bus.Recent(10))
}

func TestEnterRejectsOverflow(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.SaveRound(context.Background(), domain.Round{
		Number:  1,
		State:   domain.StateOpen,
		Players: []account.Address{player(0)},
		Balance: ^uint64(0) - 1,
	}))
	h := newHarness(t, store)

	err := h.svc.Enter(context.Background(), player(1), testFee)
	assert.ErrorIs(t, err, ErrBalanceOverflow)
	assert.Equal(t, 1, h.svc.NumberOfPlayers())
}

func TestPlayerOutOfRange(t *testing.T) {
	h := newHarness(t, nil)
	h.enterAll(t, player(0))

	_, err := h.svc.Player(1)
	assert.ErrorIs(t, err, ErrPlayerIndexOutOfRange)
	_, err = h.svc.Player(-1)
	assert.ErrorIs(t, err, ErrPlayerIndexOutOfRange)
}

func TestCheckUpkeepAllCombinations(t *testing.T) {
	for mask := 0; mask < 16; mask++ {
		open := mask&1 != 0
		elapsed := mask&2 != 0
		hasPlayers := mask&4 != 0
		hasBalance := mask&8 != 0

		t.Run(fmt.Sprintf("open=%t/elapsed=%t/players=%t/balance=%t", open, elapsed, hasPlayers, hasBalance), func(t *testing.T) {
			clock := newFakeClock()
			round := domain.Round{Number: 1, State: domain.StateOpen, LastTimestamp: clock.Now()}
			if !open {
				round.State = domain.StateCalculating
				round.PendingRequestID = 1
			}
			if hasPlayers {
				round.Players = []account.Address{player(0)}
			}
			if hasBalance {
				round.Balance = testFee
			}

			store := memory.New()
			require.NoError(t, store.SaveRound(context.Background(), round))
			svc, err := New(context.Background(), domain.Config{EntranceFee: testFee, Interval: testInterval, Coordinator: coordinatorAddr},
				store, &fakeCoordinator{}, newFakePayer(), nil, WithClock(clock.Now))
			require.NoError(t, err)

			if elapsed {
				clock.Advance(testInterval)
			} else {
				clock.Advance(testInterval - time.Second)
			}

			needed, performData := svc.CheckUpkeep(context.Background(), nil)
			assert.Equal(t, open && elapsed && hasPlayers && hasBalance, needed)
			assert.Empty(t, performData)
		})
	}
}

func TestCheckUpkeepIgnoresSubSecondElapsed(t *testing.T) {
	h := newHarness(t, nil)
	h.enterAll(t, player(0))

	h.clock.Advance(testInterval - 500*time.Millisecond)
	needed, _ := h.svc.CheckUpkeep(context.Background(), []byte("0x"))
	assert.False(t, needed)

	h.clock.Advance(500 * time.Millisecond)
	needed, _ = h.svc.CheckUpkeep(context.Background(), []byte("0x"))
	assert.True(t, needed)
}

func TestPerformUpkeepNotNeeded(t *testing.T) {
	h := newHarness(t, nil)
	h.enterAll(t, player(0))

	_, err := h.svc.PerformUpkeep(context.Background(), nil)
	require.ErrorIs(t, err, ErrUpkeepNotNeeded)

	var diag *UpkeepNotNeededError
	require.True(t, errors.As(err, &diag))
	assert.Equal(t, testFee, diag.Balance)
	assert.Equal(t, 1, diag.NumPlayers)
	assert.Equal(t, domain.StateOpen, diag.State)

	assert.Equal(t, domain.StateOpen, h.svc.State())
	assert.Equal(t, uint64(0), h.svc.PendingRequestID())
	assert.Empty(t, h.coord.requests)
}

func TestPerformUpkeepRequestsRandomness(t *testing.T) {
	h := newHarness(t, nil)
	h.enterAll(t, player(0))

	id := h.perform(t)
	assert.Equal(t, uint64(1), id)
	assert.Equal(t, domain.StateCalculating, h.svc.State())
	assert.Equal(t, id, h.svc.PendingRequestID())

	require.Len(t, h.coord.requests, 1)
	req := h.coord.requests[0]
	assert.Equal(t, h.config.GasLane, req.KeyHash)
	assert.Equal(t, uint64(1), req.SubscriptionID)
	assert.Equal(t, uint32(500000), req.CallbackGasLimit)
	assert.Equal(t, domain.DefaultRequestConfirmations, req.RequestConfirmations)
	assert.Equal(t, domain.NumWords, req.NumWords)
	assert.Equal(t, h.config.Address, req.Consumer)

	calc := h.bus.RecentByType(events.TypeRoundCalculating, 1)
	require.Len(t, calc, 1)
	assert.Equal(t, id, calc[0].RequestID)

	err := h.svc.Enter(context.Background(), player(1), testFee)
	assert.ErrorIs(t, err, ErrRoundNotOpen)

	_, err = h.svc.PerformUpkeep(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUpkeepNotNeeded)
	assert.Len(t, h.coord.requests, 1)
}

func TestPerformUpkeepCoordinatorFailureLeavesRoundOpen(t *testing.T) {
	h := newHarness(t, nil)
	h.enterAll(t, player(0))
	h.coord.err = errors.New("subscription not funded")

	h.clock.Advance(testInterval)
	_, err := h.svc.PerformUpkeep(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, domain.StateOpen, h.svc.State())
	assert.Equal(t, uint64(0), h.svc.PendingRequestID())
}

func TestFulfillRejectsUnknownRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.enterAll(t, player(0), player(1))
	id := h.perform(t)

	for _, bad := range []uint64{0, id + 1} {
		err := h.svc.FulfillRandomWords(context.Background(), bad, []*big.Int{big.NewInt(5)})
		assert.ErrorIs(t, err, ErrUnknownRequest)
	}
	assert.Equal(t, domain.StateCalculating, h.svc.State())
	assert.Equal(t, 2, h.svc.NumberOfPlayers())
	assert.Equal(t, 2*testFee, h.svc.Balance())
	assert.Equal(t, 0, h.payer.payouts)
}

func TestFulfillWhileOpenIsUnknown(t *testing.T) {
	h := newHarness(t, nil)
	h.enterAll(t, player(0))

	err := h.svc.FulfillRandomWords(context.Background(), 0, []*big.Int{big.NewInt(1)})
	assert.ErrorIs(t, err, ErrUnknownRequest)
	assert.Equal(t, domain.StateOpen, h.svc.State())
}

func TestFulfillRequiresWords(t *testing.T) {
	h := newHarness(t, nil)
	h.enterAll(t, player(0))
	id := h.perform(t)

	err := h.svc.FulfillRandomWords(context.Background(), id, nil)
	assert.ErrorIs(t, err, ErrNoRandomWords)
	assert.Equal(t, domain.StateCalculating, h.svc.State())
}

func TestRawFulfillOnlyCoordinator(t *testing.T) {
	h := newHarness(t, nil)
	h.enterAll(t, player(0))
	id := h.perform(t)

	err := h.svc.RawFulfillRandomWords(context.Background(), player(0), id, []*big.Int{big.NewInt(1)})
	assert.ErrorIs(t, err, ErrOnlyCoordinator)
	assert.Equal(t, domain.StateCalculating, h.svc.State())

	require.NoError(t, h.svc.RawFulfillRandomWords(context.Background(), coordinatorAddr, id, []*big.Int{big.NewInt(1)}))
	assert.Equal(t, domain.StateOpen, h.svc.State())
}

func TestFulfillPicksWordModPlayers(t *testing.T) {
	h := newHarness(t, nil)
	players := make([]account.Address, 7)
	for i := range players {
		players[i] = player(i)
	}
	h.enterAll(t, players...)
	id := h.perform(t)

	require.NoError(t, h.svc.FulfillRandomWords(context.Background(), id, []*big.Int{big.NewInt(23)}))
	assert.Equal(t, players[2], h.svc.RecentWinner())
	assert.Equal(t, 7*testFee, h.payer.paid[players[2]])

	draws, err := h.svc.Draws(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, draws, 1)
	assert.Equal(t, 2, draws[0].WinnerIndex)
	assert.Equal(t, "23", draws[0].RandomWord)
	assert.Equal(t, 7, draws[0].PlayerCount)
	assert.Equal(t, uint64(1), draws[0].Round)
}

func TestFulfillHandlesLargeWords(t *testing.T) {
	h := newHarness(t, nil)
	h.enterAll(t, player(0), player(1), player(2))
	id := h.perform(t)

	word, ok := new(big.Int).SetString("78541660797044910968829902406342334108369226379826116161446442989268089806461", 10)
	require.True(t, ok)
	want := int(new(big.Int).Mod(word, big.NewInt(3)).Int64())

	require.NoError(t, h.svc.FulfillRandomWords(context.Background(), id, []*big.Int{word}))
	assert.Equal(t, player(want), h.svc.RecentWinner())
}

func TestFulfillWithEmptyCalculatingRoundIsInvariantViolation(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.SaveRound(context.Background(), domain.Round{
		Number:           1,
		State:            domain.StateCalculating,
		PendingRequestID: 4,
	}))
	h := newHarness(t, store)

	err := h.svc.FulfillRandomWords(context.Background(), 4, []*big.Int{big.NewInt(1)})
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Equal(t, domain.StateCalculating, h.svc.State())
}

func TestSingleEntrantEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	h.enterAll(t, player(0))

	needed, _ := h.svc.CheckUpkeep(context.Background(), nil)
	assert.False(t, needed)

	id := h.perform(t)
	payoutAt := h.clock.Now()
	require.NoError(t, h.svc.FulfillRandomWords(context.Background(), id, []*big.Int{big.NewInt(987654321)}))

	assert.Equal(t, player(0), h.svc.RecentWinner())
	assert.Equal(t, testFee, h.payer.paid[player(0)])
	assert.Equal(t, domain.StateOpen, h.svc.State())
	assert.Equal(t, 0, h.svc.NumberOfPlayers())
	assert.Equal(t, uint64(0), h.svc.Balance())
	assert.Equal(t, uint64(0), h.svc.PendingRequestID())
	assert.Equal(t, payoutAt, h.svc.LastTimestamp())

	picked := h.bus.RecentByType(events.TypeWinnerPicked, 1)
	require.Len(t, picked, 1)
	assert.Equal(t, player(0), picked[0].Winner)
	assert.Equal(t, testFee, picked[0].Amount)

	saved, err := h.store.LoadRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), saved.Number)
	assert.Empty(t, saved.Players)
	assert.Equal(t, player(0), saved.RecentWinner)

	// Replaying the same fulfillment is rejected once the round reopened.
	err = h.svc.FulfillRandomWords(context.Background(), id, []*big.Int{big.NewInt(1)})
	assert.ErrorIs(t, err, ErrUnknownRequest)
}

func TestFourEntrantsEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	players := []account.Address{player(0), player(1), player(2), player(3)}
	h.enterAll(t, players...)

	id := h.perform(t)
	require.NoError(t, h.svc.FulfillRandomWords(context.Background(), id, []*big.Int{big.NewInt(1)}))

	winner := h.svc.RecentWinner()
	assert.Equal(t, players[1], winner)
	assert.Equal(t, 4*testFee, h.payer.paid[winner])
	for _, p := range players {
		if p != winner {
			assert.Zero(t, h.payer.paid[p])
		}
	}

	// The next round starts from scratch and runs independently.
	h.enterAll(t, players[3])
	id2 := h.perform(t)
	assert.Equal(t, id+1, id2)
	require.NoError(t, h.svc.FulfillRandomWords(context.Background(), id2, []*big.Int{big.NewInt(1)}))
	assert.Equal(t, players[3], h.svc.RecentWinner())

	draws, err := h.svc.Draws(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, draws, 2)
	assert.Equal(t, uint64(2), draws[0].Round)
}

func TestTransferFailureLeavesRoundCalculating(t *testing.T) {
	h := newHarness(t, nil)
	h.enterAll(t, player(0), player(1))
	id := h.perform(t)

	h.payer.refuse = errors.New("recipient rejected transfer")
	err := h.svc.FulfillRandomWords(context.Background(), id, []*big.Int{big.NewInt(3)})
	require.ErrorIs(t, err, ErrTransferFailed)

	var transferErr *TransferFailedError
	require.True(t, errors.As(err, &transferErr))
	assert.Equal(t, player(1), transferErr.Winner)
	assert.Equal(t, 2*testFee, transferErr.Amount)

	assert.Equal(t, domain.StateCalculating, h.svc.State())
	assert.Equal(t, id, h.svc.PendingRequestID())
	assert.Equal(t, 2*testFee, h.svc.Balance())
	assert.Equal(t, account.Address(""), h.svc.RecentWinner())
	assert.True(t, h.svc.HasStalledPayout())

	saved, err := h.store.LoadRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StateCalculating, saved.State)
	draws, err := h.svc.Draws(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, draws)
	assert.Len(t, h.bus.RecentByType(events.TypePayoutStalled, 5), 1)

	h.payer.refuse = nil
	require.NoError(t, h.svc.RetryPayout(context.Background()))
	assert.Equal(t, player(1), h.svc.RecentWinner())
	assert.Equal(t, 2*testFee, h.payer.paid[player(1)])
	assert.Equal(t, domain.StateOpen, h.svc.State())
	assert.False(t, h.svc.HasStalledPayout())

	assert.ErrorIs(t, h.svc.RetryPayout(context.Background()), ErrNoStalledPayout)
}

func TestStalledPayoutSurvivesRestart(t *testing.T) {
	store := memory.New()
	h := newHarness(t, store)
	h.enterAll(t, player(0), player(1))
	id := h.perform(t)

	h.payer.refuse = errors.New("recipient rejected transfer")
	require.ErrorIs(t, h.svc.FulfillRandomWords(context.Background(), id, []*big.Int{big.NewInt(3)}), ErrTransferFailed)

	saved, err := store.LoadRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "3", saved.StalledWord)

	restarted := newHarness(t, store)
	assert.True(t, restarted.svc.HasStalledPayout())
	assert.True(t, restarted.svc.Snapshot().StalledPayout)
	assert.Equal(t, id, restarted.svc.PendingRequestID())

	require.NoError(t, restarted.svc.RetryPayout(context.Background()))
	assert.Equal(t, player(1), restarted.svc.RecentWinner())
	assert.Equal(t, 2*testFee, restarted.payer.paid[player(1)])
	assert.False(t, restarted.svc.HasStalledPayout())

	saved, err = store.LoadRound(context.Background())
	require.NoError(t, err)
	assert.Empty(t, saved.StalledWord)
	assert.Equal(t, domain.StateOpen, saved.State)
}

func TestStalledRequestRejectsNewWords(t *testing.T) {
	h := newHarness(t, nil)
	h.enterAll(t, player(0), player(1))
	id := h.perform(t)

	h.payer.refuse = errors.New("recipient rejected transfer")
	require.ErrorIs(t, h.svc.FulfillRandomWords(context.Background(), id, []*big.Int{big.NewInt(3)}), ErrTransferFailed)

	h.payer.refuse = nil
	err := h.svc.FulfillRandomWords(context.Background(), id, []*big.Int{big.NewInt(2)})
	assert.ErrorIs(t, err, ErrUnknownRequest)
	assert.Equal(t, domain.StateCalculating, h.svc.State())

	require.NoError(t, h.svc.RetryPayout(context.Background()))
	assert.Equal(t, player(1), h.svc.RecentWinner())
}

func TestRetryPayoutWithoutStall(t *testing.T) {
	h := newHarness(t, nil)
	assert.ErrorIs(t, h.svc.RetryPayout(context.Background()), ErrNoStalledPayout)
}

func TestRepeatedEntryWeightsSelection(t *testing.T) {
	h := newHarness(t, nil)
	heavy := player(0)
	rng := rand.New(rand.NewSource(42))

	const rounds = 4000
	wins := 0
	for i := 0; i < rounds; i++ {
		h.enterAll(t, heavy, player(1), heavy, player(2), player(3))
		id := h.perform(t)
		word := new(big.Int).Rand(rng, new(big.Int).Lsh(big.NewInt(1), 256))
		require.NoError(t, h.svc.FulfillRandomWords(context.Background(), id, []*big.Int{word}))
		if h.svc.RecentWinner() == heavy {
			wins++
		}
	}

	share := float64(wins) / rounds
	assert.InDelta(t, 0.4, share, 0.04)
}

func TestConcurrentEntriesAreSerialized(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = h.svc.Enter(context.Background(), player(i), testFee)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, h.svc.NumberOfPlayers())
	assert.Equal(t, 50*testFee, h.svc.Balance())
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	h.enterAll(t, player(0))

	snap := h.svc.Snapshot()
	assert.Equal(t, "OPEN", snap.State)
	assert.Equal(t, []account.Address{player(0)}, snap.Players)
	assert.Equal(t, testFee, snap.Balance)
	assert.Equal(t, int64(30), snap.IntervalSeconds)

	snap.Players[0] = player(9)
	p, err := h.svc.Player(0)
	require.NoError(t, err)
	assert.Equal(t, player(0), p)
}
