package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
	rafflemodel "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/events"
	"github.com/R3E-Network/raffle_layer/internal/app/services/automation"
	"github.com/R3E-Network/raffle_layer/internal/config"
	"github.com/R3E-Network/raffle_layer/pkg/testutil"
)

func devConfig() *config.Config {
	cfg := config.Default()
	cfg.VRF.FulfillDelay = 0
	return cfg
}

func TestNewDevelopmentWiring(t *testing.T) {
	ctx := context.Background()
	application, err := New(ctx, devConfig(), Stores{}, nil)
	require.NoError(t, err)

	require.NotNil(t, application.Mock)
	require.NotNil(t, application.Dispatcher)
	require.NotNil(t, application.Keeper)
	assert.Equal(t, []string{"raffle", "vrf-dispatcher", "automation-keeper"}, application.Services())

	cfg := application.Raffle.Config()
	assert.Equal(t, DefaultMockCoordinator, cfg.Coordinator)
	assert.Equal(t, uint64(1), cfg.SubscriptionID)

	sub, err := application.Mock.GetSubscription(ctx, cfg.SubscriptionID)
	require.NoError(t, err)
	assert.Contains(t, sub.Consumers, cfg.Address)

	balance, err := application.Subscription(ctx)
	require.NoError(t, err)
	assert.Equal(t, "30000000000000000000", balance.String())
}

func TestNewLiveNetworkRequiresCoordinatorURL(t *testing.T) {
	cfg := config.Default()
	cfg.Network = "sepolia"
	_, err := New(context.Background(), cfg, Stores{}, nil)
	require.Error(t, err)

	cfg.VRF.CoordinatorURL = "https://vrf.example.com/requests"
	application, err := New(context.Background(), cfg, Stores{}, nil)
	require.NoError(t, err)
	assert.Nil(t, application.Mock)
	assert.Nil(t, application.Dispatcher)
	assert.Equal(t, "0x8103b0a8a00be2ddc778e6e7eaa21791cd364625", application.Raffle.Config().Coordinator.String())
}

func TestFullRoundThroughKeeperAndDispatcher(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock(time.Time{})
	application, err := New(ctx, devConfig(), Stores{}, nil, WithClock(clock.Now))
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []events.Type
	application.Events.Subscribe(func(e events.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	fee := application.Raffle.EntranceFee()
	alice := account.MustParseAddress(testutil.Address(0xa0))
	require.NoError(t, application.Raffle.Enter(ctx, alice, fee))

	result, err := application.Keeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, automation.ResultSkipped, result)

	clock.Advance(application.Raffle.Interval() + time.Second)
	result, err = application.Keeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, automation.ResultPerformed, result)
	assert.Equal(t, rafflemodel.StateCalculating, application.Raffle.State())

	assert.Equal(t, 1, application.Dispatcher.Tick(ctx))
	assert.Equal(t, rafflemodel.StateOpen, application.Raffle.State())
	assert.Equal(t, alice, application.Raffle.RecentWinner())

	paid, err := application.Bank.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, fee, paid)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, events.TypeEntered)
	assert.Contains(t, seen, events.TypeWinnerPicked)
}

func TestStartStop(t *testing.T) {
	application, err := New(context.Background(), devConfig(), Stores{}, nil)
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	require.NoError(t, application.Stop(context.Background()))
}
