package app

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
	rafflemodel "github.com/R3E-Network/raffle_layer/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/events"
	"github.com/R3E-Network/raffle_layer/internal/app/services/automation"
	"github.com/R3E-Network/raffle_layer/internal/app/services/bank"
	"github.com/R3E-Network/raffle_layer/internal/app/services/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/services/vrf"
	"github.com/R3E-Network/raffle_layer/internal/app/storage"
	"github.com/R3E-Network/raffle_layer/internal/app/storage/memory"
	"github.com/R3E-Network/raffle_layer/internal/app/system"
	"github.com/R3E-Network/raffle_layer/internal/config"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

// DefaultMockCoordinator is the address the in-process coordinator signs
// fulfillments with when none is configured.
const DefaultMockCoordinator account.Address = "0xe7f1725e7734ce288f8367e1bb143e90bb3f0512"

// Stores encapsulates persistence dependencies. A nil Raffle store defaults
// to the in-memory implementation.
type Stores struct {
	// Raffle also holds the bank wallets so a payout commits with the round
	// reset.
	Raffle storage.Store
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Network     config.Network
	Events      *events.Bus
	Bank        *bank.Service
	Raffle      *raffle.Service
	Keeper      *automation.Keeper
	Coordinator raffle.Coordinator
	// Mock is set on development networks only.
	Mock       *vrf.Mock
	Dispatcher *vrf.Dispatcher
}

// Option customises application construction.
type Option func(*options)

type options struct {
	publishers []events.Publisher
	clock      func() time.Time
	httpClient *http.Client
}

// WithPublisher forwards every event to pub in addition to the in-memory bus.
func WithPublisher(pub events.Publisher) Option {
	return func(o *options) {
		if pub != nil {
			o.publishers = append(o.publishers, pub)
		}
	}
}

// WithClock overrides the raffle time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithHTTPClient sets the client used for the remote coordinator.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// New builds a fully initialised application. cfg nil means config.Default().
func New(ctx context.Context, cfg *config.Config, stores Stores, log *logger.Logger, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.NewDefault("app")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if stores.Raffle == nil {
		stores.Raffle = memory.New()
	}

	network, err := cfg.ResolveNetwork()
	if err != nil {
		return nil, err
	}
	raffleAddr, err := cfg.RaffleAddress()
	if err != nil {
		return nil, fmt.Errorf("raffle address: %w", err)
	}

	bus := events.NewBus(256)
	var publisher events.Publisher = bus
	if len(o.publishers) > 0 {
		publisher = append(events.Multi{bus}, o.publishers...)
	}

	manager := system.NewManager()
	application := &Application{
		manager: manager,
		log:     log,
		Network: network,
		Events:  bus,
		Bank:    bank.New(stores.Raffle, log.Named("bank")),
	}

	raffleCfg := rafflemodel.Config{
		Address:              raffleAddr,
		EntranceFee:          network.EntranceFee,
		Interval:             network.Interval,
		Coordinator:          network.VRFCoordinator,
		GasLane:              network.GasLane,
		SubscriptionID:       network.SubscriptionID,
		CallbackGasLimit:     network.CallbackGasLimit,
		RequestConfirmations: cfg.Raffle.RequestConfirmations,
	}

	if network.Development {
		if raffleCfg.Coordinator.IsZero() {
			raffleCfg.Coordinator = DefaultMockCoordinator
		}
		mock := vrf.NewMock(raffleCfg.Coordinator, nil, nil, publisher, log.Named("vrf-mock"))
		if raffleCfg.SubscriptionID == 0 {
			subID, err := mock.CreateSubscription(ctx)
			if err != nil {
				return nil, fmt.Errorf("create subscription: %w", err)
			}
			raffleCfg.SubscriptionID = subID
		}
		fund := cfg.VRF.FundLink
		if fund <= 0 {
			fund = vrf.DefaultSubscriptionFundLink
		}
		if err := mock.FundSubscription(ctx, raffleCfg.SubscriptionID, vrf.Link(fund)); err != nil {
			return nil, fmt.Errorf("fund subscription: %w", err)
		}
		if err := mock.AddConsumer(ctx, raffleCfg.SubscriptionID, raffleAddr); err != nil {
			return nil, fmt.Errorf("add consumer: %w", err)
		}
		application.Mock = mock
		application.Coordinator = mock
		application.Dispatcher = vrf.NewDispatcher(mock, cfg.VRF.DispatchInterval, cfg.VRF.FulfillDelay, log.Named("vrf-dispatcher"))
	} else {
		client := o.httpClient
		if client == nil {
			client = &http.Client{Timeout: 10 * time.Second}
		}
		coordinator, err := vrf.NewHTTPCoordinator(client, cfg.VRF.CoordinatorURL, cfg.VRF.CoordinatorAPIKey, log.Named("vrf-http-coordinator"))
		if err != nil {
			return nil, fmt.Errorf("configure coordinator: %w", err)
		}
		application.Coordinator = coordinator
	}

	raffleOpts := []raffle.Option{raffle.WithPublisher(publisher)}
	if o.clock != nil {
		raffleOpts = append(raffleOpts, raffle.WithClock(o.clock))
	}
	raffleSvc, err := raffle.New(ctx, raffleCfg, stores.Raffle, application.Coordinator, application.Bank, log.Named("raffle"), raffleOpts...)
	if err != nil {
		return nil, fmt.Errorf("build raffle: %w", err)
	}
	application.Raffle = raffleSvc
	if application.Mock != nil {
		application.Mock.RegisterCallback(raffleAddr, raffleSvc)
	}

	services := []system.Service{system.NoopService{ServiceName: "raffle"}}
	if application.Dispatcher != nil {
		services = append(services, application.Dispatcher)
	}
	if cfg.Keeper.Enabled {
		keeper, err := automation.NewKeeper(raffleSvc, cfg.Keeper.Schedule, log.Named("automation-keeper"))
		if err != nil {
			return nil, err
		}
		application.Keeper = keeper
		services = append(services, keeper)
	} else {
		log.Warn("keeper disabled; upkeep must be performed through the API")
	}

	for _, svc := range services {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	log.WithField("network", network.Name).
		WithField("raffle", raffleAddr.String()).
		WithField("coordinator", raffleCfg.Coordinator.String()).
		WithField("subscription_id", raffleCfg.SubscriptionID).
		Info("raffle application configured")
	return application, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Services lists registered service names in start order.
func (a *Application) Services() []string {
	return a.manager.Services()
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Subscription returns the mock subscription balance, or nil on live networks.
func (a *Application) Subscription(ctx context.Context) (*big.Int, error) {
	if a.Mock == nil {
		return nil, nil
	}
	sub, err := a.Mock.GetSubscription(ctx, a.Raffle.Config().SubscriptionID)
	if err != nil {
		return nil, err
	}
	return sub.Balance, nil
}
