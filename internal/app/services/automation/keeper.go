package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/raffle_layer/internal/app/metrics"
	"github.com/R3E-Network/raffle_layer/internal/app/services/raffle"
	"github.com/R3E-Network/raffle_layer/internal/app/system"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

// DefaultSchedule polls as often as the shortest configured round interval.
const DefaultSchedule = "@every 30s"

// Upkeeper is the contract a keeper drives.
type Upkeeper interface {
	CheckUpkeep(ctx context.Context, checkData []byte) (bool, []byte)
	PerformUpkeep(ctx context.Context, performData []byte) (uint64, error)
}

// PayoutRetrier is implemented by targets that can recover a failed payout.
type PayoutRetrier interface {
	HasStalledPayout() bool
	RetryPayout(ctx context.Context) error
}

// Result describes the outcome of one keeper tick.
type Result string

const (
	ResultSkipped   Result = "skipped"
	ResultPerformed Result = "performed"
	ResultRaced     Result = "raced"
	ResultFailed    Result = "failed"
	ResultRetried   Result = "payout_retried"
)

var _ system.Service = (*Keeper)(nil)

// Keeper polls CheckUpkeep on a cron schedule and calls PerformUpkeep when it
// reports true.
type Keeper struct {
	target   Upkeeper
	schedule cron.Schedule
	spec     string
	timeout  time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// NewKeeper validates spec (standard cron syntax or descriptors such as
// "@every 30s") and returns a stopped keeper.
func NewKeeper(target Upkeeper, spec string, log *logger.Logger) (*Keeper, error) {
	if target == nil {
		return nil, errors.New("automation: upkeep target is required")
	}
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse keeper schedule %q: %w", spec, err)
	}
	if log == nil {
		log = logger.NewDefault("automation-keeper")
	}
	return &Keeper{
		target:   target,
		schedule: schedule,
		spec:     spec,
		timeout:  15 * time.Second,
		log:      log,
	}, nil
}

func (k *Keeper) Name() string { return "automation-keeper" }

// Schedule returns the configured cron spec.
func (k *Keeper) Schedule() string { return k.spec }

func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(k.log))))
	c.Schedule(k.schedule, cron.FuncJob(func() {
		tickCtx, tickCancel := context.WithTimeout(runCtx, k.timeout)
		defer tickCancel()
		_, _ = k.RunOnce(tickCtx)
	}))
	c.Start()

	k.cron = c
	k.cancel = cancel
	k.running = true
	k.log.WithField("schedule", k.spec).Info("automation keeper started")
	return nil
}

func (k *Keeper) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	c := k.cron
	cancel := k.cancel
	k.running = false
	k.cron = nil
	k.cancel = nil
	k.mu.Unlock()

	done := c.Stop()
	cancel()

	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	k.log.Info("automation keeper stopped")
	return nil
}

// RunOnce performs a single keeper tick.
func (k *Keeper) RunOnce(ctx context.Context) (Result, error) {
	start := time.Now()
	result, err := k.tick(ctx)
	metrics.RecordUpkeep(string(result), time.Since(start))
	return result, err
}

func (k *Keeper) tick(ctx context.Context) (Result, error) {
	if retrier, ok := k.target.(PayoutRetrier); ok && retrier.HasStalledPayout() {
		if err := retrier.RetryPayout(ctx); err != nil {
			k.log.WithError(err).Warn("retry stalled payout failed")
			return ResultFailed, err
		}
		k.log.Info("stalled payout settled")
		return ResultRetried, nil
	}

	needed, performData := k.target.CheckUpkeep(ctx, nil)
	if !needed {
		return ResultSkipped, nil
	}

	requestID, err := k.target.PerformUpkeep(ctx, performData)
	switch {
	case errors.Is(err, raffle.ErrUpkeepNotNeeded):
		k.log.WithError(err).Debug("upkeep no longer needed")
		return ResultRaced, nil
	case err != nil:
		k.log.WithError(err).Warn("perform upkeep failed")
		return ResultFailed, err
	}

	k.log.WithField("request_id", requestID).Info("upkeep performed")
	return ResultPerformed, nil
}
