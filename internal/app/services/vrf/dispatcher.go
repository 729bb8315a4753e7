package vrf

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
	domain "github.com/R3E-Network/raffle_layer/internal/app/domain/vrf"
	"github.com/R3E-Network/raffle_layer/internal/app/system"
	"github.com/R3E-Network/raffle_layer/pkg/logger"
)

// Fulfiller exposes the pending queue of a coordinator that fulfills on demand.
type Fulfiller interface {
	Pending(ctx context.Context) ([]domain.Request, error)
	FulfillRandomWords(ctx context.Context, requestID uint64, consumer account.Address) (domain.Fulfillment, error)
}

var _ system.Service = (*Dispatcher)(nil)
var _ Fulfiller = (*Mock)(nil)

// Dispatcher periodically fulfills requests that have been pending for at
// least the configured delay, standing in for the oracle network's
// asynchronous response.
type Dispatcher struct {
	fulfiller Fulfiller
	log       *logger.Logger
	interval  time.Duration
	delay     time.Duration
	retry     time.Duration

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[uint64]time.Time
}

// NewDispatcher constructs a lifecycle-managed dispatcher.
func NewDispatcher(fulfiller Fulfiller, interval, delay time.Duration, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("vrf-dispatcher")
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if delay < 0 {
		delay = 0
	}
	return &Dispatcher{
		fulfiller:   fulfiller,
		log:         log,
		interval:    interval,
		delay:       delay,
		retry:       10 * time.Second,
		nextAttempt: make(map[uint64]time.Time),
	}
}

func (d *Dispatcher) Name() string { return "vrf-dispatcher" }

func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.fulfiller == nil {
		d.mu.Unlock()
		d.log.Warn("vrf fulfiller not configured; dispatcher disabled")
		return nil
	}
	if d.running {
		d.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.Tick(runCtx)
			}
		}
	}()

	d.log.WithField("interval", d.interval.String()).
		WithField("delay", d.delay.String()).
		Info("vrf dispatcher started")
	return nil
}

func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	d.running = false
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.log.Info("vrf dispatcher stopped")
	return nil
}

// Tick fulfills every request that is due and returns how many were delivered.
func (d *Dispatcher) Tick(ctx context.Context) int {
	if d.fulfiller == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	reqs, err := d.fulfiller.Pending(ctx)
	if err != nil {
		d.log.WithError(err).Warn("vrf dispatcher tick failed")
		return 0
	}

	now := time.Now()
	delivered := 0
	for _, req := range reqs {
		if now.Sub(req.RequestedAt) < d.delay || !d.shouldAttempt(req.ID, now) {
			continue
		}

		result, err := d.fulfiller.FulfillRandomWords(ctx, req.ID, req.Params.Consumer)
		if err != nil {
			d.log.WithError(err).
				WithField("request_id", req.ID).
				Warn("fulfill random words failed")
			d.scheduleNext(req.ID)
			continue
		}
		if !result.Success {
			d.log.WithField("request_id", req.ID).
				WithField("error", result.Error).
				Warn("consumer did not accept random words")
		}
		d.clearSchedule(req.ID)
		delivered++
	}
	return delivered
}

func (d *Dispatcher) shouldAttempt(id uint64, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, ok := d.nextAttempt[id]
	if !ok || now.After(next) {
		return true
	}
	return false
}

func (d *Dispatcher) scheduleNext(id uint64) {
	d.mu.Lock()
	d.nextAttempt[id] = time.Now().Add(d.retry)
	d.mu.Unlock()
}

func (d *Dispatcher) clearSchedule(id uint64) {
	d.mu.Lock()
	delete(d.nextAttempt, id)
	d.mu.Unlock()
}
