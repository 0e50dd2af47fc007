// Package scheduler drives the polling, ingestion and reconciliation loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tokenwatch/internal/ingestion"
	"tokenwatch/internal/observability"
	"tokenwatch/internal/storage"
	"tokenwatch/internal/upstream"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
)

// Defaults applied when Options leave a knob at zero.
const (
	DefaultInterval       = 2 * time.Second
	DefaultDiscoveryEvery = 10
	DefaultTradesEvery    = 1
	DefaultSyncEvery      = 5
	DefaultBackoff        = 30 * time.Second
)

// Result reports the outcome of Start or Stop.
type Result struct {
	OK      bool
	State   State
	Message string
}

// Poller discovers tokens and refreshes their prices.
type Poller interface {
	Discover(ctx context.Context) (int, error)
	UpdatePrices(ctx context.Context) (int, error)
}

// Ingester pulls trades for one batch of tokens.
type Ingester interface {
	Tick(ctx context.Context) (ingestion.TickResult, error)
}

// Synchronizer runs the reconciliation catch-up sweep.
type Synchronizer interface {
	SynchronizeAll(ctx context.Context, limit int) (int, error)
}

// PriceRefresher reloads the cached reference price.
type PriceRefresher interface {
	Refresh(ctx context.Context) error
}

// PauseSignal tells the scheduler to hold discovery.
type PauseSignal interface {
	ShouldPause(ctx context.Context) (bool, error)
}

// Backoff is the rate limiter's backoff window.
type Backoff interface {
	BackoffFor(d time.Duration)
	BackoffDeadline() time.Time
}

// Options configures a Scheduler.
type Options struct {
	Poller       Poller
	Ingester     Ingester
	Synchronizer Synchronizer
	RefPrice     PriceRefresher
	Pause        PauseSignal
	Limiter      Backoff

	Interval       time.Duration
	DiscoveryEvery int
	TradesEvery    int
	SyncEvery      int
	SyncLimit      int
	DefaultBackoff time.Duration

	Observer *observability.Metrics
	Logger   *zap.Logger
}

// Scheduler runs the tick loop and owns the auxiliary task registry.
type Scheduler struct {
	opts     Options
	registry *Registry
	observer *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	ticks       atomic.Int64
	manualPause atomic.Bool
	signalPause atomic.Bool
}

// New creates a stopped Scheduler.
func New(opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.DiscoveryEvery <= 0 {
		opts.DiscoveryEvery = DefaultDiscoveryEvery
	}
	if opts.TradesEvery <= 0 {
		opts.TradesEvery = DefaultTradesEvery
	}
	if opts.SyncEvery <= 0 {
		opts.SyncEvery = DefaultSyncEvery
	}
	if opts.DefaultBackoff <= 0 {
		opts.DefaultBackoff = DefaultBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		opts:     opts,
		registry: NewRegistry(logger),
		observer: opts.Observer,
		logger:   logger,
		now:      time.Now,
		state:    StateStopped,
	}
}

// Register adds an auxiliary loop. Loops stop after the tick loop, in
// registration order.
func (s *Scheduler) Register(name string, run TaskFunc) {
	s.registry.Register(name, run)
}

// Start launches the tick loop and the registered tasks.
func (s *Scheduler) Start(ctx context.Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		return Result{State: StateRunning, Message: "already running"}
	}

	s.ticks.Store(0)
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.state = StateRunning

	go s.loop(loopCtx, s.done)
	s.registry.Start(loopCtx)

	s.logger.Info("scheduler started",
		zap.Duration("interval", s.opts.Interval),
		zap.Int("discovery_every", s.opts.DiscoveryEvery),
		zap.Int("trades_every", s.opts.TradesEvery),
		zap.Int("sync_every", s.opts.SyncEvery),
	)
	return Result{OK: true, State: StateRunning}
}

// Stop cancels the tick loop, waits for it, then stops the registered tasks.
// No scheduled work runs after a successful Stop returns.
func (s *Scheduler) Stop(ctx context.Context) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return Result{State: StateStopped, Message: "not running"}
	}

	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return Result{State: StateRunning, Message: fmt.Sprintf("tick loop did not exit: %v", ctx.Err())}
	}
	if err := s.registry.Stop(ctx); err != nil {
		return Result{State: StateRunning, Message: err.Error()}
	}

	s.state = StateStopped
	s.logger.Info("scheduler stopped", zap.Int64("ticks", s.ticks.Load()))
	return Result{OK: true, State: StateStopped}
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ticks returns the number of ticks since the last Start.
func (s *Scheduler) Ticks() int64 {
	return s.ticks.Load()
}

// SetPaused sets the manual discovery pause.
func (s *Scheduler) SetPaused(paused bool) {
	s.manualPause.Store(paused)
	s.observer.SetPaused(s.Paused())
}

// Paused reports whether discovery is held by the manual flag or the signal.
func (s *Scheduler) Paused() bool {
	return s.manualPause.Load() || s.signalPause.Load()
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.refreshPause(ctx)
	timer := time.NewTimer(s.opts.Interval)
	defer timer.Stop()

	for {
		s.tick(ctx)

		timer.Reset(s.opts.Interval)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		s.refreshPause(ctx)
	}
}

// tick runs one round of scheduled work. Nothing it calls can end the loop.
func (s *Scheduler) tick(ctx context.Context) {
	n := s.ticks.Add(1)

	if s.opts.RefPrice != nil {
		s.run(ctx, "refprice", func(ctx context.Context) error {
			return s.opts.RefPrice.Refresh(ctx)
		})
	}

	if s.opts.Poller != nil {
		if n%int64(s.opts.DiscoveryEvery) == 0 && !s.Paused() {
			s.run(ctx, "discover", func(ctx context.Context) error {
				_, err := s.opts.Poller.Discover(ctx)
				return err
			})
		} else {
			s.run(ctx, "update_prices", func(ctx context.Context) error {
				_, err := s.opts.Poller.UpdatePrices(ctx)
				return err
			})
		}
	}

	if s.opts.Ingester != nil && n%int64(s.opts.TradesEvery) == 0 {
		s.run(ctx, "trades", func(ctx context.Context) error {
			res, err := s.opts.Ingester.Tick(ctx)
			if len(res.Tokens) > 0 {
				s.logger.Debug("trade tick",
					zap.Int("tokens", len(res.Tokens)),
					zap.Int("inserted", res.Inserted),
					zap.Int("failed", res.Failed),
				)
			}
			return err
		})
	}

	if s.opts.Synchronizer != nil && n%int64(s.opts.SyncEvery) == 0 {
		s.run(ctx, "sync", func(ctx context.Context) error {
			_, err := s.opts.Synchronizer.SynchronizeAll(ctx, s.opts.SyncLimit)
			return err
		})
	}

	now := s.now()
	s.observer.MarkTick(now)
	if s.opts.Limiter != nil {
		s.observer.SetBackoff(s.opts.Limiter.BackoffDeadline().Sub(now))
	}
}

// run executes one task, logging and swallowing its error or panic.
// Rate-limit errors extend the limiter backoff.
func (s *Scheduler) run(ctx context.Context, name string, fn func(context.Context) error) {
	if ctx.Err() != nil {
		return
	}

	started := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn(ctx)
	}()
	s.observer.RecordTask(name, time.Since(started), err)

	if err == nil || ctx.Err() != nil {
		return
	}

	var rl *upstream.RateLimitedError
	if errors.As(err, &rl) && s.opts.Limiter != nil {
		wait := rl.RetryAfter
		if wait <= 0 {
			wait = s.opts.DefaultBackoff
		}
		s.opts.Limiter.BackoffFor(wait)
		s.logger.Warn("rate limited, backing off", zap.String("task", name), zap.Duration("backoff", wait))
		return
	}
	s.logger.Warn("scheduled task failed", zap.String("task", name), zap.Error(err))
}

func (s *Scheduler) refreshPause(ctx context.Context) {
	if s.opts.Pause != nil {
		paused, err := s.opts.Pause.ShouldPause(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("evaluate pause signal", zap.Error(err))
			}
		} else {
			s.signalPause.Store(paused)
		}
	}
	s.observer.SetPaused(s.Paused())
}

// OpenPositionPause pauses discovery while any token has an open position.
func OpenPositionPause(ledger storage.PositionLedger) PauseSignal {
	return ledgerPause{ledger}
}

type ledgerPause struct {
	ledger storage.PositionLedger
}

func (p ledgerPause) ShouldPause(ctx context.Context) (bool, error) {
	return p.ledger.HasAnyOpenPosition(ctx)
}
