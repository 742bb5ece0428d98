package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/klear-trader/internal/broker"
	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/database"
	"github.com/ksred/klear-trader/internal/events"
	"github.com/ksred/klear-trader/internal/marketdata"
	"github.com/ksred/klear-trader/internal/metrics"
	"github.com/ksred/klear-trader/internal/orders"
	"github.com/ksred/klear-trader/internal/positions"
	"github.com/ksred/klear-trader/internal/reconcile"
	"github.com/ksred/klear-trader/internal/risk"
	"github.com/ksred/klear-trader/internal/strategy"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	busCapacity   = 4096
	historyLength = 100
	historyTrim   = 50

	// a second pass picks up executions the first one only acknowledged
	finalReconcilePasses = 2
)

var (
	ErrAlreadyStarted = errors.New("engine already started")
	ErrNotStarted     = errors.New("engine not started")
)

// Deps are the external collaborators. Store is optional.
type Deps struct {
	Broker broker.Client
	Store  *database.Store
}

// Engine owns every long-lived component and their lifecycle
type Engine struct {
	cfg    config.Config
	broker broker.Client

	Bus        *events.Bus
	Prices     *marketdata.PriceBook
	Ledger     *positions.Ledger
	Orders     *orders.Registry
	Guard      *risk.Guard
	Reconciler *reconcile.Loop
	Desk       *strategy.Desk
	Scheduler  *strategy.Scheduler
	Metrics    *metrics.Registry
	Store      *database.Store

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup

	busCancel context.CancelFunc
	busDone   chan struct{}

	logger zerolog.Logger
}

// New builds the component graph. Nothing runs until Start.
func New(cfg config.Config, deps Deps) (*Engine, error) {
	if deps.Broker == nil {
		return nil, errors.New("engine: broker is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		broker:  deps.Broker,
		Store:   deps.Store,
		Bus:     events.NewBus(busCapacity),
		Prices:  marketdata.NewPriceBook(historyLength, historyTrim),
		Metrics: metrics.New(),
		busDone: make(chan struct{}),
		logger:  log.With().Str("component", "engine").Logger(),
	}

	e.Ledger = positions.NewLedger(e.Bus)
	book := &fillBook{ledger: e.Ledger}
	e.Orders = orders.NewRegistry(deps.Broker, book, e.Bus)
	e.Guard = risk.NewGuard(cfg, e.Ledger, e.Orders, deps.Broker, e.Bus)
	book.guard = e.Guard
	e.Reconciler = reconcile.NewLoop(cfg, deps.Broker, e.Orders, e.Ledger, e.Prices)
	e.Desk = strategy.NewDesk(cfg, e.Prices, e.Ledger, e.Orders, e.Guard, deps.Broker)
	e.Scheduler = strategy.NewScheduler(cfg, e.Desk)
	e.Scheduler.SetObserver(e.Metrics)

	e.Metrics.WatchRisk(e.Guard.Snapshot)
	e.Metrics.WatchBus(e.Bus)
	e.Bus.Subscribe("metrics", e.Metrics.Observe)
	if e.Store != nil {
		e.Bus.Subscribe("recorder", database.NewRecorder(e.Store).Handle)
	}

	lot := cfg.Trading.DefaultQuantity
	for _, st := range []strategy.Strategy{
		strategy.NewMomentum(strategy.SettingsFrom(cfg.Strategies.Momentum, lot)),
		strategy.NewScalping(strategy.SettingsFrom(cfg.Strategies.Scalping, lot)),
	} {
		if err := e.Scheduler.Register(st); err != nil {
			return nil, fmt.Errorf("engine: register %s: %w", st.Name(), err)
		}
	}

	return e, nil
}

// fillBook books fills on the ledger and credits closed trades to the
// owning strategy before the registry publishes the fill.
type fillBook struct {
	ledger *positions.Ledger
	guard  *risk.Guard
}

func (b *fillBook) ApplyFill(f types.Fill) types.Realization {
	rz := b.ledger.ApplyFill(f)
	if rz.Quantity > 0 && b.guard != nil {
		f.RealizedPnL = rz.PnL
		f.ClosedQuantity = rz.Quantity
		f.PositionStrategy = rz.Strategy
		b.guard.RecordFill(f)
	}
	return rz
}

// OnTick feeds a market data update into the price book
func (e *Engine) OnTick(t types.Tick) {
	e.Prices.OnTick(t)
}

// Start authenticates with the broker, seeds positions and launches the
// bus, reconciliation, risk and strategy loops. Authentication failure is
// returned and nothing is started.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return ErrAlreadyStarted
	}

	if err := e.broker.Authenticate(ctx); err != nil {
		return fmt.Errorf("broker authentication failed: %w", err)
	}
	if err := e.Ledger.Sync(ctx, e.broker); err != nil {
		e.logger.Warn().Err(err).Msg("position sync failed, starting flat")
	}

	busCtx, busCancel := context.WithCancel(context.Background())
	e.busCancel = busCancel
	go func() {
		defer close(e.busDone)
		e.Bus.Run(busCtx)
	}()

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.loops.Add(2)
	go func() {
		defer e.loops.Done()
		e.Reconciler.Run(loopCtx)
	}()
	go func() {
		defer e.loops.Done()
		e.Guard.Run(loopCtx)
	}()

	if err := e.Scheduler.Start(loopCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start strategies: %w", err)
	}

	e.started = true
	e.logger.Info().
		Int("positions", e.Ledger.Count()).
		Str("underlying", e.cfg.Strategies.Underlying).
		Msg("engine started")
	return nil
}

// Stop shuts down in dependency order: strategies flatten, background loops
// stop, a final reconcile books outstanding executions, working orders are
// cancelled when configured, the day's performance is published and the bus
// drains. Only the first call does anything.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	var errs []error
	if err := e.Scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	e.cancel()
	e.loops.Wait()

	for i := 0; i < finalReconcilePasses; i++ {
		if err := e.Reconciler.RunOnce(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final reconcile: %w", err))
			break
		}
	}

	if e.cfg.Orders.CancelOnShutdown {
		if n := e.Orders.CancelAll(ctx); n > 0 {
			e.logger.Info().Int("cancelled", n).Msg("cancelled working orders on shutdown")
		}
	}

	e.Bus.Publish(events.DailyPerformanceEvent(e.Guard.DailyPerformance()))
	e.Bus.Close()

	select {
	case <-e.busDone:
	case <-ctx.Done():
		e.busCancel()
		errs = append(errs, fmt.Errorf("event bus drain: %w", ctx.Err()))
	}

	summary := e.Orders.Summary()
	e.logger.Info().
		Int("orders", summary.Total).
		Int("filled", summary.Filled).
		Int("open_positions", e.Ledger.Count()).
		Float64("total_pnl", e.Ledger.TotalPnL()).
		Uint64("events_dropped", e.Bus.Dropped()).
		Msg("engine stopped")

	return errors.Join(errs...)
}

// Status is a snapshot of every component
func (e *Engine) Status() Status {
	return Status{
		Orders:     e.Orders.Summary(),
		Risk:       e.Guard.Snapshot(),
		Strategies: e.Scheduler.Statuses(),
		Reconcile:  e.Reconciler.Stats(),
		Time:       time.Now(),
	}
}

type Status struct {
	Time       time.Time         `json:"time"`
	Orders     orders.Summary    `json:"orders"`
	Risk       risk.State        `json:"risk"`
	Strategies []strategy.Status `json:"strategies"`
	Reconcile  reconcile.Stats   `json:"reconcile"`
}
