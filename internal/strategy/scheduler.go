package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/risk"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrAlreadyStarted  = errors.New("scheduler already started")
)

// Observer is told about every completed tick
type Observer interface {
	ObserveTick(strategy string, err error)
}

// Status is what the ops API reports per strategy
type Status struct {
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	State     string    `json:"state"`
	Ticks     uint64    `json:"ticks"`
	Errors    uint64    `json:"errors"`
	LastTick  time.Time `json:"last_tick,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Positions int       `json:"positions"`
	Settings  Settings  `json:"settings"`

	Performance risk.StrategyPerformance `json:"performance"`
}

const (
	stateIdle      = "idle"
	stateOffHours  = "outside_session"
	stateBackoff   = "risk_backoff"
	stateErrored   = "error_backoff"
	stateRunning   = "running"
	stateStopped   = "stopped"
	stateNotLoaded = "not_started"
)

type entry struct {
	strategy Strategy
	settings Settings
	env      *strategyEnv
	enabled  atomic.Bool

	mu        sync.Mutex
	state     string
	ticks     uint64
	errs      uint64
	lastTick  time.Time
	lastError string
}

func (e *entry) set(f func(e *entry)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f(e)
}

// Scheduler runs every registered strategy on its own goroutine with the same
// loop: skip while disabled or outside the session, back off while the risk
// gate denies new trades, otherwise tick and sleep the strategy's interval.
type Scheduler struct {
	cfg      config.SchedulerConfig
	session  config.SessionConfig
	desk     *Desk
	observer Observer

	mu      sync.Mutex
	entries []*entry
	byName  map[string]*entry

	running  atomic.Bool
	started  bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	now    func() time.Time
	logger zerolog.Logger
}

func NewScheduler(cfg config.Config, desk *Desk) *Scheduler {
	return &Scheduler{
		cfg:     cfg.Scheduler,
		session: cfg.Session,
		desk:    desk,
		byName:  make(map[string]*entry),
		now:     time.Now,
		logger:  log.With().Str("component", "scheduler").Logger(),
	}
}

// SetObserver installs a tick observer. Call before Start.
func (s *Scheduler) SetObserver(o Observer) {
	s.observer = o
}

// Register adds a strategy and hands its limits to the risk gate
func (s *Scheduler) Register(st Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	name := st.Name()
	if _, dup := s.byName[name]; dup {
		return fmt.Errorf("strategy %q already registered", name)
	}

	settings := st.Settings()
	e := &entry{
		strategy: st,
		settings: settings,
		env:      s.desk.envFor(name, settings),
		state:    stateNotLoaded,
	}
	e.enabled.Store(settings.Enabled)
	s.entries = append(s.entries, e)
	s.byName[name] = e

	s.desk.gate.RegisterStrategy(name, risk.Limits{
		MaxPositions:    settings.MaxPositions,
		MaxTradesPerDay: settings.MaxTradesPerDay,
	})
	return nil
}

// Start initialises every strategy and launches its loop. A strategy whose
// Init fails is logged and left disabled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running.Store(true)

	for _, e := range entries {
		name := e.strategy.Name()
		if err := e.strategy.Init(ctx, e.env); err != nil {
			s.logger.Error().Err(err).Str("strategy", name).Msg("strategy init failed, disabling")
			e.enabled.Store(false)
		}

		s.wg.Add(1)
		go func(e *entry) {
			defer s.wg.Done()
			s.loop(loopCtx, e)
		}(e)
		s.logger.Info().Str("strategy", name).Dur("interval", e.settings.Interval).Bool("enabled", e.enabled.Load()).Msg("strategy started")
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	for s.running.Load() {
		wait := s.step(ctx, e)
		if !s.running.Load() {
			break
		}
		if !sleep(ctx, wait) {
			break
		}
	}
	e.set(func(e *entry) { e.state = stateStopped })
}

// step runs one pass of the loop and returns how long to sleep before the next
func (s *Scheduler) step(ctx context.Context, e *entry) (wait time.Duration) {
	name := e.strategy.Name()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			s.logger.Error().Err(err).Str("strategy", name).Msg("strategy tick panicked")
			s.recordTick(e, err)
			wait = s.cfg.ErrorBackoff
		}
	}()

	if !e.enabled.Load() {
		e.set(func(e *entry) { e.state = stateIdle })
		return s.cfg.IdleInterval
	}
	if !s.session.InSession(s.now()) {
		e.set(func(e *entry) { e.state = stateOffHours })
		return s.cfg.IdleInterval
	}
	if d := s.desk.gate.CanOpenTrade(name); !d.Allowed && len(e.env.Positions()) == 0 {
		s.logger.Debug().Str("strategy", name).Str("reason", d.Reason).Msg("risk gate closed, backing off")
		e.set(func(e *entry) { e.state = stateBackoff })
		return s.cfg.RiskBackoff
	}

	e.set(func(e *entry) { e.state = stateRunning })
	err := e.strategy.Tick(ctx, e.env)
	s.recordTick(e, err)
	if err != nil {
		s.logger.Error().Err(err).Str("strategy", name).Msg("strategy tick failed")
		e.set(func(e *entry) { e.state = stateErrored })
		return s.cfg.ErrorBackoff
	}
	return e.settings.Interval
}

func (s *Scheduler) recordTick(e *entry, err error) {
	now := s.now()
	e.set(func(e *entry) {
		e.ticks++
		e.lastTick = now
		if err != nil {
			e.errs++
			e.lastError = err.Error()
		}
	})
	if s.observer != nil {
		s.observer.ObserveTick(e.strategy.Name(), err)
	}
}

// Stop halts every loop, waits for in-flight ticks to finish and then runs
// each strategy's Flatten with ctx. It is safe to call more than once; only
// the first call flattens.
func (s *Scheduler) Stop(ctx context.Context) error {
	var errs []error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		s.mu.Lock()
		entries := append([]*entry(nil), s.entries...)
		s.mu.Unlock()

		for _, e := range entries {
			if err := s.flatten(ctx, e); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", e.strategy.Name(), err))
			}
		}
		s.logger.Info().Int("strategies", len(entries)).Msg("scheduler stopped")
	})
	return errors.Join(errs...)
}

func (s *Scheduler) flatten(ctx context.Context, e *entry) (err error) {
	name := e.strategy.Name()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flatten panic: %v", r)
		}
		if err != nil {
			s.logger.Error().Err(err).Str("strategy", name).Msg("flatten failed")
		}
	}()
	return e.strategy.Flatten(ctx, e.env)
}

func (s *Scheduler) Enable(name string) error  { return s.setEnabled(name, true) }
func (s *Scheduler) Disable(name string) error { return s.setEnabled(name, false) }

func (s *Scheduler) setEnabled(name string, on bool) error {
	s.mu.Lock()
	e, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	e.enabled.Store(on)
	s.logger.Info().Str("strategy", name).Bool("enabled", on).Msg("strategy toggled")
	return nil
}

// Statuses reports every registered strategy sorted by name
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	out := make([]Status, 0, len(entries))
	for _, e := range entries {
		st := Status{
			Name:      e.strategy.Name(),
			Enabled:   e.enabled.Load(),
			Positions: len(e.env.Positions()),
			Settings:  e.settings,
		}
		st.Performance = s.desk.gate.Performance(st.Name)
		e.mu.Lock()
		st.State = e.state
		st.Ticks = e.ticks
		st.Errors = e.errs
		st.LastTick = e.lastTick
		st.LastError = e.lastError
		e.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
