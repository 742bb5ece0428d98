package strategy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ksred/klear-trader/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStrategy struct {
	name     string
	settings Settings
	initErr  error
	tickErr  error
	panics   bool

	ticks     atomic.Int32
	flattened atomic.Int32
}

func newStub(name string, enabled bool) *stubStrategy {
	s := testSettings()
	s.Enabled = enabled
	s.Interval = 2 * time.Millisecond
	return &stubStrategy{name: name, settings: s}
}

func (s *stubStrategy) Name() string       { return s.name }
func (s *stubStrategy) Settings() Settings { return s.settings }

func (s *stubStrategy) Init(ctx context.Context, env Env) error { return s.initErr }

func (s *stubStrategy) Tick(ctx context.Context, env Env) error {
	s.ticks.Add(1)
	if s.panics {
		panic("boom")
	}
	return s.tickErr
}

func (s *stubStrategy) Flatten(ctx context.Context, env Env) error {
	s.flattened.Add(1)
	return FlattenAll(ctx, env, "SHUTDOWN")
}

type countingObserver struct {
	mu     sync.Mutex
	ticks  int
	errors int
}

func (o *countingObserver) ObserveTick(strategy string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ticks++
	if err != nil {
		o.errors++
	}
}

func (o *countingObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ticks, o.errors
}

func newTestScheduler(h *harness) *Scheduler {
	cfg := h.cfg
	cfg.Scheduler = config.SchedulerConfig{
		IdleInterval: 2 * time.Millisecond,
		RiskBackoff:  2 * time.Millisecond,
		ErrorBackoff: 2 * time.Millisecond,
	}
	s := NewScheduler(cfg, h.desk)
	s.now = func() time.Time { return sessionTime }
	return s
}

func statusOf(s *Scheduler, name string) Status {
	for _, st := range s.Statuses() {
		if st.Name == name {
			return st
		}
	}
	return Status{}
}

func TestSchedulerTicksAndFlattensOnStop(t *testing.T) {
	h := newHarness(nil)
	s := newTestScheduler(h)
	st := newStub("alpha", true)
	require.NoError(t, s.Register(st))
	assert.Equal(t, 2, h.gate.limits["alpha"].MaxPositions)

	h.ledger.Apply("CE1", 25, 50, "alpha")

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return st.ticks.Load() >= 3 }, time.Second, time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, int32(1), st.flattened.Load())
	reqs := h.orders.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "SHUTDOWN", reqs[0].Tags.Reason)

	ticks := st.ticks.Load()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, ticks, st.ticks.Load())
	assert.Equal(t, stateStopped, statusOf(s, "alpha").State)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, int32(1), st.flattened.Load())
}

func TestSchedulerDisabledStrategyIdles(t *testing.T) {
	h := newHarness(nil)
	s := newTestScheduler(h)
	st := newStub("alpha", false)
	require.NoError(t, s.Register(st))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, st.ticks.Load())
	assert.False(t, statusOf(s, "alpha").Enabled)

	require.NoError(t, s.Enable("alpha"))
	assert.Eventually(t, func() bool { return st.ticks.Load() > 0 }, time.Second, time.Millisecond)

	require.NoError(t, s.Disable("alpha"))
	assert.ErrorIs(t, s.Enable("missing"), ErrUnknownStrategy)
}

func TestSchedulerOutsideSession(t *testing.T) {
	h := newHarness(nil)
	s := newTestScheduler(h)
	saturday := time.Date(2024, 1, 13, 5, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return saturday }

	st := newStub("alpha", true)
	require.NoError(t, s.Register(st))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	assert.Eventually(t, func() bool { return statusOf(s, "alpha").State == stateOffHours }, time.Second, time.Millisecond)
	assert.Zero(t, st.ticks.Load())
}

func TestSchedulerRiskBackoff(t *testing.T) {
	h := newHarness(nil)
	h.gate.setDeny("daily loss limit reached")
	s := newTestScheduler(h)
	flat := newStub("flat", true)
	holding := newStub("holding", true)
	require.NoError(t, s.Register(flat))
	require.NoError(t, s.Register(holding))
	h.ledger.Apply("CE1", 25, 50, "holding")

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	// a strategy with open positions keeps ticking so it can manage exits
	assert.Eventually(t, func() bool { return holding.ticks.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return statusOf(s, "flat").State == stateBackoff }, time.Second, time.Millisecond)
	assert.Zero(t, flat.ticks.Load())
}

func TestSchedulerSurvivesErrorsAndPanics(t *testing.T) {
	h := newHarness(nil)
	s := newTestScheduler(h)
	obs := &countingObserver{}
	s.SetObserver(obs)

	failing := newStub("failing", true)
	failing.tickErr = errors.New("broker down")
	panicky := newStub("panicky", true)
	panicky.panics = true
	require.NoError(t, s.Register(failing))
	require.NoError(t, s.Register(panicky))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return failing.ticks.Load() >= 3 && panicky.ticks.Load() >= 3
	}, time.Second, time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))

	st := statusOf(s, "panicky")
	assert.GreaterOrEqual(t, st.Errors, uint64(3))
	assert.Contains(t, st.LastError, "boom")
	assert.Equal(t, "broker down", statusOf(s, "failing").LastError)

	ticks, errs := obs.counts()
	assert.Equal(t, ticks, errs)
	assert.Equal(t, int32(1), panicky.flattened.Load())
}

func TestSchedulerInitFailureDisables(t *testing.T) {
	h := newHarness(nil)
	s := newTestScheduler(h)
	st := newStub("alpha", true)
	st.initErr = errors.New("no instruments")
	require.NoError(t, s.Register(st))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, st.ticks.Load())
	assert.False(t, statusOf(s, "alpha").Enabled)
}

func TestSchedulerRegistration(t *testing.T) {
	h := newHarness(nil)
	s := newTestScheduler(h)
	require.NoError(t, s.Register(newStub("alpha", true)))
	assert.Error(t, s.Register(newStub("alpha", true)))

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())
	assert.ErrorIs(t, s.Register(newStub("beta", true)), ErrAlreadyStarted)
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
}
