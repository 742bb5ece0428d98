package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type OrderSource interface {
	ListOrders(ctx context.Context) ([]types.BrokerOrderSnapshot, error)
}

type Registry interface {
	Reconcile(snapshots []types.BrokerOrderSnapshot) []types.Fill
	EnforceTimeouts(ctx context.Context, now time.Time, timeout time.Duration) []string
}

// Marker is the ledger side: which symbols are held and how to revalue them
type Marker interface {
	Positions() []types.Position
	MarkPrices(prices map[string]float64)
}

type PriceSource interface {
	Last(symbol string) (float64, bool)
}

// Stats describes the loop's recent activity
type Stats struct {
	Runs      uint64    `json:"runs"`
	Failures  uint64    `json:"failures"`
	Fills     uint64    `json:"fills"`
	TimedOut  uint64    `json:"timed_out"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Loop polls the broker for order state and feeds it to the registry. It is
// the only path by which executions reach the position ledger.
type Loop struct {
	interval time.Duration
	timeout  time.Duration

	broker   OrderSource
	registry Registry
	ledger   Marker
	prices   PriceSource

	mu    sync.Mutex
	stats Stats

	now    func() time.Time
	logger zerolog.Logger
}

func NewLoop(cfg config.Config, broker OrderSource, registry Registry, ledger Marker, prices PriceSource) *Loop {
	return &Loop{
		interval: cfg.Reconcile.Interval,
		timeout:  cfg.Orders.Timeout,
		broker:   broker,
		registry: registry,
		ledger:   ledger,
		prices:   prices,
		now:      time.Now,
		logger:   log.With().Str("component", "reconcile").Logger(),
	}
}

// Run reconciles on every interval tick until ctx is done. Failures are
// logged and retried on the next tick.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info().Dur("interval", l.interval).Dur("order_timeout", l.timeout).Msg("starting reconciliation loop")

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("shutting down reconciliation loop")
			return
		case <-ticker.C:
			if err := l.RunOnce(ctx); err != nil {
				l.logger.Error().Err(err).Msg("reconciliation failed")
			}
		}
	}
}

// RunOnce performs a single poll: apply broker snapshots, cancel timed-out
// orders, then revalue held positions from the latest prices.
func (l *Loop) RunOnce(ctx context.Context) error {
	snapshots, err := l.broker.ListOrders(ctx)
	if err != nil {
		l.record(func(s *Stats) {
			s.Failures++
			s.LastError = err.Error()
		})
		return fmt.Errorf("failed to list broker orders: %w", err)
	}

	fills := l.registry.Reconcile(snapshots)
	now := l.now()
	expired := l.registry.EnforceTimeouts(ctx, now, l.timeout)
	marked := l.markPrices()

	l.record(func(s *Stats) {
		s.Runs++
		s.Fills += uint64(len(fills))
		s.TimedOut += uint64(len(expired))
		s.LastRun = now
		s.LastError = ""
	})

	if len(fills) > 0 || len(expired) > 0 {
		l.logger.Info().
			Int("snapshots", len(snapshots)).
			Int("fills", len(fills)).
			Strs("timed_out", expired).
			Int("marked", marked).
			Msg("reconciled")
	} else {
		l.logger.Debug().Int("snapshots", len(snapshots)).Int("marked", marked).Msg("reconciled")
	}
	return nil
}

func (l *Loop) markPrices() int {
	if l.prices == nil {
		return 0
	}
	held := l.ledger.Positions()
	if len(held) == 0 {
		return 0
	}
	marks := make(map[string]float64, len(held))
	for _, p := range held {
		if price, ok := l.prices.Last(p.Symbol); ok {
			marks[p.Symbol] = price
		}
	}
	l.ledger.MarkPrices(marks)
	return len(marks)
}

func (l *Loop) record(f func(*Stats)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f(&l.stats)
}

func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
