package metrics

import (
	"net/http"

	"github.com/ksred/klear-trader/internal/events"
	"github.com/ksred/klear-trader/internal/risk"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trader"

// Registry holds every collector the trading engine exports
type Registry struct {
	reg *prometheus.Registry

	OrderEvents   *prometheus.CounterVec
	Fills         *prometheus.CounterVec
	FilledQty     *prometheus.CounterVec
	RiskEvents    *prometheus.CounterVec
	StrategyTicks *prometheus.CounterVec
	ClosedTotal   prometheus.Counter
}

// New creates the collectors and registers them, together with the Go
// runtime and process collectors, on a private registry.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		OrderEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "order_events_total",
				Help:      "Order state changes by resulting status",
			},
			[]string{"status"},
		),

		Fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fills_total",
				Help:      "Executions applied to the position ledger",
			},
			[]string{"strategy", "side"},
		),

		FilledQty: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filled_quantity_total",
				Help:      "Executed quantity by strategy",
			},
			[]string{"strategy"},
		),

		RiskEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "risk_events_total",
				Help:      "Risk events by type and severity",
			},
			[]string{"type", "severity"},
		),

		StrategyTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "strategy_ticks_total",
				Help:      "Strategy ticks by result",
			},
			[]string{"strategy", "result"},
		),

		ClosedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "positions_closed_total",
				Help:      "Positions that went flat",
			},
		),
	}

	r.reg.MustRegister(
		r.OrderEvents,
		r.Fills,
		r.FilledQty,
		r.RiskEvents,
		r.StrategyTicks,
		r.ClosedTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Observe is an event bus handler
func (r *Registry) Observe(e events.Event) {
	switch e.Kind {
	case events.KindOrder:
		if e.Order != nil {
			r.OrderEvents.WithLabelValues(string(e.Order.Status)).Inc()
		}
	case events.KindTrade:
		if e.Fill != nil {
			r.Fills.WithLabelValues(e.Fill.Strategy, string(e.Fill.Side)).Inc()
			r.FilledQty.WithLabelValues(e.Fill.Strategy).Add(float64(e.Fill.Quantity))
		}
	case events.KindRisk:
		if e.Risk != nil {
			r.RiskEvents.WithLabelValues(string(e.Risk.Type), string(e.Risk.Severity)).Inc()
		}
	case events.KindPositionClosed:
		r.ClosedTotal.Inc()
	}
}

// ObserveTick counts a completed strategy tick
func (r *Registry) ObserveTick(strategy string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.StrategyTicks.WithLabelValues(strategy, result).Inc()
}

// WatchRisk exports the risk guard's live view as gauges read at scrape time
func (r *Registry) WatchRisk(snapshot func() risk.State) {
	gauge := func(name, help string, read func(risk.State) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
			func() float64 { return read(snapshot()) },
		)
	}
	r.reg.MustRegister(
		gauge("portfolio_value", "Gross market value of open positions", func(s risk.State) float64 { return s.PortfolioValue }),
		gauge("total_pnl", "Realized plus unrealized PnL", func(s risk.State) float64 { return s.TotalPnL }),
		gauge("daily_pnl", "PnL since the start of the trading day", func(s risk.State) float64 { return s.DailyPnL }),
		gauge("drawdown_ratio", "Current drawdown from peak portfolio value", func(s risk.State) float64 { return s.CurrentDrawdown }),
		gauge("max_drawdown_ratio", "Largest drawdown seen", func(s risk.State) float64 { return s.MaxDrawdown }),
		gauge("open_positions", "Number of open positions", func(s risk.State) float64 { return float64(s.ActivePositions) }),
		gauge("liquidating", "1 while a daily loss liquidation is in progress", func(s risk.State) float64 {
			if s.Liquidating {
				return 1
			}
			return 0
		}),
	)
}

// WatchBus exports the event bus drop counter
func (r *Registry) WatchBus(bus *events.Bus) {
	r.reg.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped because the bus queue was full"},
		func() float64 { return float64(bus.Dropped()) },
	))
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
