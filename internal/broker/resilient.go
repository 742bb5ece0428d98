package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Resilient decorates a Client with client-side rate limiting, a circuit
// breaker and bounded retries. Only idempotent reads are retried; order
// placement, modification and cancellation go through exactly once.
type Resilient struct {
	next       Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	maxRetries int
	retryDelay time.Duration
	logger     zerolog.Logger
}

// NewResilient wraps next with the limits from cfg
func NewResilient(next Client, cfg config.BrokerConfig) *Resilient {
	logger := log.With().Str("component", "broker").Logger()

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	st := gobreaker.Settings{Name: "broker"}
	st.Interval = 60 * time.Second
	st.Timeout = cfg.BreakerTimeout
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 5 {
			return true
		}
		if counts.Requests < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(counts.Requests) > 0.5
	}
	// rejections are the broker working as intended
	st.IsSuccessful = func(err error) bool {
		return err == nil || Classify(err) == ClassRejected
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("broker circuit state changed")
	}

	return &Resilient{
		next:       next,
		limiter:    rate.NewLimiter(limit, burst),
		breaker:    gobreaker.NewCircuitBreaker(st),
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
}

// State exposes the breaker state for the ops API
func (r *Resilient) State() string {
	return r.breaker.State().String()
}

func call[T any](ctx context.Context, r *Resilient, op string, retry bool, fn func() (T, error)) (T, error) {
	var zero T
	attempts := 1
	if retry && r.maxRetries > 0 {
		attempts += r.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := r.retryDelay << (attempt - 1)
			r.logger.Debug().Str("op", op).Int("attempt", attempt+1).Dur("delay", delay).Err(lastErr).Msg("retrying broker call")
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return zero, fmt.Errorf("%s: rate limiter: %w", op, err)
		}

		out, err := r.breaker.Execute(func() (interface{}, error) {
			v, err := fn()
			return v, err
		})
		if err == nil {
			return out.(T), nil
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}
	return zero, fmt.Errorf("%s: %w", op, lastErr)
}

func (r *Resilient) Authenticate(ctx context.Context) error {
	_, err := call(ctx, r, "authenticate", true, func() (struct{}, error) {
		return struct{}{}, r.next.Authenticate(ctx)
	})
	return err
}

func (r *Resilient) PlaceOrder(ctx context.Context, req types.PlaceRequest) (string, error) {
	return call(ctx, r, "place_order", false, func() (string, error) {
		return r.next.PlaceOrder(ctx, req)
	})
}

func (r *Resilient) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := call(ctx, r, "cancel_order", false, func() (struct{}, error) {
		return struct{}{}, r.next.CancelOrder(ctx, brokerOrderID)
	})
	return err
}

func (r *Resilient) ModifyOrder(ctx context.Context, brokerOrderID string, changes types.OrderChanges) error {
	_, err := call(ctx, r, "modify_order", false, func() (struct{}, error) {
		return struct{}{}, r.next.ModifyOrder(ctx, brokerOrderID, changes)
	})
	return err
}

func (r *Resilient) ListOrders(ctx context.Context) ([]types.BrokerOrderSnapshot, error) {
	return call(ctx, r, "list_orders", true, func() ([]types.BrokerOrderSnapshot, error) {
		return r.next.ListOrders(ctx)
	})
}

func (r *Resilient) GetPositions(ctx context.Context) ([]types.BrokerPositionSnapshot, error) {
	return call(ctx, r, "get_positions", true, func() ([]types.BrokerPositionSnapshot, error) {
		return r.next.GetPositions(ctx)
	})
}

func (r *Resilient) GetQuote(ctx context.Context, symbol string) (types.Quote, error) {
	return call(ctx, r, "get_quote", true, func() (types.Quote, error) {
		return r.next.GetQuote(ctx, symbol)
	})
}

func (r *Resilient) GetFunds(ctx context.Context) (types.Funds, error) {
	return call(ctx, r, "get_funds", true, func() (types.Funds, error) {
		return r.next.GetFunds(ctx)
	})
}
