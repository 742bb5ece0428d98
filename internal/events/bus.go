package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/rs/zerolog/log"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

type Kind string

const (
	KindOrder            Kind = "order"
	KindTrade            Kind = "trade"
	KindPosition         Kind = "position"
	KindPositionClosed   Kind = "position_closed"
	KindRisk             Kind = "risk"
	KindDailyPerformance Kind = "daily_performance"
)

// Event is the unit passed through the bus. Exactly one payload field is set,
// matching Kind. Payloads are copies; subscribers may keep them.
type Event struct {
	Kind     Kind
	Time     time.Time
	Order    *types.Order
	Fill     *types.Fill
	Position *types.Position
	Symbol   string
	Risk     *types.RiskEvent
	Daily    *types.DailyPerformance
}

func OrderEvent(o types.Order) Event {
	return Event{Kind: KindOrder, Time: time.Now(), Order: &o}
}

func TradeEvent(f types.Fill) Event {
	return Event{Kind: KindTrade, Time: time.Now(), Fill: &f}
}

func PositionEvent(p types.Position) Event {
	return Event{Kind: KindPosition, Time: time.Now(), Position: &p, Symbol: p.Symbol}
}

func PositionClosedEvent(symbol string) Event {
	return Event{Kind: KindPositionClosed, Time: time.Now(), Symbol: symbol}
}

func RiskEvent(e types.RiskEvent) Event {
	return Event{Kind: KindRisk, Time: time.Now(), Risk: &e}
}

func DailyPerformanceEvent(d types.DailyPerformance) Event {
	return Event{Kind: KindDailyPerformance, Time: time.Now(), Daily: &d}
}

// Handler consumes one event. Handlers run on the bus goroutine and must not block for long.
type Handler func(Event)

type subscriber struct {
	name    string
	handler Handler
}

// Bus is a bounded, non-blocking event queue fanning out to subscribers.
// Publishing never blocks the caller; when the queue is full the event is
// dropped and counted.
type Bus struct {
	ch      chan Event
	mu      sync.RWMutex
	closed  bool
	subs    []subscriber
	dropped atomic.Uint64
}

// NewBus allocates a bus with the given capacity
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{ch: make(chan Event, capacity)}
}

// Subscribe registers a handler. Subscribers added after Run started still
// receive subsequent events.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscriber{name: name, handler: h})
}

// TryPublish enqueues an event without blocking
func (b *Bus) TryPublish(e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrQueueClosed
	}
	select {
	case b.ch <- e:
		return nil
	default:
		b.dropped.Add(1)
		return ErrQueueFull
	}
}

// Publish is TryPublish with the failure logged. A nil bus discards.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if err := b.TryPublish(e); err != nil {
		log.Warn().Err(err).Str("component", "event_bus").Str("kind", string(e.Kind)).Msg("event dropped")
	}
}

// Dropped returns the number of events rejected because the queue was full
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops the bus from accepting new events. Run drains what is queued.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}

// Run consumes events until the context is done or the bus is closed and drained
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-b.ch:
			if !ok {
				return
			}
			b.dispatch(e)
		}
	}
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s subscriber, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("component", "event_bus").
				Str("subscriber", s.name).
				Str("kind", string(e.Kind)).
				Interface("panic", r).
				Msg("subscriber panicked")
		}
	}()
	s.handler(e)
}
