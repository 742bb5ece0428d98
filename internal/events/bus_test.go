package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ksred/klear-trader/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryPublishFullAndClosed(t *testing.T) {
	b := NewBus(1)

	require.NoError(t, b.TryPublish(OrderEvent(types.Order{OrderID: "a"})))
	assert.ErrorIs(t, b.TryPublish(OrderEvent(types.Order{OrderID: "b"})), ErrQueueFull)
	assert.Equal(t, uint64(1), b.Dropped())

	b.Close()
	assert.ErrorIs(t, b.TryPublish(OrderEvent(types.Order{OrderID: "c"})), ErrQueueClosed)
	// closing twice is harmless
	b.Close()
}

func TestRunDeliversInOrderAndDrainsOnClose(t *testing.T) {
	b := NewBus(16)

	var mu sync.Mutex
	var got []string
	b.Subscribe("collector", func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Order.OrderID)
	})

	for _, id := range []string{"1", "2", "3"} {
		b.Publish(OrderEvent(types.Order{OrderID: id}))
	}
	b.Close()

	done := make(chan struct{})
	go func() {
		b.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}

	assert.Equal(t, []string{"1", "2", "3"}, got)
}

func TestPanickingSubscriberDoesNotStopOthers(t *testing.T) {
	b := NewBus(4)

	var count int
	b.Subscribe("bad", func(Event) { panic("boom") })
	b.Subscribe("good", func(Event) { count++ })

	b.Publish(RiskEvent(types.RiskEvent{Type: types.RiskDailyReset}))
	b.Publish(PositionClosedEvent("NIFTY24500CE"))
	b.Close()
	b.Run(context.Background())

	assert.Equal(t, 2, count)
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *Bus
	assert.NotPanics(t, func() { b.Publish(TradeEvent(types.Fill{})) })
}

func TestRunStopsOnContext(t *testing.T) {
	b := NewBus(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
