package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ksred/klear-trader/internal/config"
	"github.com/ksred/klear-trader/internal/types"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyClient struct {
	placeCalls int
	listCalls  int
	placeErr   error
	listErrs   []error
}

func (f *flakyClient) Authenticate(ctx context.Context) error { return nil }

func (f *flakyClient) PlaceOrder(ctx context.Context, req types.PlaceRequest) (string, error) {
	f.placeCalls++
	if f.placeErr != nil {
		return "", f.placeErr
	}
	return "B-1", nil
}

func (f *flakyClient) CancelOrder(ctx context.Context, id string) error { return nil }

func (f *flakyClient) ModifyOrder(ctx context.Context, id string, c types.OrderChanges) error {
	return nil
}

func (f *flakyClient) ListOrders(ctx context.Context) ([]types.BrokerOrderSnapshot, error) {
	f.listCalls++
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return []types.BrokerOrderSnapshot{{BrokerOrderID: "B-1", Status: "TRADED"}}, nil
}

func (f *flakyClient) GetPositions(ctx context.Context) ([]types.BrokerPositionSnapshot, error) {
	return nil, nil
}

func (f *flakyClient) GetQuote(ctx context.Context, symbol string) (types.Quote, error) {
	return types.Quote{Symbol: symbol, LastPrice: 100}, nil
}

func (f *flakyClient) GetFunds(ctx context.Context) (types.Funds, error) {
	return types.Funds{AvailableBalance: 1000}, nil
}

func testBrokerConfig() config.BrokerConfig {
	return config.BrokerConfig{
		RateLimit:      0,
		Burst:          1,
		MaxRetries:     2,
		RetryDelay:     time.Millisecond,
		BreakerTimeout: time.Minute,
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassUnknown},
		{"transient", Transientf("503"), ClassTransient},
		{"rejected", Rejectedf("insufficient funds"), ClassRejected},
		{"wrapped transient", errors.Join(errors.New("ctx"), ErrTransient), ClassTransient},
		{"open breaker", gobreaker.ErrOpenState, ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"other", errors.New("boom"), ClassUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestResilientRetriesTransientReads(t *testing.T) {
	next := &flakyClient{listErrs: []error{Transientf("timeout"), Transientf("timeout")}}
	r := NewResilient(next, testBrokerConfig())

	snaps, err := r.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
	assert.Equal(t, 3, next.listCalls)
}

func TestResilientGivesUpAfterMaxRetries(t *testing.T) {
	next := &flakyClient{listErrs: []error{Transientf("1"), Transientf("2"), Transientf("3"), Transientf("4")}}
	r := NewResilient(next, testBrokerConfig())

	_, err := r.ListOrders(context.Background())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 3, next.listCalls)
}

func TestResilientDoesNotRetryRejections(t *testing.T) {
	next := &flakyClient{listErrs: []error{Rejectedf("bad token")}}
	r := NewResilient(next, testBrokerConfig())

	_, err := r.ListOrders(context.Background())
	require.Error(t, err)
	assert.Equal(t, ClassRejected, Classify(err))
	assert.Equal(t, 1, next.listCalls)
}

func TestResilientNeverRetriesPlacement(t *testing.T) {
	next := &flakyClient{placeErr: Transientf("gateway timeout")}
	r := NewResilient(next, testBrokerConfig())

	_, err := r.PlaceOrder(context.Background(), types.PlaceRequest{Symbol: "X", Quantity: 1})
	require.Error(t, err)
	assert.Equal(t, 1, next.placeCalls)
}

func TestResilientBreakerOpens(t *testing.T) {
	cfg := testBrokerConfig()
	cfg.MaxRetries = 0
	next := &flakyClient{placeErr: Transientf("down")}
	r := NewResilient(next, cfg)

	for i := 0; i < 5; i++ {
		_, _ = r.PlaceOrder(context.Background(), types.PlaceRequest{})
	}
	assert.Equal(t, "open", r.State())

	_, err := r.PlaceOrder(context.Background(), types.PlaceRequest{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 5, next.placeCalls)
}

func TestResilientRejectionsKeepBreakerClosed(t *testing.T) {
	cfg := testBrokerConfig()
	next := &flakyClient{placeErr: Rejectedf("margin")}
	r := NewResilient(next, cfg)

	for i := 0; i < 10; i++ {
		_, _ = r.PlaceOrder(context.Background(), types.PlaceRequest{})
	}
	assert.Equal(t, "closed", r.State())
}

func deterministicVenue() PaperVenue {
	return PaperVenue{AcceptRate: 1, FillRate: 1, LiquidityFactor: 1, Balance: 100000}
}

func TestPaperMarketOrderLifecycle(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(deterministicVenue(), 1)
	p.SetPrice("NIFTY24500CE", 100)

	id, err := p.PlaceOrder(ctx, types.PlaceRequest{
		Symbol: "NIFTY24500CE", Side: types.SideBuy, OrderType: types.OrderTypeMarket, Quantity: 50,
	})
	require.NoError(t, err)

	// first poll acknowledges, second trades
	snaps, err := p.ListOrders(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "PENDING", snaps[0].Status)

	snaps, err = p.ListOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, snaps[0].BrokerOrderID)
	assert.Equal(t, "TRADED", snaps[0].Status)
	assert.Equal(t, int64(50), snaps[0].FilledQuantity)
	assert.InDelta(t, 100, snaps[0].AveragePrice, 1e-9)

	positions, err := p.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(50), positions[0].NetQuantity)

	funds, err := p.GetFunds(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 5000, funds.UsedMargin, 1e-9)
}

func TestPaperLimitOrderWaitsForPrice(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(deterministicVenue(), 1)
	p.SetPrice("X", 100)

	_, err := p.PlaceOrder(ctx, types.PlaceRequest{
		Symbol: "X", Side: types.SideBuy, OrderType: types.OrderTypeLimit, Quantity: 10, Price: 95,
	})
	require.NoError(t, err)

	_, _ = p.ListOrders(ctx)
	snaps, _ := p.ListOrders(ctx)
	assert.Equal(t, "PENDING", snaps[0].Status)

	p.SetPrice("X", 94)
	snaps, _ = p.ListOrders(ctx)
	assert.Equal(t, "TRADED", snaps[0].Status)
	assert.InDelta(t, 94, snaps[0].AveragePrice, 1e-9)
}

func TestPaperCancelAndRejections(t *testing.T) {
	ctx := context.Background()
	p := NewPaper(deterministicVenue(), 1)
	p.SetPrice("X", 100)

	_, err := p.PlaceOrder(ctx, types.PlaceRequest{Symbol: "UNKNOWN", Side: types.SideBuy, Quantity: 1})
	assert.Equal(t, ClassRejected, Classify(err))

	id, err := p.PlaceOrder(ctx, types.PlaceRequest{
		Symbol: "X", Side: types.SideSell, OrderType: types.OrderTypeLimit, Quantity: 10, Price: 200,
	})
	require.NoError(t, err)
	require.NoError(t, p.CancelOrder(ctx, id))

	err = p.CancelOrder(ctx, id)
	assert.Equal(t, ClassRejected, Classify(err))

	_, err = p.GetQuote(ctx, "UNKNOWN")
	assert.Equal(t, ClassRejected, Classify(err))
}

func TestPaperPartialFillsOnThinLiquidity(t *testing.T) {
	ctx := context.Background()
	venue := deterministicVenue()
	venue.LiquidityFactor = 0 // every step takes the thin-liquidity branch
	p := NewPaper(venue, 7)
	p.SetPrice("X", 100)

	_, err := p.PlaceOrder(ctx, types.PlaceRequest{Symbol: "X", Side: types.SideBuy, Quantity: 10})
	require.NoError(t, err)

	_, _ = p.ListOrders(ctx)
	snaps, _ := p.ListOrders(ctx)
	assert.Equal(t, "PENDING", snaps[0].Status)
	assert.Zero(t, snaps[0].FilledQuantity)
}

func TestVenueByName(t *testing.T) {
	v, err := VenueByName(" Primary ")
	require.NoError(t, err)
	assert.Equal(t, DefaultPaperVenue(), v)

	stressed, err := VenueByName("stressed")
	require.NoError(t, err)
	assert.Less(t, stressed.FillRate, v.FillRate)

	_, err = VenueByName("dark-pool")
	assert.ErrorContains(t, err, "primary")
	assert.Equal(t, []string{"primary", "regional", "secondary", "stressed"}, VenueNames())
}
