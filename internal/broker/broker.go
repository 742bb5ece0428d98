package broker

import (
	"context"

	"github.com/ksred/klear-trader/internal/types"
)

// Client is the narrow surface the trading core needs from a broker. Wire
// formats live behind implementations of this interface.
type Client interface {
	Authenticate(ctx context.Context) error
	PlaceOrder(ctx context.Context, req types.PlaceRequest) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	ModifyOrder(ctx context.Context, brokerOrderID string, changes types.OrderChanges) error
	ListOrders(ctx context.Context) ([]types.BrokerOrderSnapshot, error)
	GetPositions(ctx context.Context) ([]types.BrokerPositionSnapshot, error)
	GetQuote(ctx context.Context, symbol string) (types.Quote, error)
	GetFunds(ctx context.Context) (types.Funds, error)
}
