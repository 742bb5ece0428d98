package orders

import (
	"strings"

	"github.com/ksred/klear-trader/internal/types"
)

var transitions = map[types.OrderStatus][]types.OrderStatus{
	types.StatusPending: {
		types.StatusOpen,
		types.StatusRejected,
		types.StatusCancelled,
	},
	types.StatusOpen: {
		types.StatusFilled,
		types.StatusPartiallyFilled,
		types.StatusRejected,
		types.StatusCancelled,
	},
	types.StatusPartiallyFilled: {
		types.StatusFilled,
		types.StatusCancelled,
	},
}

// CanTransition reports whether an order may move from one status to another
func CanTransition(from, to types.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// MapBrokerStatus translates a broker status string. The second result is
// false for strings we do not recognise.
func MapBrokerStatus(s string) (types.OrderStatus, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPEN", "PENDING", "TRANSIT":
		return types.StatusOpen, true
	case "TRADED", "FILLED", "COMPLETE":
		return types.StatusFilled, true
	case "PARTIAL", "PART_TRADED", "PARTIALLY_FILLED":
		return types.StatusPartiallyFilled, true
	case "CANCELLED", "CANCELED", "EXPIRED":
		return types.StatusCancelled, true
	case "REJECTED":
		return types.StatusRejected, true
	}
	return "", false
}
