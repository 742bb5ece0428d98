package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-trader/internal/broker"
)

var (
	ErrNotFound     = errors.New("order not found")
	ErrInvalidState = errors.New("invalid order state")
)

// ValidationError is returned before anything is sent to the broker
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// BrokerError wraps a failed broker call made on behalf of an order
type BrokerError struct {
	Op      string
	OrderID string
	Err     error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s failed for order %s: %v", e.Op, e.OrderID, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// Retryable reports whether the same call could succeed later
func (e *BrokerError) Retryable() bool {
	return broker.IsRetryable(e.Err)
}

// TimeoutError describes an order cancelled for staying unfilled too long
type TimeoutError struct {
	OrderID string
	Age     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("order %s unfilled after %s", e.OrderID, e.Age.Round(time.Second))
}
