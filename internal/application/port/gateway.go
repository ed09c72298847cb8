package port

import (
	"context"
	"fmt"
	"time"
)

// OrderType of a gateway order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus as reported by the gateway.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPartial   OrderStatus = "partial"
	OrderClosed    OrderStatus = "closed"
	OrderCancelled OrderStatus = "cancelled"
	OrderRejected  OrderStatus = "rejected"
	OrderExpired   OrderStatus = "expired"
)

// Order is the gateway's view of a submitted order.
type Order struct {
	ID        string
	Status    OrderStatus
	Price     float64 // executed (or resting) price
	Timestamp time.Time
}

// OrderError is returned when the gateway rejects an order outright.
type OrderError struct {
	Pair   string
	Side   string
	Reason string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order rejected on %s %s: %s", e.Pair, e.Side, e.Reason)
}

// OrderGateway abstracts the exchange order API. Implementations must make
// CancelOrder best-effort: cancelling an already-filled or unknown order is
// not an error.
type OrderGateway interface {
	CreateOrder(ctx context.Context, pair string, ordType OrderType, side string, amount, price float64) (Order, error)
	GetOrderStatus(ctx context.Context, id, pair string) (OrderStatus, error)
	CancelOrder(ctx context.Context, id, pair string) error
}
