package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// TimeInForce controls how long an order stays working
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceOPG TimeInForce = "opg"
)

// OrderType is derived from which price fields are set
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderStatus tracks the order lifecycle
type OrderStatus string

const (
	OrderStatusUnprocessed OrderStatus = "unprocessed"
	OrderStatusRejected    OrderStatus = "rejected"
	OrderStatusSubmitted   OrderStatus = "submitted"
	OrderStatusOpen        OrderStatus = "open"
	OrderStatusPartial     OrderStatus = "partially_filled"
	OrderStatusFilled      OrderStatus = "filled"
	OrderStatusCanceled    OrderStatus = "canceled"
	OrderStatusError       OrderStatus = "error"
)

// ParseOrderStatus maps broker status strings onto the lifecycle
func ParseOrderStatus(s string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "presubmitted", "pendingsubmit", "submitted", "new", "accepted":
		return OrderStatusSubmitted
	case "open", "working":
		return OrderStatusOpen
	case "partially_filled", "partiallyfilled", "partial":
		return OrderStatusPartial
	case "filled", "fill":
		return OrderStatusFilled
	case "cancelled", "canceled", "pendingcancel", "apicancelled", "inactive":
		return OrderStatusCanceled
	case "rejected":
		return OrderStatusRejected
	case "":
		return OrderStatusUnprocessed
	default:
		return OrderStatusSubmitted
	}
}

// Order is created locally, submitted, and updated in place as broker
// status changes arrive. Identifier is set only after acceptance.
type Order struct {
	Asset       *Asset
	Side        OrderSide
	Quantity    decimal.Decimal
	TimeInForce TimeInForce

	LimitPrice         *decimal.Decimal
	StopPrice          *decimal.Decimal
	StopLossPrice      *decimal.Decimal
	StopLossLimitPrice *decimal.Decimal

	ClientOrderID string
	Identifier    string
	Status        OrderStatus
	Raw           map[string]interface{}
	Error         error

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewLimitOrder creates a day limit order
func NewLimitOrder(asset *Asset, side OrderSide, quantity, limitPrice decimal.Decimal) *Order {
	now := time.Now()
	return &Order{
		Asset:       asset,
		Side:        side,
		Quantity:    quantity,
		LimitPrice:  &limitPrice,
		TimeInForce: TimeInForceDay,
		Status:      OrderStatusUnprocessed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Type returns the order type implied by the price fields
func (o *Order) Type() OrderType {
	switch {
	case o.StopPrice != nil && o.LimitPrice != nil:
		return OrderTypeStopLimit
	case o.StopPrice != nil:
		return OrderTypeStop
	case o.LimitPrice != nil:
		return OrderTypeLimit
	default:
		return OrderTypeMarket
	}
}

// SetIdentifier records the broker-assigned id
func (o *Order) SetIdentifier(id string) {
	o.Identifier = id
	o.touch()
}

// UpdateStatus applies a broker status string
func (o *Order) UpdateStatus(status string) {
	o.Status = ParseOrderStatus(status)
	o.touch()
}

// UpdateRaw stores the broker payload
func (o *Order) UpdateRaw(raw map[string]interface{}) {
	o.Raw = raw
	o.touch()
}

// SetError marks the order as errored and keeps the cause
func (o *Order) SetError(err error) {
	o.Error = err
	o.Status = OrderStatusError
	o.touch()
}

// SetRejected marks an order that failed local validation
func (o *Order) SetRejected(err error) {
	o.Error = err
	o.Status = OrderStatusRejected
	o.touch()
}

// SetCanceled marks the order canceled
func (o *Order) SetCanceled() {
	o.Status = OrderStatusCanceled
	o.touch()
}

// IsTerminal reports whether the broker will not change the order any more
func (o *Order) IsTerminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusError:
		return true
	}
	return false
}

// IsActive reports whether the order is still working at the broker
func (o *Order) IsActive() bool {
	return o.Identifier != "" && !o.IsTerminal()
}

func (o *Order) touch() {
	o.UpdatedAt = time.Now()
}
