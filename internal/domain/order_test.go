package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestParseOrderStatus(t *testing.T) {
	tests := []struct {
		in   string
		want OrderStatus
	}{
		{"PreSubmitted", OrderStatusSubmitted},
		{"Submitted", OrderStatusSubmitted},
		{"Filled", OrderStatusFilled},
		{"Cancelled", OrderStatusCanceled},
		{"PendingCancel", OrderStatusCanceled},
		{"Inactive", OrderStatusCanceled},
		{"partially_filled", OrderStatusPartial},
		{"Rejected", OrderStatusRejected},
		{"", OrderStatusUnprocessed},
		{"SomethingNew", OrderStatusSubmitted},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseOrderStatus(tt.in), tt.in)
	}
}

func TestOrder_Type(t *testing.T) {
	price := decimal.RequireFromString("100")
	stop := decimal.RequireFromString("95")

	o := &Order{}
	assert.Equal(t, OrderTypeMarket, o.Type())

	o.LimitPrice = &price
	assert.Equal(t, OrderTypeLimit, o.Type())

	o.StopPrice = &stop
	assert.Equal(t, OrderTypeStopLimit, o.Type())

	o.LimitPrice = nil
	assert.Equal(t, OrderTypeStop, o.Type())
}

func TestNewLimitOrder(t *testing.T) {
	o := NewLimitOrder(NewAsset("SPY"), OrderSideBuy, decimal.NewFromInt(10), decimal.RequireFromString("450.23"))

	assert.Equal(t, OrderTypeLimit, o.Type())
	assert.Equal(t, TimeInForceDay, o.TimeInForce)
	assert.Equal(t, OrderStatusUnprocessed, o.Status)
	assert.Empty(t, o.Identifier)
	assert.False(t, o.IsActive())
}

func TestOrder_Lifecycle(t *testing.T) {
	o := NewLimitOrder(NewAsset("SPY"), OrderSideSell, decimal.NewFromInt(5), decimal.RequireFromString("99.95"))
	created := o.UpdatedAt

	o.SetIdentifier("1234")
	o.UpdateStatus("PreSubmitted")
	assert.True(t, o.IsActive())
	assert.False(t, o.IsTerminal())
	assert.False(t, o.UpdatedAt.Before(created))

	o.SetCanceled()
	assert.True(t, o.IsTerminal())
	assert.False(t, o.IsActive())
}

func TestOrder_ErrorStates(t *testing.T) {
	o := NewLimitOrder(NewAsset("SPY"), OrderSideBuy, decimal.NewFromInt(1), decimal.RequireFromString("1"))
	cause := errors.New("below minimum cost")

	o.SetRejected(cause)
	assert.Equal(t, OrderStatusRejected, o.Status)
	assert.True(t, o.IsTerminal())
	assert.ErrorIs(t, o.Error, cause)

	o.SetError(ErrBrokerError)
	assert.Equal(t, OrderStatusError, o.Status)
	assert.ErrorIs(t, o.Error, ErrBrokerError)
}
