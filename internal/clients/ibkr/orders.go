package ibkr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aristath/rebalancer/internal/domain"
)

const openOrderFilters = "Submitted,PreSubmitted"

// PlacementAck is the broker's acceptance of a new order
type PlacementAck struct {
	OrderID string
	Status  string
	Raw     map[string]interface{}
}

// CancelAck is the broker's answer to a cancellation request.
// Absent is set when the broker no longer knows the order.
type CancelAck struct {
	OrderID string
	Message string
	Absent  bool
	Raw     map[string]interface{}
}

// OrderInfo is one entry of the open orders list
type OrderInfo struct {
	OrderID       string
	ClientOrderID string
	ContractID    int64
	Symbol        string
	Side          string
	Status        string
	OrderType     string
	Quantity      decimal.Decimal
	Filled        decimal.Decimal
	Remaining     decimal.Decimal
	LimitPrice    *decimal.Decimal
	Raw           map[string]interface{}
}

// OrderStatus is the detailed status of a single order
type OrderStatus struct {
	OrderID      string
	Status       string
	Filled       decimal.Decimal
	Total        decimal.Decimal
	AveragePrice *decimal.Decimal
	Raw          map[string]interface{}
}

// OrderClient places, cancels and lists orders
type OrderClient struct {
	session *Session
	market  *MarketDataClient
	log     zerolog.Logger
}

// NewOrderClient creates an order client. Contracts are resolved through market.
func NewOrderClient(session *Session, market *MarketDataClient, log zerolog.Logger) *OrderClient {
	return &OrderClient{
		session: session,
		market:  market,
		log:     log.With().Str("client", "ibkr-orders").Logger(),
	}
}

var orderTypes = map[domain.OrderType]string{
	domain.OrderTypeMarket:    "MKT",
	domain.OrderTypeLimit:     "LMT",
	domain.OrderTypeStop:      "STP",
	domain.OrderTypeStopLimit: "STOP_LIMIT",
}

// orderPayload builds the placement body. Prices are sent as JSON numbers.
func orderPayload(accountID string, conid int64, order *domain.Order) map[string]interface{} {
	entry := map[string]interface{}{
		"acctId":    accountID,
		"conid":     conid,
		"cOID":      order.ClientOrderID,
		"orderType": orderTypes[order.Type()],
		"side":      strings.ToUpper(string(order.Side)),
		"quantity":  json.Number(order.Quantity.String()),
		"tif":       strings.ToUpper(string(order.TimeInForce)),
	}

	switch order.Type() {
	case domain.OrderTypeLimit:
		entry["price"] = json.Number(order.LimitPrice.String())
	case domain.OrderTypeStop:
		entry["price"] = json.Number(order.StopPrice.String())
	case domain.OrderTypeStopLimit:
		entry["price"] = json.Number(order.LimitPrice.String())
		entry["auxPrice"] = json.Number(order.StopPrice.String())
	}

	return map[string]interface{}{"orders": []interface{}{entry}}
}

// PlaceOrder transmits an order. Success is a list whose first element has
// an order_id; anything else is returned as an ErrBrokerError.
func (c *OrderClient) PlaceOrder(ctx context.Context, order *domain.Order) (*PlacementAck, error) {
	if err := c.session.EnsureAlive(ctx, CategoryIServer); err != nil {
		return nil, err
	}
	accountID, err := c.session.RequireAccountID(ctx)
	if err != nil {
		return nil, err
	}
	conid, err := c.market.ResolveContract(ctx, order.Asset)
	if err != nil {
		return nil, err
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}
	if order.TimeInForce == "" {
		order.TimeInForce = domain.TimeInForceDay
	}

	raw, err := c.session.Execute(ctx, Request{
		Method:      http.MethodPost,
		Path:        fmt.Sprintf("/iserver/account/%s/orders", accountID),
		Body:        orderPayload(accountID, conid, order),
		Description: "Placing order",
	}, CategoryIServer, false)
	if err != nil {
		return nil, err
	}

	var replies []map[string]interface{}
	if err := decode(raw, &replies); err != nil {
		var single map[string]interface{}
		if decode(raw, &single) == nil {
			if msg := replyMessage(single); msg != "" {
				return nil, fmt.Errorf("order %s: %s: %w", order.ClientOrderID, msg, domain.ErrBrokerError)
			}
		}
		return nil, fmt.Errorf("order %s: unexpected response %s: %w", order.ClientOrderID, truncate(string(raw)), domain.ErrBrokerError)
	}
	if len(replies) == 0 {
		return nil, fmt.Errorf("order %s: empty response: %w", order.ClientOrderID, domain.ErrBrokerError)
	}

	first := replies[0]
	if id := toString(first["order_id"]); id != "" {
		return &PlacementAck{OrderID: id, Status: toString(first["order_status"]), Raw: first}, nil
	}
	if msg := replyMessage(first); msg != "" {
		return nil, fmt.Errorf("order %s: %s: %w", order.ClientOrderID, msg, domain.ErrBrokerError)
	}
	return nil, fmt.Errorf("order %s: unexpected response %s: %w", order.ClientOrderID, truncate(string(raw)), domain.ErrBrokerError)
}

// replyMessage extracts "error" or "message" (a string or a list of strings)
func replyMessage(reply map[string]interface{}) string {
	if msg := toString(reply["error"]); msg != "" {
		return msg
	}
	switch m := reply["message"].(type) {
	case string:
		return m
	case []interface{}:
		parts := make([]string, 0, len(m))
		for _, p := range m {
			parts = append(parts, toString(p))
		}
		return strings.Join(parts, "; ")
	}
	return ""
}

// CancelOrder asks the broker to cancel an order. An answer saying the order
// doesn't exist is reported as Absent, not as an error.
func (c *OrderClient) CancelOrder(ctx context.Context, orderID string) (*CancelAck, error) {
	if err := c.session.EnsureAlive(ctx, CategoryIServer); err != nil {
		return nil, err
	}
	accountID, err := c.session.RequireAccountID(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := c.session.Execute(ctx, Request{
		Method:      http.MethodDelete,
		Path:        fmt.Sprintf("/iserver/account/%s/order/%s", accountID, url.PathEscape(orderID)),
		Description: "Canceling order",
	}, CategoryIServer, false)
	if err != nil {
		var reqErr *RequestError
		if errors.As(err, &reqErr) && strings.Contains(reqErr.Message, "doesn't exist") {
			c.log.Warn().Str("order_id", orderID).Str("message", reqErr.Message).Msg("Order ID doesn't exist")
			return &CancelAck{OrderID: orderID, Message: reqErr.Message, Absent: true}, nil
		}
		return nil, err
	}

	var body map[string]interface{}
	if err := decode(raw, &body); err != nil {
		return nil, fmt.Errorf("unexpected cancel response for %s: %w", orderID, err)
	}
	return &CancelAck{
		OrderID: toString(body["order_id"]),
		Message: toString(body["msg"]),
		Raw:     body,
	}, nil
}

// GetOpenOrders returns working orders. Reads are spaced at least five seconds
// apart and failures are retried at the same pace. The gateway's status filter
// is unreliable, so cancelled and filled entries are dropped here.
func (c *OrderClient) GetOpenOrders(ctx context.Context) ([]OrderInfo, error) {
	if err := c.session.EnsureAlive(ctx, CategoryIServer); err != nil {
		return nil, err
	}
	accountID, err := c.session.RequireAccountID(ctx)
	if err != nil {
		return nil, err
	}

	req := Request{
		Method:      http.MethodGet,
		Path:        "/iserver/account/orders",
		Query:       url.Values{"accountId": {accountID}, "filters": {openOrderFilters}},
		Description: "Getting open orders",
	}

	var resp struct {
		Orders []map[string]interface{} `json:"orders"`
	}
	warned := false
	for attempt := 1; ; attempt++ {
		if err := c.session.Throttle(ctx, CategoryOrders, ordersCooldown); err != nil {
			return nil, err
		}

		raw, err := c.session.Execute(ctx, req, CategoryOrders, true)
		if err == nil {
			if err = decode(raw, &resp); err == nil {
				break
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.session.exhausted(attempt) {
			return nil, fmt.Errorf("couldn't retrieve open orders: %w", err)
		}
		if !warned {
			c.log.Warn().Err(err).Msg("Failed getting open orders. Retrying ...")
			warned = true
		}
	}
	if warned {
		c.log.Info().Msg("Got open orders")
	}

	orders := make([]OrderInfo, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		status := toString(o["status"])
		if status == "Cancelled" || status == "Filled" {
			continue
		}
		orders = append(orders, orderInfo(o))
	}
	return orders, nil
}

func orderInfo(o map[string]interface{}) OrderInfo {
	info := OrderInfo{
		OrderID:       toString(o["orderId"]),
		ClientOrderID: toString(o["order_ref"]),
		Symbol:        toString(o["ticker"]),
		Side:          toString(o["side"]),
		Status:        toString(o["status"]),
		OrderType:     toString(o["orderType"]),
		LimitPrice:    optionalDecimal(o["price"]),
		Raw:           o,
	}
	info.ContractID, _ = toInt64(o["conid"])
	info.Quantity, _ = toDecimal(o["totalSize"])
	info.Filled, _ = toDecimal(o["filledQuantity"])
	info.Remaining, _ = toDecimal(o["remainingQuantity"])
	return info
}

// GetOrderStatus returns the detailed status of one order
func (c *OrderClient) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	if err := c.session.EnsureAlive(ctx, CategoryIServer); err != nil {
		return nil, err
	}

	raw, err := c.session.Execute(ctx, Request{
		Method:      http.MethodGet,
		Path:        "/iserver/account/order/status/" + url.PathEscape(orderID),
		Description: "Getting Order Info",
	}, CategoryIServer, false)
	if err != nil {
		if errors.Is(err, domain.ErrEndpointNotFound) {
			return nil, fmt.Errorf("order %s: %w", orderID, domain.ErrOrderNotFound)
		}
		return nil, err
	}

	var body map[string]interface{}
	if err := decode(raw, &body); err != nil {
		return nil, fmt.Errorf("unexpected order status response for %s: %w", orderID, err)
	}

	status := &OrderStatus{
		OrderID:      toString(body["order_id"]),
		Status:       toString(body["order_status"]),
		AveragePrice: optionalDecimal(body["average_price"]),
		Raw:          body,
	}
	if status.OrderID == "" {
		status.OrderID = orderID
	}
	status.Filled, _ = toDecimal(body["cum_fill"])
	status.Total, _ = toDecimal(body["total_size"])
	return status, nil
}
