package trading

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/clients/ibkr"
	"github.com/aristath/rebalancer/internal/domain"
)

// Transport is the broker side of the gateway, implemented by *ibkr.OrderClient
type Transport interface {
	PlaceOrder(ctx context.Context, order *domain.Order) (*ibkr.PlacementAck, error)
	CancelOrder(ctx context.Context, orderID string) (*ibkr.CancelAck, error)
	GetOpenOrders(ctx context.Context) ([]ibkr.OrderInfo, error)
	GetOrderStatus(ctx context.Context, orderID string) (*ibkr.OrderStatus, error)
}

// Journal records order state changes. Implemented by *OrderRepository.
type Journal interface {
	Save(order *domain.Order) error
	SetStatusByIdentifier(identifier string, status domain.OrderStatus) (int64, error)
}

// Gateway validates orders against exchange limits and hands them to the broker
type Gateway struct {
	transport Transport
	journal   Journal
	log       zerolog.Logger
}

// NewGateway creates an order gateway. journal may be nil.
func NewGateway(transport Transport, journal Journal, log zerolog.Logger) *Gateway {
	return &Gateway{
		transport: transport,
		journal:   journal,
		log:       log.With().Str("service", "order_gateway").Logger(),
	}
}

// Submit validates, normalizes and places the order, updating it in place.
// It never returns an error: a limit violation leaves the order rejected and
// unsubmitted, a broker failure leaves it in the error state with the cause.
func (g *Gateway) Submit(ctx context.Context, order *domain.Order) *domain.Order {
	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}

	normalized, rejection := ValidateAndNormalize(*order, order.Asset.Limits)
	if rejection != nil {
		g.log.Warn().
			Str("symbol", order.Asset.Symbol).
			Str("side", string(order.Side)).
			Str("reason", string(rejection.Reason)).
			Str("field", rejection.Field).
			Stringer("bound", rejection.Bound).
			Stringer("value", rejection.Value).
			Msg("Order rejected by exchange limits, not submitting")
		order.SetRejected(rejection)
		g.record(order)
		return order
	}

	order.Quantity = normalized.Quantity
	order.LimitPrice = normalized.LimitPrice
	order.StopPrice = normalized.StopPrice
	order.StopLossPrice = normalized.StopLossPrice
	order.StopLossLimitPrice = normalized.StopLossLimitPrice

	ack, err := g.transport.PlaceOrder(ctx, order)
	if err != nil {
		g.log.Error().
			Err(err).
			Str("symbol", order.Asset.Symbol).
			Str("side", string(order.Side)).
			Stringer("quantity", order.Quantity).
			Msg("Broker rejected order")
		order.SetError(err)
		g.record(order)
		return order
	}

	order.SetIdentifier(ack.OrderID)
	status := ack.Status
	if status == "" {
		status = string(domain.OrderStatusSubmitted)
	}
	order.UpdateStatus(status)
	order.UpdateRaw(ack.Raw)
	g.record(order)

	g.log.Info().
		Str("symbol", order.Asset.Symbol).
		Str("side", string(order.Side)).
		Stringer("quantity", order.Quantity).
		Str("order_id", order.Identifier).
		Str("status", string(order.Status)).
		Msg("Order submitted")
	return order
}

// Cancel requests cancellation and marks the order canceled only when the
// acknowledgement names the order's identifier or the broker no longer knows it
func (g *Gateway) Cancel(ctx context.Context, order *domain.Order) error {
	if order.Identifier == "" {
		return fmt.Errorf("order %s was never accepted: %w", order.ClientOrderID, domain.ErrOrderNotFound)
	}

	ack, err := g.transport.CancelOrder(ctx, order.Identifier)
	if err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", order.Identifier, err)
	}
	if !ack.Absent && ack.OrderID != order.Identifier {
		g.log.Warn().
			Str("order_id", order.Identifier).
			Str("ack_order_id", ack.OrderID).
			Str("message", ack.Message).
			Msg("Cancellation acknowledgement does not match order")
		return fmt.Errorf("order %s: acknowledgement for %q: %w", order.Identifier, ack.OrderID, domain.ErrCancelNotConfirmed)
	}

	if !order.IsTerminal() {
		order.SetCanceled()
	}
	g.record(order)
	return nil
}

// CancelOpenOrders cancels every working order at the broker and returns the
// joined errors of the cancellations that were not confirmed
func (g *Gateway) CancelOpenOrders(ctx context.Context) error {
	open, err := g.transport.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to list open orders: %w", err)
	}

	var errs []error
	for _, o := range open {
		ack, err := g.transport.CancelOrder(ctx, o.OrderID)
		if err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", o.OrderID, err))
			continue
		}
		if !ack.Absent && ack.OrderID != o.OrderID {
			errs = append(errs, fmt.Errorf("order %s: acknowledgement for %q: %w", o.OrderID, ack.OrderID, domain.ErrCancelNotConfirmed))
			continue
		}
		if g.journal != nil {
			if _, err := g.journal.SetStatusByIdentifier(o.OrderID, domain.OrderStatusCanceled); err != nil {
				g.log.Warn().Err(err).Str("order_id", o.OrderID).Msg("Failed to journal cancellation")
			}
		}
	}

	if len(open) > 0 {
		g.log.Info().
			Int("open_orders", len(open)).
			Int("not_confirmed", len(errs)).
			Msg("Canceled open orders")
	}
	return errors.Join(errs...)
}

// Refresh updates the order in place from the broker's status
func (g *Gateway) Refresh(ctx context.Context, order *domain.Order) error {
	if order.Identifier == "" {
		return fmt.Errorf("order %s was never accepted: %w", order.ClientOrderID, domain.ErrOrderNotFound)
	}
	status, err := g.transport.GetOrderStatus(ctx, order.Identifier)
	if err != nil {
		return err
	}
	order.UpdateStatus(status.Status)
	order.UpdateRaw(status.Raw)
	g.record(order)
	return nil
}

// OpenOrders lists the working orders at the broker
func (g *Gateway) OpenOrders(ctx context.Context) ([]ibkr.OrderInfo, error) {
	return g.transport.GetOpenOrders(ctx)
}

func (g *Gateway) record(order *domain.Order) {
	if g.journal == nil {
		return
	}
	if err := g.journal.Save(order); err != nil {
		g.log.Warn().Err(err).Str("client_order_id", order.ClientOrderID).Msg("Failed to journal order")
	}
}
