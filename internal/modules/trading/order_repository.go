package trading

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/rebalancer/internal/domain"
)

// OrderRecord is a journaled order. The asset is reduced to its symbol.
type OrderRecord struct {
	ClientOrderID string
	Identifier    string
	Symbol        string
	Side          domain.OrderSide
	OrderType     domain.OrderType
	Quantity      decimal.Decimal
	LimitPrice    *decimal.Decimal
	StopPrice     *decimal.Decimal
	TimeInForce   domain.TimeInForce
	Status        domain.OrderStatus
	Error         string
	Raw           map[string]interface{}
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Order rebuilds a domain order from the journal so it can be refreshed or
// canceled. Only the symbol of the asset survives.
func (rec *OrderRecord) Order() *domain.Order {
	order := &domain.Order{
		Asset:         domain.NewAsset(rec.Symbol),
		Side:          rec.Side,
		Quantity:      rec.Quantity,
		TimeInForce:   rec.TimeInForce,
		LimitPrice:    rec.LimitPrice,
		StopPrice:     rec.StopPrice,
		ClientOrderID: rec.ClientOrderID,
		Identifier:    rec.Identifier,
		Status:        rec.Status,
		Raw:           rec.Raw,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if rec.Error != "" {
		order.Error = errors.New(rec.Error)
	}
	return order
}

// OrderRepository journals every order the gateway touches
type OrderRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// ordersColumns must match scanOrder
const ordersColumns = `client_order_id, identifier, symbol, side, order_type, quantity, limit_price, stop_price,
	time_in_force, status, error, raw, created_at, updated_at`

var terminalStatuses = []domain.OrderStatus{
	domain.OrderStatusFilled,
	domain.OrderStatusCanceled,
	domain.OrderStatusRejected,
	domain.OrderStatusError,
}

// NewOrderRepository creates an order repository
func NewOrderRepository(db *sql.DB, log zerolog.Logger) *OrderRepository {
	return &OrderRepository{
		db:  db,
		log: log.With().Str("repo", "orders").Logger(),
	}
}

// Save upserts an order keyed by its client order id
func (r *OrderRepository) Save(order *domain.Order) error {
	if order.ClientOrderID == "" {
		return fmt.Errorf("order for %s has no client order id", order.Asset)
	}

	var raw []byte
	if order.Raw != nil {
		var err error
		raw, err = msgpack.Marshal(order.Raw)
		if err != nil {
			return fmt.Errorf("failed to encode raw payload: %w", err)
		}
	}

	var errText sql.NullString
	if order.Error != nil {
		errText = sql.NullString{String: order.Error.Error(), Valid: true}
	}

	createdAt := order.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := order.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	query := `
		INSERT INTO orders (` + ordersColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			identifier = excluded.identifier,
			quantity = excluded.quantity,
			limit_price = excluded.limit_price,
			stop_price = excluded.stop_price,
			status = excluded.status,
			error = excluded.error,
			raw = excluded.raw,
			updated_at = excluded.updated_at
	`
	_, err := r.db.Exec(query,
		order.ClientOrderID,
		nullString(order.Identifier),
		order.Asset.Symbol,
		string(order.Side),
		string(order.Type()),
		order.Quantity.String(),
		nullDecimal(order.LimitPrice),
		nullDecimal(order.StopPrice),
		string(order.TimeInForce),
		string(order.Status),
		errText,
		raw,
		createdAt.Unix(),
		updatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", order.ClientOrderID, err)
	}

	r.log.Debug().
		Str("client_order_id", order.ClientOrderID).
		Str("status", string(order.Status)).
		Msg("Order journaled")
	return nil
}

// Get returns the journaled order, or nil when it is unknown
func (r *OrderRepository) Get(clientOrderID string) (*OrderRecord, error) {
	row := r.db.QueryRow("SELECT "+ordersColumns+" FROM orders WHERE client_order_id = ?", clientOrderID)
	record, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", clientOrderID, err)
	}
	return record, nil
}

// ListRecent returns up to limit orders, most recently updated first
func (r *OrderRepository) ListRecent(limit int) ([]OrderRecord, error) {
	rows, err := r.db.Query(`
		SELECT `+ordersColumns+` FROM orders
		ORDER BY updated_at DESC, created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var records []OrderRecord
	for rows.Next() {
		record, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// SetStatusByIdentifier updates the status of the order the broker knows as identifier
func (r *OrderRepository) SetStatusByIdentifier(identifier string, status domain.OrderStatus) (int64, error) {
	result, err := r.db.Exec(
		"UPDATE orders SET status = ?, updated_at = ? WHERE identifier = ?",
		string(status), time.Now().Unix(), identifier,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update order %s: %w", identifier, err)
	}
	return result.RowsAffected()
}

// PruneClosed deletes terminal orders last updated before cutoff
func (r *OrderRepository) PruneClosed(cutoff time.Time) (int64, error) {
	args := make([]interface{}, 0, len(terminalStatuses)+1)
	placeholders := ""
	for i, s := range terminalStatuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(s))
	}
	args = append(args, cutoff.Unix())

	result, err := r.db.Exec("DELETE FROM orders WHERE status IN ("+placeholders+") AND updated_at < ?", args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune orders: %w", err)
	}
	return result.RowsAffected()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner) (*OrderRecord, error) {
	var (
		record                OrderRecord
		identifier, errText   sql.NullString
		limitPrice, stopPrice sql.NullString
		side, orderType, tif  string
		status, quantity      string
		raw                   []byte
		createdAt, updatedAt  int64
	)
	err := row.Scan(
		&record.ClientOrderID, &identifier, &record.Symbol, &side, &orderType, &quantity,
		&limitPrice, &stopPrice, &tif, &status, &errText, &raw, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	record.Identifier = identifier.String
	record.Side = domain.OrderSide(side)
	record.OrderType = domain.OrderType(orderType)
	record.TimeInForce = domain.TimeInForce(tif)
	record.Status = domain.OrderStatus(status)
	record.Error = errText.String
	record.CreatedAt = time.Unix(createdAt, 0)
	record.UpdatedAt = time.Unix(updatedAt, 0)

	if record.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return nil, fmt.Errorf("invalid quantity %q: %w", quantity, err)
	}
	if record.LimitPrice, err = parseNullDecimal(limitPrice); err != nil {
		return nil, err
	}
	if record.StopPrice, err = parseNullDecimal(stopPrice); err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := msgpack.Unmarshal(raw, &record.Raw); err != nil {
			return nil, fmt.Errorf("failed to decode raw payload: %w", err)
		}
	}
	return &record, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, fmt.Errorf("invalid price %q: %w", s.String, err)
	}
	return &d, nil
}
