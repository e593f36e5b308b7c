package trading

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/rebalancer/internal/domain"
	testutil "github.com/aristath/rebalancer/internal/testing"
)

func setupOrderRepository(t *testing.T) *OrderRepository {
	t.Helper()

	return NewOrderRepository(testutil.NewTestDB(t), zerolog.New(nil).Level(zerolog.Disabled))
}

func journaledOrder(clientOrderID string) *domain.Order {
	order := domain.NewLimitOrder(domain.NewAsset("TLT"), domain.OrderSideSell, decimal.NewFromInt(25), decimal.RequireFromString("91.45"))
	order.ClientOrderID = clientOrderID
	return order
}

func TestOrderRepository_SaveAndGet(t *testing.T) {
	repo := setupOrderRepository(t)

	order := journaledOrder("c-1")
	require.NoError(t, repo.Save(order))

	record, err := repo.Get("c-1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "TLT", record.Symbol)
	assert.Equal(t, domain.OrderSideSell, record.Side)
	assert.Equal(t, domain.OrderTypeLimit, record.OrderType)
	assert.True(t, decimal.NewFromInt(25).Equal(record.Quantity))
	require.NotNil(t, record.LimitPrice)
	assert.Equal(t, "91.45", record.LimitPrice.String())
	assert.Nil(t, record.StopPrice)
	assert.Equal(t, domain.OrderStatusUnprocessed, record.Status)
	assert.Empty(t, record.Identifier)
	assert.Nil(t, record.Raw)

	// Upsert keeps one row and takes the new state
	order.SetIdentifier("777")
	order.UpdateStatus("PreSubmitted")
	order.UpdateRaw(map[string]interface{}{"order_id": "777", "encrypt_message": "1"})
	require.NoError(t, repo.Save(order))

	record, err = repo.Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, "777", record.Identifier)
	assert.Equal(t, domain.OrderStatusSubmitted, record.Status)
	assert.Equal(t, "777", record.Raw["order_id"])

	records, err := repo.ListRecent(10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestOrderRepository_SavesError(t *testing.T) {
	repo := setupOrderRepository(t)

	order := journaledOrder("c-err")
	order.SetError(errors.New("Insufficient funds"))
	require.NoError(t, repo.Save(order))

	record, err := repo.Get("c-err")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusError, record.Status)
	assert.Equal(t, "Insufficient funds", record.Error)
}

func TestOrderRecord_Order(t *testing.T) {
	repo := setupOrderRepository(t)

	order := journaledOrder("c-2")
	order.SetIdentifier("778")
	order.SetError(errors.New("Insufficient funds"))
	require.NoError(t, repo.Save(order))

	record, err := repo.Get("c-2")
	require.NoError(t, err)

	rebuilt := record.Order()
	assert.Equal(t, "TLT", rebuilt.Asset.Symbol)
	assert.Equal(t, "778", rebuilt.Identifier)
	assert.Equal(t, domain.OrderTypeLimit, rebuilt.Type())
	assert.Equal(t, "91.45", rebuilt.LimitPrice.String())
	assert.Equal(t, domain.TimeInForceDay, rebuilt.TimeInForce)
	require.Error(t, rebuilt.Error)
	assert.Equal(t, "Insufficient funds", rebuilt.Error.Error())
}

func TestOrderRepository_RequiresClientOrderID(t *testing.T) {
	repo := setupOrderRepository(t)
	assert.Error(t, repo.Save(journaledOrder("")))
}

func TestOrderRepository_GetUnknown(t *testing.T) {
	repo := setupOrderRepository(t)

	record, err := repo.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestOrderRepository_SetStatusByIdentifier(t *testing.T) {
	repo := setupOrderRepository(t)

	order := journaledOrder("c-1")
	order.SetIdentifier("555")
	require.NoError(t, repo.Save(order))

	n, err := repo.SetStatusByIdentifier("555", domain.OrderStatusCanceled)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.SetStatusByIdentifier("556", domain.OrderStatusCanceled)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	record, err := repo.Get("c-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, record.Status)
}

func TestOrderRepository_ListRecentOrder(t *testing.T) {
	repo := setupOrderRepository(t)
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"a", "b", "c"} {
		order := journaledOrder(id)
		order.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		order.UpdatedAt = order.CreatedAt
		require.NoError(t, repo.Save(order))
	}

	records, err := repo.ListRecent(2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "c", records[0].ClientOrderID)
	assert.Equal(t, "b", records[1].ClientOrderID)
}

func TestPruneJob(t *testing.T) {
	repo := setupOrderRepository(t)
	now := time.Now()
	old := now.Add(-100 * time.Hour)

	save := func(id string, status domain.OrderStatus, updated time.Time) {
		order := journaledOrder(id)
		order.Status = status
		order.CreatedAt = updated
		order.UpdatedAt = updated
		require.NoError(t, repo.Save(order))
	}
	save("old-filled", domain.OrderStatusFilled, old)
	save("old-canceled", domain.OrderStatusCanceled, old)
	save("old-open", domain.OrderStatusSubmitted, old)
	save("new-filled", domain.OrderStatusFilled, now)

	job := NewPruneJob(repo, 72*time.Hour, zerolog.New(nil).Level(zerolog.Disabled))
	job.now = func() time.Time { return now }
	require.NoError(t, job.Run())
	assert.Equal(t, "order_journal_prune", job.Name())

	records, err := repo.ListRecent(10)
	require.NoError(t, err)
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ClientOrderID)
	}
	assert.ElementsMatch(t, []string{"old-open", "new-filled"}, ids)
}
