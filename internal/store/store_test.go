package store

import (
	"context"
	"os"
	"testing"
	"time"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulateStats(t *testing.T) {
	t.Parallel()

	stats := &models.OrderStats{ByStatus: map[models.OrderStatus]int64{}}
	AccumulateStats(stats, models.OrderPending, 2, 200000, 20)
	AccumulateStats(stats, models.OrderActive, 1, 100000, 10)
	AccumulateStats(stats, models.OrderCompleted, 3, 300000, 30)
	AccumulateStats(stats, models.OrderFailed, 1, 50000, 5)
	AccumulateStats(stats, models.OrderCancelled, 4, 400000, 40)

	assert.Equal(t, int64(11), stats.Total)
	assert.Equal(t, int64(400000), stats.EnergyRented)
	assert.Equal(t, int64(45), stats.RevenueSun)
	assert.Equal(t, int64(20), stats.PendingRevenue)
	assert.Equal(t, int64(4), stats.ByStatus[models.OrderCancelled])
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	schema, err := os.ReadFile("../../migrations/0001_init.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	st := New(pool)
	now := time.Now().UTC().Truncate(time.Millisecond)
	order := &models.Order{
		OrderID:          uuid.NewString(),
		UserID:           "user-" + uuid.NewString(),
		EnergyAmount:     100000,
		DurationHours:    24,
		PriceSun:         10,
		RecipientAddress: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
		Status:           models.OrderPending,
		PaymentAddress:   "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t",
		ExpiresAt:        now.Add(24 * time.Hour),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, st.CreateOrder(ctx, order))

	created, err := st.CreateMonitor(ctx, &models.PaymentMonitor{
		OrderID:        order.OrderID,
		ExpectedAmount: 10,
		Address:        order.PaymentAddress,
		Status:         models.MonitorActive,
		PollInterval:   10 * time.Second,
		Timeout:        30 * time.Minute,
		StartedAt:      now,
		UpdatedAt:      now,
	})
	require.NoError(t, err)
	assert.True(t, created)

	again, err := st.CreateMonitor(ctx, &models.PaymentMonitor{OrderID: order.OrderID, StartedAt: now, UpdatedAt: now})
	require.NoError(t, err)
	assert.False(t, again)

	txID := "tx-" + uuid.NewString()
	ok, err := st.RecordPayment(ctx, order.OrderID, txID, 10, now)
	require.NoError(t, err)
	assert.True(t, ok)

	m, err := st.GetMonitor(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.MonitorMatched, m.Status)

	used, err := st.PaymentTxUsed(ctx, txID)
	require.NoError(t, err)
	assert.True(t, used)

	ok, err = st.UpdateOrder(ctx, order.OrderID, models.OrderPending, models.OrderCancelled, models.OrderPatch{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = st.UpdateOrder(ctx, order.OrderID, models.OrderPaid, models.OrderProcessing, models.OrderPatch{})
	require.NoError(t, err)
	assert.True(t, ok)

	stale, err := st.ListStaleOrders(ctx, models.OrderProcessing, time.Now().Add(time.Minute), 1000)
	require.NoError(t, err)
	assert.True(t, containsOrder(stale, order.OrderID))
	stale, err = st.ListStaleOrders(ctx, models.OrderProcessing, now.Add(-time.Hour), 1000)
	require.NoError(t, err)
	assert.False(t, containsOrder(stale, order.OrderID))

	grant := &models.DelegationGrant{
		GrantID:          uuid.NewString(),
		OrderID:          order.OrderID,
		RecipientAddress: order.RecipientAddress,
		EnergyAmount:     order.EnergyAmount,
		DurationHours:    order.DurationHours,
		ReservationToken: uuid.NewString(),
		Delegations:      []models.Delegation{{AccountID: "pool-1", SourceAddress: "TA", TxID: "d1", EnergyAmount: 100000}},
		Status:           models.GrantActive,
		CreatedAt:        now,
		ExpiresAt:        now.Add(24 * time.Hour),
		UpdatedAt:        now,
	}
	rt := &models.ResourceTransaction{
		ID: uuid.NewString(), GrantID: grant.GrantID, AccountID: "pool-1", SourceAddress: "TA",
		TxID: "d1", EnergyAmount: 100000, StakeSun: 1500000000,
		Direction: models.TxDelegate, Status: models.TxConfirmed, CreatedAt: now,
	}
	require.NoError(t, st.CreateGrant(ctx, grant, []*models.ResourceTransaction{rt}))

	ok, err = st.UpdateOrder(ctx, order.OrderID, models.OrderProcessing, models.OrderActive, models.OrderPatch{DelegationTxID: &rt.TxID})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.GetGrantByOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.UserID, got.UserID)
	require.Len(t, got.Delegations, 1)

	txs, err := st.ListResourceTransactions(ctx, grant.GrantID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(1500000000), txs[0].StakeSun)

	ok, err = st.CompleteGrant(ctx, grant.GrantID)
	require.NoError(t, err)
	assert.True(t, ok)

	final, err := st.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCompleted, final.Status)

	_, err = st.GetOrder(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func containsOrder(orders []*models.Order, id string) bool {
	for _, o := range orders {
		if o.OrderID == id {
			return true
		}
	}
	return false
}
