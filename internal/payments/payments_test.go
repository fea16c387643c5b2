package payments

import (
	"context"
	"testing"
	"time"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/chain"
	"EnergyRental/internal/chain/chaintest"
	"EnergyRental/internal/ledger"
	"EnergyRental/internal/models"
	"EnergyRental/internal/pricing"
	"EnergyRental/internal/scheduler"
	"EnergyRental/internal/services"
	"EnergyRental/internal/store/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	recipient  = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
	payAddress = "TPaymentStatic"
)

type env struct {
	mon   *Monitor
	svc   *services.OrderService
	store *memstore.Store
	chain *chaintest.Fake
	tasks *scheduler.Registry
}

func newEnv(t *testing.T, interval, timeout time.Duration) *env {
	t.Helper()
	price, err := pricing.New("0.004")
	require.NoError(t, err)

	e := &env{
		store: memstore.New(),
		chain: chaintest.NewFake(),
		tasks: scheduler.New(nil, nil),
	}
	t.Cleanup(func() { _ = e.tasks.Shutdown(context.Background()) })
	e.svc = &services.OrderService{
		Store: e.store,
		Ledger: ledger.NewMemory(models.PoolAccount{
			AccountID: "a", Address: "TPoolA", Priority: 1, AvailableEnergy: 1000000, Enabled: true,
		}),
		Addresses:        e.chain,
		Deriver:          chain.AddressDeriver{Static: payAddress},
		Pricing:          price,
		Tolerance:        pricing.Tolerance{Bps: 500},
		MinEnergy:        1,
		MaxDurationHours: 720,
		Deadline:         24 * time.Hour,
	}
	e.mon = &Monitor{
		Store:        e.store,
		Chain:        e.chain,
		Orders:       e.svc,
		Tasks:        e.tasks,
		Tolerance:    pricing.Tolerance{Bps: 500},
		PollInterval: interval,
		Timeout:      timeout,
		Skew:         time.Minute,
		PageSize:     2,
	}
	e.svc.Monitors = e.mon
	return e
}

// order creates a pending order priced at 10000 sun.
func (e *env) order(t *testing.T) *models.Order {
	t.Helper()
	o, err := e.svc.CreateOrder(context.Background(), services.CreateOrderRequest{
		UserID: "user-1", RecipientAddress: recipient, EnergyAmount: 100000, DurationHours: 25,
	})
	require.NoError(t, err)
	require.Equal(t, int64(10000), o.PriceSun)
	return o
}

func (e *env) status(t *testing.T, orderID string) models.OrderStatus {
	t.Helper()
	o, err := e.store.GetOrder(context.Background(), orderID)
	require.NoError(t, err)
	return o.Status
}

func (e *env) record(t *testing.T, o *models.Order, startedAt time.Time) *models.PaymentMonitor {
	t.Helper()
	rec := &models.PaymentMonitor{
		OrderID:        o.OrderID,
		ExpectedAmount: o.PriceSun,
		Address:        o.PaymentAddress,
		Status:         models.MonitorActive,
		PollInterval:   time.Hour,
		Timeout:        time.Hour,
		StartedAt:      startedAt,
	}
	created, err := e.store.CreateMonitor(context.Background(), rec)
	require.NoError(t, err)
	require.True(t, created)
	return rec
}

func TestCreatePaymentMonitorStartsOneLoop(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Hour, time.Hour)
	ctx := context.Background()
	o := e.order(t)

	created, err := e.mon.CreatePaymentMonitor(ctx, o.OrderID, o.PriceSun, o.PaymentAddress)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = e.mon.CreatePaymentMonitor(ctx, o.OrderID, o.PriceSun, o.PaymentAddress)
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, []string{scheduler.MonitorKey(o.OrderID)}, e.tasks.Keys())

	_, err = e.mon.CreatePaymentMonitor(ctx, o.OrderID, 0, o.PaymentAddress)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = e.mon.CreatePaymentMonitor(ctx, "missing", 10, payAddress)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPollToleranceBand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		amount  int64
		matched bool
	}{
		{9400, false},
		{9500, true},
		{10500, true},
		{10600, false},
	}
	for _, tt := range tests {
		e := newEnv(t, time.Hour, time.Hour)
		o := e.order(t)
		rec := e.record(t, o, time.Now().UTC().Add(-time.Second))
		e.chain.AddTransfer(chain.Transfer{
			TxID: "tx-1", To: payAddress, Amount: tt.amount, Success: true, Timestamp: time.Now().UTC(),
		})

		done := e.mon.poll(ctx, rec)
		assert.Equal(t, tt.matched, done, "amount %d", tt.amount)

		mon, err := e.store.GetMonitor(ctx, o.OrderID)
		require.NoError(t, err)
		if tt.matched {
			assert.Equal(t, models.OrderPaid, e.status(t, o.OrderID), "amount %d", tt.amount)
			assert.Equal(t, models.MonitorMatched, mon.Status)
			assert.Equal(t, tt.amount, *mon.MatchedAmount)
			continue
		}
		assert.Equal(t, models.OrderPending, e.status(t, o.OrderID), "amount %d", tt.amount)
		assert.Equal(t, models.MonitorActive, mon.Status)
		assert.NotNil(t, mon.LastPolledAt)
	}
}

func TestPollSkipsStaleFailedAndUsedTransfers(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Hour, time.Hour)
	ctx := context.Background()
	paid := e.order(t)
	_, err := e.svc.HandlePaymentConfirmed(ctx, paid.OrderID, "tx-used", 10000)
	require.NoError(t, err)

	o := e.order(t)
	start := time.Now().UTC()
	rec := e.record(t, o, start)
	e.chain.AddTransfer(chain.Transfer{TxID: "tx-old", To: payAddress, Amount: 10000, Success: true, Timestamp: start.Add(-time.Hour)})
	e.chain.AddTransfer(chain.Transfer{TxID: "tx-failed", To: payAddress, Amount: 10000, Success: false, Timestamp: start})
	e.chain.AddTransfer(chain.Transfer{TxID: "tx-used", To: payAddress, Amount: 10000, Success: true, Timestamp: start})

	assert.False(t, e.mon.poll(ctx, rec))
	assert.Equal(t, models.OrderPending, e.status(t, o.OrderID))

	e.chain.AddTransfer(chain.Transfer{TxID: "tx-good", To: payAddress, Amount: 10000, Success: true, Timestamp: start.Add(time.Second)})
	assert.True(t, e.mon.poll(ctx, rec))
	stored, err := e.store.GetOrder(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "tx-good", *stored.PaymentTxID)
}

func TestPollLoopMatchesAndStops(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10*time.Millisecond, time.Hour)
	ctx := context.Background()
	o := e.order(t)

	_, err := e.mon.CreatePaymentMonitor(ctx, o.OrderID, o.PriceSun, o.PaymentAddress)
	require.NoError(t, err)
	e.chain.AddTransfer(chain.Transfer{TxID: "0xabc", To: payAddress, Amount: 10000, Success: true, Timestamp: time.Now().UTC()})

	require.Eventually(t, func() bool {
		return e.status(t, o.OrderID) == models.OrderPaid
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.tasks.Len() == 0 }, time.Second, 5*time.Millisecond)

	st, err := e.mon.CheckPaymentStatus(ctx, o.OrderID)
	require.NoError(t, err)
	assert.False(t, st.Polling)
	require.NotNil(t, st.Monitor)
	assert.Equal(t, models.MonitorMatched, st.Monitor.Status)
	assert.Equal(t, "0xabc", *st.Monitor.MatchedTxID)
}

func TestMonitorTimeoutCancelsOrder(t *testing.T) {
	t.Parallel()
	e := newEnv(t, 10*time.Millisecond, 40*time.Millisecond)
	ctx := context.Background()
	o := e.order(t)

	_, err := e.mon.CreatePaymentMonitor(ctx, o.OrderID, o.PriceSun, o.PaymentAddress)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return e.status(t, o.OrderID) == models.OrderCancelled
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.tasks.Len() == 0 }, time.Second, 5*time.Millisecond)

	mon, err := e.store.GetMonitor(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.MonitorTimedOut, mon.Status)
}

func TestCancelOrderStopsMonitor(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Hour, time.Hour)
	ctx := context.Background()
	o := e.order(t)
	_, err := e.mon.CreatePaymentMonitor(ctx, o.OrderID, o.PriceSun, o.PaymentAddress)
	require.NoError(t, err)

	_, err = e.svc.CancelOrder(ctx, o.OrderID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.tasks.Len() == 0 }, time.Second, 5*time.Millisecond)

	mon, err := e.store.GetMonitor(ctx, o.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.MonitorCancelled, mon.Status)
}

func TestConfirmPaymentManually(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Hour, time.Hour)
	ctx := context.Background()
	o := e.order(t)
	_, err := e.mon.CreatePaymentMonitor(ctx, o.OrderID, o.PriceSun, o.PaymentAddress)
	require.NoError(t, err)

	_, err = e.mon.ConfirmPaymentManually(ctx, o.OrderID, "0xmissing")
	assert.ErrorIs(t, err, apperr.ErrInvalidPayment)

	e.chain.AddTransfer(chain.Transfer{TxID: "0xreverted", To: payAddress, Amount: 10000, Success: false, Timestamp: time.Now()})
	_, err = e.mon.ConfirmPaymentManually(ctx, o.OrderID, "0xreverted")
	assert.ErrorIs(t, err, apperr.ErrInvalidPayment)
	assert.Equal(t, models.OrderPending, e.status(t, o.OrderID))

	// An old transfer the poller would ignore.
	e.chain.AddTransfer(chain.Transfer{TxID: "0xabc", To: payAddress, Amount: 9000, Success: true, Timestamp: time.Now().Add(-48 * time.Hour)})
	paid, err := e.mon.ConfirmPaymentManually(ctx, o.OrderID, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPaid, paid.Status)
	assert.Equal(t, o.PriceSun, *paid.PaymentAmount)
	assert.False(t, e.tasks.Has(scheduler.MonitorKey(o.OrderID)))

	_, err = e.mon.ConfirmPaymentManually(ctx, o.OrderID, "0xabc")
	assert.ErrorIs(t, err, apperr.ErrInvalidPayment)
}

func TestCleanupExpiredMonitors(t *testing.T) {
	t.Parallel()
	e := newEnv(t, time.Hour, time.Hour)
	ctx := context.Background()

	stale := e.order(t)
	e.record(t, stale, time.Now().UTC().Add(-2*time.Hour))
	fresh := e.order(t)
	e.record(t, fresh, time.Now().UTC())

	n, err := e.mon.CleanupExpiredMonitors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.OrderCancelled, e.status(t, stale.OrderID))
	assert.Equal(t, models.OrderPending, e.status(t, fresh.OrderID))

	n, err = e.mon.CleanupExpiredMonitors(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	resumed, err := e.mon.ResumeMonitors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	assert.True(t, e.tasks.Has(scheduler.MonitorKey(fresh.OrderID)))
}
