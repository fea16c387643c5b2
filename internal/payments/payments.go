// Package payments watches payment addresses for the transfer that pays an
// order and hands confirmed payments to the order service.
package payments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/chain"
	"EnergyRental/internal/events"
	"EnergyRental/internal/metrics"
	"EnergyRental/internal/models"
	"EnergyRental/internal/pricing"
	"EnergyRental/internal/scheduler"
	"EnergyRental/internal/store"

	"go.uber.org/zap"
)

const (
	// maxPages bounds how far back one poll pages through an address history.
	maxPages     = 4
	cleanupBatch = 100
)

type Chain interface {
	ListIncomingTransfers(ctx context.Context, address string, limit, offset int) ([]chain.Transfer, error)
	GetTransaction(ctx context.Context, txID string) (*chain.TxStatus, error)
}

type Orders interface {
	GetOrderByID(ctx context.Context, orderID string) (*models.Order, error)
	HandlePaymentConfirmed(ctx context.Context, orderID, txRef string, amount int64) (*models.Order, error)
	TimeoutOrder(ctx context.Context, orderID string) (bool, error)
}

type Publisher interface {
	Publish(ev events.Event)
}

// Monitor runs one poll task per pending order in Tasks. The persisted
// monitor record is the source of truth; the tasks only make matching fast.
type Monitor struct {
	Store        store.Repository
	Chain        Chain
	Orders       Orders
	Tasks        *scheduler.Registry
	Tolerance    pricing.Tolerance
	PollInterval time.Duration
	Timeout      time.Duration
	// Skew admits transfers stamped slightly before the monitor started.
	Skew     time.Duration
	PageSize int
	Events   Publisher
	Log      *zap.SugaredLogger
	Now      func() time.Time

	mu         sync.Mutex
	mismatched map[string]map[string]bool
}

type PaymentStatus struct {
	Order   *models.Order          `json:"order"`
	Monitor *models.PaymentMonitor `json:"monitor,omitempty"`
	Polling bool                   `json:"polling"`
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Monitor) log() *zap.SugaredLogger {
	if m.Log == nil {
		return zap.NewNop().Sugar()
	}
	return m.Log
}

func (m *Monitor) interval() time.Duration {
	if m.PollInterval <= 0 {
		return 10 * time.Second
	}
	return m.PollInterval
}

func (m *Monitor) timeout() time.Duration {
	if m.Timeout <= 0 {
		return 30 * time.Minute
	}
	return m.Timeout
}

func (m *Monitor) pageSize() int {
	if m.PageSize <= 0 {
		return 50
	}
	return m.PageSize
}

// CreatePaymentMonitor starts watching address for a payment of expected
// sun. It reports whether a new monitor was created; calling it again for
// the same order only revives a lost poll task.
func (m *Monitor) CreatePaymentMonitor(ctx context.Context, orderID string, expected int64, address string) (bool, error) {
	if expected <= 0 {
		return false, fmt.Errorf("expected amount %d: %w", expected, apperr.ErrValidation)
	}
	if address == "" {
		return false, fmt.Errorf("missing payment address: %w", apperr.ErrValidation)
	}
	order, err := m.Orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return false, err
	}
	if order.Status != models.OrderPending {
		return false, fmt.Errorf("order %s is %s, not pending: %w", orderID, order.Status, apperr.ErrInvalidTransition)
	}

	rec := &models.PaymentMonitor{
		OrderID:        orderID,
		ExpectedAmount: expected,
		Address:        address,
		Status:         models.MonitorActive,
		PollInterval:   m.interval(),
		Timeout:        m.timeout(),
		StartedAt:      m.now(),
		UpdatedAt:      m.now(),
	}
	created, err := m.Store.CreateMonitor(ctx, rec)
	if err != nil {
		return false, err
	}
	if !created {
		existing, err := m.Store.GetMonitor(ctx, orderID)
		if err != nil {
			return false, err
		}
		if existing.Status == models.MonitorActive {
			m.start(existing)
		}
		return false, nil
	}

	m.start(rec)
	m.log().Infow("payment monitor started", "order_id", orderID, "address", address,
		"expected", expected, "timeout", rec.Timeout)
	return true, nil
}

func (m *Monitor) start(rec *models.PaymentMonitor) bool {
	r := *rec
	return m.Tasks.Start(scheduler.MonitorKey(r.OrderID), func(ctx context.Context) {
		m.run(ctx, &r)
	})
}

func (m *Monitor) run(ctx context.Context, rec *models.PaymentMonitor) {
	interval := rec.PollInterval
	if interval <= 0 {
		interval = m.interval()
	}
	deadline := time.NewTimer(rec.StartedAt.Add(rec.Timeout).Sub(m.now()))
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if m.poll(ctx, rec) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			m.expire(context.WithoutCancel(ctx), rec.OrderID)
			return
		case <-ticker.C:
		}
	}
}

// poll checks the address once and reports whether monitoring is over.
func (m *Monitor) poll(ctx context.Context, rec *models.PaymentMonitor) bool {
	log := m.log().With("order_id", rec.OrderID)
	if err := m.Store.TouchMonitor(ctx, rec.OrderID, m.now()); err != nil {
		log.Warnw("touch monitor", "error", err)
	}

	transfers, err := m.recentTransfers(ctx, rec)
	if err != nil {
		if ctx.Err() == nil {
			log.Warnw("list incoming transfers", "address", rec.Address, "error", err)
		}
		return false
	}

	for _, t := range transfers {
		if !t.Success || t.To != rec.Address {
			continue
		}
		used, err := m.Store.PaymentTxUsed(ctx, t.TxID)
		if err != nil {
			log.Warnw("check payment tx", "tx", t.TxID, "error", err)
			return false
		}
		if used {
			continue
		}
		if !m.Tolerance.Within(rec.ExpectedAmount, t.Amount) {
			m.mismatch(rec, t)
			continue
		}

		order, err := m.Orders.HandlePaymentConfirmed(ctx, rec.OrderID, t.TxID, t.Amount)
		switch {
		case err == nil:
			metrics.RecordPaymentMatch("poll")
			return true
		case order != nil:
			// Paid, but delegation failed; the order service has recorded it.
			metrics.RecordPaymentMatch("poll")
			log.Errorw("payment matched but delegation failed", "tx", t.TxID, "error", err)
			return true
		case errors.Is(err, apperr.ErrInvalidPayment):
			log.Infow("order no longer accepts payment, stopping monitor", "tx", t.TxID, "error", err)
			return true
		default:
			log.Warnw("confirm payment", "tx", t.TxID, "error", err)
			return false
		}
	}
	return false
}

// recentTransfers pages back until it passes the monitor start, oldest first.
func (m *Monitor) recentTransfers(ctx context.Context, rec *models.PaymentMonitor) ([]chain.Transfer, error) {
	since := rec.StartedAt.Add(-m.Skew)
	size := m.pageSize()
	var out []chain.Transfer
	for page := 0; page < maxPages; page++ {
		batch, err := m.Chain.ListIncomingTransfers(ctx, rec.Address, size, page*size)
		if err != nil {
			return nil, err
		}
		older := false
		for _, t := range batch {
			if t.Timestamp.Before(since) {
				older = true
				continue
			}
			out = append(out, t)
		}
		if older || len(batch) < size {
			break
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// mismatch reports an out-of-band transfer once per order and tx.
func (m *Monitor) mismatch(rec *models.PaymentMonitor, t chain.Transfer) {
	m.mu.Lock()
	if m.mismatched == nil {
		m.mismatched = map[string]map[string]bool{}
	}
	seen := m.mismatched[rec.OrderID]
	if seen == nil {
		seen = map[string]bool{}
		m.mismatched[rec.OrderID] = seen
	}
	first := !seen[t.TxID]
	seen[t.TxID] = true
	m.mu.Unlock()
	if !first {
		return
	}

	err := fmt.Errorf("tx %s paid %d, expected %d: %w", t.TxID, t.Amount, rec.ExpectedAmount, apperr.ErrPaymentMismatch)
	m.log().Warnw("payment amount outside tolerance", "order_id", rec.OrderID, "error", err)
	metrics.RecordPaymentMismatch()
	if m.Events != nil {
		m.Events.Publish(events.Event{
			Type:    events.PaymentMismatch,
			OrderID: rec.OrderID,
			At:      m.now(),
			Data:    map[string]any{"tx_id": t.TxID, "amount": t.Amount, "expected": rec.ExpectedAmount},
		})
	}
}

func (m *Monitor) forget(orderID string) {
	m.mu.Lock()
	delete(m.mismatched, orderID)
	m.mu.Unlock()
}

func (m *Monitor) expire(ctx context.Context, orderID string) {
	cancelled, err := m.Orders.TimeoutOrder(ctx, orderID)
	if err != nil {
		m.log().Warnw("payment timeout", "order_id", orderID, "error", err)
		return
	}
	m.forget(orderID)
	m.log().Infow("payment monitor timed out", "order_id", orderID, "order_cancelled", cancelled)
}

// StopMonitor cancels the poll task for the order, if any.
func (m *Monitor) StopMonitor(orderID string) bool {
	m.forget(orderID)
	return m.Tasks.Stop(scheduler.MonitorKey(orderID))
}

// ConfirmPaymentManually confirms an order with a transaction an operator
// vouches for. The transaction must exist and have succeeded; the order's
// own price is used as the paid amount.
func (m *Monitor) ConfirmPaymentManually(ctx context.Context, orderID, txRef string) (*models.Order, error) {
	if txRef == "" {
		return nil, fmt.Errorf("missing tx reference: %w", apperr.ErrValidation)
	}
	order, err := m.Orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderPending {
		return nil, fmt.Errorf("order %s is %s, not pending: %w", orderID, order.Status, apperr.ErrInvalidPayment)
	}

	st, err := m.Chain.GetTransaction(ctx, txRef)
	if err != nil {
		var ce *chain.CallError
		if errors.As(err, &ce) && ce.Kind == chain.KindNotFound {
			return nil, fmt.Errorf("tx %s not found on chain: %w", txRef, apperr.ErrInvalidPayment)
		}
		return nil, err
	}
	if !st.Success {
		return nil, fmt.Errorf("tx %s did not succeed: %w", txRef, apperr.ErrInvalidPayment)
	}
	if st.Transfer != nil && st.Transfer.To != order.PaymentAddress {
		m.log().Warnw("manual confirmation with transfer to another address", "order_id", orderID,
			"tx", txRef, "to", st.Transfer.To, "payment_address", order.PaymentAddress)
	}

	m.StopMonitor(orderID)
	confirmed, err := m.Orders.HandlePaymentConfirmed(ctx, orderID, txRef, order.PriceSun)
	if confirmed != nil {
		metrics.RecordPaymentMatch("manual")
		m.log().Infow("payment confirmed manually", "order_id", orderID, "tx", txRef)
	}
	return confirmed, err
}

func (m *Monitor) CheckPaymentStatus(ctx context.Context, orderID string) (*PaymentStatus, error) {
	order, err := m.Orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	status := &PaymentStatus{Order: order, Polling: m.Tasks.Has(scheduler.MonitorKey(orderID))}
	rec, err := m.Store.GetMonitor(ctx, orderID)
	switch {
	case err == nil:
		status.Monitor = rec
	case !errors.Is(err, apperr.ErrNotFound):
		return nil, err
	}
	return status, nil
}

// CleanupExpiredMonitors forces the timeout path for monitor records that
// outlived their timeout, e.g. because the process restarted.
func (m *Monitor) CleanupExpiredMonitors(ctx context.Context) (int, error) {
	stale, err := m.Store.ListStaleMonitors(ctx, m.now(), cleanupBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range stale {
		m.StopMonitor(rec.OrderID)
		if _, err := m.Orders.TimeoutOrder(ctx, rec.OrderID); err != nil {
			m.log().Warnw("timeout stale monitor", "order_id", rec.OrderID, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		m.log().Infow("stale payment monitors closed", "count", n)
	}
	return n, nil
}

// ResumeMonitors restarts poll tasks for live monitor records.
func (m *Monitor) ResumeMonitors(ctx context.Context) (int, error) {
	live, err := m.Store.ListActiveMonitors(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range live {
		if rec.StartedAt.Add(rec.Timeout).Before(m.now()) {
			continue
		}
		if m.start(rec) {
			n++
		}
	}
	return n, nil
}
