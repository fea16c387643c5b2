package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/chain"
	"EnergyRental/internal/events"
	"EnergyRental/internal/metrics"
	"EnergyRental/internal/models"
	"EnergyRental/internal/pricing"
	"EnergyRental/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	expireBatch       = 100
	defaultStaleAfter = 10 * time.Minute
)

type Capacity interface {
	TotalAvailable(ctx context.Context) (int64, error)
}

type AddressValidator interface {
	ValidateAddress(address string) error
}

type Delegator interface {
	ExecuteDelegation(ctx context.Context, orderID string) (*models.DelegationGrant, error)
	// RecoverDelegation settles an order a delegation left in processing.
	RecoverDelegation(ctx context.Context, orderID string) (*models.Order, error)
}

type MonitorStopper interface {
	StopMonitor(orderID string) bool
}

type Publisher interface {
	Publish(ev events.Event)
}

type CreateOrderRequest struct {
	UserID           string `json:"user_id"`
	RecipientAddress string `json:"recipient_address"`
	EnergyAmount     int64  `json:"energy_amount"`
	DurationHours    int    `json:"duration_hours"`
}

// OrderService owns the order entity. Every status write goes through the
// transition table in models and is a compare-and-set on the previous status.
type OrderService struct {
	Store            store.Repository
	Ledger           Capacity
	Addresses        AddressValidator
	Deriver          chain.AddressDeriver
	Pricing          pricing.Service
	Tolerance        pricing.Tolerance
	MinEnergy        int64
	MaxDurationHours int
	Deadline         time.Duration
	// StaleAfter is how long an order may sit in paid or processing before
	// the stale sweep takes it over.
	StaleAfter time.Duration
	Events     Publisher
	Log        *zap.SugaredLogger
	Now        func() time.Time

	// Wired after construction; both are optional.
	Delegator Delegator
	Monitors  MonitorStopper
}

func (s *OrderService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *OrderService) log() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

func (s *OrderService) publish(typ string, order *models.Order, data map[string]any) {
	if s.Events == nil || order == nil {
		return
	}
	s.Events.Publish(events.Event{
		Type:    typ,
		OrderID: order.OrderID,
		UserID:  order.UserID,
		Status:  string(order.Status),
		At:      s.now(),
		Data:    data,
	})
}

func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.RecipientAddress = strings.TrimSpace(req.RecipientAddress)
	if req.UserID == "" {
		return nil, fmt.Errorf("missing user id: %w", apperr.ErrValidation)
	}
	if req.EnergyAmount <= 0 || req.EnergyAmount < s.MinEnergy {
		return nil, fmt.Errorf("energy amount %d below minimum %d: %w", req.EnergyAmount, s.MinEnergy, apperr.ErrValidation)
	}
	if req.DurationHours < 1 || (s.MaxDurationHours > 0 && req.DurationHours > s.MaxDurationHours) {
		return nil, fmt.Errorf("duration %dh outside [1, %d]: %w", req.DurationHours, s.MaxDurationHours, apperr.ErrValidation)
	}
	if err := s.Addresses.ValidateAddress(req.RecipientAddress); err != nil {
		if !errors.Is(err, apperr.ErrValidation) {
			err = fmt.Errorf("recipient address: %v: %w", err, apperr.ErrValidation)
		}
		return nil, err
	}

	available, err := s.Ledger.TotalAvailable(ctx)
	if err != nil {
		return nil, err
	}
	if available < req.EnergyAmount {
		return nil, fmt.Errorf("requested %d energy, pool has %d: %w", req.EnergyAmount, available, apperr.ErrInsufficientResource)
	}

	quote, err := s.Pricing.Quote(ctx, req.EnergyAmount, req.DurationHours)
	if err != nil {
		return nil, err
	}

	var idx *int64
	var addr string
	if s.Deriver.Unique() {
		n, err := s.Store.NextDerivationIndex(ctx)
		if err != nil {
			return nil, err
		}
		idx = &n
		if addr, err = s.Deriver.Derive(uint32(n)); err != nil {
			return nil, err
		}
	} else if addr, err = s.Deriver.Derive(0); err != nil {
		return nil, err
	}

	now := s.now()
	order := &models.Order{
		OrderID:          uuid.NewString(),
		UserID:           req.UserID,
		EnergyAmount:     req.EnergyAmount,
		DurationHours:    req.DurationHours,
		PriceSun:         quote.PriceSun,
		RecipientAddress: req.RecipientAddress,
		Status:           models.OrderPending,
		PaymentAddress:   addr,
		DerivationIndex:  idx,
		ExpiresAt:        now.Add(s.Deadline),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.Store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	s.log().Infow("order created", "order_id", order.OrderID, "user_id", order.UserID,
		"energy", order.EnergyAmount, "hours", order.DurationHours, "price_sun", order.PriceSun)
	s.publish(events.OrderCreated, order, map[string]any{"price_sun": order.PriceSun, "payment_address": addr})
	return order, nil
}

func (s *OrderService) GetOrderByID(ctx context.Context, orderID string) (*models.Order, error) {
	if orderID == "" {
		return nil, fmt.Errorf("missing order id: %w", apperr.ErrValidation)
	}
	return s.Store.GetOrder(ctx, orderID)
}

// UpdateOrderStatus moves an order to status `to`, stamping the patch.
// Writing the current status again only updates the patch fields.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, orderID string, to models.OrderStatus, patch models.OrderPatch) (*models.Order, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", to, apperr.ErrValidation)
	}
	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	from := order.Status
	if from != to && !models.CanTransition(from, to) {
		return nil, fmt.Errorf("order %s: %s -> %s: %w", orderID, from, to, apperr.ErrInvalidTransition)
	}

	ok, err := s.Store.UpdateOrder(ctx, orderID, from, to, patch)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("order %s left %s concurrently: %w", orderID, from, apperr.ErrInvalidTransition)
	}

	patch.Apply(order)
	order.Status = to
	order.UpdatedAt = s.now()
	if from != to {
		metrics.RecordTransition(string(from), string(to))
		s.log().Infow("order status changed", "order_id", orderID, "from", from, "to", to)
		s.publish(events.OrderStatus, order, map[string]any{"from": string(from)})
	}
	return order, nil
}

// HandlePaymentConfirmed records a payment against a pending order and hands
// the order to delegation. Any amount at or above the lower edge of the
// tolerance band is accepted (Tolerance.Covers), so overpayments pass. A
// delegation failure leaves the order failed with the payment still
// recorded; the error is returned alongside the order.
func (s *OrderService) HandlePaymentConfirmed(ctx context.Context, orderID, txRef string, amount int64) (*models.Order, error) {
	if strings.TrimSpace(txRef) == "" {
		return nil, fmt.Errorf("missing payment tx: %w", apperr.ErrInvalidPayment)
	}
	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderPending {
		return nil, fmt.Errorf("order %s is %s, not pending: %w", orderID, order.Status, apperr.ErrInvalidPayment)
	}
	if !s.Tolerance.Covers(order.PriceSun, amount) {
		return nil, fmt.Errorf("paid %d for price %d: %w", amount, order.PriceSun, apperr.ErrInvalidPayment)
	}
	used, err := s.Store.PaymentTxUsed(ctx, txRef)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, fmt.Errorf("payment tx %s already confirmed another order: %w", txRef, apperr.ErrInvalidPayment)
	}

	paidAt := s.now()
	ok, err := s.Store.RecordPayment(ctx, orderID, txRef, amount, paidAt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("order %s left pending concurrently: %w", orderID, apperr.ErrInvalidPayment)
	}
	order.Status = models.OrderPaid
	order.PaymentTxID = &txRef
	order.PaymentAmount = &amount
	order.PaidAt = &paidAt

	metrics.RecordTransition(string(models.OrderPending), string(models.OrderPaid))
	s.log().Infow("payment confirmed", "order_id", orderID, "tx", txRef, "amount", amount, "price_sun", order.PriceSun)
	s.publish(events.PaymentMatched, order, map[string]any{"tx_id": txRef, "amount": amount})

	if s.Monitors != nil {
		s.Monitors.StopMonitor(orderID)
	}
	if s.Delegator == nil {
		return order, nil
	}

	// Chain calls must not be abandoned halfway because the caller (a poll
	// task or an HTTP request) went away.
	dctx := context.WithoutCancel(ctx)
	if _, derr := s.Delegator.ExecuteDelegation(dctx, orderID); derr != nil {
		s.failOrder(dctx, orderID, derr)
		latest, err := s.Store.GetOrder(dctx, orderID)
		if err != nil {
			latest = order
		}
		return latest, fmt.Errorf("order %s paid but delegation failed: %w", orderID, derr)
	}
	return s.Store.GetOrder(dctx, orderID)
}

// failOrder makes sure a paid or processing order whose delegation failed
// ends in failed.
func (s *OrderService) failOrder(ctx context.Context, orderID string, cause error) {
	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil || order.Status == models.OrderFailed || !models.CanTransition(order.Status, models.OrderFailed) {
		return
	}
	reason := cause.Error()
	if _, err := s.UpdateOrderStatus(ctx, orderID, models.OrderFailed, models.OrderPatch{FailureReason: &reason}); err != nil {
		s.log().Errorw("could not mark order failed", "order_id", orderID, "cause", reason, "error", err)
	}
}

func (s *OrderService) CancelOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.closePending(ctx, orderID, models.OrderCancelled, models.MonitorCancelled)
}

// TimeoutOrder cancels a pending order whose payment window has passed.
// When the order already left pending only the monitor record is closed.
func (s *OrderService) TimeoutOrder(ctx context.Context, orderID string) (bool, error) {
	_, err := s.closePending(ctx, orderID, models.OrderCancelled, models.MonitorTimedOut)
	if errors.Is(err, apperr.ErrInvalidTransition) {
		_, merr := s.Store.UpdateMonitorStatus(ctx, orderID, models.MonitorActive, models.MonitorTimedOut)
		return false, merr
	}
	return err == nil, err
}

func (s *OrderService) closePending(ctx context.Context, orderID string, to models.OrderStatus, monitorStatus models.MonitorStatus) (*models.Order, error) {
	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderPending {
		return nil, fmt.Errorf("order %s is %s, only pending orders can be %s: %w", orderID, order.Status, to, apperr.ErrInvalidTransition)
	}
	ok, err := s.Store.ClosePendingOrder(ctx, orderID, to, monitorStatus)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("order %s left pending concurrently: %w", orderID, apperr.ErrInvalidTransition)
	}
	if s.Monitors != nil {
		s.Monitors.StopMonitor(orderID)
	}
	order.Status = to
	order.UpdatedAt = s.now()
	metrics.RecordTransition(string(models.OrderPending), string(to))
	s.log().Infow("order closed", "order_id", orderID, "status", to)
	s.publish(events.OrderStatus, order, map[string]any{"from": string(models.OrderPending)})
	return order, nil
}

// ProcessExpiredOrders expires pending orders past their deadline. Orders
// that change concurrently are skipped.
func (s *OrderService) ProcessExpiredOrders(ctx context.Context) (int, error) {
	expired := 0
	for {
		batch, err := s.Store.ListExpiredPending(ctx, s.now(), expireBatch)
		if err != nil {
			return expired, err
		}
		progressed := 0
		for _, o := range batch {
			if _, err := s.closePending(ctx, o.OrderID, models.OrderExpired, models.MonitorTimedOut); err != nil {
				if !errors.Is(err, apperr.ErrInvalidTransition) {
					s.log().Warnw("expire order", "order_id", o.OrderID, "error", err)
				}
				continue
			}
			progressed++
		}
		expired += progressed
		if len(batch) < expireBatch || progressed == 0 {
			return expired, nil
		}
	}
}

func (s *OrderService) staleAfter() time.Duration {
	if s.StaleAfter > 0 {
		return s.StaleAfter
	}
	return defaultStaleAfter
}

// ProcessStaleOrders takes over orders stuck after payment. A paid order
// whose delegation never started is delegated again and fails if that does
// not work. A processing order is handed to the delegator to recover.
func (s *OrderService) ProcessStaleOrders(ctx context.Context) (int, error) {
	if s.Delegator == nil {
		return 0, nil
	}
	before := s.now().Add(-s.staleAfter())
	settled := 0

	paid, err := s.Store.ListStaleOrders(ctx, models.OrderPaid, before, expireBatch)
	if err != nil {
		return 0, err
	}
	for _, o := range paid {
		if _, err := s.Delegator.ExecuteDelegation(ctx, o.OrderID); err != nil {
			if errors.Is(err, apperr.ErrInvalidTransition) {
				continue
			}
			s.log().Warnw("stale paid order failed delegation", "order_id", o.OrderID, "error", err)
			s.failOrder(context.WithoutCancel(ctx), o.OrderID, err)
		}
		settled++
	}

	processing, err := s.Store.ListStaleOrders(ctx, models.OrderProcessing, before, expireBatch)
	if err != nil {
		return settled, err
	}
	for _, o := range processing {
		recovered, err := s.Delegator.RecoverDelegation(ctx, o.OrderID)
		if err != nil {
			if !errors.Is(err, apperr.ErrInvalidTransition) {
				s.log().Warnw("recover stale processing order", "order_id", o.OrderID, "error", err)
			}
			continue
		}
		s.log().Infow("stale processing order settled", "order_id", o.OrderID, "status", recovered.Status)
		settled++
	}
	return settled, nil
}

func (s *OrderService) SearchOrders(ctx context.Context, filter models.OrderFilter) ([]*models.Order, int64, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, 0, fmt.Errorf("unknown status %q: %w", filter.Status, apperr.ErrValidation)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, 0, fmt.Errorf("negative paging: %w", apperr.ErrValidation)
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, 0, fmt.Errorf("time range ends before it starts: %w", apperr.ErrValidation)
	}
	return s.Store.SearchOrders(ctx, filter)
}

func (s *OrderService) GetOrderStats(ctx context.Context, userID string) (*models.OrderStats, error) {
	return s.Store.OrderStats(ctx, userID)
}
