// Package memstore is an in-process implementation of store.Repository used
// by tests and local runs without Postgres. It mirrors the compare-and-set
// semantics of the SQL store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/models"
	"EnergyRental/internal/store"
)

var _ store.Repository = (*Store)(nil)

type Store struct {
	mu       sync.Mutex
	seq      int64
	orders   map[string]*models.Order
	grants   map[string]*models.DelegationGrant
	txs      []*models.ResourceTransaction
	monitors map[string]*models.PaymentMonitor
	now      func() time.Time
}

func New() *Store {
	return &Store{
		orders:   map[string]*models.Order{},
		grants:   map[string]*models.DelegationGrant{},
		monitors: map[string]*models.PaymentMonitor{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the clock used for updated_at stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) NextDerivationIndex(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq, nil
}

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.OrderID]; ok {
		return fmt.Errorf("order %s already exists", order.OrderID)
	}
	s.orders[order.OrderID] = cloneOrder(order)
	return nil
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
	}
	return cloneOrder(o), nil
}

func (s *Store) UpdateOrder(ctx context.Context, orderID string, from, to models.OrderStatus, patch models.OrderPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status != from {
		return false, nil
	}
	if patch.PaymentTxID != nil && s.txUsedLocked(*patch.PaymentTxID, orderID) {
		return false, fmt.Errorf("payment tx already used: %w", apperr.ErrInvalidPayment)
	}
	patch.Apply(o)
	o.Status = to
	o.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) RecordPayment(ctx context.Context, orderID, txID string, amount int64, paidAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status != models.OrderPending {
		return false, nil
	}
	if s.txUsedLocked(txID, orderID) {
		return false, fmt.Errorf("payment tx %s already used: %w", txID, apperr.ErrInvalidPayment)
	}
	o.Status = models.OrderPaid
	o.PaymentTxID = &txID
	o.PaymentAmount = &amount
	o.PaidAt = &paidAt
	o.UpdatedAt = s.now()
	if m, ok := s.monitors[orderID]; ok && m.Status == models.MonitorActive {
		m.Status = models.MonitorMatched
		m.MatchedTxID = &txID
		m.MatchedAmount = &amount
		m.UpdatedAt = s.now()
	}
	return true, nil
}

func (s *Store) ClosePendingOrder(ctx context.Context, orderID string, to models.OrderStatus, monitorStatus models.MonitorStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status != models.OrderPending {
		return false, nil
	}
	o.Status = to
	o.UpdatedAt = s.now()
	if m, ok := s.monitors[orderID]; ok && m.Status == models.MonitorActive {
		m.Status = monitorStatus
		m.UpdatedAt = s.now()
	}
	return true, nil
}

func (s *Store) SearchOrders(ctx context.Context, filter models.OrderFilter) ([]*models.Order, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*models.Order
	for _, o := range s.orders {
		if filter.UserID != "" && o.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.Address != "" && o.RecipientAddress != filter.Address {
			continue
		}
		if filter.From != nil && o.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !o.CreatedAt.Before(*filter.To) {
			continue
		}
		matched = append(matched, cloneOrder(o))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (s *Store) OrderStats(ctx context.Context, userID string) (*models.OrderStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &models.OrderStats{ByStatus: map[models.OrderStatus]int64{}}
	for _, o := range s.orders {
		if userID != "" && o.UserID != userID {
			continue
		}
		store.AccumulateStats(stats, o.Status, 1, o.EnergyAmount, o.PriceSun)
	}
	return stats, nil
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if o.Status == models.OrderPending && o.ExpiresAt.Before(now) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListStaleOrders(ctx context.Context, status models.OrderStatus, before time.Time, limit int) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Order
	for _, o := range s.orders {
		if o.Status == status && o.UpdatedAt.Before(before) {
			out = append(out, cloneOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PaymentTxUsed(ctx context.Context, txID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txUsedLocked(txID, ""), nil
}

func (s *Store) txUsedLocked(txID, exceptOrder string) bool {
	for id, o := range s.orders {
		if id != exceptOrder && o.PaymentTxID != nil && *o.PaymentTxID == txID {
			return true
		}
	}
	return false
}

func (s *Store) UserActivity(ctx context.Context, userID string, since time.Time) (*models.UserActivity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	act := &models.UserActivity{}
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		act.TotalOrders++
		if act.FirstOrderAt == nil || o.CreatedAt.Before(*act.FirstOrderAt) {
			first := o.CreatedAt
			act.FirstOrderAt = &first
		}
		if o.CreatedAt.Before(since) {
			continue
		}
		act.RecentOrders++
		switch o.Status {
		case models.OrderFailed:
			act.RecentFailed++
		case models.OrderCancelled, models.OrderExpired:
			act.RecentCancelled++
		}
	}
	return act, nil
}

func (s *Store) CreateGrant(ctx context.Context, grant *models.DelegationGrant, txs []*models.ResourceTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[grant.GrantID]; ok {
		return fmt.Errorf("grant %s already exists", grant.GrantID)
	}
	for _, g := range s.grants {
		if g.OrderID == grant.OrderID {
			return fmt.Errorf("order %s already has grant %s", grant.OrderID, g.GrantID)
		}
	}
	g := cloneGrant(grant)
	if o, ok := s.orders[g.OrderID]; ok {
		g.UserID = o.UserID
	}
	s.grants[g.GrantID] = g
	for _, rt := range txs {
		c := *rt
		s.txs = append(s.txs, &c)
	}
	return nil
}

func (s *Store) GetGrant(ctx context.Context, grantID string) (*models.DelegationGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantID]
	if !ok {
		return nil, fmt.Errorf("grant %s: %w", grantID, apperr.ErrNotFound)
	}
	return cloneGrant(g), nil
}

func (s *Store) GetGrantByOrder(ctx context.Context, orderID string) (*models.DelegationGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.grants {
		if g.OrderID == orderID {
			return cloneGrant(g), nil
		}
	}
	return nil, fmt.Errorf("grant for order %s: %w", orderID, apperr.ErrNotFound)
}

func (s *Store) UpdateGrantStatus(ctx context.Context, grantID string, from, to models.GrantStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantID]
	if !ok || g.Status != from {
		return false, nil
	}
	g.Status = to
	g.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) CompleteGrant(ctx context.Context, grantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantID]
	if !ok || g.Status != models.GrantActive {
		return false, nil
	}
	g.Status = models.GrantExpired
	g.UpdatedAt = s.now()
	if o, ok := s.orders[g.OrderID]; ok && o.Status == models.OrderActive {
		o.Status = models.OrderCompleted
		o.UpdatedAt = s.now()
	}
	return true, nil
}

func (s *Store) ListDueGrants(ctx context.Context, now time.Time, limit int) ([]*models.DelegationGrant, error) {
	return s.listGrants(limit, func(g *models.DelegationGrant) bool {
		return g.Status == models.GrantActive && !g.ExpiresAt.After(now)
	}), nil
}

func (s *Store) ListActiveGrants(ctx context.Context) ([]*models.DelegationGrant, error) {
	return s.listGrants(0, func(g *models.DelegationGrant) bool {
		return g.Status == models.GrantActive
	}), nil
}

func (s *Store) ListUserGrants(ctx context.Context, userID string) ([]*models.DelegationGrant, error) {
	return s.listGrants(0, func(g *models.DelegationGrant) bool {
		return g.UserID == userID
	}), nil
}

func (s *Store) listGrants(limit int, keep func(*models.DelegationGrant) bool) []*models.DelegationGrant {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.DelegationGrant
	for _, g := range s.grants {
		if keep(g) {
			out = append(out, cloneGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) ListResourceTransactions(ctx context.Context, grantID string) ([]*models.ResourceTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ResourceTransaction
	for _, rt := range s.txs {
		if rt.GrantID == grantID {
			c := *rt
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *Store) AppendResourceTransaction(ctx context.Context, rt *models.ResourceTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.grants[rt.GrantID]; !ok {
		return fmt.Errorf("grant %s: %w", rt.GrantID, apperr.ErrNotFound)
	}
	c := *rt
	s.txs = append(s.txs, &c)
	return nil
}

func (s *Store) CreateMonitor(ctx context.Context, m *models.PaymentMonitor) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.monitors[m.OrderID]; ok {
		return false, nil
	}
	c := *m
	s.monitors[m.OrderID] = &c
	return true, nil
}

func (s *Store) GetMonitor(ctx context.Context, orderID string) (*models.PaymentMonitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[orderID]
	if !ok {
		return nil, fmt.Errorf("payment monitor %s: %w", orderID, apperr.ErrNotFound)
	}
	c := *m
	return &c, nil
}

func (s *Store) UpdateMonitorStatus(ctx context.Context, orderID string, from, to models.MonitorStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.monitors[orderID]
	if !ok || m.Status != from {
		return false, nil
	}
	m.Status = to
	m.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) TouchMonitor(ctx context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.monitors[orderID]; ok && m.Status == models.MonitorActive {
		m.LastPolledAt = &at
	}
	return nil
}

func (s *Store) ListStaleMonitors(ctx context.Context, now time.Time, limit int) ([]*models.PaymentMonitor, error) {
	return s.listMonitors(limit, func(m *models.PaymentMonitor) bool {
		return m.Status == models.MonitorActive && m.StartedAt.Add(m.Timeout).Before(now)
	}), nil
}

func (s *Store) ListActiveMonitors(ctx context.Context) ([]*models.PaymentMonitor, error) {
	return s.listMonitors(0, func(m *models.PaymentMonitor) bool {
		return m.Status == models.MonitorActive
	}), nil
}

func (s *Store) listMonitors(limit int, keep func(*models.PaymentMonitor) bool) []*models.PaymentMonitor {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.PaymentMonitor
	for _, m := range s.monitors {
		if keep(m) {
			c := *m
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func cloneOrder(o *models.Order) *models.Order {
	c := *o
	return &c
}

func cloneGrant(g *models.DelegationGrant) *models.DelegationGrant {
	c := *g
	c.Delegations = append([]models.Delegation(nil), g.Delegations...)
	return &c
}
