package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/models"

	"github.com/jackc/pgx/v5"
)

const orderColumns = `order_id, user_id, energy_amount, duration_hours, price_sun,
	recipient_address, status, payment_address, derivation_index,
	payment_amount, payment_tx_id, delegation_tx_id, failure_reason,
	expires_at, paid_at, created_at, updated_at`

func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO orders (
			order_id, user_id, energy_amount, duration_hours, price_sun,
			recipient_address, status, payment_address, derivation_index,
			expires_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		order.OrderID,
		order.UserID,
		order.EnergyAmount,
		order.DurationHours,
		order.PriceSun,
		order.RecipientAddress,
		order.Status,
		order.PaymentAddress,
		order.DerivationIndex,
		order.ExpiresAt,
		order.CreatedAt,
		order.UpdatedAt,
	)
	return err
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id=$1`, orderID)
	order, err := scanOrder(row)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
		}
		return nil, err
	}
	return order, nil
}

func (s *Store) UpdateOrder(ctx context.Context, orderID string, from, to models.OrderStatus, patch models.OrderPatch) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE orders
		SET status=$3,
			payment_amount=COALESCE($4, payment_amount),
			payment_tx_id=COALESCE($5, payment_tx_id),
			paid_at=COALESCE($6, paid_at),
			delegation_tx_id=COALESCE($7, delegation_tx_id),
			failure_reason=COALESCE($8, failure_reason),
			updated_at=now()
		WHERE order_id=$1 AND status=$2
	`, orderID, from, to, patch.PaymentAmount, patch.PaymentTxID, patch.PaidAt, patch.DelegationTxID, patch.FailureReason)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("payment tx already used: %w", apperr.ErrInvalidPayment)
		}
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) RecordPayment(ctx context.Context, orderID, txID string, amount int64, paidAt time.Time) (bool, error) {
	var updated bool
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE orders
			SET status='paid', payment_tx_id=$2, payment_amount=$3, paid_at=$4, updated_at=now()
			WHERE order_id=$1 AND status='pending'
		`, orderID, txID, amount, paidAt)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return nil
		}
		updated = true
		_, err = tx.Exec(ctx, `
			UPDATE payment_monitors
			SET status='matched', matched_tx_id=$2, matched_amount=$3, updated_at=now()
			WHERE order_id=$1 AND status='monitoring'
		`, orderID, txID, amount)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("payment tx %s already used: %w", txID, apperr.ErrInvalidPayment)
		}
		return false, err
	}
	return updated, nil
}

func (s *Store) ClosePendingOrder(ctx context.Context, orderID string, to models.OrderStatus, monitorStatus models.MonitorStatus) (bool, error) {
	var updated bool
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE orders SET status=$2, updated_at=now()
			WHERE order_id=$1 AND status='pending'
		`, orderID, to)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return nil
		}
		updated = true
		_, err = tx.Exec(ctx, `
			UPDATE payment_monitors SET status=$2, updated_at=now()
			WHERE order_id=$1 AND status='monitoring'
		`, orderID, monitorStatus)
		return err
	})
	return updated, err
}

func (s *Store) SearchOrders(ctx context.Context, filter models.OrderFilter) ([]*models.Order, int64, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != "" {
		add("user_id=$%d", filter.UserID)
	}
	if filter.Status != "" {
		add("status=$%d", filter.Status)
	}
	if filter.Address != "" {
		add("recipient_address=$%d", filter.Address)
	}
	if filter.From != nil {
		add("created_at >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("created_at < $%d", *filter.To)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int64
	if err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM orders`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		orderColumns, clause, len(args)-1, len(args))

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	orders, err := collectOrders(rows)
	return orders, total, err
}

func (s *Store) OrderStats(ctx context.Context, userID string) (*models.OrderStats, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT status, count(*), COALESCE(sum(energy_amount),0), COALESCE(sum(price_sun),0)
		FROM orders
		WHERE ($1 = '' OR user_id = $1)
		GROUP BY status
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &models.OrderStats{ByStatus: map[models.OrderStatus]int64{}}
	for rows.Next() {
		var (
			status models.OrderStatus
			count  int64
			energy int64
			price  int64
		)
		if err := rows.Scan(&status, &count, &energy, &price); err != nil {
			return nil, err
		}
		AccumulateStats(stats, status, count, energy, price)
	}
	return stats, rows.Err()
}

// AccumulateStats folds one per-status aggregate into stats.
func AccumulateStats(stats *models.OrderStats, status models.OrderStatus, count, energy, price int64) {
	stats.Total += count
	stats.ByStatus[status] += count
	switch status {
	case models.OrderActive, models.OrderCompleted:
		stats.EnergyRented += energy
		stats.RevenueSun += price
	case models.OrderPaid, models.OrderProcessing, models.OrderFailed:
		stats.RevenueSun += price
	case models.OrderPending:
		stats.PendingRevenue += price
	}
}

func (s *Store) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status='pending' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *Store) ListStaleOrders(ctx context.Context, status models.OrderStatus, before time.Time, limit int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status=$1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3
	`, string(status), before, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

func (s *Store) PaymentTxUsed(ctx context.Context, txID string) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE payment_tx_id=$1)`, txID).Scan(&exists)
	return exists, err
}

func (s *Store) UserActivity(ctx context.Context, userID string, since time.Time) (*models.UserActivity, error) {
	var (
		act   models.UserActivity
		first sql.NullTime
	)
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE created_at >= $2),
			count(*) FILTER (WHERE created_at >= $2 AND status='failed'),
			count(*) FILTER (WHERE created_at >= $2 AND status IN ('cancelled','expired')),
			min(created_at)
		FROM orders WHERE user_id=$1
	`, userID, since).Scan(&act.TotalOrders, &act.RecentOrders, &act.RecentFailed, &act.RecentCancelled, &first)
	if err != nil {
		return nil, err
	}
	if first.Valid {
		act.FirstOrderAt = &first.Time
	}
	return &act, nil
}

func collectOrders(rows pgx.Rows) ([]*models.Order, error) {
	defer rows.Close()
	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var order models.Order
	var derivationIndex sql.NullInt64
	var paymentAmount sql.NullInt64
	var paymentTxID sql.NullString
	var delegationTxID sql.NullString
	var failureReason sql.NullString
	var paidAt sql.NullTime

	err := row.Scan(
		&order.OrderID,
		&order.UserID,
		&order.EnergyAmount,
		&order.DurationHours,
		&order.PriceSun,
		&order.RecipientAddress,
		&order.Status,
		&order.PaymentAddress,
		&derivationIndex,
		&paymentAmount,
		&paymentTxID,
		&delegationTxID,
		&failureReason,
		&order.ExpiresAt,
		&paidAt,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if derivationIndex.Valid {
		order.DerivationIndex = &derivationIndex.Int64
	}
	if paymentAmount.Valid {
		order.PaymentAmount = &paymentAmount.Int64
	}
	if paymentTxID.Valid {
		order.PaymentTxID = &paymentTxID.String
	}
	if delegationTxID.Valid {
		order.DelegationTxID = &delegationTxID.String
	}
	if failureReason.Valid {
		order.FailureReason = &failureReason.String
	}
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	return &order, nil
}
