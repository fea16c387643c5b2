package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/models"

	"github.com/jackc/pgx/v5"
)

const monitorColumns = `order_id, expected_amount, address, status, poll_interval_ms, timeout_ms,
	started_at, last_polled_at, matched_tx_id, matched_amount, updated_at`

func (s *Store) CreateMonitor(ctx context.Context, m *models.PaymentMonitor) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		INSERT INTO payment_monitors (
			order_id, expected_amount, address, status, poll_interval_ms, timeout_ms,
			started_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (order_id) DO NOTHING
	`,
		m.OrderID,
		m.ExpectedAmount,
		m.Address,
		m.Status,
		m.PollInterval.Milliseconds(),
		m.Timeout.Milliseconds(),
		m.StartedAt,
		m.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) GetMonitor(ctx context.Context, orderID string) (*models.PaymentMonitor, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+monitorColumns+` FROM payment_monitors WHERE order_id=$1`, orderID)
	m, err := scanMonitor(row)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("payment monitor %s: %w", orderID, apperr.ErrNotFound)
		}
		return nil, err
	}
	return m, nil
}

func (s *Store) UpdateMonitorStatus(ctx context.Context, orderID string, from, to models.MonitorStatus) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE payment_monitors SET status=$3, updated_at=now()
		WHERE order_id=$1 AND status=$2
	`, orderID, from, to)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) TouchMonitor(ctx context.Context, orderID string, at time.Time) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE payment_monitors SET last_polled_at=$2
		WHERE order_id=$1 AND status='monitoring'
	`, orderID, at)
	return err
}

func (s *Store) ListStaleMonitors(ctx context.Context, now time.Time, limit int) ([]*models.PaymentMonitor, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT `+monitorColumns+`
		FROM payment_monitors
		WHERE status='monitoring'
			AND started_at + timeout_ms * interval '1 millisecond' < $1
		ORDER BY started_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectMonitors(rows)
}

func (s *Store) ListActiveMonitors(ctx context.Context) ([]*models.PaymentMonitor, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+monitorColumns+` FROM payment_monitors WHERE status='monitoring' ORDER BY started_at`)
	if err != nil {
		return nil, err
	}
	return collectMonitors(rows)
}

func collectMonitors(rows pgx.Rows) ([]*models.PaymentMonitor, error) {
	defer rows.Close()
	var out []*models.PaymentMonitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMonitor(row rowScanner) (*models.PaymentMonitor, error) {
	var m models.PaymentMonitor
	var intervalMS, timeoutMS int64
	var lastPolled sql.NullTime
	var matchedTx sql.NullString
	var matchedAmount sql.NullInt64

	err := row.Scan(
		&m.OrderID,
		&m.ExpectedAmount,
		&m.Address,
		&m.Status,
		&intervalMS,
		&timeoutMS,
		&m.StartedAt,
		&lastPolled,
		&matchedTx,
		&matchedAmount,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.PollInterval = time.Duration(intervalMS) * time.Millisecond
	m.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if lastPolled.Valid {
		m.LastPolledAt = &lastPolled.Time
	}
	if matchedTx.Valid {
		m.MatchedTxID = &matchedTx.String
	}
	if matchedAmount.Valid {
		m.MatchedAmount = &matchedAmount.Int64
	}
	return &m, nil
}
