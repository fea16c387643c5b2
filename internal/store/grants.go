package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/models"

	"github.com/jackc/pgx/v5"
)

const grantColumns = `g.grant_id, g.order_id, o.user_id, g.recipient_address, g.energy_amount,
	g.duration_hours, g.reservation_token, g.delegations, g.status,
	g.created_at, g.expires_at, g.updated_at`

const grantFrom = ` FROM delegation_grants g JOIN orders o ON o.order_id = g.order_id`

func (s *Store) CreateGrant(ctx context.Context, grant *models.DelegationGrant, txs []*models.ResourceTransaction) error {
	delegations, err := json.Marshal(grant.Delegations)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO delegation_grants (
				grant_id, order_id, recipient_address, energy_amount, duration_hours,
				reservation_token, delegations, status, created_at, expires_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		`,
			grant.GrantID,
			grant.OrderID,
			grant.RecipientAddress,
			grant.EnergyAmount,
			grant.DurationHours,
			grant.ReservationToken,
			string(delegations),
			grant.Status,
			grant.CreatedAt,
			grant.ExpiresAt,
			grant.UpdatedAt,
		)
		if err != nil {
			return err
		}
		for _, rt := range txs {
			if err := insertResourceTx(ctx, tx, rt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetGrant(ctx context.Context, grantID string) (*models.DelegationGrant, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+grantColumns+grantFrom+` WHERE g.grant_id=$1`, grantID)
	grant, err := scanGrant(row)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("grant %s: %w", grantID, apperr.ErrNotFound)
		}
		return nil, err
	}
	return grant, nil
}

func (s *Store) GetGrantByOrder(ctx context.Context, orderID string) (*models.DelegationGrant, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+grantColumns+grantFrom+` WHERE g.order_id=$1`, orderID)
	grant, err := scanGrant(row)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("grant for order %s: %w", orderID, apperr.ErrNotFound)
		}
		return nil, err
	}
	return grant, nil
}

func (s *Store) UpdateGrantStatus(ctx context.Context, grantID string, from, to models.GrantStatus) (bool, error) {
	res, err := s.Pool.Exec(ctx, `
		UPDATE delegation_grants SET status=$3, updated_at=now()
		WHERE grant_id=$1 AND status=$2
	`, grantID, from, to)
	if err != nil {
		return false, err
	}
	return res.RowsAffected() > 0, nil
}

func (s *Store) CompleteGrant(ctx context.Context, grantID string) (bool, error) {
	var updated bool
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		var orderID string
		err := tx.QueryRow(ctx, `
			UPDATE delegation_grants SET status='expired', updated_at=now()
			WHERE grant_id=$1 AND status='active'
			RETURNING order_id
		`, grantID).Scan(&orderID)
		if err != nil {
			if notFound(err) {
				return nil
			}
			return err
		}
		updated = true
		_, err = tx.Exec(ctx, `
			UPDATE orders SET status='completed', updated_at=now()
			WHERE order_id=$1 AND status='active'
		`, orderID)
		return err
	})
	return updated, err
}

func (s *Store) ListDueGrants(ctx context.Context, now time.Time, limit int) ([]*models.DelegationGrant, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.Pool.Query(ctx, `SELECT `+grantColumns+grantFrom+`
		WHERE g.status='active' AND g.expires_at <= $1
		ORDER BY g.expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectGrants(rows)
}

func (s *Store) ListActiveGrants(ctx context.Context) ([]*models.DelegationGrant, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+grantColumns+grantFrom+` WHERE g.status='active' ORDER BY g.expires_at`)
	if err != nil {
		return nil, err
	}
	return collectGrants(rows)
}

func (s *Store) ListUserGrants(ctx context.Context, userID string) ([]*models.DelegationGrant, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+grantColumns+grantFrom+` WHERE o.user_id=$1 ORDER BY g.created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	return collectGrants(rows)
}

func (s *Store) ListResourceTransactions(ctx context.Context, grantID string) ([]*models.ResourceTransaction, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, grant_id, account_id, source_address, tx_id, energy_amount,
			stake_sun, direction, status, error, created_at
		FROM resource_transactions
		WHERE grant_id=$1
		ORDER BY created_at, id
	`, grantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ResourceTransaction
	for rows.Next() {
		var rt models.ResourceTransaction
		if err := rows.Scan(
			&rt.ID,
			&rt.GrantID,
			&rt.AccountID,
			&rt.SourceAddress,
			&rt.TxID,
			&rt.EnergyAmount,
			&rt.StakeSun,
			&rt.Direction,
			&rt.Status,
			&rt.Error,
			&rt.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &rt)
	}
	return out, rows.Err()
}

func (s *Store) AppendResourceTransaction(ctx context.Context, rt *models.ResourceTransaction) error {
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		return insertResourceTx(ctx, tx, rt)
	})
}

func insertResourceTx(ctx context.Context, tx pgx.Tx, rt *models.ResourceTransaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO resource_transactions (
			id, grant_id, account_id, source_address, tx_id, energy_amount,
			stake_sun, direction, status, error, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		rt.ID,
		rt.GrantID,
		rt.AccountID,
		rt.SourceAddress,
		rt.TxID,
		rt.EnergyAmount,
		rt.StakeSun,
		rt.Direction,
		rt.Status,
		rt.Error,
		rt.CreatedAt,
	)
	return err
}

func collectGrants(rows pgx.Rows) ([]*models.DelegationGrant, error) {
	defer rows.Close()
	var grants []*models.DelegationGrant
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		grants = append(grants, grant)
	}
	return grants, rows.Err()
}

func scanGrant(row rowScanner) (*models.DelegationGrant, error) {
	var grant models.DelegationGrant
	var token sql.NullString
	var delegations []byte

	err := row.Scan(
		&grant.GrantID,
		&grant.OrderID,
		&grant.UserID,
		&grant.RecipientAddress,
		&grant.EnergyAmount,
		&grant.DurationHours,
		&token,
		&delegations,
		&grant.Status,
		&grant.CreatedAt,
		&grant.ExpiresAt,
		&grant.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	grant.ReservationToken = token.String
	if len(delegations) > 0 {
		if err := json.Unmarshal(delegations, &grant.Delegations); err != nil {
			return nil, fmt.Errorf("decode delegations of grant %s: %w", grant.GrantID, err)
		}
	}
	return &grant, nil
}
