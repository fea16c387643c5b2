package ledger

import (
	"context"
	"errors"
	"fmt"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps pool accounts and reservations in the same database as
// orders. The per-account guard is a conditional UPDATE, so concurrent
// reservations from several processes cannot oversubscribe an account.
type Postgres struct {
	Pool     *pgxpool.Pool
	MinChunk int64
}

func NewPostgres(pool *pgxpool.Pool, minChunk int64) *Postgres {
	return &Postgres{Pool: pool, MinChunk: minChunk}
}

func (p *Postgres) OptimizeAllocation(ctx context.Context, amount int64) ([]Allocation, error) {
	accounts, err := p.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	return FirstFitByPriority(accounts, amount, p.MinChunk)
}

func (p *Postgres) Reserve(ctx context.Context, accountID string, amount int64, token string) error {
	if amount <= 0 {
		return fmt.Errorf("reserve %d on %s: %w", amount, accountID, apperr.ErrReservation)
	}
	return pgx.BeginFunc(ctx, p.Pool, func(tx pgx.Tx) error {
		res, err := tx.Exec(ctx, `
			UPDATE pool_accounts
			SET reserved_energy = reserved_energy + $2, updated_at = now()
			WHERE account_id = $1 AND enabled AND available_energy - reserved_energy >= $2
		`, accountID, amount)
		if err != nil {
			return err
		}
		if res.RowsAffected() == 0 {
			return fmt.Errorf("reserve %d on %s: %w", amount, accountID, apperr.ErrReservation)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO reservations (token, account_id, amount, status)
			VALUES ($1, $2, $3, 'live')
		`, token, accountID, amount)
		return err
	})
}

func (p *Postgres) Release(ctx context.Context, accountID string, amount int64, token string) error {
	return pgx.BeginFunc(ctx, p.Pool, func(tx pgx.Tx) error {
		return endReservation(ctx, tx, token, accountID, models.ReservationReleased)
	})
}

func (p *Postgres) ReleaseToken(ctx context.Context, token string) error {
	return pgx.BeginFunc(ctx, p.Pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT account_id FROM reservations
			WHERE token = $1 AND status = 'live'
			ORDER BY account_id
		`, token)
		if err != nil {
			return err
		}
		accountIDs, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		for _, id := range accountIDs {
			if err := endReservation(ctx, tx, token, id, models.ReservationReleased); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *Postgres) ConfirmUsage(ctx context.Context, accountID string, amount int64, token, txRef string) error {
	return pgx.BeginFunc(ctx, p.Pool, func(tx pgx.Tx) error {
		return endReservation(ctx, tx, token, accountID, models.ReservationConfirmed)
	})
}

// endReservation finishes a live reservation using its stored amount.
// Finishing an already finished reservation is a no-op.
func endReservation(ctx context.Context, tx pgx.Tx, token, accountID string, status models.ReservationStatus) error {
	var amount int64
	err := tx.QueryRow(ctx, `
		UPDATE reservations SET status = $3, updated_at = now()
		WHERE token = $1 AND account_id = $2 AND status = 'live'
		RETURNING amount
	`, token, accountID, status).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	debit := int64(0)
	if status == models.ReservationConfirmed {
		debit = amount
	}
	_, err = tx.Exec(ctx, `
		UPDATE pool_accounts
		SET reserved_energy = reserved_energy - $2,
			available_energy = available_energy - $3,
			updated_at = now()
		WHERE account_id = $1
	`, accountID, amount, debit)
	return err
}

func (p *Postgres) Credit(ctx context.Context, accountID string, amount int64, txRef string) error {
	res, err := p.Pool.Exec(ctx, `
		UPDATE pool_accounts SET available_energy = available_energy + $2, updated_at = now()
		WHERE account_id = $1
	`, accountID, amount)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", accountID, apperr.ErrNotFound)
	}
	return nil
}

// SetAvailable records the delegatable energy observed on-chain. It never
// drops below what is currently reserved.
func (p *Postgres) SetAvailable(ctx context.Context, accountID string, energy int64) error {
	_, err := p.Pool.Exec(ctx, `
		UPDATE pool_accounts
		SET available_energy = GREATEST($2, reserved_energy), updated_at = now()
		WHERE account_id = $1
	`, accountID, energy)
	return err
}

func (p *Postgres) UpsertAccount(ctx context.Context, account models.PoolAccount) error {
	_, err := p.Pool.Exec(ctx, `
		INSERT INTO pool_accounts (account_id, address, priority, available_energy, enabled)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE
		SET address = EXCLUDED.address, priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled, updated_at = now()
	`, account.AccountID, account.Address, account.Priority, account.AvailableEnergy, account.Enabled)
	return err
}

func (p *Postgres) GetAccount(ctx context.Context, accountID string) (*models.PoolAccount, error) {
	row := p.Pool.QueryRow(ctx, `
		SELECT account_id, address, priority, available_energy, reserved_energy, enabled, updated_at
		FROM pool_accounts WHERE account_id = $1
	`, accountID)
	var a models.PoolAccount
	if err := row.Scan(&a.AccountID, &a.Address, &a.Priority, &a.AvailableEnergy, &a.ReservedEnergy, &a.Enabled, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", accountID, apperr.ErrNotFound)
		}
		return nil, err
	}
	return &a, nil
}

func (p *Postgres) ListAccounts(ctx context.Context) ([]models.PoolAccount, error) {
	rows, err := p.Pool.Query(ctx, `
		SELECT account_id, address, priority, available_energy, reserved_energy, enabled, updated_at
		FROM pool_accounts ORDER BY priority DESC, account_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PoolAccount
	for rows.Next() {
		var a models.PoolAccount
		if err := rows.Scan(&a.AccountID, &a.Address, &a.Priority, &a.AvailableEnergy, &a.ReservedEnergy, &a.Enabled, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) TotalAvailable(ctx context.Context) (int64, error) {
	var total int64
	err := p.Pool.QueryRow(ctx, `
		SELECT COALESCE(sum(available_energy - reserved_energy), 0)
		FROM pool_accounts WHERE enabled
	`).Scan(&total)
	return total, err
}
