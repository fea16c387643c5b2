package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/models"
)

type reservationKey struct {
	token     string
	accountID string
}

// Memory is an in-process ledger with the same contract as Postgres.
type Memory struct {
	mu           sync.Mutex
	accounts     map[string]*models.PoolAccount
	reservations map[reservationKey]*models.Reservation
	failReserve  map[string]error
	MinChunk     int64
}

func NewMemory(accounts ...models.PoolAccount) *Memory {
	m := &Memory{
		accounts:     map[string]*models.PoolAccount{},
		reservations: map[reservationKey]*models.Reservation{},
		failReserve:  map[string]error{},
	}
	for _, a := range accounts {
		c := a
		m.accounts[a.AccountID] = &c
	}
	return m
}

// FailReserveFor makes every Reserve against accountID fail with err.
func (m *Memory) FailReserveFor(accountID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReserve[accountID] = err
}

func (m *Memory) OptimizeAllocation(ctx context.Context, amount int64) ([]Allocation, error) {
	accounts, err := m.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	return FirstFitByPriority(accounts, amount, m.MinChunk)
}

func (m *Memory) Reserve(ctx context.Context, accountID string, amount int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failReserve[accountID]; err != nil {
		return fmt.Errorf("reserve %d on %s: %w", amount, accountID, err)
	}
	a, ok := m.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, apperr.ErrNotFound)
	}
	if amount <= 0 || !a.Enabled || a.Free() < amount {
		return fmt.Errorf("reserve %d on %s (free %d): %w", amount, accountID, a.Free(), apperr.ErrReservation)
	}
	key := reservationKey{token: token, accountID: accountID}
	if _, exists := m.reservations[key]; exists {
		return fmt.Errorf("token %s already reserved on %s: %w", token, accountID, apperr.ErrReservation)
	}
	now := time.Now().UTC()
	a.ReservedEnergy += amount
	a.UpdatedAt = now
	m.reservations[key] = &models.Reservation{
		Token: token, AccountID: accountID, Amount: amount,
		Status: models.ReservationLive, CreatedAt: now, UpdatedAt: now,
	}
	return nil
}

func (m *Memory) Release(ctx context.Context, accountID string, amount int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked(reservationKey{token: token, accountID: accountID}, models.ReservationReleased)
	return nil
}

func (m *Memory) ReleaseToken(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.reservations {
		if key.token == token {
			m.endLocked(key, models.ReservationReleased)
		}
	}
	return nil
}

func (m *Memory) ConfirmUsage(ctx context.Context, accountID string, amount int64, token, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked(reservationKey{token: token, accountID: accountID}, models.ReservationConfirmed)
	return nil
}

// endLocked finishes a live reservation. Confirming also debits available energy.
func (m *Memory) endLocked(key reservationKey, status models.ReservationStatus) {
	r, ok := m.reservations[key]
	if !ok || r.Status != models.ReservationLive {
		return
	}
	a := m.accounts[key.accountID]
	a.ReservedEnergy -= r.Amount
	if status == models.ReservationConfirmed {
		a.AvailableEnergy -= r.Amount
	}
	a.UpdatedAt = time.Now().UTC()
	r.Status = status
	r.UpdatedAt = a.UpdatedAt
}

func (m *Memory) Credit(ctx context.Context, accountID string, amount int64, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, apperr.ErrNotFound)
	}
	a.AvailableEnergy += amount
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) SetAvailable(ctx context.Context, accountID string, energy int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, apperr.ErrNotFound)
	}
	if energy < a.ReservedEnergy {
		energy = a.ReservedEnergy
	}
	a.AvailableEnergy = energy
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) UpsertAccount(ctx context.Context, account models.PoolAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[account.AccountID]; ok {
		a.Address = account.Address
		a.Priority = account.Priority
		a.Enabled = account.Enabled
		return nil
	}
	c := account
	m.accounts[account.AccountID] = &c
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, accountID string) (*models.PoolAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, apperr.ErrNotFound)
	}
	c := *a
	return &c, nil
}

func (m *Memory) ListAccounts(ctx context.Context) ([]models.PoolAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PoolAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, *a)
	}
	return out, nil
}

func (m *Memory) TotalAvailable(ctx context.Context) (int64, error) {
	accounts, err := m.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}
	return TotalFree(accounts), nil
}

// LiveReservations returns the live reservations held under token.
func (m *Memory) LiveReservations(token string) []models.Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Reservation
	for key, r := range m.reservations {
		if key.token == token && r.Status == models.ReservationLive {
			out = append(out, *r)
		}
	}
	return out
}
