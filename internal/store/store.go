package store

import (
	"context"
	"errors"
	"time"

	"EnergyRental/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the persistent state shared by the order, payment and
// delegation components. Every method that spans several rows runs in one
// database transaction.
type Repository interface {
	NextDerivationIndex(ctx context.Context) (int64, error)
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	// UpdateOrder writes status `to` only while the stored status is `from`.
	// With from == to it is a field-level update guarded by the same check.
	UpdateOrder(ctx context.Context, orderID string, from, to models.OrderStatus, patch models.OrderPatch) (bool, error)
	// RecordPayment moves a pending order to paid and its monitor to matched.
	RecordPayment(ctx context.Context, orderID, txID string, amount int64, paidAt time.Time) (bool, error)
	// ClosePendingOrder moves a pending order to a terminal status and a live
	// monitor to monitorStatus.
	ClosePendingOrder(ctx context.Context, orderID string, to models.OrderStatus, monitorStatus models.MonitorStatus) (bool, error)
	SearchOrders(ctx context.Context, filter models.OrderFilter) ([]*models.Order, int64, error)
	OrderStats(ctx context.Context, userID string) (*models.OrderStats, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*models.Order, error)
	// ListStaleOrders returns orders in status whose last write is before `before`.
	ListStaleOrders(ctx context.Context, status models.OrderStatus, before time.Time, limit int) ([]*models.Order, error)
	PaymentTxUsed(ctx context.Context, txID string) (bool, error)
	UserActivity(ctx context.Context, userID string, since time.Time) (*models.UserActivity, error)

	CreateGrant(ctx context.Context, grant *models.DelegationGrant, txs []*models.ResourceTransaction) error
	GetGrant(ctx context.Context, grantID string) (*models.DelegationGrant, error)
	GetGrantByOrder(ctx context.Context, orderID string) (*models.DelegationGrant, error)
	UpdateGrantStatus(ctx context.Context, grantID string, from, to models.GrantStatus) (bool, error)
	// CompleteGrant marks an active grant expired and its active order completed.
	CompleteGrant(ctx context.Context, grantID string) (bool, error)
	ListDueGrants(ctx context.Context, now time.Time, limit int) ([]*models.DelegationGrant, error)
	ListActiveGrants(ctx context.Context) ([]*models.DelegationGrant, error)
	ListUserGrants(ctx context.Context, userID string) ([]*models.DelegationGrant, error)
	ListResourceTransactions(ctx context.Context, grantID string) ([]*models.ResourceTransaction, error)
	AppendResourceTransaction(ctx context.Context, tx *models.ResourceTransaction) error

	// CreateMonitor inserts the record unless one exists for the order.
	CreateMonitor(ctx context.Context, m *models.PaymentMonitor) (bool, error)
	GetMonitor(ctx context.Context, orderID string) (*models.PaymentMonitor, error)
	UpdateMonitorStatus(ctx context.Context, orderID string, from, to models.MonitorStatus) (bool, error)
	TouchMonitor(ctx context.Context, orderID string, at time.Time) error
	ListStaleMonitors(ctx context.Context, now time.Time, limit int) ([]*models.PaymentMonitor, error)
	ListActiveMonitors(ctx context.Context) ([]*models.PaymentMonitor, error)
}

var _ Repository = (*Store)(nil)

type Store struct {
	Pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{Pool: pool}
}

func (s *Store) NextDerivationIndex(ctx context.Context) (int64, error) {
	var idx int64
	err := s.Pool.QueryRow(ctx, "SELECT nextval('order_derivation_index_seq')").Scan(&idx)
	return idx, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func notFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
