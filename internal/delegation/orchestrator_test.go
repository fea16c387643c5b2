package delegation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/chain"
	"EnergyRental/internal/chain/chaintest"
	"EnergyRental/internal/ledger"
	"EnergyRental/internal/lock"
	"EnergyRental/internal/models"
	"EnergyRental/internal/scheduler"
	"EnergyRental/internal/services"
	"EnergyRental/internal/store"
	"EnergyRental/internal/store/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const recipient = "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"

type fixture struct {
	orch   *Orchestrator
	store  *memstore.Store
	ledger *ledger.Memory
	chain  *chaintest.Fake
	tasks  *scheduler.Registry

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, accounts ...models.PoolAccount) *fixture {
	t.Helper()
	f := &fixture{
		store:  memstore.New(),
		ledger: ledger.NewMemory(accounts...),
		chain:  chaintest.NewFake(),
		tasks:  scheduler.New(nil, nil),
		now:    time.Now().UTC().Truncate(time.Second),
	}
	t.Cleanup(func() { _ = f.tasks.Shutdown(context.Background()) })
	f.orch = &Orchestrator{
		Store:  f.store,
		Ledger: f.ledger,
		Chain:  f.chain,
		Orders: &services.OrderService{Store: f.store, Now: f.clock},
		Tasks:  f.tasks,
		Locker: lock.NewLocal(),
		Now:    f.clock,
	}
	return f
}

func account(id string, priority int, energy int64) models.PoolAccount {
	return models.PoolAccount{AccountID: id, Address: "TPool" + id, Priority: priority, AvailableEnergy: energy, Enabled: true}
}

// paidOrder stores an order that has been paid with tx 0xabc.
func (f *fixture) paidOrder(t *testing.T, id string, energy int64) *models.Order {
	t.Helper()
	ctx := context.Background()
	order := &models.Order{
		OrderID:          id,
		UserID:           "user-1",
		EnergyAmount:     energy,
		DurationHours:    24,
		PriceSun:         10,
		RecipientAddress: recipient,
		Status:           models.OrderPending,
		ExpiresAt:        f.now.Add(24 * time.Hour),
		CreatedAt:        f.now,
		UpdatedAt:        f.now,
	}
	require.NoError(t, f.store.CreateOrder(ctx, order))
	ok, err := f.store.RecordPayment(ctx, id, "0xabc", 10, f.now)
	require.NoError(t, err)
	require.True(t, ok)
	return order
}

func (f *fixture) orderStatus(t *testing.T, id string) models.OrderStatus {
	t.Helper()
	o, err := f.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return o.Status
}

func (f *fixture) accountState(t *testing.T, id string) (available, reserved int64) {
	t.Helper()
	a, err := f.ledger.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.AvailableEnergy, a.ReservedEnergy
}

func TestExecuteDelegation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, account("a", 1, 150000))
	ctx := context.Background()
	f.paidOrder(t, "o-1", 100000)

	grant, err := f.orch.ExecuteDelegation(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, models.GrantActive, grant.Status)
	assert.Equal(t, f.now.Add(24*time.Hour+defaultLockMargin), grant.ExpiresAt)
	require.Len(t, grant.Delegations, 1)
	assert.Equal(t, "a", grant.Delegations[0].AccountID)
	assert.Equal(t, int64(100000), grant.Delegations[0].EnergyAmount)

	order, err := f.store.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderActive, order.Status)
	require.NotNil(t, order.DelegationTxID)
	assert.Equal(t, "delegate-1", *order.DelegationTxID)
	assert.Equal(t, "0xabc", *order.PaymentTxID)

	delegated := f.chain.Delegations()
	require.Len(t, delegated, 1)
	assert.Equal(t, recipient, delegated[0].To)
	assert.True(t, delegated[0].Lock)
	assert.Equal(t, 24, delegated[0].DurationHours)

	available, reserved := f.accountState(t, "a")
	assert.Equal(t, int64(50000), available)
	assert.Zero(t, reserved)
	assert.Empty(t, f.ledger.LiveReservations(grant.ReservationToken))
	assert.True(t, f.tasks.Has(scheduler.ExpiryKey(grant.GrantID)))

	detail, err := f.orch.GetGrant(ctx, grant.GrantID)
	require.NoError(t, err)
	require.Len(t, detail.Transactions, 1)
	assert.Equal(t, int64(100000*15), detail.Transactions[0].StakeSun)

	grants, err := f.orch.GetUserDelegations(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestExecuteDelegationRequiresPaidOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, account("a", 1, 150000))
	ctx := context.Background()
	f.paidOrder(t, "o-1", 100000)
	_, err := f.orch.ExecuteDelegation(ctx, "o-1")
	require.NoError(t, err)

	_, err = f.orch.ExecuteDelegation(ctx, "o-1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Len(t, f.chain.Delegations(), 1)
}

func TestExecuteDelegationAllocationFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, account("a", 1, 50000))
	f.paidOrder(t, "o-1", 100000)

	_, err := f.orch.ExecuteDelegation(context.Background(), "o-1")
	assert.ErrorIs(t, err, apperr.ErrAllocation)
	assert.Equal(t, models.OrderFailed, f.orderStatus(t, "o-1"))
	assert.Empty(t, f.chain.Delegations())
}

func TestExecuteDelegationReservationRollback(t *testing.T) {
	t.Parallel()
	f := newFixture(t, account("a", 2, 60000), account("b", 1, 50000))
	f.paidOrder(t, "o-1", 100000)
	f.ledger.FailReserveFor("b", errors.New("row locked"))

	_, err := f.orch.ExecuteDelegation(context.Background(), "o-1")
	assert.ErrorIs(t, err, apperr.ErrReservation)
	assert.Equal(t, models.OrderFailed, f.orderStatus(t, "o-1"))
	assert.Empty(t, f.chain.Delegations())

	for _, id := range []string{"a", "b"} {
		_, reserved := f.accountState(t, id)
		assert.Zero(t, reserved, id)
	}
}

func TestExecuteDelegationPartialChainFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, account("a", 2, 60000), account("b", 1, 50000))
	ctx := context.Background()
	f.paidOrder(t, "o-1", 100000)
	f.chain.FailDelegateFrom("TPoolb", errors.New("bandwidth exhausted"))

	_, err := f.orch.ExecuteDelegation(ctx, "o-1")
	assert.ErrorIs(t, err, apperr.ErrChainCall)

	order, err := f.store.GetOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFailed, order.Status)
	require.NotNil(t, order.FailureReason)

	for id, want := range map[string]int64{"a": 60000, "b": 50000} {
		available, reserved := f.accountState(t, id)
		assert.Equal(t, want, available, id)
		assert.Zero(t, reserved, id)
	}

	grant, err := f.store.GetGrantByOrder(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, models.GrantFailed, grant.Status)
	require.Len(t, grant.Delegations, 1)
	assert.Equal(t, "a", grant.Delegations[0].AccountID)

	require.NoError(t, f.orch.ReconcileGrant(ctx, grant.GrantID))
	undone := f.chain.Undelegations()
	require.Len(t, undone, 1)
	assert.Equal(t, "TPoola", undone[0].From)
	assert.Equal(t, int64(60000*15), undone[0].StakeSun)

	reconciled, err := f.store.GetGrant(ctx, grant.GrantID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantExpired, reconciled.Status)
	available, _ := f.accountState(t, "a")
	assert.Equal(t, int64(60000), available)

	assert.ErrorIs(t, f.orch.ReconcileGrant(ctx, grant.GrantID), apperr.ErrInvalidTransition)
}

func TestHandleDelegationExpiryIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, account("a", 2, 60000), account("b", 1, 50000))
	ctx := context.Background()
	f.paidOrder(t, "o-1", 100000)
	grant, err := f.orch.ExecuteDelegation(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, grant.Delegations, 2)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.orch.HandleDelegationExpiry(ctx, grant.GrantID))
		}()
	}
	wg.Wait()
	require.NoError(t, f.orch.HandleDelegationExpiry(ctx, grant.GrantID))

	assert.Len(t, f.chain.Undelegations(), 2)
	assert.Equal(t, models.OrderCompleted, f.orderStatus(t, "o-1"))
	stored, err := f.store.GetGrant(ctx, grant.GrantID)
	require.NoError(t, err)
	assert.Equal(t, models.GrantExpired, stored.Status)
	assert.False(t, f.tasks.Has(scheduler.ExpiryKey(grant.GrantID)))

	for id, want := range map[string]int64{"a": 60000, "b": 50000} {
		available, _ := f.accountState(t, id)
		assert.Equal(t, want, available, id)
	}
}

func TestUndelegateFailureIsRetriedBySweep(t *testing.T) {
	t.Parallel()
	f := newFixture(t, account("a", 2, 60000), account("b", 1, 50000))
	ctx := context.Background()
	f.paidOrder(t, "o-1", 100000)
	grant, err := f.orch.ExecuteDelegation(ctx, "o-1")
	require.NoError(t, err)

	f.chain.FailUndelegateFrom("TPoolb", errors.New("node busy"))
	err = f.orch.HandleDelegationExpiry(ctx, grant.GrantID)
	assert.ErrorIs(t, err, apperr.ErrChainCall)
	assert.Equal(t, models.OrderActive, f.orderStatus(t, "o-1"))
	assert.Len(t, f.chain.Undelegations(), 1)

	f.chain.FailUndelegateFrom("TPoolb", nil)
	n, err := f.orch.ProcessDueGrants(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "grant not due yet")

	f.advance(25 * time.Hour)
	n, err = f.orch.ProcessDueGrants(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	undone := f.chain.Undelegations()
	require.Len(t, undone, 2)
	assert.Equal(t, "TPoola", undone[0].From)
	assert.Equal(t, "TPoolb", undone[1].From)
	assert.Equal(t, models.OrderCompleted, f.orderStatus(t, "o-1"))

	txs, err := f.store.ListResourceTransactions(ctx, grant.GrantID)
	require.NoError(t, err)
	var failed int
	for _, rt := range txs {
		if rt.Status == models.TxFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Empty(t, Outstanding(txs))
}

func TestResumeExpiryTasks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, account("a", 1, 150000))
	ctx := context.Background()
	f.paidOrder(t, "o-1", 100000)
	grant, err := f.orch.ExecuteDelegation(ctx, "o-1")
	require.NoError(t, err)

	f.tasks.Stop(scheduler.ExpiryKey(grant.GrantID))
	n, err := f.orch.ResumeExpiryTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.tasks.Has(scheduler.ExpiryKey(grant.GrantID)))
}

// ctxStore and ctxLedger refuse writes on a cancelled context, like a
// database driver does.
type ctxStore struct{ store.Repository }

func (s ctxStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Repository.GetOrder(ctx, id)
}

func (s ctxStore) UpdateOrder(ctx context.Context, id string, from, to models.OrderStatus, patch models.OrderPatch) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Repository.UpdateOrder(ctx, id, from, to, patch)
}

func (s ctxStore) CreateGrant(ctx context.Context, g *models.DelegationGrant, txs []*models.ResourceTransaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Repository.CreateGrant(ctx, g, txs)
}

func (s ctxStore) AppendResourceTransaction(ctx context.Context, rt *models.ResourceTransaction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Repository.AppendResourceTransaction(ctx, rt)
}

func (s ctxStore) CompleteGrant(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Repository.CompleteGrant(ctx, id)
}

type ctxLedger struct{ Ledger }

func (l ctxLedger) Reserve(ctx context.Context, accountID string, amount int64, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.Ledger.Reserve(ctx, accountID, amount, token)
}

func (l ctxLedger) ReleaseToken(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.Ledger.ReleaseToken(ctx, token)
}

func (l ctxLedger) ConfirmUsage(ctx context.Context, accountID string, amount int64, token, txRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.Ledger.ConfirmUsage(ctx, accountID, amount, token, txRef)
}

func (l ctxLedger) Credit(ctx context.Context, accountID string, amount int64, txRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.Ledger.Credit(ctx, accountID, amount, txRef)
}

func (f *fixture) useCtxChecks() {
	st := ctxStore{f.store}
	f.orch.Store = st
	f.orch.Ledger = ctxLedger{f.ledger}
	f.orch.Orders = &services.OrderService{Store: st, Now: f.clock}
}

func TestExecuteDelegationFinishesAfterCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, account("a", 2, 60000), account("b", 1, 50000))
	f.useCtxChecks()
	f.paidOrder(t, "o-1", 100000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.chain.OnDelegate = func(chain.DelegateRequest) { cancel() }

	grant, err := f.orch.ExecuteDelegation(ctx, "o-1")
	require.NoError(t, err)
	assert.Len(t, grant.Delegations, 2)
	assert.Len(t, f.chain.Delegations(), 2)
	assert.Equal(t, models.OrderActive, f.orderStatus(t, "o-1"))
	assert.Empty(t, f.ledger.LiveReservations(ReservationToken("o-1")))
	for _, id := range []string{"a", "b"} {
		_, reserved := f.accountState(t, id)
		assert.Zero(t, reserved, id)
	}
	stored, err := f.store.GetGrantByOrder(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, grant.GrantID, stored.GrantID)
}

func TestHandleDelegationExpiryRecordsUndelegateAfterCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, account("a", 2, 60000), account("b", 1, 50000))
	f.paidOrder(t, "o-1", 100000)
	grant, err := f.orch.ExecuteDelegation(context.Background(), "o-1")
	require.NoError(t, err)
	f.useCtxChecks()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.chain.OnUndelegate = func(chain.UndelegateRequest) { cancel() }
	err = f.orch.HandleDelegationExpiry(ctx, grant.GrantID)
	assert.ErrorIs(t, err, apperr.ErrChainCall)
	require.Len(t, f.chain.Undelegations(), 1)

	txs, err := f.store.ListResourceTransactions(context.Background(), grant.GrantID)
	require.NoError(t, err)
	left := Outstanding(txs)
	require.Len(t, left, 1)
	assert.Equal(t, "b", left[0].AccountID)
	available, _ := f.accountState(t, "a")
	assert.Equal(t, int64(60000), available)

	f.chain.OnUndelegate = nil
	f.advance(25 * time.Hour)
	n, err := f.orch.ProcessDueGrants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	undone := f.chain.Undelegations()
	require.Len(t, undone, 2)
	assert.Equal(t, "TPoola", undone[0].From)
	assert.Equal(t, "TPoolb", undone[1].From)
	assert.Equal(t, models.OrderCompleted, f.orderStatus(t, "o-1"))
	for id, want := range map[string]int64{"a": 60000, "b": 50000} {
		available, _ := f.accountState(t, id)
		assert.Equal(t, want, available, id)
	}
}

func TestExecuteDelegationStampsExpiryAfterLastBroadcast(t *testing.T) {
	t.Parallel()
	f := newFixture(t, account("a", 2, 60000), account("b", 1, 50000))
	f.paidOrder(t, "o-1", 100000)
	start := f.now
	f.chain.OnDelegate = func(chain.DelegateRequest) { f.advance(6 * time.Second) }

	grant, err := f.orch.ExecuteDelegation(context.Background(), "o-1")
	require.NoError(t, err)
	lastBroadcast := f.clock()
	assert.Equal(t, start.Add(12*time.Second), lastBroadcast)
	assert.False(t, grant.ExpiresAt.Before(lastBroadcast.Add(24*time.Hour)))
	assert.Equal(t, lastBroadcast.Add(24*time.Hour+defaultLockMargin), grant.ExpiresAt)

	stored, err := f.store.GetGrant(context.Background(), grant.GrantID)
	require.NoError(t, err)
	assert.Equal(t, grant.ExpiresAt, stored.ExpiresAt)
}

// processingOrder leaves o-1 as an interrupted delegation would: processing
// with its reservation live on account a.
func (f *fixture) processingOrder(t *testing.T, energy int64) {
	t.Helper()
	ctx := context.Background()
	f.paidOrder(t, "o-1", energy)
	require.NoError(t, f.ledger.Reserve(ctx, "a", energy, ReservationToken("o-1")))
	_, err := f.orch.Orders.UpdateOrderStatus(ctx, "o-1", models.OrderProcessing, models.OrderPatch{})
	require.NoError(t, err)
}

func TestRecoverDelegationWithoutGrantFailsOrder(t *testing.T) {
	t.Parallel()
	f := newFixture(t, account("a", 1, 150000))
	f.processingOrder(t, 100000)

	order, err := f.orch.RecoverDelegation(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderFailed, order.Status)
	require.NotNil(t, order.FailureReason)

	available, reserved := f.accountState(t, "a")
	assert.Equal(t, int64(150000), available)
	assert.Zero(t, reserved)
	assert.Empty(t, f.ledger.LiveReservations(ReservationToken("o-1")))
}

func TestRecoverDelegationActivatesRecordedGrant(t *testing.T) {
	t.Parallel()
	f := newFixture(t, account("a", 1, 150000))
	ctx := context.Background()
	f.processingOrder(t, 100000)
	grant := &models.DelegationGrant{
		GrantID:          "g-1",
		OrderID:          "o-1",
		UserID:           "user-1",
		RecipientAddress: recipient,
		EnergyAmount:     100000,
		DurationHours:    24,
		ReservationToken: ReservationToken("o-1"),
		Status:           models.GrantActive,
		Delegations: []models.Delegation{
			{AccountID: "a", SourceAddress: "TPoola", TxID: "delegate-9", EnergyAmount: 100000},
		},
		CreatedAt: f.now,
		ExpiresAt: f.now.Add(24 * time.Hour),
		UpdatedAt: f.now,
	}
	require.NoError(t, f.store.CreateGrant(ctx, grant, []*models.ResourceTransaction{{
		ID: "rt-1", GrantID: "g-1", AccountID: "a", SourceAddress: "TPoola", TxID: "delegate-9",
		EnergyAmount: 100000, Direction: models.TxDelegate, Status: models.TxConfirmed, CreatedAt: f.now,
	}}))

	order, err := f.orch.RecoverDelegation(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderActive, order.Status)
	require.NotNil(t, order.DelegationTxID)
	assert.Equal(t, "delegate-9", *order.DelegationTxID)

	available, reserved := f.accountState(t, "a")
	assert.Equal(t, int64(50000), available)
	assert.Zero(t, reserved)
	assert.True(t, f.tasks.Has(scheduler.ExpiryKey("g-1")))
	assert.Empty(t, f.chain.Delegations())
}

func TestRecoverDelegationRequiresProcessing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, account("a", 1, 150000))
	f.paidOrder(t, "o-1", 100000)
	_, err := f.orch.RecoverDelegation(context.Background(), "o-1")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	assert.Equal(t, models.OrderPaid, f.orderStatus(t, "o-1"))
}

func TestKeyedMutexSerialisesPerKey(t *testing.T) {
	t.Parallel()
	var km keyedMutex
	var mu sync.Mutex
	inside := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		key := []string{"x", "y"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(key)
			defer unlock()
			mu.Lock()
			inside[key]++
			assert.Equal(t, 1, inside[key])
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside[key]--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Empty(t, km.locks)
}
