// Package delegation turns paid orders into on-chain resource delegations
// and reverses them when they expire.
package delegation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/chain"
	"EnergyRental/internal/events"
	"EnergyRental/internal/ledger"
	"EnergyRental/internal/lock"
	"EnergyRental/internal/metrics"
	"EnergyRental/internal/models"
	"EnergyRental/internal/scheduler"
	"EnergyRental/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	dueBatch = 100
	// defaultLockMargin covers block inclusion of the last delegation, so the
	// on-chain lock has ended by the time expiry undelegates.
	defaultLockMargin = time.Minute
)

type Ledger interface {
	OptimizeAllocation(ctx context.Context, amount int64) ([]ledger.Allocation, error)
	Reserve(ctx context.Context, accountID string, amount int64, token string) error
	Release(ctx context.Context, accountID string, amount int64, token string) error
	ReleaseToken(ctx context.Context, token string) error
	ConfirmUsage(ctx context.Context, accountID string, amount int64, token, txRef string) error
	Credit(ctx context.Context, accountID string, amount int64, txRef string) error
}

type Chain interface {
	DelegateResource(ctx context.Context, req chain.DelegateRequest) (*chain.Receipt, error)
	UndelegateResource(ctx context.Context, req chain.UndelegateRequest) (*chain.Receipt, error)
}

// Orders is the order state machine; the orchestrator never writes order
// status directly.
type Orders interface {
	GetOrderByID(ctx context.Context, orderID string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, to models.OrderStatus, patch models.OrderPatch) (*models.Order, error)
}

type Publisher interface {
	Publish(ev events.Event)
}

type Orchestrator struct {
	Store  store.Repository
	Ledger Ledger
	Chain  Chain
	Orders Orders
	Tasks  *scheduler.Registry
	// Locker serialises expiry handling of a grant across processes.
	Locker  lock.Locker
	LockTTL time.Duration
	// LockMargin is added to a grant's end time past the last delegation.
	LockMargin time.Duration
	Events     Publisher
	Log        *zap.SugaredLogger
	Now        func() time.Time

	grants keyedMutex
}

func (o *Orchestrator) lockMargin() time.Duration {
	if o.LockMargin > 0 {
		return o.LockMargin
	}
	return defaultLockMargin
}

// ReservationToken is the ledger token an order's delegation reserves under.
func ReservationToken(orderID string) string {
	return "order:" + orderID
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) log() *zap.SugaredLogger {
	if o.Log == nil {
		return zap.NewNop().Sugar()
	}
	return o.Log
}

func (o *Orchestrator) publish(typ string, grant *models.DelegationGrant, data map[string]any) {
	if o.Events == nil {
		return
	}
	o.Events.Publish(events.Event{Type: typ, OrderID: grant.OrderID, UserID: grant.UserID, At: o.now(), Data: data})
}

// ExecuteDelegation reserves pool energy for a paid order, delegates it
// on-chain, records the grant and activates the order. Every failure
// releases the order's reservation and leaves the order failed. Once the
// order is processing the step no longer follows ctx cancellation.
func (o *Orchestrator) ExecuteDelegation(ctx context.Context, orderID string) (*models.DelegationGrant, error) {
	order, err := o.Orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderPaid {
		return nil, fmt.Errorf("order %s is %s, not paid: %w", orderID, order.Status, apperr.ErrInvalidTransition)
	}
	if _, err := o.Orders.UpdateOrderStatus(ctx, orderID, models.OrderProcessing, models.OrderPatch{}); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	log := o.log().With("order_id", orderID)

	allocs, err := o.Ledger.OptimizeAllocation(ctx, order.EnergyAmount)
	if err != nil {
		if !errors.Is(err, apperr.ErrAllocation) {
			err = fmt.Errorf("%w: %v", apperr.ErrAllocation, err)
		}
		o.fail(ctx, orderID, err)
		return nil, err
	}

	token := ReservationToken(orderID)
	if err := o.reserveAll(ctx, allocs, token); err != nil {
		log.Warnw("reservation failed, released partial reservations", "token", token, "error", err)
		o.fail(ctx, orderID, err)
		return nil, err
	}

	now := o.now()
	grant := &models.DelegationGrant{
		GrantID:          uuid.NewString(),
		OrderID:          order.OrderID,
		UserID:           order.UserID,
		RecipientAddress: order.RecipientAddress,
		EnergyAmount:     order.EnergyAmount,
		DurationHours:    order.DurationHours,
		ReservationToken: token,
		Status:           models.GrantActive,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Duration(order.DurationHours) * time.Hour),
		UpdatedAt:        now,
	}

	var txs []*models.ResourceTransaction
	for _, a := range allocs {
		receipt, err := o.Chain.DelegateResource(ctx, chain.DelegateRequest{
			From:          a.Address,
			To:            order.RecipientAddress,
			Energy:        a.Amount,
			Lock:          true,
			DurationHours: order.DurationHours,
		})
		metrics.RecordChainOp(string(models.TxDelegate), err == nil)
		if err != nil {
			if !errors.Is(err, apperr.ErrChainCall) {
				err = fmt.Errorf("%w: %v", apperr.ErrChainCall, err)
			}
			o.abortDelegation(ctx, grant, txs, a, err)
			return nil, err
		}
		grant.Delegations = append(grant.Delegations, models.Delegation{
			AccountID: a.AccountID, SourceAddress: a.Address, TxID: receipt.TxID, EnergyAmount: a.Amount,
		})
		txs = append(txs, &models.ResourceTransaction{
			ID:            uuid.NewString(),
			GrantID:       grant.GrantID,
			AccountID:     a.AccountID,
			SourceAddress: a.Address,
			TxID:          receipt.TxID,
			EnergyAmount:  a.Amount,
			StakeSun:      receipt.StakeSun,
			Direction:     models.TxDelegate,
			Status:        models.TxConfirmed,
			CreatedAt:     o.now(),
		})
	}

	// The on-chain lock starts when the last delegation lands in a block.
	grant.ExpiresAt = o.now().Add(time.Duration(order.DurationHours)*time.Hour + o.lockMargin())
	grant.UpdatedAt = o.now()

	if err := o.Store.CreateGrant(ctx, grant, txs); err != nil {
		// The energy is delegated on-chain but nothing records it.
		log.Errorw("delegated but could not record grant", "grant_id", grant.GrantID,
			"delegations", grant.Delegations, "error", err)
		_ = o.Ledger.ReleaseToken(ctx, token)
		o.fail(ctx, orderID, fmt.Errorf("record grant: %w", err))
		return nil, err
	}
	for _, a := range allocs {
		if err := o.Ledger.ConfirmUsage(ctx, a.AccountID, a.Amount, token, grant.GrantID); err != nil {
			log.Errorw("confirm ledger usage", "account_id", a.AccountID, "amount", a.Amount, "error", err)
		}
	}

	ref := grant.Delegations[0].TxID
	if _, err := o.Orders.UpdateOrderStatus(ctx, orderID, models.OrderActive, models.OrderPatch{DelegationTxID: &ref}); err != nil {
		log.Errorw("activate order", "grant_id", grant.GrantID, "error", err)
		return grant, err
	}
	o.scheduleExpiry(grant)

	log.Infow("delegation active", "grant_id", grant.GrantID, "accounts", len(grant.Delegations), "expires_at", grant.ExpiresAt)
	o.publish(events.DelegationActive, grant, map[string]any{"grant_id": grant.GrantID, "delegation_tx_id": ref})
	return grant, nil
}

// reserveAll reserves every allocation under token. On the first failure
// everything reserved so far is released.
func (o *Orchestrator) reserveAll(ctx context.Context, allocs []ledger.Allocation, token string) error {
	var done []ledger.Allocation
	for _, a := range allocs {
		if err := o.Ledger.Reserve(ctx, a.AccountID, a.Amount, token); err != nil {
			for _, r := range done {
				if rerr := o.Ledger.Release(ctx, r.AccountID, r.Amount, token); rerr != nil {
					o.log().Errorw("release reservation", "account_id", r.AccountID, "token", token, "error", rerr)
				}
			}
			if rerr := o.Ledger.ReleaseToken(ctx, token); rerr != nil {
				o.log().Errorw("release reservation token", "token", token, "error", rerr)
			}
			if !errors.Is(err, apperr.ErrReservation) {
				err = fmt.Errorf("%w: %v", apperr.ErrReservation, err)
			}
			return fmt.Errorf("reserve %d on %s: %w", a.Amount, a.AccountID, err)
		}
		done = append(done, a)
	}
	return nil
}

// abortDelegation handles a failed on-chain delegation. Delegations already
// issued are kept on a failed grant for ReconcileGrant.
func (o *Orchestrator) abortDelegation(ctx context.Context, grant *models.DelegationGrant, issued []*models.ResourceTransaction, failed ledger.Allocation, cause error) {
	log := o.log().With("order_id", grant.OrderID)
	if err := o.Ledger.ReleaseToken(ctx, grant.ReservationToken); err != nil {
		log.Errorw("release reservation token", "token", grant.ReservationToken, "error", err)
	}
	if len(issued) > 0 {
		grant.Status = models.GrantFailed
		grant.UpdatedAt = o.now()
		if err := o.Store.CreateGrant(ctx, grant, issued); err != nil {
			log.Errorw("record partial delegation", "grant_id", grant.GrantID, "delegations", grant.Delegations, "error", err)
		} else {
			log.Warnw("partial delegation needs reconciliation", "grant_id", grant.GrantID, "issued", len(issued))
		}
	}
	log.Warnw("delegation failed", "account_id", failed.AccountID, "energy", failed.Amount, "error", cause)
	o.fail(ctx, grant.OrderID, cause)
}

func (o *Orchestrator) fail(ctx context.Context, orderID string, cause error) {
	reason := cause.Error()
	if _, err := o.Orders.UpdateOrderStatus(ctx, orderID, models.OrderFailed, models.OrderPatch{FailureReason: &reason}); err != nil {
		o.log().Errorw("mark order failed", "order_id", orderID, "cause", reason, "error", err)
	}
}

func (o *Orchestrator) scheduleExpiry(grant *models.DelegationGrant) {
	if o.Tasks == nil {
		return
	}
	grantID := grant.GrantID
	o.Tasks.ScheduleAt(scheduler.ExpiryKey(grantID), grant.ExpiresAt, func(ctx context.Context) {
		if err := o.HandleDelegationExpiry(ctx, grantID); err != nil {
			o.log().Warnw("grant expiry incomplete, left for sweep", "grant_id", grantID, "error", err)
		}
	})
}

// HandleDelegationExpiry undelegates everything still delegated under the
// grant, credits the pool, and completes the grant and its order once no
// obligation is left. Calling it again for a finished grant is a no-op.
func (o *Orchestrator) HandleDelegationExpiry(ctx context.Context, grantID string) error {
	return o.withGrantLock(ctx, grantID, func(ctx context.Context) error {
		grant, err := o.Store.GetGrant(ctx, grantID)
		if err != nil {
			return err
		}
		if grant.Status != models.GrantActive {
			return nil
		}

		remaining, err := o.undelegateAll(ctx, grant, true)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return fmt.Errorf("grant %s: %d undelegations outstanding: %w", grantID, remaining, apperr.ErrChainCall)
		}

		bg := context.WithoutCancel(ctx)
		if err := o.Ledger.ReleaseToken(bg, grant.ReservationToken); err != nil {
			o.log().Warnw("release lingering reservation", "grant_id", grantID, "error", err)
		}
		completed, err := o.Store.CompleteGrant(bg, grantID)
		if err != nil {
			return err
		}
		if completed {
			metrics.RecordTransition(string(models.OrderActive), string(models.OrderCompleted))
			o.log().Infow("grant expired", "grant_id", grantID, "order_id", grant.OrderID)
			o.publish(events.DelegationExpired, grant, map[string]any{"grant_id": grantID})
		}
		if o.Tasks != nil {
			o.Tasks.Stop(scheduler.ExpiryKey(grantID))
		}
		return nil
	})
}

// undelegateAll reverses each delegate transaction that has no confirmed
// undelegate yet and reports how many are still outstanding.
func (o *Orchestrator) undelegateAll(ctx context.Context, grant *models.DelegationGrant, credit bool) (int, error) {
	txs, err := o.Store.ListResourceTransactions(ctx, grant.GrantID)
	if err != nil {
		return 0, err
	}
	// Chain calls stop with ctx; recording a call that already went out does not.
	bg := context.WithoutCancel(ctx)
	outstanding := Outstanding(txs)
	remaining := 0
	for i, d := range outstanding {
		if ctx.Err() != nil {
			remaining += len(outstanding) - i
			break
		}
		receipt, err := o.Chain.UndelegateResource(ctx, chain.UndelegateRequest{
			From:     d.SourceAddress,
			To:       grant.RecipientAddress,
			Energy:   d.EnergyAmount,
			StakeSun: d.StakeSun,
		})
		metrics.RecordChainOp(string(models.TxUndelegate), err == nil)
		rt := &models.ResourceTransaction{
			ID:            uuid.NewString(),
			GrantID:       grant.GrantID,
			AccountID:     d.AccountID,
			SourceAddress: d.SourceAddress,
			EnergyAmount:  d.EnergyAmount,
			StakeSun:      d.StakeSun,
			Direction:     models.TxUndelegate,
			CreatedAt:     o.now(),
		}
		if err != nil {
			remaining++
			rt.Status = models.TxFailed
			rt.Error = err.Error()
			o.log().Warnw("undelegate failed", "grant_id", grant.GrantID, "account_id", d.AccountID, "error", err)
			if aerr := o.Store.AppendResourceTransaction(bg, rt); aerr != nil {
				o.log().Errorw("record failed undelegate", "grant_id", grant.GrantID, "error", aerr)
			}
			continue
		}
		rt.Status = models.TxConfirmed
		rt.TxID = receipt.TxID
		if err := o.Store.AppendResourceTransaction(bg, rt); err != nil {
			// Without the record the next pass would undelegate again.
			return remaining + 1, fmt.Errorf("record undelegate %s: %w", receipt.TxID, err)
		}
		if credit {
			if err := o.Ledger.Credit(bg, d.AccountID, d.EnergyAmount, receipt.TxID); err != nil {
				o.log().Errorw("credit ledger", "account_id", d.AccountID, "energy", d.EnergyAmount, "error", err)
			}
		}
	}
	return remaining, nil
}

// Outstanding returns the confirmed delegate transactions whose account has
// no confirmed undelegate in txs.
func Outstanding(txs []*models.ResourceTransaction) []*models.ResourceTransaction {
	undone := map[string]bool{}
	for _, t := range txs {
		if t.Direction == models.TxUndelegate && t.Status == models.TxConfirmed {
			undone[t.AccountID] = true
		}
	}
	var out []*models.ResourceTransaction
	for _, t := range txs {
		if t.Direction == models.TxDelegate && t.Status == models.TxConfirmed && !undone[t.AccountID] {
			out = append(out, t)
		}
	}
	return out
}

// ProcessDueGrants runs expiry for active grants past their end time.
func (o *Orchestrator) ProcessDueGrants(ctx context.Context) (int, error) {
	due, err := o.Store.ListDueGrants(ctx, o.now(), dueBatch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, g := range due {
		if err := o.HandleDelegationExpiry(ctx, g.GrantID); err != nil {
			o.log().Warnw("expire grant", "grant_id", g.GrantID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

// ResumeExpiryTasks re-registers expiry timers for active grants after a restart.
func (o *Orchestrator) ResumeExpiryTasks(ctx context.Context) (int, error) {
	active, err := o.Store.ListActiveGrants(ctx)
	if err != nil {
		return 0, err
	}
	for _, g := range active {
		o.scheduleExpiry(g)
	}
	return len(active), nil
}

// ReconcileGrant undelegates what a failed partial delegation left behind.
// The reservation was already released when the delegation failed, so the
// ledger is not credited.
func (o *Orchestrator) ReconcileGrant(ctx context.Context, grantID string) error {
	return o.withGrantLock(ctx, grantID, func(ctx context.Context) error {
		grant, err := o.Store.GetGrant(ctx, grantID)
		if err != nil {
			return err
		}
		if grant.Status != models.GrantFailed {
			return fmt.Errorf("grant %s is %s, not failed: %w", grantID, grant.Status, apperr.ErrInvalidTransition)
		}
		remaining, err := o.undelegateAll(ctx, grant, false)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return fmt.Errorf("grant %s: %d undelegations outstanding: %w", grantID, remaining, apperr.ErrChainCall)
		}
		if _, err := o.Store.UpdateGrantStatus(context.WithoutCancel(ctx), grantID, models.GrantFailed, models.GrantExpired); err != nil {
			return err
		}
		o.log().Infow("partial delegation reconciled", "grant_id", grantID, "order_id", grant.OrderID)
		return nil
	})
}

// RecoverDelegation settles an order left in processing by an interrupted
// delegation. A recorded active grant activates the order and schedules its
// expiry; otherwise the order's reservation is released and the order fails.
func (o *Orchestrator) RecoverDelegation(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := o.Orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderProcessing {
		return nil, fmt.Errorf("order %s is %s, not processing: %w", orderID, order.Status, apperr.ErrInvalidTransition)
	}
	ctx = context.WithoutCancel(ctx)
	log := o.log().With("order_id", orderID)

	grant, err := o.Store.GetGrantByOrder(ctx, orderID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	if grant != nil && grant.Status == models.GrantActive && len(grant.Delegations) > 0 {
		for _, d := range grant.Delegations {
			if err := o.Ledger.ConfirmUsage(ctx, d.AccountID, d.EnergyAmount, grant.ReservationToken, grant.GrantID); err != nil {
				return nil, fmt.Errorf("confirm ledger usage on %s: %w", d.AccountID, err)
			}
		}
		ref := grant.Delegations[0].TxID
		activated, err := o.Orders.UpdateOrderStatus(ctx, orderID, models.OrderActive, models.OrderPatch{DelegationTxID: &ref})
		if err != nil {
			return nil, err
		}
		o.scheduleExpiry(grant)
		log.Infow("interrupted delegation activated", "grant_id", grant.GrantID)
		o.publish(events.DelegationActive, grant, map[string]any{"grant_id": grant.GrantID, "delegation_tx_id": ref})
		return activated, nil
	}

	if err := o.Ledger.ReleaseToken(ctx, ReservationToken(orderID)); err != nil {
		return nil, fmt.Errorf("release reservation: %w", err)
	}
	reason := "delegation interrupted before it was recorded"
	failed, err := o.Orders.UpdateOrderStatus(ctx, orderID, models.OrderFailed, models.OrderPatch{FailureReason: &reason})
	if err != nil {
		return nil, err
	}
	log.Warnw("interrupted delegation failed", "reason", reason)
	return failed, nil
}

func (o *Orchestrator) GetUserDelegations(ctx context.Context, userID string) ([]*models.DelegationGrant, error) {
	if userID == "" {
		return nil, fmt.Errorf("missing user id: %w", apperr.ErrValidation)
	}
	return o.Store.ListUserGrants(ctx, userID)
}

type GrantDetail struct {
	Grant        *models.DelegationGrant       `json:"grant"`
	Transactions []*models.ResourceTransaction `json:"transactions"`
}

func (o *Orchestrator) GetGrant(ctx context.Context, grantID string) (*GrantDetail, error) {
	grant, err := o.Store.GetGrant(ctx, grantID)
	if err != nil {
		return nil, err
	}
	txs, err := o.Store.ListResourceTransactions(ctx, grantID)
	if err != nil {
		return nil, err
	}
	return &GrantDetail{Grant: grant, Transactions: txs}, nil
}

func (o *Orchestrator) withGrantLock(ctx context.Context, grantID string, fn func(context.Context) error) error {
	unlock := o.grants.Lock(grantID)
	defer unlock()
	if o.Locker == nil {
		return fn(ctx)
	}
	ttl := o.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	ran, err := lock.Run(ctx, o.Locker, "grant:"+grantID, ttl, fn)
	if err == nil && !ran {
		o.log().Debugw("grant handled by another process", "grant_id", grantID)
	}
	return err
}
