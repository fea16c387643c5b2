// Package worker runs the reconciliation sweeps that back the in-process
// timers: expiring unpaid orders, settling orders stuck after payment,
// closing stale payment monitors, reversing due delegations and syncing pool
// balances from the chain.
package worker

import (
	"context"
	"errors"
	"time"

	"EnergyRental/internal/lock"
	"EnergyRental/internal/logging"
	"EnergyRental/internal/metrics"
	"EnergyRental/internal/models"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	JobOrders      = "expire_orders"
	JobStaleOrders = "stale_orders"
	JobMonitors    = "cleanup_monitors"
	JobGrants      = "expire_grants"
	JobPoolSync    = "pool_sync"
)

type OrderSweeper interface {
	ProcessExpiredOrders(ctx context.Context) (int, error)
}

type StaleSweeper interface {
	ProcessStaleOrders(ctx context.Context) (int, error)
}

type MonitorSweeper interface {
	CleanupExpiredMonitors(ctx context.Context) (int, error)
}

type GrantSweeper interface {
	ProcessDueGrants(ctx context.Context) (int, error)
}

type PoolLedger interface {
	ListAccounts(ctx context.Context) ([]models.PoolAccount, error)
	SetAvailable(ctx context.Context, accountID string, energy int64) error
}

type PoolChain interface {
	DelegatableEnergy(ctx context.Context, owner string) (int64, error)
}

// Schedule holds cron specs per job. An empty spec disables the job.
type Schedule struct {
	Orders      string
	StaleOrders string
	Monitors    string
	Grants      string
	PoolSync    string
}

type Worker struct {
	Orders   OrderSweeper
	Stale    StaleSweeper
	Monitors MonitorSweeper
	Grants   GrantSweeper
	Ledger   PoolLedger
	Chain    PoolChain
	// Locker keeps two processes from running the same sweep at once.
	Locker   lock.Locker
	LockTTL  time.Duration
	Schedule Schedule
	Log      *zap.SugaredLogger
}

type job struct {
	name string
	spec string
	run  func(context.Context) (int, error)
}

func (w *Worker) jobs() []job {
	var out []job
	if w.Orders != nil {
		out = append(out, job{JobOrders, w.Schedule.Orders, w.Orders.ProcessExpiredOrders})
	}
	if w.Stale != nil {
		out = append(out, job{JobStaleOrders, w.Schedule.StaleOrders, w.Stale.ProcessStaleOrders})
	}
	if w.Monitors != nil {
		out = append(out, job{JobMonitors, w.Schedule.Monitors, w.Monitors.CleanupExpiredMonitors})
	}
	if w.Grants != nil {
		out = append(out, job{JobGrants, w.Schedule.Grants, w.Grants.ProcessDueGrants})
	}
	if w.Ledger != nil && w.Chain != nil {
		out = append(out, job{JobPoolSync, w.Schedule.PoolSync, w.SyncPool})
	}
	return out
}

// Run schedules every configured job and blocks until ctx is done and the
// running jobs have returned.
func (w *Worker) Run(ctx context.Context) error {
	log := logging.OrNop(w.Log)
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{log}), cron.SkipIfStillRunning(cronLogger{log})))
	for _, j := range w.jobs() {
		if j.spec == "" {
			continue
		}
		j := j
		if _, err := c.AddFunc(j.spec, func() { w.runJob(ctx, j) }); err != nil {
			return err
		}
		log.Infow("sweep scheduled", "job", j.name, "spec", j.spec)
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce runs every job immediately, one after another.
func (w *Worker) RunOnce(ctx context.Context) error {
	var errs []error
	for _, j := range w.jobs() {
		if err := w.runJob(ctx, j); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Worker) runJob(ctx context.Context, j job) error {
	log := logging.OrNop(w.Log).With("job", j.name)
	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	locker := w.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}

	start := time.Now()
	ran, err := lock.Run(ctx, locker, "sweep:"+j.name, ttl, func(ctx context.Context) error {
		n, err := j.run(ctx)
		if n > 0 {
			log.Infow("sweep processed", "count", n)
		}
		return err
	})
	if !ran && err == nil {
		log.Debugw("sweep held by another process")
		return nil
	}
	metrics.RecordSweep(j.name, time.Since(start), err == nil)
	if err != nil {
		log.Warnw("sweep failed", "error", err)
	}
	return err
}

// SyncPool refreshes each enabled account's available energy from what the
// chain says it can still delegate. Accounts with a live reservation are
// skipped: between a broadcast and ConfirmUsage the chain already shows the
// delegation while the ledger has not debited it yet.
func (w *Worker) SyncPool(ctx context.Context) (int, error) {
	accounts, err := w.Ledger.ListAccounts(ctx)
	if err != nil {
		return 0, err
	}
	log := logging.OrNop(w.Log)
	synced := 0
	for _, a := range accounts {
		if !a.Enabled {
			continue
		}
		if a.ReservedEnergy > 0 {
			log.Debugw("pool account has live reservations, sync skipped", "account_id", a.AccountID, "reserved", a.ReservedEnergy)
			continue
		}
		energy, err := w.Chain.DelegatableEnergy(ctx, a.Address)
		if err != nil {
			log.Warnw("read delegatable energy", "account_id", a.AccountID, "address", a.Address, "error", err)
			continue
		}
		if energy == a.AvailableEnergy {
			continue
		}
		if err := w.Ledger.SetAvailable(ctx, a.AccountID, energy); err != nil {
			return synced, err
		}
		log.Infow("pool account synced", "account_id", a.AccountID, "from", a.AvailableEnergy, "to", energy)
		synced++
	}
	return synced, nil
}

type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
