// Package app assembles the rental engine from configuration. The api and
// worker binaries share one wiring so both see the same components.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"EnergyRental/internal/chain"
	"EnergyRental/internal/config"
	"EnergyRental/internal/db"
	"EnergyRental/internal/delegation"
	"EnergyRental/internal/events"
	"EnergyRental/internal/ledger"
	"EnergyRental/internal/lock"
	"EnergyRental/internal/metrics"
	"EnergyRental/internal/models"
	"EnergyRental/internal/payments"
	"EnergyRental/internal/pricing"
	"EnergyRental/internal/risk"
	"EnergyRental/internal/scheduler"
	"EnergyRental/internal/services"
	"EnergyRental/internal/store"
	"EnergyRental/internal/worker"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

type App struct {
	Config      *config.Config
	DB          *db.Pool
	Redis       *redis.Client
	Store       *store.Store
	Ledger      *ledger.Postgres
	Chain       *chain.Client
	Locker      lock.Locker
	Tasks       *scheduler.Registry
	Events      *events.Hub
	Orders      *services.OrderService
	Payments    *payments.Monitor
	Delegations *delegation.Orchestrator
	Risk        *risk.Assessor
	Worker      *worker.Worker
	Log         *zap.SugaredLogger
}

func Build(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (*App, error) {
	price, err := pricing.New(cfg.Pricing.SunPerEnergyHour)
	if err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}

	pool, err := db.Connect(ctx, cfg.DB.DSN, cfg.DB.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	a := &App{Config: cfg, DB: pool, Log: log}

	keys, err := loadKeys(cfg.Pool.Accounts)
	if err != nil {
		a.Close()
		return nil, err
	}
	node, err := chain.NewMultiRPCClient(cfg.Chain.APIEndpoints, cfg.Chain.APIKey, cfg.Chain.RateLimitPerSecond, cfg.Chain.FailoverThreshold)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("chain client: %w", err)
	}
	a.Chain = chain.NewClient(node, keys, cfg.Chain.Resource, log.Named("chain"))

	a.Store = store.New(pool)
	a.Ledger = ledger.NewPostgres(pool, cfg.Pool.MinChunkEnergy)
	if err := registerAccounts(ctx, a.Ledger, cfg.Pool.Accounts); err != nil {
		a.Close()
		return nil, err
	}

	a.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.Redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		a.Locker = lock.NewRedis(a.Redis, "")
	}

	a.Tasks = scheduler.New(log.Named("tasks"), metrics.LiveTasks)
	a.Events = events.NewHub(64)
	tol := pricing.Tolerance{Bps: cfg.Payments.ToleranceBps}

	a.Orders = &services.OrderService{
		Store:            a.Store,
		Ledger:           a.Ledger,
		Addresses:        a.Chain,
		Deriver:          chain.AddressDeriver{XPub: cfg.Wallet.XPub, Static: cfg.Wallet.PaymentAddress},
		Pricing:          price,
		Tolerance:        tol,
		MinEnergy:        cfg.Orders.MinEnergy,
		MaxDurationHours: cfg.Orders.MaxDurationHours,
		Deadline:         cfg.OrderDeadline(),
		StaleAfter:       cfg.StaleOrderAge(),
		Events:           a.Events,
		Log:              log.Named("orders"),
	}
	a.Delegations = &delegation.Orchestrator{
		Store:   a.Store,
		Ledger:  a.Ledger,
		Chain:   a.Chain,
		Orders:  a.Orders,
		Tasks:   a.Tasks,
		Locker:  a.Locker,
		LockTTL: cfg.LockTTL(),
		Events:  a.Events,
		Log:     log.Named("delegation"),
	}
	a.Payments = &payments.Monitor{
		Store:        a.Store,
		Chain:        a.Chain,
		Orders:       a.Orders,
		Tasks:        a.Tasks,
		Tolerance:    tol,
		PollInterval: cfg.PollInterval(),
		Timeout:      cfg.PaymentTimeout(),
		Skew:         time.Duration(cfg.Payments.SkewSeconds) * time.Second,
		PageSize:     cfg.Payments.PageSize,
		Events:       a.Events,
		Log:          log.Named("payments"),
	}
	a.Orders.Delegator = a.Delegations
	a.Orders.Monitors = a.Payments

	a.Risk = &risk.Assessor{
		Orders:           a.Orders,
		History:          a.Store,
		Pool:             a.Ledger,
		LargeOrderEnergy: cfg.Risk.LargeOrderEnergy,
		VelocityPerHour:  cfg.Risk.VelocityPerHour,
		Log:              log.Named("risk"),
	}
	a.Worker = &worker.Worker{
		Orders:   a.Orders,
		Stale:    a.Orders,
		Monitors: a.Payments,
		Grants:   a.Delegations,
		Ledger:   a.Ledger,
		Chain:    a.Chain,
		Locker:   a.Locker,
		LockTTL:  cfg.LockTTL(),
		Schedule: worker.Schedule{
			Orders:      cfg.Worker.OrdersCron,
			StaleOrders: cfg.Worker.StaleOrdersCron,
			Monitors:    cfg.Worker.MonitorsCron,
			Grants:      cfg.Worker.GrantsCron,
			PoolSync:    cfg.Worker.PoolSyncCron,
		},
		Log: log.Named("worker"),
	}
	return a, nil
}

// Resume restarts the in-process payment and expiry tasks that a previous
// process left behind.
func (a *App) Resume(ctx context.Context) error {
	n, err := a.Payments.ResumeMonitors(ctx)
	if err != nil {
		return fmt.Errorf("resume monitors: %w", err)
	}
	g, err := a.Delegations.ResumeExpiryTasks(ctx)
	if err != nil {
		return fmt.Errorf("resume expiry tasks: %w", err)
	}
	a.Log.Infow("resumed tasks", "monitors", n, "grants", g)
	return nil
}

// Shutdown stops the background tasks and closes connections.
func (a *App) Shutdown(ctx context.Context) {
	if a.Tasks != nil {
		if err := a.Tasks.Shutdown(ctx); err != nil {
			a.Log.Warnw("tasks did not stop in time", "error", err)
		}
	}
	a.Close()
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

func loadKeys(accounts []config.PoolAccount) (*chain.KeyRing, error) {
	keys := chain.NewKeyRing()
	for _, acc := range accounts {
		if acc.KeyEnv == "" {
			continue
		}
		hexKey := os.Getenv(acc.KeyEnv)
		if hexKey == "" {
			return nil, fmt.Errorf("pool account %s: %s is not set", acc.ID, acc.KeyEnv)
		}
		if _, err := keys.Add(hexKey, acc.Address); err != nil {
			return nil, fmt.Errorf("pool account %s: %w", acc.ID, err)
		}
	}
	return keys, nil
}

func registerAccounts(ctx context.Context, l *ledger.Postgres, accounts []config.PoolAccount) error {
	for _, acc := range accounts {
		if err := chain.ValidateAddress(acc.Address); err != nil {
			return fmt.Errorf("pool account %s: %w", acc.ID, err)
		}
		err := l.UpsertAccount(ctx, models.PoolAccount{
			AccountID: acc.ID,
			Address:   acc.Address,
			Priority:  acc.Priority,
			Enabled:   true,
		})
		if err != nil {
			return fmt.Errorf("register pool account %s: %w", acc.ID, err)
		}
	}
	return nil
}
