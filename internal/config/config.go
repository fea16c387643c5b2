package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type PoolAccount struct {
	ID       string `yaml:"id"`
	Address  string `yaml:"address"`
	Priority int    `yaml:"priority"`
	// KeyEnv names the environment variable holding the hex private key.
	KeyEnv string `yaml:"key_env"`
}

type Config struct {
	Server struct {
		Addr       string `yaml:"addr"`
		AdminToken string `yaml:"admin_token"`
	} `yaml:"server"`
	DB struct {
		DSN      string `yaml:"dsn"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"db"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Wallet struct {
		XPub           string `yaml:"xpub"`
		PaymentAddress string `yaml:"payment_address"`
	} `yaml:"wallet"`
	Chain struct {
		APIEndpoints       []string `yaml:"api_endpoints"`
		APIKey             string   `yaml:"api_key"`
		RateLimitPerSecond float64  `yaml:"rate_limit_per_second"`
		FailoverThreshold  int      `yaml:"failover_threshold"`
		Resource           string   `yaml:"resource"`
	} `yaml:"chain"`
	Pool struct {
		Accounts       []PoolAccount `yaml:"accounts"`
		MinChunkEnergy int64         `yaml:"min_chunk_energy"`
	} `yaml:"pool"`
	Orders struct {
		MinEnergy         int64 `yaml:"min_energy"`
		MaxDurationHours  int   `yaml:"max_duration_hours"`
		DeadlineHours     int   `yaml:"deadline_hours"`
		StaleAfterMinutes int   `yaml:"stale_after_minutes"`
	} `yaml:"orders"`
	Payments struct {
		PollIntervalSeconds int   `yaml:"poll_interval_seconds"`
		TimeoutMinutes      int   `yaml:"timeout_minutes"`
		ToleranceBps        int64 `yaml:"tolerance_bps"`
		SkewSeconds         int   `yaml:"skew_seconds"`
		PageSize            int   `yaml:"page_size"`
	} `yaml:"payments"`
	Pricing struct {
		SunPerEnergyHour string `yaml:"sun_per_energy_hour"`
	} `yaml:"pricing"`
	Risk struct {
		LargeOrderEnergy int64 `yaml:"large_order_energy"`
		VelocityPerHour  int64 `yaml:"velocity_per_hour"`
	} `yaml:"risk"`
	Worker struct {
		OrdersCron      string `yaml:"orders_cron"`
		StaleOrdersCron string `yaml:"stale_orders_cron"`
		MonitorsCron    string `yaml:"monitors_cron"`
		GrantsCron      string `yaml:"grants_cron"`
		PoolSyncCron    string `yaml:"pool_sync_cron"`
		LockTTLSeconds  int    `yaml:"lock_ttl_seconds"`
	} `yaml:"worker"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if len(cfg.Chain.APIEndpoints) == 0 {
		return nil, errors.New("chain.api_endpoints is required")
	}
	if cfg.Wallet.XPub == "" && cfg.Wallet.PaymentAddress == "" {
		return nil, errors.New("wallet.xpub or wallet.payment_address is required")
	}
	if cfg.Payments.ToleranceBps < 0 || cfg.Payments.ToleranceBps >= 10000 {
		return nil, errors.New("payments.tolerance_bps must be in [0, 10000)")
	}
	return &cfg, nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Payments.PollIntervalSeconds) * time.Second
}

func (c *Config) PaymentTimeout() time.Duration {
	return time.Duration(c.Payments.TimeoutMinutes) * time.Minute
}

func (c *Config) OrderDeadline() time.Duration {
	return time.Duration(c.Orders.DeadlineHours) * time.Hour
}

func (c *Config) StaleOrderAge() time.Duration {
	return time.Duration(c.Orders.StaleAfterMinutes) * time.Minute
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Worker.LockTTLSeconds) * time.Second
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Chain.Resource == "" {
		cfg.Chain.Resource = "ENERGY"
	}
	if cfg.Chain.RateLimitPerSecond <= 0 {
		cfg.Chain.RateLimitPerSecond = 10
	}
	if cfg.Chain.FailoverThreshold <= 0 {
		cfg.Chain.FailoverThreshold = 3
	}
	if cfg.Orders.MinEnergy <= 0 {
		cfg.Orders.MinEnergy = 10000
	}
	if cfg.Orders.MaxDurationHours <= 0 {
		cfg.Orders.MaxDurationHours = 720
	}
	if cfg.Orders.StaleAfterMinutes <= 0 {
		cfg.Orders.StaleAfterMinutes = 10
	}
	if cfg.Orders.DeadlineHours <= 0 {
		cfg.Orders.DeadlineHours = 24
	}
	if cfg.Payments.PollIntervalSeconds <= 0 {
		cfg.Payments.PollIntervalSeconds = 10
	}
	if cfg.Payments.TimeoutMinutes <= 0 {
		cfg.Payments.TimeoutMinutes = 30
	}
	if cfg.Payments.ToleranceBps == 0 {
		cfg.Payments.ToleranceBps = 500
	}
	if cfg.Payments.SkewSeconds <= 0 {
		cfg.Payments.SkewSeconds = 60
	}
	if cfg.Payments.PageSize <= 0 {
		cfg.Payments.PageSize = 50
	}
	if cfg.Pricing.SunPerEnergyHour == "" {
		cfg.Pricing.SunPerEnergyHour = "0.004"
	}
	if cfg.Risk.LargeOrderEnergy <= 0 {
		cfg.Risk.LargeOrderEnergy = 1000000
	}
	if cfg.Risk.VelocityPerHour <= 0 {
		cfg.Risk.VelocityPerHour = 5
	}
	if cfg.Worker.OrdersCron == "" {
		cfg.Worker.OrdersCron = "@every 1m"
	}
	if cfg.Worker.StaleOrdersCron == "" {
		cfg.Worker.StaleOrdersCron = "@every 2m"
	}
	if cfg.Worker.MonitorsCron == "" {
		cfg.Worker.MonitorsCron = "@every 1m"
	}
	if cfg.Worker.GrantsCron == "" {
		cfg.Worker.GrantsCron = "@every 2m"
	}
	if cfg.Worker.PoolSyncCron == "" {
		cfg.Worker.PoolSyncCron = "@every 5m"
	}
	if cfg.Pool.MinChunkEnergy <= 0 {
		cfg.Pool.MinChunkEnergy = 1000
	}
	if cfg.Worker.LockTTLSeconds <= 0 {
		cfg.Worker.LockTTLSeconds = 120
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("ADMIN_TOKEN"); v != "" {
		cfg.Server.AdminToken = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("WALLET_XPUB"); v != "" {
		cfg.Wallet.XPub = v
	}
	if v := os.Getenv("PAYMENT_ADDRESS"); v != "" {
		cfg.Wallet.PaymentAddress = v
	}
	if v := os.Getenv("TRON_API_ENDPOINTS"); v != "" {
		cfg.Chain.APIEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("TRON_API_KEY"); v != "" {
		cfg.Chain.APIKey = v
	}
	if v := os.Getenv("ORDER_MIN_ENERGY"); v != "" {
		cfg.Orders.MinEnergy = atoi64Or(cfg.Orders.MinEnergy, v)
	}
	if v := os.Getenv("ORDER_DEADLINE_HOURS"); v != "" {
		cfg.Orders.DeadlineHours = atoiOr(cfg.Orders.DeadlineHours, v)
	}
	if v := os.Getenv("PAYMENT_POLL_INTERVAL_SECONDS"); v != "" {
		cfg.Payments.PollIntervalSeconds = atoiOr(cfg.Payments.PollIntervalSeconds, v)
	}
	if v := os.Getenv("PAYMENT_TIMEOUT_MINUTES"); v != "" {
		cfg.Payments.TimeoutMinutes = atoiOr(cfg.Payments.TimeoutMinutes, v)
	}
	if v := os.Getenv("PAYMENT_TOLERANCE_BPS"); v != "" {
		cfg.Payments.ToleranceBps = atoi64Or(cfg.Payments.ToleranceBps, v)
	}
	if v := os.Getenv("SUN_PER_ENERGY_HOUR"); v != "" {
		cfg.Pricing.SunPerEnergyHour = v
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
