package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  addr: ":8080"
db:
  dsn: "postgres://localhost/energy"
wallet:
  payment_address: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
chain:
  api_endpoints: ["https://api.trongrid.io"]
pool:
  accounts:
    - id: pool-1
      address: "TR7NHqjeKQxGTCi8q8ZY4pL8otSzgjLj6t"
      priority: 10
      key_env: POOL_1_KEY
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.PollInterval())
	assert.Equal(t, 30*time.Minute, cfg.PaymentTimeout())
	assert.Equal(t, 24*time.Hour, cfg.OrderDeadline())
	assert.Equal(t, 10*time.Minute, cfg.StaleOrderAge())
	assert.Equal(t, "@every 2m", cfg.Worker.StaleOrdersCron)
	assert.Equal(t, int64(500), cfg.Payments.ToleranceBps)
	assert.Equal(t, "ENERGY", cfg.Chain.Resource)
	require.Len(t, cfg.Pool.Accounts, 1)
	assert.Equal(t, "POOL_1_KEY", cfg.Pool.Accounts[0].KeyEnv)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("TRON_API_ENDPOINTS", "https://a.example, https://b.example,")
	t.Setenv("PAYMENT_TIMEOUT_MINUTES", "45")
	t.Setenv("ORDER_DEADLINE_HOURS", "not-a-number")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Chain.APIEndpoints)
	assert.Equal(t, 45*time.Minute, cfg.PaymentTimeout())
	assert.Equal(t, 24, cfg.Orders.DeadlineHours)
}

func TestLoadRequiresPaymentDestination(t *testing.T) {
	body := `
server: {addr: ":8080"}
db: {dsn: "postgres://localhost/energy"}
chain: {api_endpoints: ["https://api.trongrid.io"]}
`
	_, err := Load(writeConfig(t, body))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet")
}
