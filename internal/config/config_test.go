package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	x402 "github.com/x402-foundation/paygate"
)

const sampleYAML = `
server:
  addr: ":8080"
log:
  level: debug
  format: text
store:
  driver: sqlite
  dsn: /tmp/paygate.db
  settled_ttl: 12h
settlement:
  mode: local
  rpc_url: https://sepolia.base.org
  chain_id: 84532
  private_key: "0xabc"
resources:
  /weather:
    scheme: exact
    network: "eip155:84532"
    pay_to: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
    asset: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
    amount: "50000000000000000"
    max_timeout_seconds: 60
    description: Current weather
    extra:
      name: USDC
      version: "2"
requester:
  max_attempts: 3
  max_amount: "100000000000000000"
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "paygate.yaml", sampleYAML)

	cfg, err := Load(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, 12*time.Hour, cfg.Store.SettledTTL)
	assert.Equal(t, ModeLocal, cfg.Settlement.Mode)
	assert.Equal(t, int64(84532), cfg.Settlement.ChainID)

	res, ok := cfg.Resources["/weather"]
	require.True(t, ok)
	assert.Equal(t, x402.Network("eip155:84532"), res.Network)
	assert.Equal(t, "50000000000000000", res.Amount)
	assert.Equal(t, 60, res.MaxTimeoutSeconds)
	assert.Equal(t, "USDC", res.Extra["name"])

	assert.Equal(t, 3, cfg.Requester.MaxAttempts)
	maxAmount, err := cfg.Requester.ParseMaxAmount()
	require.NoError(t, err)
	assert.Equal(t, "100000000000000000", maxAmount.String())

	assert.NoError(t, cfg.Validate())
}

func TestLoad_UnknownField(t *testing.T) {
	path := writeFile(t, t.TempDir(), "paygate.yaml", "server:\n  adress: \":1\"\n")
	_, err := Load(path, "missing.env")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, ModeRemote, cfg.Settlement.Mode)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, x402.DefaultMaxAttempts, cfg.Requester.MaxAttempts)
}

func TestLoad_EnvFile(t *testing.T) {
	envFile := writeFile(t, t.TempDir(), ".env", "FACILITATOR_URL=https://facilitator.example\n")
	// t.Setenv restores the original value; godotenv only sets unset keys
	t.Setenv("FACILITATOR_URL", "")
	require.NoError(t, os.Unsetenv("FACILITATOR_URL"))

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "https://facilitator.example", cfg.Settlement.FacilitatorURL)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PAYGATE_SETTLEMENT_MODE":   "auto-approve",
		"PAYGATE_STORE_SETTLED_TTL": "1h",
		"PAYGATE_CHAIN_ID":          "8453",
		"PRIVATE_KEY":               "0xkey",
		"STATIC_API_KEY":            "secret",
		"PAYGATE_RATE_LIMIT":        "2.5",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.applyEnv(lookup))
	assert.Equal(t, ModeAutoApprove, cfg.Settlement.Mode)
	assert.Equal(t, time.Hour, cfg.Store.SettledTTL)
	assert.Equal(t, int64(8453), cfg.Settlement.ChainID)
	assert.Equal(t, "0xkey", cfg.Settlement.PrivateKey)
	assert.Equal(t, "0xkey", cfg.Requester.PrivateKey)
	assert.Equal(t, "secret", cfg.Facilitator.APIKey)
	assert.Equal(t, 2.5, cfg.Settlement.RateLimit)
}

func TestApplyEnv_BadValues(t *testing.T) {
	env := map[string]string{
		"PAYGATE_CHAIN_ID":       "base",
		"PAYGATE_SETTLE_TIMEOUT": "soon",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	err := Default().applyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYGATE_CHAIN_ID")
	assert.Contains(t, err.Error(), "PAYGATE_SETTLE_TIMEOUT")
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = "xml"
	cfg.Store.Driver = StoreSQLite
	cfg.Settlement.Mode = ModeLocal
	cfg.Facilitator.Auth = AuthStatic
	cfg.Resources["/bad"] = x402.ResourceConfig{Network: "base", Amount: "-1"}
	cfg.Requester.MaxAttempts = 0
	cfg.Settlement.SettleTimeout = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"log.format",
		"store.dsn",
		"settlement.rpc_url",
		"settlement.private_key",
		"settlement.chain_id",
		"settlement.settle_timeout",
		"facilitator.api_key",
		"resources[/bad]: missing pay_to, asset",
		"requester.max_attempts",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidate_SettleTimeout(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	lookup := func(key string) (string, bool) {
		if key == "PAYGATE_SETTLE_TIMEOUT" {
			return "0s", true
		}
		return "", false
	}
	require.NoError(t, cfg.applyEnv(lookup))
	assert.ErrorContains(t, cfg.Validate(), "settlement.settle_timeout must be positive")

	cfg.Settlement.SettleTimeout = -time.Second
	assert.ErrorContains(t, cfg.Validate(), "settlement.settle_timeout must be positive")
}

func TestValidate_Resource(t *testing.T) {
	valid := x402.ResourceConfig{
		Network:           "eip155:84532",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:            "1000",
		MaxTimeoutSeconds: 60,
	}
	assert.NoError(t, validateResource(valid))

	badNetwork := valid
	badNetwork.Network = "base-sepolia"
	assert.Error(t, validateResource(badNetwork))

	badAmount := valid
	badAmount.Amount = "1.5"
	assert.Error(t, validateResource(badAmount))

	noTimeout := valid
	noTimeout.MaxTimeoutSeconds = 0
	assert.Error(t, validateResource(noTimeout))

	upto := valid
	upto.Scheme = "upto"
	assert.Error(t, validateResource(upto))
}

func TestValidate_RemoteAuthExclusive(t *testing.T) {
	cfg := Default()
	cfg.Settlement.FacilitatorAPIKey = "key"
	cfg.Settlement.FacilitatorJWTSecret = "secret"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}
