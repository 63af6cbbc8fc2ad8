// Package config loads paygate configuration from a YAML file, an optional
// .env file and the process environment, in that order of precedence (lowest
// first).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	x402 "github.com/x402-foundation/paygate"
)

// Settlement modes
const (
	ModeLocal       = "local"
	ModeRemote      = "remote"
	ModeAutoApprove = "auto-approve"
)

// Store drivers
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// Facilitator authentication modes
const (
	AuthNone   = "none"
	AuthStatic = "static"
	AuthSQL    = "sql"
	AuthJWT    = "jwt"
)

// Config is the complete paygate configuration
type Config struct {
	Server      ServerConfig                   `yaml:"server"`
	Log         LogConfig                      `yaml:"log"`
	Store       StoreConfig                    `yaml:"store"`
	Settlement  SettlementConfig               `yaml:"settlement"`
	Facilitator FacilitatorConfig              `yaml:"facilitator"`
	Resources   map[string]x402.ResourceConfig `yaml:"resources"`
	Requester   RequesterConfig                `yaml:"requester"`
}

// ServerConfig is the provider listener
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// StoreConfig selects the replay store
type StoreConfig struct {
	Driver     string        `yaml:"driver"`
	DSN        string        `yaml:"dsn"`
	SettledTTL time.Duration `yaml:"settled_ttl"`
}

// SettlementConfig selects and configures the settlement verifier
type SettlementConfig struct {
	Mode          string        `yaml:"mode"`
	SettleTimeout time.Duration `yaml:"settle_timeout"`

	// local
	RPCURL      string `yaml:"rpc_url"`
	ChainID     int64  `yaml:"chain_id"`
	PrivateKey  string `yaml:"private_key"`
	GasLimitCap uint64 `yaml:"gas_limit_cap"`

	// remote
	FacilitatorURL        string        `yaml:"facilitator_url"`
	FacilitatorAPIKey     string        `yaml:"facilitator_api_key"`
	FacilitatorJWTSecret  string        `yaml:"facilitator_jwt_secret"`
	FacilitatorJWTSubject string        `yaml:"facilitator_jwt_subject"`
	FacilitatorTimeout    time.Duration `yaml:"facilitator_timeout"`
	RateLimit             float64       `yaml:"rate_limit"`
	RateBurst             int           `yaml:"rate_burst"`
}

// FacilitatorConfig configures the facilitator server command
type FacilitatorConfig struct {
	Addr       string   `yaml:"addr"`
	Auth       string   `yaml:"auth"`
	APIKey     string   `yaml:"api_key"`
	KeysDSN    string   `yaml:"keys_dsn"`
	JWTSecret  string   `yaml:"jwt_secret"`
	JWTSubject string   `yaml:"jwt_subject"`
	Networks   []string `yaml:"networks"`
}

// RequesterConfig configures the fetch command
type RequesterConfig struct {
	PrivateKey  string        `yaml:"private_key"`
	MaxAttempts int           `yaml:"max_attempts"`
	MaxAmount   string        `yaml:"max_amount"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":4020",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Driver:     StoreMemory,
			SettledTTL: 24 * time.Hour,
		},
		Settlement: SettlementConfig{
			Mode:               ModeRemote,
			SettleTimeout:      30 * time.Second,
			FacilitatorURL:     "http://localhost:4021",
			FacilitatorTimeout: 30 * time.Second,
		},
		Facilitator: FacilitatorConfig{
			Addr: ":4021",
			Auth: AuthNone,
		},
		Resources: map[string]x402.ResourceConfig{},
		Requester: RequesterConfig{
			MaxAttempts: x402.DefaultMaxAttempts,
			Timeout:     60 * time.Second,
		},
	}
}

// Load reads path (skipped when empty) over the defaults, then the env files
// (".env" when none are given; missing files are ignored), then applies
// environment overrides. The result is not validated.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(content); err != nil {
			return nil, err
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", file, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(content []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides file values with environment variables
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var problems []error
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				problems = append(problems, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("PAYGATE_SERVER_ADDR", &c.Server.Addr)
	str("PAYGATE_LOG_LEVEL", &c.Log.Level)
	str("PAYGATE_LOG_FORMAT", &c.Log.Format)
	str("PAYGATE_LOG_FILE", &c.Log.File)
	str("PAYGATE_STORE_DRIVER", &c.Store.Driver)
	str("PAYGATE_STORE_DSN", &c.Store.DSN)
	dur("PAYGATE_STORE_SETTLED_TTL", &c.Store.SettledTTL)
	str("PAYGATE_SETTLEMENT_MODE", &c.Settlement.Mode)
	dur("PAYGATE_SETTLE_TIMEOUT", &c.Settlement.SettleTimeout)
	str("RPC_URL", &c.Settlement.RPCURL)
	str("PRIVATE_KEY", &c.Settlement.PrivateKey)
	str("PRIVATE_KEY", &c.Requester.PrivateKey)
	str("FACILITATOR_URL", &c.Settlement.FacilitatorURL)
	str("FACILITATOR_API_KEY", &c.Settlement.FacilitatorAPIKey)
	str("PAYGATE_FACILITATOR_JWT_SECRET", &c.Settlement.FacilitatorJWTSecret)
	str("PAYGATE_FACILITATOR_ADDR", &c.Facilitator.Addr)
	str("PAYGATE_FACILITATOR_AUTH", &c.Facilitator.Auth)
	str("STATIC_API_KEY", &c.Facilitator.APIKey)
	str("PAYGATE_FACILITATOR_JWT_SECRET", &c.Facilitator.JWTSecret)
	str("PAYGATE_REQUESTER_MAX_AMOUNT", &c.Requester.MaxAmount)

	if v, ok := lookup("PAYGATE_CHAIN_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			problems = append(problems, fmt.Errorf("PAYGATE_CHAIN_ID: %w", err))
		} else {
			c.Settlement.ChainID = id
		}
	}
	if v, ok := lookup("PAYGATE_RATE_LIMIT"); ok && v != "" {
		limit, err := strconv.ParseFloat(v, 64)
		if err != nil {
			problems = append(problems, fmt.Errorf("PAYGATE_RATE_LIMIT: %w", err))
		} else {
			c.Settlement.RateLimit = limit
		}
	}
	return errors.Join(problems...)
}

// Validate reports every problem found, joined into one error
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	switch c.Log.Format {
	case "json", "text":
	default:
		add("log.format must be json or text, got %q", c.Log.Format)
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.DSN == "" {
			add("store.dsn is required for the sqlite driver")
		}
	default:
		add("store.driver must be memory or sqlite, got %q", c.Store.Driver)
	}
	if c.Store.SettledTTL <= 0 {
		add("store.settled_ttl must be positive")
	}

	s := c.Settlement
	switch s.Mode {
	case ModeLocal:
		if s.RPCURL == "" {
			add("settlement.rpc_url is required in local mode")
		}
		if s.PrivateKey == "" {
			add("settlement.private_key is required in local mode")
		}
		if s.ChainID <= 0 {
			add("settlement.chain_id is required in local mode")
		}
	case ModeRemote:
		if s.FacilitatorURL == "" {
			add("settlement.facilitator_url is required in remote mode")
		}
		if s.FacilitatorJWTSecret != "" && s.FacilitatorAPIKey != "" {
			add("settlement.facilitator_api_key and facilitator_jwt_secret are mutually exclusive")
		}
	case ModeAutoApprove:
	default:
		add("settlement.mode must be local, remote or auto-approve, got %q", s.Mode)
	}
	if s.SettleTimeout <= 0 {
		add("settlement.settle_timeout must be positive")
	}
	if s.RateLimit < 0 {
		add("settlement.rate_limit must not be negative")
	}

	switch c.Facilitator.Auth {
	case "", AuthNone:
	case AuthStatic:
		if c.Facilitator.APIKey == "" {
			add("facilitator.api_key is required for static auth")
		}
	case AuthSQL:
		if c.Facilitator.KeysDSN == "" {
			add("facilitator.keys_dsn is required for sql auth")
		}
	case AuthJWT:
		if c.Facilitator.JWTSecret == "" {
			add("facilitator.jwt_secret is required for jwt auth")
		}
	default:
		add("facilitator.auth must be none, static, sql or jwt, got %q", c.Facilitator.Auth)
	}
	for _, network := range c.Facilitator.Networks {
		if _, _, err := x402.Network(network).Parse(); err != nil {
			add("facilitator.networks: %v", err)
		}
	}

	for id, res := range c.Resources {
		if err := validateResource(res); err != nil {
			add("resources[%s]: %v", id, err)
		}
	}

	if c.Requester.MaxAttempts < 1 {
		add("requester.max_attempts must be at least 1")
	}
	if c.Requester.MaxAmount != "" {
		if _, err := c.Requester.ParseMaxAmount(); err != nil {
			add("requester.max_amount: %v", err)
		}
	}

	return errors.Join(problems...)
}

func validateResource(res x402.ResourceConfig) error {
	var missing []string
	if res.PayTo == "" {
		missing = append(missing, "pay_to")
	}
	if res.Asset == "" {
		missing = append(missing, "asset")
	}
	if res.Amount == "" {
		missing = append(missing, "amount")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %s", strings.Join(missing, ", "))
	}
	if _, _, err := res.Network.Parse(); err != nil {
		return err
	}
	if _, err := x402.ParseAmount(res.Amount); err != nil {
		return err
	}
	if res.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("max_timeout_seconds must be positive")
	}
	if res.Scheme != "" && res.Scheme != x402.SchemeExact {
		return fmt.Errorf("unsupported scheme %q", res.Scheme)
	}
	return nil
}

// ParseMaxAmount returns the requester's spending cap, nil when unset
func (r RequesterConfig) ParseMaxAmount() (*big.Int, error) {
	if r.MaxAmount == "" {
		return nil, nil
	}
	return x402.ParseAmount(r.MaxAmount)
}
