package claimd

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"questrewards/crypto"
	"questrewards/services/claimd/middleware"
	"questrewards/services/claimd/models"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for claimd.
type Config struct {
	ListenAddress string                          `yaml:"listen"`
	QuestsPath    string                          `yaml:"quests"`
	Database      DatabaseConfig                  `yaml:"database"`
	Chain         ChainConfig                     `yaml:"chain"`
	Signer        SignerConfig                    `yaml:"signer"`
	Indexer       IndexerConfig                   `yaml:"indexer"`
	Claims        ClaimsConfig                    `yaml:"claims"`
	Recon         ReconConfig                     `yaml:"recon"`
	Auth          AuthConfig                      `yaml:"auth"`
	RateLimits    map[string]middleware.RateLimit `yaml:"rate_limits"`
	Log           LogConfig                       `yaml:"log"`
}

// DatabaseConfig selects the claim and compensation store.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	DSNEnv string `yaml:"dsn_env"`
}

// ChainConfig describes the points token and how receipts are awaited.
type ChainConfig struct {
	Endpoint       string   `yaml:"endpoint"`
	ChainID        int64    `yaml:"chain_id"`
	Token          string   `yaml:"token"`
	Decimals       uint8    `yaml:"decimals"`
	Confirmations  uint64   `yaml:"confirmations"`
	GasLimit       uint64   `yaml:"gas_limit"`
	MaxGasPriceWei string   `yaml:"max_gas_price_wei"`
	PollInterval   Duration `yaml:"poll_interval"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
}

// SignerConfig locates the relayer key. Exactly one source is used, in the order
// key, key_env, key_file, keystore.
type SignerConfig struct {
	Key           string `yaml:"key"`
	KeyEnv        string `yaml:"key_env"`
	KeyFile       string `yaml:"key_file"`
	Keystore      string `yaml:"keystore"`
	PassphraseEnv string `yaml:"passphrase_env"`

	key *ecdsa.PrivateKey
}

// IndexerConfig configures the condition indexer used by the gates.
type IndexerConfig struct {
	BaseURL           string   `yaml:"base_url"`
	APIKey            string   `yaml:"api_key"`
	APIKeyEnv         string   `yaml:"api_key_env"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerSecond float64  `yaml:"rps"`
	Burst             int      `yaml:"burst"`
}

// ClaimsConfig bounds the claim pipeline.
type ClaimsConfig struct {
	GateTimeout Duration `yaml:"gate_timeout"`
	MintTimeout Duration `yaml:"mint_timeout"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// ReconConfig tunes the reconciler.
type ReconConfig struct {
	Interval     Duration `yaml:"interval"`
	PendingAfter Duration `yaml:"pending_after"`
	ExpireAfter  Duration `yaml:"expire_after"`
	DropAfter    Duration `yaml:"drop_after"`
	BatchSize    int      `yaml:"batch_size"`
}

// AuthConfig secures the API surfaces.
type AuthConfig struct {
	ServiceToken     string   `yaml:"service_token"`
	ServiceTokenFile string   `yaml:"service_token_file"`
	JWTSecret        string   `yaml:"jwt_secret"`
	JWTSecretEnv     string   `yaml:"jwt_secret_env"`
	Issuer           string   `yaml:"issuer"`
	Audience         string   `yaml:"audience"`
	Leeway           Duration `yaml:"leeway"`
}

// LogConfig controls log level and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.QuestsPath == "" {
		cfg.QuestsPath = "services/claimd/quests.toml"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = models.DriverPostgres
	}
	if cfg.Chain.Decimals == 0 {
		cfg.Chain.Decimals = 18
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 1
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Chain.ConfirmTimeout.Duration == 0 {
		cfg.Chain.ConfirmTimeout.Duration = 90 * time.Second
	}
	if cfg.Indexer.Timeout.Duration == 0 {
		cfg.Indexer.Timeout.Duration = 5 * time.Second
	}
	if cfg.Claims.GateTimeout.Duration == 0 {
		cfg.Claims.GateTimeout.Duration = 5 * time.Second
	}
	if cfg.Claims.MintTimeout.Duration == 0 {
		cfg.Claims.MintTimeout.Duration = 2 * time.Minute
	}
	if cfg.Claims.MaxAttempts <= 0 {
		cfg.Claims.MaxAttempts = 3
	}
	if cfg.Recon.Interval.Duration == 0 {
		cfg.Recon.Interval.Duration = time.Minute
	}
	if cfg.Recon.PendingAfter.Duration == 0 {
		cfg.Recon.PendingAfter.Duration = 2 * time.Minute
	}
	if cfg.Recon.ExpireAfter.Duration == 0 {
		cfg.Recon.ExpireAfter.Duration = 15 * time.Minute
	}
	if cfg.Recon.DropAfter.Duration == 0 {
		cfg.Recon.DropAfter.Duration = 4 * cfg.Recon.ExpireAfter.Duration
	}
	if cfg.Auth.Issuer == "" {
		cfg.Auth.Issuer = "questrewards"
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = map[string]middleware.RateLimit{
			"claims":       {RequestsPerMinute: 60, Burst: 10},
			"compensation": {RequestsPerMinute: 600, Burst: 50},
		}
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if strings.TrimSpace(cfg.Chain.Endpoint) == "" {
		return fmt.Errorf("chain endpoint must be configured")
	}
	if cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain chain_id must be positive")
	}
	if !common.IsHexAddress(cfg.Chain.Token) {
		return fmt.Errorf("chain token must be a hex address")
	}
	if cfg.Chain.Decimals > 36 {
		return fmt.Errorf("chain decimals %d out of range", cfg.Chain.Decimals)
	}
	if raw := strings.TrimSpace(cfg.Chain.MaxGasPriceWei); raw != "" {
		if _, ok := new(big.Int).SetString(raw, 10); !ok {
			return fmt.Errorf("chain max_gas_price_wei must be an integer")
		}
	}
	if strings.TrimSpace(cfg.Indexer.BaseURL) == "" {
		return fmt.Errorf("indexer base_url must be configured")
	}
	if cfg.Recon.ExpireAfter.Duration <= cfg.Claims.MintTimeout.Duration {
		return fmt.Errorf("recon expire_after must exceed claims mint_timeout")
	}
	if cfg.Recon.DropAfter.Duration < cfg.Recon.ExpireAfter.Duration {
		return fmt.Errorf("recon drop_after must not be shorter than expire_after")
	}
	if cfg.Auth.JWTSecret != "" && len(cfg.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth jwt secret must be at least 32 bytes")
	}
	return nil
}

func (c *Config) normalise() error {
	if env := strings.TrimSpace(c.Database.DSNEnv); env != "" && strings.TrimSpace(c.Database.DSN) == "" {
		c.Database.DSN = strings.TrimSpace(os.Getenv(env))
	}
	if env := strings.TrimSpace(c.Indexer.APIKeyEnv); env != "" && strings.TrimSpace(c.Indexer.APIKey) == "" {
		c.Indexer.APIKey = strings.TrimSpace(os.Getenv(env))
	}
	if err := c.Signer.normalise(); err != nil {
		return fmt.Errorf("signer: %w", err)
	}
	if err := c.Auth.normalise(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}

func (s *SignerConfig) normalise() error {
	s.Key = strings.TrimSpace(s.Key)
	s.KeyEnv = strings.TrimSpace(s.KeyEnv)
	s.KeyFile = strings.TrimSpace(s.KeyFile)
	s.Keystore = strings.TrimSpace(s.Keystore)
	raw := s.Key
	switch {
	case raw != "":
	case s.KeyEnv != "":
		raw = strings.TrimSpace(os.Getenv(s.KeyEnv))
		if raw == "" {
			return fmt.Errorf("key_env %s is empty", s.KeyEnv)
		}
	case s.KeyFile != "":
		contents, err := os.ReadFile(s.KeyFile)
		if err != nil {
			return fmt.Errorf("read key_file: %w", err)
		}
		raw = strings.TrimSpace(string(contents))
	case s.Keystore != "":
		passphrase := ""
		if env := strings.TrimSpace(s.PassphraseEnv); env != "" {
			passphrase = os.Getenv(env)
		}
		key, err := crypto.LoadFromKeystore(s.Keystore, passphrase)
		if err != nil {
			return fmt.Errorf("load keystore: %w", err)
		}
		s.key = key
		return nil
	default:
		return fmt.Errorf("key is required")
	}
	key, err := crypto.ParseSignerKey(raw)
	if err != nil {
		return err
	}
	s.key = key
	return nil
}

// PrivateKey returns the resolved relayer key.
func (s SignerConfig) PrivateKey() *ecdsa.PrivateKey { return s.key }

func (a *AuthConfig) normalise() error {
	token := strings.TrimSpace(a.ServiceToken)
	if path := strings.TrimSpace(a.ServiceTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read service_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.ServiceToken = token
	if env := strings.TrimSpace(a.JWTSecretEnv); env != "" && a.JWTSecret == "" {
		a.JWTSecret = os.Getenv(env)
	}
	return nil
}

// MaxGasPrice returns the configured gas price ceiling, or nil when unbounded.
func (c ChainConfig) MaxGasPrice() *big.Int {
	raw := strings.TrimSpace(c.MaxGasPriceWei)
	if raw == "" {
		return nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil
	}
	return value
}
