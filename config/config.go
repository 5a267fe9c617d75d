// Package config loads and validates the gateway configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/vitwit/agentpay/types"
)

// Config is the full gateway configuration, loaded once at startup.
type Config struct {
	Server   ServerConfig           `yaml:"server"`
	Ledger   LedgerConfig           `yaml:"ledger"`
	Payments PaymentsConfig         `yaml:"payments"`
	Storage  StorageConfig          `yaml:"storage"`
	Wallet   WalletConfig           `yaml:"wallet"`
	Registry RegistryConfig         `yaml:"registry"`
	Log      LogConfig              `yaml:"log"`
	Metrics  MetricsConfig          `yaml:"metrics"`
	Tools    []types.ToolDescriptor `yaml:"tools" validate:"dive"`
}

type ServerConfig struct {
	Address string `yaml:"address"`

	// AllowUnscopedList permits conversation listing without an owner
	// filter. Intended for operator tooling only; when false, unscoped
	// list requests are rejected instead of leaking every caller's
	// history.
	AllowUnscopedList bool `yaml:"allow_unscoped_list"`
}

type LedgerConfig struct {
	Network          types.Network `yaml:"network" validate:"required"`
	RPCURL           string        `yaml:"rpc_url" validate:"required,url"`
	MinConfirmations int           `yaml:"min_confirmations"`
	Timeout          time.Duration `yaml:"timeout"`
	RetryCount       int           `yaml:"retry_count"`
}

type PaymentsConfig struct {
	ReceivingAddress string        `yaml:"receiving_address" validate:"required"`
	ChallengeWindow  time.Duration `yaml:"challenge_window"`
}

// StorageConfig selects the conversation database file and the redemption
// set backend.
type StorageConfig struct {
	ConversationsPath string           `yaml:"conversations_path"`
	Redemptions       RedemptionConfig `yaml:"redemptions"`
}

type RedemptionConfig struct {
	Driver    string `yaml:"driver" validate:"omitempty,oneof=memory sqlite redis"`
	Path      string `yaml:"path"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

type WalletConfig struct {
	KeyPath string `yaml:"key_path"`
}

type RegistryConfig struct {
	IdentityURL   string `yaml:"identity_url" validate:"omitempty,url"`
	ReputationURL string `yaml:"reputation_url" validate:"omitempty,url"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads, parses, and validates the YAML configuration at path.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, &types.Error{Code: types.ErrConfig, Message: "config path is empty"}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.Error{Code: types.ErrConfig, Message: fmt.Sprintf("read config: %v", err)}
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &types.Error{Code: types.ErrConfig, Message: fmt.Sprintf("parse config: %v", err)}
	}

	cfg.applyDefaults(filepath.Dir(path))

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, &types.Error{Code: types.ErrConfig, Message: fmt.Sprintf("invalid config: %v", err)}
	}

	return &cfg, nil
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Ledger.MinConfirmations <= 0 {
		c.Ledger.MinConfirmations = 1
	}
	if c.Ledger.Timeout <= 0 {
		c.Ledger.Timeout = 30 * time.Second
	}
	if c.Ledger.RetryCount <= 0 {
		c.Ledger.RetryCount = 3
	}
	if c.Payments.ChallengeWindow <= 0 {
		c.Payments.ChallengeWindow = 10 * time.Minute
	}
	if c.Storage.ConversationsPath == "" {
		c.Storage.ConversationsPath = filepath.Join(baseDir, "data", "conversations.db")
	} else if !filepath.IsAbs(c.Storage.ConversationsPath) {
		c.Storage.ConversationsPath = filepath.Join(baseDir, c.Storage.ConversationsPath)
	}
	if c.Storage.Redemptions.Driver == "" {
		c.Storage.Redemptions.Driver = "sqlite"
	}
	if c.Storage.Redemptions.Driver == "sqlite" && c.Storage.Redemptions.Path == "" {
		c.Storage.Redemptions.Path = filepath.Join(filepath.Dir(c.Storage.ConversationsPath), "redemptions.db")
	}
	if c.Wallet.KeyPath == "" {
		c.Wallet.KeyPath = filepath.Join(baseDir, "data", "agent.key")
	} else if !filepath.IsAbs(c.Wallet.KeyPath) {
		c.Wallet.KeyPath = filepath.Join(baseDir, c.Wallet.KeyPath)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	for i := range c.Tools {
		if c.Tools[i].Currency == "" {
			c.Tools[i].Currency = c.Ledger.Network.NativeCurrency()
		}
		if c.Tools[i].HTTPMethod == "" {
			c.Tools[i].HTTPMethod = "POST"
		}
	}
}
