// Package config loads the daemon configuration from YAML. Environment
// references like ${TREASURY_KEY} are expanded before parsing so key
// material can stay out of the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent402/agentpay"
	"github.com/agent402/agentpay/wallet"
)

// Config is the full daemon configuration.
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"logLevel"`

	Chain   Chain   `yaml:"chain"`
	Wallets Wallets `yaml:"wallets"`
	Gateway Gateway `yaml:"gateway"`
	Oracle  Oracle  `yaml:"oracle"`
	Tools   []Tool  `yaml:"tools"`
}

// Tool declares one upstream worker endpoint served through the gateway.
type Tool struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	PriceUSD    float64                `yaml:"priceUsd"`
	Upstream    string                 `yaml:"upstream"`
	Schema      map[string]interface{} `yaml:"schema"`
}

// Chain points at the settlement ledger.
type Chain struct {
	RPCURL  string `yaml:"rpcUrl"`
	ChainID int64  `yaml:"chainId"`
}

// Wallets configures the worker pool and treasury. Amounts are whole
// coins.
type Wallets struct {
	Keystore    string  `yaml:"keystore"`
	PoolSize    int     `yaml:"poolSize"`
	MinForTools float64 `yaml:"minForTools"`
	MinForGas   float64 `yaml:"minForGas"`
	Topup       float64 `yaml:"topup"`

	TreasuryKey     string  `yaml:"treasuryKey"`
	ReserveFloor    float64 `yaml:"reserveFloor"`
	FeeBuffer       float64 `yaml:"feeBuffer"`
	SweepIntervalMS int     `yaml:"sweepIntervalMs"`
}

// Gateway configures the server-side payment interceptor.
type Gateway struct {
	Mode            string `yaml:"mode"` // escrow | pay-to-claim
	ProviderAddress string `yaml:"providerAddress"`
	EscrowKey       string `yaml:"escrowKey"`
	Network         string `yaml:"network"`
	ExplorerURL     string `yaml:"explorerUrl"`
	ResultTTLSec    int    `yaml:"resultTtlSec"`
	ReplayTTLSec    int    `yaml:"replayTtlSec"`
}

// Oracle configures the USD price feed.
type Oracle struct {
	Endpoint     string  `yaml:"endpoint"`
	FallbackRate float64 `yaml:"fallbackRate"`
	TTLSec       int     `yaml:"ttlSec"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.Listen == "" {
		cfg.Listen = ":8402"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("chain.rpcUrl is required")
	}
	if c.Wallets.TreasuryKey == "" {
		return fmt.Errorf("wallets.treasuryKey is required")
	}
	switch c.Gateway.Mode {
	case "escrow":
		if c.Gateway.EscrowKey == "" {
			return fmt.Errorf("gateway.escrowKey is required in escrow mode")
		}
	case "pay-to-claim":
	default:
		return fmt.Errorf("gateway.mode must be escrow or pay-to-claim, got %q", c.Gateway.Mode)
	}
	for i, tool := range c.Tools {
		if tool.Name == "" || tool.Upstream == "" {
			return fmt.Errorf("tools[%d]: name and upstream are required", i)
		}
	}
	return nil
}

// PoolConfig converts the wallet section to the pool's configuration.
func (c *Config) PoolConfig() wallet.PoolConfig {
	w := c.Wallets
	cfg := wallet.PoolConfig{
		Size:         w.PoolSize,
		KeystorePath: w.Keystore,
	}
	if w.MinForTools > 0 {
		cfg.MinForTools = agentpay.CoinsToSatoshis(w.MinForTools)
	}
	if w.MinForGas > 0 {
		cfg.MinForGas = agentpay.CoinsToSatoshis(w.MinForGas)
	}
	if w.Topup > 0 {
		cfg.TopupAmount = agentpay.CoinsToSatoshis(w.Topup)
	}
	if w.SweepIntervalMS > 0 {
		cfg.SweepInterval = time.Duration(w.SweepIntervalMS) * time.Millisecond
	}
	return cfg
}

// ResultTTL returns the configured pending-result lifetime.
func (g Gateway) ResultTTL() time.Duration {
	if g.ResultTTLSec <= 0 {
		return 0
	}
	return time.Duration(g.ResultTTLSec) * time.Second
}

// ReplayTTL returns the configured transaction dedup window.
func (g Gateway) ReplayTTL() time.Duration {
	if g.ReplayTTLSec <= 0 {
		return 0
	}
	return time.Duration(g.ReplayTTLSec) * time.Second
}

// TTL returns the configured oracle cache lifetime.
func (o Oracle) TTL() time.Duration {
	if o.TTLSec <= 0 {
		return 0
	}
	return time.Duration(o.TTLSec) * time.Second
}
