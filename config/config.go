// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

// Package config builds the client configuration from flags, an optional
// JSON config file and FHECLIENT_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/luxfi/fheclient"
	"github.com/luxfi/fheclient/authorization"
	"github.com/luxfi/fheclient/orchestrator"
	"github.com/luxfi/fheclient/session"
	"github.com/luxfi/fheclient/store"
	"github.com/luxfi/fheclient/utils"
)

const (
	defaultLogLevel       = "info"
	defaultMetricsPort    = uint16(9090)
	defaultStoreType      = string(store.TypeMemory)
	defaultStoreCacheSize = 1024
	defaultStorePath      = "fheclient-db"
)

var (
	errInvalidRange       = errors.New("invalid value range")
	errInvalidRetryPolicy = errors.New("invalid retry policy")
	errMissingStorePath   = errors.New("store path required for badger store")
	errMissingRedis       = errors.New("redis address required for redis store")
)

// Config is the client configuration
type Config struct {
	LogLevel        string `mapstructure:"log-level" json:"log-level"`
	MetricsPort     uint16 `mapstructure:"metrics-port" json:"metrics-port"`
	ChainID         uint64 `mapstructure:"chain-id" json:"chain-id"`
	LocalChainID    uint64 `mapstructure:"local-chain-id" json:"local-chain-id"`
	LocalRPCURL     string `mapstructure:"local-rpc-url" json:"local-rpc-url"`
	RPCURL          string `mapstructure:"rpc-url" json:"rpc-url"`
	RelayerURL      string `mapstructure:"relayer-url" json:"relayer-url"`
	DeploymentsFile string `mapstructure:"deployments-file" json:"deployments-file"`
	PrivateKey      string `mapstructure:"private-key" json:"-"`

	DurationDays int64 `mapstructure:"authorization-duration-days" json:"authorization-duration-days"`

	MinValue             uint64        `mapstructure:"min-value" json:"min-value"`
	MaxValue             uint64        `mapstructure:"max-value" json:"max-value"`
	MaxRetries           uint64        `mapstructure:"encrypt-max-retries" json:"encrypt-max-retries"`
	RetryInitialInterval time.Duration `mapstructure:"encrypt-retry-initial-interval" json:"encrypt-retry-initial-interval"`
	RetryMultiplier      float64       `mapstructure:"encrypt-retry-multiplier" json:"encrypt-retry-multiplier"`

	StoreType      string        `mapstructure:"store-type" json:"store-type"`
	StoreCacheSize int           `mapstructure:"store-cache-size" json:"store-cache-size"`
	StorePath      string        `mapstructure:"store-path" json:"store-path"`
	StoreKeyPrefix string        `mapstructure:"store-key-prefix" json:"store-key-prefix"`
	RedisAddress   string        `mapstructure:"redis-address" json:"redis-address"`
	RedisPassword  string        `mapstructure:"redis-password" json:"-"`
	RedisDB        int           `mapstructure:"redis-db" json:"redis-db"`
	RedisTTL       time.Duration `mapstructure:"store-redis-ttl" json:"store-redis-ttl"`
}

// Validate returns an error if the configuration is unusable
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	if c.MinValue == 0 || c.MinValue > c.MaxValue {
		return fmt.Errorf("%w: [%d, %d]", errInvalidRange, c.MinValue, c.MaxValue)
	}
	if c.RetryInitialInterval <= 0 || c.RetryMultiplier < 1 {
		return fmt.Errorf("%w: initial interval %s, multiplier %v",
			errInvalidRetryPolicy, c.RetryInitialInterval, c.RetryMultiplier)
	}
	if c.DurationDays <= 0 {
		return fmt.Errorf("authorization duration must be positive, got %d days", c.DurationDays)
	}
	switch store.Type(c.StoreType) {
	case store.TypeMemory:
		if c.StoreCacheSize <= 0 {
			return fmt.Errorf("store cache size must be positive, got %d", c.StoreCacheSize)
		}
	case store.TypeBadger:
		if c.StorePath == "" {
			return errMissingStorePath
		}
	case store.TypeRedis:
		if c.RedisAddress == "" {
			return errMissingRedis
		}
		if c.RedisTTL < 0 {
			return fmt.Errorf("redis ttl must not be negative, got %s", c.RedisTTL)
		}
	default:
		return fmt.Errorf("unknown store type %q", c.StoreType)
	}
	if c.DeploymentsFile != "" {
		if _, err := os.Stat(c.DeploymentsFile); err != nil {
			return fmt.Errorf("invalid deployments file: %w", err)
		}
	}
	return nil
}

func (c *Config) Range() fheclient.Range {
	return fheclient.Range{Min: c.MinValue, Max: c.MaxValue}
}

func (c *Config) RetryPolicy() utils.RetryPolicy {
	return utils.RetryPolicy{
		MaxRetries:      c.MaxRetries,
		InitialInterval: c.RetryInitialInterval,
		Multiplier:      c.RetryMultiplier,
	}
}

func (c *Config) SessionConfig() session.Config {
	return session.Config{
		LocalChainID: c.LocalChainID,
		LocalRPCURL:  c.LocalRPCURL,
	}
}

func (c *Config) AuthorizationConfig() authorization.Config {
	return authorization.Config{DurationDays: c.DurationDays}
}

func (c *Config) OrchestratorConfig() orchestrator.Config {
	cfg := orchestrator.DefaultConfig()
	cfg.Retry = c.RetryPolicy()
	cfg.Range = c.Range()
	return cfg
}

func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Type:          store.Type(c.StoreType),
		MemorySize:    c.StoreCacheSize,
		Path:          c.StorePath,
		RedisAddress:  c.RedisAddress,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		RedisTTL:      c.RedisTTL,
		KeyPrefix:     c.StoreKeyPrefix,
	}
}
