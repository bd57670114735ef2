// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/luxfi/fheclient/authorization"
	"github.com/luxfi/fheclient/orchestrator"
	"github.com/luxfi/fheclient/session"
	"github.com/luxfi/fheclient/store"
	"github.com/luxfi/fheclient/utils"
)

func NewConfig(v *viper.Viper) (Config, error) {
	cfg, err := BuildConfig(v)
	if err != nil {
		return cfg, err
	}
	if err = cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("failed to validate configuration: %w", err)
	}
	return cfg, nil
}

// BuildFlagSet declares the command line flags. Every configuration key can
// also be set in the config file or the environment.
func BuildFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("fheclient", pflag.ContinueOnError)
	fs.String(ConfigFileKey, "", "Specifies the JSON config file")
	fs.Bool(VersionKey, false, "If true, prints the version and exits")
	fs.Bool(HelpKey, false, "If true, prints usage and exits")
	fs.String(LogLevelKey, defaultLogLevel, "Log level: debug, info, warn or error")
	fs.Uint64(ChainIDKey, session.DefaultLocalChainID, "Chain to run against")
	fs.String(RPCURLKey, "", "RPC endpoint of the chain and wallet")
	fs.String(RelayerURLKey, "", "Base URL of the encryption relayer")
	fs.String(StoreTypeKey, defaultStoreType, "Signature store: memory, badger or redis")
	fs.String(StorePathKey, defaultStorePath, "Directory of the badger signature store")
	fs.String(RedisAddressKey, "", "Address of the redis signature store")
	return fs
}

// BuildViper binds fs and the environment and reads the config file if one
// is given.
func BuildViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	// Map flag names to env var names. Flags are capitalized, and hyphens are replaced with underscores.
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, err
		}
	}

	filename := v.GetString(ConfigFileKey)
	if filename == "" {
		return v, nil
	}
	v.SetConfigFile(filename)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	return v, nil
}

func SetDefaultConfigValues(v *viper.Viper) {
	retry := utils.DefaultRetryPolicy()

	v.SetDefault(LogLevelKey, defaultLogLevel)
	v.SetDefault(MetricsPortKey, defaultMetricsPort)
	v.SetDefault(ChainIDKey, session.DefaultLocalChainID)
	v.SetDefault(LocalChainIDKey, session.DefaultLocalChainID)
	v.SetDefault(LocalRPCURLKey, session.DefaultLocalRPCURL)
	v.SetDefault(DurationDaysKey, authorization.DefaultDurationDays)
	v.SetDefault(MinValueKey, orchestrator.DefaultRange.Min)
	v.SetDefault(MaxValueKey, orchestrator.DefaultRange.Max)
	v.SetDefault(MaxRetriesKey, retry.MaxRetries)
	v.SetDefault(RetryInitialIntervalKey, retry.InitialInterval)
	v.SetDefault(RetryMultiplierKey, retry.Multiplier)
	v.SetDefault(StoreTypeKey, defaultStoreType)
	v.SetDefault(StoreCacheSizeKey, defaultStoreCacheSize)
	v.SetDefault(StorePathKey, defaultStorePath)
	v.SetDefault(StoreKeyPrefixKey, store.DefaultKeyPrefix)
	v.SetDefault(RedisTTLKey, time.Duration(0))
}

// BuildConfig constructs the client config using Viper.
// The following precedence order is used. Each item takes precedence over the item below it:
//  1. Flags
//  2. Environment
//  3. Config file
//  4. Defaults
func BuildConfig(v *viper.Viper) (Config, error) {
	SetDefaultConfigValues(v)

	// Unmarshal only sees keys viper knows about; env-only values need to be
	// registered first.
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to unmarshal viper config: %w", err)
	}
	return cfg, nil
}

var envKeys = []string{
	RPCURLKey,
	RelayerURLKey,
	PrivateKeyKey,
	DeploymentsFileKey,
	RedisAddressKey,
	RedisPasswordKey,
	RedisDBKey,
}

func DisplayUsageText() {
	fmt.Fprintf(os.Stderr, "Usage: fhedemo [command] --%s path/to/config.json\n", ConfigFileKey)
	fmt.Fprintf(os.Stderr, "Options:\n")
	BuildFlagSet().PrintDefaults()
}
