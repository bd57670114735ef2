// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package config

const (
	// Command line option keys
	ConfigFileKey = "config-file"
	VersionKey    = "version"
	HelpKey       = "help"

	// Environment variables are FHECLIENT_ followed by the key, upper-cased
	// with hyphens replaced by underscores.
	EnvPrefix = "FHECLIENT"

	// Top-level configuration keys
	LogLevelKey        = "log-level"
	MetricsPortKey     = "metrics-port"
	ChainIDKey         = "chain-id"
	LocalChainIDKey    = "local-chain-id"
	LocalRPCURLKey     = "local-rpc-url"
	RPCURLKey          = "rpc-url"
	RelayerURLKey      = "relayer-url"
	DeploymentsFileKey = "deployments-file"
	PrivateKeyKey      = "private-key"

	// Decryption authorization
	DurationDaysKey = "authorization-duration-days"

	// Encrypted input bounds and retry policy
	MinValueKey             = "min-value"
	MaxValueKey             = "max-value"
	MaxRetriesKey           = "encrypt-max-retries"
	RetryInitialIntervalKey = "encrypt-retry-initial-interval"
	RetryMultiplierKey      = "encrypt-retry-multiplier"

	// Signature store
	StoreTypeKey      = "store-type"
	StoreCacheSizeKey = "store-cache-size"
	StorePathKey      = "store-path"
	StoreKeyPrefixKey = "store-key-prefix"
	RedisAddressKey   = "redis-address"
	RedisPasswordKey  = "redis-password"
	RedisDBKey        = "redis-db"
	RedisTTLKey       = "store-redis-ttl"
)
