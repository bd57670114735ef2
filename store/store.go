// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

// Package store persists signed decryption authorizations. Values are opaque
// to the store. Writes are last-write-wins and keys are never shared between
// users, so no cross-process locking is done.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var errClosed = errors.New("store closed")

// Store is a key/value store for serialized authorizations.
type Store interface {
	// Get returns the value for key. A missing key is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Type names a Store implementation in configuration.
type Type string

const (
	TypeMemory Type = "memory"
	TypeBadger Type = "badger"
	TypeRedis  Type = "redis"
)

// Config selects and configures a Store.
type Config struct {
	Type          Type
	MemorySize    int
	Path          string
	RedisAddress  string
	RedisPassword string
	RedisDB       int
	// RedisTTL expires redis entries. Zero keeps them until overwritten.
	RedisTTL  time.Duration
	KeyPrefix string
}

// New builds the store described by cfg. The returned close function releases
// any underlying resources.
func New(cfg Config) (Store, func() error, error) {
	switch cfg.Type {
	case TypeMemory, "":
		s, err := NewMemoryStore(cfg.MemorySize)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	case TypeBadger:
		s, err := NewBadgerStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case TypeRedis:
		s := NewRedisStore(NewRedisClient(cfg.RedisAddress, cfg.RedisPassword, cfg.RedisDB), cfg.KeyPrefix).
			WithTTL(cfg.RedisTTL)
		return s, s.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
