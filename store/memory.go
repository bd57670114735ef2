// Copyright (C) 2025, Lux Industries, Inc.
// See the file LICENSE for licensing terms.

package store

import (
	"context"

	"github.com/luxfi/fheclient/cache"
)

const DefaultMemorySize = 1024

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps the most recently used entries in process memory.
type MemoryStore struct {
	entries *cache.LRUCache[string, []byte]
}

func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemorySize
	}
	entries, err := cache.NewLRUCache[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{entries: entries}, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := s.entries.Peek(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.entries.Put(key, append([]byte(nil), value...))
	return nil
}
