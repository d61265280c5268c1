// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package memhot is the in-process hot store, used when no Redis is
// configured and in tests. Entries live in a bounded LRU with per-key
// deadlines.
package memhot

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/maruel/recall/cache"
)

// Options tune the store. The zero value gets usable defaults.
type Options struct {
	// Size caps the number of entries before LRU eviction.
	Size int `yaml:"size"`
	// TTL is the coarse upper bound on entry lifetime; Set's per-key ttl is
	// enforced on top of it.
	TTL time.Duration `yaml:"ttl"`

	_ struct{}
}

// Validate checks for obvious errors in the fields.
func (o *Options) Validate() error {
	if o.Size < 0 {
		return errors.New("size must be positive")
	}
	if o.TTL < 0 {
		return errors.New("ttl must be positive")
	}
	return nil
}

type item struct {
	v *cache.CachedResponse
	// deadline is the per-key expiry; zero means the LRU TTL alone applies.
	deadline time.Time
}

// Store implements cache.HotStore in memory.
type Store struct {
	lru *expirable.LRU[string, item]
}

// New builds the store. opts may be nil for all defaults.
func New(opts *Options) (*Store, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	size := opts.Size
	if size == 0 {
		size = 4096
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Store{lru: expirable.NewLRU[string, item](size, nil, ttl)}, nil
}

// Tenant and key are joined the same way the Redis store lays out its keys,
// so debugging output lines up.
func storeKey(tenant, key string) string {
	return "cache:exact:" + tenant + ":" + key
}

func (s *Store) Get(ctx context.Context, tenant, key string) (*cache.CachedResponse, error) {
	k := storeKey(tenant, key)
	it, ok := s.lru.Get(k)
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	if !it.deadline.IsZero() && it.deadline.Before(time.Now()) {
		s.lru.Remove(k)
		return nil, cache.ErrCacheMiss
	}
	return it.v, nil
}

func (s *Store) Set(ctx context.Context, tenant, key string, v *cache.CachedResponse, ttl time.Duration) error {
	it := item{v: v}
	if ttl > 0 {
		it.deadline = time.Now().Add(ttl)
	}
	s.lru.Add(storeKey(tenant, key), it)
	return nil
}

func (s *Store) Delete(ctx context.Context, tenant, key string) error {
	s.lru.Remove(storeKey(tenant, key))
	return nil
}

func (s *Store) Clear(ctx context.Context, tenant string) error {
	prefix := storeKey(tenant, "")
	for _, k := range s.lru.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.lru.Remove(k)
		}
	}
	return nil
}

func (s *Store) Close() error {
	s.lru.Purge()
	return nil
}
