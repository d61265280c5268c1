// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package redishot is the Redis-backed hot store. Values are the JSON,
// gzipped hot-tier payload under "cache:exact:<tenant>:<key>"; Redis TTL
// enforces expiry and the server's LFU policy handles memory pressure.
package redishot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/maruel/recall/cache"
	"github.com/maruel/recall/internal"
	"github.com/redis/go-redis/v9"
)

// Options configure the Redis connection.
type Options struct {
	// Addr is the host:port of the Redis server. Empty disables the store.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	_ struct{}
}

// Validate checks for obvious errors in the fields.
func (o *Options) Validate() error {
	if o.Addr != "" && !internal.IsHostPort(o.Addr) {
		return fmt.Errorf("addr %q is not a valid host:port", o.Addr)
	}
	if o.DB < 0 {
		return errors.New("db must be positive")
	}
	return nil
}

// Store implements cache.HotStore on Redis.
type Store struct {
	c       *redis.Client
	writers sync.Pool
}

// New connects and pings the server. Returns nil, nil when no Addr is
// configured.
func New(ctx context.Context, opts *Options) (*Store, error) {
	if opts == nil || opts.Addr == "" {
		return nil, nil
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	s := &Store{c: c}
	s.writers.New = func() any {
		return gzip.NewWriter(io.Discard)
	}
	return s, nil
}

func storeKey(tenant, key string) string {
	return "cache:exact:" + tenant + ":" + key
}

// gzip magic bytes, to recognize compressed values from older writers that
// stored plain JSON.
var gzMagic = []byte{0x1f, 0x8b}

func (s *Store) Get(ctx context.Context, tenant, key string) (*cache.CachedResponse, error) {
	b, err := s.c.Get(ctx, storeKey(tenant, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, cache.ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	if bytes.HasPrefix(b, gzMagic) {
		r, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress value: %w", err)
		}
		if b, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("failed to decompress value: %w", err)
		}
		if err = r.Close(); err != nil {
			return nil, fmt.Errorf("failed to decompress value: %w", err)
		}
	}
	v := &cache.CachedResponse{}
	if err := json.Unmarshal(b, v); err != nil {
		return nil, fmt.Errorf("failed to decode cached value: %w", err)
	}
	return v, nil
}

func (s *Store) Set(ctx context.Context, tenant, key string, v *cache.CachedResponse, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cached value: %w", err)
	}
	buf := bytes.Buffer{}
	w := s.writers.Get().(*gzip.Writer)
	w.Reset(&buf)
	if _, err = w.Write(raw); err == nil {
		err = w.Close()
	}
	s.writers.Put(w)
	if err != nil {
		return fmt.Errorf("failed to compress value: %w", err)
	}
	if err := s.c.Set(ctx, storeKey(tenant, key), buf.Bytes(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, tenant, key string) error {
	if err := s.c.Del(ctx, storeKey(tenant, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// Clear scans and deletes the tenant's keys in batches.
func (s *Store) Clear(ctx context.Context, tenant string) error {
	match := storeKey(tenant, "*")
	var cursor uint64
	for {
		keys, next, err := s.c.Scan(ctx, cursor, match, 500).Result()
		if err != nil {
			return fmt.Errorf("failed to scan redis: %w", err)
		}
		if len(keys) != 0 {
			if err := s.c.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("failed to delete from redis: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *Store) Close() error {
	return s.c.Close()
}
