// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package cache implements the two-tier response cache: an exact tier keyed
// by canonical request hash and a template tier retrieved by SimHash plus
// vector similarity, fronted by guardrails and a composite scorer.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/maruel/recall/fingerprint"
)

// ErrCacheMiss is returned by stores when a key has no live value.
var ErrCacheMiss = errors.New("cache miss")

// Entry is one persisted template-tier row.
type Entry struct {
	ID              uuid.UUID
	Tenant          string
	ExactKey        string
	SimHash         uint64
	Embedding       []float32
	CanonicalPrompt string
	RawPromptHMAC   string
	RequestJSON     []byte
	ResponseJSON    []byte
	Model           string
	TempBucket      fingerprint.Bucket
	Mode            fingerprint.Mode
	ToolSchemaHash  string
	HitCount        int64
	LastHitAt       time.Time
	Golden          bool
	PIIPresent      bool
	CreatedAt       time.Time
	// ExpiresAt is zero for golden entries; they never expire.
	ExpiresAt time.Time
}

// Expired reports whether the entry must no longer be served.
func (e *Entry) Expired(now time.Time) bool {
	return !e.Golden && !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now)
}

// Age returns how long ago the entry was created, 0 when unknown.
func (e *Entry) Age(now time.Time) time.Duration {
	if e.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(e.CreatedAt)
}

// CachedResponse is the hot-tier value: the full non-streaming completion
// body plus the provenance needed to stamp response headers.
type CachedResponse struct {
	Response  []byte    `json:"response"`
	EntryID   uuid.UUID `json:"entry_id"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	Golden    bool      `json:"golden,omitempty"`
}

// Expired reports whether the value outlived its TTL. Stores enforce TTL
// themselves; this is a re-check against stale reads.
func (c *CachedResponse) Expired(now time.Time) bool {
	return !c.Golden && !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
}

// HotStore is the exact tier, a tenant-scoped key to blob mapping.
type HotStore interface {
	// Get returns ErrCacheMiss when the key is absent or expired.
	Get(ctx context.Context, tenant, key string) (*CachedResponse, error)
	Set(ctx context.Context, tenant, key string, v *CachedResponse, ttl time.Duration) error
	Delete(ctx context.Context, tenant, key string) error
	// Clear drops every value for the tenant.
	Clear(ctx context.Context, tenant string) error
	Close() error
}

// CandidateQuery selects template-tier candidates by SimHash proximity.
type CandidateQuery struct {
	Tenant string
	// SimHash is the probe fingerprint; rows within MaxHamming bits match.
	SimHash    uint64
	MaxHamming int
	Mode       fingerprint.Mode
	// Model filters rows to one exact model string. Empty matches any; the
	// model guardrail then decides per candidate.
	Model string
	Limit int

	_ struct{}
}

// StoreStats summarizes the template tier.
type StoreStats struct {
	Entries int64 `json:"entries"`
	// Active excludes expired rows awaiting the sweep.
	Active    int64 `json:"active"`
	Golden    int64 `json:"golden"`
	TotalHits int64 `json:"total_hits"`
}

// TemplateStore is the indexed tier.
type TemplateStore interface {
	// Insert persists a new entry. A duplicate exact key is ignored
	// silently; concurrent misses on one key both write and one row wins.
	Insert(ctx context.Context, e *Entry) error
	Candidates(ctx context.Context, q *CandidateQuery) ([]*Entry, error)
	// TouchHit bumps hit_count and last_hit_at. Fire-and-forget callers
	// tolerate failure.
	TouchHit(ctx context.Context, tenant string, id uuid.UUID) error
	// SearchSimilar runs a nearest-neighbor scan over embeddings.
	SearchSimilar(ctx context.Context, tenant string, vec []float32, limit int) ([]*Entry, error)
	SetGolden(ctx context.Context, tenant string, id uuid.UUID, golden bool) error
	// DeleteExpired removes non-golden rows whose expiry passed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	Stats(ctx context.Context, tenant string) (*StoreStats, error)
	Clear(ctx context.Context, tenant string) error
	Close() error
}

// Match tells which tier served a hit.
type Match string

// Match values, as emitted in the x-cache-match header.
const (
	MatchExact    Match = "exact"
	MatchTemplate Match = "template"
	MatchNone     Match = "none"
)

// Result is the outcome of a lookup.
type Result struct {
	Hit   bool
	Match Match
	// Score is 1.0 for exact hits, the composite score for template hits.
	Score       float64
	EntryID     uuid.UUID
	SourceModel string
	Age         time.Duration
	// Response is the full non-streaming completion body to serve.
	Response []byte
	// Degraded is set when any dependency forced a reduced mode for this
	// lookup; Reason names it.
	Degraded bool
	Reason   string

	_ struct{}
}
