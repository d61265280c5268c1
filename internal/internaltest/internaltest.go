// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package internaltest is awesome sauce for unit testing.
package internaltest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/maruel/recall/cache"
	"github.com/maruel/recall/embed"
	"github.com/maruel/recall/fingerprint"
	"github.com/maruel/recall/internal"
)

// Log returns a slog.Logger that redirects to testing.TB.Log() and adds it to the Context.
func Log(tb testing.TB) (context.Context, *slog.Logger) {
	l := slog.New(slog.NewTextHandler(&testWriter{t: tb}, &slog.HandlerOptions{
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case "level":
				a.Key = "l"
				a.Value = slog.StringValue(a.Value.String()[:3])
			case "source":
				a.Key = "s"
				s := a.Value.Any().(*slog.Source)
				s.File = filepath.Base(s.File)
			case "time":
				a = slog.Attr{}
			}
			return a
		},
	}))
	ctx := internal.WithLogger(tb.Context(), l)
	return ctx, l
}

// Embedder serves canned unit vectors. Unknown texts fail, so tests declare
// everything they embed.
type Embedder struct {
	dim  int
	vecs map[string][]float32
}

// NewEmbedder returns an embed.Embedder backed by the vecs map.
func NewEmbedder(dim int, vecs map[string][]float32) *Embedder {
	return &Embedder{dim: dim, vecs: vecs}
}

func (s *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	v, ok := s.vecs[text]
	if !ok {
		return nil, fmt.Errorf("no canned vector for %q", text)
	}
	return v, nil
}

func (s *Embedder) Dim() int {
	return s.dim
}

func (s *Embedder) Ready() bool {
	return true
}

// TemplateStore is an in-memory cache.TemplateStore. Candidates mirrors the
// SQL filters except expiry, which is deliberately left to the engine's
// re-check so stale-row handling gets exercised.
type TemplateStore struct {
	mu      sync.Mutex
	rows    []*cache.Entry
	queries atomic.Int32
}

// NewTemplateStore returns an empty store.
func NewTemplateStore() *TemplateStore {
	return &TemplateStore{}
}

func (m *TemplateStore) Insert(ctx context.Context, e *cache.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Tenant == e.Tenant && r.ExactKey == e.ExactKey {
			return nil
		}
	}
	c := *e
	m.rows = append(m.rows, &c)
	return nil
}

func (m *TemplateStore) Candidates(ctx context.Context, q *cache.CandidateQuery) ([]*cache.Entry, error) {
	m.queries.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*cache.Entry
	for _, r := range m.rows {
		if r.Tenant != q.Tenant || r.Mode != q.Mode {
			continue
		}
		if q.Model != "" && r.Model != q.Model {
			continue
		}
		if fingerprint.Hamming(r.SimHash, q.SimHash) > q.MaxHamming {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		hi := fingerprint.Hamming(out[i].SimHash, q.SimHash)
		hj := fingerprint.Hamming(out[j].SimHash, q.SimHash)
		if hi != hj {
			return hi < hj
		}
		return out[i].HitCount > out[j].HitCount
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *TemplateStore) TouchHit(ctx context.Context, tenant string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Tenant == tenant && r.ID == id {
			r.HitCount++
			r.LastHitAt = time.Now()
			return nil
		}
	}
	return cache.ErrCacheMiss
}

func (m *TemplateStore) SearchSimilar(ctx context.Context, tenant string, vec []float32, limit int) ([]*cache.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*cache.Entry
	for _, r := range m.rows {
		if r.Tenant != tenant || len(r.Embedding) == 0 || r.Expired(time.Now()) {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return embed.Dot(out[i].Embedding, vec) > embed.Dot(out[j].Embedding, vec)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *TemplateStore) SetGolden(ctx context.Context, tenant string, id uuid.UUID, golden bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.Tenant == tenant && r.ID == id {
			r.Golden = golden
			if golden {
				r.ExpiresAt = time.Time{}
			} else {
				r.ExpiresAt = time.Now().Add(time.Hour)
			}
			return nil
		}
	}
	return cache.ErrCacheMiss
}

func (m *TemplateStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*cache.Entry
	var n int64
	for _, r := range m.rows {
		if r.Expired(now) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return n, nil
}

func (m *TemplateStore) Stats(ctx context.Context, tenant string) (*cache.StoreStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := &cache.StoreStats{}
	now := time.Now()
	for _, r := range m.rows {
		if r.Tenant != tenant {
			continue
		}
		st.Entries++
		if !r.Expired(now) {
			st.Active++
		}
		if r.Golden {
			st.Golden++
		}
		st.TotalHits += r.HitCount
	}
	return st, nil
}

func (m *TemplateStore) Clear(ctx context.Context, tenant string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []*cache.Entry
	for _, r := range m.rows {
		if r.Tenant != tenant {
			kept = append(kept, r)
		}
	}
	m.rows = kept
	return nil
}

func (m *TemplateStore) Close() error {
	return nil
}

// Count returns the number of rows, expired included.
func (m *TemplateStore) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Queries returns how many candidate queries ran.
func (m *TemplateStore) Queries() int32 {
	return m.queries.Load()
}

// FirstID returns the id of the oldest row, uuid.Nil when empty.
func (m *TemplateStore) FirstID() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.rows) == 0 {
		return uuid.Nil
	}
	return m.rows[0].ID
}

//

// testWriter wraps t.Log() to implement io.Writer
type testWriter struct {
	t testing.TB
}

func (tw *testWriter) Write(p []byte) (n int, err error) {
	// Sadly the log output is attributed to this line.
	tw.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}
