// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package breaker tracks the health of the proxy's dependencies and picks
// the degradation mode the cache engine runs in.
//
// Every round-trip to the hot store, template store, embedder or upstream
// provider goes through a circuit breaker. When one opens, lookups keep
// working with whatever is left; the selected mode is stamped on responses.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
)

// Dep names one guarded dependency.
type Dep string

// Guarded dependencies.
const (
	Hot      Dep = "hot"
	Indexed  Dep = "indexed"
	Embedder Dep = "embedder"
	Upstream Dep = "upstream"
)

// Mode is the operating mode derived from breaker states.
type Mode string

// Modes, healthiest first.
const (
	// ModeFull is normal two-tier operation.
	ModeFull Mode = "full"
	// ModeExactOnly serves only hot-tier hits; the template store is down.
	ModeExactOnly Mode = "exact-only"
	// ModeTemplateOnly serves only template hits; the hot store is down.
	ModeTemplateOnly Mode = "template-only"
	// ModeNoSemantic scores templates without embeddings and raises the
	// admission threshold.
	ModeNoSemantic Mode = "template-without-semantic"
	// ModePassthrough forwards everything upstream; both stores are down.
	ModePassthrough Mode = "passthrough"
)

// Degraded reports whether a mode is anything less than full service.
func (m Mode) Degraded() bool {
	return m != ModeFull
}

var errSlowCall = errors.New("slow call")

var stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "recall",
	Subsystem: "breaker",
	Name:      "state",
	Help:      "Circuit breaker state per dependency: 0 closed, 1 half-open, 2 open.",
}, []string{"dep"})

// Options tune the breaker set. The zero value gets usable defaults.
type Options struct {
	// SlowCall is the duration above which a successful call is still
	// recorded as a failure. Defaults to 2s.
	SlowCall time.Duration `yaml:"slow_call"`
	// MinSamples is the number of calls required in a window before the
	// failure rate can trip the breaker. Defaults to 10.
	MinSamples uint32 `yaml:"min_samples"`

	_ struct{}
}

// Validate checks for obvious errors in the fields.
func (o *Options) Validate() error {
	if o.SlowCall < 0 {
		return errors.New("slow call threshold must be positive")
	}
	return nil
}

// Set holds one breaker per dependency.
type Set struct {
	slow     time.Duration
	breakers map[Dep]*gobreaker.CircuitBreaker[struct{}]
}

// NewSet builds the four breakers. The stores trip at a 50% failure rate,
// the upstream at 80%; open states retry after 10s (hot, embedder), 30s
// (indexed) and 60s (upstream), with 5 half-open probes each.
func NewSet(opts *Options) *Set {
	slow := opts.SlowCall
	if slow == 0 {
		slow = 2 * time.Second
	}
	minSamples := opts.MinSamples
	if minSamples == 0 {
		minSamples = 10
	}
	s := &Set{slow: slow, breakers: map[Dep]*gobreaker.CircuitBreaker[struct{}]{}}
	add := func(dep Dep, ratio float64, wait time.Duration) {
		s.breakers[dep] = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        string(dep),
			MaxRequests: 5,
			Interval:    30 * time.Second,
			Timeout:     wait,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.Requests >= minSamples && float64(c.TotalFailures)/float64(c.Requests) >= ratio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("breaker", "dep", name, "from", from.String(), "to", to.String())
				stateGauge.WithLabelValues(name).Set(float64(to))
			},
			IsSuccessful: func(err error) bool {
				// A client hanging up is not a dependency failure.
				return err == nil || errors.Is(err, context.Canceled)
			},
		})
		stateGauge.WithLabelValues(string(dep)).Set(float64(gobreaker.StateClosed))
	}
	add(Hot, 0.5, 10*time.Second)
	add(Indexed, 0.5, 30*time.Second)
	add(Embedder, 0.5, 10*time.Second)
	add(Upstream, 0.8, 60*time.Second)
	return s
}

// Do runs fn under dep's breaker. Successful calls slower than the slow-call
// threshold are recorded as failures but still return their result. With the
// breaker open, fn is not called and gobreaker.ErrOpenState is returned.
func (s *Set) Do(ctx context.Context, dep Dep, fn func(context.Context) error) error {
	cb := s.breakers[dep]
	if cb == nil {
		return fn(ctx)
	}
	var callErr error
	_, err := cb.Execute(func() (struct{}, error) {
		start := time.Now()
		callErr = fn(ctx)
		if callErr == nil && time.Since(start) > s.slow {
			return struct{}{}, errSlowCall
		}
		return struct{}{}, callErr
	})
	if errors.Is(err, errSlowCall) {
		return nil
	}
	return err
}

// Available reports whether dep's breaker currently lets calls through.
func (s *Set) Available(dep Dep) bool {
	cb := s.breakers[dep]
	return cb != nil && cb.State() != gobreaker.StateOpen
}

// Mode maps the current breaker states onto the degradation matrix.
func (s *Set) Mode() Mode {
	return ModeFor(s.Available(Hot), s.Available(Indexed), s.Available(Embedder))
}

// ModeFor maps dependency availability onto the degradation matrix. Callers
// that know a dependency was never wired pass false for it.
func ModeFor(hot, idx, emb bool) Mode {
	switch {
	case !hot && !idx:
		return ModePassthrough
	case !idx:
		return ModeExactOnly
	case !emb:
		return ModeNoSemantic
	case !hot:
		return ModeTemplateOnly
	default:
		return ModeFull
	}
}

// Health snapshots every breaker state for the health endpoint.
func (s *Set) Health() map[string]string {
	h := make(map[string]string, len(s.breakers))
	for dep, cb := range s.breakers {
		h[string(dep)] = cb.State().String()
	}
	return h
}
