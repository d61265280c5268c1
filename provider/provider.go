// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package provider forwards cache misses to upstream OpenAI-compatible APIs.
//
// The request body is passed through byte-exact; the proxy never rewrites
// what the client asked, it only decides whether the upstream has to be
// asked at all.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/maruel/recall/openai"
)

// APIError is a non-200 upstream reply, carried verbatim so the client gets
// exactly what the upstream said.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream replied %d: %.200s", e.StatusCode, e.Body)
}

// Provider is one upstream chat completions backend.
type Provider interface {
	// Name identifies the provider in logs and health reports.
	Name() string
	// Supports reports whether this provider should serve the model.
	Supports(model string) bool
	// Complete forwards a non-streaming request body and returns the decoded
	// response along with the upstream's exact bytes.
	Complete(ctx context.Context, raw []byte) (*openai.ChatResponse, []byte, error)
	// Stream forwards a streaming request body and returns the undecoded
	// event stream. The caller owns the closer.
	Stream(ctx context.Context, raw []byte) (io.ReadCloser, error)
}

// Registry routes requests to providers by model name. First match wins, so
// catch-all providers belong last.
type Registry struct {
	providers []Provider
}

// NewRegistry builds a registry over the providers in routing order.
func NewRegistry(providers ...Provider) *Registry {
	return &Registry{providers: providers}
}

// Add appends a provider after the existing ones.
func (r *Registry) Add(p Provider) {
	r.providers = append(r.providers, p)
}

// For picks the provider serving model.
func (r *Registry) For(model string) (Provider, error) {
	for _, p := range r.providers {
		if p.Supports(model) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no provider configured for model %q", model)
}

// Names lists the registered providers in routing order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Name())
	}
	return out
}

// Options configure one HTTP provider.
type Options struct {
	// Name tags the provider in logs and health reports.
	Name string
	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	BaseURL string `yaml:"base_url"`
	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`
	// Models lists the model name prefixes served here, e.g. ["gpt-", "o"].
	// Empty matches every model, making the provider a fallback.
	Models []string
	// Timeout bounds one blocking completion. Streaming calls are bounded by
	// the caller instead. Defaults to 60s.
	Timeout time.Duration
	// RetryMax caps retries of 429, 5xx and connection errors. Defaults to 3.
	RetryMax int `yaml:"retry_max"`
	// RetryWaitMin and RetryWaitMax bound the backoff between retries.
	// Default to 1s and 10s.
	RetryWaitMin time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max"`

	_ struct{}
}

// Validate checks for obvious errors in the fields.
func (o *Options) Validate() error {
	if o.Name == "" {
		return errors.New("provider name is required")
	}
	if !strings.HasPrefix(o.BaseURL, "http://") && !strings.HasPrefix(o.BaseURL, "https://") {
		return fmt.Errorf("provider %q base_url %q must be an http(s) URL", o.Name, o.BaseURL)
	}
	if o.Timeout < 0 || o.RetryWaitMin < 0 || o.RetryWaitMax < 0 {
		return errors.New("durations must be positive")
	}
	if o.RetryMax < 0 {
		return errors.New("retry_max must be positive")
	}
	return nil
}

// HTTP talks to one OpenAI-compatible chat completions endpoint.
type HTTP struct {
	name     string
	base     string
	key      string
	prefixes []string
	timeout  time.Duration
	c        *retryablehttp.Client
}

// New builds a provider from its options.
func New(opts *Options) (*HTTP, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	h := &HTTP{
		name:    opts.Name,
		base:    strings.TrimRight(opts.BaseURL, "/"),
		key:     opts.APIKey,
		timeout: opts.Timeout,
	}
	for _, m := range opts.Models {
		h.prefixes = append(h.prefixes, strings.ToLower(m))
	}
	if h.timeout == 0 {
		h.timeout = 60 * time.Second
	}
	c := retryablehttp.NewClient()
	c.RetryMax = opts.RetryMax
	if c.RetryMax == 0 {
		c.RetryMax = 3
	}
	c.RetryWaitMin = opts.RetryWaitMin
	if c.RetryWaitMin == 0 {
		c.RetryWaitMin = time.Second
	}
	c.RetryWaitMax = opts.RetryWaitMax
	if c.RetryWaitMax == 0 {
		c.RetryWaitMax = 10 * time.Second
	}
	c.Logger = nil
	// Keep the last response when retries run out; its status and body are
	// the client's to see.
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	h.c = c
	return h, nil
}

// Name implements Provider.
func (h *HTTP) Name() string {
	return h.name
}

// Supports implements Provider.
func (h *HTTP) Supports(model string) bool {
	if len(h.prefixes) == 0 {
		return true
	}
	m := strings.ToLower(model)
	for _, p := range h.prefixes {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return false
}

// Complete implements Provider.
func (h *HTTP) Complete(ctx context.Context, raw []byte) (*openai.ChatResponse, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	resp, err := h.roundTrip(ctx, raw)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	out := &openai.ChatResponse{}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, nil, fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return out, body, nil
}

// Stream implements Provider. The context has no added deadline; a stream
// lives as long as the client connection that asked for it.
func (h *HTTP) Stream(ctx context.Context, raw []byte) (io.ReadCloser, error) {
	resp, err := h.roundTrip(ctx, raw)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (h *HTTP) roundTrip(ctx context.Context, raw []byte) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, h.base+"/chat/completions", raw)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.key != "" {
		req.Header.Set("Authorization", "Bearer "+h.key)
	}
	resp, err := h.c.Do(req)
	if resp == nil {
		return nil, fmt.Errorf("upstream %s unreachable: %w", h.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Body: body}
	}
	return resp, nil
}
