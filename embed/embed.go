// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package embed turns prompt text into vectors via an OpenAI-compatible
// embeddings server.
//
// Vectors are always computed over the raw prompt, never the masked one:
// masking collapses distinct URLs and IDs into identical placeholders, and
// the embedding is precisely what tells "summarize article A" apart from
// "summarize article B".
package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/maruel/httpjson"
)

// Embedder is the contract the cache engine consumes.
type Embedder interface {
	// Embed returns the L2-normalized vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dim is the fixed vector dimension, invariant after start-up.
	Dim() int
	// Ready reports whether the embedder can serve calls.
	Ready() bool
}

// Options for New.
type Options struct {
	// Remote is the base URL of an OpenAI-compatible embeddings server, e.g.
	// a llama.cpp server started with --embedding. Empty disables semantic
	// scoring.
	Remote string
	// Model is sent in requests; single-model servers ignore it.
	Model string
	// Dim is the expected vector dimension. Responses of any other dimension
	// are rejected.
	Dim int
	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`
	// Timeout bounds one embedding call. Defaults to 2s.
	Timeout time.Duration

	_ struct{}
}

// Validate checks for obvious errors in the fields.
func (o *Options) Validate() error {
	if o.Remote == "" {
		return nil
	}
	if !strings.HasPrefix(o.Remote, "http://") && !strings.HasPrefix(o.Remote, "https://") {
		return fmt.Errorf("embedding remote %q must be an http(s) URL", o.Remote)
	}
	if o.Dim <= 0 {
		return errors.New("embedding dim is required when a remote is set")
	}
	if o.Timeout < 0 {
		return errors.New("embedding timeout must be positive")
	}
	return nil
}

// Client is an Embedder backed by a POST /v1/embeddings endpoint.
type Client struct {
	baseURL string
	model   string
	dim     int
	timeout time.Duration
	hdr     http.Header
}

// New returns a client, or nil when no remote is configured.
func New(opts *Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Remote == "" {
		return nil, nil
	}
	c := &Client{
		baseURL: strings.TrimRight(opts.Remote, "/"),
		model:   opts.Model,
		dim:     opts.Dim,
		timeout: opts.Timeout,
	}
	if c.timeout == 0 {
		c.timeout = 2 * time.Second
	}
	if opts.APIKey != "" {
		c.hdr = http.Header{"Authorization": {"Bearer " + opts.APIKey}}
	}
	return c, nil
}

type embeddingRequest struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Object string `json:"object"`
	Data   []struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed implements Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	in := embeddingRequest{Model: c.model, Input: text}
	out := embeddingResponse{}
	if err := httpjson.DefaultClient.Post(ctx, c.baseURL+"/v1/embeddings", c.hdr, &in, &out); err != nil {
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}
	if len(out.Data) != 1 {
		return nil, fmt.Errorf("embedding server returned %d vectors, expected 1", len(out.Data))
	}
	v := out.Data[0].Embedding
	if len(v) != c.dim {
		return nil, fmt.Errorf("embedding dimension %d, expected %d", len(v), c.dim)
	}
	Normalize(v)
	return v, nil
}

// Dim implements Embedder.
func (c *Client) Dim() int {
	return c.dim
}

// Ready implements Embedder.
func (c *Client) Ready() bool {
	return c != nil && c.baseURL != ""
}

// Normalize scales v to unit L2 norm in place. A zero vector is left alone.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

// Dot is the inner product, which equals the cosine similarity for unit
// vectors. Mismatched dimensions score 0.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
