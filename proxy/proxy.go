// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package proxy is the OpenAI-compatible HTTP front. It answers chat
// completions from the cache when it can, forwards to the configured
// upstream when it cannot, and exposes the operational endpoints.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maruel/recall/breaker"
	"github.com/maruel/recall/cache"
	"github.com/maruel/recall/fingerprint"
	"github.com/maruel/recall/internal"
	"github.com/maruel/recall/openai"
	"github.com/maruel/recall/provider"
	"github.com/maruel/recall/stream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"
)

// Request headers steering the cache per call.
const (
	HeaderTenant     = "x-tenant-id"
	HeaderBypass     = "x-cache-bypass"
	HeaderStore      = "x-cache-store"
	HeaderMode       = "x-cache-mode"
	HeaderCompat     = "x-model-compat"
	HeaderExperiment = "x-cache-experiment"
)

// Response headers reporting what the cache did.
const (
	HeaderHit            = "x-cache-hit"
	HeaderMatch          = "x-cache-match"
	HeaderScore          = "x-cache-score"
	HeaderProvenance     = "x-cache-provenance"
	HeaderSourceModel    = "x-cache-source-model"
	HeaderAge            = "x-cache-age"
	HeaderDegraded       = "x-cache-degraded"
	HeaderDegradedReason = "x-cache-degraded-reason"
)

var metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "recall", Subsystem: "http", Name: "requests_total",
	Help: "HTTP requests served, by route and status code.",
}, []string{"route", "code"})

// Options configure the HTTP server.
type Options struct {
	// Addr is the listen address, e.g. "localhost:8080" or ":8080".
	Addr string
	// MaxBody caps accepted request bodies. Defaults to 10MiB.
	MaxBody int64 `yaml:"max_body"`
	// ShutdownGrace bounds how long in-flight requests may run after the stop
	// signal. Defaults to 10s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	_ struct{}
}

// Validate checks for obvious errors in the fields.
func (o *Options) Validate() error {
	if o.MaxBody < 0 {
		return errors.New("max_body must be positive")
	}
	if o.ShutdownGrace < 0 {
		return errors.New("shutdown_grace must be positive")
	}
	return nil
}

// Server glues the cache engine, the provider registry and the replayer
// behind the HTTP surface.
type Server struct {
	eng   *cache.Engine
	reg   *provider.Registry
	rep   *stream.Replayer
	brk   *breaker.Set
	opts  Options
	start time.Time
}

// New builds the server. opts may be nil for all defaults.
func New(eng *cache.Engine, reg *provider.Registry, rep *stream.Replayer, brk *breaker.Set, opts *Options) (*Server, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	o := *opts
	if o.Addr == "" {
		o.Addr = "localhost:8080"
	}
	if o.MaxBody == 0 {
		o.MaxBody = 10 << 20
	}
	if o.ShutdownGrace == 0 {
		o.ShutdownGrace = 10 * time.Second
	}
	if rep == nil {
		var err error
		if rep, err = stream.NewReplayer(nil); err != nil {
			return nil, err
		}
	}
	if brk == nil {
		brk = breaker.NewSet(&breaker.Options{})
	}
	return &Server{eng: eng, reg: reg, rep: rep, brk: brk, opts: o, start: time.Now()}, nil
}

// Handler returns the routed HTTP surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChat)
	mux.HandleFunc("GET /v1/cache/stats", s.handleStats)
	mux.HandleFunc("POST /v1/cache/clear", s.handleClear)
	mux.HandleFunc("GET /v1/cache/search", s.handleSearch)
	mux.HandleFunc("POST /v1/cache/golden/{id}", s.handleGolden)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return s.observe(mux)
}

// Serve listens until ctx is canceled, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	internal.Logger(ctx).Info("proxy", "msg", "listening", "addr", s.opts.Addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBody))
	if err != nil {
		writeAPIError(w, http.StatusRequestEntityTooLarge, &openai.Error{Message: "request body too large", Type: "invalid_request_error"})
		return
	}
	req := &openai.ChatRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeAPIError(w, http.StatusBadRequest, &openai.Error{Message: "invalid request body: " + err.Error(), Type: "invalid_request_error"})
		return
	}
	if err := req.Validate(); err != nil {
		oe := &openai.Error{}
		if !errors.As(err, &oe) {
			oe = &openai.Error{Message: err.Error(), Type: "invalid_request_error"}
		}
		writeAPIError(w, http.StatusBadRequest, oe)
		return
	}
	ctl := parseControl(r.Header)
	p, err := s.eng.Prepare(tenantOf(r), req, body)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, &openai.Error{Message: err.Error(), Type: "invalid_request_error"})
		return
	}
	res := s.eng.Lookup(ctx, p, ctl)
	stampCache(w.Header(), res, ctl)
	if res.Hit {
		if req.Stream {
			s.replayHit(w, r, p, res)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(res.Response)
		return
	}
	s.forward(w, r, p, req, ctl)
}

// replayHit streams a cached response back as the chunk sequence the client
// asked for.
func (s *Server) replayHit(w http.ResponseWriter, r *http.Request, p *cache.Probe, res *cache.Result) {
	resp := &openai.ChatResponse{}
	if err := json.Unmarshal(res.Response, resp); err != nil {
		internal.Logger(r.Context()).Warn("proxy", "op", "replay", "id", res.EntryID, "err", err)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(res.Response)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	err := s.rep.Replay(r.Context(), p.FP.ExactKey, resp, func(c *openai.ChatChunk) error {
		if err := openai.WriteEvent(w, c); err != nil {
			return err
		}
		if f != nil {
			f.Flush()
		}
		return nil
	})
	if err != nil {
		// The stream is already broken, there is nobody left to tell.
		internal.Logger(r.Context()).Warn("proxy", "op", "replay", "id", res.EntryID, "err", err)
		return
	}
	_ = openai.WriteDone(w)
	if f != nil {
		f.Flush()
	}
}

// forward sends a miss upstream, returns the reply and schedules
// write-through.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, p *cache.Probe, req *openai.ChatRequest, ctl cache.Control) {
	ctx := r.Context()
	prov, err := s.reg.For(req.Model)
	if err != nil {
		writeAPIError(w, http.StatusBadGateway, &openai.Error{Message: err.Error(), Type: "api_error"})
		return
	}
	if req.Stream {
		s.forwardStream(w, r, p, ctl, prov)
		return
	}
	var parsed *openai.ChatResponse
	var raw []byte
	var clientFault error
	err = s.brk.Do(ctx, breaker.Upstream, func(ctx context.Context) error {
		var err error
		parsed, raw, err = prov.Complete(ctx, p.Raw)
		if err != nil && !upstreamFault(err) {
			clientFault = err
			return nil
		}
		return err
	})
	if err == nil {
		err = clientFault
	}
	if err != nil {
		writeUpstreamError(w, r, prov, err)
		return
	}
	if ctl.Store {
		s.eng.Store(p, raw, parsed.Model)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

// forwardStream pipes the upstream event stream to the client byte-exact
// while buffering a copy; a complete stream is reassembled and written
// through, a cut one is discarded.
func (s *Server) forwardStream(w http.ResponseWriter, r *http.Request, p *cache.Probe, ctl cache.Control, prov provider.Provider) {
	ctx := r.Context()
	var rc io.ReadCloser
	var clientFault error
	err := s.brk.Do(ctx, breaker.Upstream, func(ctx context.Context) error {
		var err error
		rc, err = prov.Stream(ctx, p.Raw)
		if err != nil && !upstreamFault(err) {
			clientFault = err
			return nil
		}
		return err
	})
	if err == nil {
		err = clientFault
	}
	if err != nil {
		writeUpstreamError(w, r, prov, err)
		return
	}
	defer rc.Close()
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f, _ := w.(http.Flusher)
	captured := bytes.Buffer{}
	buf := make([]byte, 4096)
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			captured.Write(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away; the partial buffer must not be cached.
				return
			}
			if f != nil {
				f.Flush()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			internal.Logger(ctx).Warn("proxy", "op", "passthrough", "err", rerr)
			return
		}
	}
	if ctx.Err() != nil || !ctl.Store {
		return
	}
	s.storeStream(ctx, p, captured.Bytes())
}

// storeStream folds captured passthrough events back into a response and
// schedules write-through. Streams that never finished yield nothing.
func (s *Server) storeStream(ctx context.Context, p *cache.Probe, events []byte) {
	c := stream.Collector{}
	err := openai.ReadStream(bytes.NewReader(events), func(data []byte) error {
		chunk, err := openai.DecodeChunk(data)
		if err != nil {
			return err
		}
		c.Add(chunk)
		return nil
	})
	if err != nil {
		internal.Logger(ctx).Warn("proxy", "op", "reassemble", "err", err)
		return
	}
	resp := c.Response()
	if resp == nil {
		return
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.eng.Store(p, b, resp.Model)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Stats(r.Context(), tenantOf(r)))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Clear(r.Context(), tenantOf(r)); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// searchHit is the redacted view of an entry; only the masked prompt ever
// leaves the store.
type searchHit struct {
	ID        uuid.UUID `json:"id"`
	Model     string    `json:"model"`
	Mode      string    `json:"mode"`
	Prompt    string    `json:"canonical_prompt"`
	HitCount  int64     `json:"hit_count"`
	Golden    bool      `json:"golden,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q is required"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.eng.Search(r.Context(), tenantOf(r), q, limit)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, cache.ErrNotReady) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}
	out := make([]searchHit, 0, len(rows))
	for _, e := range rows {
		out = append(out, searchHit{
			ID:        e.ID,
			Model:     e.Model,
			Mode:      string(e.Mode),
			Prompt:    e.CanonicalPrompt,
			HitCount:  e.HitCount,
			Golden:    e.Golden,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGolden(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid entry id"})
		return
	}
	in := struct {
		Golden *bool `json:"golden"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	golden := in.Golden == nil || *in.Golden
	if err := s.eng.SetGolden(r.Context(), tenantOf(r), id, golden); err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, cache.ErrCacheMiss):
			code = http.StatusNotFound
		case errors.Is(err, cache.ErrNotReady):
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "golden": golden})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mode := s.eng.Mode()
	status := "ok"
	if mode.Degraded() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, struct {
		Status    string            `json:"status"`
		Mode      string            `json:"mode"`
		Breakers  map[string]string `json:"breakers"`
		Providers []string          `json:"providers"`
		Uptime    string            `json:"uptime"`
		Commit    string            `json:"commit,omitempty"`
	}{
		Status:    status,
		Mode:      string(mode),
		Breakers:  s.brk.Health(),
		Providers: s.reg.Names(),
		Uptime:    time.Since(s.start).Round(time.Second).String(),
		Commit:    internal.Commit(),
	})
}

// observe wraps the mux with request logging and the request counter.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := internal.Logger(r.Context()).With("method", r.Method, "path", r.URL.Path)
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r.WithContext(internal.WithLogger(r.Context(), l)))
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metricRequests.WithLabelValues(route, strconv.Itoa(sw.status)).Inc()
		l.Info("http",
			"status", sw.status,
			"dur", time.Since(start).Round(time.Millisecond),
			"hit", sw.Header().Get(HeaderHit),
			"match", sw.Header().Get(HeaderMatch))
	})
}

// statusWriter captures the status code and keeps Flush working for the
// streaming paths.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusWriter) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

//

func tenantOf(r *http.Request) string {
	if t := strings.TrimSpace(r.Header.Get(HeaderTenant)); t != "" {
		return t
	}
	return "default"
}

func parseControl(h http.Header) cache.Control {
	ctl := cache.DefaultControl()
	ctl.Bypass = cache.ParseBool(h.Get(HeaderBypass), false)
	ctl.Store = cache.ParseBool(h.Get(HeaderStore), true)
	ctl.SetTiers(strings.ToLower(strings.TrimSpace(h.Get(HeaderMode))))
	if v := h.Get(HeaderCompat); v != "" {
		ctl.Compat = fingerprint.ParseCompatPolicy(v)
	}
	ctl.Experiment = strings.TrimSpace(h.Get(HeaderExperiment))
	return ctl
}

func stampCache(h http.Header, res *cache.Result, ctl cache.Control) {
	h.Set(HeaderHit, strconv.FormatBool(res.Hit))
	h.Set(HeaderMatch, string(res.Match))
	if res.Hit {
		h.Set(HeaderScore, strconv.FormatFloat(res.Score, 'f', 3, 64))
		h.Set(HeaderProvenance, res.EntryID.String())
		h.Set(HeaderSourceModel, res.SourceModel)
		h.Set(HeaderAge, strconv.FormatInt(int64(res.Age/time.Second), 10))
	}
	if res.Degraded {
		h.Set(HeaderDegraded, "true")
		h.Set(HeaderDegradedReason, res.Reason)
	}
	if ctl.Experiment != "" {
		h.Set(HeaderExperiment, ctl.Experiment)
	}
}

// upstreamFault reports whether err counts against the upstream breaker.
// 4xx replies are the client's fault; 429 and 5xx mean the upstream is in
// trouble.
func upstreamFault(err error) bool {
	apiErr := &provider.APIError{}
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return true
}

// writeUpstreamError translates a forward failure: upstream replies pass
// through verbatim, a tripped breaker answers 503, anything else 502.
func writeUpstreamError(w http.ResponseWriter, r *http.Request, prov provider.Provider, err error) {
	apiErr := &provider.APIError{}
	if errors.As(err, &apiErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(apiErr.StatusCode)
		_, _ = w.Write(apiErr.Body)
		return
	}
	internal.Logger(r.Context()).Warn("proxy", "op", "forward", "provider", prov.Name(), "err", err)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		writeAPIError(w, http.StatusServiceUnavailable, &openai.Error{
			Message: fmt.Sprintf("upstream %s is unavailable, retry later", prov.Name()),
			Type:    "api_error",
		})
		return
	}
	writeAPIError(w, http.StatusBadGateway, &openai.Error{
		Message: fmt.Sprintf("upstream %s failed: %s", prov.Name(), err),
		Type:    "api_error",
	})
}

func writeAPIError(w http.ResponseWriter, status int, e *openai.Error) {
	writeJSON(w, status, &openai.ErrorResponse{Error: e})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("proxy", "op", "encode", "err", err)
	}
}
