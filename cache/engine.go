// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/maruel/recall/breaker"
	"github.com/maruel/recall/embed"
	"github.com/maruel/recall/fingerprint"
	"github.com/maruel/recall/openai"
)

// ErrNotReady is returned by operations whose backing dependency is not
// configured or not available.
var ErrNotReady = errors.New("not ready")

// Options configure the cache engine.
type Options struct {
	// Tau is the composite-score admission threshold for template hits.
	Tau float64 `yaml:"tau"`
	// MaxHamming bounds the SimHash distance of template candidates.
	MaxHamming int `yaml:"max_hamming"`
	// CandidateLimit caps rows fetched per template lookup.
	CandidateLimit int `yaml:"candidate_limit"`
	// TTL is the default entry lifetime. TTLByFamily overrides it per model
	// family.
	TTL         time.Duration            `yaml:"ttl"`
	TTLByFamily map[string]time.Duration `yaml:"ttl_by_family"`
	// Compat is the default model guardrail policy: strict, family or any.
	Compat string `yaml:"compat"`
	// HMACSecret keys the stored raw prompt digest when set.
	HMACSecret string `yaml:"hmac_secret"`
	// PrivacyMode stops the raw request blob from being persisted; only the
	// sampling parameters needed for scoring are kept.
	PrivacyMode bool `yaml:"privacy_mode"`
	// SweepInterval spaces TTL sweeps of the template store. 0 disables the
	// sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// WriteWorkers and WriteQueue size the async write-through pool.
	WriteWorkers int `yaml:"write_workers"`
	WriteQueue   int `yaml:"write_queue"`
	// Per-dependency call deadlines.
	HotTimeout     time.Duration `yaml:"hot_timeout"`
	IndexedTimeout time.Duration `yaml:"indexed_timeout"`
	EmbedTimeout   time.Duration `yaml:"embed_timeout"`

	_ struct{}
}

// Validate checks for obvious errors in the fields.
func (o *Options) Validate() error {
	if o.Tau < 0 || o.Tau > 1 {
		return errors.New("tau must be within [0, 1]")
	}
	if o.MaxHamming < 0 || o.MaxHamming > 64 {
		return errors.New("max_hamming must be within [0, 64]")
	}
	if o.CandidateLimit < 0 {
		return errors.New("candidate_limit must be positive")
	}
	if o.TTL < 0 || o.SweepInterval < 0 {
		return errors.New("durations must be positive")
	}
	if o.WriteWorkers < 0 || o.WriteQueue < 0 {
		return errors.New("write pool sizes must be positive")
	}
	if o.Compat != "" {
		switch fingerprint.CompatPolicy(o.Compat) {
		case fingerprint.CompatStrict, fingerprint.CompatFamily, fingerprint.CompatAny:
		default:
			return fmt.Errorf("unknown compat policy %q", o.Compat)
		}
	}
	return nil
}

// Probe is a prepared request: parsed body, fingerprint and, once the
// template path ran, its embedding. It is handed back to Store after an
// upstream miss so nothing is derived twice.
type Probe struct {
	Tenant string
	Req    *openai.ChatRequest
	Raw    []byte
	FP     *fingerprint.Fingerprint
	// Embedding is filled lazily by the template path and reused by
	// write-through.
	Embedding []float32

	_ struct{}
}

// Engine owns the two tiers and runs the lookup and write-through paths.
// The stores and embedder are injected; any of them may be nil, the engine
// then skips the paths that need them.
type Engine struct {
	hot    HotStore
	tmpl   TemplateStore
	emb    embed.Embedder
	brk    *breaker.Set
	opts   Options
	compat fingerprint.CompatPolicy
	secret []byte

	tasks  chan func(context.Context)
	wg     sync.WaitGroup
	cancel context.CancelFunc
	closed atomic.Bool

	exactHits    atomic.Uint64
	templateHits atomic.Uint64
	misses       atomic.Uint64
	bypasses     atomic.Uint64
	drops        atomic.Uint64
}

// New builds an engine. opts may be nil for all defaults.
func New(hot HotStore, tmpl TemplateStore, emb embed.Embedder, brk *breaker.Set, opts *Options) (*Engine, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	o := *opts
	if o.Tau == 0 {
		o.Tau = 0.87
	}
	if o.MaxHamming == 0 {
		o.MaxHamming = 6
	}
	if o.CandidateLimit == 0 {
		o.CandidateLimit = 100
	}
	if o.TTL == 0 {
		o.TTL = 24 * time.Hour
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.WriteWorkers == 0 {
		o.WriteWorkers = 4
	}
	if o.WriteQueue == 0 {
		o.WriteQueue = 256
	}
	if o.HotTimeout == 0 {
		o.HotTimeout = 5 * time.Second
	}
	if o.IndexedTimeout == 0 {
		o.IndexedTimeout = 10 * time.Second
	}
	if o.EmbedTimeout == 0 {
		o.EmbedTimeout = 2 * time.Second
	}
	if brk == nil {
		brk = breaker.NewSet(&breaker.Options{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		hot:    hot,
		tmpl:   tmpl,
		emb:    emb,
		brk:    brk,
		opts:   o,
		compat: fingerprint.ParseCompatPolicy(o.Compat),
		tasks:  make(chan func(context.Context), o.WriteQueue),
		cancel: cancel,
	}
	if o.HMACSecret != "" {
		e.secret = []byte(o.HMACSecret)
	}
	for range o.WriteWorkers {
		e.wg.Add(1)
		go e.worker()
	}
	if tmpl != nil && o.SweepInterval > 0 {
		e.wg.Add(1)
		go e.sweep(ctx)
	}
	return e, nil
}

// Close stops the sweep and drains the write queue. The stores themselves
// are closed by their owner.
func (e *Engine) Close() error {
	e.cancel()
	if !e.closed.Swap(true) {
		close(e.tasks)
	}
	e.wg.Wait()
	return nil
}

// Prepare derives the fingerprint bundle for one request. Pure CPU.
func (e *Engine) Prepare(tenant string, req *openai.ChatRequest, raw []byte) (*Probe, error) {
	fp, err := fingerprint.Compute(req, raw, e.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint request: %w", err)
	}
	return &Probe{Tenant: tenant, Req: req, Raw: raw, FP: fp}, nil
}

// Lookup runs the two-tier match: exact first, then template candidates
// filtered by guardrails and the composite scorer. It never fails; every
// dependency error degrades to the next path and is recorded with the
// breakers.
func (e *Engine) Lookup(ctx context.Context, p *Probe, ctl Control) *Result {
	start := time.Now()
	res := &Result{Match: MatchNone}
	if mode := e.brk.Mode(); mode.Degraded() {
		res.Degraded = true
		res.Reason = string(mode)
		metricDegraded.WithLabelValues(string(mode)).Inc()
	}
	if ctl.Bypass {
		e.bypasses.Add(1)
		metricLookup.WithLabelValues("bypass").Observe(time.Since(start).Seconds())
		return res
	}
	now := time.Now()
	if ctl.Exact && e.exactLookup(ctx, p, res, now) {
		metricLookup.WithLabelValues("exact").Observe(time.Since(start).Seconds())
		return res
	}
	if ctl.Template && e.templateLookup(ctx, p, ctl, res, now) {
		metricLookup.WithLabelValues("template").Observe(time.Since(start).Seconds())
		return res
	}
	e.misses.Add(1)
	metricMisses.Inc()
	metricLookup.WithLabelValues("miss").Observe(time.Since(start).Seconds())
	return res
}

func (e *Engine) exactLookup(ctx context.Context, p *Probe, res *Result, now time.Time) bool {
	if e.hot == nil || !e.brk.Available(breaker.Hot) {
		return false
	}
	var v *CachedResponse
	err := e.brk.Do(ctx, breaker.Hot, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.opts.HotTimeout)
		defer cancel()
		got, err := e.hot.Get(ctx, p.Tenant, p.FP.ExactKey)
		if err != nil {
			// A miss is not a dependency failure.
			if errors.Is(err, ErrCacheMiss) {
				return nil
			}
			return err
		}
		v = got
		return nil
	})
	if err != nil {
		slog.Warn("cache", "op", "hot get", "tenant", p.Tenant, "err", err)
		return false
	}
	if v == nil || v.Expired(now) {
		return false
	}
	e.exactHits.Add(1)
	metricHits.WithLabelValues("exact").Inc()
	res.Hit = true
	res.Match = MatchExact
	res.Score = 1
	res.EntryID = v.EntryID
	res.SourceModel = v.Model
	if !v.CreatedAt.IsZero() {
		res.Age = now.Sub(v.CreatedAt)
	}
	res.Response = v.Response
	if v.EntryID != uuid.Nil {
		e.touchAsync(p.Tenant, v.EntryID)
	}
	return true
}

func (e *Engine) templateLookup(ctx context.Context, p *Probe, ctl Control, res *Result, now time.Time) bool {
	if e.tmpl == nil || !e.brk.Available(breaker.Indexed) {
		return false
	}
	fp := p.FP
	var schema *jsonschema.Resolved
	if fp.Mode == fingerprint.ModeJSONSchema {
		s, err := resolveSchema(p.Req)
		if err != nil {
			// Candidate compliance cannot be checked, so none may be served.
			slog.Warn("cache", "op", "schema", "err", err)
			return false
		}
		schema = s
	}
	if len(p.Embedding) == 0 {
		e.embedProbe(ctx, p)
	}
	semantic := len(p.Embedding) > 0
	if !semantic && !res.Degraded {
		res.Degraded = true
		res.Reason = string(breaker.ModeNoSemantic)
		metricDegraded.WithLabelValues(res.Reason).Inc()
	}
	policy := ctl.Compat
	if policy == "" {
		policy = e.compat
	}
	q := &CandidateQuery{
		Tenant:     p.Tenant,
		SimHash:    fp.SimHash,
		MaxHamming: e.opts.MaxHamming,
		Mode:       fp.Mode,
		Limit:      e.opts.CandidateLimit,
	}
	// Under the strict policy the store can filter by model; family and any
	// leave it to the guardrail.
	if policy == fingerprint.CompatStrict {
		q.Model = fp.Model
	}
	var rows []*Entry
	err := e.brk.Do(ctx, breaker.Indexed, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.opts.IndexedTimeout)
		defer cancel()
		var err error
		rows, err = e.tmpl.Candidates(ctx, q)
		return err
	})
	if err != nil {
		slog.Warn("cache", "op", "candidates", "tenant", p.Tenant, "err", err)
		return false
	}
	tau := e.opts.Tau
	if !semantic {
		tau += 0.05
	}
	admitted := make([]scored, 0, len(rows))
	for _, row := range rows {
		if g := checkGuards(fp, policy, schema, row, now); g != "" {
			metricGuardDrops.WithLabelValues(g).Inc()
			continue
		}
		s, sem := composite(fp, p.Req.TopP, p.Embedding, row, now)
		if s < tau {
			metricBelowThreshold.Inc()
			continue
		}
		admitted = append(admitted, scored{entry: row, score: s, semantic: sem})
	}
	win := best(admitted)
	if win == nil {
		return false
	}
	e.templateHits.Add(1)
	metricHits.WithLabelValues("template").Inc()
	res.Hit = true
	res.Match = MatchTemplate
	res.Score = win.score
	res.EntryID = win.entry.ID
	res.SourceModel = win.entry.Model
	res.Age = win.entry.Age(now)
	res.Response = win.entry.ResponseJSON
	e.touchAsync(p.Tenant, win.entry.ID)
	return true
}

// embedProbe fills p.Embedding from the configured embedder, leaving it nil
// on any failure so scoring falls back to the structural components.
func (e *Engine) embedProbe(ctx context.Context, p *Probe) {
	if e.emb == nil || !e.emb.Ready() || !e.brk.Available(breaker.Embedder) {
		return
	}
	err := e.brk.Do(ctx, breaker.Embedder, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.opts.EmbedTimeout)
		defer cancel()
		v, err := e.emb.Embed(ctx, p.FP.PromptText)
		if err != nil {
			return err
		}
		p.Embedding = v
		return nil
	})
	if err != nil {
		slog.Warn("cache", "op", "embed", "err", err)
	}
}

// Store schedules write-through of a fresh upstream response. It returns
// immediately; the writes run on the worker pool and never block or fail the
// client response. model is the model string reported by the upstream.
func (e *Engine) Store(p *Probe, response []byte, model string) {
	if len(response) == 0 {
		return
	}
	e.enqueue(func(ctx context.Context) {
		e.writeThrough(ctx, p, response, model)
	})
}

func (e *Engine) writeThrough(ctx context.Context, p *Probe, response []byte, model string) {
	now := time.Now()
	if len(p.Embedding) == 0 {
		e.embedProbe(ctx, p)
	}
	if model == "" {
		model = p.FP.Model
	}
	ttl := e.ttlFor(p.FP.ModelFamily)
	entry := &Entry{
		ID:              uuid.New(),
		Tenant:          p.Tenant,
		ExactKey:        p.FP.ExactKey,
		SimHash:         p.FP.SimHash,
		Embedding:       p.Embedding,
		CanonicalPrompt: p.FP.MaskedPrompt,
		RawPromptHMAC:   p.FP.RawDigest,
		RequestJSON:     e.storedRequest(p),
		ResponseJSON:    response,
		Model:           model,
		TempBucket:      p.FP.TempBucket,
		Mode:            p.FP.Mode,
		ToolSchemaHash:  p.FP.ToolSchemaHash,
		PIIPresent:      p.FP.PII,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	if e.tmpl != nil {
		err := e.brk.Do(ctx, breaker.Indexed, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, e.opts.IndexedTimeout)
			defer cancel()
			return e.tmpl.Insert(ctx, entry)
		})
		if err != nil {
			metricWriteFailures.WithLabelValues("indexed").Inc()
			slog.Warn("cache", "op", "insert", "tenant", p.Tenant, "err", err)
		}
	}
	if e.hot != nil {
		v := &CachedResponse{
			Response:  response,
			EntryID:   entry.ID,
			Model:     model,
			CreatedAt: now,
			ExpiresAt: entry.ExpiresAt,
		}
		err := e.brk.Do(ctx, breaker.Hot, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, e.opts.HotTimeout)
			defer cancel()
			return e.hot.Set(ctx, p.Tenant, p.FP.ExactKey, v, ttl)
		})
		if err != nil {
			metricWriteFailures.WithLabelValues("hot").Inc()
			slog.Warn("cache", "op", "hot set", "tenant", p.Tenant, "err", err)
		}
	}
}

// storedRequest returns the request blob to persist. Privacy mode keeps only
// the sampling parameters the scorer needs.
func (e *Engine) storedRequest(p *Probe) []byte {
	if !e.opts.PrivacyMode {
		return p.Raw
	}
	v := struct {
		Model       string   `json:"model"`
		Temperature *float64 `json:"temperature,omitempty"`
		TopP        *float64 `json:"top_p,omitempty"`
	}{p.Req.Model, p.Req.Temperature, p.Req.TopP}
	b, err := json.Marshal(&v)
	if err != nil {
		return nil
	}
	return b
}

func (e *Engine) ttlFor(family string) time.Duration {
	if d, ok := e.opts.TTLByFamily[family]; ok {
		return d
	}
	return e.opts.TTL
}

func (e *Engine) touchAsync(tenant string, id uuid.UUID) {
	if e.tmpl == nil {
		return
	}
	e.enqueue(func(ctx context.Context) {
		err := e.brk.Do(ctx, breaker.Indexed, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, e.opts.IndexedTimeout)
			defer cancel()
			return e.tmpl.TouchHit(ctx, tenant, id)
		})
		if err != nil {
			slog.Warn("cache", "op", "touch", "id", id, "err", err)
		}
	})
}

func (e *Engine) enqueue(task func(context.Context)) {
	if e.closed.Load() {
		return
	}
	select {
	case e.tasks <- task:
	default:
		e.drops.Add(1)
		metricWriteDrops.Inc()
		slog.Warn("cache", "msg", "write queue full, dropping task")
	}
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for task := range e.tasks {
		task(context.Background())
	}
}

func (e *Engine) sweep(ctx context.Context) {
	defer e.wg.Done()
	t := time.NewTicker(e.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			var n int64
			err := e.brk.Do(ctx, breaker.Indexed, func(ctx context.Context) error {
				ctx, cancel := context.WithTimeout(ctx, e.opts.IndexedTimeout)
				defer cancel()
				var err error
				n, err = e.tmpl.DeleteExpired(ctx, time.Now())
				return err
			})
			if err != nil {
				slog.Warn("cache", "op", "sweep", "err", err)
			} else if n > 0 {
				metricSweepDeleted.Add(float64(n))
				slog.Info("cache", "op", "sweep", "deleted", n)
			}
		}
	}
}

// Stats snapshots the engine counters and, when reachable, the template
// store totals.
type Stats struct {
	Mode         string            `json:"mode"`
	Breakers     map[string]string `json:"breakers"`
	ExactHits    uint64            `json:"exact_hits"`
	TemplateHits uint64            `json:"template_hits"`
	Misses       uint64            `json:"misses"`
	Bypasses     uint64            `json:"bypasses"`
	WriteDrops   uint64            `json:"write_drops"`
	Store        *StoreStats       `json:"store,omitempty"`
}

// Mode reports the effective degradation mode: a tier that was never wired
// counts as unavailable, same as one behind an open breaker.
func (e *Engine) Mode() breaker.Mode {
	return breaker.ModeFor(
		e.hot != nil && e.brk.Available(breaker.Hot),
		e.tmpl != nil && e.brk.Available(breaker.Indexed),
		e.emb != nil && e.brk.Available(breaker.Embedder))
}

// Stats never fails; store totals are omitted when the template tier is
// unreachable.
func (e *Engine) Stats(ctx context.Context, tenant string) *Stats {
	s := &Stats{
		Mode:         string(e.Mode()),
		Breakers:     e.brk.Health(),
		ExactHits:    e.exactHits.Load(),
		TemplateHits: e.templateHits.Load(),
		Misses:       e.misses.Load(),
		Bypasses:     e.bypasses.Load(),
		WriteDrops:   e.drops.Load(),
	}
	if e.tmpl != nil && e.brk.Available(breaker.Indexed) {
		var ss *StoreStats
		err := e.brk.Do(ctx, breaker.Indexed, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, e.opts.IndexedTimeout)
			defer cancel()
			var err error
			ss, err = e.tmpl.Stats(ctx, tenant)
			return err
		})
		if err != nil {
			slog.Warn("cache", "op", "stats", "err", err)
		} else {
			s.Store = ss
		}
	}
	return s
}

// Clear drops the tenant's entries from both tiers.
func (e *Engine) Clear(ctx context.Context, tenant string) error {
	var errs []error
	if e.hot != nil {
		err := e.brk.Do(ctx, breaker.Hot, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, e.opts.HotTimeout)
			defer cancel()
			return e.hot.Clear(ctx, tenant)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to clear hot tier: %w", err))
		}
	}
	if e.tmpl != nil {
		err := e.brk.Do(ctx, breaker.Indexed, func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, e.opts.IndexedTimeout)
			defer cancel()
			return e.tmpl.Clear(ctx, tenant)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to clear template tier: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SetGolden pins or unpins an entry. Golden entries have no expiry and
// survive sweeps.
func (e *Engine) SetGolden(ctx context.Context, tenant string, id uuid.UUID, golden bool) error {
	if e.tmpl == nil {
		return ErrNotReady
	}
	return e.brk.Do(ctx, breaker.Indexed, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.opts.IndexedTimeout)
		defer cancel()
		return e.tmpl.SetGolden(ctx, tenant, id, golden)
	})
}

// Search embeds the query text and returns the nearest entries by cosine
// distance.
func (e *Engine) Search(ctx context.Context, tenant, text string, limit int) ([]*Entry, error) {
	if e.tmpl == nil {
		return nil, ErrNotReady
	}
	if e.emb == nil || !e.emb.Ready() {
		return nil, fmt.Errorf("semantic search needs an embedder: %w", ErrNotReady)
	}
	if limit <= 0 {
		limit = 10
	}
	var vec []float32
	err := e.brk.Do(ctx, breaker.Embedder, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.opts.EmbedTimeout)
		defer cancel()
		var err error
		vec, err = e.emb.Embed(ctx, text)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	var rows []*Entry
	err = e.brk.Do(ctx, breaker.Indexed, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, e.opts.IndexedTimeout)
		defer cancel()
		var err error
		rows, err = e.tmpl.SearchSimilar(ctx, tenant, vec, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search entries: %w", err)
	}
	return rows, nil
}
