// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package proxy_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/maruel/recall/breaker"
	"github.com/maruel/recall/cache"
	"github.com/maruel/recall/cache/memhot"
	"github.com/maruel/recall/internal"
	"github.com/maruel/recall/internal/internaltest"
	"github.com/maruel/recall/openai"
	"github.com/maruel/recall/provider"
	"github.com/maruel/recall/proxy"
	"github.com/maruel/recall/stream"
)

const answer = `{"id":"chatcmpl-a","object":"chat.completion","created":1700000000,` +
	`"model":"gpt-4","choices":[{"index":0,"message":{"role":"assistant",` +
	`"content":"It is 4."},"finish_reason":"stop"}]}`

var frames = []string{
	`{"id":"chatcmpl-a","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4","choices":[{"index":0,"delta":{"role":"assistant","content":"It "}}]}`,
	`{"id":"chatcmpl-a","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4","choices":[{"index":0,"delta":{"content":"is 4."}}]}`,
	`{"id":"chatcmpl-a","object":"chat.completion.chunk","created":1700000000,"model":"gpt-4","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
}

func TestProxyMissThenExactHit(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	h := newProxy(t, up)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"What is 2+2?"}]}`
	w := postChat(t, h, body, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != answer {
		t.Fatalf("body = %q", got)
	}
	if w.Header().Get(proxy.HeaderHit) != "false" || w.Header().Get(proxy.HeaderMatch) != "none" {
		t.Fatalf("miss headers: %v", w.Header())
	}
	if c := up.calls.Load(); c != 1 {
		t.Fatalf("upstream calls = %d, want 1", c)
	}
	waitForMatch(t, h, body, nil, "exact")
	before := up.calls.Load()
	w = postChat(t, h, body, map[string]string{proxy.HeaderExperiment: "ab-1"})
	if got := w.Body.String(); got != answer {
		t.Fatalf("body = %q", got)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("content type = %q", got)
	}
	if got := w.Header().Get(proxy.HeaderScore); got != "1.000" {
		t.Fatalf("score = %q", got)
	}
	if _, err := uuid.Parse(w.Header().Get(proxy.HeaderProvenance)); err != nil {
		t.Fatal(err)
	}
	if got := w.Header().Get(proxy.HeaderSourceModel); got != "gpt-4" {
		t.Fatalf("source model = %q", got)
	}
	if age, err := strconv.Atoi(w.Header().Get(proxy.HeaderAge)); err != nil || age > 5 {
		t.Fatalf("age = %q", w.Header().Get(proxy.HeaderAge))
	}
	if got := w.Header().Get(proxy.HeaderExperiment); got != "ab-1" {
		t.Fatalf("experiment = %q", got)
	}
	if got := w.Header().Get(proxy.HeaderDegraded); got != "" {
		t.Fatalf("degraded = %q", got)
	}
	if c := up.calls.Load(); c != before {
		t.Fatalf("hit still called upstream: %d", c)
	}
}

func TestProxyTemplateHit(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	h := newProxy(t, up)
	bodyA := `{"model":"gpt-4","messages":[{"role":"user","content":"What is the weather on 2024-05-01?"}]}`
	bodyB := `{"model":"gpt-4","messages":[{"role":"user","content":"What is the weather on 2024-06-02?"}]}`
	postChat(t, h, bodyA, nil)
	waitForMatch(t, h, bodyA, nil, "exact")
	before := up.calls.Load()
	w := postChat(t, h, bodyB, nil)
	if w.Header().Get(proxy.HeaderHit) != "true" || w.Header().Get(proxy.HeaderMatch) != "template" {
		t.Fatalf("template miss: %v", w.Header())
	}
	score, err := strconv.ParseFloat(w.Header().Get(proxy.HeaderScore), 64)
	if err != nil || score < 0.87 || score > 1 {
		t.Fatalf("score = %q", w.Header().Get(proxy.HeaderScore))
	}
	if got := w.Body.String(); got != answer {
		t.Fatalf("body = %q", got)
	}
	if c := up.calls.Load(); c != before {
		t.Fatalf("template hit still called upstream: %d", c)
	}
	// Restricting to the exact tier turns the variant back into a miss.
	w = postChat(t, h, bodyB, map[string]string{proxy.HeaderMode: "exact"})
	if w.Header().Get(proxy.HeaderHit) != "false" {
		t.Fatal("exact-restricted lookup used the template tier")
	}
	if c := up.calls.Load(); c != before+1 {
		t.Fatalf("upstream calls = %d, want %d", c, before+1)
	}
	w = postChat(t, h, bodyA, map[string]string{proxy.HeaderMode: "template"})
	if w.Header().Get(proxy.HeaderHit) != "true" || w.Header().Get(proxy.HeaderMatch) != "template" {
		t.Fatalf("template-restricted lookup: %v", w.Header())
	}
}

func TestProxyStreamReplay(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	h := newProxy(t, up)
	plain := `{"model":"gpt-4","messages":[{"role":"user","content":"What is 2+2?"}]}`
	streamed := `{"model":"gpt-4","messages":[{"role":"user","content":"What is 2+2?"}],"stream":true}`
	postChat(t, h, plain, nil)
	waitForMatch(t, h, plain, nil, "exact")
	before := up.calls.Load()
	w := postChat(t, h, streamed, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("content type = %q", got)
	}
	// The stream flag is part of the exact key, so the hit comes from the
	// template tier.
	if w.Header().Get(proxy.HeaderHit) != "true" || w.Header().Get(proxy.HeaderMatch) != "template" {
		t.Fatalf("stream hit headers: %v", w.Header())
	}
	if !strings.HasSuffix(w.Body.String(), "data: [DONE]\n\n") {
		t.Fatalf("stream not terminated: %q", w.Body.String())
	}
	resp, n := collect(t, w.Body.Bytes())
	if n < 2 {
		t.Fatalf("replayed in %d chunks", n)
	}
	if resp.Content() != "It is 4." || resp.Model != "gpt-4" {
		t.Fatalf("reassembled: %+v", resp)
	}
	if c := up.calls.Load(); c != before {
		t.Fatalf("replay called upstream: %d", c)
	}
}

func TestProxyStreamPassthrough(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	h := newProxy(t, up)
	streamed := `{"model":"gpt-4","messages":[{"role":"user","content":"What is 2+2?"}],"stream":true}`
	w := postChat(t, h, streamed, nil)
	if w.Code != http.StatusOK || w.Header().Get(proxy.HeaderHit) != "false" {
		t.Fatalf("status = %d, headers %v", w.Code, w.Header())
	}
	want := ""
	for _, f := range frames {
		want += "data: " + f + "\n\n"
	}
	want += "data: [DONE]\n\n"
	// A miss passes the upstream bytes through untouched.
	if got := w.Body.String(); got != want {
		t.Fatalf("passthrough = %q\nwant %q", got, want)
	}
	if c := up.calls.Load(); c != 1 {
		t.Fatalf("upstream calls = %d, want 1", c)
	}
	// The captured stream was reassembled and cached; the replay is paced
	// differently but collects back to the same completion.
	w = waitForMatch(t, h, streamed, nil, "exact")
	resp, _ := collect(t, w.Body.Bytes())
	if resp.Content() != "It is 4." {
		t.Fatalf("replayed content = %q", resp.Content())
	}
	before := up.calls.Load()
	postChat(t, h, streamed, nil)
	if c := up.calls.Load(); c != before {
		t.Fatalf("hit called upstream: %d", c)
	}
}

func TestProxyBypass(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	h := newProxy(t, up)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"Bypass me"}]}`
	w := postChat(t, h, body, map[string]string{proxy.HeaderBypass: "true"})
	if w.Header().Get(proxy.HeaderHit) != "false" {
		t.Fatal("bypass must miss")
	}
	// Bypass skips the lookup, not the write-through.
	waitForMatch(t, h, body, nil, "exact")
	before := up.calls.Load()
	w = postChat(t, h, body, map[string]string{proxy.HeaderBypass: "true"})
	if w.Header().Get(proxy.HeaderHit) != "false" || w.Header().Get(proxy.HeaderMatch) != "none" {
		t.Fatalf("bypass headers: %v", w.Header())
	}
	if c := up.calls.Load(); c != before+1 {
		t.Fatalf("upstream calls = %d, want %d", c, before+1)
	}
}

func TestProxyStoreControl(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	h := newProxy(t, up)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"Skip the write"}]}`
	hdr := map[string]string{proxy.HeaderStore: "false"}
	if w := postChat(t, h, body, hdr); w.Header().Get(proxy.HeaderHit) != "false" {
		t.Fatal("cold cache cannot hit")
	}
	// Grace for a write-through that must not happen.
	time.Sleep(100 * time.Millisecond)
	if w := postChat(t, h, body, hdr); w.Header().Get(proxy.HeaderHit) != "false" {
		t.Fatal("x-cache-store: false still cached")
	}
	if c := up.calls.Load(); c != 2 {
		t.Fatalf("upstream calls = %d, want 2", c)
	}
	if st := getStats(t, h, nil); st.Store == nil || st.Store.Entries != 0 {
		t.Fatalf("store stats: %+v", st.Store)
	}
}

func TestProxyInvalidRequest(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	h := newProxy(t, up)
	w := postChat(t, h, `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if e := decodeError(t, w); e.Type != "invalid_request_error" {
		t.Fatalf("error = %+v", e)
	}
	w = postChat(t, h, `this is not json`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if e := decodeError(t, w); e.Type != "invalid_request_error" {
		t.Fatalf("error = %+v", e)
	}
	if w = do(t, h, "GET", "/v1/chat/completions", "", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", w.Code)
	}
	// Invalid requests never reach the upstream and are never cached.
	if c := up.calls.Load(); c != 0 {
		t.Fatalf("upstream calls = %d, want 0", c)
	}
}

func TestProxyUpstreamErrors(t *testing.T) {
	t.Parallel()
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"What is 2+2?"}]}`

	t.Run("client error passthrough", func(t *testing.T) {
		t.Parallel()
		up := newUpstream(t)
		up.reply(http.StatusBadRequest, `{"error":{"message":"bad tool","type":"invalid_request_error"}}`)
		h := newProxy(t, up)
		w := postChat(t, h, body, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", w.Code)
		}
		if got := w.Body.String(); got != `{"error":{"message":"bad tool","type":"invalid_request_error"}}` {
			t.Fatalf("body = %q", got)
		}
		// 4xx is the client's fault, it must not be retried.
		if c := up.calls.Load(); c != 1 {
			t.Fatalf("upstream calls = %d, want 1", c)
		}
		// Error replies are never cached.
		postChat(t, h, body, nil)
		if c := up.calls.Load(); c != 2 {
			t.Fatalf("upstream calls = %d, want 2", c)
		}
	})
	t.Run("server error passthrough", func(t *testing.T) {
		t.Parallel()
		up := newUpstream(t)
		up.reply(http.StatusServiceUnavailable, `{"error":{"message":"overloaded","type":"server_error"}}`)
		h := newProxy(t, up)
		w := postChat(t, h, body, nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("status = %d", w.Code)
		}
		if got := w.Body.String(); got != `{"error":{"message":"overloaded","type":"server_error"}}` {
			t.Fatalf("body = %q", got)
		}
		if c := up.calls.Load(); c != 2 {
			t.Fatalf("upstream calls = %d, want 2 (one retry)", c)
		}
	})
	t.Run("unreachable", func(t *testing.T) {
		t.Parallel()
		h := buildProxy(t, &provider.Options{
			Name:         "test",
			BaseURL:      "http://127.0.0.1:1/v1",
			RetryMax:     1,
			RetryWaitMin: time.Millisecond,
			RetryWaitMax: 2 * time.Millisecond,
		})
		w := postChat(t, h, body, nil)
		if w.Code != http.StatusBadGateway {
			t.Fatalf("status = %d: %s", w.Code, w.Body.String())
		}
		if e := decodeError(t, w); e.Type != "api_error" {
			t.Fatalf("error = %+v", e)
		}
	})
	t.Run("no provider", func(t *testing.T) {
		t.Parallel()
		up := newUpstream(t)
		h := buildProxy(t, &provider.Options{
			Name:    "test",
			BaseURL: up.srv.URL + "/v1",
			Models:  []string{"gpt-"},
		})
		w := postChat(t, h, `{"model":"claude-3","messages":[{"role":"user","content":"hi"}]}`, nil)
		if w.Code != http.StatusBadGateway {
			t.Fatalf("status = %d", w.Code)
		}
		if e := decodeError(t, w); !strings.Contains(e.Message, "no provider") {
			t.Fatalf("error = %+v", e)
		}
		if c := up.calls.Load(); c != 0 {
			t.Fatalf("upstream calls = %d, want 0", c)
		}
	})
}

func TestProxyTenants(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	h := newProxy(t, up)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"What is 2+2?"}]}`
	alice := map[string]string{proxy.HeaderTenant: "alice"}
	bob := map[string]string{proxy.HeaderTenant: "bob"}
	postChat(t, h, body, alice)
	waitForMatch(t, h, body, alice, "exact")
	before := up.calls.Load()
	if w := postChat(t, h, body, bob); w.Header().Get(proxy.HeaderHit) != "false" {
		t.Fatal("bob read alice's cache")
	}
	if c := up.calls.Load(); c != before+1 {
		t.Fatalf("upstream calls = %d, want %d", c, before+1)
	}
	if w := postChat(t, h, body, alice); w.Header().Get(proxy.HeaderHit) != "true" {
		t.Fatal("alice lost her entry")
	}
}

func TestProxyAdmin(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	h := newProxy(t, up)
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"What is 2+2?"}]}`
	postChat(t, h, body, nil)
	waitForMatch(t, h, body, nil, "exact")

	st := getStats(t, h, nil)
	if st.Mode != "full" || st.ExactHits < 1 || st.Misses < 1 {
		t.Fatalf("stats: %+v", st)
	}
	if st.Store == nil || st.Store.Entries != 1 {
		t.Fatalf("store stats: %+v", st.Store)
	}

	w := do(t, h, "GET", "/v1/cache/search?q=meteo&limit=5", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("search status = %d: %s", w.Code, w.Body.String())
	}
	var hits []struct {
		ID     uuid.UUID `json:"id"`
		Model  string    `json:"model"`
		Prompt string    `json:"canonical_prompt"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &hits); err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Model != "gpt-4" || hits[0].ID == uuid.Nil || hits[0].Prompt == "" {
		t.Fatalf("search hits: %+v", hits)
	}
	if w = do(t, h, "GET", "/v1/cache/search", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("search without q: %d", w.Code)
	}

	if w = do(t, h, "POST", "/v1/cache/golden/"+hits[0].ID.String(), "", nil); w.Code != http.StatusOK {
		t.Fatalf("golden status = %d: %s", w.Code, w.Body.String())
	}
	if st = getStats(t, h, nil); st.Store.Golden != 1 {
		t.Fatalf("store stats after golden: %+v", st.Store)
	}
	if w = do(t, h, "POST", "/v1/cache/golden/"+hits[0].ID.String(), `{"golden":false}`, nil); w.Code != http.StatusOK {
		t.Fatalf("demote status = %d", w.Code)
	}
	if st = getStats(t, h, nil); st.Store.Golden != 0 {
		t.Fatalf("store stats after demote: %+v", st.Store)
	}
	if w = do(t, h, "POST", "/v1/cache/golden/not-a-uuid", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad id status = %d", w.Code)
	}
	if w = do(t, h, "POST", "/v1/cache/golden/"+uuid.NewString(), "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d", w.Code)
	}

	if w = do(t, h, "POST", "/v1/cache/clear", "", nil); w.Code != http.StatusOK {
		t.Fatalf("clear status = %d", w.Code)
	}
	if w = postChat(t, h, body, nil); w.Header().Get(proxy.HeaderHit) != "false" {
		t.Fatal("hit after clear")
	}

	w = do(t, h, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	var health struct {
		Status    string            `json:"status"`
		Mode      string            `json:"mode"`
		Breakers  map[string]string `json:"breakers"`
		Providers []string          `json:"providers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Mode != "full" {
		t.Fatalf("health: %+v", health)
	}
	if len(health.Providers) != 1 || health.Providers[0] != "test" {
		t.Fatalf("providers: %+v", health.Providers)
	}
	if health.Breakers["upstream"] != "closed" {
		t.Fatalf("breakers: %+v", health.Breakers)
	}

	if w = do(t, h, "GET", "/metrics", "", nil); w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
}

func TestServerServe(t *testing.T) {
	t.Parallel()
	up := newUpstream(t)
	addr := fmt.Sprintf("localhost:%d", internal.FindFreePort())
	srv := buildServer(t, &provider.Options{
		Name:         "test",
		BaseURL:      up.srv.URL + "/v1",
		RetryMax:     1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	}, &proxy.Options{Addr: addr, ShutdownGrace: time.Second})
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	// The listener needs a beat to come up.
	var resp *http.Response
	var err error
	for start := time.Now(); time.Since(start) < 5*time.Second; {
		if resp, err = http.Get("http://" + addr + "/health"); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatal(err)
	}
	b, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || !bytes.Contains(b, []byte(`"status":"ok"`)) {
		t.Fatalf("health = %d: %s", resp.StatusCode, b)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

//

// upstream fakes an OpenAI-compatible backend. It answers chat completions
// with a fixed body, or the frames when the request asks for a stream.
type upstream struct {
	srv   *httptest.Server
	calls atomic.Int32

	mu     sync.Mutex
	status int
	body   string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{status: http.StatusOK, body: answer}
	u.srv = httptest.NewServer(http.HandlerFunc(u.handle))
	t.Cleanup(u.srv.Close)
	return u
}

// reply makes every following call answer status and body instead.
func (u *upstream) reply(status int, body string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.status = status
	u.body = body
}

func (u *upstream) handle(w http.ResponseWriter, r *http.Request) {
	u.calls.Add(1)
	u.mu.Lock()
	status, body := u.status, u.body
	u.mu.Unlock()
	if status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
		return
	}
	in := struct {
		Stream bool `json:"stream"`
	}{}
	b, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(b, &in)
	if in.Stream {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", f)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, body)
}

func newProxy(t *testing.T, up *upstream) http.Handler {
	t.Helper()
	return buildProxy(t, &provider.Options{
		Name:         "test",
		BaseURL:      up.srv.URL + "/v1",
		RetryMax:     1,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 2 * time.Millisecond,
	})
}

func buildProxy(t *testing.T, popts *provider.Options) http.Handler {
	t.Helper()
	return buildServer(t, popts, nil).Handler()
}

func buildServer(t *testing.T, popts *provider.Options, sopts *proxy.Options) *proxy.Server {
	t.Helper()
	hot, err := memhot.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { hot.Close() })
	emb := internaltest.NewEmbedder(3, map[string][]float32{
		"user: What is 2+2?":                       {1, 0, 0},
		"user: What is the weather on 2024-05-01?": {0, 1, 0},
		"user: What is the weather on 2024-06-02?": {0.0447, 0.999, 0},
		"user: Bypass me":                          {0, 0, 1},
		"user: Skip the write":                     {0.7071, 0, 0.7071},
		"meteo":                                    {0.9, 0.1, 0},
	})
	eng, err := cache.New(hot, internaltest.NewTemplateStore(), emb, breaker.NewSet(&breaker.Options{}), &cache.Options{WriteWorkers: 2})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := eng.Close(); err != nil {
			t.Error(err)
		}
	})
	prov, err := provider.New(popts)
	if err != nil {
		t.Fatal(err)
	}
	rep, err := stream.NewReplayer(&stream.Options{MeanDelay: time.Nanosecond, SigmaDelay: time.Nanosecond})
	if err != nil {
		t.Fatal(err)
	}
	srv, err := proxy.New(eng, provider.NewRegistry(prov), rep, breaker.NewSet(&breaker.Options{}), sopts)
	if err != nil {
		t.Fatal(err)
	}
	return srv
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func postChat(t *testing.T, h http.Handler, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, "POST", "/v1/chat/completions", body, hdr)
}

// waitForMatch reposts the request until the async write-through landed and
// it hits through the wanted tier. Every miss on the way forwards upstream,
// so call counts are only compared after this settles.
func waitForMatch(t *testing.T, h http.Handler, body string, hdr map[string]string, want string) *httptest.ResponseRecorder {
	t.Helper()
	var w *httptest.ResponseRecorder
	for start := time.Now(); time.Since(start) < 5*time.Second; {
		w = postChat(t, h, body, hdr)
		if w.Header().Get(proxy.HeaderHit) == "true" && w.Header().Get(proxy.HeaderMatch) == want {
			return w
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s hit in time, last match %q", want, w.Header().Get(proxy.HeaderMatch))
	return nil
}

func collect(t *testing.T, events []byte) (*openai.ChatResponse, int) {
	t.Helper()
	c := stream.Collector{}
	n := 0
	err := openai.ReadStream(bytes.NewReader(events), func(data []byte) error {
		n++
		chunk, err := openai.DecodeChunk(data)
		if err != nil {
			return err
		}
		c.Add(chunk)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	resp := c.Response()
	if resp == nil {
		t.Fatal("stream never finished")
	}
	return resp, n
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *openai.Error {
	t.Helper()
	er := openai.ErrorResponse{}
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("%s: %s", err, w.Body.String())
	}
	if er.Error == nil {
		t.Fatalf("missing error envelope: %s", w.Body.String())
	}
	return er.Error
}

func getStats(t *testing.T, h http.Handler, hdr map[string]string) *cache.Stats {
	t.Helper()
	w := do(t, h, "GET", "/v1/cache/stats", "", hdr)
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	st := &cache.Stats{}
	if err := json.Unmarshal(w.Body.Bytes(), st); err != nil {
		t.Fatal(err)
	}
	return st
}
