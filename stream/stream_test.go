// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/maruel/recall/openai"
)

// fast pacing for tests; zero would mean "use the default".
var fast = Options{MeanDelay: time.Nanosecond, SigmaDelay: time.Nanosecond}

func TestReplayDeterminism(t *testing.T) {
	t.Parallel()
	resp := response(strings.Repeat("the quick brown fox jumps over the lazy dog ", 8))
	r, err := NewReplayer(&fast)
	if err != nil {
		t.Fatal(err)
	}
	key := "2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae"
	first := marshalAll(t, replayAll(t, r, key, resp))
	second := marshalAll(t, replayAll(t, r, key, resp))
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("replays differ (-first +second):\n%s", diff)
	}
}

func TestReplayShape(t *testing.T) {
	t.Parallel()
	resp := response("one two three four five six seven eight nine ten")
	opts := fast
	opts.MeanWords = 4
	opts.SigmaWords = 0.001
	r, err := NewReplayer(&opts)
	if err != nil {
		t.Fatal(err)
	}
	chunks := replayAll(t, r, "k", resp)
	want := []string{"one two three four ", "five six seven eight ", "nine ten"}
	if len(chunks) != len(want)+1 {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want)+1)
	}
	for i, w := range want {
		d := chunks[i].Choices[0].Delta
		if d.Content != w {
			t.Fatalf("chunk %d content = %q, want %q", i, d.Content, w)
		}
		wantRole := openai.Role("")
		if i == 0 {
			wantRole = openai.Assistant
		}
		if d.Role != wantRole {
			t.Fatalf("chunk %d role = %q", i, d.Role)
		}
		if chunks[i].Choices[0].FinishReason != nil {
			t.Fatalf("chunk %d carries a finish reason", i)
		}
		if chunks[i].ID != resp.ID || chunks[i].Object != "chat.completion.chunk" || chunks[i].Model != resp.Model {
			t.Fatalf("chunk %d header: %+v", i, chunks[i])
		}
	}
	last := chunks[len(chunks)-1].Choices[0]
	if last.FinishReason == nil || *last.FinishReason != "stop" || last.Delta.Content != "" {
		t.Fatalf("unexpected closing chunk: %+v", last)
	}
}

func TestReplayPreservesText(t *testing.T) {
	t.Parallel()
	data := []string{
		"plain words only",
		"Line one.\n\nLine  two ... done. ✓",
		"  leading and trailing  ",
		"single",
	}
	r, err := NewReplayer(&Options{MeanWords: 2, SigmaWords: 0.001, MeanDelay: time.Nanosecond, SigmaDelay: time.Nanosecond})
	if err != nil {
		t.Fatal(err)
	}
	for _, text := range data {
		got := strings.Builder{}
		for _, c := range replayAll(t, r, "k", response(text)) {
			got.WriteString(c.Choices[0].Delta.Content)
		}
		if got.String() != text {
			t.Fatalf("reassembled %q, want %q", got.String(), text)
		}
	}
}

func TestReplayToolCalls(t *testing.T) {
	t.Parallel()
	resp := &openai.ChatResponse{
		ID:      "chatcmpl-t",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   "gpt-4",
		Choices: []openai.Choice{
			{
				FinishReason: "tool_calls",
				Message: openai.Message{
					Role: openai.Assistant,
					ToolCalls: []openai.ToolCall{
						{ID: "call_1", Type: "function", Function: openai.FunctionCall{Name: "get_weather", Arguments: `{"city":"Oslo"}`}},
						{ID: "call_2", Type: "function", Function: openai.FunctionCall{Name: "get_time", Arguments: `{}`}},
					},
				},
			},
		},
	}
	r, err := NewReplayer(&fast)
	if err != nil {
		t.Fatal(err)
	}
	chunks := replayAll(t, r, "k", resp)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	d := chunks[0].Choices[0].Delta
	if d.Role != openai.Assistant || len(d.ToolCalls) != 2 {
		t.Fatalf("unexpected first delta: %+v", d)
	}
	if d.ToolCalls[1].Index != 1 || d.ToolCalls[1].Function.Name != "get_time" {
		t.Fatalf("unexpected tool delta: %+v", d.ToolCalls[1])
	}
	c := Collector{}
	for _, chunk := range chunks {
		c.Add(chunk)
	}
	if diff := cmp.Diff(resp, c.Response()); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}
}

func TestReplayCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	r, err := NewReplayer(&Options{MeanWords: 2, SigmaWords: 0.001, MeanDelay: 10 * time.Second, SigmaDelay: time.Nanosecond})
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	err = r.Replay(ctx, "k", response("one two three four"), func(c *openai.ChatChunk) error {
		n++
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if n != 1 {
		t.Fatalf("emitted %d chunks before cancel, want 1", n)
	}
}

func TestReplayEmpty(t *testing.T) {
	t.Parallel()
	r, err := NewReplayer(&fast)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Replay(context.Background(), "k", &openai.ChatResponse{}, nil); err == nil {
		t.Fatal("expected an error for a response without choices")
	}
	chunks := replayAll(t, r, "k", response(""))
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want role delta and closing chunk", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Role != openai.Assistant {
		t.Fatalf("unexpected first delta: %+v", chunks[0].Choices[0].Delta)
	}
}

func TestReplayCollectorRoundTrip(t *testing.T) {
	t.Parallel()
	resp := response("It was the best of times, it was the worst of times, it was the age of wisdom.")
	r, err := NewReplayer(&fast)
	if err != nil {
		t.Fatal(err)
	}
	c := Collector{}
	for _, chunk := range replayAll(t, r, "key-a", resp) {
		c.Add(chunk)
	}
	if !c.Complete() {
		t.Fatal("stream incomplete")
	}
	if diff := cmp.Diff(resp, c.Response()); diff != "" {
		t.Fatalf("round trip (-want +got):\n%s", diff)
	}
}

func TestCollectorFragments(t *testing.T) {
	t.Parallel()
	c := Collector{}
	stop := "stop"
	c.Add(&openai.ChatChunk{
		ID: "chatcmpl-f", Created: 1700000001, Model: "gpt-4",
		Choices: []openai.ChunkChoice{{Delta: openai.Delta{Role: openai.Assistant, Content: "Hel"}}},
	})
	c.Add(&openai.ChatChunk{
		Choices: []openai.ChunkChoice{{Delta: openai.Delta{Content: "lo"}}},
	})
	if c.Complete() {
		t.Fatal("complete before the finish reason")
	}
	if c.Response() != nil {
		t.Fatal("a cut stream must yield nothing")
	}
	c.Add(&openai.ChatChunk{
		Usage:   &openai.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		Choices: []openai.ChunkChoice{{FinishReason: &stop}},
	})
	got := c.Response()
	want := &openai.ChatResponse{
		ID:      "chatcmpl-f",
		Object:  "chat.completion",
		Created: 1700000001,
		Model:   "gpt-4",
		Choices: []openai.Choice{{FinishReason: "stop", Message: openai.Message{Role: openai.Assistant, Content: "Hello"}}},
		Usage:   openai.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
}

func TestCollectorToolCallFragments(t *testing.T) {
	t.Parallel()
	c := Collector{}
	finish := "tool_calls"
	c.Add(&openai.ChatChunk{
		ID: "chatcmpl-g", Model: "gpt-4",
		Choices: []openai.ChunkChoice{{Delta: openai.Delta{
			Role:      openai.Assistant,
			ToolCalls: []openai.ToolCallDelta{{Index: 0, ID: "call_1", Type: "function", Function: openai.FunctionCall{Name: "get_weather", Arguments: `{"ci`}}},
		}}},
	})
	c.Add(&openai.ChatChunk{
		Choices: []openai.ChunkChoice{{Delta: openai.Delta{
			ToolCalls: []openai.ToolCallDelta{{Index: 0, Function: openai.FunctionCall{Arguments: `ty":"Oslo"}`}}},
		}}},
	})
	c.Add(&openai.ChatChunk{Choices: []openai.ChunkChoice{{FinishReason: &finish}}})
	got := c.Response()
	if got == nil {
		t.Fatal("expected a response")
	}
	tc := got.Choices[0].Message.ToolCalls
	if len(tc) != 1 || tc[0].Function.Arguments != `{"city":"Oslo"}` {
		t.Fatalf("unexpected tool calls: %+v", tc)
	}
	if got.Choices[0].FinishReason != "tool_calls" {
		t.Fatalf("finish = %q", got.Choices[0].FinishReason)
	}
}

//

func response(content string) *openai.ChatResponse {
	return &openai.ChatResponse{
		ID:      "chatcmpl-a",
		Object:  "chat.completion",
		Created: 1700000000,
		Model:   "gpt-4",
		Choices: []openai.Choice{
			{FinishReason: "stop", Message: openai.Message{Role: openai.Assistant, Content: content}},
		},
	}
}

func replayAll(t *testing.T, r *Replayer, key string, resp *openai.ChatResponse) []*openai.ChatChunk {
	t.Helper()
	var out []*openai.ChatChunk
	err := r.Replay(context.Background(), key, resp, func(c *openai.ChatChunk) error {
		out = append(out, c)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func marshalAll(t *testing.T, chunks []*openai.ChatChunk) []string {
	t.Helper()
	out := make([]string, 0, len(chunks))
	for _, c := range chunks {
		b, err := json.Marshal(c)
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, string(b))
	}
	return out
}
