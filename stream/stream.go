// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package stream turns cached completions back into event streams and folds
// live event streams back into completions.
//
// A cached response is replayed as the chunk sequence the upstream would have
// produced. The chunk boundaries and the pacing are drawn from a generator
// seeded by the cache key, so replaying the same entry yields the same bytes
// every time.
package stream

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/maruel/recall/openai"
)

// Options configure the replay pacing.
type Options struct {
	// MeanWords and SigmaWords shape the chunk sizes, in words.
	MeanWords  float64 `yaml:"mean_words"`
	SigmaWords float64 `yaml:"sigma_words"`
	// MeanDelay and SigmaDelay shape the pause between chunks. The default
	// mean is half the 50ms cadence a live model shows, so replays read as
	// fast generation instead of an instant paste.
	MeanDelay  time.Duration `yaml:"mean_delay"`
	SigmaDelay time.Duration `yaml:"sigma_delay"`

	_ struct{}
}

// Validate checks for obvious errors in the fields.
func (o *Options) Validate() error {
	if o.MeanWords < 0 || o.SigmaWords < 0 {
		return errors.New("chunk sizes must be positive")
	}
	if o.MeanDelay < 0 || o.SigmaDelay < 0 {
		return errors.New("delays must be positive")
	}
	return nil
}

// Replayer replays cached responses as chunk streams.
type Replayer struct {
	opts Options
}

// NewReplayer builds a replayer. opts may be nil for all defaults.
func NewReplayer(opts *Options) (*Replayer, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	o := *opts
	if o.MeanWords == 0 {
		o.MeanWords = 15
	}
	if o.SigmaWords == 0 {
		o.SigmaWords = 5
	}
	if o.MeanDelay == 0 {
		o.MeanDelay = 25 * time.Millisecond
	}
	if o.SigmaDelay == 0 {
		o.SigmaDelay = 20 * time.Millisecond
	}
	return &Replayer{opts: o}, nil
}

// Replay cuts resp into chunks and hands them to emit in upstream order: the
// first delta carries the role, the last carries the finish reason, the
// terminal [DONE] frame is the caller's. key seeds the generator, so one
// entry always replays identically; only the sleeps vary with the scheduler.
// A canceled ctx stops the replay mid-stream.
func (r *Replayer) Replay(ctx context.Context, key string, resp *openai.ChatResponse, emit func(*openai.ChatChunk) error) error {
	if len(resp.Choices) == 0 {
		return errors.New("response has no choices to replay")
	}
	choice := resp.Choices[0]
	rng := rand.New(rand.NewSource(int64(xxhash.Sum64String(key))))
	n := 0
	send := func(d openai.Delta, finish *string) error {
		if n > 0 {
			if err := sleep(ctx, r.delay(rng)); err != nil {
				return err
			}
		}
		n++
		return emit(&openai.ChatChunk{
			ID:                resp.ID,
			Object:            "chat.completion.chunk",
			Created:           resp.Created,
			Model:             resp.Model,
			SystemFingerprint: resp.SystemFingerprint,
			Choices: []openai.ChunkChoice{
				{Index: choice.Index, Delta: d, FinishReason: finish},
			},
		})
	}
	role := choice.Message.Role
	if role == "" {
		role = openai.Assistant
	}
	for segs := split(choice.Message.Content); len(segs) > 0; {
		take := r.chunkWords(rng)
		if take > len(segs) {
			take = len(segs)
		}
		d := openai.Delta{Content: strings.Join(segs[:take], "")}
		if n == 0 {
			d.Role = role
		}
		segs = segs[take:]
		if err := send(d, nil); err != nil {
			return err
		}
	}
	if tc := choice.Message.ToolCalls; len(tc) > 0 {
		d := openai.Delta{ToolCalls: make([]openai.ToolCallDelta, len(tc))}
		for i, c := range tc {
			d.ToolCalls[i] = openai.ToolCallDelta{Index: i, ID: c.ID, Type: c.Type, Function: c.Function}
		}
		if n == 0 {
			d.Role = role
		}
		if err := send(d, nil); err != nil {
			return err
		}
	}
	if n == 0 {
		// Empty completion. The role delta is still owed.
		if err := send(openai.Delta{Role: role}, nil); err != nil {
			return err
		}
	}
	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}
	return send(openai.Delta{}, &finish)
}

func (r *Replayer) chunkWords(rng *rand.Rand) int {
	n := int(math.Round(rng.NormFloat64()*r.opts.SigmaWords + r.opts.MeanWords))
	if n < 1 {
		n = 1
	}
	return n
}

func (r *Replayer) delay(rng *rand.Rand) time.Duration {
	d := time.Duration(rng.NormFloat64()*float64(r.opts.SigmaDelay) + float64(r.opts.MeanDelay))
	if d < 0 {
		d = 0
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// split cuts text at word boundaries into segments whose concatenation is the
// original text, whitespace included. A segment is one word plus the
// whitespace run that follows it.
func split(text string) []string {
	if text == "" {
		return nil
	}
	var out []string
	start := 0
	inSpace := false
	for i, r := range text {
		space := unicode.IsSpace(r)
		if !space && inSpace {
			out = append(out, text[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}
