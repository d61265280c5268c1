// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package stream

import (
	"strings"

	"github.com/maruel/recall/openai"
)

// Collector folds a live chunk stream back into the full response so a
// passthrough miss can still be written to the cache. Only the first choice
// is reassembled. A stream that never delivered a finish reason yields
// nothing; a disconnect must not cache half an answer.
type Collector struct {
	id          string
	created     int64
	model       string
	fingerprint string
	role        openai.Role
	content     strings.Builder
	tools       []openai.ToolCall
	finish      string
	usage       *openai.Usage
}

// Add folds one chunk in. Chunks for choices other than the first are
// ignored.
func (c *Collector) Add(chunk *openai.ChatChunk) {
	if c.id == "" {
		c.id = chunk.ID
	}
	if c.created == 0 {
		c.created = chunk.Created
	}
	if c.model == "" {
		c.model = chunk.Model
	}
	if c.fingerprint == "" {
		c.fingerprint = chunk.SystemFingerprint
	}
	if chunk.Usage != nil {
		u := *chunk.Usage
		c.usage = &u
	}
	for _, ch := range chunk.Choices {
		if ch.Index != 0 {
			continue
		}
		if ch.Delta.Role != "" {
			c.role = ch.Delta.Role
		}
		c.content.WriteString(ch.Delta.Content)
		for _, tc := range ch.Delta.ToolCalls {
			for len(c.tools) <= tc.Index {
				c.tools = append(c.tools, openai.ToolCall{})
			}
			t := &c.tools[tc.Index]
			if tc.ID != "" {
				t.ID = tc.ID
			}
			if tc.Type != "" {
				t.Type = tc.Type
			}
			if tc.Function.Name != "" {
				t.Function.Name = tc.Function.Name
			}
			t.Function.Arguments += tc.Function.Arguments
		}
		if ch.FinishReason != nil && *ch.FinishReason != "" {
			c.finish = *ch.FinishReason
		}
	}
}

// Complete reports whether the stream delivered its finish reason.
func (c *Collector) Complete() bool {
	return c.finish != ""
}

// Response synthesizes the non-streaming response, or nil if the stream was
// cut short.
func (c *Collector) Response() *openai.ChatResponse {
	if !c.Complete() {
		return nil
	}
	role := c.role
	if role == "" {
		role = openai.Assistant
	}
	r := &openai.ChatResponse{
		ID:                c.id,
		Object:            "chat.completion",
		Created:           c.created,
		Model:             c.model,
		SystemFingerprint: c.fingerprint,
		Choices: []openai.Choice{
			{
				FinishReason: c.finish,
				Message: openai.Message{
					Role:      role,
					Content:   c.content.String(),
					ToolCalls: c.tools,
				},
			},
		},
	}
	if c.usage != nil {
		r.Usage = *c.usage
	}
	return r
}
