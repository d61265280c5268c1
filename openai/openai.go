// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package openai declares the OpenAI chat completions wire format.
//
// The proxy speaks this format on both sides: clients send it, upstream
// providers answer in it, and cached responses are stored as it. Fields that
// carry provider-specific schemas (tools, response_format.json_schema) are
// kept as raw JSON so they round-trip byte-exact.
package openai

import (
	"encoding/json"
	"fmt"
)

// Role is one of the chat message roles.
type Role string

// Known roles.
const (
	System    Role = "system"
	Developer Role = "developer"
	User      Role = "user"
	Assistant Role = "assistant"
	Tool      Role = "tool"
)

// Message is one entry of the messages list.
//
// Content is normally a string. Some clients send the multipart form
// ([{"type":"text","text":...}, ...]); UnmarshalJSON flattens the text parts
// so the rest of the pipeline only ever sees a string.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Name      string     `json:"name,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

func (m *Message) UnmarshalJSON(b []byte) error {
	raw := struct {
		Role      Role            `json:"role"`
		Content   json.RawMessage `json:"content"`
		Name      string          `json:"name"`
		ToolCalls []ToolCall      `json:"tool_calls"`
	}{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Name = raw.Name
	m.ToolCalls = raw.ToolCalls
	m.Content = ""
	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		return nil
	}
	switch raw.Content[0] {
	case '"':
		return json.Unmarshal(raw.Content, &m.Content)
	case '[':
		parts := []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{}
		if err := json.Unmarshal(raw.Content, &parts); err != nil {
			return fmt.Errorf("unsupported content parts: %w", err)
		}
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				m.Content += p.Text
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported content of type %c", raw.Content[0])
	}
}

// ToolCall is a tool invocation emitted by the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the function half of a tool call. Arguments is a JSON
// document encoded as a string, as the upstream APIs do.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ResponseFormat selects plain text, json_object or json_schema output.
type ResponseFormat struct {
	// Type is one of "text", "json_object" or "json_schema".
	Type       string      `json:"type"`
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

// JSONSchema is the schema wrapper used by response_format.
type JSONSchema struct {
	Name   string          `json:"name,omitempty"`
	Strict bool            `json:"strict,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// ChatRequest is documented at
// https://platform.openai.com/docs/api-reference/chat/create
//
// Sampling knobs are pointers so that an absent field is distinguishable from
// an explicit default; the canonicalizer depends on that distinction.
type ChatRequest struct {
	Model            string            `json:"model"`
	Messages         []Message         `json:"messages"`
	Temperature      *float64          `json:"temperature,omitempty"`
	TopP             *float64          `json:"top_p,omitempty"`
	N                *int              `json:"n,omitempty"`
	Stream           bool              `json:"stream,omitempty"`
	MaxTokens        int64             `json:"max_tokens,omitempty"`
	Seed             *int64            `json:"seed,omitempty"`
	Stop             json.RawMessage   `json:"stop,omitempty"`
	PresencePenalty  *float64          `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64          `json:"frequency_penalty,omitempty"`
	User             string            `json:"user,omitempty"`
	ResponseFormat   *ResponseFormat   `json:"response_format,omitempty"`
	Tools            []json.RawMessage `json:"tools,omitempty"`
	ToolChoice       json.RawMessage   `json:"tool_choice,omitempty"`
	Functions        []json.RawMessage `json:"functions,omitempty"`
}

// Validate checks the request is answerable at all.
func (c *ChatRequest) Validate() error {
	if c.Model == "" {
		return &Error{Message: "model is required", Type: "invalid_request_error", Param: "model"}
	}
	if len(c.Messages) == 0 {
		return &Error{Message: "messages must not be empty", Type: "invalid_request_error", Param: "messages"}
	}
	return nil
}

// ChatResponse is documented at
// https://platform.openai.com/docs/api-reference/chat/object
type ChatResponse struct {
	ID                string   `json:"id"`
	Object            string   `json:"object"`
	Created           int64    `json:"created"`
	Model             string   `json:"model"`
	Choices           []Choice `json:"choices"`
	Usage             Usage    `json:"usage"`
	SystemFingerprint string   `json:"system_fingerprint,omitempty"`
}

// Content returns the assistant content of the first choice.
func (c *ChatResponse) Content() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Message.Content
}

type Choice struct {
	Index int `json:"index"`
	// FinishReason is one of "stop", "length", "content_filter" or "tool_calls".
	FinishReason string  `json:"finish_reason"`
	Message      Message `json:"message"`
}

type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ChatChunk is one streamed event of a chat completion, emitted as the
// payload of a "data:" frame.
type ChatChunk struct {
	ID                string        `json:"id"`
	Object            string        `json:"object"`
	Created           int64         `json:"created"`
	Model             string        `json:"model"`
	Choices           []ChunkChoice `json:"choices"`
	Usage             *Usage        `json:"usage,omitempty"`
	SystemFingerprint string        `json:"system_fingerprint,omitempty"`
}

type ChunkChoice struct {
	Index int   `json:"index"`
	Delta Delta `json:"delta"`
	// FinishReason is null until the closing chunk.
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental message payload of a streamed chunk.
type Delta struct {
	Role      Role            `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is a fragment of a tool call; Arguments accumulate across
// chunks sharing the same Index.
type ToolCallDelta struct {
	Index    int          `json:"index"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// Error is the OpenAI error envelope payload. It implements error so
// handlers can return it directly.
type Error struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Param   string          `json:"param,omitempty"`
	Code    json.RawMessage `json:"code,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// ErrorResponse wraps Error the way the upstream APIs do.
type ErrorResponse struct {
	Error *Error `json:"error"`
}
