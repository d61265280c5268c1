// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package fingerprint derives the cache-relevant identity of a request: the
// exact key, the SimHash of the masked prompt, the request mode, the tool
// schema hash, the temperature bucket and the model family.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/maruel/recall/canonical"
	"github.com/maruel/recall/openai"
)

// Mode is the answer-shape of a request. Two requests in different modes
// never share a cache entry.
type Mode string

// Modes, in detection priority order.
const (
	ModeJSONSchema Mode = "json_schema"
	ModeJSONObject Mode = "json_object"
	ModeTools      Mode = "tools"
	ModeFunction   Mode = "function"
	ModeText       Mode = "text"
)

// ParseMode maps a stored string back to a Mode, defaulting to text.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeJSONSchema, ModeJSONObject, ModeTools, ModeFunction:
		return Mode(s)
	default:
		return ModeText
	}
}

// DetectMode classifies a request. response_format outranks tools, which
// outrank the legacy functions list.
func DetectMode(req *openai.ChatRequest) Mode {
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "json_schema":
			return ModeJSONSchema
		case "json_object":
			return ModeJSONObject
		}
	}
	if len(req.Tools) != 0 {
		return ModeTools
	}
	if len(req.Functions) != 0 {
		return ModeFunction
	}
	return ModeText
}

// NoTools is the tool schema hash of a request without tools.
const NoTools = "none"

// ToolSchemaHash hashes the tool definitions: each tool rewritten to sorted
// canonical JSON, the list sorted by tool name, the serialized list hashed.
// Tool order in the request does not matter; any schema difference does.
func ToolSchemaHash(tools []json.RawMessage) (string, error) {
	if len(tools) == 0 {
		return NoTools, nil
	}
	type namedTool struct {
		name  string
		canon string
	}
	entries := make([]namedTool, 0, len(tools))
	for i, raw := range tools {
		canon, err := canonical.SortedJSON(raw)
		if err != nil {
			return "", fmt.Errorf("tool %d: %w", i, err)
		}
		probe := struct {
			Name     string `json:"name"`
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		}{}
		_ = json.Unmarshal(raw, &probe)
		name := probe.Function.Name
		if name == "" {
			name = probe.Name
		}
		if name == "" {
			name = fmt.Sprintf("tool_%d", i)
		}
		entries = append(entries, namedTool{name, canon})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	b := strings.Builder{}
	b.WriteByte('[')
	for i, e := range entries {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(e.canon)
	}
	b.WriteByte(']')
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

// Bucket is a coarse temperature class. Entries only ever compete for a hit
// within the same or an adjacent bucket.
type Bucket string

// Buckets in adjacency order. "default" sits between high and very_high
// because an unset temperature means 1.0.
const (
	BucketZero     Bucket = "zero"
	BucketLow      Bucket = "low"
	BucketMedium   Bucket = "medium"
	BucketHigh     Bucket = "high"
	BucketDefault  Bucket = "default"
	BucketVeryHigh Bucket = "very_high"
)

var bucketOrder = []Bucket{BucketZero, BucketLow, BucketMedium, BucketHigh, BucketDefault, BucketVeryHigh}

// TempBucket buckets a temperature; nil means the documented default of 1.0.
func TempBucket(t *float64) Bucket {
	v := 1.0
	if t != nil {
		v = *t
	}
	switch {
	case v < 0.01:
		return BucketZero
	case v < 0.3:
		return BucketLow
	case v < 0.7:
		return BucketMedium
	case v < 0.9:
		return BucketHigh
	case math.Abs(v-1.0) < 0.01:
		return BucketDefault
	default:
		return BucketVeryHigh
	}
}

// BucketIndex returns the position in the adjacency order, or -1.
func BucketIndex(b Bucket) int {
	for i, o := range bucketOrder {
		if o == b {
			return i
		}
	}
	return -1
}

var familySuffixes = []*regexp.Regexp{
	regexp.MustCompile(`-\d{4}-\d{2}-\d{2}$`),
	regexp.MustCompile(`-\d{8}$`),
	regexp.MustCompile(`-\d{4}-\d{2}$`),
	regexp.MustCompile(`-\d{4}$`),
	regexp.MustCompile(`-v\d+(\.\d+)*$`),
	regexp.MustCompile(`-(preview|latest)$`),
}

// ModelFamily strips trailing date and version markers from a model name, so
// "gpt-4-0125-preview" and "gpt-4-0613" both belong to family "gpt-4".
func ModelFamily(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	for changed := true; changed; {
		changed = false
		for _, re := range familySuffixes {
			if n := re.ReplaceAllString(m, ""); n != m && n != "" {
				m = n
				changed = true
			}
		}
	}
	return m
}

// CompatPolicy decides when a cached entry's model satisfies a request.
type CompatPolicy string

const (
	// CompatStrict requires the exact model string.
	CompatStrict CompatPolicy = "strict"
	// CompatFamily accepts any model of the same family.
	CompatFamily CompatPolicy = "family"
	// CompatAny accepts everything.
	CompatAny CompatPolicy = "any"
)

// ParseCompatPolicy maps a header value to a policy, defaulting to strict.
func ParseCompatPolicy(s string) CompatPolicy {
	switch CompatPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case CompatFamily:
		return CompatFamily
	case CompatAny:
		return CompatAny
	default:
		return CompatStrict
	}
}

// ModelsCompatible applies a policy to a request and candidate model pair.
func ModelsCompatible(policy CompatPolicy, reqModel, candModel string) bool {
	switch policy {
	case CompatAny:
		return true
	case CompatFamily:
		return ModelFamily(reqModel) == ModelFamily(candModel)
	default:
		return reqModel == candModel
	}
}

// Fingerprint is everything the cache needs to identify a request. The raw
// prompt text is carried in memory for the embedder but is never persisted.
type Fingerprint struct {
	ExactKey       string
	CanonicalJSON  string
	PromptText     string
	MaskedPrompt   string
	RawDigest      string
	PII            bool
	SimHash        uint64
	Mode           Mode
	ToolSchemaHash string
	TempBucket     Bucket
	Model          string
	ModelFamily    string

	_ struct{}
}

// Compute runs the whole derivation pipeline over a parsed request and its
// raw body. secret, when set, keys the raw prompt digest.
func Compute(req *openai.ChatRequest, raw []byte, secret []byte) (*Fingerprint, error) {
	canon, key, err := canonical.Canonicalize(raw)
	if err != nil {
		return nil, err
	}
	tools := req.Tools
	if len(tools) == 0 {
		// Legacy function definitions carry their name at the top level;
		// ToolSchemaHash handles both shapes.
		tools = req.Functions
	}
	toolHash, err := ToolSchemaHash(tools)
	if err != nil {
		return nil, err
	}
	prompt := canonical.PromptText(req.Messages)
	masked := canonical.Mask(prompt)
	return &Fingerprint{
		ExactKey:       key,
		CanonicalJSON:  canon,
		PromptText:     prompt,
		MaskedPrompt:   masked.Text,
		RawDigest:      canonical.Digest(prompt, secret),
		PII:            masked.PII,
		SimHash:        SimHash(masked.Text),
		Mode:           DetectMode(req),
		ToolSchemaHash: toolHash,
		TempBucket:     TempBucket(req.Temperature),
		Model:          req.Model,
		ModelFamily:    ModelFamily(req.Model),
	}, nil
}
