// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package canonical reduces a chat completion request to its canonical form.
//
// Two requests that differ only in JSON key order, insignificant whitespace,
// float formatting or explicitly spelled out defaults produce the same
// canonical string and therefore the same exact cache key.
package canonical

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/maruel/recall/openai"
)

// Documented request defaults. A property spelled out with one of these
// values is indistinguishable from the property being absent, so it is
// removed from the canonical form.
var numericDefaults = map[string]float64{
	"temperature":       1.0,
	"top_p":             1.0,
	"n":                 1,
	"presence_penalty":  0.0,
	"frequency_penalty": 0.0,
}

const epsilon = 1e-4

// number is an already canonicalized numeric literal.
type number string

// Canonicalize parses the raw request body and returns its canonical JSON
// serialization along with the exact cache key, the lowercase hex SHA-256 of
// the canonical form.
func Canonicalize(raw []byte) (canonicalJSON string, exactKey string, err error) {
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	var v any
	if err = d.Decode(&v); err != nil {
		return "", "", fmt.Errorf("failed to parse request body: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", "", errors.New("request body must be a JSON object")
	}
	root := map[string]any{}
	for k, val := range obj {
		if isDefault(k, val) {
			continue
		}
		if n := normalize(val); n != nil {
			root[k] = n
		}
	}
	b := strings.Builder{}
	write(&b, root)
	canonicalJSON = b.String()
	sum := sha256.Sum256([]byte(canonicalJSON))
	return canonicalJSON, hex.EncodeToString(sum[:]), nil
}

// normalize applies the canonical form rules to one value. It returns nil for
// JSON null so callers drop the property entirely; "present null" and
// "absent" collapse to the same form.
func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			if n := normalize(val); n != nil {
				m[k] = n
			}
		}
		return m
	case []any:
		s := make([]any, 0, len(t))
		for _, val := range t {
			if n := normalize(val); n != nil {
				s = append(s, n)
			}
		}
		return s
	case json.Number:
		return roundNumber(t)
	case string:
		return normalizeString(t)
	default:
		// bool.
		return v
	}
}

// isDefault reports whether a root property carries its documented default.
// Checked against the raw value, before rounding.
func isDefault(key string, v any) bool {
	if key == "stream" {
		b, ok := v.(bool)
		return ok && !b
	}
	want, ok := numericDefaults[key]
	if !ok {
		return false
	}
	n, ok := v.(json.Number)
	if !ok {
		return false
	}
	f, err := n.Float64()
	return err == nil && math.Abs(f-want) < epsilon
}

// roundNumber rounds to 2 decimal places, half away from zero. Integer
// literals pass through untouched so large IDs keep full precision.
func roundNumber(n json.Number) number {
	s := string(n)
	if !strings.ContainsAny(s, ".eE") {
		return number(s)
	}
	f, err := n.Float64()
	if err != nil {
		return number(s)
	}
	f = math.Round(f*100) / 100
	return number(strconv.FormatFloat(f, 'f', -1, 64))
}

// normalizeString trims and collapses internal whitespace runs to one space.
func normalizeString(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// write serializes a normalized value deterministically: sorted keys, no
// insignificant whitespace, minimal escaping.
func write(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		b.WriteByte('{')
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeString(b, k)
			b.WriteByte(':')
			write(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, val := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			write(b, val)
		}
		b.WriteByte(']')
	case string:
		writeString(b, t)
	case number:
		b.WriteString(string(t))
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	}
}

// writeString escapes backslash, double quote, CR, LF and TAB only; anything
// else is emitted as raw UTF-8.
func writeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
}

// SortedJSON rewrites an arbitrary JSON document with keys sorted and nulls
// dropped, nothing else. Used for hashing tool definitions, where numbers and
// string contents must stay byte-exact.
func SortedJSON(raw []byte) (string, error) {
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	var v any
	if err := d.Decode(&v); err != nil {
		return "", fmt.Errorf("failed to parse JSON: %w", err)
	}
	n := sortValue(v)
	if n == nil {
		return "", nil
	}
	b := strings.Builder{}
	write(&b, n)
	return b.String(), nil
}

func sortValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			if n := sortValue(val); n != nil {
				m[k] = n
			}
		}
		return m
	case []any:
		s := make([]any, 0, len(t))
		for _, val := range t {
			if n := sortValue(val); n != nil {
				s = append(s, n)
			}
		}
		return s
	case json.Number:
		return number(t)
	default:
		return v
	}
}

// PromptText flattens the conversation into the text that gets fingerprinted:
// "<role>: <content>" lines in message order, system messages included.
func PromptText(msgs []openai.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		parts = append(parts, string(m.Role)+": "+m.Content)
	}
	return strings.Join(parts, "\n")
}

// Digest hashes the raw prompt for deduplication without storing it. With a
// secret configured it is a keyed HMAC-SHA256, otherwise a plain SHA-256.
func Digest(text string, secret []byte) string {
	if len(secret) != 0 {
		mac := hmac.New(sha256.New, secret)
		mac.Write([]byte(text))
		return hex.EncodeToString(mac.Sum(nil))
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
