// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package cache

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/maruel/recall/fingerprint"
	"github.com/maruel/recall/openai"
)

// Guard failure reasons, used as metric labels.
const (
	guardExpired = "expired"
	guardMode    = "mode"
	guardTools   = "tool_schema"
	guardModel   = "model"
	guardSchema  = "json_schema"
)

// checkGuards applies the hard gates a candidate must pass before scoring.
// Returns the name of the failed gate, empty on pass.
func checkGuards(fp *fingerprint.Fingerprint, policy fingerprint.CompatPolicy, schema *jsonschema.Resolved, e *Entry, now time.Time) string {
	if e.Expired(now) {
		return guardExpired
	}
	if fp.Mode != e.Mode {
		return guardMode
	}
	if normToolHash(fp.ToolSchemaHash) != normToolHash(e.ToolSchemaHash) {
		return guardTools
	}
	if !fingerprint.ModelsCompatible(policy, fp.Model, e.Model) {
		return guardModel
	}
	if schema != nil && !contentValidates(schema, e.ResponseJSON) {
		return guardSchema
	}
	return ""
}

// Entries written before tool hashing carry an empty hash; treat it as the
// no-tools sentinel.
func normToolHash(h string) string {
	if h == "" {
		return fingerprint.NoTools
	}
	return h
}

// resolveSchema compiles the request's response-format schema. Callers only
// invoke it in json_schema mode; a schema that does not compile disables
// template matching for the request, since candidate compliance cannot be
// checked.
func resolveSchema(req *openai.ChatRequest) (*jsonschema.Resolved, error) {
	if req.ResponseFormat == nil || req.ResponseFormat.JSONSchema == nil || len(req.ResponseFormat.JSONSchema.Schema) == 0 {
		return nil, errors.New("request has no json schema")
	}
	s := &jsonschema.Schema{}
	d := json.NewDecoder(bytes.NewReader(req.ResponseFormat.JSONSchema.Schema))
	d.UseNumber()
	if err := d.Decode(s); err != nil {
		return nil, err
	}
	return s.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
}

// contentValidates parses the cached assistant content as JSON and checks it
// against the request's schema.
func contentValidates(schema *jsonschema.Resolved, responseJSON []byte) bool {
	resp := openai.ChatResponse{}
	if err := json.Unmarshal(responseJSON, &resp); err != nil {
		return false
	}
	content := resp.Content()
	if content == "" {
		return false
	}
	var v any
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		return false
	}
	return schema.Validate(v) == nil
}
