// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package canonical

import (
	"regexp"
	"strings"
)

// Masked is the template form of a prompt: variable content replaced by
// placeholder tokens so that "summarize https://a" and "summarize https://b"
// collapse to the same template.
type Masked struct {
	// Text is the masked prompt.
	Text string
	// PII is true when an email, phone or card pattern matched the raw text.
	PII bool

	_ struct{}
}

type maskPattern struct {
	name string
	re   *regexp.Regexp
	repl string
}

// Ordered by specificity; each pattern rewrites the output of the previous
// one, so earlier patterns consume overlapping ranges first.
var maskPatterns = []maskPattern{
	{"UUID", regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`), "{UUID}"},
	{"URL", regexp.MustCompile(`https?://[^\s\)\]\}"'<>]+`), "{URL}"},
	{"EMAIL", regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), "{EMAIL}"},
	{"DATE", regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`), "{DATE}"},
	{"DATE", regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{2,4}\b`), "{DATE}"},
	{"IP", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`), "{IP}"},
	{"CARD", regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`), "{CARD}"},
	{"PHONE", regexp.MustCompile(`\b\d{3}[-.\s]?\d{3}[-.\s]?\d{4}\b`), "{PHONE}"},
	{"NUM", regexp.MustCompile(`\b\d+\.\d+\b`), "{NUM}"},
	{"NUM", regexp.MustCompile(`\b\d{4,}\b`), "{NUM}"},
	{"HASH", regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`), "{HASH}"},
	{"PATH", regexp.MustCompile(`[/\\](?:[^/\\\s]+[/\\])+[^/\\\s]*`), "{PATH}"},
}

var (
	codeSpan       = regexp.MustCompile("```[\\s\\S]*?```|`[^`]+`")
	codeIdentifier = regexp.MustCompile(`(?i)\b[a-z_][a-z0-9_]{2,}\b`)
)

// Words that keep their spelling inside code spans; everything else that
// looks like an identifier becomes {VAR}.
var codeKeywords = map[string]struct{}{
	"if": {}, "else": {}, "for": {}, "while": {}, "do": {}, "switch": {},
	"case": {}, "break": {}, "continue": {}, "return": {}, "function": {},
	"def": {}, "class": {}, "import": {}, "from": {}, "as": {}, "try": {},
	"catch": {}, "finally": {}, "throw": {}, "async": {}, "await": {},
	"const": {}, "let": {}, "var": {}, "public": {}, "private": {},
	"protected": {}, "static": {}, "void": {}, "int": {}, "string": {},
	"boolean": {}, "true": {}, "false": {}, "null": {}, "undefined": {},
	"new": {}, "this": {}, "super": {},
}

// Mask replaces variable content in text with placeholders. The result is
// deterministic and idempotent: masking a masked prompt is a no-op.
func Mask(text string) Masked {
	if text == "" {
		return Masked{}
	}
	masked := text
	for _, p := range maskPatterns {
		masked = p.re.ReplaceAllLiteralString(masked, p.repl)
	}
	masked = maskCodeSpans(masked)
	return Masked{Text: masked, PII: ContainsPII(text)}
}

// ContainsPII reports whether the raw text matches an email, phone or card
// pattern. Tested against the raw text, before any masking rewrites it.
func ContainsPII(text string) bool {
	if text == "" {
		return false
	}
	for _, p := range maskPatterns {
		switch p.name {
		case "EMAIL", "PHONE", "CARD":
			if p.re.MatchString(text) {
				return true
			}
		}
	}
	return false
}

// maskCodeSpans rewrites identifiers inside fenced blocks and backtick spans.
func maskCodeSpans(text string) string {
	return codeSpan.ReplaceAllStringFunc(text, func(code string) string {
		return codeIdentifier.ReplaceAllStringFunc(code, func(ident string) string {
			if _, ok := codeKeywords[strings.ToLower(ident)]; ok {
				return ident
			}
			return "{VAR}"
		})
	})
}
