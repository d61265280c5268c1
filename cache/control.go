// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package cache

import (
	"strings"

	"github.com/maruel/recall/fingerprint"
)

// Control carries the per-request cache directives parsed from x-cache-*
// headers. The zero value is not usable; start from DefaultControl.
type Control struct {
	// Bypass skips the lookup entirely and forces a miss.
	Bypass bool
	// Store gates write-through of the upstream response.
	Store bool
	// Exact and Template enable the two lookup tiers.
	Exact    bool
	Template bool
	// Compat overrides the model guardrail; empty keeps the engine default.
	Compat fingerprint.CompatPolicy
	// Experiment is an opaque tag echoed back to the client.
	Experiment string

	_ struct{}
}

// DefaultControl returns the directives of a request with no cache headers.
func DefaultControl() Control {
	return Control{Store: true, Exact: true, Template: true}
}

// ParseBool reads a permissive header boolean. Accepts true/false, 1/0,
// yes/no and on/off in any case; anything else falls back to def.
func ParseBool(s string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	default:
		return def
	}
}

// SetTiers applies an x-cache-mode value: "exact" and "template" restrict
// the lookup to one tier, "both", empty or garbage enable both.
func (c *Control) SetTiers(mode string) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "exact":
		c.Exact = true
		c.Template = false
	case "template":
		c.Exact = false
		c.Template = true
	default:
		c.Exact = true
		c.Template = true
	}
}
