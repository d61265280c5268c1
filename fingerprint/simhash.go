// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package fingerprint

import (
	"math/bits"
	"strings"

	"github.com/spaolacci/murmur3"
)

// Token weighting for the SimHash vote. Rare, long or identifier-like tokens
// dominate; stop words barely count; trigrams provide a smoothing floor so
// short prompts still spread across the 64 bits.
const (
	weightBase       = 10
	weightStopWord   = 2
	weightLongBonus  = 5
	weightIdentBonus = 3
	weightTrigram    = 1
)

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {},
	"on": {}, "at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {},
	"from": {}, "as": {}, "is": {}, "was": {}, "are": {}, "be": {}, "been": {},
	"have": {}, "has": {}, "had": {}, "do": {}, "does": {}, "did": {},
	"will": {}, "would": {}, "could": {}, "should": {}, "may": {},
	"might": {}, "can": {}, "this": {}, "that": {}, "these": {}, "those": {},
}

// SimHash computes the 64-bit fingerprint of a masked prompt. Near-identical
// templates land within a few bits of Hamming distance of each other.
func SimHash(text string) uint64 {
	norm := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	if norm == "" {
		return 0
	}
	weights := map[string]int{}
	for _, tok := range strings.Split(norm, " ") {
		if len(tok) < 2 {
			continue
		}
		w := weightBase
		if _, ok := stopWords[tok]; ok {
			w = weightStopWord
		}
		if len(tok) > 8 {
			w += weightLongBonus
		}
		if hasIdentChar(tok) {
			w += weightIdentBonus
		}
		weights[tok] += w
	}
	for i := 0; i+3 <= len(norm); i++ {
		weights[norm[i:i+3]] += weightTrigram
	}
	var acc [64]int
	for tok, w := range weights {
		h := murmur3.Sum64([]byte(tok))
		for i := 0; i < 64; i++ {
			if h&(1<<uint(i)) != 0 {
				acc[i] += w
			} else {
				acc[i] -= w
			}
		}
	}
	var fp uint64
	for i := 0; i < 64; i++ {
		if acc[i] > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

func hasIdentChar(tok string) bool {
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if c >= '0' && c <= '9' || c == '_' || c == '-' {
			return true
		}
	}
	return false
}

// Hamming is the bit distance between two fingerprints.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}
