// Copyright 2025 Marc-Antoine Ruel. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package cache

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/maruel/recall/embed"
	"github.com/maruel/recall/fingerprint"
)

// Composite weights. Semantic similarity dominates so a structurally
// identical masked template with a different concrete URL or ID cannot win
// on structure alone.
const (
	weightSemantic   = 0.6
	weightStructural = 0.2
	weightParam      = 0.1
	weightRecency    = 0.1

	// recencyScaleHours makes the recency component decay to ~0.37 after a
	// week.
	recencyScaleHours = 168
	topPEpsilon       = 0.01
)

// composite blends the similarity components for one candidate. semantic
// reports whether embeddings on both sides participated; without them the
// remaining weights are renormalized so the score still spans [0,1] and the
// caller raises the admission threshold.
func composite(fp *fingerprint.Fingerprint, reqTopP *float64, reqEmb []float32, e *Entry, now time.Time) (score float64, semantic bool) {
	structural := 1 - float64(fingerprint.Hamming(fp.SimHash, e.SimHash))/64
	param := (tempCloseness(fp.TempBucket, e.TempBucket) + topPCloseness(reqTopP, topPOf(e.RequestJSON))) / 2
	recency := recencyScore(e.CreatedAt, now)
	if len(reqEmb) == 0 || len(e.Embedding) == 0 {
		return 0.5*structural + 0.25*param + 0.25*recency, false
	}
	sem := (embed.Dot(reqEmb, e.Embedding) + 1) / 2
	return weightSemantic*sem + weightStructural*structural + weightParam*param + weightRecency*recency, true
}

// tempCloseness compares temperature buckets: equal 1.0, adjacent in the
// ordered bucket list 0.5, otherwise 0. An entry written before buckets were
// recorded counts as a half match.
func tempCloseness(req, cached fingerprint.Bucket) float64 {
	if cached == "" {
		return 0.5
	}
	if req == cached {
		return 1
	}
	i := fingerprint.BucketIndex(req)
	j := fingerprint.BucketIndex(cached)
	if i < 0 || j < 0 {
		return 0
	}
	if i-j == 1 || j-i == 1 {
		return 0.5
	}
	return 0
}

// topPCloseness treats absent top_p as the documented default 1.0 and calls
// values equal within 1e-2 a full match, anything else 0.8.
func topPCloseness(req, cached *float64) float64 {
	a, b := 1.0, 1.0
	if req != nil {
		a = *req
	}
	if cached != nil {
		b = *cached
	}
	if math.Abs(a-b) <= topPEpsilon {
		return 1
	}
	return 0.8
}

// topPOf recovers top_p from a stored request blob.
func topPOf(requestJSON []byte) *float64 {
	if len(requestJSON) == 0 {
		return nil
	}
	var v struct {
		TopP *float64 `json:"top_p"`
	}
	if err := json.Unmarshal(requestJSON, &v); err != nil {
		return nil
	}
	return v.TopP
}

func recencyScore(created, now time.Time) float64 {
	if created.IsZero() {
		return 0.5
	}
	ageHours := now.Sub(created).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	return math.Exp(-ageHours / recencyScaleHours)
}

type scored struct {
	entry    *Entry
	score    float64
	semantic bool
}

// best orders admitted candidates by score, breaking ties by freshness then
// by hit count, and returns the winner.
func best(candidates []scored) *scored {
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if !a.entry.CreatedAt.Equal(b.entry.CreatedAt) {
			return a.entry.CreatedAt.After(b.entry.CreatedAt)
		}
		return a.entry.HitCount > b.entry.HitCount
	})
	return &candidates[0]
}
