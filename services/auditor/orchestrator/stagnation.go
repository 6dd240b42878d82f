// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"strings"
	"sync"
)

// =============================================================================
// Stagnation Detection
// =============================================================================

// StagnationConfig tunes the loop-breaker.
type StagnationConfig struct {
	// StartLoop is the first loop at which detection is active.
	// Default: 10.
	StartLoop int

	// Threshold is the candidate similarity that counts as stagnant,
	// in [0,1]. Default: 0.95.
	Threshold float64
}

func (c *StagnationConfig) applyDefaults() {
	if c.StartLoop <= 0 {
		c.StartLoop = 10
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		c.Threshold = 0.95
	}
}

// stagnationTracker keeps per-session candidate history in memory and
// flags sessions whose candidates stopped changing.
//
// Detection requires two consecutive above-threshold similarities, so a
// single resubmission never terminates a session.
//
// Thread Safety: Safe for concurrent use; the orchestrator additionally
// serializes same-session calls via the session lock.
type stagnationTracker struct {
	cfg StagnationConfig

	mu       sync.Mutex
	sessions map[string]*stagnationState
}

type stagnationState struct {
	history     []map[string]struct{}
	prevSimilar bool
}

func newStagnationTracker(cfg StagnationConfig) *stagnationTracker {
	cfg.applyDefaults()
	return &stagnationTracker{
		cfg:      cfg,
		sessions: make(map[string]*stagnationState),
	}
}

// Observe records the candidate for the loop about to run and reports
// whether the session is stagnant. loop is 1-based (loops completed + 1).
//
// The candidate is compared against every prior candidate in the
// session, so alternating resubmissions are caught, not just verbatim
// repeats of the last one. similarity is the best match found.
func (t *stagnationTracker) Observe(sessionID, candidate string, loop int) (stagnant bool, similarity float64) {
	tokens := tokenSet(candidate)

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.sessions[sessionID]
	if !ok {
		st = &stagnationState{}
		t.sessions[sessionID] = st
	}

	for _, prior := range st.history {
		if s := jaccard(prior, tokens); s > similarity {
			similarity = s
		}
	}
	similar := len(st.history) > 0 && similarity >= t.cfg.Threshold

	if loop >= t.cfg.StartLoop && similar && st.prevSimilar {
		stagnant = true
	}

	st.prevSimilar = similar
	st.history = append(st.history, tokens)
	return stagnant, similarity
}

// Forget drops a session's history, e.g. after it completes.
func (t *stagnationTracker) Forget(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, sessionID)
}

// tokenSet lowercases and splits on whitespace. Token identity, not
// ordering, is what similarity measures; shuffled identical code still
// reads as stagnant.
func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = struct{}{}
	}
	return set
}

// jaccard is intersection over union of two token sets.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 1
	}
	return float64(inter) / float64(union)
}
