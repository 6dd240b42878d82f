// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"github.com/AleutianAI/GanAuditor/services/auditor/datatypes"
)

// =============================================================================
// Tiered Completion
// =============================================================================

// Tier pairs a score floor with a loop budget. A passing verdict
// satisfies the tier when its score meets the floor while the session is
// still within the budget, so long sessions get a progressively lower
// bar before the hard stop ends them.
type Tier struct {
	Score int
	Loops int
}

// CompletionPolicy is the tier table plus the unconditional hard stop.
type CompletionPolicy struct {
	// Tiers are checked in order; the first satisfied tier fires.
	Tiers [3]Tier

	// HardStop terminates at this loop count regardless of score.
	HardStop int
}

// DefaultCompletionPolicy returns the standard table: 95@10, 90@15,
// 85@20, hard stop 25.
func DefaultCompletionPolicy() CompletionPolicy {
	return CompletionPolicy{
		Tiers:    [3]Tier{{Score: 95, Loops: 10}, {Score: 90, Loops: 15}, {Score: 85, Loops: 20}},
		HardStop: 25,
	}
}

// tierReasons index-aligns with CompletionPolicy.Tiers.
var tierReasons = [3]string{"tier1", "tier2", "tier3"}

// Evaluate applies the tier table to the latest verdict and the session's
// completed loop count. The hard stop is checked first; it fires on loop
// count alone, regardless of verdict. Tiers fire only on a passing
// verdict: a revise or reject below the session threshold must not end
// the session just because its raw score clears a tier floor.
//
// Returns nil when the session should keep iterating.
func (p CompletionPolicy) Evaluate(tag datatypes.VerdictTag, score, loops int) *datatypes.Completion {
	if p.HardStop > 0 && loops >= p.HardStop {
		return &datatypes.Completion{Complete: true, Reason: datatypes.ReasonMaxIterations}
	}
	if tag != datatypes.VerdictPass {
		return nil
	}
	for i, t := range p.Tiers {
		if score >= t.Score && loops <= t.Loops {
			return &datatypes.Completion{Complete: true, Reason: tierReasons[i]}
		}
	}
	return nil
}
