// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/GanAuditor/services/auditor/datatypes"
)

// =============================================================================
// Inline Config Merge
// =============================================================================

// inlineConfig mirrors SessionConfig with pointer fields so absent keys
// are distinguishable from zero values. Unknown keys are ignored by the
// YAML decoder; JSON is a YAML subset, so both block styles parse here.
type inlineConfig struct {
	Task       *string  `yaml:"task" json:"task"`
	Scope      *string  `yaml:"scope" json:"scope"`
	Paths      []string `yaml:"paths" json:"paths"`
	Threshold  *int     `yaml:"threshold" json:"threshold"`
	MaxCycles  *int     `yaml:"maxCycles" json:"maxCycles"`
	Candidates *int     `yaml:"candidates" json:"candidates"`
	Judges     []string `yaml:"judges" json:"judges"`
	ApplyFixes *bool    `yaml:"applyFixes" json:"applyFixes"`
}

// mergeInlineConfig merges a gan-config block into cfg key by key.
//
// Invalid values fall back per key with a warning rather than rejecting
// the whole block; an unparseable block leaves cfg untouched. The merged
// config is normalized before returning, so paths/scope coupling and
// threshold clamps always hold afterwards.
func mergeInlineConfig(cfg *datatypes.SessionConfig, block string) []string {
	var warnings []string

	var in inlineConfig
	if err := yaml.Unmarshal([]byte(block), &in); err != nil {
		return []string{fmt.Sprintf("gan-config block ignored: %v", err)}
	}

	if in.Task != nil {
		if *in.Task == "" {
			warnings = append(warnings, "gan-config: empty task ignored")
		} else {
			cfg.Task = *in.Task
		}
	}
	if in.Scope != nil {
		s := datatypes.Scope(*in.Scope)
		if s.Valid() {
			cfg.Scope = s
		} else {
			warnings = append(warnings, fmt.Sprintf("gan-config: unknown scope %q ignored", *in.Scope))
		}
	}
	if in.Paths != nil {
		cfg.Paths = in.Paths
	}
	if in.Threshold != nil {
		cfg.Threshold = *in.Threshold
	}
	if in.MaxCycles != nil {
		if *in.MaxCycles >= 1 {
			cfg.MaxCycles = *in.MaxCycles
		} else {
			warnings = append(warnings, "gan-config: maxCycles must be >= 1, ignored")
		}
	}
	if in.Candidates != nil {
		if *in.Candidates >= 1 {
			cfg.Candidates = *in.Candidates
		} else {
			warnings = append(warnings, "gan-config: candidates must be >= 1, ignored")
		}
	}
	if in.Judges != nil {
		if len(in.Judges) > 0 {
			cfg.Judges = in.Judges
		} else {
			warnings = append(warnings, "gan-config: judges must be non-empty, ignored")
		}
	}
	if in.ApplyFixes != nil {
		cfg.ApplyFixes = *in.ApplyFixes
	}

	warnings = append(warnings, cfg.Normalize()...)
	return warnings
}
