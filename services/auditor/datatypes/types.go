// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the wire and session types shared by the
// auditor subsystems: the incoming thought, the per-session config, the
// judge verdict, and the combined tool response.
//
// Loosely typed inputs (inline config blocks, judge stdout) are validated
// at the boundary; everything past the parsers works only with the fully
// normalized records defined here.
package datatypes

import (
	"time"
)

// =============================================================================
// Thought (tool input)
// =============================================================================

// Thought is one step of the caller's reasoning stream.
//
// The body may embed fenced code blocks, unified diffs, or a `gan-config`
// block. BranchID doubles as the session key when present.
type Thought struct {
	// Thought is the free-text step body.
	Thought string `json:"thought" validate:"required"`

	// NextThoughtNeeded is the caller's own continuation flag. The
	// orchestrator may override it in the response.
	NextThoughtNeeded bool `json:"nextThoughtNeeded"`

	// ThoughtNumber is the 1-based step index.
	ThoughtNumber int `json:"thoughtNumber" validate:"gte=1"`

	// TotalThoughts is the caller's current estimate; it may grow.
	TotalThoughts int `json:"totalThoughts" validate:"gte=1"`

	// IsRevision marks this thought as revising an earlier one.
	IsRevision bool `json:"isRevision,omitempty"`

	// RevisesThought is the index being revised, when IsRevision is set.
	RevisesThought int `json:"revisesThought,omitempty"`

	// BranchFromThought is the index this branch forked from.
	BranchFromThought int `json:"branchFromThought,omitempty"`

	// BranchID identifies the branch and, when set, the audit session.
	BranchID string `json:"branchId,omitempty"`

	// NeedsMoreThoughts signals the caller expects to extend the plan.
	NeedsMoreThoughts bool `json:"needsMoreThoughts,omitempty"`
}

// =============================================================================
// Session Configuration
// =============================================================================

// Scope selects how much repository context an audit sees.
type Scope string

const (
	// ScopeDiff audits the working-tree diff. The default.
	ScopeDiff Scope = "diff"

	// ScopePaths audits an explicit list of paths.
	ScopePaths Scope = "paths"

	// ScopeWorkspace audits the whole workspace tree.
	ScopeWorkspace Scope = "workspace"
)

// Valid reports whether s is one of the recognized scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopeDiff, ScopePaths, ScopeWorkspace:
		return true
	}
	return false
}

// SessionConfig is the per-session audit configuration.
//
// Inline `gan-config` blocks merge over the persisted value key by key;
// unknown keys are ignored and invalid values fall back per key.
type SessionConfig struct {
	// Task is the instruction given to the judge.
	Task string `json:"task" yaml:"task"`

	// Scope selects the context gathering strategy.
	Scope Scope `json:"scope" yaml:"scope"`

	// Paths lists the files to audit. Required iff Scope is "paths".
	Paths []string `json:"paths,omitempty" yaml:"paths"`

	// Threshold is the pass score, clamped to [0,100].
	Threshold int `json:"threshold" yaml:"threshold" validate:"gte=0,lte=100"`

	// MaxCycles is the advisory per-call cycle budget, >= 1. The tiered
	// loop table remains authoritative for termination.
	MaxCycles int `json:"maxCycles" yaml:"maxCycles" validate:"gte=1"`

	// Candidates is the number of candidates the judge may weigh, >= 1.
	Candidates int `json:"candidates" yaml:"candidates" validate:"gte=1"`

	// Judges lists judge model names, in order.
	Judges []string `json:"judges" yaml:"judges" validate:"min=1"`

	// ApplyFixes asks the judge to emit a proposed_diff.
	ApplyFixes bool `json:"applyFixes" yaml:"applyFixes"`
}

// DefaultSessionConfig returns the documented defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Task:       "Audit and improve the provided candidate",
		Scope:      ScopeDiff,
		Threshold:  85,
		MaxCycles:  1,
		Candidates: 1,
		Judges:     []string{"internal"},
	}
}

// Normalize clamps out-of-range values in place and returns a warning per
// adjustment. A paths scope without paths downgrades to workspace.
func (c *SessionConfig) Normalize() []string {
	var warnings []string

	if c.Task == "" {
		c.Task = DefaultSessionConfig().Task
	}
	if !c.Scope.Valid() {
		warnings = append(warnings, "invalid scope, using diff")
		c.Scope = ScopeDiff
	}
	if c.Scope == ScopePaths && len(c.Paths) == 0 {
		warnings = append(warnings, "scope=paths requires a paths array, downgrading to workspace")
		c.Scope = ScopeWorkspace
	}
	if c.Threshold < 0 {
		warnings = append(warnings, "threshold below 0, clamped to 0")
		c.Threshold = 0
	}
	if c.Threshold > 100 {
		warnings = append(warnings, "threshold above 100, clamped to 100")
		c.Threshold = 100
	}
	if c.MaxCycles < 1 {
		c.MaxCycles = 1
	}
	if c.Candidates < 1 {
		c.Candidates = 1
	}
	if len(c.Judges) == 0 {
		c.Judges = []string{"internal"}
	}

	return warnings
}

// =============================================================================
// Audit Request
// =============================================================================

// RubricDimension is one weighted evaluation axis.
type RubricDimension struct {
	// Name identifies the dimension (e.g. "correctness").
	Name string `json:"name"`

	// Weight is the dimension's share of the overall score, in (0,1].
	Weight float64 `json:"weight"`

	// Description tells the judge what the dimension measures.
	Description string `json:"description,omitempty"`
}

// DefaultRubric returns the standard audit rubric.
func DefaultRubric() []RubricDimension {
	return []RubricDimension{
		{Name: "correctness", Weight: 0.35, Description: "Does the candidate do what the task requires without defects?"},
		{Name: "safety", Weight: 0.25, Description: "Does the candidate avoid destructive, insecure, or data-losing behavior?"},
		{Name: "maintainability", Weight: 0.2, Description: "Is the candidate clear, idiomatic, and easy to evolve?"},
		{Name: "tests", Weight: 0.2, Description: "Is the candidate adequately covered by tests or verifiable?"},
	}
}

// Budget caps one audit cycle.
type Budget struct {
	// MaxCycles is the advisory cycle budget from the session config.
	MaxCycles int `json:"maxCycles"`

	// Candidates is the number of candidates under consideration.
	Candidates int `json:"candidates"`

	// Threshold is the pass score for this session.
	Threshold int `json:"threshold"`
}

// AuditRequest is the immutable per-call bundle handed to the judge
// runtime. Built once per cycle; never mutated after construction.
type AuditRequest struct {
	// Task is the instruction text for the judge.
	Task string `json:"task"`

	// Candidate is the material under review (thought body plus any
	// embedded code or diff).
	Candidate string `json:"candidate"`

	// ContextPack is the bounded repository context.
	ContextPack string `json:"contextPack"`

	// Rubric lists the weighted dimensions, in order.
	Rubric []RubricDimension `json:"rubric"`

	// Budget caps the cycle.
	Budget Budget `json:"budget"`

	// SessionID identifies the owning session, for logging only.
	SessionID string `json:"sessionId,omitempty"`
}

// =============================================================================
// Verdict (judge output)
// =============================================================================

// VerdictTag is the judge's overall disposition.
type VerdictTag string

const (
	// VerdictPass means the candidate met the bar.
	VerdictPass VerdictTag = "pass"

	// VerdictRevise means the candidate needs another iteration.
	VerdictRevise VerdictTag = "revise"

	// VerdictReject means the candidate should be discarded.
	VerdictReject VerdictTag = "reject"
)

// Valid reports whether t is a recognized verdict tag.
func (t VerdictTag) Valid() bool {
	switch t {
	case VerdictPass, VerdictRevise, VerdictReject:
		return true
	}
	return false
}

// DimensionScore is one scored rubric dimension.
type DimensionScore struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// InlineComment is an actionable judge comment anchored to a file line.
type InlineComment struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Comment string `json:"comment"`
}

// Review carries the judge's prose output.
type Review struct {
	// Summary is the overall assessment.
	Summary string `json:"summary"`

	// Inline holds line-anchored comments, in order.
	Inline []InlineComment `json:"inline"`

	// Citations are repo://<path>:<start>-<end> references, in order.
	Citations []string `json:"citations"`
}

// JudgeCard records one judge model's contribution.
type JudgeCard struct {
	Model string `json:"model"`
	Score int    `json:"score"`
	Notes string `json:"notes,omitempty"`
}

// WorkflowStep is a prompt-aware per-step result, present only when the
// judge ran with a system prompt.
type WorkflowStep struct {
	Step     string   `json:"step"`
	Evidence []string `json:"evidence,omitempty"`
	Issues   []string `json:"issues,omitempty"`
}

// CompletionAnalysis is the judge's own view of session progress,
// present only in prompt-aware responses.
type CompletionAnalysis struct {
	// Status is one of "completed", "terminated", "in_progress".
	Status string `json:"status"`

	// NextThoughtNeeded is the judge's continuation recommendation.
	NextThoughtNeeded bool `json:"nextThoughtNeeded"`
}

// Verdict is the normalized result of one audit cycle.
//
// Invariants enforced by the judge runtime's normalizer: Overall in
// [0,100], Verdict a valid tag, every rubric dimension present exactly
// once in Dimensions, Iterations >= 1, JudgeCards non-empty.
type Verdict struct {
	// Overall is the weighted overall score, 0-100.
	Overall int `json:"overall"`

	// Dimensions holds one entry per rubric dimension, in rubric order.
	Dimensions []DimensionScore `json:"dimensions"`

	// Verdict is the disposition tag.
	Verdict VerdictTag `json:"verdict"`

	// Review is the judge's prose output.
	Review Review `json:"review"`

	// Iterations is the judge's internal iteration count, >= 1.
	Iterations int `json:"iterations"`

	// JudgeCards lists per-model contributions, never empty.
	JudgeCards []JudgeCard `json:"judge_cards"`

	// ProposedDiff is an optional unified diff with suggested fixes.
	ProposedDiff *string `json:"proposed_diff,omitempty"`

	// WorkflowSteps is present only for prompt-aware invocations.
	WorkflowSteps []WorkflowStep `json:"workflow_steps,omitempty"`

	// CompletionAnalysis is present only for prompt-aware invocations.
	CompletionAnalysis *CompletionAnalysis `json:"completion_analysis,omitempty"`
}

// ClampScore clamps a score into [0,100].
func ClampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// =============================================================================
// Session State
// =============================================================================

// AuditEntry is one history record: which step, what the judge said, when.
type AuditEntry struct {
	ThoughtNumber int       `json:"thoughtNumber"`
	Verdict       Verdict   `json:"verdict"`
	Timestamp     time.Time `json:"timestamp"`
}

// SessionState is the durable per-session record. The session store owns
// it exclusively; the orchestrator mutates it only under the session lock.
//
// Invariants: ID is stable for the session's lifetime; History is
// append-only; config merges preserve valid fields across calls.
type SessionState struct {
	ID          string        `json:"id"`
	Config      SessionConfig `json:"config"`
	History     []AuditEntry  `json:"history"`
	LastVerdict *Verdict      `json:"lastVerdict,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// NewSessionState creates a fresh session with default config.
func NewSessionState(id string) *SessionState {
	now := time.Now().UTC()
	return &SessionState{
		ID:        id,
		Config:    DefaultSessionConfig(),
		History:   make([]AuditEntry, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Loops returns the number of completed audit cycles for the session.
func (s *SessionState) Loops() int {
	return len(s.History)
}

// Append records one audit entry and refreshes the verdict cache.
func (s *SessionState) Append(thoughtNumber int, verdict Verdict) {
	s.History = append(s.History, AuditEntry{
		ThoughtNumber: thoughtNumber,
		Verdict:       verdict,
		Timestamp:     time.Now().UTC(),
	})
	v := verdict
	s.LastVerdict = &v
	s.UpdatedAt = time.Now().UTC()
}

// =============================================================================
// Combined Response
// =============================================================================

// Completion describes why a session finished, when it did.
type Completion struct {
	// Complete is true once a tier was satisfied or a stop fired.
	Complete bool `json:"complete"`

	// Reason is "tier1", "tier2", "tier3", "max-iterations", or
	// "stagnation".
	Reason string `json:"reason,omitempty"`
}

// Termination reasons.
const (
	ReasonMaxIterations = "max-iterations"
	ReasonStagnation    = "stagnation"
)

// CombinedResponse is the tool's success output: the baseline thought
// echo plus the audit results when an audit ran.
//
// Override rule: a revise/reject verdict forces NextThoughtNeeded true;
// a fired completion forces it false.
type CombinedResponse struct {
	ThoughtNumber        int      `json:"thoughtNumber"`
	TotalThoughts        int      `json:"totalThoughts"`
	NextThoughtNeeded    bool     `json:"nextThoughtNeeded"`
	Branches             []string `json:"branches"`
	ThoughtHistoryLength int      `json:"thoughtHistoryLength"`

	// SessionID is present whenever a session was resolved.
	SessionID string `json:"sessionId,omitempty"`

	// Gan is present whenever an audit ran.
	Gan *Verdict `json:"gan,omitempty"`

	// Completion is present once the session completed or terminated.
	Completion *Completion `json:"completion,omitempty"`

	// Warnings lists non-fatal degradations encountered this call.
	Warnings []string `json:"warnings,omitempty"`
}
