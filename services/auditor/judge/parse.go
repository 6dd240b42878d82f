// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package judge

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/GanAuditor/services/auditor/datatypes"
)

// defaultSummary is used when the judge returned no usable summary.
const defaultSummary = "Audit completed; the judge returned no summary."

// citationRe matches the repo://<path>:<start>-<end> citation shape.
var citationRe = regexp.MustCompile(`^repo://.+:\d+-\d+$`)

// Greedy extraction patterns. Each recovers one field from otherwise
// malformed judge output.
var (
	greedyOverallRe    = regexp.MustCompile(`"overall"\s*:\s*(-?\d+(?:\.\d+)?)`)
	greedyVerdictRe    = regexp.MustCompile(`"verdict"\s*:\s*"([A-Za-z]+)"`)
	greedyDimensionsRe = regexp.MustCompile(`"dimensions"\s*:\s*(\[(?:[^\[\]]|\[[^\[\]]*\])*\])`)
	greedySummaryRe    = regexp.MustCompile(`"summary"\s*:\s*"((?:[^"\\]|\\.)*)"`)
	greedyIterationsRe = regexp.MustCompile(`"iterations"\s*:\s*(\d+)`)
)

// =============================================================================
// Raw (boundary) types
// =============================================================================

// rawVerdict mirrors the judge's response with every field optional and
// loosely typed. Validation happens in normalize.
type rawVerdict struct {
	Overall            *float64                       `json:"overall"`
	Verdict            *string                        `json:"verdict"`
	Dimensions         []rawDimension                 `json:"dimensions"`
	Review             *rawReview                     `json:"review"`
	Iterations         *float64                       `json:"iterations"`
	JudgeCards         []rawJudgeCard                 `json:"judge_cards"`
	ProposedDiff       *string                        `json:"proposed_diff"`
	WorkflowSteps      []datatypes.WorkflowStep       `json:"workflow_steps"`
	CompletionAnalysis *datatypes.CompletionAnalysis  `json:"completion_analysis"`
}

type rawDimension struct {
	Name  any `json:"name"`
	Score any `json:"score"`
}

type rawReview struct {
	Summary   *string     `json:"summary"`
	Inline    []rawInline `json:"inline"`
	Citations []any       `json:"citations"`
}

type rawInline struct {
	Path    *string  `json:"path"`
	Line    *float64 `json:"line"`
	Comment *string  `json:"comment"`
}

type rawJudgeCard struct {
	Model any `json:"model"`
	Score any `json:"score"`
	Notes any `json:"notes"`
}

// =============================================================================
// Parsing
// =============================================================================

// parseVerdict turns judge stdout into a normalized Verdict.
//
// # Description
//
//	Attempts a strict JSON parse first. On failure, falls back to
//	greedy field-level extraction; when not a single field is
//	recoverable the output is malformed beyond recovery and
//	ErrResponseInvalid surfaces.
//
// # Outputs
//
//   - *datatypes.Verdict: the normalized verdict.
//   - []string: normalization warnings (dropped comments, filled
//     dimensions, prompt-aware fields missing).
//   - error: ErrResponseInvalid when nothing was recoverable.
func parseVerdict(stdout []byte, rubric []datatypes.RubricDimension, promptAware bool) (*datatypes.Verdict, []string, error) {
	var raw rawVerdict
	if err := json.Unmarshal(stdout, &raw); err != nil {
		recovered, ok := greedyExtract(string(stdout))
		if !ok {
			return nil, nil, fmt.Errorf("%w: %v", ErrResponseInvalid, err)
		}
		raw = *recovered
		verdict, warnings := normalize(raw, rubric, promptAware)
		warnings = append([]string{"strict parse failed, fields recovered greedily"}, warnings...)
		return verdict, warnings, nil
	}

	verdict, warnings := normalize(raw, rubric, promptAware)
	return verdict, warnings, nil
}

// greedyExtract recovers individual fields by pattern from malformed
// output. Returns false when no field at all was recoverable.
func greedyExtract(s string) (*rawVerdict, bool) {
	raw := &rawVerdict{}
	found := false

	if m := greedyOverallRe.FindStringSubmatch(s); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			raw.Overall = &v
			found = true
		}
	}
	if m := greedyVerdictRe.FindStringSubmatch(s); m != nil {
		tag := strings.ToLower(m[1])
		raw.Verdict = &tag
		found = true
	}
	if m := greedyDimensionsRe.FindStringSubmatch(s); m != nil {
		var dims []rawDimension
		if err := json.Unmarshal([]byte(m[1]), &dims); err == nil && len(dims) > 0 {
			raw.Dimensions = dims
			found = true
		}
	}
	if m := greedySummaryRe.FindStringSubmatch(s); m != nil {
		if summary, err := strconv.Unquote(`"` + m[1] + `"`); err == nil {
			raw.Review = &rawReview{Summary: &summary}
			found = true
		}
	}
	if m := greedyIterationsRe.FindStringSubmatch(s); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			raw.Iterations = &v
			found = true
		}
	}

	return raw, found
}

// =============================================================================
// Normalization
// =============================================================================

// normalize applies the verdict invariants to a raw response:
// scores clamped and rounded, unknown verdicts mapped to revise, every
// rubric dimension present exactly once, malformed comments and
// citations dropped, iterations >= 1, judge cards non-empty.
func normalize(raw rawVerdict, rubric []datatypes.RubricDimension, promptAware bool) (*datatypes.Verdict, []string) {
	var warnings []string

	overall := 0
	if raw.Overall != nil {
		overall = datatypes.ClampScore(int(math.Round(*raw.Overall)))
	}

	tag := datatypes.VerdictRevise
	if raw.Verdict != nil {
		candidate := datatypes.VerdictTag(strings.ToLower(*raw.Verdict))
		if candidate.Valid() {
			tag = candidate
		} else {
			warnings = append(warnings, fmt.Sprintf("unknown verdict %q mapped to revise", *raw.Verdict))
		}
	}

	verdict := &datatypes.Verdict{
		Overall:    overall,
		Verdict:    tag,
		Dimensions: normalizeDimensions(raw.Dimensions, rubric, overall, &warnings),
		Review:     normalizeReview(raw.Review, &warnings),
		Iterations: 1,
	}

	if raw.Iterations != nil && int(math.Round(*raw.Iterations)) > 1 {
		verdict.Iterations = int(math.Round(*raw.Iterations))
	}

	verdict.JudgeCards = normalizeJudgeCards(raw.JudgeCards, overall, &warnings)

	if raw.ProposedDiff != nil && *raw.ProposedDiff != "" {
		verdict.ProposedDiff = raw.ProposedDiff
		if _, err := diff.ParseMultiFileDiff([]byte(*raw.ProposedDiff)); err != nil {
			warnings = append(warnings, "proposed_diff is not a well-formed unified diff")
		}
	}

	if promptAware {
		normalizePromptAware(raw, verdict, &warnings)
	}

	return verdict, warnings
}

// normalizeDimensions builds the output dimension list: rubric order
// first (missing entries filled with the overall score), then any valid
// extra dimensions the judge volunteered, each name exactly once.
func normalizeDimensions(raws []rawDimension, rubric []datatypes.RubricDimension, overall int, warnings *[]string) []datatypes.DimensionScore {
	scores := make(map[string]int, len(raws))
	var extraOrder []string

	for _, r := range raws {
		name, ok := r.Name.(string)
		if !ok || name == "" {
			*warnings = append(*warnings, "dropped dimension with invalid name")
			continue
		}
		score, ok := asNumber(r.Score)
		if !ok {
			*warnings = append(*warnings, fmt.Sprintf("dropped dimension %q with invalid score", name))
			continue
		}
		if _, seen := scores[name]; seen {
			continue
		}
		scores[name] = datatypes.ClampScore(int(math.Round(score)))
		extraOrder = append(extraOrder, name)
	}

	inRubric := make(map[string]bool, len(rubric))
	out := make([]datatypes.DimensionScore, 0, len(rubric))
	for _, dim := range rubric {
		inRubric[dim.Name] = true
		score, ok := scores[dim.Name]
		if !ok {
			score = overall
			*warnings = append(*warnings, fmt.Sprintf("dimension %q filled with overall score", dim.Name))
		}
		out = append(out, datatypes.DimensionScore{Name: dim.Name, Score: score})
	}
	for _, name := range extraOrder {
		if !inRubric[name] {
			out = append(out, datatypes.DimensionScore{Name: name, Score: scores[name]})
		}
	}
	return out
}

func normalizeReview(raw *rawReview, warnings *[]string) datatypes.Review {
	review := datatypes.Review{
		Summary:   defaultSummary,
		Inline:    make([]datatypes.InlineComment, 0),
		Citations: make([]string, 0),
	}
	if raw == nil {
		return review
	}

	if raw.Summary != nil && strings.TrimSpace(*raw.Summary) != "" {
		review.Summary = *raw.Summary
	}

	for _, c := range raw.Inline {
		if c.Path == nil || *c.Path == "" || c.Line == nil || c.Comment == nil || *c.Comment == "" {
			*warnings = append(*warnings, "dropped inline comment with missing fields")
			continue
		}
		line := int(math.Round(*c.Line))
		if line < 1 {
			*warnings = append(*warnings, fmt.Sprintf("dropped inline comment on %s with line < 1", *c.Path))
			continue
		}
		review.Inline = append(review.Inline, datatypes.InlineComment{
			Path:    *c.Path,
			Line:    line,
			Comment: *c.Comment,
		})
	}

	for _, c := range raw.Citations {
		s, ok := c.(string)
		if !ok {
			*warnings = append(*warnings, "dropped non-string citation")
			continue
		}
		if !citationRe.MatchString(s) {
			*warnings = append(*warnings, fmt.Sprintf("dropped citation %q not matching repo:// shape", s))
			continue
		}
		review.Citations = append(review.Citations, s)
	}

	return review
}

func normalizeJudgeCards(raws []rawJudgeCard, overall int, warnings *[]string) []datatypes.JudgeCard {
	cards := make([]datatypes.JudgeCard, 0, len(raws))
	for _, r := range raws {
		model, ok := r.Model.(string)
		if !ok || model == "" {
			*warnings = append(*warnings, "dropped judge card with invalid model")
			continue
		}
		score, ok := asNumber(r.Score)
		if !ok {
			*warnings = append(*warnings, fmt.Sprintf("dropped judge card %q with invalid score", model))
			continue
		}
		card := datatypes.JudgeCard{
			Model: model,
			Score: datatypes.ClampScore(int(math.Round(score))),
		}
		if notes, ok := r.Notes.(string); ok {
			card.Notes = notes
		}
		cards = append(cards, card)
	}

	if len(cards) == 0 {
		cards = append(cards, datatypes.JudgeCard{Model: "internal", Score: overall})
	}
	return cards
}

// normalizePromptAware validates the prompt-aware extension fields.
// Missing fields are warnings, never errors; the Verdict is returned
// regardless.
func normalizePromptAware(raw rawVerdict, verdict *datatypes.Verdict, warnings *[]string) {
	if len(raw.WorkflowSteps) == 0 {
		*warnings = append(*warnings, "prompt-aware response missing workflow_steps")
	} else {
		verdict.WorkflowSteps = raw.WorkflowSteps
	}

	if raw.CompletionAnalysis == nil {
		*warnings = append(*warnings, "prompt-aware response missing completion_analysis")
		return
	}
	switch raw.CompletionAnalysis.Status {
	case "completed", "terminated", "in_progress":
		verdict.CompletionAnalysis = raw.CompletionAnalysis
	default:
		*warnings = append(*warnings, fmt.Sprintf("completion_analysis has unknown status %q", raw.CompletionAnalysis.Status))
		verdict.CompletionAnalysis = raw.CompletionAnalysis
	}
}

// asNumber accepts float64 (JSON numbers) and numeric strings.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		return parsed, err == nil
	default:
		return 0, false
	}
}
