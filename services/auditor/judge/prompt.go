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

	"github.com/AleutianAI/GanAuditor/services/auditor/datatypes"
)

// baseInstructions is the fixed instruction list sent with every audit.
var baseInstructions = []string{
	"Evaluate the candidate against each rubric dimension on a 0-100 scale.",
	"Compute the overall score as the weighted average of the dimension scores.",
	"Emit actionable inline comments, each with a file path, a 1-based line, and a concrete fix.",
	"Emit citations for every claim in the form repo://<path>:<start>-<end>.",
	"Return a single JSON object matching the response schema; no prose outside the object.",
}

// promptAwareInstructions are appended when a system prompt is embedded.
var promptAwareInstructions = []string{
	"Execute the workflow steps declared in system_prompt, in order.",
	"Emit a workflow_steps array with per-step evidence and issues.",
	"Emit a completion_analysis object with a status and a next-step recommendation.",
}

// promptDocument is the structured input written to the judge's stdin.
type promptDocument struct {
	Task         string                       `json:"task"`
	Candidate    string                       `json:"candidate"`
	Context      string                       `json:"context"`
	Rubric       []datatypes.RubricDimension  `json:"rubric"`
	Budget       datatypes.Budget             `json:"budget"`
	Instructions []string                     `json:"instructions"`
	SystemPrompt string                       `json:"system_prompt,omitempty"`
}

// assemblePrompt builds the single structured input document.
//
// A supplied system prompt is embedded as a distinct field and switches
// the instruction list into prompt-aware mode.
func assemblePrompt(req datatypes.AuditRequest, systemPrompt string) ([]byte, error) {
	doc := promptDocument{
		Task:         req.Task,
		Candidate:    req.Candidate,
		Context:      req.ContextPack,
		Rubric:       req.Rubric,
		Budget:       req.Budget,
		Instructions: baseInstructions,
		SystemPrompt: systemPrompt,
	}
	if systemPrompt != "" {
		doc.Instructions = append(append([]string{}, baseInstructions...), promptAwareInstructions...)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("judge: assembling prompt: %w", err)
	}
	return data, nil
}
