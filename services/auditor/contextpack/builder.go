// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package contextpack assembles the bounded repository context handed to
// the judge: a git header, a file tree, and scope-dependent content,
// truncated from the tail to a token budget with header and tree kept
// intact.
package contextpack

import (
	"context"
	"errors"
	"strings"

	"github.com/AleutianAI/GanAuditor/services/auditor/datatypes"
)

// ErrBuild indicates context gathering failed. Callers degrade to a
// minimal pack rather than failing the audit cycle.
var ErrBuild = errors.New("contextpack: build failed")

// DefaultTokenBudget is the default context budget, in estimated tokens.
const DefaultTokenBudget = 200_000

// truncationNotice marks a pack cut to budget.
const truncationNotice = "\n[context truncated to token budget]"

// BuildRequest describes one context assembly.
type BuildRequest struct {
	// Workdir is the repository to gather from.
	Workdir string

	// Scope selects the gathering strategy.
	Scope datatypes.Scope

	// Paths lists the files for ScopePaths.
	Paths []string

	// TokenBudget caps the pack size. Zero uses DefaultTokenBudget.
	TokenBudget int
}

// Pack is an assembled repository context.
type Pack struct {
	// Content is the full pack text sent to the judge.
	Content string

	// Header is the git header section (always retained).
	Header string

	// FileTree is the tree section (always retained).
	FileTree string

	// Truncated is true when body content was cut to budget.
	Truncated bool

	// TokenEstimate is the estimated token count of Content.
	TokenEstimate int
}

// Builder assembles context packs.
//
// Implementations must be safe for concurrent use.
type Builder interface {
	// Build assembles a pack for the request.
	//
	// Errors: ErrBuild (wrapped) on gathering failure; callers fall
	// back to Minimal.
	Build(ctx context.Context, req BuildRequest) (*Pack, error)

	// Minimal returns the degraded pack: git header only.
	Minimal(ctx context.Context, workdir string) *Pack
}

// estimateTokens approximates tokens as bytes/4, the usual heuristic
// for code-heavy text.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// assemble joins sections and truncates body content from the tail so
// the header and tree survive whole.
func assemble(header, tree string, body []string, budget int) *Pack {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}

	var b strings.Builder
	b.WriteString(header)
	if tree != "" {
		b.WriteString("\n")
		b.WriteString(tree)
	}

	pack := &Pack{Header: header, FileTree: tree}
	used := estimateTokens(b.String())

	for _, section := range body {
		cost := estimateTokens(section) + 1
		if used+cost > budget {
			remaining := (budget - used) * 4
			if remaining > len(truncationNotice)+64 {
				b.WriteString("\n")
				b.WriteString(section[:remaining-len(truncationNotice)])
			}
			b.WriteString(truncationNotice)
			pack.Truncated = true
			break
		}
		b.WriteString("\n")
		b.WriteString(section)
		used += cost
	}

	pack.Content = b.String()
	pack.TokenEstimate = estimateTokens(pack.Content)
	return pack
}
