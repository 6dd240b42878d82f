// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contextpack

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleWithinBudget(t *testing.T) {
	pack := assemble("=== GIT ===\nbranch: main", "=== TREE ===\na.go", []string{"body one", "body two"}, 1000)

	assert.False(t, pack.Truncated)
	assert.Contains(t, pack.Content, "branch: main")
	assert.Contains(t, pack.Content, "a.go")
	assert.Contains(t, pack.Content, "body one")
	assert.Contains(t, pack.Content, "body two")
	assert.Greater(t, pack.TokenEstimate, 0)
}

func TestAssembleTruncatesBodyKeepsHeaderAndTree(t *testing.T) {
	header := "=== GIT ===\nbranch: main"
	tree := "=== TREE ===\na.go\nb.go"
	big := strings.Repeat("x", 10000)

	pack := assemble(header, tree, []string{big}, 100)

	assert.True(t, pack.Truncated)
	assert.Contains(t, pack.Content, "branch: main")
	assert.Contains(t, pack.Content, "b.go")
	assert.Contains(t, pack.Content, "[context truncated to token budget]")
	assert.Less(t, len(pack.Content), len(big))
}

func TestAssembleTruncatesFromTail(t *testing.T) {
	first := "FIRST " + strings.Repeat("a", 200)
	last := "LAST " + strings.Repeat("z", 2000)

	pack := assemble("=== GIT ===", "", []string{first, last}, 120)

	assert.True(t, pack.Truncated)
	assert.Contains(t, pack.Content, "FIRST")
	assert.NotContains(t, pack.Content, strings.Repeat("z", 2000))
}

func TestAssembleZeroBudgetUsesDefault(t *testing.T) {
	pack := assemble("=== GIT ===", "", []string{"section"}, 0)
	assert.False(t, pack.Truncated)
	assert.Contains(t, pack.Content, "section")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.Equal(t, 1, estimateTokens("abc"))
	assert.Equal(t, 1, estimateTokens("abcd"))
	assert.Equal(t, 2, estimateTokens("abcde"))
}

func TestSummarizeDiff(t *testing.T) {
	raw := "diff --git a/x.go b/x.go\n--- a/x.go\n+++ b/x.go\n@@ -1,2 +1,3 @@\n context\n-old\n+new\n+added\n"

	summary := summarizeDiff(raw)

	require.NotEmpty(t, summary)
	assert.Contains(t, summary, "=== CHANGED FILES ===")
	assert.Contains(t, summary, "x.go (+2 -1)")
}

func TestSummarizeDiffMalformed(t *testing.T) {
	assert.Empty(t, summarizeDiff("not a diff at all"))
}
