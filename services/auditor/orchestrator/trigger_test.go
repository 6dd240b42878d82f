// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectTriggerCodeFence(t *testing.T) {
	triggered, cfg := detectTrigger("Here is my fix:\n```go\nfunc main() {}\n```\n")
	assert.True(t, triggered)
	assert.Empty(t, cfg)
}

func TestDetectTriggerPlainFence(t *testing.T) {
	triggered, _ := detectTrigger("```\nsome code\n```")
	assert.True(t, triggered)
}

func TestDetectTriggerDiffMarkers(t *testing.T) {
	triggered, _ := detectTrigger("diff --git a/x.go b/x.go\n--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-a\n+b")
	assert.True(t, triggered)
}

func TestDetectTriggerBareCode(t *testing.T) {
	triggered, _ := detectTrigger("func Add(a, b int) int {\n\treturn a + b\n}")
	assert.True(t, triggered)

	triggered, _ = detectTrigger("  def add(a, b):\n    return a + b")
	assert.True(t, triggered)
}

func TestDetectTriggerProseDoesNot(t *testing.T) {
	triggered, cfg := detectTrigger("I think we should refactor the parser next. It's getting unwieldy.")
	assert.False(t, triggered)
	assert.Empty(t, cfg)
}

func TestDetectTriggerGanConfigFence(t *testing.T) {
	body := "Update settings.\n```gan-config\nthreshold: 90\n```\nThat's all."
	triggered, cfg := detectTrigger(body)
	assert.True(t, triggered, "a gan-config fence is a trigger in its own right")
	assert.Contains(t, cfg, "threshold: 90")
}

func TestDetectTriggerGanConfigPlusCode(t *testing.T) {
	body := "```gan-config\nscope: workspace\n```\n```go\nfunc main() {}\n```"
	triggered, cfg := detectTrigger(body)
	assert.True(t, triggered)
	assert.Contains(t, cfg, "scope: workspace")
}
