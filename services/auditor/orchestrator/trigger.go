// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"regexp"
	"strings"
)

// =============================================================================
// Trigger Detection
// =============================================================================

var (
	// ganConfigFenceRe captures the body of a ```gan-config fenced block.
	ganConfigFenceRe = regexp.MustCompile("(?s)```gan-config\\s*\n(.*?)```")

	// codeFenceRe matches any fenced code block.
	codeFenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\s*\n.*?```")

	// diffMarkerRe matches unified diff headers and hunks.
	diffMarkerRe = regexp.MustCompile(`(?m)^(diff --git |--- [ab/]|\+\+\+ [ab/]|@@ -\d+)`)
)

// languageTokens are bare-code hints checked when no fence or diff marker
// is present. Matched at line starts to keep prose from triggering audits.
var languageTokens = []string{
	"func ", "package ", "import (", "type ", "class ", "def ",
	"#include", "public class", "const ", "let ", "var ", "fn ",
	"impl ", "interface ", "SELECT ", "CREATE TABLE",
}

// detectTrigger reports whether the thought body warrants an audit and
// returns the inline config block body when one is present.
//
// A gan-config fence is itself a trigger, as are any other code fence,
// diff markers, and bare-code tokens.
func detectTrigger(body string) (triggered bool, configBlock string) {
	if m := ganConfigFenceRe.FindStringSubmatch(body); m != nil {
		configBlock = m[1]
		triggered = true
		// Strip the config fence so the remaining checks see only
		// candidate code.
		body = ganConfigFenceRe.ReplaceAllString(body, "")
	}

	if codeFenceRe.MatchString(body) {
		return true, configBlock
	}
	if diffMarkerRe.MatchString(body) {
		return true, configBlock
	}
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		for _, tok := range languageTokens {
			if strings.HasPrefix(trimmed, tok) {
				return true, configBlock
			}
		}
	}
	return triggered, configBlock
}
