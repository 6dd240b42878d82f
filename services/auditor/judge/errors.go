// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package judge

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable indicates the judge executable is absent or failed
	// validation. Never recovered with a synthetic verdict.
	ErrUnavailable = errors.New("judge: executable unavailable")

	// ErrExecution indicates the judge ran and exited non-zero.
	ErrExecution = errors.New("judge: execution failed")

	// ErrTimeout indicates the judge exceeded its deadline and was
	// terminated by the process manager.
	ErrTimeout = errors.New("judge: execution timed out")

	// ErrResponseInvalid indicates stdout was malformed beyond greedy
	// recovery.
	ErrResponseInvalid = errors.New("judge: response invalid")

	// ErrMockForbidden indicates a configuration tried to enable mock
	// fallback, which production policy rejects at startup.
	ErrMockForbidden = errors.New("judge: mock fallback is forbidden")
)

// ExecutionError carries the judge's exit code and verbatim stderr.
type ExecutionError struct {
	ExitCode int
	Stderr   string
}

// Error formats the exit code and a stderr excerpt.
func (e *ExecutionError) Error() string {
	stderr := e.Stderr
	if len(stderr) > 512 {
		stderr = stderr[:512] + "..."
	}
	return fmt.Sprintf("judge: execution failed: exit %d: %s", e.ExitCode, stderr)
}

// Is matches ExecutionError against ErrExecution.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrExecution
}
