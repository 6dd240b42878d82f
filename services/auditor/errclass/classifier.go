// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package errclass maps subsystem errors onto a fixed taxonomy of
// categories, severities, and recovery strategies, with actionable
// suggestions attached. The classification travels in the error envelope
// so callers can react programmatically.
package errclass

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/GanAuditor/services/auditor/environ"
	"github.com/AleutianAI/GanAuditor/services/auditor/judge"
	"github.com/AleutianAI/GanAuditor/services/auditor/procmgr"
	"github.com/AleutianAI/GanAuditor/services/auditor/session"
)

// Category groups errors by origin.
type Category string

const (
	// CategoryConfig covers invalid configuration and invalid requests.
	CategoryConfig Category = "config"

	// CategoryJudge covers judge discovery, execution, and parsing.
	CategoryJudge Category = "judge"

	// CategoryFilesystem covers workdir and path resolution.
	CategoryFilesystem Category = "filesystem"

	// CategorySession covers session persistence.
	CategorySession Category = "session"
)

// Severity ranks how bad the failure is.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Strategy names the recovery approach. Judge failures never map to a
// fallback strategy: a verdict is produced by the judge or not at all.
type Strategy string

const (
	// StrategyRetry means the same call may succeed if repeated.
	StrategyRetry Strategy = "retry"

	// StrategyUserIntervention means the caller must change something.
	StrategyUserIntervention Strategy = "user_intervention"

	// StrategyDegrade means continue with reduced functionality.
	StrategyDegrade Strategy = "degrade"

	// StrategyAbort means the operation cannot proceed.
	StrategyAbort Strategy = "abort"
)

// Classified is an error with its taxonomy attached.
type Classified struct {
	// Err is the underlying error.
	Err error

	// Category groups the error by origin.
	Category Category

	// Severity ranks the failure.
	Severity Severity

	// Recoverable reports whether the service can keep serving.
	Recoverable bool

	// Strategy names the recovery approach.
	Strategy Strategy

	// Suggestions are actionable next steps for the caller.
	Suggestions []string
}

// Error implements the error interface.
func (c *Classified) Error() string {
	return fmt.Sprintf("%s: %v", c.Category, c.Err)
}

// Unwrap exposes the underlying error to errors.Is and errors.As.
func (c *Classified) Unwrap() error {
	return c.Err
}

// rule is one classification table entry.
type rule struct {
	target      error
	category    Category
	severity    Severity
	recoverable bool
	strategy    Strategy
	suggestions []string
}

// rules is checked in order; first match wins. More specific sentinels
// come before broader ones.
var rules = []rule{
	{
		target:      judge.ErrMockForbidden,
		category:    CategoryConfig,
		severity:    SeverityCritical,
		recoverable: false,
		strategy:    StrategyAbort,
		suggestions: []string{
			"Remove CODEX_ALLOW_MOCK_FALLBACK from the environment",
			"Install a real judge executable instead of relying on fallbacks",
		},
	},
	{
		target:      environ.ErrExecutableNotFound,
		category:    CategoryJudge,
		severity:    SeverityCritical,
		recoverable: false,
		strategy:    StrategyUserIntervention,
		suggestions: []string{
			"Install the judge and ensure it is on PATH",
			"Set CODEX_EXECUTABLE to the full path of the judge binary",
			"Add candidate directories via CODEX_EXECUTABLE_PATHS",
		},
	},
	{
		target:      environ.ErrNotExecutable,
		category:    CategoryJudge,
		severity:    SeverityCritical,
		recoverable: false,
		strategy:    StrategyUserIntervention,
		suggestions: []string{
			"Grant execute permission on the judge binary (chmod +x)",
		},
	},
	{
		target:      judge.ErrUnavailable,
		category:    CategoryJudge,
		severity:    SeverityCritical,
		recoverable: false,
		strategy:    StrategyUserIntervention,
		suggestions: []string{
			"Install the judge and ensure it is on PATH",
			"Set CODEX_EXECUTABLE to the full path of the judge binary",
		},
	},
	{
		target:      judge.ErrTimeout,
		category:    CategoryJudge,
		severity:    SeverityError,
		recoverable: true,
		strategy:    StrategyRetry,
		suggestions: []string{
			"Increase the timeout via CODEX_TIMEOUT",
			"Reduce the audit scope so the judge has less to read",
		},
	},
	{
		target:      judge.ErrResponseInvalid,
		category:    CategoryJudge,
		severity:    SeverityError,
		recoverable: true,
		strategy:    StrategyRetry,
		suggestions: []string{
			"Retry the audit; the judge produced unparseable output",
			"Check the judge version supports --format json",
		},
	},
	{
		target:      judge.ErrExecution,
		category:    CategoryJudge,
		severity:    SeverityError,
		recoverable: true,
		strategy:    StrategyRetry,
		suggestions: []string{
			"Retry the audit",
			"Inspect the judge's stderr excerpt in the error detail",
		},
	},
	{
		target:      procmgr.ErrQueueTimeout,
		category:    CategoryJudge,
		severity:    SeverityError,
		recoverable: true,
		strategy:    StrategyRetry,
		suggestions: []string{
			"Retry once current audits drain",
			"Raise CODEX_MAX_CONCURRENT_PROCESSES if load is sustained",
		},
	},
	{
		target:      procmgr.ErrShutdown,
		category:    CategoryJudge,
		severity:    SeverityWarning,
		recoverable: false,
		strategy:    StrategyAbort,
		suggestions: []string{
			"The service is shutting down; resubmit after restart",
		},
	},
	{
		target:      environ.ErrNoWorkdir,
		category:    CategoryFilesystem,
		severity:    SeverityError,
		recoverable: false,
		strategy:    StrategyUserIntervention,
		suggestions: []string{
			"Run the service from inside a repository",
			"Set an explicit working directory override",
		},
	},
	{
		target:      environ.ErrPathMissing,
		category:    CategoryFilesystem,
		severity:    SeverityError,
		recoverable: false,
		strategy:    StrategyUserIntervention,
		suggestions: []string{
			"Ensure PATH is set in the service's environment",
			"Launch the service from a shell with a normal environment",
		},
	},
	{
		target:      session.ErrCorrupted,
		category:    CategorySession,
		severity:    SeverityWarning,
		recoverable: true,
		strategy:    StrategyDegrade,
		suggestions: []string{
			"The corrupted session was replaced with a fresh one",
			"Delete the session file to silence this warning",
		},
	},
	{
		target:      session.ErrPersist,
		category:    CategorySession,
		severity:    SeverityWarning,
		recoverable: true,
		strategy:    StrategyDegrade,
		suggestions: []string{
			"Check the state directory is writable",
			"Audit results are still returned; only history is lost",
		},
	},
	{
		target:      session.ErrNotFound,
		category:    CategorySession,
		severity:    SeverityWarning,
		recoverable: true,
		strategy:    StrategyDegrade,
		suggestions: []string{
			"A new session was created for the key",
		},
	},
}

// Classify attaches the taxonomy to err. Unmatched errors classify as a
// non-recoverable config error, the conservative default.
//
// # Inputs
//
//   - err: any error from the audit pipeline.
//
// # Outputs
//
//   - *Classified: never nil for a non-nil err; nil for a nil err.
func Classify(err error) *Classified {
	if err == nil {
		return nil
	}

	var already *Classified
	if errors.As(err, &already) {
		return already
	}

	for _, r := range rules {
		if errors.Is(err, r.target) {
			return &Classified{
				Err:         err,
				Category:    r.category,
				Severity:    r.severity,
				Recoverable: r.recoverable,
				Strategy:    r.strategy,
				Suggestions: r.suggestions,
			}
		}
	}

	return &Classified{
		Err:         err,
		Category:    CategoryConfig,
		Severity:    SeverityError,
		Recoverable: false,
		Strategy:    StrategyUserIntervention,
		Suggestions: []string{"Check the request payload and service configuration"},
	}
}
