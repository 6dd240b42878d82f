// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package judge translates audit requests into invocations of the
// external code-review CLI and normalizes its verdicts.
//
// Production policy is fail-fast: when the executable is absent or its
// output is malformed beyond greedy recovery, the error surfaces. The
// runtime never synthesizes a verdict, and a configuration that would
// allow it is rejected at construction.
package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/GanAuditor/services/auditor/datatypes"
	"github.com/AleutianAI/GanAuditor/services/auditor/environ"
	"github.com/AleutianAI/GanAuditor/services/auditor/procmgr"
	"github.com/AleutianAI/GanAuditor/services/auditor/telemetry"
)

// Executor runs subprocesses. Satisfied by *procmgr.Manager.
type Executor interface {
	Execute(ctx context.Context, req procmgr.Request) (*procmgr.Result, error)
}

// Config tunes the judge runtime.
type Config struct {
	// Timeout is the per-invocation deadline. Default: 30s.
	Timeout time.Duration

	// MaxRetries bounds retries for transient errors. Zero disables
	// retries entirely; the config layer supplies the default of 1.
	MaxRetries int

	// RetryDelay is the backoff base; attempt n waits
	// RetryDelay * 2^n. Default: 1s.
	RetryDelay time.Duration

	// RequireAvailable makes Validate fail when discovery fails.
	RequireAvailable bool

	// ValidateOnStartup runs discovery at construction time instead of
	// lazily on first audit.
	ValidateOnStartup bool

	// AllowMockFallback must be false. True is rejected at startup.
	AllowMockFallback bool

	// SystemPrompt, when set, is embedded in every prompt and switches
	// on prompt-aware response validation.
	SystemPrompt string
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
}

// Runtime is the judge runtime.
//
// Thread Safety: Safe for concurrent use. Discovery runs once and is
// cached; failed discovery is retried on the next audit.
type Runtime struct {
	cfg       Config
	resolver  *environ.Resolver
	discovery *environ.Discovery
	exec      Executor
	logger    *slog.Logger

	mu  sync.Mutex
	exe *environ.Executable
}

// NewRuntime creates a judge runtime.
//
// # Inputs
//
//   - cfg: runtime configuration. AllowMockFallback=true is rejected.
//   - resolver: environment resolver.
//   - discovery: executable discovery.
//   - exec: the process manager.
//   - logger: base logger.
//
// # Outputs
//
//   - *Runtime: the runtime.
//   - error: ErrMockForbidden when the config enables mock fallback.
func NewRuntime(cfg Config, resolver *environ.Resolver, discovery *environ.Discovery, exec Executor, logger *slog.Logger) (*Runtime, error) {
	if cfg.AllowMockFallback {
		return nil, fmt.Errorf("%w: CODEX_ALLOW_MOCK_FALLBACK must be false in production", ErrMockForbidden)
	}
	cfg.applyDefaults()

	return &Runtime{
		cfg:       cfg,
		resolver:  resolver,
		discovery: discovery,
		exec:      exec,
		logger:    logger.With(slog.String("subsystem", "judge")),
	}, nil
}

// Validate performs startup validation: executable discovery and the
// version probe. Honors RequireAvailable.
func (r *Runtime) Validate(ctx context.Context) error {
	if _, err := r.ensureExecutable(ctx); err != nil {
		if r.cfg.RequireAvailable {
			return err
		}
		r.logger.Warn("judge unavailable at startup", slog.Any("error", err))
	}
	return nil
}

// ensureExecutable returns the cached executable, discovering on first
// use. Failures are wrapped as ErrUnavailable and not cached.
func (r *Runtime) ensureExecutable(ctx context.Context) (*environ.Executable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exe != nil {
		return r.exe, nil
	}

	exe, err := r.discovery.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.exe = exe
	return exe, nil
}

// Audit runs one judge invocation for the request.
//
// # Description
//
//	Assembles the prompt document, invokes the judge through the
//	process manager with `audit --format json --headless --stdin`
//	(plus --enhanced when a system prompt is configured), and parses
//	the response. Transient execution failures are retried with
//	exponential backoff; ErrUnavailable, ErrTimeout, and
//	ErrResponseInvalid are not retryable.
//
// # Outputs
//
//   - *datatypes.Verdict: the normalized verdict.
//   - error: ErrUnavailable, ErrTimeout, ErrExecution (after retries),
//     or ErrResponseInvalid. Never a synthetic verdict.
//
// Thread Safety: Safe for concurrent use.
func (r *Runtime) Audit(ctx context.Context, req datatypes.AuditRequest) (*datatypes.Verdict, error) {
	exe, err := r.ensureExecutable(ctx)
	if err != nil {
		return nil, err
	}

	env, err := r.resolver.PrepareEnv()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	workdir, err := r.resolver.ResolveWorkdir()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	prompt, err := assemblePrompt(req, r.cfg.SystemPrompt)
	if err != nil {
		return nil, err
	}

	args := []string{"audit", "--format", "json", "--headless", "--stdin"}
	promptAware := r.cfg.SystemPrompt != ""
	if promptAware {
		args = append(args, "--enhanced")
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		verdict, err := r.invoke(ctx, exe.Path, args, workdir, env, prompt, req, attempt)
		if err == nil {
			return verdict, nil
		}
		lastErr = err

		if !retryable(err) || attempt >= r.cfg.MaxRetries {
			return nil, lastErr
		}

		backoff := r.cfg.RetryDelay * (1 << attempt)
		r.logger.Warn("judge invocation failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.Any("error", err),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("judge: retry wait: %w", ctx.Err())
		}
	}
}

// invoke runs one attempt and parses its output.
func (r *Runtime) invoke(ctx context.Context, path string, args []string, workdir string, env []string, prompt []byte, req datatypes.AuditRequest, attempt int) (*datatypes.Verdict, error) {
	ctx, span := telemetry.StartJudgeSpan(ctx, req.SessionID, attempt)
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, r.logger)

	start := time.Now()
	result, err := r.exec.Execute(ctx, procmgr.Request{
		Path:    path,
		Args:    args,
		Dir:     workdir,
		Env:     env,
		Stdin:   prompt,
		Timeout: r.cfg.Timeout,
	})
	if err != nil {
		if errors.Is(err, procmgr.ErrQueueTimeout) {
			// Slot contention, not a judge fault; transient.
			return nil, fmt.Errorf("%w: %v", ErrExecution, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if result.TimedOut {
		return nil, fmt.Errorf("%w: after %s (stderr: %s)", ErrTimeout, result.Duration.Round(time.Millisecond), string(result.Stderr))
	}
	if result.ExitCode != 0 {
		return nil, &ExecutionError{ExitCode: result.ExitCode, Stderr: string(result.Stderr)}
	}

	verdict, warnings, err := parseVerdict(result.Stdout, req.Rubric, r.cfg.SystemPrompt != "")
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		logger.Warn("verdict normalization", slog.String("warning", w), slog.String("session_id", req.SessionID))
	}

	telemetry.SetVerdictAttributes(span, verdict.Overall, string(verdict.Verdict))
	logger.Info("judge verdict",
		slog.String("session_id", req.SessionID),
		slog.Int("overall", verdict.Overall),
		slog.String("verdict", string(verdict.Verdict)),
		slog.Duration("duration", time.Since(start)),
	)
	return verdict, nil
}

// retryable reports whether an error is transient. Timeouts surface to
// the orchestrator; unavailability and malformed responses never heal
// on retry.
func retryable(err error) bool {
	return errors.Is(err, ErrExecution)
}
