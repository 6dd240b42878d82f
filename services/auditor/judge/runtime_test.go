// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package judge

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GanAuditor/services/auditor/datatypes"
	"github.com/AleutianAI/GanAuditor/services/auditor/environ"
	"github.com/AleutianAI/GanAuditor/services/auditor/procmgr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// fakeExecutor scripts subprocess results per call.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    int
	requests []procmgr.Request
	results  []fakeResult
}

type fakeResult struct {
	result *procmgr.Result
	err    error
}

func (f *fakeExecutor) Execute(_ context.Context, req procmgr.Request) (*procmgr.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	r := f.results[i]
	return r.result, r.err
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// newTestRuntime builds a runtime whose discovery finds a stub binary in
// a temp dir, and whose executor is fully scripted.
func newTestRuntime(t *testing.T, cfg Config, exec Executor) *Runtime {
	t.Helper()

	dir := t.TempDir()
	stub := filepath.Join(dir, "codex")
	require.NoError(t, os.WriteFile(stub, []byte("#!/bin/sh\n"), 0755))
	t.Setenv("PATH", dir)

	resolver := environ.NewResolver(environ.Config{WorkdirOverride: dir}, testLogger())
	discovery := environ.NewDiscovery(environ.DiscoveryConfig{}, resolver, exec, testLogger())

	rt, err := NewRuntime(cfg, resolver, discovery, exec, testLogger())
	require.NoError(t, err)
	return rt
}

func auditRequest() datatypes.AuditRequest {
	return datatypes.AuditRequest{
		Task:      "review",
		Candidate: "code",
		Rubric:    datatypes.DefaultRubric(),
		SessionID: "s1",
	}
}

func TestNewRuntimeRejectsMockFallback(t *testing.T) {
	_, err := NewRuntime(Config{AllowMockFallback: true}, nil, nil, nil, testLogger())
	assert.ErrorIs(t, err, ErrMockForbidden)
}

func TestAuditSuccess(t *testing.T) {
	exec := &fakeExecutor{results: []fakeResult{
		{result: &procmgr.Result{ExitCode: 0, Stdout: []byte("codex 1.0")}}, // version probe
		{result: &procmgr.Result{ExitCode: 0, Stdout: []byte(`{"overall": 91, "verdict": "pass"}`)}},
	}}
	rt := newTestRuntime(t, Config{}, exec)

	verdict, err := rt.Audit(context.Background(), auditRequest())
	require.NoError(t, err)
	assert.Equal(t, 91, verdict.Overall)
	assert.Equal(t, datatypes.VerdictPass, verdict.Verdict)

	// Call 0 is the version probe; call 1 is the audit.
	exec.mu.Lock()
	defer exec.mu.Unlock()
	last := exec.requests[len(exec.requests)-1]
	assert.Equal(t, []string{"audit", "--format", "json", "--headless", "--stdin"}, last.Args)
	assert.NotEmpty(t, last.Stdin)
	assert.NotEmpty(t, last.Env)
}

func TestAuditEnhancedFlag(t *testing.T) {
	exec := &fakeExecutor{results: []fakeResult{
		{result: &procmgr.Result{ExitCode: 0, Stdout: []byte("codex 1.0")}}, // version probe
		{result: &procmgr.Result{ExitCode: 0, Stdout: []byte(`{"overall": 91, "verdict": "pass"}`)}},
	}}
	rt := newTestRuntime(t, Config{SystemPrompt: "workflow"}, exec)

	_, err := rt.Audit(context.Background(), auditRequest())
	require.NoError(t, err)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	last := exec.requests[len(exec.requests)-1]
	assert.Contains(t, last.Args, "--enhanced")
}

func TestAuditRetriesTransientFailure(t *testing.T) {
	exec := &fakeExecutor{results: []fakeResult{
		{result: &procmgr.Result{ExitCode: 0, Stdout: []byte("codex 1.0")}}, // version probe
		{result: &procmgr.Result{ExitCode: 1, Stderr: []byte("transient")}},
		{result: &procmgr.Result{ExitCode: 0, Stdout: []byte(`{"overall": 80, "verdict": "pass"}`)}},
	}}
	rt := newTestRuntime(t, Config{MaxRetries: 2, RetryDelay: time.Millisecond}, exec)

	verdict, err := rt.Audit(context.Background(), auditRequest())
	require.NoError(t, err)
	assert.Equal(t, 80, verdict.Overall)
	assert.Equal(t, 3, exec.callCount())
}

func TestAuditRetriesExhausted(t *testing.T) {
	exec := &fakeExecutor{results: []fakeResult{
		{result: &procmgr.Result{ExitCode: 0, Stdout: []byte("codex 1.0")}}, // version probe
		{result: &procmgr.Result{ExitCode: 1, Stderr: []byte("still broken")}},
	}}
	rt := newTestRuntime(t, Config{MaxRetries: 2, RetryDelay: time.Millisecond}, exec)

	_, err := rt.Audit(context.Background(), auditRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecution)
	// Probe, first attempt, two retries.
	assert.Equal(t, 4, exec.callCount())
}

func TestAuditZeroRetriesDisablesRetries(t *testing.T) {
	exec := &fakeExecutor{results: []fakeResult{
		{result: &procmgr.Result{ExitCode: 0, Stdout: []byte("codex 1.0")}}, // version probe
		{result: &procmgr.Result{ExitCode: 1, Stderr: []byte("transient")}},
	}}
	rt := newTestRuntime(t, Config{MaxRetries: 0, RetryDelay: time.Millisecond}, exec)

	_, err := rt.Audit(context.Background(), auditRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecution)
	// Probe plus exactly one attempt: zero means no retries at all.
	assert.Equal(t, 2, exec.callCount())
}

func TestAuditTimeoutNotRetried(t *testing.T) {
	exec := &fakeExecutor{results: []fakeResult{
		{result: &procmgr.Result{ExitCode: 0, Stdout: []byte("codex 1.0")}}, // version probe
		{result: &procmgr.Result{TimedOut: true, Duration: time.Second}},
	}}
	rt := newTestRuntime(t, Config{MaxRetries: 3, RetryDelay: time.Millisecond}, exec)

	_, err := rt.Audit(context.Background(), auditRequest())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 2, exec.callCount())
}

func TestAuditInvalidResponseNotRetried(t *testing.T) {
	exec := &fakeExecutor{results: []fakeResult{
		{result: &procmgr.Result{ExitCode: 0, Stdout: []byte("codex 1.0")}}, // version probe
		{result: &procmgr.Result{ExitCode: 0, Stdout: []byte("no json here")}},
	}}
	rt := newTestRuntime(t, Config{MaxRetries: 3, RetryDelay: time.Millisecond}, exec)

	_, err := rt.Audit(context.Background(), auditRequest())
	assert.ErrorIs(t, err, ErrResponseInvalid)
	assert.Equal(t, 2, exec.callCount())
}

func TestAuditQueueTimeoutIsTransient(t *testing.T) {
	exec := &fakeExecutor{results: []fakeResult{
		{result: &procmgr.Result{ExitCode: 0, Stdout: []byte("codex 1.0")}}, // version probe
		{err: procmgr.ErrQueueTimeout},
		{result: &procmgr.Result{ExitCode: 0, Stdout: []byte(`{"overall": 80, "verdict": "pass"}`)}},
	}}
	rt := newTestRuntime(t, Config{MaxRetries: 1, RetryDelay: time.Millisecond}, exec)

	verdict, err := rt.Audit(context.Background(), auditRequest())
	require.NoError(t, err)
	assert.Equal(t, 80, verdict.Overall)
}

func TestAuditExecutableMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	exec := &fakeExecutor{results: []fakeResult{{result: &procmgr.Result{ExitCode: 0}}}}

	resolver := environ.NewResolver(environ.Config{WorkdirOverride: t.TempDir()}, testLogger())
	discovery := environ.NewDiscovery(environ.DiscoveryConfig{}, resolver, exec, testLogger())
	rt, err := NewRuntime(Config{}, resolver, discovery, exec, testLogger())
	require.NoError(t, err)

	_, err = rt.Audit(context.Background(), auditRequest())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestValidateRequireAvailable(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	exec := &fakeExecutor{results: []fakeResult{{result: &procmgr.Result{ExitCode: 0}}}}

	resolver := environ.NewResolver(environ.Config{}, testLogger())
	discovery := environ.NewDiscovery(environ.DiscoveryConfig{}, resolver, exec, testLogger())

	rt, err := NewRuntime(Config{RequireAvailable: true}, resolver, discovery, exec, testLogger())
	require.NoError(t, err)
	assert.Error(t, rt.Validate(context.Background()))

	rt, err = NewRuntime(Config{RequireAvailable: false}, resolver, discovery, exec, testLogger())
	require.NoError(t, err)
	assert.NoError(t, rt.Validate(context.Background()))
}

func TestExecutionErrorExcerpt(t *testing.T) {
	long := make([]byte, 2048)
	for i := range long {
		long[i] = 'x'
	}
	err := &ExecutionError{ExitCode: 2, Stderr: string(long)}
	assert.ErrorIs(t, err, ErrExecution)
	assert.Less(t, len(err.Error()), 1024)
}
