// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GanAuditor/services/auditor/contextpack"
	"github.com/AleutianAI/GanAuditor/services/auditor/datatypes"
	"github.com/AleutianAI/GanAuditor/services/auditor/environ"
	"github.com/AleutianAI/GanAuditor/services/auditor/errclass"
	"github.com/AleutianAI/GanAuditor/services/auditor/judge"
	"github.com/AleutianAI/GanAuditor/services/auditor/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// fakeJudge returns scripted verdicts in order, then repeats the last.
type fakeJudge struct {
	mu       sync.Mutex
	calls    int
	requests []datatypes.AuditRequest
	verdicts []*datatypes.Verdict
	err      error
}

func (f *fakeJudge) Audit(_ context.Context, req datatypes.AuditRequest) (*datatypes.Verdict, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls - 1
	if i >= len(f.verdicts) {
		i = len(f.verdicts) - 1
	}
	v := *f.verdicts[i]
	return &v, nil
}

func verdictWith(tag datatypes.VerdictTag, score int) *datatypes.Verdict {
	return &datatypes.Verdict{
		Overall:    score,
		Verdict:    tag,
		Dimensions: []datatypes.DimensionScore{{Name: "correctness", Score: score}},
		Review:     datatypes.Review{Summary: "s", Inline: []datatypes.InlineComment{}, Citations: []string{}},
		Iterations: 1,
		JudgeCards: []datatypes.JudgeCard{{Model: "internal", Score: score}},
	}
}

func passVerdict(score int) *datatypes.Verdict {
	tag := datatypes.VerdictPass
	if score < 85 {
		tag = datatypes.VerdictRevise
	}
	return verdictWith(tag, score)
}

// fakeBuilder serves canned packs and optionally fails Build.
type fakeBuilder struct {
	fail bool
}

func (f *fakeBuilder) Build(_ context.Context, req contextpack.BuildRequest) (*contextpack.Pack, error) {
	if f.fail {
		return nil, fmt.Errorf("%w: git exploded", contextpack.ErrBuild)
	}
	return &contextpack.Pack{Content: "full context", TokenEstimate: 3}, nil
}

func (f *fakeBuilder) Minimal(context.Context, string) *contextpack.Pack {
	return &contextpack.Pack{Content: "minimal context", TokenEstimate: 2}
}

// failingStore wraps a real store and fails every Save.
type failingStore struct {
	session.Store
}

func (f *failingStore) Save(context.Context, *datatypes.SessionState) error {
	return fmt.Errorf("%w: disk full", session.ErrPersist)
}

type fixture struct {
	orch  *Orchestrator
	judge *fakeJudge
	store session.Store
}

func newFixture(t *testing.T, cfg Config, j *fakeJudge) *fixture {
	t.Helper()
	return newFixtureWithStore(t, cfg, j, nil)
}

func newFixtureWithStore(t *testing.T, cfg Config, j *fakeJudge, store session.Store) *fixture {
	t.Helper()

	if store == nil {
		s, err := session.NewFileStore(filepath.Join(t.TempDir(), ".mcp-gan-state"), testLogger())
		require.NoError(t, err)
		store = s
	}
	if cfg.Completion.HardStop == 0 {
		cfg.Completion = DefaultCompletionPolicy()
	}
	cfg.Enabled = true

	resolver := environ.NewResolver(environ.Config{WorkdirOverride: t.TempDir()}, testLogger())
	orch := New(cfg, j, &fakeBuilder{}, store, resolver, testLogger())
	return &fixture{orch: orch, judge: j, store: store}
}

func codeThought(n int, body string) datatypes.Thought {
	return datatypes.Thought{
		Thought:           body,
		ThoughtNumber:     n,
		TotalThoughts:     n,
		NextThoughtNeeded: true,
		BranchID:          "sess-1",
	}
}

const codeBody = "```go\nfunc Add(a, b int) int { return a + b }\n```"

func TestProcessUntriggeredThoughtEchoes(t *testing.T) {
	f := newFixture(t, Config{}, &fakeJudge{verdicts: []*datatypes.Verdict{passVerdict(90)}})

	resp, err := f.orch.Process(context.Background(), datatypes.Thought{
		Thought:           "Just planning the approach.",
		ThoughtNumber:     1,
		TotalThoughts:     3,
		NextThoughtNeeded: true,
	})

	require.NoError(t, err)
	assert.Equal(t, 1, resp.ThoughtNumber)
	assert.Equal(t, 3, resp.TotalThoughts)
	assert.True(t, resp.NextThoughtNeeded)
	assert.Nil(t, resp.Gan)
	assert.Nil(t, resp.Completion)
	assert.Equal(t, 1, resp.ThoughtHistoryLength)
	assert.Equal(t, 0, f.judge.calls)
}

func TestProcessDisabledNeverAudits(t *testing.T) {
	j := &fakeJudge{verdicts: []*datatypes.Verdict{passVerdict(90)}}
	store, err := session.NewFileStore(filepath.Join(t.TempDir(), ".mcp-gan-state"), testLogger())
	require.NoError(t, err)
	resolver := environ.NewResolver(environ.Config{WorkdirOverride: t.TempDir()}, testLogger())
	orch := New(Config{Enabled: false, Completion: DefaultCompletionPolicy()}, j, &fakeBuilder{}, store, resolver, testLogger())

	resp, err := orch.Process(context.Background(), codeThought(1, codeBody))
	require.NoError(t, err)
	assert.Nil(t, resp.Gan)
	assert.Equal(t, 0, j.calls)
}

func TestProcessTriggeredAuditReturnsVerdict(t *testing.T) {
	f := newFixture(t, Config{}, &fakeJudge{verdicts: []*datatypes.Verdict{verdictWith(datatypes.VerdictRevise, 72)}})

	resp, err := f.orch.Process(context.Background(), codeThought(1, codeBody))

	require.NoError(t, err)
	require.NotNil(t, resp.Gan)
	assert.Equal(t, 72, resp.Gan.Overall)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Nil(t, resp.Completion, "a revise below every tier keeps iterating")

	// The audit request carries the candidate and the session defaults.
	f.judge.mu.Lock()
	defer f.judge.mu.Unlock()
	req := f.judge.requests[0]
	assert.Equal(t, codeBody, req.Candidate)
	assert.Equal(t, "full context", req.ContextPack)
	assert.Equal(t, 85, req.Budget.Threshold)
	assert.Equal(t, "sess-1", req.SessionID)

	// The session was persisted with one history entry.
	state, err := f.store.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 1, state.Loops())
}

func TestProcessFirstCyclePassCompletes(t *testing.T) {
	f := newFixture(t, Config{}, &fakeJudge{verdicts: []*datatypes.Verdict{passVerdict(96)}})

	thought := codeThought(1, codeBody)
	thought.NextThoughtNeeded = true

	resp, err := f.orch.Process(context.Background(), thought)
	require.NoError(t, err)

	require.NotNil(t, resp.Completion)
	assert.True(t, resp.Completion.Complete)
	assert.Equal(t, "tier1", resp.Completion.Reason)
	assert.False(t, resp.NextThoughtNeeded, "a first-cycle 96 pass ends the session")
}

func TestProcessReviseForcesNextThought(t *testing.T) {
	f := newFixture(t, Config{}, &fakeJudge{verdicts: []*datatypes.Verdict{passVerdict(60)}})

	thought := codeThought(1, codeBody)
	thought.NextThoughtNeeded = false

	resp, err := f.orch.Process(context.Background(), thought)
	require.NoError(t, err)
	assert.Equal(t, datatypes.VerdictRevise, resp.Gan.Verdict)
	assert.True(t, resp.NextThoughtNeeded, "revise overrides the caller's false")
}

func TestProcessTierCompletionForcesStop(t *testing.T) {
	j := &fakeJudge{verdicts: []*datatypes.Verdict{passVerdict(96)}}
	f := newFixture(t, Config{}, j)

	// Seed nine completed loops; the next audit is loop ten.
	seed := datatypes.NewSessionState("sess-1")
	for i := 1; i <= 9; i++ {
		seed.Append(i, *passVerdict(80))
	}
	require.NoError(t, f.store.Save(context.Background(), seed))

	resp, err := f.orch.Process(context.Background(), codeThought(10, codeBody))
	require.NoError(t, err)

	require.NotNil(t, resp.Completion)
	assert.True(t, resp.Completion.Complete)
	assert.Equal(t, "tier1", resp.Completion.Reason)
	assert.False(t, resp.NextThoughtNeeded, "completion overrides everything")
}

func TestProcessHardStopMaxIterations(t *testing.T) {
	j := &fakeJudge{verdicts: []*datatypes.Verdict{passVerdict(40)}}
	f := newFixture(t, Config{}, j)

	seed := datatypes.NewSessionState("sess-1")
	for i := 1; i <= 24; i++ {
		seed.Append(i, *passVerdict(40))
	}
	require.NoError(t, f.store.Save(context.Background(), seed))

	resp, err := f.orch.Process(context.Background(), codeThought(25, "```go\nfunc unique25() {}\n```"))
	require.NoError(t, err)

	require.NotNil(t, resp.Completion)
	assert.Equal(t, datatypes.ReasonMaxIterations, resp.Completion.Reason)
	assert.False(t, resp.NextThoughtNeeded)
}

func TestProcessStagnationTerminates(t *testing.T) {
	j := &fakeJudge{verdicts: []*datatypes.Verdict{passVerdict(60)}}
	f := newFixture(t, Config{Stagnation: StagnationConfig{StartLoop: 1, Threshold: 0.95}}, j)

	ctx := context.Background()
	_, err := f.orch.Process(ctx, codeThought(1, codeBody))
	require.NoError(t, err)
	_, err = f.orch.Process(ctx, codeThought(2, codeBody))
	require.NoError(t, err)

	resp, err := f.orch.Process(ctx, codeThought(3, codeBody))
	require.NoError(t, err)

	require.NotNil(t, resp.Completion)
	assert.Equal(t, datatypes.ReasonStagnation, resp.Completion.Reason)
	assert.False(t, resp.NextThoughtNeeded)
	// The judge was not consulted for the stagnant submission.
	assert.Equal(t, 2, j.calls)
	// The prior verdict is echoed so the caller still sees a result.
	require.NotNil(t, resp.Gan)
	assert.Equal(t, 60, resp.Gan.Overall)
}

func TestProcessJudgeFailureSurfacesClassified(t *testing.T) {
	j := &fakeJudge{err: fmt.Errorf("judge: %w", judge.ErrUnavailable)}
	f := newFixture(t, Config{}, j)

	_, err := f.orch.Process(context.Background(), codeThought(1, codeBody))
	require.Error(t, err)

	var classified *errclass.Classified
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, errclass.CategoryJudge, classified.Category)
	assert.False(t, classified.Recoverable)
	assert.NotEmpty(t, classified.Suggestions)
}

func TestProcessContextFailureDegradesToMinimal(t *testing.T) {
	j := &fakeJudge{verdicts: []*datatypes.Verdict{passVerdict(90)}}
	store, err := session.NewFileStore(filepath.Join(t.TempDir(), ".mcp-gan-state"), testLogger())
	require.NoError(t, err)
	resolver := environ.NewResolver(environ.Config{WorkdirOverride: t.TempDir()}, testLogger())
	orch := New(Config{Enabled: true, Completion: DefaultCompletionPolicy()}, j, &fakeBuilder{fail: true}, store, resolver, testLogger())

	resp, err := orch.Process(context.Background(), codeThought(1, codeBody))
	require.NoError(t, err)

	require.NotNil(t, resp.Gan)
	j.mu.Lock()
	assert.Equal(t, "minimal context", j.requests[0].ContextPack)
	j.mu.Unlock()

	found := false
	for _, w := range resp.Warnings {
		if strings.Contains(w, "minimal context") {
			found = true
		}
	}
	assert.True(t, found, "warnings mention the degraded context: %v", resp.Warnings)
}

func TestProcessPersistFailureWarnsAndContinues(t *testing.T) {
	base, err := session.NewFileStore(filepath.Join(t.TempDir(), ".mcp-gan-state"), testLogger())
	require.NoError(t, err)

	j := &fakeJudge{verdicts: []*datatypes.Verdict{passVerdict(90)}}
	f := newFixtureWithStore(t, Config{}, j, &failingStore{Store: base})

	resp, err := f.orch.Process(context.Background(), codeThought(1, codeBody))
	require.NoError(t, err, "persistence failure must not fail the audit")
	require.NotNil(t, resp.Gan)
	assert.NotEmpty(t, resp.Warnings)
}

func TestProcessGanConfigFenceTriggersAudit(t *testing.T) {
	j := &fakeJudge{verdicts: []*datatypes.Verdict{verdictWith(datatypes.VerdictRevise, 70)}}
	f := newFixture(t, Config{}, j)

	resp, err := f.orch.Process(context.Background(), codeThought(1, "Settings update.\n```gan-config\nthreshold: 95\n```\n"))
	require.NoError(t, err)

	// The fence is a trigger in its own right: merge first, then audit.
	require.NotNil(t, resp.Gan)
	assert.Equal(t, 1, j.calls)
	f.judge.mu.Lock()
	assert.Equal(t, 95, f.judge.requests[0].Budget.Threshold)
	f.judge.mu.Unlock()

	state, err := f.store.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 95, state.Config.Threshold)
}

func TestProcessInlineConfigBelowThresholdRevises(t *testing.T) {
	j := &fakeJudge{verdicts: []*datatypes.Verdict{verdictWith(datatypes.VerdictRevise, 88)}}
	f := newFixture(t, Config{}, j)

	thought := codeThought(1, "```gan-config\n{\"threshold\": 90, \"scope\": \"diff\"}\n```\n")
	thought.NextThoughtNeeded = false

	resp, err := f.orch.Process(context.Background(), thought)
	require.NoError(t, err)

	// An 88 under the effective threshold of 90 is a revise: no tier
	// fires and the caller is told to keep going.
	require.NotNil(t, resp.Gan)
	assert.Equal(t, datatypes.VerdictRevise, resp.Gan.Verdict)
	assert.Nil(t, resp.Completion)
	assert.True(t, resp.NextThoughtNeeded)

	state, err := f.store.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 90, state.Config.Threshold)
}

func TestProcessInlineConfigMergesBeforeAudit(t *testing.T) {
	j := &fakeJudge{verdicts: []*datatypes.Verdict{passVerdict(90)}}
	f := newFixture(t, Config{}, j)

	body := "```gan-config\ntask: Focus on error paths\nthreshold: 92\n```\n" + codeBody
	_, err := f.orch.Process(context.Background(), codeThought(1, body))
	require.NoError(t, err)

	f.judge.mu.Lock()
	defer f.judge.mu.Unlock()
	require.Len(t, f.judge.requests, 1)
	assert.Equal(t, "Focus on error paths", f.judge.requests[0].Task)
	assert.Equal(t, 92, f.judge.requests[0].Budget.Threshold)
}

func TestProcessCorruptedSessionStartsFresh(t *testing.T) {
	j := &fakeJudge{verdicts: []*datatypes.Verdict{passVerdict(90)}}
	f := newFixture(t, Config{}, j)

	// Write garbage where the session file lives.
	fs := f.store.(*session.FileStore)
	require.NoError(t, os.WriteFile(filepath.Join(fs.Dir(), "sess-1.json"), []byte("{broken"), 0640))

	resp, err := f.orch.Process(context.Background(), codeThought(1, codeBody))
	require.NoError(t, err)
	require.NotNil(t, resp.Gan)
	assert.NotEmpty(t, resp.Warnings)
}

func TestProcessValidation(t *testing.T) {
	f := newFixture(t, Config{}, &fakeJudge{verdicts: []*datatypes.Verdict{passVerdict(90)}})

	_, err := f.orch.Process(context.Background(), datatypes.Thought{ThoughtNumber: 1, TotalThoughts: 1})
	assert.Error(t, err, "empty thought rejected")

	_, err = f.orch.Process(context.Background(), datatypes.Thought{Thought: "x", ThoughtNumber: 0, TotalThoughts: 1})
	assert.Error(t, err, "thoughtNumber < 1 rejected")
}

func TestProcessBranchBookkeeping(t *testing.T) {
	f := newFixture(t, Config{}, &fakeJudge{verdicts: []*datatypes.Verdict{passVerdict(90)}})
	ctx := context.Background()

	resp, err := f.orch.Process(ctx, datatypes.Thought{Thought: "plain", ThoughtNumber: 1, TotalThoughts: 1, BranchID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, resp.Branches)

	resp, err = f.orch.Process(ctx, datatypes.Thought{Thought: "plain", ThoughtNumber: 2, TotalThoughts: 2, BranchID: "a0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a0", "b1"}, resp.Branches)
	assert.Equal(t, 2, resp.ThoughtHistoryLength)
}

func TestProcessSameSessionSerialized(t *testing.T) {
	j := &fakeJudge{verdicts: []*datatypes.Verdict{passVerdict(60)}}
	f := newFixture(t, Config{}, j)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.orch.Process(ctx, codeThought(n, fmt.Sprintf("```go\nfunc v%d() {}\n```", n)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	state, err := f.store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 5, state.Loops(), "every concurrent audit landed exactly once")
}
