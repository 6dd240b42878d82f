// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator runs the audit loop: it detects auditable thoughts,
// merges inline configuration, serializes same-session audits, invokes the
// judge, and decides when a session is done via the tier table, the hard
// stop, and the stagnation breaker.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/GanAuditor/services/auditor/contextpack"
	"github.com/AleutianAI/GanAuditor/services/auditor/datatypes"
	"github.com/AleutianAI/GanAuditor/services/auditor/environ"
	"github.com/AleutianAI/GanAuditor/services/auditor/errclass"
	"github.com/AleutianAI/GanAuditor/services/auditor/session"
	"github.com/AleutianAI/GanAuditor/services/auditor/telemetry"
)

// Judge produces verdicts. Satisfied by *judge.Runtime.
type Judge interface {
	Audit(ctx context.Context, req datatypes.AuditRequest) (*datatypes.Verdict, error)
}

// Config tunes the orchestrator.
type Config struct {
	// Enabled gates auditing entirely. When false every call is a plain
	// thought echo.
	Enabled bool

	// Completion is the tier table and hard stop.
	Completion CompletionPolicy

	// Stagnation tunes the loop breaker.
	Stagnation StagnationConfig

	// TokenBudget caps context packs. Zero uses the builder default.
	TokenBudget int
}

// Orchestrator coordinates one audit cycle per triggered thought.
//
// Same-session calls are serialized FIFO through the lock manager;
// distinct sessions proceed concurrently up to the process manager's
// subprocess bound.
//
// Thread Safety: Safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	judge    Judge
	builder  contextpack.Builder
	store    session.Store
	locks    *session.LockManager
	resolver *environ.Resolver
	metrics  *Metrics
	logger   *slog.Logger

	stagnation *stagnationTracker

	// Thought bookkeeping mirrors the baseline tool contract: a global
	// history counter and the set of branch ids seen.
	mu         sync.Mutex
	historyLen int
	branches   map[string]struct{}
}

// New creates an orchestrator.
func New(cfg Config, j Judge, builder contextpack.Builder, store session.Store, resolver *environ.Resolver, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		judge:      j,
		builder:    builder,
		store:      store,
		locks:      session.NewLockManager(),
		resolver:   resolver,
		metrics:    NewMetrics(),
		logger:     logger.With(slog.String("subsystem", "orchestrator")),
		stagnation: newStagnationTracker(cfg.Stagnation),
		branches:   make(map[string]struct{}),
	}
}

// Process handles one thought: echo always, audit when triggered.
//
// # Description
//
//	Records the thought in the baseline bookkeeping, then checks for an
//	audit trigger. Untriggered thoughts return the echo immediately.
//	Triggered thoughts resolve a session key, take the session's FIFO
//	lock, merge any inline gan-config block, gather context, invoke the
//	judge, and evaluate completion. Failures follow the documented
//	degradation ladder: context failures degrade to a minimal pack with
//	a warning, persistence failures warn and continue, judge failures
//	surface as classified errors.
//
// # Outputs
//
//   - *datatypes.CombinedResponse: the tool response.
//   - error: an *errclass.Classified judge or validation failure. A
//     returned error means no verdict was produced.
//
// Thread Safety: Safe for concurrent use.
func (o *Orchestrator) Process(ctx context.Context, thought datatypes.Thought) (*datatypes.CombinedResponse, error) {
	if thought.Thought == "" {
		return nil, errclass.Classify(fmt.Errorf("thought must not be empty"))
	}
	if thought.ThoughtNumber < 1 {
		return nil, errclass.Classify(fmt.Errorf("thoughtNumber must be >= 1"))
	}
	if thought.TotalThoughts < thought.ThoughtNumber {
		thought.TotalThoughts = thought.ThoughtNumber
	}

	resp := o.record(thought)

	triggered, configBlock := detectTrigger(thought.Thought)
	if !o.cfg.Enabled || !triggered {
		o.metrics.AuditsTotal.WithLabelValues("skipped").Inc()
		return resp, nil
	}

	key, err := o.sessionKey(thought)
	if err != nil {
		return nil, errclass.Classify(err)
	}
	resp.SessionID = key

	unlock, err := o.locks.Acquire(ctx, key)
	if err != nil {
		return nil, errclass.Classify(err)
	}
	defer unlock()

	state, warnings := o.loadOrCreate(ctx, key)
	if configBlock != "" {
		warnings = append(warnings, mergeInlineConfig(&state.Config, configBlock)...)
	}

	loop := state.Loops() + 1
	ctx, span := telemetry.StartCycleSpan(ctx, key, loop)
	defer span.End()
	logger := telemetry.LoggerWithTrace(ctx, o.logger)
	start := time.Now()

	if stagnant, similarity := o.stagnation.Observe(key, thought.Thought, loop); stagnant {
		logger.Info("session stagnant, terminating",
			slog.String("session_id", key),
			slog.Int("loop", loop),
			slog.Float64("similarity", similarity),
		)
		resp.Completion = &datatypes.Completion{Complete: true, Reason: datatypes.ReasonStagnation}
		resp.NextThoughtNeeded = false
		resp.Gan = state.LastVerdict
		warnings = append(warnings, "candidate unchanged across consecutive loops; session terminated")
		warnings = append(warnings, o.persist(ctx, state)...)
		resp.Warnings = warnings
		o.metrics.CompletionsTotal.WithLabelValues(datatypes.ReasonStagnation).Inc()
		o.metrics.SessionLoops.Observe(float64(state.Loops()))
		o.stagnation.Forget(key)
		return resp, nil
	}

	pack, packWarnings := o.buildContext(ctx, state.Config)
	warnings = append(warnings, packWarnings...)

	verdict, err := o.judge.Audit(ctx, datatypes.AuditRequest{
		Task:         state.Config.Task,
		Candidate:    thought.Thought,
		ContextPack:  pack.Content,
		Rubric:       datatypes.DefaultRubric(),
		Budget: datatypes.Budget{
			MaxCycles:  state.Config.MaxCycles,
			Candidates: state.Config.Candidates,
			Threshold:  state.Config.Threshold,
		},
		SessionID: key,
	})
	if err != nil {
		o.metrics.AuditsTotal.WithLabelValues("error").Inc()
		logger.Error("audit cycle failed",
			slog.String("session_id", key),
			slog.Int("loop", loop),
			slog.Any("error", err),
		)
		return nil, errclass.Classify(err)
	}

	state.Append(thought.ThoughtNumber, *verdict)
	warnings = append(warnings, o.persist(ctx, state)...)

	resp.Gan = verdict
	resp.Warnings = warnings
	o.combine(resp, thought, state, verdict)

	o.metrics.AuditsTotal.WithLabelValues(string(verdict.Verdict)).Inc()
	o.metrics.OverallScore.Observe(float64(verdict.Overall))
	o.metrics.CycleDurationSeconds.Observe(time.Since(start).Seconds())
	telemetry.SetVerdictAttributes(span, verdict.Overall, string(verdict.Verdict))

	logger.Info("audit cycle complete",
		slog.String("session_id", key),
		slog.Int("loop", state.Loops()),
		slog.Int("overall", verdict.Overall),
		slog.String("verdict", string(verdict.Verdict)),
		slog.Bool("complete", resp.Completion != nil && resp.Completion.Complete),
		slog.Duration("duration", time.Since(start)),
	)
	return resp, nil
}

// combine applies the completion policy and the continuation override
// rule to the response.
//
// Override precedence: a fired completion forces NextThoughtNeeded false;
// otherwise a revise/reject verdict forces it true; otherwise the
// caller's own flag stands.
func (o *Orchestrator) combine(resp *datatypes.CombinedResponse, thought datatypes.Thought, state *datatypes.SessionState, verdict *datatypes.Verdict) {
	resp.NextThoughtNeeded = thought.NextThoughtNeeded

	if completion := o.cfg.Completion.Evaluate(verdict.Verdict, verdict.Overall, state.Loops()); completion != nil {
		resp.Completion = completion
		resp.NextThoughtNeeded = false
		o.metrics.CompletionsTotal.WithLabelValues(completion.Reason).Inc()
		o.metrics.SessionLoops.Observe(float64(state.Loops()))
		o.stagnation.Forget(state.ID)
		return
	}

	if verdict.Verdict == datatypes.VerdictRevise || verdict.Verdict == datatypes.VerdictReject {
		resp.NextThoughtNeeded = true
	}
}

// record updates the baseline bookkeeping and returns the echo response.
func (o *Orchestrator) record(thought datatypes.Thought) *datatypes.CombinedResponse {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.historyLen++
	if thought.BranchID != "" {
		o.branches[thought.BranchID] = struct{}{}
	}

	branches := make([]string, 0, len(o.branches))
	for b := range o.branches {
		branches = append(branches, b)
	}
	sort.Strings(branches)

	return &datatypes.CombinedResponse{
		ThoughtNumber:        thought.ThoughtNumber,
		TotalThoughts:        thought.TotalThoughts,
		NextThoughtNeeded:    thought.NextThoughtNeeded,
		Branches:             branches,
		ThoughtHistoryLength: o.historyLen,
	}
}

// sessionKey resolves the session key: the branch id when present, else
// a stable hash of workdir, user, and the current hour so closely spaced
// anonymous calls land in the same session.
func (o *Orchestrator) sessionKey(thought datatypes.Thought) (string, error) {
	if thought.BranchID != "" {
		return thought.BranchID, nil
	}

	workdir, err := o.resolver.ResolveWorkdir()
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", workdir, os.Getenv("USER"), time.Now().UTC().Unix()/3600)
	return fmt.Sprintf("gan-%016x", h.Sum64()), nil
}

// loadOrCreate fetches the session, creating a fresh one on not-found and
// on corruption. Corruption degrades with a warning rather than failing.
func (o *Orchestrator) loadOrCreate(ctx context.Context, key string) (*datatypes.SessionState, []string) {
	state, err := o.store.Load(ctx, key)
	if err == nil {
		return state, nil
	}

	var warnings []string
	if !errors.Is(err, session.ErrNotFound) {
		warnings = append(warnings, fmt.Sprintf("session state unreadable, starting fresh: %v", err))
	}
	return datatypes.NewSessionState(key), warnings
}

// buildContext gathers the context pack, degrading to the minimal pack
// with a warning when gathering fails.
func (o *Orchestrator) buildContext(ctx context.Context, cfg datatypes.SessionConfig) (*contextpack.Pack, []string) {
	cctx, span := telemetry.StartContextSpan(ctx, string(cfg.Scope))
	defer span.End()

	pack, err := o.builder.Build(cctx, contextpack.BuildRequest{
		Workdir:     o.workdirOrEmpty(),
		Scope:       cfg.Scope,
		Paths:       cfg.Paths,
		TokenBudget: o.cfg.TokenBudget,
	})
	if err != nil {
		o.logger.Warn("context assembly failed, using minimal pack", slog.Any("error", err))
		return o.builder.Minimal(cctx, o.workdirOrEmpty()),
			[]string{fmt.Sprintf("context assembly failed, judged with minimal context: %v", err)}
	}

	var warnings []string
	if pack.Truncated {
		warnings = append(warnings, "repository context truncated to token budget")
	}
	return pack, warnings
}

func (o *Orchestrator) workdirOrEmpty() string {
	workdir, err := o.resolver.ResolveWorkdir()
	if err != nil {
		return ""
	}
	return workdir
}

// persist saves the session, converting failure into a warning. Audit
// results still return; only durable history is lost.
func (o *Orchestrator) persist(ctx context.Context, state *datatypes.SessionState) []string {
	if err := o.store.Save(ctx, state); err != nil {
		o.logger.Warn("session persistence failed",
			slog.String("session_id", state.ID),
			slog.Any("error", err),
		)
		return []string{fmt.Sprintf("session persistence failed, continuing in memory: %v", err)}
	}
	return nil
}
