// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package auditor wires the audit service: process manager, environment
// resolution, judge runtime, session store, context builder, orchestrator,
// and the stdio transport, assembled from one validated config.
package auditor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/AleutianAI/GanAuditor/services/auditor/config"
	"github.com/AleutianAI/GanAuditor/services/auditor/contextpack"
	"github.com/AleutianAI/GanAuditor/services/auditor/environ"
	"github.com/AleutianAI/GanAuditor/services/auditor/judge"
	"github.com/AleutianAI/GanAuditor/services/auditor/orchestrator"
	"github.com/AleutianAI/GanAuditor/services/auditor/procmgr"
	"github.com/AleutianAI/GanAuditor/services/auditor/session"
	"github.com/AleutianAI/GanAuditor/services/auditor/transport"
)

// Service is the assembled audit service.
type Service struct {
	cfg     *config.Config
	logger  *slog.Logger
	procs   *procmgr.Manager
	runtime *judge.Runtime
	orch    *orchestrator.Orchestrator
	server  *transport.Server
}

// New assembles the service from a validated config.
//
// # Description
//
//	Construction is fail-fast: configs that would permit fabricated
//	verdicts are rejected, and when ValidateOnStartup is set the judge
//	executable is discovered before the first request.
//
// # Inputs
//
//   - ctx: bounds startup validation.
//   - cfg: validated configuration.
//   - logger: base logger.
//
// # Outputs
//
//   - *Service: ready to Run.
//   - error: construction or startup-validation failure.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Service, error) {
	procs := procmgr.NewManager(procmgr.Config{
		MaxConcurrent:  cfg.Process.MaxConcurrent,
		DefaultTimeout: cfg.Judge.Timeout,
		CleanupGrace:   cfg.Process.CleanupTimeout,
		QueueTimeout:   cfg.Process.QueueTimeout,
	}, logger)

	resolver := environ.NewResolver(environ.Config{}, logger)
	discovery := environ.NewDiscovery(environ.DiscoveryConfig{
		Name:       cfg.Judge.Executable,
		ExtraPaths: cfg.Judge.ExtraPaths,
	}, resolver, procs, logger)

	systemPrompt, err := cfg.SystemPrompt()
	if err != nil {
		return nil, err
	}

	runtime, err := judge.NewRuntime(judge.Config{
		Timeout:           cfg.Judge.Timeout,
		MaxRetries:        cfg.Judge.MaxRetries,
		RetryDelay:        cfg.Judge.RetryDelay,
		RequireAvailable:  cfg.Judge.RequireAvailable,
		ValidateOnStartup: cfg.Judge.ValidateOnStartup,
		AllowMockFallback: cfg.Judge.AllowMockFallback,
		SystemPrompt:      systemPrompt,
	}, resolver, discovery, procs, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Judge.ValidateOnStartup {
		if err := runtime.Validate(ctx); err != nil {
			return nil, fmt.Errorf("auditor: startup validation: %w", err)
		}
	}

	store, err := session.NewFileStore(cfg.StateDir, logger)
	if err != nil {
		return nil, err
	}

	orch := orchestrator.New(orchestrator.Config{
		Enabled: cfg.Enabled,
		Completion: orchestrator.CompletionPolicy{
			Tiers: [3]orchestrator.Tier{
				{Score: cfg.Completion.Tier1Score, Loops: cfg.Completion.Tier1Loops},
				{Score: cfg.Completion.Tier2Score, Loops: cfg.Completion.Tier2Loops},
				{Score: cfg.Completion.Tier3Score, Loops: cfg.Completion.Tier3Loops},
			},
			HardStop: cfg.Completion.HardStopLoops,
		},
		Stagnation: orchestrator.StagnationConfig{
			StartLoop: cfg.Completion.StagnationStartLoop,
			Threshold: cfg.Completion.StagnationThreshold,
		},
		TokenBudget: cfg.ContextTokenBudget,
	}, runtime, contextpack.NewGitBuilder(logger), store, resolver, logger)

	return &Service{
		cfg:     cfg,
		logger:  logger.With(slog.String("subsystem", "service")),
		procs:   procs,
		runtime: runtime,
		orch:    orch,
		server:  transport.NewServer(orch, os.Stdout, logger),
	}, nil
}

// Run serves the stdio protocol until in reaches EOF or ctx is cancelled,
// then shuts the subprocess pool down.
func (s *Service) Run(ctx context.Context, in io.Reader) error {
	s.logger.Info("audit service started",
		slog.Bool("enabled", s.cfg.Enabled),
		slog.String("judge", s.cfg.Judge.Executable),
		slog.Int("max_concurrent", s.cfg.Process.MaxConcurrent),
	)

	go s.procs.MonitorHealth(ctx)

	serveErr := s.server.Run(ctx, in)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Process.CleanupTimeout+s.cfg.Judge.Timeout)
	defer cancel()
	if err := s.procs.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("process manager shutdown", slog.Any("error", err))
		if serveErr == nil {
			serveErr = err
		}
	}

	s.logger.Info("audit service stopped")
	return serveErr
}

// Health exposes the subprocess pool's health snapshot.
func (s *Service) Health() procmgr.HealthReport {
	return s.procs.Health()
}
