// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command ganauditor serves the GAN audit tool over stdio.
//
// Requests arrive as line-delimited JSON on stdin; responses leave the
// same way on stdout. All logging goes to stderr and optional log files,
// never stdout.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/GanAuditor/pkg/logging"
	"github.com/AleutianAI/GanAuditor/services/auditor"
	"github.com/AleutianAI/GanAuditor/services/auditor/config"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		logDir     string
	)

	cmd := &cobra.Command{
		Use:          "ganauditor",
		Short:        "Stateful code auditing over stdio, judged by an external reviewer",
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Local .env values are a development convenience; absence is
			// not an error.
			_ = godotenv.Load()

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if logDir != "" {
				cfg.Log.Dir = logDir
			}

			logger := logging.New(logging.Config{
				Level:   logging.ParseLevel(cfg.Log.Level),
				LogDir:  cfg.Log.Dir,
				Service: "ganauditor",
				JSON:    cfg.Log.JSON,
			})
			defer logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := auditor.New(ctx, cfg, logger.Slog())
			if err != nil {
				logger.Error("service construction failed", "error", err)
				return err
			}

			return svc.Run(ctx, os.Stdin)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.ganauditor/ganauditor.yaml)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logDir, "log-dir", "", "write JSON log files to this directory")

	return cmd
}
