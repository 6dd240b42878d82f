// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package environ

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/GanAuditor/services/auditor/procmgr"
)

// versionProbeTimeout bounds the --version probe.
const versionProbeTimeout = 5 * time.Second

// Executor runs subprocesses. Satisfied by *procmgr.Manager.
type Executor interface {
	Execute(ctx context.Context, req procmgr.Request) (*procmgr.Result, error)
}

// Executable is a discovered judge binary.
type Executable struct {
	// Path is the absolute path to the binary.
	Path string

	// Version is the probed version string. Empty when the probe
	// failed; a missing version is a warning, not an error.
	Version string
}

// DiscoveryConfig tunes executable discovery.
type DiscoveryConfig struct {
	// Name is the executable name or an explicit path. Default "codex".
	Name string

	// ExtraPaths are searched after the PATH entries, in order.
	ExtraPaths []string
}

// Discovery locates the judge executable.
//
// Thread Safety: Safe for concurrent use.
type Discovery struct {
	cfg      DiscoveryConfig
	resolver *Resolver
	exec     Executor
	logger   *slog.Logger
}

// NewDiscovery creates an executable discovery helper.
//
// The executor is used only for the version probe, keeping the process
// manager the sole owner of subprocess spawning for the judge.
func NewDiscovery(cfg DiscoveryConfig, resolver *Resolver, exec Executor, logger *slog.Logger) *Discovery {
	if cfg.Name == "" {
		cfg.Name = "codex"
	}
	return &Discovery{
		cfg:      cfg,
		resolver: resolver,
		exec:     exec,
		logger:   logger.With(slog.String("subsystem", "discovery")),
	}
}

// Discover locates the judge executable and probes its version.
//
// # Description
//
//	When Name contains a path separator it is checked directly.
//	Otherwise PATH entries are scanned in order, then the configured
//	extra directories. The first candidate with read+execute
//	permission wins. The version probe failing only logs a warning.
//
// # Outputs
//
//   - *Executable: the discovered binary.
//   - error: ErrExecutableNotFound, ErrNotExecutable, or an
//     environment preparation error.
func (d *Discovery) Discover(ctx context.Context) (*Executable, error) {
	env, err := d.resolver.PrepareEnv()
	if err != nil {
		return nil, err
	}

	path, err := d.locate(env)
	if err != nil {
		return nil, err
	}

	exe := &Executable{Path: path}
	exe.Version = d.probeVersion(ctx, path, env)

	d.logger.Info("judge executable discovered",
		slog.String("path", exe.Path),
		slog.String("version", exe.Version),
	)
	return exe, nil
}

// locate scans PATH entries then extra directories for the executable.
func (d *Discovery) locate(env []string) (string, error) {
	if strings.ContainsRune(d.cfg.Name, os.PathSeparator) {
		if err := checkExecutable(d.cfg.Name); err != nil {
			return "", err
		}
		return filepath.Clean(d.cfg.Name), nil
	}

	dirs := append(PathEntries(env), d.cfg.ExtraPaths...)
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, d.cfg.Name)
		if err := checkExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: %q not on PATH or in %d extra dirs",
		ErrExecutableNotFound, d.cfg.Name, len(d.cfg.ExtraPaths))
}

// probeVersion runs `<exe> --version` under a short timeout.
func (d *Discovery) probeVersion(ctx context.Context, path string, env []string) string {
	probeCtx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()

	result, err := d.exec.Execute(probeCtx, procmgr.Request{
		Path:    path,
		Args:    []string{"--version"},
		Env:     env,
		Timeout: versionProbeTimeout,
	})
	if err != nil || result.ExitCode != 0 || result.TimedOut {
		d.logger.Warn("version probe failed",
			slog.String("path", path),
			slog.Any("error", err),
		)
		return ""
	}
	return strings.TrimSpace(string(result.Stdout))
}

// checkExecutable requires a regular file with read+execute permission.
func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrExecutableNotFound, path)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrNotExecutable, path)
	}
	mode := info.Mode().Perm()
	if mode&0o400 == 0 || mode&0o100 == 0 {
		return fmt.Errorf("%w: %s mode %s", ErrNotExecutable, path, info.Mode())
	}
	return nil
}
