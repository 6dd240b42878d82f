// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package environ prepares the judge's execution environment: working
// directory resolution, an allow-listed environment, and executable
// discovery with a version probe.
package environ

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxRepoWalkDepth bounds the upward .git search.
const maxRepoWalkDepth = 10

// envAllowList names the ambient variables copied into the judge's
// environment. PATH is mandatory; the rest are best-effort.
var envAllowList = []string{"PATH", "HOME", "USER", "SHELL", "LANG"}

// Config tunes the resolver.
type Config struct {
	// WorkdirOverride wins the working-directory ladder when it exists.
	WorkdirOverride string

	// DefaultWorkdir is the last rung of the ladder.
	DefaultWorkdir string

	// ExtraEnv is overlaid on the allow-listed ambient variables.
	ExtraEnv map[string]string
}

// Resolver resolves the judge's working directory and environment.
//
// Thread Safety: Safe for concurrent use (read-only after construction).
type Resolver struct {
	cfg    Config
	logger *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(cfg Config, logger *slog.Logger) *Resolver {
	return &Resolver{
		cfg:    cfg,
		logger: logger.With(slog.String("subsystem", "environ")),
	}
}

// ResolveWorkdir picks the judge's working directory.
//
// # Description
//
//	Ladder, first existing directory wins:
//	 1. explicit override
//	 2. nearest enclosing repository root (upward .git walk, depth 10)
//	 3. current directory
//	 4. configured default
//
// # Outputs
//
//   - string: the chosen directory.
//   - error: ErrNoWorkdir when no rung exists.
func (r *Resolver) ResolveWorkdir() (string, error) {
	if dir := r.cfg.WorkdirOverride; dir != "" && isDir(dir) {
		return dir, nil
	}

	cwd, err := os.Getwd()
	if err == nil {
		if root, ok := RepoRoot(cwd, maxRepoWalkDepth); ok {
			return root, nil
		}
		if isDir(cwd) {
			return cwd, nil
		}
	}

	if dir := r.cfg.DefaultWorkdir; dir != "" && isDir(dir) {
		return dir, nil
	}

	return "", ErrNoWorkdir
}

// RepoRoot walks up from start looking for a .git entry.
//
// # Inputs
//
//   - start: directory to begin from.
//   - maxDepth: upward steps to attempt, inclusive of start.
//
// # Outputs
//
//   - string: the repository root, when found.
//   - bool: whether a root was found within maxDepth.
func RepoRoot(start string, maxDepth int) (string, bool) {
	dir := filepath.Clean(start)
	for i := 0; i <= maxDepth; i++ {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
	return "", false
}

// PrepareEnv builds the judge's environment.
//
// # Description
//
//	Copies the allow-listed variables from the ambient environment,
//	overlays the configured extras, and fails when PATH is absent in
//	the result. The returned slice is in "KEY=value" form sorted by
//	key, suitable for exec.Cmd.Env.
//
// # Outputs
//
//   - []string: the prepared environment.
//   - error: ErrPathMissing when PATH would be absent.
func (r *Resolver) PrepareEnv() ([]string, error) {
	env := make(map[string]string, len(envAllowList)+len(r.cfg.ExtraEnv))

	for _, key := range envAllowList {
		if value, ok := os.LookupEnv(key); ok {
			env[key] = value
		}
	}
	for key, value := range r.cfg.ExtraEnv {
		env[key] = value
	}

	if env["PATH"] == "" {
		return nil, ErrPathMissing
	}

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, fmt.Sprintf("%s=%s", key, env[key]))
	}

	r.logger.Debug("environment prepared",
		slog.Int("vars", len(out)),
		slog.Bool("path_present", true),
	)
	return out, nil
}

// PathEntries returns the prepared environment's PATH entries in order.
func PathEntries(env []string) []string {
	for _, kv := range env {
		if value, ok := strings.CutPrefix(kv, "PATH="); ok {
			return filepath.SplitList(value)
		}
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
