// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package contextpack

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/GanAuditor/services/auditor/datatypes"
)

// gitCommandTimeout bounds each individual git invocation.
const gitCommandTimeout = 10 * time.Second

// maxTreeEntries caps the file tree section.
const maxTreeEntries = 500

// maxPathFileBytes caps a single file read for ScopePaths.
const maxPathFileBytes = 512 * 1024

// GitBuilder gathers context from a git working tree.
//
// Header, tree, and body sections are gathered concurrently; a failing
// section degrades to a placeholder rather than failing the build, so a
// broken repo still yields a usable pack.
//
// Thread Safety: Safe for concurrent use.
type GitBuilder struct {
	logger *slog.Logger
}

// NewGitBuilder creates a git-backed context builder.
func NewGitBuilder(logger *slog.Logger) *GitBuilder {
	return &GitBuilder{
		logger: logger.With(slog.String("subsystem", "contextpack")),
	}
}

// Build gathers and assembles the pack for the request.
func (g *GitBuilder) Build(ctx context.Context, req BuildRequest) (*Pack, error) {
	if req.Workdir == "" {
		return nil, fmt.Errorf("%w: workdir is required", ErrBuild)
	}

	var header, tree string
	var body []string

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		header = g.gitHeader(gctx, req.Workdir)
		return nil
	})
	grp.Go(func() error {
		tree = g.fileTree(gctx, req.Workdir)
		return nil
	})
	grp.Go(func() error {
		var err error
		body, err = g.bodySections(gctx, req)
		return err
	})
	if err := grp.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBuild, err)
	}

	pack := assemble(header, tree, body, req.TokenBudget)
	g.logger.Debug("context pack built",
		slog.String("scope", string(req.Scope)),
		slog.Int("token_estimate", pack.TokenEstimate),
		slog.Bool("truncated", pack.Truncated),
	)
	return pack, nil
}

// Minimal returns the degraded pack: git header only, no body.
func (g *GitBuilder) Minimal(ctx context.Context, workdir string) *Pack {
	header := g.gitHeader(ctx, workdir)
	return assemble(header, "", nil, 0)
}

// bodySections gathers the scope-dependent content.
func (g *GitBuilder) bodySections(ctx context.Context, req BuildRequest) ([]string, error) {
	switch req.Scope {
	case datatypes.ScopeDiff:
		return g.diffSections(ctx, req.Workdir)
	case datatypes.ScopePaths:
		return g.pathSections(req.Workdir, req.Paths)
	case datatypes.ScopeWorkspace, "":
		// Workspace scope favors what changed over the whole tree.
		sections, err := g.diffSections(ctx, req.Workdir)
		if err != nil || len(sections) == 0 {
			return g.snapshotSections(ctx, req.Workdir)
		}
		return sections, nil
	default:
		return nil, fmt.Errorf("unknown scope %q", req.Scope)
	}
}

// diffSections returns the uncommitted diff plus a changed-file summary.
func (g *GitBuilder) diffSections(ctx context.Context, workdir string) ([]string, error) {
	raw, err := g.git(ctx, workdir, "diff", "HEAD")
	if err != nil {
		// No HEAD yet (fresh repo) or not a repo at all.
		raw, err = g.git(ctx, workdir, "diff")
		if err != nil {
			return nil, err
		}
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	sections := []string{"=== CHANGES ===\n" + raw}
	if summary := summarizeDiff(raw); summary != "" {
		sections = append([]string{summary}, sections...)
	}
	return sections, nil
}

// summarizeDiff renders a per-file add/delete summary of a unified diff.
func summarizeDiff(raw string) string {
	files, err := diff.ParseMultiFileDiff([]byte(raw))
	if err != nil || len(files) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("=== CHANGED FILES ===")
	for _, f := range files {
		var added, deleted int
		for _, h := range f.Hunks {
			for _, line := range bytes.Split(h.Body, []byte("\n")) {
				if len(line) == 0 {
					continue
				}
				switch line[0] {
				case '+':
					added++
				case '-':
					deleted++
				}
			}
		}
		name := strings.TrimPrefix(f.NewName, "b/")
		if name == "/dev/null" {
			name = strings.TrimPrefix(f.OrigName, "a/") + " (deleted)"
		}
		fmt.Fprintf(&b, "\n%s (+%d -%d)", name, added, deleted)
	}
	return b.String()
}

// pathSections reads the requested files verbatim, capped per file.
func (g *GitBuilder) pathSections(workdir string, paths []string) ([]string, error) {
	var sections []string
	for _, p := range paths {
		full := p
		if !filepath.IsAbs(full) {
			full = filepath.Join(workdir, p)
		}
		data, err := os.ReadFile(full)
		if err != nil {
			g.logger.Warn("context path unreadable",
				slog.String("path", p),
				slog.String("error", err.Error()),
			)
			sections = append(sections, fmt.Sprintf("=== FILE %s ===\n[unreadable: %v]", p, err))
			continue
		}
		if len(data) > maxPathFileBytes {
			data = data[:maxPathFileBytes]
		}
		sections = append(sections, fmt.Sprintf("=== FILE %s ===\n%s", p, data))
	}
	return sections, nil
}

// snapshotSections lists tracked files as a fallback when the workspace
// has no pending changes.
func (g *GitBuilder) snapshotSections(ctx context.Context, workdir string) ([]string, error) {
	out, err := g.git(ctx, workdir, "ls-files")
	if err != nil || strings.TrimSpace(out) == "" {
		return nil, nil
	}
	return []string{"=== TRACKED FILES ===\n" + strings.TrimSpace(out)}, nil
}

// gitHeader reports branch, HEAD, and working-tree status. Each probe
// degrades independently.
func (g *GitBuilder) gitHeader(ctx context.Context, workdir string) string {
	var b strings.Builder
	b.WriteString("=== GIT ===")

	if branch, err := g.git(ctx, workdir, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		fmt.Fprintf(&b, "\nbranch: %s", strings.TrimSpace(branch))
	} else {
		b.WriteString("\nbranch: (unavailable)")
	}
	if head, err := g.git(ctx, workdir, "rev-parse", "--short", "HEAD"); err == nil {
		fmt.Fprintf(&b, "\nhead: %s", strings.TrimSpace(head))
	}
	if status, err := g.git(ctx, workdir, "status", "--porcelain"); err == nil {
		n := 0
		for _, line := range strings.Split(status, "\n") {
			if strings.TrimSpace(line) != "" {
				n++
			}
		}
		fmt.Fprintf(&b, "\ndirty_files: %d", n)
	}
	fmt.Fprintf(&b, "\nworkdir: %s", workdir)
	return b.String()
}

// fileTree lists tracked files, capped and sorted.
func (g *GitBuilder) fileTree(ctx context.Context, workdir string) string {
	out, err := g.git(ctx, workdir, "ls-files")
	if err != nil {
		return ""
	}

	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	if len(files) == 0 {
		return ""
	}
	sort.Strings(files)

	truncated := false
	if len(files) > maxTreeEntries {
		files = files[:maxTreeEntries]
		truncated = true
	}

	var b strings.Builder
	b.WriteString("=== TREE ===")
	for _, f := range files {
		b.WriteString("\n")
		b.WriteString(f)
	}
	if truncated {
		b.WriteString("\n[tree truncated]")
	}
	return b.String()
}

// git runs one git command in workdir with a bounded timeout.
func (g *GitBuilder) git(ctx context.Context, workdir string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, gitCommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
