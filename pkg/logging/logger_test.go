// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"  ERROR  ", LevelError},
		{"bogus", LevelInfo},
		{"", LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, ParseLevel(tt.input), "input %q", tt.input)
	}
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(99).String())
}

func TestNewWritesLogFile(t *testing.T) {
	dir := t.TempDir()

	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "testsvc",
		Quiet:   true,
	})
	logger.Info("hello", "session_id", "abc")
	require.NoError(t, logger.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "testsvc_"))

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"session_id":"abc"`)
	assert.Contains(t, string(data), `"service":"testsvc"`)
}

func TestNewBadLogDirDegradesToStderr(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))

	logger := New(Config{LogDir: file, Quiet: true})
	// Must not panic or fail; logging simply has no file sink.
	logger.Info("still works")
	assert.NoError(t, logger.Close())
}

// recordingExporter captures exported entries for assertions.
type recordingExporter struct {
	mu      sync.Mutex
	entries []LogEntry
	flushed bool
	closed  bool
}

func (r *recordingExporter) Export(_ context.Context, entry LogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *recordingExporter) Flush(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed = true
	return nil
}

func (r *recordingExporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestExporterReceivesEntries(t *testing.T) {
	exporter := &recordingExporter{}
	logger := New(Config{
		Level:    LevelInfo,
		Service:  "testsvc",
		Quiet:    true,
		Exporter: exporter,
	})

	logger.Info("exported", "k", "v")
	logger.Debug("below level, not exported")
	require.NoError(t, logger.Close())

	exporter.mu.Lock()
	defer exporter.mu.Unlock()
	require.Len(t, exporter.entries, 1)
	entry := exporter.entries[0]
	assert.Equal(t, "exported", entry.Message)
	assert.Equal(t, LevelInfo, entry.Level)
	assert.Equal(t, "testsvc", entry.Service)
	assert.Equal(t, "v", entry.Attrs["k"])
	assert.WithinDuration(t, time.Now(), entry.Timestamp, 5*time.Second)
	assert.True(t, exporter.flushed)
	assert.True(t, exporter.closed)
}

func TestWithReturnsChildLogger(t *testing.T) {
	logger := New(Config{Quiet: true})
	child := logger.With("subsystem", "test")
	require.NotNil(t, child)
	child.Info("no panic")
}
