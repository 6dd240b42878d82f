// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/GanAuditor/services/auditor/datatypes"
)

// DefaultStateDir is the default session directory name.
const DefaultStateDir = ".mcp-gan-state"

// sessionFileExt is the on-disk session file extension.
const sessionFileExt = ".json"

// FileStore persists one JSON document per session under a directory.
//
// Atomicity comes from write-to-temp plus rename within the same
// directory; readers never observe a partial document. Concurrent
// writers to the same session are prevented by the session lock, not by
// the store.
//
// Thread Safety: Safe for concurrent use across distinct sessions.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates the store, creating dir (0750) when missing.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if dir == "" {
		dir = DefaultStateDir
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: creating %s: %v", ErrPersist, dir, err)
	}
	return &FileStore{
		dir:    dir,
		logger: logger.With(slog.String("subsystem", "session_store")),
	}, nil
}

// Dir returns the store's directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Load reads and decodes one session document.
func (s *FileStore) Load(ctx context.Context, id string) (*datatypes.SessionState, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: reading %s: %v", ErrCorrupted, id, err)
	}

	var state datatypes.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrCorrupted, id, err)
	}
	if state.ID == "" {
		return nil, fmt.Errorf("%w: %s has empty id", ErrCorrupted, id)
	}
	return &state, nil
}

// Save writes the session document atomically: marshal, write to a temp
// file in the same directory, fsync, rename over the target.
func (s *FileStore) Save(ctx context.Context, state *datatypes.SessionState) error {
	if state == nil || state.ID == "" {
		return fmt.Errorf("%w: state must have an id", ErrPersist)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %v", ErrPersist, state.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: temp file for %s: %v", ErrPersist, state.ID, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: writing %s: %v", ErrPersist, state.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: syncing %s: %v", ErrPersist, state.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: closing %s: %v", ErrPersist, state.ID, err)
	}

	if err := os.Rename(tmpPath, s.path(state.ID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: renaming %s: %v", ErrPersist, state.ID, err)
	}

	s.logger.Debug("session persisted",
		slog.String("session_id", state.ID),
		slog.Int("history_len", len(state.History)),
	)
	return nil
}

// List returns the ids of all persisted sessions, sorted.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("session: listing %s: %w", s.dir, err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, sessionFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, sessionFileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// path maps a session id to its file, sanitizing unsafe characters.
func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, sanitizeID(id)+sessionFileExt)
}

// sanitizeID makes a session id filesystem-safe. Ids containing
// characters outside [A-Za-z0-9._-] are rewritten and suffixed with a
// short hash so distinct ids never collide.
func sanitizeID(id string) string {
	safe := true
	for _, r := range id {
		if !isSafeRune(r) {
			safe = false
			break
		}
	}
	if safe && id != "" {
		return id
	}

	var b strings.Builder
	for _, r := range id {
		if isSafeRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	h := fnv.New32a()
	h.Write([]byte(id))
	return fmt.Sprintf("%s-%08x", b.String(), h.Sum32())
}

func isSafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.' || r == '_' || r == '-':
		return true
	}
	return false
}
