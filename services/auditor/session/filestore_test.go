// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/GanAuditor/services/auditor/datatypes"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(filepath.Join(t.TempDir(), DefaultStateDir), testLogger())
	require.NoError(t, err)
	return store
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := datatypes.NewSessionState("gan-abc123")
	state.Config.Threshold = 90
	state.Append(1, datatypes.Verdict{Overall: 88, Verdict: datatypes.VerdictPass, Iterations: 1})

	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.Load(ctx, "gan-abc123")
	require.NoError(t, err)
	assert.Equal(t, "gan-abc123", loaded.ID)
	assert.Equal(t, 90, loaded.Config.Threshold)
	require.Len(t, loaded.History, 1)
	assert.Equal(t, 88, loaded.History[0].Verdict.Overall)
	require.NotNil(t, loaded.LastVerdict)
	assert.Equal(t, 88, loaded.LastVerdict.Overall)
}

func TestLoadNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadCorrupted(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "bad.json"), []byte("{truncated"), 0640))

	_, err := store.Load(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestLoadEmptyIDIsCorrupted(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "noid.json"), []byte(`{"history":[]}`), 0640))

	_, err := store.Load(context.Background(), "noid")
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestSaveRequiresID(t *testing.T) {
	store := newTestStore(t)
	err := store.Save(context.Background(), &datatypes.SessionState{})
	assert.ErrorIs(t, err, ErrPersist)
	assert.ErrorIs(t, store.Save(context.Background(), nil), ErrPersist)
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(context.Background(), datatypes.NewSessionState("s1")))

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestSaveOverwritesAtomically(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := datatypes.NewSessionState("s1")
	require.NoError(t, store.Save(ctx, state))

	state.Append(1, datatypes.Verdict{Overall: 70, Verdict: datatypes.VerdictRevise, Iterations: 1})
	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, loaded.History, 1)
}

func TestList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, datatypes.NewSessionState("beta")))
	require.NoError(t, store.Save(ctx, datatypes.NewSessionState("alpha")))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, ids)
}

func TestSanitizeID(t *testing.T) {
	assert.Equal(t, "gan-0123abcd", sanitizeID("gan-0123abcd"))

	unsafe := sanitizeID("../../etc/passwd")
	assert.NotContains(t, unsafe, "/")

	// Distinct unsafe ids never collide.
	a := sanitizeID("a/b")
	b := sanitizeID("a_b")
	assert.NotEqual(t, a, b)
}

func TestSaveLoadUnsafeID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := datatypes.NewSessionState("branch/feature x")
	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.Load(ctx, "branch/feature x")
	require.NoError(t, err)
	assert.Equal(t, "branch/feature x", loaded.ID)
}
