// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session persists per-session audit state and serializes access
// to it. One JSON document per session, write-to-temp plus rename for
// atomicity, and a per-key FIFO lock manager so at most one audit is in
// flight per session.
package session

import (
	"context"

	"github.com/AleutianAI/GanAuditor/services/auditor/datatypes"
)

// Store is the persistent session state interface.
//
// The store exclusively owns SessionState; the orchestrator mutates a
// loaded copy only while holding the session's lock, then saves it back.
//
// Implementations must be safe for concurrent use; callers prevent
// concurrent writers to the same session via the LockManager.
type Store interface {
	// Load returns the state for id.
	//
	// Errors: ErrNotFound when no file exists; ErrCorrupted when the
	// file cannot be decoded.
	Load(ctx context.Context, id string) (*datatypes.SessionState, error)

	// Save persists the state atomically.
	//
	// Errors: ErrPersist on any write failure.
	Save(ctx context.Context, state *datatypes.SessionState) error

	// List returns the ids of all persisted sessions, sorted.
	List(ctx context.Context) ([]string, error)
}
