// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import "errors"

var (
	// ErrNotFound indicates no session exists for the key.
	ErrNotFound = errors.New("session: not found")

	// ErrCorrupted indicates the session file exists but cannot be
	// decoded. Callers recover by creating a fresh session.
	ErrCorrupted = errors.New("session: state corrupted")

	// ErrPersist indicates the session could not be written. Callers
	// continue in memory and surface a warning.
	ErrPersist = errors.New("session: persistence failed")
)
