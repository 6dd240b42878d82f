// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package procmgr

import "errors"

var (
	// ErrInvalidRequest indicates a malformed execution request.
	ErrInvalidRequest = errors.New("procmgr: invalid request")

	// ErrQueueTimeout indicates a request waited in the admission queue
	// longer than the configured queue timeout.
	ErrQueueTimeout = errors.New("procmgr: queue timeout")

	// ErrShutdown indicates the manager is closed. New and queued calls
	// fail with this error once Shutdown begins.
	ErrShutdown = errors.New("procmgr: manager is shut down")

	// ErrStartFailed indicates the subprocess could not be started.
	ErrStartFailed = errors.New("procmgr: process start failed")
)
