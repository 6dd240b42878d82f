// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package procmgr

// State tracks a process through its lifecycle:
//
//	Queued → Starting → Running → (Exited | TimingOut → Killing → Killed)
//
// Exited and Killed are terminal and release the execution slot.
type State int

const (
	// StateQueued means the request is waiting for a slot.
	StateQueued State = iota

	// StateStarting means the slot is held and the process is spawning.
	StateStarting

	// StateRunning means the process is alive.
	StateRunning

	// StateExited means the process exited on its own. Terminal.
	StateExited

	// StateTimingOut means the deadline passed and SIGTERM was sent.
	StateTimingOut

	// StateKilling means the grace period passed and SIGKILL was sent.
	StateKilling

	// StateKilled means the process was force-killed. Terminal.
	StateKilled
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateTimingOut:
		return "timing_out"
	case StateKilling:
		return "killing"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state releases the slot.
func (s State) IsTerminal() bool {
	return s == StateExited || s == StateKilled
}
