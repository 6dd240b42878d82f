// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package environ

import "errors"

var (
	// ErrNoWorkdir indicates no candidate working directory exists.
	ErrNoWorkdir = errors.New("environ: no usable working directory")

	// ErrPathMissing indicates the ambient environment has no PATH.
	// Environment preparation fails hard on this.
	ErrPathMissing = errors.New("environ: PATH is not set")

	// ErrExecutableNotFound indicates the judge executable was not
	// found on PATH or in any extra search directory.
	ErrExecutableNotFound = errors.New("environ: judge executable not found")

	// ErrNotExecutable indicates a candidate file exists but lacks
	// read+execute permission.
	ErrNotExecutable = errors.New("environ: candidate is not executable")
)
