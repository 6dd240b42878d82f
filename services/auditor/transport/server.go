// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package transport serves the tool interface over stdio: one JSON
// request per line in, one JSON response per line out. Stdout carries
// only protocol frames; all logging goes to stderr or files.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/GanAuditor/services/auditor/datatypes"
	"github.com/AleutianAI/GanAuditor/services/auditor/errclass"
)

// ToolName is the audit tool's registered name.
const ToolName = "gansy_audit"

// maxLineBytes bounds one request frame.
const maxLineBytes = 4 * 1024 * 1024

// Processor handles audit calls. Satisfied by *orchestrator.Orchestrator.
type Processor interface {
	Process(ctx context.Context, thought datatypes.Thought) (*datatypes.CombinedResponse, error)
}

// Request is one inbound frame.
type Request struct {
	// ID is echoed back verbatim so callers can correlate.
	ID json.RawMessage `json:"id,omitempty"`

	// Tool names the tool to invoke.
	Tool string `json:"tool"`

	// Arguments is the tool payload: a Thought for ToolName.
	Arguments json.RawMessage `json:"arguments"`
}

// Response is one outbound frame. Exactly one of Result or Error is set.
type Response struct {
	ID      json.RawMessage             `json:"id,omitempty"`
	Result  *datatypes.CombinedResponse `json:"result,omitempty"`
	Error   string                      `json:"error,omitempty"`
	Status  string                      `json:"status,omitempty"`
	Details *ErrorDetails               `json:"details,omitempty"`
}

// ErrorDetails carries the classification in error envelopes.
type ErrorDetails struct {
	Category    string   `json:"category"`
	Severity    string   `json:"severity"`
	Recoverable bool     `json:"recoverable"`
	Strategy    string   `json:"strategy"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Server is the stdio tool server.
//
// Requests are handled concurrently; the session lock inside the
// processor provides same-session ordering. Writes are serialized so
// frames never interleave.
//
// Thread Safety: Run is single-use; the server itself is internally
// synchronized.
type Server struct {
	proc     Processor
	validate *validator.Validate
	logger   *slog.Logger

	writeMu sync.Mutex
	out     io.Writer
}

// NewServer creates a stdio server reading from in and writing to out.
func NewServer(proc Processor, out io.Writer, logger *slog.Logger) *Server {
	return &Server{
		proc:     proc,
		validate: validator.New(),
		logger:   logger.With(slog.String("subsystem", "transport")),
		out:      out,
	}
}

// Run serves frames from in until EOF or context cancellation. In-flight
// requests are drained before returning.
func (s *Server) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handle(ctx, line)
		}()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("transport: reading stdin: %w", err)
	}
	return nil
}

// handle decodes, dispatches, and writes one frame.
func (s *Server) handle(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeError(nil, fmt.Errorf("malformed request frame: %w", err))
		return
	}

	if req.Tool != ToolName {
		s.writeError(req.ID, fmt.Errorf("unknown tool %q", req.Tool))
		return
	}

	var thought datatypes.Thought
	if err := json.Unmarshal(req.Arguments, &thought); err != nil {
		s.writeError(req.ID, fmt.Errorf("invalid arguments: %w", err))
		return
	}
	if err := s.validate.Struct(thought); err != nil {
		s.writeError(req.ID, fmt.Errorf("invalid arguments: %w", err))
		return
	}

	result, err := s.proc.Process(ctx, thought)
	if err != nil {
		s.writeError(req.ID, err)
		return
	}
	s.write(Response{ID: req.ID, Result: result})
}

// writeError emits the error envelope with the classification attached.
func (s *Server) writeError(id json.RawMessage, err error) {
	classified := errclass.Classify(err)
	s.logger.Error("request failed",
		slog.String("category", string(classified.Category)),
		slog.String("severity", string(classified.Severity)),
		slog.Any("error", err),
	)
	s.write(Response{
		ID:     id,
		Error:  classified.Err.Error(),
		Status: "failed",
		Details: &ErrorDetails{
			Category:    string(classified.Category),
			Severity:    string(classified.Severity),
			Recoverable: classified.Recoverable,
			Strategy:    string(classified.Strategy),
			Suggestions: classified.Suggestions,
		},
	})
}

// write serializes one frame to the output stream.
func (s *Server) write(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("response marshal failed", slog.Any("error", err))
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		s.logger.Error("response write failed", slog.Any("error", err))
	}
}
