// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package procmgr owns subprocess spawning for the judge.
//
// The manager enforces a process-wide concurrency bound, queues excess
// requests FIFO, and guarantees cleanup through two-phase termination:
// SIGTERM, a grace period, then SIGKILL. No other component holds a
// process handle; callers see only a Result.
package procmgr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// =============================================================================
// Configuration
// =============================================================================

// Config tunes the process manager.
type Config struct {
	// MaxConcurrent bounds simultaneously running subprocesses.
	// Default: 4.
	MaxConcurrent int

	// DefaultTimeout applies when a request carries no timeout.
	// Default: 30s.
	DefaultTimeout time.Duration

	// CleanupGrace is the time between SIGTERM and SIGKILL.
	// Default: 5s.
	CleanupGrace time.Duration

	// QueueTimeout bounds how long a request may wait for a slot.
	// Default: 30s.
	QueueTimeout time.Duration

	// HealthCheckInterval controls MonitorHealth's sampling cadence.
	// Default: 30s.
	HealthCheckInterval time.Duration

	// MaxCapturedOutput caps stdout/stderr capture per stream; output
	// beyond the cap is dropped and marked truncated. Default: 10MiB.
	MaxCapturedOutput int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:       4,
		DefaultTimeout:      30 * time.Second,
		CleanupGrace:        5 * time.Second,
		QueueTimeout:        30 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		MaxCapturedOutput:   10 << 20,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.CleanupGrace <= 0 {
		c.CleanupGrace = d.CleanupGrace
	}
	if c.QueueTimeout <= 0 {
		c.QueueTimeout = d.QueueTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.MaxCapturedOutput <= 0 {
		c.MaxCapturedOutput = d.MaxCapturedOutput
	}
}

// =============================================================================
// Request / Result
// =============================================================================

// Request describes one subprocess execution.
type Request struct {
	// Path is the executable to run. Required.
	Path string

	// Args are the arguments, in order (not including the path).
	Args []string

	// Dir is the working directory. Empty inherits the service's.
	Dir string

	// Env is the full environment. Nil inherits the service's.
	Env []string

	// Stdin is written to the process once and the pipe is closed.
	Stdin []byte

	// Timeout overrides the manager's default per-call timeout.
	Timeout time.Duration
}

// Result is the outcome of one execution.
//
// TimedOut is distinct from a non-zero ExitCode: a process can exit
// non-zero within its deadline, and a timed-out process carries whatever
// bytes were captured before termination.
type Result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	TimedOut bool
	PID      int
}

// =============================================================================
// Manager
// =============================================================================

// Manager is the bounded subprocess pool.
//
// Thread Safety: Safe for concurrent use.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	// sem grants execution slots. semaphore.Weighted wakes waiters in
	// FIFO order, which gives the queue its ordering guarantee.
	sem *semaphore.Weighted

	mu         sync.Mutex
	closed     bool
	shutdownCh chan struct{}
	active     map[string]*trackedProcess
	activeWG   sync.WaitGroup

	queued atomic.Int64
	health healthState
}

// trackedProcess is a process the manager currently owns.
type trackedProcess struct {
	id      string
	cmd     *exec.Cmd
	stateMu sync.Mutex
	state   State
}

func (p *trackedProcess) setState(s State) {
	p.stateMu.Lock()
	p.state = s
	p.stateMu.Unlock()
}

// State returns the process's current lifecycle state.
func (p *trackedProcess) State() State {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

// NewManager creates a process manager.
//
// # Inputs
//
//   - cfg: pool configuration; zero fields take defaults.
//   - logger: base logger. Must not be nil.
//
// # Outputs
//
//   - *Manager: ready to use. Never nil.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:        cfg,
		logger:     logger.With(slog.String("subsystem", "procmgr")),
		metrics:    NewMetrics(),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		shutdownCh: make(chan struct{}),
		active:     make(map[string]*trackedProcess),
	}
}

// Execute runs one subprocess under the concurrency bound.
//
// # Description
//
//	If a slot is free the process starts immediately; otherwise the
//	request queues FIFO. A request that waits longer than QueueTimeout
//	fails with ErrQueueTimeout. Once running, the process is terminated
//	in two phases (SIGTERM, grace, SIGKILL) when its deadline passes,
//	the caller's context is cancelled, or the manager shuts down.
//
// # Inputs
//
//   - ctx: caller's context; cancellation triggers termination.
//   - req: the execution request. Path is required.
//
// # Outputs
//
//   - *Result: non-nil whenever the process started, including on
//     timeout (TimedOut=true, bytes captured so far).
//   - error: ErrInvalidRequest, ErrQueueTimeout, ErrShutdown,
//     ErrStartFailed, or the context's error.
//
// Thread Safety: Safe for concurrent use.
func (m *Manager) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Path == "" {
		return nil, fmt.Errorf("%w: path must not be empty", ErrInvalidRequest)
	}
	if m.isClosed() {
		return nil, ErrShutdown
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}

	// Admission: wait for a slot, bounded by QueueTimeout and aborted
	// early on shutdown.
	queueStart := time.Now()
	m.queued.Add(1)
	m.metrics.QueuedRequests.Inc()

	qctx, qcancel := context.WithTimeout(ctx, m.cfg.QueueTimeout)
	go func() {
		select {
		case <-m.shutdownCh:
			qcancel()
		case <-qctx.Done():
		}
	}()
	err := m.sem.Acquire(qctx, 1)
	qcancel()

	m.queued.Add(-1)
	m.metrics.QueuedRequests.Dec()
	m.metrics.QueueWaitSeconds.Observe(time.Since(queueStart).Seconds())

	if err != nil {
		switch {
		case m.isClosed():
			m.metrics.ExecutionsTotal.WithLabelValues("shutdown").Inc()
			return nil, ErrShutdown
		case ctx.Err() != nil:
			return nil, fmt.Errorf("procmgr: waiting for slot: %w", ctx.Err())
		default:
			m.metrics.ExecutionsTotal.WithLabelValues("queue_timeout").Inc()
			return nil, fmt.Errorf("%w: waited %s", ErrQueueTimeout, time.Since(queueStart).Round(time.Millisecond))
		}
	}
	defer m.sem.Release(1)

	if m.isClosed() {
		m.metrics.ExecutionsTotal.WithLabelValues("shutdown").Inc()
		return nil, ErrShutdown
	}

	m.activeWG.Add(1)
	defer m.activeWG.Done()

	return m.run(ctx, req, timeout)
}

// run starts and supervises one subprocess. A slot is already held.
func (m *Manager) run(ctx context.Context, req Request, timeout time.Duration) (*Result, error) {
	cmd := exec.Command(req.Path, req.Args...)
	cmd.Dir = req.Dir
	if req.Env != nil {
		cmd.Env = req.Env
	}
	if len(req.Stdin) > 0 {
		// Stdin is written exactly once; exec closes the pipe when the
		// reader is exhausted.
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}

	stdout := newCappedBuffer(m.cfg.MaxCapturedOutput)
	stderr := newCappedBuffer(m.cfg.MaxCapturedOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		m.metrics.ExecutionsTotal.WithLabelValues("failure").Inc()
		m.health.record(time.Since(start), false)
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	tp := &trackedProcess{id: uuid.NewString(), cmd: cmd, state: StateRunning}
	m.trackAdd(tp)
	defer m.trackRemove(tp)

	m.metrics.ActiveProcesses.Inc()
	defer m.metrics.ActiveProcesses.Dec()

	m.logger.Debug("process started",
		slog.String("execution_id", tp.id),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("path", req.Path),
		slog.Duration("timeout", timeout),
	)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	timedOut := false
	shutdown := false

	select {
	case <-done:
		tp.setState(StateExited)
	case <-timer.C:
		timedOut = true
		m.terminate(tp, done, "timeout")
	case <-ctx.Done():
		timedOut = true
		m.terminate(tp, done, "context cancelled")
	case <-m.shutdownCh:
		shutdown = true
		m.terminate(tp, done, "shutdown")
	}

	duration := time.Since(start)
	result := &Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: duration,
		TimedOut: timedOut,
		PID:      cmd.Process.Pid,
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	success := !timedOut && !shutdown && result.ExitCode == 0
	m.health.record(duration, success)
	m.metrics.DurationSeconds.Observe(duration.Seconds())

	switch {
	case shutdown:
		m.metrics.ExecutionsTotal.WithLabelValues("shutdown").Inc()
		return result, ErrShutdown
	case timedOut:
		m.metrics.ExecutionsTotal.WithLabelValues("timeout").Inc()
	case success:
		m.metrics.ExecutionsTotal.WithLabelValues("success").Inc()
	default:
		m.metrics.ExecutionsTotal.WithLabelValues("failure").Inc()
	}

	m.logger.Debug("process finished",
		slog.String("execution_id", tp.id),
		slog.Int("exit_code", result.ExitCode),
		slog.Bool("timed_out", result.TimedOut),
		slog.Duration("duration", duration),
	)

	return result, nil
}

// terminate performs two-phase termination and waits for process exit.
// Force-kill is always attempted if graceful termination does not
// complete within the grace period.
func (m *Manager) terminate(tp *trackedProcess, done <-chan error, reason string) {
	tp.setState(StateTimingOut)
	m.logger.Warn("terminating process",
		slog.String("execution_id", tp.id),
		slog.Int("pid", tp.cmd.Process.Pid),
		slog.String("reason", reason),
	)

	_ = tp.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case <-done:
		tp.setState(StateExited)
		return
	case <-time.After(m.cfg.CleanupGrace):
	}

	tp.setState(StateKilling)
	m.metrics.ForceKilledTotal.Inc()
	m.logger.Warn("grace period expired, force killing",
		slog.String("execution_id", tp.id),
		slog.Int("pid", tp.cmd.Process.Pid),
	)

	_ = tp.cmd.Process.Kill()
	<-done
	tp.setState(StateKilled)
}

// Shutdown closes the manager.
//
// # Description
//
//	New and queued calls fail with ErrShutdown; every active process is
//	terminated in two phases concurrently. Shutdown returns once all
//	processes have exited or ctx expires.
//
// Thread Safety: Safe for concurrent use; only the first call acts.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.shutdownCh)
	activeCount := len(m.active)
	m.mu.Unlock()

	m.logger.Info("shutting down process manager",
		slog.Int("active", activeCount),
		slog.Int64("queued", m.queued.Load()),
	)

	doneCh := make(chan struct{})
	go func() {
		m.activeWG.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		m.logger.Info("process manager shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("procmgr: shutdown wait: %w", ctx.Err())
	}
}

// MonitorHealth periodically logs the health predicate until ctx ends.
func (m *Manager) MonitorHealth(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := m.Health()
			if !report.Healthy {
				m.logger.Warn("process manager unhealthy",
					slog.Int64("total", report.Total),
					slog.Int64("failures", report.Failures),
					slog.Float64("success_rate", report.SuccessRate),
				)
			}
		}
	}
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Manager) trackAdd(tp *trackedProcess) {
	m.mu.Lock()
	m.active[tp.id] = tp
	m.mu.Unlock()
}

func (m *Manager) trackRemove(tp *trackedProcess) {
	m.mu.Lock()
	delete(m.active, tp.id)
	m.mu.Unlock()
}

// ActiveCount returns the number of currently tracked processes.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// QueuedCount returns the number of requests waiting for a slot.
func (m *Manager) QueuedCount() int {
	return int(m.queued.Load())
}

// =============================================================================
// Health
// =============================================================================

// healthDurationWindow is the rolling sample count for averaging.
const healthDurationWindow = 100

type healthState struct {
	mu            sync.Mutex
	total         int64
	successes     int64
	failures      int64
	durations     []time.Duration
	next          int
	lastExecution time.Time
}

func (h *healthState) record(d time.Duration, success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.total++
	if success {
		h.successes++
	} else {
		h.failures++
	}
	if len(h.durations) < healthDurationWindow {
		h.durations = append(h.durations, d)
	} else {
		h.durations[h.next] = d
		h.next = (h.next + 1) % healthDurationWindow
	}
	h.lastExecution = time.Now()
}

// HealthReport is a snapshot of the manager's rolling counters.
type HealthReport struct {
	Total           int64
	Successes       int64
	Failures        int64
	SuccessRate     float64
	AverageDuration time.Duration
	LastExecution   time.Time
	Active          int
	Queued          int

	// Healthy is true when the success rate is at least 0.80 or fewer
	// than 5 executions have been observed.
	Healthy bool
}

// Health returns the current health snapshot.
func (m *Manager) Health() HealthReport {
	m.health.mu.Lock()
	report := HealthReport{
		Total:         m.health.total,
		Successes:     m.health.successes,
		Failures:      m.health.failures,
		LastExecution: m.health.lastExecution,
	}
	if m.health.total > 0 {
		report.SuccessRate = float64(m.health.successes) / float64(m.health.total)
	}
	if n := len(m.health.durations); n > 0 {
		var sum time.Duration
		for _, d := range m.health.durations {
			sum += d
		}
		report.AverageDuration = sum / time.Duration(n)
	}
	m.health.mu.Unlock()

	report.Healthy = report.SuccessRate >= 0.80 || report.Total < 5
	report.Active = m.ActiveCount()
	report.Queued = m.QueuedCount()
	return report
}

// =============================================================================
// Output Capture
// =============================================================================

// truncationMarker is appended to capped stream output.
const truncationMarker = "\n[output truncated]"

// cappedBuffer accumulates a stream up to a byte limit.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// Bytes returns the captured output, with a marker when truncated.
func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	if b.truncated {
		out = append(out, []byte(truncationMarker)...)
	}
	return out
}
