// Package executor wraps external process invocation behind a dual-mode
// (simulate/live) strategy so every host mutation in the installer flows
// through a single audited choke point.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/slateos/slate/internal/logging"
)

// Mode selects the execution strategy for a run. It is fixed when the
// executor is constructed and never changes mid-run.
type Mode int

const (
	// ModeSimulate logs intended actions and performs zero host mutation.
	ModeSimulate Mode = iota
	// ModeLive spawns the requested processes on the host.
	ModeLive
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	default:
		return "simulate"
	}
}

// Spec describes one external command invocation.
type Spec struct {
	Path string
	Args []string
}

// Command builds a Spec for the given program and arguments.
func Command(path string, args ...string) Spec {
	return Spec{Path: path, Args: args}
}

func (s Spec) String() string {
	if len(s.Args) == 0 {
		return s.Path
	}
	return s.Path + " " + strings.Join(s.Args, " ")
}

// Result is the outcome of a single command invocation.
type Result struct {
	Output    string
	ExitCode  int
	Simulated bool
}

// ExecutionError reports a command that exited non-zero. It is fatal to the
// enclosing phase unless the call site explicitly treats the call as
// best-effort.
type ExecutionError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("command %q exited with status %d", e.Command, e.ExitCode)
}

type strategy interface {
	run(ctx context.Context, spec Spec) (Result, error)
}

// Executor issues external commands using the strategy selected by its mode.
// Every call, in either mode, writes exactly one audit record to the logger.
type Executor struct {
	mode     Mode
	strategy strategy
	live     strategy
	logger   *slog.Logger
	runID    string

	mu    sync.Mutex
	calls int
}

// New constructs an executor for the given mode. The logger is the audit
// sink; it must not be nil in production use (a nil logger falls back to the
// process default).
func New(mode Mode, logger *slog.Logger) *Executor {
	logger = logging.Ensure(logger).With("component", "executor")
	live := &liveStrategy{logger: logger}
	var strat strategy = live
	if mode == ModeSimulate {
		strat = simulateStrategy{}
	}
	return &Executor{
		mode:     mode,
		strategy: strat,
		live:     live,
		logger:   logger,
		runID:    uuid.NewString(),
	}
}

// Mode reports the run-scoped execution mode.
func (e *Executor) Mode() Mode {
	return e.mode
}

// RunID identifies this run in the audit trail.
func (e *Executor) RunID() string {
	return e.runID
}

// Calls reports how many audit records this executor has written.
func (e *Executor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Execute runs a potentially mutating command under the run's mode. In
// simulate mode it records the intended action and returns success without
// touching the host. In live mode it blocks until the process exits and
// returns an ExecutionError on non-zero exit.
func (e *Executor) Execute(ctx context.Context, spec Spec, description string) (Result, error) {
	e.audit("execute", e.mode.String(), spec, description)
	return e.strategy.run(ctx, spec)
}

// Query runs a read-only inspection command. Queries run live in both modes:
// simulate must not change what the installer can observe about the host,
// only what it may do to it. Call sites are restricted to commands that do
// not mutate state (blkid, lsblk, efibootmgr listing). The audit record
// carries the mode the command actually ran under, which for a query is
// always live.
func (e *Executor) Query(ctx context.Context, spec Spec, description string) (Result, error) {
	e.audit("query", ModeLive.String(), spec, description)
	return e.live.run(ctx, spec)
}

func (e *Executor) audit(kind, mode string, spec Spec, description string) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	e.logger.Info("command "+kind,
		"run_id", e.runID,
		"mode", mode,
		"command", spec.String(),
		"description", description,
	)
}

type simulateStrategy struct{}

func (simulateStrategy) run(context.Context, Spec) (Result, error) {
	return Result{ExitCode: 0, Simulated: true}, nil
}

type liveStrategy struct {
	logger *slog.Logger
}

func (s *liveStrategy) run(ctx context.Context, spec Spec) (Result, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)

	var captured bytes.Buffer
	sink := &lineWriter{logger: s.logger, command: spec.Path}
	combined := io.MultiWriter(&captured, sink)
	cmd.Stdout = combined
	cmd.Stderr = combined

	err := cmd.Run()
	sink.flush()

	result := Result{Output: captured.String()}
	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, &ExecutionError{
			Command:  spec.String(),
			ExitCode: result.ExitCode,
			Output:   result.Output,
		}
	}
	return result, fmt.Errorf("start %q: %w", spec.String(), err)
}

// lineWriter streams process output into the log sink one line at a time so
// interleaved stdout/stderr remains readable in the run log.
type lineWriter struct {
	logger  *slog.Logger
	command string
	partial bytes.Buffer
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.partial.Write(p)
	for {
		line, err := w.partial.ReadString('\n')
		if err != nil {
			// Incomplete line, keep it buffered.
			w.partial.Reset()
			w.partial.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\n"))
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if w.partial.Len() > 0 {
		w.emit(w.partial.String())
		w.partial.Reset()
	}
}

func (w *lineWriter) emit(line string) {
	if line == "" {
		return
	}
	w.logger.Debug("process output", "command", w.command, "line", line)
}
