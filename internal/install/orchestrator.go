package install

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slateos/slate/internal/logging"
)

// State is the orchestrator's position in the installation lifecycle.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StatePartitioning
	StateInstalling
	StateConfiguringBoot
	StateConfiguringSystem
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StatePartitioning:
		return "partitioning"
	case StateInstalling:
		return "installing"
	case StateConfiguringBoot:
		return "configuring-boot"
	case StateConfiguringSystem:
		return "configuring-system"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// PhaseID names a phase in events and results.
type PhaseID string

const (
	PhasePreparing         PhaseID = "preparing"
	PhasePartitioning      PhaseID = "partitioning"
	PhaseInstalling        PhaseID = "installing"
	PhaseConfiguringBoot   PhaseID = "configuring-boot"
	PhaseConfiguringSystem PhaseID = "configuring-system"
)

// PhaseStatus is the explicit outcome of one phase in the audit trail.
type PhaseStatus int

const (
	// StatusSuccess means the phase ran to completion.
	StatusSuccess PhaseStatus = iota
	// StatusFailed means the phase returned an error and halted the run.
	StatusFailed
	// StatusSkipped marks a phase that never ran because an earlier phase
	// failed.
	StatusSkipped
)

func (s PhaseStatus) String() string {
	switch s {
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	default:
		return "success"
	}
}

// PhaseResult is one entry of the run's audit trail. Skipped entries carry a
// zero StartedAt and EndedAt.
type PhaseResult struct {
	Phase     PhaseID
	Status    PhaseStatus
	StartedAt time.Time
	EndedAt   time.Time
	Err       error
}

// Observer receives phase lifecycle and progress events. Implementations
// must be fast; they run on the install goroutine.
type Observer interface {
	PhaseStarted(phase PhaseID)
	Progress(phase PhaseID, percent int, message string)
	PhaseFinished(result PhaseResult)
}

type nopObserver struct{}

func (nopObserver) PhaseStarted(PhaseID)            {}
func (nopObserver) Progress(PhaseID, int, string)   {}
func (nopObserver) PhaseFinished(PhaseResult)       {}

type phase struct {
	id    PhaseID
	state State
	run   func(ctx context.Context, rc *Context) error
}

func standardPhases() []phase {
	return []phase{
		{PhasePreparing, StatePreparing, runPreparing},
		{PhasePartitioning, StatePartitioning, runPartitioning},
		{PhaseInstalling, StateInstalling, runInstalling},
		{PhaseConfiguringBoot, StateConfiguringBoot, runConfiguringBoot},
		{PhaseConfiguringSystem, StateConfiguringSystem, runConfiguringSystem},
	}
}

// Orchestrator runs the phases strictly in order, halting at the first
// failure. There is no retry and no rollback; the only failure-path cleanup
// is a best-effort reverse-order unmount of whatever was mounted.
type Orchestrator struct {
	logger  *slog.Logger
	phases  []phase
	state   State
	results []PhaseResult
}

func NewOrchestrator(logger *slog.Logger) *Orchestrator {
	return newOrchestrator(logger, standardPhases())
}

func newOrchestrator(logger *slog.Logger, phases []phase) *Orchestrator {
	return &Orchestrator{
		logger: logging.Ensure(logger).With("component", "orchestrator"),
		phases: phases,
		state:  StateIdle,
	}
}

// State reports the current lifecycle state.
func (o *Orchestrator) State() State {
	return o.state
}

// Results returns the audit trail of finished phases so far.
func (o *Orchestrator) Results() []PhaseResult {
	out := make([]PhaseResult, len(o.results))
	copy(out, o.results)
	return out
}

// Run executes the installation. On any phase failure the run stops, the
// tracked mounts are unwound best-effort, and the phase error is returned
// wrapped with the phase name.
func (o *Orchestrator) Run(ctx context.Context, rc *Context) error {
	if o.state != StateIdle {
		return fmt.Errorf("orchestrator already ran (state %s)", o.state)
	}
	if rc.Events == nil {
		rc.Events = nopObserver{}
	}

	for i, p := range o.phases {
		o.state = p.state
		o.logger.Info("phase started", "phase", string(p.id))
		rc.Events.PhaseStarted(p.id)

		result := PhaseResult{Phase: p.id, StartedAt: time.Now()}
		err := p.run(ctx, rc)
		result.EndedAt = time.Now()
		result.Err = err
		if err != nil {
			result.Status = StatusFailed
		}
		o.results = append(o.results, result)
		rc.Events.PhaseFinished(result)

		if err != nil {
			o.state = StateFailed
			o.logger.Error("phase failed, halting run",
				"phase", string(p.id), "error", err)
			// The trail records the phases the failure cut off. Skipped
			// phases never started, so no observer events fire for them.
			for _, rest := range o.phases[i+1:] {
				o.results = append(o.results, PhaseResult{Phase: rest.id, Status: StatusSkipped})
			}
			if cleanupErr := rc.Mounts.UnmountAll(ctx); cleanupErr != nil {
				o.logger.Warn("cleanup unmount incomplete", "error", cleanupErr)
			}
			return fmt.Errorf("%s: %w", p.id, err)
		}
		o.logger.Info("phase completed",
			"phase", string(p.id),
			"duration", result.EndedAt.Sub(result.StartedAt).Round(time.Millisecond))
	}

	o.state = StateCompleted
	o.logger.Info("installation completed")
	return nil
}
