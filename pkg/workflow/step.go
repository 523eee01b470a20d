package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Status is the state of one step.
type Status int

const (
	StatusUnknown Status = iota
	StatusRunning
	StatusOK
	StatusFailed
	// StatusUnstable marks a step that passed but must be run again, e.g.
	// because a recorded value has to be re-checked.
	StatusUnstable
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusRunning:
		return "running"
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusUnstable:
		return "unstable"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Outcome is what a step reports when it did not hit a fatal error.
type Outcome struct {
	Status  Status
	Message string
}

// OK reports success.
func OK(msg string) Outcome { return Outcome{Status: StatusOK, Message: msg} }

// Failed reports a non-fatal failure; the run continues.
func Failed(format string, args ...any) Outcome {
	return Outcome{Status: StatusFailed, Message: fmt.Sprintf(format, args...)}
}

// Unstable reports a soft discrepancy that calls for a rerun.
func Unstable(format string, args ...any) Outcome {
	return Outcome{Status: StatusUnstable, Message: fmt.Sprintf(format, args...)}
}

// Step is one unit of work in a workflow. A returned error is fatal: the run
// stops unless the sequence continues on failure.
type Step interface {
	ID() string
	Name() string
	Run(ctx context.Context, r *Reporter) (Outcome, error)
}

// TransientError marks a failure that a rerun of the whole workflow is
// expected to fix, e.g. network flakiness.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Discovery is data learnt about the board during a run.
type Discovery struct {
	RAMSize         int // MiB
	PublicKey       string
	FirmwareVersion string
}

// Reporter lets a running step publish progress and discoveries.
type Reporter struct {
	exec   *Execution
	index  int
	step   Step
	logger *slog.Logger

	mu   sync.Mutex
	last float64
}

// Logger returns a logger tagged with the step.
func (r *Reporter) Logger() *slog.Logger { return r.logger }

// Progress publishes the completed fraction of the step. Values are clamped
// to [0, 1] and never go backwards.
func (r *Reporter) Progress(fraction float64) {
	fraction = min(max(fraction, 0), 1)
	r.mu.Lock()
	if fraction < r.last {
		r.mu.Unlock()
		return
	}
	r.last = fraction
	r.mu.Unlock()
	r.exec.emit(Event{
		Kind:     EventStepProgress,
		Index:    r.index,
		StepID:   r.step.ID(),
		StepName: r.step.Name(),
		Status:   StatusRunning,
		Progress: fraction,
	})
}

// Discover records data learnt about the board.
func (r *Reporter) Discover(ctx context.Context, d Discovery) {
	r.exec.discover(ctx, r.index, r.step, d)
}
