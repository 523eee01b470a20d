// Package workflow runs the ordered test steps for one board.
//
// A Workflow is built from a serial number and a BoardTable. The serial is
// validated before any step is constructed, so a bad number never reaches the
// fixture. Start executes the steps one after another on their own goroutine
// and publishes events for the user interface and the persistence sink.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/OpenTraceLab/OpenTraceFixture/pkg/workflow"

// RunState is the terminal state of a run.
type RunState int

const (
	// Completed means every step ran and none aborted the run.
	Completed RunState = iota
	// Aborted means a fatal step error stopped the run early.
	Aborted
)

func (s RunState) String() string {
	if s == Aborted {
		return "aborted"
	}
	return "completed"
}

// StepRecord is the outcome of one step in a run.
type StepRecord struct {
	Index    int
	ID       string
	Name     string
	Status   Status
	Message  string
	Duration time.Duration
}

// Result summarises a finished run.
type Result struct {
	Serial SerialNumber
	Board  string
	State  RunState
	// Err is the fatal error that aborted the run.
	Err error
	// Transient is set when Err is expected to go away on a rerun.
	Transient bool
	// NeedsRerun is set when a step reported StatusUnstable.
	NeedsRerun bool
	Steps      []StepRecord
}

// Passed reports whether the run completed with every step OK.
func (r Result) Passed() bool {
	if r.State != Completed {
		return false
	}
	for _, s := range r.Steps {
		if s.Status != StatusOK {
			return false
		}
	}
	return true
}

// Sink receives the records of a run, e.g. for persistence. Errors are
// logged and do not affect the run.
type Sink interface {
	StepFinished(ctx context.Context, rec StepRecord) error
	Discovered(ctx context.Context, d Discovery) error
	RunFinished(ctx context.Context, res Result) error
}

// Workflow is the step sequence for one board.
type Workflow struct {
	serial SerialNumber
	seq    Sequence
	steps  []Step
	sink   Sink
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithSink sets the sink that records the run.
func WithSink(s Sink) Option {
	return func(w *Workflow) { w.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithTracer sets the tracer used for run and step spans. The default is the
// global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(w *Workflow) {
		if t != nil {
			w.tracer = t
		}
	}
}

// New validates serial against table and builds the steps of its sequence.
func New(table BoardTable, serial SerialNumber, opts ...Option) (*Workflow, error) {
	seq, err := table.Lookup(serial)
	if err != nil {
		return nil, err
	}
	w := &Workflow{
		serial: serial,
		seq:    seq,
		logger: slog.New(slog.DiscardHandler),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("serial", serial.String(), "board", seq.Name)
	for _, f := range seq.Steps {
		w.steps = append(w.steps, f(serial))
	}
	return w, nil
}

// Serial returns the board's serial number.
func (w *Workflow) Serial() SerialNumber { return w.serial }

// Board returns the sequence name.
func (w *Workflow) Board() string { return w.seq.Name }

// Steps returns the steps in execution order.
func (w *Workflow) Steps() []Step { return w.steps }

// Run executes the workflow and waits for it.
func (w *Workflow) Run(ctx context.Context) Result {
	return w.Start(ctx).Wait()
}

// Start executes the steps on a new goroutine.
func (w *Workflow) Start(ctx context.Context) *Execution {
	e := &Execution{
		wf:     w,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		events: make(chan Event),
	}
	go e.run(ctx)
	return e
}

// EventKind says what an Event reports.
type EventKind int

const (
	EventStepStarted EventKind = iota
	EventStepProgress
	EventStepFinished
	EventDiscovery
	EventRunFinished
)

// Event is published for every step transition, progress update and
// discovery, and once at the end of the run.
type Event struct {
	Kind      EventKind
	Index     int
	StepID    string
	StepName  string
	Status    Status
	Message   string
	Progress  float64
	Discovery *Discovery
	Result    *Result
}

// Execution is a running workflow.
type Execution struct {
	wf *Workflow

	mu      sync.Mutex
	pending []Event
	closed  bool
	wake    chan struct{}

	eventsOnce sync.Once
	events     chan Event

	done   chan struct{}
	result Result
}

// Events returns the run's events in order. The channel is closed after the
// EventRunFinished event. Events are queued without bound until read.
func (e *Execution) Events() <-chan Event {
	e.eventsOnce.Do(func() { go e.forward() })
	return e.events
}

// Wait blocks until the run has finished.
func (e *Execution) Wait() Result {
	<-e.done
	return e.result
}

// Done is closed when the run has finished.
func (e *Execution) Done() <-chan struct{} { return e.done }

func (e *Execution) emit(ev Event) {
	e.mu.Lock()
	e.pending = append(e.pending, ev)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Execution) closeEvents() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Execution) forward() {
	defer close(e.events)
	for {
		e.mu.Lock()
		batch := e.pending
		e.pending = nil
		closed := e.closed
		e.mu.Unlock()

		for _, ev := range batch {
			e.events <- ev
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-e.wake
		}
	}
}

func (e *Execution) discover(ctx context.Context, index int, st Step, d Discovery) {
	w := e.wf
	e.emit(Event{Kind: EventDiscovery, Index: index, StepID: st.ID(), StepName: st.Name(), Discovery: &d})
	w.logger.Info("discovered", "step", st.ID(), "ram_mib", d.RAMSize, "firmware", d.FirmwareVersion)
	if w.sink != nil {
		if err := w.sink.Discovered(ctx, d); err != nil {
			w.logger.Error("sink: record discovery", "err", err)
		}
	}
}

func (e *Execution) run(ctx context.Context) {
	w := e.wf
	defer close(e.done)
	defer e.closeEvents()

	res := Result{Serial: w.serial, Board: w.seq.Name, State: Completed}
	for i, st := range w.steps {
		res.Steps = append(res.Steps, StepRecord{Index: i, ID: st.ID(), Name: st.Name()})
	}

	ctx, span := w.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("fixture.serial", w.serial.String()),
		attribute.String("fixture.board", w.seq.Name),
		attribute.Int("fixture.steps", len(w.steps)),
	))
	w.logger.Info("workflow started", "steps", len(w.steps))

	for i, st := range w.steps {
		if err := ctx.Err(); err != nil {
			res.State = Aborted
			res.Err = fmt.Errorf("workflow cancelled before step %s: %w", st.ID(), err)
			break
		}

		rec, err := e.runStep(ctx, i, st)
		res.Steps[i] = rec
		if rec.Status == StatusUnstable {
			res.NeedsRerun = true
		}
		if err == nil {
			continue
		}
		// Checked per step: the sequence decides, not the engine.
		if w.seq.ContinueOnFailure {
			continue
		}
		res.State = Aborted
		res.Err = fmt.Errorf("step %s: %w", st.ID(), err)
		res.Transient = IsTransient(err)
		break
	}

	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, strings.TrimSpace(res.Err.Error()))
		w.logger.Error("workflow aborted", "err", res.Err, "transient", res.Transient)
	} else {
		w.logger.Info("workflow finished", "passed", res.Passed(), "rerun", res.NeedsRerun)
	}
	span.End()

	if w.sink != nil {
		if err := w.sink.RunFinished(context.WithoutCancel(ctx), res); err != nil {
			w.logger.Error("sink: record run", "err", err)
		}
	}
	e.result = res
	e.emit(Event{Kind: EventRunFinished, Index: -1, Status: runStatus(res), Message: errString(res.Err), Result: &res})
}

// runStep executes one step inside its own span. A returned error is the
// step's fatal error.
func (e *Execution) runStep(ctx context.Context, i int, st Step) (StepRecord, error) {
	w := e.wf
	rec := StepRecord{Index: i, ID: st.ID(), Name: st.Name(), Status: StatusRunning}
	logger := w.logger.With("step", st.ID())
	e.emit(Event{Kind: EventStepStarted, Index: i, StepID: rec.ID, StepName: rec.Name, Status: StatusRunning})
	logger.Info("step started", "name", st.Name())

	stepCtx, span := w.tracer.Start(ctx, st.ID(), trace.WithAttributes(
		attribute.Int("fixture.step.index", i),
		attribute.String("fixture.step.name", st.Name()),
	))
	start := time.Now()
	r := &Reporter{exec: e, index: i, step: st, logger: logger}
	outcome, err := st.Run(stepCtx, r)
	rec.Duration = time.Since(start)

	switch {
	case err != nil:
		rec.Status = StatusFailed
		rec.Message = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		logger.Error("step failed", "err", err, "transient", IsTransient(err))
	case outcome.Status == StatusOK || outcome.Status == StatusFailed || outcome.Status == StatusUnstable:
		rec.Status = outcome.Status
		rec.Message = outcome.Message
		if rec.Status == StatusFailed {
			span.SetStatus(codes.Error, outcome.Message)
		}
		logger.Info("step finished", "status", rec.Status.String(), "message", rec.Message)
	default:
		rec.Status = StatusFailed
		rec.Message = fmt.Sprintf("step returned status %s", outcome.Status)
		span.SetStatus(codes.Error, rec.Message)
		logger.Error("step returned no outcome", "status", outcome.Status.String())
	}
	span.SetAttributes(attribute.String("fixture.step.status", rec.Status.String()))
	span.End()

	if w.sink != nil {
		if serr := w.sink.StepFinished(context.WithoutCancel(ctx), rec); serr != nil {
			logger.Error("sink: record step", "err", serr)
		}
	}
	e.emit(Event{Kind: EventStepFinished, Index: i, StepID: rec.ID, StepName: rec.Name, Status: rec.Status,
		Message: rec.Message, Progress: 1})
	return rec, err
}

func runStatus(res Result) Status {
	switch {
	case res.Passed():
		return StatusOK
	case res.State == Completed && res.NeedsRerun:
		return StatusUnstable
	default:
		return StatusFailed
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
