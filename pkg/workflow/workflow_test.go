package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

const (
	testSeries = 0x0A0B0C0D
	testBoard  = 0x01
)

func testSerial(board byte, seq uint32) SerialNumber {
	return SerialNumber(uint64(testSeries)<<32 | uint64(board)<<24 | uint64(seq&0xFFFFFF))
}

// fakeStep is a scripted step that counts its runs.
type fakeStep struct {
	id      string
	outcome Outcome
	err     error
	run     func(ctx context.Context, r *Reporter)

	mu   sync.Mutex
	runs int
}

func (s *fakeStep) ID() string   { return s.id }
func (s *fakeStep) Name() string { return "step " + s.id }

func (s *fakeStep) Run(ctx context.Context, r *Reporter) (Outcome, error) {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	if s.run != nil {
		s.run(ctx, r)
	}
	return s.outcome, s.err
}

func (s *fakeStep) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

type recordingSink struct {
	mu         sync.Mutex
	steps      []StepRecord
	discovered []Discovery
	results    []Result
	fail       error
}

func (s *recordingSink) StepFinished(_ context.Context, rec StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, rec)
	return s.fail
}

func (s *recordingSink) Discovered(_ context.Context, d Discovery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discovered = append(s.discovered, d)
	return s.fail
}

func (s *recordingSink) RunFinished(_ context.Context, res Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return s.fail
}

func tableOf(continueOnFailure bool, steps ...*fakeStep) BoardTable {
	seq := Sequence{Name: "router", ContinueOnFailure: continueOnFailure}
	for _, st := range steps {
		seq.Steps = append(seq.Steps, func(SerialNumber) Step { return st })
	}
	return BoardTable{
		Series: []uint32{testSeries},
		Boards: map[byte]Sequence{testBoard: seq},
	}
}

func newTestTracer() (trace.Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return provider.Tracer("workflow-test"), recorder
}

func statuses(res Result) []Status {
	out := make([]Status, len(res.Steps))
	for i, s := range res.Steps {
		out[i] = s.Status
	}
	return out
}

func fiveSteps(fatalAt int) []*fakeStep {
	steps := make([]*fakeStep, 5)
	for i := range steps {
		steps[i] = &fakeStep{id: fmt.Sprintf("s%d", i+1), outcome: OK("")}
	}
	steps[fatalAt].err = errors.New("no response from board")
	return steps
}

func TestParseSerial(t *testing.T) {
	tests := []struct {
		in      string
		want    SerialNumber
		wantErr bool
	}{
		{in: "0A0B0C0D01000042", want: 0x0A0B0C0D01000042},
		{in: "0x0a0b0c0d01000042", want: 0x0A0B0C0D01000042},
		{in: " 0A0B0C0D01000042\n", want: 0x0A0B0C0D01000042},
		{in: "0A0B0C0D0100004", wantErr: true},
		{in: "0A0B0C0D0100004Z", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseSerial(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSerial(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSerial(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}

	s := SerialNumber(0x0A0B0C0D01000042)
	if s.Series() != testSeries || s.BoardType() != 0x01 || s.Sequence() != 0x42 {
		t.Errorf("fields = %08X/%02X/%06X", s.Series(), s.BoardType(), s.Sequence())
	}
}

func TestLookup(t *testing.T) {
	table := tableOf(false)
	table.Boards[0x02] = Sequence{Name: "empty"}

	tests := []struct {
		name    string
		serial  SerialNumber
		want    string
		wantErr bool
	}{
		{name: "known board", serial: testSerial(testBoard, 7), want: "router"},
		{name: "board without steps", serial: testSerial(0x02, 7), want: "empty"},
		{name: "unknown board type", serial: testSerial(0x7F, 7), wantErr: true},
		{name: "unknown series", serial: SerialNumber(0xDEADBEEF01000001), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := table.Lookup(tt.serial)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidBoardNumber) {
					t.Fatalf("Lookup() error = %v, want ErrInvalidBoardNumber", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Lookup() error = %v", err)
			}
			if seq.Name != tt.want {
				t.Errorf("Lookup() = %q, want %q", seq.Name, tt.want)
			}
		})
	}
}

func TestInvalidBoardNumberBuildsNothing(t *testing.T) {
	built := 0
	table := BoardTable{
		Series: []uint32{testSeries},
		Boards: map[byte]Sequence{testBoard: {Name: "router", Steps: []StepFactory{
			func(SerialNumber) Step { built++; return &fakeStep{id: "s1"} },
		}}},
	}

	_, err := New(table, testSerial(0x55, 1))
	if !errors.Is(err, ErrInvalidBoardNumber) {
		t.Fatalf("New() error = %v, want ErrInvalidBoardNumber", err)
	}
	if built != 0 {
		t.Fatalf("step factories called %d times, want 0", built)
	}
}

func TestFatalStepStopsRun(t *testing.T) {
	steps := fiveSteps(2)
	sink := &recordingSink{}
	wf, err := New(tableOf(false, steps...), testSerial(testBoard, 1), WithSink(sink))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res := wf.Run(context.Background())
	if res.State != Aborted {
		t.Fatalf("State = %s, want aborted", res.State)
	}
	if res.Transient {
		t.Error("Transient = true for a plain error")
	}
	want := []Status{StatusOK, StatusOK, StatusFailed, StatusUnknown, StatusUnknown}
	if diff := cmp.Diff(want, statuses(res)); diff != "" {
		t.Errorf("step statuses (-want +got):\n%s", diff)
	}
	for i, st := range steps {
		wantRuns := 1
		if i > 2 {
			wantRuns = 0
		}
		if st.Runs() != wantRuns {
			t.Errorf("step %s ran %d times, want %d", st.id, st.Runs(), wantRuns)
		}
	}
	if len(sink.steps) != 3 || len(sink.results) != 1 {
		t.Errorf("sink recorded %d steps and %d results, want 3 and 1", len(sink.steps), len(sink.results))
	}
	if res.Passed() {
		t.Error("Passed() = true for an aborted run")
	}
}

func TestContinueOnFailureRunsAll(t *testing.T) {
	steps := fiveSteps(2)
	wf, err := New(tableOf(true, steps...), testSerial(testBoard, 1))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res := wf.Run(context.Background())
	if res.State != Completed {
		t.Fatalf("State = %s, want completed", res.State)
	}
	want := []Status{StatusOK, StatusOK, StatusFailed, StatusOK, StatusOK}
	if diff := cmp.Diff(want, statuses(res)); diff != "" {
		t.Errorf("step statuses (-want +got):\n%s", diff)
	}
	for _, st := range steps {
		if st.Runs() != 1 {
			t.Errorf("step %s ran %d times, want 1", st.id, st.Runs())
		}
	}
}

func TestOutcomeClassification(t *testing.T) {
	tests := []struct {
		name          string
		outcome       Outcome
		err           error
		wantState     RunState
		wantTransient bool
		wantRerun     bool
		wantStatus    Status
	}{
		{name: "ok", outcome: OK("fine"), wantState: Completed, wantStatus: StatusOK},
		{name: "soft failure", outcome: Failed("link at %d Mbit", 100), wantState: Completed, wantStatus: StatusFailed},
		{name: "unstable", outcome: Unstable("ram size changed"), wantState: Completed, wantRerun: true, wantStatus: StatusUnstable},
		{
			name:          "transient error",
			err:           Transient(errors.New("tftp timeout")),
			wantState:     Aborted,
			wantTransient: true,
			wantStatus:    StatusFailed,
		},
		{
			name:       "wrapped permanent error",
			err:        fmt.Errorf("flash: %w", errors.New("id mismatch")),
			wantState:  Aborted,
			wantStatus: StatusFailed,
		},
		{name: "missing outcome", outcome: Outcome{}, wantState: Completed, wantStatus: StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &fakeStep{id: "only", outcome: tt.outcome, err: tt.err}
			wf, err := New(tableOf(false, st), testSerial(testBoard, 9))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			res := wf.Run(context.Background())
			if res.State != tt.wantState {
				t.Errorf("State = %s, want %s", res.State, tt.wantState)
			}
			if res.Transient != tt.wantTransient {
				t.Errorf("Transient = %v, want %v", res.Transient, tt.wantTransient)
			}
			if res.NeedsRerun != tt.wantRerun {
				t.Errorf("NeedsRerun = %v, want %v", res.NeedsRerun, tt.wantRerun)
			}
			if got := res.Steps[0].Status; got != tt.wantStatus {
				t.Errorf("step status = %s, want %s", got, tt.wantStatus)
			}
			if tt.err != nil && !errors.Is(res.Err, tt.err) {
				t.Errorf("Err = %v, want wrapping %v", res.Err, tt.err)
			}
		})
	}
}

func TestEventsInOrder(t *testing.T) {
	first := &fakeStep{id: "flash", outcome: OK("written"), run: func(ctx context.Context, r *Reporter) {
		r.Progress(0.5)
		r.Progress(0.25) // ignored
		r.Progress(2)
		r.Discover(ctx, Discovery{RAMSize: 256, PublicKey: "abcd"})
	}}
	second := &fakeStep{id: "boot", outcome: Failed("no prompt")}
	sink := &recordingSink{fail: errors.New("disk full")}

	wf, err := New(tableOf(false, first, second), testSerial(testBoard, 3), WithSink(sink))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	exec := wf.Start(context.Background())

	type ev struct {
		Kind     EventKind
		StepID   string
		Status   Status
		Progress float64
	}
	var got []ev
	for e := range exec.Events() {
		got = append(got, ev{e.Kind, e.StepID, e.Status, e.Progress})
		if e.Kind == EventRunFinished && e.Result == nil {
			t.Error("run finished event without result")
		}
	}
	want := []ev{
		{EventStepStarted, "flash", StatusRunning, 0},
		{EventStepProgress, "flash", StatusRunning, 0.5},
		{EventStepProgress, "flash", StatusRunning, 1},
		{EventDiscovery, "flash", StatusUnknown, 0},
		{EventStepFinished, "flash", StatusOK, 1},
		{EventStepStarted, "boot", StatusRunning, 0},
		{EventStepFinished, "boot", StatusFailed, 1},
		{EventRunFinished, "", StatusFailed, 0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}

	res := exec.Wait()
	if res.State != Completed {
		t.Errorf("State = %s, want completed despite sink errors", res.State)
	}
	if diff := cmp.Diff([]Discovery{{RAMSize: 256, PublicKey: "abcd"}}, sink.discovered); diff != "" {
		t.Errorf("discoveries (-want +got):\n%s", diff)
	}
}

func TestEventsAfterRunFinished(t *testing.T) {
	wf, err := New(tableOf(false, &fakeStep{id: "a", outcome: OK("")}), testSerial(testBoard, 1))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	exec := wf.Start(context.Background())
	exec.Wait()

	n := 0
	for range exec.Events() {
		n++
	}
	if n != 3 {
		t.Errorf("got %d events, want 3", n)
	}
}

func TestCancelledContextAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := &fakeStep{id: "a", outcome: OK(""), run: func(context.Context, *Reporter) { cancel() }}
	second := &fakeStep{id: "b", outcome: OK("")}

	wf, err := New(tableOf(false, first, second), testSerial(testBoard, 1))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	res := wf.Run(ctx)
	if res.State != Aborted || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("Run() = %s, %v; want aborted with context.Canceled", res.State, res.Err)
	}
	if second.Runs() != 0 {
		t.Errorf("second step ran after cancel")
	}
}

func TestSpans(t *testing.T) {
	tracer, recorder := newTestTracer()
	steps := []*fakeStep{
		{id: "selftest", outcome: OK("")},
		{id: "spi-flash", err: errors.New("jedec id 000000")},
	}
	wf, err := New(tableOf(false, steps...), testSerial(testBoard, 5), WithTracer(tracer))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	wf.Run(context.Background())

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("ended span count = %d, want 3", len(spans))
	}
	root := findSpanByName(spans, "workflow.run")
	if root == nil {
		t.Fatal("missing root span")
	}
	if root.Status().Code != codes.Error {
		t.Errorf("root status = %v, want error", root.Status().Code)
	}
	if got := getAttr(root.Attributes(), "fixture.serial"); got != testSerial(testBoard, 5).String() {
		t.Errorf("root serial attr = %q", got)
	}

	ok := findSpanByName(spans, "selftest")
	if ok == nil || ok.Parent().SpanID() != root.SpanContext().SpanID() {
		t.Fatal("selftest span missing or not a child of the run span")
	}
	if ok.Status().Code == codes.Error {
		t.Error("selftest span has error status")
	}

	failed := findSpanByName(spans, "spi-flash")
	if failed == nil {
		t.Fatal("missing spi-flash span")
	}
	if failed.Status().Code != codes.Error {
		t.Errorf("spi-flash status = %v, want error", failed.Status().Code)
	}
	if len(failed.Events()) == 0 || failed.Events()[0].Name != "exception" {
		t.Error("spi-flash span has no recorded error event")
	}
	if got := getAttr(failed.Attributes(), "fixture.step.status"); got != "failed" {
		t.Errorf("spi-flash status attr = %q, want failed", got)
	}
}

func findSpanByName(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

func getAttr(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
