// Package otp drives the external OTP imager, the tool that signs and burns
// one-time-programmable data into the board's SoC over its console.
package otp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/expect"
)

// UARTDescriptor is where the imager finds the console: the first extra file
// of the child process.
const UARTDescriptor = "/dev/fd/3"

// DefaultFailure matches the imager's generic error lines.
var DefaultFailure = regexp.MustCompile(`(?m)^(?:ERROR|Error|FAILED|Failed)\b.*$`)

// ErrImagerFailed is returned when the imager reports an error or exits
// before the expected output.
var ErrImagerFailed = errors.New("otp imager failed")

// FailedError describes an imager failure.
type FailedError struct {
	Reason string
	// Line is the imager output that triggered the failure, if any.
	Line string
	// ExitCode is the imager's exit status when it is known to have failed.
	ExitCode int
}

func (e *FailedError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("otp: %s: %s: exit status %d", ErrImagerFailed, e.Reason, e.ExitCode)
	}
	if e.Line != "" {
		return fmt.Sprintf("otp: %s: %s: %q", ErrImagerFailed, e.Reason, e.Line)
	}
	return fmt.Sprintf("otp: %s: %s", ErrImagerFailed, e.Reason)
}

func (e *FailedError) Unwrap() error { return ErrImagerFailed }

// Imager describes how to start the imager executable.
type Imager struct {
	// Path of the executable.
	Path string
	// Prefix arguments, placed before the console descriptor option. Used
	// for interpreters and wrappers.
	Prefix []string
	// Env is appended to the current environment.
	Env []string
	// Failure overrides DefaultFailure.
	Failure *regexp.Regexp
	// StopGrace is how long Stop waits for the imager to exit on its own
	// before killing it. Zero means DefaultStopGrace.
	StopGrace time.Duration
	Logger    *slog.Logger
}

// DefaultStopGrace is the time an imager gets to exit after its last marker.
const DefaultStopGrace = 2 * time.Second

// Run starts the imager with uart as its console. The caller must call Stop
// exactly once on the returned session.
func (im *Imager) Run(ctx context.Context, uart *os.File, args ...string) (*Session, error) {
	logger := im.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	failure := im.Failure
	if failure == nil {
		failure = DefaultFailure
	}

	argv := append(append(append([]string(nil), im.Prefix...), "-D", UARTDescriptor), args...)
	cmd := exec.CommandContext(ctx, im.Path, argv...)
	cmd.Env = append(os.Environ(), im.Env...)
	cmd.ExtraFiles = []*os.File{uart}

	out, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("otp: output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	stdin, err := cmd.StdinPipe()
	if err != nil {
		out.Close()
		pw.Close()
		return nil, fmt.Errorf("otp: stdin pipe: %w", err)
	}

	logger.Info("starting imager", "path", im.Path, "args", argv)
	if err := cmd.Start(); err != nil {
		out.Close()
		pw.Close()
		return nil, fmt.Errorf("otp: start %s: %w", im.Path, err)
	}
	// The child holds the only write end now.
	pw.Close()

	grace := im.StopGrace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	s := &Session{
		cmd:     cmd,
		out:     out,
		stdin:   stdin,
		grace:   grace,
		failure: failure,
		logger:  logger,
		done:    make(chan struct{}),
		console: expect.New(out, stdin, expect.WithLogger(logger)),
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.done)
	}()
	return s, nil
}

// Session is a running imager.
type Session struct {
	cmd     *exec.Cmd
	out     *os.File
	stdin   io.WriteCloser
	grace   time.Duration
	console *expect.Console
	failure *regexp.Regexp
	logger  *slog.Logger

	done    chan struct{}
	waitErr error

	stopOnce sync.Once
	exitCode int
	stopErr  error
}

// Console gives direct access to the imager's output.
func (s *Session) Console() *expect.Console { return s.console }

// Match waits for pattern in the imager output and returns its groups. The
// failure marker and end of output are reported as *FailedError; a timeout
// is returned as an expect timeout.
func (s *Session) Match(ctx context.Context, timeout time.Duration, pattern *regexp.Regexp) ([]string, error) {
	m, err := s.console.Expect(ctx, timeout, pattern, s.failure)
	switch {
	case errors.Is(err, expect.ErrEndOfStream):
		return nil, &FailedError{Reason: "imager exited while waiting for " + strconv.Quote(pattern.String())}
	case err != nil:
		return nil, err
	case m.Index == 1:
		return nil, &FailedError{Reason: "imager reported an error", Line: m.Group(0)}
	}
	return m.Groups, nil
}

// Stop closes the imager's input, gives it the grace period to exit and
// kills it only after that. It returns the exit status; -1 means the imager
// was killed. Later calls return the same result.
func (s *Session) Stop() (int, error) {
	s.stopOnce.Do(func() {
		if err := s.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			s.logger.Debug("close imager input", "err", err)
		}
		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			s.logger.Warn("killing imager", "grace", s.grace)
			if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				s.logger.Error("kill imager", "err", err)
			}
			<-s.done
		}
		s.out.Close()

		s.exitCode = s.cmd.ProcessState.ExitCode()
		var exitErr *exec.ExitError
		if s.waitErr != nil && !errors.As(s.waitErr, &exitErr) {
			s.stopErr = fmt.Errorf("otp: wait: %w", s.waitErr)
		}
		s.logger.Info("imager stopped", "exit_code", s.exitCode)
	})
	return s.exitCode, s.stopErr
}
