// Package expect scans a console byte stream for regular expressions.
//
// A Console runs one pump goroutine that moves bytes from the stream into a
// bounded channel. Expect consumes that channel on the caller's goroutine,
// keeping unmatched bytes for the next call.
package expect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	// MaxBuffer bounds the unmatched bytes kept between calls. Older bytes
	// are dropped first.
	MaxBuffer = 64 * 1024

	queueDepth = 64
	chunkSize  = 4096
)

var (
	// ErrTimeout is returned when no pattern matched before the deadline.
	ErrTimeout = errors.New("expect timeout")
	// ErrEndOfStream is returned when the stream ended without a match.
	ErrEndOfStream = errors.New("end of stream")
)

// TimeoutError lists what was being waited for.
type TimeoutError struct {
	Patterns []string
	After    time.Duration
	// Tail is the end of the unmatched output.
	Tail string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("expect: none of %q seen after %s (last output %q)", e.Patterns, e.After, e.Tail)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Match is a successful Expect.
type Match struct {
	// Index of the pattern that matched.
	Index int
	// Groups holds the whole match followed by the submatches.
	Groups []string
	// Before is the output preceding the match.
	Before string
}

// Group returns submatch i, or "" if it does not exist.
func (m *Match) Group(i int) string {
	if i < 0 || i >= len(m.Groups) {
		return ""
	}
	return m.Groups[i]
}

// Console is an expect session over a reader and a writer.
type Console struct {
	w       io.Writer
	logger  *slog.Logger
	newline string

	chunks  chan []byte
	pumpErr error
	stop    chan struct{}
	once    sync.Once

	mu  sync.Mutex
	buf []byte
	eof bool
}

// Option configures a Console.
type Option func(*Console)

// WithLogger sets the logger used for sent lines.
func WithLogger(l *slog.Logger) Option {
	return func(c *Console) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLineEnding sets what SendLine appends; the default is "\n".
func WithLineEnding(s string) Option {
	return func(c *Console) { c.newline = s }
}

// New starts a console reading r and writing w. The pump stops when r
// returns an error, or at its next chunk once Close was called.
func New(r io.Reader, w io.Writer, opts ...Option) *Console {
	c := &Console{
		w:       w,
		logger:  slog.New(slog.DiscardHandler),
		newline: "\n",
		chunks:  make(chan []byte, queueDepth),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.pump(r)
	return c
}

func (c *Console) pump(r io.Reader) {
	defer close(c.chunks)
	for {
		buf := make([]byte, chunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case c.chunks <- buf[:n]:
			case <-c.stop:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.pumpErr = err
			}
			return
		}
	}
}

// Literal returns a pattern matching s exactly.
func Literal(s string) *regexp.Regexp {
	return regexp.MustCompile(regexp.QuoteMeta(s))
}

// Expect waits until one of patterns matches the unconsumed output. Patterns
// are tried in order, so earlier ones win when several match. A zero timeout
// waits forever. On success the output up to the end of the match is
// consumed.
func (c *Console) Expect(ctx context.Context, timeout time.Duration, patterns ...*regexp.Regexp) (*Match, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(patterns) == 0 {
		return nil, errors.New("expect: no patterns")
	}
	if m := c.scan(patterns); m != nil {
		return m, nil
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if c.eof {
			return nil, c.endOfStream()
		}
		select {
		case chunk, ok := <-c.chunks:
			if !ok {
				c.eof = true
				continue
			}
			c.append(chunk)
			if m := c.scan(patterns); m != nil {
				return m, nil
			}
		case <-expired:
			return nil, &TimeoutError{Patterns: sources(patterns), After: timeout, Tail: c.tail()}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Console) endOfStream() error {
	if c.pumpErr != nil {
		return fmt.Errorf("expect: %w: %v", ErrEndOfStream, c.pumpErr)
	}
	return fmt.Errorf("expect: %w", ErrEndOfStream)
}

func (c *Console) append(chunk []byte) {
	c.buf = append(c.buf, chunk...)
	if over := len(c.buf) - MaxBuffer; over > 0 {
		c.buf = append(c.buf[:0], c.buf[over:]...)
	}
}

func (c *Console) scan(patterns []*regexp.Regexp) *Match {
	for i, re := range patterns {
		loc := re.FindSubmatchIndex(c.buf)
		if loc == nil {
			continue
		}
		m := &Match{Index: i, Before: string(c.buf[:loc[0]])}
		for g := 0; g < len(loc); g += 2 {
			if loc[g] < 0 {
				m.Groups = append(m.Groups, "")
				continue
			}
			m.Groups = append(m.Groups, string(c.buf[loc[g]:loc[g+1]]))
		}
		c.buf = append(c.buf[:0], c.buf[loc[1]:]...)
		return m
	}
	return nil
}

func (c *Console) tail() string {
	const n = 200
	if len(c.buf) > n {
		return string(c.buf[len(c.buf)-n:])
	}
	return string(c.buf)
}

func sources(patterns []*regexp.Regexp) []string {
	out := make([]string, len(patterns))
	for i, re := range patterns {
		out[i] = re.String()
	}
	return out
}

// Drain discards output received so far.
func (c *Console) Drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = c.buf[:0]
	for {
		select {
		case _, ok := <-c.chunks:
			if !ok {
				c.eof = true
				return
			}
		default:
			return
		}
	}
}

// Close abandons the console. A pump blocked on unread output exits; one
// blocked in Read exits when the reader is closed. Later Expect calls report
// end of stream once the queued output is consumed.
func (c *Console) Close() {
	c.once.Do(func() { close(c.stop) })
}

// Send writes s as is.
func (c *Console) Send(s string) error {
	if _, err := io.WriteString(c.w, s); err != nil {
		return fmt.Errorf("expect: send: %w", err)
	}
	return nil
}

// SendLine writes s followed by the line ending.
func (c *Console) SendLine(s string) error {
	c.logger.Debug("send", "line", strings.TrimSpace(s))
	return c.Send(s + c.newline)
}
