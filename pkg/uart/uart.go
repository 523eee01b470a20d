// Package uart bridges a board console to a local socket so it can be read
// like any file descriptor, by this process or by a subprocess.
//
// A reader goroutine pulls bytes from the port, forwards them verbatim to the
// active endpoint and logs every completed line tagged with the board under
// test. Bytes written to an endpoint are pumped to the port.
package uart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/ftdi"
)

// Console line settings.
const (
	BaudRate = 115200

	maxLine      = 4096
	chunkSize    = 4096
	ttyPoll      = 50 * time.Millisecond
	stallTimeout = time.Second
)

// Port is the byte stream under the bridge. Read may return (0, nil) when no
// data arrived within its poll interval.
type Port interface {
	io.ReadWriteCloser
}

// endpoint is one socketpair: local is pumped by the bridge, remote is
// handed to the consumer.
type endpoint struct {
	local  net.Conn
	remote *os.File
}

func newEndpoint(name string) (*endpoint, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %w", err)
	}
	lf := os.NewFile(uintptr(fds[0]), name+"-local")
	local, err := net.FileConn(lf)
	lf.Close()
	if err != nil {
		unix.Close(fds[1])
		return nil, fmt.Errorf("wrap local end: %w", err)
	}
	return &endpoint{local: local, remote: os.NewFile(uintptr(fds[1]), name)}, nil
}

func (e *endpoint) close() {
	e.local.Close()
	e.remote.Close()
}

// Bridge is a running console bridge.
type Bridge struct {
	port   Port
	logger *slog.Logger

	mu     sync.Mutex
	board  string
	main   *endpoint
	active *endpoint
	// attached is set once File hands out the main endpoint. Until then
	// console data is only logged.
	attached bool
	line     []byte

	cancel     context.CancelFunc
	group      *errgroup.Group
	readerDone chan struct{}
	readerErr  error
	closeOnce  sync.Once
	closeErr   error
}

// Open configures interface i of dev as a 115200 8N1 UART and starts a
// bridge on it.
func Open(dev ftdi.Device, i ftdi.Interface, board string, logger *slog.Logger) (*Bridge, error) {
	port, err := dev.OpenPort(i)
	if err != nil {
		return nil, err
	}
	if err := configure(port); err != nil {
		port.Close()
		return nil, fmt.Errorf("configure uart %s: %w", i, err)
	}
	b, err := New(port, board, logger)
	if err != nil {
		port.Close()
		return nil, err
	}
	return b, nil
}

func configure(port ftdi.Port) error {
	if err := port.SetBitMode(0, ftdi.BitModeReset); err != nil {
		return err
	}
	if err := port.SetBaudRate(BaudRate); err != nil {
		return err
	}
	if err := port.SetLineProperty(ftdi.Line8N1); err != nil {
		return err
	}
	return port.Purge()
}

// OpenTTY starts a bridge on a kernel serial device, for boards wired to a
// plain USB serial adapter instead of the fixture.
func OpenTTY(path, board string, logger *slog.Logger) (*Bridge, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(ttyPoll); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	b, err := New(port, board, logger)
	if err != nil {
		port.Close()
		return nil, err
	}
	return b, nil
}

// New starts a bridge on port. The bridge owns port and closes it last.
func New(port Port, board string, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ep, err := newEndpoint("uart")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	b := &Bridge{
		port:       port,
		logger:     logger,
		board:      board,
		main:       ep,
		active:     ep,
		cancel:     cancel,
		group:      g,
		readerDone: make(chan struct{}),
	}
	g.Go(func() error {
		defer close(b.readerDone)
		b.readerErr = b.readLoop(ctx)
		return b.readerErr
	})
	g.Go(func() error { return b.writeLoop(ep.local) })
	return b, nil
}

// File returns the consumer end of the console stream. It stays valid until
// Close. Output received before the first call is logged but not delivered.
func (b *Bridge) File() *os.File {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attached = true
	return b.main.remote
}

// SetBoard changes the board tag used for logged lines.
func (b *Bridge) SetBoard(board string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.board = board
}

// Done is closed once the reader has stopped.
func (b *Bridge) Done() <-chan struct{} {
	return b.readerDone
}

// Err returns why the reader stopped. It is only meaningful after Done is
// closed.
func (b *Bridge) Err() error {
	<-b.readerDone
	return b.readerErr
}

func (b *Bridge) readLoop(ctx context.Context) error {
	// Consumers see end of stream once the reader is gone.
	defer b.closeEndpoints(false)

	buf := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, err := b.port.Read(buf)
		if n > 0 {
			b.forward(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error("uart reader stopped", "err", err)
			return fmt.Errorf("uart read: %w", err)
		}
	}
}

// forward hands data to the active endpoint and logs completed lines.
func (b *Bridge) forward(data []byte) {
	b.mu.Lock()
	active := b.active
	deliver := active != b.main || b.attached
	board := b.board
	var lines []string
	for _, c := range data {
		if c == '\n' || len(b.line) >= maxLine {
			lines = append(lines, strings.TrimRight(string(b.line), "\r"))
			b.line = b.line[:0]
			if c == '\n' {
				continue
			}
		}
		b.line = append(b.line, c)
	}
	b.mu.Unlock()

	for _, l := range lines {
		b.logger.Info("console", "board", board, "line", l)
	}
	if !deliver {
		return
	}
	// A consumer that stopped reading must not stall the reader.
	active.local.SetWriteDeadline(time.Now().Add(stallTimeout))
	if _, err := active.local.Write(data); err != nil && !errors.Is(err, net.ErrClosed) {
		b.logger.Warn("dropping console data", "bytes", len(data), "err", err)
	}
}

// writeLoop copies consumer writes on one endpoint to the port until the
// endpoint is closed.
func (b *Bridge) writeLoop(local net.Conn) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := local.Read(buf)
		if n > 0 {
			if _, werr := b.port.Write(buf[:n]); werr != nil {
				b.logger.Error("uart write failed", "err", werr)
				return fmt.Errorf("uart write: %w", werr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("uart endpoint read: %w", err)
		}
	}
}

// closeEndpoints closes the local ends, and the consumer ends too if all is
// set.
func (b *Bridge) closeEndpoints(all bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ep := range []*endpoint{b.main, b.active} {
		ep.local.Close()
		if all {
			ep.remote.Close()
		}
	}
}

// Lease diverts the console to a fresh endpoint, e.g. for a subprocess that
// needs exclusive use of the stream. The original endpoint receives nothing
// until the lease is closed.
func (b *Bridge) Lease() (*Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.readerDone:
		return nil, errors.New("uart: bridge stopped")
	default:
	}
	if b.active != b.main {
		return nil, errors.New("uart: console already leased")
	}
	ep, err := newEndpoint("uart-lease")
	if err != nil {
		return nil, err
	}
	b.active = ep
	b.group.Go(func() error { return b.writeLoop(ep.local) })
	return &Lease{bridge: b, ep: ep}, nil
}

// Lease is a temporary console endpoint.
type Lease struct {
	bridge *Bridge
	ep     *endpoint
	once   sync.Once
}

// File returns the endpoint to hand to the lessee.
func (l *Lease) File() *os.File {
	return l.ep.remote
}

// Close returns the console to the bridge's own endpoint.
func (l *Lease) Close() error {
	l.once.Do(func() {
		b := l.bridge
		b.mu.Lock()
		if b.active == l.ep {
			b.active = b.main
		}
		b.mu.Unlock()
		l.ep.close()
	})
	return nil
}

// Close stops the reader, closes both ends of every endpoint and only then
// releases the port.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		<-b.readerDone
		b.closeEndpoints(true)
		err := b.group.Wait()
		if cerr := b.port.Close(); err == nil {
			err = cerr
		}
		b.closeErr = err
	})
	return b.closeErr
}
