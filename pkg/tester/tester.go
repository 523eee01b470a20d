// Package tester drives the FT4232H test fixture: board power and presence
// on interface A, SPI flash access plus boot mode and reset on interface B,
// a spare bit-bang channel on C and the board console on D.
//
// A Tester is not safe for concurrent use. Run one workflow per fixture.
package tester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/channel"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/expect"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/ftdi"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/uart"
)

// Interface A pins.
const (
	PinPower     byte = 1 << 0 // output, high powers the board
	PinPresent   byte = 1 << 1 // input, low when a board sits in the fixture
	PinPowerGood byte = 1 << 2 // input, high when the supply is in regulation
)

// Interface B GPIO pins, above the four SPI pins.
const (
	PinBootMode  byte = 1 << 4 // low boots from SPI, high from UART
	PinReset     byte = 1 << 5 // active low
	PinSPIEnable byte = 1 << 6 // enables the fixture's SPI line drivers
)

const (
	gpioOutputs = PinPower
	spiOutputs  = PinBootMode | PinReset | PinSPIEnable

	// DefaultSPIClock is the flash clock used unless WithSPIClock is given.
	DefaultSPIClock = 10_000_000

	// MaxID is the highest fixture id; a chip type above it is treated as
	// an unprogrammed EEPROM.
	MaxID = 3
)

// BootMode selects where the board's CPU loads its first stage from.
type BootMode int

const (
	BootSPI BootMode = iota
	BootUART
)

func (m BootMode) String() string {
	if m == BootUART {
		return "uart"
	}
	return "spi"
}

var (
	// ErrNotFound is returned when no attached fixture carries the
	// requested id.
	ErrNotFound = errors.New("tester not found")
	// ErrBoardRunning is returned when the boot mode is changed while the
	// board is powered and out of reset.
	ErrBoardRunning = errors.New("boot mode change with board running")
	// ErrClosed is returned by operations on a closed tester.
	ErrClosed = errors.New("tester closed")
)

// NotFoundError lists the fixture ids that were seen instead.
type NotFoundError struct {
	ID         int
	Candidates []int
}

func (e *NotFoundError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("%s: id %d, no fixture attached", ErrNotFound, e.ID)
	}
	return fmt.Sprintf("%s: id %d, attached fixtures have ids %v", ErrNotFound, e.ID, e.Candidates)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Enumerator lists the attached fixtures. The caller closes the devices it
// does not keep.
type Enumerator func(ctx context.Context, logger *slog.Logger) ([]ftdi.Device, error)

type options struct {
	enumerate Enumerator
	logger    *slog.Logger
	clockHz   int
	board     string
}

// Option configures Connect.
type Option func(*options)

// WithEnumerator replaces USB enumeration, e.g. with a simulated fixture.
func WithEnumerator(e Enumerator) Option {
	return func(o *options) { o.enumerate = e }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithSPIClock sets the SPI clock in Hz.
func WithSPIClock(hz int) Option {
	return func(o *options) { o.clockHz = hz }
}

// WithBoard sets the label console lines are logged with.
func WithBoard(board string) Option {
	return func(o *options) { o.board = board }
}

// Tester is a connected fixture.
type Tester struct {
	id     int
	opts   options
	logger *slog.Logger

	dev   ftdi.Device
	gpio  *channel.BitBang
	spi   *channel.SPI
	spare *channel.BitBang
	uart  *uart.Bridge

	consoleOnce sync.Once
	console     *expect.Console
	closed      bool
}

// Connect opens the fixture whose EEPROM chip type equals id and puts it in
// the default state.
func Connect(ctx context.Context, id int, opts ...Option) (*Tester, error) {
	o := options{
		enumerate: ftdi.Enumerate,
		clockHz:   DefaultSPIClock,
		board:     "-",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	t := &Tester{id: id, opts: o, logger: o.logger.With("tester", id)}
	if err := t.open(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// find selects the first device whose chip type equals the tester id and
// closes all others.
func (t *Tester) find(ctx context.Context) (ftdi.Device, error) {
	devs, err := t.opts.enumerate(ctx, t.opts.logger)
	if err != nil {
		return nil, err
	}
	var (
		found ftdi.Device
		seen  []int
	)
	for _, dev := range devs {
		if found != nil {
			dev.Close()
			continue
		}
		typ, err := dev.ChipType()
		if err != nil {
			t.logger.Warn("read fixture eeprom", "serial", dev.Serial(), "err", err)
			dev.Close()
			continue
		}
		if int(typ) == t.id {
			found = dev
			continue
		}
		if int(typ) <= MaxID {
			seen = append(seen, int(typ))
		} else {
			t.logger.Debug("skipping unprogrammed fixture", "serial", dev.Serial(), "chip_type", typ)
		}
		dev.Close()
	}
	if found == nil {
		slices.Sort(seen)
		return nil, &NotFoundError{ID: t.id, Candidates: seen}
	}
	return found, nil
}

func (t *Tester) open(ctx context.Context) (err error) {
	dev, err := t.find(ctx)
	if err != nil {
		return err
	}
	t.dev = dev
	defer func() {
		if err != nil {
			t.closeChannels()
			dev.Close()
			t.dev = nil
		}
	}()

	if t.gpio, err = channel.OpenBitBang(dev, ftdi.InterfaceA, gpioOutputs); err != nil {
		return err
	}
	if t.spi, err = channel.OpenSPI(dev, ftdi.InterfaceB, spiOutputs, t.opts.clockHz); err != nil {
		return err
	}
	if t.spare, err = channel.OpenBitBang(dev, ftdi.InterfaceC, 0); err != nil {
		return err
	}
	if t.uart, err = uart.Open(dev, ftdi.InterfaceD, t.opts.board, t.logger); err != nil {
		return err
	}
	if t.console != nil {
		t.console.Close()
	}
	t.consoleOnce = sync.Once{}
	t.console = nil
	if err := t.Default(); err != nil {
		return err
	}
	t.logger.Info("tester connected", "serial", dev.Serial())
	return nil
}

// closeChannels releases the channels in reverse order. The console bridge
// goes first so its reader is gone before interface D is released.
func (t *Tester) closeChannels() error {
	var errs []error
	if t.uart != nil {
		errs = append(errs, t.uart.Close())
		t.uart = nil
	}
	if t.spare != nil {
		errs = append(errs, t.spare.Close())
		t.spare = nil
	}
	if t.spi != nil {
		errs = append(errs, t.spi.Close())
		t.spi = nil
	}
	if t.gpio != nil {
		errs = append(errs, t.gpio.Close())
		t.gpio = nil
	}
	return errors.Join(errs...)
}

// ID returns the fixture id.
func (t *Tester) ID() int { return t.id }

// Serial returns the USB serial number of the fixture.
func (t *Tester) Serial() string {
	if t.dev == nil {
		return ""
	}
	return t.dev.Serial()
}

// SetBoard changes the label console lines are logged with.
func (t *Tester) SetBoard(board string) {
	t.opts.board = board
	if t.uart != nil {
		t.uart.SetBoard(board)
	}
}

func (t *Tester) check() error {
	if t.closed || t.dev == nil {
		return ErrClosed
	}
	return nil
}

// Default powers the board off, holds it in reset, selects SPI boot and
// releases the SPI bus.
func (t *Tester) Default() error {
	if err := t.check(); err != nil {
		return err
	}
	if err := t.Power(false); err != nil {
		return err
	}
	if err := t.spi.DriveBus(false); err != nil {
		return err
	}
	// Reset asserted, SPI boot, drivers off.
	return t.spi.WritePins(0, spiOutputs)
}

// Reset tears the fixture down, resets it on the USB bus and connects
// again. It is the only way out of a wedged MPSSE engine. Callers decide
// whether to retry.
func (t *Tester) Reset(ctx context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.logger.Warn("resetting tester")
	cerr := t.closeChannels()
	rerr := t.dev.Reset()
	t.dev.Close()
	t.dev = nil
	if rerr != nil {
		t.logger.Warn("usb reset failed", "err", rerr)
	}
	if err := t.open(ctx); err != nil {
		return fmt.Errorf("reconnect tester %d: %w", t.id, errors.Join(err, cerr, rerr))
	}
	return nil
}

// Power switches the board supply.
func (t *Tester) Power(on bool) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.gpio.WritePins(bit(on, PinPower), PinPower)
}

// Powered reports the last power state written.
func (t *Tester) Powered() bool {
	return t.gpio != nil && t.gpio.Shadow()&PinPower != 0
}

// BoardPresent reports whether a board sits in the fixture.
func (t *Tester) BoardPresent() (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	v, err := t.gpio.ReadPins(PinPresent)
	if err != nil {
		return false, err
	}
	return v == 0, nil
}

// PowerSupplyOK reports whether the board supply is in regulation.
func (t *Tester) PowerSupplyOK() (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	v, err := t.gpio.ReadPins(PinPowerGood)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ResetBoard asserts or releases the board reset line.
func (t *Tester) ResetBoard(asserted bool) error {
	if err := t.check(); err != nil {
		return err
	}
	return t.spi.WritePins(bit(!asserted, PinReset), PinReset)
}

// InReset reports whether board reset is asserted.
func (t *Tester) InReset() bool {
	return t.spi == nil || t.spi.Shadow()&PinReset == 0
}

// SetBootMode selects the boot source. The board's CPU drives the SPI pins
// even while held in reset, so the mode may only change while the board is
// unpowered or in reset.
func (t *Tester) SetBootMode(m BootMode) error {
	if err := t.check(); err != nil {
		return err
	}
	if t.Powered() && !t.InReset() {
		return ErrBoardRunning
	}
	return t.spi.WritePins(bit(m == BootUART, PinBootMode), PinBootMode)
}

// BootMode returns the selected boot source.
func (t *Tester) BootMode() BootMode {
	if t.spi != nil && t.spi.Shadow()&PinBootMode != 0 {
		return BootUART
	}
	return BootSPI
}

// SelfTest runs the MPSSE loopback test on the SPI channel.
func (t *Tester) SelfTest() error {
	if err := t.check(); err != nil {
		return err
	}
	if err := t.spi.LoopbackSelfTest(); err != nil {
		return fmt.Errorf("tester %d: %w", t.id, err)
	}
	return nil
}

// UART returns the console bridge. It is replaced by Reset.
func (t *Tester) UART() *uart.Bridge { return t.uart }

// Console returns an expect session on the board console. The session is
// created on first use and lives until the next Reset or Close.
func (t *Tester) Console() *expect.Console {
	t.consoleOnce.Do(func() {
		f := t.uart.File()
		t.console = expect.New(f, f, expect.WithLogger(t.logger), expect.WithLineEnding("\n"))
	})
	return t.console
}

// Close leaves the board unpowered and releases the fixture.
func (t *Tester) Close() error {
	if t.closed {
		return nil
	}
	var derr error
	if t.dev != nil {
		derr = t.Default()
	}
	t.closed = true
	cerr := t.closeChannels()
	var xerr error
	if t.dev != nil {
		xerr = t.dev.Close()
		t.dev = nil
	}
	return errors.Join(derr, cerr, xerr)
}

func bit(on bool, pin byte) byte {
	if on {
		return pin
	}
	return 0
}
