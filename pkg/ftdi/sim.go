package ftdi

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// WriteHook lets a simulator react to bytes written to a SimPort. The returned
// bytes are queued for the next Read.
type WriteHook func(p []byte) []byte

// SimPort is an in-memory Port useful for unit tests. In bit-bang mode writes
// drive the output pins; other writes are recorded and passed to OnWrite.
type SimPort struct {
	Interface Interface
	OnWrite   WriteHook

	// FailWrites makes every Write fail with a CommunicationError.
	FailWrites bool

	mu      sync.Mutex
	mode    BitMode
	mask    byte
	pins    byte
	inputs  byte
	baud    int
	line    LineProperty
	rx      []byte
	written []byte
	history []byte
	purges  int
	closed  bool
	wake    chan struct{}

	failArmed bool
	failAfter int
}

// FailWritesAfter lets the next n writes succeed and fails every write after
// them with a CommunicationError.
func (s *SimPort) FailWritesAfter(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failArmed, s.failAfter = true, n
}

// NewSimPort returns an open simulated channel.
func NewSimPort(i Interface) *SimPort {
	return &SimPort{Interface: i, wake: make(chan struct{}, 1)}
}

// Feed queues bytes for Read, as if the chip had received them.
func (s *SimPort) Feed(p []byte) {
	s.mu.Lock()
	s.rx = append(s.rx, p...)
	s.mu.Unlock()
	s.signal()
}

// SetInputs sets the level of pins configured as inputs.
func (s *SimPort) SetInputs(v byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = v
}

// Pins reports the current pin levels: outputs as last written, inputs as
// set by SetInputs.
func (s *SimPort) Pins() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins&s.mask | s.inputs&^s.mask
}

// PinHistory returns every output value written in bit-bang mode.
func (s *SimPort) PinHistory() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.history...)
}

// Written returns a copy of all bytes written outside bit-bang mode.
func (s *SimPort) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written...)
}

// Mode reports the bit mode and output mask last selected.
func (s *SimPort) Mode() (BitMode, byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode, s.mask
}

// Baud reports the last configured baud rate.
func (s *SimPort) Baud() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baud
}

// Purges counts Purge calls.
func (s *SimPort) Purges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purges
}

// Closed reports whether Close was called.
func (s *SimPort) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *SimPort) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *SimPort) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if len(s.rx) > 0 {
		n := copy(p, s.rx)
		s.rx = s.rx[n:]
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()

	// Behave like the chip's latency timer: an empty poll returns nothing.
	select {
	case <-s.wake:
	case <-time.After(time.Millisecond):
	}
	return 0, nil
}

func (s *SimPort) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, commError("bulk write", s.Interface, io.ErrClosedPipe)
	}
	if s.failArmed {
		if s.failAfter == 0 {
			s.FailWrites = true
		} else {
			s.failAfter--
		}
	}
	if s.FailWrites {
		s.mu.Unlock()
		return 0, commError("bulk write", s.Interface, errors.New("simulated transfer failure"))
	}
	if s.mode == BitModeBitbang {
		for _, b := range p {
			s.pins = b
			s.history = append(s.history, b)
		}
		s.mu.Unlock()
		return len(p), nil
	}
	s.written = append(s.written, p...)
	hook := s.OnWrite
	s.mu.Unlock()

	if hook != nil {
		if resp := hook(append([]byte(nil), p...)); len(resp) > 0 {
			s.Feed(resp)
		}
	}
	return len(p), nil
}

func (s *SimPort) SetBitMode(mask byte, mode BitMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode, s.mask = mode, mask
	return nil
}

func (s *SimPort) ReadPins() (byte, error) {
	return s.Pins(), nil
}

func (s *SimPort) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rx = nil
	s.purges++
	return nil
}

func (s *SimPort) SetBaudRate(baud int) error {
	if _, _, _, err := baudDivisor(baud); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baud = baud
	return nil
}

func (s *SimPort) SetLineProperty(lp LineProperty) error {
	if _, err := lp.value(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.line = lp
	return nil
}

func (s *SimPort) SetLatencyTimer(ms int) error {
	if ms < 1 || ms > 255 {
		return fmt.Errorf("ftdi: latency %dms out of range", ms)
	}
	return nil
}

func (s *SimPort) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mode = BitModeReset
	s.mu.Unlock()
	s.signal()
	return nil
}

// SimDevice is an in-memory Device made of four SimPorts.
type SimDevice struct {
	SerialNumber string
	Type         byte

	// Ports are handed out by OpenPort. A fresh SimPort replaces a closed
	// one so a reset cycle sees clean channels.
	Ports [4]*SimPort

	// Setup is called for every port handed out, e.g. to attach an MPSSE
	// engine to interface B.
	Setup func(i Interface, p *SimPort)

	mu     sync.Mutex
	opened [4]bool
	resets int
	closed bool
}

// NewSimDevice builds a simulated fixture whose EEPROM stores chipType.
func NewSimDevice(serial string, chipType byte) *SimDevice {
	return &SimDevice{SerialNumber: serial, Type: chipType}
}

func (d *SimDevice) Serial() string { return d.SerialNumber }

func (d *SimDevice) ChipType() (byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, commError("read eeprom", InterfaceA, io.ErrClosedPipe)
	}
	return d.Type, nil
}

func (d *SimDevice) OpenPort(i Interface) (Port, error) {
	if i < InterfaceA || i > InterfaceD {
		return nil, fmt.Errorf("ftdi: no interface %s", i)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, commError("claim interface", i, io.ErrClosedPipe)
	}
	if d.opened[i] && d.Ports[i] != nil && !d.Ports[i].Closed() {
		return nil, fmt.Errorf("ftdi: interface %s already claimed", i)
	}
	if d.Ports[i] == nil || d.Ports[i].Closed() {
		d.Ports[i] = NewSimPort(i)
		if d.Setup != nil {
			d.Setup(i, d.Ports[i])
		}
	}
	d.opened[i] = true
	return d.Ports[i], nil
}

func (d *SimDevice) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.Ports {
		if d.opened[i] && p != nil && !p.Closed() {
			return fmt.Errorf("ftdi: reset with interface %s still claimed", Interface(i))
		}
	}
	d.resets++
	return nil
}

// Resets counts USB resets.
func (d *SimDevice) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

func (d *SimDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.Ports {
		if p != nil {
			p.Close()
		}
	}
	d.closed = true
	return nil
}

// Reopen makes a closed SimDevice usable again, as re-enumeration would.
func (d *SimDevice) Reopen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = false
	d.opened = [4]bool{}
}
