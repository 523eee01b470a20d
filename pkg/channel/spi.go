package channel

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/ftdi"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/mpsse"
)

// Low byte pins owned by the SPI engine.
const spiPins = mpsse.PinSCK | mpsse.PinMOSI | mpsse.PinCS

// ErrBusReleased is returned when a transaction is attempted while the SPI
// pins are not driven.
var ErrBusReleased = errors.New("spi bus not driven")

// self-test probes
var (
	probeBadCommand = byte(0xAB)
	probeEcho       = byte(0x5A)
)

// SPI is a channel in MPSSE mode. Bits 0-3 of the low byte carry SPI; the
// remaining low byte pins are GPIO.
type SPI struct {
	port    ftdi.Port
	iface   ftdi.Interface
	outputs byte
	shadow  byte
	driven  bool
	timeout time.Duration

	burst mpsse.Burst
}

// OpenSPI claims interface i in MPSSE mode. outputs selects the GPIO pins
// on the low byte that are driven; the SPI pins start released and chip
// select idles high.
func OpenSPI(dev ftdi.Device, i ftdi.Interface, outputs byte, clockHz int) (*SPI, error) {
	div, err := mpsse.Divisor(clockHz)
	if err != nil {
		return nil, err
	}
	port, err := dev.OpenPort(i)
	if err != nil {
		return nil, err
	}
	s := &SPI{
		port:    port,
		iface:   i,
		outputs: outputs &^ (spiPins | mpsse.PinMISO),
		shadow:  mpsse.PinCS,
		timeout: ftdi.DefaultTimeout,
	}
	if err := s.init(div); err != nil {
		port.Close()
		return nil, fmt.Errorf("open spi %s: %w", i, err)
	}
	return s, nil
}

func (s *SPI) init(div uint16) error {
	if err := s.port.Purge(); err != nil {
		return err
	}
	if err := s.port.SetBitMode(0, ftdi.BitModeReset); err != nil {
		return err
	}
	if err := s.port.SetBitMode(0, ftdi.BitModeMPSSE); err != nil {
		return err
	}
	if err := s.sync(); err != nil {
		return err
	}

	var b mpsse.Burst
	b.Raw(0, mpsse.OpDisableDiv5, mpsse.OpAdaptiveOff, mpsse.OpDisable3Ph, mpsse.OpLoopbackOff)
	b.Raw(0, mpsse.OpSetDivisor, byte(div), byte(div>>8))
	b.SetLow(s.shadow, s.direction())
	_, err := s.port.Write(b.Bytes())
	return err
}

// sync checks that the engine answers a bogus opcode, which also drains
// anything left in the chip's buffers.
func (s *SPI) sync() error {
	got, err := s.exchange([]byte{probeBadCommand, mpsse.OpSendNow}, 2)
	if err != nil {
		return err
	}
	if want := []byte{mpsse.BadCommand, probeBadCommand}; !bytes.Equal(got, want) {
		return &ftdi.CommunicationError{Op: "mpsse sync", Interface: s.iface,
			Err: fmt.Errorf("got % X, want % X", got, want)}
	}
	return nil
}

func (s *SPI) direction() byte {
	dir := s.outputs
	if s.driven {
		dir |= spiPins
	}
	return dir
}

// Interface returns the claimed FTDI interface.
func (s *SPI) Interface() ftdi.Interface { return s.iface }

// Shadow returns the last low byte value written.
func (s *SPI) Shadow() byte { return s.shadow }

// Driven reports whether the SPI pins are outputs.
func (s *SPI) Driven() bool { return s.driven }

// DriveBus switches SCK, MOSI and CS between outputs and inputs. With the
// bus released the fixture does not contend with the board's CPU.
func (s *SPI) DriveBus(on bool) error {
	prev := s.driven
	s.driven = on
	if err := s.writeLow(); err != nil {
		s.driven = prev
		return err
	}
	return nil
}

func (s *SPI) writeLow() error {
	var b mpsse.Burst
	b.SetLow(s.shadow, s.direction())
	_, err := s.port.Write(b.Bytes())
	return err
}

// exchange writes cmd and reads exactly n bytes back.
func (s *SPI) exchange(cmd []byte, n int) ([]byte, error) {
	if _, err := s.port.Write(cmd); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	if err := ftdi.ReadFull(s.port, buf, s.timeout); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadPins samples the low byte. Output bits come from the shadow.
func (s *SPI) ReadPins(mask byte) (byte, error) {
	got, err := s.exchange([]byte{mpsse.OpReadLowByte, mpsse.OpSendNow}, 1)
	if err != nil {
		return 0, err
	}
	return merge(got[0], s.shadow, s.outputs) & mask, nil
}

// WritePins updates GPIO outputs selected by mask. SPI pins are left to the
// burst builder.
func (s *SPI) WritePins(value, mask byte) error {
	prev := s.shadow
	s.shadow = merge(s.shadow, value, mask&s.outputs)
	if err := s.writeLow(); err != nil {
		s.shadow = prev
		return err
	}
	return nil
}

func (s *SPI) setCS(active bool) {
	v := s.shadow | mpsse.PinCS
	if active {
		v &^= mpsse.PinCS
	}
	s.burst.SetLow(v, s.direction())
}

// Begin discards any pending burst and frames a new transaction: chip
// select is driven inactive, then active.
func (s *SPI) Begin() {
	s.burst.Reset()
	s.setCS(false)
	s.setCS(true)
}

// WriteBytes queues data to be clocked out.
func (s *SPI) WriteBytes(data []byte) {
	s.burst.Write(data)
}

// WriteInt queues the low width bytes of v.
func (s *SPI) WriteInt(v uint64, width int, bigEndian bool) {
	buf := make([]byte, width)
	for i := range width {
		b := byte(v >> (8 * i))
		if bigEndian {
			buf[width-1-i] = b
		} else {
			buf[i] = b
		}
	}
	s.burst.Write(buf)
}

// Read queues n bytes to be clocked in.
func (s *SPI) Read(n int) {
	s.burst.Read(n)
}

// CSPulse deselects and reselects the device inside the burst.
func (s *SPI) CSPulse() {
	s.setCS(false)
	s.setCS(true)
}

// Execute ends the transaction, sends the burst and returns exactly the
// bytes queued by Read. The burst is cleared on return.
func (s *SPI) Execute() ([]byte, error) {
	defer s.burst.Reset()
	if !s.driven {
		return nil, fmt.Errorf("spi %s: %w", s.iface, ErrBusReleased)
	}
	s.setCS(false)
	s.burst.SendImmediate()
	return s.exchange(s.burst.Bytes(), s.burst.ReadLen())
}

// LoopbackSelfTest checks the MPSSE engine with internal loopback on: a bogus
// opcode must be rejected with FA AB and a read/write probe must come back
// unchanged.
func (s *SPI) LoopbackSelfTest() (err error) {
	if _, err := s.port.Write([]byte{mpsse.OpLoopbackOn}); err != nil {
		return err
	}
	defer func() {
		if _, werr := s.port.Write([]byte{mpsse.OpLoopbackOff}); err == nil {
			err = werr
		}
	}()

	got, err := s.exchange([]byte{probeBadCommand, mpsse.OpSendNow}, 2)
	if err != nil {
		return err
	}
	if want := []byte{mpsse.BadCommand, probeBadCommand}; !bytes.Equal(got, want) {
		return &SelfTestError{Stage: "bad command echo", Want: want, Got: got}
	}

	got, err = s.exchange([]byte{mpsse.OpRWBytesMSB, 0x00, 0x00, probeEcho, mpsse.OpSendNow}, 1)
	if err != nil {
		return err
	}
	if want := []byte{probeEcho}; !bytes.Equal(got, want) {
		return &SelfTestError{Stage: "loopback echo", Want: want, Got: got}
	}
	return nil
}

// Close releases the SPI pins and the interface.
func (s *SPI) Close() error {
	s.driven = false
	werr := s.writeLow()
	if err := s.port.Close(); err != nil {
		return err
	}
	return werr
}
