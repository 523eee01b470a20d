// Package ftdi talks to FTDI multi-channel USB serial chips (FT4232H) through
// gousb. Each chip interface is exposed as a Port that can be switched into
// bit-bang, MPSSE or plain UART operation.
package ftdi

import (
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// USB identifiers of the quad-channel chip fitted on the test fixture.
	VendorID         = 0x0403
	ProductIDFT4232H = 0x6011

	DefaultTimeout = 2 * time.Second
	DefaultLatency = 2 // milliseconds

	modemStatusLength = 2
)

// Interface selects one of the four chip channels.
type Interface int

const (
	InterfaceA Interface = iota
	InterfaceB
	InterfaceC
	InterfaceD
)

func (i Interface) String() string {
	if i < InterfaceA || i > InterfaceD {
		return fmt.Sprintf("Interface(%d)", int(i))
	}
	return string(rune('A' + int(i)))
}

// index is the wIndex value SIO requests use to address the channel.
func (i Interface) index() uint16 {
	return uint16(i) + 1
}

// BitMode is the operating mode selected with SIO_SET_BITMODE.
type BitMode byte

const (
	BitModeReset   BitMode = 0x00
	BitModeBitbang BitMode = 0x01
	BitModeMPSSE   BitMode = 0x02
)

// SIO vendor requests.
const (
	sioReset       = 0x00
	sioSetFlowCtrl = 0x02
	sioSetBaudRate = 0x03
	sioSetData     = 0x04
	sioSetLatency  = 0x09
	sioSetBitMode  = 0x0B
	sioReadPins    = 0x0C
	sioReadEEPROM  = 0x90

	sioResetSIO     = 0
	sioResetPurgeRX = 1
	sioResetPurgeTX = 2

	// The tester id is stored in the EEPROM "chip type" byte at offset 0x18.
	eepromChipTypeWord = 0x0C
)

// Parity of a UART line.
type Parity int

const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
	ParityMark
	ParitySpace
)

// LineProperty describes UART framing.
type LineProperty struct {
	DataBits int
	StopBits int // 1 or 2
	Parity   Parity
}

// Line8N1 is 8 data bits, no parity, one stop bit.
var Line8N1 = LineProperty{DataBits: 8, StopBits: 1, Parity: ParityNone}

// value encodes the property as the SIO_SET_DATA wValue.
func (l LineProperty) value() (uint16, error) {
	if l.DataBits < 7 || l.DataBits > 8 {
		return 0, fmt.Errorf("ftdi: unsupported data bits %d", l.DataBits)
	}
	v := uint16(l.DataBits)
	if l.Parity < ParityNone || l.Parity > ParitySpace {
		return 0, fmt.Errorf("ftdi: unsupported parity %d", l.Parity)
	}
	v |= uint16(l.Parity) << 8
	switch l.StopBits {
	case 1:
	case 2:
		v |= 2 << 11
	default:
		return 0, fmt.Errorf("ftdi: unsupported stop bits %d", l.StopBits)
	}
	return v, nil
}

// Port is one claimed chip channel.
//
// Read never blocks for long: when the chip has nothing to deliver it returns
// (0, nil) after the chip's latency timer expires, the same way the hardware
// reports status-only packets.
type Port interface {
	io.ReadWriter
	SetBitMode(mask byte, mode BitMode) error
	ReadPins() (byte, error)
	Purge() error
	SetBaudRate(baud int) error
	SetLineProperty(lp LineProperty) error
	SetLatencyTimer(ms int) error
	Close() error
}

// Device is an opened chip with all four channels available for claiming.
type Device interface {
	Serial() string
	ChipType() (byte, error)
	OpenPort(i Interface) (Port, error)
	// Reset performs a USB port reset. The device handle must be closed and
	// the chip enumerated again afterwards.
	Reset() error
	Close() error
}

// ErrCommunication marks every USB transfer or control failure.
var ErrCommunication = errors.New("ftdi: communication error")

// CommunicationError describes a failed USB operation on one channel.
type CommunicationError struct {
	Op        string
	Interface Interface
	Err       error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("ftdi: %s on interface %s: %v", e.Op, e.Interface, e.Err)
}

func (e *CommunicationError) Unwrap() []error {
	return []error{ErrCommunication, e.Err}
}

func commError(op string, i Interface, err error) error {
	if err == nil {
		return nil
	}
	return &CommunicationError{Op: op, Interface: i, Err: err}
}

// ReadFull reads exactly len(p) bytes from port, polling until timeout.
func ReadFull(port Port, p []byte, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	got := 0
	for got < len(p) {
		n, err := port.Read(p[got:])
		got += n
		if err != nil {
			return err
		}
		if got < len(p) && time.Now().After(deadline) {
			return fmt.Errorf("%w: short read, got %d of %d bytes after %v", ErrCommunication, got, len(p), timeout)
		}
	}
	return nil
}
