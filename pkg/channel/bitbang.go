package channel

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/ftdi"
)

// BitBang is a channel in asynchronous bit-bang mode.
type BitBang struct {
	port    ftdi.Port
	iface   ftdi.Interface
	outputs byte
	shadow  byte
}

// OpenBitBang claims interface i and switches it to bit-bang mode with the
// pins in outputs driven low.
func OpenBitBang(dev ftdi.Device, i ftdi.Interface, outputs byte) (*BitBang, error) {
	port, err := dev.OpenPort(i)
	if err != nil {
		return nil, err
	}
	b := &BitBang{port: port, iface: i, outputs: outputs}
	if err := b.init(); err != nil {
		port.Close()
		return nil, fmt.Errorf("open bit-bang %s: %w", i, err)
	}
	return b, nil
}

func (b *BitBang) init() error {
	if err := b.port.Purge(); err != nil {
		return err
	}
	if err := b.port.SetBitMode(0, ftdi.BitModeReset); err != nil {
		return err
	}
	if err := b.port.SetBitMode(b.outputs, ftdi.BitModeBitbang); err != nil {
		return err
	}
	return b.flush()
}

func (b *BitBang) flush() error {
	_, err := b.port.Write([]byte{b.shadow})
	return err
}

// Interface returns the claimed FTDI interface.
func (b *BitBang) Interface() ftdi.Interface { return b.iface }

// Shadow returns the last output value written.
func (b *BitBang) Shadow() byte { return b.shadow }

// ReadPins samples the pins. Output bits come from the shadow.
func (b *BitBang) ReadPins(mask byte) (byte, error) {
	hw, err := b.port.ReadPins()
	if err != nil {
		return 0, err
	}
	return merge(hw, b.shadow, b.outputs) & mask, nil
}

// WritePins updates the outputs selected by mask. Bits outside the output
// mask are ignored.
func (b *BitBang) WritePins(value, mask byte) error {
	prev := b.shadow
	b.shadow = merge(b.shadow, value, mask&b.outputs)
	if err := b.flush(); err != nil {
		b.shadow = prev
		return err
	}
	return nil
}

// Close releases the interface.
func (b *BitBang) Close() error {
	return b.port.Close()
}
