package tester

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/ftdi"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/mpsse"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/spiflash"
)

// SimFixture is a fixture with a board that exists only in memory. The flash
// chip sits behind an MPSSE engine on interface B and the console on D is
// answered by Board.
type SimFixture struct {
	Device *ftdi.SimDevice
	Chip   *spiflash.SimChip

	mu        sync.Mutex
	present   bool
	powerGood bool
	board     func(written []byte) []byte
	boot      func(mode BootMode) string
	released  bool
	engine    *mpsse.Engine
}

// NewSimFixture returns a fixture with EEPROM id and a present, healthy
// board carrying chip.
func NewSimFixture(id int, chip *spiflash.SimChip) *SimFixture {
	f := &SimFixture{
		Device:    ftdi.NewSimDevice(fmt.Sprintf("SIM%04d", id), byte(id)),
		Chip:      chip,
		present:   true,
		powerGood: true,
	}
	f.Device.Setup = f.setup
	return f
}

func (f *SimFixture) setup(i ftdi.Interface, p *ftdi.SimPort) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch i {
	case ftdi.InterfaceA:
		p.SetInputs(f.inputs())
	case ftdi.InterfaceB:
		engine := mpsse.NewEngine(f.Chip)
		f.engine = engine
		p.OnWrite = func(written []byte) []byte {
			out := engine.Process(written)
			f.watchReset(engine)
			return out
		}
	case ftdi.InterfaceD:
		p.OnWrite = func(written []byte) []byte {
			f.mu.Lock()
			board := f.board
			f.mu.Unlock()
			if board == nil {
				return nil
			}
			return board(written)
		}
	}
}

func (f *SimFixture) inputs() byte {
	var v byte
	if !f.present {
		v |= PinPresent
	}
	if f.powerGood {
		v |= PinPowerGood
	}
	return v
}

func (f *SimFixture) updateInputs() {
	if p := f.Device.Ports[ftdi.InterfaceA]; p != nil {
		p.SetInputs(f.inputs())
	}
}

// watchReset calls the boot hook when the board leaves reset with power
// applied.
func (f *SimFixture) watchReset(engine *mpsse.Engine) {
	val, _ := engine.Low()
	released := val&PinReset != 0

	f.mu.Lock()
	prev := f.released
	f.released = released
	boot := f.boot
	f.mu.Unlock()

	if !released || prev || boot == nil {
		return
	}
	if p := f.Device.Ports[ftdi.InterfaceA]; p == nil || p.Pins()&PinPower == 0 {
		return
	}
	mode := BootSPI
	if val&PinBootMode != 0 {
		mode = BootUART
	}
	if out := boot(mode); out != "" {
		f.Print(out)
	}
}

// Enumerator returns an Enumerator that finds this fixture only.
func (f *SimFixture) Enumerator() Enumerator {
	return func(context.Context, *slog.Logger) ([]ftdi.Device, error) {
		f.Device.Reopen()
		return []ftdi.Device{f.Device}, nil
	}
}

// SetBoardPresent inserts or removes the board.
func (f *SimFixture) SetBoardPresent(present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present = present
	f.updateInputs()
}

// SetPowerGood sets the power-good input.
func (f *SimFixture) SetPowerGood(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.powerGood = ok
	f.updateInputs()
}

// SetBoard installs the console responder. It receives every chunk written
// to the console and returns what the board prints in reply.
func (f *SimFixture) SetBoard(board func(written []byte) []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.board = board
}

// SetBootHook installs what the board prints when it comes out of reset
// powered, per boot mode.
func (f *SimFixture) SetBootHook(boot func(mode BootMode) string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boot = boot
}

// Engine returns the MPSSE engine of the current interface B port.
func (f *SimFixture) Engine() *mpsse.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engine
}

// Print makes the board print s on its console.
func (f *SimFixture) Print(s string) {
	if p := f.Device.Ports[ftdi.InterfaceD]; p != nil {
		p.Feed([]byte(s))
	}
}

// ConsoleInput returns everything written to the board console so far.
func (f *SimFixture) ConsoleInput() []byte {
	if p := f.Device.Ports[ftdi.InterfaceD]; p != nil {
		return p.Written()
	}
	return nil
}
