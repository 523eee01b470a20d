// Package spiflash programs SPI NOR flash through an MPSSE SPI channel.
//
// Every command is issued as a single burst. Erase and program commands are
// always preceded by write enable because the chip clears the latch after
// each cycle.
package spiflash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Command opcodes.
const (
	OpWriteEnable  = 0x06
	OpWriteDisable = 0x04
	OpReadStatus1  = 0x05
	OpReadStatus2  = 0x35
	OpReadStatus3  = 0x15
	OpJEDECID      = 0x9F
	OpEnableReset  = 0x66
	OpReset        = 0x99
	OpChipErase    = 0x60
	OpSectorErase  = 0x20
	OpPageProgram  = 0x02
	OpReadData     = 0x03
)

// Geometry.
const (
	SectorSize = 4096
	PageSize   = 256
	MaxRead    = 65536
	AddrWidth  = 3
)

const statusBusy = 0x01

// Default upper bounds for busy polling, taken generously above typical
// datasheet maxima.
const (
	PageProgramTimeout = time.Second
	SectorEraseTimeout = 5 * time.Second
	ChipEraseTimeout   = 400 * time.Second
)

const resetSettle = time.Millisecond

var (
	// ErrUnaligned is returned for writes not starting on a sector boundary.
	ErrUnaligned = errors.New("flash address not sector aligned")
	// ErrTimeout is returned when the chip stays busy past its bound.
	ErrTimeout = errors.New("flash busy timeout")
)

// TimeoutError names the operation that did not complete in time.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("spiflash: %s still busy after %s", e.Op, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Bus is the SPI burst interface the programmer needs. *channel.SPI
// implements it.
type Bus interface {
	Begin()
	WriteBytes(data []byte)
	WriteInt(v uint64, width int, bigEndian bool)
	Read(n int)
	CSPulse()
	Execute() ([]byte, error)
}

// Flash is a NOR flash chip on a Bus.
type Flash struct {
	bus    Bus
	logger *slog.Logger

	programTimeout time.Duration
	sectorTimeout  time.Duration
	chipTimeout    time.Duration
}

// Option configures a Flash.
type Option func(*Flash)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Flash) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithBusyTimeout replaces every per-operation busy bound with d.
func WithBusyTimeout(d time.Duration) Option {
	return func(f *Flash) {
		f.programTimeout, f.sectorTimeout, f.chipTimeout = d, d, d
	}
}

// New returns a programmer for the chip on bus.
func New(bus Bus, opts ...Option) *Flash {
	f := &Flash{
		bus:            bus,
		logger:         slog.New(slog.DiscardHandler),
		programTimeout: PageProgramTimeout,
		sectorTimeout:  SectorEraseTimeout,
		chipTimeout:    ChipEraseTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Flash) command(op byte) error {
	f.bus.Begin()
	f.bus.WriteBytes([]byte{op})
	_, err := f.bus.Execute()
	return err
}

func (f *Flash) addressed(op byte, addr uint32) {
	f.bus.Begin()
	f.bus.WriteBytes([]byte{op})
	f.bus.WriteInt(uint64(addr), AddrWidth, true)
}

// WriteEnable sets the write enable latch.
func (f *Flash) WriteEnable() error { return f.command(OpWriteEnable) }

// WriteDisable clears the write enable latch.
func (f *Flash) WriteDisable() error { return f.command(OpWriteDisable) }

// Status reads status register 1, 2 or 3.
func (f *Flash) Status(reg int) (byte, error) {
	var op byte
	switch reg {
	case 1:
		op = OpReadStatus1
	case 2:
		op = OpReadStatus2
	case 3:
		op = OpReadStatus3
	default:
		return 0, fmt.Errorf("spiflash: no status register %d", reg)
	}
	f.bus.Begin()
	f.bus.WriteBytes([]byte{op})
	f.bus.Read(1)
	got, err := f.bus.Execute()
	if err != nil {
		return 0, err
	}
	return got[0], nil
}

// JEDECID reads the manufacturer, memory type and capacity bytes.
func (f *Flash) JEDECID() (ID, error) {
	f.bus.Begin()
	f.bus.WriteBytes([]byte{OpJEDECID})
	f.bus.Read(3)
	got, err := f.bus.Execute()
	if err != nil {
		return ID{}, err
	}
	return ID{Manufacturer: got[0], MemoryType: got[1], Capacity: got[2]}, nil
}

// Reset issues enable-reset and reset in one burst and waits for the chip
// to settle.
func (f *Flash) Reset() error {
	f.bus.Begin()
	f.bus.WriteBytes([]byte{OpEnableReset})
	f.bus.CSPulse()
	f.bus.WriteBytes([]byte{OpReset})
	if _, err := f.bus.Execute(); err != nil {
		return err
	}
	time.Sleep(resetSettle)
	return nil
}

// busyWait polls status register 1 until the busy bit clears or bound
// elapses.
func (f *Flash) busyWait(ctx context.Context, op string, bound time.Duration) error {
	start := time.Now()
	for {
		st, err := f.Status(1)
		if err != nil {
			return err
		}
		if st&statusBusy == 0 {
			return nil
		}
		if elapsed := time.Since(start); elapsed > bound {
			return &TimeoutError{Op: op, After: elapsed}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("spiflash: %s: %w", op, err)
		}
	}
}

// ChipErase erases the whole chip.
func (f *Flash) ChipErase(ctx context.Context) error {
	if err := f.WriteEnable(); err != nil {
		return err
	}
	if err := f.command(OpChipErase); err != nil {
		return err
	}
	f.logger.Info("chip erase started")
	return f.busyWait(ctx, "chip erase", f.chipTimeout)
}

// SectorErase erases the 4 KiB sector containing addr.
func (f *Flash) SectorErase(ctx context.Context, addr uint32) error {
	if err := f.WriteEnable(); err != nil {
		return err
	}
	f.addressed(OpSectorErase, addr)
	if _, err := f.bus.Execute(); err != nil {
		return err
	}
	return f.busyWait(ctx, fmt.Sprintf("sector erase at 0x%06X", addr), f.sectorTimeout)
}

// PageProgram writes up to one page. The range must not cross a page
// boundary.
func (f *Flash) PageProgram(ctx context.Context, addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if int(addr%PageSize)+len(data) > PageSize {
		return fmt.Errorf("spiflash: program of %d bytes at 0x%06X crosses a page", len(data), addr)
	}
	if err := f.WriteEnable(); err != nil {
		return err
	}
	f.addressed(OpPageProgram, addr)
	f.bus.WriteBytes(data)
	if _, err := f.bus.Execute(); err != nil {
		return err
	}
	return f.busyWait(ctx, fmt.Sprintf("page program at 0x%06X", addr), f.programTimeout)
}

// Read returns n bytes starting at addr, split into bursts of MaxRead.
func (f *Flash) Read(ctx context.Context, addr uint32, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for n > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := min(n, MaxRead)
		f.addressed(OpReadData, addr)
		f.bus.Read(c)
		got, err := f.bus.Execute()
		if err != nil {
			return nil, err
		}
		out = append(out, got...)
		addr += uint32(c)
		n -= c
	}
	return out, nil
}
