// Package mpsse builds and simulates FTDI MPSSE command streams used to clock
// SPI transactions and drive the low GPIO byte of a channel.
package mpsse

import "fmt"

// MPSSE opcodes
const (
	OpWriteBytesNegMSB = 0x11 // clock bytes out on -ve edge, MSB first
	OpReadBytesPosMSB  = 0x20 // clock bytes in on +ve edge, MSB first
	OpRWBytesMSB       = 0x31 // out on -ve, in on +ve, MSB first

	OpSetLowByte   = 0x80
	OpReadLowByte  = 0x81
	OpSetHighByte  = 0x82
	OpReadHighByte = 0x83
	OpLoopbackOn   = 0x84
	OpLoopbackOff  = 0x85
	OpSetDivisor   = 0x86
	OpSendNow      = 0x87
	OpDisableDiv5  = 0x8A
	OpEnableDiv5   = 0x8B
	OpEnable3Phase = 0x8C
	OpDisable3Ph   = 0x8D
	OpAdaptiveOn   = 0x96
	OpAdaptiveOff  = 0x97

	// BadCommand precedes the echoed opcode when the engine rejects a byte.
	BadCommand = 0xFA
)

// MaxTransfer is the largest payload one data command can carry.
const MaxTransfer = 65536

// Low byte pin assignment fixed by the MPSSE engine in SPI use.
const (
	PinSCK  = 1 << 0
	PinMOSI = 1 << 1
	PinMISO = 1 << 2
	PinCS   = 1 << 3
)

// BaseClock is the MPSSE master clock with the divide-by-5 prescaler off.
const BaseClock = 60_000_000

// Divisor returns the 0x86 divisor for the requested SCK frequency.
func Divisor(hz int) (uint16, error) {
	if hz <= 0 || hz > BaseClock/2 {
		return 0, fmt.Errorf("mpsse: clock %d Hz out of range (0, %d]", hz, BaseClock/2)
	}
	div := (BaseClock/(2*hz) - 1)
	if BaseClock%(2*hz) != 0 {
		// Round towards the slower clock.
		div++
	}
	if div > 0xFFFF {
		return 0, fmt.Errorf("mpsse: clock %d Hz too slow", hz)
	}
	return uint16(div), nil
}
