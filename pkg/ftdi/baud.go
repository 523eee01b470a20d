package ftdi

import "fmt"

const (
	hClock    = 120_000_000
	hClockDiv = 10
)

// Sub-integer divisor codes, indexed by divisor&7 (eighths).
var fracCode = [8]uint32{0, 3, 2, 4, 1, 5, 6, 7}

// baudDivisor computes the SIO_SET_BAUDRATE wValue and the high byte of
// wIndex for an H-series chip running from its 120 MHz clock. actual is the
// rate the chip will really produce.
func baudDivisor(baud int) (value, indexHigh uint16, actual int, err error) {
	if baud <= 0 {
		return 0, 0, 0, fmt.Errorf("ftdi: invalid baud rate %d", baud)
	}

	const base = hClock / hClockDiv
	var encoded uint32
	switch {
	case baud >= base:
		encoded, actual = 0, base
	case baud >= hClock/(hClockDiv+hClockDiv/2):
		encoded, actual = 1, hClock/(hClockDiv+hClockDiv/2)
	case baud >= hClock/(2*hClockDiv):
		encoded, actual = 2, hClock/(2*hClockDiv)
	default:
		divisor := hClock * 16 / hClockDiv / baud
		best := divisor / 2
		if divisor&1 != 0 {
			best++
		}
		if best > 0x20000 {
			best = 0x1ffff
		}
		rate := hClock * 16 / hClockDiv / best
		actual = rate / 2
		if rate&1 != 0 {
			actual++
		}
		encoded = uint32(best>>3) | fracCode[best&7]<<14
	}

	diff := actual - baud
	if diff < 0 {
		diff = -diff
	}
	if diff*100/baud > 3 {
		return 0, 0, 0, fmt.Errorf("ftdi: baud rate %d not reachable (closest %d)", baud, actual)
	}

	// Bit 17 selects the 120 MHz clock on H-series parts.
	encoded |= 0x20000
	return uint16(encoded), uint16(encoded>>8) & 0xFF00, actual, nil
}
