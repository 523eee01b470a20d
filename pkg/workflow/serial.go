package workflow

import (
	"fmt"
	"strconv"
	"strings"
)

// SerialNumber identifies one board. The high 32 bits are the series marker,
// the next byte selects the board type and the low 24 bits count boards.
type SerialNumber uint64

// ParseSerial accepts 16 hex digits with an optional 0x prefix.
func ParseSerial(s string) (SerialNumber, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != 16 {
		return 0, fmt.Errorf("serial number %q: want 16 hex digits", s)
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("serial number %q: %w", s, err)
	}
	return SerialNumber(v), nil
}

// Series returns the manufacturer series marker.
func (s SerialNumber) Series() uint32 { return uint32(s >> 32) }

// BoardType returns the board type code.
func (s SerialNumber) BoardType() byte { return byte(s >> 24) }

// Sequence returns the running board number within the series.
func (s SerialNumber) Sequence() uint32 { return uint32(s) & 0xFFFFFF }

func (s SerialNumber) String() string { return fmt.Sprintf("%016X", uint64(s)) }
