// Package channel drives one FT4232H interface either as raw GPIO (bit-bang)
// or as an MPSSE SPI master with spare GPIO on the low byte.
//
// Output pins cannot always be read back from the chip, so every channel keeps
// a shadow of the last value written and treats it as authoritative. Channels
// are not safe for concurrent use.
package channel

import (
	"errors"
	"fmt"
)

// Pins is masked GPIO access shared by both channel kinds.
type Pins interface {
	// ReadPins returns the pin levels selected by mask.
	ReadPins(mask byte) (byte, error)
	// WritePins changes only the output bits selected by mask.
	WritePins(value, mask byte) error
}

// ErrSelfTestFailed reports an electrically unhealthy fixture.
var ErrSelfTestFailed = errors.New("self-test failed")

// SelfTestError describes which self-test stage saw an unexpected echo.
type SelfTestError struct {
	Stage string
	Want  []byte
	Got   []byte
}

func (e *SelfTestError) Error() string {
	return fmt.Sprintf("channel: %s: %s: got % X, want % X", ErrSelfTestFailed, e.Stage, e.Got, e.Want)
}

func (e *SelfTestError) Unwrap() error { return ErrSelfTestFailed }

// merge returns shadow with the bits in mask replaced by value.
func merge(shadow, value, mask byte) byte {
	return shadow&^mask | value&mask
}
