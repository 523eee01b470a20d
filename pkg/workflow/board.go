package workflow

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidBoardNumber is returned for serial numbers outside the board
// table.
var ErrInvalidBoardNumber = errors.New("invalid board number")

// InvalidBoardNumberError says which part of the serial number was rejected.
type InvalidBoardNumberError struct {
	Serial SerialNumber
	Reason string
}

func (e *InvalidBoardNumberError) Error() string {
	return fmt.Sprintf("%s %s: %s", ErrInvalidBoardNumber, e.Serial, e.Reason)
}

func (e *InvalidBoardNumberError) Unwrap() error { return ErrInvalidBoardNumber }

// StepFactory builds a fresh step for one run. Factories must not touch
// hardware; that happens in Step.Run.
type StepFactory func(serial SerialNumber) Step

// Sequence is the ordered list of steps for one board type.
type Sequence struct {
	Name  string
	Steps []StepFactory
	// ContinueOnFailure records fatal step errors and carries on with the
	// next step.
	ContinueOnFailure bool
}

// BoardTable maps serial numbers to step sequences.
type BoardTable struct {
	// Series lists the accepted series markers.
	Series []uint32
	// Boards maps board type codes to sequences. A registered type with no
	// steps is valid.
	Boards map[byte]Sequence
}

// Lookup validates serial and returns its sequence.
func (t BoardTable) Lookup(serial SerialNumber) (Sequence, error) {
	if !slices.Contains(t.Series, serial.Series()) {
		return Sequence{}, &InvalidBoardNumberError{
			Serial: serial,
			Reason: fmt.Sprintf("unknown series 0x%08X", serial.Series()),
		}
	}
	seq, ok := t.Boards[serial.BoardType()]
	if !ok {
		return Sequence{}, &InvalidBoardNumberError{
			Serial: serial,
			Reason: fmt.Sprintf("unknown board type 0x%02X", serial.BoardType()),
		}
	}
	return seq, nil
}
