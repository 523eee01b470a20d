package mpsse

import "sync"

// Slave is an SPI device attached to a simulated engine.
type Slave interface {
	// Select is called when chip select goes low.
	Select()
	// Transfer clocks out and returns the bytes shifted in on MISO.
	Transfer(out []byte) []byte
	// Deselect is called when chip select goes high.
	Deselect()
}

// Engine interprets MPSSE byte code the way the FT4232H does for the subset
// of commands this module emits. It is meant to be plugged into
// ftdi.SimPort.OnWrite via Process.
type Engine struct {
	mu sync.Mutex

	slave    Slave
	pending  []byte
	lowVal   byte
	lowDir   byte
	highVal  byte
	highDir  byte
	inputs   byte
	loopback bool
	divisor  uint16
	selected bool
	bad      int
}

// NewEngine returns an engine with slave wired to the SPI pins. slave may be
// nil, in which case MISO reads as all ones.
func NewEngine(slave Slave) *Engine {
	return &Engine{slave: slave, lowVal: PinCS}
}

// SetInputs sets the level seen on low byte pins configured as inputs.
func (e *Engine) SetInputs(v byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inputs = v
}

// Low returns the low byte output value and direction.
func (e *Engine) Low() (value, direction byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lowVal, e.lowDir
}

// Loopback reports whether internal loopback is on.
func (e *Engine) Loopback() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loopback
}

// Divisor returns the last clock divisor set.
func (e *Engine) Divisor() uint16 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.divisor
}

// BadCommands counts rejected opcodes.
func (e *Engine) BadCommands() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bad
}

// Process consumes a chunk of the command stream and returns the bytes the
// chip sends back. A command split across chunks is held until complete.
func (e *Engine) Process(p []byte) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending = append(e.pending, p...)
	var resp []byte
	for len(e.pending) > 0 {
		n, out, ok := e.step(e.pending)
		if !ok {
			break
		}
		resp = append(resp, out...)
		e.pending = e.pending[n:]
	}
	if len(e.pending) == 0 {
		e.pending = nil
	}
	return resp
}

// step executes the command at the start of buf. ok is false if buf holds
// only part of it.
func (e *Engine) step(buf []byte) (n int, out []byte, ok bool) {
	op := buf[0]
	switch op {
	case OpWriteBytesNegMSB, OpRWBytesMSB:
		if len(buf) < 3 {
			return 0, nil, false
		}
		length := (int(buf[1]) | int(buf[2])<<8) + 1
		if len(buf) < 3+length {
			return 0, nil, false
		}
		in := e.clock(buf[3 : 3+length])
		if op == OpRWBytesMSB {
			out = in
		}
		return 3 + length, out, true

	case OpReadBytesPosMSB:
		if len(buf) < 3 {
			return 0, nil, false
		}
		length := (int(buf[1]) | int(buf[2])<<8) + 1
		return 3, e.clock(make([]byte, length)), true

	case OpSetLowByte, OpSetHighByte:
		if len(buf) < 3 {
			return 0, nil, false
		}
		if op == OpSetLowByte {
			e.setLow(buf[1], buf[2])
		} else {
			e.highVal, e.highDir = buf[1], buf[2]
		}
		return 3, nil, true

	case OpReadLowByte:
		return 1, []byte{e.lowVal&e.lowDir | e.inputs&^e.lowDir}, true

	case OpReadHighByte:
		return 1, []byte{e.highVal & e.highDir}, true

	case OpSetDivisor:
		if len(buf) < 3 {
			return 0, nil, false
		}
		e.divisor = uint16(buf[1]) | uint16(buf[2])<<8
		return 3, nil, true

	case OpLoopbackOn:
		e.loopback = true
		return 1, nil, true

	case OpLoopbackOff:
		e.loopback = false
		return 1, nil, true

	case OpSendNow, OpDisableDiv5, OpEnableDiv5, OpEnable3Phase, OpDisable3Ph,
		OpAdaptiveOn, OpAdaptiveOff:
		return 1, nil, true

	default:
		e.bad++
		return 1, []byte{BadCommand, op}, true
	}
}

// setLow updates the low byte and reports chip select edges to the slave.
func (e *Engine) setLow(value, direction byte) {
	wasSelected := e.selected
	e.lowVal, e.lowDir = value, direction
	e.selected = direction&PinCS != 0 && value&PinCS == 0
	if e.slave == nil || e.loopback {
		return
	}
	switch {
	case e.selected && !wasSelected:
		e.slave.Select()
	case !e.selected && wasSelected:
		e.slave.Deselect()
	}
}

// clock shifts data out on MOSI and returns what was sampled on MISO.
func (e *Engine) clock(data []byte) []byte {
	if e.loopback {
		return append([]byte(nil), data...)
	}
	if e.slave == nil || !e.selected || e.lowDir&(PinSCK|PinMOSI) != PinSCK|PinMOSI {
		in := make([]byte, len(data))
		for i := range in {
			in[i] = 0xFF
		}
		return in
	}
	in := e.slave.Transfer(data)
	if len(in) != len(data) {
		fixed := make([]byte, len(data))
		copy(fixed, in)
		in = fixed
	}
	return in
}
