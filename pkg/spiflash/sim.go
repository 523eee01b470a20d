package spiflash

import "sync"

// SimChip models a NOR flash on the far side of an mpsse.Engine. Program
// clears bits, erase sets them, and erase or program commands without the
// write enable latch set are ignored as on real parts. Counters record every
// accepted erase and program so tests can check wear.
type SimChip struct {
	ID ID

	// BusyPolls is how many status reads report busy after each erase or
	// program. StuckBusy keeps the chip busy forever.
	BusyPolls int
	StuckBusy bool

	mu       sync.Mutex
	mem      []byte
	wel      bool
	busy     int
	resetArm bool
	resets   int

	selected bool
	cmd      []byte

	erases     []uint32
	programs   []uint32
	chipErases int
}

// NewSimChip returns an erased chip of size bytes.
func NewSimChip(size int, id ID) *SimChip {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xFF
	}
	return &SimChip{ID: id, mem: mem}
}

// Memory returns a copy of the chip contents.
func (c *SimChip) Memory() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.mem...)
}

// Load overwrites memory at addr without touching the counters.
func (c *SimChip) Load(addr int, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copy(c.mem[addr:], data)
}

// Erases returns the address of every sector erase.
func (c *SimChip) Erases() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.erases...)
}

// Programs returns the start address of every page program.
func (c *SimChip) Programs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.programs...)
}

// ChipErases counts chip erase commands.
func (c *SimChip) ChipErases() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.chipErases
}

// Resets counts software resets.
func (c *SimChip) Resets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resets
}

// ResetCounters clears erase and program history.
func (c *SimChip) ResetCounters() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.erases, c.programs, c.chipErases = nil, nil, 0
}

func (c *SimChip) Select() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = true
	c.cmd = c.cmd[:0]
}

// Transfer shifts one burst of bytes and returns MISO.
func (c *SimChip) Transfer(out []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	in := make([]byte, len(out))
	for i, b := range out {
		in[i] = c.shift(b)
	}
	return in
}

// shift consumes one MOSI byte and returns the byte clocked out on MISO.
func (c *SimChip) shift(b byte) byte {
	pos := len(c.cmd)
	c.cmd = append(c.cmd, b)
	if pos == 0 {
		return 0xFF
	}

	switch c.cmd[0] {
	case OpReadStatus1:
		return c.status()
	case OpReadStatus2, OpReadStatus3:
		return 0x00
	case OpJEDECID:
		switch pos {
		case 1:
			return c.ID.Manufacturer
		case 2:
			return c.ID.MemoryType
		case 3:
			return c.ID.Capacity
		}
	case OpReadData:
		if pos > AddrWidth && c.busy == 0 {
			addr := (c.addr() + pos - 1 - AddrWidth) % len(c.mem)
			return c.mem[addr]
		}
	}
	return 0xFF
}

func (c *SimChip) status() byte {
	var st byte
	if c.wel {
		st |= 0x02
	}
	if c.StuckBusy {
		return st | statusBusy
	}
	if c.busy > 0 {
		c.busy--
		st |= statusBusy
	}
	return st
}

func (c *SimChip) addr() int {
	return int(c.cmd[1])<<16 | int(c.cmd[2])<<8 | int(c.cmd[3])
}

// Deselect completes the command, as the chip latches erase and program on
// the rising edge of CS.
func (c *SimChip) Deselect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.selected || len(c.cmd) == 0 {
		return
	}
	c.selected = false

	op := c.cmd[0]
	if op != OpReset {
		c.resetArm = op == OpEnableReset
	}
	if c.busy > 0 && op != OpReadStatus1 {
		return
	}

	switch op {
	case OpWriteEnable:
		c.wel = true
	case OpWriteDisable:
		c.wel = false
	case OpReset:
		if c.resetArm {
			c.resets++
			c.wel = false
			c.busy = 0
		}
		c.resetArm = false
	case OpChipErase:
		if c.wel {
			for i := range c.mem {
				c.mem[i] = 0xFF
			}
			c.chipErases++
			c.done()
		}
	case OpSectorErase:
		if c.wel && len(c.cmd) == 1+AddrWidth {
			base := (c.addr() &^ (SectorSize - 1)) % len(c.mem)
			for i := base; i < base+SectorSize && i < len(c.mem); i++ {
				c.mem[i] = 0xFF
			}
			c.erases = append(c.erases, uint32(base))
			c.done()
		}
	case OpPageProgram:
		if c.wel && len(c.cmd) > 1+AddrWidth {
			addr := c.addr() % len(c.mem)
			page := addr &^ (PageSize - 1)
			for i, b := range c.cmd[1+AddrWidth:] {
				// Data past the page end wraps to its start.
				at := page + (addr-page+i)%PageSize
				c.mem[at] &= b
			}
			c.programs = append(c.programs, uint32(addr))
			c.done()
		}
	}
}

func (c *SimChip) done() {
	c.wel = false
	c.busy = c.BusyPolls
}
