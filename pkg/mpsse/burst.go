package mpsse

// Burst accumulates MPSSE commands so a whole SPI transaction goes out in one
// USB write. Its zero value is an empty burst.
type Burst struct {
	cmd     []byte
	readLen int
}

// Reset drops all queued commands.
func (b *Burst) Reset() {
	b.cmd = b.cmd[:0]
	b.readLen = 0
}

// Bytes returns the encoded command stream.
func (b *Burst) Bytes() []byte {
	return b.cmd
}

// ReadLen is the number of bytes the engine will return for this burst.
func (b *Burst) ReadLen() int {
	return b.readLen
}

// Len is the encoded size in bytes.
func (b *Burst) Len() int {
	return len(b.cmd)
}

// SetLow drives the low GPIO byte.
func (b *Burst) SetLow(value, direction byte) {
	b.cmd = append(b.cmd, OpSetLowByte, value, direction)
}

// ReadLow samples the low GPIO byte; one byte is returned.
func (b *Burst) ReadLow() {
	b.cmd = append(b.cmd, OpReadLowByte)
	b.readLen++
}

// Write clocks data out, splitting at MaxTransfer.
func (b *Burst) Write(data []byte) {
	for len(data) > 0 {
		n := min(len(data), MaxTransfer)
		b.cmd = append(b.cmd, OpWriteBytesNegMSB, byte(n-1), byte((n-1)>>8))
		b.cmd = append(b.cmd, data[:n]...)
		data = data[n:]
	}
}

// Read clocks n bytes in.
func (b *Burst) Read(n int) {
	for n > 0 {
		c := min(n, MaxTransfer)
		b.cmd = append(b.cmd, OpReadBytesPosMSB, byte(c-1), byte((c-1)>>8))
		b.readLen += c
		n -= c
	}
}

// Transfer clocks data out while reading the same number of bytes.
func (b *Burst) Transfer(data []byte) {
	for len(data) > 0 {
		n := min(len(data), MaxTransfer)
		b.cmd = append(b.cmd, OpRWBytesMSB, byte(n-1), byte((n-1)>>8))
		b.cmd = append(b.cmd, data[:n]...)
		b.readLen += n
		data = data[n:]
	}
}

// Raw appends arbitrary opcodes. expect is how many bytes they make the
// engine return.
func (b *Burst) Raw(expect int, ops ...byte) {
	b.cmd = append(b.cmd, ops...)
	b.readLen += expect
}

// SendImmediate flushes the engine's read buffer back to the host.
func (b *Burst) SendImmediate() {
	b.cmd = append(b.cmd, OpSendNow)
}
