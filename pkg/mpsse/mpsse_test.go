package mpsse

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// echoSlave returns every byte incremented by one and records CS edges.
type echoSlave struct {
	events []string
	seen   []byte
}

func (s *echoSlave) Select()   { s.events = append(s.events, "select") }
func (s *echoSlave) Deselect() { s.events = append(s.events, "deselect") }
func (s *echoSlave) Transfer(out []byte) []byte {
	s.seen = append(s.seen, out...)
	in := make([]byte, len(out))
	for i, b := range out {
		in[i] = b + 1
	}
	return in
}

const spiDir = PinSCK | PinMOSI | PinCS

func TestDivisor(t *testing.T) {
	tests := []struct {
		hz   int
		want uint16
	}{
		{hz: 30_000_000, want: 0},
		{hz: 10_000_000, want: 2},
		{hz: 1_000_000, want: 29},
		{hz: 7_000_000, want: 4},
	}
	for _, tt := range tests {
		got, err := Divisor(tt.hz)
		if err != nil {
			t.Fatalf("Divisor(%d) error = %v", tt.hz, err)
		}
		if got != tt.want {
			t.Errorf("Divisor(%d) = %d, want %d", tt.hz, got, tt.want)
		}
	}
	for _, hz := range []int{0, -1, 40_000_000, 100} {
		if _, err := Divisor(hz); err == nil {
			t.Errorf("Divisor(%d) expected error", hz)
		}
	}
}

func TestBurstEncoding(t *testing.T) {
	var b Burst
	b.SetLow(0x00, spiDir)
	b.Write([]byte{0x9F})
	b.Read(3)
	b.ReadLow()
	b.SendImmediate()

	want := []byte{
		OpSetLowByte, 0x00, spiDir,
		OpWriteBytesNegMSB, 0x00, 0x00, 0x9F,
		OpReadBytesPosMSB, 0x02, 0x00,
		OpReadLowByte,
		OpSendNow,
	}
	if diff := cmp.Diff(want, b.Bytes()); diff != "" {
		t.Fatalf("burst mismatch (-want +got):\n%s", diff)
	}
	if b.ReadLen() != 4 {
		t.Fatalf("ReadLen = %d, want 4", b.ReadLen())
	}

	b.Reset()
	if b.Len() != 0 || b.ReadLen() != 0 {
		t.Fatalf("Reset left %d bytes, %d reads", b.Len(), b.ReadLen())
	}
}

func TestBurstSplitsLargeTransfers(t *testing.T) {
	var b Burst
	b.Read(MaxTransfer + 10)
	want := []byte{
		OpReadBytesPosMSB, 0xFF, 0xFF,
		OpReadBytesPosMSB, 0x09, 0x00,
	}
	if !bytes.Equal(b.Bytes(), want) {
		t.Fatalf("Read split = % X, want % X", b.Bytes(), want)
	}

	b.Reset()
	data := make([]byte, MaxTransfer+1)
	b.Transfer(data)
	if b.ReadLen() != len(data) {
		t.Fatalf("ReadLen = %d, want %d", b.ReadLen(), len(data))
	}
	if b.Len() != len(data)+6 {
		t.Fatalf("Len = %d, want %d", b.Len(), len(data)+6)
	}
}

func TestEngineTransaction(t *testing.T) {
	slave := &echoSlave{}
	e := NewEngine(slave)

	var b Burst
	b.SetLow(PinCS, spiDir)
	b.SetLow(0x00, spiDir)
	b.Transfer([]byte{0x10, 0x20})
	b.Write([]byte{0x30})
	b.Read(1)
	b.SetLow(PinCS, spiDir)
	b.SendImmediate()

	got := e.Process(b.Bytes())
	if diff := cmp.Diff([]byte{0x11, 0x21, 0x01}, got); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"select", "deselect"}, slave.events); diff != "" {
		t.Fatalf("cs edges mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0x10, 0x20, 0x30, 0x00}, slave.seen); diff != "" {
		t.Fatalf("mosi mismatch (-want +got):\n%s", diff)
	}
}

func TestEngineDeselectedReadsOnes(t *testing.T) {
	e := NewEngine(&echoSlave{})
	var b Burst
	b.SetLow(PinCS, spiDir)
	b.Read(2)
	if got := e.Process(b.Bytes()); !bytes.Equal(got, []byte{0xFF, 0xFF}) {
		t.Fatalf("deselected read = % X, want FF FF", got)
	}
}

func TestEngineLoopbackAndBadCommand(t *testing.T) {
	e := NewEngine(nil)

	if got := e.Process([]byte{0xAB, OpSendNow}); !bytes.Equal(got, []byte{BadCommand, 0xAB}) {
		t.Fatalf("bad command response = % X", got)
	}
	if e.BadCommands() != 1 {
		t.Fatalf("BadCommands = %d, want 1", e.BadCommands())
	}

	var b Burst
	b.Raw(0, OpLoopbackOn)
	b.Transfer([]byte{0x5A, 0xA5})
	b.Raw(0, OpLoopbackOff)
	if got := e.Process(b.Bytes()); !bytes.Equal(got, []byte{0x5A, 0xA5}) {
		t.Fatalf("loopback echo = % X", got)
	}
	if e.Loopback() {
		t.Fatalf("loopback still on")
	}
}

func TestEngineSplitCommand(t *testing.T) {
	e := NewEngine(nil)
	e.SetInputs(PinMISO)

	if got := e.Process([]byte{OpSetLowByte, 0x01}); len(got) != 0 {
		t.Fatalf("partial command answered % X", got)
	}
	got := e.Process([]byte{PinSCK, OpReadLowByte, OpSetDivisor, 0x1D, 0x00})
	if !bytes.Equal(got, []byte{0x01 | PinMISO}) {
		t.Fatalf("read low = % X", got)
	}
	if v, dir := e.Low(); v != 0x01 || dir != PinSCK {
		t.Fatalf("low = %02X/%02X", v, dir)
	}
	if e.Divisor() != 29 {
		t.Fatalf("divisor = %d, want 29", e.Divisor())
	}
}
