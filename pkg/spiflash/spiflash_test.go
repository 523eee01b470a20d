package spiflash

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/channel"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/ftdi"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/mpsse"
)

var winbond = ID{Manufacturer: 0xEF, MemoryType: 0x40, Capacity: 0x16}

type rig struct {
	chip  *SimChip
	port  *ftdi.SimPort
	flash *Flash
}

// newRig wires a SimChip behind an MPSSE engine on a simulated channel B.
func newRig(t *testing.T, size int, opts ...Option) *rig {
	t.Helper()
	chip := NewSimChip(size, winbond)
	engine := mpsse.NewEngine(chip)
	dev := ftdi.NewSimDevice("FX0001", 1)
	dev.Setup = func(i ftdi.Interface, p *ftdi.SimPort) {
		p.OnWrite = engine.Process
	}
	spi, err := channel.OpenSPI(dev, ftdi.InterfaceB, 0x70, 10_000_000)
	if err != nil {
		t.Fatalf("OpenSPI error = %v", err)
	}
	if err := spi.DriveBus(true); err != nil {
		t.Fatalf("DriveBus error = %v", err)
	}
	t.Cleanup(func() { spi.Close() })
	return &rig{chip: chip, port: dev.Ports[ftdi.InterfaceB], flash: New(spi, opts...)}
}

func TestJEDECID(t *testing.T) {
	r := newRig(t, 64*1024)
	id, err := r.flash.JEDECID()
	if err != nil {
		t.Fatalf("JEDECID error = %v", err)
	}
	if id != winbond {
		t.Fatalf("JEDECID = %v, want %v", id, winbond)
	}
	if id.Vendor() != "Winbond" || id.Size() != 4<<20 || !id.Valid() {
		t.Fatalf("id = %s", id)
	}
	if (ID{0xFF, 0xFF, 0xFF}).Valid() {
		t.Fatalf("floating bus reported as valid id")
	}
	if got := (ID{Manufacturer: 0x42}).Vendor(); got != "Unknown (0x42)" {
		t.Fatalf("Vendor = %q", got)
	}
}

func TestWriteThenVerify(t *testing.T) {
	tests := []struct {
		name string
		addr uint32
		size int
	}{
		{name: "one byte", addr: 0, size: 1},
		{name: "one page", addr: 0x1000, size: PageSize},
		{name: "odd length", addr: 0x2000, size: 1000},
		{name: "full sector", addr: 0x3000, size: SectorSize},
		{name: "two sectors", addr: 0x4000, size: SectorSize + 17},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, 64*1024)
			data := make([]byte, tt.size)
			for i := range data {
				data[i] = byte(i*7 + 3)
			}
			if err := r.flash.Write(context.Background(), tt.addr, data, nil); err != nil {
				t.Fatalf("Write error = %v", err)
			}
			ok, err := r.flash.Verify(context.Background(), tt.addr, data)
			if err != nil {
				t.Fatalf("Verify error = %v", err)
			}
			if !ok {
				t.Fatalf("Verify = false after Write")
			}
		})
	}
}

func TestWriteEraseAndProgramCounts(t *testing.T) {
	r := newRig(t, 64*1024)
	ctx := context.Background()
	data := make([]byte, 10)

	if err := r.flash.Write(ctx, 0x1000, data, nil); err != nil {
		t.Fatalf("first Write error = %v", err)
	}
	if diff := cmp.Diff([]uint32{0x1000}, r.chip.Erases()); diff != "" {
		t.Fatalf("erases mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{0x1000}, r.chip.Programs()); diff != "" {
		t.Fatalf("programs mismatch (-want +got):\n%s", diff)
	}
	if ok, err := r.flash.Verify(ctx, 0x1000, data); err != nil || !ok {
		t.Fatalf("Verify = %v, %v", ok, err)
	}

	r.chip.ResetCounters()
	if err := r.flash.Write(ctx, 0x1000, data, nil); err != nil {
		t.Fatalf("second Write error = %v", err)
	}
	if n, p := len(r.chip.Erases()), len(r.chip.Programs()); n != 0 || p != 0 {
		t.Fatalf("second Write issued %d erases and %d programs, want none", n, p)
	}
	if ok, err := r.flash.Verify(ctx, 0x1000, data); err != nil || !ok {
		t.Fatalf("Verify = %v, %v", ok, err)
	}
}

func TestWriteSkipsMatchingSectors(t *testing.T) {
	r := newRig(t, 64*1024)
	ctx := context.Background()

	image := bytes.Repeat([]byte{0x55}, 3*SectorSize)
	r.chip.Load(0x8000, image)
	// 0x55 -> 0xFF sets bits, so only this sector needs an erase, after
	// which every page of it is programmed again.
	image[SectorSize+5] = 0xFF

	if err := r.flash.Write(ctx, 0x8000, image, nil); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	if diff := cmp.Diff([]uint32{0x9000}, r.chip.Erases()); diff != "" {
		t.Fatalf("erases mismatch (-want +got):\n%s", diff)
	}
	if got := len(r.chip.Programs()); got != SectorSize/PageSize {
		t.Fatalf("programs = %d, want %d", got, SectorSize/PageSize)
	}
	if !bytes.Equal(r.chip.Memory()[0x8000:0x8000+len(image)], image) {
		t.Fatal("flash content differs from image")
	}
}

func TestWriteClearingBitsErasesSector(t *testing.T) {
	r := newRig(t, 64*1024)
	ctx := context.Background()

	image := bytes.Repeat([]byte{0xFF}, 2*SectorSize)
	image[SectorSize+PageSize*2+7] = 0x55
	r.chip.Load(0x4000, image)
	// 0x55 -> 0x14 only clears bits; the sector is still erased first and
	// only its one non-blank page is programmed.
	image[SectorSize+PageSize*2+7] = 0x14

	if err := r.flash.Write(ctx, 0x4000, image, nil); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	if diff := cmp.Diff([]uint32{0x5000}, r.chip.Erases()); diff != "" {
		t.Fatalf("erases mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{0x5000 + PageSize*2}, r.chip.Programs()); diff != "" {
		t.Fatalf("programs mismatch (-want +got):\n%s", diff)
	}
	if !bytes.Equal(r.chip.Memory()[0x4000:0x4000+len(image)], image) {
		t.Fatal("flash content differs from image")
	}
}

func TestWritePreservesSectorTail(t *testing.T) {
	r := newRig(t, 64*1024)
	ctx := context.Background()

	old := bytes.Repeat([]byte{0xA5}, SectorSize)
	r.chip.Load(0, old)
	if err := r.flash.Write(ctx, 0, []byte{1, 2, 3}, nil); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	mem := r.chip.Memory()
	want := append([]byte{1, 2, 3}, old[3:]...)
	if !bytes.Equal(mem[:SectorSize], want) {
		t.Fatalf("sector tail not preserved")
	}
}

func TestWriteBlankPagesNotProgrammed(t *testing.T) {
	r := newRig(t, 64*1024)
	data := bytes.Repeat([]byte{0xFF}, SectorSize)
	data[PageSize*3] = 0x00
	r.chip.Load(0, []byte{0x00})

	if err := r.flash.Write(context.Background(), 0, data, nil); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	if diff := cmp.Diff([]uint32{PageSize * 3}, r.chip.Programs()); diff != "" {
		t.Fatalf("programs mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteUnalignedIssuesNoCommands(t *testing.T) {
	r := newRig(t, 64*1024)
	before := len(r.port.Written())

	err := r.flash.Write(context.Background(), 0x1001, []byte{0}, nil)
	if !errors.Is(err, ErrUnaligned) {
		t.Fatalf("Write error = %v, want ErrUnaligned", err)
	}
	if after := len(r.port.Written()); after != before {
		t.Fatalf("unaligned write sent %d bytes to the bus", after-before)
	}
}

func TestWriteProgress(t *testing.T) {
	r := newRig(t, 64*1024)
	var got []float64
	data := make([]byte, 2*SectorSize+100)
	if err := r.flash.Write(context.Background(), 0, data, func(f float64) { got = append(got, f) }); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	if len(got) != 4 || got[0] != 0 || got[len(got)-1] != 1 {
		t.Fatalf("progress = %v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("progress decreased: %v", got)
		}
	}
}

func TestBusyTimeout(t *testing.T) {
	r := newRig(t, 64*1024, WithBusyTimeout(20*time.Millisecond))
	r.chip.StuckBusy = true

	err := r.flash.SectorErase(context.Background(), 0)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("SectorErase error = %v, want ErrTimeout", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.After < 20*time.Millisecond {
		t.Fatalf("TimeoutError = %+v", te)
	}
}

func TestBusyPolling(t *testing.T) {
	r := newRig(t, 64*1024)
	r.chip.BusyPolls = 3
	if err := r.flash.ChipErase(context.Background()); err != nil {
		t.Fatalf("ChipErase error = %v", err)
	}
	if r.chip.ChipErases() != 1 {
		t.Fatalf("chip erases = %d, want 1", r.chip.ChipErases())
	}
	st, err := r.flash.Status(1)
	if err != nil || st&statusBusy != 0 {
		t.Fatalf("Status(1) = %02X, %v", st, err)
	}
}

func TestReadChunksAndReset(t *testing.T) {
	r := newRig(t, 2*MaxRead)
	data := make([]byte, MaxRead+10)
	for i := range data {
		data[i] = byte(i >> 4)
	}
	r.chip.Load(0, data)

	got, err := r.flash.Read(context.Background(), 0, len(data))
	if err != nil {
		t.Fatalf("Read error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("Read mismatch across burst boundary")
	}

	if err := r.flash.Reset(); err != nil {
		t.Fatalf("Reset error = %v", err)
	}
	if r.chip.Resets() != 1 {
		t.Fatalf("resets = %d, want 1", r.chip.Resets())
	}
}

func TestEraseRange(t *testing.T) {
	r := newRig(t, 64*1024)
	if err := r.flash.Erase(context.Background(), 0x2000, SectorSize+1, nil); err != nil {
		t.Fatalf("Erase error = %v", err)
	}
	if diff := cmp.Diff([]uint32{0x2000, 0x3000}, r.chip.Erases()); diff != "" {
		t.Fatalf("erases mismatch (-want +got):\n%s", diff)
	}
	if err := r.flash.Erase(context.Background(), 0x10, 1, nil); !errors.Is(err, ErrUnaligned) {
		t.Fatalf("Erase error = %v, want ErrUnaligned", err)
	}
}

func TestProgramWithoutWriteEnableIgnored(t *testing.T) {
	chip := NewSimChip(SectorSize, winbond)
	chip.Select()
	chip.Transfer([]byte{OpPageProgram, 0, 0, 0, 0x00})
	chip.Deselect()
	if chip.Memory()[0] != 0xFF || len(chip.Programs()) != 0 {
		t.Fatalf("program accepted without write enable")
	}
}
