package tester

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/ftdi"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/mpsse"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/spiflash"
)

const spiPins = mpsse.PinSCK | mpsse.PinMOSI | mpsse.PinCS

var testChipID = spiflash.ID{Manufacturer: 0xEF, MemoryType: 0x40, Capacity: 0x15}

func connectSim(t *testing.T, id int) (*Tester, *SimFixture) {
	t.Helper()
	f := NewSimFixture(id, spiflash.NewSimChip(256*1024, testChipID))
	tst, err := Connect(context.Background(), id, WithEnumerator(f.Enumerator()), WithBoard("test-board"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { tst.Close() })
	return tst, f
}

func gpioPins(f *SimFixture) byte {
	return f.Device.Ports[ftdi.InterfaceA].Pins()
}

func assertDefault(t *testing.T, f *SimFixture) {
	t.Helper()
	if gpioPins(f)&PinPower != 0 {
		t.Error("board powered in default state")
	}
	val, dir := f.Engine().Low()
	if val&PinReset != 0 {
		t.Error("reset released in default state")
	}
	if val&PinBootMode != 0 {
		t.Error("boot mode is UART in default state")
	}
	if val&PinSPIEnable != 0 {
		t.Error("SPI drivers enabled in default state")
	}
	if dir&spiPins != 0 {
		t.Errorf("SPI pins driven in default state, direction %#02x", dir)
	}
}

func TestConnectDefaultState(t *testing.T) {
	tst, f := connectSim(t, 2)
	if tst.ID() != 2 || tst.Serial() != "SIM0002" {
		t.Fatalf("tester = %d/%q", tst.ID(), tst.Serial())
	}
	assertDefault(t, f)
	if mode, _ := f.Device.Ports[ftdi.InterfaceD].Mode(); mode != ftdi.BitModeReset {
		t.Errorf("interface D mode = %#x, want plain UART", mode)
	}
	if mode, _ := f.Device.Ports[ftdi.InterfaceC].Mode(); mode != ftdi.BitModeBitbang {
		t.Errorf("interface C mode = %#x, want bit-bang", mode)
	}
}

func TestConnectNotFound(t *testing.T) {
	devs := []*ftdi.SimDevice{
		ftdi.NewSimDevice("A", 0),
		ftdi.NewSimDevice("B", 3),
		ftdi.NewSimDevice("C", 0xFF),
	}
	enum := func(context.Context, *slog.Logger) ([]ftdi.Device, error) {
		out := make([]ftdi.Device, len(devs))
		for i, d := range devs {
			out[i] = d
		}
		return out, nil
	}

	_, err := Connect(context.Background(), 1, WithEnumerator(enum))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Connect() error = %v, want ErrNotFound", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Connect() error %T is not a NotFoundError", err)
	}
	if diff := cmp.Diff([]int{0, 3}, nf.Candidates); diff != "" {
		t.Errorf("candidates (-want +got):\n%s", diff)
	}
	for _, d := range devs {
		if _, err := d.ChipType(); err == nil {
			t.Errorf("device %s left open", d.Serial())
		}
	}
}

func TestConnectPicksFirstMatch(t *testing.T) {
	other := ftdi.NewSimDevice("OTHER", 0)
	f := NewSimFixture(1, spiflash.NewSimChip(4096, testChipID))
	late := ftdi.NewSimDevice("LATE", 1)
	enum := func(context.Context, *slog.Logger) ([]ftdi.Device, error) {
		f.Device.Reopen()
		return []ftdi.Device{other, f.Device, late}, nil
	}
	tst, err := Connect(context.Background(), 1, WithEnumerator(enum))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tst.Close()
	if tst.Serial() != f.Device.Serial() {
		t.Errorf("Serial() = %q, want %q", tst.Serial(), f.Device.Serial())
	}
	if _, err := late.ChipType(); err == nil {
		t.Error("second matching device left open")
	}
}

func TestPresenceAndSupply(t *testing.T) {
	tst, f := connectSim(t, 0)
	tests := []struct {
		present, good bool
	}{
		{true, true},
		{false, true},
		{true, false},
	}
	for _, tt := range tests {
		f.SetBoardPresent(tt.present)
		f.SetPowerGood(tt.good)
		present, err := tst.BoardPresent()
		if err != nil {
			t.Fatalf("BoardPresent() error = %v", err)
		}
		good, err := tst.PowerSupplyOK()
		if err != nil {
			t.Fatalf("PowerSupplyOK() error = %v", err)
		}
		if present != tt.present || good != tt.good {
			t.Errorf("present/good = %v/%v, want %v/%v", present, good, tt.present, tt.good)
		}
	}
}

func TestPowerAndReset(t *testing.T) {
	tst, f := connectSim(t, 0)
	if err := tst.Power(true); err != nil {
		t.Fatalf("Power(true) error = %v", err)
	}
	if gpioPins(f)&PinPower == 0 || !tst.Powered() {
		t.Error("power pin low after Power(true)")
	}
	if err := tst.ResetBoard(false); err != nil {
		t.Fatalf("ResetBoard(false) error = %v", err)
	}
	if val, _ := f.Engine().Low(); val&PinReset == 0 || tst.InReset() {
		t.Error("reset still asserted")
	}
	if err := tst.SetBootMode(BootUART); !errors.Is(err, ErrBoardRunning) {
		t.Errorf("SetBootMode on running board error = %v, want ErrBoardRunning", err)
	}
	if err := tst.ResetBoard(true); err != nil {
		t.Fatalf("ResetBoard(true) error = %v", err)
	}
	if err := tst.SetBootMode(BootUART); err != nil {
		t.Fatalf("SetBootMode in reset error = %v", err)
	}
	if tst.BootMode() != BootUART {
		t.Errorf("BootMode() = %s, want uart", tst.BootMode())
	}
	if err := tst.Default(); err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	assertDefault(t, f)
}

func TestSelfTest(t *testing.T) {
	tst, f := connectSim(t, 0)
	if err := tst.SelfTest(); err != nil {
		t.Fatalf("SelfTest() error = %v", err)
	}
	if f.Engine().Loopback() {
		t.Error("loopback left on")
	}
}

func TestSPIFlashSession(t *testing.T) {
	tst, f := connectSim(t, 0)
	data := bytes.Repeat([]byte{0x42}, 300)

	err := tst.SPIFlash(func(fl *spiflash.Flash) error {
		val, dir := f.Engine().Low()
		if val&PinSPIEnable == 0 || val&PinBootMode == 0 || val&PinReset != 0 {
			t.Errorf("session pins = %#02x, want drivers on, UART boot, reset asserted", val)
		}
		if dir&spiPins != spiPins {
			t.Errorf("SPI pins not driven in session, direction %#02x", dir)
		}
		if gpioPins(f)&PinPower == 0 {
			t.Error("board unpowered in session")
		}
		id, err := fl.JEDECID()
		if err != nil {
			return err
		}
		if id != testChipID {
			t.Errorf("JEDECID() = %s, want %s", id, testChipID)
		}
		return fl.Write(context.Background(), 0x2000, data, nil)
	})
	if err != nil {
		t.Fatalf("SPIFlash() error = %v", err)
	}
	if got := f.Chip.Memory()[0x2000 : 0x2000+len(data)]; !bytes.Equal(got, data) {
		t.Error("flash content differs after session")
	}
	assertDefault(t, f)
}

func TestSPIFlashSessionRestoresOnError(t *testing.T) {
	tst, f := connectSim(t, 0)
	boom := errors.New("boom")
	err := tst.SPIFlash(func(*spiflash.Flash) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("SPIFlash() error = %v, want boom", err)
	}
	assertDefault(t, f)
}

func TestResetReconnects(t *testing.T) {
	tst, f := connectSim(t, 1)
	oldB := f.Device.Ports[ftdi.InterfaceB]
	if err := tst.Power(true); err != nil {
		t.Fatalf("Power() error = %v", err)
	}

	if err := tst.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if f.Device.Resets() != 1 {
		t.Errorf("USB resets = %d, want 1", f.Device.Resets())
	}
	if !oldB.Closed() {
		t.Error("old interface B port still open")
	}
	if f.Device.Ports[ftdi.InterfaceB] == oldB {
		t.Error("interface B not reopened")
	}
	assertDefault(t, f)
	if err := tst.SelfTest(); err != nil {
		t.Errorf("SelfTest() after reset error = %v", err)
	}
}

func TestConsole(t *testing.T) {
	tst, f := connectSim(t, 0)
	var typed []byte
	f.SetBoard(func(written []byte) []byte {
		typed = append(typed, written...)
		if bytes.HasSuffix(typed, []byte("version\n")) {
			return []byte("U-Boot 2024.01-fx\n=> ")
		}
		return nil
	})

	c := tst.Console()
	if c != tst.Console() {
		t.Fatal("Console() returned a new session")
	}
	f.Print("DRAM: 512 MiB\n")
	if _, err := c.Expect(context.Background(), 2*time.Second, regexp.MustCompile(`DRAM:\s+(\d+) MiB`)); err != nil {
		t.Fatalf("Expect(DRAM) error = %v", err)
	}
	if err := c.SendLine("version"); err != nil {
		t.Fatalf("SendLine() error = %v", err)
	}
	m, err := c.Expect(context.Background(), 2*time.Second, regexp.MustCompile(`U-Boot (\S+)`))
	if err != nil {
		t.Fatalf("Expect(version) error = %v", err)
	}
	if m.Group(1) != "2024.01-fx" {
		t.Errorf("version = %q", m.Group(1))
	}
}

func TestClosedTester(t *testing.T) {
	tst, f := connectSim(t, 0)
	if err := tst.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tst.Power(true); !errors.Is(err, ErrClosed) {
		t.Errorf("Power() after Close error = %v, want ErrClosed", err)
	}
	for i, p := range f.Device.Ports {
		if p != nil && !p.Closed() {
			t.Errorf("interface %s still open", ftdi.Interface(i))
		}
	}
	if err := tst.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
