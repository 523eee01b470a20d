package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/steps"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/workflow"
)

const sample = `
tester: 2
series: [0x0A0B0C0D, "0x46495854"]
boards:
  - code: 0x01
    name: router
    version: "1.2"
    steps: [selftest, presence, spi-flash, otp, uboot, dhcp, tftp-boot]
  - code: 0x02
    name: bare
    steps: []
flash:
  layout: "spl.bin@0x0, uboot.itb@0x40000"
  image_dir: /srv/images
  busy_timeout: 10s
console:
  boot_timeout: 45s
imager:
  path: /usr/bin/imager
  mac_oui: "d8:58:d7"
network:
  tftp_server: 10.0.0.1
  tftp_file: router.itb
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got, want := Path(), "/tmp/xdg/fixture/config.yaml"; got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/tmp/data")
	cfg, err := Load(filepath.Join(t.TempDir(), "none.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("Load() of missing file (-want +got):\n%s", diff)
	}
	if cfg.Database != "/tmp/data/fixture/runs.db" {
		t.Errorf("Database = %q", cfg.Database)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("Load() of empty file (-want +got):\n%s", diff)
	}
}

func TestLoadSample(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tester != 2 {
		t.Errorf("Tester = %d, want 2", cfg.Tester)
	}
	if diff := cmp.Diff([]Series{0x0A0B0C0D, 0x46495854}, cfg.Series); diff != "" {
		t.Errorf("Series (-want +got):\n%s", diff)
	}
	if cfg.Console.BootTimeout != 45*time.Second {
		t.Errorf("BootTimeout = %v, want 45s", cfg.Console.BootTimeout)
	}
	// Keys left out keep their defaults.
	if cfg.Console.PromptTimeout != Default().Console.PromptTimeout {
		t.Errorf("PromptTimeout = %v, want default", cfg.Console.PromptTimeout)
	}
	if diff := cmp.Diff(Default().Workstation, cfg.Workstation); diff != "" {
		t.Errorf("Workstation (-want +got):\n%s", diff)
	}

	s, err := cfg.Settings()
	if err != nil {
		t.Fatalf("Settings() error = %v", err)
	}
	if s.MACOUI != [3]byte{0xD8, 0x58, 0xD7} {
		t.Errorf("MACOUI = % X", s.MACOUI)
	}
	if s.TFTP.LoadCommand() != "tftpboot ${loadaddr} router.itb" {
		t.Errorf("LoadCommand() = %q", s.TFTP.LoadCommand())
	}
	if s.BusyTimeout != 10*time.Second {
		t.Errorf("BusyTimeout = %v", s.BusyTimeout)
	}
	if im := cfg.OTPImager(nil); im == nil || im.Path != "/usr/bin/imager" {
		t.Errorf("OTPImager() = %+v", im)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "unknown key", content: "testr: 1\n", want: "field testr not found"},
		{name: "duplicate code", content: `
boards:
  - {code: 1, name: a, steps: []}
  - {code: 1, name: b, steps: []}
`, want: "already used by a"},
		{name: "unknown kind", content: `
boards:
  - {code: 1, name: a, steps: [selftest, reflash]}
`, want: `unknown step kind "reflash"`},
		{name: "bad series", content: "series: [0x1FFFFFFFF]\n", want: "series marker"},
		{name: "tester id", content: "tester: 9\n", want: "out of range"},
		{name: "bad oui", content: "imager: {mac_oui: xyz}\n", want: "mac_oui"},
		{name: "bad pattern", content: "console: {boot_marker: \"(\"}\n", want: "boot_marker"},
		{name: "bad layout", content: "flash: {layout: \"a.bin\"}\n", want: "flash.layout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() error = nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() after Save() error = %v", err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestBoardTable(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	env := &steps.Env{}
	table, err := cfg.BoardTable(env)
	if err != nil {
		t.Fatalf("BoardTable() error = %v", err)
	}

	serial := workflow.SerialNumber(0x0A0B0C0D01000007)
	seq, err := table.Lookup(serial)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if seq.Name != "router" || len(seq.Steps) != 7 || seq.ContinueOnFailure {
		t.Errorf("router sequence = %s with %d steps, continue=%v", seq.Name, len(seq.Steps), seq.ContinueOnFailure)
	}
	var ids []string
	for _, f := range seq.Steps {
		ids = append(ids, f(serial).ID())
	}
	if diff := cmp.Diff(cfg.Boards[0].Steps, ids); diff != "" {
		t.Errorf("step ids (-want +got):\n%s", diff)
	}

	bare, err := table.Lookup(0x4649585402000001)
	if err != nil {
		t.Fatalf("Lookup(bare) error = %v", err)
	}
	if len(bare.Steps) != 0 {
		t.Errorf("bare board has %d steps", len(bare.Steps))
	}
	if _, err := table.Lookup(0x0A0B0C0D03000001); err == nil {
		t.Error("Lookup() accepted unknown board type")
	}
}

func TestWorkstationTable(t *testing.T) {
	table, err := Default().WorkstationTable(&steps.Env{})
	if err != nil {
		t.Fatalf("WorkstationTable() error = %v", err)
	}
	seq, err := table.Lookup(WorkstationSerial)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if !seq.ContinueOnFailure || len(seq.Steps) != 4 {
		t.Errorf("workstation sequence: continue=%v steps=%d", seq.ContinueOnFailure, len(seq.Steps))
	}
}
