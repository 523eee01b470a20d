// Package config loads the station configuration.
//
// Config is stored at $XDG_CONFIG_HOME/fixture/config.yaml (defaults to
// ~/.config/fixture/config.yaml). A missing file yields the defaults, and
// every field left out of the file keeps its default value.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/layout"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/otp"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/steps"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/tester"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/workflow"
)

// Series is a serial number series marker. It is written as a number or a
// string, usually in hex ("0x0A0B0C0D").
type Series uint32

// UnmarshalYAML accepts any integer literal strconv understands.
func (s *Series) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: series marker must be a scalar", n.Line)
	}
	v, err := strconv.ParseUint(n.Value, 0, 32)
	if err != nil {
		return fmt.Errorf("line %d: series marker %q: %w", n.Line, n.Value, err)
	}
	*s = Series(v)
	return nil
}

// MarshalYAML writes the marker in hex.
func (s Series) MarshalYAML() (any, error) {
	return fmt.Sprintf("0x%08X", uint32(s)), nil
}

// Board is one entry of the board table.
type Board struct {
	Code    uint8    `yaml:"code"`
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	Steps   []string `yaml:"steps"`
}

// Flash configures SPI flash programming.
type Flash struct {
	Layout      string        `yaml:"layout,omitempty"`
	ImageDir    string        `yaml:"image_dir,omitempty"`
	BusyTimeout time.Duration `yaml:"busy_timeout,omitempty"`
}

// Console configures booting over the board UART.
type Console struct {
	PowerSettle    time.Duration `yaml:"power_settle"`
	BootTimeout    time.Duration `yaml:"boot_timeout"`
	PromptTimeout  time.Duration `yaml:"prompt_timeout"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	BootROMMarker  string        `yaml:"boot_rom_marker"`
	BootMarker     string        `yaml:"boot_marker"`
	AutobootMarker string        `yaml:"autoboot_marker"`
	Prompt         string        `yaml:"prompt"`
	KernelBanner   string        `yaml:"kernel_banner"`
}

// Imager configures the external OTP imager.
type Imager struct {
	Path          string        `yaml:"path,omitempty"`
	Prefix        []string      `yaml:"prefix,omitempty"`
	Baud          int           `yaml:"baud"`
	OTPHash       string        `yaml:"otp_hash,omitempty"`
	MACOUI        string        `yaml:"mac_oui"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
	MarkerTimeout time.Duration `yaml:"marker_timeout"`
}

// Network configures the network steps run from the boot loader.
type Network struct {
	TFTPServer    string        `yaml:"tftp_server,omitempty"`
	TFTPFile      string        `yaml:"tftp_file,omitempty"`
	LoadAddr      string        `yaml:"load_addr"`
	DHCPAttempts  int           `yaml:"dhcp_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// Workstation lists the station check steps.
type Workstation struct {
	Steps []string `yaml:"steps"`
}

// Config is the station configuration.
type Config struct {
	Tester      int         `yaml:"tester"`
	Database    string      `yaml:"database"`
	Series      []Series    `yaml:"series"`
	Boards      []Board     `yaml:"boards"`
	Workstation Workstation `yaml:"workstation"`
	Flash       Flash       `yaml:"flash"`
	Console     Console     `yaml:"console"`
	Imager      Imager      `yaml:"imager"`
	Network     Network     `yaml:"network"`
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/fixture/config.yaml.
func Path() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "fixture", "config.yaml")
}

// DefaultDatabase returns the default run database location under
// XDG_DATA_HOME.
func DefaultDatabase() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "fixture", "runs.db")
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, fallback)
}

// Default returns the built-in configuration. It has no board table.
func Default() *Config {
	s := steps.DefaultSettings()
	return &Config{
		Database: DefaultDatabase(),
		Workstation: Workstation{
			Steps: []string{"ws-tester", "ws-loopback", "ws-imager", "ws-images"},
		},
		Console: Console{
			PowerSettle:    s.PowerSettle,
			BootTimeout:    s.BootTimeout,
			PromptTimeout:  s.PromptTimeout,
			CommandTimeout: s.CommandTimeout,
			BootROMMarker:  s.BootROMMarker,
			BootMarker:     s.BootMarker,
			AutobootMarker: s.AutobootMarker,
			Prompt:         s.Prompt,
			KernelBanner:   s.KernelBanner,
		},
		Imager: Imager{
			Baud:          115200,
			MACOUI:        "00:00:00",
			UploadTimeout: s.OTPTimeouts.Upload,
			MarkerTimeout: s.OTPTimeouts.Marker,
		},
		Network: Network{
			LoadAddr:      s.TFTP.LoadAddr,
			DHCPAttempts:  s.DHCPAttempts,
			RetryInterval: s.RetryInterval,
		},
	}
}

// Load reads the config file at path, or at Path() when path is empty. If
// the file does not exist, Default() is returned (not an error). Unknown
// keys are rejected.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to path, creating directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate reports every problem in the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Tester < 0 || c.Tester > tester.MaxID {
		errs = append(errs, fmt.Errorf("tester: id %d out of range 0..%d", c.Tester, tester.MaxID))
	}

	seen := make(map[uint8]string)
	for i, b := range c.Boards {
		if b.Name == "" {
			errs = append(errs, fmt.Errorf("boards[%d]: missing name", i))
		}
		if prev, dup := seen[b.Code]; dup {
			errs = append(errs, fmt.Errorf("boards[%d]: code 0x%02X already used by %s", i, b.Code, prev))
		}
		seen[b.Code] = b.Name
		errs = append(errs, checkKinds(fmt.Sprintf("boards[%d]", i), b.Steps)...)
	}
	errs = append(errs, checkKinds("workstation", c.Workstation.Steps)...)

	if _, err := otp.ParseOUI(c.Imager.MACOUI); err != nil {
		errs = append(errs, fmt.Errorf("imager.mac_oui: %w", err))
	}
	if c.Flash.Layout != "" {
		if _, err := layout.Parse(c.Flash.Layout); err != nil {
			errs = append(errs, fmt.Errorf("flash.layout: %w", err))
		}
	}
	if _, err := c.settings().Patterns(); err != nil {
		errs = append(errs, fmt.Errorf("console: %w", err))
	}
	return errors.Join(errs...)
}

func checkKinds(where string, kinds []string) []error {
	var errs []error
	for _, k := range kinds {
		if _, ok := steps.Lookup(k); !ok {
			errs = append(errs, fmt.Errorf("%s: unknown step kind %q", where, k))
		}
	}
	return errs
}

func (c *Config) settings() steps.Settings {
	s := steps.Settings{
		Layout:         c.Flash.Layout,
		ImageDir:       c.Flash.ImageDir,
		BusyTimeout:    c.Flash.BusyTimeout,
		PowerSettle:    c.Console.PowerSettle,
		BootTimeout:    c.Console.BootTimeout,
		PromptTimeout:  c.Console.PromptTimeout,
		CommandTimeout: c.Console.CommandTimeout,
		BootROMMarker:  c.Console.BootROMMarker,
		BootMarker:     c.Console.BootMarker,
		AutobootMarker: c.Console.AutobootMarker,
		Prompt:         c.Console.Prompt,
		KernelBanner:   c.Console.KernelBanner,
		OTPHash:        c.Imager.OTPHash,
		OTPTimeouts:    otp.Timeouts{Upload: c.Imager.UploadTimeout, Marker: c.Imager.MarkerTimeout},
		TFTP: steps.TFTP{
			Server:   c.Network.TFTPServer,
			File:     c.Network.TFTPFile,
			LoadAddr: c.Network.LoadAddr,
		},
		DHCPAttempts:  c.Network.DHCPAttempts,
		RetryInterval: c.Network.RetryInterval,
	}
	s.MACOUI, _ = otp.ParseOUI(c.Imager.MACOUI)
	return s
}

// Settings returns the step settings.
func (c *Config) Settings() (steps.Settings, error) {
	oui, err := otp.ParseOUI(c.Imager.MACOUI)
	if err != nil {
		return steps.Settings{}, err
	}
	s := c.settings()
	s.MACOUI = oui
	return s, nil
}

// OTPImager returns the imager, or nil when no path is configured.
func (c *Config) OTPImager(logger *slog.Logger) *otp.Imager {
	if c.Imager.Path == "" {
		return nil
	}
	return &otp.Imager{Path: c.Imager.Path, Prefix: c.Imager.Prefix, Logger: logger}
}

// BoardTable builds the workflow board table. Each board gets its own copy
// of env.
func (c *Config) BoardTable(env *steps.Env) (workflow.BoardTable, error) {
	t := workflow.BoardTable{Boards: make(map[byte]workflow.Sequence)}
	for _, s := range c.Series {
		t.Series = append(t.Series, uint32(s))
	}
	for _, b := range c.Boards {
		benv := env.ForBoard(steps.Board{Code: b.Code, Name: b.Name, Version: b.Version})
		seq, err := benv.Sequence(b.Name, b.Steps, false)
		if err != nil {
			return workflow.BoardTable{}, err
		}
		t.Boards[b.Code] = seq
	}
	return t, nil
}

// WorkstationSerial is the serial number the workstation sequence runs
// under.
const WorkstationSerial workflow.SerialNumber = 0

// WorkstationTable builds a table holding only the workstation sequence,
// reachable through WorkstationSerial. Its steps continue on failure.
func (c *Config) WorkstationTable(env *steps.Env) (workflow.BoardTable, error) {
	benv := env.ForBoard(steps.Board{Name: "workstation"})
	seq, err := benv.Sequence("workstation", c.Workstation.Steps, true)
	if err != nil {
		return workflow.BoardTable{}, err
	}
	return workflow.BoardTable{
		Series: []uint32{WorkstationSerial.Series()},
		Boards: map[byte]workflow.Sequence{WorkstationSerial.BoardType(): seq},
	}, nil
}
