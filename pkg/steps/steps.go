// Package steps holds the concrete test steps and the registry that maps
// step kind names, as used in the configuration, to constructors.
//
// Every step kind registers itself from an init function. A board's
// sequence is built with Env.Sequence from an ordered list of kind names.
package steps

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/layout"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/otp"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/store"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/tester"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/workflow"
)

// Factory builds one step for a run.
type Factory func(env *Env, serial workflow.SerialNumber) workflow.Step

// Kind is a registered step kind.
type Kind struct {
	Name  string
	Title string
	New   Factory
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Kind{}
)

// Register adds a step kind. It panics on a duplicate name, so it belongs
// in init functions.
func Register(k Kind) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[k.Name]; dup {
		panic(fmt.Sprintf("steps: kind %q registered twice", k.Name))
	}
	registry[k.Name] = k
}

// Lookup returns the kind registered under name.
func Lookup(name string) (Kind, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	k, ok := registry[name]
	return k, ok
}

// Kinds lists the registered kind names, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Settings are the tunables shared by all steps.
type Settings struct {
	// Layout is the flash layout, see package layout. Relative image paths
	// are resolved against ImageDir.
	Layout      string
	ImageDir    string
	BusyTimeout time.Duration

	PowerSettle    time.Duration
	BootTimeout    time.Duration
	PromptTimeout  time.Duration
	CommandTimeout time.Duration

	BootROMMarker  string
	BootMarker     string
	AutobootMarker string
	Prompt         string
	KernelBanner   string

	MACOUI      [3]byte
	OTPHash     string
	OTPTimeouts otp.Timeouts

	TFTP          TFTP
	DHCPAttempts  int
	RetryInterval time.Duration
}

// DefaultSettings returns settings for the U-Boot based router boards.
func DefaultSettings() Settings {
	return Settings{
		PowerSettle:    200 * time.Millisecond,
		BootTimeout:    30 * time.Second,
		PromptTimeout:  10 * time.Second,
		CommandTimeout: 20 * time.Second,
		BootROMMarker:  `(?i)trying uart`,
		BootMarker:     `U-Boot SPL \S+`,
		AutobootMarker: `Hit any key to stop autoboot`,
		Prompt:         `=> `,
		KernelBanner:   `Linux version (\S+)`,
		OTPTimeouts:    otp.DefaultTimeouts,
		TFTP:           TFTP{LoadAddr: "${loadaddr}"},
		DHCPAttempts:   3,
		RetryInterval:  2 * time.Second,
	}
}

// Patterns compiles the console markers. It is how configuration is
// checked before any step runs.
func (s Settings) Patterns() (map[string]*regexp.Regexp, error) {
	out := make(map[string]*regexp.Regexp)
	for name, src := range map[string]string{
		"boot_rom_marker": s.BootROMMarker,
		"boot_marker":     s.BootMarker,
		"autoboot_marker": s.AutobootMarker,
		"prompt":          regexp.QuoteMeta(s.Prompt),
		"kernel_banner":   s.KernelBanner,
	} {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		out[name] = re
	}
	return out, nil
}

// Board describes the board type a sequence belongs to.
type Board struct {
	Code    byte
	Name    string
	Version string
}

// OTPRecords looks up what earlier runs recorded for a board.
type OTPRecords interface {
	LookupOTP(ctx context.Context, serial workflow.SerialNumber) (store.OTPRecord, bool, error)
}

// Env is passed to every step. It is built once per process; ForBoard
// derives the per-board copies.
type Env struct {
	Tester   *tester.Tester
	Logger   *slog.Logger
	Settings Settings
	Board    Board
	Imager   *otp.Imager
	// Records may be nil, in which case OTP results are not compared with
	// earlier runs.
	Records OTPRecords

	images *imageCache
}

type imageCache struct {
	once   sync.Once
	layout *layout.Layout
	err    error
}

// ForBoard returns a copy of env for board b.
func (env *Env) ForBoard(b Board) *Env {
	c := *env
	c.Board = b
	if c.images == nil {
		c.images = &imageCache{}
		env.images = c.images
	}
	return &c
}

func (env *Env) logger() *slog.Logger {
	if env.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return env.Logger
}

// Layout parses the flash layout and loads its images. The result is
// cached for the life of env.
func (env *Env) Layout() (*layout.Layout, error) {
	if env.images == nil {
		env.images = &imageCache{}
	}
	c := env.images
	c.once.Do(func() {
		if env.Settings.Layout == "" {
			c.err = fmt.Errorf("no flash layout configured")
			return
		}
		l, err := layout.Parse(env.Settings.Layout)
		if err != nil {
			c.err = err
			return
		}
		if err := l.Load(env.Settings.ImageDir); err != nil {
			c.err = err
			return
		}
		c.layout = l
	})
	return c.layout, c.err
}

// Sequence builds the sequence called name from kind names.
func (env *Env) Sequence(name string, kinds []string, continueOnFailure bool) (workflow.Sequence, error) {
	seq := workflow.Sequence{Name: name, ContinueOnFailure: continueOnFailure}
	for _, kn := range kinds {
		k, ok := Lookup(kn)
		if !ok {
			return workflow.Sequence{}, fmt.Errorf("sequence %s: unknown step kind %q", name, kn)
		}
		seq.Steps = append(seq.Steps, func(serial workflow.SerialNumber) workflow.Step {
			return k.New(env, serial)
		})
	}
	return seq, nil
}

// funcStep adapts a function to workflow.Step.
type funcStep struct {
	id, name string
	run      func(ctx context.Context, r *workflow.Reporter) (workflow.Outcome, error)
}

func (s *funcStep) ID() string   { return s.id }
func (s *funcStep) Name() string { return s.name }

func (s *funcStep) Run(ctx context.Context, r *workflow.Reporter) (workflow.Outcome, error) {
	return s.run(ctx, r)
}

// register is the common case: a kind whose step is a single function of
// env and serial.
func register(name, title string, run func(ctx context.Context, env *Env, serial workflow.SerialNumber, r *workflow.Reporter) (workflow.Outcome, error)) {
	Register(Kind{Name: name, Title: title, New: func(env *Env, serial workflow.SerialNumber) workflow.Step {
		return &funcStep{id: name, name: title, run: func(ctx context.Context, r *workflow.Reporter) (workflow.Outcome, error) {
			return run(ctx, env, serial, r)
		}}
	}})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
