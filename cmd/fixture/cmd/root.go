package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/config"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/ftdi"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/tester"
)

var (
	// Global flags
	configPath string
	testerID   int
	simulate   bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "fixture",
	Short: "Factory test fixture for router boards",
	Long: `Drive the FT4232H based production test fixture: program SPI flash,
burn OTP through the vendor imager, boot the board over its console and
record every run.

Examples:
  fixture testers                              # List attached fixtures
  fixture selftest --workstation               # Check the test station
  fixture flash id --sim                       # Read the JEDEC id of a simulated board
  fixture run 0A0B0C0D01000042                 # Test one board`,
	Version:       "0.3.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorMsg("%v", err))
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default "+config.Path()+")")
	pf.IntVarP(&testerID, "tester", "t", -1, "fixture id (default from config)")
	pf.BoolVar(&simulate, "sim", false, "use a simulated fixture and board")
	pf.BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// station is everything a command needs: configuration, logger and the
// connected fixture.
type station struct {
	cfg    *config.Config
	logger *slog.Logger
	tester *tester.Tester
	sim    *tester.SimFixture
}

func (s *station) Close() error {
	if s.tester == nil {
		return nil
	}
	return s.tester.Close()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if testerID >= 0 {
		cfg.Tester = testerID
	}
	return cfg, nil
}

// enumerator returns the device source for --sim or real hardware.
func enumerator(id int) (tester.Enumerator, *tester.SimFixture) {
	if simulate {
		f := newSimStation(id)
		return f.Enumerator(), f
	}
	return ftdi.Enumerate, nil
}

func connect(ctx context.Context, cmd *cobra.Command) (*station, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr())
	enum, sim := enumerator(cfg.Tester)
	t, err := tester.Connect(ctx, cfg.Tester,
		tester.WithEnumerator(enum),
		tester.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to fixture %d: %w", cfg.Tester, err)
	}
	return &station{cfg: cfg, logger: logger, tester: t, sim: sim}, nil
}
