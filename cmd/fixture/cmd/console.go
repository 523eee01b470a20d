package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/tester"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/uart"
)

var (
	ttyPath      string
	consolePower bool
	consoleBoot  string
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Attach to the board console",
	Long: `Pass the board UART through to this terminal. Console lines are also
logged at debug level with -v. Press Ctrl-D or Ctrl-C to detach.

With --tty the console of a board on a plain USB serial adapter is used and
no fixture is needed.

Examples:
  fixture console --power
  fixture console --power --boot uart
  fixture console --tty /dev/ttyUSB0`,
	Args: cobra.NoArgs,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().StringVar(&ttyPath, "tty", "", "use a kernel serial device instead of the fixture")
	consoleCmd.Flags().BoolVar(&consolePower, "power", false, "power the board and release reset")
	consoleCmd.Flags().StringVar(&consoleBoot, "boot", "spi", "boot mode with --power (spi, uart)")
}

func runConsole(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	var bridge *uart.Bridge
	if ttyPath != "" {
		b, err := uart.OpenTTY(ttyPath, "console", newLogger(cmd.ErrOrStderr()))
		if err != nil {
			return err
		}
		defer b.Close()
		bridge = b
	} else {
		st, err := connect(ctx, cmd)
		if err != nil {
			return err
		}
		defer st.Close()
		bridge = st.tester.UART()
		if consolePower {
			// Claim the console first so the boot output is not lost.
			bridge.File()
			if err := powerUp(cmd.ErrOrStderr(), st.tester, consoleBoot); err != nil {
				return err
			}
			defer restoreDefault(cmd, st.tester)
		}
	}

	f := bridge.File()
	go io.Copy(cmd.OutOrStdout(), f)
	stdinDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(f, cmd.InOrStdin())
		stdinDone <- err
	}()

	select {
	case <-ctx.Done():
	case err := <-stdinDone:
		if err != nil {
			return err
		}
	case <-bridge.Done():
		return bridge.Err()
	}
	return nil
}

func parseBootMode(s string) (tester.BootMode, error) {
	switch s {
	case "spi":
		return tester.BootSPI, nil
	case "uart":
		return tester.BootUART, nil
	default:
		return 0, fmt.Errorf("unknown boot mode %q (want spi or uart)", s)
	}
}

// powerUp brings the board out of reset in the given boot mode.
// restoreDefault leaves the board unpowered and reports when that fails.
func restoreDefault(cmd *cobra.Command, t *tester.Tester) {
	if err := t.Default(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), warnMsg("board may still be powered: %v", err))
	}
}

func powerUp(w io.Writer, t *tester.Tester, mode string) error {
	m, err := parseBootMode(mode)
	if err != nil {
		return err
	}
	if err := t.Default(); err != nil {
		return err
	}
	if err := t.SetBootMode(m); err != nil {
		return err
	}
	if err := t.Power(true); err != nil {
		return err
	}
	if err := t.ResetBoard(false); err != nil {
		return err
	}
	fmt.Fprintln(w, infoMsg("board powered, %s boot", m))
	return nil
}
