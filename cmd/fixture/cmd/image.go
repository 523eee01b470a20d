package cmd

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/expect"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/otp"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/steps"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/tester"
)

var imageCmd = &cobra.Command{
	Use:   "image <file>",
	Short: "Boot a raw image over the UART with the imager",
	Long: `Power the board in UART boot mode, wait for the boot ROM and hand the
console to the OTP imager to upload a raw image, e.g. a recovery U-Boot.
The imager output is printed until it exits.

Example:
  fixture image u-boot-recovery.bin`,
	Args: cobra.ExactArgs(1),
	RunE: runImage,
}

func init() {
	rootCmd.AddCommand(imageCmd)
}

var anyLine = regexp.MustCompile(`[^\r\n]*\r?\n`)

func runImage(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	st, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()
	imager := st.cfg.OTPImager(st.logger)
	if imager == nil {
		return errors.New("no imager configured (imager.path)")
	}
	settings, err := st.cfg.Settings()
	if err != nil {
		return err
	}
	marker, err := regexp.Compile(settings.BootROMMarker)
	if err != nil {
		return err
	}

	boot := steps.UARTBoot{Tester: st.tester, Settings: settings}
	defer restoreDefault(cmd, st.tester)
	c, err := boot.PowerUp(ctx, tester.BootUART)
	if err != nil {
		return err
	}
	if _, err := c.Expect(ctx, settings.PromptTimeout, marker); err != nil {
		return fmt.Errorf("%w: %w", steps.ErrNoBootPrompt, err)
	}

	lease, err := st.tester.UART().Lease()
	if err != nil {
		return err
	}
	defer lease.Close()
	sess, err := imager.Run(ctx, lease.File(), otp.ImageArgs(args[0], st.cfg.Imager.Baud)...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for {
		m, err := sess.Console().Expect(ctx, 0, anyLine)
		if errors.Is(err, expect.ErrEndOfStream) {
			break
		}
		if err != nil {
			sess.Stop()
			return err
		}
		fmt.Fprint(out, m.Before+m.Group(0))
	}
	code, err := sess.Stop()
	if err != nil {
		return err
	}
	if code != 0 {
		return &otp.FailedError{Reason: "imager exited with an error", ExitCode: code}
	}
	fmt.Fprintln(out, successMsg("image uploaded"))
	return nil
}
