package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/config"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/workflow"
)

var workstation bool

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Check the fixture or the whole test station",
	Long: `Run the MPSSE loopback self-test of the fixture. With --workstation, run
the workstation sequence instead: fixture connection, loopback, OTP imager
and flash images. The workstation sequence reports every check even when an
earlier one fails.

Examples:
  fixture selftest
  fixture selftest --workstation --sim`,
	Args: cobra.NoArgs,
	RunE: runSelftest,
}

func init() {
	rootCmd.AddCommand(selftestCmd)
	selftestCmd.Flags().BoolVar(&workstation, "workstation", false, "run the workstation sequence")
}

func runSelftest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	st, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()
	out := cmd.OutOrStdout()

	if !workstation {
		if err := st.tester.SelfTest(); err != nil {
			return err
		}
		fmt.Fprintln(out, successMsg("fixture %d (%s) loopback ok", st.tester.ID(), st.tester.Serial()))
		return nil
	}

	env, err := st.env(nil)
	if err != nil {
		return err
	}
	table, err := st.cfg.WorkstationTable(env)
	if err != nil {
		return err
	}
	wf, err := workflow.New(table, config.WorkstationSerial, workflow.WithLogger(st.logger))
	if err != nil {
		return err
	}
	res := follow(ctx, out, wf)
	fmt.Fprintln(out, resultTable(res))
	if !res.Passed() {
		return errors.New("workstation check failed")
	}
	fmt.Fprintln(out, successMsg("workstation ready"))
	return nil
}
