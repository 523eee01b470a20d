package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/ftdi"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/steps"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/store"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/workflow"
)

var (
	dbPath    string
	noRecords bool
)

var runCmd = &cobra.Command{
	Use:   "run <serial>",
	Short: "Run the test workflow for one board",
	Long: `Look up the board type from the serial number, run its step sequence and
record the run in the database.

A run that fails on a transient error, such as a DHCP timeout, or with an
unstable step should be re-run. When the fixture stops responding it is
reset before the command exits.

Examples:
  fixture run 0A0B0C0D01000042
  fixture run --sim --db /tmp/runs.db 0A0B0C0D01000042`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&dbPath, "db", "", "run database (default from config)")
	runCmd.Flags().BoolVar(&noRecords, "no-db", false, "do not record the run")
}

// env builds the step environment for this station.
func (s *station) env(records steps.OTPRecords) (*steps.Env, error) {
	settings, err := s.cfg.Settings()
	if err != nil {
		return nil, err
	}
	return &steps.Env{
		Tester:   s.tester,
		Logger:   s.logger,
		Settings: settings,
		Imager:   s.cfg.OTPImager(s.logger),
		Records:  records,
	}, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	serial, err := workflow.ParseSerial(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd)
	defer cancel()

	st, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()
	out := cmd.OutOrStdout()

	var (
		db   *store.Store
		opts = []workflow.Option{workflow.WithLogger(st.logger)}
	)
	if !noRecords {
		path := dbPath
		if path == "" {
			path = st.cfg.Database
		}
		if db, err = store.Open(path); err != nil {
			return err
		}
		defer db.Close()
	}

	var records steps.OTPRecords
	if db != nil {
		records = db
	}
	env, err := st.env(records)
	if err != nil {
		return err
	}
	table, err := st.cfg.BoardTable(env)
	if err != nil {
		return err
	}
	seq, err := table.Lookup(serial)
	if err != nil {
		return err
	}
	st.tester.SetBoard(serial.String())

	if db != nil {
		rec, err := db.Begin(ctx, serial, seq.Name, st.tester.ID())
		if err != nil {
			return err
		}
		opts = append(opts, workflow.WithSink(rec))
	}
	wf, err := workflow.New(table, serial, opts...)
	if err != nil {
		return err
	}

	fmt.Fprintln(out, boldStyle.Render(fmt.Sprintf("%s  %s  (%d steps)", serial, seq.Name, len(wf.Steps()))))
	res := follow(ctx, out, wf)
	fmt.Fprintln(out, resultTable(res))
	fmt.Fprintln(out, verdict(res))

	if res.Err != nil && errors.Is(res.Err, ftdi.ErrCommunication) {
		fmt.Fprintln(out, warnMsg("fixture stopped responding, resetting it"))
		if err := recoverTester(ctx, st); err != nil {
			return fmt.Errorf("fixture reset failed, reconnect it: %w", err)
		}
		fmt.Fprintln(out, infoMsg("fixture reset, run the board again"))
	}

	switch {
	case res.Passed():
		return nil
	case res.Transient, res.NeedsRerun:
		return fmt.Errorf("board %s needs a rerun", serial)
	default:
		return fmt.Errorf("board %s failed", serial)
	}
}

// recoverTester resets the fixture with bounded backoff.
func recoverTester(ctx context.Context, st *station) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
	), 4), ctx)
	return backoff.RetryNotify(func() error {
		return st.tester.Reset(ctx)
	}, b, func(err error, next time.Duration) {
		st.logger.Warn("fixture reset failed", "err", err, "retry_in", next)
	})
}

// follow runs wf and prints its events as they arrive.
func follow(ctx context.Context, out io.Writer, wf *workflow.Workflow) workflow.Result {
	exec := wf.Start(ctx)
	lastBar := make(map[int]int)
	for ev := range exec.Events() {
		switch ev.Kind {
		case workflow.EventStepStarted:
			fmt.Fprintln(out, infoMsg("%s", ev.StepName))
		case workflow.EventStepProgress:
			// Only redraw in 10 % increments.
			tenth := int(ev.Progress * 10)
			if tenth > lastBar[ev.Index] {
				lastBar[ev.Index] = tenth
				fmt.Fprintf(out, "  %s %3.0f%%\n", progressBar(ev.Progress, 30), ev.Progress*100)
			}
		case workflow.EventDiscovery:
			d := ev.Discovery
			switch {
			case d.FirmwareVersion != "":
				fmt.Fprintln(out, mutedStyle.Render("  firmware "+d.FirmwareVersion))
			case d.PublicKey != "":
				fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("  %d MiB RAM, key %s", d.RAMSize, d.PublicKey)))
			}
		case workflow.EventStepFinished:
			fmt.Fprintf(out, "  %s %s\n", statusMark(ev.Status), ev.Message)
		}
	}
	return exec.Wait()
}

var historyCmd = &cobra.Command{
	Use:   "history <serial>",
	Short: "Show the recorded runs of a board",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&dbPath, "db", "", "run database (default from config)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	serial, err := workflow.ParseSerial(args[0])
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := dbPath
	if path == "" {
		path = cfg.Database
	}
	db, err := store.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.History(cmd.Context(), serial)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintf(out, "No runs recorded for %s.\n", serial)
		return nil
	}
	rec, ok, err := db.LookupOTP(cmd.Context(), serial)
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintln(out, infoMsg("OTP: %d MiB RAM, key %s", rec.RAMSize, rec.PublicKey))
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		result := errorStyle.Render("fail")
		switch {
		case r.State == "":
			result = mutedStyle.Render("unfinished")
		case r.Passed:
			result = successStyle.Render("pass")
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", r.ID),
			r.StartedAt.Local().Format(time.DateTime),
			r.Board,
			result,
			r.Error,
		})
	}
	fmt.Fprintln(out, renderTable([]string{"Run", "Started", "Board", "Result", "Error"}, rows))
	return nil
}
