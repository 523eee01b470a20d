package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/tester"
)

var testersCmd = &cobra.Command{
	Use:   "testers",
	Short: "List attached fixtures",
	Long: `Scan the USB bus for FT4232H devices and print their serial number and the
fixture id stored in the EEPROM chip type byte. Use this to check which
fixture --tester selects.`,
	Args: cobra.NoArgs,
	RunE: runTesters,
}

func init() {
	rootCmd.AddCommand(testersCmd)
}

func runTesters(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	logger := newLogger(cmd.ErrOrStderr())
	id := max(testerID, 0)
	enum, _ := enumerator(id)
	devs, err := enum(ctx, logger)
	if err != nil {
		return fmt.Errorf("enumerate fixtures: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(devs) == 0 {
		fmt.Fprintln(out, "No fixtures found.")
		return nil
	}

	rows := make([][]string, 0, len(devs))
	for _, d := range devs {
		row := []string{d.Serial(), "", ""}
		typ, err := d.ChipType()
		switch {
		case err != nil:
			row[2] = errorStyle.Render(err.Error())
		case int(typ) > tester.MaxID:
			row[1] = fmt.Sprintf("0x%02X", typ)
			row[2] = warnStyle.Render("not a fixture")
		default:
			row[1] = strconv.Itoa(int(typ))
			row[2] = successStyle.Render("ok")
		}
		rows = append(rows, row)
		d.Close()
	}
	fmt.Fprintln(out, renderTable([]string{"Serial", "Fixture", "State"}, rows))
	return nil
}
