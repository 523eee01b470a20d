package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/spiflash"
)

var (
	flashOffset uint32
	flashLength int
	flashAll    bool
)

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Direct SPI flash access",
	Long: `Access the board's SPI flash through the fixture. The board is held in
reset with the fixture driving the flash bus for the duration of the command.

Examples:
  fixture flash id
  fixture flash read dump.bin --length 0x100000
  fixture flash write spl.bin --offset 0x0
  fixture flash erase --offset 0x10000 --length 0x10000`,
}

var flashIDCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the JEDEC id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFlash(cmd, func(ctx context.Context, fl *spiflash.Flash, id spiflash.ID) error {
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		})
	},
}

var flashReadCmd = &cobra.Command{
	Use:   "read <file>",
	Short: "Read flash into a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFlash(cmd, func(ctx context.Context, fl *spiflash.Flash, id spiflash.ID) error {
			n := flashLength
			if n <= 0 {
				n = id.Size() - int(flashOffset)
			}
			data, err := fl.Read(ctx, flashOffset, n)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], data, 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), successMsg("read %d bytes from 0x%06X", len(data), flashOffset))
			return nil
		})
	},
}

var flashWriteCmd = &cobra.Command{
	Use:   "write <file>",
	Short: "Program a file and verify it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return withFlash(cmd, func(ctx context.Context, fl *spiflash.Flash, id spiflash.ID) error {
			if end := int(flashOffset) + len(data); end > id.Size() {
				return fmt.Errorf("%s ends at 0x%X, past the end of the %d KiB flash", args[0], end, id.Size()/1024)
			}
			out := cmd.OutOrStdout()
			if err := fl.Write(ctx, flashOffset, data, barPrinter(out)); err != nil {
				return err
			}
			ok, err := fl.Verify(ctx, flashOffset, data)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("verify of %s at 0x%06X failed", args[0], flashOffset)
			}
			fmt.Fprintln(out, successMsg("wrote and verified %d bytes at 0x%06X", len(data), flashOffset))
			return nil
		})
	},
}

var flashEraseCmd = &cobra.Command{
	Use:   "erase",
	Short: "Erase sectors or the whole chip",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFlash(cmd, func(ctx context.Context, fl *spiflash.Flash, id spiflash.ID) error {
			out := cmd.OutOrStdout()
			if flashAll {
				if err := fl.ChipErase(ctx); err != nil {
					return err
				}
				fmt.Fprintln(out, successMsg("chip erased"))
				return nil
			}
			if flashLength <= 0 {
				return fmt.Errorf("--length or --all is required")
			}
			if err := fl.Erase(ctx, flashOffset, flashLength, barPrinter(out)); err != nil {
				return err
			}
			fmt.Fprintln(out, successMsg("erased 0x%06X..0x%06X", flashOffset, int(flashOffset)+flashLength))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.AddCommand(flashIDCmd, flashReadCmd, flashWriteCmd, flashEraseCmd)

	for _, c := range []*cobra.Command{flashReadCmd, flashWriteCmd, flashEraseCmd} {
		c.Flags().Uint32Var(&flashOffset, "offset", 0, "flash address")
	}
	flashReadCmd.Flags().IntVar(&flashLength, "length", 0, "bytes to read (default to the end of the chip)")
	flashEraseCmd.Flags().IntVar(&flashLength, "length", 0, "bytes to erase, rounded out to whole sectors")
	flashEraseCmd.Flags().BoolVar(&flashAll, "all", false, "erase the whole chip")
}

// withFlash connects, enters the SPI flash session and checks for a chip.
func withFlash(cmd *cobra.Command, fn func(ctx context.Context, fl *spiflash.Flash, id spiflash.ID) error) error {
	ctx, cancel := signalContext(cmd)
	defer cancel()

	st, err := connect(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	var opts []spiflash.Option
	opts = append(opts, spiflash.WithLogger(st.logger))
	if st.cfg.Flash.BusyTimeout > 0 {
		opts = append(opts, spiflash.WithBusyTimeout(st.cfg.Flash.BusyTimeout))
	}
	return st.tester.SPIFlash(func(fl *spiflash.Flash) error {
		id, err := fl.JEDECID()
		if err != nil {
			return err
		}
		if !id.Valid() {
			return fmt.Errorf("no flash chip found (JEDEC id %s)", id)
		}
		return fn(ctx, fl, id)
	}, opts...)
}

// barPrinter prints a progress bar in 10 % steps.
func barPrinter(out io.Writer) spiflash.Progress {
	last := -1
	return func(f float64) {
		if tenth := int(f * 10); tenth > last {
			last = tenth
			fmt.Fprintf(out, "  %s %3.0f%%\n", progressBar(f, 30), f*100)
		}
	}
}
