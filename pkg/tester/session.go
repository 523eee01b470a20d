package tester

import (
	"errors"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/spiflash"
)

// SPIFlash runs fn with the fixture driving the board's SPI flash.
//
// On entry the SPI drivers are enabled, UART boot is forced, reset is
// asserted and the board is powered so the flash has supply while the CPU
// stays off the bus. On every exit path the board is powered down, SPI boot
// is restored and the drivers are disabled again. Sessions do not nest.
func (t *Tester) SPIFlash(fn func(*spiflash.Flash) error, opts ...spiflash.Option) (err error) {
	if err := t.check(); err != nil {
		return err
	}
	if err := t.enterFlash(); err != nil {
		return errors.Join(fmt.Errorf("enter spi session: %w", err), t.exitFlash())
	}
	defer func() {
		if xerr := t.exitFlash(); xerr != nil {
			err = errors.Join(err, fmt.Errorf("leave spi session: %w", xerr))
		}
	}()

	opts = append([]spiflash.Option{spiflash.WithLogger(t.logger)}, opts...)
	return fn(spiflash.New(t.spi, opts...))
}

func (t *Tester) enterFlash() error {
	if err := t.spi.WritePins(PinSPIEnable, PinSPIEnable); err != nil {
		return err
	}
	if err := t.ResetBoard(true); err != nil {
		return err
	}
	if err := t.SetBootMode(BootUART); err != nil {
		return err
	}
	if err := t.spi.DriveBus(true); err != nil {
		return err
	}
	return t.Power(true)
}

// exitFlash runs every step even if an earlier one fails.
func (t *Tester) exitFlash() error {
	perr := t.Power(false)
	berr := t.SetBootMode(BootSPI)
	derr := t.spi.DriveBus(false)
	eerr := t.spi.WritePins(0, PinSPIEnable)
	return errors.Join(perr, berr, derr, eerr)
}
