package steps

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/cenkalti/backoff/v4"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/spiflash"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/tester"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/workflow"
)

var (
	ErrNoBoard     = errors.New("no board in fixture")
	ErrPowerSupply = errors.New("board supply out of regulation")
	ErrNoFlash     = errors.New("no flash chip")
	ErrVerify      = errors.New("flash verify failed")
	ErrNoLease     = errors.New("dhcp: no lease")
	ErrTFTP        = errors.New("tftp transfer failed")
)

var (
	ubootVersion   = regexp.MustCompile(`U-Boot (\S+)`)
	dhcpBound      = regexp.MustCompile(`DHCP client bound to address (\S+)`)
	dhcpRetry      = regexp.MustCompile(`(?i)retry count exceeded|timeout`)
	tftpDone       = regexp.MustCompile(`Bytes transferred = (\d+)`)
	tftpNetFailure = regexp.MustCompile(`(?i)retry count exceeded|TFTP error|timeout`)
)

func init() {
	register("selftest", "Fixture self-test", runSelfTest)
	register("presence", "Board presence and supply", runPresence)
	register("spi-flash", "Program SPI flash", runSPIFlash)
	register("uboot", "Boot loader", runUBoot)
	register("dhcp", "DHCP", runDHCP)
	register("tftp-boot", "TFTP boot", runTFTPBoot)
}

func runSelfTest(_ context.Context, env *Env, _ workflow.SerialNumber, _ *workflow.Reporter) (workflow.Outcome, error) {
	if err := env.Tester.SelfTest(); err != nil {
		return workflow.Outcome{}, err
	}
	return workflow.OK("MPSSE loopback passed"), nil
}

func runPresence(ctx context.Context, env *Env, _ workflow.SerialNumber, r *workflow.Reporter) (_ workflow.Outcome, err error) {
	t := env.Tester
	present, err := t.BoardPresent()
	if err != nil {
		return workflow.Outcome{}, err
	}
	if !present {
		return workflow.Outcome{}, ErrNoBoard
	}
	if err := t.Default(); err != nil {
		return workflow.Outcome{}, err
	}
	if err := t.Power(true); err != nil {
		return workflow.Outcome{}, err
	}
	defer func() {
		if perr := t.Power(false); perr != nil {
			err = errors.Join(err, fmt.Errorf("power off: %w", perr))
		}
	}()
	r.Progress(0.5)
	if err := sleepCtx(ctx, env.Settings.PowerSettle); err != nil {
		return workflow.Outcome{}, err
	}
	ok, err := t.PowerSupplyOK()
	if err != nil {
		return workflow.Outcome{}, err
	}
	if !ok {
		return workflow.Outcome{}, ErrPowerSupply
	}
	return workflow.OK("board present, supply ok"), nil
}

// Write takes this share of the step's progress, verify the rest.
const writeShare = 0.9

func runSPIFlash(ctx context.Context, env *Env, _ workflow.SerialNumber, r *workflow.Reporter) (workflow.Outcome, error) {
	l, err := env.Layout()
	if err != nil {
		return workflow.Outcome{}, err
	}
	total := max(l.Size(), 1)

	var opts []spiflash.Option
	if env.Settings.BusyTimeout > 0 {
		opts = append(opts, spiflash.WithBusyTimeout(env.Settings.BusyTimeout))
	}
	var id spiflash.ID
	err = env.Tester.SPIFlash(func(fl *spiflash.Flash) error {
		var err error
		if id, err = fl.JEDECID(); err != nil {
			return err
		}
		if !id.Valid() {
			return fmt.Errorf("%w: JEDEC id %s", ErrNoFlash, id)
		}
		env.logger().Info("flash detected", "vendor", id.Vendor(), "size", id.Size())
		if err := l.Validate(id.Size()); err != nil {
			return err
		}

		done := 0
		for _, reg := range l.Regions {
			n := len(reg.Data)
			progress := func(f float64) {
				r.Progress(writeShare * (float64(done) + f*float64(n)) / float64(total))
			}
			if err := fl.Write(ctx, reg.Offset, reg.Data, progress); err != nil {
				return fmt.Errorf("write %s: %w", reg.Path, err)
			}
			done += n
		}
		done = 0
		for _, reg := range l.Regions {
			ok, err := fl.Verify(ctx, reg.Offset, reg.Data)
			if err != nil {
				return fmt.Errorf("verify %s: %w", reg.Path, err)
			}
			if !ok {
				return fmt.Errorf("%w: %s at 0x%06X", ErrVerify, reg.Path, reg.Offset)
			}
			done += len(reg.Data)
			r.Progress(writeShare + (1-writeShare)*float64(done)/float64(total))
		}
		return nil
	}, opts...)
	if err != nil {
		return workflow.Outcome{}, err
	}
	return workflow.OK(fmt.Sprintf("%d bytes in %d regions on %s", l.Size(), len(l.Regions), id)), nil
}

func runUBoot(ctx context.Context, env *Env, _ workflow.SerialNumber, r *workflow.Reporter) (workflow.Outcome, error) {
	boot := UARTBoot{Tester: env.Tester, Settings: env.Settings}
	c, err := boot.Boot(ctx, tester.BootSPI)
	if err != nil {
		return workflow.Outcome{}, err
	}
	r.Progress(0.5)
	if err := boot.StopAutoboot(ctx, c); err != nil {
		return workflow.Outcome{}, err
	}
	out, err := boot.Command(ctx, c, "version", env.Settings.CommandTimeout)
	if err != nil {
		return workflow.Outcome{}, err
	}
	m := ubootVersion.FindStringSubmatch(out)
	if m == nil {
		return workflow.Failed("no version in %q", strings.TrimSpace(out)), nil
	}
	r.Discover(ctx, workflow.Discovery{FirmwareVersion: m[1]})
	return workflow.OK("U-Boot " + m[1]), nil
}

func runDHCP(ctx context.Context, env *Env, _ workflow.SerialNumber, _ *workflow.Reporter) (workflow.Outcome, error) {
	boot := UARTBoot{Tester: env.Tester, Settings: env.Settings}
	c := env.Tester.Console()
	logger := env.logger()

	var addr string
	op := func() error {
		out, err := boot.Command(ctx, c, "dhcp", env.Settings.CommandTimeout)
		if err != nil {
			return backoff.Permanent(err)
		}
		if m := dhcpBound.FindStringSubmatch(out); m != nil {
			addr = m[1]
			return nil
		}
		if dhcpRetry.MatchString(out) {
			logger.Warn("dhcp failed, retrying")
			return ErrNoLease
		}
		return backoff.Permanent(fmt.Errorf("dhcp: unexpected output %q", strings.TrimSpace(out)))
	}
	attempts := max(env.Settings.DHCPAttempts, 1)
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(env.Settings.RetryInterval), uint64(attempts-1)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		if errors.Is(err, ErrNoLease) {
			return workflow.Outcome{}, workflow.Transient(err)
		}
		return workflow.Outcome{}, err
	}
	return workflow.OK("lease " + addr), nil
}

func runTFTPBoot(ctx context.Context, env *Env, _ workflow.SerialNumber, r *workflow.Reporter) (workflow.Outcome, error) {
	boot := UARTBoot{Tester: env.Tester, Settings: env.Settings}
	tftp := env.Settings.TFTP
	c := env.Tester.Console()

	for _, cmd := range tftp.SetupCommands() {
		if _, err := boot.Command(ctx, c, cmd, env.Settings.CommandTimeout); err != nil {
			return workflow.Outcome{}, err
		}
	}
	out, err := boot.Command(ctx, c, tftp.LoadCommand(), env.Settings.BootTimeout)
	if err != nil {
		return workflow.Outcome{}, err
	}
	m := tftpDone.FindStringSubmatch(out)
	if m == nil {
		err := fmt.Errorf("%w: %s", ErrTFTP, strings.TrimSpace(out))
		if tftpNetFailure.MatchString(out) {
			return workflow.Outcome{}, workflow.Transient(err)
		}
		return workflow.Outcome{}, err
	}
	r.Progress(0.5)

	banner, err := regexp.Compile(env.Settings.KernelBanner)
	if err != nil {
		return workflow.Outcome{}, err
	}
	if err := c.SendLine(tftp.BootCommand()); err != nil {
		return workflow.Outcome{}, err
	}
	km, err := c.Expect(ctx, env.Settings.BootTimeout, banner)
	if err != nil {
		return workflow.Outcome{}, fmt.Errorf("kernel did not start: %w", err)
	}
	return workflow.OK(fmt.Sprintf("%s bytes loaded, kernel %s", m[1], km.Group(1))), nil
}
