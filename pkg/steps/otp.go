package steps

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/otp"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/tester"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/workflow"
)

// ErrNoBootPrompt means the SoC boot ROM did not offer UART boot, so the
// imager was never started.
var ErrNoBootPrompt = errors.New("no boot ROM prompt")

func init() {
	register("otp", "Program OTP", runOTP)
}

func runOTP(ctx context.Context, env *Env, serial workflow.SerialNumber, r *workflow.Reporter) (_ workflow.Outcome, err error) {
	if env.Imager == nil {
		return workflow.Outcome{}, errors.New("otp: no imager configured")
	}
	logger := env.logger()

	var (
		prior     otp.Report
		havePrior bool
	)
	if env.Records != nil {
		rec, ok, err := env.Records.LookupOTP(ctx, serial)
		if err != nil {
			return workflow.Outcome{}, err
		}
		prior, havePrior = otp.Report{RAMSize: rec.RAMSize, PublicKey: rec.PublicKey}, ok
	}

	marker, err := regexp.Compile(env.Settings.BootROMMarker)
	if err != nil {
		return workflow.Outcome{}, err
	}
	boot := UARTBoot{Tester: env.Tester, Settings: env.Settings}
	defer func() {
		if derr := env.Tester.Default(); derr != nil {
			err = errors.Join(err, fmt.Errorf("restore tester: %w", derr))
		}
	}()
	c, err := boot.PowerUp(ctx, tester.BootUART)
	if err != nil {
		return workflow.Outcome{}, err
	}
	if _, err := c.Expect(ctx, env.Settings.PromptTimeout, marker); err != nil {
		return workflow.Outcome{}, fmt.Errorf("%w: %w", ErrNoBootPrompt, err)
	}

	lease, err := env.Tester.UART().Lease()
	if err != nil {
		return workflow.Outcome{}, err
	}
	defer lease.Close()

	params := otp.DeployParams{
		Serial:       uint64(serial),
		MAC:          otp.MACFromSerial(env.Settings.MACOUI, uint64(serial)),
		BoardVersion: env.Board.Version,
		OTPHash:      env.Settings.OTPHash,
	}
	sess, err := env.Imager.Run(ctx, lease.File(), otp.DeployArgs(params)...)
	if err != nil {
		return workflow.Outcome{}, err
	}
	defer func() {
		code, serr := sess.Stop()
		if serr != nil && err == nil {
			err = serr
		}
		logger.Info("imager finished", "exit_code", code)
	}()

	rep, err := otp.Deploy(ctx, sess, params, env.Settings.OTPTimeouts, r.Progress)
	if err != nil {
		return workflow.Outcome{}, err
	}
	r.Discover(ctx, workflow.Discovery{RAMSize: rep.RAMSize, PublicKey: rep.PublicKey})

	if havePrior && (prior.RAMSize != rep.RAMSize || !strings.EqualFold(prior.PublicKey, rep.PublicKey)) {
		return workflow.Unstable("recorded %d MiB key %s, board reports %d MiB key %s",
			prior.RAMSize, short(prior.PublicKey), rep.RAMSize, short(rep.PublicKey)), nil
	}
	return workflow.OK(fmt.Sprintf("%d MiB RAM, key %s", rep.RAMSize, short(rep.PublicKey))), nil
}

func short(key string) string {
	if len(key) > 16 {
		return key[:16] + "..."
	}
	return key
}
