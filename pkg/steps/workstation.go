package steps

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/workflow"
)

// Workstation kinds check the station itself rather than a board. Their
// sequence continues on failure so one run reports everything that is
// wrong.
func init() {
	register("ws-tester", "Tester connection", runWSTester)
	register("ws-loopback", "Tester loopback", runSelfTest)
	register("ws-imager", "OTP imager", runWSImager)
	register("ws-images", "Flash images", runWSImages)
}

func runWSTester(_ context.Context, env *Env, _ workflow.SerialNumber, _ *workflow.Reporter) (workflow.Outcome, error) {
	t := env.Tester
	if err := t.Default(); err != nil {
		return workflow.Outcome{}, err
	}
	return workflow.OK(fmt.Sprintf("tester %d, serial %s", t.ID(), t.Serial())), nil
}

func runWSImager(_ context.Context, env *Env, _ workflow.SerialNumber, _ *workflow.Reporter) (workflow.Outcome, error) {
	if env.Imager == nil || env.Imager.Path == "" {
		return workflow.Failed("no imager configured"), nil
	}
	path, err := exec.LookPath(env.Imager.Path)
	if err != nil {
		return workflow.Outcome{}, err
	}
	return workflow.OK(path), nil
}

func runWSImages(_ context.Context, env *Env, _ workflow.SerialNumber, _ *workflow.Reporter) (workflow.Outcome, error) {
	l, err := env.Layout()
	if err != nil {
		return workflow.Outcome{}, err
	}
	if err := l.Validate(0); err != nil {
		return workflow.Outcome{}, err
	}
	return workflow.OK(fmt.Sprintf("%d regions, %d bytes", len(l.Regions), l.Size())), nil
}
