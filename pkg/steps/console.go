package steps

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/expect"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/tester"
)

var (
	// ErrNoBootOutput means the board printed nothing recognisable after
	// leaving reset.
	ErrNoBootOutput = errors.New("no boot output")
	// ErrNoPrompt means the boot loader prompt never appeared.
	ErrNoPrompt = errors.New("no boot loader prompt")
)

// UARTBoot brings a board up with its console attached and talks to the
// boot loader.
type UARTBoot struct {
	Tester   *tester.Tester
	Settings Settings
}

// PowerUp power cycles the board into mode and returns its console with
// earlier output discarded.
func (u UARTBoot) PowerUp(ctx context.Context, mode tester.BootMode) (*expect.Console, error) {
	t := u.Tester
	if err := t.Default(); err != nil {
		return nil, err
	}
	if err := t.SetBootMode(mode); err != nil {
		return nil, err
	}
	c := t.Console()
	c.Drain()
	if err := t.Power(true); err != nil {
		return nil, err
	}
	if err := sleepCtx(ctx, u.Settings.PowerSettle); err != nil {
		return nil, err
	}
	if err := t.ResetBoard(false); err != nil {
		return nil, err
	}
	return c, nil
}

// Boot powers up in mode and waits for the boot marker.
func (u UARTBoot) Boot(ctx context.Context, mode tester.BootMode) (*expect.Console, error) {
	c, err := u.PowerUp(ctx, mode)
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(u.Settings.BootMarker)
	if err != nil {
		return nil, err
	}
	if _, err := c.Expect(ctx, u.Settings.BootTimeout, re); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoBootOutput, err)
	}
	return c, nil
}

// StopAutoboot interrupts the boot loader's countdown and waits for its
// prompt.
func (u UARTBoot) StopAutoboot(ctx context.Context, c *expect.Console) error {
	re, err := regexp.Compile(u.Settings.AutobootMarker)
	if err != nil {
		return err
	}
	if _, err := c.Expect(ctx, u.Settings.PromptTimeout, re); err != nil {
		return fmt.Errorf("%w: %w", ErrNoPrompt, err)
	}
	if err := c.SendLine(""); err != nil {
		return err
	}
	if _, err := c.Expect(ctx, u.Settings.PromptTimeout, expect.Literal(u.Settings.Prompt)); err != nil {
		return fmt.Errorf("%w: %w", ErrNoPrompt, err)
	}
	return nil
}

// Command runs cmd at the boot loader prompt and returns its output without
// the echoed command line.
func (u UARTBoot) Command(ctx context.Context, c *expect.Console, cmd string, timeout time.Duration) (string, error) {
	if err := c.SendLine(cmd); err != nil {
		return "", err
	}
	m, err := c.Expect(ctx, timeout, expect.Literal(u.Settings.Prompt))
	if err != nil {
		return "", fmt.Errorf("%q: %w", cmd, err)
	}
	out := strings.ReplaceAll(m.Before, "\r\n", "\n")
	if first, rest, ok := strings.Cut(out, "\n"); ok && strings.TrimSpace(first) == cmd {
		out = rest
	}
	return out, nil
}

// TFTP builds the boot loader commands that fetch and boot an image.
type TFTP struct {
	Server   string
	File     string
	LoadAddr string
}

// SetupCommands point the boot loader at the server.
func (t TFTP) SetupCommands() []string {
	return []string{"setenv serverip " + t.Server}
}

// LoadCommand fetches the image to the load address.
func (t TFTP) LoadCommand() string {
	return fmt.Sprintf("tftpboot %s %s", t.LoadAddr, t.File)
}

// BootCommand boots the fetched image.
func (t TFTP) BootCommand() string {
	return "bootm " + t.LoadAddr
}
