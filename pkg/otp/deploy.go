package otp

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Progress markers printed by the imager during a deploy, in order.
var (
	MarkerImageType    = regexp.MustCompile(`(?m)^Image type (\S+) sent`)
	MarkerRAMSize      = regexp.MustCompile(`(?m)^RAM size: (\d+) MiB`)
	MarkerSerial       = regexp.MustCompile(`(?m)^Serial number: ([0-9A-Fa-f]+)`)
	MarkerBoardVersion = regexp.MustCompile(`(?m)^Board version: (\S+)`)
	MarkerMAC          = regexp.MustCompile(`(?m)^MAC address: ((?:[0-9A-Fa-f]{2}:){5}[0-9A-Fa-f]{2})`)
	MarkerPublicKey    = regexp.MustCompile(`(?m)^Public key: ([0-9A-Fa-f]+)`)
	MarkerDone         = regexp.MustCompile(`(?m)^All done`)
)

// Report is what the imager printed during a deploy.
type Report struct {
	ImageType    string
	RAMSize      int // MiB
	Serial       string
	BoardVersion string
	MAC          string
	PublicKey    string
}

// Timeouts bound each deploy phase.
type Timeouts struct {
	// Upload covers sending the image to the SoC's boot ROM.
	Upload time.Duration
	// Marker covers every later marker.
	Marker time.Duration
}

// DefaultTimeouts suits a 115200 baud upload of the provisioning image.
var DefaultTimeouts = Timeouts{Upload: 3 * time.Minute, Marker: 30 * time.Second}

// ProgressFunc is told the fraction of markers seen so far.
type ProgressFunc func(fraction float64)

// Deploy walks the deploy markers in order and checks that the echoed
// serial, board version and MAC match what was requested.
func Deploy(ctx context.Context, s *Session, want DeployParams, t Timeouts, progress ProgressFunc) (*Report, error) {
	if progress == nil {
		progress = func(float64) {}
	}
	steps := []struct {
		re      *regexp.Regexp
		timeout time.Duration
	}{
		{MarkerImageType, t.Upload},
		{MarkerRAMSize, t.Marker},
		{MarkerSerial, t.Marker},
		{MarkerBoardVersion, t.Marker},
		{MarkerMAC, t.Marker},
		{MarkerPublicKey, t.Marker},
		{MarkerDone, t.Marker},
	}

	r := &Report{}
	for i, st := range steps {
		groups, err := s.Match(ctx, st.timeout, st.re)
		if err != nil {
			return r, err
		}
		if err := r.record(i, groups); err != nil {
			return r, err
		}
		progress(float64(i+1) / float64(len(steps)))
	}

	if !strings.EqualFold(r.Serial, FormatSerial(want.Serial)) {
		return r, &FailedError{Reason: "serial number echo mismatch", Line: r.Serial}
	}
	if r.BoardVersion != want.BoardVersion {
		return r, &FailedError{Reason: "board version echo mismatch", Line: r.BoardVersion}
	}
	if want.MAC != nil && !strings.EqualFold(r.MAC, want.MAC.String()) {
		return r, &FailedError{Reason: "MAC address echo mismatch", Line: r.MAC}
	}
	return r, nil
}

func (r *Report) record(step int, groups []string) error {
	var v string
	if len(groups) > 1 {
		v = groups[1]
	}
	switch step {
	case 0:
		r.ImageType = v
	case 1:
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("otp: RAM size %q: %w", v, err)
		}
		r.RAMSize = n
	case 2:
		r.Serial = v
	case 3:
		r.BoardVersion = v
	case 4:
		r.MAC = v
	case 5:
		r.PublicKey = strings.ToLower(v)
	}
	return nil
}
