package otp

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DeployParams are the values burnt into OTP.
type DeployParams struct {
	Serial       uint64
	MAC          net.HardwareAddr
	BoardVersion string
	OTPHash      string
}

// DeployArgs builds the imager command line for an OTP deploy.
func DeployArgs(p DeployParams) []string {
	args := []string{
		"--deploy",
		"--serial-number", FormatSerial(p.Serial),
		"--mac-address", p.MAC.String(),
		"--board-version", p.BoardVersion,
	}
	if p.OTPHash != "" {
		args = append(args, "--otp-hash", p.OTPHash)
	}
	return args
}

// ImageArgs builds the command line that only uploads a raw image.
func ImageArgs(path string, baud int) []string {
	return []string{"-b", strconv.Itoa(baud), path}
}

// FormatSerial renders a serial number the way the imager echoes it.
func FormatSerial(serial uint64) string {
	return fmt.Sprintf("%016X", serial)
}

// MACFromSerial derives the board's first MAC address: the vendor OUI
// followed by the low 24 bits of the serial number.
func MACFromSerial(oui [3]byte, serial uint64) net.HardwareAddr {
	return net.HardwareAddr{oui[0], oui[1], oui[2], byte(serial >> 16), byte(serial >> 8), byte(serial)}
}

// ParseOUI parses an OUI written as "aa:bb:cc", "aa-bb-cc" or "aabbcc".
func ParseOUI(s string) ([3]byte, error) {
	var oui [3]byte
	hex := strings.NewReplacer(":", "", "-", "").Replace(s)
	if len(hex) != 6 {
		return oui, fmt.Errorf("otp: invalid OUI %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return oui, fmt.Errorf("otp: invalid OUI %q", s)
	}
	return [3]byte{byte(v >> 16), byte(v >> 8), byte(v)}, nil
}
