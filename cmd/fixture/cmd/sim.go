package cmd

import (
	"bytes"
	"strings"
	"sync"

	"github.com/OpenTraceLab/OpenTraceFixture/pkg/spiflash"
	"github.com/OpenTraceLab/OpenTraceFixture/pkg/tester"
)

// simChipID is a 16 MiB Macronix part.
var simChipID = spiflash.ID{Manufacturer: 0xC2, MemoryType: 0x20, Capacity: 0x18}

// newSimStation returns a simulated fixture with a router board that boots
// to a U-Boot prompt.
func newSimStation(id int) *tester.SimFixture {
	f := tester.NewSimFixture(id, spiflash.NewSimChip(16<<20, simChipID))
	b := &simBoard{}
	f.SetBoard(b.respond)
	f.SetBootHook(b.boot)
	return f
}

type simBoard struct {
	mu   sync.Mutex
	line []byte
}

func (b *simBoard) boot(mode tester.BootMode) string {
	if mode == tester.BootUART {
		return "BootROM 1.73\r\nTrying UART\r\n"
	}
	return "\r\nU-Boot SPL 2024.01-sim\r\nDRAM: 512 MiB\r\nHit any key to stop autoboot:  3 "
}

func (b *simBoard) respond(written []byte) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out bytes.Buffer
	for _, c := range written {
		if c != '\n' && c != '\r' {
			b.line = append(b.line, c)
			continue
		}
		if c == '\r' {
			continue
		}
		cmd := strings.TrimSpace(string(b.line))
		b.line = b.line[:0]
		out.WriteString(cmd + "\r\n")
		switch {
		case cmd == "version":
			out.WriteString("U-Boot 2024.01-sim\r\n")
		case cmd == "dhcp":
			out.WriteString("DHCP client bound to address 192.168.1.50 (3 ms)\r\n")
		case strings.HasPrefix(cmd, "tftpboot"):
			out.WriteString("Bytes transferred = 6291456 (600000 hex)\r\n")
		case strings.HasPrefix(cmd, "bootm"):
			out.WriteString("## Booting kernel\r\nLinux version 6.6.30-sim\r\n")
			continue
		case cmd != "" && !strings.HasPrefix(cmd, "setenv"):
			out.WriteString("Unknown command '" + cmd + "' - try 'help'\r\n")
		}
		out.WriteString("=> ")
	}
	return out.Bytes()
}
