package spiflash

import "fmt"

// ID is the three byte JEDEC identification.
type ID struct {
	Manufacturer byte
	MemoryType   byte
	Capacity     byte
}

// vendors maps the raw manufacturer byte (JEP106 bank 0, with parity) to a
// name.
var vendors = map[byte]string{
	0x01: "Spansion",
	0x0B: "XTX",
	0x1C: "EON",
	0x1F: "Adesto",
	0x20: "Micron",
	0x37: "AMIC",
	0x62: "ON Semiconductor",
	0x68: "Boya",
	0x85: "Puya",
	0x9D: "ISSI",
	0xA1: "Fudan",
	0xBF: "SST",
	0xC2: "Macronix",
	0xC8: "GigaDevice",
	0xEF: "Winbond",
}

// Vendor returns the manufacturer name.
func (id ID) Vendor() string {
	if name, ok := vendors[id.Manufacturer]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (0x%02X)", id.Manufacturer)
}

// Size returns the capacity in bytes, or 0 if the capacity code is not the
// usual power of two encoding.
func (id ID) Size() int {
	if id.Capacity < 0x10 || id.Capacity > 0x22 {
		return 0
	}
	return 1 << id.Capacity
}

// Valid reports whether the bus returned something other than a floating
// or shorted line.
func (id ID) Valid() bool {
	all := [3]byte{id.Manufacturer, id.MemoryType, id.Capacity}
	return all != [3]byte{0xFF, 0xFF, 0xFF} && all != [3]byte{}
}

func (id ID) String() string {
	return fmt.Sprintf("%02X%02X%02X (%s, %d KiB)", id.Manufacturer, id.MemoryType, id.Capacity,
		id.Vendor(), id.Size()/1024)
}
