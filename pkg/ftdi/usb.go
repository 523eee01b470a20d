package ftdi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"
)

const (
	ctrlOut = gousb.ControlOut | gousb.ControlVendor | gousb.ControlDevice
	ctrlIn  = gousb.ControlIn | gousb.ControlVendor | gousb.ControlDevice

	readPackets = 8
	pollTimeout = 50 * time.Millisecond
)

// sharedContext closes the libusb context once the last device using it is
// closed.
type sharedContext struct {
	mu   sync.Mutex
	ctx  *gousb.Context
	refs int
}

func (s *sharedContext) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs--
	if s.refs == 0 && s.ctx != nil {
		s.ctx.Close()
		s.ctx = nil
	}
}

// USBDevice is a real FT4232H opened through libusb.
type USBDevice struct {
	shared *sharedContext
	dev    *gousb.Device
	cfg    *gousb.Config
	serial string
	logger *slog.Logger

	mu    sync.Mutex
	ports map[Interface]*USBPort
}

// Enumerate opens every attached FT4232H. Devices the process has no access
// to are skipped with a warning. The caller owns the returned devices and
// must close the ones it does not keep.
func Enumerate(ctx context.Context, logger *slog.Logger) ([]Device, error) {
	logger = orDiscard(logger)
	usb := gousb.NewContext()

	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		return desc.Vendor == VendorID && desc.Product == ProductIDFT4232H
	})
	if err != nil {
		if len(devs) == 0 && !errors.Is(err, gousb.ErrorAccess) {
			usb.Close()
			return nil, fmt.Errorf("%w: enumerate: %v", ErrCommunication, err)
		}
		logger.Warn("some fixtures could not be opened", "err", err)
	}
	if len(devs) == 0 {
		usb.Close()
		return nil, nil
	}

	shared := &sharedContext{ctx: usb, refs: len(devs)}
	out := make([]Device, 0, len(devs))
	for _, dev := range devs {
		if err := dev.SetAutoDetach(true); err != nil {
			// Not fatal on all platforms
			logger.Debug("auto-detach not supported", "err", err)
		}
		dev.ControlTimeout = DefaultTimeout
		serial, _ := dev.SerialNumber()
		out = append(out, &USBDevice{
			shared: shared,
			dev:    dev,
			serial: serial,
			logger: logger.With("fixture", serial),
			ports:  make(map[Interface]*USBPort),
		})
	}
	return out, nil
}

func (d *USBDevice) Serial() string { return d.serial }

// ChipType reads the EEPROM chip-type byte, which the fixture uses to store
// its tester id.
func (d *USBDevice) ChipType() (byte, error) {
	buf := make([]byte, 2)
	if _, err := d.dev.Control(ctrlIn, sioReadEEPROM, 0, eepromChipTypeWord, buf); err != nil {
		return 0, commError("read eeprom", InterfaceA, err)
	}
	return buf[0], nil
}

// OpenPort claims one channel and leaves it in reset mode with both FIFOs
// purged.
func (d *USBDevice) OpenPort(i Interface) (Port, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, busy := d.ports[i]; busy {
		return nil, fmt.Errorf("ftdi: interface %s already claimed", i)
	}
	if d.cfg == nil {
		cfg, err := d.dev.Config(1)
		if err != nil {
			return nil, commError("get config", i, err)
		}
		d.cfg = cfg
	}

	intf, err := d.cfg.Interface(int(i), 0)
	if err != nil {
		return nil, commError("claim interface", i, err)
	}

	p := &USBPort{
		dev:     d,
		iface:   i,
		intf:    intf,
		timeout: DefaultTimeout,
	}
	if err := p.findEndpoints(); err != nil {
		intf.Close()
		return nil, err
	}
	if err := p.control(sioReset, sioResetSIO, "reset"); err != nil {
		intf.Close()
		return nil, err
	}
	if err := p.Purge(); err != nil {
		intf.Close()
		return nil, err
	}
	if err := p.SetLatencyTimer(DefaultLatency); err != nil {
		intf.Close()
		return nil, err
	}

	d.ports[i] = p
	d.logger.Debug("claimed interface", "interface", i.String())
	return p, nil
}

func (d *USBDevice) release(i Interface) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.ports, i)
}

// Reset performs a USB-level device reset. All ports must be closed first.
func (d *USBDevice) Reset() error {
	d.mu.Lock()
	open := len(d.ports)
	d.mu.Unlock()
	if open > 0 {
		return fmt.Errorf("ftdi: reset with %d interfaces still claimed", open)
	}
	if err := d.dev.Reset(); err != nil {
		return commError("usb reset", InterfaceA, err)
	}
	return nil
}

// Close releases the device. Ports still open are closed first.
func (d *USBDevice) Close() error {
	d.mu.Lock()
	ports := make([]*USBPort, 0, len(d.ports))
	for _, p := range d.ports {
		ports = append(ports, p)
	}
	d.mu.Unlock()

	for _, p := range ports {
		p.Close()
	}

	var err error
	if d.cfg != nil {
		err = d.cfg.Close()
		d.cfg = nil
	}
	if d.dev != nil {
		if cerr := d.dev.Close(); err == nil {
			err = cerr
		}
		d.dev = nil
		d.shared.release()
	}
	return err
}

// USBPort is one claimed channel of a USBDevice.
type USBPort struct {
	dev   *USBDevice
	iface Interface
	intf  *gousb.Interface

	in         *gousb.InEndpoint
	out        *gousb.OutEndpoint
	packetSize int
	timeout    time.Duration

	rbuf    []byte
	pending []byte
}

// findEndpoints discovers the bulk IN and OUT endpoints of the channel.
func (p *USBPort) findEndpoints() error {
	var inNum, outNum int
	for _, ep := range p.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch ep.Direction {
		case gousb.EndpointDirectionIn:
			inNum = ep.Number
			p.packetSize = ep.MaxPacketSize
		case gousb.EndpointDirectionOut:
			outNum = ep.Number
		}
	}
	if inNum == 0 || outNum == 0 {
		return commError("find endpoints", p.iface, errors.New("bulk endpoints not found"))
	}

	in, err := p.intf.InEndpoint(inNum)
	if err != nil {
		return commError("open IN endpoint", p.iface, err)
	}
	out, err := p.intf.OutEndpoint(outNum)
	if err != nil {
		return commError("open OUT endpoint", p.iface, err)
	}
	p.in, p.out = in, out
	p.rbuf = make([]byte, p.packetSize*readPackets)
	return nil
}

func (p *USBPort) control(request uint8, value uint16, op string) error {
	return p.controlIndex(request, value, p.iface.index(), op)
}

func (p *USBPort) controlIndex(request uint8, value, index uint16, op string) error {
	if _, err := p.dev.dev.Control(ctrlOut, request, value, index, nil); err != nil {
		return commError(op, p.iface, err)
	}
	return nil
}

// Read returns payload bytes with the per-packet modem status removed.
func (p *USBPort) Read(b []byte) (int, error) {
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	n, err := p.in.ReadContext(ctx, p.rbuf)
	cancel()
	if err != nil && n == 0 {
		if errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, gousb.TransferCancelled) ||
			errors.Is(err, gousb.TransferTimedOut) {
			return 0, nil
		}
		return 0, commError("bulk read", p.iface, err)
	}

	payload := stripStatus(p.rbuf[:n], p.packetSize)
	c := copy(b, payload)
	p.pending = append(p.pending[:0], payload[c:]...)
	return c, nil
}

// Write sends data on the bulk OUT endpoint.
func (p *USBPort) Write(b []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	n, err := p.out.WriteContext(ctx, b)
	if err != nil {
		return n, commError("bulk write", p.iface, err)
	}
	return n, nil
}

func (p *USBPort) SetBitMode(mask byte, mode BitMode) error {
	return p.control(sioSetBitMode, uint16(mode)<<8|uint16(mask), "set bitmode")
}

func (p *USBPort) ReadPins() (byte, error) {
	buf := make([]byte, 1)
	if _, err := p.dev.dev.Control(ctrlIn, sioReadPins, 0, p.iface.index(), buf); err != nil {
		return 0, commError("read pins", p.iface, err)
	}
	return buf[0], nil
}

// Purge drops everything buffered in the chip and in the port.
func (p *USBPort) Purge() error {
	p.pending = p.pending[:0]
	if err := p.control(sioReset, sioResetPurgeRX, "purge rx"); err != nil {
		return err
	}
	return p.control(sioReset, sioResetPurgeTX, "purge tx")
}

func (p *USBPort) SetBaudRate(baud int) error {
	value, high, actual, err := baudDivisor(baud)
	if err != nil {
		return err
	}
	if err := p.controlIndex(sioSetBaudRate, value, high|p.iface.index(), "set baud rate"); err != nil {
		return err
	}
	p.dev.logger.Debug("baud rate set", "interface", p.iface.String(), "requested", baud, "actual", actual)
	return nil
}

func (p *USBPort) SetLineProperty(lp LineProperty) error {
	v, err := lp.value()
	if err != nil {
		return err
	}
	if err := p.control(sioSetData, v, "set line property"); err != nil {
		return err
	}
	// No flow control.
	return p.control(sioSetFlowCtrl, 0, "set flow control")
}

func (p *USBPort) SetLatencyTimer(ms int) error {
	if ms < 1 || ms > 255 {
		return fmt.Errorf("ftdi: latency %dms out of range", ms)
	}
	return p.control(sioSetLatency, uint16(ms), "set latency")
}

// Close returns the channel to reset mode and releases the interface.
func (p *USBPort) Close() error {
	if p.intf == nil {
		return nil
	}
	err := p.SetBitMode(0, BitModeReset)
	p.intf.Close()
	p.intf = nil
	p.dev.release(p.iface)
	return err
}

// stripStatus removes the two modem status bytes that lead every packet.
func stripStatus(raw []byte, packetSize int) []byte {
	if packetSize <= modemStatusLength {
		return nil
	}
	out := make([]byte, 0, len(raw))
	for len(raw) > 0 {
		n := packetSize
		if n > len(raw) {
			n = len(raw)
		}
		if n > modemStatusLength {
			out = append(out, raw[modemStatusLength:n]...)
		}
		raw = raw[n:]
	}
	return out
}

func orDiscard(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return logger
}
