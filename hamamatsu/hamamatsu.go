// Package hamamatsu talks to the Hamamatsu scintillation detector over USB
package hamamatsu

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/sergev/gammaspec/transport"
)

const (
	VendorID  = 0x0661
	ProductID = 0x2917

	Configuration = 1
	Interface     = 0
	AltSetting    = 0
)

func init() {
	transport.Register("usb", func() (transport.Transport, error) {
		return NewUSB(), nil
	})
}

// USB is the libusb based transport
type USB struct {
	mu  sync.Mutex
	ctx *gousb.Context
}

// NewUSB creates a USB transport. The libusb context is created lazily.
func NewUSB() *USB {
	return &USB{}
}

func (u *USB) context() *gousb.Context {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ctx == nil {
		u.ctx = gousb.NewContext()
	}
	return u.ctx
}

// Close releases the libusb context
func (u *USB) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ctx == nil {
		return nil
	}
	err := u.ctx.Close()
	u.ctx = nil
	return err
}

// Discover enumerates the bus without opening anything
func (u *USB) Discover(vendorID, productID uint16, port []int) (transport.Handle, error) {
	var found []transport.Handle

	// Returning false from the opener only inspects the descriptor
	_, err := u.context().OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if uint16(desc.Vendor) != vendorID || uint16(desc.Product) != productID {
			return false
		}
		loc := transport.Location{Bus: desc.Bus, Path: append([]int(nil), desc.Path...)}
		if loc.Matches(port) {
			found = append(found, transport.Handle{
				VendorID:  vendorID,
				ProductID: productID,
				Address:   desc.Address,
				Location:  loc,
			})
		}
		return false
	})
	if err != nil && len(found) == 0 {
		return transport.Handle{}, fmt.Errorf("failed to enumerate USB devices: %w", err)
	}

	switch len(found) {
	case 0:
		if len(port) > 0 {
			return transport.Handle{}, fmt.Errorf("%w: VID=0x%04X PID=0x%04X at port %v", transport.ErrDeviceNotFound, vendorID, productID, port)
		}
		return transport.Handle{}, fmt.Errorf("%w: VID=0x%04X PID=0x%04X", transport.ErrDeviceNotFound, vendorID, productID)
	case 1:
		return found[0], nil
	}

	locations := make([]string, len(found))
	for i, h := range found {
		locations[i] = h.Location.String()
	}
	sort.Strings(locations)
	return transport.Handle{}, fmt.Errorf("multiple detectors found at %v, please specify port", locations)
}

// Open opens and configures a discovered device
func (u *USB) Open(h transport.Handle) (transport.Conn, error) {
	devs, err := u.context().OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == h.Location.Bus && desc.Address == h.Address &&
			uint16(desc.Vendor) == h.VendorID && uint16(desc.Product) == h.ProductID
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		if errors.Is(err, gousb.ErrorAccess) || errors.Is(err, gousb.ErrorBusy) {
			return nil, fmt.Errorf("%w: %v", transport.ErrDeviceBusy, err)
		}
		return nil, fmt.Errorf("failed to open device at %s: %w", h.Location, err)
	}
	if len(devs) == 0 {
		return nil, fmt.Errorf("%w: device at %s is gone", transport.ErrDeviceNotFound, h.Location)
	}
	dev := devs[0]
	for i := 1; i < len(devs); i++ {
		devs[i].Close()
	}

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to enable kernel driver auto-detach: %w", err)
	}

	// A reset clears a frozen data stream
	if err := dev.Reset(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("failed to reset device: %w", err)
	}

	cfg, err := dev.Config(Configuration)
	if err != nil {
		dev.Close()
		return nil, busyOr(fmt.Errorf("failed to get config %d: %w", Configuration, err))
	}

	intf, err := cfg.Interface(Interface, AltSetting)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, busyOr(fmt.Errorf("failed to claim interface %d: %w", Interface, err))
	}

	done := func() {
		intf.Close()
		cfg.Close()
	}

	in, out, err := endpoints(intf)
	if err != nil {
		done()
		dev.Close()
		return nil, err
	}

	return &usbConn{
		dev:  dev,
		done: done,
		in:   in,
		out:  out,
		buf:  make([]byte, in.Desc.MaxPacketSize),
	}, nil
}

// busyOr reports permission and exclusivity problems as ErrDeviceBusy
func busyOr(err error) error {
	if errors.Is(err, gousb.ErrorAccess) || errors.Is(err, gousb.ErrorBusy) {
		return fmt.Errorf("%w: %v", transport.ErrDeviceBusy, err)
	}
	return err
}

// endpoints picks the first bulk IN endpoint, and an OUT endpoint if the
// interface has one.
func endpoints(intf *gousb.Interface) (*gousb.InEndpoint, *gousb.OutEndpoint, error) {
	descs := make([]gousb.EndpointDesc, 0, len(intf.Setting.Endpoints))
	for _, d := range intf.Setting.Endpoints {
		descs = append(descs, d)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Address < descs[j].Address })

	var in *gousb.InEndpoint
	var out *gousb.OutEndpoint
	for _, d := range descs {
		switch {
		case d.Direction == gousb.EndpointDirectionIn && in == nil:
			ep, err := intf.InEndpoint(d.Number)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to open IN endpoint %s: %w", d.Address, err)
			}
			in = ep
		case d.Direction == gousb.EndpointDirectionOut && out == nil:
			ep, err := intf.OutEndpoint(d.Number)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to open OUT endpoint %s: %w", d.Address, err)
			}
			out = ep
		}
	}
	if in == nil {
		return nil, nil, fmt.Errorf("interface %d has no IN endpoint", Interface)
	}
	return in, out, nil
}

// usbConn is an open detector
type usbConn struct {
	dev  *gousb.Device
	done func()
	in   *gousb.InEndpoint
	out  *gousb.OutEndpoint
	buf  []byte
}

// ReadPacket reads one packet from the IN endpoint
func (c *usbConn) ReadPacket(timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := c.in.ReadContext(ctx, c.buf)
	if err != nil {
		if isTimeout(err) {
			return nil, transport.ErrTimeout
		}
		return nil, &transport.Error{Op: "read", Err: err}
	}
	if n == 0 {
		return nil, transport.ErrTimeout
	}
	pkt := make([]byte, n)
	copy(pkt, c.buf[:n])
	return pkt, nil
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, gousb.ErrorTimeout) ||
		errors.Is(err, gousb.TransferTimedOut) ||
		errors.Is(err, gousb.TransferCancelled)
}

// Write sends a control packet. The detector streams unsolicited, so
// devices without an OUT endpoint report ErrUnsupported.
func (c *usbConn) Write(p []byte) error {
	if c.out == nil {
		return transport.ErrUnsupported
	}
	if _, err := c.out.Write(p); err != nil {
		return &transport.Error{Op: "write", Err: err}
	}
	return nil
}

// Close releases the interface and the device
func (c *usbConn) Close() error {
	if c.done != nil {
		c.done()
		c.done = nil
	}
	if c.dev != nil {
		err := c.dev.Close()
		c.dev = nil
		return err
	}
	return nil
}
