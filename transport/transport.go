package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors reported by transports
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrDeviceBusy     = errors.New("device busy")
	ErrTimeout        = errors.New("read timeout")
	ErrUnsupported    = errors.New("operation not supported by device")
)

// Location identifies the physical USB port a device is plugged into
type Location struct {
	Bus  int
	Path []int // port numbers from the root hub down to the device
}

// String formats the location the way the kernel names USB devices, e.g. "1-2.4"
func (l Location) String() string {
	if len(l.Path) == 0 {
		return strconv.Itoa(l.Bus)
	}
	parts := make([]string, len(l.Path))
	for i, p := range l.Path {
		parts[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("%d-%s", l.Bus, strings.Join(parts, "."))
}

// Hub returns the location of the hub the device hangs off and the port number on it
func (l Location) Hub() (string, int, bool) {
	if len(l.Path) == 0 {
		return "", 0, false
	}
	hub := Location{Bus: l.Bus, Path: l.Path[:len(l.Path)-1]}
	return hub.String(), l.Path[len(l.Path)-1], true
}

// Matches reports whether the location satisfies a requested port path.
// An empty request matches any location.
func (l Location) Matches(path []int) bool {
	if len(path) == 0 {
		return true
	}
	if len(path) != len(l.Path) {
		return false
	}
	for i := range path {
		if path[i] != l.Path[i] {
			return false
		}
	}
	return true
}

// Handle describes a discovered device before it is opened
type Handle struct {
	VendorID  uint16
	ProductID uint16
	Address   int
	Location  Location
}

// Transport discovers and opens detectors
type Transport interface {
	// Discover finds a device by vendor/product and optional port path.
	// Returns ErrDeviceNotFound when nothing matches.
	Discover(vendorID, productID uint16, port []int) (Handle, error)

	// Open opens a discovered device. Permission or exclusivity
	// problems are reported as ErrDeviceBusy.
	Open(h Handle) (Conn, error)
}

// Conn is an open device
type Conn interface {
	// ReadPacket performs one bounded read. Returns ErrTimeout when no
	// data arrived in time, or an *Error on any other failure.
	ReadPacket(timeout time.Duration) ([]byte, error)

	// Write sends a control packet to the device
	Write(p []byte) error

	// Close releases the device
	Close() error
}

// Error is a transient I/O failure on an open device
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
