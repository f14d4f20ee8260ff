package hamamatsu

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sergev/gammaspec/frame"
	"github.com/sergev/gammaspec/transport"
)

// ErrClosed is returned by reads on a closed virtual connection
var ErrClosed = errors.New("connection closed")

// VirtualConfig describes the synthetic data stream of a virtual detector
type VirtualConfig struct {
	Rate        float64       // events per second
	FramePeriod time.Duration // time between frames
	PacketSize  int
	TempADC     uint16 // raw temperature sensor value
	Seed        uint64
}

// DefaultVirtualConfig matches the frame rate of the real detector
func DefaultVirtualConfig() VirtualConfig {
	return VirtualConfig{
		Rate:        1000,
		FramePeriod: 100 * time.Millisecond,
		PacketSize:  frame.DefaultPacketSize,
		TempADC:     48000,
		Seed:        1,
	}
}

func init() {
	transport.Register("virtual", func() (transport.Transport, error) {
		return NewVirtual(DefaultVirtualConfig()), nil
	})
}

// Virtual is a simulated detector producing encoded frames with a
// photopeak on top of a falling continuum.
type Virtual struct {
	cfg VirtualConfig

	mu      sync.Mutex
	present bool
	opens   int
}

// NewVirtual creates a virtual detector that is plugged in
func NewVirtual(cfg VirtualConfig) *Virtual {
	if cfg.FramePeriod <= 0 {
		cfg.FramePeriod = 100 * time.Millisecond
	}
	if cfg.PacketSize == 0 {
		cfg.PacketSize = frame.DefaultPacketSize
	}
	return &Virtual{cfg: cfg, present: true}
}

// SetPresent simulates plugging or unplugging the detector
func (v *Virtual) SetPresent(present bool) {
	v.mu.Lock()
	v.present = present
	v.mu.Unlock()
}

// Opens returns how many times the device was opened
func (v *Virtual) Opens() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.opens
}

func (v *Virtual) Discover(vendorID, productID uint16, port []int) (transport.Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	loc := transport.Location{Bus: 1, Path: []int{1}}
	if !v.present || vendorID != VendorID || productID != ProductID || !loc.Matches(port) {
		return transport.Handle{}, fmt.Errorf("%w: VID=0x%04X PID=0x%04X", transport.ErrDeviceNotFound, vendorID, productID)
	}
	return transport.Handle{VendorID: vendorID, ProductID: productID, Address: 2, Location: loc}, nil
}

func (v *Virtual) Open(h transport.Handle) (transport.Conn, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.present {
		return nil, fmt.Errorf("%w: device at %s is gone", transport.ErrDeviceNotFound, h.Location)
	}
	v.opens++

	now := time.Now()
	seed := v.cfg.Seed + uint64(v.opens)
	return &virtualConn{
		cfg:       v.cfg,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		epoch:     now,
		next:      now.Add(v.cfg.FramePeriod),
		streaming: true,
	}, nil
}

// virtualConn emits one frame per frame period
type virtualConn struct {
	cfg VirtualConfig
	rng *rand.Rand

	mu        sync.Mutex
	epoch     time.Time // device clock zero
	next      time.Time // when the next frame is due
	pending   [][]byte
	carry     float64 // fractional events not yet emitted
	streaming bool
	closed    bool
}

func (c *virtualConn) ReadPacket(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, &transport.Error{Op: "read", Err: ErrClosed}
		}
		if len(c.pending) > 0 {
			pkt := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return pkt, nil
		}
		now := time.Now()
		if c.streaming && !now.Before(c.next) {
			err := c.generate(c.next)
			c.next = c.next.Add(c.cfg.FramePeriod)
			c.mu.Unlock()
			if err != nil {
				return nil, &transport.Error{Op: "read", Err: err}
			}
			continue
		}
		wake := c.next
		c.mu.Unlock()

		if !wake.Before(deadline) || !c.isStreaming() {
			time.Sleep(time.Until(deadline))
			return nil, transport.ErrTimeout
		}
		time.Sleep(time.Until(wake))
	}
}

func (c *virtualConn) isStreaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// generate queues the packets of a frame due at t
func (c *virtualConn) generate(t time.Time) error {
	expected := c.cfg.Rate*c.cfg.FramePeriod.Seconds() + c.carry
	events := int(expected)
	c.carry = expected - float64(events)
	if events > frame.ReadingsPerFrame {
		events = frame.ReadingsPerFrame
		c.carry = 0
	}

	readings := make([]uint16, frame.ReadingsPerFrame)
	for i := 0; i < events; i++ {
		readings[i] = c.pulse()
	}
	// Trailing readings are noise, not pulses
	for i := events; i < len(readings); i++ {
		readings[i] = uint16(c.rng.IntN(256))
	}

	ticks := int64(t.Sub(c.epoch).Seconds() * frame.ClockTicksPerSecond)
	h := frame.Header{
		Events:    uint16(events),
		TimeIndex: uint16(ticks % 65536),
		TempADC:   c.cfg.TempADC,
	}
	packets, err := frame.EncodeFrame(h, readings, c.cfg.PacketSize)
	if err != nil {
		return err
	}
	c.pending = append(c.pending, packets...)
	return nil
}

// pulse draws one pulse height: 60% photopeak, 40% exponential continuum
func (c *virtualConn) pulse() uint16 {
	var v float64
	if c.rng.Float64() < 0.6 {
		v = 21200 + 700*c.rng.NormFloat64()
	} else {
		v = 6000 * c.rng.ExpFloat64()
	}
	return uint16(math.Max(0, math.Min(v, 65535)))
}

// Write accepts control packets
func (c *virtualConn) Write(p []byte) error {
	cmd, err := frame.DecodeCommand(p)
	if err != nil {
		return &transport.Error{Op: "write", Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &transport.Error{Op: "write", Err: ErrClosed}
	}
	switch cmd {
	case frame.CmdStart:
		if !c.streaming {
			c.streaming = true
			c.next = time.Now().Add(c.cfg.FramePeriod)
		}
	case frame.CmdStop:
		c.streaming = false
		c.pending = nil
	case frame.CmdReset:
		c.epoch = time.Now()
		c.pending = nil
		c.carry = 0
	}
	return nil
}

func (c *virtualConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pending = nil
	return nil
}
