package hamamatsu

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergev/gammaspec/frame"
	"github.com/sergev/gammaspec/transport"
)

func openVirtual(t *testing.T, cfg VirtualConfig) (*Virtual, transport.Conn) {
	t.Helper()
	v := NewVirtual(cfg)
	h, err := v.Discover(VendorID, ProductID, nil)
	require.NoError(t, err)
	conn, err := v.Open(h)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return v, conn
}

// readFrame reads packets until a frame is complete
func readFrame(t *testing.T, conn transport.Conn, d *frame.Decoder) *frame.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pkt, err := conn.ReadPacket(100 * time.Millisecond)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		require.NoError(t, err)
		f, err := d.Feed(pkt)
		require.NoError(t, err)
		if f != nil {
			return f
		}
	}
	t.Fatalf("no frame received")
	return nil
}

func TestVirtualDiscover(t *testing.T) {
	v := NewVirtual(DefaultVirtualConfig())

	h, err := v.Discover(VendorID, ProductID, nil)
	require.NoError(t, err)
	assert.Equal(t, "1-1", h.Location.String())

	_, err = v.Discover(0x1234, ProductID, nil)
	assert.ErrorIs(t, err, transport.ErrDeviceNotFound)

	_, err = v.Discover(VendorID, ProductID, []int{5})
	assert.ErrorIs(t, err, transport.ErrDeviceNotFound)

	v.SetPresent(false)
	_, err = v.Discover(VendorID, ProductID, nil)
	assert.ErrorIs(t, err, transport.ErrDeviceNotFound)
	_, err = v.Open(h)
	assert.ErrorIs(t, err, transport.ErrDeviceNotFound)
}

func TestVirtualFrames(t *testing.T) {
	cfg := DefaultVirtualConfig()
	cfg.Rate = 500
	cfg.FramePeriod = 20 * time.Millisecond
	_, conn := openVirtual(t, cfg)

	d := frame.NewDecoder()
	f := readFrame(t, conn, d)
	assert.Equal(t, 10, f.Events)
	assert.InDelta(t, frame.Temperature(cfg.TempADC), f.Temperature, 1e-9)

	f2 := readFrame(t, conn, d)
	assert.GreaterOrEqual(t, f2.DeviceClock, f.DeviceClock)
}

func TestVirtualFractionalRate(t *testing.T) {
	cfg := DefaultVirtualConfig()
	cfg.Rate = 25 // 0.5 events per 20 ms frame
	cfg.FramePeriod = 20 * time.Millisecond
	_, conn := openVirtual(t, cfg)

	d := frame.NewDecoder()
	total := 0
	for i := 0; i < 4; i++ {
		total += readFrame(t, conn, d).Events
	}
	assert.Equal(t, 2, total)
}

func TestVirtualStopCommand(t *testing.T) {
	cfg := DefaultVirtualConfig()
	cfg.FramePeriod = 10 * time.Millisecond
	_, conn := openVirtual(t, cfg)

	require.NoError(t, conn.Write(frame.EncodeCommand(frame.CmdStop)))
	_, err := conn.ReadPacket(50 * time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimeout)

	require.NoError(t, conn.Write(frame.EncodeCommand(frame.CmdStart)))
	f := readFrame(t, conn, frame.NewDecoder())
	assert.NotNil(t, f)

	var te *transport.Error
	assert.ErrorAs(t, conn.Write([]byte{1, 2, 3}), &te)
}

func TestVirtualClosed(t *testing.T) {
	_, conn := openVirtual(t, DefaultVirtualConfig())
	require.NoError(t, conn.Close())

	_, err := conn.ReadPacket(10 * time.Millisecond)
	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRegisteredTransports(t *testing.T) {
	assert.Contains(t, transport.Names(), "usb")
	assert.Contains(t, transport.Names(), "virtual")

	tr, err := transport.New("virtual")
	require.NoError(t, err)
	_, ok := tr.(*Virtual)
	assert.True(t, ok)
}

func TestVirtualResetCommand(t *testing.T) {
	cfg := DefaultVirtualConfig()
	cfg.FramePeriod = 50 * time.Millisecond
	_, conn := openVirtual(t, cfg)

	d := frame.NewDecoder()
	f := readFrame(t, conn, d)
	for f.DeviceClock < 0.3 {
		f = readFrame(t, conn, d)
	}

	// Reset restarts the device clock; status is ignored
	require.NoError(t, conn.Write(frame.EncodeCommand(frame.CmdReset)))
	require.NoError(t, conn.Write(frame.EncodeCommand(frame.CmdStatus)))
	f = readFrame(t, conn, frame.NewDecoder())
	assert.LessOrEqual(t, f.DeviceClock, 0.1)
}
