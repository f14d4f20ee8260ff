package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergev/gammaspec/frame"
	"github.com/sergev/gammaspec/transport"
)

type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	closed  bool
	readErr error
}

func (c *fakeConn) ReadPacket(timeout time.Duration) ([]byte, error) {
	if c.readErr != nil {
		return nil, c.readErr
	}
	return nil, transport.ErrTimeout
}

func (c *fakeConn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, p)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeTransport fails Discover while present is false
type fakeTransport struct {
	mu        sync.Mutex
	present   bool
	openErr   error
	readErr   error // returned by every read of opened connections
	discovers int
	conns     []*fakeConn
}

func (t *fakeTransport) setPresent(p bool) {
	t.mu.Lock()
	t.present = p
	t.mu.Unlock()
}

func (t *fakeTransport) Discover(vendorID, productID uint16, port []int) (transport.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discovers++
	if !t.present {
		return transport.Handle{}, fmt.Errorf("%w: VID=0x%04X PID=0x%04X", transport.ErrDeviceNotFound, vendorID, productID)
	}
	return transport.Handle{
		VendorID:  vendorID,
		ProductID: productID,
		Location:  transport.Location{Bus: 1, Path: []int{2, 3}},
	}, nil
}

func (t *fakeTransport) Open(h transport.Handle) (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	c := &fakeConn{readErr: t.readErr}
	t.conns = append(t.conns, c)
	return c, nil
}

type fakePower struct {
	mu      sync.Mutex
	calls   []transport.Location
	err     error
	onCycle func()
}

func (p *fakePower) PowerCycle(ctx context.Context, loc transport.Location) error {
	p.mu.Lock()
	p.calls = append(p.calls, loc)
	p.mu.Unlock()
	if p.onCycle != nil {
		p.onCycle()
	}
	return p.err
}

func (p *fakePower) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func testConfig() Config {
	return Config{
		VendorID:         0x0661,
		ProductID:        0x2917,
		FailureThreshold: 3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
	}
}

func TestConnect(t *testing.T) {
	ft := &fakeTransport{present: true}
	m := NewManager(testConfig(), ft, nil, nil)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())
	require.NotNil(t, m.Conn())

	loc, ok := m.Location()
	assert.True(t, ok)
	assert.Equal(t, "1-2.3", loc.String())

	// The device is told to start streaming
	require.Len(t, ft.conns, 1)
	cmd, err := frame.DecodeCommand(ft.conns[0].writes[0])
	require.NoError(t, err)
	assert.Equal(t, frame.CmdStart, cmd)

	// Connecting again is a no-op
	require.NoError(t, m.Connect(context.Background()))
	assert.Len(t, ft.conns, 1)
}

func TestConnectNotFound(t *testing.T) {
	m := NewManager(testConfig(), &fakeTransport{}, nil, nil)

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, transport.ErrDeviceNotFound)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Nil(t, m.Conn())
}

func TestConnectBusy(t *testing.T) {
	ft := &fakeTransport{present: true, openErr: fmt.Errorf("%w: access denied", transport.ErrDeviceBusy)}
	m := NewManager(testConfig(), ft, nil, nil)

	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, transport.ErrDeviceBusy)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestDisconnectIdempotent(t *testing.T) {
	ft := &fakeTransport{present: true}
	m := NewManager(testConfig(), ft, nil, nil)
	require.NoError(t, m.Connect(context.Background()))

	require.NoError(t, m.Disconnect())
	assert.Equal(t, StateDisconnected, m.State())
	assert.True(t, ft.conns[0].closed)
	cmd, err := frame.DecodeCommand(ft.conns[0].writes[len(ft.conns[0].writes)-1])
	require.NoError(t, err)
	assert.Equal(t, frame.CmdStop, cmd)

	require.NoError(t, m.Disconnect())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestReconnectSuccess(t *testing.T) {
	ft := &fakeTransport{present: true}
	m := NewManager(testConfig(), ft, nil, nil)
	require.NoError(t, m.Connect(context.Background()))
	first := m.Conn()

	err := m.Reconnect(context.Background(), &transport.Error{Op: "read", Err: errors.New("pipe error")})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, m.State())
	assert.NotSame(t, first, m.Conn())
	assert.True(t, ft.conns[0].closed)

	// The failure is kept until data flows again
	assert.Equal(t, 1, m.Failures())
	m.Healthy()
	assert.Equal(t, 0, m.Failures())
}

func TestReconnectAfterBackoff(t *testing.T) {
	ft := &fakeTransport{}
	cfg := testConfig()
	cfg.FailureThreshold = 100
	m := NewManager(cfg, ft, nil, nil)

	// Device comes back after a few failed attempts
	go func() {
		time.Sleep(20 * time.Millisecond)
		ft.setPresent(true)
	}()

	err := m.Reconnect(context.Background(), errors.New("gone"))
	require.NoError(t, err)
	assert.Equal(t, StateConnected, m.State())
	assert.Greater(t, m.Failures(), 1)
	m.Healthy()
	assert.Equal(t, 0, m.Failures())
}

func TestReconnectEscalatesToPowerCycle(t *testing.T) {
	ft := &fakeTransport{present: true}
	power := &fakePower{onCycle: func() { ft.setPresent(true) }}
	m := NewManager(testConfig(), ft, power, nil)
	require.NoError(t, m.Connect(context.Background()))

	// Device disappears until the hub port is power cycled
	ft.setPresent(false)
	err := m.Reconnect(context.Background(), errors.New("pipe error"))
	require.NoError(t, err)
	assert.Equal(t, 1, power.count())
	assert.Equal(t, "1-2.3", power.calls[0].String())
	assert.Equal(t, StateConnected, m.State())
}

func TestReconnectFaultsAfterPowerCycle(t *testing.T) {
	ft := &fakeTransport{present: true}
	power := &fakePower{}
	m := NewManager(testConfig(), ft, power, nil)
	require.NoError(t, m.Connect(context.Background()))

	ft.setPresent(false)
	err := m.Reconnect(context.Background(), errors.New("pipe error"))
	assert.ErrorIs(t, err, ErrDeviceFaulted)
	assert.Equal(t, 1, power.count())
	assert.Equal(t, StateFaulted, m.State())
	assert.Nil(t, m.Conn())

	// Faulted is terminal until an explicit connect
	ft.setPresent(true)
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, StateConnected, m.State())
}

func TestReconnectFaultsWithoutPowerCycler(t *testing.T) {
	ft := &fakeTransport{present: true}
	m := NewManager(testConfig(), ft, nil, nil)
	require.NoError(t, m.Connect(context.Background()))

	ft.setPresent(false)
	err := m.Reconnect(context.Background(), errors.New("pipe error"))
	assert.ErrorIs(t, err, ErrDeviceFaulted)
	assert.ErrorIs(t, err, transport.ErrDeviceNotFound)
	assert.Equal(t, StateFaulted, m.State())
}

func TestReconnectPowerCycleError(t *testing.T) {
	ft := &fakeTransport{present: true}
	power := &fakePower{err: errors.New("uhubctl failed")}
	m := NewManager(testConfig(), ft, power, nil)
	require.NoError(t, m.Connect(context.Background()))

	ft.setPresent(false)
	err := m.Reconnect(context.Background(), errors.New("pipe error"))
	assert.ErrorIs(t, err, ErrDeviceFaulted)
	assert.Equal(t, StateFaulted, m.State())
}

func TestReconnectCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1000
	cfg.InitialBackoff = 50 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	m := NewManager(cfg, &fakeTransport{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := m.Reconnect(ctx, errors.New("gone"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestPowerCycleOnStart(t *testing.T) {
	ft := &fakeTransport{present: true}
	power := &fakePower{}
	cfg := testConfig()
	cfg.PowerCycleOnStart = true
	m := NewManager(cfg, ft, power, nil)

	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, power.count())
	assert.Equal(t, StateConnected, m.State())
}

// readUntilFault drives the session the way the acquisition loop does:
// every read error triggers a reconnect.
func readUntilFault(t *testing.T, m *Manager, limit int) (int, error) {
	t.Helper()
	for i := 1; i <= limit; i++ {
		conn := m.Conn()
		require.NotNil(t, conn)
		_, err := conn.ReadPacket(time.Millisecond)
		require.Error(t, err)
		if err := m.Reconnect(context.Background(), err); err != nil {
			return i, err
		}
	}
	return limit, nil
}

func TestUnreadableDeviceEscalatesAndFaults(t *testing.T) {
	ft := &fakeTransport{present: true, readErr: &transport.Error{Op: "read", Err: errors.New("pipe error")}}
	power := &fakePower{}
	cfg := testConfig()
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 10 * time.Millisecond
	m := NewManager(cfg, ft, power, nil)
	require.NoError(t, m.Connect(context.Background()))

	start := time.Now()
	reconnects, err := readUntilFault(t, m, 100)
	assert.ErrorIs(t, err, ErrDeviceFaulted)
	assert.Equal(t, 4, reconnects)
	assert.Equal(t, 1, power.count())
	assert.Equal(t, StateFaulted, m.State())

	// Reopens after the first one wait for the backoff
	assert.GreaterOrEqual(t, time.Since(start), 8*time.Millisecond)
	ft.mu.Lock()
	assert.Len(t, ft.conns, 4)
	ft.mu.Unlock()
}

func TestUnreadableDeviceFaultsWithoutPowerCycler(t *testing.T) {
	ft := &fakeTransport{present: true, readErr: &transport.Error{Op: "read", Err: errors.New("pipe error")}}
	m := NewManager(testConfig(), ft, nil, nil)
	require.NoError(t, m.Connect(context.Background()))

	reconnects, err := readUntilFault(t, m, 100)
	assert.ErrorIs(t, err, ErrDeviceFaulted)
	assert.Equal(t, 3, reconnects)
	assert.Equal(t, StateFaulted, m.State())
}

func TestHealthyResetsEscalation(t *testing.T) {
	ft := &fakeTransport{present: true, readErr: &transport.Error{Op: "read", Err: errors.New("pipe error")}}
	power := &fakePower{}
	m := NewManager(testConfig(), ft, power, nil)
	require.NoError(t, m.Connect(context.Background()))

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Reconnect(context.Background(), errors.New("pipe error")))
	}
	assert.Equal(t, 1, power.count())

	// Data flowed in between, so the next dropout starts over
	m.Healthy()
	assert.Equal(t, 0, m.Failures())
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Reconnect(context.Background(), errors.New("pipe error")))
	}
	assert.Equal(t, 2, power.count())
	assert.Equal(t, StateConnected, m.State())
}
