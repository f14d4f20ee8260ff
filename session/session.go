// Package session owns the connection to the detector and recovers it
// after dropouts: reconnect with exponential backoff, then escalate to a
// USB hub power cycle, then give up and report the device as faulted.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/sergev/gammaspec/frame"
	"github.com/sergev/gammaspec/logger"
	"github.com/sergev/gammaspec/metrics"
	"github.com/sergev/gammaspec/transport"
)

// Session states
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateFaulted      = "faulted"
)

// Session events
const (
	EventConnect       = "connect"
	EventConnected     = "connected"
	EventConnectFailed = "connect_failed"
	EventDrop          = "drop"
	EventFault         = "fault"
	EventDisconnect    = "disconnect"
)

// ErrDeviceFaulted is returned when the reconnection policy is exhausted.
// The session stays faulted until Connect or Reconnect is called again.
var ErrDeviceFaulted = errors.New("device faulted")

// Default reconnection policy
const (
	DefaultFailureThreshold = 3
	DefaultInitialBackoff   = 500 * time.Millisecond
	DefaultMaxBackoff       = 5 * time.Second
)

// PowerCycler toggles power of the USB port a device is plugged into
type PowerCycler interface {
	PowerCycle(ctx context.Context, loc transport.Location) error
}

// Config describes the device and the reconnection policy
type Config struct {
	VendorID  uint16
	ProductID uint16
	Port      []int // USB port path, empty for the first matching device

	FailureThreshold int // consecutive failures before escalating
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration

	PowerCycleOnStart bool // power cycle before the first connect
}

// Manager owns the device session
type Manager struct {
	cfg       Config
	transport transport.Transport
	power     PowerCycler
	log       *zap.SugaredLogger
	machine   *fsm.FSM

	mu           sync.Mutex
	conn         transport.Conn
	location     transport.Location
	haveLocation bool
	failures     int  // consecutive failures since the device was last healthy
	escalated    bool // power cycle already tried for these failures
	backoff      backoff.BackOff
}

// NewManager creates a disconnected session. power may be nil when no
// power cycle utility is available; the session then faults without
// escalating.
func NewManager(cfg Config, t transport.Transport, power PowerCycler, log *zap.SugaredLogger) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}

	m := &Manager{
		cfg:       cfg,
		transport: t,
		power:     power,
		log:       logger.Or(log),
	}
	m.backoff = m.newBackOff()
	m.machine = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: EventConnect, Src: []string{StateDisconnected, StateFaulted}, Dst: StateConnecting},
			{Name: EventConnected, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: EventConnectFailed, Src: []string{StateConnecting}, Dst: StateDisconnected},
			{Name: EventDrop, Src: []string{StateConnected}, Dst: StateConnecting},
			{Name: EventFault, Src: []string{StateDisconnected, StateConnecting, StateConnected}, Dst: StateFaulted},
			{Name: EventDisconnect, Src: []string{StateConnecting, StateConnected, StateFaulted}, Dst: StateDisconnected},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.log.Debugw("Session state changed", "from", e.Src, "to", e.Dst, "event", e.Event)
				metrics.SetSessionState(e.Dst)
			},
		},
	)
	metrics.SetSessionState(StateDisconnected)
	return m
}

// fire triggers a state machine event; an event that leaves the state
// unchanged is not an error.
func (m *Manager) fire(ctx context.Context, event string) error {
	err := m.machine.Event(context.WithoutCancel(ctx), event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

// State returns the current session state
func (m *Manager) State() string {
	return m.machine.Current()
}

// Failures returns the number of consecutive failures
func (m *Manager) Failures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures
}

// Location returns the USB location of the last discovered device
func (m *Manager) Location() (transport.Location, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.location, m.haveLocation
}

// Conn returns the open connection, or nil when not connected.
// The acquisition loop is the only user of the connection.
func (m *Manager) Conn() transport.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

// Connect discovers and opens the device. It is a no-op when already
// connected, and clears a previous fault.
func (m *Manager) Connect(ctx context.Context) error {
	if m.State() == StateConnected && m.Conn() != nil {
		return nil
	}
	if m.State() == StateConnecting {
		return fmt.Errorf("connect already in progress")
	}
	if err := m.fire(ctx, EventConnect); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if m.cfg.PowerCycleOnStart && m.power != nil {
		if err := m.powerCycle(ctx); err != nil {
			m.log.Warnw("Power cycle before connect failed", "error", err)
		}
	}

	if err := m.open(); err != nil {
		m.fire(ctx, EventConnectFailed)
		return err
	}

	m.resetPolicy()
	m.fire(ctx, EventConnected)
	m.log.Infow("Detector connected", "location", m.locationString())
	return nil
}

// Disconnect closes the device. It is idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	var err error
	if conn != nil {
		if werr := conn.Write(frame.EncodeCommand(frame.CmdStop)); werr != nil && !errors.Is(werr, transport.ErrUnsupported) {
			m.log.Debugw("Stop command failed", "error", werr)
		}
		err = conn.Close()
	}
	m.fire(context.Background(), EventDisconnect)
	return err
}

// Reconnect recovers the session after a transport failure. The failure
// counter is kept across calls until Healthy confirms that data flows
// again, so a device that opens but never delivers still counts as
// failing. Attempts after the first wait out an exponential backoff; once
// the consecutive failures reach the threshold the hub port is power
// cycled once, and if that does not help either, the session becomes
// faulted and ErrDeviceFaulted is returned. Cancelling ctx aborts the
// recovery and leaves the session disconnected.
func (m *Manager) Reconnect(ctx context.Context, cause error) error {
	if m.State() == StateFaulted {
		// An explicit retry after a fault starts the policy over
		m.resetPolicy()
	}
	failures := m.addFailure()
	if cause != nil {
		m.log.Warnw("Lost communication with detector, reconnecting", "error", cause, "failures", failures)
	}

	switch m.State() {
	case StateConnected:
		m.fire(ctx, EventDrop)
	case StateDisconnected, StateFaulted:
		m.fire(ctx, EventConnect)
	}

	lastErr := cause
	for {
		if err := ctx.Err(); err != nil {
			m.closeConn()
			m.fire(ctx, EventDisconnect)
			return err
		}

		if failures >= m.cfg.FailureThreshold {
			if m.power == nil || !m.escalate() {
				return m.fault(ctx, lastErr)
			}
			if err := m.powerCycle(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				return m.fault(ctx, fmt.Errorf("power cycle: %w", err))
			}
		} else if failures > 1 {
			delay := m.nextBackOff()
			m.log.Debugw("Waiting before reconnect", "failures", failures, "delay", delay)
			m.closeConn()
			if !wait(ctx, delay) {
				continue
			}
		}

		err := m.open()
		metrics.ReconnectsTotal.WithLabelValues(metrics.Result(err)).Inc()
		if err == nil {
			m.fire(ctx, EventConnected)
			m.log.Infow("Detector reconnected", "location", m.locationString(), "failures", failures)
			return nil
		}

		lastErr = err
		failures = m.addFailure()
		m.log.Warnw("Reconnect failed", "error", err, "failures", failures)
	}
}

// Healthy tells the session that the device delivers data again. It
// clears the failure counter, the escalation and the backoff.
func (m *Manager) Healthy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures == 0 && !m.escalated {
		return
	}
	m.log.Debugw("Detector healthy", "failures", m.failures)
	m.failures = 0
	m.escalated = false
	m.backoff.Reset()
}

func (m *Manager) resetPolicy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = 0
	m.escalated = false
	m.backoff.Reset()
}

func (m *Manager) addFailure() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	return m.failures
}

// escalate reports whether the power cycle may still be tried, and marks
// it as used
func (m *Manager) escalate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.escalated {
		return false
	}
	m.escalated = true
	return true
}

func (m *Manager) nextBackOff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoff.NextBackOff()
}

// wait sleeps for d; it returns false when ctx is cancelled first
func wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *Manager) fault(ctx context.Context, cause error) error {
	m.closeConn()
	m.fire(ctx, EventFault)
	m.log.Errorw("Detector faulted, giving up", "error", cause, "failures", m.Failures())
	if cause == nil {
		return ErrDeviceFaulted
	}
	return fmt.Errorf("%w: %w", ErrDeviceFaulted, cause)
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.InitialBackoff
	b.MaxInterval = m.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// open closes any previous connection, then discovers and opens the device
func (m *Manager) open() error {
	m.closeConn()

	h, err := m.transport.Discover(m.cfg.VendorID, m.cfg.ProductID, m.cfg.Port)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.location = h.Location
	m.haveLocation = true
	m.mu.Unlock()

	conn, err := m.transport.Open(h)
	if err != nil {
		return err
	}
	if err := conn.Write(frame.EncodeCommand(frame.CmdStart)); err != nil && !errors.Is(err, transport.ErrUnsupported) {
		conn.Close()
		return fmt.Errorf("failed to start streaming: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	return nil
}

func (m *Manager) closeConn() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()
	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.Debugw("Close failed", "error", err)
		}
	}
}

// powerCycle power cycles the port of the device, discovering it first
// when its location is not known yet.
func (m *Manager) powerCycle(ctx context.Context) error {
	loc, ok := m.Location()
	if !ok {
		h, err := m.transport.Discover(m.cfg.VendorID, m.cfg.ProductID, m.cfg.Port)
		if err != nil {
			return fmt.Errorf("cannot locate device: %w", err)
		}
		loc = h.Location
	}

	m.closeConn()
	m.log.Infow("Power cycling USB port", "location", loc.String())
	err := m.power.PowerCycle(ctx, loc)
	metrics.PowerCyclesTotal.WithLabelValues(metrics.Result(err)).Inc()
	return err
}

func (m *Manager) locationString() string {
	if loc, ok := m.Location(); ok {
		return loc.String()
	}
	return "unknown"
}
