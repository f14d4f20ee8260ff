// Package detector implements the acquisition controller: it owns the
// device session, runs the acquisition loop in the background and exposes
// the spectrum, the count rate, timed acquisition and periodic logging.
package detector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sergev/gammaspec/frame"
	"github.com/sergev/gammaspec/logger"
	"github.com/sergev/gammaspec/periodic"
	"github.com/sergev/gammaspec/session"
	"github.com/sergev/gammaspec/spectrum"
)

// State of the acquisition loop
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateFaulted  State = "faulted"
)

const (
	// DefaultReadTimeout bounds a single transport read
	DefaultReadTimeout = 100 * time.Millisecond

	// DefaultStallTimeout is how long the detector may stay silent
	// before it is reconnected
	DefaultStallTimeout = 5 * time.Second
)

// Config holds the acquisition parameters
type Config struct {
	NativeLevels int           // ADC levels of the detector, 0 for 65536
	RateWindow   time.Duration // span of the count rate window
	ReadTimeout  time.Duration
	StallTimeout time.Duration // silence that counts as a transport failure
}

// Controller is the facade used by the command line tool and by library
// callers. All methods are safe for concurrent use.
type Controller struct {
	cfg     Config
	session *session.Manager
	store   *spectrum.Store
	binner  *frame.Binner
	logs    *periodic.Scheduler
	log     *zap.SugaredLogger

	ctl sync.Mutex // serializes Start and Stop

	mu     sync.Mutex
	state  State
	fault  error
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle controller on top of a session manager
func New(cfg Config, sess *session.Manager, log *zap.SugaredLogger) (*Controller, error) {
	if cfg.NativeLevels == 0 {
		cfg.NativeLevels = frame.NativeLevels
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = spectrum.DefaultRateWindow
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = DefaultStallTimeout
	}
	binner, err := frame.NewBinner(cfg.NativeLevels, spectrum.Channels)
	if err != nil {
		return nil, err
	}

	log = logger.Or(log)
	store := spectrum.NewStore(spectrum.WithRateWindow(cfg.RateWindow))
	return &Controller{
		cfg:     cfg,
		session: sess,
		store:   store,
		binner:  binner,
		logs:    periodic.NewScheduler(store, log.Named("periodic")),
		log:     log.Named("acquire"),
		state:   StateIdle,
	}, nil
}

// State returns the state of the acquisition loop
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that faulted the controller, if any
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// Session returns the underlying device session
func (c *Controller) Session() *session.Manager {
	return c.session
}

// Start connects to the detector and starts the acquisition loop.
// Device errors are returned to the caller. Calling Start while running
// is a no-op; calling it after a fault reconnects.
func (c *Controller) Start(ctx context.Context) error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	c.mu.Lock()
	state, done := c.state, c.done
	c.mu.Unlock()
	if state == StateRunning {
		return nil
	}
	if done != nil {
		// A faulted loop has exited already
		<-done
	}

	if err := c.session.Connect(ctx); err != nil {
		return err
	}
	c.store.Resume()
	c.store.ClearRate()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done = make(chan struct{})
	c.mu.Lock()
	c.state = StateRunning
	c.fault = nil
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(loopCtx, done)
	c.log.Infow("Acquisition started")
	return nil
}

// Stop stops periodic logging and the acquisition loop, then closes the
// device. No counter changes after Stop returns. The error of a failed
// logging job is returned together with any error closing the device.
func (c *Controller) Stop() error {
	c.ctl.Lock()
	defer c.ctl.Unlock()

	logErr := c.logs.Stop()

	c.mu.Lock()
	cancel, done := c.cancel, c.done
	if c.state == StateRunning {
		c.state = StateStopping
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	err := c.session.Disconnect()

	c.mu.Lock()
	c.state = StateIdle
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	if cancel != nil {
		c.log.Infow("Acquisition stopped")
	}
	if err != nil {
		err = fmt.Errorf("close detector: %w", err)
	}
	return errors.Join(logErr, err)
}

// Reset zeroes the spectrum, the elapsed time and the count rate
func (c *Controller) Reset() {
	c.store.Reset()
	c.log.Debugw("Spectrum reset")
}

// Spectrum returns a snapshot of the accumulated spectrum
func (c *Controller) Spectrum() *spectrum.Snapshot {
	snap := c.store.Snapshot()
	if c.State() == StateFaulted {
		snap.Degraded = true
	}
	return snap
}

// CPS returns the current count rate estimate
func (c *Controller) CPS() float64 {
	return c.store.CPS()
}

// StartPeriodicLogging starts writing the cumulative spectrum to a CSV
// file every interval, for total time or until stopped when total is 0.
// It returns the name of the file.
func (c *Controller) StartPeriodicLogging(base string, interval, total time.Duration) (string, error) {
	return c.logs.Start(periodic.Job{Base: base, Interval: interval, Total: total})
}

// StopPeriodicLogging stops the active logging job and waits for it.
// It returns the error that ended the job, if any.
func (c *Controller) StopPeriodicLogging() error {
	return c.logs.Stop()
}

// LoggingDone returns a channel closed when the active logging job ends,
// or nil when no job runs.
func (c *Controller) LoggingDone() <-chan struct{} {
	return c.logs.Done()
}

// LastDeltaT returns the delta_t of the most recent periodic log row
func (c *Controller) LastDeltaT() time.Duration {
	return c.logs.LastDeltaT()
}

func (c *Controller) setFaulted(err error) {
	c.mu.Lock()
	c.state = StateFaulted
	c.fault = err
	c.mu.Unlock()
}

// IsFaulted reports whether err means the reconnection policy gave up
func IsFaulted(err error) bool {
	return errors.Is(err, session.ErrDeviceFaulted)
}
