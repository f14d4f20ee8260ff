// Package spectrum holds the cumulative pulse-height spectrum and the
// live count rate estimate.
package spectrum

import (
	"math"
	"sync"
	"time"

	"github.com/sergev/gammaspec/frame"
)

// Channels is the number of spectrum channels
const Channels = frame.Channels

// DefaultRateWindow is the default span of the count rate window
const DefaultRateWindow = 3 * time.Second

// Batch is the result of decoding and binning one frame
type Batch struct {
	Channels []int // channel of each event
	Clamped  int   // events clamped into the edge channel

	Temperature float64
	DeviceClock float64
}

// Store accumulates binned events. All methods are safe for concurrent use;
// every mutation and every snapshot happens under one lock.
type Store struct {
	mu sync.Mutex

	counts  [Channels]uint64
	elapsed time.Duration
	last    time.Time // time of the previous apply or resume
	rate    rateWindow

	events       uint64
	clamped      uint64
	decodeErrors uint64

	temperature float64
	deviceClock float64
	stale       bool

	now func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithRateWindow sets the span of the count rate window
func WithRateWindow(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.rate.span = d
		}
	}
}

// WithClock replaces the wall clock, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty store
func NewStore(opts ...Option) *Store {
	s := &Store{
		rate:        rateWindow{span: DefaultRateWindow},
		temperature: math.NaN(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	now := s.now()
	s.last = now
	s.rate.start = now
	return s
}

// Apply adds one batch of events
func (s *Store) Apply(b Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, ch := range b.Channels {
		if ch < 0 {
			ch = 0
		} else if ch >= Channels {
			ch = Channels - 1
		}
		s.counts[ch]++
	}
	if now.After(s.last) {
		s.elapsed += now.Sub(s.last)
	}
	s.last = now

	s.events += uint64(len(b.Channels))
	s.clamped += uint64(b.Clamped)
	s.temperature = b.Temperature
	s.deviceClock = b.DeviceClock
	s.stale = false

	s.rate.push(now, len(b.Channels))
}

// RecordDecodeError counts a dropped frame
func (s *Store) RecordDecodeError() {
	s.mu.Lock()
	s.decodeErrors++
	s.mu.Unlock()
}

// Snapshot returns a consistent copy of the accumulated state
func (s *Store) Snapshot() *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	return &Snapshot{
		Counts:       s.counts,
		Elapsed:      s.elapsed,
		CPS:          s.rate.cps(now),
		Temperature:  s.temperature,
		DeviceClock:  s.deviceClock,
		Events:       s.events,
		Clamped:      s.clamped,
		DecodeErrors: s.decodeErrors,
		Degraded:     s.stale,
		TakenAt:      now,
	}
}

// CPS returns the current count rate estimate
func (s *Store) CPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rate.cps(s.now())
}

// Reset zeroes the counters, elapsed time and the rate window.
// Telemetry is kept: it describes the device, not the measurement.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.counts = [Channels]uint64{}
	s.elapsed = 0
	s.last = now
	s.events = 0
	s.clamped = 0
	s.decodeErrors = 0
	s.rate.clear(now)
}

// ClearRate empties the rate window without touching the counters
func (s *Store) ClearRate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate.clear(s.now())
}

// Resume restarts elapsed time accounting, so that time spent without a
// device is not counted as acquisition time.
func (s *Store) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = s.now()
}

// MarkStale flags temperature and device clock as out of date until the
// next batch arrives.
func (s *Store) MarkStale() {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()
}
