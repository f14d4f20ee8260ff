package detector

import (
	"context"
	"errors"
	"time"

	"github.com/sergev/gammaspec/frame"
	"github.com/sergev/gammaspec/metrics"
	"github.com/sergev/gammaspec/session"
	"github.com/sergev/gammaspec/spectrum"
	"github.com/sergev/gammaspec/transport"
)

var errNotConnected = &transport.Error{Op: "read", Err: errors.New("not connected")}

// ErrStalled is the cause of a reconnect after the detector stopped
// sending data
var ErrStalled = errors.New("no data from detector")

// run is the acquisition loop. It is the only reader of the connection.
func (c *Controller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	dec := frame.NewDecoder()
	var channels []int
	lastPacket := time.Now()
	healthy := false
	for ctx.Err() == nil {
		conn := c.session.Conn()
		var packet []byte
		var err error = errNotConnected
		if conn != nil {
			packet, err = conn.ReadPacket(c.cfg.ReadTimeout)
		}

		switch {
		case err == nil:
			lastPacket = time.Now()
			var applied bool
			channels, applied = c.feed(dec, packet, channels[:0])
			if applied && !healthy {
				c.session.Healthy()
				healthy = true
			}
			continue

		case errors.Is(err, transport.ErrTimeout):
			metrics.ReadTimeoutsTotal.Inc()
			if derr := dec.Abort(); derr != nil {
				c.decodeError(derr)
			}
			silent := time.Since(lastPacket)
			if silent < c.cfg.StallTimeout {
				continue
			}
			c.store.MarkStale()
			c.log.Warnw("Detector stopped sending data", "silent", silent)
			err = &transport.Error{Op: "read", Err: ErrStalled}
		}

		if ctx.Err() != nil {
			return
		}
		if !c.recover(ctx, err) {
			return
		}
		dec = frame.NewDecoder()
		lastPacket = time.Now()
		healthy = false
	}
}

// feed passes one packet to the decoder and applies a completed frame.
// It reports whether a frame was applied.
func (c *Controller) feed(dec *frame.Decoder, packet []byte, buf []int) ([]int, bool) {
	f, err := dec.Feed(packet)
	if err != nil {
		c.decodeError(err)
		return buf, false
	}
	if f == nil {
		return buf, false
	}

	buf, clamped := c.binner.Bin(buf, f.Pulses())
	c.store.Apply(spectrum.Batch{
		Channels:    buf,
		Clamped:     clamped,
		Temperature: f.Temperature,
		DeviceClock: f.DeviceClock,
	})

	metrics.FramesTotal.Inc()
	metrics.EventsTotal.Add(float64(len(buf)))
	if clamped > 0 {
		metrics.ClampedEventsTotal.Add(float64(clamped))
		c.log.Debugw("Readings beyond the last channel", "clamped", clamped)
	}
	metrics.CountRate.Set(c.store.CPS())
	metrics.Temperature.Set(f.Temperature)
	metrics.DeviceClock.Set(f.DeviceClock)
	return buf, true
}

func (c *Controller) decodeError(err error) {
	c.store.RecordDecodeError()
	metrics.DecodeErrorsTotal.Inc()
	c.log.Debugw("Frame dropped", "error", err)
}

// recover reconnects after a transport error. It returns false when the
// loop must exit.
func (c *Controller) recover(ctx context.Context, cause error) bool {
	err := c.session.Reconnect(ctx, cause)
	switch {
	case err == nil:
		// Counters survive the outage, the stale rate does not
		c.store.ClearRate()
		c.store.Resume()
		return true

	case errors.Is(err, session.ErrDeviceFaulted):
		c.store.MarkStale()
		metrics.CountRate.Set(0)
		c.setFaulted(err)
		c.log.Errorw("Acquisition stopped, detector faulted", "error", err)
		return false

	default:
		// Cancelled by Stop
		return false
	}
}
