package detector

import (
	"context"
	"time"

	"github.com/sergev/gammaspec/periodic"
	"github.com/sergev/gammaspec/spectrum"
)

// AcquireFor makes sure acquisition is running, waits for d measured from
// the call, and returns a snapshot. The spectrum is not reset. When
// filename is not empty the counters are also written to it as text; a
// write failure is returned as *periodic.FileWriteError together with
// the snapshot.
//
// If the detector faults during the wait, the wait still completes and
// the snapshot is marked as degraded. A cancelled ctx ends the wait
// early and returns the snapshot with the context error.
func (c *Controller) AcquireFor(ctx context.Context, d time.Duration, filename string) (*spectrum.Snapshot, error) {
	deadline := time.Now().Add(d)
	if err := c.Start(ctx); err != nil {
		return nil, err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return c.Spectrum(), ctx.Err()
	case <-timer.C:
	}

	snap := c.Spectrum()
	if snap.Degraded {
		c.log.Warnw("Acquisition finished with stale telemetry", "error", c.Err())
	}
	if filename != "" {
		if err := snap.SaveText(filename); err != nil {
			return snap, &periodic.FileWriteError{Path: filename, Err: err}
		}
		c.log.Infow("Spectrum saved", "file", filename, "events", snap.Total())
	}
	return snap, nil
}
