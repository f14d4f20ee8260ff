package spectrum

import "time"

type rateEntry struct {
	t time.Time
	n int
}

// rateWindow is a sliding time window of event counts
type rateWindow struct {
	span    time.Duration
	start   time.Time // when the window was last cleared
	entries []rateEntry
}

func (w *rateWindow) push(now time.Time, n int) {
	w.entries = append(w.entries, rateEntry{t: now, n: n})
	w.evict(now)
}

// evict drops entries older than the window span
func (w *rateWindow) evict(now time.Time) {
	cut := now.Add(-w.span)
	i := 0
	for i < len(w.entries) && !w.entries[i].t.After(cut) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

func (w *rateWindow) clear(now time.Time) {
	w.entries = w.entries[:0]
	w.start = now
}

// cps returns the window sum divided by the covered span.
// The span is the window length, or less when the window was cleared recently.
func (w *rateWindow) cps(now time.Time) float64 {
	cut := now.Add(-w.span)
	sum := 0
	for _, e := range w.entries {
		if e.t.After(cut) {
			sum += e.n
		}
	}
	if sum == 0 {
		return 0
	}
	from := cut
	if w.start.After(from) {
		from = w.start
	}
	span := now.Sub(from)
	if span <= 0 {
		return 0
	}
	return float64(sum) / span.Seconds()
}
