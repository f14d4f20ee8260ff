// Package metrics exports acquisition statistics to Prometheus
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gammaspec"

// Session states, as exported in the session_state gauge
var sessionStates = []string{"disconnected", "connecting", "connected", "faulted"}

var (
	FramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acquisition",
		Name:      "frames_total",
		Help:      "Detector frames decoded.",
	})

	EventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acquisition",
		Name:      "events_total",
		Help:      "Pulse events added to the spectrum.",
	})

	ClampedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acquisition",
		Name:      "clamped_events_total",
		Help:      "Events whose reading was beyond the last channel.",
	})

	DecodeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acquisition",
		Name:      "decode_errors_total",
		Help:      "Malformed or truncated frames dropped.",
	})

	ReadTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acquisition",
		Name:      "read_timeouts_total",
		Help:      "Transport reads that returned no data in time.",
	})

	CountRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "count_rate_cps",
		Help:      "Sliding window count rate.",
	})

	Temperature = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "temperature_celsius",
		Help:      "Last temperature reported by the detector.",
	})

	DeviceClock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "detector",
		Name:      "device_clock_seconds",
		Help:      "Last device clock value.",
	})

	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "reconnect_attempts_total",
		Help:      "Device reconnect attempts by result.",
	}, []string{"result"})

	PowerCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "power_cycles_total",
		Help:      "USB hub power cycles by result.",
	}, []string{"result"})

	SessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "state",
		Help:      "Device session state (1 for the current state).",
	}, []string{"state"})

	LogRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "periodic",
		Name:      "rows_total",
		Help:      "Rows written to periodic spectrum logs.",
	})

	LogErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "periodic",
		Name:      "write_errors_total",
		Help:      "Failed periodic log writes.",
	})
)

// SetSessionState marks state as the current session state
func SetSessionState(state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
}

// Result returns the label value for an operation outcome
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Handler serves the registered metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
