package cmd

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/sergev/gammaspec/spectrum"
)

// summary is the JSON form of an acquisition result
type summary struct {
	File         string   `json:"file,omitempty"`
	Elapsed      float64  `json:"elapsed_s"`
	Events       uint64   `json:"events"`
	CPS          float64  `json:"cps"`
	Temperature  *float64 `json:"temperature_c"`
	DeviceClock  float64  `json:"device_clock_s"`
	Clamped      uint64   `json:"clamped"`
	DecodeErrors uint64   `json:"decode_errors"`
	Degraded     bool     `json:"degraded"`
	TakenAt      string   `json:"taken_at"`
	Counts       []uint64 `json:"counts,omitempty"`
}

func newSummary(snap *spectrum.Snapshot, file string, withCounts bool) summary {
	s := summary{
		File:         file,
		Elapsed:      snap.Elapsed.Seconds(),
		Events:       snap.Total(),
		CPS:          snap.CPS,
		DeviceClock:  snap.DeviceClock,
		Clamped:      snap.Clamped,
		DecodeErrors: snap.DecodeErrors,
		Degraded:     snap.Degraded,
		TakenAt:      snap.TakenAt.Format(time.RFC3339),
	}
	// JSON has no NaN
	if !math.IsNaN(snap.Temperature) {
		t := snap.Temperature
		s.Temperature = &t
	}
	if withCounts {
		s.Counts = snap.Counts[:]
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printSummary prints a snapshot for humans
func printSummary(w io.Writer, snap *spectrum.Snapshot) {
	fmt.Fprintf(w, "Elapsed:       %.1f s\n", snap.Elapsed.Seconds())
	fmt.Fprintf(w, "Events:        %d\n", snap.Total())
	fmt.Fprintf(w, "Count rate:    %.1f cps\n", snap.CPS)
	if math.IsNaN(snap.Temperature) {
		fmt.Fprintf(w, "Temperature:   unknown\n")
	} else {
		fmt.Fprintf(w, "Temperature:   %.1f °C\n", snap.Temperature)
	}
	fmt.Fprintf(w, "Device clock:  %.1f s\n", snap.DeviceClock)
	if snap.Clamped > 0 {
		fmt.Fprintf(w, "Clamped:       %d\n", snap.Clamped)
	}
	if snap.DecodeErrors > 0 {
		fmt.Fprintf(w, "Bad frames:    %d\n", snap.DecodeErrors)
	}
	if snap.Degraded {
		fmt.Fprintf(w, "Warning: detector stopped responding, telemetry is stale\n")
	}
}
