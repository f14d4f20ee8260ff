package spectrum

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// Snapshot is an immutable copy of the spectrum and telemetry at one instant
type Snapshot struct {
	Counts  [Channels]uint64
	Elapsed time.Duration
	CPS     float64

	Temperature float64 // degrees Celsius, NaN if never reported
	DeviceClock float64 // seconds

	Events       uint64 // events accumulated since the last reset
	Clamped      uint64 // events clamped into the edge channel
	DecodeErrors uint64 // frames dropped since the last reset

	// Degraded is set when the device stopped delivering data, so
	// temperature and device clock are stale.
	Degraded bool

	TakenAt time.Time
}

// Total returns the sum of all counters
func (s *Snapshot) Total() uint64 {
	var total uint64
	for _, c := range s.Counts {
		total += c
	}
	return total
}

// WriteText writes the counters as text, one integer per line
func (s *Snapshot) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	buf := make([]byte, 0, 24)
	for _, c := range s.Counts {
		buf = strconv.AppendUint(buf[:0], c, 10)
		buf = append(buf, '\n')
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// SaveText writes the counters to a text file
func (s *Snapshot) SaveText(filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create spectrum file: %w", err)
	}
	if err := s.WriteText(file); err != nil {
		file.Close()
		return fmt.Errorf("failed to write spectrum file %s: %w", filename, err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close spectrum file %s: %w", filename, err)
	}
	return nil
}

// ReadText parses a spectrum text file written by WriteText
func ReadText(r io.Reader) ([Channels]uint64, error) {
	var counts [Channels]uint64
	scanner := bufio.NewScanner(r)
	n := 0
	for scanner.Scan() {
		if n >= Channels {
			return counts, fmt.Errorf("more than %d lines", Channels)
		}
		v, err := strconv.ParseUint(scanner.Text(), 10, 64)
		if err != nil {
			return counts, fmt.Errorf("line %d: %w", n+1, err)
		}
		counts[n] = v
		n++
	}
	if err := scanner.Err(); err != nil {
		return counts, err
	}
	if n != Channels {
		return counts, fmt.Errorf("got %d lines, expected %d", n, Channels)
	}
	return counts, nil
}
