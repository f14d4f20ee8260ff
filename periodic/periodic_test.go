package periodic

import (
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sergev/gammaspec/spectrum"
)

// countingSource adds one count to channel 10 per snapshot
type countingSource struct {
	mu sync.Mutex
	n  uint64
}

func (s *countingSource) Snapshot() *spectrum.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	snap := &spectrum.Snapshot{}
	snap.Counts[10] = s.n
	return snap
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestFilename(t *testing.T) {
	at := time.Date(2024, 3, 7, 9, 5, 1, 0, time.Local)
	assert.Equal(t, "run_20240307_090501.csv", Filename("run", at))
	assert.Equal(t, "dir/run_20240307_090501.txt", Filename("dir/run.txt", at))
	assert.Equal(t, "run_20240307_090501.csv", Filename("run.csv", at))
}

func TestHeader(t *testing.T) {
	h := Header()
	require.Len(t, h, spectrum.Channels+1)
	assert.Equal(t, "delta_t", h[0])
	assert.Equal(t, "ch0", h[1])
	assert.Equal(t, "ch4095", h[spectrum.Channels])
}

func TestTimedJob(t *testing.T) {
	src := &countingSource{}
	s := NewScheduler(src, nil)
	base := filepath.Join(t.TempDir(), "spec")

	path, err := s.Start(Job{Base: base, Interval: 50 * time.Millisecond, Total: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, s.Active())
	assert.Equal(t, path, s.Path())

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("job did not finish")
	}
	assert.False(t, s.Active())
	assert.NoError(t, s.Stop())

	records := readCSV(t, path)
	require.Len(t, records, 5)
	assert.Equal(t, Header(), records[0])

	var prev uint64
	for i, row := range records[1:] {
		require.Len(t, row, spectrum.Channels+1)
		dt, err := strconv.ParseFloat(row[0], 64)
		require.NoError(t, err)
		assert.InDelta(t, 0.05, dt, 0.045, "row %d", i)

		// Rows are cumulative
		c, err := strconv.ParseUint(row[11], 10, 64)
		require.NoError(t, err)
		assert.Greater(t, c, prev)
		prev = c
		assert.Equal(t, "0", row[1])
	}
	assert.InDelta(t, 50*time.Millisecond, s.LastDeltaT(), float64(40*time.Millisecond))
}

func TestAlreadyActive(t *testing.T) {
	s := NewScheduler(&countingSource{}, nil)
	dir := t.TempDir()

	_, err := s.Start(Job{Base: filepath.Join(dir, "a"), Interval: time.Second})
	require.NoError(t, err)

	_, err = s.Start(Job{Base: filepath.Join(dir, "b"), Interval: time.Second})
	assert.ErrorIs(t, err, ErrLoggingAlreadyActive)

	require.NoError(t, s.Stop())
	assert.False(t, s.Active())

	_, err = s.Start(Job{Base: filepath.Join(dir, "c"), Interval: time.Second})
	require.NoError(t, err)
	require.NoError(t, s.Stop())
}

func TestStopEndsWrites(t *testing.T) {
	s := NewScheduler(&countingSource{}, nil)
	path, err := s.Start(Job{Base: filepath.Join(t.TempDir(), "x"), Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(55 * time.Millisecond)
	require.NoError(t, s.Stop())

	first := readCSV(t, path)
	time.Sleep(50 * time.Millisecond)
	second := readCSV(t, path)
	assert.Equal(t, len(first), len(second))
	assert.GreaterOrEqual(t, len(first), 2)
}

func TestStopWhenIdle(t *testing.T) {
	s := NewScheduler(&countingSource{}, nil)
	assert.NoError(t, s.Stop())
	assert.Nil(t, s.Done())
	assert.Equal(t, "", s.Path())
}

func TestInvalidJob(t *testing.T) {
	s := NewScheduler(&countingSource{}, nil)
	_, err := s.Start(Job{Base: "x", Interval: 0})
	assert.Error(t, err)
	_, err = s.Start(Job{Base: "x", Interval: time.Second, Total: -time.Second})
	assert.Error(t, err)
	_, err = s.Start(Job{Interval: time.Second})
	assert.Error(t, err)
	assert.False(t, s.Active())
}

func TestCreateError(t *testing.T) {
	s := NewScheduler(&countingSource{}, nil)
	base := filepath.Join(t.TempDir(), "missing", "spec")

	_, err := s.Start(Job{Base: base, Interval: time.Second})
	var fwe *FileWriteError
	require.ErrorAs(t, err, &fwe)
	assert.Contains(t, fwe.Path, "spec_")
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.False(t, s.Active())
}

func TestWriteErrorEndsJob(t *testing.T) {
	s := NewScheduler(&countingSource{}, nil)
	path, err := s.Start(Job{Base: filepath.Join(t.TempDir(), "spec"), Interval: 20 * time.Millisecond})
	require.NoError(t, err)
	done := s.Done()

	// The next row fails to write
	s.mu.Lock()
	require.NoError(t, s.active.file.Close())
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not end after a write error")
	}
	assert.False(t, s.Active())

	var fwe *FileWriteError
	require.ErrorAs(t, s.Err(), &fwe)
	assert.Equal(t, path, fwe.Path)
	assert.ErrorIs(t, fwe, os.ErrClosed)
	assert.Equal(t, 1, strings.Count(fwe.Error(), path), fwe.Error())

	err = s.Stop()
	require.ErrorAs(t, err, &fwe)

	// Reported once
	assert.NoError(t, s.Stop())
	assert.NoError(t, s.Err())
}

// brokenFile fails every write
type brokenFile struct{}

func (brokenFile) Write(p []byte) (int, error) { return 0, errors.New("no space left on device") }
func (brokenFile) Close() error                { return nil }

func TestHeaderWriteError(t *testing.T) {
	s := NewScheduler(&countingSource{}, nil, WithOpener(func(string) (io.WriteCloser, error) {
		return brokenFile{}, nil
	}))

	_, err := s.Start(Job{Base: "spec", Interval: time.Second})
	var fwe *FileWriteError
	require.ErrorAs(t, err, &fwe)
	assert.True(t, strings.HasPrefix(fwe.Error(), "write spec_"), fwe.Error())
	assert.Contains(t, fwe.Error(), "no space left")
	assert.False(t, s.Active())
	assert.Nil(t, s.Done())

	// The slot is free again
	_, err = s.Start(Job{Base: "spec", Interval: time.Second})
	assert.NotErrorIs(t, err, ErrLoggingAlreadyActive)
	assert.ErrorAs(t, err, &fwe)
}
