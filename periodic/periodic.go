// Package periodic writes the cumulative spectrum to a CSV file at a
// fixed interval.
//
// The file starts with the header "delta_t,ch0,...,ch4095". Each row holds
// the seconds since the previous row (the first row counts from the start
// of logging) followed by the cumulative counts of all channels. Rows are
// cumulative: consecutive rows must be subtracted to get the counts of one
// interval.
package periodic

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sergev/gammaspec/logger"
	"github.com/sergev/gammaspec/metrics"
	"github.com/sergev/gammaspec/spectrum"
)

// ErrLoggingAlreadyActive is returned when a job is started while another runs
var ErrLoggingAlreadyActive = errors.New("logging already active")

// FileWriteError reports a failure to create or write an output file
type FileWriteError struct {
	Path string
	Err  error
}

func (e *FileWriteError) Error() string {
	msg := e.Err.Error()
	if strings.Contains(msg, e.Path) {
		// *os.PathError and friends name the file already
		return msg
	}
	return fmt.Sprintf("write %s: %s", e.Path, msg)
}

func (e *FileWriteError) Unwrap() error {
	return e.Err
}

// Source provides spectrum snapshots
type Source interface {
	Snapshot() *spectrum.Snapshot
}

// Job configures one logging run
type Job struct {
	Base     string        // output base name, a timestamp is appended
	Interval time.Duration // time between rows
	Total    time.Duration // total logging time, 0 logs until stopped
}

// Filename appends a timestamp to the base name, keeping its extension.
// Names without an extension get ".csv".
func Filename(base string, t time.Time) string {
	ext := filepath.Ext(base)
	root := base[:len(base)-len(ext)]
	if ext == "" {
		ext = ".csv"
	}
	return fmt.Sprintf("%s_%s%s", root, t.Format("20060102_150405"), ext)
}

// Header returns the CSV header row
func Header() []string {
	header := make([]string, 0, spectrum.Channels+1)
	header = append(header, "delta_t")
	for i := 0; i < spectrum.Channels; i++ {
		header = append(header, "ch"+strconv.Itoa(i))
	}
	return header
}

// Opener creates the output file of a job
type Opener func(path string) (io.WriteCloser, error)

func createFile(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithOpener replaces the function that creates output files
func WithOpener(open Opener) Option {
	return func(s *Scheduler) {
		s.open = open
	}
}

// Scheduler runs at most one logging job at a time
type Scheduler struct {
	src  Source
	log  *zap.SugaredLogger
	now  func() time.Time
	open Opener

	mu         sync.Mutex
	active     *run
	lastDeltaT time.Duration
	lastErr    error
}

type run struct {
	job    Job
	path   string
	file   io.WriteCloser
	w      *csv.Writer
	cancel context.CancelFunc
	done   chan struct{}
	rows   int
	err    error
}

// NewScheduler creates an idle scheduler sampling src
func NewScheduler(src Source, log *zap.SugaredLogger, opts ...Option) *Scheduler {
	s := &Scheduler{
		src:  src,
		log:  logger.Or(log),
		now:  time.Now,
		open: createFile,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start creates the output file, writes the header and starts sampling.
// It returns the path of the file.
func (s *Scheduler) Start(job Job) (string, error) {
	if job.Interval <= 0 {
		return "", fmt.Errorf("invalid logging interval %v", job.Interval)
	}
	if job.Total < 0 {
		return "", fmt.Errorf("invalid total logging time %v", job.Total)
	}
	if job.Base == "" {
		return "", fmt.Errorf("empty log file name")
	}

	// Reserve the slot, then create the file without holding the lock
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		cancel()
		return "", ErrLoggingAlreadyActive
	}
	start := s.now()
	path := Filename(job.Base, start)
	r := &run{
		job:    job,
		path:   path,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active = r
	s.lastDeltaT = 0
	s.lastErr = nil
	s.mu.Unlock()

	if err := r.create(s.open); err != nil {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		cancel()
		close(r.done)
		return "", &FileWriteError{Path: path, Err: err}
	}
	go s.loop(ctx, r, start)

	if job.Total > 0 {
		s.log.Infow("Periodic logging started", "file", path, "interval", job.Interval, "total", job.Total)
	} else {
		s.log.Infow("Periodic logging started", "file", path, "interval", job.Interval, "total", "until stopped")
	}
	return path, nil
}

// create opens the file and writes the header
func (r *run) create(open Opener) error {
	file, err := open(r.path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(file)
	w.Write(Header())
	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return err
	}
	r.file = file
	r.w = w
	return nil
}

func (s *Scheduler) loop(ctx context.Context, r *run, start time.Time) {
	defer s.finish(r)

	ticker := time.NewTicker(r.job.Interval)
	defer ticker.Stop()

	prev := start
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := s.now()
		delta := now.Sub(prev)
		prev = now

		// The snapshot is a copy: no lock is held during file I/O
		snap := s.src.Snapshot()
		if err := r.writeRow(delta, snap); err != nil {
			r.err = &FileWriteError{Path: r.path, Err: err}
			metrics.LogErrorsTotal.Inc()
			s.log.Errorw("Error writing log file, logging stopped", "file", r.path, "error", err)
			return
		}
		metrics.LogRowsTotal.Inc()

		s.mu.Lock()
		r.rows++
		s.lastDeltaT = delta
		rows := r.rows
		s.mu.Unlock()

		if r.job.Total > 0 && time.Duration(rows)*r.job.Interval >= r.job.Total {
			return
		}
	}
}

func (r *run) writeRow(delta time.Duration, snap *spectrum.Snapshot) error {
	row := make([]string, 0, spectrum.Channels+1)
	row = append(row, strconv.FormatFloat(delta.Seconds(), 'f', 3, 64))
	for _, c := range snap.Counts {
		row = append(row, strconv.FormatUint(c, 10))
	}
	if err := r.w.Write(row); err != nil {
		return err
	}
	r.w.Flush()
	return r.w.Error()
}

// finish closes the file and retires the job
func (s *Scheduler) finish(r *run) {
	if err := r.file.Close(); err != nil && r.err == nil {
		r.err = &FileWriteError{Path: r.path, Err: err}
	}

	s.mu.Lock()
	if s.active == r {
		s.active = nil
	}
	s.lastErr = r.err
	rows := r.rows
	s.mu.Unlock()

	s.log.Infow("Periodic logging ended", "file", r.path, "rows", rows)
	close(r.done)
}

// Stop ends the active job and waits until it wrote its last row.
// It returns the error that ended the job, once; later calls return nil.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()

	if r != nil {
		r.cancel()
		<-r.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.lastErr
	s.lastErr = nil
	return err
}

// Active reports whether a job is running
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Done returns a channel closed when the active job ends, or nil when idle
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.done
}

// Path returns the file of the active job
func (s *Scheduler) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.path
}

// LastDeltaT returns the delta_t of the most recent row
func (s *Scheduler) LastDeltaT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDeltaT
}

// Err returns the error that ended the last job, until Stop reports it
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
