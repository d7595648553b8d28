package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const logFileSuffix = "page2BlockLog.txt"

// LogSink receives operator-facing log entries
type LogSink interface {
	Append(message string) error
	Close() error
}

// NopSink drops every entry, used when logging is disabled
type NopSink struct{}

func (NopSink) Append(string) error { return nil }

func (NopSink) Close() error { return nil }

// FileSink appends "<date time>: <message>" lines to one file per run
type FileSink struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	location *time.Location
	now      func() time.Time
}

// NewFileSink creates <dir>/<yyyyMMdd-HHmm>-page2BlockLog.txt, stamping entries in loc
func NewFileSink(dir string, loc *time.Location) (*FileSink, error) {
	return newFileSink(dir, loc, time.Now)
}

func newFileSink(dir string, loc *time.Location, now func() time.Time) (*FileSink, error) {
	if loc == nil {
		loc = time.UTC
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log folder %s: %w", dir, err)
	}

	name := fmt.Sprintf("%s-%s", now().In(loc).Format("20060102-1504"), logFileSuffix)
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	return &FileSink{file: f, path: path, location: loc, now: now}, nil
}

// Path returns the log file location
func (s *FileSink) Path() string {
	return s.path
}

// Append writes one timestamped entry
func (s *FileSink) Append(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp := s.now().In(s.location).Format("01/02/2006 15:04")
	if _, err := fmt.Fprintf(s.file, "%s: %s\n", stamp, message); err != nil {
		return fmt.Errorf("failed to append to %s: %w", s.path, err)
	}
	return nil
}

// Close closes the log file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// OpenSink returns a FileSink when enabled, otherwise a NopSink
func OpenSink(enabled bool, dir string, loc *time.Location) (LogSink, error) {
	if !enabled {
		return NopSink{}, nil
	}
	return NewFileSink(dir, loc)
}
