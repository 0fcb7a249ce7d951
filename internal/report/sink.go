package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Sink consumes finished reports.
type Sink interface {
	Consume(ctx context.Context, r *Report) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r *Report) error

// Consume implements Sink.
func (f SinkFunc) Consume(ctx context.Context, r *Report) error { return f(ctx, r) }

// WriterSink renders every report to w. Writes are serialized so concurrent
// runs do not interleave.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
}

// NewWriterSink creates a sink that renders to w.
func NewWriterSink(w io.Writer, format Format) *WriterSink {
	return &WriterSink{w: w, format: format}
}

// Consume implements Sink.
func (s *WriterSink) Consume(_ context.Context, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Write(s.w, r, s.format)
}

// DirSink writes each report to <dir>/<suite>-<run>.<ext>.
type DirSink struct {
	Dir    string
	Format Format
}

// Consume implements Sink.
func (s DirSink) Consume(_ context.Context, r *Report) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	ext := map[Format]string{FormatJSON: "json", FormatYAML: "yaml"}[s.Format]
	if ext == "" {
		ext = "txt"
	}
	format := s.Format
	if format == FormatTable {
		format = FormatText
	}

	path := filepath.Join(s.Dir, fmt.Sprintf("%s-%s.%s", r.SuiteID, r.RunID, ext))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	if err := Write(f, r, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
