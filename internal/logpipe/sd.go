package logpipe

import (
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// SDWriter is the out-of-scope SD-card transport (spec §1, named in
// spec §6 as `sdcard_filename`); only the write surface is needed here.
type SDWriter interface {
	io.Writer
}

// SDSink implements Destination over an SDWriter, streaming each record
// through a brotli writer — matching the flash sink's compression
// treatment per SPEC_FULL §4.5, since the two durable sinks share the
// same framing discipline.
type SDSink struct {
	w SDWriter
}

// NewSDSink wraps w as a Destination.
func NewSDSink(w SDWriter) *SDSink {
	return &SDSink{w: w}
}

func (s *SDSink) Name() string { return "sdcard" }

func (s *SDSink) WriteRecord(line string) error {
	bw := brotli.NewWriterLevel(s.w, brotli.DefaultCompression)
	if _, err := bw.Write([]byte(line)); err != nil {
		return fmt.Errorf("sdcard: write: %w", err)
	}
	if err := bw.Close(); err != nil {
		return fmt.Errorf("sdcard: close: %w", err)
	}
	return nil
}
