package build

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jrick/logrotate/rotator"
)

// LogFilename is the name of the active log file.
const LogFilename = "mailrpc.log"

// RotatingLogWriter feeds a jrick/logrotate rotator through a pipe. Rolled
// files are gzip-compressed.
type RotatingLogWriter struct {
	pipe    *io.PipeWriter
	rotator *rotator.Rotator
	done    chan struct{}
}

// NewRotatingLogWriter creates the log directory and starts the rotator.
// maxSizeMB bounds a file before it rolls; maxFiles bounds how many rolled
// files are kept.
func NewRotatingLogWriter(dir string, maxSizeMB,
	maxFiles int) (*RotatingLogWriter, error) {

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	// The rotator threshold is in kilobytes.
	r, err := rotator.New(filepath.Join(dir, LogFilename),
		int64(maxSizeMB*1024), false, maxFiles)
	if err != nil {
		return nil, fmt.Errorf("creating file rotator: %w", err)
	}
	r.SetCompressor(gzip.NewWriter(nil), ".gz")

	pr, pw := io.Pipe()
	w := &RotatingLogWriter{
		pipe:    pw,
		rotator: r,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(w.done)

		// The rotator is the log destination, so its own failure can
		// only go to stderr.
		if err := r.Run(pr); err != nil {
			fmt.Fprintf(os.Stderr, "log rotator: %v\n", err)
		}
		_ = r.Close()
	}()

	return w, nil
}

func (w *RotatingLogWriter) Write(b []byte) (int, error) {
	return w.pipe.Write(b)
}

// Close flushes buffered output and stops the rotator.
func (w *RotatingLogWriter) Close() error {
	err := w.pipe.Close()
	<-w.done
	return err
}
