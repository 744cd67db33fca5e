package events

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
)

// Writer appends events to a JSONL stream, one event per line.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	err    error
}

// NewWriter creates an event log writer on top of w.
func NewWriter(w io.Writer) *Writer {
	ew := &Writer{writer: bufio.NewWriter(w)}
	if f, ok := w.(*os.File); ok {
		ew.file = f
	}
	return ew
}

// NewFileWriter creates (or truncates) the event log at path.
func NewFileWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return NewWriter(f), nil
}

// Write appends one event and flushes it.
func (ew *Writer) Write(e Event) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	data, err := e.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := ew.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := ew.writer.Flush(); err != nil {
		return fmt.Errorf("flush event log: %w", err)
	}
	return nil
}

// Handle is a Handler that keeps the first write error for Err.
func (ew *Writer) Handle(e Event) {
	if err := ew.Write(e); err != nil {
		ew.mu.Lock()
		if ew.err == nil {
			ew.err = err
		}
		ew.mu.Unlock()
	}
}

// Err returns the first error seen by Handle.
func (ew *Writer) Err() error {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	return ew.err
}

// Close flushes and closes the underlying file, if the writer owns one.
func (ew *Writer) Close() error {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if err := ew.writer.Flush(); err != nil {
		return err
	}
	if ew.file != nil && ew.file != os.Stdout && ew.file != os.Stderr {
		return ew.file.Close()
	}
	return nil
}
