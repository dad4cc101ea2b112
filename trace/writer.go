// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package trace

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/gogpu/gpurt/id"
)

// Writer appends entries to a trace. It is safe for concurrent use; entries
// are numbered in the order Record is called.
type Writer struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
	header Header
	seq    uint64
	err    error
}

// NewWriter writes a header for a new capture on backendName and returns a
// writer for its entries. If w is an io.Closer, Close closes it.
func NewWriter(w io.Writer, backendName string) (*Writer, error) {
	tw := &Writer{
		w: bufio.NewWriter(w),
		header: Header{
			Format:       Format,
			VersionMajor: VersionMajor,
			VersionMinor: VersionMinor,
			CaptureID:    uuid.New().String(),
			Backend:      backendName,
		},
	}
	if c, ok := w.(io.Closer); ok {
		tw.closer = c
	}
	if err := tw.writeLine(tw.header); err != nil {
		return nil, err
	}
	return tw, nil
}

// Header returns the capture header.
func (tw *Writer) Header() Header { return tw.header }

// Record appends one entry. args is marshaled to a JSON object and may be
// nil. The first error is sticky: later calls return it without writing.
func (tw *Writer) Record(op string, args any, handles ...id.Handle) error {
	var raw []byte
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("trace: %s args: %w", op, err)
		}
		raw = b
	}
	packed := make([]uint64, len(handles))
	for i, h := range handles {
		packed[i] = h.Pack()
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.err != nil {
		return tw.err
	}
	tw.seq++
	return tw.writeLine(Entry{Seq: tw.seq, Op: op, Args: raw, Handles: packed})
}

// Len returns the number of entries recorded.
func (tw *Writer) Len() uint64 {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.seq
}

func (tw *Writer) writeLine(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		tw.err = fmt.Errorf("trace: encode: %w", err)
		return tw.err
	}
	if _, err := tw.w.Write(b); err != nil {
		tw.err = fmt.Errorf("trace: write: %w", err)
		return tw.err
	}
	if err := tw.w.WriteByte('\n'); err != nil {
		tw.err = fmt.Errorf("trace: write: %w", err)
		return tw.err
	}
	return nil
}

// Flush writes buffered entries to the underlying writer.
func (tw *Writer) Flush() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.err != nil {
		return tw.err
	}
	if err := tw.w.Flush(); err != nil {
		tw.err = fmt.Errorf("trace: flush: %w", err)
	}
	return tw.err
}

// Close flushes the trace and closes the underlying writer if it is an
// io.Closer.
func (tw *Writer) Close() error {
	err := tw.Flush()
	if tw.closer != nil {
		if cerr := tw.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
