// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package trace

import (
	"bufio"
	"fmt"
	"io"
)

// maxLine bounds one entry. WriteBuffer entries carry their data inline.
const maxLine = 64 << 20

// Reader reads the entries of a trace in order.
type Reader struct {
	sc     *bufio.Scanner
	header Header
	seq    uint64
}

// NewReader reads and checks the header. It returns ErrNotTrace or
// ErrIncompatibleVersion when the trace cannot be replayed by this version.
func NewReader(r io.Reader) (*Reader, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("trace: read header: %w", err)
		}
		return nil, fmt.Errorf("%w: empty input", ErrNotTrace)
	}
	var h Header
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotTrace, err)
	}
	if err := h.check(); err != nil {
		return nil, err
	}
	return &Reader{sc: sc, header: h}, nil
}

// Header returns the trace header.
func (r *Reader) Header() Header { return r.header }

// Next returns the next entry, or io.EOF after the last one. Entries must be
// numbered consecutively from 1.
func (r *Reader) Next() (Entry, error) {
	for r.sc.Scan() {
		line := r.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return Entry{}, fmt.Errorf("trace: entry after %d: %w", r.seq, err)
		}
		if e.Seq != r.seq+1 {
			return Entry{}, fmt.Errorf("trace: entry %d follows %d", e.Seq, r.seq)
		}
		r.seq = e.Seq
		return e, nil
	}
	if err := r.sc.Err(); err != nil {
		return Entry{}, fmt.Errorf("trace: read: %w", err)
	}
	return Entry{}, io.EOF
}

// ReadAll reads a whole trace.
func ReadAll(r io.Reader) (Header, []Entry, error) {
	tr, err := NewReader(r)
	if err != nil {
		return Header{}, nil, err
	}
	var entries []Entry
	for {
		e, err := tr.Next()
		if err == io.EOF {
			return tr.header, entries, nil
		}
		if err != nil {
			return tr.header, entries, err
		}
		entries = append(entries, e)
	}
}
