// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package trace

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/gogpu/gpurt/id"
)

type copyArgs struct {
	Src  uint64 `json:"src"`
	Dst  uint64 `json:"dst"`
	Size uint64 `json:"size"`
}

func TestWriteRead(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, "soft")
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	src := id.New(id.KindBuffer, 0, 0)
	dst := id.New(id.KindBuffer, 1, 3)

	if err := w.Record(OpCreateBuffer, map[string]uint64{"size": 64}, src); err != nil {
		t.Fatal(err)
	}
	if err := w.Record(OpCopyBufferToBuffer, copyArgs{Src: src.Pack(), Dst: dst.Pack(), Size: 16}, src, dst); err != nil {
		t.Fatal(err)
	}
	if err := w.Record(OpEndPass, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	h, entries, err := ReadAll(&buf)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if h.Backend != "soft" || h.CaptureID != w.Header().CaptureID || h.Version() != "1.0" {
		t.Errorf("header = %+v", h)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Seq != uint64(i+1) {
			t.Errorf("entry %d Seq = %d", i, e.Seq)
		}
	}

	e := entries[1]
	if e.Op != OpCopyBufferToBuffer || e.Handle(1) != dst || !e.Handle(5).IsZero() {
		t.Errorf("entry = %+v", e)
	}
	var args copyArgs
	if err := e.Decode(&args); err != nil {
		t.Fatal(err)
	}
	if id.Unpack(args.Dst) != dst || args.Size != 16 {
		t.Errorf("args = %+v", args)
	}
	if err := entries[2].Decode(&args); err != nil {
		t.Errorf("Decode without args: %v", err)
	}
}

func TestReaderRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"empty", "", ErrNotTrace},
		{"garbage", "not json\n", ErrNotTrace},
		{"other format", `{"format":"other","version_major":1}` + "\n", ErrNotTrace},
		{"newer major", `{"format":"gpurt-trace","version_major":2}` + "\n", ErrIncompatibleVersion},
		{"older major", `{"format":"gpurt-trace","version_major":0,"version_minor":9}` + "\n", ErrIncompatibleVersion},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(tt.input))
			if !errors.Is(err, tt.want) {
				t.Errorf("NewReader error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReaderAcceptsNewerMinor(t *testing.T) {
	in := `{"format":"gpurt-trace","version_major":1,"version_minor":7,"capture_id":"x"}` + "\n" +
		`{"seq":1,"op":"Draw","future_field":true}` + "\n"
	r, err := NewReader(strings.NewReader(in))
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	e, err := r.Next()
	if err != nil || e.Op != OpDraw {
		t.Fatalf("Next = %+v, %v", e, err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next after last = %v, want io.EOF", err)
	}
}

func TestReaderSequenceGap(t *testing.T) {
	in := `{"format":"gpurt-trace","version_major":1}` + "\n" +
		`{"seq":1,"op":"Draw"}` + "\n" +
		`{"seq":3,"op":"Draw"}` + "\n"
	_, entries, err := ReadAll(strings.NewReader(in))
	if err == nil {
		t.Fatal("ReadAll accepted a sequence gap")
	}
	if len(entries) != 1 {
		t.Errorf("got %d entries before the gap, want 1", len(entries))
	}
}

func TestConcurrentRecord(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, "soft")
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = w.Record(OpDraw, nil)
			}
		}()
	}
	wg.Wait()
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	if w.Len() != 400 {
		t.Errorf("Len() = %d, want 400", w.Len())
	}
	_, entries, err := ReadAll(&buf)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if len(entries) != 400 {
		t.Errorf("read %d entries, want 400", len(entries))
	}
}

type failWriter struct{ closed bool }

func (f *failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (f *failWriter) Close() error              { f.closed = true; return nil }

func TestStickyError(t *testing.T) {
	fw := &failWriter{}
	w, err := NewWriter(fw, "soft")
	if err != nil {
		t.Fatalf("NewWriter failed before flush: %v", err)
	}
	if err := w.Flush(); err == nil {
		t.Fatal("Flush succeeded on a failing writer")
	}
	if err := w.Record(OpDraw, nil); err == nil {
		t.Error("Record succeeded after a write error")
	}
	if err := w.Close(); err == nil {
		t.Error("Close lost the write error")
	}
	if !fw.closed {
		t.Error("Close did not close the underlying writer")
	}
}
