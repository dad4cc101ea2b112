// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package shadercache

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// countingCompiler returns one word holding the source length and counts
// its calls.
func countingCompiler(calls *atomic.Int32) Compiler {
	return func(source string) ([]uint32, error) {
		calls.Add(1)
		return []uint32{uint32(len(source))}, nil
	}
}

func TestCompileOnce(t *testing.T) {
	c := New(8)
	var calls atomic.Int32
	compile := countingCompiler(&calls)

	for range 3 {
		words, err := c.Compile("fn main() {}", compile)
		if err != nil {
			t.Fatalf("Compile() error = %v", err)
		}
		if len(words) != 1 || words[0] != 12 {
			t.Fatalf("Compile() = %v, want [12]", words)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("compiler ran %d times, want 1", calls.Load())
	}
	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 || s.Len != 1 {
		t.Errorf("Stats() = %+v, want 2 hits, 1 miss, 1 entry", s)
	}
}

func TestCompileCachesErrors(t *testing.T) {
	c := New(8)
	bad := errors.New("unexpected token")
	calls := 0
	compile := func(string) ([]uint32, error) {
		calls++
		return nil, bad
	}
	for range 2 {
		if _, err := c.Compile("fn", compile); !errors.Is(err, bad) {
			t.Fatalf("Compile() error = %v, want %v", err, bad)
		}
	}
	if calls != 1 {
		t.Errorf("compiler ran %d times, want 1", calls)
	}
}

func TestEviction(t *testing.T) {
	tests := []struct {
		name       string
		limit      int
		inserts    int
		wantMaxLen int
	}{
		{"under limit", 8, 8, 8},
		{"one over", 8, 9, 8},
		{"many over", 4, 20, 4},
		{"limit one", 1, 5, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.limit)
			var calls atomic.Int32
			for i := range tt.inserts {
				if _, err := c.Compile(strconv.Itoa(i), countingCompiler(&calls)); err != nil {
					t.Fatal(err)
				}
			}
			if got := c.Len(); got > tt.wantMaxLen || got == 0 {
				t.Errorf("Len() = %d, want 1..%d", got, tt.wantMaxLen)
			}
		})
	}
}

func TestEvictionKeepsRecentlyUsed(t *testing.T) {
	c := New(4)
	var calls atomic.Int32
	compile := countingCompiler(&calls)

	for _, s := range []string{"a", "b", "c", "d"} {
		_, _ = c.Compile(s, compile)
	}
	_, _ = c.Compile("a", compile) // touch
	_, _ = c.Compile("e", compile) // evicts down to 3 entries

	before := calls.Load()
	_, _ = c.Compile("a", compile)
	if calls.Load() != before {
		t.Error("recently used entry was evicted")
	}
	_, _ = c.Compile("b", compile)
	if calls.Load() != before+1 {
		t.Error("least recently used entry was kept")
	}
}

func TestClear(t *testing.T) {
	c := New(0)
	if c.Stats().Capacity != DefaultCapacity {
		t.Errorf("Capacity = %d, want %d", c.Stats().Capacity, DefaultCapacity)
	}
	var calls atomic.Int32
	_, _ = c.Compile("x", countingCompiler(&calls))
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Len() after Clear = %d", c.Len())
	}
	_, _ = c.Compile("x", countingCompiler(&calls))
	if calls.Load() != 2 {
		t.Errorf("compiler ran %d times, want 2", calls.Load())
	}
}

func TestConcurrentCompile(t *testing.T) {
	c := New(16)
	var calls atomic.Int32
	compile := countingCompiler(&calls)

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Compile("shared", compile)
		}()
	}
	wg.Wait()
	if calls.Load() != 1 {
		t.Errorf("compiler ran %d times, want 1", calls.Load())
	}
}

func BenchmarkCompileHit(b *testing.B) {
	c := New(DefaultCapacity)
	var calls atomic.Int32
	compile := countingCompiler(&calls)
	_, _ = c.Compile("@compute @workgroup_size(1) fn main() {}", compile)

	b.ReportAllocs()
	for b.Loop() {
		_, _ = c.Compile("@compute @workgroup_size(1) fn main() {}", compile)
	}
}
