// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/gogpu/gpurt/id"
)

type record struct {
	name string
}

func TestAllocateResolve(t *testing.T) {
	r := New[record](id.KindBuffer)

	a := r.Allocate(&record{name: "a"})
	b := r.Allocate(&record{name: "b"})

	if a.Generation() != 0 || b.Generation() != 0 {
		t.Errorf("fresh slots should start at generation 0, got %v %v", a, b)
	}
	if a.Index() == b.Index() {
		t.Fatalf("distinct allocations share index %d", a.Index())
	}

	got, err := r.Resolve(b)
	if err != nil {
		t.Fatalf("Resolve(b) error: %v", err)
	}
	if got.name != "b" {
		t.Errorf("Resolve(b).name = %q, want b", got.name)
	}
	if r.Live() != 2 {
		t.Errorf("Live() = %d, want 2", r.Live())
	}
}

func TestStaleAfterReuse(t *testing.T) {
	r := New[record](id.KindTexture)

	old := r.Allocate(&record{name: "old"})
	if _, err := r.Free(old); err != nil {
		t.Fatalf("Free error: %v", err)
	}

	// Freed but not released: index must not be handed out again.
	other := r.Allocate(&record{name: "other"})
	if other.Index() == old.Index() {
		t.Fatal("index reused before Release")
	}

	if err := r.Release(old); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	reused := r.Allocate(&record{name: "new"})
	if reused.Index() != old.Index() {
		t.Fatalf("expected slot %d to be reused, got %d", old.Index(), reused.Index())
	}
	if reused.Generation() != old.Generation()+1 {
		t.Errorf("generation = %d, want %d", reused.Generation(), old.Generation()+1)
	}

	v, err := r.Resolve(old)
	var stale *StaleHandleError
	if !errors.As(err, &stale) {
		t.Fatalf("Resolve(old) error = %v, want StaleHandleError", err)
	}
	if v != nil {
		t.Errorf("Resolve(old) leaked new record %q", v.name)
	}
	if stale.Handle != old {
		t.Errorf("error handle = %v, want %v", stale.Handle, old)
	}
}

func TestResolveErrors(t *testing.T) {
	r := New[record](id.KindBuffer)
	h := r.Allocate(&record{})

	freed := r.Allocate(&record{})
	if _, err := r.Free(freed); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		h    id.Handle
	}{
		{"zero", id.Handle{}},
		{"wrong kind", id.New(id.KindTexture, h.Index(), h.Generation())},
		{"out of range", id.New(id.KindBuffer, 99, 0)},
		{"future generation", id.New(id.KindBuffer, h.Index(), h.Generation()+1)},
		{"pending destruction", freed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(tt.h)
			var stale *StaleHandleError
			if !errors.As(err, &stale) {
				t.Errorf("Resolve error = %v, want StaleHandleError", err)
			}
		})
	}
}

func TestFreeTwice(t *testing.T) {
	r := New[record](id.KindSampler)
	h := r.Allocate(&record{})
	if _, err := r.Free(h); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Free(h); err == nil {
		t.Error("second Free should fail")
	}
	if err := r.Release(h); err != nil {
		t.Fatal(err)
	}
	if err := r.Release(h); err == nil {
		t.Error("second Release should fail")
	}
	if r.Pending() != 0 || r.Live() != 0 {
		t.Errorf("Pending=%d Live=%d, want 0 0", r.Pending(), r.Live())
	}
}

func TestReleaseWithoutFree(t *testing.T) {
	r := New[record](id.KindBuffer)
	h := r.Allocate(&record{})
	if err := r.Release(h); err == nil {
		t.Error("Release of a live slot should fail")
	}
}

func TestRetireAtMaxGeneration(t *testing.T) {
	r := New[record](id.KindBuffer)
	h := r.Allocate(&record{})
	r.slots[h.Index()].gen = id.MaxGeneration
	h = id.New(id.KindBuffer, h.Index(), id.MaxGeneration)

	if _, err := r.Free(h); err != nil {
		t.Fatal(err)
	}
	if err := r.Release(h); err != nil {
		t.Fatal(err)
	}
	next := r.Allocate(&record{})
	if next.Index() == h.Index() {
		t.Error("retired slot must not be reused")
	}
	if _, err := r.Resolve(h); err == nil {
		t.Error("handle into retired slot must be stale")
	}
}

func TestGrowthKeepsHandles(t *testing.T) {
	r := New[record](id.KindBuffer)
	first := r.Allocate(&record{name: "first"})
	for i := 0; i < 1000; i++ {
		r.Allocate(&record{})
	}
	got, err := r.Resolve(first)
	if err != nil {
		t.Fatalf("Resolve after growth: %v", err)
	}
	if got.name != "first" {
		t.Errorf("name = %q, want first", got.name)
	}
	if r.Cap() != 1001 {
		t.Errorf("Cap() = %d, want 1001", r.Cap())
	}
}

func TestRange(t *testing.T) {
	r := New[record](id.KindBuffer)
	for _, n := range []string{"a", "b", "c"} {
		r.Allocate(&record{name: n})
	}
	h := r.Allocate(&record{name: "freed"})
	if _, err := r.Free(h); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	r.Range(func(_ id.Handle, v *record) bool {
		seen[v.name] = true
		return true
	})
	if len(seen) != 3 || seen["freed"] {
		t.Errorf("Range visited %v", seen)
	}

	count := 0
	r.Range(func(id.Handle, *record) bool {
		count++
		return false
	})
	if count != 1 {
		t.Errorf("Range did not stop early, visited %d", count)
	}
}

func TestConcurrentAllocateFree(t *testing.T) {
	r := New[record](id.KindBuffer)

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				h := r.Allocate(&record{})
				if _, err := r.Resolve(h); err != nil {
					t.Errorf("Resolve: %v", err)
					return
				}
				if _, err := r.Free(h); err != nil {
					t.Errorf("Free: %v", err)
					return
				}
				if err := r.Release(h); err != nil {
					t.Errorf("Release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if r.Live() != 0 || r.Pending() != 0 {
		t.Errorf("Live=%d Pending=%d after churn", r.Live(), r.Pending())
	}
	if r.Cap() > workers {
		t.Errorf("Cap() = %d, free list not reused", r.Cap())
	}
}
