// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package registry implements the per-kind slot tables behind generational
// handles.
//
// A Registry owns the records of one resource kind for one device. Freeing
// is two-phase: Free marks a slot pending destruction (the handle stops
// resolving but the index is not reusable), and Release, called once no
// in-flight GPU work references the record, bumps the generation and returns
// the index to the free list. The split keeps a live GPU command from ever
// observing an index that was handed to a new object.
//
// Each Registry has its own lock, so work on unrelated kinds never contends.
package registry

import (
	"fmt"
	"sync"

	"github.com/gogpu/gpurt/id"
)

// StaleHandleError reports use of a handle whose slot was freed, reused,
// never issued, or belongs to another kind. It is a programmer error and is
// never retried.
type StaleHandleError struct {
	Handle id.Handle
	Reason string
}

func (e *StaleHandleError) Error() string {
	return fmt.Sprintf("stale handle %v: %s", e.Handle, e.Reason)
}

type slotState uint8

const (
	slotEmpty slotState = iota
	slotLive
	slotPending
	slotRetired
)

type slot[T any] struct {
	value *T
	gen   uint32
	state slotState
}

// Registry is a table of *T records addressed by id.Handle.
//
// Registry is safe for concurrent use.
type Registry[T any] struct {
	kind id.Kind

	mu      sync.RWMutex
	slots   []slot[T]
	free    []uint32
	live    int
	pending int
}

// New creates an empty registry for the given kind.
func New[T any](kind id.Kind) *Registry[T] {
	return &Registry[T]{kind: kind}
}

// Kind returns the kind of handles this registry issues.
func (r *Registry[T]) Kind() id.Kind { return r.kind }

// Allocate stores v in a slot and returns its handle. A reused slot keeps
// the generation set by its last Release; a new slot starts at generation 0.
// Growing the table never invalidates issued handles.
func (r *Registry[T]) Allocate(v *T) id.Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot[T]{})
		index = uint32(len(r.slots) - 1) //nolint:gosec // table size bounded by memory
	}

	s := &r.slots[index]
	s.value = v
	s.state = slotLive
	r.live++
	return id.New(r.kind, index, s.gen)
}

// Resolve returns the record for h. It fails with *StaleHandleError if the
// kind differs, the slot is empty or pending destruction, or the generation
// does not match.
func (r *Registry[T]) Resolve(h id.Handle) (*T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, err := r.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	if s.state != slotLive {
		return nil, &StaleHandleError{Handle: h, Reason: "resource was freed"}
	}
	return s.value, nil
}

// Free marks the slot pending destruction and returns its record so the
// caller can schedule physical destruction. The index is not reusable until
// Release.
func (r *Registry[T]) Free(h id.Handle) (*T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	if s.state != slotLive {
		return nil, &StaleHandleError{Handle: h, Reason: "resource was already freed"}
	}
	s.state = slotPending
	r.live--
	r.pending++
	return s.value, nil
}

// Release completes a Free: it clears the slot, increments its generation
// and makes the index available to Allocate. A slot whose generation would
// exceed id.MaxGeneration is retired permanently.
func (r *Registry[T]) Release(h id.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookupLocked(h)
	if err != nil {
		return err
	}
	if s.state != slotPending {
		return &StaleHandleError{Handle: h, Reason: "release without free"}
	}
	s.value = nil
	r.pending--
	if s.gen >= id.MaxGeneration {
		s.state = slotRetired
		return nil
	}
	s.gen++
	s.state = slotEmpty
	r.free = append(r.free, h.Index())
	return nil
}

// Live returns the number of live (allocated and not freed) slots.
func (r *Registry[T]) Live() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.live
}

// Pending returns the number of slots freed but not yet released.
func (r *Registry[T]) Pending() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pending
}

// Cap returns the number of slots in the table, including free ones.
func (r *Registry[T]) Cap() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// Range calls fn for every live record. fn must not call back into r.
func (r *Registry[T]) Range(fn func(h id.Handle, v *T) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.slots {
		s := &r.slots[i]
		if s.state != slotLive {
			continue
		}
		if !fn(id.New(r.kind, uint32(i), s.gen), s.value) { //nolint:gosec // index fits uint32
			return
		}
	}
}

func (r *Registry[T]) lookupLocked(h id.Handle) (*slot[T], error) {
	if h.IsZero() {
		return nil, &StaleHandleError{Handle: h, Reason: "zero handle"}
	}
	if h.Kind() != r.kind {
		return nil, &StaleHandleError{Handle: h, Reason: fmt.Sprintf("expected %v handle", r.kind)}
	}
	if int(h.Index()) >= len(r.slots) {
		return nil, &StaleHandleError{Handle: h, Reason: "index out of range"}
	}
	s := &r.slots[h.Index()]
	if s.gen != h.Generation() || s.state == slotEmpty || s.state == slotRetired {
		return nil, &StaleHandleError{Handle: h, Reason: "generation mismatch"}
	}
	return s, nil
}
