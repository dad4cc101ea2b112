// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package track

import (
	"fmt"

	"github.com/gogpu/gpurt/id"
)

// Policy controls which accesses the tracker may merge without a barrier.
type Policy struct {
	// LayoutAware makes texture reads that need different image layouts
	// incompatible. Backends with explicit layouts (Vulkan, D3D12) need it.
	LayoutAware bool
}

// NeedsTransition reports whether moving a resource from cur to next
// requires a synchronization operation.
func (p Policy) NeedsTransition(cur, next Uses, texture bool) bool {
	switch {
	case cur&Unknown != 0 || next&Unknown != 0:
		return true
	case cur == Uninitialized:
		// Nothing to wait for; only textures need their first layout.
		return texture && p.LayoutAware
	case cur == next && next.IsOrdered():
		return false
	case cur.IsReadOnly() && next.IsReadOnly():
		return texture && p.LayoutAware && LayoutOf(cur) != LayoutOf(next)
	default:
		return true
	}
}

// Transition is one resource changing state between two commands.
type Transition struct {
	Resource id.Handle
	Texture  bool
	From     Uses
	To       Uses
}

// String returns a debug form such as "Buffer(0,v0): CopyDst -> StorageRead".
func (t Transition) String() string {
	return fmt.Sprintf("%v: %v -> %v", t.Resource, t.From, t.To)
}

// Final summarizes one resource after a command buffer is finalized.
type Final struct {
	Resource id.Handle
	Texture  bool

	// Prior is the state the resource was believed to be in when the
	// buffer first touched it. Unknown when another unsubmitted buffer
	// owns the last recorded state.
	Prior Uses

	// Initial is the state the buffer expects at its start.
	Initial Uses

	// Final is the state the buffer leaves the resource in.
	Final Uses
}

// Scope is a set of accesses that happen as one unit (a copy, a dispatch or
// a whole render pass). Accesses inside a scope cannot be separated by
// barriers, so conflicting accesses are an error.
type Scope struct {
	order []id.Handle
	uses  map[id.Handle]scopeEntry
}

type scopeEntry struct {
	uses    Uses
	texture bool
}

// ConflictError reports two accesses to one resource inside a single scope
// that no barrier can separate.
type ConflictError struct {
	Resource id.Handle
	Current  Uses
	Next     Uses
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting usage of %v within one scope: %v and %v", e.Resource, e.Current, e.Next)
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{uses: make(map[id.Handle]scopeEntry)}
}

// Add merges u into the scope. Identical states and read-only states merge
// (by union of flags); anything else is a *ConflictError and leaves the
// scope unchanged.
func (s *Scope) Add(h id.Handle, texture bool, u Uses) error {
	cur, ok := s.uses[h]
	if !ok {
		s.order = append(s.order, h)
		s.uses[h] = scopeEntry{uses: u, texture: texture}
		return nil
	}
	switch {
	case cur.uses == u:
		return nil
	case cur.uses.IsReadOnly() && u.IsReadOnly():
		cur.uses |= u
		s.uses[h] = cur
		return nil
	default:
		return &ConflictError{Resource: h, Current: cur.uses, Next: u}
	}
}

// Check reports the first access of other that conflicts with s, without
// changing s.
func (s *Scope) Check(other *Scope) error {
	for _, h := range other.order {
		next := other.uses[h].uses
		cur, ok := s.uses[h]
		if !ok || cur.uses == next || (cur.uses.IsReadOnly() && next.IsReadOnly()) {
			continue
		}
		return &ConflictError{Resource: h, Current: cur.uses, Next: next}
	}
	return nil
}

// Merge adds every access of other into s. On conflict s keeps the accesses
// merged before the failing one.
func (s *Scope) Merge(other *Scope) error {
	for _, h := range other.order {
		e := other.uses[h]
		if err := s.Add(h, e.texture, e.uses); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of distinct resources in the scope.
func (s *Scope) Len() int { return len(s.order) }

// Uses returns the merged accesses of h and whether h is in the scope.
func (s *Scope) Uses(h id.Handle) (Uses, bool) {
	e, ok := s.uses[h]
	return e.uses, ok
}

// Each calls fn for every resource in insertion order.
func (s *Scope) Each(fn func(h id.Handle, texture bool, u Uses)) {
	for _, h := range s.order {
		e := s.uses[h]
		fn(h, e.texture, e.uses)
	}
}

// Tracker follows the pending state of every resource touched by one
// command buffer.
//
// A Tracker is owned by a single recorder and is not safe for concurrent use.
type Tracker struct {
	policy  Policy
	order   []id.Handle
	entries map[id.Handle]*entry
}

type entry struct {
	texture   bool
	prior     Uses
	initial   Uses
	pending   Uses
	barriered bool
}

// NewTracker returns an empty tracker using policy p.
func NewTracker(p Policy) *Tracker {
	return &Tracker{policy: p, entries: make(map[id.Handle]*entry)}
}

// Policy returns the tracker's merge policy.
func (t *Tracker) Policy() Policy { return t.policy }

// Use records access u to resource h and returns the transition that must
// precede the access, if any.
//
// prior is the state the caller believes the resource is in before this
// command buffer; it is only consulted on the first access and is kept for
// the submission-time estimate.
func (t *Tracker) Use(h id.Handle, texture bool, u Uses, prior Uses) (Transition, bool) {
	e, ok := t.entries[h]
	if !ok {
		t.order = append(t.order, h)
		t.entries[h] = &entry{texture: texture, prior: prior, initial: u, pending: u}
		return Transition{}, false
	}

	if !t.policy.NeedsTransition(e.pending, u, texture) {
		if e.pending != u {
			// Compatible reads: keep every visibility flag.
			e.pending |= u
			if !e.barriered {
				e.initial = e.pending
			}
		}
		return Transition{}, false
	}

	tr := Transition{Resource: h, Texture: texture, From: e.pending, To: u}
	e.pending = u
	e.barriered = true
	return tr, true
}

// Apply records every access of scope s and returns the transitions that
// must precede the scope, in the scope's insertion order.
func (t *Tracker) Apply(s *Scope, prior func(id.Handle) Uses) []Transition {
	var out []Transition
	s.Each(func(h id.Handle, texture bool, u Uses) {
		p := Unknown
		if prior != nil {
			p = prior(h)
		}
		if tr, ok := t.Use(h, texture, u, p); ok {
			out = append(out, tr)
		}
	})
	return out
}

// Pending returns the current state of h within this buffer.
func (t *Tracker) Pending(h id.Handle) (Uses, bool) {
	e, ok := t.entries[h]
	if !ok {
		return Uninitialized, false
	}
	return e.pending, true
}

// Len returns the number of resources touched.
func (t *Tracker) Len() int { return len(t.order) }

// Finalize returns the initial and final state of every touched resource in
// first-touch order.
func (t *Tracker) Finalize() []Final {
	out := make([]Final, 0, len(t.order))
	for _, h := range t.order {
		e := t.entries[h]
		out = append(out, Final{
			Resource: h,
			Texture:  e.texture,
			Prior:    e.prior,
			Initial:  e.initial,
			Final:    e.pending,
		})
	}
	return out
}

// EstimatePrefix returns the cross-buffer transitions the buffer is
// expected to need at submission, based on the prior states seen while
// recording. Unknown priors count as full barriers.
func (t *Tracker) EstimatePrefix() []Transition {
	var out []Transition
	for _, h := range t.order {
		e := t.entries[h]
		if t.policy.NeedsTransition(e.prior, e.initial, e.texture) {
			out = append(out, Transition{Resource: h, Texture: e.texture, From: e.prior, To: e.initial})
		}
	}
	return out
}
