// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"

	"github.com/gogpu/gpurt/backend"
	"github.com/gogpu/gpurt/id"
	"github.com/gogpu/gpurt/trace"
	"github.com/gogpu/gpurt/track"
)

// CommandBufferState is the lifecycle state of a command buffer.
type CommandBufferState uint8

// Command buffer states. A buffer moves Finalized → Submitted → Completed
// → Reclaimed; an encoder with a failed call finishes into Invalid, and a
// finalized buffer that is never submitted ends Discarded.
const (
	StateFinalized CommandBufferState = iota + 1
	StateInvalid
	StateSubmitted
	StateCompleted
	StateReclaimed
	StateDiscarded

	// StateLost is reported for submitted buffers of a lost device.
	StateLost
)

// String returns the string representation of CommandBufferState.
func (s CommandBufferState) String() string {
	switch s {
	case StateFinalized:
		return "Finalized"
	case StateInvalid:
		return "Invalid"
	case StateSubmitted:
		return "Submitted"
	case StateCompleted:
		return "Completed"
	case StateReclaimed:
		return "Reclaimed"
	case StateDiscarded:
		return "Discarded"
	case StateLost:
		return "Lost"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// commandBuffer is a finished recording. Everything but state, queue and
// index is immutable after Finish; those are guarded by Device.stateMu.
type commandBuffer struct {
	life

	label string
	err   error
	list  *backend.CommandList

	finals      []track.Final
	transitions []track.Transition
	estimate    []track.Transition
	barriers    int

	// refs are every handle the commands use, in first-use order.
	refs   []id.Handle
	writes map[id.Handle]bool

	bufferInits  []track.BufferInitAction
	textureInits []track.TextureInitAction
	discards     []track.Surface
	waits        map[int]SubmissionIndex

	state CommandBufferState
	queue int
	index SubmissionIndex
}

// CommandBufferInfo describes a command buffer for diagnostics and tests.
type CommandBufferInfo struct {
	Label string
	State CommandBufferState

	// Queue and Index are set once the buffer is submitted.
	Queue int
	Index SubmissionIndex

	// Commands is the number of recorded commands, barriers included.
	Commands int

	// Barriers is the number of primitive barriers recorded between
	// commands, as lowered for the device.
	Barriers int

	// Transitions are the usage changes recorded between commands, before
	// lowering.
	Transitions []track.Transition

	// Prefix estimates the transitions submission will prepend, from the
	// states known while recording.
	Prefix []track.Transition

	// Resources are the first and last usages of each touched resource.
	Resources []track.Final

	// Err is the first recording error of an Invalid buffer.
	Err error
}

// CommandBufferInfo returns a snapshot of the command buffer h.
func (d *Device) CommandBufferInfo(h id.Handle) (CommandBufferInfo, error) {
	cb, err := d.commandBuffers.Resolve(h)
	if err != nil {
		return CommandBufferInfo{}, fmt.Errorf("core: CommandBufferInfo: %w", err)
	}
	d.stateMu.Lock()
	state, queue, index := cb.state, cb.queue, cb.index
	d.stateMu.Unlock()
	if state == StateSubmitted && d.isLost() {
		state = StateLost
	}
	return CommandBufferInfo{
		Label:       cb.label,
		State:       state,
		Queue:       queue,
		Index:       index,
		Commands:    cb.list.Len(),
		Barriers:    cb.barriers,
		Transitions: append([]track.Transition(nil), cb.transitions...),
		Prefix:      append([]track.Transition(nil), cb.estimate...),
		Resources:   append([]track.Final(nil), cb.finals...),
		Err:         cb.err,
	}, nil
}

// DiscardCommandBuffer drops a finished command buffer that will not be
// submitted. The resources it touched keep the state of their last
// submission.
func (d *Device) DiscardCommandBuffer(h id.Handle) error {
	const op = "DiscardCommandBuffer"
	if d.destroyed.Load() {
		return ErrDestroyed
	}
	cb, err := d.commandBuffers.Resolve(h)
	if err != nil {
		return fmt.Errorf("core: %s: %w", op, err)
	}

	d.stateMu.Lock()
	if cb.state != StateFinalized && cb.state != StateInvalid {
		state := cb.state
		d.stateMu.Unlock()
		return d.invalid(op, "command buffer %q is %v", cb.label, state)
	}
	cb.state = StateDiscarded
	d.revertRecorded(h, cb)
	d.stateMu.Unlock()

	if _, err := d.commandBuffers.Free(h); err != nil {
		return fmt.Errorf("core: %s: %w", op, err)
	}
	if err := d.commandBuffers.Release(h); err != nil {
		return fmt.Errorf("core: %s: %w", op, err)
	}
	d.metrics.CommandBuffer(StateDiscarded.String())
	d.record(trace.OpDiscardCommandBuffer, nil, h)
	d.setLive(id.KindCommandBuffer)
	return nil
}

// revertRecorded forgets the final states cb published at Finish. Caller
// holds stateMu.
func (d *Device) revertRecorded(h id.Handle, cb *commandBuffer) {
	for _, f := range cb.finals {
		t := d.trackedOf(f.Resource, f.Texture)
		if t != nil && t.recordedBy == h {
			t.recordedBy = id.Handle{}
			t.recorded = t.state
		}
	}
}

// trackedOf returns the tracked state of a buffer or texture, or nil when
// the handle no longer resolves.
func (d *Device) trackedOf(h id.Handle, texture bool) *tracked {
	if texture {
		if t, err := d.textures.Resolve(h); err == nil {
			return &t.tracked
		}
		return nil
	}
	if b, err := d.buffers.Resolve(h); err == nil {
		return &b.tracked
	}
	return nil
}
