// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"github.com/gogpu/gpurt/track"
)

// Transition is a tracked usage change of a native object, ready to be
// lowered. SrcQueue and DstQueue differ when ownership moves between
// queues.
type Transition struct {
	Object   Object
	Texture  bool
	From     track.Uses
	To       track.Uses
	SrcQueue int
	DstQueue int
}

// BufferBarrier orders accesses to one buffer.
type BufferBarrier struct {
	Buffer   Object
	From     track.Uses
	To       track.Uses
	SrcQueue int
	DstQueue int
}

// TextureBarrier orders accesses to one texture and moves it between
// layouts.
type TextureBarrier struct {
	Texture   Object
	From      track.Uses
	To        track.Uses
	OldLayout track.Layout
	NewLayout track.Layout
	SrcQueue  int
	DstQueue  int
}

// MemoryBarrier orders every access in From before every access in To.
type MemoryBarrier struct {
	From track.Uses
	To   track.Uses
}

// Barrier is a batch of synchronization lowered for one BarrierModel.
// Explicit backends get Buffers and Textures; global backends get Global.
type Barrier struct {
	Buffers  []BufferBarrier
	Textures []TextureBarrier
	Global   *MemoryBarrier
}

// Empty reports whether the batch does nothing.
func (b Barrier) Empty() bool {
	return len(b.Buffers) == 0 && len(b.Textures) == 0 && b.Global == nil
}

// Len returns the number of primitive barriers in the batch.
func (b Barrier) Len() int {
	n := len(b.Buffers) + len(b.Textures)
	if b.Global != nil {
		n++
	}
	return n
}

// Lower maps abstract transitions onto what a backend with the given model
// needs. It returns false when nothing must be emitted.
//
// An Unknown source state lowers to a barrier against every access, and for
// textures to a transition out of the general layout.
func Lower(model BarrierModel, ts []Transition) (Barrier, bool) {
	if len(ts) == 0 {
		return Barrier{}, false
	}

	switch model {
	case BarrierImplicit:
		return Barrier{}, false

	case BarrierGlobal:
		var mb MemoryBarrier
		for _, t := range ts {
			mb.From |= t.From
			mb.To |= t.To
		}
		return Barrier{Global: &mb}, true

	default:
		var b Barrier
		for _, t := range ts {
			if !t.Texture {
				b.Buffers = append(b.Buffers, BufferBarrier{
					Buffer:   t.Object,
					From:     t.From,
					To:       t.To,
					SrcQueue: t.SrcQueue,
					DstQueue: t.DstQueue,
				})
				continue
			}
			old := track.LayoutOf(t.From)
			if t.From&track.Unknown != 0 {
				old = track.LayoutGeneral
			}
			b.Textures = append(b.Textures, TextureBarrier{
				Texture:   t.Object,
				From:      t.From,
				To:        t.To,
				OldLayout: old,
				NewLayout: track.LayoutOf(t.To),
				SrcQueue:  t.SrcQueue,
				DstQueue:  t.DstQueue,
			})
		}
		return b, true
	}
}
