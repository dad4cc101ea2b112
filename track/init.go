// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package track

import (
	"sort"

	"github.com/gogpu/gpurt/id"
)

// CopyBufferAlignment is the granularity of buffer clears and copies.
const CopyBufferAlignment = 4

// InitKind says how a command interacts with the initialization state of
// the memory it touches.
type InitKind uint8

const (
	// ImplicitInit means the command writes the whole range, so it becomes
	// initialized without a clear.
	ImplicitInit InitKind = iota

	// NeedsInit means the command reads the range, so uninitialized parts
	// must be zeroed first.
	NeedsInit
)

// Range is a half-open byte range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns End - Start.
func (r Range) Len() uint64 { return r.End - r.Start }

// BufferInit tracks the uninitialized byte ranges of one buffer. A new
// buffer is entirely uninitialized.
type BufferInit struct {
	uninit []Range
}

// NewBufferInit returns a tracker for a buffer of the given size.
func NewBufferInit(size uint64) *BufferInit {
	b := &BufferInit{}
	if size > 0 {
		b.uninit = []Range{{0, size}}
	}
	return b
}

// IsInitialized reports whether no byte of r is uninitialized.
func (b *BufferInit) IsInitialized(r Range) bool {
	for _, u := range b.uninit {
		if u.Start < r.End && r.Start < u.End {
			return false
		}
	}
	return true
}

// Uninitialized returns the parts of r still uninitialized without
// changing state.
func (b *BufferInit) Uninitialized(r Range) []Range {
	var out []Range
	for _, u := range b.uninit {
		if u.Start >= r.End || r.Start >= u.End {
			continue
		}
		out = append(out, Range{max(u.Start, r.Start), min(u.End, r.End)})
	}
	return out
}

// Drain marks r initialized and returns the parts that were not.
// r.End is rounded up to CopyBufferAlignment so that clears stay aligned.
func (b *BufferInit) Drain(r Range) []Range {
	if rem := r.End % CopyBufferAlignment; rem != 0 {
		r.End += CopyBufferAlignment - rem
	}
	drained := b.Uninitialized(r)
	if len(drained) == 0 {
		return nil
	}

	kept := b.uninit[:0:0]
	for _, u := range b.uninit {
		if u.Start >= r.End || r.Start >= u.End {
			kept = append(kept, u)
			continue
		}
		if u.Start < r.Start {
			kept = append(kept, Range{u.Start, r.Start})
		}
		if u.End > r.End {
			kept = append(kept, Range{r.End, u.End})
		}
	}
	b.uninit = kept
	return drained
}

// Ranges returns a copy of the uninitialized ranges.
func (b *BufferInit) Ranges() []Range {
	return append([]Range(nil), b.uninit...)
}

// BufferInitAction is a buffer range registered by a recorded command.
type BufferInitAction struct {
	Buffer id.Handle
	Range  Range
	Kind   InitKind
}

// CollapseRanges sorts ranges and joins touching ones.
func CollapseRanges(ranges []Range) []Range {
	if len(ranges) < 2 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Start < ranges[j].Start })
	out := ranges[:1]
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End {
			last.End = max(last.End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Surface is one mip level of one array layer of a texture.
type Surface struct {
	Texture  id.Handle
	MipLevel uint32
	Layer    uint32
}

// Selector is a rectangle of mip levels and layers.
type Selector struct {
	BaseMip    uint32
	MipCount   uint32
	BaseLayer  uint32
	LayerCount uint32
}

// Contains reports whether the selector covers mip/layer.
func (s Selector) Contains(mip, layer uint32) bool {
	return mip >= s.BaseMip && mip < s.BaseMip+s.MipCount &&
		layer >= s.BaseLayer && layer < s.BaseLayer+s.LayerCount
}

// TextureInit tracks which (mip, layer) surfaces of a texture hold defined
// contents.
type TextureInit struct {
	mips   uint32
	layers uint32
	inited []bool
}

// NewTextureInit returns a tracker with every surface uninitialized.
func NewTextureInit(mips, layers uint32) *TextureInit {
	return &TextureInit{mips: mips, layers: layers, inited: make([]bool, mips*layers)}
}

func (t *TextureInit) clamp(sel Selector) (m0, m1, l0, l1 uint32) {
	m0, m1 = sel.BaseMip, min(sel.BaseMip+sel.MipCount, t.mips)
	l0, l1 = sel.BaseLayer, min(sel.BaseLayer+sel.LayerCount, t.layers)
	return m0, m1, l0, l1
}

// Drain marks the selected surfaces initialized and returns those that
// were not, in mip-major order.
func (t *TextureInit) Drain(tex id.Handle, sel Selector) []Surface {
	var out []Surface
	m0, m1, l0, l1 := t.clamp(sel)
	for m := m0; m < m1; m++ {
		for l := l0; l < l1; l++ {
			i := m*t.layers + l
			if !t.inited[i] {
				t.inited[i] = true
				out = append(out, Surface{Texture: tex, MipLevel: m, Layer: l})
			}
		}
	}
	return out
}

// IsInitialized reports whether the surface holds defined contents.
func (t *TextureInit) IsInitialized(mip, layer uint32) bool {
	if mip >= t.mips || layer >= t.layers {
		return false
	}
	return t.inited[mip*t.layers+layer]
}

// Discard marks a surface uninitialized again.
func (t *TextureInit) Discard(mip, layer uint32) {
	if mip < t.mips && layer < t.layers {
		t.inited[mip*t.layers+layer] = false
	}
}

// TextureInitAction is a texture region registered by a recorded command.
type TextureInitAction struct {
	Texture  id.Handle
	Selector Selector
	Kind     InitKind
}

// TextureActions collects texture init actions and discards for one
// command buffer.
//
// Init actions describe what must hold before the buffer runs; discards are
// surfaces a render pass left undefined (store op Discard) that no later
// command re-initialized, and reset the texture's state after the buffer
// runs.
type TextureActions struct {
	inits    []TextureInitAction
	discards []Surface
}

// Discard records a surface left undefined by a render pass.
func (a *TextureActions) Discard(s Surface) {
	a.discards = append(a.discards, s)
}

// Register adds an init action. It returns the previously discarded
// surfaces that the action reads and that therefore must be cleared
// immediately, before the command that registered the action.
func (a *TextureActions) Register(action TextureInitAction) []Surface {
	a.inits = append(a.inits, action)

	var clears []Surface
	kept := a.discards[:0]
	for _, d := range a.discards {
		if d.Texture != action.Texture || !action.Selector.Contains(d.MipLevel, d.Layer) {
			kept = append(kept, d)
			continue
		}
		if action.Kind == NeedsInit {
			clears = append(clears, d)
			a.inits = append(a.inits, TextureInitAction{
				Texture:  d.Texture,
				Selector: Selector{BaseMip: d.MipLevel, MipCount: 1, BaseLayer: d.Layer, LayerCount: 1},
				Kind:     ImplicitInit,
			})
		}
	}
	a.discards = kept
	return clears
}

// Inits returns the registered init actions.
func (a *TextureActions) Inits() []TextureInitAction { return a.inits }

// Discards returns the surfaces left discarded at the end of the buffer.
func (a *TextureActions) Discards() []Surface { return a.discards }

// Clone returns an independent copy.
func (b *BufferInit) Clone() *BufferInit {
	return &BufferInit{uninit: b.Ranges()}
}

// Clone returns an independent copy.
func (t *TextureInit) Clone() *TextureInit {
	return &TextureInit{mips: t.mips, layers: t.layers, inited: append([]bool(nil), t.inited...)}
}
