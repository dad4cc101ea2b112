// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package id defines the generational handles used to name GPU objects.
//
// A Handle is a small value made of a slot index, a generation counter and a
// resource kind. The index selects a slot in a per-kind table owned by a
// device; the generation detects reuse of that slot after it has been freed.
// Handles do not own anything: ownership of the underlying object lives in
// the registry that issued the handle.
//
// The zero Handle is never issued and is always invalid.
package id

import (
	"fmt"
	"strconv"
)

// Kind distinguishes the object tables a handle can refer to.
type Kind uint8

// Resource kinds.
const (
	KindInvalid Kind = iota
	KindBuffer
	KindTexture
	KindSampler
	KindShaderModule
	KindBindGroupLayout
	KindPipelineLayout
	KindBindGroup
	KindComputePipeline
	KindRenderPipeline
	KindCommandBuffer

	kindCount
)

// Kinds returns every valid kind, in declaration order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, kindCount-1)
	for k := KindBuffer; k < kindCount; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Valid reports whether k names a real table.
func (k Kind) Valid() bool {
	return k > KindInvalid && k < kindCount
}

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "Buffer"
	case KindTexture:
		return "Texture"
	case KindSampler:
		return "Sampler"
	case KindShaderModule:
		return "ShaderModule"
	case KindBindGroupLayout:
		return "BindGroupLayout"
	case KindPipelineLayout:
		return "PipelineLayout"
	case KindBindGroup:
		return "BindGroup"
	case KindComputePipeline:
		return "ComputePipeline"
	case KindRenderPipeline:
		return "RenderPipeline"
	case KindCommandBuffer:
		return "CommandBuffer"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// MaxGeneration is the largest generation a handle can carry. Packed handles
// reserve 24 bits for it; a slot that reaches it is retired instead of reused.
const MaxGeneration = 1<<24 - 1

// Handle is an opaque, copyable identifier for a GPU object.
// It is valid iff the table slot's stored generation equals the handle's
// generation and the slot is live.
type Handle struct {
	index uint32
	gen   uint32
	kind  Kind
}

// New builds a handle. It is intended for registries and decoders; user code
// receives handles from device methods.
func New(kind Kind, index, generation uint32) Handle {
	return Handle{index: index, gen: generation & MaxGeneration, kind: kind}
}

// Index returns the slot index.
func (h Handle) Index() uint32 { return h.index }

// Generation returns the slot generation the handle was issued for.
func (h Handle) Generation() uint32 { return h.gen }

// Kind returns the resource kind.
func (h Handle) Kind() Kind { return h.kind }

// IsZero reports whether h is the zero (never issued) handle.
func (h Handle) IsZero() bool { return h.kind == KindInvalid }

// Pack encodes the handle as kind(8) | generation(24) | index(32).
func (h Handle) Pack() uint64 {
	return uint64(h.kind)<<56 | uint64(h.gen&MaxGeneration)<<32 | uint64(h.index)
}

// Unpack decodes a value produced by Pack.
func Unpack(v uint64) Handle {
	return Handle{
		index: uint32(v),
		gen:   uint32(v>>32) & MaxGeneration,
		kind:  Kind(v >> 56),
	}
}

// String returns a compact debug form such as "Buffer(3,v1)".
func (h Handle) String() string {
	if h.IsZero() {
		return "Handle(zero)"
	}
	return fmt.Sprintf("%s(%d,v%d)", h.kind, h.index, h.gen)
}

// MarshalText encodes the packed handle in decimal, so handles embedded in
// trace arguments survive a JSON round trip.
func (h Handle) MarshalText() ([]byte, error) {
	return strconv.AppendUint(nil, h.Pack(), 10), nil
}

// UnmarshalText decodes the form written by MarshalText.
func (h *Handle) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 10, 64)
	if err != nil {
		return fmt.Errorf("id: invalid handle %q: %w", text, err)
	}
	*h = Unpack(v)
	return nil
}
