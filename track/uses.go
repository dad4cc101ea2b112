// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package track computes the synchronization a recorded command sequence
// needs.
//
// Every buffer and texture carries a Uses value describing how the GPU
// accesses it. While a command buffer is recorded, a Tracker keeps the
// pending state of each touched resource, merges compatible accesses
// (consecutive reads) and reports a Transition whenever the next access
// conflicts with the pending one (write after read, read after write, or a
// texture layout change on backends with explicit layouts). The first access
// of each resource is not resolved while recording: it becomes the buffer's
// initial state and the cross-buffer barrier is computed at submission.
//
// The package also tracks which memory of a resource has been initialized,
// so reads of never-written memory can be preceded by a zero clear.
package track

import (
	"fmt"
	"strings"
)

// Uses is a set of GPU access kinds for a buffer or a texture.
// Buffers use the buffer subset and textures the texture subset; the tracker
// treats both the same way.
type Uses uint32

// Access kinds.
const (
	MapRead Uses = 1 << iota
	MapWrite
	CopySrc
	CopyDst
	Index
	Vertex
	Uniform
	Indirect
	Resource
	StorageRead
	StorageWrite
	ColorTarget
	DepthStencilRead
	DepthStencilWrite
	Present

	// Unknown marks a state that cannot be known at recording time. It always
	// lowers to a full barrier.
	Unknown Uses = 1 << 31

	// Uninitialized is the state of a resource no command has touched yet.
	Uninitialized Uses = 0
)

// Access classes.
const (
	// ReadOnly accesses may be combined freely.
	ReadOnly = MapRead | CopySrc | Index | Vertex | Uniform | Indirect |
		Resource | StorageRead | DepthStencilRead | Present

	// Exclusive accesses conflict with every other access.
	Exclusive = MapWrite | CopyDst | StorageWrite | ColorTarget | DepthStencilWrite

	// Ordered accesses need no barrier when repeated with the same state,
	// because the API already orders them.
	Ordered = ReadOnly | MapWrite | ColorTarget | DepthStencilWrite

	// BufferUses is the subset valid for buffers.
	BufferUses = MapRead | MapWrite | CopySrc | CopyDst | Index | Vertex |
		Uniform | Indirect | StorageRead | StorageWrite

	// TextureUses is the subset valid for textures.
	TextureUses = CopySrc | CopyDst | Resource | StorageRead | StorageWrite |
		ColorTarget | DepthStencilRead | DepthStencilWrite | Present
)

// IsReadOnly reports whether u only reads. Unknown and Uninitialized are not
// read-only.
func (u Uses) IsReadOnly() bool {
	return u != Uninitialized && u&Unknown == 0 && u&^ReadOnly == 0
}

// IsOrdered reports whether repeating u back to back needs no barrier.
func (u Uses) IsOrdered() bool {
	return u != Uninitialized && u&Unknown == 0 && u&^Ordered == 0
}

// Writes reports whether u contains any write access. Unknown counts as a
// write.
func (u Uses) Writes() bool {
	return u&Unknown != 0 || u&Exclusive != 0
}

var usesNames = []struct {
	u    Uses
	name string
}{
	{MapRead, "MapRead"},
	{MapWrite, "MapWrite"},
	{CopySrc, "CopySrc"},
	{CopyDst, "CopyDst"},
	{Index, "Index"},
	{Vertex, "Vertex"},
	{Uniform, "Uniform"},
	{Indirect, "Indirect"},
	{Resource, "Resource"},
	{StorageRead, "StorageRead"},
	{StorageWrite, "StorageWrite"},
	{ColorTarget, "ColorTarget"},
	{DepthStencilRead, "DepthStencilRead"},
	{DepthStencilWrite, "DepthStencilWrite"},
	{Present, "Present"},
	{Unknown, "Unknown"},
}

// String returns the flags joined by '|', or "Uninitialized".
func (u Uses) String() string {
	if u == Uninitialized {
		return "Uninitialized"
	}
	var parts []string
	rest := u
	for _, n := range usesNames {
		if u&n.u != 0 {
			parts = append(parts, n.name)
			rest &^= n.u
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ParseUses parses the output of Uses.String.
func ParseUses(s string) (Uses, error) {
	if s == "Uninitialized" || s == "" {
		return Uninitialized, nil
	}
	var u Uses
	for _, part := range strings.Split(s, "|") {
		found := false
		for _, n := range usesNames {
			if n.name == part {
				u |= n.u
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("track: unknown usage %q", part)
		}
	}
	return u, nil
}

// Layout is the image layout a texture must be in for a given access.
// Backends without explicit layouts ignore it.
type Layout uint8

// Texture layouts.
const (
	LayoutUndefined Layout = iota
	LayoutGeneral
	LayoutCopySrc
	LayoutCopyDst
	LayoutShaderRead
	LayoutColorTarget
	LayoutDepthStencilWrite
	LayoutDepthStencilRead
	LayoutPresent
)

// String returns the string representation of Layout.
func (l Layout) String() string {
	switch l {
	case LayoutUndefined:
		return "Undefined"
	case LayoutGeneral:
		return "General"
	case LayoutCopySrc:
		return "CopySrc"
	case LayoutCopyDst:
		return "CopyDst"
	case LayoutShaderRead:
		return "ShaderRead"
	case LayoutColorTarget:
		return "ColorTarget"
	case LayoutDepthStencilWrite:
		return "DepthStencilWrite"
	case LayoutDepthStencilRead:
		return "DepthStencilRead"
	case LayoutPresent:
		return "Present"
	default:
		return fmt.Sprintf("Unknown(%d)", int(l))
	}
}

// LayoutOf returns the texture layout required by u.
// Mixed accesses that no specialized layout covers map to LayoutGeneral.
func LayoutOf(u Uses) Layout {
	switch {
	case u == Uninitialized || u&Unknown != 0:
		return LayoutUndefined
	case u == CopySrc:
		return LayoutCopySrc
	case u == CopyDst:
		return LayoutCopyDst
	case u == Resource:
		return LayoutShaderRead
	case u == ColorTarget:
		return LayoutColorTarget
	case u&DepthStencilWrite != 0 && u&^(DepthStencilWrite|DepthStencilRead) == 0:
		return LayoutDepthStencilWrite
	case u&DepthStencilRead != 0 && u&^(DepthStencilRead|Resource) == 0:
		return LayoutDepthStencilRead
	case u == Present:
		return LayoutPresent
	default:
		return LayoutGeneral
	}
}
