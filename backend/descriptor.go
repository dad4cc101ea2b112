// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package backend

import "github.com/gogpu/gputypes"

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage
}

// TextureDescriptor describes a texture to create.
type TextureDescriptor struct {
	Label         string
	Size          gputypes.Extent3D
	MipLevelCount uint32
	SampleCount   uint32
	Dimension     gputypes.TextureDimension
	Format        gputypes.TextureFormat
	Usage         gputypes.TextureUsage
}

// SamplerDescriptor describes a sampler to create.
type SamplerDescriptor struct {
	Label        string
	AddressModeU gputypes.AddressMode
	AddressModeV gputypes.AddressMode
	AddressModeW gputypes.AddressMode
	MagFilter    gputypes.FilterMode
	MinFilter    gputypes.FilterMode
	MipmapFilter gputypes.FilterMode
}

// ShaderModuleDescriptor carries shader code in the backend's
// ShaderFormat. Exactly one of WGSL and SPIRV is set.
type ShaderModuleDescriptor struct {
	Label string
	WGSL  string
	SPIRV []uint32
}

// BindGroupLayoutDescriptor describes the bindings of one group.
type BindGroupLayoutDescriptor struct {
	Label   string
	Entries []gputypes.BindGroupLayoutEntry
}

// PipelineLayoutDescriptor lists the group layouts of a pipeline, by group
// index.
type PipelineLayoutDescriptor struct {
	Label            string
	BindGroupLayouts []Object
}

// BindGroupEntry binds one resource. Exactly one of Buffer, Texture and
// Sampler is set. Size 0 means the rest of the buffer.
type BindGroupEntry struct {
	Binding uint32
	Buffer  Object
	Offset  uint64
	Size    uint64
	Texture Object
	Sampler Object
}

// BindGroupDescriptor describes a bind group to create.
type BindGroupDescriptor struct {
	Label   string
	Layout  Object
	Entries []BindGroupEntry
}

// ComputePipelineDescriptor describes a compute pipeline to create.
type ComputePipelineDescriptor struct {
	Label      string
	Layout     Object
	Module     Object
	EntryPoint string
}

// VertexState is the vertex stage of a render pipeline.
type VertexState struct {
	Module     Object
	EntryPoint string
	Buffers    []gputypes.VertexBufferLayout
}

// FragmentState is the fragment stage of a render pipeline.
type FragmentState struct {
	Module     Object
	EntryPoint string
	Targets    []gputypes.ColorTargetState
}

// RenderPipelineDescriptor describes a render pipeline to create.
type RenderPipelineDescriptor struct {
	Label     string
	Layout    Object
	Vertex    VertexState
	Fragment  *FragmentState
	Primitive gputypes.PrimitiveState

	// DepthStencilFormat is TextureFormatUndefined for pipelines without a
	// depth attachment.
	DepthStencilFormat gputypes.TextureFormat

	SampleCount uint32
}
