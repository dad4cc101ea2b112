// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package core

import (
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpurt/backend"
	"github.com/gogpu/gpurt/id"
)

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	Label string               `json:"label,omitempty"`
	Size  uint64               `json:"size"`
	Usage gputypes.BufferUsage `json:"usage"`
}

// TextureDescriptor describes a texture to create. Zero MipLevelCount and
// SampleCount mean 1; a zero Size.DepthOrArrayLayers means one layer.
type TextureDescriptor struct {
	Label         string                    `json:"label,omitempty"`
	Size          gputypes.Extent3D         `json:"size"`
	MipLevelCount uint32                    `json:"mip_level_count,omitempty"`
	SampleCount   uint32                    `json:"sample_count,omitempty"`
	Dimension     gputypes.TextureDimension `json:"dimension,omitempty"`
	Format        gputypes.TextureFormat    `json:"format"`
	Usage         gputypes.TextureUsage     `json:"usage"`
}

// SamplerDescriptor describes a sampler to create.
type SamplerDescriptor = backend.SamplerDescriptor

// ShaderModuleDescriptor carries WGSL source. Devices whose backend
// consumes SPIR-V compile it first.
type ShaderModuleDescriptor struct {
	Label string `json:"label,omitempty"`
	WGSL  string `json:"wgsl"`
}

// BindGroupLayoutDescriptor describes the bindings of one group.
type BindGroupLayoutDescriptor struct {
	Label   string                          `json:"label,omitempty"`
	Entries []gputypes.BindGroupLayoutEntry `json:"entries"`
}

// PipelineLayoutDescriptor lists bind group layouts by group index.
type PipelineLayoutDescriptor struct {
	Label            string      `json:"label,omitempty"`
	BindGroupLayouts []id.Handle `json:"bind_group_layouts"`
}

// BindGroupEntry binds one resource to a binding of the layout. Exactly
// one of Buffer, Texture and Sampler is set. A zero Size binds the rest of
// the buffer.
type BindGroupEntry struct {
	Binding uint32    `json:"binding"`
	Buffer  id.Handle `json:"buffer"`
	Offset  uint64    `json:"offset,omitempty"`
	Size    uint64    `json:"size,omitempty"`
	Texture id.Handle `json:"texture"`
	Sampler id.Handle `json:"sampler"`
}

// BindGroupDescriptor describes a bind group to create.
type BindGroupDescriptor struct {
	Label   string           `json:"label,omitempty"`
	Layout  id.Handle        `json:"layout"`
	Entries []BindGroupEntry `json:"entries"`
}

// ComputePipelineDescriptor describes a compute pipeline to create.
type ComputePipelineDescriptor struct {
	Label      string    `json:"label,omitempty"`
	Layout     id.Handle `json:"layout"`
	Module     id.Handle `json:"module"`
	EntryPoint string    `json:"entry_point"`
}

// VertexState is the vertex stage of a render pipeline.
type VertexState struct {
	Module     id.Handle                     `json:"module"`
	EntryPoint string                        `json:"entry_point"`
	Buffers    []gputypes.VertexBufferLayout `json:"buffers,omitempty"`
}

// FragmentState is the fragment stage of a render pipeline.
type FragmentState struct {
	Module     id.Handle                   `json:"module"`
	EntryPoint string                      `json:"entry_point"`
	Targets    []gputypes.ColorTargetState `json:"targets"`
}

// RenderPipelineDescriptor describes a render pipeline to create.
type RenderPipelineDescriptor struct {
	Label     string                  `json:"label,omitempty"`
	Layout    id.Handle               `json:"layout"`
	Vertex    VertexState             `json:"vertex"`
	Fragment  *FragmentState          `json:"fragment,omitempty"`
	Primitive gputypes.PrimitiveState `json:"primitive"`

	// DepthStencilFormat is TextureFormatUndefined for pipelines that
	// render without a depth attachment.
	DepthStencilFormat gputypes.TextureFormat `json:"depth_stencil_format,omitempty"`

	// SampleCount is the attachment sample count; zero means 1.
	SampleCount uint32 `json:"sample_count,omitempty"`
}

// RenderPassColorAttachment is one color target of a render pass.
type RenderPassColorAttachment struct {
	Texture    id.Handle        `json:"texture"`
	MipLevel   uint32           `json:"mip_level,omitempty"`
	Layer      uint32           `json:"layer,omitempty"`
	LoadOp     gputypes.LoadOp  `json:"load_op"`
	StoreOp    gputypes.StoreOp `json:"store_op"`
	ClearValue gputypes.Color   `json:"clear_value"`
}

// RenderPassDepthStencilAttachment is the depth target of a render pass.
// A ReadOnly attachment is neither cleared nor written.
type RenderPassDepthStencilAttachment struct {
	Texture         id.Handle        `json:"texture"`
	DepthLoadOp     gputypes.LoadOp  `json:"depth_load_op"`
	DepthStoreOp    gputypes.StoreOp `json:"depth_store_op"`
	DepthClearValue float32          `json:"depth_clear_value"`
	ReadOnly        bool             `json:"read_only,omitempty"`
}

// RenderPassDescriptor describes a render pass.
type RenderPassDescriptor struct {
	Label                  string                            `json:"label,omitempty"`
	ColorAttachments       []RenderPassColorAttachment       `json:"color_attachments"`
	DepthStencilAttachment *RenderPassDepthStencilAttachment `json:"depth_stencil_attachment,omitempty"`
}

// ImageCopyBuffer is the buffer side of a texture copy.
type ImageCopyBuffer struct {
	Buffer       id.Handle `json:"buffer"`
	Offset       uint64    `json:"offset,omitempty"`
	BytesPerRow  uint32    `json:"bytes_per_row"`
	RowsPerImage uint32    `json:"rows_per_image,omitempty"`
}

// ImageCopyTexture is the texture side of a copy. Origin.Z selects the
// first array layer.
type ImageCopyTexture struct {
	Texture  id.Handle         `json:"texture"`
	MipLevel uint32            `json:"mip_level,omitempty"`
	Origin   gputypes.Origin3D `json:"origin"`
}
