// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package backend

import "github.com/gogpu/gputypes"

// Command is one operation of a CommandList. The concrete types below are
// the complete set; backends type-switch over them.
type Command interface {
	// Name returns the operation name used in logs and call traces.
	Name() string
}

// CommandList is an ordered, validated sequence of commands. Every barrier
// the sequence needs is already present as a Barrier command.
type CommandList struct {
	Label    string
	Commands []Command
}

// Append adds commands to the list.
func (l *CommandList) Append(cmds ...Command) {
	l.Commands = append(l.Commands, cmds...)
}

// Len returns the number of commands.
func (l *CommandList) Len() int { return len(l.Commands) }

// ColorAttachment is one color target of a render pass.
type ColorAttachment struct {
	Texture    Object
	MipLevel   uint32
	Layer      uint32
	LoadOp     gputypes.LoadOp
	StoreOp    gputypes.StoreOp
	ClearValue gputypes.Color
}

// DepthStencilAttachment is the depth target of a render pass.
type DepthStencilAttachment struct {
	Texture         Object
	DepthLoadOp     gputypes.LoadOp
	DepthStoreOp    gputypes.StoreOp
	DepthClearValue float32
	ReadOnly        bool
}

// BeginRenderPass starts a render pass.
type BeginRenderPass struct {
	Label        string
	Color        []ColorAttachment
	DepthStencil *DepthStencilAttachment
}

// BeginComputePass starts a compute pass.
type BeginComputePass struct {
	Label string
}

// EndPass ends the current pass.
type EndPass struct{}

// SetPipeline binds a render or compute pipeline.
type SetPipeline struct {
	Pipeline Object
	Compute  bool
}

// SetBindGroup binds a group at Index for the current pass.
type SetBindGroup struct {
	Index uint32
	Group Object
}

// SetVertexBuffer binds a vertex buffer slot.
type SetVertexBuffer struct {
	Slot   uint32
	Buffer Object
	Offset uint64
}

// SetIndexBuffer binds the index buffer.
type SetIndexBuffer struct {
	Buffer Object
	Format gputypes.IndexFormat
	Offset uint64
}

// Draw draws non-indexed primitives.
type Draw struct {
	VertexCount   uint32
	InstanceCount uint32
	FirstVertex   uint32
	FirstInstance uint32
}

// DrawIndexed draws indexed primitives.
type DrawIndexed struct {
	IndexCount    uint32
	InstanceCount uint32
	FirstIndex    uint32
	BaseVertex    int32
	FirstInstance uint32
}

// Dispatch runs compute workgroups.
type Dispatch struct {
	X, Y, Z uint32
}

// DispatchIndirect runs compute workgroups with counts read from a buffer.
type DispatchIndirect struct {
	Buffer Object
	Offset uint64
}

// CopyBufferToBuffer copies Size bytes between buffers.
type CopyBufferToBuffer struct {
	Src       Object
	SrcOffset uint64
	Dst       Object
	DstOffset uint64
	Size      uint64
}

// TextureRegion addresses a subresource of a texture and an origin in it.
type TextureRegion struct {
	Texture  Object
	MipLevel uint32
	Origin   gputypes.Origin3D
}

// BufferLayout describes texel data stored in a buffer.
type BufferLayout struct {
	Offset       uint64
	BytesPerRow  uint32
	RowsPerImage uint32
}

// CopyBufferToTexture copies texel rows from a buffer into a texture.
type CopyBufferToTexture struct {
	Src    Object
	Layout BufferLayout
	Dst    TextureRegion
	Size   gputypes.Extent3D
}

// CopyTextureToBuffer copies texel rows from a texture into a buffer.
type CopyTextureToBuffer struct {
	Src    TextureRegion
	Dst    Object
	Layout BufferLayout
	Size   gputypes.Extent3D
}

// CopyTextureToTexture copies a region between textures.
type CopyTextureToTexture struct {
	Src  TextureRegion
	Dst  TextureRegion
	Size gputypes.Extent3D
}

// ClearBuffer zeroes a buffer range.
type ClearBuffer struct {
	Buffer Object
	Offset uint64
	Size   uint64
}

// ClearTexture zeroes one mip level of one layer.
type ClearTexture struct {
	Texture  Object
	MipLevel uint32
	Layer    uint32
}

// WriteBuffer uploads host data into a buffer. The core only emits it at the
// start of a submission.
type WriteBuffer struct {
	Buffer Object
	Offset uint64
	Data   []byte
}

// PushDebugGroup opens a labeled debug region.
type PushDebugGroup struct {
	Label string
}

// PopDebugGroup closes the innermost debug region.
type PopDebugGroup struct{}

func (BeginRenderPass) Name() string      { return "BeginRenderPass" }
func (BeginComputePass) Name() string     { return "BeginComputePass" }
func (EndPass) Name() string              { return "EndPass" }
func (SetPipeline) Name() string          { return "SetPipeline" }
func (SetBindGroup) Name() string         { return "SetBindGroup" }
func (SetVertexBuffer) Name() string      { return "SetVertexBuffer" }
func (SetIndexBuffer) Name() string       { return "SetIndexBuffer" }
func (Draw) Name() string                 { return "Draw" }
func (DrawIndexed) Name() string          { return "DrawIndexed" }
func (Dispatch) Name() string             { return "Dispatch" }
func (DispatchIndirect) Name() string     { return "DispatchIndirect" }
func (CopyBufferToBuffer) Name() string   { return "CopyBufferToBuffer" }
func (CopyBufferToTexture) Name() string  { return "CopyBufferToTexture" }
func (CopyTextureToBuffer) Name() string  { return "CopyTextureToBuffer" }
func (CopyTextureToTexture) Name() string { return "CopyTextureToTexture" }
func (ClearBuffer) Name() string          { return "ClearBuffer" }
func (ClearTexture) Name() string         { return "ClearTexture" }
func (WriteBuffer) Name() string          { return "WriteBuffer" }
func (PushDebugGroup) Name() string       { return "PushDebugGroup" }
func (PopDebugGroup) Name() string        { return "PopDebugGroup" }
func (Barrier) Name() string              { return "Barrier" }
