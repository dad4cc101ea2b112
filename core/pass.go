// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"
	"reflect"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpurt/backend"
	"github.com/gogpu/gpurt/id"
	"github.com/gogpu/gpurt/trace"
	"github.com/gogpu/gpurt/track"
)

// indirectDispatchSize is the size of the x, y, z counts DispatchIndirect
// reads.
const indirectDispatchSize = 12

// compatible reports whether a bind group created for bound may be used
// where a pipeline expects want.
func compatible(bound, want groupLayout) bool {
	return bound.handle == want.handle || reflect.DeepEqual(bound.entries, want.entries)
}

// bindGroup resolves a bind group and every resource it references. A
// group whose resources were freed cannot be bound.
func (e *CommandEncoder) bindGroup(op string, h id.Handle) (*bindGroupRecord, error) {
	d := e.dev
	g, err := d.bindGroups.Resolve(h)
	if err != nil {
		return nil, fmt.Errorf("core: %s: %w", op, err)
	}
	for _, b := range g.buffers {
		r, err := d.buffers.Resolve(b.handle)
		if err != nil {
			return nil, d.invalidErr(op, "bind group references a freed buffer", err)
		}
		e.use(b.handle, r.raw)
	}
	for _, t := range g.textures {
		r, err := d.textures.Resolve(t.handle)
		if err != nil {
			return nil, d.invalidErr(op, "bind group references a freed texture", err)
		}
		e.use(t.handle, r.raw)
	}
	for _, s := range g.samplers {
		r, err := d.samplers.Resolve(s)
		if err != nil {
			return nil, d.invalidErr(op, "bind group references a freed sampler", err)
		}
		e.use(s, r.raw)
	}
	e.use(h, g.raw)
	return g, nil
}

// initGroup registers the init actions of a bound group's resources.
func (e *CommandEncoder) initGroup(g *bindGroupRecord, dst *backend.CommandList) {
	for _, b := range g.buffers {
		e.initBuffer(b.handle, b.offset, b.offset+b.size, track.NeedsInit)
	}
	for _, t := range g.textures {
		if tex, err := e.dev.textures.Resolve(t.handle); err == nil {
			e.initTexture(t.handle, tex, tex.all(), track.NeedsInit, dst)
		}
	}
}

// checkGroups verifies that every group a pipeline declares is bound with a
// compatible layout.
func (e *CommandEncoder) checkGroups(op string, want []groupLayout, bound []*bindGroupRecord) error {
	for i, gl := range want {
		if i >= len(bound) || bound[i] == nil {
			return e.dev.invalid(op, "bind group %d is not set", i)
		}
		if !compatible(bound[i].layout, gl) {
			return e.dev.invalid(op, "bind group %d does not match the pipeline layout", i)
		}
	}
	return nil
}

func (e *CommandEncoder) checkGroupIndex(op string, index uint32) error {
	if limit := e.dev.caps.Limits.MaxBindGroups; index >= limit {
		return e.dev.invalid(op, "bind group index %d exceeds limit %d", index, limit)
	}
	return nil
}

func setGroup(groups []*bindGroupRecord, index uint32, g *bindGroupRecord) []*bindGroupRecord {
	for uint32(len(groups)) <= index {
		groups = append(groups, nil)
	}
	groups[index] = g
	return groups
}

// RenderPass records draws into a render pass. Commands are buffered until
// End, so the barrier for everything the pass touches precedes it.
type RenderPass struct {
	enc   *CommandEncoder
	label string
	begin backend.BeginRenderPass
	scope *track.Scope
	cmds  backend.CommandList

	colorFormats  []gputypes.TextureFormat
	depthFormat   gputypes.TextureFormat
	sampleCount   uint32
	discards      []track.Surface

	pipeline *renderPipelineRecord
	groups   []*bindGroupRecord
	vertex   map[uint32]uint64
	index    *indexBinding
	ended    bool
}

type indexBinding struct {
	size   uint64
	format gputypes.IndexFormat
}

func indexSize(f gputypes.IndexFormat) uint64 {
	if f == gputypes.IndexFormatUint16 {
		return 2
	}
	return 4
}

// attachment validates one render pass attachment.
func (e *CommandEncoder) attachment(op string, h id.Handle, mip, layer uint32) (*textureRecord, error) {
	t, err := e.texture(op, h, gputypes.TextureUsageRenderAttachment)
	if err != nil {
		return nil, err
	}
	if mip >= t.desc.MipLevelCount || layer >= t.desc.Size.DepthOrArrayLayers {
		return nil, e.dev.invalid(op, "attachment mip %d layer %d outside texture %q", mip, layer, t.desc.Label)
	}
	return t, nil
}

// BeginRenderPass opens a render pass on the given attachments. All
// attachments must have the same size and sample count.
func (e *CommandEncoder) BeginRenderPass(desc RenderPassDescriptor) (*RenderPass, error) {
	const op = "BeginRenderPass"
	handles := make([]id.Handle, 0, len(desc.ColorAttachments)+1)
	for _, c := range desc.ColorAttachments {
		handles = append(handles, c.Texture)
	}
	if ds := desc.DepthStencilAttachment; ds != nil {
		handles = append(handles, ds.Texture)
	}
	e.record(trace.OpBeginRenderPass, renderPassArgs{Encoder: e.seq, Pass: desc}, handles...)
	if err := e.begin(op, noPass); err != nil {
		return nil, err
	}
	d := e.dev
	if len(handles) == 0 {
		return nil, e.fail(d.invalid(op, "render pass %q has no attachments", desc.Label))
	}
	if limit := d.caps.Limits.MaxColorAttachments; uint32(len(desc.ColorAttachments)) > limit {
		return nil, e.fail(d.invalid(op, "%d color attachments exceed limit %d", len(desc.ColorAttachments), limit))
	}

	rp := &RenderPass{
		enc:    e,
		label:  desc.Label,
		begin:  backend.BeginRenderPass{Label: desc.Label},
		scope:  track.NewScope(),
		vertex: make(map[uint32]uint64),
		cmds:   backend.CommandList{Label: desc.Label},
	}
	var width, height uint32
	sized := func(t *textureRecord, mip uint32) error {
		w, h := t.mipSize(mip)
		if rp.sampleCount == 0 {
			width, height, rp.sampleCount = w, h, t.desc.SampleCount
			return nil
		}
		if w != width || h != height || t.desc.SampleCount != rp.sampleCount {
			return d.invalid(op, "attachment %q is %dx%d with %d samples, pass is %dx%d with %d",
				t.desc.Label, w, h, t.desc.SampleCount, width, height, rp.sampleCount)
		}
		return nil
	}

	type pendingInit struct {
		h    id.Handle
		t    *textureRecord
		sel  track.Selector
		kind track.InitKind
	}
	var inits []pendingInit
	loadKind := func(load gputypes.LoadOp) track.InitKind {
		if load == gputypes.LoadOpClear {
			return track.ImplicitInit
		}
		return track.NeedsInit
	}

	for _, c := range desc.ColorAttachments {
		t, err := e.attachment(op, c.Texture, c.MipLevel, c.Layer)
		if err != nil {
			return nil, e.fail(err)
		}
		if backend.IsDepthFormat(t.desc.Format) {
			return nil, e.fail(d.invalid(op, "color attachment %q has depth format %v", t.desc.Label, t.desc.Format))
		}
		if err := sized(t, c.MipLevel); err != nil {
			return nil, e.fail(err)
		}
		if err := rp.scope.Add(c.Texture, true, track.ColorTarget); err != nil {
			return nil, e.fail(d.invalidErr(op, "conflicting attachment usage", err))
		}
		sel := track.Selector{BaseMip: c.MipLevel, MipCount: 1, BaseLayer: c.Layer, LayerCount: 1}
		inits = append(inits, pendingInit{c.Texture, t, sel, loadKind(c.LoadOp)})
		if c.StoreOp == gputypes.StoreOpDiscard {
			rp.discards = append(rp.discards, track.Surface{Texture: c.Texture, MipLevel: c.MipLevel, Layer: c.Layer})
		}
		rp.colorFormats = append(rp.colorFormats, t.desc.Format)
		rp.begin.Color = append(rp.begin.Color, backend.ColorAttachment{
			Texture:    t.raw,
			MipLevel:   c.MipLevel,
			Layer:      c.Layer,
			LoadOp:     c.LoadOp,
			StoreOp:    c.StoreOp,
			ClearValue: c.ClearValue,
		})
	}

	if ds := desc.DepthStencilAttachment; ds != nil {
		t, err := e.attachment(op, ds.Texture, 0, 0)
		if err != nil {
			return nil, e.fail(err)
		}
		if !backend.IsDepthFormat(t.desc.Format) {
			return nil, e.fail(d.invalid(op, "depth attachment %q has color format %v", t.desc.Label, t.desc.Format))
		}
		if err := sized(t, 0); err != nil {
			return nil, e.fail(err)
		}
		use, kind := track.DepthStencilWrite, loadKind(ds.DepthLoadOp)
		if ds.ReadOnly {
			use, kind = track.DepthStencilRead, track.NeedsInit
		}
		if err := rp.scope.Add(ds.Texture, true, use); err != nil {
			return nil, e.fail(d.invalidErr(op, "conflicting attachment usage", err))
		}
		sel := track.Selector{MipCount: 1, LayerCount: 1}
		inits = append(inits, pendingInit{ds.Texture, t, sel, kind})
		if !ds.ReadOnly && ds.DepthStoreOp == gputypes.StoreOpDiscard {
			rp.discards = append(rp.discards, track.Surface{Texture: ds.Texture})
		}
		rp.depthFormat = t.desc.Format
		rp.begin.DepthStencil = &backend.DepthStencilAttachment{
			Texture:         t.raw,
			DepthLoadOp:     ds.DepthLoadOp,
			DepthStoreOp:    ds.DepthStoreOp,
			DepthClearValue: ds.DepthClearValue,
			ReadOnly:        ds.ReadOnly,
		}
	}

	// Surfaces loaded after an earlier discard are cleared before the pass.
	for _, in := range inits {
		e.initTexture(in.h, in.t, in.sel, in.kind, e.list)
	}
	e.pass = renderPassKind
	return rp, nil
}

// check verifies the pass is still open.
func (rp *RenderPass) check(op string) error {
	if rp.ended {
		return rp.enc.dev.invalid(op, "render pass %q has ended", rp.label)
	}
	return rp.enc.begin(op, renderPassKind)
}

// SetPipeline selects the render pipeline. Its target formats and sample
// count must match the pass attachments.
func (rp *RenderPass) SetPipeline(h id.Handle) error {
	const op = "SetPipeline"
	e := rp.enc
	e.record(trace.OpSetPipeline, bindArgs{Encoder: e.seq, Object: h}, h)
	if err := rp.check(op); err != nil {
		return err
	}
	p, err := e.dev.renderPipelines.Resolve(h)
	if err != nil {
		return e.fail(fmt.Errorf("core: %s: %w", op, err))
	}
	switch {
	case !reflect.DeepEqual(p.colorFormats, rp.colorFormats) && (len(p.colorFormats) != 0 || len(rp.colorFormats) != 0):
		return e.fail(e.dev.invalid(op, "pipeline targets %v do not match attachments %v", p.colorFormats, rp.colorFormats))
	case p.depthFormat != rp.depthFormat:
		return e.fail(e.dev.invalid(op, "pipeline depth format %v does not match attachment %v", p.depthFormat, rp.depthFormat))
	case p.sampleCount != rp.sampleCount:
		return e.fail(e.dev.invalid(op, "pipeline sample count %d does not match attachments %d", p.sampleCount, rp.sampleCount))
	}
	e.use(h, p.raw)
	rp.pipeline = p
	rp.cmds.Append(backend.SetPipeline{Pipeline: p.raw})
	return nil
}

// SetBindGroup binds group h at index. The group's resources join the pass
// usage scope; a group that uses an attachment conflicts.
func (rp *RenderPass) SetBindGroup(index uint32, h id.Handle) error {
	const op = "SetBindGroup"
	e := rp.enc
	e.record(trace.OpSetBindGroup, bindArgs{Encoder: e.seq, Object: h, Index: index}, h)
	if err := rp.check(op); err != nil {
		return err
	}
	if err := e.checkGroupIndex(op, index); err != nil {
		return e.fail(err)
	}
	g, err := e.bindGroup(op, h)
	if err != nil {
		return e.fail(err)
	}
	if err := rp.scope.Check(g.scope); err != nil {
		return e.fail(e.dev.invalidErr(op, "bind group conflicts with the pass", err))
	}
	_ = rp.scope.Merge(g.scope)
	e.initGroup(g, e.list)
	rp.groups = setGroup(rp.groups, index, g)
	rp.cmds.Append(backend.SetBindGroup{Index: index, Group: g.raw})
	return nil
}

// SetVertexBuffer binds the buffer from offset to its end at slot.
func (rp *RenderPass) SetVertexBuffer(slot uint32, h id.Handle, offset uint64) error {
	const op = "SetVertexBuffer"
	e := rp.enc
	e.record(trace.OpSetVertexBuffer, bindArgs{Encoder: e.seq, Object: h, Index: slot, Offset: offset}, h)
	if err := rp.check(op); err != nil {
		return err
	}
	if limit := e.dev.caps.Limits.MaxVertexBuffers; slot >= limit {
		return e.fail(e.dev.invalid(op, "vertex buffer slot %d exceeds limit %d", slot, limit))
	}
	b, err := e.buffer(op, h, gputypes.BufferUsageVertex)
	if err != nil {
		return e.fail(err)
	}
	if offset > b.desc.Size {
		return e.fail(e.dev.invalid(op, "offset %d past buffer end %d", offset, b.desc.Size))
	}
	if err := rp.scope.Add(h, false, track.Vertex); err != nil {
		return e.fail(e.dev.invalidErr(op, "vertex buffer conflicts with the pass", err))
	}
	e.initBuffer(h, offset, b.desc.Size, track.NeedsInit)
	rp.vertex[slot] = b.desc.Size - offset
	rp.cmds.Append(backend.SetVertexBuffer{Slot: slot, Buffer: b.raw, Offset: offset})
	return nil
}

// SetIndexBuffer binds the index buffer from offset to its end.
func (rp *RenderPass) SetIndexBuffer(h id.Handle, format gputypes.IndexFormat, offset uint64) error {
	const op = "SetIndexBuffer"
	e := rp.enc
	e.record(trace.OpSetIndexBuffer, bindArgs{Encoder: e.seq, Object: h, Offset: offset, Format: format}, h)
	if err := rp.check(op); err != nil {
		return err
	}
	b, err := e.buffer(op, h, gputypes.BufferUsageIndex)
	if err != nil {
		return e.fail(err)
	}
	if offset%indexSize(format) != 0 || offset > b.desc.Size {
		return e.fail(e.dev.invalid(op, "offset %d is misaligned or past buffer end %d", offset, b.desc.Size))
	}
	if err := rp.scope.Add(h, false, track.Index); err != nil {
		return e.fail(e.dev.invalidErr(op, "index buffer conflicts with the pass", err))
	}
	e.initBuffer(h, offset, b.desc.Size, track.NeedsInit)
	rp.index = &indexBinding{size: b.desc.Size - offset, format: format}
	rp.cmds.Append(backend.SetIndexBuffer{Buffer: b.raw, Format: format, Offset: offset})
	return nil
}

// checkDraw verifies the state a draw needs. instances and vertices are
// the exclusive upper bounds the draw reads from per-instance and
// per-vertex buffers; a zero vertices skips per-vertex checks.
func (rp *RenderPass) checkDraw(op string, vertices, instances uint64) error {
	e := rp.enc
	p := rp.pipeline
	if p == nil {
		return e.dev.invalid(op, "no pipeline is set")
	}
	if err := e.checkGroups(op, p.groups, rp.groups); err != nil {
		return err
	}
	for slot, l := range p.vertexBuffers {
		size, ok := rp.vertex[uint32(slot)]
		if !ok {
			return e.dev.invalid(op, "vertex buffer %d is not set", slot)
		}
		n := instances
		if l.StepMode == gputypes.VertexStepModeVertex {
			n = vertices
		}
		if need := n * l.ArrayStride; need > size {
			return e.dev.invalid(op, "vertex buffer %d holds %d bytes, draw reads %d", slot, size, need)
		}
	}
	return nil
}

// Draw draws vertexCount vertices of instanceCount instances.
func (rp *RenderPass) Draw(vertexCount, instanceCount, firstVertex, firstInstance uint32) error {
	const op = "Draw"
	e := rp.enc
	e.record(trace.OpDraw, drawArgs{
		Encoder: e.seq, Count: vertexCount, InstanceCount: instanceCount, First: firstVertex, FirstInstance: firstInstance,
	})
	if err := rp.check(op); err != nil {
		return err
	}
	vertices := uint64(firstVertex) + uint64(vertexCount)
	instances := uint64(firstInstance) + uint64(instanceCount)
	if err := rp.checkDraw(op, vertices, instances); err != nil {
		return e.fail(err)
	}
	rp.cmds.Append(backend.Draw{
		VertexCount:   vertexCount,
		InstanceCount: instanceCount,
		FirstVertex:   firstVertex,
		FirstInstance: firstInstance,
	})
	return nil
}

// DrawIndexed draws indexCount indices of instanceCount instances from the
// bound index buffer.
func (rp *RenderPass) DrawIndexed(indexCount, instanceCount, firstIndex uint32, baseVertex int32, firstInstance uint32) error {
	const op = "DrawIndexed"
	e := rp.enc
	e.record(trace.OpDrawIndexed, drawArgs{
		Encoder: e.seq, Count: indexCount, InstanceCount: instanceCount, First: firstIndex,
		BaseVertex: baseVertex, FirstInstance: firstInstance,
	})
	if err := rp.check(op); err != nil {
		return err
	}
	if rp.index == nil {
		return e.fail(e.dev.invalid(op, "no index buffer is set"))
	}
	if need := (uint64(firstIndex) + uint64(indexCount)) * indexSize(rp.index.format); need > rp.index.size {
		return e.fail(e.dev.invalid(op, "index buffer holds %d bytes, draw reads %d", rp.index.size, need))
	}
	// Vertex indices come from the buffer and are not known here.
	if err := rp.checkDraw(op, 0, uint64(firstInstance)+uint64(instanceCount)); err != nil {
		return e.fail(err)
	}
	rp.cmds.Append(backend.DrawIndexed{
		IndexCount:    indexCount,
		InstanceCount: instanceCount,
		FirstIndex:    firstIndex,
		BaseVertex:    baseVertex,
		FirstInstance: firstInstance,
	})
	return nil
}

// End closes the pass: the barrier for the pass scope is recorded, then the
// buffered pass commands.
func (rp *RenderPass) End() error {
	const op = "EndPass"
	e := rp.enc
	e.record(trace.OpEndPass, encoderArgs{Encoder: e.seq})
	if err := rp.check(op); err != nil {
		return err
	}
	rp.ended = true
	e.pass = noPass

	e.apply(rp.scope, e.list)
	e.list.Append(rp.begin)
	e.list.Append(rp.cmds.Commands...)
	e.list.Append(backend.EndPass{})
	for _, s := range rp.discards {
		e.textures.Discard(s)
	}
	return nil
}

// ComputePass records dispatches. Every dispatch is its own usage scope,
// so dispatches are ordered by barriers between them.
type ComputePass struct {
	enc   *CommandEncoder
	label string
	cmds  backend.CommandList

	pipeline   *computePipelineRecord
	groups     []*bindGroupRecord
	dispatched bool
	ended      bool
}

// BeginComputePass opens a compute pass.
func (e *CommandEncoder) BeginComputePass(label string) (*ComputePass, error) {
	const op = "BeginComputePass"
	e.record(trace.OpBeginComputePass, encoderArgs{Encoder: e.seq, Label: label})
	if err := e.begin(op, noPass); err != nil {
		return nil, err
	}
	e.pass = computePassKind
	return &ComputePass{enc: e, label: label, cmds: backend.CommandList{Label: label}}, nil
}

func (cp *ComputePass) check(op string) error {
	if cp.ended {
		return cp.enc.dev.invalid(op, "compute pass %q has ended", cp.label)
	}
	return cp.enc.begin(op, computePassKind)
}

// SetPipeline selects the compute pipeline.
func (cp *ComputePass) SetPipeline(h id.Handle) error {
	const op = "SetPipeline"
	e := cp.enc
	e.record(trace.OpSetPipeline, bindArgs{Encoder: e.seq, Object: h}, h)
	if err := cp.check(op); err != nil {
		return err
	}
	p, err := e.dev.computePipelines.Resolve(h)
	if err != nil {
		return e.fail(fmt.Errorf("core: %s: %w", op, err))
	}
	e.use(h, p.raw)
	cp.pipeline = p
	cp.cmds.Append(backend.SetPipeline{Pipeline: p.raw, Compute: true})
	return nil
}

// SetBindGroup binds group h at index for the following dispatches.
func (cp *ComputePass) SetBindGroup(index uint32, h id.Handle) error {
	const op = "SetBindGroup"
	e := cp.enc
	e.record(trace.OpSetBindGroup, bindArgs{Encoder: e.seq, Object: h, Index: index}, h)
	if err := cp.check(op); err != nil {
		return err
	}
	if err := e.checkGroupIndex(op, index); err != nil {
		return e.fail(err)
	}
	g, err := e.bindGroup(op, h)
	if err != nil {
		return e.fail(err)
	}
	var clears backend.CommandList
	e.initGroup(g, &clears)
	if clears.Len() > 0 {
		// Clears run outside the pass. After a dispatch they must follow
		// it, so the pass is split around them.
		if cp.dispatched {
			cp.split()
		}
		e.list.Append(clears.Commands...)
	}
	cp.groups = setGroup(cp.groups, index, g)
	cp.cmds.Append(backend.SetBindGroup{Index: index, Group: g.raw})
	return nil
}

// flush appends the buffered commands to the encoder as one pass.
func (cp *ComputePass) flush() {
	e := cp.enc
	e.list.Append(backend.BeginComputePass{Label: cp.label})
	e.list.Append(cp.cmds.Commands...)
	e.list.Append(backend.EndPass{})
	cp.cmds = backend.CommandList{Label: cp.label}
	cp.dispatched = false
}

// split ends the recorded part of the pass and starts a new one with the
// same pipeline and groups bound.
func (cp *ComputePass) split() {
	cp.flush()
	if cp.pipeline != nil {
		cp.cmds.Append(backend.SetPipeline{Pipeline: cp.pipeline.raw, Compute: true})
	}
	for i, g := range cp.groups {
		if g != nil {
			cp.cmds.Append(backend.SetBindGroup{Index: uint32(i), Group: g.raw})
		}
	}
}

// dispatchScope is the usage scope of one dispatch: the groups the
// pipeline uses.
func (cp *ComputePass) dispatchScope(op string) (*track.Scope, error) {
	e := cp.enc
	if cp.pipeline == nil {
		return nil, e.dev.invalid(op, "no pipeline is set")
	}
	if err := e.checkGroups(op, cp.pipeline.groups, cp.groups); err != nil {
		return nil, err
	}
	scope := track.NewScope()
	for i := range cp.pipeline.groups {
		if err := scope.Merge(cp.groups[i].scope); err != nil {
			return nil, e.dev.invalidErr(op, fmt.Sprintf("bind group %d conflicts with another group", i), err)
		}
	}
	return scope, nil
}

// Dispatch runs x*y*z workgroups.
func (cp *ComputePass) Dispatch(x, y, z uint32) error {
	const op = "Dispatch"
	e := cp.enc
	e.record(trace.OpDispatch, dispatchArgs{Encoder: e.seq, X: x, Y: y, Z: z})
	if err := cp.check(op); err != nil {
		return err
	}
	if limit := e.dev.caps.Limits.MaxComputeWorkgroupsPerDimension; x > limit || y > limit || z > limit {
		return e.fail(e.dev.invalid(op, "workgroup count %dx%dx%d exceeds limit %d per dimension", x, y, z, limit))
	}
	scope, err := cp.dispatchScope(op)
	if err != nil {
		return e.fail(err)
	}
	e.apply(scope, &cp.cmds)
	cp.cmds.Append(backend.Dispatch{X: x, Y: y, Z: z})
	cp.dispatched = true
	return nil
}

// DispatchIndirect runs workgroups with counts read from the buffer at
// offset.
func (cp *ComputePass) DispatchIndirect(h id.Handle, offset uint64) error {
	const op = "DispatchIndirect"
	e := cp.enc
	e.record(trace.OpDispatchIndirect, bindArgs{Encoder: e.seq, Object: h, Offset: offset}, h)
	if err := cp.check(op); err != nil {
		return err
	}
	b, err := e.buffer(op, h, gputypes.BufferUsageIndirect)
	if err != nil {
		return e.fail(err)
	}
	if offset%4 != 0 || offset+indirectDispatchSize > b.desc.Size {
		return e.fail(e.dev.invalid(op, "indirect range [%d, %d) is misaligned or outside buffer of %d bytes",
			offset, offset+indirectDispatchSize, b.desc.Size))
	}
	scope, err := cp.dispatchScope(op)
	if err != nil {
		return e.fail(err)
	}
	if err := scope.Add(h, false, track.Indirect); err != nil {
		return e.fail(e.dev.invalidErr(op, "indirect buffer is written by a bound group", err))
	}
	e.initBuffer(h, offset, offset+indirectDispatchSize, track.NeedsInit)
	e.apply(scope, &cp.cmds)
	cp.cmds.Append(backend.DispatchIndirect{Buffer: b.raw, Offset: offset})
	cp.dispatched = true
	return nil
}

// End closes the pass.
func (cp *ComputePass) End() error {
	const op = "EndPass"
	e := cp.enc
	e.record(trace.OpEndPass, encoderArgs{Encoder: e.seq})
	if err := cp.check(op); err != nil {
		return err
	}
	cp.ended = true
	e.pass = noPass
	cp.flush()
	return nil
}
