// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"

	"github.com/gogpu/gpurt/backend"
	"github.com/gogpu/gpurt/id"
	"github.com/gogpu/gpurt/internal/shadercache"
	"github.com/gogpu/gpurt/registry"
	"github.com/gogpu/gpurt/trace"
	"github.com/gogpu/gpurt/track"
)

// SubmissionIndex numbers the submissions of one queue from 1. The queue's
// timeline fence reaches the index when the submission has completed.
type SubmissionIndex uint64

// bindingOffsetAlignment is the required alignment of buffer binding
// offsets.
const bindingOffsetAlignment = 256

// life is the part of every record the queue consults before destroying
// it. Guarded by Device.stateMu.
type life struct {
	// last is the last submission referencing the object, per queue.
	last  []SubmissionIndex
	freed bool

	// parents are the objects this one was created from. Each is pinned
	// (users > 0) until this object is destroyed.
	parents []*life
	users   int
}

func newLife(queues int) life {
	return life{last: make([]SubmissionIndex, queues)}
}

func (l *life) lifetime() *life { return l }

// tracked is the synchronization state of a buffer or texture. Guarded by
// Device.stateMu.
type tracked struct {
	life

	// state is the usage the last submitted command buffer left the
	// resource in.
	state track.Uses

	// recorded is the final usage of the latest finished but unsubmitted
	// command buffer touching the resource, recordedBy.
	recorded   track.Uses
	recordedBy id.Handle

	// lastWrite is the last submission writing the resource, per queue.
	lastWrite []SubmissionIndex
	lastQueue int
}

func newTracked(queues int) tracked {
	return tracked{life: newLife(queues), lastWrite: make([]SubmissionIndex, queues)}
}

type bufferRecord struct {
	tracked
	raw  backend.Object
	desc BufferDescriptor
	init *track.BufferInit
}

type textureRecord struct {
	tracked
	raw  backend.Object
	desc TextureDescriptor
	init *track.TextureInit
}

func (t *textureRecord) mipSize(mip uint32) (w, h uint32) {
	return max(t.desc.Size.Width>>mip, 1), max(t.desc.Size.Height>>mip, 1)
}

func (t *textureRecord) all() track.Selector {
	return track.Selector{MipCount: t.desc.MipLevelCount, LayerCount: t.desc.Size.DepthOrArrayLayers}
}

type samplerRecord struct {
	life
	raw backend.Object
}

type shaderModuleRecord struct {
	life
	raw   backend.Object
	label string
}

type bindGroupLayoutRecord struct {
	life
	raw     backend.Object
	entries []gputypes.BindGroupLayoutEntry
}

// groupLayout is a pipeline's expectation for one bind group index.
type groupLayout struct {
	handle  id.Handle
	entries []gputypes.BindGroupLayoutEntry
}

type pipelineLayoutRecord struct {
	life
	raw    backend.Object
	groups []groupLayout
}

type boundBuffer struct {
	handle id.Handle
	offset uint64
	size   uint64
	use    track.Uses
}

type boundTexture struct {
	handle id.Handle
	use    track.Uses
}

type bindGroupRecord struct {
	life
	raw      backend.Object
	layout   groupLayout
	buffers  []boundBuffer
	textures []boundTexture
	samplers []id.Handle

	// scope holds the accesses of every binding; it is read-only after
	// creation.
	scope *track.Scope
}

type computePipelineRecord struct {
	life
	raw    backend.Object
	groups []groupLayout
}

type renderPipelineRecord struct {
	life
	raw           backend.Object
	groups        []groupLayout
	colorFormats  []gputypes.TextureFormat
	depthFormat   gputypes.TextureFormat
	sampleCount   uint32
	vertexBuffers []gputypes.VertexBufferLayout
}

// resolveLife returns the lifetime of the record behind h.
func resolveLife[T any, P interface {
	*T
	lifetime() *life
}](r *registry.Registry[T], h id.Handle) (*life, error) {
	rec, err := r.Resolve(h)
	if err != nil {
		return nil, err
	}
	return P(rec).lifetime(), nil
}

// lifeOf resolves a handle of any kind the device tracks.
func (d *Device) lifeOf(h id.Handle) (*life, error) {
	switch h.Kind() {
	case id.KindBuffer:
		return resolveLife(d.buffers, h)
	case id.KindTexture:
		return resolveLife(d.textures, h)
	case id.KindSampler:
		return resolveLife(d.samplers, h)
	case id.KindShaderModule:
		return resolveLife(d.modules, h)
	case id.KindBindGroupLayout:
		return resolveLife(d.bindGroupLayouts, h)
	case id.KindPipelineLayout:
		return resolveLife(d.pipelineLayouts, h)
	case id.KindBindGroup:
		return resolveLife(d.bindGroups, h)
	case id.KindComputePipeline:
		return resolveLife(d.computePipelines, h)
	case id.KindRenderPipeline:
		return resolveLife(d.renderPipelines, h)
	case id.KindCommandBuffer:
		return resolveLife(d.commandBuffers, h)
	default:
		return nil, &StaleHandleError{Handle: h, Reason: "unknown kind"}
	}
}

// CreateBuffer creates a buffer. Its contents read as zero until written.
func (d *Device) CreateBuffer(desc BufferDescriptor) (id.Handle, error) {
	const op = "CreateBuffer"
	if err := d.check(); err != nil {
		return id.Handle{}, err
	}
	if desc.Usage == 0 {
		return id.Handle{}, d.invalid(op, "buffer %q has no usage", desc.Label)
	}
	if desc.Usage&gputypes.BufferUsageMapRead != 0 &&
		desc.Usage&^(gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst) != 0 {
		return id.Handle{}, d.invalid(op, "MapRead may only be combined with CopyDst")
	}
	if desc.Usage&gputypes.BufferUsageMapWrite != 0 &&
		desc.Usage&^(gputypes.BufferUsageMapWrite|gputypes.BufferUsageCopySrc) != 0 {
		return id.Handle{}, d.invalid(op, "MapWrite may only be combined with CopySrc")
	}
	if limit := d.caps.Limits.MaxBufferSize; desc.Size > limit {
		return id.Handle{}, d.unsupported(op, "MaxBufferSize", desc.Size, limit)
	}

	raw, err := d.raw.CreateBuffer(&backend.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: desc.Usage,
	})
	if err != nil {
		return id.Handle{}, d.backendErr(op, err)
	}
	h := d.buffers.Allocate(&bufferRecord{
		tracked: newTracked(len(d.queues)),
		raw:     raw,
		desc:    desc,
		init:    track.NewBufferInit(desc.Size),
	})
	d.record(trace.OpCreateBuffer, desc, h)
	d.setLive(id.KindBuffer)
	return h, nil
}

// CreateTexture creates a texture. Zero counts in desc are normalized to 1.
func (d *Device) CreateTexture(desc TextureDescriptor) (id.Handle, error) {
	const op = "CreateTexture"
	if err := d.check(); err != nil {
		return id.Handle{}, err
	}
	desc.MipLevelCount = max(desc.MipLevelCount, 1)
	desc.SampleCount = max(desc.SampleCount, 1)
	desc.Size.DepthOrArrayLayers = max(desc.Size.DepthOrArrayLayers, 1)

	w, h := desc.Size.Width, desc.Size.Height
	switch {
	case w == 0 || h == 0:
		return id.Handle{}, d.invalid(op, "texture %q has zero size %dx%d", desc.Label, w, h)
	case desc.Usage == 0:
		return id.Handle{}, d.invalid(op, "texture %q has no usage", desc.Label)
	case desc.SampleCount != 1 && desc.SampleCount != 4:
		return id.Handle{}, d.invalid(op, "sample count %d is not 1 or 4", desc.SampleCount)
	case desc.SampleCount > 1 && desc.MipLevelCount > 1:
		return id.Handle{}, d.invalid(op, "multisampled textures have one mip level")
	case desc.SampleCount > 1 && desc.Usage&gputypes.TextureUsageRenderAttachment == 0:
		return id.Handle{}, d.invalid(op, "multisampled textures must be render attachments")
	case desc.MipLevelCount > mipLevels(max(w, h)):
		return id.Handle{}, d.invalid(op, "%d mip levels exceed the %d of a %dx%d texture",
			desc.MipLevelCount, mipLevels(max(w, h)), w, h)
	}

	limits := d.caps.Limits
	if dim := max(w, h); dim > limits.MaxTextureDimension2D {
		return id.Handle{}, d.unsupported(op, "MaxTextureDimension2D", uint64(dim), uint64(limits.MaxTextureDimension2D))
	}
	if layers := desc.Size.DepthOrArrayLayers; layers > limits.MaxTextureArrayLayers {
		return id.Handle{}, d.unsupported(op, "MaxTextureArrayLayers", uint64(layers), uint64(limits.MaxTextureArrayLayers))
	}
	if !d.caps.SupportsFormat(desc.Format, desc.Usage) {
		return id.Handle{}, &UnsupportedFeatureError{
			Op:      op,
			Feature: fmt.Sprintf("format %v with usage %#x", desc.Format, uint32(desc.Usage)),
		}
	}

	raw, err := d.raw.CreateTexture(&backend.TextureDescriptor{
		Label:         desc.Label,
		Size:          desc.Size,
		MipLevelCount: desc.MipLevelCount,
		SampleCount:   desc.SampleCount,
		Dimension:     desc.Dimension,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		return id.Handle{}, d.backendErr(op, err)
	}
	th := d.textures.Allocate(&textureRecord{
		tracked: newTracked(len(d.queues)),
		raw:     raw,
		desc:    desc,
		init:    track.NewTextureInit(desc.MipLevelCount, desc.Size.DepthOrArrayLayers),
	})
	d.record(trace.OpCreateTexture, desc, th)
	d.setLive(id.KindTexture)
	return th, nil
}

func mipLevels(dim uint32) uint32 {
	n := uint32(1)
	for dim > 1 {
		dim >>= 1
		n++
	}
	return n
}

// CreateSampler creates a sampler.
func (d *Device) CreateSampler(desc SamplerDescriptor) (id.Handle, error) {
	const op = "CreateSampler"
	if err := d.check(); err != nil {
		return id.Handle{}, err
	}
	raw, err := d.raw.CreateSampler(&desc)
	if err != nil {
		return id.Handle{}, d.backendErr(op, err)
	}
	h := d.samplers.Allocate(&samplerRecord{life: newLife(len(d.queues)), raw: raw})
	d.record(trace.OpCreateSampler, desc, h)
	d.setLive(id.KindSampler)
	return h, nil
}

// CreateShaderModule creates a shader module from WGSL. On devices that
// consume SPIR-V the source is compiled first; a compile error is a
// *ValidationError.
func (d *Device) CreateShaderModule(desc ShaderModuleDescriptor) (id.Handle, error) {
	const op = "CreateShaderModule"
	if err := d.check(); err != nil {
		return id.Handle{}, err
	}
	if desc.WGSL == "" {
		return id.Handle{}, d.invalid(op, "shader %q has no source", desc.Label)
	}

	bd := backend.ShaderModuleDescriptor{Label: desc.Label}
	switch d.caps.Shader {
	case backend.ShaderSPIRV:
		words, err := spirvCache.Compile(desc.WGSL, compileSPIRV)
		if err != nil {
			d.metrics.Validation(op)
			return id.Handle{}, &ValidationError{Op: op, Reason: fmt.Sprintf("shader %q does not compile", desc.Label), Err: err}
		}
		bd.SPIRV = words
	default:
		bd.WGSL = desc.WGSL
	}

	raw, err := d.raw.CreateShaderModule(&bd)
	if err != nil {
		return id.Handle{}, d.backendErr(op, err)
	}
	h := d.modules.Allocate(&shaderModuleRecord{life: newLife(len(d.queues)), raw: raw, label: desc.Label})
	d.record(trace.OpCreateShaderModule, desc, h)
	d.setLive(id.KindShaderModule)
	return h, nil
}

// spirvCache is shared by every device of the process.
var spirvCache = shadercache.New(shadercache.DefaultCapacity)

// compileSPIRV compiles WGSL to little-endian SPIR-V words.
func compileSPIRV(wgsl string) ([]uint32, error) {
	code, err := naga.Compile(wgsl)
	if err != nil {
		return nil, err
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = uint32(code[i*4]) |
			uint32(code[i*4+1])<<8 |
			uint32(code[i*4+2])<<16 |
			uint32(code[i*4+3])<<24
	}
	return words, nil
}

// CreateBindGroupLayout creates a bind group layout. Binding numbers must
// be unique and each entry must describe exactly one resource type.
func (d *Device) CreateBindGroupLayout(desc BindGroupLayoutDescriptor) (id.Handle, error) {
	const op = "CreateBindGroupLayout"
	if err := d.check(); err != nil {
		return id.Handle{}, err
	}
	seen := make(map[uint32]bool, len(desc.Entries))
	for _, e := range desc.Entries {
		if seen[e.Binding] {
			return id.Handle{}, d.invalid(op, "binding %d declared twice", e.Binding)
		}
		seen[e.Binding] = true
		n := 0
		for _, set := range []bool{e.Buffer != nil, e.Texture != nil, e.StorageTexture != nil, e.Sampler != nil} {
			if set {
				n++
			}
		}
		if n != 1 {
			return id.Handle{}, d.invalid(op, "binding %d must describe exactly one resource", e.Binding)
		}
	}

	raw, err := d.raw.CreateBindGroupLayout(&backend.BindGroupLayoutDescriptor{
		Label:   desc.Label,
		Entries: desc.Entries,
	})
	if err != nil {
		return id.Handle{}, d.backendErr(op, err)
	}
	h := d.bindGroupLayouts.Allocate(&bindGroupLayoutRecord{
		life:    newLife(len(d.queues)),
		raw:     raw,
		entries: desc.Entries,
	})
	d.record(trace.OpCreateBindGroupLayout, desc, h)
	d.setLive(id.KindBindGroupLayout)
	return h, nil
}

// CreatePipelineLayout creates a pipeline layout from bind group layouts.
func (d *Device) CreatePipelineLayout(desc PipelineLayoutDescriptor) (id.Handle, error) {
	const op = "CreatePipelineLayout"
	if err := d.check(); err != nil {
		return id.Handle{}, err
	}
	if n, limit := len(desc.BindGroupLayouts), d.caps.Limits.MaxBindGroups; uint64(n) > uint64(limit) {
		return id.Handle{}, d.unsupported(op, "MaxBindGroups", uint64(n), uint64(limit))
	}

	groups := make([]groupLayout, len(desc.BindGroupLayouts))
	raws := make([]backend.Object, len(desc.BindGroupLayouts))
	for i, lh := range desc.BindGroupLayouts {
		l, err := d.bindGroupLayouts.Resolve(lh)
		if err != nil {
			return id.Handle{}, fmt.Errorf("core: %s: group %d: %w", op, i, err)
		}
		groups[i] = groupLayout{handle: lh, entries: l.entries}
		raws[i] = l.raw
	}

	parents, err := d.hold(desc.BindGroupLayouts...)
	if err != nil {
		return id.Handle{}, fmt.Errorf("core: %s: %w", op, err)
	}
	raw, err := d.raw.CreatePipelineLayout(&backend.PipelineLayoutDescriptor{
		Label:            desc.Label,
		BindGroupLayouts: raws,
	})
	if err != nil {
		d.abandon(parents)
		return id.Handle{}, d.backendErr(op, err)
	}
	rec := &pipelineLayoutRecord{
		life:   newLife(len(d.queues)),
		raw:    raw,
		groups: groups,
	}
	rec.parents = parents
	h := d.pipelineLayouts.Allocate(rec)
	d.record(trace.OpCreatePipelineLayout, desc, h)
	d.setLive(id.KindPipelineLayout)
	return h, nil
}

// CreateBindGroup creates a bind group. Every layout binding must be given
// exactly once, with a resource whose usage allows the binding type. A
// group that binds one resource with conflicting accesses is rejected.
//
//nolint:gocyclo,cyclop // one check per binding rule
func (d *Device) CreateBindGroup(desc BindGroupDescriptor) (id.Handle, error) {
	const op = "CreateBindGroup"
	if err := d.check(); err != nil {
		return id.Handle{}, err
	}
	layout, err := d.bindGroupLayouts.Resolve(desc.Layout)
	if err != nil {
		return id.Handle{}, fmt.Errorf("core: %s: layout: %w", op, err)
	}
	if len(desc.Entries) != len(layout.entries) {
		return id.Handle{}, d.invalid(op, "%d entries given, layout has %d", len(desc.Entries), len(layout.entries))
	}

	rec := &bindGroupRecord{
		life:   newLife(len(d.queues)),
		layout: groupLayout{handle: desc.Layout, entries: layout.entries},
		scope:  track.NewScope(),
	}
	entries := make([]backend.BindGroupEntry, 0, len(desc.Entries))
	given := make(map[uint32]bool, len(desc.Entries))
	for _, e := range desc.Entries {
		le, ok := layoutEntry(layout.entries, e.Binding)
		if !ok || given[e.Binding] {
			return id.Handle{}, d.invalid(op, "binding %d is not in the layout or given twice", e.Binding)
		}
		given[e.Binding] = true
		be := backend.BindGroupEntry{Binding: e.Binding, Offset: e.Offset}

		switch {
		case le.Buffer != nil:
			buf, err := d.buffers.Resolve(e.Buffer)
			if err != nil {
				return id.Handle{}, fmt.Errorf("core: %s: binding %d: %w", op, e.Binding, err)
			}
			use, need := bufferBindingUse(le.Buffer.Type)
			if buf.desc.Usage&need == 0 {
				return id.Handle{}, d.invalid(op, "binding %d: buffer %q lacks usage %#x", e.Binding, buf.desc.Label, uint32(need))
			}
			if e.Offset%bindingOffsetAlignment != 0 {
				return id.Handle{}, d.invalid(op, "binding %d: offset %d is not a multiple of %d", e.Binding, e.Offset, bindingOffsetAlignment)
			}
			if e.Offset > buf.desc.Size {
				return id.Handle{}, d.invalid(op, "binding %d: offset %d past buffer end %d", e.Binding, e.Offset, buf.desc.Size)
			}
			size := e.Size
			if size == 0 {
				size = buf.desc.Size - e.Offset
			}
			if e.Offset+size > buf.desc.Size {
				return id.Handle{}, d.invalid(op, "binding %d: range [%d, %d) outside buffer of %d bytes",
					e.Binding, e.Offset, e.Offset+size, buf.desc.Size)
			}
			if size == 0 || size < le.Buffer.MinBindingSize {
				return id.Handle{}, d.invalid(op, "binding %d: size %d below minimum %d", e.Binding, size, le.Buffer.MinBindingSize)
			}
			if err := rec.scope.Add(e.Buffer, false, use); err != nil {
				return id.Handle{}, d.invalidErr(op, "binding accesses conflict", err)
			}
			rec.buffers = append(rec.buffers, boundBuffer{handle: e.Buffer, offset: e.Offset, size: size, use: use})
			be.Buffer, be.Size = buf.raw, size

		case le.Texture != nil || le.StorageTexture != nil:
			tex, err := d.textures.Resolve(e.Texture)
			if err != nil {
				return id.Handle{}, fmt.Errorf("core: %s: binding %d: %w", op, e.Binding, err)
			}
			use, need := track.Resource, gputypes.TextureUsageTextureBinding
			if le.StorageTexture != nil {
				use, need = track.StorageRead|track.StorageWrite, gputypes.TextureUsageStorageBinding
				if f := le.StorageTexture.Format; f != gputypes.TextureFormatUndefined && f != tex.desc.Format {
					return id.Handle{}, d.invalid(op, "binding %d: texture format %v, layout expects %v", e.Binding, tex.desc.Format, f)
				}
			}
			if tex.desc.Usage&need == 0 {
				return id.Handle{}, d.invalid(op, "binding %d: texture %q lacks usage %#x", e.Binding, tex.desc.Label, uint32(need))
			}
			if err := rec.scope.Add(e.Texture, true, use); err != nil {
				return id.Handle{}, d.invalidErr(op, "binding accesses conflict", err)
			}
			rec.textures = append(rec.textures, boundTexture{handle: e.Texture, use: use})
			be.Texture = tex.raw

		default:
			s, err := d.samplers.Resolve(e.Sampler)
			if err != nil {
				return id.Handle{}, fmt.Errorf("core: %s: binding %d: %w", op, e.Binding, err)
			}
			rec.samplers = append(rec.samplers, e.Sampler)
			be.Sampler = s.raw
		}
		entries = append(entries, be)
	}

	parents, err := d.hold(desc.Layout)
	if err != nil {
		return id.Handle{}, fmt.Errorf("core: %s: layout: %w", op, err)
	}
	raw, err := d.raw.CreateBindGroup(&backend.BindGroupDescriptor{
		Label:   desc.Label,
		Layout:  layout.raw,
		Entries: entries,
	})
	if err != nil {
		d.abandon(parents)
		return id.Handle{}, d.backendErr(op, err)
	}
	rec.raw = raw
	rec.parents = parents
	h := d.bindGroups.Allocate(rec)
	d.record(trace.OpCreateBindGroup, desc, h)
	d.setLive(id.KindBindGroup)
	return h, nil
}

func layoutEntry(entries []gputypes.BindGroupLayoutEntry, binding uint32) (gputypes.BindGroupLayoutEntry, bool) {
	for _, e := range entries {
		if e.Binding == binding {
			return e, true
		}
	}
	return gputypes.BindGroupLayoutEntry{}, false
}

// bufferBindingUse returns the access of a buffer binding and the buffer
// usage it requires.
func bufferBindingUse(t gputypes.BufferBindingType) (track.Uses, gputypes.BufferUsage) {
	switch t {
	case gputypes.BufferBindingTypeStorage:
		return track.StorageRead | track.StorageWrite, gputypes.BufferUsageStorage
	case gputypes.BufferBindingTypeReadOnlyStorage:
		return track.StorageRead, gputypes.BufferUsageStorage
	default:
		return track.Uniform, gputypes.BufferUsageUniform
	}
}

func (d *Device) resolveLayout(op string, h id.Handle) (*pipelineLayoutRecord, error) {
	if h.IsZero() {
		return nil, d.invalid(op, "pipeline layout is required")
	}
	l, err := d.pipelineLayouts.Resolve(h)
	if err != nil {
		return nil, fmt.Errorf("core: %s: layout: %w", op, err)
	}
	return l, nil
}

func (d *Device) resolveModule(op string, h id.Handle, entryPoint string) (*shaderModuleRecord, error) {
	m, err := d.modules.Resolve(h)
	if err != nil {
		return nil, fmt.Errorf("core: %s: module: %w", op, err)
	}
	if entryPoint == "" {
		return nil, d.invalid(op, "module %q: entry point is required", m.label)
	}
	return m, nil
}

// CreateComputePipeline creates a compute pipeline.
func (d *Device) CreateComputePipeline(desc ComputePipelineDescriptor) (id.Handle, error) {
	const op = "CreateComputePipeline"
	if err := d.check(); err != nil {
		return id.Handle{}, err
	}
	layout, err := d.resolveLayout(op, desc.Layout)
	if err != nil {
		return id.Handle{}, err
	}
	module, err := d.resolveModule(op, desc.Module, desc.EntryPoint)
	if err != nil {
		return id.Handle{}, err
	}

	parents, err := d.hold(desc.Layout, desc.Module)
	if err != nil {
		return id.Handle{}, fmt.Errorf("core: %s: %w", op, err)
	}
	raw, err := d.raw.CreateComputePipeline(&backend.ComputePipelineDescriptor{
		Label:      desc.Label,
		Layout:     layout.raw,
		Module:     module.raw,
		EntryPoint: desc.EntryPoint,
	})
	if err != nil {
		d.abandon(parents)
		return id.Handle{}, d.backendErr(op, err)
	}
	rec := &computePipelineRecord{
		life:   newLife(len(d.queues)),
		raw:    raw,
		groups: layout.groups,
	}
	rec.parents = parents
	h := d.computePipelines.Allocate(rec)
	d.record(trace.OpCreateComputePipeline, desc, h)
	d.setLive(id.KindComputePipeline)
	return h, nil
}

// CreateRenderPipeline creates a render pipeline. Every color target
// format must be renderable on the device.
//
//nolint:gocyclo,cyclop // one check per pipeline rule
func (d *Device) CreateRenderPipeline(desc RenderPipelineDescriptor) (id.Handle, error) {
	const op = "CreateRenderPipeline"
	if err := d.check(); err != nil {
		return id.Handle{}, err
	}
	layout, err := d.resolveLayout(op, desc.Layout)
	if err != nil {
		return id.Handle{}, err
	}
	vertex, err := d.resolveModule(op, desc.Vertex.Module, desc.Vertex.EntryPoint)
	if err != nil {
		return id.Handle{}, err
	}

	limits := d.caps.Limits
	if n := len(desc.Vertex.Buffers); uint64(n) > uint64(limits.MaxVertexBuffers) {
		return id.Handle{}, d.unsupported(op, "MaxVertexBuffers", uint64(n), uint64(limits.MaxVertexBuffers))
	}
	samples := max(desc.SampleCount, 1)
	if samples != 1 && samples != 4 {
		return id.Handle{}, d.invalid(op, "sample count %d is not 1 or 4", samples)
	}

	bd := backend.RenderPipelineDescriptor{
		Label:  desc.Label,
		Layout: layout.raw,
		Vertex: backend.VertexState{
			Module:     vertex.raw,
			EntryPoint: desc.Vertex.EntryPoint,
			Buffers:    desc.Vertex.Buffers,
		},
		Primitive:          desc.Primitive,
		DepthStencilFormat: desc.DepthStencilFormat,
		SampleCount:        samples,
	}
	var colors []gputypes.TextureFormat
	if desc.Fragment != nil {
		fragment, err := d.resolveModule(op, desc.Fragment.Module, desc.Fragment.EntryPoint)
		if err != nil {
			return id.Handle{}, err
		}
		targets := desc.Fragment.Targets
		if n := len(targets); uint64(n) > uint64(limits.MaxColorAttachments) {
			return id.Handle{}, d.unsupported(op, "MaxColorAttachments", uint64(n), uint64(limits.MaxColorAttachments))
		}
		for i, t := range targets {
			if backend.IsDepthFormat(t.Format) || !d.caps.SupportsFormat(t.Format, gputypes.TextureUsageRenderAttachment) {
				return id.Handle{}, &UnsupportedFeatureError{
					Op:      op,
					Feature: fmt.Sprintf("color target %d format %v", i, t.Format),
				}
			}
			colors = append(colors, t.Format)
		}
		bd.Fragment = &backend.FragmentState{
			Module:     fragment.raw,
			EntryPoint: desc.Fragment.EntryPoint,
			Targets:    targets,
		}
	}
	if f := desc.DepthStencilFormat; f != gputypes.TextureFormatUndefined {
		if !backend.IsDepthFormat(f) {
			return id.Handle{}, d.invalid(op, "depth format %v is not a depth format", f)
		}
		if !d.caps.SupportsFormat(f, gputypes.TextureUsageRenderAttachment) {
			return id.Handle{}, &UnsupportedFeatureError{Op: op, Feature: fmt.Sprintf("depth format %v", f)}
		}
	}
	if len(colors) == 0 && desc.DepthStencilFormat == gputypes.TextureFormatUndefined {
		return id.Handle{}, d.invalid(op, "pipeline has no color target and no depth attachment")
	}

	deps := []id.Handle{desc.Layout, desc.Vertex.Module}
	if desc.Fragment != nil {
		deps = append(deps, desc.Fragment.Module)
	}
	parents, err := d.hold(deps...)
	if err != nil {
		return id.Handle{}, fmt.Errorf("core: %s: %w", op, err)
	}
	raw, err := d.raw.CreateRenderPipeline(&bd)
	if err != nil {
		d.abandon(parents)
		return id.Handle{}, d.backendErr(op, err)
	}
	rec := &renderPipelineRecord{
		life:          newLife(len(d.queues)),
		raw:           raw,
		groups:        layout.groups,
		colorFormats:  colors,
		depthFormat:   desc.DepthStencilFormat,
		sampleCount:   samples,
		vertexBuffers: desc.Vertex.Buffers,
	}
	rec.parents = parents
	h := d.renderPipelines.Allocate(rec)
	d.record(trace.OpCreateRenderPipeline, desc, h)
	d.setLive(id.KindRenderPipeline)
	return h, nil
}
