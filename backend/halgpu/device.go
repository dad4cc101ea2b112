// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package halgpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpurt/backend"
)

// errWrongObject is returned when an object from another device or of
// another kind is passed in.
var errWrongObject = errors.New("halgpu: object not created by this device")

type buffer struct {
	raw  hal.Buffer
	size uint64
}

type texture struct {
	raw  hal.Texture
	view hal.TextureView // nil unless the texture is a render attachment
	desc backend.TextureDescriptor

	// usage is the hal usage of the last transition, used when the core
	// reports an unknown previous state.
	usage gputypes.TextureUsage
}

type fence struct {
	raw hal.Fence

	mu      sync.Mutex
	reached uint64
	pending []uint64
}

// inflight holds command buffers until their fence value is reached.
type inflight struct {
	fence *fence
	value uint64
	bufs  []hal.CommandBuffer
}

// Device is a hal device with its queue.
type Device struct {
	device   hal.Device
	queue    hal.Queue
	caps     backend.Capabilities
	external bool

	// encodeMu serializes translation, which reads and updates texture
	// usages.
	encodeMu sync.Mutex

	mu       sync.Mutex
	inflight []inflight
	zero     hal.Buffer

	lost     chan struct{}
	lostOnce sync.Once
	isLost   atomic.Bool
}

func newDevice(device hal.Device, queue hal.Queue, caps backend.Capabilities, external bool) *Device {
	return &Device{
		device:   device,
		queue:    queue,
		caps:     caps,
		external: external,
		lost:     make(chan struct{}),
	}
}

// Capabilities returns the device capabilities.
func (d *Device) Capabilities() backend.Capabilities { return d.caps }

func (d *Device) checkLost() error {
	if d.isLost.Load() {
		return backend.ErrDeviceLost
	}
	return nil
}

// lose marks the device lost after a hal call failed in a way the device
// cannot recover from.
func (d *Device) lose(cause error) {
	d.lostOnce.Do(func() {
		d.isLost.Store(true)
		close(d.lost)
		slogger().Warn("halgpu: device lost", "error", cause)
	})
}

// CreateBuffer creates a hal buffer.
func (d *Device) CreateBuffer(desc *backend.BufferDescriptor) (backend.Object, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create buffer %q: %w: %w", desc.Label, backend.ErrOutOfMemory, err)
	}
	return &buffer{raw: raw, size: desc.Size}, nil
}

// DestroyBuffer destroys a buffer.
func (d *Device) DestroyBuffer(obj backend.Object) {
	if b, ok := obj.(*buffer); ok {
		d.device.DestroyBuffer(b.raw)
	}
}

// CreateTexture creates a hal texture and, for render attachments, its
// default view.
func (d *Device) CreateTexture(desc *backend.TextureDescriptor) (backend.Object, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	raw, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              desc.Size.Width,
			Height:             desc.Size.Height,
			DepthOrArrayLayers: max(desc.Size.DepthOrArrayLayers, 1),
		},
		MipLevelCount: max(desc.MipLevelCount, 1),
		SampleCount:   max(desc.SampleCount, 1),
		Dimension:     desc.Dimension,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create texture %q: %w: %w", desc.Label, backend.ErrOutOfMemory, err)
	}
	t := &texture{raw: raw, desc: *desc}
	if desc.Usage&gputypes.TextureUsageRenderAttachment != 0 {
		view, err := d.device.CreateTextureView(raw, &hal.TextureViewDescriptor{Label: desc.Label + "_view"})
		if err != nil {
			d.device.DestroyTexture(raw)
			return nil, fmt.Errorf("halgpu: create view of %q: %w", desc.Label, err)
		}
		t.view = view
	}
	return t, nil
}

// DestroyTexture destroys a texture and its view.
func (d *Device) DestroyTexture(obj backend.Object) {
	t, ok := obj.(*texture)
	if !ok {
		return
	}
	if t.view != nil {
		d.device.DestroyTextureView(t.view)
	}
	d.device.DestroyTexture(t.raw)
}

// CreateSampler creates a sampler.
func (d *Device) CreateSampler(desc *backend.SamplerDescriptor) (backend.Object, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	s, err := d.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        desc.Label,
		AddressModeU: desc.AddressModeU,
		AddressModeV: desc.AddressModeV,
		AddressModeW: desc.AddressModeW,
		MagFilter:    desc.MagFilter,
		MinFilter:    desc.MinFilter,
		MipmapFilter: desc.MipmapFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create sampler %q: %w", desc.Label, err)
	}
	return s, nil
}

// DestroySampler destroys a sampler.
func (d *Device) DestroySampler(obj backend.Object) {
	if s, ok := obj.(hal.Sampler); ok {
		d.device.DestroySampler(s)
	}
}

// CreateShaderModule compiles WGSL through the hal.
func (d *Device) CreateShaderModule(desc *backend.ShaderModuleDescriptor) (backend.Object, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	if desc.WGSL == "" {
		return nil, fmt.Errorf("halgpu: shader %q: WGSL required: %w", desc.Label, backend.ErrUnsupported)
	}
	m, err := d.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{WGSL: desc.WGSL},
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: compile shader %q: %w", desc.Label, err)
	}
	return m, nil
}

// DestroyShaderModule destroys a shader module.
func (d *Device) DestroyShaderModule(obj backend.Object) {
	if m, ok := obj.(hal.ShaderModule); ok {
		d.device.DestroyShaderModule(m)
	}
}

// CreateBindGroupLayout creates a bind group layout.
func (d *Device) CreateBindGroupLayout(desc *backend.BindGroupLayoutDescriptor) (backend.Object, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	l, err := d.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Label,
		Entries: desc.Entries,
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create bind group layout %q: %w", desc.Label, err)
	}
	return l, nil
}

// DestroyBindGroupLayout destroys a bind group layout.
func (d *Device) DestroyBindGroupLayout(obj backend.Object) {
	if l, ok := obj.(hal.BindGroupLayout); ok {
		d.device.DestroyBindGroupLayout(l)
	}
}

// CreatePipelineLayout creates a pipeline layout.
func (d *Device) CreatePipelineLayout(desc *backend.PipelineLayoutDescriptor) (backend.Object, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	layouts := make([]hal.BindGroupLayout, 0, len(desc.BindGroupLayouts))
	for _, o := range desc.BindGroupLayouts {
		l, ok := o.(hal.BindGroupLayout)
		if !ok {
			return nil, fmt.Errorf("halgpu: pipeline layout %q: %w", desc.Label, errWrongObject)
		}
		layouts = append(layouts, l)
	}
	l, err := d.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            desc.Label,
		BindGroupLayouts: layouts,
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create pipeline layout %q: %w", desc.Label, err)
	}
	return l, nil
}

// DestroyPipelineLayout destroys a pipeline layout.
func (d *Device) DestroyPipelineLayout(obj backend.Object) {
	if l, ok := obj.(hal.PipelineLayout); ok {
		d.device.DestroyPipelineLayout(l)
	}
}

// CreateBindGroup creates a bind group. Only buffer bindings translate.
func (d *Device) CreateBindGroup(desc *backend.BindGroupDescriptor) (backend.Object, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	layout, ok := desc.Layout.(hal.BindGroupLayout)
	if !ok {
		return nil, fmt.Errorf("halgpu: bind group %q layout: %w", desc.Label, errWrongObject)
	}
	entries := make([]gputypes.BindGroupEntry, 0, len(desc.Entries))
	for _, e := range desc.Entries {
		b, ok := e.Buffer.(*buffer)
		if !ok {
			return nil, fmt.Errorf("halgpu: bind group %q binding %d: only buffer bindings: %w", desc.Label, e.Binding, backend.ErrUnsupported)
		}
		size := e.Size
		if size == 0 {
			size = b.size - e.Offset
		}
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  e.Binding,
			Resource: gputypes.BufferBinding{Buffer: b.raw.NativeHandle(), Offset: e.Offset, Size: size},
		})
	}
	g, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   desc.Label,
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create bind group %q: %w", desc.Label, err)
	}
	return g, nil
}

// DestroyBindGroup destroys a bind group.
func (d *Device) DestroyBindGroup(obj backend.Object) {
	if g, ok := obj.(hal.BindGroup); ok {
		d.device.DestroyBindGroup(g)
	}
}

// CreateComputePipeline creates a compute pipeline.
func (d *Device) CreateComputePipeline(desc *backend.ComputePipelineDescriptor) (backend.Object, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	layout, ok1 := desc.Layout.(hal.PipelineLayout)
	module, ok2 := desc.Module.(hal.ShaderModule)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("halgpu: compute pipeline %q: %w", desc.Label, errWrongObject)
	}
	p, err := d.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   desc.Label,
		Layout:  layout,
		Compute: hal.ComputeState{Module: module, EntryPoint: desc.EntryPoint},
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create compute pipeline %q: %w", desc.Label, err)
	}
	return p, nil
}

// DestroyComputePipeline destroys a compute pipeline.
func (d *Device) DestroyComputePipeline(obj backend.Object) {
	if p, ok := obj.(hal.ComputePipeline); ok {
		d.device.DestroyComputePipeline(p)
	}
}

// CreateRenderPipeline creates a render pipeline. Depth pipelines get a
// depth test that always passes and writes depth.
func (d *Device) CreateRenderPipeline(desc *backend.RenderPipelineDescriptor) (backend.Object, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	layout, ok1 := desc.Layout.(hal.PipelineLayout)
	vs, ok2 := desc.Vertex.Module.(hal.ShaderModule)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("halgpu: render pipeline %q: %w", desc.Label, errWrongObject)
	}
	hd := &hal.RenderPipelineDescriptor{
		Label:  desc.Label,
		Layout: layout,
		Vertex: hal.VertexState{
			Module:     vs,
			EntryPoint: desc.Vertex.EntryPoint,
			Buffers:    desc.Vertex.Buffers,
		},
		Primitive: desc.Primitive,
		Multisample: gputypes.MultisampleState{
			Count: max(desc.SampleCount, 1),
			Mask:  0xFFFFFFFF,
		},
	}
	if f := desc.Fragment; f != nil {
		fs, ok := f.Module.(hal.ShaderModule)
		if !ok {
			return nil, fmt.Errorf("halgpu: render pipeline %q fragment: %w", desc.Label, errWrongObject)
		}
		hd.Fragment = &hal.FragmentState{Module: fs, EntryPoint: f.EntryPoint, Targets: f.Targets}
	}
	if desc.DepthStencilFormat != gputypes.TextureFormatUndefined {
		keep := hal.StencilFaceState{
			Compare:     gputypes.CompareFunctionAlways,
			FailOp:      hal.StencilOperationKeep,
			DepthFailOp: hal.StencilOperationKeep,
			PassOp:      hal.StencilOperationKeep,
		}
		hd.DepthStencil = &hal.DepthStencilState{
			Format:            desc.DepthStencilFormat,
			DepthWriteEnabled: true,
			DepthCompare:      gputypes.CompareFunctionAlways,
			StencilFront:      keep,
			StencilBack:       keep,
		}
	}
	p, err := d.device.CreateRenderPipeline(hd)
	if err != nil {
		return nil, fmt.Errorf("halgpu: create render pipeline %q: %w", desc.Label, err)
	}
	return p, nil
}

// DestroyRenderPipeline destroys a render pipeline.
func (d *Device) DestroyRenderPipeline(obj backend.Object) {
	if p, ok := obj.(hal.RenderPipeline); ok {
		d.device.DestroyRenderPipeline(p)
	}
}

// CreateFence creates a hal fence.
func (d *Device) CreateFence() (backend.Object, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	f, err := d.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("halgpu: create fence: %w", err)
	}
	return &fence{raw: f}, nil
}

// DestroyFence destroys a fence.
func (d *Device) DestroyFence(obj backend.Object) {
	if f, ok := obj.(*fence); ok {
		d.device.DestroyFence(f.raw)
	}
}

// FenceValue returns the highest submitted value the fence has reached.
// The hal only answers "has value v been reached", so every pending value
// is polled in submission order.
func (d *Device) FenceValue(obj backend.Object) (uint64, error) {
	f, ok := obj.(*fence)
	if !ok {
		return 0, fmt.Errorf("halgpu: FenceValue: %w", errWrongObject)
	}
	f.mu.Lock()
	for len(f.pending) > 0 {
		done, err := d.device.Wait(f.raw, f.pending[0], 0)
		if err != nil {
			f.mu.Unlock()
			d.lose(err)
			return 0, fmt.Errorf("halgpu: poll fence: %w: %w", backend.ErrDeviceLost, err)
		}
		if !done {
			break
		}
		f.reached = f.pending[0]
		f.pending = f.pending[1:]
	}
	v := f.reached
	f.mu.Unlock()

	d.collect()
	return v, nil
}

func (f *fence) advance(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v > f.reached {
		f.reached = v
	}
	for len(f.pending) > 0 && f.pending[0] <= v {
		f.pending = f.pending[1:]
	}
}

func (f *fence) value() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reached
}

// Wait blocks in the hal until the fence reaches value or timeout elapses.
// A hal error while waiting loses the device.
func (d *Device) Wait(obj backend.Object, value uint64, timeout time.Duration) (bool, error) {
	f, ok := obj.(*fence)
	if !ok {
		return false, fmt.Errorf("halgpu: Wait: %w", errWrongObject)
	}
	if f.value() >= value {
		return true, nil
	}
	if err := d.checkLost(); err != nil {
		return false, err
	}
	done, err := d.device.Wait(f.raw, value, max(timeout, 0))
	if err != nil {
		d.lose(err)
		return false, fmt.Errorf("halgpu: wait: %w: %w", backend.ErrDeviceLost, err)
	}
	if !done {
		return false, nil
	}
	f.advance(value)
	d.collect()
	return true, nil
}

// collect frees command buffers whose submission completed.
func (d *Device) collect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, in := range d.inflight {
		if in.fence.value() < in.value {
			break
		}
		for _, cb := range in.bufs {
			d.device.FreeCommandBuffer(cb)
		}
		n++
	}
	d.inflight = d.inflight[n:]
}

// ReadBuffer reads buffer contents through the queue.
func (d *Device) ReadBuffer(obj backend.Object, offset uint64, dst []byte) error {
	if err := d.checkLost(); err != nil {
		return err
	}
	b, ok := obj.(*buffer)
	if !ok {
		return fmt.Errorf("halgpu: ReadBuffer: %w", errWrongObject)
	}
	if err := d.queue.ReadBuffer(b.raw, offset, dst); err != nil {
		return fmt.Errorf("halgpu: read buffer: %w", err)
	}
	return nil
}

// Lost is closed once a hal wait fails.
func (d *Device) Lost() <-chan struct{} { return d.lost }

// Destroy frees pending command buffers and the hal device, unless the
// device belongs to an external provider.
func (d *Device) Destroy() {
	d.mu.Lock()
	for _, in := range d.inflight {
		for _, cb := range in.bufs {
			d.device.FreeCommandBuffer(cb)
		}
	}
	d.inflight = nil
	if d.zero != nil {
		d.device.DestroyBuffer(d.zero)
		d.zero = nil
	}
	d.mu.Unlock()

	if !d.external {
		d.device.Destroy()
	}
}
