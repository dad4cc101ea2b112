// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package soft

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpurt/backend"
)

// Call is one backend operation as observed by the device, in execution
// order. Create and destroy calls are logged when made; commands are logged
// when a queue executes them.
type Call struct {
	Queue int // -1 for device-level calls
	Op    string
	Label string
}

// MemoryStats reports host memory accounting.
type MemoryStats struct {
	BudgetBytes uint64
	UsedBytes   uint64
	Buffers     int
	Textures    int
}

type buffer struct {
	label string
	usage gputypes.BufferUsage
	data  []byte
}

type texture struct {
	label  string
	format gputypes.TextureFormat
	width  uint32
	height uint32
	layers uint32
	mips   uint32
	texel  uint32
	planes [][]byte // mip-major: planes[mip*layers+layer]
}

func (t *texture) mipSize(mip uint32) (w, h uint32) {
	return max(t.width>>mip, 1), max(t.height>>mip, 1)
}

func (t *texture) plane(mip, layer uint32) []byte {
	if mip >= t.mips || layer >= t.layers {
		return nil
	}
	return t.planes[mip*t.layers+layer]
}

func (t *texture) bytes() uint64 {
	var n uint64
	for _, p := range t.planes {
		n += uint64(len(p))
	}
	return n
}

type object struct {
	kind  string
	label string
}

type shaderModule struct {
	object
	wgsl  string
	spirv []uint32
}

type bindGroupLayout struct {
	object
	entries []gputypes.BindGroupLayoutEntry
}

type bindGroup struct {
	object
	entries []backend.BindGroupEntry
}

type computePipeline struct {
	object
	entryPoint string
}

// Device is a soft device. Besides backend.Device it offers fault injection
// (Pause, Resume, Lose) and inspection (Calls, BufferData, TextureData).
type Device struct {
	label   string
	caps    backend.Capabilities
	kernels map[string]Kernel

	mu       sync.Mutex
	budget   uint64
	used     uint64
	buffers  int
	textures int
	calls    []Call

	lost     chan struct{}
	lostOnce sync.Once
	isLost   atomic.Bool

	queues []*queue
}

func newDevice(label string, caps backend.Capabilities, budget uint64, kernels map[string]Kernel) *Device {
	d := &Device{
		label:   label,
		caps:    caps,
		kernels: kernels,
		budget:  budget,
		lost:    make(chan struct{}),
	}
	for i := 0; i < caps.Queues; i++ {
		q := newQueue(d, i)
		d.queues = append(d.queues, q)
		go q.run()
	}
	return d
}

// Capabilities returns the device capabilities.
func (d *Device) Capabilities() backend.Capabilities { return d.caps }

func (d *Device) logCall(queue int, op, label string) {
	d.mu.Lock()
	d.calls = append(d.calls, Call{Queue: queue, Op: op, Label: label})
	d.mu.Unlock()
}

// Calls returns a copy of the call log.
func (d *Device) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.calls...)
}

// ResetCalls clears the call log.
func (d *Device) ResetCalls() {
	d.mu.Lock()
	d.calls = nil
	d.mu.Unlock()
}

// Stats returns memory statistics.
func (d *Device) Stats() MemoryStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return MemoryStats{BudgetBytes: d.budget, UsedBytes: d.used, Buffers: d.buffers, Textures: d.textures}
}

func (d *Device) reserve(n uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.used+n > d.budget {
		return fmt.Errorf("soft: %d bytes requested, %d of %d used: %w", n, d.used, d.budget, backend.ErrOutOfMemory)
	}
	d.used += n
	return nil
}

func (d *Device) unreserve(n uint64) {
	d.mu.Lock()
	d.used -= min(n, d.used)
	d.mu.Unlock()
}

func (d *Device) checkLost() error {
	if d.isLost.Load() {
		return backend.ErrDeviceLost
	}
	return nil
}

// CreateBuffer allocates zeroed host memory.
func (d *Device) CreateBuffer(desc *backend.BufferDescriptor) (backend.Object, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	if err := d.reserve(desc.Size); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.buffers++
	d.mu.Unlock()
	d.logCall(-1, "CreateBuffer", desc.Label)
	return &buffer{label: desc.Label, usage: desc.Usage, data: make([]byte, desc.Size)}, nil
}

// DestroyBuffer releases a buffer.
func (d *Device) DestroyBuffer(obj backend.Object) {
	b, ok := obj.(*buffer)
	if !ok {
		return
	}
	d.unreserve(uint64(len(b.data)))
	d.mu.Lock()
	d.buffers--
	d.mu.Unlock()
	d.logCall(-1, "DestroyBuffer", b.label)
}

// CreateTexture allocates zeroed planes for every mip level and layer.
func (d *Device) CreateTexture(desc *backend.TextureDescriptor) (backend.Object, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	t := &texture{
		label:  desc.Label,
		format: desc.Format,
		width:  desc.Size.Width,
		height: desc.Size.Height,
		layers: max(desc.Size.DepthOrArrayLayers, 1),
		mips:   max(desc.MipLevelCount, 1),
		texel:  max(backend.TexelSize(desc.Format), 1) * max(desc.SampleCount, 1),
	}
	var total uint64
	for m := uint32(0); m < t.mips; m++ {
		w, h := t.mipSize(m)
		total += uint64(w) * uint64(h) * uint64(t.texel) * uint64(t.layers)
	}
	if err := d.reserve(total); err != nil {
		return nil, err
	}
	for m := uint32(0); m < t.mips; m++ {
		w, h := t.mipSize(m)
		for l := uint32(0); l < t.layers; l++ {
			t.planes = append(t.planes, make([]byte, w*h*t.texel))
		}
	}
	d.mu.Lock()
	d.textures++
	d.mu.Unlock()
	d.logCall(-1, "CreateTexture", desc.Label)
	return t, nil
}

// DestroyTexture releases a texture.
func (d *Device) DestroyTexture(obj backend.Object) {
	t, ok := obj.(*texture)
	if !ok {
		return
	}
	d.unreserve(t.bytes())
	d.mu.Lock()
	d.textures--
	d.mu.Unlock()
	d.logCall(-1, "DestroyTexture", t.label)
}

func (d *Device) createObject(kind, label string) (*object, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	d.logCall(-1, "Create"+kind, label)
	return &object{kind: kind, label: label}, nil
}

func (d *Device) destroyObject(kind string, obj backend.Object) {
	label := ""
	switch o := obj.(type) {
	case *object:
		label = o.label
	case *shaderModule:
		label = o.label
	case *bindGroupLayout:
		label = o.label
	case *bindGroup:
		label = o.label
	case *computePipeline:
		label = o.label
	}
	d.logCall(-1, "Destroy"+kind, label)
}

// CreateSampler creates a sampler.
func (d *Device) CreateSampler(desc *backend.SamplerDescriptor) (backend.Object, error) {
	return d.createObject("Sampler", desc.Label)
}

// DestroySampler destroys a sampler.
func (d *Device) DestroySampler(obj backend.Object) { d.destroyObject("Sampler", obj) }

// CreateShaderModule stores the shader code. The code must match the
// device's shader format.
func (d *Device) CreateShaderModule(desc *backend.ShaderModuleDescriptor) (backend.Object, error) {
	o, err := d.createObject("ShaderModule", desc.Label)
	if err != nil {
		return nil, err
	}
	switch d.caps.Shader {
	case backend.ShaderSPIRV:
		if len(desc.SPIRV) == 0 {
			return nil, fmt.Errorf("soft: shader %q: SPIR-V required: %w", desc.Label, backend.ErrUnsupported)
		}
	default:
		if desc.WGSL == "" {
			return nil, fmt.Errorf("soft: shader %q: WGSL required: %w", desc.Label, backend.ErrUnsupported)
		}
	}
	return &shaderModule{object: *o, wgsl: desc.WGSL, spirv: desc.SPIRV}, nil
}

// DestroyShaderModule destroys a shader module.
func (d *Device) DestroyShaderModule(obj backend.Object) { d.destroyObject("ShaderModule", obj) }

// CreateBindGroupLayout creates a bind group layout.
func (d *Device) CreateBindGroupLayout(desc *backend.BindGroupLayoutDescriptor) (backend.Object, error) {
	o, err := d.createObject("BindGroupLayout", desc.Label)
	if err != nil {
		return nil, err
	}
	return &bindGroupLayout{object: *o, entries: desc.Entries}, nil
}

// DestroyBindGroupLayout destroys a bind group layout.
func (d *Device) DestroyBindGroupLayout(obj backend.Object) { d.destroyObject("BindGroupLayout", obj) }

// CreatePipelineLayout creates a pipeline layout.
func (d *Device) CreatePipelineLayout(desc *backend.PipelineLayoutDescriptor) (backend.Object, error) {
	return d.createObject("PipelineLayout", desc.Label)
}

// DestroyPipelineLayout destroys a pipeline layout.
func (d *Device) DestroyPipelineLayout(obj backend.Object) { d.destroyObject("PipelineLayout", obj) }

// CreateBindGroup creates a bind group.
func (d *Device) CreateBindGroup(desc *backend.BindGroupDescriptor) (backend.Object, error) {
	o, err := d.createObject("BindGroup", desc.Label)
	if err != nil {
		return nil, err
	}
	return &bindGroup{object: *o, entries: desc.Entries}, nil
}

// DestroyBindGroup destroys a bind group.
func (d *Device) DestroyBindGroup(obj backend.Object) { d.destroyObject("BindGroup", obj) }

// CreateComputePipeline creates a compute pipeline.
func (d *Device) CreateComputePipeline(desc *backend.ComputePipelineDescriptor) (backend.Object, error) {
	o, err := d.createObject("ComputePipeline", desc.Label)
	if err != nil {
		return nil, err
	}
	return &computePipeline{object: *o, entryPoint: desc.EntryPoint}, nil
}

// DestroyComputePipeline destroys a compute pipeline.
func (d *Device) DestroyComputePipeline(obj backend.Object) { d.destroyObject("ComputePipeline", obj) }

// CreateRenderPipeline creates a render pipeline.
func (d *Device) CreateRenderPipeline(desc *backend.RenderPipelineDescriptor) (backend.Object, error) {
	return d.createObject("RenderPipeline", desc.Label)
}

// DestroyRenderPipeline destroys a render pipeline.
func (d *Device) DestroyRenderPipeline(obj backend.Object) { d.destroyObject("RenderPipeline", obj) }

// ReadBuffer copies host memory of a buffer.
func (d *Device) ReadBuffer(obj backend.Object, offset uint64, dst []byte) error {
	if err := d.checkLost(); err != nil {
		return err
	}
	b, ok := obj.(*buffer)
	if !ok {
		return fmt.Errorf("soft: ReadBuffer: not a buffer: %w", backend.ErrUnsupported)
	}
	if offset+uint64(len(dst)) > uint64(len(b.data)) {
		return fmt.Errorf("soft: ReadBuffer: range [%d, %d) outside buffer of %d bytes", offset, offset+uint64(len(dst)), len(b.data))
	}
	copy(dst, b.data[offset:])
	return nil
}

// BufferData returns a copy of a buffer's contents, bypassing all
// synchronization. Tests use it after waiting for completion.
func (d *Device) BufferData(obj backend.Object) []byte {
	b, ok := obj.(*buffer)
	if !ok {
		return nil
	}
	return append([]byte(nil), b.data...)
}

// TextureData returns a copy of one texture plane.
func (d *Device) TextureData(obj backend.Object, mip, layer uint32) []byte {
	t, ok := obj.(*texture)
	if !ok {
		return nil
	}
	return append([]byte(nil), t.plane(mip, layer)...)
}

// Lost is closed once the device is lost.
func (d *Device) Lost() <-chan struct{} { return d.lost }

// Lose simulates a device loss (driver reset): queued work is dropped
// without signaling, waiters fail with backend.ErrDeviceLost, and every
// later call fails.
func (d *Device) Lose() {
	d.lostOnce.Do(func() {
		d.isLost.Store(true)
		close(d.lost)
		d.logCall(-1, "DeviceLost", d.label)
	})
}

// Pause stops queues from starting new submissions until Resume.
func (d *Device) Pause() {
	for _, q := range d.queues {
		q.setPaused(true)
	}
}

// Resume restarts paused queues.
func (d *Device) Resume() {
	for _, q := range d.queues {
		q.setPaused(false)
	}
}

// Destroy stops the queue goroutines.
func (d *Device) Destroy() {
	for _, q := range d.queues {
		q.stop()
	}
}
