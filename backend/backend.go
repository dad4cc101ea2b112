// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"errors"
	"time"

	"github.com/gogpu/gputypes"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not
	// registered or not available on this system.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrOutOfMemory is returned when the backend cannot allocate memory for
	// an object. The caller may free resources and retry.
	ErrOutOfMemory = errors.New("backend: out of memory")

	// ErrDeviceLost is returned by every operation on a device the backend
	// reported unusable.
	ErrDeviceLost = errors.New("backend: device lost")

	// ErrUnsupported is returned when the backend cannot translate a command
	// or descriptor.
	ErrUnsupported = errors.New("backend: unsupported")

	// ErrNoAdapter is returned by Open for an adapter index out of range.
	ErrNoAdapter = errors.New("backend: no such adapter")
)

// Object is a backend-native object (buffer, texture, pipeline, fence...).
// Only the Device that created it may interpret it.
type Object any

// AdapterInfo describes one physical adapter exposed by a backend.
type AdapterInfo struct {
	Name       string
	Vendor     string
	DeviceType gputypes.DeviceType
	Driver     string
}

// DeviceRequest is what the core asks of an adapter when opening a device.
type DeviceRequest struct {
	Label    string
	Features gputypes.Features

	// Limits, when non-nil, are the minimum limits the device must support.
	Limits *Limits

	// Queues is the number of queues to create. Zero means one.
	Queues int
}

// Backend is a native API implementation.
type Backend interface {
	// Name returns the registry name, such as "vulkan" or "soft".
	Name() string

	// Enumerate lists the adapters the backend can open.
	Enumerate() ([]AdapterInfo, error)

	// Capabilities returns what a device opened on the adapter would support.
	Capabilities(adapter int) (Capabilities, error)

	// Open creates a device on the given adapter.
	Open(adapter int, req DeviceRequest) (Device, error)
}

// FenceSignal asks Submit to signal a timeline fence with Value when all
// submitted lists have finished executing.
type FenceSignal struct {
	Fence Object
	Value uint64
}

// FenceWait asks Submit to wait, on the GPU, for a timeline fence to reach
// Value before executing the submitted lists.
type FenceWait struct {
	Fence Object
	Value uint64
}

// Device is an opened native device with its queues.
//
// Create methods return ErrOutOfMemory when allocation fails and
// ErrDeviceLost once the device is lost. Destroy methods never fail; the
// core only destroys objects no pending GPU work references.
//
// A Device must be safe for concurrent use.
type Device interface {
	Capabilities() Capabilities

	CreateBuffer(desc *BufferDescriptor) (Object, error)
	DestroyBuffer(buf Object)
	CreateTexture(desc *TextureDescriptor) (Object, error)
	DestroyTexture(tex Object)
	CreateSampler(desc *SamplerDescriptor) (Object, error)
	DestroySampler(s Object)
	CreateShaderModule(desc *ShaderModuleDescriptor) (Object, error)
	DestroyShaderModule(m Object)
	CreateBindGroupLayout(desc *BindGroupLayoutDescriptor) (Object, error)
	DestroyBindGroupLayout(l Object)
	CreatePipelineLayout(desc *PipelineLayoutDescriptor) (Object, error)
	DestroyPipelineLayout(l Object)
	CreateBindGroup(desc *BindGroupDescriptor) (Object, error)
	DestroyBindGroup(g Object)
	CreateComputePipeline(desc *ComputePipelineDescriptor) (Object, error)
	DestroyComputePipeline(p Object)
	CreateRenderPipeline(desc *RenderPipelineDescriptor) (Object, error)
	DestroyRenderPipeline(p Object)

	// CreateFence creates a timeline fence starting at 0.
	CreateFence() (Object, error)
	DestroyFence(f Object)

	// FenceValue returns the last value the GPU signaled on f.
	FenceValue(f Object) (uint64, error)

	// Wait blocks until f reaches value or timeout elapses. It returns false
	// on timeout and ErrDeviceLost if the device is lost before the value
	// is signaled. Backends without blocking waits return false immediately
	// when the value is not yet reached.
	Wait(f Object, value uint64, timeout time.Duration) (bool, error)

	// Submit executes lists in order on queue. Lists from successive Submit
	// calls on one queue execute in call order.
	Submit(queue int, lists []*CommandList, signal FenceSignal, waits []FenceWait) error

	// ReadBuffer copies buffer contents to dst. The core calls it only when
	// no pending GPU work writes the buffer.
	ReadBuffer(buf Object, offset uint64, dst []byte) error

	// Lost is closed when the device becomes unusable.
	Lost() <-chan struct{}

	// Destroy releases the device. Objects still alive are leaked.
	Destroy()
}
