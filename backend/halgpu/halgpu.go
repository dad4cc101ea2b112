// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package halgpu implements the backend contract on top of the gogpu/wgpu
// hardware abstraction layer.
//
// One Backend wraps one hal API (Vulkan, or the noop API used in tests) and
// exposes its adapters. Devices translate CommandLists into hal command
// encoders, submit them on the device's single queue and signal a hal
// timeline fence.
//
// The translation covers the commands the hal encoders expose: render and
// compute passes, pipeline and bind group binding, vertex buffers, draws,
// dispatches, buffer copies, texture-to-buffer copies and texture layout
// transitions. Buffer clears are copies from a zero buffer. Other commands
// fail the Submit with backend.ErrUnsupported.
package halgpu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/gpurt/backend"
)

// nopHandler is a slog.Handler that discards all records.
type nopHandler struct{}

func (nopHandler) Enabled(_ context.Context, _ slog.Level) bool  { return false }
func (nopHandler) Handle(_ context.Context, _ slog.Record) error { return nil }
func (h nopHandler) WithAttrs(_ []slog.Attr) slog.Handler        { return h }
func (h nopHandler) WithGroup(_ string) slog.Handler             { return h }

var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(slog.New(nopHandler{}))
}

// SetLogger sets the logger for the halgpu package. Passing nil disables
// logging.
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(nopHandler{})
	}
	loggerPtr.Store(l)
}

func slogger() *slog.Logger {
	return loggerPtr.Load()
}

// api is the part of a hal backend this package uses.
type api interface {
	CreateInstance(desc *hal.InstanceDescriptor) (hal.Instance, error)
}

// Backend exposes the adapters of one hal API.
type Backend struct {
	name     string
	api      api
	barriers backend.BarrierModel

	mu       sync.Mutex
	instance hal.Instance
	adapters []hal.ExposedAdapter
}

// New wraps a hal API. barriers is the model the native API needs: explicit
// for Vulkan, implicit for APIs that track hazards in the driver.
func New(name string, a api, barriers backend.BarrierModel) *Backend {
	return &Backend{name: name, api: a, barriers: barriers}
}

// Vulkan returns the Vulkan backend, or backend.ErrBackendNotAvailable when
// the hal was built without it.
func Vulkan() (*Backend, error) {
	a, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("halgpu: vulkan: %w", backend.ErrBackendNotAvailable)
	}
	return New("vulkan", a, backend.BarrierExplicit), nil
}

// Noop returns a backend over the hal noop API. Its devices accept every
// command and complete submissions immediately.
func Noop() *Backend {
	return New("noop", &noop.API{}, backend.BarrierImplicit)
}

// Register adds the Vulkan backend to the global registry with native
// priority.
func Register() {
	backend.Register("vulkan", backend.PriorityNative,
		func() (backend.Backend, error) { return Vulkan() },
		func() bool {
			_, ok := hal.GetBackend(gputypes.BackendVulkan)
			return ok
		})
}

// Name returns the registry name.
func (b *Backend) Name() string { return b.name }

func (b *Backend) ensureInstance() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.instance != nil {
		return nil
	}
	instance, err := b.api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return fmt.Errorf("halgpu: %s: create instance: %w", b.name, err)
	}
	b.instance = instance
	b.adapters = instance.EnumerateAdapters(nil)
	return nil
}

// Enumerate lists the hal adapters.
func (b *Backend) Enumerate() ([]backend.AdapterInfo, error) {
	if err := b.ensureInstance(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	infos := make([]backend.AdapterInfo, 0, len(b.adapters))
	for i := range b.adapters {
		infos = append(infos, backend.AdapterInfo{
			Name:       b.adapters[i].Info.Name,
			DeviceType: b.adapters[i].Info.DeviceType,
			Driver:     b.name,
		})
	}
	return infos, nil
}

// Capabilities returns the capabilities every device of this backend has.
func (b *Backend) Capabilities(adapter int) (backend.Capabilities, error) {
	if _, err := b.adapter(adapter); err != nil {
		return backend.Capabilities{}, err
	}
	return b.capabilities(), nil
}

func (b *Backend) capabilities() backend.Capabilities {
	return backend.Capabilities{
		Formats:      backend.CommonFormats(),
		Limits:       backend.LimitsFrom(gputypes.DefaultLimits()),
		Barriers:     b.barriers,
		Shader:       backend.ShaderWGSL,
		BlockingWait: true,
		Queues:       1,
	}
}

func (b *Backend) adapter(i int) (*hal.ExposedAdapter, error) {
	if err := b.ensureInstance(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.adapters) {
		return nil, fmt.Errorf("halgpu: %s: adapter %d of %d: %w", b.name, i, len(b.adapters), backend.ErrNoAdapter)
	}
	return &b.adapters[i], nil
}

// Open opens a hal device on the adapter.
func (b *Backend) Open(adapter int, req backend.DeviceRequest) (backend.Device, error) {
	a, err := b.adapter(adapter)
	if err != nil {
		return nil, err
	}
	caps := b.capabilities()
	if req.Queues > caps.Queues {
		return nil, fmt.Errorf("halgpu: %d queues requested: %w", req.Queues, backend.ErrUnsupported)
	}
	if missing := caps.MissingFeatures(req.Features); missing != 0 {
		return nil, fmt.Errorf("halgpu: features %#x: %w", uint64(missing), backend.ErrUnsupported)
	}
	if req.Limits != nil {
		if name := caps.Limits.Satisfies(*req.Limits); name != "" {
			return nil, fmt.Errorf("halgpu: limit %s: %w", name, backend.ErrUnsupported)
		}
	}

	open, err := a.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		return nil, fmt.Errorf("halgpu: %s: open device: %w", b.name, err)
	}
	slogger().Info("halgpu: device opened", "backend", b.name, "adapter", a.Info.Name)
	return newDevice(open.Device, open.Queue, caps, false), nil
}

// Destroy releases the hal instance. Devices must be destroyed first.
func (b *Backend) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.instance != nil {
		b.instance.Destroy()
		b.instance = nil
		b.adapters = nil
	}
}

// FromProvider adopts the device and queue of an external provider such as
// a gogpu window. The provider must expose HalDevice() and HalQueue()
// returning hal.Device and hal.Queue. The returned device does not destroy
// the hal device.
func FromProvider(provider gpucontext.DeviceProvider, barriers backend.BarrierModel) (backend.Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, fmt.Errorf("halgpu: provider does not expose HAL types: %w", backend.ErrUnsupported)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("halgpu: provider HalDevice is not hal.Device: %w", backend.ErrUnsupported)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("halgpu: provider HalQueue is not hal.Queue: %w", backend.ErrUnsupported)
	}
	caps := backend.Capabilities{
		Formats:      backend.CommonFormats(),
		Limits:       backend.LimitsFrom(gputypes.DefaultLimits()),
		Barriers:     barriers,
		Shader:       backend.ShaderWGSL,
		BlockingWait: true,
		Queues:       1,
	}
	return newDevice(device, queue, caps, true), nil
}
