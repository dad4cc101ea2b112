// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package soft is a host-memory reference backend.
//
// Buffers and textures live in Go byte slices, every queue executes on its
// own goroutine and signals a timeline fence when a submission finishes. The
// backend executes copies, clears and uploads exactly; draws and dispatches
// are logged, and dispatches run a registered Go kernel when one matches the
// pipeline's entry point.
//
// Soft is the conformance target of the runtime: its barrier model, shader
// format and wait behavior are configurable so one test suite can exercise
// every lowering path, and it can pause execution or lose the device on
// demand.
package soft

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpurt/backend"
)

// Name is the registry name of the soft backend.
const Name = "soft"

// DefaultMemoryBudget is the default memory budget (256 MB).
const DefaultMemoryBudget = 256 << 20

// Binding is one buffer binding passed to a Kernel.
type Binding struct {
	Binding uint32
	Data    []byte
}

// Kernel emulates a compute entry point. groups[i] holds the buffer bindings
// of bind group i, in entry order.
type Kernel func(groups [][]Binding, x, y, z uint32)

type config struct {
	barriers     backend.BarrierModel
	shader       backend.ShaderFormat
	blockingWait bool
	queues       int
	limits       backend.Limits
	features     gputypes.Features
	formats      map[gputypes.TextureFormat]gputypes.TextureUsage
	budget       uint64
	kernels      map[string]Kernel
}

func defaultConfig() config {
	return config{
		barriers:     backend.BarrierExplicit,
		shader:       backend.ShaderWGSL,
		blockingWait: true,
		queues:       2,
		limits:       backend.DefaultLimits(),
		formats:      backend.CommonFormats(),
		budget:       DefaultMemoryBudget,
		kernels:      make(map[string]Kernel),
	}
}

// Option configures the soft backend.
type Option func(*config)

// WithBarrierModel sets the barrier model the device advertises.
func WithBarrierModel(m backend.BarrierModel) Option {
	return func(c *config) { c.barriers = m }
}

// WithShaderFormat sets the shader format the device consumes.
func WithShaderFormat(f backend.ShaderFormat) Option {
	return func(c *config) { c.shader = f }
}

// WithBlockingWait controls whether Wait blocks. A non-blocking device
// behaves like the web: Wait only reports the current fence value.
func WithBlockingWait(blocking bool) Option {
	return func(c *config) { c.blockingWait = blocking }
}

// WithQueues sets the number of queues exposed (minimum 1).
func WithQueues(n int) Option {
	return func(c *config) { c.queues = max(n, 1) }
}

// WithLimits overrides the device limits.
func WithLimits(l backend.Limits) Option {
	return func(c *config) { c.limits = l }
}

// WithFeatures sets the feature bits the device supports.
func WithFeatures(f gputypes.Features) Option {
	return func(c *config) { c.features = f }
}

// WithFormats replaces the supported format table.
func WithFormats(formats map[gputypes.TextureFormat]gputypes.TextureUsage) Option {
	return func(c *config) { c.formats = formats }
}

// WithMemoryBudget caps the bytes of buffer and texture memory. Allocations
// beyond it fail with backend.ErrOutOfMemory.
func WithMemoryBudget(bytes uint64) Option {
	return func(c *config) { c.budget = bytes }
}

// WithKernel registers a Go function run by dispatches of pipelines whose
// entry point is entryPoint.
func WithKernel(entryPoint string, k Kernel) Option {
	return func(c *config) { c.kernels[entryPoint] = k }
}

// Backend is the soft backend.
type Backend struct {
	cfg config
}

// New creates a soft backend.
func New(opts ...Option) *Backend {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Backend{cfg: cfg}
}

// Factory creates a soft backend with default options, for backend.Register.
func Factory() (backend.Backend, error) {
	return New(), nil
}

// Name returns "soft".
func (b *Backend) Name() string { return Name }

// Enumerate returns the single host adapter.
func (b *Backend) Enumerate() ([]backend.AdapterInfo, error) {
	return []backend.AdapterInfo{{
		Name:       "Soft Reference Device",
		Vendor:     "gogpu",
		DeviceType: gputypes.DeviceTypeCPU,
		Driver:     "soft",
	}}, nil
}

// Capabilities returns the configured capabilities.
func (b *Backend) Capabilities(adapter int) (backend.Capabilities, error) {
	if adapter != 0 {
		return backend.Capabilities{}, fmt.Errorf("soft: adapter %d: %w", adapter, backend.ErrNoAdapter)
	}
	return b.capabilities(), nil
}

func (b *Backend) capabilities() backend.Capabilities {
	return backend.Capabilities{
		Formats:      b.cfg.formats,
		Limits:       b.cfg.limits,
		Features:     b.cfg.features,
		Barriers:     b.cfg.barriers,
		Shader:       b.cfg.shader,
		BlockingWait: b.cfg.blockingWait,
		Queues:       b.cfg.queues,
	}
}

// Open creates a device. The returned backend.Device is a *Device.
func (b *Backend) Open(adapter int, req backend.DeviceRequest) (backend.Device, error) {
	return b.OpenDevice(adapter, req)
}

// OpenDevice is Open returning the concrete type, for tests that need the
// fault injection methods.
func (b *Backend) OpenDevice(adapter int, req backend.DeviceRequest) (*Device, error) {
	if adapter != 0 {
		return nil, fmt.Errorf("soft: adapter %d: %w", adapter, backend.ErrNoAdapter)
	}
	caps := b.capabilities()
	if req.Queues > caps.Queues {
		return nil, fmt.Errorf("soft: %d queues requested, %d available: %w", req.Queues, caps.Queues, backend.ErrUnsupported)
	}
	if req.Queues > 0 {
		caps.Queues = req.Queues
	}
	if missing := caps.MissingFeatures(req.Features); missing != 0 {
		return nil, fmt.Errorf("soft: features %#x: %w", uint64(missing), backend.ErrUnsupported)
	}
	if req.Limits != nil {
		if name := caps.Limits.Satisfies(*req.Limits); name != "" {
			return nil, fmt.Errorf("soft: limit %s: %w", name, backend.ErrUnsupported)
		}
	}
	return newDevice(req.Label, caps, b.cfg.budget, b.cfg.kernels), nil
}
