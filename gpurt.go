// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package gpurt

import (
	"fmt"

	"github.com/gogpu/gpucontext"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/gpurt/backend"
	"github.com/gogpu/gpurt/backend/halgpu"
	"github.com/gogpu/gpurt/backend/soft"
	"github.com/gogpu/gpurt/config"
	"github.com/gogpu/gpurt/core"
)

// ProviderBackend is the backend name of devices adopted with FromProvider.
const ProviderBackend = "provider"

// init registers the built-in backends with the global registry.
func init() {
	backend.Register(soft.Name, backend.PrioritySoftware, soft.Factory, nil)
	halgpu.Register()
}

// Backends lists the registered backends that can be used on this system,
// highest priority first.
func Backends() []string {
	return backend.Available()
}

// Open selects a backend and opens a device on it.
func Open(opts ...core.Option) (*core.Device, error) {
	inst, err := core.NewInstance(opts...)
	if err != nil {
		return nil, err
	}
	return inst.CreateDevice()
}

// OpenConfig opens a device with the settings of c. Metrics, when enabled,
// are registered with reg.
func OpenConfig(c config.Config, reg prometheus.Registerer, opts ...core.Option) (*core.Device, error) {
	base, err := c.Options(reg)
	if err != nil {
		return nil, err
	}
	return Open(append(base, opts...)...)
}

// FromProvider wraps the device of an external provider, such as a gogpu
// window, so that its resources share the caller's queue. The provider
// keeps ownership of the underlying device.
func FromProvider(provider gpucontext.DeviceProvider, opts ...core.Option) (*core.Device, error) {
	if provider == nil {
		return nil, fmt.Errorf("gpurt: nil provider: %w", backend.ErrNoAdapter)
	}
	raw, err := halgpu.FromProvider(provider, backend.BarrierExplicit)
	if err != nil {
		return nil, err
	}
	d, err := core.WrapDevice(ProviderBackend, raw, opts...)
	if err != nil {
		raw.Destroy()
		return nil, err
	}
	Logger().Info("gpurt: adopted provider device")
	return d, nil
}
