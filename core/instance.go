// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"

	"github.com/gogpu/gpurt/backend"
)

// Instance is an entry point bound to one backend.
type Instance struct {
	backend backend.Backend
	opts    []Option
}

// AdapterReport describes one adapter of an instance's backend.
type AdapterReport struct {
	Backend      string
	Index        int
	Info         backend.AdapterInfo
	Capabilities backend.Capabilities
}

// NewInstance selects a backend: the one given with WithBackendInstance,
// else the one named with WithBackend, else the highest-priority available
// backend of the registry. The options are also the defaults of every
// device the instance creates.
func NewInstance(opts ...Option) (*Instance, error) {
	o := defaultOptions().with(opts)
	b := o.backend
	if b == nil {
		var err error
		if b, err = o.registry.Select(o.backendName); err != nil {
			return nil, fmt.Errorf("core: select backend %q: %w", o.backendName, err)
		}
	}
	slogger().Info("core: instance created", "backend", b.Name())
	return &Instance{backend: b, opts: opts}, nil
}

// Backend returns the selected backend.
func (i *Instance) Backend() backend.Backend { return i.backend }

// Adapters reports every adapter of the backend with its capabilities.
func (i *Instance) Adapters() ([]AdapterReport, error) {
	infos, err := i.backend.Enumerate()
	if err != nil {
		return nil, fmt.Errorf("core: enumerate %s adapters: %w", i.backend.Name(), err)
	}
	reports := make([]AdapterReport, 0, len(infos))
	for idx, info := range infos {
		caps, err := i.backend.Capabilities(idx)
		if err != nil {
			return nil, fmt.Errorf("core: capabilities of %s adapter %d: %w", i.backend.Name(), idx, err)
		}
		reports = append(reports, AdapterReport{
			Backend:      i.backend.Name(),
			Index:        idx,
			Info:         info,
			Capabilities: caps,
		})
	}
	return reports, nil
}

// CreateDevice opens a device. opts override the instance options.
func (i *Instance) CreateDevice(opts ...Option) (*Device, error) {
	all := make([]Option, 0, len(i.opts)+len(opts))
	all = append(all, i.opts...)
	all = append(all, opts...)
	return OpenDevice(i.backend, all...)
}
