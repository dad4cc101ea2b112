// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package core

import (
	"io"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpurt/backend"
	"github.com/gogpu/gpurt/metrics"
)

// DefaultFenceTimeout bounds the waits the device performs on its own
// behalf, such as ReadBuffer and Destroy.
const DefaultFenceTimeout = 5 * time.Second

// Option configures an Instance or a Device.
//
// Example:
//
//	inst, err := core.NewInstance(core.WithBackend("soft"))
//	...
//	dev, err := inst.CreateDevice(core.WithQueues(2), core.WithMetrics(m))
type Option func(*options)

type options struct {
	registry    *backend.Registry
	backendName string
	backend     backend.Backend
	adapter     int

	label    string
	queues   int
	features gputypes.Features
	limits   *backend.Limits

	traceWriter io.Writer
	tracePath   string
	metrics     *metrics.Metrics

	fenceTimeout time.Duration
}

func defaultOptions() options {
	return options{
		registry:     backend.Default(),
		fenceTimeout: DefaultFenceTimeout,
	}
}

func (o options) with(opts []Option) options {
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithRegistry selects backends from r instead of the global registry.
func WithRegistry(r *backend.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithBackend selects the backend registered under name. Without it the
// highest-priority available backend is used.
func WithBackend(name string) Option {
	return func(o *options) {
		o.backendName = name
	}
}

// WithBackendInstance uses b directly, bypassing the registry.
func WithBackendInstance(b backend.Backend) Option {
	return func(o *options) {
		o.backend = b
	}
}

// WithAdapter selects the adapter index within the backend.
func WithAdapter(i int) Option {
	return func(o *options) {
		o.adapter = i
	}
}

// WithLabel sets the device label used in logs.
func WithLabel(label string) Option {
	return func(o *options) {
		o.label = label
	}
}

// WithQueues requests n queues. Zero means one.
func WithQueues(n int) Option {
	return func(o *options) {
		o.queues = n
	}
}

// WithFeatures requires the given features. Device creation fails with an
// *UnsupportedFeatureError when the adapter lacks any of them.
func WithFeatures(f gputypes.Features) Option {
	return func(o *options) {
		o.features = f
	}
}

// WithLimits requires at least the given limits.
func WithLimits(l backend.Limits) Option {
	return func(o *options) {
		o.limits = &l
	}
}

// WithTrace writes the device's operation log to w. If w is an io.Closer
// it is closed by Device.Destroy.
func WithTrace(w io.Writer) Option {
	return func(o *options) {
		o.traceWriter = w
	}
}

// WithTraceFile writes the operation log to a file created at path.
func WithTraceFile(path string) Option {
	return func(o *options) {
		o.tracePath = path
	}
}

// WithMetrics records device activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithFenceTimeout bounds the waits the device performs on its own behalf.
func WithFenceTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fenceTimeout = d
		}
	}
}
