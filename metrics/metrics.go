// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus collectors for a gpurt device.
//
// A Metrics value is created once and handed to devices with
// core.WithMetrics. Every method is safe on a nil *Metrics, so devices
// without metrics pay only a nil check.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace is the default metric namespace.
const Namespace = "gpurt"

// Metrics holds the collectors of the runtime.
type Metrics struct {
	// Submissions counts submissions per backend and queue.
	Submissions *prometheus.CounterVec

	// CommandBuffers counts command buffers by the state they reached
	// (submitted, discarded, reclaimed).
	CommandBuffers *prometheus.CounterVec

	// Barriers counts lowered barriers by kind (buffer, texture, global)
	// and by where they were placed (inline, submit).
	Barriers *prometheus.CounterVec

	// ValidationErrors counts failed recording and submission calls per
	// operation.
	ValidationErrors *prometheus.CounterVec

	// Reclaimed counts native objects destroyed after their last
	// submission completed, per kind.
	Reclaimed *prometheus.CounterVec

	// LiveHandles reports the live handles per kind.
	LiveHandles *prometheus.GaugeVec

	// InitClears counts zero clears inserted for uninitialized memory, per
	// resource type.
	InitClears *prometheus.CounterVec

	// FenceWait observes how long fence waits took, by outcome.
	FenceWait *prometheus.HistogramVec

	// DevicesLost counts lost devices per backend.
	DevicesLost *prometheus.CounterVec
}

// New creates unregistered collectors in namespace. An empty namespace
// means Namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = Namespace
	}
	return &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Submissions handed to the backend.",
		}, []string{"backend", "queue"}),
		CommandBuffers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_buffers_total",
			Help:      "Command buffers by the state they reached.",
		}, []string{"state"}),
		Barriers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barriers_total",
			Help:      "Lowered barriers by kind and placement.",
		}, []string{"kind", "placement"}),
		ValidationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_errors_total",
			Help:      "Calls rejected by validation.",
		}, []string{"op"}),
		Reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaimed_total",
			Help:      "Native objects destroyed after GPU completion.",
		}, []string{"kind"}),
		LiveHandles: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_handles",
			Help:      "Live handles per kind.",
		}, []string{"kind"}),
		InitClears: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "init_clears_total",
			Help:      "Zero clears inserted for uninitialized memory.",
		}, []string{"resource"}),
		FenceWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fence_wait_seconds",
			Help:      "Time spent waiting on submission fences.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		DevicesLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "devices_lost_total",
			Help:      "Devices reported lost by their backend.",
		}, []string{"backend"}),
	}
}

// Collectors returns every collector.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Submissions, m.CommandBuffers, m.Barriers, m.ValidationErrors,
		m.Reclaimed, m.LiveHandles, m.InitClears, m.FenceWait, m.DevicesLost,
	}
}

// Register registers every collector with reg. A collector whose
// descriptor reg already holds is replaced by the registered one, so every
// Metrics with the same namespace records into one scraped set. Call
// Register before handing m to a device.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	return errors.Join(
		adopt(reg, &m.Submissions),
		adopt(reg, &m.CommandBuffers),
		adopt(reg, &m.Barriers),
		adopt(reg, &m.ValidationErrors),
		adopt(reg, &m.Reclaimed),
		adopt(reg, &m.LiveHandles),
		adopt(reg, &m.InitClears),
		adopt(reg, &m.FenceWait),
		adopt(reg, &m.DevicesLost),
	)
}

func adopt[C prometheus.Collector](reg prometheus.Registerer, c *C) error {
	err := reg.Register(*c)
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return err
	}
	existing, ok := are.ExistingCollector.(C)
	if !ok {
		return err
	}
	*c = existing
	return nil
}

// Submitted records one submission.
func (m *Metrics) Submitted(backendName string, queue int) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(backendName, strconv.Itoa(queue)).Inc()
}

// CommandBuffer records a command buffer reaching state.
func (m *Metrics) CommandBuffer(state string) {
	if m == nil {
		return
	}
	m.CommandBuffers.WithLabelValues(state).Inc()
}

// Barrier adds n barriers of kind at placement.
func (m *Metrics) Barrier(kind, placement string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Barriers.WithLabelValues(kind, placement).Add(float64(n))
}

// Validation records a rejected call.
func (m *Metrics) Validation(op string) {
	if m == nil {
		return
	}
	m.ValidationErrors.WithLabelValues(op).Inc()
}

// Reclaim records a destroyed native object.
func (m *Metrics) Reclaim(kind string) {
	if m == nil {
		return
	}
	m.Reclaimed.WithLabelValues(kind).Inc()
}

// SetLive sets the live handle count of kind.
func (m *Metrics) SetLive(kind string, n int) {
	if m == nil {
		return
	}
	m.LiveHandles.WithLabelValues(kind).Set(float64(n))
}

// InitClear records a zero clear of an uninitialized buffer range or
// texture surface.
func (m *Metrics) InitClear(resource string) {
	if m == nil {
		return
	}
	m.InitClears.WithLabelValues(resource).Inc()
}

// Waited observes a fence wait that took d and ended with outcome
// (ok, timeout, lost).
func (m *Metrics) Waited(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.FenceWait.WithLabelValues(outcome).Observe(d.Seconds())
}

// Lost records a lost device.
func (m *Metrics) Lost(backendName string) {
	if m == nil {
		return
	}
	m.DevicesLost.WithLabelValues(backendName).Inc()
}
