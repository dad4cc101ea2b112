// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// gathered returns the sum of every sample of family name.
func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	var sum float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				sum += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return sum
}

func TestRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("")
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	m.Submitted("soft", 0)
	m.Submitted("soft", 1)
	m.Barrier("buffer", "inline", 3)
	m.Barrier("texture", "submit", 0)
	m.Validation("CopyBufferToBuffer")
	m.Reclaim("Buffer")
	m.SetLive("Buffer", 4)
	m.SetLive("Buffer", 2)
	m.InitClear("buffer")
	m.Waited("ok", time.Millisecond)
	m.Lost("soft")
	m.CommandBuffer("submitted")

	tests := []struct {
		name string
		want float64
	}{
		{"gpurt_submissions_total", 2},
		{"gpurt_barriers_total", 3},
		{"gpurt_validation_errors_total", 1},
		{"gpurt_reclaimed_total", 1},
		{"gpurt_live_handles", 2},
		{"gpurt_init_clears_total", 1},
		{"gpurt_fence_wait_seconds", 1},
		{"gpurt_devices_lost_total", 1},
		{"gpurt_command_buffers_total", 1},
	}
	for _, tt := range tests {
		if got := gathered(t, reg, tt.name); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("twice")
	if err := m.Register(reg); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(reg); err != nil {
		t.Errorf("second Register of the same collectors failed: %v", err)
	}
}

func TestRegisterAdoptsExisting(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, second := New("shared"), New("shared")
	if err := first.Register(reg); err != nil {
		t.Fatal(err)
	}
	if err := second.Register(reg); err != nil {
		t.Fatalf("Register of a second Metrics failed: %v", err)
	}
	if second.Submissions != first.Submissions || second.FenceWait != first.FenceWait {
		t.Error("second Metrics kept collectors the registry does not hold")
	}

	second.Submitted("soft", 0)
	if got := gathered(t, reg, "shared_submissions_total"); got != 1 {
		t.Errorf("shared_submissions_total = %v, want 1", got)
	}
}

func TestRegisterConflict(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clash",
		Name:      "submissions_total",
		Help:      "Something else entirely.",
	}))
	if err := New("clash").Register(reg); err == nil {
		t.Error("Register over a different collector of the same name succeeded")
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Submitted("soft", 0)
	m.Barrier("global", "inline", 1)
	m.Validation("Draw")
	m.Reclaim("Texture")
	m.SetLive("Texture", 1)
	m.InitClear("texture")
	m.Waited("timeout", time.Second)
	m.Lost("soft")
	m.CommandBuffer("discarded")
}
