// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package gpurt

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/gpurt/backend"
	"github.com/gogpu/gpurt/backend/soft"
	"github.com/gogpu/gpurt/config"
	"github.com/gogpu/gpurt/core"
)

func TestBackendsIncludesSoft(t *testing.T) {
	if got := Backends(); !slices.Contains(got, soft.Name) {
		t.Errorf("Backends() = %v, want %q listed", got, soft.Name)
	}
}

func TestOpenClearAndWait(t *testing.T) {
	d, err := Open(core.WithBackend(soft.Name), core.WithLabel("quickstart"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer d.Destroy()

	buf, err := d.CreateBuffer(core.BufferDescriptor{
		Label: "buf",
		Size:  256,
		Usage: gputypes.BufferUsageCopyDst | gputypes.BufferUsageMapRead,
	})
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	enc, err := d.CreateCommandEncoder("clear")
	if err != nil {
		t.Fatalf("CreateCommandEncoder() error = %v", err)
	}
	if err := enc.ClearBuffer(buf, 0, 0); err != nil {
		t.Fatalf("ClearBuffer() error = %v", err)
	}
	cb, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	idx, err := d.Queue(0).Submit(cb)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := d.Queue(0).Wait(idx, 5*time.Second); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	data, err := d.ReadBuffer(buf, 0, 256)
	if err != nil {
		t.Fatalf("ReadBuffer() error = %v", err)
	}
	for i, b := range data {
		if b != 0 {
			t.Fatalf("data[%d] = %d, want 0", i, b)
		}
	}
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(core.WithBackend("metal-on-toaster"))
	if !errors.Is(err, backend.ErrBackendNotAvailable) {
		t.Errorf("Open() error = %v, want ErrBackendNotAvailable", err)
	}
}

func TestOpenConfig(t *testing.T) {
	c := config.Default()
	c.Backend = soft.Name
	c.Queues = 2
	c.Metrics.Enabled = true

	d, err := OpenConfig(c, prometheus.NewRegistry(), core.WithLabel("configured"))
	if err != nil {
		t.Fatalf("OpenConfig() error = %v", err)
	}
	defer d.Destroy()
	if d.Queues() != 2 {
		t.Errorf("Queues() = %d, want 2", d.Queues())
	}
	if d.Label() != "configured" {
		t.Errorf("Label() = %q, want %q", d.Label(), "configured")
	}
}

// halProvider exposes a hal noop device the way a gogpu window does.
type halProvider struct {
	device hal.Device
	queue  hal.Queue
}

func (p *halProvider) Device() gpucontext.Device             { return nil }
func (p *halProvider) Queue() gpucontext.Queue               { return nil }
func (p *halProvider) Adapter() gpucontext.Adapter           { return nil }
func (p *halProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }
func (p *halProvider) HalDevice() any                        { return p.device }
func (p *halProvider) HalQueue() any                         { return p.queue }

func newHalProvider(t *testing.T) *halProvider {
	t.Helper()
	inst, err := (&noop.API{}).CreateInstance(&hal.InstanceDescriptor{})
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	adapters := inst.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		inst.Destroy()
		t.Fatal("noop API exposes no adapter")
	}
	open, err := adapters[0].Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		inst.Destroy()
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		open.Device.Destroy()
		inst.Destroy()
	})
	return &halProvider{device: open.Device, queue: open.Queue}
}

func TestFromProvider(t *testing.T) {
	d, err := FromProvider(newHalProvider(t), core.WithLabel("window"))
	if err != nil {
		t.Fatalf("FromProvider() error = %v", err)
	}
	defer d.Destroy()

	if d.BackendName() != ProviderBackend {
		t.Errorf("BackendName() = %q, want %q", d.BackendName(), ProviderBackend)
	}
	buf, err := d.CreateBuffer(core.BufferDescriptor{
		Size:  64,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		t.Fatalf("CreateBuffer() error = %v", err)
	}
	enc, err := d.CreateCommandEncoder("clear")
	if err != nil {
		t.Fatalf("CreateCommandEncoder() error = %v", err)
	}
	if err := enc.ClearBuffer(buf, 0, 0); err != nil {
		t.Fatalf("ClearBuffer() error = %v", err)
	}
	cb, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	idx, err := d.Queue(0).Submit(cb)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := d.Queue(0).Wait(idx, 5*time.Second); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestFromProviderRejects(t *testing.T) {
	tests := []struct {
		name     string
		provider gpucontext.DeviceProvider
		want     error
	}{
		{"nil", nil, backend.ErrNoAdapter},
		{"no hal types", &halProvider{}, backend.ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromProvider(tt.provider); !errors.Is(err, tt.want) {
				t.Errorf("FromProvider() error = %v, want %v", err, tt.want)
			}
		})
	}
}
