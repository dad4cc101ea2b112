// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gogpu/gpurt/backend"
	"github.com/gogpu/gpurt/backend/soft"
	"github.com/gogpu/gpurt/id"
	"github.com/gogpu/gpurt/metrics"
)

func TestStaleHandleAfterReuse(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	old := mustBuffer(t, d, "old", 64, gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst)
	if err := d.Free(old); err != nil {
		t.Fatalf("Free: %v", err)
	}
	reused := mustBuffer(t, d, "new", 64, gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst)
	if reused.Index() != old.Index() || reused.Generation() <= old.Generation() {
		t.Fatalf("reused = %v, old = %v: want same slot, newer generation", reused, old)
	}

	_, err := d.ReadBuffer(old, 0, 4)
	wantStale(t, err)
	wantStale(t, d.Free(old))
	if _, err := d.ReadBuffer(reused, 0, 4); err != nil {
		t.Errorf("ReadBuffer(reused): %v", err)
	}

	e := mustEncoder(t, d, "stale")
	wantStale(t, e.ClearBuffer(old, 0, 0))
}

func TestHandlesAreDevicePrivate(t *testing.T) {
	a, _ := newTestDevice(t, nil)
	b, _ := newTestDevice(t, nil)
	buf := mustBuffer(t, a, "a", 64, copyUsage)
	if err := a.Free(buf); err != nil {
		t.Fatalf("Free: %v", err)
	}
	// The slot is free on b too, but the handle was never issued there.
	wantStale(t, b.Free(buf))
}

func TestCreateBufferValidation(t *testing.T) {
	limits := backend.DefaultLimits()
	limits.MaxBufferSize = 1 << 20
	d, _ := newTestDevice(t, []soft.Option{soft.WithLimits(limits)})

	tests := []struct {
		name        string
		desc        BufferDescriptor
		unsupported bool
	}{
		{"no usage", BufferDescriptor{Size: 64}, false},
		{"map read with storage", BufferDescriptor{Size: 64, Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageStorage}, false},
		{"map write with copy dst", BufferDescriptor{Size: 64, Usage: gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopyDst}, false},
		{"over limit", BufferDescriptor{Size: 2 << 20, Usage: copyUsage}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.CreateBuffer(tt.desc)
			if !tt.unsupported {
				wantValidation(t, err)
				return
			}
			var ue *UnsupportedFeatureError
			if !errors.As(err, &ue) || ue.Feature != "MaxBufferSize" {
				t.Fatalf("err = %v, want MaxBufferSize *UnsupportedFeatureError", err)
			}
			if !errors.Is(err, backend.ErrUnsupported) {
				t.Errorf("errors.Is(err, ErrUnsupported) = false")
			}
		})
	}
}

func TestCreateTextureValidation(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	base := TextureDescriptor{
		Size:   gputypes.Extent3D{Width: 16, Height: 16},
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageCopyDst,
	}
	tests := []struct {
		name        string
		mod         func(*TextureDescriptor)
		unsupported bool
	}{
		{"zero size", func(d *TextureDescriptor) { d.Size.Width = 0 }, false},
		{"no usage", func(d *TextureDescriptor) { d.Usage = 0 }, false},
		{"three samples", func(d *TextureDescriptor) { d.SampleCount = 3 }, false},
		{"too many mips", func(d *TextureDescriptor) { d.MipLevelCount = 6 }, false},
		{"multisampled copy target", func(d *TextureDescriptor) { d.SampleCount = 4 }, false},
		{"storage on bgra", func(d *TextureDescriptor) {
			d.Format = gputypes.TextureFormatBGRA8Unorm
			d.Usage = gputypes.TextureUsageStorageBinding
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := base
			tt.mod(&desc)
			_, err := d.CreateTexture(desc)
			if tt.unsupported {
				var ue *UnsupportedFeatureError
				if !errors.As(err, &ue) {
					t.Fatalf("err = %v, want *UnsupportedFeatureError", err)
				}
				return
			}
			wantValidation(t, err)
		})
	}

	desc := base
	desc.MipLevelCount = 5
	if _, err := d.CreateTexture(desc); err != nil {
		t.Errorf("full mip chain: %v", err)
	}
}

func TestBindGroupValidation(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	k := newStorageKernel(t, d, "kernel", true)
	rw := mustBuffer(t, d, "rw", 64, storageUsage)
	plain := mustBuffer(t, d, "plain", 64, copyUsage)

	tests := []struct {
		name    string
		entries []BindGroupEntry
	}{
		{"missing binding", []BindGroupEntry{{Binding: 0, Buffer: rw}}},
		{"binding twice", []BindGroupEntry{{Binding: 0, Buffer: rw}, {Binding: 0, Buffer: rw}}},
		{"missing usage", []BindGroupEntry{{Binding: 0, Buffer: plain}, {Binding: 1, Buffer: rw}}},
		{"range past end", []BindGroupEntry{{Binding: 0, Buffer: rw, Offset: 256}, {Binding: 1, Buffer: rw}}},
		// One buffer both read-only and writable in one group.
		{"conflicting accesses", []BindGroupEntry{{Binding: 0, Buffer: rw}, {Binding: 1, Buffer: rw}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.CreateBindGroup(BindGroupDescriptor{Layout: k.layout, Entries: tt.entries})
			wantValidation(t, err)
		})
	}
}

func TestStorageTextureBinding(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	storage := mustTexture(t, d, "storage", 8, 8, gputypes.TextureUsageStorageBinding|gputypes.TextureUsageTextureBinding)
	sampled := mustTexture(t, d, "sampled", 8, 8, gputypes.TextureUsageTextureBinding)

	layout := func(format gputypes.TextureFormat) id.Handle {
		t.Helper()
		h, err := d.CreateBindGroupLayout(BindGroupLayoutDescriptor{Entries: []gputypes.BindGroupLayoutEntry{{
			Binding:    0,
			Visibility: gputypes.ShaderStageCompute,
			StorageTexture: &gputypes.StorageTextureBindingLayout{
				Access:        gputypes.StorageTextureAccessWriteOnly,
				Format:        format,
				ViewDimension: gputypes.TextureViewDimension2D,
			},
		}}})
		if err != nil {
			t.Fatalf("CreateBindGroupLayout: %v", err)
		}
		return h
	}
	rgba, r32 := layout(gputypes.TextureFormatRGBA8Unorm), layout(gputypes.TextureFormatR32Float)

	if _, err := d.CreateBindGroup(BindGroupDescriptor{Layout: rgba, Entries: []BindGroupEntry{{Binding: 0, Texture: storage}}}); err != nil {
		t.Fatalf("CreateBindGroup: %v", err)
	}
	tests := []struct {
		name   string
		layout id.Handle
		tex    id.Handle
	}{
		{"missing storage usage", rgba, sampled},
		{"format mismatch", r32, storage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.CreateBindGroup(BindGroupDescriptor{Layout: tt.layout, Entries: []BindGroupEntry{{Binding: 0, Texture: tt.tex}}})
			wantValidation(t, err)
		})
	}

	// An entry may describe only one resource type.
	_, err := d.CreateBindGroupLayout(BindGroupLayoutDescriptor{Entries: []gputypes.BindGroupLayoutEntry{{
		Binding:        0,
		Visibility:     gputypes.ShaderStageCompute,
		Texture:        &gputypes.TextureBindingLayout{},
		StorageTexture: &gputypes.StorageTextureBindingLayout{Format: gputypes.TextureFormatRGBA8Unorm},
	}}})
	wantValidation(t, err)
}

func TestFreedParentsOutliveDependents(t *testing.T) {
	d, raw := newTestDevice(t, nil)
	k := newStorageKernel(t, d, "read", false)
	in := mustBuffer(t, d, "in", 64, storageUsage)
	g := k.group(t, d, in, id.Handle{})

	raw.Pause()
	e := mustEncoder(t, d, "dispatch")
	k.dispatch(t, e, g)
	cb := mustFinish(t, e)
	for _, h := range []id.Handle{k.pipelineLayout, k.layout, k.module} {
		if err := d.Free(h); err != nil {
			t.Fatalf("Free(%v): %v", h, err)
		}
	}
	// The pipeline and group still bind the freed layouts natively.
	idx := mustSubmit(t, d, 0, cb)

	parents := []string{"DestroyPipelineLayout", "DestroyBindGroupLayout", "DestroyShaderModule"}
	for _, op := range parents {
		if i := indexOf(ops(raw, -1), op); i >= 0 {
			t.Errorf("%s issued while submission %d is in flight", op, idx)
		}
	}
	if got := d.PendingDestruction(); got != 3 {
		t.Errorf("PendingDestruction() = %d, want 3", got)
	}

	raw.Resume()
	mustWait(t, d, 0, idx)
	if got := d.PendingDestruction(); got != 3 {
		t.Errorf("PendingDestruction() = %d with dependents alive, want 3", got)
	}

	if err := d.Free(g); err != nil {
		t.Fatalf("Free(group): %v", err)
	}
	if err := d.Free(k.pipeline); err != nil {
		t.Fatalf("Free(pipeline): %v", err)
	}
	if got := d.PendingDestruction(); got != 0 {
		t.Errorf("PendingDestruction() = %d after dependents were freed, want 0", got)
	}

	calls := ops(raw, -1)
	pipeline := indexOf(calls, "DestroyComputePipeline")
	group := indexOf(calls, "DestroyBindGroup")
	pl := indexOf(calls, "DestroyPipelineLayout")
	bgl := indexOf(calls, "DestroyBindGroupLayout")
	mod := indexOf(calls, "DestroyShaderModule")
	if pipeline < 0 || group < 0 || pl < 0 || bgl < 0 || mod < 0 {
		t.Fatalf("device calls %v, want every object destroyed", calls)
	}
	if pipeline > pl || pipeline > mod || pl > bgl || group > bgl {
		t.Errorf("device calls %v destroy a parent before its dependents", calls)
	}
}

func TestCreateFromFreedParent(t *testing.T) {
	d, _ := newTestDevice(t, nil)
	k := newStorageKernel(t, d, "read", false)
	if err := d.Free(k.pipelineLayout); err != nil {
		t.Fatalf("Free: %v", err)
	}
	_, err := d.CreateComputePipeline(ComputePipelineDescriptor{Layout: k.pipelineLayout, Module: k.module, EntryPoint: "read"})
	wantStale(t, err)

	// A failed create leaves no pin behind: freeing the last dependent
	// reclaims the layout.
	if err := d.Free(k.pipeline); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if got := d.PendingDestruction(); got != 0 {
		t.Errorf("PendingDestruction() = %d, want 0", got)
	}
}

func TestDestroyTearsDownDependentsFirst(t *testing.T) {
	d, raw := newTestDevice(t, nil)
	k := newStorageKernel(t, d, "read", false)
	in := mustBuffer(t, d, "in", 64, storageUsage)
	k.group(t, d, in, id.Handle{})
	for _, h := range []id.Handle{k.layout, k.module} {
		if err := d.Free(h); err != nil {
			t.Fatalf("Free(%v): %v", h, err)
		}
	}

	d.Destroy()
	calls := ops(raw, -1)
	pipeline := indexOf(calls, "DestroyComputePipeline")
	group := indexOf(calls, "DestroyBindGroup")
	pl := indexOf(calls, "DestroyPipelineLayout")
	bgl := indexOf(calls, "DestroyBindGroupLayout")
	mod := indexOf(calls, "DestroyShaderModule")
	if pipeline < 0 || group < 0 || pl < 0 || bgl < 0 || mod < 0 {
		t.Fatalf("device calls %v, want every object destroyed", calls)
	}
	if pipeline > pl || pipeline > mod || pl > bgl || group > bgl {
		t.Errorf("device calls %v destroy a parent before its dependents", calls)
	}
}

func TestOutOfMemory(t *testing.T) {
	d, _ := newTestDevice(t, []soft.Option{soft.WithMemoryBudget(1024)})
	a := mustBuffer(t, d, "a", 768, copyUsage)
	if _, err := d.CreateBuffer(BufferDescriptor{Size: 512, Usage: copyUsage}); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("CreateBuffer over budget = %v, want ErrOutOfMemory", err)
	}
	if d.Lost() {
		t.Fatal("out of memory lost the device")
	}
	if err := d.Free(a); err != nil {
		t.Fatalf("Free: %v", err)
	}
	mustBuffer(t, d, "retry", 512, copyUsage)
}

func TestOpenDeviceUnsupported(t *testing.T) {
	limits := backend.DefaultLimits()
	limits.MaxBufferSize = 1 << 40

	tests := []struct {
		name    string
		opts    []Option
		feature string
	}{
		{"queues", []Option{WithQueues(3)}, "queues"},
		{"limits", []Option{WithLimits(limits)}, "MaxBufferSize"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenDevice(soft.New(soft.WithQueues(2)), tt.opts...)
			var ue *UnsupportedFeatureError
			if !errors.As(err, &ue) || ue.Feature != tt.feature {
				t.Fatalf("err = %v, want %s *UnsupportedFeatureError", err, tt.feature)
			}
		})
	}

	_, err := OpenDevice(soft.New(), WithAdapter(1))
	if !errors.Is(err, backend.ErrNoAdapter) {
		t.Errorf("OpenDevice(adapter 1) = %v, want ErrNoAdapter", err)
	}
}

func TestShaderModuleCompilesForSPIRV(t *testing.T) {
	d, _ := newTestDevice(t, []soft.Option{soft.WithShaderFormat(backend.ShaderSPIRV)})

	h, err := d.CreateShaderModule(ShaderModuleDescriptor{Label: "ok", WGSL: kernelWGSL})
	if err != nil {
		t.Fatalf("CreateShaderModule: %v", err)
	}
	rec, err := d.modules.Resolve(h)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.label != "ok" {
		t.Errorf("label = %q", rec.label)
	}

	// A second device reuses the compiled words.
	other, _ := newTestDevice(t, []soft.Option{soft.WithShaderFormat(backend.ShaderSPIRV)})
	hits := spirvCache.Stats().Hits
	if _, err := other.CreateShaderModule(ShaderModuleDescriptor{Label: "again", WGSL: kernelWGSL}); err != nil {
		t.Fatalf("CreateShaderModule: %v", err)
	}
	if spirvCache.Stats().Hits <= hits {
		t.Error("second compile of the same source missed the cache")
	}

	for range 2 {
		_, err = d.CreateShaderModule(ShaderModuleDescriptor{Label: "broken", WGSL: "fn main( {"})
		wantValidation(t, err)
	}

	_, err = d.CreateShaderModule(ShaderModuleDescriptor{Label: "empty"})
	wantValidation(t, err)
}

func TestMetrics(t *testing.T) {
	m := metrics.New("")
	if err := m.Register(prometheus.NewRegistry()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	d, _ := newTestDevice(t, nil, WithMetrics(m))
	buf := mustBuffer(t, d, "buf", 64, copyUsage)
	src := mustBuffer(t, d, "src", 64, copyUsage)

	e := mustEncoder(t, d, "bad")
	wantValidation(t, e.CopyBufferToBuffer(buf, 0, buf, 0, 4))

	idx := mustSubmit(t, d, 0, clearCommand(t, d, buf))
	e = mustEncoder(t, d, "copy")
	if err := e.CopyBufferToBuffer(src, 0, buf, 0, 64); err != nil {
		t.Fatalf("CopyBufferToBuffer: %v", err)
	}
	idx2 := mustSubmit(t, d, 0, mustFinish(t, e))
	mustWait(t, d, 0, max(idx, idx2))

	if got := testutil.ToFloat64(m.Submissions.WithLabelValues(soft.Name, "0")); got != 2 {
		t.Errorf("submissions = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ValidationErrors.WithLabelValues("CopyBufferToBuffer")); got != 1 {
		t.Errorf("validation errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LiveHandles.WithLabelValues(id.KindBuffer.String())); got != 2 {
		t.Errorf("live buffers = %v, want 2", got)
	}
	// src was never written; its read is preceded by a zero clear.
	if got := testutil.ToFloat64(m.InitClears.WithLabelValues("buffer")); got < 1 {
		t.Errorf("buffer init clears = %v, want at least 1", got)
	}
}

func TestInstance(t *testing.T) {
	inst, err := NewInstance(WithBackendInstance(soft.New(soft.WithQueues(3))))
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	if inst.Backend().Name() != soft.Name {
		t.Errorf("Backend() = %q", inst.Backend().Name())
	}
	adapters, err := inst.Adapters()
	if err != nil {
		t.Fatalf("Adapters: %v", err)
	}
	if len(adapters) != 1 || adapters[0].Backend != soft.Name || adapters[0].Capabilities.Queues != 3 {
		t.Errorf("Adapters() = %+v", adapters)
	}

	d, err := inst.CreateDevice(WithQueues(3), WithLabel("instance"))
	if err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	defer d.Destroy()
	if d.Queues() != 3 || d.Label() != "instance" || d.BackendName() != soft.Name {
		t.Errorf("device = %d queues, label %q, backend %q", d.Queues(), d.Label(), d.BackendName())
	}
}

func TestInstanceSelectsFromRegistry(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(soft.Name, backend.PrioritySoftware, soft.Factory, nil)

	inst, err := NewInstance(WithRegistry(reg))
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	if inst.Backend().Name() != soft.Name {
		t.Errorf("Backend() = %q, want %q", inst.Backend().Name(), soft.Name)
	}
	if _, err := NewInstance(WithRegistry(reg), WithBackend("missing")); err == nil {
		t.Error("NewInstance(missing backend) succeeded")
	}
}

func TestDestroyedDevice(t *testing.T) {
	d, err := OpenDevice(soft.New())
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	buf := mustBuffer(t, d, "buf", 64, copyUsage)
	d.Destroy()
	d.Destroy()

	if _, err := d.CreateBuffer(BufferDescriptor{Size: 4, Usage: copyUsage}); !errors.Is(err, ErrDestroyed) {
		t.Errorf("CreateBuffer = %v, want ErrDestroyed", err)
	}
	if err := d.Free(buf); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Free = %v, want ErrDestroyed", err)
	}
}
