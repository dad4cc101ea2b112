// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package soft

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpurt/backend"
)

func openDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	d, err := New(opts...).OpenDevice(0, backend.DeviceRequest{Label: t.Name()})
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	t.Cleanup(d.Destroy)
	return d
}

func mustBuffer(t *testing.T, d *Device, label string, size uint64) backend.Object {
	t.Helper()
	b, err := d.CreateBuffer(&backend.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst | gputypes.BufferUsageStorage,
	})
	if err != nil {
		t.Fatalf("CreateBuffer(%s): %v", label, err)
	}
	return b
}

func submitAndWait(t *testing.T, d *Device, lists ...*backend.CommandList) {
	t.Helper()
	f, err := d.CreateFence()
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Submit(0, lists, backend.FenceSignal{Fence: f, Value: 1}, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ok, err := d.Wait(f, 1, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("Wait = %v, %v", ok, err)
	}
}

func TestBackendIdentity(t *testing.T) {
	b := New()
	if b.Name() != Name {
		t.Errorf("Name() = %q", b.Name())
	}
	adapters, err := b.Enumerate()
	if err != nil || len(adapters) != 1 {
		t.Fatalf("Enumerate = %v, %v", adapters, err)
	}
	if _, err := b.Capabilities(3); !errors.Is(err, backend.ErrNoAdapter) {
		t.Errorf("Capabilities(3) error = %v", err)
	}
}

func TestOpenRejectsUnsupported(t *testing.T) {
	b := New(WithQueues(1))
	tests := []struct {
		name string
		req  backend.DeviceRequest
	}{
		{"too many queues", backend.DeviceRequest{Queues: 2}},
		{"missing feature", backend.DeviceRequest{Features: gputypes.Features(1)}},
		{"limit too high", backend.DeviceRequest{Limits: &backend.Limits{MaxBindGroups: 1 << 20}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := b.Open(0, tt.req); !errors.Is(err, backend.ErrUnsupported) {
				t.Errorf("Open error = %v, want ErrUnsupported", err)
			}
		})
	}
}

func TestCopyAndWrite(t *testing.T) {
	d := openDevice(t)
	src := mustBuffer(t, d, "src", 16)
	dst := mustBuffer(t, d, "dst", 16)

	var l backend.CommandList
	l.Append(
		backend.WriteBuffer{Buffer: src, Offset: 0, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		backend.CopyBufferToBuffer{Src: src, SrcOffset: 4, Dst: dst, DstOffset: 8, Size: 4},
	)
	submitAndWait(t, d, &l)

	want := []byte{0, 0, 0, 0, 0, 0, 0, 0, 5, 6, 7, 8, 0, 0, 0, 0}
	if got := d.BufferData(dst); !bytes.Equal(got, want) {
		t.Errorf("dst = %v, want %v", got, want)
	}

	out := make([]byte, 4)
	if err := d.ReadBuffer(dst, 8, out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, []byte{5, 6, 7, 8}) {
		t.Errorf("ReadBuffer = %v", out)
	}
	if err := d.ReadBuffer(dst, 14, out); err == nil {
		t.Error("out of range ReadBuffer should fail")
	}
}

func TestTextureRoundTrip(t *testing.T) {
	d := openDevice(t)
	tex, err := d.CreateTexture(&backend.TextureDescriptor{
		Label:         "tex",
		Size:          gputypes.Extent3D{Width: 4, Height: 2, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        gputypes.TextureFormatRGBA8Unorm,
	})
	if err != nil {
		t.Fatal(err)
	}
	up := mustBuffer(t, d, "up", 256*2)
	down := mustBuffer(t, d, "down", 256*2)

	texels := make([]byte, 16)
	for i := range texels {
		texels[i] = byte(i + 1)
	}
	layout := backend.BufferLayout{BytesPerRow: 256, RowsPerImage: 2}
	size := gputypes.Extent3D{Width: 4, Height: 1, DepthOrArrayLayers: 1}

	var l backend.CommandList
	l.Append(
		backend.WriteBuffer{Buffer: up, Offset: 256, Data: texels},
		backend.CopyBufferToTexture{
			Src:    up,
			Layout: backend.BufferLayout{Offset: 256, BytesPerRow: 256, RowsPerImage: 1},
			Dst:    backend.TextureRegion{Texture: tex, Origin: gputypes.Origin3D{Y: 1}},
			Size:   size,
		},
		backend.CopyTextureToBuffer{
			Src:    backend.TextureRegion{Texture: tex, Origin: gputypes.Origin3D{Y: 1}},
			Dst:    down,
			Layout: layout,
			Size:   size,
		},
	)
	submitAndWait(t, d, &l)

	if got := d.BufferData(down)[:16]; !bytes.Equal(got, texels) {
		t.Errorf("round trip = %v, want %v", got, texels)
	}
	if row0 := d.TextureData(tex, 0, 0)[:16]; !bytes.Equal(row0, make([]byte, 16)) {
		t.Errorf("row 0 touched: %v", row0)
	}
}

func TestRenderPassClearAndDiscard(t *testing.T) {
	d := openDevice(t)
	newTex := func(label string) backend.Object {
		tex, err := d.CreateTexture(&backend.TextureDescriptor{
			Label:  label,
			Size:   gputypes.Extent3D{Width: 2, Height: 2, DepthOrArrayLayers: 1},
			Format: gputypes.TextureFormatBGRA8Unorm,
		})
		if err != nil {
			t.Fatal(err)
		}
		return tex
	}
	kept, dropped := newTex("kept"), newTex("dropped")

	var l backend.CommandList
	l.Append(
		backend.BeginRenderPass{Color: []backend.ColorAttachment{
			{Texture: kept, LoadOp: gputypes.LoadOpClear, StoreOp: gputypes.StoreOpStore, ClearValue: gputypes.Color{R: 1, A: 1}},
			{Texture: dropped, LoadOp: gputypes.LoadOpClear, StoreOp: gputypes.StoreOpDiscard, ClearValue: gputypes.Color{G: 1}},
		}},
		backend.EndPass{},
	)
	submitAndWait(t, d, &l)

	if got := d.TextureData(kept, 0, 0)[:4]; !bytes.Equal(got, []byte{0, 0, 255, 255}) {
		t.Errorf("kept texel = %v, want BGRA red", got)
	}
	if got := d.TextureData(dropped, 0, 0); !bytes.Equal(got, make([]byte, 16)) {
		t.Errorf("discarded texels = %v", got)
	}
}

func TestKernelDispatch(t *testing.T) {
	var calls int
	d := openDevice(t, WithKernel("double", func(groups [][]Binding, x, _, _ uint32) {
		calls++
		data := groups[0][0].Data
		for i := uint32(0); i < x; i++ {
			data[i] *= 2
		}
	}))
	buf := mustBuffer(t, d, "data", 4)
	pipe, err := d.CreateComputePipeline(&backend.ComputePipelineDescriptor{EntryPoint: "double"})
	if err != nil {
		t.Fatal(err)
	}
	group, err := d.CreateBindGroup(&backend.BindGroupDescriptor{
		Entries: []backend.BindGroupEntry{{Binding: 0, Buffer: buf}},
	})
	if err != nil {
		t.Fatal(err)
	}

	var l backend.CommandList
	l.Append(
		backend.WriteBuffer{Buffer: buf, Data: []byte{1, 2, 3, 4}},
		backend.BeginComputePass{},
		backend.SetPipeline{Pipeline: pipe, Compute: true},
		backend.SetBindGroup{Index: 0, Group: group},
		backend.Dispatch{X: 4, Y: 1, Z: 1},
		backend.EndPass{},
	)
	submitAndWait(t, d, &l)

	if calls != 1 {
		t.Errorf("kernel ran %d times", calls)
	}
	if got := d.BufferData(buf); !bytes.Equal(got, []byte{2, 4, 6, 8}) {
		t.Errorf("data = %v", got)
	}
}

func TestMemoryBudget(t *testing.T) {
	d := openDevice(t, WithMemoryBudget(1024))

	a := mustBuffer(t, d, "a", 768)
	if _, err := d.CreateBuffer(&backend.BufferDescriptor{Size: 512}); !errors.Is(err, backend.ErrOutOfMemory) {
		t.Fatalf("over-budget CreateBuffer error = %v", err)
	}

	d.DestroyBuffer(a)
	if _, err := d.CreateBuffer(&backend.BufferDescriptor{Size: 512}); err != nil {
		t.Errorf("CreateBuffer after free: %v", err)
	}
	if s := d.Stats(); s.UsedBytes != 512 || s.Buffers != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestFIFOCompletion(t *testing.T) {
	d := openDevice(t)
	f, _ := d.CreateFence()

	d.Pause()
	for v := uint64(1); v <= 3; v++ {
		if err := d.Submit(0, nil, backend.FenceSignal{Fence: f, Value: v}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if v, _ := d.FenceValue(f); v != 0 {
		t.Fatalf("paused queue signaled %d", v)
	}
	if ok, err := d.Wait(f, 1, 10*time.Millisecond); ok || err != nil {
		t.Fatalf("Wait on paused queue = %v, %v; want timeout", ok, err)
	}

	d.Resume()
	if ok, err := d.Wait(f, 3, 5*time.Second); !ok || err != nil {
		t.Fatalf("Wait(3) = %v, %v", ok, err)
	}
}

func TestCrossQueueWait(t *testing.T) {
	d := openDevice(t, WithQueues(2))
	f0, _ := d.CreateFence()
	f1, _ := d.CreateFence()

	d.queues[0].setPaused(true)
	if err := d.Submit(0, nil, backend.FenceSignal{Fence: f0, Value: 1}, nil); err != nil {
		t.Fatal(err)
	}
	waits := []backend.FenceWait{{Fence: f0, Value: 1}}
	if err := d.Submit(1, nil, backend.FenceSignal{Fence: f1, Value: 1}, waits); err != nil {
		t.Fatal(err)
	}
	if ok, _ := d.Wait(f1, 1, 20*time.Millisecond); ok {
		t.Fatal("queue 1 ran before the queue 0 work it waits on")
	}
	d.queues[0].setPaused(false)
	if ok, err := d.Wait(f1, 1, 5*time.Second); !ok || err != nil {
		t.Fatalf("Wait = %v, %v", ok, err)
	}
}

func TestLoseWhilePending(t *testing.T) {
	d := openDevice(t)
	f, _ := d.CreateFence()

	d.Pause()
	if err := d.Submit(0, nil, backend.FenceSignal{Fence: f, Value: 1}, nil); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := d.Wait(f, 1, time.Minute)
		done <- err
	}()

	d.Lose()
	select {
	case err := <-done:
		if !errors.Is(err, backend.ErrDeviceLost) {
			t.Errorf("Wait error = %v, want ErrDeviceLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not observe device loss")
	}

	select {
	case <-d.Lost():
	default:
		t.Error("Lost channel not closed")
	}
	if _, err := d.CreateBuffer(&backend.BufferDescriptor{Size: 4}); !errors.Is(err, backend.ErrDeviceLost) {
		t.Errorf("CreateBuffer after loss = %v", err)
	}
	if err := d.Submit(0, nil, backend.FenceSignal{}, nil); !errors.Is(err, backend.ErrDeviceLost) {
		t.Errorf("Submit after loss = %v", err)
	}
}

func TestNonBlockingWait(t *testing.T) {
	d := openDevice(t, WithBlockingWait(false))
	f, _ := d.CreateFence()
	d.Pause()
	_ = d.Submit(0, nil, backend.FenceSignal{Fence: f, Value: 1}, nil)

	start := time.Now()
	ok, err := d.Wait(f, 1, time.Minute)
	if ok || err != nil {
		t.Errorf("Wait = %v, %v", ok, err)
	}
	if time.Since(start) > time.Second {
		t.Error("non-blocking Wait blocked")
	}
	d.Resume()
}

func TestShaderFormat(t *testing.T) {
	wgsl := openDevice(t)
	if _, err := wgsl.CreateShaderModule(&backend.ShaderModuleDescriptor{SPIRV: []uint32{0x07230203}}); !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("WGSL device accepted SPIR-V only module: %v", err)
	}
	spirv := openDevice(t, WithShaderFormat(backend.ShaderSPIRV))
	if _, err := spirv.CreateShaderModule(&backend.ShaderModuleDescriptor{SPIRV: []uint32{0x07230203}}); err != nil {
		t.Errorf("SPIR-V device rejected module: %v", err)
	}
}

func TestCallLog(t *testing.T) {
	d := openDevice(t)
	buf := mustBuffer(t, d, "logged", 4)
	var l backend.CommandList
	l.Append(
		backend.Barrier{Buffers: []backend.BufferBarrier{{Buffer: buf}}},
		backend.ClearBuffer{Buffer: buf, Size: 4},
	)
	submitAndWait(t, d, &l)
	d.DestroyBuffer(buf)

	var ops []string
	for _, c := range d.Calls() {
		ops = append(ops, c.Op)
	}
	want := []string{"CreateBuffer", "Submit", "Barrier", "ClearBuffer", "DestroyBuffer"}
	if len(ops) != len(want) {
		t.Fatalf("calls = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("calls[%d] = %s, want %s", i, ops[i], want[i])
		}
	}

	d.ResetCalls()
	if len(d.Calls()) != 0 {
		t.Error("ResetCalls left entries")
	}
}
