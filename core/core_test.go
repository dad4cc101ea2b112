// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpurt/backend"
	"github.com/gogpu/gpurt/backend/soft"
	"github.com/gogpu/gpurt/id"
)

const testTimeout = 5 * time.Second

// newTestDevice opens a soft device with two queues and wraps it. The soft
// device is returned for fault injection and call inspection.
func newTestDevice(t *testing.T, softOpts []soft.Option, opts ...Option) (*Device, *soft.Device) {
	t.Helper()
	raw, err := soft.New(softOpts...).OpenDevice(0, backend.DeviceRequest{Label: t.Name(), Queues: 2})
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	opts = append([]Option{WithLabel(t.Name()), WithQueues(2), WithFenceTimeout(testTimeout)}, opts...)
	d, err := WrapDevice(soft.Name, raw, opts...)
	if err != nil {
		raw.Destroy()
		t.Fatalf("WrapDevice: %v", err)
	}
	t.Cleanup(func() {
		raw.Resume()
		d.Destroy()
	})
	return d, raw
}

func mustBuffer(t *testing.T, d *Device, label string, size uint64, usage gputypes.BufferUsage) id.Handle {
	t.Helper()
	h, err := d.CreateBuffer(BufferDescriptor{Label: label, Size: size, Usage: usage})
	if err != nil {
		t.Fatalf("CreateBuffer(%s): %v", label, err)
	}
	return h
}

func mustTexture(t *testing.T, d *Device, label string, w, h uint32, usage gputypes.TextureUsage) id.Handle {
	t.Helper()
	th, err := d.CreateTexture(TextureDescriptor{
		Label:     label,
		Size:      gputypes.Extent3D{Width: w, Height: h},
		Dimension: gputypes.TextureDimension2D,
		Format:    gputypes.TextureFormatRGBA8Unorm,
		Usage:     usage,
	})
	if err != nil {
		t.Fatalf("CreateTexture(%s): %v", label, err)
	}
	return th
}

func mustEncoder(t *testing.T, d *Device, label string) *CommandEncoder {
	t.Helper()
	e, err := d.CreateCommandEncoder(label)
	if err != nil {
		t.Fatalf("CreateCommandEncoder(%s): %v", label, err)
	}
	return e
}

func mustFinish(t *testing.T, e *CommandEncoder) id.Handle {
	t.Helper()
	h, err := e.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return h
}

func mustSubmit(t *testing.T, d *Device, queue int, cbs ...id.Handle) SubmissionIndex {
	t.Helper()
	idx, err := d.Queue(queue).Submit(cbs...)
	if err != nil {
		t.Fatalf("Submit on queue %d: %v", queue, err)
	}
	return idx
}

func mustWait(t *testing.T, d *Device, queue int, idx SubmissionIndex) {
	t.Helper()
	if err := d.Queue(queue).Wait(idx, testTimeout); err != nil {
		t.Fatalf("Wait(%d) on queue %d: %v", idx, queue, err)
	}
}

func info(t *testing.T, d *Device, h id.Handle) CommandBufferInfo {
	t.Helper()
	i, err := d.CommandBufferInfo(h)
	if err != nil {
		t.Fatalf("CommandBufferInfo: %v", err)
	}
	return i
}

func wantValidation(t *testing.T, err error) {
	t.Helper()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
}

func wantStale(t *testing.T, err error) {
	t.Helper()
	var se *StaleHandleError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StaleHandleError", err)
	}
}

// storageKernel is a compute pipeline reading group 0 binding 0 and, when
// writable is set, writing binding 1.
type storageKernel struct {
	layout         id.Handle
	pipelineLayout id.Handle
	module         id.Handle
	pipeline       id.Handle
	writable       bool
}

const kernelWGSL = `@compute @workgroup_size(1) fn main() {}`

func newStorageKernel(t *testing.T, d *Device, entry string, writable bool) storageKernel {
	t.Helper()
	entries := []gputypes.BindGroupLayoutEntry{{
		Binding:    0,
		Visibility: gputypes.ShaderStageCompute,
		Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage},
	}}
	if writable {
		entries = append(entries, gputypes.BindGroupLayoutEntry{
			Binding:    1,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		})
	}
	bgl, err := d.CreateBindGroupLayout(BindGroupLayoutDescriptor{Label: entry, Entries: entries})
	if err != nil {
		t.Fatalf("CreateBindGroupLayout: %v", err)
	}
	pl, err := d.CreatePipelineLayout(PipelineLayoutDescriptor{Label: entry, BindGroupLayouts: []id.Handle{bgl}})
	if err != nil {
		t.Fatalf("CreatePipelineLayout: %v", err)
	}
	mod, err := d.CreateShaderModule(ShaderModuleDescriptor{Label: entry, WGSL: kernelWGSL})
	if err != nil {
		t.Fatalf("CreateShaderModule: %v", err)
	}
	p, err := d.CreateComputePipeline(ComputePipelineDescriptor{Label: entry, Layout: pl, Module: mod, EntryPoint: entry})
	if err != nil {
		t.Fatalf("CreateComputePipeline: %v", err)
	}
	return storageKernel{layout: bgl, pipelineLayout: pl, module: mod, pipeline: p, writable: writable}
}

func (k storageKernel) group(t *testing.T, d *Device, in, out id.Handle) id.Handle {
	t.Helper()
	entries := []BindGroupEntry{{Binding: 0, Buffer: in}}
	if k.writable {
		entries = append(entries, BindGroupEntry{Binding: 1, Buffer: out})
	}
	g, err := d.CreateBindGroup(BindGroupDescriptor{Layout: k.layout, Entries: entries})
	if err != nil {
		t.Fatalf("CreateBindGroup: %v", err)
	}
	return g
}

// dispatch records one compute pass running k once with group g.
func (k storageKernel) dispatch(t *testing.T, e *CommandEncoder, g id.Handle) {
	t.Helper()
	cp, err := e.BeginComputePass("dispatch")
	if err != nil {
		t.Fatalf("BeginComputePass: %v", err)
	}
	if err := cp.SetPipeline(k.pipeline); err != nil {
		t.Fatalf("SetPipeline: %v", err)
	}
	if err := cp.SetBindGroup(0, g); err != nil {
		t.Fatalf("SetBindGroup: %v", err)
	}
	if err := cp.Dispatch(1, 1, 1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := cp.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

// ops returns the operations the soft device executed on queue, in order.
func ops(raw *soft.Device, queue int) []string {
	var out []string
	for _, c := range raw.Calls() {
		if c.Queue == queue {
			out = append(out, c.Op)
		}
	}
	return out
}

func indexOf(list []string, op string) int {
	for i, s := range list {
		if s == op {
			return i
		}
	}
	return -1
}
