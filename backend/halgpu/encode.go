// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package halgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpurt/backend"
	"github.com/gogpu/gpurt/track"
)

// zeroChunk is the size of the zero buffer clears copy from.
const zeroChunk = 64 << 10

// pendingWrite is a WriteBuffer hoisted out of a command list; the hal
// applies queue writes before the next submission. Only writes that precede
// every encoded command of a list can be hoisted.
type pendingWrite struct {
	buf    *buffer
	offset uint64
	data   []byte
}

// encoder translates one CommandList.
type encoder struct {
	d   *Device
	enc hal.CommandEncoder

	render  hal.RenderPassEncoder
	compute hal.ComputePassEncoder
	label   string

	// Compute binding state, restored when a barrier splits the pass.
	pipeline hal.ComputePipeline
	groups   map[uint32]hal.BindGroup

	writes  []pendingWrite
	started bool
}

// Submit translates lists, applies their hoisted writes and submits them
// on the hal queue, signaling the fence with signal.Value. Waits are
// already satisfied because the device has a single queue.
func (d *Device) Submit(queue int, lists []*backend.CommandList, signal backend.FenceSignal, _ []backend.FenceWait) error {
	if err := d.checkLost(); err != nil {
		return err
	}
	if queue != 0 {
		return fmt.Errorf("halgpu: queue %d: %w", queue, backend.ErrUnsupported)
	}
	f, ok := signal.Fence.(*fence)
	if !ok {
		return fmt.Errorf("halgpu: submit fence: %w", errWrongObject)
	}

	d.encodeMu.Lock()
	defer d.encodeMu.Unlock()

	var (
		bufs   []hal.CommandBuffer
		writes []pendingWrite
	)
	free := func() {
		for _, cb := range bufs {
			d.device.FreeCommandBuffer(cb)
		}
	}
	for _, l := range lists {
		cb, w, err := d.encode(l)
		if err != nil {
			free()
			return err
		}
		bufs = append(bufs, cb)
		writes = append(writes, w...)
	}

	for _, w := range writes {
		d.queue.WriteBuffer(w.buf.raw, w.offset, w.data)
	}
	if err := d.queue.Submit(bufs, f.raw, signal.Value); err != nil {
		free()
		return fmt.Errorf("halgpu: submit: %w", err)
	}

	f.mu.Lock()
	f.pending = append(f.pending, signal.Value)
	f.mu.Unlock()

	d.mu.Lock()
	d.inflight = append(d.inflight, inflight{fence: f, value: signal.Value, bufs: bufs})
	d.mu.Unlock()

	slogger().Debug("halgpu: submitted", "lists", len(lists), "signal", signal.Value)
	return nil
}

func (d *Device) encode(l *backend.CommandList) (hal.CommandBuffer, []pendingWrite, error) {
	enc, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: l.Label})
	if err != nil {
		return nil, nil, fmt.Errorf("halgpu: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(l.Label); err != nil {
		return nil, nil, fmt.Errorf("halgpu: begin encoding: %w", err)
	}

	e := &encoder{d: d, enc: enc, groups: make(map[uint32]hal.BindGroup)}
	for _, cmd := range l.Commands {
		if err := e.command(cmd); err != nil {
			enc.DiscardEncoding()
			return nil, nil, fmt.Errorf("halgpu: %s: %w", cmd.Name(), err)
		}
	}
	cb, err := enc.EndEncoding()
	if err != nil {
		return nil, nil, fmt.Errorf("halgpu: end encoding: %w", err)
	}
	return cb, e.writes, nil
}

//nolint:gocyclo,cyclop // one case per command type
func (e *encoder) command(cmd backend.Command) error {
	if w, ok := cmd.(backend.WriteBuffer); ok {
		if e.started {
			return backend.ErrUnsupported
		}
		b, ok := w.Buffer.(*buffer)
		if !ok {
			return errWrongObject
		}
		e.writes = append(e.writes, pendingWrite{buf: b, offset: w.Offset, data: w.Data})
		return nil
	}

	switch c := cmd.(type) {
	case backend.PushDebugGroup, backend.PopDebugGroup:
		return nil
	case backend.Barrier:
		return e.barrier(c)
	}
	e.started = true

	switch c := cmd.(type) {
	case backend.BeginRenderPass:
		desc, err := renderPassDescriptor(c)
		if err != nil {
			return err
		}
		e.render = e.enc.BeginRenderPass(desc)

	case backend.BeginComputePass:
		e.label = c.Label
		e.pipeline = nil
		clear(e.groups)
		e.compute = e.enc.BeginComputePass(&hal.ComputePassDescriptor{Label: c.Label})

	case backend.EndPass:
		switch {
		case e.render != nil:
			e.render.End()
			e.render = nil
		case e.compute != nil:
			e.compute.End()
			e.compute = nil
		}

	case backend.SetPipeline:
		if c.Compute {
			p, ok := c.Pipeline.(hal.ComputePipeline)
			if !ok || e.compute == nil {
				return errWrongObject
			}
			e.pipeline = p
			e.compute.SetPipeline(p)
			return nil
		}
		p, ok := c.Pipeline.(hal.RenderPipeline)
		if !ok || e.render == nil {
			return errWrongObject
		}
		e.render.SetPipeline(p)

	case backend.SetBindGroup:
		g, ok := c.Group.(hal.BindGroup)
		if !ok {
			return errWrongObject
		}
		switch {
		case e.compute != nil:
			e.groups[c.Index] = g
			e.compute.SetBindGroup(c.Index, g, nil)
		case e.render != nil:
			e.render.SetBindGroup(c.Index, g, nil)
		default:
			return errWrongObject
		}

	case backend.SetVertexBuffer:
		b, ok := c.Buffer.(*buffer)
		if !ok || e.render == nil {
			return errWrongObject
		}
		e.render.SetVertexBuffer(c.Slot, b.raw, c.Offset)

	case backend.Draw:
		if e.render == nil {
			return errWrongObject
		}
		e.render.Draw(c.VertexCount, c.InstanceCount, c.FirstVertex, c.FirstInstance)

	case backend.Dispatch:
		if e.compute == nil {
			return errWrongObject
		}
		e.compute.Dispatch(c.X, c.Y, c.Z)

	case backend.CopyBufferToBuffer:
		src, ok1 := c.Src.(*buffer)
		dst, ok2 := c.Dst.(*buffer)
		if !ok1 || !ok2 {
			return errWrongObject
		}
		e.enc.CopyBufferToBuffer(src.raw, dst.raw, []hal.BufferCopy{
			{SrcOffset: c.SrcOffset, DstOffset: c.DstOffset, Size: c.Size},
		})

	case backend.CopyTextureToBuffer:
		src, ok1 := c.Src.Texture.(*texture)
		dst, ok2 := c.Dst.(*buffer)
		if !ok1 || !ok2 {
			return errWrongObject
		}
		if c.Src.Origin != (gputypes.Origin3D{}) {
			return fmt.Errorf("copy origin %v: %w", c.Src.Origin, backend.ErrUnsupported)
		}
		e.enc.CopyTextureToBuffer(src.raw, dst.raw, []hal.BufferTextureCopy{{
			BufferLayout: hal.ImageDataLayout{
				Offset:       c.Layout.Offset,
				BytesPerRow:  c.Layout.BytesPerRow,
				RowsPerImage: c.Layout.RowsPerImage,
			},
			TextureBase: hal.ImageCopyTexture{Texture: src.raw, MipLevel: c.Src.MipLevel},
			Size: hal.Extent3D{
				Width:              c.Size.Width,
				Height:             c.Size.Height,
				DepthOrArrayLayers: max(c.Size.DepthOrArrayLayers, 1),
			},
		}})

	case backend.ClearBuffer:
		b, ok := c.Buffer.(*buffer)
		if !ok {
			return errWrongObject
		}
		return e.clearBuffer(b, c.Offset, c.Size)

	case backend.ClearTexture:
		t, ok := c.Texture.(*texture)
		if !ok {
			return errWrongObject
		}
		return e.clearTexture(t, c.MipLevel, c.Layer)

	default:
		return backend.ErrUnsupported
	}
	return nil
}

// barrier emits texture transitions. Buffer hazards are covered by the
// synchronization the hal inserts at pass boundaries, so a barrier inside
// a compute pass splits the pass and restores its bindings.
func (e *encoder) barrier(b backend.Barrier) error {
	if b.Empty() {
		return nil
	}
	if e.render != nil {
		return fmt.Errorf("barrier inside render pass: %w", backend.ErrUnsupported)
	}
	split := e.compute != nil
	if split {
		e.compute.End()
		e.compute = nil
	}

	if len(b.Textures) > 0 {
		barriers := make([]hal.TextureBarrier, 0, len(b.Textures))
		for _, tb := range b.Textures {
			t, ok := tb.Texture.(*texture)
			if !ok {
				return errWrongObject
			}
			old := textureUsage(tb.From)
			if tb.From&track.Unknown != 0 {
				old = t.usage
			}
			next := textureUsage(tb.To)
			barriers = append(barriers, hal.TextureBarrier{
				Texture: t.raw,
				Usage:   hal.TextureUsageTransition{OldUsage: old, NewUsage: next},
			})
			t.usage = next
		}
		e.enc.TransitionTextures(barriers)
		e.started = true
	}

	if split {
		e.compute = e.enc.BeginComputePass(&hal.ComputePassDescriptor{Label: e.label})
		if e.pipeline != nil {
			e.compute.SetPipeline(e.pipeline)
		}
		for i, g := range e.groups {
			e.compute.SetBindGroup(i, g, nil)
		}
	}
	return nil
}

// textureUsage maps tracked accesses onto hal usage flags.
func textureUsage(u track.Uses) gputypes.TextureUsage {
	var out gputypes.TextureUsage
	if u&track.CopySrc != 0 {
		out |= gputypes.TextureUsageCopySrc
	}
	if u&track.CopyDst != 0 {
		out |= gputypes.TextureUsageCopyDst
	}
	if u&track.Resource != 0 {
		out |= gputypes.TextureUsageTextureBinding
	}
	if u&(track.StorageRead|track.StorageWrite) != 0 {
		out |= gputypes.TextureUsageStorageBinding
	}
	if u&(track.ColorTarget|track.DepthStencilRead|track.DepthStencilWrite) != 0 {
		out |= gputypes.TextureUsageRenderAttachment
	}
	return out
}

func renderPassDescriptor(c backend.BeginRenderPass) (*hal.RenderPassDescriptor, error) {
	desc := &hal.RenderPassDescriptor{Label: c.Label}
	for _, a := range c.Color {
		t, ok := a.Texture.(*texture)
		if !ok || t.view == nil {
			return nil, errWrongObject
		}
		if a.MipLevel != 0 || a.Layer != 0 {
			return nil, fmt.Errorf("attachment mip %d layer %d: %w", a.MipLevel, a.Layer, backend.ErrUnsupported)
		}
		desc.ColorAttachments = append(desc.ColorAttachments, hal.RenderPassColorAttachment{
			View:       t.view,
			LoadOp:     a.LoadOp,
			StoreOp:    a.StoreOp,
			ClearValue: a.ClearValue,
		})
	}
	if ds := c.DepthStencil; ds != nil {
		t, ok := ds.Texture.(*texture)
		if !ok || t.view == nil {
			return nil, errWrongObject
		}
		att := &hal.RenderPassDepthStencilAttachment{
			View:              t.view,
			DepthLoadOp:       ds.DepthLoadOp,
			DepthStoreOp:      ds.DepthStoreOp,
			StencilLoadOp:     gputypes.LoadOpClear,
			StencilStoreOp:    gputypes.StoreOpStore,
			StencilClearValue: 0,
		}
		setFloat(&att.DepthClearValue, ds.DepthClearValue)
		desc.DepthStencilAttachment = att
	}
	return desc, nil
}

func setFloat[F float32 | float64](dst *F, v float32) { *dst = F(v) }

// clearBuffer copies from the device's zero buffer in chunks.
func (e *encoder) clearBuffer(b *buffer, offset, size uint64) error {
	zero, err := e.d.zeroBuffer()
	if err != nil {
		return err
	}
	for done := uint64(0); done < size; {
		n := min(size-done, zeroChunk)
		e.enc.CopyBufferToBuffer(zero, b.raw, []hal.BufferCopy{
			{SrcOffset: 0, DstOffset: offset + done, Size: n},
		})
		done += n
	}
	return nil
}

// clearTexture zeroes a render attachment with a clearing render pass.
func (e *encoder) clearTexture(t *texture, mip, layer uint32) error {
	if t.view == nil || mip != 0 || layer != 0 {
		return fmt.Errorf("clear of non-attachment texture %q: %w", t.desc.Label, backend.ErrUnsupported)
	}
	desc := &hal.RenderPassDescriptor{Label: "clear_" + t.desc.Label}
	if backend.IsDepthFormat(t.desc.Format) {
		desc.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:              t.view,
			DepthLoadOp:       gputypes.LoadOpClear,
			DepthStoreOp:      gputypes.StoreOpStore,
			DepthClearValue:   0,
			StencilLoadOp:     gputypes.LoadOpClear,
			StencilStoreOp:    gputypes.StoreOpStore,
			StencilClearValue: 0,
		}
	} else {
		desc.ColorAttachments = []hal.RenderPassColorAttachment{{
			View:       t.view,
			LoadOp:     gputypes.LoadOpClear,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: gputypes.Color{},
		}}
	}
	rp := e.enc.BeginRenderPass(desc)
	rp.End()
	return nil
}

// zeroBuffer returns the zero-filled copy source used by clears, creating
// it on first use.
func (d *Device) zeroBuffer() (hal.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.zero != nil {
		return d.zero, nil
	}
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: "halgpu_zero",
		Size:  zeroChunk,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("zero buffer: %w", err)
	}
	d.queue.WriteBuffer(buf, 0, make([]byte, zeroChunk))
	d.zero = buf
	return buf, nil
}
