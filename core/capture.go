// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"fmt"
	"io"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpurt/id"
	"github.com/gogpu/gpurt/trace"
	"github.com/gogpu/gpurt/track"
)

// Trace arguments of recording and queue operations. Encoder numbers the
// encoder a command belongs to in creation order.
type (
	encoderArgs struct {
		Encoder uint64 `json:"encoder"`
		Label   string `json:"label,omitempty"`
	}

	renderPassArgs struct {
		Encoder uint64               `json:"encoder"`
		Pass    RenderPassDescriptor `json:"pass"`
	}

	bindArgs struct {
		Encoder uint64               `json:"encoder"`
		Object  id.Handle            `json:"object"`
		Index   uint32               `json:"index,omitempty"`
		Offset  uint64               `json:"offset,omitempty"`
		Format  gputypes.IndexFormat `json:"format,omitempty"`
	}

	drawArgs struct {
		Encoder       uint64 `json:"encoder"`
		Count         uint32 `json:"count"`
		InstanceCount uint32 `json:"instance_count"`
		First         uint32 `json:"first,omitempty"`
		BaseVertex    int32  `json:"base_vertex,omitempty"`
		FirstInstance uint32 `json:"first_instance,omitempty"`
	}

	dispatchArgs struct {
		Encoder uint64 `json:"encoder"`
		X       uint32 `json:"x"`
		Y       uint32 `json:"y"`
		Z       uint32 `json:"z"`
	}

	bufferCopyArgs struct {
		Encoder   uint64    `json:"encoder"`
		Src       id.Handle `json:"src"`
		SrcOffset uint64    `json:"src_offset,omitempty"`
		Dst       id.Handle `json:"dst"`
		DstOffset uint64    `json:"dst_offset,omitempty"`
		Size      uint64    `json:"size"`
	}

	textureCopyArgs struct {
		Encoder    uint64            `json:"encoder"`
		SrcBuffer  *ImageCopyBuffer  `json:"src_buffer,omitempty"`
		SrcTexture *ImageCopyTexture `json:"src_texture,omitempty"`
		DstBuffer  *ImageCopyBuffer  `json:"dst_buffer,omitempty"`
		DstTexture *ImageCopyTexture `json:"dst_texture,omitempty"`
		Size       gputypes.Extent3D `json:"size"`
	}

	waitArgs struct {
		Encoder uint64          `json:"encoder"`
		Queue   int             `json:"queue"`
		Index   SubmissionIndex `json:"index"`
	}

	writeArgs struct {
		Queue  int       `json:"queue"`
		Buffer id.Handle `json:"buffer"`
		Offset uint64    `json:"offset,omitempty"`
		Data   []byte    `json:"data"`
	}

	submitArgs struct {
		Queue          int         `json:"queue"`
		CommandBuffers []id.Handle `json:"command_buffers"`
	}
)

// ReplayResult is what a replay produced.
type ReplayResult struct {
	// Handles maps every handle created in the trace to its replayed
	// counterpart.
	Handles map[id.Handle]id.Handle

	// CommandBuffers lists the replayed command buffers in Finish order.
	CommandBuffers []id.Handle

	// Transitions holds, per finished command buffer in Finish order, the
	// transitions recorded between its commands. Resources are named by
	// their captured handles so runs compare directly.
	Transitions [][]track.Transition

	// Submissions counts the successful submissions.
	Submissions int
}

// replayer applies trace entries to a device.
type replayer struct {
	dev      *Device
	res      *ReplayResult
	captured map[id.Handle]id.Handle // replayed → captured
	encoders map[uint64]*CommandEncoder
	render   map[uint64]*RenderPass
	compute  map[uint64]*ComputePass
}

// Replay executes the operations of a trace against d, in order. Recording
// calls that failed when captured fail the same way here and are not
// errors; a resource creation or device failure stops the replay.
func Replay(d *Device, r *trace.Reader) (*ReplayResult, error) {
	rp := &replayer{
		dev:      d,
		res:      &ReplayResult{Handles: make(map[id.Handle]id.Handle)},
		captured: make(map[id.Handle]id.Handle),
		encoders: make(map[uint64]*CommandEncoder),
		render:   make(map[uint64]*RenderPass),
		compute:  make(map[uint64]*ComputePass),
	}
	for {
		e, err := r.Next()
		if errors.Is(err, io.EOF) {
			return rp.res, nil
		}
		if err != nil {
			return rp.res, err
		}
		if err := rp.apply(&e); err != nil {
			return rp.res, fmt.Errorf("core: replay entry %d (%s): %w", e.Seq, e.Op, err)
		}
	}
}

// m maps a captured handle to its replayed counterpart.
func (rp *replayer) m(h id.Handle) id.Handle {
	if r, ok := rp.res.Handles[h]; ok {
		return r
	}
	return h
}

func (rp *replayer) created(captured, replayed id.Handle) {
	rp.res.Handles[captured] = replayed
	rp.captured[replayed] = captured
}

func (rp *replayer) encoder(seq uint64) (*CommandEncoder, error) {
	e, ok := rp.encoders[seq]
	if !ok {
		return nil, fmt.Errorf("unknown encoder %d", seq)
	}
	return e, nil
}

// recording drops errors a recording call is allowed to return: the
// encoder keeps them and Finish reports them.
func recording(err error) error {
	var ve *ValidationError
	var se *StaleHandleError
	if err == nil || errors.As(err, &ve) || errors.As(err, &se) {
		return nil
	}
	return err
}

func (rp *replayer) create(e *trace.Entry, desc any, fn func() (id.Handle, error)) error {
	if err := e.Decode(desc); err != nil {
		return err
	}
	h, err := fn()
	if err != nil {
		return err
	}
	rp.created(e.Handle(0), h)
	return nil
}

func (rp *replayer) apply(e *trace.Entry) error {
	d := rp.dev
	switch e.Op {
	case trace.OpCreateBuffer:
		var desc BufferDescriptor
		return rp.create(e, &desc, func() (id.Handle, error) { return d.CreateBuffer(desc) })
	case trace.OpCreateTexture:
		var desc TextureDescriptor
		return rp.create(e, &desc, func() (id.Handle, error) { return d.CreateTexture(desc) })
	case trace.OpCreateSampler:
		var desc SamplerDescriptor
		return rp.create(e, &desc, func() (id.Handle, error) { return d.CreateSampler(desc) })
	case trace.OpCreateShaderModule:
		var desc ShaderModuleDescriptor
		return rp.create(e, &desc, func() (id.Handle, error) { return d.CreateShaderModule(desc) })
	case trace.OpCreateBindGroupLayout:
		var desc BindGroupLayoutDescriptor
		return rp.create(e, &desc, func() (id.Handle, error) { return d.CreateBindGroupLayout(desc) })
	case trace.OpCreatePipelineLayout:
		var desc PipelineLayoutDescriptor
		return rp.create(e, &desc, func() (id.Handle, error) {
			for i, l := range desc.BindGroupLayouts {
				desc.BindGroupLayouts[i] = rp.m(l)
			}
			return d.CreatePipelineLayout(desc)
		})
	case trace.OpCreateBindGroup:
		var desc BindGroupDescriptor
		return rp.create(e, &desc, func() (id.Handle, error) {
			desc.Layout = rp.m(desc.Layout)
			for i := range desc.Entries {
				en := &desc.Entries[i]
				en.Buffer, en.Texture, en.Sampler = rp.m(en.Buffer), rp.m(en.Texture), rp.m(en.Sampler)
			}
			return d.CreateBindGroup(desc)
		})
	case trace.OpCreateComputePipeline:
		var desc ComputePipelineDescriptor
		return rp.create(e, &desc, func() (id.Handle, error) {
			desc.Layout, desc.Module = rp.m(desc.Layout), rp.m(desc.Module)
			return d.CreateComputePipeline(desc)
		})
	case trace.OpCreateRenderPipeline:
		var desc RenderPipelineDescriptor
		return rp.create(e, &desc, func() (id.Handle, error) {
			desc.Layout, desc.Vertex.Module = rp.m(desc.Layout), rp.m(desc.Vertex.Module)
			if desc.Fragment != nil {
				desc.Fragment.Module = rp.m(desc.Fragment.Module)
			}
			return d.CreateRenderPipeline(desc)
		})
	case trace.OpDestroy:
		return d.Free(rp.m(e.Handle(0)))
	case trace.OpDiscardCommandBuffer:
		return recording(d.DiscardCommandBuffer(rp.m(e.Handle(0))))

	case trace.OpWriteBuffer:
		var a writeArgs
		if err := e.Decode(&a); err != nil {
			return err
		}
		q := d.Queue(a.Queue)
		if q == nil {
			return fmt.Errorf("queue %d out of range", a.Queue)
		}
		return recording(q.WriteBuffer(rp.m(a.Buffer), a.Offset, a.Data))
	case trace.OpSubmit:
		var a submitArgs
		if err := e.Decode(&a); err != nil {
			return err
		}
		q := d.Queue(a.Queue)
		if q == nil {
			return fmt.Errorf("queue %d out of range", a.Queue)
		}
		cbs := make([]id.Handle, len(a.CommandBuffers))
		for i, h := range a.CommandBuffers {
			cbs[i] = rp.m(h)
		}
		if _, err := q.Submit(cbs...); err != nil {
			return recording(err)
		}
		rp.res.Submissions++
		return nil

	case trace.OpCreateCommandEncoder:
		var a encoderArgs
		if err := e.Decode(&a); err != nil {
			return err
		}
		enc, err := d.CreateCommandEncoder(a.Label)
		if err != nil {
			return err
		}
		rp.encoders[a.Encoder] = enc
		return nil
	case trace.OpFinish:
		var a encoderArgs
		if err := e.Decode(&a); err != nil {
			return err
		}
		enc, err := rp.encoder(a.Encoder)
		if err != nil {
			return err
		}
		delete(rp.encoders, a.Encoder)
		h, err := enc.Finish()
		if h.IsZero() {
			return err
		}
		rp.created(e.Handle(0), h)
		rp.res.CommandBuffers = append(rp.res.CommandBuffers, h)
		ts := make([]track.Transition, len(enc.transitions))
		for i, t := range enc.transitions {
			t.Resource = rp.captured[t.Resource]
			ts[i] = t
		}
		rp.res.Transitions = append(rp.res.Transitions, ts)
		return nil
	}
	return rp.command(e)
}

// command replays an encoder or pass command.
func (rp *replayer) command(e *trace.Entry) error {
	var seq struct {
		Encoder uint64 `json:"encoder"`
	}
	if err := e.Decode(&seq); err != nil {
		return err
	}
	enc, err := rp.encoder(seq.Encoder)
	if err != nil {
		return err
	}
	rpass, cpass := rp.render[seq.Encoder], rp.compute[seq.Encoder]

	switch e.Op {
	case trace.OpBeginRenderPass:
		var a renderPassArgs
		if err := e.Decode(&a); err != nil {
			return err
		}
		for i := range a.Pass.ColorAttachments {
			c := &a.Pass.ColorAttachments[i]
			c.Texture = rp.m(c.Texture)
		}
		if ds := a.Pass.DepthStencilAttachment; ds != nil {
			ds.Texture = rp.m(ds.Texture)
		}
		p, err := enc.BeginRenderPass(a.Pass)
		if p != nil {
			rp.render[seq.Encoder] = p
		}
		return recording(err)
	case trace.OpBeginComputePass:
		var a encoderArgs
		if err := e.Decode(&a); err != nil {
			return err
		}
		p, err := enc.BeginComputePass(a.Label)
		if p != nil {
			rp.compute[seq.Encoder] = p
		}
		return recording(err)
	case trace.OpEndPass:
		delete(rp.render, seq.Encoder)
		delete(rp.compute, seq.Encoder)
		switch {
		case rpass != nil:
			return recording(rpass.End())
		case cpass != nil:
			return recording(cpass.End())
		}
		return nil

	case trace.OpSetPipeline, trace.OpSetBindGroup, trace.OpSetVertexBuffer, trace.OpSetIndexBuffer, trace.OpDispatchIndirect:
		var a bindArgs
		if err := e.Decode(&a); err != nil {
			return err
		}
		return recording(rp.bind(e.Op, rpass, cpass, a))
	case trace.OpDraw, trace.OpDrawIndexed:
		var a drawArgs
		if err := e.Decode(&a); err != nil {
			return err
		}
		if rpass == nil {
			return nil
		}
		if e.Op == trace.OpDraw {
			return recording(rpass.Draw(a.Count, a.InstanceCount, a.First, a.FirstInstance))
		}
		return recording(rpass.DrawIndexed(a.Count, a.InstanceCount, a.First, a.BaseVertex, a.FirstInstance))
	case trace.OpDispatch:
		var a dispatchArgs
		if err := e.Decode(&a); err != nil {
			return err
		}
		if cpass == nil {
			return nil
		}
		return recording(cpass.Dispatch(a.X, a.Y, a.Z))

	case trace.OpCopyBufferToBuffer, trace.OpClearBuffer:
		var a bufferCopyArgs
		if err := e.Decode(&a); err != nil {
			return err
		}
		if e.Op == trace.OpClearBuffer {
			return recording(enc.ClearBuffer(rp.m(a.Dst), a.DstOffset, a.Size))
		}
		return recording(enc.CopyBufferToBuffer(rp.m(a.Src), a.SrcOffset, rp.m(a.Dst), a.DstOffset, a.Size))
	case trace.OpCopyBufferToTexture, trace.OpCopyTextureToBuffer, trace.OpCopyTextureToTexture:
		var a textureCopyArgs
		if err := e.Decode(&a); err != nil {
			return err
		}
		return recording(rp.copyTexture(enc, e.Op, a))
	case trace.OpWaitSubmission:
		var a waitArgs
		if err := e.Decode(&a); err != nil {
			return err
		}
		return recording(enc.WaitSubmission(a.Queue, a.Index))
	case trace.OpPushDebugGroup:
		var a encoderArgs
		if err := e.Decode(&a); err != nil {
			return err
		}
		return recording(enc.PushDebugGroup(a.Label))
	case trace.OpPopDebugGroup:
		return recording(enc.PopDebugGroup())
	}
	slogger().Warn("core: replay skips unknown operation", "op", e.Op, "seq", e.Seq)
	return nil
}

func (rp *replayer) bind(op string, rpass *RenderPass, cpass *ComputePass, a bindArgs) error {
	h := rp.m(a.Object)
	switch {
	case rpass != nil:
		switch op {
		case trace.OpSetPipeline:
			return rpass.SetPipeline(h)
		case trace.OpSetBindGroup:
			return rpass.SetBindGroup(a.Index, h)
		case trace.OpSetVertexBuffer:
			return rpass.SetVertexBuffer(a.Index, h, a.Offset)
		case trace.OpSetIndexBuffer:
			return rpass.SetIndexBuffer(h, a.Format, a.Offset)
		}
	case cpass != nil:
		switch op {
		case trace.OpSetPipeline:
			return cpass.SetPipeline(h)
		case trace.OpSetBindGroup:
			return cpass.SetBindGroup(a.Index, h)
		case trace.OpDispatchIndirect:
			return cpass.DispatchIndirect(h, a.Offset)
		}
	}
	return nil
}

func (rp *replayer) copyTexture(enc *CommandEncoder, op string, a textureCopyArgs) error {
	if a.SrcBuffer != nil {
		a.SrcBuffer.Buffer = rp.m(a.SrcBuffer.Buffer)
	}
	if a.DstBuffer != nil {
		a.DstBuffer.Buffer = rp.m(a.DstBuffer.Buffer)
	}
	if a.SrcTexture != nil {
		a.SrcTexture.Texture = rp.m(a.SrcTexture.Texture)
	}
	if a.DstTexture != nil {
		a.DstTexture.Texture = rp.m(a.DstTexture.Texture)
	}
	switch {
	case op == trace.OpCopyBufferToTexture && a.SrcBuffer != nil && a.DstTexture != nil:
		return enc.CopyBufferToTexture(*a.SrcBuffer, *a.DstTexture, a.Size)
	case op == trace.OpCopyTextureToBuffer && a.SrcTexture != nil && a.DstBuffer != nil:
		return enc.CopyTextureToBuffer(*a.SrcTexture, *a.DstBuffer, a.Size)
	case op == trace.OpCopyTextureToTexture && a.SrcTexture != nil && a.DstTexture != nil:
		return enc.CopyTextureToTexture(*a.SrcTexture, *a.DstTexture, a.Size)
	}
	return fmt.Errorf("malformed %s arguments", op)
}
