// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package core

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpurt/backend"
	"github.com/gogpu/gpurt/id"
	"github.com/gogpu/gpurt/trace"
	"github.com/gogpu/gpurt/track"
)

// copyBytesPerRowAlignment is the required alignment of BytesPerRow in
// buffer-texture copies.
const copyBytesPerRowAlignment = 256

type passKind uint8

const (
	noPass passKind = iota
	renderPassKind
	computePassKind
)

func (k passKind) String() string {
	switch k {
	case renderPassKind:
		return "render"
	case computePassKind:
		return "compute"
	default:
		return "no"
	}
}

// CommandEncoder records commands into a command buffer without touching
// the backend. Each call is validated; a failed call returns its error and
// leaves the encoder usable, but Finish then produces an Invalid buffer.
//
// A CommandEncoder and its passes must be used from one goroutine.
type CommandEncoder struct {
	dev   *Device
	label string
	seq   uint64

	tracker     *track.Tracker
	list        *backend.CommandList
	transitions []track.Transition
	barriers    int
	err         error
	finished    bool
	pass        passKind
	debugDepth  int

	refs    []id.Handle
	objects map[id.Handle]backend.Object
	writes  map[id.Handle]bool

	bufferInits []track.BufferInitAction
	textures    track.TextureActions
	waits       map[int]SubmissionIndex
}

// CreateCommandEncoder starts recording a command buffer.
func (d *Device) CreateCommandEncoder(label string) (*CommandEncoder, error) {
	if err := d.check(); err != nil {
		return nil, err
	}
	e := &CommandEncoder{
		dev:     d,
		label:   label,
		seq:     d.encoders.Add(1),
		tracker: track.NewTracker(d.policy),
		list:    &backend.CommandList{Label: label},
		objects: make(map[id.Handle]backend.Object),
		writes:  make(map[id.Handle]bool),
		waits:   make(map[int]SubmissionIndex),
	}
	d.record(trace.OpCreateCommandEncoder, encoderArgs{Encoder: e.seq, Label: label})
	return e, nil
}

// Err returns the first error recorded, or nil while the encoder is valid.
func (e *CommandEncoder) Err() error { return e.err }

// fail flags the encoder invalid with its first error and returns err.
func (e *CommandEncoder) fail(err error) error {
	if e.err == nil {
		e.err = err
	}
	return err
}

func (e *CommandEncoder) record(op string, args any, handles ...id.Handle) {
	e.dev.record(op, args, handles...)
}

// begin checks that op may be recorded now.
func (e *CommandEncoder) begin(op string, want passKind) error {
	if e.finished {
		return e.dev.invalid(op, "encoder %q is finished", e.label)
	}
	if err := e.dev.check(); err != nil {
		return e.fail(err)
	}
	if e.pass != want {
		if want == noPass {
			return e.fail(e.dev.invalid(op, "not allowed inside a %v pass", e.pass))
		}
		return e.fail(e.dev.invalid(op, "requires an open %v pass, encoder has %v pass", want, e.pass))
	}
	return nil
}

// use remembers a handle the commands reference.
func (e *CommandEncoder) use(h id.Handle, raw backend.Object) {
	if _, ok := e.objects[h]; ok {
		return
	}
	e.objects[h] = raw
	e.refs = append(e.refs, h)
}

func (e *CommandEncoder) buffer(op string, h id.Handle, need gputypes.BufferUsage) (*bufferRecord, error) {
	b, err := e.dev.buffers.Resolve(h)
	if err != nil {
		return nil, fmt.Errorf("core: %s: %w", op, err)
	}
	if b.desc.Usage&need != need {
		return nil, e.dev.invalid(op, "buffer %q lacks %s usage", b.desc.Label, bufferUsageName(need))
	}
	e.use(h, b.raw)
	return b, nil
}

func (e *CommandEncoder) texture(op string, h id.Handle, need gputypes.TextureUsage) (*textureRecord, error) {
	t, err := e.dev.textures.Resolve(h)
	if err != nil {
		return nil, fmt.Errorf("core: %s: %w", op, err)
	}
	if t.desc.Usage&need != need {
		return nil, e.dev.invalid(op, "texture %q lacks %s usage", t.desc.Label, textureUsageName(need))
	}
	e.use(h, t.raw)
	return t, nil
}

func bufferUsageName(u gputypes.BufferUsage) string {
	switch u {
	case gputypes.BufferUsageCopySrc:
		return "CopySrc"
	case gputypes.BufferUsageCopyDst:
		return "CopyDst"
	case gputypes.BufferUsageVertex:
		return "Vertex"
	case gputypes.BufferUsageIndex:
		return "Index"
	case gputypes.BufferUsageIndirect:
		return "Indirect"
	case gputypes.BufferUsageUniform:
		return "Uniform"
	case gputypes.BufferUsageStorage:
		return "Storage"
	default:
		return fmt.Sprintf("%#x", uint64(u))
	}
}

func textureUsageName(u gputypes.TextureUsage) string {
	switch u {
	case gputypes.TextureUsageCopySrc:
		return "CopySrc"
	case gputypes.TextureUsageCopyDst:
		return "CopyDst"
	case gputypes.TextureUsageTextureBinding:
		return "TextureBinding"
	case gputypes.TextureUsageStorageBinding:
		return "StorageBinding"
	case gputypes.TextureUsageRenderAttachment:
		return "RenderAttachment"
	default:
		return fmt.Sprintf("%#x", uint64(u))
	}
}

// prior is the state a resource is believed to be in before this buffer:
// Unknown while another finished buffer owns its recorded state.
func (e *CommandEncoder) prior(h id.Handle) track.Uses {
	d := e.dev
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	t := d.trackedOf(h, h.Kind() == id.KindTexture)
	if t == nil || !t.recordedBy.IsZero() {
		return track.Unknown
	}
	return t.state
}

// apply records the accesses of one scope and emits the barrier that must
// precede it into dst.
func (e *CommandEncoder) apply(s *track.Scope, dst *backend.CommandList) {
	e.emit(e.tracker.Apply(s, e.prior), dst)
	s.Each(func(h id.Handle, _ bool, u track.Uses) {
		if u.Writes() {
			e.writes[h] = true
		}
	})
}

// emit lowers transitions for the device's barrier model and appends the
// result to dst.
func (e *CommandEncoder) emit(ts []track.Transition, dst *backend.CommandList) {
	if len(ts) == 0 {
		return
	}
	e.transitions = append(e.transitions, ts...)

	bts := make([]backend.Transition, len(ts))
	for i, t := range ts {
		bts[i] = backend.Transition{Object: e.objects[t.Resource], Texture: t.Texture, From: t.From, To: t.To}
	}
	model := e.dev.caps.Barriers
	b, ok := backend.Lower(model, bts)
	if !ok {
		return
	}
	dst.Append(b)
	e.barriers += b.Len()
	e.dev.metrics.Barrier(model.String(), "inline", b.Len())
	slogger().Debug("core: barrier", "encoder", e.label, "transitions", len(ts), "model", model)
}

// initBuffer registers an init action for a buffer range.
func (e *CommandEncoder) initBuffer(h id.Handle, start, end uint64, kind track.InitKind) {
	if end <= start {
		return
	}
	e.bufferInits = append(e.bufferInits, track.BufferInitAction{
		Buffer: h,
		Range:  track.Range{Start: start, End: end},
		Kind:   kind,
	})
}

// initTexture registers an init action for texture surfaces. Surfaces a
// render pass of this buffer discarded and that the action reads are
// cleared into dst right away.
func (e *CommandEncoder) initTexture(h id.Handle, tex *textureRecord, sel track.Selector, kind track.InitKind, dst *backend.CommandList) {
	clears := e.textures.Register(track.TextureInitAction{Texture: h, Selector: sel, Kind: kind})
	if len(clears) == 0 {
		return
	}
	if tr, ok := e.tracker.Use(h, true, track.CopyDst, e.prior(h)); ok {
		e.emit([]track.Transition{tr}, dst)
	}
	for _, s := range clears {
		dst.Append(backend.ClearTexture{Texture: tex.raw, MipLevel: s.MipLevel, Layer: s.Layer})
	}
	e.writes[h] = true
	e.dev.metrics.InitClear("texture")
}

// CopyBufferToBuffer copies size bytes from src to dst. Offsets and size
// must be multiples of 4 and src and dst must differ.
func (e *CommandEncoder) CopyBufferToBuffer(src id.Handle, srcOffset uint64, dst id.Handle, dstOffset, size uint64) error {
	const op = "CopyBufferToBuffer"
	e.record(trace.OpCopyBufferToBuffer, bufferCopyArgs{
		Encoder: e.seq, Src: src, SrcOffset: srcOffset, Dst: dst, DstOffset: dstOffset, Size: size,
	}, src, dst)
	if err := e.begin(op, noPass); err != nil {
		return err
	}
	if src == dst {
		return e.fail(e.dev.invalid(op, "source and destination are the same buffer"))
	}
	s, err := e.buffer(op, src, gputypes.BufferUsageCopySrc)
	if err != nil {
		return e.fail(err)
	}
	t, err := e.buffer(op, dst, gputypes.BufferUsageCopyDst)
	if err != nil {
		return e.fail(err)
	}
	if srcOffset%track.CopyBufferAlignment != 0 || dstOffset%track.CopyBufferAlignment != 0 || size%track.CopyBufferAlignment != 0 {
		return e.fail(e.dev.invalid(op, "offsets %d, %d and size %d must be multiples of %d",
			srcOffset, dstOffset, size, track.CopyBufferAlignment))
	}
	if srcOffset+size > s.desc.Size {
		return e.fail(e.dev.invalid(op, "source range [%d, %d) outside buffer of %d bytes", srcOffset, srcOffset+size, s.desc.Size))
	}
	if dstOffset+size > t.desc.Size {
		return e.fail(e.dev.invalid(op, "destination range [%d, %d) outside buffer of %d bytes", dstOffset, dstOffset+size, t.desc.Size))
	}

	scope := track.NewScope()
	_ = scope.Add(src, false, track.CopySrc)
	_ = scope.Add(dst, false, track.CopyDst)
	e.apply(scope, e.list)
	e.initBuffer(src, srcOffset, srcOffset+size, track.NeedsInit)
	e.initBuffer(dst, dstOffset, dstOffset+size, track.ImplicitInit)
	e.list.Append(backend.CopyBufferToBuffer{
		Src:       s.raw,
		SrcOffset: srcOffset,
		Dst:       t.raw,
		DstOffset: dstOffset,
		Size:      size,
	})
	return nil
}

// textureCopy is a validated texture side of a copy.
type textureCopy struct {
	rec      *textureRecord
	region   backend.TextureRegion
	sel      track.Selector
	full     bool
	rowBytes uint64
}

func (e *CommandEncoder) checkTextureCopy(op string, tc ImageCopyTexture, size gputypes.Extent3D, need gputypes.TextureUsage) (textureCopy, error) {
	t, err := e.texture(op, tc.Texture, need)
	if err != nil {
		return textureCopy{}, err
	}
	texel := backend.TexelSize(t.desc.Format)
	switch {
	case texel == 0:
		return textureCopy{}, e.dev.invalid(op, "texture %q format %v cannot be copied", t.desc.Label, t.desc.Format)
	case t.desc.SampleCount > 1:
		return textureCopy{}, e.dev.invalid(op, "texture %q is multisampled", t.desc.Label)
	case tc.MipLevel >= t.desc.MipLevelCount:
		return textureCopy{}, e.dev.invalid(op, "mip level %d of texture %q with %d levels", tc.MipLevel, t.desc.Label, t.desc.MipLevelCount)
	}
	layers := max(size.DepthOrArrayLayers, 1)
	w, h := t.mipSize(tc.MipLevel)
	if tc.Origin.X+size.Width > w || tc.Origin.Y+size.Height > h || tc.Origin.Z+layers > t.desc.Size.DepthOrArrayLayers {
		return textureCopy{}, e.dev.invalid(op, "copy of %dx%dx%d at (%d,%d,%d) outside texture %q mip %d of %dx%dx%d",
			size.Width, size.Height, layers, tc.Origin.X, tc.Origin.Y, tc.Origin.Z,
			t.desc.Label, tc.MipLevel, w, h, t.desc.Size.DepthOrArrayLayers)
	}
	return textureCopy{
		rec:    t,
		region: backend.TextureRegion{Texture: t.raw, MipLevel: tc.MipLevel, Origin: tc.Origin},
		sel: track.Selector{
			BaseMip:    tc.MipLevel,
			MipCount:   1,
			BaseLayer:  tc.Origin.Z,
			LayerCount: layers,
		},
		full:     tc.Origin.X == 0 && tc.Origin.Y == 0 && size.Width == w && size.Height == h,
		rowBytes: uint64(size.Width) * uint64(texel),
	}, nil
}

// checkBufferLayout validates the buffer side of a texture copy. It returns
// the layout with RowsPerImage resolved, the byte range the copy covers and
// whether its rows are contiguous.
func (e *CommandEncoder) checkBufferLayout(op string, b *bufferRecord, l ImageCopyBuffer, size gputypes.Extent3D, rowBytes uint64) (backend.BufferLayout, track.Range, bool, error) {
	rows := uint64(l.RowsPerImage)
	if rows == 0 {
		rows = uint64(size.Height)
	}
	bpr := uint64(l.BytesPerRow)
	layers := uint64(max(size.DepthOrArrayLayers, 1))
	switch {
	case bpr%copyBytesPerRowAlignment != 0:
		return backend.BufferLayout{}, track.Range{}, false, e.dev.invalid(op, "bytes per row %d is not a multiple of %d", bpr, copyBytesPerRowAlignment)
	case bpr < rowBytes:
		return backend.BufferLayout{}, track.Range{}, false, e.dev.invalid(op, "bytes per row %d below row size %d", bpr, rowBytes)
	case rows < uint64(size.Height):
		return backend.BufferLayout{}, track.Range{}, false, e.dev.invalid(op, "rows per image %d below copy height %d", rows, size.Height)
	case l.Offset%track.CopyBufferAlignment != 0:
		return backend.BufferLayout{}, track.Range{}, false, e.dev.invalid(op, "buffer offset %d is not a multiple of %d", l.Offset, track.CopyBufferAlignment)
	}
	r := track.Range{Start: l.Offset, End: l.Offset}
	if size.Width > 0 && size.Height > 0 {
		r.End += bpr*rows*(layers-1) + bpr*(uint64(size.Height)-1) + rowBytes
	}
	if r.End > b.desc.Size {
		return backend.BufferLayout{}, track.Range{}, false, e.dev.invalid(op, "buffer range [%d, %d) outside buffer of %d bytes", r.Start, r.End, b.desc.Size)
	}
	contiguous := bpr == rowBytes && (rows == uint64(size.Height) || layers == 1)
	layout := backend.BufferLayout{Offset: l.Offset, BytesPerRow: l.BytesPerRow, RowsPerImage: uint32(rows)}
	return layout, r, contiguous, nil
}

// CopyBufferToTexture copies texel rows from a buffer into one mip level of
// a texture.
func (e *CommandEncoder) CopyBufferToTexture(src ImageCopyBuffer, dst ImageCopyTexture, size gputypes.Extent3D) error {
	const op = "CopyBufferToTexture"
	e.record(trace.OpCopyBufferToTexture, textureCopyArgs{Encoder: e.seq, SrcBuffer: &src, DstTexture: &dst, Size: size},
		src.Buffer, dst.Texture)
	if err := e.begin(op, noPass); err != nil {
		return err
	}
	b, err := e.buffer(op, src.Buffer, gputypes.BufferUsageCopySrc)
	if err != nil {
		return e.fail(err)
	}
	tc, err := e.checkTextureCopy(op, dst, size, gputypes.TextureUsageCopyDst)
	if err != nil {
		return e.fail(err)
	}
	layout, r, _, err := e.checkBufferLayout(op, b, src, size, tc.rowBytes)
	if err != nil {
		return e.fail(err)
	}

	kind := track.NeedsInit
	if tc.full {
		kind = track.ImplicitInit
	}
	e.initTexture(dst.Texture, tc.rec, tc.sel, kind, e.list)
	scope := track.NewScope()
	_ = scope.Add(src.Buffer, false, track.CopySrc)
	_ = scope.Add(dst.Texture, true, track.CopyDst)
	e.apply(scope, e.list)
	e.initBuffer(src.Buffer, r.Start, r.End, track.NeedsInit)
	e.list.Append(backend.CopyBufferToTexture{
		Src:    b.raw,
		Layout: layout,
		Dst:    tc.region,
		Size:   size,
	})
	return nil
}

// CopyTextureToBuffer copies texel rows from one mip level of a texture
// into a buffer.
func (e *CommandEncoder) CopyTextureToBuffer(src ImageCopyTexture, dst ImageCopyBuffer, size gputypes.Extent3D) error {
	const op = "CopyTextureToBuffer"
	e.record(trace.OpCopyTextureToBuffer, textureCopyArgs{Encoder: e.seq, SrcTexture: &src, DstBuffer: &dst, Size: size},
		src.Texture, dst.Buffer)
	if err := e.begin(op, noPass); err != nil {
		return err
	}
	tc, err := e.checkTextureCopy(op, src, size, gputypes.TextureUsageCopySrc)
	if err != nil {
		return e.fail(err)
	}
	b, err := e.buffer(op, dst.Buffer, gputypes.BufferUsageCopyDst)
	if err != nil {
		return e.fail(err)
	}
	layout, r, contiguous, err := e.checkBufferLayout(op, b, dst, size, tc.rowBytes)
	if err != nil {
		return e.fail(err)
	}

	e.initTexture(src.Texture, tc.rec, tc.sel, track.NeedsInit, e.list)
	scope := track.NewScope()
	_ = scope.Add(src.Texture, true, track.CopySrc)
	_ = scope.Add(dst.Buffer, false, track.CopyDst)
	e.apply(scope, e.list)
	kind := track.NeedsInit
	if contiguous {
		kind = track.ImplicitInit
	}
	e.initBuffer(dst.Buffer, r.Start, r.End, kind)
	e.list.Append(backend.CopyTextureToBuffer{
		Src:    tc.region,
		Dst:    b.raw,
		Layout: layout,
		Size:   size,
	})
	return nil
}

// CopyTextureToTexture copies a region between two textures of the same
// format. Copies within one texture are rejected: usage is tracked per
// texture, not per subresource.
func (e *CommandEncoder) CopyTextureToTexture(src, dst ImageCopyTexture, size gputypes.Extent3D) error {
	const op = "CopyTextureToTexture"
	e.record(trace.OpCopyTextureToTexture, textureCopyArgs{Encoder: e.seq, SrcTexture: &src, DstTexture: &dst, Size: size},
		src.Texture, dst.Texture)
	if err := e.begin(op, noPass); err != nil {
		return err
	}
	if src.Texture == dst.Texture {
		return e.fail(e.dev.invalid(op, "source and destination are the same texture"))
	}
	sc, err := e.checkTextureCopy(op, src, size, gputypes.TextureUsageCopySrc)
	if err != nil {
		return e.fail(err)
	}
	dc, err := e.checkTextureCopy(op, dst, size, gputypes.TextureUsageCopyDst)
	if err != nil {
		return e.fail(err)
	}
	if sc.rec.desc.Format != dc.rec.desc.Format {
		return e.fail(e.dev.invalid(op, "formats differ: %v and %v", sc.rec.desc.Format, dc.rec.desc.Format))
	}

	e.initTexture(src.Texture, sc.rec, sc.sel, track.NeedsInit, e.list)
	kind := track.NeedsInit
	if dc.full {
		kind = track.ImplicitInit
	}
	e.initTexture(dst.Texture, dc.rec, dc.sel, kind, e.list)
	scope := track.NewScope()
	_ = scope.Add(src.Texture, true, track.CopySrc)
	_ = scope.Add(dst.Texture, true, track.CopyDst)
	e.apply(scope, e.list)
	e.list.Append(backend.CopyTextureToTexture{Src: sc.region, Dst: dc.region, Size: size})
	return nil
}

// ClearBuffer zeroes size bytes at offset. A zero size clears to the end of
// the buffer.
func (e *CommandEncoder) ClearBuffer(h id.Handle, offset, size uint64) error {
	const op = "ClearBuffer"
	e.record(trace.OpClearBuffer, bufferCopyArgs{Encoder: e.seq, Dst: h, DstOffset: offset, Size: size}, h)
	if err := e.begin(op, noPass); err != nil {
		return err
	}
	b, err := e.buffer(op, h, gputypes.BufferUsageCopyDst)
	if err != nil {
		return e.fail(err)
	}
	if offset > b.desc.Size {
		return e.fail(e.dev.invalid(op, "offset %d past buffer end %d", offset, b.desc.Size))
	}
	if size == 0 {
		size = b.desc.Size - offset
	}
	if offset%track.CopyBufferAlignment != 0 || size%track.CopyBufferAlignment != 0 {
		return e.fail(e.dev.invalid(op, "offset %d and size %d must be multiples of %d", offset, size, track.CopyBufferAlignment))
	}
	if offset+size > b.desc.Size {
		return e.fail(e.dev.invalid(op, "range [%d, %d) outside buffer of %d bytes", offset, offset+size, b.desc.Size))
	}

	scope := track.NewScope()
	_ = scope.Add(h, false, track.CopyDst)
	e.apply(scope, e.list)
	e.initBuffer(h, offset, offset+size, track.ImplicitInit)
	e.list.Append(backend.ClearBuffer{Buffer: b.raw, Offset: offset, Size: size})
	return nil
}

// WaitSubmission makes the command buffer wait, on the GPU, for submission
// index of another queue. It is the only ordering between queues.
func (e *CommandEncoder) WaitSubmission(queue int, index SubmissionIndex) error {
	const op = "WaitSubmission"
	e.record(trace.OpWaitSubmission, waitArgs{Encoder: e.seq, Queue: queue, Index: index})
	if err := e.begin(op, noPass); err != nil {
		return err
	}
	q := e.dev.Queue(queue)
	if q == nil {
		return e.fail(e.dev.invalid(op, "queue %d out of range", queue))
	}
	if submitted := q.Submitted(); index > submitted {
		return e.fail(e.dev.invalid(op, "queue %d has only submitted %d, not %d", queue, submitted, index))
	}
	if index > e.waits[queue] {
		e.waits[queue] = index
	}
	return nil
}

// PushDebugGroup opens a labeled debug region.
func (e *CommandEncoder) PushDebugGroup(label string) error {
	const op = "PushDebugGroup"
	e.record(trace.OpPushDebugGroup, encoderArgs{Encoder: e.seq, Label: label})
	if err := e.begin(op, noPass); err != nil {
		return err
	}
	e.debugDepth++
	e.list.Append(backend.PushDebugGroup{Label: label})
	return nil
}

// PopDebugGroup closes the innermost debug region.
func (e *CommandEncoder) PopDebugGroup() error {
	const op = "PopDebugGroup"
	e.record(trace.OpPopDebugGroup, encoderArgs{Encoder: e.seq})
	if err := e.begin(op, noPass); err != nil {
		return err
	}
	if e.debugDepth == 0 {
		return e.fail(e.dev.invalid(op, "no debug group is open"))
	}
	e.debugDepth--
	e.list.Append(backend.PopDebugGroup{})
	return nil
}

// Finish ends recording and returns the command buffer. If any call
// failed, the buffer is Invalid: its handle is returned together with a
// *ValidationError and submitting it is rejected.
func (e *CommandEncoder) Finish() (id.Handle, error) {
	const op = "Finish"
	d := e.dev
	if e.finished {
		return id.Handle{}, d.invalid(op, "encoder %q is already finished", e.label)
	}
	if err := d.check(); err != nil {
		return id.Handle{}, err
	}
	if e.pass != noPass {
		_ = e.fail(d.invalid(op, "%v pass is still open", e.pass))
	}
	if e.debugDepth != 0 {
		_ = e.fail(d.invalid(op, "%d debug groups are still open", e.debugDepth))
	}
	e.finished = true

	cb := &commandBuffer{
		life:         newLife(len(d.queues)),
		label:        e.label,
		err:          e.err,
		list:         e.list,
		finals:       e.tracker.Finalize(),
		transitions:  e.transitions,
		estimate:     e.tracker.EstimatePrefix(),
		barriers:     e.barriers,
		refs:         e.refs,
		writes:       e.writes,
		bufferInits:  e.bufferInits,
		textureInits: e.textures.Inits(),
		discards:     e.textures.Discards(),
		waits:        e.waits,
		state:        StateFinalized,
	}
	if e.err != nil {
		cb.state = StateInvalid
	}
	h := d.commandBuffers.Allocate(cb)

	if cb.state == StateFinalized {
		d.stateMu.Lock()
		for _, f := range cb.finals {
			if t := d.trackedOf(f.Resource, f.Texture); t != nil {
				t.recorded = f.Final
				t.recordedBy = h
			}
		}
		d.stateMu.Unlock()
	}
	d.metrics.CommandBuffer(cb.state.String())
	d.record(trace.OpFinish, encoderArgs{Encoder: e.seq}, h)
	d.setLive(id.KindCommandBuffer)

	if e.err != nil {
		return h, &ValidationError{Op: op, Reason: fmt.Sprintf("command buffer %q recorded an invalid command", e.label), Err: e.err}
	}
	return h, nil
}
