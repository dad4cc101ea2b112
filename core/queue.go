// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpurt/backend"
	"github.com/gogpu/gpurt/id"
	"github.com/gogpu/gpurt/trace"
	"github.com/gogpu/gpurt/track"
)

// waitSlice bounds one blocking backend wait so context cancellation is
// noticed.
const waitSlice = 10 * time.Millisecond

var errNotReached = errors.New("core: fence value not reached")

// Queue submits command buffers and tracks their completion. Submission
// indices on a queue start at 1 and increase by one per Submit; submissions
// on one queue execute in index order.
type Queue struct {
	dev   *Device
	index int
	fence backend.Object

	// mu serializes Submit and WriteBuffer.
	mu     sync.Mutex
	writes []pendingWrite

	submitted atomic.Uint64
	completed atomic.Uint64

	// inflight is guarded by Device.stateMu.
	inflight []inflight
}

type pendingWrite struct {
	buffer id.Handle
	offset uint64
	data   []byte
}

type inflight struct {
	index SubmissionIndex
	cbs   []id.Handle
}

func newQueue(d *Device, index int, fence backend.Object) *Queue {
	return &Queue{dev: d, index: index, fence: fence}
}

// Index returns the queue's index on its device.
func (q *Queue) Index() int { return q.index }

// Submitted returns the index of the last submission.
func (q *Queue) Submitted() SubmissionIndex { return SubmissionIndex(q.submitted.Load()) }

// Completed returns the index of the last submission known to have
// completed. It advances on Poll and on successful waits.
func (q *Queue) Completed() SubmissionIndex { return SubmissionIndex(q.completed.Load()) }

// WriteBuffer stages data for the buffer at offset. The write executes at
// the start of the next Submit on this queue, before its command buffers.
// Offset and length must be multiples of 4.
func (q *Queue) WriteBuffer(h id.Handle, offset uint64, data []byte) error {
	const op = "WriteBuffer"
	d := q.dev
	q.mu.Lock()
	defer q.mu.Unlock()

	d.record(trace.OpWriteBuffer, writeArgs{Queue: q.index, Buffer: h, Offset: offset, Data: data}, h)
	if err := d.check(); err != nil {
		return err
	}
	b, err := d.buffers.Resolve(h)
	if err != nil {
		return fmt.Errorf("core: %s: %w", op, err)
	}
	size := uint64(len(data))
	switch {
	case b.desc.Usage&gputypes.BufferUsageCopyDst == 0:
		return d.invalid(op, "buffer %q lacks CopyDst usage", b.desc.Label)
	case offset%track.CopyBufferAlignment != 0 || size%track.CopyBufferAlignment != 0:
		return d.invalid(op, "offset %d and size %d must be multiples of %d", offset, size, track.CopyBufferAlignment)
	case offset+size > b.desc.Size:
		return d.invalid(op, "range [%d, %d) outside buffer of %d bytes", offset, offset+size, b.desc.Size)
	}
	if size == 0 {
		return nil
	}
	q.writes = append(q.writes, pendingWrite{buffer: h, offset: offset, data: append([]byte(nil), data...)})
	return nil
}

// staging holds the effects of a submission until the backend accepts it.
type staging struct {
	d      *Device
	q      *Queue
	states map[id.Handle]track.Uses

	touched map[id.Handle]bool // value: written
	order   []id.Handle

	buffers  map[id.Handle]*track.BufferInit
	textures map[id.Handle]*track.TextureInit
}

func (s *staging) touch(h id.Handle, write bool) {
	w, ok := s.touched[h]
	if !ok {
		s.order = append(s.order, h)
	}
	s.touched[h] = w || write
}

func (s *staging) state(h id.Handle, t *tracked) track.Uses {
	if u, ok := s.states[h]; ok {
		return u
	}
	return t.state
}

// transition appends the barrier moving h to u, if it needs one.
func (s *staging) transition(ts []backend.Transition, h id.Handle, texture bool, t *tracked, raw backend.Object, u track.Uses) []backend.Transition {
	from := s.state(h, t)
	s.states[h] = u
	if !s.d.policy.NeedsTransition(from, u, texture) {
		return ts
	}
	src := s.q.index
	if _, staged := s.touched[h]; !staged && from != track.Uninitialized {
		src = t.lastQueue
	}
	return append(ts, backend.Transition{
		Object:   raw,
		Texture:  texture,
		From:     from,
		To:       u,
		SrcQueue: src,
		DstQueue: s.q.index,
	})
}

func (s *staging) lower(l *backend.CommandList, ts []backend.Transition) {
	model := s.d.caps.Barriers
	if b, ok := backend.Lower(model, ts); ok {
		l.Append(b)
		s.d.metrics.Barrier(model.String(), "prefix", b.Len())
	}
}

func (s *staging) bufferInit(h id.Handle, b *bufferRecord) *track.BufferInit {
	if init, ok := s.buffers[h]; ok {
		return init
	}
	init := b.init.Clone()
	s.buffers[h] = init
	return init
}

func (s *staging) textureInit(h id.Handle, t *textureRecord) *track.TextureInit {
	if init, ok := s.textures[h]; ok {
		return init
	}
	init := t.init.Clone()
	s.textures[h] = init
	return init
}

// writeList builds the list executing staged WriteBuffer calls.
func (s *staging) writeList(writes []pendingWrite) *backend.CommandList {
	l := &backend.CommandList{Label: "queue writes"}
	var (
		ts   []backend.Transition
		cmds []backend.Command
	)
	for _, w := range writes {
		b, err := s.d.buffers.Resolve(w.buffer)
		if err != nil {
			slogger().Debug("core: dropping write to freed buffer", "buffer", w.buffer)
			continue
		}
		if s.states[w.buffer] != track.CopyDst {
			ts = s.transition(ts, w.buffer, false, &b.tracked, b.raw, track.CopyDst)
		}
		s.touch(w.buffer, true)
		s.bufferInit(w.buffer, b).Drain(track.Range{Start: w.offset, End: w.offset + uint64(len(w.data))})
		cmds = append(cmds, backend.WriteBuffer{Buffer: b.raw, Offset: w.offset, Data: w.data})
	}
	s.lower(l, ts)
	l.Append(cmds...)
	return l
}

// prefix builds the list that runs before cb: zero-fills for memory cb
// reads before anything wrote it, then the transitions into the states cb
// was recorded to start in.
func (s *staging) prefix(cb *commandBuffer) *backend.CommandList {
	d := s.d
	l := &backend.CommandList{Label: cb.label + " prefix"}
	var (
		clearTs []backend.Transition
		clears  []backend.Command
	)
	for _, a := range cb.bufferInits {
		b, err := d.buffers.Resolve(a.Buffer)
		if err != nil {
			continue
		}
		ranges := s.bufferInit(a.Buffer, b).Drain(a.Range)
		if a.Kind != track.NeedsInit || len(ranges) == 0 {
			continue
		}
		if s.states[a.Buffer] != track.CopyDst {
			clearTs = s.transition(clearTs, a.Buffer, false, &b.tracked, b.raw, track.CopyDst)
		}
		s.touch(a.Buffer, true)
		for _, r := range track.CollapseRanges(ranges) {
			clears = append(clears, backend.ClearBuffer{Buffer: b.raw, Offset: r.Start, Size: r.Len()})
			d.metrics.InitClear("buffer")
		}
	}
	for _, a := range cb.textureInits {
		t, err := d.textures.Resolve(a.Texture)
		if err != nil {
			continue
		}
		surfaces := s.textureInit(a.Texture, t).Drain(a.Texture, a.Selector)
		if a.Kind != track.NeedsInit || len(surfaces) == 0 {
			continue
		}
		if s.states[a.Texture] != track.CopyDst {
			clearTs = s.transition(clearTs, a.Texture, true, &t.tracked, t.raw, track.CopyDst)
		}
		s.touch(a.Texture, true)
		for _, sf := range surfaces {
			clears = append(clears, backend.ClearTexture{Texture: t.raw, MipLevel: sf.MipLevel, Layer: sf.Layer})
			d.metrics.InitClear("texture")
		}
	}
	s.lower(l, clearTs)
	l.Append(clears...)

	var ts []backend.Transition
	for _, f := range cb.finals {
		t, raw := d.trackedRaw(f.Resource, f.Texture)
		if t == nil {
			continue
		}
		ts = s.transition(ts, f.Resource, f.Texture, t, raw, f.Initial)
		s.states[f.Resource] = f.Final
		s.touch(f.Resource, cb.writes[f.Resource])
	}
	s.lower(l, ts)

	// Surfaces the buffer leaves discarded must be cleared before the next
	// read.
	for _, sf := range cb.discards {
		if t, err := d.textures.Resolve(sf.Texture); err == nil {
			s.textureInit(sf.Texture, t).Discard(sf.MipLevel, sf.Layer)
		}
	}
	return l
}

// trackedRaw returns the tracked state and native object of a buffer or
// texture, or nil when the handle no longer resolves.
func (d *Device) trackedRaw(h id.Handle, texture bool) (*tracked, backend.Object) {
	if texture {
		if t, err := d.textures.Resolve(h); err == nil {
			return &t.tracked, t.raw
		}
		return nil, nil
	}
	if b, err := d.buffers.Resolve(h); err == nil {
		return &b.tracked, b.raw
	}
	return nil, nil
}

// signaled returns the last submission the GPU finished, asking the
// backend when the cached value is behind need.
func (q *Queue) signaled(need SubmissionIndex) SubmissionIndex {
	done := q.Completed()
	if done >= need {
		return done
	}
	if v, err := q.dev.raw.FenceValue(q.fence); err == nil && SubmissionIndex(v) > done {
		return SubmissionIndex(v)
	}
	return done
}

// Submit executes command buffers in order and returns the submission
// index. Transitions from the states resources were left in by earlier
// submissions are prepended here. A buffer that uses a resource another
// queue may still be writing (or, when the buffer writes, still using) must
// have waited for that submission with WaitSubmission.
//
// On error nothing is submitted and the buffers keep their state.
func (q *Queue) Submit(cbs ...id.Handle) (SubmissionIndex, error) {
	const op = "Submit"
	d := q.dev
	q.mu.Lock()
	defer q.mu.Unlock()

	d.record(trace.OpSubmit, submitArgs{Queue: q.index, CommandBuffers: cbs}, cbs...)
	if err := d.check(); err != nil {
		return 0, err
	}
	records := make([]*commandBuffer, len(cbs))
	seen := make(map[id.Handle]bool, len(cbs))
	for i, h := range cbs {
		if seen[h] {
			return 0, d.invalid(op, "command buffer %v is submitted twice", h)
		}
		seen[h] = true
		cb, err := d.commandBuffers.Resolve(h)
		if err != nil {
			return 0, fmt.Errorf("core: %s: %w", op, err)
		}
		records[i] = cb
	}

	d.stateMu.Lock()
	defer d.stateMu.Unlock()

	if err := q.validate(records); err != nil {
		return 0, err
	}

	st := &staging{
		d:        d,
		q:        q,
		states:   make(map[id.Handle]track.Uses),
		touched:  make(map[id.Handle]bool),
		buffers:  make(map[id.Handle]*track.BufferInit),
		textures: make(map[id.Handle]*track.TextureInit),
	}
	var lists []*backend.CommandList
	if len(q.writes) > 0 {
		if l := st.writeList(q.writes); l.Len() > 0 {
			lists = append(lists, l)
		}
	}
	waits := make(map[int]SubmissionIndex)
	for _, cb := range records {
		if p := st.prefix(cb); p.Len() > 0 {
			lists = append(lists, p)
		}
		lists = append(lists, cb.list)
		for o, idx := range cb.waits {
			if o != q.index && idx > waits[o] {
				waits[o] = idx
			}
		}
	}
	var fenceWaits []backend.FenceWait
	for o, idx := range waits {
		fenceWaits = append(fenceWaits, backend.FenceWait{Fence: d.queues[o].fence, Value: uint64(idx)})
	}

	index := q.Submitted() + 1
	if err := d.raw.Submit(q.index, lists, backend.FenceSignal{Fence: q.fence, Value: uint64(index)}, fenceWaits); err != nil {
		return 0, d.backendErr(op, err)
	}

	q.commit(st, records, cbs, index)
	q.writes = nil
	q.submitted.Store(uint64(index))
	q.inflight = append(q.inflight, inflight{index: index, cbs: append([]id.Handle(nil), cbs...)})

	d.metrics.Submitted(d.backendName, q.index)
	slogger().Debug("core: submitted",
		"queue", q.index,
		"index", uint64(index),
		"command_buffers", len(cbs),
		"lists", len(lists))
	return index, nil
}

// validate checks that every buffer may be submitted. Caller holds stateMu.
func (q *Queue) validate(records []*commandBuffer) error {
	const op = "Submit"
	d := q.dev
	for _, cb := range records {
		switch cb.state {
		case StateFinalized:
		case StateInvalid:
			return d.invalidErr(op, fmt.Sprintf("command buffer %q is invalid", cb.label), cb.err)
		default:
			return d.invalid(op, "command buffer %q is %v", cb.label, cb.state)
		}
		for _, h := range cb.refs {
			if _, err := d.lifeOf(h); err != nil {
				return fmt.Errorf("core: %s: command buffer %q: %w", op, cb.label, err)
			}
		}
		for _, f := range cb.finals {
			t := d.trackedOf(f.Resource, f.Texture)
			if t == nil {
				continue
			}
			writes := cb.writes[f.Resource]
			for o, other := range d.queues {
				if o == q.index {
					continue
				}
				need := t.lastWrite[o]
				if writes {
					need = t.last[o]
				}
				if need == 0 || need <= cb.waits[o] || need <= other.signaled(need) {
					continue
				}
				return d.invalid(op, "command buffer %q uses %v, which submission %d on queue %d may still access; wait for it first",
					cb.label, f.Resource, need, o)
			}
		}
	}
	return nil
}

// commit applies a submission the backend accepted. Caller holds stateMu.
func (q *Queue) commit(st *staging, records []*commandBuffer, cbs []id.Handle, index SubmissionIndex) {
	d := q.dev
	for h, u := range st.states {
		if t := d.trackedOf(h, h.Kind() == id.KindTexture); t != nil {
			t.state = u
		}
	}
	for _, h := range st.order {
		t := d.trackedOf(h, h.Kind() == id.KindTexture)
		if t == nil {
			continue
		}
		t.last[q.index] = index
		if st.touched[h] {
			t.lastWrite[q.index] = index
		}
		t.lastQueue = q.index
	}
	for h, init := range st.buffers {
		if b, err := d.buffers.Resolve(h); err == nil {
			b.init = init
		}
	}
	for h, init := range st.textures {
		if t, err := d.textures.Resolve(h); err == nil {
			t.init = init
		}
	}
	for i, cb := range records {
		for _, h := range cb.refs {
			if l, err := d.lifeOf(h); err == nil {
				l.last[q.index] = index
			}
		}
		for _, f := range cb.finals {
			if t := d.trackedOf(f.Resource, f.Texture); t != nil && t.recordedBy == cbs[i] {
				t.recordedBy = id.Handle{}
				t.recorded = t.state
			}
		}
		cb.last[q.index] = index
		cb.state = StateSubmitted
		cb.queue = q.index
		cb.index = index
	}
}

// Poll completes every submission the GPU has finished and reclaims the
// objects they released. It returns the last completed index.
func (q *Queue) Poll() (SubmissionIndex, error) {
	d := q.dev
	if d.isLost() {
		return q.Completed(), ErrDeviceLost
	}
	v, err := d.raw.FenceValue(q.fence)
	if err != nil {
		return q.Completed(), d.backendErr("Poll", err)
	}
	q.complete(SubmissionIndex(v))
	d.reclaim()
	return q.Completed(), nil
}

// complete moves submissions up to v to Completed and reclaims their
// command buffers.
func (q *Queue) complete(v SubmissionIndex) {
	d := q.dev
	d.stateMu.Lock()
	if v <= q.Completed() {
		d.stateMu.Unlock()
		return
	}
	q.completed.Store(uint64(v))
	n := 0
	var done []id.Handle
	for _, f := range q.inflight {
		if f.index > v {
			break
		}
		done = append(done, f.cbs...)
		n++
	}
	q.inflight = q.inflight[n:]
	for _, h := range done {
		if cb, err := d.commandBuffers.Resolve(h); err == nil {
			cb.state = StateCompleted
		}
	}
	d.stateMu.Unlock()

	for _, h := range done {
		d.metrics.CommandBuffer(StateCompleted.String())
		if cb, err := d.commandBuffers.Free(h); err == nil {
			d.stateMu.Lock()
			cb.state = StateReclaimed
			d.stateMu.Unlock()
		}
		if err := d.commandBuffers.Release(h); err != nil {
			slogger().Warn("core: release command buffer", "handle", h, "err", err)
			continue
		}
		d.metrics.CommandBuffer(StateReclaimed.String())
	}
	if len(done) > 0 {
		d.setLive(id.KindCommandBuffer)
		slogger().Debug("core: completed", "queue", q.index, "index", uint64(v), "command_buffers", len(done))
	}
}

// checkWait validates a wait target. It returns done when nothing is left to
// wait for.
func (q *Queue) checkWait(op string, index SubmissionIndex) (done bool, err error) {
	d := q.dev
	if d.isLost() {
		d.metrics.Waited("lost", 0)
		return false, ErrDeviceLost
	}
	if submitted := q.Submitted(); index > submitted {
		return false, d.invalid(op, "submission %d not made yet on queue %d (last %d)", index, q.index, submitted)
	}
	return index == 0 || index <= q.Completed(), nil
}

// Wait blocks until submission index completes or timeout elapses. It
// returns an error wrapping ErrTimeout on timeout, after which waiting
// again is allowed, and ErrDeviceLost if the device is lost first.
func (q *Queue) Wait(index SubmissionIndex, timeout time.Duration) error {
	const op = "Wait"
	d := q.dev
	if done, err := q.checkWait(op, index); done || err != nil {
		return err
	}
	if !d.caps.BlockingWait {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return q.WaitContext(ctx, index)
	}

	start := time.Now()
	ok, err := d.raw.Wait(q.fence, uint64(index), timeout)
	return q.finishWait(index, start, ok, err)
}

func (q *Queue) finishWait(index SubmissionIndex, start time.Time, ok bool, err error) error {
	d := q.dev
	elapsed := time.Since(start)
	switch {
	case errors.Is(err, backend.ErrDeviceLost):
		d.markLost("fence wait failed")
		d.metrics.Waited("lost", elapsed)
		return ErrDeviceLost
	case err != nil:
		return d.backendErr("Wait", err)
	case !ok:
		d.metrics.Waited("timeout", elapsed)
		return fmt.Errorf("core: wait for submission %d on queue %d: %w", index, q.index, ErrTimeout)
	}
	d.metrics.Waited("ok", elapsed)
	q.complete(index)
	d.reclaim()
	return nil
}

// WaitContext waits for submission index until ctx is done. A deadline
// reports ErrTimeout; cancellation reports the context error.
func (q *Queue) WaitContext(ctx context.Context, index SubmissionIndex) error {
	const op = "Wait"
	d := q.dev
	if done, err := q.checkWait(op, index); done || err != nil {
		return err
	}
	start := time.Now()
	if d.caps.BlockingWait {
		for {
			if err := ctx.Err(); err != nil {
				return q.ctxErr(index, start, err)
			}
			slice := waitSlice
			if deadline, ok := ctx.Deadline(); ok {
				slice = max(min(slice, time.Until(deadline)), time.Millisecond)
			}
			ok, err := d.raw.Wait(q.fence, uint64(index), slice)
			if ok || err != nil {
				return q.finishWait(index, start, ok, err)
			}
		}
	}

	// Backends that cannot block are polled with growing intervals.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 0
	err := backoff.Retry(func() error {
		v, err := d.raw.FenceValue(q.fence)
		if err != nil {
			return backoff.Permanent(err)
		}
		if SubmissionIndex(v) >= index {
			return nil
		}
		if d.isLost() {
			return backoff.Permanent(ErrDeviceLost)
		}
		return errNotReached
	}, backoff.WithContext(bo, ctx))
	if ctxErr := ctx.Err(); err != nil && ctxErr != nil && !errors.Is(err, backend.ErrDeviceLost) {
		return q.ctxErr(index, start, ctxErr)
	}
	return q.finishWait(index, start, err == nil, err)
}

func (q *Queue) ctxErr(index SubmissionIndex, start time.Time, err error) error {
	q.dev.metrics.Waited("timeout", time.Since(start))
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("core: wait for submission %d on queue %d: %w: %w", index, q.index, ErrTimeout, err)
	}
	return fmt.Errorf("core: wait for submission %d on queue %d: %w", index, q.index, err)
}
