// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package core

import (
	"bytes"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpurt/backend/soft"
	"github.com/gogpu/gpurt/id"
	"github.com/gogpu/gpurt/trace"
	"github.com/gogpu/gpurt/track"
)

func sameTransitions(a, b []track.Transition) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func incrementKernel() soft.Option {
	return soft.WithKernel("increment", func(groups [][]soft.Binding, _, _, _ uint32) {
		in, out := groups[0][0].Data, groups[0][1].Data
		for i := range out {
			out[i] = in[i] + 1
		}
	})
}

// recordWorkload runs a mixed workload on d and returns the transitions of
// every finished command buffer, in Finish order, and the readback buffer.
func recordWorkload(t *testing.T, d *Device) ([][]track.Transition, id.Handle) {
	t.Helper()
	k := newStorageKernel(t, d, "increment", true)
	src := mustBuffer(t, d, "src", 64, copyUsage)
	in := mustBuffer(t, d, "in", 64, storageUsage)
	out := mustBuffer(t, d, "out", 64, storageUsage)
	readback := mustBuffer(t, d, "readback", 64, gputypes.BufferUsageMapRead|gputypes.BufferUsageCopyDst)
	target := mustTexture(t, d, "target", 4, 4, gputypes.TextureUsageRenderAttachment|gputypes.TextureUsageCopySrc)
	g := k.group(t, d, in, out)

	var all [][]track.Transition
	finish := func(e *CommandEncoder) id.Handle {
		h, _ := e.Finish()
		all = append(all, info(t, d, h).Transitions)
		return h
	}

	if err := d.Queue(0).WriteBuffer(src, 0, bytes.Repeat([]byte{1, 2, 3, 4}, 16)); err != nil {
		t.Fatalf("WriteBuffer: %v", err)
	}
	e := mustEncoder(t, d, "compute")
	if err := e.CopyBufferToBuffer(src, 0, in, 0, 64); err != nil {
		t.Fatalf("CopyBufferToBuffer: %v", err)
	}
	k.dispatch(t, e, g)
	k.dispatch(t, e, g)
	if err := e.CopyBufferToBuffer(out, 0, readback, 0, 64); err != nil {
		t.Fatalf("CopyBufferToBuffer: %v", err)
	}
	first := finish(e)

	e = mustEncoder(t, d, "render")
	rp, err := e.BeginRenderPass(colorPass(target, gputypes.LoadOpClear, gputypes.StoreOpStore))
	if err != nil {
		t.Fatalf("BeginRenderPass: %v", err)
	}
	if err := rp.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := e.PushDebugGroup("scratch"); err != nil {
		t.Fatalf("PushDebugGroup: %v", err)
	}
	if err := e.ClearBuffer(src, 0, 0); err != nil {
		t.Fatalf("ClearBuffer: %v", err)
	}
	if err := e.PopDebugGroup(); err != nil {
		t.Fatalf("PopDebugGroup: %v", err)
	}
	second := finish(e)

	// An invalid buffer replays as invalid.
	e = mustEncoder(t, d, "invalid")
	wantValidation(t, e.CopyBufferToBuffer(src, 0, src, 0, 4))
	finish(e)

	mustSubmit(t, d, 0, first, second)
	return all, readback
}

func TestReplayReproducesTransitions(t *testing.T) {
	var buf bytes.Buffer
	captured, _ := newTestDevice(t, []soft.Option{incrementKernel()}, WithTrace(&buf))
	want, readback := recordWorkload(t, captured)
	wantData, err := captured.ReadBuffer(readback, 0, 64)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if err := captured.Trace().Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	r, err := trace.NewReader(&buf)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	if got := r.Header().Backend; got != soft.Name {
		t.Errorf("header backend = %q, want %q", got, soft.Name)
	}
	replay, _ := newTestDevice(t, []soft.Option{incrementKernel()})
	res, err := Replay(replay, r)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	if res.Submissions != 1 {
		t.Errorf("Submissions = %d, want 1", res.Submissions)
	}
	if len(res.Transitions) != len(want) {
		t.Fatalf("replayed %d command buffers, want %d", len(res.Transitions), len(want))
	}
	for i := range want {
		if !sameTransitions(res.Transitions[i], want[i]) {
			t.Errorf("command buffer %d: transitions %v, want %v", i, res.Transitions[i], want[i])
		}
	}
	if len(want[0]) == 0 {
		t.Error("workload recorded no transitions")
	}

	gotData, err := replay.ReadBuffer(res.Handles[readback], 0, 64)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if !bytes.Equal(gotData, wantData) {
		t.Errorf("replayed readback %v, want %v", gotData, wantData)
	}
	if wantData[0] != 2 {
		t.Errorf("readback[0] = %d, want 2", wantData[0])
	}
}
