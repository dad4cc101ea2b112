// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package trace defines the versioned operation log of a gpurt device.
//
// A trace is a sequence of newline-separated JSON objects. The first line is
// a Header naming the format, its version and the capture. Every following
// line is an Entry: one public operation (resource creation, a recorded
// command, a submission) with its arguments and the handles it touched, in
// the order the device observed them.
//
// Replaying the entries of a trace in order against a fresh device
// reproduces the resource-state transitions of the captured run.
package trace

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/gogpu/gpurt/id"
)

// Format is the format name written in every header.
const Format = "gpurt-trace"

// Version of the trace format. Readers accept any minor version of their
// major version; a major bump means entries changed incompatibly.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// Errors returned by readers.
var (
	// ErrNotTrace is returned when the first line is not a trace header.
	ErrNotTrace = errors.New("trace: not a gpurt trace")

	// ErrIncompatibleVersion is returned for a trace written by an
	// incompatible major version.
	ErrIncompatibleVersion = errors.New("trace: incompatible version")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Header is the first line of a trace.
type Header struct {
	Format       string `json:"format"`
	VersionMajor int    `json:"version_major"`
	VersionMinor int    `json:"version_minor"`
	CaptureID    string `json:"capture_id"`
	Backend      string `json:"backend"`
}

// Version returns "major.minor".
func (h Header) Version() string {
	return fmt.Sprintf("%d.%d", h.VersionMajor, h.VersionMinor)
}

func (h Header) check() error {
	if h.Format != Format {
		return fmt.Errorf("%w: format %q", ErrNotTrace, h.Format)
	}
	if h.VersionMajor != VersionMajor {
		return fmt.Errorf("%w: %s, reader supports %d.x", ErrIncompatibleVersion, h.Version(), VersionMajor)
	}
	return nil
}

// Entry is one logged operation.
type Entry struct {
	// Seq numbers entries from 1 without gaps.
	Seq uint64 `json:"seq"`

	// Op is the operation name, one of the Op constants.
	Op string `json:"op"`

	// Args holds the operation arguments as a JSON object. Handles inside
	// Args are packed with id.Handle.Pack.
	Args jsoniter.RawMessage `json:"args,omitempty"`

	// Handles lists the packed handles the operation touched. For Create
	// operations the first handle is the created object.
	Handles []uint64 `json:"handles,omitempty"`
}

// Decode unmarshals Args into v.
func (e *Entry) Decode(v any) error {
	if len(e.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Args, v); err != nil {
		return fmt.Errorf("trace: entry %d (%s): %w", e.Seq, e.Op, err)
	}
	return nil
}

// Handle returns the i-th handle, or the zero handle when absent.
func (e *Entry) Handle(i int) id.Handle {
	if i < 0 || i >= len(e.Handles) {
		return id.Handle{}
	}
	return id.Unpack(e.Handles[i])
}

// Operation names.
const (
	OpCreateBuffer          = "CreateBuffer"
	OpCreateTexture         = "CreateTexture"
	OpCreateSampler         = "CreateSampler"
	OpCreateShaderModule    = "CreateShaderModule"
	OpCreateBindGroupLayout = "CreateBindGroupLayout"
	OpCreatePipelineLayout  = "CreatePipelineLayout"
	OpCreateBindGroup       = "CreateBindGroup"
	OpCreateComputePipeline = "CreateComputePipeline"
	OpCreateRenderPipeline  = "CreateRenderPipeline"
	OpDestroy               = "Destroy"

	OpCreateCommandEncoder = "CreateCommandEncoder"
	OpBeginRenderPass      = "BeginRenderPass"
	OpBeginComputePass     = "BeginComputePass"
	OpEndPass              = "EndPass"
	OpSetPipeline          = "SetPipeline"
	OpSetBindGroup         = "SetBindGroup"
	OpSetVertexBuffer      = "SetVertexBuffer"
	OpSetIndexBuffer       = "SetIndexBuffer"
	OpDraw                 = "Draw"
	OpDrawIndexed          = "DrawIndexed"
	OpDispatch             = "Dispatch"
	OpDispatchIndirect     = "DispatchIndirect"
	OpCopyBufferToBuffer   = "CopyBufferToBuffer"
	OpCopyBufferToTexture  = "CopyBufferToTexture"
	OpCopyTextureToBuffer  = "CopyTextureToBuffer"
	OpCopyTextureToTexture = "CopyTextureToTexture"
	OpClearBuffer          = "ClearBuffer"
	OpPushDebugGroup       = "PushDebugGroup"
	OpPopDebugGroup        = "PopDebugGroup"
	OpWaitSubmission       = "WaitSubmission"
	OpFinish               = "Finish"

	OpWriteBuffer          = "WriteBuffer"
	OpSubmit               = "Submit"
	OpDiscardCommandBuffer = "DiscardCommandBuffer"
)
