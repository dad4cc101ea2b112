// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package core is the device-level runtime of gpurt: resource handles,
// command recording with automatic synchronization, and submission with
// deferred reclamation.
//
// # Object model
//
// A Device is opened on one backend adapter. Every GPU object it creates is
// named by an id.Handle issued from the device's per-kind registries.
// Handles are plain values; the device owns the objects. Destroying a handle
// makes it stale immediately, but the native object and the handle's slot are
// only recycled once every submission that referenced the object has
// completed on the GPU.
//
// # Recording
//
// A CommandEncoder records passes, copies and dispatches without touching
// the backend. It validates every call against the bound pipeline, the bind
// groups and the usage flags of the resources, and tracks how each resource
// is accessed. Whenever an access conflicts with the previous one the
// encoder inserts a barrier lowered for the device's barrier model. A failed
// call returns a *ValidationError and leaves the encoder recording, but the
// command buffer it finishes into can no longer be submitted.
//
// # Submission
//
// Queue.Submit assigns the next submission index of the queue, prepends the
// transitions between the state each resource was left in and the state the
// command buffer expects, clears memory that would otherwise be read
// uninitialized, and hands the work to the backend with a fence signal equal
// to the index. Queue.Poll and Queue.Wait observe completion in submission
// order and reclaim command buffers and destroyed resources.
//
// # Device loss
//
// When the backend reports the device lost, every pending and future wait,
// submission and creation on the device fails with ErrDeviceLost.
//
// # Thread safety
//
// Device and Queue are safe for concurrent use. A CommandEncoder and its
// passes belong to one goroutine; encoders on different goroutines record
// independently.
package core
