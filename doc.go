// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package gpurt is a GPU runtime core: typed handles over backend objects,
// automatic hazard tracking, validated command recording and ordered
// submission with deferred reclamation.
//
// # Quick Start
//
//	dev, err := gpurt.Open(core.WithQueues(1))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Destroy()
//
//	buf, _ := dev.CreateBuffer(core.BufferDescriptor{
//		Size:  256,
//		Usage: gputypes.BufferUsageCopyDst | gputypes.BufferUsageMapRead,
//	})
//	enc, _ := dev.CreateCommandEncoder("clear")
//	_ = enc.ClearBuffer(buf, 0, 0)
//	cb, _ := enc.Finish()
//	idx, _ := dev.Queue(0).Submit(cb)
//	_ = dev.Queue(0).Wait(idx, time.Second)
//
// # Backends
//
// Importing gpurt registers the soft backend, a CPU reference that always
// works, and the Vulkan backend when the hal was built with it. The
// highest-priority available backend wins unless one is named with
// [core.WithBackend] or the GPURT_BACKEND variable of a [config.Config].
//
// # Packages
//
//   - core: devices, encoders, passes, queues and capture replay
//   - backend: the driver contract, with soft and halgpu implementations
//   - track: usage states, merge rules and barrier derivation
//   - registry and id: generational handle storage
//   - trace: the capture format
//   - metrics: Prometheus collectors
//   - config: TOML and environment settings
package gpurt
