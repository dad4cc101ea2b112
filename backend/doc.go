// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package backend defines the contract every native GPU backend implements.
//
// The runtime core never talks to a native API directly. It records
// backend-agnostic commands, computes the synchronization they need, and hands
// finished CommandLists to a Device from this package. A Device hides how the
// native API creates objects, orders work and signals completion; what it
// must not hide is the observable result, which is identical on every
// backend.
//
// # Backend Registration
//
// Backends register a factory with a priority, usually from an init
// function:
//
//	func init() {
//		backend.Register(soft.Name, backend.PrioritySoftware, soft.Factory, nil)
//	}
//
// # Backend Selection
//
// The core selects one backend when a device is created and keeps it for the
// device's lifetime:
//
//	b, err := backend.Select("")        // highest-priority available
//	b, err := backend.Select("vulkan")  // a specific backend
//
// # Synchronization
//
// Transitions computed by the state tracker are lowered with Lower according
// to the device's BarrierModel: explicit per-resource barriers (Vulkan,
// D3D12), one global memory barrier per batch, or nothing at all for backends
// whose driver tracks hazards itself (GL, Metal, the web).
//
// # Capabilities
//
// Each device advertises Capabilities. The core rejects requests exceeding
// them before they reach the backend, so backends may assume valid input.
package backend
