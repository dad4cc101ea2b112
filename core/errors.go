// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package core

import (
	"errors"
	"fmt"

	"github.com/gogpu/gpurt/backend"
	"github.com/gogpu/gpurt/registry"
)

// Errors surfaced by device operations. They match the backend sentinels
// with errors.Is, so a backend failure and a core failure read the same.
var (
	// ErrOutOfMemory is returned when the backend cannot allocate a
	// resource. Freeing resources and retrying may succeed.
	ErrOutOfMemory = backend.ErrOutOfMemory

	// ErrDeviceLost is returned by every operation on a lost device.
	ErrDeviceLost = backend.ErrDeviceLost

	// ErrTimeout is returned when a fence wait exceeds its bound. The
	// submission may still complete; waiting again is allowed.
	ErrTimeout = errors.New("core: timeout")

	// ErrDestroyed is returned by operations on a destroyed device.
	ErrDestroyed = errors.New("core: device destroyed")
)

// StaleHandleError reports a handle whose slot was freed or reused, or that
// was issued by another device.
type StaleHandleError = registry.StaleHandleError

// ValidationError reports a call that violates the recording or submission
// rules. Recording calls that fail leave the encoder usable, but the
// command buffer it produces cannot be submitted.
type ValidationError struct {
	// Op is the failing operation, such as "CopyBufferToBuffer".
	Op string

	// Reason describes the violated rule.
	Reason string

	// Err is an optional underlying error.
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("core: %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("core: %s: %s", e.Op, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func validationf(op, format string, args ...any) *ValidationError {
	return &ValidationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// UnsupportedFeatureError reports a creation request beyond the device's
// advertised capabilities.
type UnsupportedFeatureError struct {
	// Op is the creating operation.
	Op string

	// Feature names the missing capability: a texture format, a limit
	// name or a feature flag.
	Feature string

	// Requested and Supported describe the values involved, when numeric.
	Requested uint64
	Supported uint64
}

func (e *UnsupportedFeatureError) Error() string {
	if e.Requested != 0 || e.Supported != 0 {
		return fmt.Sprintf("core: %s: unsupported %s (requested %d, supported %d)",
			e.Op, e.Feature, e.Requested, e.Supported)
	}
	return fmt.Sprintf("core: %s: unsupported %s", e.Op, e.Feature)
}

// Unwrap lets errors.Is match backend.ErrUnsupported.
func (e *UnsupportedFeatureError) Unwrap() error { return backend.ErrUnsupported }
