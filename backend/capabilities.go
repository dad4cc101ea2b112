// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package backend

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// BarrierModel is how a backend expresses synchronization between commands.
type BarrierModel uint8

const (
	// BarrierExplicit backends need one barrier per resource, with image
	// layout transitions for textures and ownership transfers between
	// queues.
	BarrierExplicit BarrierModel = iota

	// BarrierGlobal backends take one memory barrier covering every resource
	// of a batch.
	BarrierGlobal

	// BarrierImplicit backends track hazards in the driver; barriers lower
	// to nothing.
	BarrierImplicit
)

// String returns the string representation of BarrierModel.
func (m BarrierModel) String() string {
	switch m {
	case BarrierExplicit:
		return "Explicit"
	case BarrierGlobal:
		return "Global"
	case BarrierImplicit:
		return "Implicit"
	default:
		return fmt.Sprintf("Unknown(%d)", int(m))
	}
}

// ShaderFormat is the shader representation a backend consumes.
type ShaderFormat uint8

const (
	// ShaderWGSL backends take WGSL source.
	ShaderWGSL ShaderFormat = iota

	// ShaderSPIRV backends take SPIR-V words; the core compiles WGSL first.
	ShaderSPIRV
)

// String returns the string representation of ShaderFormat.
func (f ShaderFormat) String() string {
	switch f {
	case ShaderWGSL:
		return "WGSL"
	case ShaderSPIRV:
		return "SPIR-V"
	default:
		return fmt.Sprintf("Unknown(%d)", int(f))
	}
}

// DefaultMaxWorkgroupsPerDimension is the dispatch size limit used when a
// backend does not report one.
const DefaultMaxWorkgroupsPerDimension = 65535

// Limits are the numeric limits a device enforces.
type Limits struct {
	MaxBufferSize                    uint64
	MaxTextureDimension2D            uint32
	MaxTextureArrayLayers            uint32
	MaxBindGroups                    uint32
	MaxVertexBuffers                 uint32
	MaxColorAttachments              uint32
	MaxComputeWorkgroupSizeX         uint32
	MaxComputeWorkgroupSizeY         uint32
	MaxComputeWorkgroupSizeZ         uint32
	MaxComputeWorkgroupsPerDimension uint32
}

// LimitsFrom converts WebGPU limits, filling what gputypes does not carry
// with WebGPU defaults.
func LimitsFrom(l gputypes.Limits) Limits {
	return Limits{
		MaxBufferSize:                    l.MaxBufferSize,
		MaxTextureDimension2D:            l.MaxTextureDimension2D,
		MaxTextureArrayLayers:            256,
		MaxBindGroups:                    l.MaxBindGroups,
		MaxVertexBuffers:                 8,
		MaxColorAttachments:              8,
		MaxComputeWorkgroupSizeX:         l.MaxComputeWorkgroupSizeX,
		MaxComputeWorkgroupSizeY:         l.MaxComputeWorkgroupSizeY,
		MaxComputeWorkgroupSizeZ:         l.MaxComputeWorkgroupSizeZ,
		MaxComputeWorkgroupsPerDimension: DefaultMaxWorkgroupsPerDimension,
	}
}

// DefaultLimits returns the WebGPU default limits.
func DefaultLimits() Limits {
	return LimitsFrom(gputypes.DefaultLimits())
}

// Satisfies reports the first limit in req that l does not meet, or "".
func (l Limits) Satisfies(req Limits) string {
	checks := []struct {
		name       string
		have, want uint64
	}{
		{"MaxBufferSize", l.MaxBufferSize, req.MaxBufferSize},
		{"MaxTextureDimension2D", uint64(l.MaxTextureDimension2D), uint64(req.MaxTextureDimension2D)},
		{"MaxTextureArrayLayers", uint64(l.MaxTextureArrayLayers), uint64(req.MaxTextureArrayLayers)},
		{"MaxBindGroups", uint64(l.MaxBindGroups), uint64(req.MaxBindGroups)},
		{"MaxVertexBuffers", uint64(l.MaxVertexBuffers), uint64(req.MaxVertexBuffers)},
		{"MaxColorAttachments", uint64(l.MaxColorAttachments), uint64(req.MaxColorAttachments)},
		{"MaxComputeWorkgroupSizeX", uint64(l.MaxComputeWorkgroupSizeX), uint64(req.MaxComputeWorkgroupSizeX)},
		{"MaxComputeWorkgroupSizeY", uint64(l.MaxComputeWorkgroupSizeY), uint64(req.MaxComputeWorkgroupSizeY)},
		{"MaxComputeWorkgroupSizeZ", uint64(l.MaxComputeWorkgroupSizeZ), uint64(req.MaxComputeWorkgroupSizeZ)},
		{"MaxComputeWorkgroupsPerDimension", uint64(l.MaxComputeWorkgroupsPerDimension), uint64(req.MaxComputeWorkgroupsPerDimension)},
	}
	for _, c := range checks {
		if c.want > c.have {
			return c.name
		}
	}
	return ""
}

// Capabilities is what a device supports.
type Capabilities struct {
	// Formats maps every supported texture format to the usages allowed
	// with it. A format absent from the map is unsupported.
	Formats map[gputypes.TextureFormat]gputypes.TextureUsage

	Limits   Limits
	Features gputypes.Features

	Barriers BarrierModel
	Shader   ShaderFormat

	// BlockingWait is false for backends (the web) that cannot block the
	// calling goroutine on a fence; the core polls them instead.
	BlockingWait bool

	// Queues is the number of queues the device exposes.
	Queues int
}

// LayoutAware reports whether textures have explicit layouts that reads
// must agree on.
func (c *Capabilities) LayoutAware() bool {
	return c.Barriers == BarrierExplicit
}

// SupportsFormat reports whether format is supported with every usage in u.
func (c *Capabilities) SupportsFormat(format gputypes.TextureFormat, u gputypes.TextureUsage) bool {
	allowed, ok := c.Formats[format]
	return ok && u&^allowed == 0
}

// MissingFeatures returns the requested features the device lacks.
func (c *Capabilities) MissingFeatures(req gputypes.Features) gputypes.Features {
	return req &^ c.Features
}

// TexelSize returns the size in bytes of one texel of format, or 0 for
// formats the runtime does not know.
func TexelSize(format gputypes.TextureFormat) uint32 {
	switch format {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatBGRA8Unorm,
		gputypes.TextureFormatDepth24PlusStencil8:
		return 4
	default:
		return 0
	}
}

// IsDepthFormat reports whether format is a depth or depth-stencil format.
func IsDepthFormat(format gputypes.TextureFormat) bool {
	return format == gputypes.TextureFormatDepth24PlusStencil8
}

// CommonFormats returns the format table most backends support.
func CommonFormats() map[gputypes.TextureFormat]gputypes.TextureUsage {
	color := gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst |
		gputypes.TextureUsageTextureBinding | gputypes.TextureUsageStorageBinding |
		gputypes.TextureUsageRenderAttachment
	return map[gputypes.TextureFormat]gputypes.TextureUsage{
		gputypes.TextureFormatR8Unorm:             color &^ gputypes.TextureUsageStorageBinding,
		gputypes.TextureFormatRGBA8Unorm:          color,
		gputypes.TextureFormatBGRA8Unorm:          color &^ gputypes.TextureUsageStorageBinding,
		gputypes.TextureFormatDepth24PlusStencil8: gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
	}
}
