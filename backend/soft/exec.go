// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package soft

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpurt/backend"
)

// execState is the binding state of one command list while it executes.
type execState struct {
	pipeline *computePipeline
	groups   []*bindGroup
	discard  []*texture
	discardL [][2]uint32
}

func (d *Device) execute(queue int, l *backend.CommandList) {
	var st execState
	for _, cmd := range l.Commands {
		d.logCall(queue, cmd.Name(), commandLabel(cmd))
		d.run(&st, cmd)
	}
}

func commandLabel(cmd backend.Command) string {
	switch c := cmd.(type) {
	case backend.BeginRenderPass:
		return c.Label
	case backend.BeginComputePass:
		return c.Label
	case backend.PushDebugGroup:
		return c.Label
	case backend.Barrier:
		global := c.Global != nil
		return fmt.Sprintf("buffers=%d textures=%d global=%v", len(c.Buffers), len(c.Textures), global)
	case backend.Dispatch:
		return fmt.Sprintf("%dx%dx%d", c.X, c.Y, c.Z)
	default:
		return ""
	}
}

//nolint:gocyclo,cyclop // one case per command type
func (d *Device) run(st *execState, cmd backend.Command) {
	switch c := cmd.(type) {
	case backend.WriteBuffer:
		if b, ok := c.Buffer.(*buffer); ok {
			copy(b.data[c.Offset:], c.Data)
		}

	case backend.ClearBuffer:
		if b, ok := c.Buffer.(*buffer); ok {
			clear(b.data[c.Offset : c.Offset+c.Size])
		}

	case backend.ClearTexture:
		if t, ok := c.Texture.(*texture); ok {
			clear(t.plane(c.MipLevel, c.Layer))
		}

	case backend.CopyBufferToBuffer:
		src, ok1 := c.Src.(*buffer)
		dst, ok2 := c.Dst.(*buffer)
		if ok1 && ok2 {
			copy(dst.data[c.DstOffset:c.DstOffset+c.Size], src.data[c.SrcOffset:c.SrcOffset+c.Size])
		}

	case backend.CopyBufferToTexture:
		src, ok1 := c.Src.(*buffer)
		dst, ok2 := c.Dst.Texture.(*texture)
		if ok1 && ok2 {
			copyRows(c.Size, dst, c.Dst, func(layer, row uint32, texels []byte) {
				copy(texels, src.data[rowOffset(c.Layout, layer, row):])
			})
		}

	case backend.CopyTextureToBuffer:
		src, ok1 := c.Src.Texture.(*texture)
		dst, ok2 := c.Dst.(*buffer)
		if ok1 && ok2 {
			copyRows(c.Size, src, c.Src, func(layer, row uint32, texels []byte) {
				copy(dst.data[rowOffset(c.Layout, layer, row):], texels)
			})
		}

	case backend.CopyTextureToTexture:
		src, ok1 := c.Src.Texture.(*texture)
		dst, ok2 := c.Dst.Texture.(*texture)
		if ok1 && ok2 {
			rowBytes := c.Size.Width * src.texel
			copyRows(c.Size, dst, c.Dst, func(layer, row uint32, texels []byte) {
				sp := src.plane(c.Src.MipLevel, c.Src.Origin.Z+layer)
				sw, _ := src.mipSize(c.Src.MipLevel)
				off := ((c.Src.Origin.Y+row)*sw + c.Src.Origin.X) * src.texel
				copy(texels, sp[off:off+rowBytes])
			})
		}

	case backend.BeginRenderPass:
		for _, a := range c.Color {
			t, ok := a.Texture.(*texture)
			if !ok {
				continue
			}
			if a.LoadOp == gputypes.LoadOpClear {
				fill(t.plane(a.MipLevel, a.Layer), clearTexel(t.format, a.ClearValue))
			}
			if a.StoreOp == gputypes.StoreOpDiscard {
				st.discard = append(st.discard, t)
				st.discardL = append(st.discardL, [2]uint32{a.MipLevel, a.Layer})
			}
		}
		if ds := c.DepthStencil; ds != nil {
			if t, ok := ds.Texture.(*texture); ok && ds.DepthLoadOp == gputypes.LoadOpClear {
				clear(t.plane(0, 0))
			}
		}

	case backend.BeginComputePass:
		st.pipeline = nil
		st.groups = st.groups[:0]

	case backend.EndPass:
		// Discarded attachments lose their contents.
		for i, t := range st.discard {
			clear(t.plane(st.discardL[i][0], st.discardL[i][1]))
		}
		st.discard, st.discardL = nil, nil

	case backend.SetPipeline:
		if p, ok := c.Pipeline.(*computePipeline); ok {
			st.pipeline = p
		}

	case backend.SetBindGroup:
		g, ok := c.Group.(*bindGroup)
		if !ok {
			return
		}
		for uint32(len(st.groups)) <= c.Index {
			st.groups = append(st.groups, nil)
		}
		st.groups[c.Index] = g

	case backend.Dispatch:
		d.dispatch(st, c.X, c.Y, c.Z)

	case backend.DispatchIndirect:
		if b, ok := c.Buffer.(*buffer); ok && c.Offset+12 <= uint64(len(b.data)) {
			args := b.data[c.Offset:]
			le := binary.LittleEndian
			d.dispatch(st, le.Uint32(args[0:]), le.Uint32(args[4:]), le.Uint32(args[8:]))
		}
	}
}

func (d *Device) dispatch(st *execState, x, y, z uint32) {
	if st.pipeline == nil {
		return
	}
	k, ok := d.kernels[st.pipeline.entryPoint]
	if !ok {
		return
	}
	groups := make([][]Binding, len(st.groups))
	for i, g := range st.groups {
		if g == nil {
			continue
		}
		for _, e := range g.entries {
			b, ok := e.Buffer.(*buffer)
			if !ok {
				continue
			}
			end := uint64(len(b.data))
			if e.Size != 0 {
				end = e.Offset + e.Size
			}
			groups[i] = append(groups[i], Binding{Binding: e.Binding, Data: b.data[e.Offset:end]})
		}
	}
	k(groups, x, y, z)
}

// copyRows calls fn with the destination texels of every row of a copy into
// or out of texture t at region r.
func copyRows(size gputypes.Extent3D, t *texture, r backend.TextureRegion, fn func(layer, row uint32, texels []byte)) {
	w, _ := t.mipSize(r.MipLevel)
	rowBytes := size.Width * t.texel
	for layer := uint32(0); layer < max(size.DepthOrArrayLayers, 1); layer++ {
		p := t.plane(r.MipLevel, r.Origin.Z+layer)
		if p == nil {
			return
		}
		for row := uint32(0); row < size.Height; row++ {
			off := ((r.Origin.Y+row)*w + r.Origin.X) * t.texel
			fn(layer, row, p[off:off+rowBytes])
		}
	}
}

func rowOffset(l backend.BufferLayout, layer, row uint32) uint64 {
	return l.Offset + uint64(layer)*uint64(l.RowsPerImage)*uint64(l.BytesPerRow) + uint64(row)*uint64(l.BytesPerRow)
}

func fill(dst, texel []byte) {
	for i := 0; i+len(texel) <= len(dst); i += len(texel) {
		copy(dst[i:], texel)
	}
}

func unorm[F float32 | float64](v F) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	default:
		return byte(v*255 + 0.5)
	}
}

func clearTexel(format gputypes.TextureFormat, c gputypes.Color) []byte {
	switch format {
	case gputypes.TextureFormatR8Unorm:
		return []byte{unorm(c.R)}
	case gputypes.TextureFormatBGRA8Unorm:
		return []byte{unorm(c.B), unorm(c.G), unorm(c.R), unorm(c.A)}
	default:
		return []byte{unorm(c.R), unorm(c.G), unorm(c.B), unorm(c.A)}
	}
}
