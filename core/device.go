// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package core

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gpurt/backend"
	"github.com/gogpu/gpurt/id"
	"github.com/gogpu/gpurt/metrics"
	"github.com/gogpu/gpurt/registry"
	"github.com/gogpu/gpurt/trace"
	"github.com/gogpu/gpurt/track"
)

// Device is an opened backend device together with the object tables,
// queues and synchronization state of the runtime.
//
// Lock order: Queue.mu before Device.stateMu. Registries lock internally and
// never call out.
type Device struct {
	label       string
	backendName string
	raw         backend.Device
	caps        backend.Capabilities
	policy      track.Policy
	opts        options

	buffers          *registry.Registry[bufferRecord]
	textures         *registry.Registry[textureRecord]
	samplers         *registry.Registry[samplerRecord]
	modules          *registry.Registry[shaderModuleRecord]
	bindGroupLayouts *registry.Registry[bindGroupLayoutRecord]
	pipelineLayouts  *registry.Registry[pipelineLayoutRecord]
	bindGroups       *registry.Registry[bindGroupRecord]
	computePipelines *registry.Registry[computePipelineRecord]
	renderPipelines  *registry.Registry[renderPipelineRecord]
	commandBuffers   *registry.Registry[commandBuffer]

	queues []*Queue

	// stateMu guards the tracked state of every record, command buffer
	// states and the pending destruction list.
	stateMu     sync.Mutex
	pendingFree []pendingFree

	lost      atomic.Bool
	lostOnce  sync.Once
	destroyed atomic.Bool
	done      chan struct{}

	trace    *trace.Writer
	metrics  *metrics.Metrics
	encoders atomic.Uint64
}

// pendingFree is a freed object waiting for its last submissions.
type pendingFree struct {
	handle  id.Handle
	life    *life
	destroy func()
	release func() error
}

// OpenDevice opens a device on adapter WithAdapter of b. Requested queues,
// features and limits beyond the adapter's capabilities fail with an
// *UnsupportedFeatureError.
func OpenDevice(b backend.Backend, opts ...Option) (*Device, error) {
	o := defaultOptions().with(opts)
	caps, err := b.Capabilities(o.adapter)
	if err != nil {
		return nil, fmt.Errorf("core: open %s adapter %d: %w", b.Name(), o.adapter, err)
	}
	queues := max(o.queues, 1)
	if queues > caps.Queues {
		return nil, &UnsupportedFeatureError{Op: "OpenDevice", Feature: "queues", Requested: uint64(queues), Supported: uint64(caps.Queues)}
	}
	if missing := caps.MissingFeatures(o.features); missing != 0 {
		return nil, &UnsupportedFeatureError{Op: "OpenDevice", Feature: fmt.Sprintf("features %#x", uint64(missing))}
	}
	if o.limits != nil {
		if name := caps.Limits.Satisfies(*o.limits); name != "" {
			return nil, &UnsupportedFeatureError{Op: "OpenDevice", Feature: name}
		}
	}

	raw, err := b.Open(o.adapter, backend.DeviceRequest{
		Label:    o.label,
		Features: o.features,
		Limits:   o.limits,
		Queues:   queues,
	})
	if err != nil {
		return nil, fmt.Errorf("core: open %s adapter %d: %w", b.Name(), o.adapter, err)
	}
	d, err := newDevice(b.Name(), raw, o)
	if err != nil {
		raw.Destroy()
		return nil, err
	}
	return d, nil
}

// WrapDevice adopts an already opened backend device. The Device takes
// ownership of raw and destroys it in Destroy.
func WrapDevice(backendName string, raw backend.Device, opts ...Option) (*Device, error) {
	if raw == nil {
		return nil, errors.New("core: WrapDevice: nil device")
	}
	return newDevice(backendName, raw, defaultOptions().with(opts))
}

func newDevice(backendName string, raw backend.Device, o options) (*Device, error) {
	caps := raw.Capabilities()
	queues := max(o.queues, 1)
	if queues > caps.Queues {
		return nil, &UnsupportedFeatureError{Op: "OpenDevice", Feature: "queues", Requested: uint64(queues), Supported: uint64(caps.Queues)}
	}

	d := &Device{
		label:            o.label,
		backendName:      backendName,
		raw:              raw,
		caps:             caps,
		policy:           track.Policy{LayoutAware: caps.LayoutAware()},
		opts:             o,
		buffers:          registry.New[bufferRecord](id.KindBuffer),
		textures:         registry.New[textureRecord](id.KindTexture),
		samplers:         registry.New[samplerRecord](id.KindSampler),
		modules:          registry.New[shaderModuleRecord](id.KindShaderModule),
		bindGroupLayouts: registry.New[bindGroupLayoutRecord](id.KindBindGroupLayout),
		pipelineLayouts:  registry.New[pipelineLayoutRecord](id.KindPipelineLayout),
		bindGroups:       registry.New[bindGroupRecord](id.KindBindGroup),
		computePipelines: registry.New[computePipelineRecord](id.KindComputePipeline),
		renderPipelines:  registry.New[renderPipelineRecord](id.KindRenderPipeline),
		commandBuffers:   registry.New[commandBuffer](id.KindCommandBuffer),
		done:             make(chan struct{}),
		metrics:          o.metrics,
	}

	for i := 0; i < queues; i++ {
		f, err := raw.CreateFence()
		if err != nil {
			for _, q := range d.queues {
				raw.DestroyFence(q.fence)
			}
			return nil, fmt.Errorf("core: create fence for queue %d: %w", i, err)
		}
		d.queues = append(d.queues, newQueue(d, i, f))
	}

	if err := d.openTrace(); err != nil {
		for _, q := range d.queues {
			raw.DestroyFence(q.fence)
		}
		return nil, err
	}

	go d.watch()

	slogger().Info("core: device opened",
		"backend", backendName,
		"label", o.label,
		"queues", queues,
		"barriers", caps.Barriers,
		"shader", caps.Shader)
	return d, nil
}

func (d *Device) openTrace() error {
	w := d.opts.traceWriter
	if w == nil && d.opts.tracePath != "" {
		f, err := os.Create(d.opts.tracePath)
		if err != nil {
			return fmt.Errorf("core: trace: %w", err)
		}
		w = f
	}
	if w == nil {
		return nil
	}
	tw, err := trace.NewWriter(w, d.backendName)
	if err != nil {
		if c, ok := w.(io.Closer); ok && d.opts.traceWriter == nil {
			_ = c.Close()
		}
		return fmt.Errorf("core: trace: %w", err)
	}
	d.trace = tw
	return nil
}

// watch turns the backend's loss notification into the device lost state.
func (d *Device) watch() {
	select {
	case <-d.raw.Lost():
		d.markLost("backend reported device lost")
	case <-d.done:
	}
}

// markLost poisons the device. It must not take queue locks: it runs from
// inside Submit and Wait.
func (d *Device) markLost(reason string) {
	d.lostOnce.Do(func() {
		d.lost.Store(true)
		d.metrics.Lost(d.backendName)
		slogger().Warn("core: device lost", "backend", d.backendName, "label", d.label, "reason", reason)
	})
}

// Lost reports whether the device has been lost.
func (d *Device) Lost() bool { return d.isLost() }

// isLost also observes a backend loss the watcher has not handled yet, so
// loss is visible to the first call after it happens.
func (d *Device) isLost() bool {
	if d.lost.Load() {
		return true
	}
	select {
	case <-d.raw.Lost():
		d.markLost("backend reported device lost")
		return true
	default:
		return false
	}
}

// Label returns the device label.
func (d *Device) Label() string { return d.label }

// BackendName returns the name of the backend the device runs on.
func (d *Device) BackendName() string { return d.backendName }

// Capabilities returns what the device supports.
func (d *Device) Capabilities() backend.Capabilities { return d.caps }

// Trace returns the operation log, or nil when tracing is off.
func (d *Device) Trace() *trace.Writer { return d.trace }

// Queue returns queue i, or nil when out of range.
func (d *Device) Queue(i int) *Queue {
	if i < 0 || i >= len(d.queues) {
		return nil
	}
	return d.queues[i]
}

// Queues returns the number of queues.
func (d *Device) Queues() int { return len(d.queues) }

func (d *Device) check() error {
	switch {
	case d.destroyed.Load():
		return ErrDestroyed
	case d.isLost():
		return ErrDeviceLost
	default:
		return nil
	}
}

// backendErr wraps a backend failure and poisons the device when the
// backend reports loss.
func (d *Device) backendErr(op string, err error) error {
	if errors.Is(err, backend.ErrDeviceLost) {
		d.markLost(op + " failed")
	}
	return fmt.Errorf("core: %s: %w", op, err)
}

func (d *Device) invalid(op, format string, args ...any) error {
	d.metrics.Validation(op)
	return validationf(op, format, args...)
}

func (d *Device) invalidErr(op, reason string, err error) error {
	d.metrics.Validation(op)
	return &ValidationError{Op: op, Reason: reason, Err: err}
}

func (d *Device) unsupported(op, feature string, requested, supported uint64) error {
	return &UnsupportedFeatureError{Op: op, Feature: feature, Requested: requested, Supported: supported}
}

// record appends an operation to the trace. Trace failures are logged and
// never fail the operation.
func (d *Device) record(op string, args any, handles ...id.Handle) {
	if d.trace == nil {
		return
	}
	if err := d.trace.Record(op, args, handles...); err != nil {
		slogger().Warn("core: trace write failed", "op", op, "err", err)
	}
}

func (d *Device) live(k id.Kind) int {
	switch k {
	case id.KindBuffer:
		return d.buffers.Live()
	case id.KindTexture:
		return d.textures.Live()
	case id.KindSampler:
		return d.samplers.Live()
	case id.KindShaderModule:
		return d.modules.Live()
	case id.KindBindGroupLayout:
		return d.bindGroupLayouts.Live()
	case id.KindPipelineLayout:
		return d.pipelineLayouts.Live()
	case id.KindBindGroup:
		return d.bindGroups.Live()
	case id.KindComputePipeline:
		return d.computePipelines.Live()
	case id.KindRenderPipeline:
		return d.renderPipelines.Live()
	case id.KindCommandBuffer:
		return d.commandBuffers.Live()
	default:
		return 0
	}
}

func (d *Device) setLive(k id.Kind) {
	d.metrics.SetLive(k.String(), d.live(k))
}

// LiveHandles returns the number of live handles of kind k.
func (d *Device) LiveHandles(k id.Kind) int { return d.live(k) }

// freeIn starts the two-phase free of h: the handle stops resolving now and
// the object is destroyed by reclaim once its submissions complete. The slot
// is freed under stateMu so a Submit in progress either sees the handle
// live and records its submission, or fails validation.
func freeIn[T any, P interface {
	*T
	lifetime() *life
}](d *Device, r *registry.Registry[T], h id.Handle, destroy func(*T)) error {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	rec, err := r.Free(h)
	if err != nil {
		return err
	}
	l := P(rec).lifetime()
	l.freed = true
	d.pendingFree = append(d.pendingFree, pendingFree{
		handle:  h,
		life:    l,
		destroy: func() { destroy(rec) },
		release: func() error { return r.Release(h) },
	})
	return nil
}

// hold pins the objects a new object is created from, so freeing them
// defers their destruction until the new object is destroyed. It fails
// when one of them no longer resolves.
func (d *Device) hold(parents ...id.Handle) ([]*life, error) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	lives := make([]*life, 0, len(parents))
	for _, h := range parents {
		l, err := d.lifeOf(h)
		if err != nil {
			unholdLocked(lives)
			return nil, err
		}
		l.users++
		lives = append(lives, l)
	}
	return lives, nil
}

// unhold releases parents pinned by hold.
func (d *Device) unhold(parents []*life) {
	if len(parents) == 0 {
		return
	}
	d.stateMu.Lock()
	unholdLocked(parents)
	d.stateMu.Unlock()
}

// abandon releases the parents of an object whose creation failed. A parent
// freed in the meantime is reclaimed.
func (d *Device) abandon(parents []*life) {
	d.unhold(parents)
	d.reclaim()
}

func unholdLocked(parents []*life) {
	for _, l := range parents {
		l.users--
	}
}

// Free destroys the object named by h. The handle is stale from now on;
// the native object and its slot are recycled once every submission that
// used the object has completed and every object created from it has been
// destroyed. Freeing a command buffer discards it.
//
// Free works on a lost device so callers can release what they hold.
func (d *Device) Free(h id.Handle) error {
	if d.destroyed.Load() {
		return ErrDestroyed
	}
	var err error
	switch h.Kind() {
	case id.KindBuffer:
		err = freeIn(d, d.buffers, h, func(r *bufferRecord) { d.raw.DestroyBuffer(r.raw) })
	case id.KindTexture:
		err = freeIn(d, d.textures, h, func(r *textureRecord) { d.raw.DestroyTexture(r.raw) })
	case id.KindSampler:
		err = freeIn(d, d.samplers, h, func(r *samplerRecord) { d.raw.DestroySampler(r.raw) })
	case id.KindShaderModule:
		err = freeIn(d, d.modules, h, func(r *shaderModuleRecord) { d.raw.DestroyShaderModule(r.raw) })
	case id.KindBindGroupLayout:
		err = freeIn(d, d.bindGroupLayouts, h, func(r *bindGroupLayoutRecord) { d.raw.DestroyBindGroupLayout(r.raw) })
	case id.KindPipelineLayout:
		err = freeIn(d, d.pipelineLayouts, h, func(r *pipelineLayoutRecord) { d.raw.DestroyPipelineLayout(r.raw) })
	case id.KindBindGroup:
		err = freeIn(d, d.bindGroups, h, func(r *bindGroupRecord) { d.raw.DestroyBindGroup(r.raw) })
	case id.KindComputePipeline:
		err = freeIn(d, d.computePipelines, h, func(r *computePipelineRecord) { d.raw.DestroyComputePipeline(r.raw) })
	case id.KindRenderPipeline:
		err = freeIn(d, d.renderPipelines, h, func(r *renderPipelineRecord) { d.raw.DestroyRenderPipeline(r.raw) })
	case id.KindCommandBuffer:
		return d.DiscardCommandBuffer(h)
	default:
		err = &StaleHandleError{Handle: h, Reason: "unknown kind"}
	}
	if err != nil {
		return fmt.Errorf("core: Free: %w", err)
	}
	d.record(trace.OpDestroy, nil, h)
	d.setLive(h.Kind())
	d.reclaim()
	return nil
}

// idle reports whether every submission referencing l has completed and
// nothing created from it is still alive. Caller holds stateMu.
func (d *Device) idle(l *life) bool {
	if l.users > 0 {
		return false
	}
	for q, idx := range l.last {
		if idx > d.queues[q].Completed() {
			return false
		}
	}
	return true
}

// reclaim destroys the freed objects no pending submission or live object
// references and releases their handles. Destroying an object can make its
// parents reclaimable, so reclaim repeats until nothing more is ready. On a
// lost device nothing will complete, so everything pending is destroyed,
// children before parents.
func (d *Device) reclaim() {
	lost := d.isLost()
	for {
		d.stateMu.Lock()
		var ready []pendingFree
		kept := d.pendingFree[:0]
		for _, p := range d.pendingFree {
			if p.life.users == 0 && (lost || d.idle(p.life)) {
				ready = append(ready, p)
			} else {
				kept = append(kept, p)
			}
		}
		clear(d.pendingFree[len(kept):])
		d.pendingFree = kept
		d.stateMu.Unlock()

		if len(ready) == 0 {
			return
		}
		for _, p := range ready {
			p.destroy()
			d.unhold(p.life.parents)
			if err := p.release(); err != nil {
				slogger().Warn("core: release failed", "handle", p.handle, "err", err)
				continue
			}
			d.metrics.Reclaim(p.handle.Kind().String())
			slogger().Debug("core: reclaimed", "handle", p.handle)
		}
	}
}

// PendingDestruction returns the number of freed objects still waiting for
// their submissions to complete.
func (d *Device) PendingDestruction() int {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	return len(d.pendingFree)
}

// ReadBuffer waits for every submission using the buffer and returns size
// bytes from offset. The buffer needs MapRead usage. Memory no command has
// written reads as zero.
func (d *Device) ReadBuffer(h id.Handle, offset, size uint64) ([]byte, error) {
	const op = "ReadBuffer"
	if err := d.check(); err != nil {
		return nil, err
	}
	buf, err := d.buffers.Resolve(h)
	if err != nil {
		return nil, fmt.Errorf("core: %s: %w", op, err)
	}
	if buf.desc.Usage&gputypes.BufferUsageMapRead == 0 {
		return nil, d.invalid(op, "buffer %q lacks MapRead usage", buf.desc.Label)
	}
	if offset+size > buf.desc.Size || offset+size < offset {
		return nil, d.invalid(op, "range [%d, %d) outside buffer of %d bytes", offset, offset+size, buf.desc.Size)
	}

	d.stateMu.Lock()
	last := append([]SubmissionIndex(nil), buf.last...)
	d.stateMu.Unlock()
	for q, idx := range last {
		if idx == 0 {
			continue
		}
		if err := d.queues[q].Wait(idx, d.opts.fenceTimeout); err != nil {
			return nil, fmt.Errorf("core: %s: %w", op, err)
		}
	}

	out := make([]byte, size)
	if err := d.raw.ReadBuffer(buf.raw, offset, out); err != nil {
		return nil, d.backendErr(op, err)
	}
	d.stateMu.Lock()
	uninit := buf.init.Uninitialized(track.Range{Start: offset, End: offset + size})
	d.stateMu.Unlock()
	for _, r := range uninit {
		clear(out[r.Start-offset : r.End-offset])
	}
	return out, nil
}

// Poll polls every queue, completes finished submissions and reclaims what
// they released.
func (d *Device) Poll() error {
	if err := d.check(); err != nil {
		return err
	}
	var g errgroup.Group
	for _, q := range d.queues {
		g.Go(func() error {
			_, err := q.Poll()
			return err
		})
	}
	return g.Wait()
}

// WaitIdle waits until every submission made so far has completed on all
// queues.
func (d *Device) WaitIdle(ctx context.Context) error {
	if err := d.check(); err != nil {
		return err
	}
	return d.waitIdle(ctx)
}

func (d *Device) waitIdle(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range d.queues {
		g.Go(func() error {
			return q.WaitContext(ctx, q.Submitted())
		})
	}
	err := g.Wait()
	d.reclaim()
	return err
}

// teardownRank orders kinds so every object is destroyed before the
// objects it was created from.
func teardownRank(k id.Kind) int {
	switch k {
	case id.KindBindGroup, id.KindComputePipeline, id.KindRenderPipeline, id.KindCommandBuffer:
		return 0
	case id.KindPipelineLayout:
		return 1
	case id.KindBindGroupLayout:
		return 2
	default:
		return 3
	}
}

func destroyLive[T any](r *registry.Registry[T], destroy func(*T)) {
	var recs []*T
	r.Range(func(_ id.Handle, v *T) bool {
		recs = append(recs, v)
		return true
	})
	for _, v := range recs {
		destroy(v)
	}
}

// Destroy waits up to the fence timeout for outstanding work, destroys
// every object the device still owns and closes the trace. Later calls on
// the device fail with ErrDestroyed.
func (d *Device) Destroy() {
	if !d.destroyed.CompareAndSwap(false, true) {
		return
	}
	if !d.isLost() {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.fenceTimeout)
		if err := d.waitIdle(ctx); err != nil {
			slogger().Warn("core: destroying device with work in flight", "label", d.label, "err", err)
		}
		cancel()
	}
	close(d.done)

	d.stateMu.Lock()
	pending := d.pendingFree
	d.pendingFree = nil
	d.stateMu.Unlock()

	// Objects are destroyed before the objects they were created from,
	// whether freed or still live.
	slices.SortStableFunc(pending, func(a, b pendingFree) int {
		return cmp.Compare(teardownRank(a.handle.Kind()), teardownRank(b.handle.Kind()))
	})
	next := 0
	drain := func(rank int) {
		for ; next < len(pending) && teardownRank(pending[next].handle.Kind()) <= rank; next++ {
			pending[next].destroy()
		}
	}
	drain(0)
	destroyLive(d.bindGroups, func(r *bindGroupRecord) { d.raw.DestroyBindGroup(r.raw) })
	destroyLive(d.computePipelines, func(r *computePipelineRecord) { d.raw.DestroyComputePipeline(r.raw) })
	destroyLive(d.renderPipelines, func(r *renderPipelineRecord) { d.raw.DestroyRenderPipeline(r.raw) })
	drain(1)
	destroyLive(d.pipelineLayouts, func(r *pipelineLayoutRecord) { d.raw.DestroyPipelineLayout(r.raw) })
	drain(2)
	destroyLive(d.bindGroupLayouts, func(r *bindGroupLayoutRecord) { d.raw.DestroyBindGroupLayout(r.raw) })
	drain(3)
	destroyLive(d.modules, func(r *shaderModuleRecord) { d.raw.DestroyShaderModule(r.raw) })
	destroyLive(d.samplers, func(r *samplerRecord) { d.raw.DestroySampler(r.raw) })
	destroyLive(d.textures, func(r *textureRecord) { d.raw.DestroyTexture(r.raw) })
	destroyLive(d.buffers, func(r *bufferRecord) { d.raw.DestroyBuffer(r.raw) })
	for _, q := range d.queues {
		d.raw.DestroyFence(q.fence)
	}
	d.raw.Destroy()

	if d.trace != nil {
		if err := d.trace.Close(); err != nil {
			slogger().Warn("core: trace close failed", "err", err)
		}
	}
	slogger().Info("core: device destroyed", "backend", d.backendName, "label", d.label)
}
