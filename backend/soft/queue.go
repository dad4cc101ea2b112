// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package soft

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpurt/backend"
)

// fence is a timeline semaphore. changed is closed and replaced on every
// signal so waiters can select on it together with a timer.
type fence struct {
	mu      sync.Mutex
	value   uint64
	changed chan struct{}
}

func newFence() *fence {
	return &fence{changed: make(chan struct{})}
}

func (f *fence) signal(v uint64) {
	f.mu.Lock()
	if v > f.value {
		f.value = v
	}
	close(f.changed)
	f.changed = make(chan struct{})
	f.mu.Unlock()
}

func (f *fence) load() (uint64, <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.changed
}

type job struct {
	lists  []*backend.CommandList
	signal backend.FenceSignal
	waits  []backend.FenceWait
}

// queue executes jobs in FIFO order on its own goroutine.
type queue struct {
	dev   *Device
	index int

	mu      sync.Mutex
	cond    *sync.Cond
	jobs    []job
	paused  bool
	stopped bool
	done    chan struct{}
}

func newQueue(d *Device, index int) *queue {
	q := &queue{dev: d, index: index, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(j job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *queue) setPaused(p bool) {
	q.mu.Lock()
	q.paused = p
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *queue) stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.done)
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// next blocks until a job may run. It returns false when the queue stops or
// the device is lost; queued jobs are then dropped unsignaled.
func (q *queue) next() (job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.stopped || q.dev.isLost.Load() {
			q.jobs = nil
			return job{}, false
		}
		if !q.paused && len(q.jobs) > 0 {
			j := q.jobs[0]
			q.jobs = q.jobs[1:]
			return j, true
		}
		q.cond.Wait()
	}
}

func (q *queue) run() {
	// Wake the worker when the device is lost so it can drop its jobs.
	go func() {
		select {
		case <-q.dev.lost:
			q.mu.Lock()
			q.mu.Unlock() //nolint:staticcheck // orders the broadcast after next's check
			q.cond.Broadcast()
		case <-q.done:
		}
	}()

	for {
		j, ok := q.next()
		if !ok {
			return
		}
		if !q.awaitFences(j.waits) {
			return
		}
		for _, l := range j.lists {
			q.dev.execute(q.index, l)
		}
		if q.dev.isLost.Load() {
			return
		}
		if f, ok := j.signal.Fence.(*fence); ok {
			f.signal(j.signal.Value)
		}
	}
}

// awaitFences blocks until every wait is satisfied. It returns false if the
// device is lost or the queue is stopped first.
func (q *queue) awaitFences(waits []backend.FenceWait) bool {
	for _, w := range waits {
		f, ok := w.Fence.(*fence)
		if !ok {
			continue
		}
		for {
			v, changed := f.load()
			if v >= w.Value {
				break
			}
			select {
			case <-changed:
			case <-q.dev.lost:
				return false
			case <-q.done:
				return false
			}
		}
	}
	return true
}

// CreateFence creates a timeline fence at 0.
func (d *Device) CreateFence() (backend.Object, error) {
	if err := d.checkLost(); err != nil {
		return nil, err
	}
	return newFence(), nil
}

// DestroyFence is a no-op; fences are garbage collected.
func (d *Device) DestroyFence(backend.Object) {}

// FenceValue returns the last signaled value.
func (d *Device) FenceValue(obj backend.Object) (uint64, error) {
	f, ok := obj.(*fence)
	if !ok {
		return 0, fmt.Errorf("soft: FenceValue: not a fence: %w", backend.ErrUnsupported)
	}
	v, _ := f.load()
	return v, nil
}

// Wait blocks until the fence reaches value, the timeout elapses or the
// device is lost. Without blocking waits it only checks the current value.
func (d *Device) Wait(obj backend.Object, value uint64, timeout time.Duration) (bool, error) {
	f, ok := obj.(*fence)
	if !ok {
		return false, fmt.Errorf("soft: Wait: not a fence: %w", backend.ErrUnsupported)
	}

	v, changed := f.load()
	if v >= value {
		return true, nil
	}
	if d.isLost.Load() {
		return false, backend.ErrDeviceLost
	}
	if !d.caps.BlockingWait || timeout <= 0 {
		return false, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-changed:
			if v, changed = f.load(); v >= value {
				return true, nil
			}
		case <-d.lost:
			if v, _ = f.load(); v >= value {
				return true, nil
			}
			return false, backend.ErrDeviceLost
		case <-timer.C:
			return false, nil
		}
	}
}

// Submit queues lists for execution on queue.
func (d *Device) Submit(queue int, lists []*backend.CommandList, signal backend.FenceSignal, waits []backend.FenceWait) error {
	if err := d.checkLost(); err != nil {
		return err
	}
	if queue < 0 || queue >= len(d.queues) {
		return fmt.Errorf("soft: queue %d out of range: %w", queue, backend.ErrUnsupported)
	}
	d.logCall(queue, "Submit", fmt.Sprintf("lists=%d signal=%d waits=%d", len(lists), signal.Value, len(waits)))
	d.queues[queue].push(job{lists: lists, signal: signal, waits: waits})
	return nil
}
