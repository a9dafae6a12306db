/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package runtime is the single-threaded cooperative scheduler built on
// top of package proactor: one Runtime owns exactly one Proactor, a FIFO
// run-queue of spawned tasks, and a monotonic timer heap. Every blocking
// wait the scheduler goroutine performs goes through Proactor.Wait; no
// other blocking syscall is ever made from that goroutine, matching the
// teacher's own single-owner-goroutine discipline in its pool/ring types.
package runtime

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudwego/proactor"
	"github.com/cloudwego/proactor/asyncify"
	"github.com/cloudwego/proactor/internal/key"
	"github.com/cloudwego/proactor/opcode"
)

// ErrClosed is returned by Runtime methods called after Close/Stop.
var ErrClosed = errors.New("runtime: closed")

// ErrCancelled is returned by CancelToken.Wait once the token fires; it is
// constructed locally and never wraps an OS error, matching the
// cancel-token fail-fast path's error taxonomy.
var ErrCancelled = errors.New("runtime: cancelled")

// Runtime is not safe for concurrent Run calls: at most one goroutine may
// own the scheduler loop at a time, exactly as a single OS thread owns one
// Proactor. Spawn, the NotifyHandle, CancelToken.Trigger, and asyncify
// worker completions are the only thread-safe entry points from other
// goroutines.
type Runtime struct {
	p   *proactor.Proactor
	log Logger

	mu      sync.Mutex
	run     []func()
	waiters map[key.Key]*OpFuture
	timers  timerHeap
	stopped bool
}

// New builds a Runtime around a freshly constructed Proactor using cfg
// (nil means proactor.DefaultConfig()).
func New(cfg *proactor.Config) (*Runtime, error) {
	p, err := proactor.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Runtime{p: p, log: defaultLogger, waiters: make(map[key.Key]*OpFuture)}, nil
}

// Proactor exposes the underlying facade for callers that need it
// directly (buffer pool creation, Attach outside of an Attacher).
func (rt *Runtime) Proactor() *proactor.Proactor { return rt.p }

// Spawn enqueues fn to run on the scheduler goroutine at the start of its
// next tick — the run-queue step of the scheduler loop. Safe to call from
// any goroutine.
func (rt *Runtime) Spawn(fn func()) {
	rt.mu.Lock()
	closed := rt.stopped
	if !closed {
		rt.run = append(rt.run, fn)
	}
	rt.mu.Unlock()
	if closed {
		rt.log.Printf("runtime: Spawn called after Stop, dropping task")
		return
	}
	_ = rt.p.Wake()
}

// Submit inserts op into the Proactor and returns a future that resolves
// once its completion is delivered by a future Run tick. Safe to call
// from any goroutine, though the common case is a task running on the
// scheduler goroutine submitting its own next operation.
func (rt *Runtime) Submit(op opcode.Code) (*OpFuture, error) {
	return rt.submit(op, nil)
}

// submit is Submit plus an optional release callback invoked exactly once,
// the instant this operation's completion is delivered (whether or not
// anyone ever calls the returned future's Wait) — the hook Attacher.Submit
// uses to drop its shared-fd clone as soon as the operation it guards is
// done, rather than waiting for the caller to observe the result.
func (rt *Runtime) submit(op opcode.Code, release func()) (*OpFuture, error) {
	k, err := rt.p.Push(op)
	if err != nil {
		return nil, err
	}
	f := &OpFuture{rt: rt, key: k, done: make(chan proactor.Completion, 1), release: release}
	rt.mu.Lock()
	rt.waiters[k] = f
	rt.mu.Unlock()
	return f, nil
}

// RunBlocking dispatches fn to pool and resolves the returned future once
// the worker posts its result back through the Proactor — the bridge the
// readiness-poll backend's fallback path needs for operations (file I/O,
// name resolution) that cannot be driven by a plain (fd, interest)
// readiness wait and so are delegated to the asyncify pool instead.
func (rt *Runtime) RunBlocking(pool *asyncify.Pool, fn func() (int, error)) (*OpFuture, error) {
	k := rt.p.Reserve()
	f := &OpFuture{rt: rt, key: k, done: make(chan proactor.Completion, 1)}
	rt.mu.Lock()
	rt.waiters[k] = f
	rt.mu.Unlock()

	err := pool.Dispatch(func() {
		n, ferr := fn()
		_ = rt.p.Post(k, n, ferr)
	})
	if err != nil {
		var sat *asyncify.ErrPoolSaturated
		if errors.As(err, &sat) {
			rt.log.Printf("runtime: asyncify pool saturated, running blocking call inline")
			n, ferr := fn()
			_ = rt.p.Post(k, n, ferr)
			return f, nil
		}
		rt.mu.Lock()
		delete(rt.waiters, k)
		rt.mu.Unlock()
		return nil, err
	}
	return f, nil
}

// Cancel best-effort cancels a pending operation's key. Safe from any
// goroutine; used directly by CancelToken and by OpFuture's detach path.
func (rt *Runtime) Cancel(k key.Key) {
	rt.p.Cancel(k)
}

// Handle returns a thread-safe wake-up handle for a scheduler goroutine
// blocked inside Run's Proactor.Wait call.
func (rt *Runtime) Handle() NotifyHandle {
	return NotifyHandle{rt: rt}
}

// After arms a one-shot timer that fires after d, delivered on the
// returned Timer's channel by a future Run tick. Safe to call from any
// goroutine, though the common case is a task on the scheduler goroutine
// arming its own deadline.
func (rt *Runtime) After(d time.Duration) *Timer {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t := &Timer{rt: rt, when: time.Now().Add(d), c: make(chan time.Time, 1), idx: -1}
	heap.Push(&rt.timers, t)
	// A Run blocked in Wait recomputes its deadline only once woken.
	_ = rt.p.Wake()
	return t
}

// Run drives the scheduler loop until ctx is cancelled or Stop is called.
// Each tick: drain the run-queue, compute the next deadline (zero if the
// run-queue just produced more work, otherwise the nearest timer or
// indefinite), block in Proactor.Wait for at most that long, deliver
// completions to their waiters, then fire any timers that have expired.
func (rt *Runtime) Run(ctx context.Context) error {
	for {
		rt.drainRunQueue()

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if rt.isStopped() {
			return nil
		}

		timeout := rt.nextTimeout()
		completions, err := rt.p.Wait(true, timeout)
		if err != nil {
			return err
		}
		rt.deliver(completions)
		rt.fireExpiredTimers()
	}
}

// Stop asks a running Run loop to return after its current tick and wakes
// it immediately rather than waiting for its current poll deadline.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	rt.stopped = true
	rt.mu.Unlock()
	_ = rt.p.Wake()
}

// Close stops the loop (if running) and releases the underlying Proactor.
func (rt *Runtime) Close() error {
	rt.Stop()
	return rt.p.Close()
}

func (rt *Runtime) isStopped() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stopped
}

func (rt *Runtime) drainRunQueue() {
	rt.mu.Lock()
	batch := rt.run
	rt.run = nil
	rt.mu.Unlock()
	for _, fn := range batch {
		fn()
	}
}

func (rt *Runtime) nextTimeout() time.Duration {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.run) > 0 {
		return 0
	}
	if len(rt.timers) == 0 {
		return -1
	}
	d := time.Until(rt.timers[0].when)
	if d < 0 {
		return 0
	}
	return d
}

func (rt *Runtime) deliver(completions []proactor.Completion) {
	for _, c := range completions {
		rt.mu.Lock()
		w, ok := rt.waiters[c.Key]
		if ok {
			delete(rt.waiters, c.Key)
		}
		rt.mu.Unlock()
		if !ok {
			continue // detached future, or a key this runtime never registered a waiter for
		}
		if w.release != nil {
			w.release()
		}
		w.done <- c
		close(w.done)
	}
}

func (rt *Runtime) fireExpiredTimers() {
	now := time.Now()
	rt.mu.Lock()
	var fired []*Timer
	for len(rt.timers) > 0 && !rt.timers[0].when.After(now) {
		fired = append(fired, heap.Pop(&rt.timers).(*Timer))
	}
	rt.mu.Unlock()
	for _, t := range fired {
		t.c <- now
		close(t.c)
	}
}
