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

// Package asyncify runs blocking work (DNS lookups, synchronous file
// opens, anything with no completion-based equivalent) on a small,
// bounded pool of real OS threads, so the single scheduler goroutine
// never blocks. The dispatch channel itself has zero buffer: a send
// only succeeds once a worker is actually ready to receive, which is
// what lets Dispatch distinguish "a worker picked this up" from "every
// worker is busy" without polling.
package asyncify

import (
	"errors"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// ErrPoolSaturated is returned by Dispatch when every worker is busy and
// ThreadLimit has already been reached. It wraps the rejected closure so
// the caller (package runtime) can run it inline as a fallback instead
// of losing the work.
type ErrPoolSaturated struct {
	Func func()
}

func (e *ErrPoolSaturated) Error() string {
	return "asyncify: pool saturated, no worker available"
}

// Option configures a Pool.
type Option struct {
	// ThreadLimit is the maximum number of worker threads the pool will
	// ever spawn. Zero means the pool may never run anything in the
	// background: Dispatch always returns ErrPoolSaturated, and
	// MustDispatch panics.
	ThreadLimit int
	// RecvTimeout is how long an idle worker waits for a new task
	// before exiting.
	RecvTimeout time.Duration
	// PanicHandler is invoked (on the worker goroutine) if a dispatched
	// func panics. It defaults to logging the panic and stack trace.
	PanicHandler func(r any)
}

// DefaultOption mirrors the teacher's worker-pool defaults, scaled down
// to asyncify's typically much smaller footprint (dozens of blocking
// syscalls at once, not thousands of RPC handlers).
func DefaultOption() *Option {
	return &Option{
		ThreadLimit: 256,
		RecvTimeout: 10 * time.Second,
	}
}

// Pool dispatches funcs to a bounded set of worker goroutines pinned to
// running one blocking call at a time each.
type Pool struct {
	opt     Option
	tasks   chan func()
	workers atomic.Int64
}

// New creates a Pool. o may be nil to take DefaultOption().
func New(o *Option) *Pool {
	if o == nil {
		o = DefaultOption()
	}
	return &Pool{opt: *o, tasks: make(chan func())}
}

// Dispatch hands f to a worker thread. It blocks only long enough to
// either find a free worker or decide one more must be spawned; it never
// waits for f itself to finish.
//
// If every worker is currently busy and ThreadLimit workers already
// exist, Dispatch returns *ErrPoolSaturated wrapping f. If ThreadLimit is
// zero, every call takes this path — which is a misconfiguration for any
// caller that cannot tolerate running f inline, so such callers should
// use MustDispatch instead.
func (p *Pool) Dispatch(f func()) error {
	select {
	case p.tasks <- f:
		return nil
	default:
	}

	if int(p.workers.Load()) >= p.opt.ThreadLimit {
		return &ErrPoolSaturated{Func: f}
	}

	p.workers.Add(1)
	go p.worker()

	p.tasks <- f
	return nil
}

// MustDispatch behaves like Dispatch, but panics instead of returning
// ErrPoolSaturated — for callers that have no synchronous fallback and
// consider a saturated, zero-capacity pool a configuration bug, not a
// runtime condition to handle.
func (p *Pool) MustDispatch(f func()) {
	if err := p.Dispatch(f); err != nil {
		var sat *ErrPoolSaturated
		if errors.As(err, &sat) {
			panic("the thread pool is needed but no worker thread is running")
		}
		panic(err)
	}
}

// Workers reports the current number of live worker goroutines.
func (p *Pool) Workers() int {
	return int(p.workers.Load())
}

func (p *Pool) worker() {
	defer p.workers.Add(-1)
	for {
		select {
		case f := <-p.tasks:
			p.run(f)
		case <-time.After(p.opt.RecvTimeout):
			return
		}
	}
}

func (p *Pool) run(f func()) {
	defer func() {
		if r := recover(); r != nil {
			if p.opt.PanicHandler != nil {
				p.opt.PanicHandler(r)
			} else {
				log.Printf("asyncify: panic in worker: %v: %s", r, debug.Stack())
			}
		}
	}()
	f()
}
