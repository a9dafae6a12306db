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

// Package proactor is the completion-based I/O facade: one Proactor per
// runtime, wrapping whichever backend (io_uring, IOCP, or a
// readiness-poll fallback) this platform and kernel/OS version actually
// support. Callers never see the backend directly — they push an
// opcode.Code, get a Key back, and later learn of its completion through
// Wait.
package proactor

import (
	"errors"
	"sync"
	"time"

	"github.com/cloudwego/proactor/bufferpool"
	"github.com/cloudwego/proactor/internal/iouring"
	"github.com/cloudwego/proactor/internal/key"
	"github.com/cloudwego/proactor/opcode"
)

// ErrClosed is returned by any Proactor method called after Close.
var ErrClosed = errors.New("proactor: closed")

// ErrNotOwner is returned by ReleaseBufferPool when asked to release a
// pool this Proactor did not create — spec.md §4.1's "only the owning
// Proactor may release" invariant.
var ErrNotOwner = errors.New("proactor: buffer pool not owned by this proactor")

// BufferID decodes the buffer id a RecvProvided completion selected out
// of its Flags, matching io_uring's CQE buffer-select encoding
// (IORING_CQE_F_BUFFER set, id in the high 16 bits) uniformly across
// every backend, including those that synthesize it in software.
func BufferID(flags uint32) (bufferpool.ID, bool) {
	if flags&iouring.IORING_CQE_F_BUFFER == 0 {
		return 0, false
	}
	return bufferpool.ID(flags >> iouring.IORING_CQE_BUFFER_SHIFT), true
}

// encodeBufferFlags is BufferID's inverse, used by backends that pick a
// buffer in software (the poll and IOCP backends, and the io_uring
// backend's path for a Pool that isn't a registered Ring) to report the
// selection the same way a real io_uring completion would.
func encodeBufferFlags(id bufferpool.ID) uint32 {
	return iouring.IORING_CQE_F_BUFFER | uint32(id)<<iouring.IORING_CQE_BUFFER_SHIFT
}

// bufferPoolRegisterer is implemented by backends that can hand a
// bufferpool.Ring's slots to the kernel ahead of time (today, only the
// io_uring backend's IORING_OP_PROVIDE_BUFFERS). Backends that don't
// implement it simply never get asked — CreateBufferPool still returns a
// perfectly usable Ring, RecvProvided against it on those backends falls
// back to a Go-side Acquire/Release dance instead of kernel selection.
type bufferPoolRegisterer interface {
	registerBufferPool(r *bufferpool.Ring) error
}

// Completion reports the outcome of one previously pushed operation.
type Completion struct {
	Key   key.Key
	N     int
	Flags uint32
	Err   error
}

// Config bundles the tunables every backend shares. Submission queue
// depth and batching knobs are only consulted by the io_uring backend;
// other backends ignore them, matching how the teacher's io_uring
// config.go fields only ever mattered to that one backend.
type Config struct {
	// QueueDepth sizes the io_uring submission/completion rings (ignored
	// by non-io_uring backends).
	QueueDepth uint32
	// SubmitBatchSize is stored with the Config but no backend reads it;
	// the io_uring driver's FlushSubmissions drains every queued
	// submission that fits in the ring.
	SubmitBatchSize int
	// PollEventBuffer sizes the readiness-poll backend's per-Wait event
	// buffer.
	PollEventBuffer int
	// ForceBackend overrides automatic backend selection (linux fusion);
	// empty string means "probe and pick the best available". Valid
	// values: "iouring", "poll".
	ForceBackend string
	// Logger receives diagnostic traces (nil means the package-level
	// default set by SetLogger).
	Logger Logger
}

// DefaultConfig mirrors the teacher's io_uring defaults.
func DefaultConfig() *Config {
	return &Config{
		QueueDepth:      256,
		SubmitBatchSize: 64,
		PollEventBuffer: 256,
	}
}

// backend is the interface every OS/kernel-specific implementation
// satisfies. It is intentionally narrow: Proactor owns the Key registry
// and the cancel bookkeeping, so a backend only needs to turn an
// opcode.Code into a submission and turn raw completions into
// (key index, n, flags, err) tuples.
type backend interface {
	// submit hands one operation to the backend, tagged with userData
	// (the owning Key's index) for later correlation.
	submit(userData uint64, op opcode.Code) error
	// cancel best-effort cancels a previously submitted operation.
	cancel(userData uint64)
	// poll blocks (if wait is true) until at least one completion is
	// available or timeout elapses (timeout<0 means forever), and
	// drains whatever is currently available.
	poll(wait bool, timeout time.Duration) ([]rawCompletion, error)
	// wake interrupts a blocked poll from another goroutine.
	wake() error
	// post injects a completion the backend never produced itself (an
	// asyncify worker result), waking a blocked poll the same way wake
	// does.
	post(userData uint64, n int, err error) error
	// attach registers fd with the backend ahead of time, for backends
	// (IOCP) where a completion port must see a handle before issuing
	// overlapped I/O against it. A no-op on backends that register
	// per-operation instead.
	attach(fd int) error
	close() error
}

type rawCompletion struct {
	userData uint64
	n        int
	flags    uint32
	err      error
}

// Proactor owns the Key registry and dispatches to a concrete backend.
type Proactor struct {
	cfg    Config
	be     backend
	keys   *key.Registry
	log    Logger
	closed bool

	poolsMu sync.Mutex
	pools   map[bufferpool.Pool]bool
}

// New builds a Proactor using the best backend available on this
// platform (see newBackend, defined per-OS).
func New(cfg *Config) (*Proactor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	be, err := newBackend(*cfg)
	if err != nil {
		return nil, err
	}
	l := cfg.Logger
	if l == nil {
		l = defaultLogger
	}
	return &Proactor{cfg: *cfg, be: be, keys: key.New(), log: l}, nil
}

// Push submits op and returns the Key that will later identify its
// completion. The Key is also the cancellation handle (see Cancel).
func (p *Proactor) Push(op opcode.Code) (key.Key, error) {
	if p.closed {
		return key.Key{}, ErrClosed
	}
	k := p.keys.Insert(op)
	if err := p.be.submit(uint64(k.Index()), op); err != nil {
		p.keys.Remove(k)
		return key.Key{}, err
	}
	return k, nil
}

// Cancel requests best-effort cancellation of a previously pushed
// operation. It is safe to call even if the operation has already
// completed (a no-op in that case); it is this package's job, not the
// caller's, to untangle the race between a completion and a cancel that
// both arrive for the same Key.
func (p *Proactor) Cancel(k key.Key) {
	if _, ok := p.keys.SetCancelled(k); ok {
		p.be.cancel(uint64(k.Index()))
	}
}

// Wait blocks (if wait is true, up to timeout — negative means forever)
// until at least one pushed operation completes, and returns every
// completion currently available. An operation whose Key was fully
// removed by a race with Cancel before this call is simply absent from
// the result, not reported as an error.
func (p *Proactor) Wait(wait bool, timeout time.Duration) ([]Completion, error) {
	if p.closed {
		return nil, ErrClosed
	}
	raws, err := p.be.poll(wait, timeout)
	if err != nil {
		return nil, err
	}
	out := make([]Completion, 0, len(raws))
	for _, r := range raws {
		k := key.Key{}
		// reconstruct a Key usable with the registry: Index is the
		// correlation id the backend was given at submit time. The
		// registry's Get/SetCompleted only need the index, not a
		// generation the backend round-trips — see package key's
		// Index()-based removal API exposed specifically for this.
		k = p.keys.KeyFromIndex(uint32(r.userData))
		_, val, ok := p.keys.SetCompleted(k)
		if !ok {
			p.log.Printf("proactor: completion for key %v arrived after Cancel already removed it, dropping", k)
			continue
		}
		_ = val
		// The completion is now handed to the caller, so this Key's
		// slot is done: release it unconditionally rather than leaving
		// it pending on a Cancel call that, for the overwhelming
		// majority of operations, never comes. SetCompleted already
		// released it if Cancel got there first (wasCancelled); this
		// is a no-op in that case since Remove re-checks occupied/gen.
		p.keys.Remove(k)
		out = append(out, Completion{Key: k, N: r.n, Flags: r.flags, Err: r.err})
	}
	return out, nil
}

// Wake interrupts a blocked Wait from another goroutine — used by
// runtime.NotifyHandle to poke a scheduler that's parked in Wait.
func (p *Proactor) Wake() error {
	return p.be.wake()
}

// Attach registers fd with the backend ahead of its first operation. It
// is optional on every backend but IOCP, where a completion port must
// see a handle associated before overlapped I/O against it can complete
// through the port at all; calling it unconditionally keeps callers
// portable across backends.
func (p *Proactor) Attach(fd int) error {
	if p.closed {
		return ErrClosed
	}
	return p.be.attach(fd)
}

// Reserve allocates a Key for an operation whose result will arrive
// out-of-band via Post rather than through the backend's own I/O
// completion path — the asyncify pool's way of handing a worker-thread
// result back through the same Wait loop every other operation uses.
func (p *Proactor) Reserve() key.Key {
	return p.keys.Insert(nil)
}

// Post delivers a completion for a Key previously obtained from Reserve.
// It is safe to call from any goroutine, including one that does not own
// this Proactor's Wait loop — the backend wakes a blocked Wait exactly as
// Wake does.
func (p *Proactor) Post(k key.Key, n int, err error) error {
	if p.closed {
		return ErrClosed
	}
	return p.be.post(uint64(k.Index()), n, err)
}

// CreateBufferPool allocates a count-buffer, size-bytes-each ring-mapped
// pool and, on backends that support kernel-side buffer selection,
// registers every slot with the kernel up front so RecvProvided against
// it can let the kernel choose which slot to fill. Only this Proactor can
// release the returned Ring: ReleaseBufferPool on any other Proactor
// returns ErrNotOwner. Push does not check which Proactor created the
// Pool a RecvProvided names.
func (p *Proactor) CreateBufferPool(count, size int) (*bufferpool.Ring, error) {
	if p.closed {
		return nil, ErrClosed
	}
	r := bufferpool.NewRing(count, size)
	if reg, ok := p.be.(bufferPoolRegisterer); ok {
		if err := reg.registerBufferPool(r); err != nil {
			return nil, err
		}
	}
	p.poolsMu.Lock()
	if p.pools == nil {
		p.pools = make(map[bufferpool.Pool]bool)
	}
	p.pools[r] = true
	p.poolsMu.Unlock()
	return r, nil
}

// ReleaseBufferPool releases a pool previously returned by
// CreateBufferPool. Per spec.md §4.1, only the Proactor that created a
// pool may release it; releasing one this instance didn't create returns
// ErrNotOwner rather than silently taking effect on the wrong owner's
// bookkeeping.
func (p *Proactor) ReleaseBufferPool(pool bufferpool.Pool) error {
	p.poolsMu.Lock()
	defer p.poolsMu.Unlock()
	if !p.pools[pool] {
		return ErrNotOwner
	}
	delete(p.pools, pool)
	return nil
}

// Close releases the backend. Pending operations are not individually
// cancelled; callers should Cancel everything they care about before
// Close if they need deterministic cleanup.
func (p *Proactor) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return p.be.close()
}
