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

// Package bufferpool provides the two buffer-pool shapes a read
// operation can be asked to pull from without the caller supplying a
// buffer up front: a kernel-selected ring-mapped pool (the backend picks
// a buffer id and reports it in the completion, used when the io_uring
// backend registers a provided-buffer ring) and a plain user-space
// fallback deque for backends that have no such facility.
package bufferpool

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/cloudwego/proactor/cache/mempool"
	"github.com/cloudwego/proactor/container/ring"
	"github.com/cloudwego/proactor/unsafex"
)

// ErrEmpty is returned by Acquire when no buffer is currently available.
// Callers (package runtime) treat this as "try again once a Release
// happens", not as a fatal error.
var ErrEmpty = errors.New("bufferpool: no buffer available")

// ID identifies a borrowed buffer within a Pool, matching the width of
// an io_uring completion's buffer-id field.
type ID uint16

// Pool is the common borrowing contract both variants satisfy.
type Pool interface {
	// Acquire removes one buffer from the pool for exclusive use until
	// Release is called with its ID.
	Acquire() (ID, []byte, error)
	// Release returns a previously acquired buffer to the pool. n is the
	// number of bytes the operation actually used (e.g. to zero only the
	// touched prefix before reuse, when that matters); implementations
	// are free to ignore it.
	Release(id ID, n int)
	// BufSize is the fixed per-buffer capacity every slot in this pool
	// provides.
	BufSize() int
}

// Ring is a fixed-count, fixed-size pool of preallocated buffers
// addressed by index — the shape a kernel-managed provided-buffer ring
// needs, since the kernel reports completions by buffer id, not by
// pointer. Backed by container/ring.Ring for GC-friendly, single-alloc
// storage, with each slot's backing array obtained from cache/mempool's
// size-classed allocator so a pool of odd-sized buffers still draws from
// the same bucketed sync.Pool set other allocations in the process use.
type Ring struct {
	mu    sync.Mutex
	slots *ring.Ring[[]byte]
	free  []ID
	size  int
	gid   uint16
}

// nextGroupID hands out the per-process-unique buffer-group ids a
// kernel-selected Ring registers itself under (io_uring's BUFFER_SELECT
// group, IORING_OP_PROVIDE_BUFFERS's bgid argument). Starts at 1 so 0
// stays available as an "unregistered" sentinel.
var nextGroupID uint32 = 1

// NewRing allocates a Ring with count buffers of size bytes each.
func NewRing(count, size int) *Ring {
	bufs := make([][]byte, count)
	for i := range bufs {
		bufs[i] = mempool.Malloc(size)
	}
	free := make([]ID, count)
	for i := range free {
		free[i] = ID(i)
	}
	gid := uint16(atomic.AddUint32(&nextGroupID, 1) - 1)
	return &Ring{slots: ring.NewFromSlice(bufs), free: free, size: size, gid: gid}
}

func (r *Ring) BufSize() int { return r.size }

// Count returns the fixed number of slots this Ring was created with.
func (r *Ring) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots.Len()
}

// GroupID returns the id this Ring registers its slots under when a
// kernel-selected backend (io_uring's provided-buffer group) attaches it;
// backends that have no such concept (the readiness-poll and IOCP
// backends) ignore it and fall back to Acquire/Release.
func (r *Ring) GroupID() uint16 { return r.gid }

// BufferAt returns the backing slice for slot id without touching the
// free list — used by a backend that registers every slot's address with
// the kernel up front (io_uring's IORING_OP_PROVIDE_BUFFERS), where the
// kernel manages the free list itself and Go-side Acquire/Release never
// runs for this Ring.
func (r *Ring) BufferAt(id ID) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.slots.Get(int(id))
	if !ok {
		return nil
	}
	return *item.Pointer()
}

// DebugLabel returns slot id's current contents as a string, without
// copying, for log lines and trace output that want to show what a
// completion's selected buffer held. The returned string aliases the
// slot's backing array and is only valid until the slot is next
// acquired and overwritten.
func (r *Ring) DebugLabel(id ID) string {
	return unsafex.BinaryToString(r.BufferAt(id))
}

// Acquire pops the next free slot.
func (r *Ring) Acquire() (ID, []byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.free) == 0 {
		return 0, nil, ErrEmpty
	}
	id := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	item, ok := r.slots.Get(int(id))
	if !ok {
		return 0, nil, ErrEmpty
	}
	return id, *item.Pointer(), nil
}

// Release returns id to the free list. The kernel may have written
// fewer than BufSize() bytes; n is accepted for symmetry with Pool but
// otherwise unused here since slots are reused whole.
func (r *Ring) Release(id ID, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.free = append(r.free, id)
}

// Reuse returns a buffer to the ring without the caller having observed
// any bytes in it — the zero-length-completion path (e.g. EOF), where
// the kernel selected a buffer but nothing was written into it and it
// should go straight back to the ring rather than be handed to a
// caller.
func (r *Ring) Reuse(id ID) {
	r.Release(id, 0)
}

// Fallback is a plain user-space deque of pooled buffers, for backends
// (IOCP, the readiness-poll path) that have no kernel concept of a
// provided-buffer ring: callers supply their own buffer up front there,
// but still want pooled allocation to avoid a malloc per operation.
type Fallback struct {
	mu   sync.Mutex
	free [][]byte
	size int
	next ID
	live map[ID][]byte
}

// NewFallback creates an initially empty Fallback pool for buffers of
// size bytes; it grows lazily, allocating via mcache on first use past
// whatever was pre-warmed with Grow.
func NewFallback(size int) *Fallback {
	return &Fallback{size: size, live: make(map[ID][]byte)}
}

func (f *Fallback) BufSize() int { return f.size }

// Grow pre-allocates n additional buffers.
func (f *Fallback) Grow(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		b := mcache.Malloc(f.size)
		f.free = append(f.free, b[:f.size])
	}
}

// Acquire pops a pooled buffer, allocating a fresh one via mcache if the
// free deque is empty (unlike Ring, Fallback never reports ErrEmpty:
// capacity is soft, bounded only by memory, matching compio's
// VecDeque<Vec<u8>> fallback pool).
func (f *Fallback) Acquire() (ID, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var b []byte
	if n := len(f.free); n > 0 {
		b = f.free[n-1]
		f.free = f.free[:n-1]
	} else {
		mb := mcache.Malloc(f.size)
		b = mb[:f.size]
	}
	id := f.next
	f.next++
	f.live[id] = b
	return id, b, nil
}

// Release returns the buffer back to the free deque.
func (f *Fallback) Release(id ID, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.live[id]
	if !ok {
		return
	}
	delete(f.live, id)
	f.free = append(f.free, b)
}
