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

package buf

import (
	"errors"
	"sync"

	"github.com/bytedance/gopkg/lang/mcache"
)

// ErrVectoredBufNotEnough is returned when a vectored read runs out of
// declared buffers before satisfying the requested length.
var ErrVectoredBufNotEnough = errors.New("buf: vectored buffer exhausted")

// IoVectoredBuf is a scatter/gather buffer: a sequence of discontiguous
// []byte spans presented to readv/writev-style operations (and to the
// splice/multi-fd poll path) as a single logical stream.
type IoVectoredBuf interface {
	// IoSlices returns the spans in order, suitable for readv/writev.
	IoSlices() [][]byte
}

var vecReadPool = sync.Pool{
	New: func() interface{} {
		return &VectoredReadBuf{extra: make([][]byte, 0, 16)}
	},
}

// VectoredReadBuf walks a list of received spans (e.g. the iovecs handed
// back by a completed recvmsg/splice operation) and lets a decoder pull
// contiguous runs out of them without copying unless a run crosses a span
// boundary, in which case it mallocs a scratch buffer from mcache sized
// exactly to the request and frees it on Release.
type VectoredReadBuf struct {
	off   int
	cur   []byte
	rest  [][]byte
	extra [][]byte // scratch buffers allocated by readSlow, freed on Release
}

// NewVectoredReadBuf acquires a pooled VectoredReadBuf over spans. spans
// must remain valid (not reused or resized) until Release is called.
func NewVectoredReadBuf(spans [][]byte) *VectoredReadBuf {
	r := vecReadPool.Get().(*VectoredReadBuf)
	if len(spans) == 0 {
		r.cur, r.rest = nil, nil
		return r
	}
	r.cur = spans[0]
	r.rest = spans[1:]
	return r
}

// ReadN returns n contiguous bytes starting at the current read
// position, copying across a span boundary into a scratch buffer only
// when necessary.
func (r *VectoredReadBuf) ReadN(n int) []byte {
	avail := r.cur[r.off:]
	if len(avail) >= n {
		r.off += n
		return avail[:n]
	}
	return r.readSlow(n)
}

func (r *VectoredReadBuf) readSlow(n int) []byte {
	out := mcache.Malloc(n)
	r.extra = append(r.extra, out)
	copied := copy(out, r.cur[r.off:])
	for copied < n {
		if len(r.rest) == 0 {
			panic(ErrVectoredBufNotEnough.Error())
		}
		r.cur, r.rest = r.rest[0], r.rest[1:]
		r.off = 0
		m := copy(out[copied:], r.cur)
		copied += m
		r.off = m
	}
	return out
}

// Release returns scratch allocations and the VectoredReadBuf itself to
// their pools. The original spans are left untouched (caller-owned).
func (r *VectoredReadBuf) Release() {
	r.off = 0
	r.cur = nil
	r.rest = nil
	for i, b := range r.extra {
		mcache.Free(b)
		r.extra[i] = nil
	}
	r.extra = r.extra[:0]
	vecReadPool.Put(r)
}

var vecWritePool = sync.Pool{
	New: func() interface{} {
		return &VectoredWriteBuf{spans: make([][]byte, 0, 16), extra: make([][]byte, 0, 16)}
	},
}

const writeChunk = 1 << 13

// VectoredWriteBuf accumulates a sequence of spans to hand to a
// writev/sendmsg-style operation. Callers either append caller-owned
// buffers directly (WriteDirect, zero-copy) or ask for scratch space to
// encode into (Grow), which is backed by mcache and released together
// with the VectoredWriteBuf.
type VectoredWriteBuf struct {
	off   int
	cur   []byte
	spans [][]byte
	extra [][]byte
}

// NewVectoredWriteBuf acquires a pooled, empty VectoredWriteBuf.
func NewVectoredWriteBuf() *VectoredWriteBuf {
	return vecWritePool.Get().(*VectoredWriteBuf)
}

// IoSlices returns the accumulated spans, flushing any partially filled
// scratch buffer first. Implements IoVectoredBuf.
func (w *VectoredWriteBuf) IoSlices() [][]byte {
	if w.off > 0 {
		w.spans = append(w.spans, w.cur[:w.off])
		w.cur = w.cur[w.off:]
		w.off = 0
	}
	return w.spans
}

// Grow returns n bytes of scratch space to encode into, allocating a new
// mcache-backed chunk if the current one is exhausted.
func (w *VectoredWriteBuf) Grow(n int) []byte {
	if len(w.cur[w.off:]) < n {
		w.growSlow(n)
	}
	out := w.cur[w.off : w.off+n]
	w.off += n
	return out
}

func (w *VectoredWriteBuf) growSlow(n int) {
	if w.off > 0 {
		w.spans = append(w.spans, w.cur[:w.off])
		w.off = 0
	}
	sz := n
	if sz < writeChunk {
		sz = writeChunk
	}
	chunk := mcache.Malloc(sz)
	chunk = chunk[:cap(chunk)]
	w.extra = append(w.extra, chunk)
	w.cur = chunk
}

// WriteDirect appends a caller-owned span without copying.
func (w *VectoredWriteBuf) WriteDirect(b []byte) {
	if w.off > 0 {
		w.spans = append(w.spans, w.cur[:w.off])
		w.cur = w.cur[w.off:]
		w.off = 0
	}
	w.spans = append(w.spans, b)
}

// Release returns scratch allocations and the VectoredWriteBuf to their
// pools.
func (w *VectoredWriteBuf) Release() {
	w.off = 0
	w.cur = nil
	for i := range w.spans {
		w.spans[i] = nil
	}
	w.spans = w.spans[:0]
	for i, b := range w.extra {
		mcache.Free(b)
		w.extra[i] = nil
	}
	w.extra = w.extra[:0]
	vecWritePool.Put(w)
}
