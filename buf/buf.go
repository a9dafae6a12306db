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

// Package buf defines the buffer ownership contract the Proactor relies on:
// a buffer handed to a pending operation must not move or be reused until
// the operation completes. IoBuf/IoBufMut mirror that contract for Go
// []byte-backed buffers; VectoredBuf generalizes it to gather/scatter lists.
package buf

import (
	"unsafe"

	"github.com/cloudwego/proactor/internal/hack"
)

// IoBuf is a readable buffer suitable for a write-style operation. The
// kernel (or the synchronous fallback path) reads Bytes() for the
// lifetime of the operation; the buffer must not be mutated or released
// until the operation's completion has been observed.
type IoBuf interface {
	// Bytes returns the readable portion of the buffer.
	Bytes() []byte
}

// IoBufMut is a writable buffer suitable for a read-style operation.
// SetInit must be called with the number of bytes the operation actually
// wrote once the completion is known; callers must not assume the whole
// capacity was filled.
type IoBufMut interface {
	IoBuf
	// BytesMut returns the full writable capacity of the buffer.
	BytesMut() []byte
	// SetInit records how many bytes at the front of BytesMut() now hold
	// valid data, after a completion reports n bytes transferred.
	SetInit(n int)
}

// Bytes is the simplest IoBufMut: a plain byte slice reused across
// operations. Len reports the initialized prefix; cap(b.buf) is the full
// capacity available to the kernel.
type Bytes struct {
	buf []byte
	len int
}

// NewBytes wraps buf as an IoBufMut. The initial length is len(buf); grow
// capacity beforehand (buf = buf[:cap(buf)]) if the operation may write
// more than len(buf) bytes.
func NewBytes(b []byte) *Bytes {
	return &Bytes{buf: b, len: len(b)}
}

func (b *Bytes) Bytes() []byte    { return b.buf[:b.len] }
func (b *Bytes) BytesMut() []byte { return b.buf[:cap(b.buf)] }
func (b *Bytes) SetInit(n int)    { b.len = n }

// Result pairs an operation's outcome with the buffer it consumed or
// filled, so ownership can be handed back to the caller regardless of
// whether the operation succeeded. This is the Go analogue of compio's
// BufResult<T, B>: Go doesn't need to move the buffer out of the future,
// but callers still need it back alongside n/err.
type Result[B any] struct {
	N    int
	Buf  B
	Err  error
}

// StringBuf is an IoBuf over a Go string, for send-style operations that
// already hold their payload as a string and would otherwise pay a copy
// just to satisfy IoBuf. Bytes() aliases the string's storage directly
// via hack.StringToByteSlice; the caller must not hold onto the result
// past the operation's completion and must never write through it — Go
// strings are immutable and a write here corrupts the original string.
type StringBuf struct {
	s string
}

// NewStringBuf wraps s as a read-only IoBuf.
func NewStringBuf(s string) *StringBuf { return &StringBuf{s: s} }

func (b *StringBuf) Bytes() []byte { return hack.StringToByteSlice(b.s) }

// Addr returns a stable pointer to the start of a buffer's storage, for
// backends (io_uring, IOCP) that need to pass a raw address across the
// syscall boundary. Callers must ensure b is not moved or resized for as
// long as the returned pointer is referenced by a pending operation.
func Addr(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(&b[0])
}
