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

// Package opcode describes I/O operations as data: one concrete struct
// per operation kind, holding exactly the fields a backend needs to
// build a submission (an io_uring SQE, an IOCP overlapped call, or a
// synchronous syscall on the readiness-poll fallback). Backends consume
// a Code through a type switch rather than a virtual Submit method,
// because the set of operations is closed and each backend extracts
// fields differently (IOCP wants a Windows handle + OVERLAPPED, io_uring
// wants an fd + an opcode byte + a union of args).
package opcode

import (
	"github.com/cloudwego/proactor/buf"
	"github.com/cloudwego/proactor/bufferpool"
)

// Code is the marker interface every operation struct implements. It
// carries no behavior; it exists purely so the proactor package's public
// API can accept "any submittable operation" while backends recover the
// concrete type via a type switch.
type Code interface {
	opcode()
}

type base struct{}

func (base) opcode() {}

// Personality is an opaque tag attachable to a submission, surfaced to
// backends that support per-operation credential/priority registration.
// Zero means "no personality set".
type Personality uint16

// ReadAt reads into Buf starting at Offset. A negative Offset means "use
// the file's current position" (used for pipes/sockets, which have no
// seek position).
type ReadAt struct {
	base
	FD          int
	Offset      int64
	Buf         buf.IoBufMut
	Personality Personality
}

// WriteAt writes Buf's readable bytes starting at Offset.
type WriteAt struct {
	base
	FD          int
	Offset      int64
	Buf         buf.IoBuf
	Personality Personality
}

// Sync requests fsync (or fdatasync, if DataSyncOnly is set) on FD.
type Sync struct {
	base
	FD           int
	DataSyncOnly bool
}

// Connect initiates a stream connect to Addr on FD (already created via
// socket(2) but not yet connected).
type Connect struct {
	base
	FD   int
	Addr []byte // raw sockaddr bytes, pre-encoded by the caller
}

// Accept accepts one connection on the listening FD.
type Accept struct {
	base
	FD int
}

// Send writes Buf to a connected socket FD.
type Send struct {
	base
	FD  int
	Buf buf.IoBuf
}

// Recv reads from a connected socket FD into Buf.
type Recv struct {
	base
	FD  int
	Buf buf.IoBufMut
}

// RecvProvided reads from a connected socket FD into a buffer selected
// from Pool rather than one the caller supplies, the way a recv-class
// operation against a kernel-managed provided-buffer ring works: the
// backend (or, on backends with no such ring, Go-side bookkeeping)
// chooses which pooled buffer to fill and reports its id back via the
// completion's Flags, decodable with proactor.BufferID. The caller must
// eventually Release (or Reuse, for a zero-byte completion) the reported
// id back to Pool.
type RecvProvided struct {
	base
	FD   int
	Pool bufferpool.Pool
}

// SendTo writes Buf to Addr via an unconnected (datagram) socket FD.
type SendTo struct {
	base
	FD   int
	Buf  buf.IoBuf
	Addr []byte
}

// RecvFrom reads a datagram from FD into Buf, recovering the peer
// address into Addr (sized and filled by the backend on completion).
type RecvFrom struct {
	base
	FD   int
	Buf  buf.IoBufMut
	Addr []byte
}

// Splice moves bytes from FDIn to FDOut without a userspace copy where
// the backend supports it (io_uring), or falls back to a read+write pair
// on the poll backend. On the poll backend this is the module's
// canonical multi-fd operation: it only becomes ready once BOTH FDIn and
// FDOut report readiness.
type Splice struct {
	base
	FDIn  int
	FDOut int
	Len   int
}

// Cancel names a previously submitted operation by its raw registry
// index. No package in this module constructs one: proactor.Proactor.Cancel
// hands the target to the backend's cancel hook directly, and every
// backend's submit path fails a pushed Cancel as an unrecognized
// operation.
type Cancel struct {
	base
	Target uint32
}
