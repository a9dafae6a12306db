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

//go:build linux || darwin || freebsd || netbsd || openbsd

package proactor

import (
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/cloudwego/proactor/asyncify"
	"github.com/cloudwego/proactor/opcode"
	"golang.org/x/sys/unix"
)

// Events is the platform-neutral readiness bitmask the poll backend
// works with; each OS glue file (backend_poll_linux.go,
// backend_poll_bsd.go) translates to/from its native poller's type.
type Events uint32

const (
	Readable Events = 1 << iota
	Writable
)

// Event is one readiness notification, in the poll backend's own
// vocabulary.
type Event struct {
	FD     int32
	Events Events
}

// readiness is what backend_poll.go needs from a platform poller; it is
// satisfied by a small adapter over package epoll or package kqueue.
type readiness interface {
	Add(fd int, ev Events) error
	Modify(fd int, ev Events) error
	Remove(fd int) error
	Wait(timeoutMs int) ([]Event, bool, error)
	Wake() error
	Close() error
}

// track is one (fd, interest) requirement of a pending operation. A
// Splice declares two tracks (its input and output fd); every other
// opcode declares exactly one. The operation only runs its synchronous
// syscall once every track it declared has reported readiness — the
// same AND semantics a multi-fd poll operation needs on the io_uring
// side too, reproduced here for the fallback path.
type track struct {
	fd    int
	want  Events
	ready bool
}

type pendingOp struct {
	userData uint64
	op       opcode.Code
	tracks   []*track
	remain   int
}

// pollBackend implements backend atop a platform readiness poller plus
// a synchronous operate() step run once an operation's declared fds are
// all ready.
type pollBackend struct {
	mu       sync.Mutex
	r        readiness
	byFD     map[int][]*track // fd -> tracks currently registered against it
	pending  map[uint64]*pendingOp
	imm      map[uint64]immediate // synchronous completions awaiting the next poll() drain
	blocking *asyncify.Pool        // runs ReadAt/WriteAt's synchronous pread/pwrite off the scheduler goroutine
}

func newPollBackend(cfg Config) (*pollBackend, error) {
	r, err := newReadiness(cfg.PollEventBuffer)
	if err != nil {
		return nil, err
	}
	return &pollBackend{
		r:        r,
		byFD:     make(map[int][]*track),
		pending:  make(map[uint64]*pendingOp),
		blocking: asyncify.New(asyncify.DefaultOption()),
	}, nil
}

func tracksFor(op opcode.Code) []track {
	switch o := op.(type) {
	case *opcode.Sync:
		return nil // fsync has no readiness precondition; run immediately
	case *opcode.Accept:
		return []track{{fd: o.FD, want: Readable}}
	case *opcode.Connect:
		return []track{{fd: o.FD, want: Writable}}
	case *opcode.Send:
		return []track{{fd: o.FD, want: Writable}}
	case *opcode.Recv:
		return []track{{fd: o.FD, want: Readable}}
	case *opcode.RecvProvided:
		return []track{{fd: o.FD, want: Readable}}
	case *opcode.SendTo:
		return []track{{fd: o.FD, want: Writable}}
	case *opcode.RecvFrom:
		return []track{{fd: o.FD, want: Readable}}
	case *opcode.Splice:
		return []track{{fd: o.FDIn, want: Readable}, {fd: o.FDOut, want: Writable}}
	default:
		return nil
	}
}

func (b *pollBackend) submit(userData uint64, op opcode.Code) error {
	switch op.(type) {
	case *opcode.ReadAt, *opcode.WriteAt:
		// File-backed reads/writes have no readiness precondition a
		// poller can wait on (a regular-file fd is reported permanently
		// ready), so pread/pwrite must never run on the scheduler
		// goroutine directly: route them to the asyncify pool the same
		// way runtime.RunBlocking does for other blocking calls.
		return b.submitBlocking(userData, op)
	}

	raw := tracksFor(op)
	if len(raw) == 0 {
		// No readiness precondition: run synchronously right away and
		// let the next poll() call pick up the result via a
		// self-completed marker.
		return b.runNow(userData, op)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p := &pendingOp{userData: userData, op: op, remain: len(raw)}
	for i := range raw {
		t := &track{fd: raw[i].fd, want: raw[i].want}
		p.tracks = append(p.tracks, t)
		if err := b.r.Add(t.fd, t.want); err != nil {
			return err
		}
		b.byFD[t.fd] = append(b.byFD[t.fd], t)
	}
	b.pending[userData] = p
	return nil
}

// immediate holds synchronous results (Sync, and anything else with no
// readiness precondition) until the next poll() drains them.
type immediate struct {
	userData uint64
	n        int
	flags    uint32
	err      error
}

func (b *pollBackend) runNow(userData uint64, op opcode.Code) error {
	n, flags, err := operate(op)
	b.mu.Lock()
	if b.imm == nil {
		b.imm = make(map[uint64]immediate)
	}
	b.imm[userData] = immediate{userData: userData, n: n, flags: flags, err: err}
	b.mu.Unlock()
	return nil
}

// submitBlocking dispatches op's synchronous syscall onto b.blocking and
// posts its result back through the ordinary imm/post path once the
// worker finishes, so poll() picks it up exactly like any other
// self-completed op. If the pool is saturated, op runs inline rather
// than being dropped — the same fallback runtime.RunBlocking uses, and
// no worse than the synchronous-on-scheduler-thread behavior this
// replaces, just no longer the default path.
func (b *pollBackend) submitBlocking(userData uint64, op opcode.Code) error {
	err := b.blocking.Dispatch(func() {
		n, _, operr := operate(op)
		_ = b.post(userData, n, operr)
	})
	if err == nil {
		return nil
	}
	var sat *asyncify.ErrPoolSaturated
	if errors.As(err, &sat) {
		n, _, operr := operate(op)
		return b.post(userData, n, operr)
	}
	return err
}

func (b *pollBackend) cancel(userData uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[userData]
	if !ok {
		return
	}
	delete(b.pending, userData)
	for _, t := range p.tracks {
		b.untrack(t)
	}
}

// untrack must be called with b.mu held.
func (b *pollBackend) untrack(t *track) {
	ts := b.byFD[t.fd]
	for i, o := range ts {
		if o == t {
			ts = append(ts[:i], ts[i+1:]...)
			break
		}
	}
	if len(ts) == 0 {
		delete(b.byFD, t.fd)
		_ = b.r.Remove(t.fd)
	} else {
		b.byFD[t.fd] = ts
	}
}

func (b *pollBackend) poll(wait bool, timeout time.Duration) ([]rawCompletion, error) {
	b.mu.Lock()
	var out []rawCompletion
	for ud, im := range b.imm {
		out = append(out, rawCompletion{userData: ud, n: im.n, flags: im.flags, err: im.err})
		delete(b.imm, ud)
	}
	b.mu.Unlock()
	if len(out) > 0 {
		return out, nil
	}

	timeoutMs := -1
	if !wait {
		timeoutMs = 0
	} else if timeout >= 0 {
		timeoutMs = int(timeout / time.Millisecond)
	}

	events, _, err := b.r.Wait(timeoutMs)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range events {
		for _, t := range b.byFD[int(ev.FD)] {
			if t.ready || ev.Events&t.want == 0 {
				continue
			}
			t.ready = true
		}
	}

	for ud, p := range b.pending {
		done := true
		for _, t := range p.tracks {
			if !t.ready {
				done = false
				break
			}
		}
		if !done {
			continue
		}
		delete(b.pending, ud)
		for _, t := range p.tracks {
			b.untrack(t)
		}
		n, flags, err := operate(p.op)
		out = append(out, rawCompletion{userData: ud, n: n, flags: flags, err: err})
	}
	return out, nil
}

func (b *pollBackend) wake() error { return b.r.Wake() }
func (b *pollBackend) close() error { return b.r.Close() }

// post injects a completion the backend never produced itself —
// asyncify worker results, and the "post(i, 0)" testable property in
// spec.md §8. It is handed back on the next poll() exactly like a real
// readiness-driven completion.
func (b *pollBackend) post(userData uint64, n int, err error) error {
	b.mu.Lock()
	if b.imm == nil {
		b.imm = make(map[uint64]immediate)
	}
	b.imm[userData] = immediate{userData: userData, n: n, err: err}
	b.mu.Unlock()
	return b.r.Wake()
}

// attach is a no-op on the poll backend: every operation declares its
// own (fd, interest) tracks at submit time, so there is no upfront
// per-fd registration step the way a completion port needs.
func (b *pollBackend) attach(fd int) error { return nil }

// operate performs the actual (now-ready) synchronous syscall for op,
// returning any buffer-pool selection flags alongside the usual
// (n, err) — zero for every opcode but RecvProvided.
func operate(op opcode.Code) (int, uint32, error) {
	switch o := op.(type) {
	case *opcode.ReadAt:
		buf := o.Buf.BytesMut()
		var n int
		var err error
		if o.Offset >= 0 {
			n, err = unix.Pread(o.FD, buf, o.Offset)
		} else {
			n, err = unix.Read(o.FD, buf)
		}
		return n, 0, err
	case *opcode.WriteAt:
		buf := o.Buf.Bytes()
		var n int
		var err error
		if o.Offset >= 0 {
			n, err = unix.Pwrite(o.FD, buf, o.Offset)
		} else {
			n, err = unix.Write(o.FD, buf)
		}
		return n, 0, err
	case *opcode.Sync:
		if o.DataSyncOnly {
			return 0, 0, unix.Fdatasync(o.FD)
		}
		return 0, 0, unix.Fsync(o.FD)
	case *opcode.Accept:
		fd, _, err := unix.Accept(o.FD)
		return fd, 0, err
	case *opcode.Connect:
		// The raw sockaddr bytes were pre-encoded by the caller; the
		// synchronous path only needs to confirm the non-blocking
		// connect finished, via SO_ERROR.
		errno, gerr := unix.GetsockoptInt(o.FD, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			return 0, 0, gerr
		}
		if errno != 0 {
			return 0, 0, syscall.Errno(errno)
		}
		return 0, 0, nil
	case *opcode.Send:
		n, err := unix.Write(o.FD, o.Buf.Bytes())
		return n, 0, err
	case *opcode.Recv:
		n, err := unix.Read(o.FD, o.Buf.BytesMut())
		return n, 0, err
	case *opcode.RecvProvided:
		return operateRecvProvided(o)
	case *opcode.SendTo:
		sa, serr := sockaddrFromRaw(o.Addr)
		if serr != nil {
			return 0, 0, serr
		}
		return len(o.Buf.Bytes()), 0, unix.Sendto(o.FD, o.Buf.Bytes(), 0, sa)
	case *opcode.RecvFrom:
		n, _, _, from, err := unix.Recvmsg(o.FD, o.Buf.BytesMut(), nil, 0)
		if err == nil && from != nil {
			o.Addr = rawFromSockaddr(from)
		}
		return n, 0, err
	case *opcode.Splice:
		n, err := spliceViaPipe(o.FDIn, o.FDOut, o.Len)
		return n, 0, err
	default:
		return 0, 0, syscall.ENOTSUP
	}
}

// operateRecvProvided acquires a buffer from o.Pool, reads into it, and
// reports the selection in the completion flags the same way a real
// kernel-selected io_uring completion would — the poll backend has no
// provided-buffer-ring concept of its own, so buffer selection always
// happens here in software rather than in the kernel.
func operateRecvProvided(o *opcode.RecvProvided) (int, uint32, error) {
	id, dst, err := o.Pool.Acquire()
	if err != nil {
		return 0, 0, err
	}
	n, err := unix.Read(o.FD, dst)
	return n, encodeBufferFlags(id), err
}

// sockaddrFromRaw decodes the pre-encoded sockaddr bytes opcode.SendTo's
// Addr carries into a unix.Sockaddr Sendto can use. The family is
// inferred from the byte length alone (16 for sockaddr_in, 28 for
// sockaddr_in6) rather than by reading the sa_family field, which sits
// at a different offset/width on BSD's sockaddr than on Linux's — this
// keeps decoding portable across this file's build targets without
// per-OS cases. Only IPv4/IPv6 are supported; callers needing
// AF_UNIX datagram addressing are out of this module's scope (see the
// Non-goal on high-level socket wrappers).
func sockaddrFromRaw(b []byte) (unix.Sockaddr, error) {
	switch len(b) {
	case unix.SizeofSockaddrInet4:
		var addr [4]byte
		copy(addr[:], b[4:8])
		return &unix.SockaddrInet4{Port: int(b[2])<<8 | int(b[3]), Addr: addr}, nil
	case unix.SizeofSockaddrInet6:
		var addr [16]byte
		copy(addr[:], b[8:24])
		return &unix.SockaddrInet6{Port: int(b[2])<<8 | int(b[3]), Addr: addr}, nil
	default:
		return nil, syscall.EAFNOSUPPORT
	}
}

// rawFromSockaddr is sockaddrFromRaw's inverse, used to recover
// RecvFrom's peer address into the same raw-bytes shape SendTo expects,
// so a reply can be sent by simply handing a RecvFrom completion's Addr
// straight to a subsequent SendTo.
func rawFromSockaddr(sa unix.Sockaddr) []byte {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		b := make([]byte, unix.SizeofSockaddrInet4)
		b[0], b[1] = unix.AF_INET, 0
		b[2], b[3] = byte(s.Port>>8), byte(s.Port)
		copy(b[4:8], s.Addr[:])
		return b
	case *unix.SockaddrInet6:
		b := make([]byte, unix.SizeofSockaddrInet6)
		b[0], b[1] = unix.AF_INET6, 0
		b[2], b[3] = byte(s.Port>>8), byte(s.Port)
		copy(b[8:24], s.Addr[:])
		return b
	default:
		return nil
	}
}

// spliceViaPipe moves up to n bytes from in to out using a single
// read+write pair; it never calls splice(2). The io_uring backend instead
// issues a real IORING_OP_SPLICE and never calls this.
func spliceViaPipe(in, out, n int) (int, error) {
	buf := make([]byte, n)
	rn, err := unix.Read(in, buf)
	if err != nil || rn == 0 {
		return 0, err
	}
	wn, err := unix.Write(out, buf[:rn])
	return wn, err
}
