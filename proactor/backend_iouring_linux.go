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

//go:build linux

package proactor

import (
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/cloudwego/proactor/bufferpool"
	"github.com/cloudwego/proactor/internal/iouring"
	"github.com/cloudwego/proactor/opcode"
	"golang.org/x/sys/unix"
)

// wakeUserData tags the driver's standing IORING_OP_POLL_ADD SQE against
// wakeFD, the eventfd a cross-goroutine Wake/post writes to. Its
// completion never carries a real operation result and is filtered out
// of poll()'s output exactly like the driver's own cancel/timeout
// sentinels are filtered inside package iouring.
const wakeUserData uint64 = ^uint64(0) - 2

// iouringBackend submits every opcode as an io_uring SQE via
// internal/iouring.Driver. The driver itself is opcode-agnostic (it only
// knows how to flush/submit/poll raw SQEs); this file does the
// translation from an opcode.Code to SQE fields.
type iouringBackend struct {
	drv    *iouring.Driver
	wakeFD int

	mu        sync.Mutex
	synthetic []rawCompletion // posted completions the ring itself never produced (asyncify results, Proactor.Post)

	registeredGids map[uint16]bool              // buffer-select groups provided to the kernel via registerBufferPool
	provided       map[uint64]providedSelection // userData -> software-selected buffer, for RecvProvided against a Pool the kernel never learned about
	msgs           map[uint64]*msgState         // userData -> pinned msghdr/iovec for an in-flight SendTo/RecvFrom
}

// requiredOpcodes lists every IORING_OP_* this backend's submit path can
// issue, including the ones the driver itself relies on internally
// (POLL_ADD for the wake eventfd, ASYNC_CANCEL, TIMEOUT, PROVIDE_BUFFERS).
// newBackend runs a probe ring against this list before selecting
// io_uring over the poll fallback, so a kernel that can io_uring_setup
// but is missing one of these (an unusual seccomp profile, or a kernel
// new enough for SETUP but older than some of these opcodes) doesn't get
// picked and then silently misbehave the first time that opcode is used.
var requiredOpcodes = []uint8{
	iouring.IORING_OP_NOP,
	iouring.IORING_OP_READ,
	iouring.IORING_OP_WRITE,
	iouring.IORING_OP_FSYNC,
	iouring.IORING_OP_POLL_ADD,
	iouring.IORING_OP_ACCEPT,
	iouring.IORING_OP_CONNECT,
	iouring.IORING_OP_SEND,
	iouring.IORING_OP_RECV,
	iouring.IORING_OP_SENDMSG,
	iouring.IORING_OP_RECVMSG,
	iouring.IORING_OP_SPLICE,
	iouring.IORING_OP_PROVIDE_BUFFERS,
	iouring.IORING_OP_ASYNC_CANCEL,
	iouring.IORING_OP_TIMEOUT,
}

// supportsRequiredOpcodes runs a minimal IORING_REGISTER_PROBE query
// against the ring and reports whether every opcode this backend needs
// is supported. A probe failure (pre-5.6 kernel) is treated as
// unsupported — such a kernel also predates several of the opcodes
// above.
func (b *iouringBackend) supportsRequiredOpcodes() bool {
	supported, err := b.drv.Probe()
	if err != nil {
		return false
	}
	for _, op := range requiredOpcodes {
		if !supported[op] {
			return false
		}
	}
	return true
}

// msgState pins the Msghdr/Iovec (and, for RecvFrom, the scratch peer-
// address buffer) a SENDMSG/RECVMSG SQE's Addr field points at for as
// long as the kernel may still reference it — from submit until its
// completion is observed in poll(), since a raw uintptr stashed in an
// SQE is invisible to the garbage collector and gives it no reason to
// keep the pointee alive on its own.
type msgState struct {
	isRecv  bool
	msg     iouring.Msghdr
	iov     iouring.Iovec
	nameBuf []byte
	recvOp  *opcode.RecvFrom // set when isRecv, so poll() can write the peer addr back
}

// providedSelection records which pool buffer a RecvProvided op picked in
// software (not via IOSQE_BUFFER_SELECT), so poll() can report it back to
// the caller through the completion's Flags exactly as a real
// kernel-selected buffer would be.
type providedSelection struct {
	id bufferpool.ID
}

func newIouringBackend(cfg Config) (*iouringBackend, error) {
	drv, err := iouring.NewDriver(cfg.QueueDepth)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = drv.Close()
		return nil, err
	}
	b := &iouringBackend{drv: drv, wakeFD: fd}
	b.armWake()
	return b, nil
}

// armWake (re)submits the standing poll against wakeFD. A completion on
// it means wake() or post() wrote to the eventfd from another goroutine;
// poll() drains the counter and re-arms before returning, so the ring
// always has exactly one outstanding wake-poll SQE.
func (b *iouringBackend) armWake() {
	b.drv.Push(func(sqe *iouring.IOUringSQE) {
		sqe.Opcode = iouring.IORING_OP_POLL_ADD
		sqe.Fd = int32(b.wakeFD)
		sqe.OpcodeFlags = iouring.POLLIN
		sqe.UserData = wakeUserData
	})
}

// registerBufferPool hands every slot of r to the kernel as buffer-select
// group r.GroupID(), one IORING_OP_PROVIDE_BUFFERS SQE per slot. Once
// registered, a RecvProvided against r lets the kernel pick the buffer;
// submit() consults registeredGids to decide whether a given RecvProvided
// can take the kernel-selection path.
func (b *iouringBackend) registerBufferPool(r *bufferpool.Ring) error {
	gid := r.GroupID()
	for i := 0; i < r.Count(); i++ {
		id := bufferpool.ID(i)
		buf := r.BufferAt(id)
		if len(buf) == 0 {
			continue
		}
		b.drv.ProvideBuffer(gid, uint16(i), addrOf(buf), uint32(len(buf)))
	}
	b.mu.Lock()
	if b.registeredGids == nil {
		b.registeredGids = make(map[uint16]bool)
	}
	b.registeredGids[gid] = true
	b.mu.Unlock()
	return nil
}

func (b *iouringBackend) submit(userData uint64, op opcode.Code) error {
	switch o := op.(type) {
	case *opcode.RecvProvided:
		return b.submitRecvProvided(userData, o)
	case *opcode.SendTo:
		b.submitSendTo(userData, o)
		return nil
	case *opcode.RecvFrom:
		b.submitRecvFrom(userData, o)
		return nil
	}
	b.drv.Push(func(sqe *iouring.IOUringSQE) {
		sqe.UserData = userData
		fillSQE(sqe, op)
	})
	return nil
}

// submitSendTo issues an IORING_OP_SENDMSG SQE so the destination
// address in o.Addr is actually honored, rather than the plain
// IORING_OP_SEND a connected-socket Send uses (which has no addr
// argument at all).
func (b *iouringBackend) submitSendTo(userData uint64, o *opcode.SendTo) {
	st := &msgState{}
	st.iov.Set(o.Buf.Bytes())
	st.msg.Iov = &st.iov
	st.msg.Iovlen = 1
	if len(o.Addr) > 0 {
		st.nameBuf = o.Addr
		st.msg.Name = &st.nameBuf[0]
		st.msg.Namelen = uint32(len(st.nameBuf))
	}

	b.mu.Lock()
	if b.msgs == nil {
		b.msgs = make(map[uint64]*msgState)
	}
	b.msgs[userData] = st
	b.mu.Unlock()

	b.drv.Push(func(sqe *iouring.IOUringSQE) {
		sqe.UserData = userData
		sqe.Opcode = iouring.IORING_OP_SENDMSG
		sqe.Fd = int32(o.FD)
		sqe.Addr = uint64(uintptr(unsafe.Pointer(&st.msg)))
		sqe.Len = 1
	})
}

// submitRecvFrom issues an IORING_OP_RECVMSG SQE against a scratch
// sockaddr_storage-sized buffer so the peer address can be recovered
// into o.Addr once the completion arrives (see poll()).
func (b *iouringBackend) submitRecvFrom(userData uint64, o *opcode.RecvFrom) {
	st := &msgState{isRecv: true, recvOp: o, nameBuf: make([]byte, 128)}
	st.iov.Set(o.Buf.BytesMut())
	st.msg.Iov = &st.iov
	st.msg.Iovlen = 1
	st.msg.Name = &st.nameBuf[0]
	st.msg.Namelen = uint32(len(st.nameBuf))

	b.mu.Lock()
	if b.msgs == nil {
		b.msgs = make(map[uint64]*msgState)
	}
	b.msgs[userData] = st
	b.mu.Unlock()

	b.drv.Push(func(sqe *iouring.IOUringSQE) {
		sqe.UserData = userData
		sqe.Opcode = iouring.IORING_OP_RECVMSG
		sqe.Fd = int32(o.FD)
		sqe.Addr = uint64(uintptr(unsafe.Pointer(&st.msg)))
		sqe.Len = 1
	})
}

// submitRecvProvided takes the kernel-selection path (IOSQE_BUFFER_SELECT
// against the Ring's registered group) when possible, and otherwise falls
// back to picking a buffer in software before submitting an ordinary recv
// — the same thing the poll and IOCP backends always do, since neither
// has a provided-buffer-ring concept at all.
func (b *iouringBackend) submitRecvProvided(userData uint64, rp *opcode.RecvProvided) error {
	if ring, ok := rp.Pool.(*bufferpool.Ring); ok {
		b.mu.Lock()
		registered := b.registeredGids[ring.GroupID()]
		b.mu.Unlock()
		if registered {
			b.drv.Push(func(sqe *iouring.IOUringSQE) {
				sqe.UserData = userData
				sqe.Opcode = iouring.IORING_OP_RECV
				sqe.Flags = iouring.IOSQE_BUFFER_SELECT
				sqe.Fd = int32(rp.FD)
				sqe.BufIndex = ring.GroupID()
				sqe.Len = uint32(ring.BufSize())
			})
			return nil
		}
	}

	id, dst, err := rp.Pool.Acquire()
	if err != nil {
		return err
	}
	b.mu.Lock()
	if b.provided == nil {
		b.provided = make(map[uint64]providedSelection)
	}
	b.provided[userData] = providedSelection{id: id}
	b.mu.Unlock()
	b.drv.Push(func(sqe *iouring.IOUringSQE) {
		sqe.UserData = userData
		sqe.Opcode = iouring.IORING_OP_RECV
		sqe.Fd = int32(rp.FD)
		if len(dst) > 0 {
			sqe.Addr = uint64(addrOf(dst))
		}
		sqe.Len = uint32(len(dst))
	})
	return nil
}

func fillSQE(sqe *iouring.IOUringSQE, op opcode.Code) {
	switch o := op.(type) {
	case *opcode.ReadAt:
		sqe.Opcode = iouring.IORING_OP_READ
		sqe.Fd = int32(o.FD)
		sqe.Off = uint64(o.Offset)
		b := o.Buf.BytesMut()
		if len(b) > 0 {
			sqe.Addr = uint64(addrOf(b))
		}
		sqe.Len = uint32(len(b))
		sqe.Personality = uint16(o.Personality)
	case *opcode.WriteAt:
		sqe.Opcode = iouring.IORING_OP_WRITE
		sqe.Fd = int32(o.FD)
		sqe.Off = uint64(o.Offset)
		b := o.Buf.Bytes()
		if len(b) > 0 {
			sqe.Addr = uint64(addrOf(b))
		}
		sqe.Len = uint32(len(b))
		sqe.Personality = uint16(o.Personality)
	case *opcode.Sync:
		sqe.Opcode = iouring.IORING_OP_FSYNC
		sqe.Fd = int32(o.FD)
		if o.DataSyncOnly {
			sqe.OpcodeFlags = 1 // IORING_FSYNC_DATASYNC
		}
	case *opcode.Accept:
		sqe.Opcode = iouring.IORING_OP_ACCEPT
		sqe.Fd = int32(o.FD)
	case *opcode.Connect:
		sqe.Opcode = iouring.IORING_OP_CONNECT
		sqe.Fd = int32(o.FD)
		if len(o.Addr) > 0 {
			sqe.Addr = uint64(addrOf(o.Addr))
		}
		sqe.Off = uint64(len(o.Addr))
	case *opcode.Send:
		sqe.Opcode = iouring.IORING_OP_SEND
		sqe.Fd = int32(o.FD)
		b := o.Buf.Bytes()
		if len(b) > 0 {
			sqe.Addr = uint64(addrOf(b))
		}
		sqe.Len = uint32(len(b))
	case *opcode.Recv:
		sqe.Opcode = iouring.IORING_OP_RECV
		sqe.Fd = int32(o.FD)
		b := o.Buf.BytesMut()
		if len(b) > 0 {
			sqe.Addr = uint64(addrOf(b))
		}
		sqe.Len = uint32(len(b))
	case *opcode.Splice:
		sqe.Opcode = iouring.IORING_OP_SPLICE
		sqe.Fd = int32(o.FDOut)
		sqe.SpliceFdIn = int32(o.FDIn)
		// -1/-1 tells the kernel to use each fd's own stream position,
		// the only valid choice when either side is a pipe (pipes have
		// no seek position to pass explicitly).
		sqe.Off = ^uint64(0)
		sqe.Addr = ^uint64(0)
		sqe.Len = uint32(o.Len)
	default:
		// SendTo/RecvFrom are handled in submit() before fillSQE is ever
		// reached (they need a pinned Msghdr, not a plain SQE field), and
		// cancellation goes through Driver.Cancel rather than an
		// opcode.Cancel. Anything else reaching this case is an
		// unrecognized Code; submit an opcode past every defined
		// IORING_OP_*, which the kernel completes with -EINVAL, rather
		// than silently dropping the request.
		sqe.Opcode = 0xff
	}
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func (b *iouringBackend) cancel(userData uint64) {
	b.drv.Cancel(userData)
}

func (b *iouringBackend) poll(wait bool, timeout time.Duration) ([]rawCompletion, error) {
	b.mu.Lock()
	synthetic := b.synthetic
	b.synthetic = nil
	b.mu.Unlock()
	if len(synthetic) > 0 {
		return synthetic, nil
	}

	completions, err := b.drv.Poll(wait, timeout)
	if err != nil {
		if err == syscall.ETIMEDOUT {
			return nil, nil
		}
		return nil, err
	}
	out := make([]rawCompletion, 0, len(completions))
	woken := false
	for _, c := range completions {
		if c.UserData == wakeUserData {
			woken = true
			continue
		}
		res := c.Res
		rc := rawCompletion{userData: c.UserData, flags: c.Flags}
		if res < 0 {
			errno := syscall.Errno(-res)
			if errno == syscall.ECANCELED {
				errno = syscall.ETIMEDOUT // cancel raced and won; report the same as a cancelled-op timeout
			}
			rc.err = errno
		} else {
			rc.n = int(res)
		}
		b.mu.Lock()
		if sel, ok := b.provided[c.UserData]; ok {
			rc.flags = encodeBufferFlags(sel.id)
			delete(b.provided, c.UserData)
		}
		if st, ok := b.msgs[c.UserData]; ok {
			if st.isRecv && rc.err == nil {
				n := int(st.msg.Namelen)
				if n > len(st.nameBuf) {
					n = len(st.nameBuf)
				}
				addr := make([]byte, n)
				copy(addr, st.nameBuf[:n])
				st.recvOp.Addr = addr
			}
			delete(b.msgs, c.UserData)
		}
		b.mu.Unlock()
		out = append(out, rc)
	}
	if woken {
		b.drainWake()
		b.armWake()
	}
	return out, nil
}

// drainWake reads (and discards) the eventfd counter so the next write
// to it re-triggers a fresh readiness edge instead of being coalesced
// into one the poll already consumed.
func (b *iouringBackend) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(b.wakeFD, buf[:])
		if err != unix.EINTR {
			return
		}
	}
}

// wake interrupts a blocked poll from another goroutine by writing to
// the standing POLL_ADD's eventfd, the io_uring analogue of the poll
// backend's readiness.Wake().
func (b *iouringBackend) wake() error {
	var v [8]byte
	v[0] = 1
	_, err := unix.Write(b.wakeFD, v[:])
	return err
}

// post injects a completion the ring itself never produced — asyncify
// worker results delivered through Proactor.Post — and pokes the ring so
// a blocked poll() notices it without waiting for the next real I/O
// completion or deadline.
func (b *iouringBackend) post(userData uint64, n int, err error) error {
	b.mu.Lock()
	b.synthetic = append(b.synthetic, rawCompletion{userData: userData, n: n, err: err})
	b.mu.Unlock()
	return b.wake()
}

// attach is a no-op on the io_uring backend: every opcode carries its own
// fd and is submitted as a self-contained SQE, with no separate
// per-fd registration step the way a completion port needs.
func (b *iouringBackend) attach(fd int) error { return nil }

func (b *iouringBackend) close() error {
	err := b.drv.Close()
	if cerr := unix.Close(b.wakeFD); err == nil {
		err = cerr
	}
	return err
}
