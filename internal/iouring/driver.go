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

package iouring

import (
	"errors"
	"syscall"
	"time"
	"unsafe"
)

func addrOfTimeSpec(ts *TimeSpec) unsafe.Pointer { return unsafe.Pointer(ts) }

// cancelUserData tags an AsyncCancel SQE so its completion can be
// filtered out of the stream handed back to callers: cancellation
// requests complete on their own CQE, which is not a real operation
// result and must never be mistaken for one.
const cancelUserData uint64 = ^uint64(0)

// timeoutUserData tags the driver's own IORING_OP_TIMEOUT SQE, used to
// give Poll a relative deadline the way the poll/IOCP backends get one
// for free from their native wait calls. Its completion (whether it
// actually expired or was cancelled by a fresher deadline) is filtered
// out of PopCompletions exactly like cancelUserData's.
const timeoutUserData uint64 = ^uint64(0) - 1

// provideBufUserData tags the driver's IORING_OP_PROVIDE_BUFFERS SQEs
// issued when a bufferpool.Ring is registered as a kernel-selected buffer
// group. Its completion carries no operation result (success just means
// the kernel accepted the buffer into the group) and is filtered out of
// PopCompletions exactly like the cancel and timeout sentinels.
const provideBufUserData uint64 = ^uint64(0) - 3

// pending is one not-yet-submitted entry: either a real operation or a
// cancel request against a previously submitted one.
type pending struct {
	build func(sqe *IOUringSQE)
}

// Driver wraps a raw IoUring ring with a pending-submission queue and a
// submit/poll loop, so callers can push operations faster than the ring
// can accept SQEs without blocking: entries queue up and are flushed
// into the ring as space frees, exactly as a bounded channel would, but
// without the overhead of one.
type Driver struct {
	ring    *IoUring
	pending []pending

	// timeoutActive tracks whether an IORING_OP_TIMEOUT SQE is currently
	// in flight. timeoutTS must stay alive (not be moved or reclaimed)
	// for as long as the kernel may still reference it, since its
	// address is passed as the SQE's Addr field — it is only replaced
	// once the driver has cancelled the previous deadline.
	timeoutActive bool
	timeoutTS     *TimeSpec
}

// NewDriver creates a Driver backed by a freshly allocated ring with the
// given submission queue depth.
func NewDriver(entries uint32) (*Driver, error) {
	ring, err := NewIoUring(entries)
	if err != nil {
		return nil, err
	}
	return &Driver{ring: ring}, nil
}

// Completion is a decoded completion queue entry, with the
// cancellation-sentinel completions already filtered out by PopCompletions.
type Completion struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// Push enqueues a submission builder. It never blocks and never fails:
// entries that don't fit in the ring right now wait in Driver's own
// queue until FlushSubmissions makes room.
func (d *Driver) Push(build func(sqe *IOUringSQE)) {
	d.pending = append(d.pending, pending{build: build})
}

// Cancel enqueues a best-effort IORING_OP_ASYNC_CANCEL against the
// operation previously submitted with the given user-data tag.
func (d *Driver) Cancel(target uint64) {
	d.Push(func(sqe *IOUringSQE) {
		sqe.Opcode = IORING_OP_ASYNC_CANCEL
		sqe.Addr = target
		sqe.UserData = cancelUserData
	})
}

// ProvideBuffer registers one buffer's address with the kernel under
// buffer-select group gid at index bid, so a subsequent IOSQE_BUFFER_SELECT
// recv against that group may be fulfilled from it. Buffers are provided
// one at a time (nr=1) rather than as one contiguous region, since
// bufferpool.Ring's slots are independently allocated and need not be
// adjacent in memory.
func (d *Driver) ProvideBuffer(gid, bid uint16, addr uintptr, length uint32) {
	d.Push(func(sqe *IOUringSQE) {
		sqe.Opcode = IORING_OP_PROVIDE_BUFFERS
		sqe.Fd = 1 // nr: one buffer per SQE
		sqe.Addr = uint64(addr)
		sqe.Len = length
		sqe.Off = uint64(bid)
		sqe.BufIndex = gid
		sqe.UserData = provideBufUserData
	})
}

// ArmTimeout (re)arms the driver's single relative-deadline timeout,
// giving the next Poll(wait=true) call a hard upper bound even though
// raw io_uring has no "wait with timeout" argument to io_uring_enter.
// If a timeout is already pending it is cancelled first — io_uring has
// no "update deadline" opcode, so a fresh deadline is a cancel-then-
// resubmit pair, mirroring how Cancel already works for ordinary ops.
func (d *Driver) ArmTimeout(dl time.Duration) {
	if d.timeoutActive {
		d.Cancel(timeoutUserData)
		d.timeoutActive = false
	}
	if dl < 0 {
		return
	}
	ts := &TimeSpec{TvSec: int64(dl / time.Second), TvNsec: int64(dl % time.Second)}
	d.timeoutTS = ts
	d.Push(func(sqe *IOUringSQE) {
		sqe.Opcode = IORING_OP_TIMEOUT
		sqe.Addr = uint64(uintptr(addrOfTimeSpec(ts)))
		sqe.Len = 1
		sqe.Off = 0 // wait for the deadline itself, not N other completions
		sqe.UserData = timeoutUserData
	})
	d.timeoutActive = true
}

// DisarmTimeout cancels any in-flight deadline, used once a Poll call no
// longer wants one (e.g. the caller switches to non-blocking poll).
func (d *Driver) DisarmTimeout() {
	if d.timeoutActive {
		d.Cancel(timeoutUserData)
		d.timeoutActive = false
	}
}

// Probe reports which IORING_OP_* opcodes the kernel backing this
// driver's ring actually supports, via IoUring.Probe. Used by the fusion
// backend selector to decide whether this kernel is capable enough to
// pick io_uring over the readiness-poll fallback.
func (d *Driver) Probe() (map[uint8]bool, error) {
	return d.ring.Probe()
}

// FlushSubmissions drains as many pending entries into the ring as fit.
// It returns true if the pending queue is now empty (fully drained).
func (d *Driver) FlushSubmissions() bool {
	for len(d.pending) > 0 {
		sqe := d.ring.PeekSQE(true)
		if sqe == nil {
			return false
		}
		d.pending[0].build(sqe)
		d.ring.AdvanceSQ()
		d.pending = d.pending[1:]
	}
	return true
}

// SubmitAuto calls io_uring_enter, optionally waiting for at least one
// completion. ETIME (from a linked timeout, or an explicit wait
// deadline) is mapped to ETIMEDOUT so callers see a single, portable
// timeout error across backends; EBUSY/EAGAIN (the ring's own transient
// backpressure) are swallowed and retried by the caller's poll loop, not
// surfaced as errors.
func (d *Driver) SubmitAuto(wait bool) error {
	flags := uint32(0)
	if wait {
		flags = IORING_ENTER_GETEVENTS
	}
	toSubmit := d.ring.PendingSQEs()
	_, errno := Enter(d.ring.fdForEnter(), toSubmit, boolToMinComplete(wait), flags, nil)
	switch errno {
	case 0:
		return nil
	case syscall.ETIME:
		return syscall.ETIMEDOUT
	case syscall.EBUSY, syscall.EAGAIN, syscall.EINTR:
		return nil
	default:
		return errno
	}
}

func boolToMinComplete(wait bool) uint32 {
	if wait {
		return 1
	}
	return 0
}

// PopCompletions drains up to max available completions (0 means
// "all currently available"), filtering out AsyncCancel's and the
// driver's own deadline-timeout's completions and mapping -ECANCELED to
// ETIMEDOUT on the returned Completion.Res path being left to the caller
// (Res stays the raw negative errno; callers translate as needed —
// ECANCELED specifically means "the cancel raced a completion and won",
// which callers of Cancel should treat the same as success).
func (d *Driver) PopCompletions(max int) []Completion {
	out, _ := d.popCompletions(max)
	return out
}

// popCompletions is PopCompletions plus a second return reporting
// whether the driver's own ArmTimeout deadline was the one that fired
// (as opposed to being cancelled out from under it by a fresher
// deadline), so Poll can distinguish "nothing happened before the
// caller's requested timeout elapsed" from "a stale deadline from a
// previous call finally got reaped".
func (d *Driver) popCompletions(max int) (out []Completion, timedOut bool) {
	for max <= 0 || len(out) < max {
		cqe := d.ring.PeekCQE()
		if cqe == nil {
			break
		}
		ud, res, flags := cqe.UserData, cqe.Res, cqe.Flags
		d.ring.AdvanceCQ()
		if ud == cancelUserData || ud == provideBufUserData {
			continue
		}
		if ud == timeoutUserData {
			if res == -int32(syscall.ETIME) {
				timedOut = true
			}
			continue
		}
		out = append(out, Completion{UserData: ud, Res: res, Flags: flags})
	}
	return out, timedOut
}

// Poll runs one iteration of flush -> submit -> collect. wait controls
// whether SubmitAuto blocks for at least one completion; pass false for
// a non-blocking drain (e.g. when the scheduler still has runnable work
// and only wants to opportunistically harvest completions). timeout
// bounds how long a blocking poll may wait (negative means forever);
// since raw io_uring has no "wait with timeout" argument to
// io_uring_enter, a bounded wait is implemented by (re)arming the
// driver's own IORING_OP_TIMEOUT SQE before submitting.
func (d *Driver) Poll(wait bool, timeout time.Duration) ([]Completion, error) {
	d.FlushSubmissions()
	if wait && timeout >= 0 {
		d.ArmTimeout(timeout)
	} else {
		d.DisarmTimeout()
	}
	for {
		d.FlushSubmissions()
		if err := d.SubmitAuto(wait); err != nil {
			if errors.Is(err, syscall.ETIMEDOUT) {
				return nil, err
			}
			return nil, err
		}
		completions, timedOut := d.popCompletions(0)
		if len(completions) == 0 && timedOut {
			return nil, syscall.ETIMEDOUT
		}
		// With a deadline armed, a wakeup that only reaped the driver's
		// own filtered completions keeps waiting for the deadline.
		if len(completions) > 0 || !wait || timeout < 0 {
			return completions, nil
		}
	}
}

// Close releases the underlying ring.
func (d *Driver) Close() error {
	return d.ring.Close()
}

// fdForEnter exposes the ring's fd to driver.go without widening
// IoUring's exported surface — Driver lives in the same package.
func (r *IoUring) fdForEnter() int {
	return r.fd
}
