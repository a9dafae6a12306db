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

// Package sharedfd provides a refcounted file descriptor that is only
// closed once every operation referencing it has finished AND every
// clone of the handle has been dropped. It exists because a raw fd may
// still be the target of in-flight kernel operations even after the
// owning value in user code goes out of scope (e.g. a socket whose read
// half was handed to one future and write half to another).
package sharedfd

import (
	"sync"
	"sync/atomic"
)

// FD is a cloneable, refcounted handle around a raw file descriptor (or
// Windows HANDLE, represented the same way as a uintptr-sized int on
// that platform's backend).
type FD struct {
	inner *inner
}

type inner struct {
	raw     int
	strong  atomic.Int64 // number of live FD clones, starts at 1
	closeFn func(int) error

	mu     sync.Mutex
	waiter chan struct{} // non-nil while exactly one goroutine is waiting in Take
	closed bool
}

// New wraps raw with a close function invoked exactly once, when the
// last clone is released.
func New(raw int, closeFn func(int) error) FD {
	in := &inner{raw: raw, closeFn: closeFn}
	in.strong.Store(1)
	return FD{inner: in}
}

// Raw returns the underlying descriptor. It remains valid for as long as
// the FD (or any of its clones) is held.
func (f FD) Raw() int { return f.inner.raw }

// Clone increments the refcount and returns a new handle to the same
// descriptor. The descriptor is only closed once every clone (and the
// original) has called Close.
func (f FD) Clone() FD {
	f.inner.strong.Add(1)
	return FD{inner: f.inner}
}

// Close drops this handle's reference. If it was the last reference, the
// descriptor is closed directly. If a Take is pending, Close instead wakes
// it the instant only the taker's own handle remains live — that handle
// was never itself passed through Close (Take consumes it directly), so
// the refcount a waiting Take is watching bottoms out at one, not zero;
// Take performs the actual close once woken, so it can observe
// closed==true deterministically before returning.
func (f FD) Close() error {
	in := f.inner
	remaining := in.strong.Add(-1)
	if remaining > 1 {
		return nil
	}
	if remaining == 1 {
		in.mu.Lock()
		if in.waiter != nil {
			ch := in.waiter
			in.waiter = nil
			in.mu.Unlock()
			close(ch)
			return nil
		}
		in.mu.Unlock()
		return nil
	}
	return f.doClose()
}

func (f FD) doClose() error {
	in := f.inner
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return nil
	}
	in.closed = true
	in.mu.Unlock()
	return in.closeFn(in.raw)
}

// Take waits until this is provably the last live reference to the
// descriptor, then closes it. It is used when a caller wants to take
// exclusive ownership back from a group of clones (e.g. shutting down a
// listener whose accepted connections still hold clones) without racing
// a concurrent Clone/Close.
//
// Only one goroutine may call Take on a given FD's lineage at a time;
// a second concurrent call returns false immediately. This mirrors the
// single-waiter rule of the originating design: a second caller degrades
// to a no-op rather than queuing, since the group is expected to have
// exactly one owner coordinating teardown.
func (f FD) Take() (closed bool) {
	in := f.inner
	in.mu.Lock()
	if in.waiter != nil {
		in.mu.Unlock()
		return false
	}
	// This call's own clone counts toward strong; subtract it so the
	// check reflects "every other clone has already been closed".
	if in.strong.Load() == 1 {
		in.mu.Unlock()
		_ = f.doClose()
		return true
	}
	ch := make(chan struct{})
	in.waiter = ch
	in.mu.Unlock()

	<-ch
	_ = f.doClose()
	return true
}
