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

package runtime

import (
	"sync"

	"github.com/cloudwego/proactor/internal/sharedfd"
	"github.com/cloudwego/proactor/opcode"
)

// RawFD is implemented by any operation source an Attacher can register
// with a Proactor — a wrapped socket, file, or pipe end. Close is called
// at most once, only once every operation Submit issued against the
// source has released its reference and the Attacher itself has been
// closed or taken.
type RawFD interface {
	Fd() int
	Close() error
}

// Attacher wraps a RawFD source and lazily registers it with a Runtime's
// Proactor on first use: attach(raw_fd) is idempotent per-fd, and on
// backends that attach per-SQE/per-operation instead (ring, poll) it costs
// nothing beyond the one call. It also owns the source's shared-fd handle:
// every Submit clones a reference for the lifetime of that one operation,
// so Close/Take can never pull the descriptor out from under a pending
// completion.
type Attacher[T RawFD] struct {
	rt     *Runtime
	source T

	once sync.Once
	err  error
	fd   sharedfd.FD
}

// NewAttacher wraps source for use with rt.
func NewAttacher[T RawFD](rt *Runtime, source T) *Attacher[T] {
	return &Attacher[T]{rt: rt, source: source}
}

// Source returns the wrapped value.
func (a *Attacher[T]) Source() T { return a.source }

// Ensure registers the source's fd with the Proactor if it has not been
// already, and establishes the shared-fd handle Submit and Close use.
// Safe to call repeatedly; only the first call does any work.
func (a *Attacher[T]) Ensure() error {
	a.once.Do(func() {
		a.err = a.rt.p.Attach(a.source.Fd())
		a.fd = sharedfd.New(a.source.Fd(), func(int) error { return a.source.Close() })
	})
	return a.err
}

// Submit ensures the source is attached, then submits op through the
// owning Runtime. The shared-fd handle is cloned for the duration of the
// operation and released the instant its completion is delivered, so the
// descriptor stays open across every in-flight op even if Close or Take
// is called on this Attacher in the meantime.
func (a *Attacher[T]) Submit(op opcode.Code) (*OpFuture, error) {
	if err := a.Ensure(); err != nil {
		return nil, err
	}
	clone := a.fd.Clone()
	f, err := a.rt.submit(op, func() { _ = clone.Close() })
	if err != nil {
		_ = clone.Close()
		return nil, err
	}
	return f, nil
}

// Close drops this Attacher's own reference to the source's fd. The
// descriptor is only actually closed once every clone handed out by a
// Submit call has also released its reference — i.e. once every
// operation this Attacher started has completed.
func (a *Attacher[T]) Close() error {
	if err := a.Ensure(); err != nil {
		return err
	}
	return a.fd.Close()
}

// Take blocks until this is provably the only remaining reference to the
// source's fd — i.e. every clone a Submit handed out has been released by
// its operation completing — then closes it. Only one goroutine may call
// Take on a given Attacher at a time; a second concurrent call returns
// false immediately rather than queuing behind the first.
func (a *Attacher[T]) Take() (closed bool) {
	if err := a.Ensure(); err != nil {
		return false
	}
	return a.fd.Take()
}
