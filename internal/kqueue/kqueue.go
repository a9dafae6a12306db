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

//go:build darwin || freebsd || netbsd || openbsd

// Package kqueue mirrors package epoll's surface for kqueue(2) platforms
// (Darwin and the BSDs), so the poll backend in package proactor can
// treat both as the same Readiness interface. There is no one-to-one
// equivalent of EPOLL_CTL_MOD on kqueue: changing the filter set for an
// fd re-registers it (EV_ADD replaces the prior registration for that
// filter), which Modify below does directly.
package kqueue

import (
	"time"

	"golang.org/x/sys/unix"
)

// Events is a bitmask of readiness conditions, kept platform-neutral to
// match package epoll's Events type one for one.
type Events uint32

const (
	Readable Events = 1 << iota
	Writable
	Error
	Hangup
)

// Event is one readiness notification.
type Event struct {
	FD     int32
	Events Events
}

const wakeIdent = ^uint64(0) // user-space event ident reserved for Wake

// Poller wraps one kqueue instance plus an EVFILT_USER wakeup event.
type Poller struct {
	kq  int
	buf []unix.Kevent_t
}

// Open creates a Poller with room for maxEvents per Wait call.
func Open(maxEvents int) (*Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	p := &Poller{kq: kq, buf: make([]unix.Kevent_t, maxEvents)}
	wake := unix.Kevent_t{
		Ident:  uintptr(wakeIdent),
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{wake}, nil, nil); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	return p, nil
}

// Close releases the kqueue instance.
func (p *Poller) Close() error {
	return unix.Close(p.kq)
}

// Add registers fd for the given readiness events.
func (p *Poller) Add(fd int, ev Events) error {
	return p.change(fd, ev, unix.EV_ADD|unix.EV_CLEAR)
}

// Modify replaces the events fd is monitored for.
func (p *Poller) Modify(fd int, ev Events) error {
	if err := p.Remove(fd); err != nil {
		return err
	}
	return p.Add(fd, ev)
}

// Remove stops monitoring fd for both read and write readiness.
func (p *Poller) Remove(fd int) error {
	changes := []unix.Kevent_t{
		{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
		{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
	}
	_, _ = unix.Kevent(p.kq, changes, nil, nil) // either filter may not have been registered; ignore ENOENT
	return nil
}

func (p *Poller) change(fd int, ev Events, flags uint16) error {
	var changes []unix.Kevent_t
	if ev&Readable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if ev&Writable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

// Wait blocks up to timeout (zero means return immediately, negative
// means forever) for readiness events, and reports whether Wake fired.
func (p *Poller) Wait(timeout time.Duration) (events []Event, woken bool, err error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	n, werr := unix.Kevent(p.kq, nil, p.buf, ts)
	if werr != nil {
		if werr == unix.EINTR {
			return nil, false, nil
		}
		return nil, false, werr
	}
	events = make([]Event, 0, n)
	for i := 0; i < n; i++ {
		raw := p.buf[i]
		if raw.Filter == unix.EVFILT_USER && uint64(raw.Ident) == wakeIdent {
			woken = true
			continue
		}
		ev := Event{FD: int32(raw.Ident)}
		switch raw.Filter {
		case unix.EVFILT_READ:
			ev.Events |= Readable
		case unix.EVFILT_WRITE:
			ev.Events |= Writable
		}
		if raw.Flags&unix.EV_EOF != 0 {
			ev.Events |= Hangup
		}
		if raw.Flags&unix.EV_ERROR != 0 {
			ev.Events |= Error
		}
		events = append(events, ev)
	}
	return events, woken, nil
}

// Wake interrupts a blocked Wait from another goroutine by triggering
// the EVFILT_USER event registered in Open.
func (p *Poller) Wake() error {
	trigger := unix.Kevent_t{
		Ident:  uintptr(wakeIdent),
		Filter: unix.EVFILT_USER,
		Fflags: unix.NOTE_TRIGGER,
	}
	_, err := unix.Kevent(p.kq, []unix.Kevent_t{trigger}, nil, nil)
	return err
}
