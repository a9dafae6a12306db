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

// Package epoll is the readiness-poll backend's Linux edge: a thin
// epoll(7) binding plus a self-pipe (eventfd) wakeup, used by the poll
// backend to learn when a declared fd is readable/writable so it can run
// the actual (synchronous) syscall itself. It intentionally does not
// know about operations, buffers, or keys — that plumbing lives in
// package proactor, which is what makes this package reusable as-is for
// both the plain poll backend and as the readiness source inside the
// Linux fusion backend.
package epoll

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Events is a bitmask of readiness conditions, deliberately kept
// platform-neutral (callers never see raw EPOLLIN/EPOLLOUT values) so
// package proactor can share logic with the kqueue backend.
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

// Poller wraps one epoll instance plus a dedicated wakeup fd.
type Poller struct {
	epfd   int
	wakeFD int
	buf    []unix.EpollEvent
}

// Open creates a Poller with room for maxEvents per Wait call.
func Open(maxEvents int) (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}
	p := &Poller{epfd: epfd, wakeFD: wakeFD, buf: make([]unix.EpollEvent, maxEvents)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFD, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFD)}); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the epoll instance and its wakeup fd.
func (p *Poller) Close() error {
	_ = unix.Close(p.wakeFD)
	return unix.Close(p.epfd)
}

// Add registers fd for the given readiness events.
func (p *Poller) Add(fd int, ev Events) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)})
}

// Modify changes the events fd is monitored for.
func (p *Poller) Modify(fd int, ev Events) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)})
}

// Remove stops monitoring fd.
func (p *Poller) Remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks up to timeoutMs (negative means forever) for readiness
// events, and reports whether the wakeup fd fired (meaning some other
// goroutine called Wake while Wait was blocked).
func (p *Poller) Wait(timeoutMs int) (events []Event, woken bool, err error) {
	n, werr := unix.EpollWait(p.epfd, p.buf, timeoutMs)
	if werr != nil {
		if errors.Is(werr, unix.EINTR) {
			return nil, false, nil
		}
		return nil, false, werr
	}
	events = make([]Event, 0, n)
	for i := 0; i < n; i++ {
		raw := p.buf[i]
		if int(raw.Fd) == p.wakeFD {
			woken = true
			p.drainWake()
			continue
		}
		events = append(events, Event{FD: raw.Fd, Events: fromEpoll(raw.Events)})
	}
	return events, woken, nil
}

// Wake interrupts a blocked Wait from another goroutine.
func (p *Poller) Wake() error {
	var one [8]byte
	one[0] = 1
	_, err := unix.Write(p.wakeFD, one[:])
	return err
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		_, err := unix.Read(p.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

func toEpoll(ev Events) uint32 {
	var out uint32
	if ev&Readable != 0 {
		out |= unix.EPOLLIN
	}
	if ev&Writable != 0 {
		out |= unix.EPOLLOUT
	}
	return out
}

func fromEpoll(raw uint32) Events {
	var out Events
	if raw&unix.EPOLLIN != 0 {
		out |= Readable
	}
	if raw&unix.EPOLLOUT != 0 {
		out |= Writable
	}
	if raw&unix.EPOLLERR != 0 {
		out |= Error
	}
	if raw&unix.EPOLLHUP != 0 {
		out |= Hangup
	}
	return out
}
