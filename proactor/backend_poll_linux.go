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

import "github.com/cloudwego/proactor/internal/epoll"

// epollReadiness adapts *epoll.Poller to the readiness interface.
type epollReadiness struct {
	p *epoll.Poller
}

func newReadiness(maxEvents int) (readiness, error) {
	if maxEvents <= 0 {
		maxEvents = 256
	}
	p, err := epoll.Open(maxEvents)
	if err != nil {
		return nil, err
	}
	return &epollReadiness{p: p}, nil
}

func (r *epollReadiness) Add(fd int, ev Events) error    { return r.p.Add(fd, toEpollEvents(ev)) }
func (r *epollReadiness) Modify(fd int, ev Events) error { return r.p.Modify(fd, toEpollEvents(ev)) }
func (r *epollReadiness) Remove(fd int) error            { return r.p.Remove(fd) }
func (r *epollReadiness) Wake() error                    { return r.p.Wake() }
func (r *epollReadiness) Close() error                   { return r.p.Close() }

func (r *epollReadiness) Wait(timeoutMs int) ([]Event, bool, error) {
	raw, woken, err := r.p.Wait(timeoutMs)
	if err != nil {
		return nil, woken, err
	}
	out := make([]Event, len(raw))
	for i, e := range raw {
		out[i] = Event{FD: e.FD, Events: fromEpollEvents(e.Events)}
	}
	return out, woken, nil
}

func toEpollEvents(ev Events) epoll.Events {
	var out epoll.Events
	if ev&Readable != 0 {
		out |= epoll.Readable
	}
	if ev&Writable != 0 {
		out |= epoll.Writable
	}
	return out
}

func fromEpollEvents(ev epoll.Events) Events {
	var out Events
	if ev&epoll.Readable != 0 {
		out |= Readable
	}
	if ev&epoll.Writable != 0 {
		out |= Writable
	}
	return out
}
