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

package proactor

import (
	"time"

	"github.com/cloudwego/proactor/internal/kqueue"
)

// kqueueReadiness adapts *kqueue.Poller to the readiness interface.
type kqueueReadiness struct {
	p *kqueue.Poller
}

func newReadiness(maxEvents int) (readiness, error) {
	if maxEvents <= 0 {
		maxEvents = 256
	}
	p, err := kqueue.Open(maxEvents)
	if err != nil {
		return nil, err
	}
	return &kqueueReadiness{p: p}, nil
}

func (r *kqueueReadiness) Add(fd int, ev Events) error    { return r.p.Add(fd, toKqueueEvents(ev)) }
func (r *kqueueReadiness) Modify(fd int, ev Events) error { return r.p.Modify(fd, toKqueueEvents(ev)) }
func (r *kqueueReadiness) Remove(fd int) error            { return r.p.Remove(fd) }
func (r *kqueueReadiness) Wake() error                    { return r.p.Wake() }
func (r *kqueueReadiness) Close() error                   { return r.p.Close() }

func (r *kqueueReadiness) Wait(timeoutMs int) ([]Event, bool, error) {
	var timeout time.Duration
	if timeoutMs < 0 {
		timeout = -1
	} else {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}
	raw, woken, err := r.p.Wait(timeout)
	if err != nil {
		return nil, woken, err
	}
	out := make([]Event, len(raw))
	for i, e := range raw {
		out[i] = Event{FD: e.FD, Events: fromKqueueEvents(e.Events)}
	}
	return out, woken, nil
}

func toKqueueEvents(ev Events) kqueue.Events {
	var out kqueue.Events
	if ev&Readable != 0 {
		out |= kqueue.Readable
	}
	if ev&Writable != 0 {
		out |= kqueue.Writable
	}
	return out
}

func fromKqueueEvents(ev kqueue.Events) Events {
	var out Events
	if ev&kqueue.Readable != 0 {
		out |= Readable
	}
	if ev&kqueue.Writable != 0 {
		out |= Writable
	}
	return out
}
