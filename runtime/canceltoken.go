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
	"context"
	"sync"

	"github.com/cloudwego/proactor/internal/key"
)

// CancelToken groups a set of operation keys so they can all be cancelled
// together. Wait is fail-fast: it resolves the instant Trigger is called,
// without waiting for any of the grouped operations' kernel completions to
// actually drain.
type CancelToken struct {
	rt *Runtime

	mu      sync.Mutex
	keys    []key.Key
	fired   bool
	firedCh chan struct{}
}

// NewCancelToken creates a token bound to rt. Cancel requests issued by
// Trigger are sent through rt, so it must outlive the token.
func NewCancelToken(rt *Runtime) *CancelToken {
	return &CancelToken{rt: rt, firedCh: make(chan struct{})}
}

// Add registers k as a member of the group. If the token has already
// fired, k is cancelled immediately instead of being added to the group —
// a late joiner still gets the cancellation it asked to be part of.
func (t *CancelToken) Add(k key.Key) {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		t.rt.Cancel(k)
		return
	}
	t.keys = append(t.keys, k)
	t.mu.Unlock()
}

// Trigger cancels every member key and wakes every Wait call. Calling
// Trigger more than once is a no-op after the first.
func (t *CancelToken) Trigger() {
	t.mu.Lock()
	if t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	keys := t.keys
	t.keys = nil
	close(t.firedCh)
	t.mu.Unlock()

	for _, k := range keys {
		t.rt.Cancel(k)
	}
}

// Wait blocks until Trigger fires this token or ctx is done, whichever
// comes first. A fired token returns ErrCancelled without waiting for any
// grouped operation's completion to be drained by the scheduler — that
// still happens, just asynchronously from Wait's perspective.
func (t *CancelToken) Wait(ctx context.Context) error {
	select {
	case <-t.firedCh:
		return ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fired reports whether Trigger has already been called.
func (t *CancelToken) Fired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}
