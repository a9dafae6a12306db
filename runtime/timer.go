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
	"container/heap"
	"time"
)

// Timer is a one-shot deadline armed via Runtime.After. Its channel
// receives the firing time and is then closed; a stopped timer's channel
// is never sent on.
type Timer struct {
	rt   *Runtime
	when time.Time
	c    chan time.Time
	idx  int // position in the owning timerHeap, -1 once popped or stopped
}

// C returns the channel the deadline fires on.
func (t *Timer) C() <-chan time.Time { return t.c }

// Stop cancels the timer before it fires. It reports whether the timer
// was still pending (false if it had already fired or been stopped).
func (t *Timer) Stop() bool {
	t.rt.mu.Lock()
	defer t.rt.mu.Unlock()
	if t.idx < 0 {
		return false
	}
	heap.Remove(&t.rt.timers, t.idx)
	return true
}

// timerHeap is a container/heap min-heap of *Timer ordered by deadline,
// mirroring the shape of a standard cooperative scheduler's timer wheel.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.idx = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.idx = -1
	*h = old[:n-1]
	return t
}
