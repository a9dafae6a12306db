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

// NotifyHandle is a cloneable, thread-safe wake-up handle for a Runtime
// whose scheduler goroutine may be blocked inside Run's Proactor.Wait
// call. It carries no mutable state of its own, so copying it is safe —
// every copy pokes the same underlying Proactor.
type NotifyHandle struct {
	rt *Runtime
}

// Notify interrupts a blocked Run tick, causing it to re-check the
// run-queue and timers on its next iteration.
func (h NotifyHandle) Notify() error {
	return h.rt.p.Wake()
}
