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

	"github.com/cloudwego/proactor"
	"github.com/cloudwego/proactor/internal/key"
)

// OpFuture is the result of Runtime.Submit: a handle to an operation's
// eventual completion, delivered by a future Run tick.
type OpFuture struct {
	rt      *Runtime
	key     key.Key
	done    chan proactor.Completion
	release func()
}

// Key returns the Proactor key backing this future, e.g. to add it to a
// CancelToken.
func (f *OpFuture) Key() key.Key { return f.key }

// Wait blocks until the operation completes or ctx is done. On ctx
// cancellation the underlying operation is cancelled (best-effort) and
// Wait detaches: the completion the Proactor eventually reports is still
// drained and its slot released by Run, it is simply never delivered
// anywhere, since done is buffered and nobody will read it again.
func (f *OpFuture) Wait(ctx context.Context) (proactor.Completion, error) {
	select {
	case c := <-f.done:
		return c, nil
	case <-ctx.Done():
		f.rt.Cancel(f.key)
		return proactor.Completion{}, ctx.Err()
	}
}
