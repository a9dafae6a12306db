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

package bufferpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingAcquireExhaustsThenReleaseReplenishes(t *testing.T) {
	r := NewRing(2, 64)
	require.Equal(t, 64, r.BufSize())

	id1, b1, err := r.Acquire()
	require.NoError(t, err)
	require.Len(t, b1, 64)

	_, _, err = r.Acquire()
	require.NoError(t, err)

	_, _, err = r.Acquire()
	require.ErrorIs(t, err, ErrEmpty)

	r.Release(id1, 0)
	_, _, err = r.Acquire()
	require.NoError(t, err)
}

func TestRingReuseDoesNotLeakSlots(t *testing.T) {
	r := NewRing(1, 32)
	id, _, err := r.Acquire()
	require.NoError(t, err)
	r.Reuse(id)

	_, _, err = r.Acquire()
	require.NoError(t, err, "slot returned via Reuse must be acquirable again")
}

func TestFallbackNeverReportsEmpty(t *testing.T) {
	f := NewFallback(16)
	ids := make([]ID, 0, 10)
	for i := 0; i < 10; i++ {
		id, b, err := f.Acquire()
		require.NoError(t, err)
		require.Len(t, b, 16)
		ids = append(ids, id)
	}
	for _, id := range ids {
		f.Release(id, 0)
	}
}

func TestFallbackReleaseUnknownIDIsNoop(t *testing.T) {
	f := NewFallback(8)
	require.NotPanics(t, func() {
		f.Release(ID(999), 0)
	})
}

func TestRingGroupIDsAreUnique(t *testing.T) {
	r1 := NewRing(1, 8)
	r2 := NewRing(1, 8)
	require.NotEqual(t, r1.GroupID(), r2.GroupID())
}

func TestRingBufferAtMatchesAcquiredSlice(t *testing.T) {
	r := NewRing(2, 16)
	require.Equal(t, 2, r.Count())

	id, acquired, err := r.Acquire()
	require.NoError(t, err)
	viaIndex := r.BufferAt(id)
	require.Equal(t, &acquired[0], &viaIndex[0], "BufferAt must expose the same backing array Acquire handed out")
}

func TestRingDebugLabelReflectsContents(t *testing.T) {
	r := NewRing(1, 16)
	id, b, err := r.Acquire()
	require.NoError(t, err)
	copy(b, "hi")
	require.Equal(t, "hi", r.DebugLabel(id)[:2])
}
