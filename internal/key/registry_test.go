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

package key

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInsertGetRemove(t *testing.T) {
	r := New()
	k := r.Insert("payload")
	v, ok := r.Get(k)
	require.True(t, ok)
	require.Equal(t, "payload", v)

	v, ok = r.Remove(k)
	require.True(t, ok)
	require.Equal(t, "payload", v)

	_, ok = r.Get(k)
	require.False(t, ok, "removed key must not resolve")
}

func TestSlotReuseGenerationBumps(t *testing.T) {
	r := New()
	k1 := r.Insert(1)
	_, _ = r.Remove(k1)
	k2 := r.Insert(2)

	require.Equal(t, k1.Index(), k2.Index(), "free slot should be reused")
	_, ok := r.Get(k1)
	require.False(t, ok, "stale key from a reused slot must not resolve")

	v, ok := r.Get(k2)
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestDualFlagRemovalOrder(t *testing.T) {
	t.Run("complete then cancel", func(t *testing.T) {
		r := New()
		k := r.Insert("op")

		wasCancelled, v, ok := r.SetCompleted(k)
		require.True(t, ok)
		require.False(t, wasCancelled)
		require.Equal(t, "op", v)
		require.Equal(t, 1, r.Len(), "slot must stay live until both flags set")

		wasCompleted, ok := r.SetCancelled(k)
		require.True(t, ok)
		require.True(t, wasCompleted)
		require.Equal(t, 0, r.Len(), "slot releases once both flags are set")
	})

	t.Run("cancel then complete", func(t *testing.T) {
		r := New()
		k := r.Insert("op")

		wasCompleted, ok := r.SetCancelled(k)
		require.True(t, ok)
		require.False(t, wasCompleted)
		require.Equal(t, 1, r.Len())

		wasCancelled, v, ok := r.SetCompleted(k)
		require.True(t, ok)
		require.True(t, wasCancelled)
		require.Equal(t, "op", v)
		require.Equal(t, 0, r.Len())
	})
}

func TestRemoveUnknownKey(t *testing.T) {
	r := New()
	_, ok := r.Remove(Key{})
	require.False(t, ok)
}
