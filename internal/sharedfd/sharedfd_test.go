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

package sharedfd

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCloseOnlyAfterAllClonesReleased(t *testing.T) {
	var closed atomic.Bool
	f := New(42, func(int) error { closed.Store(true); return nil })

	clone := f.Clone()
	require.NoError(t, f.Close())
	require.False(t, closed.Load(), "fd must stay open while a clone is live")

	require.NoError(t, clone.Close())
	require.True(t, closed.Load(), "fd must close once the last clone is released")
}

func TestTakeWaitsForOutstandingClone(t *testing.T) {
	var closed atomic.Bool
	f := New(7, func(int) error { closed.Store(true); return nil })
	clone := f.Clone()

	done := make(chan bool, 1)
	go func() {
		done <- f.Take()
	}()

	select {
	case <-done:
		t.Fatal("Take must block while a clone is outstanding")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, clone.Close())

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Take never returned after last clone closed")
	}
	require.True(t, closed.Load())
}

func TestSecondConcurrentTakeNoops(t *testing.T) {
	f := New(1, func(int) error { return nil })
	clone := f.Clone()
	defer clone.Close()

	go f.Take()
	time.Sleep(10 * time.Millisecond)

	ok := clone.Take()
	require.False(t, ok, "a second concurrent Take must not register a waiter")
}
