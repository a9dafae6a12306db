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

package epoll

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestWaitReportsReadable(t *testing.T) {
	p, err := Open(8)
	require.NoError(t, err)
	defer p.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	require.NoError(t, p.Add(fds[0], Readable))
	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	events, woken, err := p.Wait(1000)
	require.NoError(t, err)
	require.False(t, woken)
	require.Len(t, events, 1)
	require.Equal(t, int32(fds[0]), events[0].FD)
	require.NotZero(t, events[0].Events&Readable)
}

func TestWakeInterruptsWait(t *testing.T) {
	p, err := Open(8)
	require.NoError(t, err)
	defer p.Close()

	done := make(chan bool, 1)
	go func() {
		_, woken, err := p.Wait(-1)
		done <- (err == nil && woken)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Wake())

	select {
	case ok := <-done:
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Wait never returned after Wake")
	}
}

func TestTimeoutReturnsNoEvents(t *testing.T) {
	p, err := Open(8)
	require.NoError(t, err)
	defer p.Close()

	events, woken, err := p.Wait(10)
	require.NoError(t, err)
	require.False(t, woken)
	require.Empty(t, events)
}
