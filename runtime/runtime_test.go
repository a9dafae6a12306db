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

//go:build linux || darwin || freebsd || netbsd || openbsd

package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/cloudwego/proactor"
	"github.com/cloudwego/proactor/asyncify"
	"github.com/cloudwego/proactor/buf"
	"github.com/cloudwego/proactor/opcode"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	cfg := proactor.DefaultConfig()
	cfg.ForceBackend = "poll"
	rt, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func runInBackground(t *testing.T, rt *Runtime) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rt.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		rt.Stop()
		<-done
	}
}

func TestRuntimeSubmitRecvCompletes(t *testing.T) {
	rt := newTestRuntime(t)
	stop := runInBackground(t, rt)
	defer stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() { _ = unix.Close(fds[0]); _ = unix.Close(fds[1]) })

	recvBuf := buf.NewBytes(make([]byte, 16))
	f, err := rt.Submit(&opcode.Recv{FD: fds[0], Buf: recvBuf})
	require.NoError(t, err)

	_, err = unix.Write(fds[1], []byte("hello"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := f.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Err)
	require.Equal(t, 5, c.N)
}

func TestRuntimeAfterFiresTimer(t *testing.T) {
	rt := newTestRuntime(t)
	stop := runInBackground(t, rt)
	defer stop()

	start := time.Now()
	timer := rt.After(20 * time.Millisecond)

	select {
	case fired := <-timer.C():
		require.False(t, fired.Before(start))
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerStopPreventsFiring(t *testing.T) {
	rt := newTestRuntime(t)
	stop := runInBackground(t, rt)
	defer stop()

	timer := rt.After(50 * time.Millisecond)
	require.True(t, timer.Stop())
	require.False(t, timer.Stop(), "second Stop on an already-stopped timer reports false")

	select {
	case <-timer.C():
		t.Fatal("stopped timer must never fire")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestNotifyHandleWakesBlockedRun(t *testing.T) {
	rt := newTestRuntime(t)
	stop := runInBackground(t, rt)
	defer stop()

	// Give Run a chance to settle into its indefinite Wait before poking
	// it; this is a liveness check, not a race for correctness, so a
	// short sleep is fine even if occasionally the poke lands earlier.
	time.Sleep(20 * time.Millisecond)

	reached := make(chan struct{})
	rt.Spawn(func() { close(reached) })
	require.NoError(t, rt.Handle().Notify())

	select {
	case <-reached:
	case <-time.After(2 * time.Second):
		t.Fatal("spawned task never ran; Notify did not wake the blocked Run loop")
	}
}

func TestCancelTokenTriggerFailsFastAheadOfCompletion(t *testing.T) {
	rt := newTestRuntime(t)
	stop := runInBackground(t, rt)
	defer stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	t.Cleanup(func() { _ = unix.Close(fds[0]); _ = unix.Close(fds[1]) })

	recvBuf := buf.NewBytes(make([]byte, 16))
	f, err := rt.Submit(&opcode.Recv{FD: fds[0], Buf: recvBuf})
	require.NoError(t, err)

	token := NewCancelToken(rt)
	token.Add(f.Key())
	token.Trigger()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.ErrorIs(t, token.Wait(ctx), ErrCancelled)
	require.True(t, token.Fired())
}

func TestRunBlockingBridgesAsyncifyResult(t *testing.T) {
	rt := newTestRuntime(t)
	stop := runInBackground(t, rt)
	defer stop()

	pool := asyncify.New(asyncify.DefaultOption())

	f, err := rt.RunBlocking(pool, func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := f.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Err)
	require.Equal(t, 42, c.N)
}

func TestRunBlockingFallsBackInlineWhenPoolSaturated(t *testing.T) {
	rt := newTestRuntime(t)
	stop := runInBackground(t, rt)
	defer stop()

	pool := asyncify.New(&asyncify.Option{ThreadLimit: 1, RecvTimeout: time.Second})

	block := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, pool.Dispatch(func() {
		close(block)
		<-release
	}))
	<-block
	defer close(release)

	f, err := rt.RunBlocking(pool, func() (int, error) {
		return 7, nil
	})
	require.NoError(t, err, "RunBlocking must fall back to running fn inline rather than returning ErrPoolSaturated")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := f.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Err)
	require.Equal(t, 7, c.N)
}

type fakeRawFD struct{ fd int }

func (f fakeRawFD) Fd() int      { return f.fd }
func (f fakeRawFD) Close() error { return unix.Close(f.fd) }

func TestAttacherEnsureIsIdempotent(t *testing.T) {
	rt := newTestRuntime(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[1]) })

	a := NewAttacher[fakeRawFD](rt, fakeRawFD{fd: fds[0]})
	require.NoError(t, a.Ensure())
	require.NoError(t, a.Ensure())
	require.Equal(t, fds[0], a.Source().Fd())
	require.NoError(t, a.Close())
}

func TestAttacherTakeWaitsForSubmittedOpToRelease(t *testing.T) {
	rt := newTestRuntime(t)
	stop := runInBackground(t, rt)
	defer stop()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	t.Cleanup(func() { _ = unix.Close(fds[1]) })

	a := NewAttacher[fakeRawFD](rt, fakeRawFD{fd: fds[0]})
	recvBuf := buf.NewBytes(make([]byte, 16))
	f, err := a.Submit(&opcode.Recv{FD: fds[0], Buf: recvBuf})
	require.NoError(t, err)

	// Take blocks until Submit's clone releases; run it in a goroutine and
	// unblock it by writing to the socket and letting the Recv complete.
	took := make(chan bool, 1)
	go func() { took <- a.Take() }()

	_, err = unix.Write(fds[1], []byte("hi"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := f.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Err)
	require.Equal(t, 2, c.N)

	select {
	case closed := <-took:
		require.True(t, closed, "Take must close the fd once the Recv it was racing against releases its clone")
	case <-time.After(2 * time.Second):
		t.Fatal("Take never returned once the pending op completed")
	}
}
