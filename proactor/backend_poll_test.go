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

package proactor

import (
	"os"
	"testing"
	"time"

	"github.com/cloudwego/proactor/buf"
	"github.com/cloudwego/proactor/opcode"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestPollProactor(t *testing.T) *Proactor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ForceBackend = "poll"
	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestPollBackendRecvCompletesAfterWrite(t *testing.T) {
	p := newTestPollProactor(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() { _ = unix.Close(fds[0]); _ = unix.Close(fds[1]) })

	recvBuf := buf.NewBytes(make([]byte, 16))
	k, err := p.Push(&opcode.Recv{FD: fds[0], Buf: recvBuf})
	require.NoError(t, err)

	_, err = unix.Write(fds[1], []byte("hello"))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		completions, err := p.Wait(true, 200*time.Millisecond)
		require.NoError(t, err)
		for _, c := range completions {
			if c.Key == k {
				require.NoError(t, c.Err)
				require.Equal(t, 5, c.N)
				return
			}
		}
	}
	t.Fatal("recv never completed")
}

func TestPollBackendSpliceRequiresBothFDsReady(t *testing.T) {
	p := newTestPollProactor(t)

	var inPipe, outPipe [2]int
	require.NoError(t, unix.Pipe2(inPipe[:], unix.O_NONBLOCK))
	require.NoError(t, unix.Pipe2(outPipe[:], unix.O_NONBLOCK))
	t.Cleanup(func() {
		_ = unix.Close(inPipe[0])
		_ = unix.Close(inPipe[1])
		_ = unix.Close(outPipe[0])
		_ = unix.Close(outPipe[1])
	})

	k, err := p.Push(&opcode.Splice{FDIn: inPipe[0], FDOut: outPipe[1], Len: 4})
	require.NoError(t, err)

	// outPipe's write side is ready immediately; the splice must still
	// wait on inPipe's read side before firing.
	completions, err := p.Wait(false, 0)
	require.NoError(t, err)
	require.Empty(t, completions, "splice must not complete until both fds are ready")

	_, err = unix.Write(inPipe[1], []byte("data"))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		completions, err := p.Wait(true, 200*time.Millisecond)
		require.NoError(t, err)
		for _, c := range completions {
			if c.Key == k {
				require.NoError(t, c.Err)
				return
			}
		}
	}
	t.Fatal("splice never completed once both fds were ready")
}

func TestPollBackendRecvProvidedSelectsBufferAndReportsID(t *testing.T) {
	p := newTestPollProactor(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() { _ = unix.Close(fds[0]); _ = unix.Close(fds[1]) })

	pool, err := p.CreateBufferPool(4, 16)
	require.NoError(t, err)

	k, err := p.Push(&opcode.RecvProvided{FD: fds[0], Pool: pool})
	require.NoError(t, err)

	_, err = unix.Write(fds[1], []byte("hi"))
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		completions, err := p.Wait(true, 200*time.Millisecond)
		require.NoError(t, err)
		for _, c := range completions {
			if c.Key != k {
				continue
			}
			require.NoError(t, c.Err)
			require.Equal(t, 2, c.N)
			id, ok := BufferID(c.Flags)
			require.True(t, ok, "RecvProvided completion must carry a decodable buffer id")
			got := pool.BufferAt(id)[:c.N]
			require.Equal(t, "hi", string(got))
			return
		}
	}
	t.Fatal("recv never completed")
}

func TestReleaseBufferPoolRejectsNonOwner(t *testing.T) {
	p1 := newTestPollProactor(t)
	p2 := newTestPollProactor(t)

	pool, err := p1.CreateBufferPool(1, 8)
	require.NoError(t, err)

	require.ErrorIs(t, p2.ReleaseBufferPool(pool), ErrNotOwner)
	require.NoError(t, p1.ReleaseBufferPool(pool))
}

// TestPollBackendWriteAtReadAtRunOffScheduler exercises the asyncify-pool
// path submitBlocking routes ReadAt/WriteAt through: a regular file's fd
// is always reported ready by the platform poller, so these two opcodes
// must never rely on readiness tracking to complete.
func TestPollBackendWriteAtReadAtRunOffScheduler(t *testing.T) {
	p := newTestPollProactor(t)

	f, err := os.CreateTemp(t.TempDir(), "pollbackend-readwriteat")
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	fd := int(f.Fd())

	payload := []byte("read-write-at payload")
	wk, err := p.Push(&opcode.WriteAt{FD: fd, Offset: 0, Buf: buf.NewBytes(payload)})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		completions, err := p.Wait(true, 200*time.Millisecond)
		require.NoError(t, err)
		done := false
		for _, c := range completions {
			if c.Key == wk {
				require.NoError(t, c.Err)
				require.Equal(t, len(payload), c.N)
				done = true
			}
		}
		if done {
			break
		}
	}

	readBuf := buf.NewBytes(make([]byte, len(payload)))
	rk, err := p.Push(&opcode.ReadAt{FD: fd, Offset: 0, Buf: readBuf})
	require.NoError(t, err)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		completions, err := p.Wait(true, 200*time.Millisecond)
		require.NoError(t, err)
		for _, c := range completions {
			if c.Key == rk {
				require.NoError(t, c.Err)
				require.Equal(t, len(payload), c.N)
				require.Equal(t, payload, readBuf.Bytes())
				return
			}
		}
	}
	t.Fatal("ReadAt never completed")
}

// TestPollBackendSendToRecvFromRoundTripsAddr exercises the
// sockaddrFromRaw/rawFromSockaddr encode/decode pair: SendTo must decode
// a caller-supplied address, and RecvFrom must recover the sender's
// address into its own Addr field.
func TestPollBackendSendToRecvFromRoundTripsAddr(t *testing.T) {
	p := newTestPollProactor(t)

	senderFD, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(senderFD) })
	require.NoError(t, unix.Bind(senderFD, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.SetNonblock(senderFD, true))
	senderAddr, err := unix.Getsockname(senderFD)
	require.NoError(t, err)

	receiverFD, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(receiverFD) })
	require.NoError(t, unix.Bind(receiverFD, &unix.SockaddrInet4{Port: 0, Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, unix.SetNonblock(receiverFD, true))
	receiverAddr, err := unix.Getsockname(receiverFD)
	require.NoError(t, err)

	payload := []byte("datagram")
	sendOp := &opcode.SendTo{FD: senderFD, Buf: buf.NewBytes(payload), Addr: rawFromSockaddr(receiverAddr)}
	sk, err := p.Push(sendOp)
	require.NoError(t, err)

	recvBuf := buf.NewBytes(make([]byte, 32))
	recvOp := &opcode.RecvFrom{FD: receiverFD, Buf: recvBuf}
	rk, err := p.Push(recvOp)
	require.NoError(t, err)

	var sawSend, sawRecv bool
	var recvN int
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !(sawSend && sawRecv) {
		completions, err := p.Wait(true, 200*time.Millisecond)
		require.NoError(t, err)
		for _, c := range completions {
			switch c.Key {
			case sk:
				require.NoError(t, c.Err)
				sawSend = true
			case rk:
				require.NoError(t, c.Err)
				require.Equal(t, len(payload), c.N)
				recvN = c.N
				sawRecv = true
			}
		}
	}
	require.True(t, sawSend, "SendTo never completed")
	require.True(t, sawRecv, "RecvFrom never completed")
	require.Equal(t, payload, recvBuf.Bytes()[:recvN])

	peer, err := sockaddrFromRaw(recvOp.Addr)
	require.NoError(t, err)
	peer4, ok := peer.(*unix.SockaddrInet4)
	require.True(t, ok)
	sender4 := senderAddr.(*unix.SockaddrInet4)
	require.Equal(t, sender4.Port, peer4.Port)
	require.Equal(t, sender4.Addr, peer4.Addr)
}

func TestPollBackendCancelRemovesPendingOp(t *testing.T) {
	p := newTestPollProactor(t)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	t.Cleanup(func() { _ = unix.Close(fds[0]); _ = unix.Close(fds[1]) })

	recvBuf := buf.NewBytes(make([]byte, 16))
	k, err := p.Push(&opcode.Recv{FD: fds[0], Buf: recvBuf})
	require.NoError(t, err)

	p.Cancel(k)

	_, err = unix.Write(fds[1], []byte("late"))
	require.NoError(t, err)

	completions, err := p.Wait(true, 200*time.Millisecond)
	require.NoError(t, err)
	for _, c := range completions {
		require.NotEqual(t, k, c.Key, "cancelled key must not report a completion")
	}
}
