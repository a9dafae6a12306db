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

//go:build windows

// Package winiocp is the Windows completion-port backend: each attached
// handle is associated with one I/O completion port, and every
// overlapped operation's OVERLAPPED pointer doubles as its correlation
// token, exactly as package key's Key.Index does for the other
// backends — the completion port hands the pointer straight back on
// GetQueuedCompletionStatus, no separate lookup table required on this
// platform.
package winiocp

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// Port wraps one IOCP handle.
type Port struct {
	handle windows.Handle
}

// Open creates a new, unassociated completion port.
func Open() (*Port, error) {
	h, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return &Port{handle: h}, nil
}

// Close releases the completion port.
func (p *Port) Close() error {
	return windows.CloseHandle(p.handle)
}

// Associate attaches handle to the port. All overlapped operations
// issued against handle afterward post their completion here.
func (p *Port) Associate(handle windows.Handle) error {
	_, err := windows.CreateIoCompletionPort(handle, p.handle, 0, 0)
	return err
}

// Completion is one dequeued completion packet. Overlapped is the
// correlation token supplied when the operation was submitted (the same
// pointer package proactor stashes a Key index inside).
type Completion struct {
	TransferredBytes uint32
	CompletionKey    uintptr
	Overlapped       *windows.Overlapped
}

// ErrTimeout is returned by Wait when timeoutMs elapses with nothing to
// report.
var ErrTimeout = syscall.Errno(windows.WAIT_TIMEOUT)

// Wait blocks up to timeoutMs (negative means forever) for one
// completion packet, or a wakeup posted via Wake (signalled by a nil
// Overlapped, mirroring PostQueuedCompletionStatus(port, 0, 0, nil)).
func (p *Port) Wait(timeoutMs int) (c Completion, woken bool, err error) {
	timeout := uint32(windows.INFINITE)
	if timeoutMs >= 0 {
		timeout = uint32(timeoutMs)
	}
	err = windows.GetQueuedCompletionStatus(p.handle, &c.TransferredBytes, &c.CompletionKey, &c.Overlapped, timeout)
	if err != nil {
		if errno, ok := err.(syscall.Errno); ok && errno == windows.WAIT_TIMEOUT {
			return Completion{}, false, ErrTimeout
		}
		return Completion{}, false, err
	}
	if c.Overlapped == nil {
		return Completion{}, true, nil
	}
	return c, false, nil
}

// Wake interrupts a blocked Wait from another goroutine.
func (p *Port) Wake() error {
	return windows.PostQueuedCompletionStatus(p.handle, 0, 0, nil)
}

// PostSyntheticCompletion enqueues a completion as if an operation
// finished through the port. Used for results the backend already knows
// without an overlapped call (a synchronous failure, an inline
// FlushFileBuffers, an unsupported opcode, or a posted asyncify result),
// so every operation resolves through the same completion path the
// proactor polls.
func (p *Port) PostSyntheticCompletion(transferred uint32, overlapped *windows.Overlapped) error {
	return windows.PostQueuedCompletionStatus(p.handle, transferred, 0, overlapped)
}
