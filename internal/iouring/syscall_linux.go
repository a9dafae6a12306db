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

//go:build linux && !mips64 && !mips64le

package iouring

import (
	"syscall"
	"unsafe"
)

// Setup initializes io_uring on the common 64-bit Linux architectures
// (amd64, arm64, riscv64, ppc64, ppc64le, s390x all share these syscall
// numbers; mips64/mips64le are handled separately in
// syscall_linux_mips.go because that ABI numbers syscalls from a
// different base).
func Setup(entries uint32, params *IoUringParams) (int, error) {
	fd, _, errno := syscall.Syscall(sysIOURingSetup, uintptr(entries), uintptr(unsafe.Pointer(params)), 0)
	if errno != 0 {
		return -1, errno
	}
	return int(fd), nil
}

// Enter submits and/or waits for completions via io_uring_enter(2).
func Enter(fd int, toSubmit uint32, minComplete uint32, flags uint32, sig unsafe.Pointer) (int, syscall.Errno) {
	r, _, errno := syscall.Syscall6(sysIOURingEnter, uintptr(fd), uintptr(toSubmit), uintptr(minComplete), uintptr(flags), uintptr(sig), 0)
	return int(r), errno
}

// Register registers resources (buffers, files, eventfds) with an
// io_uring instance via io_uring_register(2).
func Register(fd int, opcode uint32, arg unsafe.Pointer, nrArgs uint32) syscall.Errno {
	_, _, errno := syscall.Syscall6(sysIOURingRegister, uintptr(fd), uintptr(opcode), uintptr(arg), uintptr(nrArgs), 0, 0)
	return errno
}
