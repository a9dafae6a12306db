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

//go:build linux && !amd64 && !arm64 && !mips64 && !mips64le

package iouring

// Syscall numbers for the remaining Linux architectures (386, arm,
// riscv64, ppc64, ppc64le, s390x, loong64) are not wired up individually;
// callers on these architectures get ENOSYS from Setup and fall back to
// the readiness-poll backend, same as any !linux build.
const (
	sysIOURingSetup    = -1
	sysIOURingEnter    = -1
	sysIOURingRegister = -1
)
