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

package proactor

import "fmt"

// newBackend probes for io_uring support and falls back to the
// readiness-poll backend on kernels too old to carry it (pre-5.1, or a
// seccomp/container profile that denies the io_uring syscalls), or that
// lack one of the opcodes this package's io_uring backend actually
// issues. This mirrors compio's fusion driver, minus true per-operation
// fusion: a single Proactor picks one backend for its whole lifetime
// rather than routing individual operations between the two, since Go's
// single Proactor-per-OS-thread model has no need for the finer-grained
// picture compio's io_uring-or-poller-per-fd fusion buys in Rust.
func newBackend(cfg Config) (backend, error) {
	switch cfg.ForceBackend {
	case "iouring":
		return newIouringBackend(cfg)
	case "poll":
		return newPollBackend(cfg)
	case "":
		// fall through to probing below
	default:
		return nil, fmt.Errorf("proactor: unknown ForceBackend %q", cfg.ForceBackend)
	}

	be, err := newIouringBackend(cfg)
	if err != nil {
		return newPollBackend(cfg)
	}
	if !be.supportsRequiredOpcodes() {
		_ = be.close()
		return newPollBackend(cfg)
	}
	return be, nil
}
