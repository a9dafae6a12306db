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

package proactor

import "log"

// Logger is the minimal sink every Proactor-core package logs through,
// matching the plain Printf-style logging the teacher's own worker pool
// uses for its panic handler default rather than introducing a
// structured-logging dependency.
type Logger interface {
	Printf(format string, args ...any)
}

type stdLogger struct{}

func (stdLogger) Printf(format string, args ...any) { log.Printf(format, args...) }

var defaultLogger Logger = stdLogger{}

// SetLogger overrides the package-level default Logger used by Proactor
// instances that were not given one explicitly via Config.
func SetLogger(l Logger) {
	if l == nil {
		l = stdLogger{}
	}
	defaultLogger = l
}

// DefaultLogger returns the current package-level default, letting
// dependent packages (runtime) seed their own default from the same
// sink instead of duplicating the log.Default() fallback.
func DefaultLogger() Logger {
	return defaultLogger
}
