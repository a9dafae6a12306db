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

package runtime

import "github.com/cloudwego/proactor"

// Logger is an alias of proactor.Logger: the scheduler logs through the
// same Printf-style sink as the Proactor it wraps, rather than
// introducing a second logging convention at this layer.
type Logger = proactor.Logger

var defaultLogger Logger = proactor.DefaultLogger()

// SetLogger overrides the package-level default Logger new Runtimes
// seed their log field from.
func SetLogger(l Logger) {
	if l == nil {
		l = proactor.DefaultLogger()
	}
	defaultLogger = l
}
