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

package buf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVectoredReadBufCrossSpan(t *testing.T) {
	spans := [][]byte{[]byte("hel"), []byte("lo wor"), []byte("ld")}
	r := NewVectoredReadBuf(spans)
	defer r.Release()

	require.Equal(t, []byte("hel"), r.ReadN(3))
	require.Equal(t, []byte("lo wor"), r.ReadN(6))
	require.Equal(t, []byte("ld"), r.ReadN(2))
}

func TestVectoredReadBufExhausted(t *testing.T) {
	r := NewVectoredReadBuf([][]byte{[]byte("ab")})
	defer func() {
		r2 := recover()
		require.NotNil(t, r2)
		r.Release()
	}()
	r.ReadN(10)
}

func TestVectoredWriteBufDirectAndGrow(t *testing.T) {
	w := NewVectoredWriteBuf()
	defer w.Release()

	direct := []byte("payload")
	w.WriteDirect(direct)

	scratch := w.Grow(4)
	copy(scratch, []byte("head"))

	slices := w.IoSlices()
	require.Len(t, slices, 2)
	require.Equal(t, direct, slices[0])
	require.Equal(t, []byte("head"), slices[1])
}
