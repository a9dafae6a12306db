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

func TestBytesSetInit(t *testing.T) {
	b := NewBytes(make([]byte, 0, 16))
	require.Equal(t, 16, len(b.BytesMut()))
	require.Equal(t, 0, len(b.Bytes()))

	copy(b.BytesMut(), []byte("hello"))
	b.SetInit(5)
	require.Equal(t, "hello", string(b.Bytes()))
}

func TestAddrEmpty(t *testing.T) {
	require.Nil(t, Addr(nil))
	require.NotNil(t, Addr([]byte{1}))
}

func TestResultCarriesBuffer(t *testing.T) {
	b := NewBytes(make([]byte, 4))
	r := Result[*Bytes]{N: 4, Buf: b, Err: nil}
	require.Equal(t, 4, r.N)
	require.NoError(t, r.Err)
	require.Same(t, b, r.Buf)
}

func TestStringBufAliasesBackingString(t *testing.T) {
	s := "hello"
	b := NewStringBuf(s)
	require.Equal(t, "hello", string(b.Bytes()))
	require.Equal(t, len(s), len(b.Bytes()))
}
