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

package asyncify

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDispatchRunsOnWorker(t *testing.T) {
	p := New(&Option{ThreadLimit: 4, RecvTimeout: 100 * time.Millisecond})

	var wg sync.WaitGroup
	wg.Add(1)
	var ran atomic.Bool
	require.NoError(t, p.Dispatch(func() {
		ran.Store(true)
		wg.Done()
	}))
	wg.Wait()
	require.True(t, ran.Load())
}

func TestDispatchSaturatesAtThreadLimit(t *testing.T) {
	p := New(&Option{ThreadLimit: 1, RecvTimeout: time.Second})

	block := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, p.Dispatch(func() {
		close(block)
		<-release
	}))
	<-block

	err := p.Dispatch(func() {})
	var sat *ErrPoolSaturated
	require.True(t, errors.As(err, &sat), "second dispatch must saturate a 1-thread pool")
	close(release)
}

func TestMustDispatchPanicsWhenThreadLimitZero(t *testing.T) {
	p := New(&Option{ThreadLimit: 0, RecvTimeout: time.Second})

	defer func() {
		r := recover()
		require.Equal(t, "the thread pool is needed but no worker thread is running", r)
	}()
	p.MustDispatch(func() {})
}

func TestWorkerExitsAfterRecvTimeout(t *testing.T) {
	p := New(&Option{ThreadLimit: 4, RecvTimeout: 20 * time.Millisecond})

	done := make(chan struct{})
	require.NoError(t, p.Dispatch(func() { close(done) }))
	<-done

	require.Eventually(t, func() bool {
		return p.Workers() == 0
	}, time.Second, 10*time.Millisecond, "idle worker should exit after RecvTimeout")
}
