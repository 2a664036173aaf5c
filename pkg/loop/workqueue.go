/*
 * Copyright (c) 2020 Baidu, Inc.
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

package loop

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	utilruntime "github.com/baidu/easyloop/pkg/util/runtime"
)

// work is a unit of deferred execution. Queueing a pending work is a no-op
// and a work never runs concurrently with itself.
type work struct {
	fn      func()
	pending int32
	running sync.Mutex
}

func (w *work) isPending() bool {
	return atomic.LoadInt32(&w.pending) != 0
}

// workqueue runs works on goroutines, at most maxActive at a time.
type workqueue struct {
	name string
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
}

func newWorkqueue(name string, maxActive int) *workqueue {
	if maxActive <= 0 {
		maxActive = runtime.NumCPU() * 4
	}
	return &workqueue{
		name: name,
		sem:  semaphore.NewWeighted(int64(maxActive)),
	}
}

// queue schedules w and reports whether it was not already pending.
func (q *workqueue) queue(w *work) bool {
	if !atomic.CompareAndSwapInt32(&w.pending, 0, 1) {
		return false
	}
	q.wg.Add(1)
	go q.run(w)
	return true
}

func (q *workqueue) run(w *work) {
	defer q.wg.Done()
	defer utilruntime.HandleCrash()

	w.running.Lock()
	defer w.running.Unlock()
	// Acquire only fails on a cancelled context.
	_ = q.sem.Acquire(context.Background(), 1)
	defer q.sem.Release(1)

	atomic.StoreInt32(&w.pending, 0)
	w.fn()
}

// destroy waits for every queued work to finish. Works queued by running
// works are waited for too.
func (q *workqueue) destroy() {
	q.wg.Wait()
}
