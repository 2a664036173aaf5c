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
	"container/list"
	"runtime"
	"time"

	"github.com/google/btree"

	"github.com/baidu/easyloop/pkg/blkcg"
)

// worker serves the commands of one group in submission order.
type worker struct {
	dev       *Device
	group     *blkcg.Group
	work      work
	cmds      list.List
	idleElem  *list.Element
	lastRanAt time.Time
}

func workerLess(a, b *worker) bool {
	return a.group.ID() < b.group.ID()
}

// initWorkers resets the pool for a new binding.
func (d *Device) initWorkers() {
	d.workMu.Lock()
	defer d.workMu.Unlock()
	d.rootWork = &work{fn: d.rootWorkFn}
	d.rootCmds = list.New()
	d.workers = btree.NewG(2, workerLess)
	d.idle = list.New()
	d.timerArmed = false
}

// queueWork routes cmd to the worker of its group. A group that cannot get
// a worker is served by the root queue.
func (d *Device) queueWork(cmd *command) {
	d.workMu.Lock()
	defer d.workMu.Unlock()

	var (
		w    *work
		cmds *list.List
	)
	if cmd.blkcg.IsRoot() {
		w, cmds = d.rootWork, d.rootCmds
	} else {
		wk, ok := d.workers.Get(&worker{group: cmd.blkcg})
		if !ok {
			wk = d.newWorker(cmd.blkcg)
		}
		if wk == nil {
			// queue on the root worker without charging anyone
			cmd.blkcg = nil
			cmd.memcg.Put()
			cmd.memcg = nil
			degradedToRoot(d)
			w, cmds = d.rootWork, d.rootCmds
		} else {
			if wk.idleElem != nil {
				d.idle.Remove(wk.idleElem)
				wk.idleElem = nil
			}
			w, cmds = &wk.work, &wk.cmds
		}
	}
	cmds.PushBack(cmd)
	d.wq.queue(w)
}

// newWorker returns nil when the device is at its worker limit.
func (d *Device) newWorker(g *blkcg.Group) *worker {
	if max := d.mgr.opts.MaxWorkersPerDevice; max > 0 && d.workers.Len() >= max {
		return nil
	}
	wk := &worker{dev: d, group: g.Get()}
	wk.work.fn = func() { d.processWork(wk, &wk.cmds) }
	d.workers.ReplaceOrInsert(wk)
	setWorkers(d, d.workers.Len())
	return wk
}

func (d *Device) rootWorkFn() {
	d.processWork(nil, d.rootCmds)
}

// processWork drains cmds. A worker that ends up with nothing pending joins
// the idle list and arms the reaper.
func (d *Device) processWork(wk *worker, cmds *list.List) {
	d.workMu.Lock()
	for cmds.Len() > 0 {
		cmd := cmds.Remove(cmds.Front()).(*command)
		d.workMu.Unlock()

		d.handleCmd(cmd)
		runtime.Gosched()

		d.workMu.Lock()
	}

	if wk != nil && !wk.work.isPending() {
		wk.lastRanAt = time.Now()
		wk.idleElem = d.idle.PushBack(wk)
		d.timerReduce(wk.lastRanAt.Add(d.mgr.opts.IdleWorkerTimeout))
	}
	d.workMu.Unlock()
}

// timerReduce arms the reaper to fire no later than at. Callers hold workMu.
func (d *Device) timerReduce(at time.Time) {
	if d.timerArmed && !at.Before(d.timerAt) {
		return
	}
	delay := time.Until(at)
	if d.timer == nil {
		d.timer = time.AfterFunc(delay, d.freeIdleWorkers)
	} else {
		d.timer.Stop()
		d.timer.Reset(delay)
	}
	d.timerAt = at
	d.timerArmed = true
}

// freeIdleWorkers frees the workers idle for longer than the timeout,
// oldest first.
func (d *Device) freeIdleWorkers() {
	d.workMu.Lock()
	defer d.workMu.Unlock()
	d.timerArmed = false
	if d.idle == nil {
		return
	}

	timeout := d.mgr.opts.IdleWorkerTimeout
	now := time.Now()
	reaped := 0
	for e := d.idle.Front(); e != nil; {
		wk := e.Value.(*worker)
		if wk.lastRanAt.Add(timeout).After(now) {
			break
		}
		next := e.Next()
		d.idle.Remove(e)
		wk.idleElem = nil
		d.workers.Delete(wk)
		wk.group.Put()
		reaped++
		e = next
	}
	if reaped > 0 {
		d.log.V(4).Infof("reaped %d idle workers", reaped)
		idleReaped(d, reaped)
		setWorkers(d, d.workers.Len())
	}
	if d.idle.Len() > 0 {
		d.timerReduce(now.Add(timeout))
	}
}

// freeAllWorkers runs after the workqueue is drained, every worker left is
// idle.
func (d *Device) freeAllWorkers() {
	d.workMu.Lock()
	defer d.workMu.Unlock()
	for e := d.idle.Front(); e != nil; e = e.Next() {
		wk := e.Value.(*worker)
		wk.idleElem = nil
		d.workers.Delete(wk)
		wk.group.Put()
	}
	if d.workers.Len() != 0 {
		panic("loop: busy worker left after the workqueue drained")
	}
	d.idle.Init()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timerArmed = false
	setWorkers(d, 0)
}

// Workers returns the number of live workers.
func (d *Device) Workers() int {
	d.workMu.Lock()
	defer d.workMu.Unlock()
	if d.workers == nil {
		return 0
	}
	return d.workers.Len()
}

// IdleWorkers returns the number of workers on the idle list.
func (d *Device) IdleWorkers() int {
	d.workMu.Lock()
	defer d.workMu.Unlock()
	if d.idle == nil {
		return 0
	}
	return d.idle.Len()
}
