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
	"time"

	"golang.org/x/sys/unix"
)

// submit hands req to the device. It only blocks while the queue is frozen
// or out of tags; an error means the request was not accepted.
func (d *Device) submit(ctx context.Context, req *Request) error {
	if err := req.prepare(d.disk.blockSize()); err != nil {
		return err
	}
	if err := d.disk.gate.enter(ctx); err != nil {
		req.done = nil
		return err
	}
	if err := d.disk.tags.Acquire(ctx, 1); err != nil {
		d.disk.gate.exit()
		req.done = nil
		return err
	}

	cmd := &req.cmd
	if req.Op != OpFlush && req.endSectors() > d.disk.Capacity() {
		d.log.V(3).Warnf("request beyond end of device: sector %d, %d bytes", req.Sector, req.Bytes())
		d.endRequest(cmd, unix.EIO)
		return nil
	}
	d.queueRq(cmd)
	return nil
}

// queueRq starts a command, it is also the entry point of requeued
// commands.
func (d *Device) queueRq(cmd *command) {
	req := cmd.req
	if d.State() != Bound {
		d.endRequest(cmd, unix.EIO)
		return
	}

	switch req.Op {
	case OpFlush, OpDiscard, OpWriteZeroes:
		cmd.useAIO = false
	default:
		cmd.useAIO = d.UseDIO()
	}

	cmd.blkcg = nil
	cmd.memcg = nil
	if req.Group != nil {
		cmd.blkcg = req.Group
		cmd.memcg = req.MemGroup.Get()
	}
	d.queueWork(cmd)
}

// endRequest completes the request with status and leaves the queue.
func (d *Device) endRequest(cmd *command, status error) {
	req := cmd.req
	req.once.Do(func() {
		req.status = status
		observeRequest(d, req.Op, status, time.Since(req.started))
		d.disk.tags.Release(1)
		d.disk.gate.exit()
		close(req.done)
	})
}
