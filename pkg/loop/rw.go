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
	"io"
	"math"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/loop/backing"
	"github.com/baidu/easyloop/pkg/loop/transfer"
)

// handleCmd executes one command on a worker. Once an aio command is issued
// the completion side owns it and may requeue it, so everything needed
// afterwards is read up front.
func (d *Device) handleCmd(cmd *command) {
	req := cmd.req
	useAIO := cmd.useAIO
	group, memcg := cmd.blkcg, cmd.memcg
	size := cmd.remaining()
	cmd.memcg = nil

	var err error
	if req.Op.IsWrite() && d.Flags()&FlagReadOnly != 0 {
		err = unix.EIO
	} else {
		err = d.doReq(cmd)
		groupBytes(d, group, size)
	}
	memcg.Put()

	// aio commands complete from their callback
	if !useAIO || err != nil {
		if errnoOf(err) == unix.EOPNOTSUPP {
			cmd.err = unix.EOPNOTSUPP
		} else if err != nil {
			cmd.err = unix.EIO
		} else {
			cmd.err = nil
		}
		d.completeRq(cmd)
	}
}

func (d *Device) doReq(cmd *command) error {
	pos := int64(cmd.sector<<SectorShift) + d.offset
	switch cmd.req.Op {
	case OpFlush:
		return d.reqFlush()
	case OpWriteZeroes:
		mode := backing.FallocPunchHole
		if cmd.req.NoUnmap {
			mode = backing.FallocZeroRange
		}
		return d.fallocate(cmd, pos, mode)
	case OpDiscard:
		return d.fallocate(cmd, pos, backing.FallocPunchHole)
	case OpWrite:
		if d.xfer != nil {
			return d.writeTransfer(cmd, pos)
		} else if cmd.useAIO {
			return d.rwAIO(cmd, pos, true)
		}
		return d.writeSimple(cmd, pos)
	case OpRead:
		if d.xfer != nil {
			return d.readTransfer(cmd, pos)
		} else if cmd.useAIO {
			return d.rwAIO(cmd, pos, false)
		}
		return d.readSimple(cmd, pos)
	default:
		d.log.Errorf("unexpected request op %d", cmd.req.Op)
		return unix.EIO
	}
}

func (d *Device) reqFlush() error {
	err := d.backing.Sync()
	if err != nil && errnoOf(err) != unix.EINVAL {
		return unix.EIO
	}
	return err
}

func (d *Device) fallocate(cmd *command, pos int64, mode uint32) error {
	mode |= backing.FallocKeepSize
	if !d.disk.discardEnabled() {
		return unix.EOPNOTSUPP
	}
	a, ok := d.backing.(backing.Allocator)
	if !ok {
		return unix.EOPNOTSUPP
	}
	err := a.Fallocate(mode, pos, int64(cmd.req.Length))
	if err != nil {
		if e := errnoOf(err); e != unix.EINVAL && e != unix.EOPNOTSUPP {
			return unix.EIO
		}
	}
	return err
}

// writeBuf writes p at pos. A short write is an I/O error.
func (d *Device) writeBuf(p []byte, pos int64) error {
	n, err := d.backing.WriteAt(p, pos)
	if n == len(p) {
		return nil
	}
	d.log.V(2).Warnf("write error at byte offset %d, length %d: %v", pos, len(p), err)
	if err != nil {
		return err
	}
	return unix.EIO
}

// readBuf reads into p at pos, a short read is not an error.
func (d *Device) readBuf(p []byte, pos int64) (int, error) {
	n, err := d.backing.ReadAt(p, pos)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (d *Device) writeSimple(cmd *command, pos int64) error {
	for _, seg := range cmd.segs {
		if err := d.writeBuf(seg, pos); err != nil {
			return err
		}
		pos += int64(len(seg))
	}
	return nil
}

// readSimple keeps what was read and zeroes the rest of the request when
// the store comes up short.
func (d *Device) readSimple(cmd *command, pos int64) error {
	for i, seg := range cmd.segs {
		n, err := d.readBuf(seg, pos)
		if err != nil {
			return err
		}
		pos += int64(n)
		if n != len(seg) {
			zeroSegments([][]byte{seg[n:]})
			zeroSegments(cmd.segs[i+1:])
			break
		}
	}
	return nil
}

func (d *Device) doTransfer(dir transfer.Direction, dst, src []byte, block uint64) error {
	err := d.xfer.Plugin().Transfer(dir, d.key[:d.keySize], dst, src, block)
	if err != nil {
		d.log.Errorf("transfer error at block %d, length %d: %v", block, len(src), err)
	}
	return err
}

func (d *Device) writeTransfer(cmd *command, pos int64) error {
	scratch := make([]byte, maxSegment(cmd.segs))
	for _, seg := range cmd.segs {
		buf := scratch[:len(seg)]
		if err := d.doTransfer(transfer.Write, buf, seg, uint64(pos)>>SectorShift); err != nil {
			return err
		}
		if err := d.writeBuf(buf, pos); err != nil {
			return err
		}
		pos += int64(len(seg))
	}
	return nil
}

func (d *Device) readTransfer(cmd *command, pos int64) error {
	scratch := make([]byte, maxSegment(cmd.segs))
	for i, seg := range cmd.segs {
		buf := scratch[:len(seg)]
		block := uint64(pos) >> SectorShift
		n, err := d.readBuf(buf, pos)
		if err != nil {
			return err
		}
		if err := d.doTransfer(transfer.Read, seg[:n], buf[:n], block); err != nil {
			return err
		}
		pos += int64(n)
		if n != len(seg) {
			zeroSegments([][]byte{seg[n:]})
			zeroSegments(cmd.segs[i+1:])
			break
		}
	}
	return nil
}

func maxSegment(segs [][]byte) int {
	max := 0
	for _, s := range segs {
		if len(s) > max {
			max = len(s)
		}
	}
	return max
}

// rwAIO issues the command as one vectored direct I/O. The issue path and
// the completion callback each hold one reference, the last one to drop it
// completes the command.
func (d *Device) rwAIO(cmd *command, pos int64, write bool) error {
	atomic.StoreInt32(&cmd.ref, 2)

	store := d.backing
	segs := cmd.segs
	queued := false
	err := checkDirectAlignment(store, segs, pos)
	if err == nil {
		queued = true
		go func() {
			var n int
			var err error
			if write {
				n, err = backing.WritevAt(store, segs, pos)
			} else {
				n, err = backing.ReadvAt(store, segs, pos)
			}
			if err != nil && n == 0 {
				d.aioComplete(cmd, 0, err)
				return
			}
			d.aioComplete(cmd, int64(n), nil)
		}()
	}

	d.aioDoCompletion(cmd)
	if !queued {
		d.aioComplete(cmd, 0, err)
	}
	return nil
}

func (d *Device) aioComplete(cmd *command, n int64, err error) {
	cmd.n = n
	cmd.err = err
	d.aioDoCompletion(cmd)
}

func (d *Device) aioDoCompletion(cmd *command) {
	if atomic.AddInt32(&cmd.ref, -1) != 0 {
		return
	}
	d.completeRq(cmd)
}

// checkDirectAlignment fails the way an O_DIRECT submission does on a
// misaligned buffer or offset.
func checkDirectAlignment(store backing.Store, segs [][]byte, pos int64) error {
	dio, ok := store.(backing.DirectIOer)
	if !ok || !dio.DirectIO() {
		return nil
	}
	align := int64(dio.DirectIOBlockSize())
	if align <= 1 {
		return nil
	}
	if pos%align != 0 {
		return unix.EINVAL
	}
	for _, s := range segs {
		if int64(len(s))%align != 0 {
			return unix.EINVAL
		}
	}
	return nil
}

// completeRq finishes a command. A short direct read that got some data is
// advanced and routed again for the rest.
func (d *Device) completeRq(cmd *command) {
	req := cmd.req
	if !cmd.useAIO || cmd.err != nil || cmd.n == cmd.remaining() || req.Op != OpRead {
		if cmd.err != nil {
			d.endRequest(cmd, blkStatus(cmd.err))
			return
		}
		if cmd.useAIO && req.Op != OpRead {
			cmd.advance(minInt64(cmd.n, cmd.remaining()))
		} else {
			cmd.advance(cmd.remaining())
		}
		d.endRequest(cmd, nil)
		return
	}

	if cmd.n > 0 {
		cmd.advance(cmd.n)
		cmd.n = 0
		d.queueRq(cmd)
		return
	}
	zeroSegments(cmd.segs)
	d.endRequest(cmd, unix.EIO)
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// maxDiscardSectors is UINT_MAX >> 9.
const maxDiscardSectors = math.MaxUint32 >> SectorShift
