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
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/blkcg"
)

// Op is the operation of a request.
type Op int

const (
	OpRead Op = iota
	OpWrite
	OpFlush
	OpDiscard
	OpWriteZeroes
)

var opNames = [...]string{"read", "write", "flush", "discard", "write_zeroes"}

func (o Op) String() string {
	if o < 0 || int(o) >= len(opNames) {
		return fmt.Sprintf("op(%d)", int(o))
	}
	return opNames[o]
}

// IsWrite reports whether o modifies data.
func (o Op) IsWrite() bool {
	return o == OpWrite || o == OpDiscard || o == OpWriteZeroes
}

// Request is one block I/O. Sector and Length are in the device address
// space; reads and writes carry their data in Segments and ignore Length.
//
// Group and MemGroup are the groups the I/O is charged to. The caller keeps
// its references alive until Wait returns.
type Request struct {
	Op       Op
	Sector   uint64
	Segments [][]byte
	Length   uint32
	// NoUnmap asks write-zeroes to keep the range allocated.
	NoUnmap  bool
	Group    *blkcg.Group
	MemGroup *blkcg.Group

	cmd       command
	done      chan struct{}
	status    error
	bytesDone int64
	started   time.Time
	once      *sync.Once
}

// command is the per request state of the device.
type command struct {
	req    *Request
	useAIO bool
	blkcg  *blkcg.Group
	memcg  *blkcg.Group
	// aio completion: ref counts the issue path and the completion
	// callback, n and err are the result of the callback.
	ref int32
	n   int64
	err error
	// segs and sector are the unfinished part of the request.
	segs   [][]byte
	sector uint64
}

// Bytes returns the size of the request in bytes.
func (r *Request) Bytes() int64 {
	switch r.Op {
	case OpRead, OpWrite:
		return segmentsLen(r.Segments)
	case OpDiscard, OpWriteZeroes:
		return int64(r.Length)
	default:
		return 0
	}
}

// Wait blocks until the request completes and returns its status: nil,
// EIO, EOPNOTSUPP or another block status errno.
func (r *Request) Wait(ctx context.Context) error {
	if r.done == nil {
		return unix.EINVAL
	}
	select {
	case <-r.done:
		return r.status
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the request completes.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// BytesDone returns how many bytes completed without error.
func (r *Request) BytesDone() int64 {
	return r.bytesDone
}

func (r *Request) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("op", r.Op.String())
	enc.AddUint64("sector", r.Sector)
	enc.AddInt64("bytes", r.Bytes())
	if r.Group != nil {
		enc.AddString("group", r.Group.String())
	}
	return nil
}

// prepare validates the request against the device block size and resets
// its completion state.
func (r *Request) prepare(bsize uint32) error {
	if r.done != nil {
		select {
		case <-r.done:
		default:
			return unix.EBUSY
		}
	}
	switch r.Op {
	case OpRead, OpWrite:
		if len(r.Segments) == 0 {
			return unix.EINVAL
		}
	case OpDiscard, OpWriteZeroes:
		if r.Length == 0 {
			return unix.EINVAL
		}
	case OpFlush:
	default:
		return unix.EINVAL
	}
	mask := uint64(bsize - 1)
	if (r.Sector<<SectorShift)&mask != 0 || uint64(r.Bytes())&mask != 0 {
		return unix.EINVAL
	}
	r.done = make(chan struct{})
	r.status = nil
	r.bytesDone = 0
	r.once = new(sync.Once)
	r.started = time.Now()
	r.cmd = command{
		req:    r,
		segs:   append([][]byte(nil), r.Segments...),
		sector: r.Sector,
	}
	return nil
}

// endSectors is the first sector after the request.
func (r *Request) endSectors() uint64 {
	return r.Sector + uint64(r.Bytes()+SectorSize-1)>>SectorShift
}

// remaining is the unfinished byte count.
func (c *command) remaining() int64 {
	if c.req.Op == OpRead || c.req.Op == OpWrite {
		return segmentsLen(c.segs)
	}
	return int64(c.req.Length)
}

// advance completes n bytes of the request.
func (c *command) advance(n int64) {
	c.req.bytesDone += n
	c.sector += uint64(n) >> SectorShift
	for n > 0 && len(c.segs) > 0 {
		if int64(len(c.segs[0])) <= n {
			n -= int64(len(c.segs[0]))
			c.segs = c.segs[1:]
			continue
		}
		c.segs[0] = c.segs[0][n:]
		n = 0
	}
}

func segmentsLen(segs [][]byte) int64 {
	var n int64
	for _, s := range segs {
		n += int64(len(s))
	}
	return n
}

func zeroSegments(segs [][]byte) {
	for _, s := range segs {
		for i := range s {
			s[i] = 0
		}
	}
}

// blkStatus maps an errno to what a block request may complete with.
func blkStatus(err error) error {
	if err == nil {
		return nil
	}
	switch errnoOf(err) {
	case unix.EOPNOTSUPP, unix.ENOSPC, unix.ETIMEDOUT, unix.ENOMEM, unix.EAGAIN:
		return errnoOf(err)
	default:
		return unix.EIO
	}
}
