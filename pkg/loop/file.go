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
	"io"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/blkcg"
	"github.com/baidu/easyloop/pkg/loop/backing"
)

// DeviceFile is an open handle on a device. It carries the mode and the
// credentials every operation is checked against.
//
// A DeviceFile is also a backing.Store, so one device can be stacked on
// another.
type DeviceFile struct {
	dev    *Device
	mode   OpenMode
	creds  Credentials
	groups blkcg.Handles
	closed int32
}

var (
	_ backing.Store       = (*DeviceFile)(nil)
	_ backing.BlockDevice = (*DeviceFile)(nil)
)

// Device returns the device the handle is open on.
func (f *DeviceFile) Device() *Device { return f.dev }

// Mode returns the open mode.
func (f *DeviceFile) Mode() OpenMode { return f.mode }

func (f *DeviceFile) canWrite() bool {
	return f.mode&ModeWrite != 0 || f.creds.Admin
}

func (f *DeviceFile) check() error {
	if atomic.LoadInt32(&f.closed) != 0 {
		return unix.EBADF
	}
	return nil
}

// Configure binds store with cfg. The device owns store afterwards, even
// when Configure fails.
func (f *DeviceFile) Configure(store backing.Store, cfg Config) error {
	if err := f.check(); err != nil {
		store.Close()
		return err
	}
	return f.dev.configure(f, store, &cfg)
}

// SetFd binds store with the default configuration.
func (f *DeviceFile) SetFd(store backing.Store) error {
	return f.Configure(store, Config{})
}

// ChangeFd replaces the store of a read-only device.
func (f *DeviceFile) ChangeFd(store backing.Store) error {
	if err := f.check(); err != nil {
		store.Close()
		return err
	}
	return f.dev.changeFd(store)
}

// Clear unbinds the device, deferred to the last close when other handles
// are open.
func (f *DeviceFile) Clear() error {
	if err := f.check(); err != nil {
		return err
	}
	return f.dev.clear()
}

func (f *DeviceFile) SetStatus(info *Info) error {
	if err := f.check(); err != nil {
		return err
	}
	if !f.canWrite() {
		return unix.EPERM
	}
	return f.dev.setStatus(f.creds, info)
}

func (f *DeviceFile) GetStatus() (*Info, error) {
	if err := f.check(); err != nil {
		return nil, err
	}
	return f.dev.getStatus(f.creds)
}

func (f *DeviceFile) SetStatusOld(info *OldInfo) error {
	return f.SetStatus(info.Info())
}

func (f *DeviceFile) GetStatusOld() (*OldInfo, error) {
	info, err := f.GetStatus()
	if err != nil {
		return nil, err
	}
	return NewOldInfo(info)
}

func (f *DeviceFile) SetStatusCompat(info *CompatInfo) error {
	return f.SetStatus(info.Info())
}

func (f *DeviceFile) GetStatusCompat() (*CompatInfo, error) {
	info, err := f.GetStatus()
	if err != nil {
		return nil, err
	}
	return NewCompatInfo(info)
}

func (f *DeviceFile) SetCapacity() error {
	return f.Ioctl(SetCapacity, 0)
}

func (f *DeviceFile) SetDirectIO(on bool) error {
	var arg uintptr
	if on {
		arg = 1
	}
	return f.Ioctl(SetDirectIO, arg)
}

func (f *DeviceFile) SetBlockSize(bsize uint32) error {
	return f.Ioctl(SetBlockSize, uintptr(bsize))
}

// Ioctl runs a control command. SetFd and ChangeFd take a file descriptor
// of the calling process; commands with a struct argument have typed
// methods and return ENOTTY here.
func (f *DeviceFile) Ioctl(cmd uint, arg uintptr) error {
	if err := f.check(); err != nil {
		return err
	}
	switch cmd {
	case SetFd, ChangeFd:
		store, err := f.dev.mgr.opener(arg, f.mode&ModeWrite != 0)
		if err != nil {
			return err
		}
		if cmd == SetFd {
			return f.SetFd(store)
		}
		return f.ChangeFd(store)
	case ClrFd:
		return f.Clear()
	case Configure, SetStatus, GetStatus, SetStatus64, GetStatus64:
		return unix.ENOTTY
	case SetCapacity, SetDirectIO, SetBlockSize:
		if !f.canWrite() {
			return unix.EPERM
		}
	}
	return f.dev.simpleIoctl(cmd, arg)
}

// Submit queues req. It returns once the request is accepted; the result
// is collected with req.Wait. Requests without a group are charged to the
// groups of the handle.
func (f *DeviceFile) Submit(ctx context.Context, req *Request) error {
	if err := f.check(); err != nil {
		return err
	}
	if req.Group == nil && req.MemGroup == nil {
		req.Group = f.groups.Block
		req.MemGroup = f.groups.Memory
	}
	return f.dev.submit(ctx, req)
}

func (f *DeviceFile) do(ctx context.Context, req *Request) error {
	if err := f.Submit(ctx, req); err != nil {
		return err
	}
	return req.Wait(ctx)
}

func (f *DeviceFile) capacityBytes() int64 {
	return int64(f.dev.disk.Capacity()) << SectorShift
}

// span rounds [off, off+n) out to whole logical blocks and clamps it to the
// device.
func (f *DeviceFile) span(off int64, n int) (start, end int64) {
	bs := int64(f.dev.disk.blockSize())
	start = off &^ (bs - 1)
	end = (off + int64(n) + bs - 1) &^ (bs - 1)
	if c := f.capacityBytes(); end > c {
		end = c &^ (bs - 1)
	}
	return start, end
}

// ReadAt reads through the block interface. Unaligned ranges are widened
// to whole blocks.
func (f *DeviceFile) ReadAt(p []byte, off int64) (int, error) {
	return f.ReadAtContext(context.Background(), p, off)
}

func (f *DeviceFile) ReadAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, unix.EINVAL
	}
	start, end := f.span(off, len(p))
	if off >= end {
		return 0, io.EOF
	}
	aligned := start == off && end-start == int64(len(p))
	buf := p
	if !aligned {
		buf = make([]byte, end-start)
	}
	req := &Request{Op: OpRead, Sector: uint64(start) >> SectorShift, Segments: [][]byte{buf}}
	if err := f.do(ctx, req); err != nil {
		return 0, err
	}
	n := len(p)
	if !aligned {
		n = copy(p, buf[off-start:])
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes through the block interface, reading back the edges of an
// unaligned range first.
func (f *DeviceFile) WriteAt(p []byte, off int64) (int, error) {
	return f.WriteAtContext(context.Background(), p, off)
}

func (f *DeviceFile) WriteAtContext(ctx context.Context, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, unix.EINVAL
	}
	if len(p) == 0 {
		return 0, nil
	}
	start, end := f.span(off, len(p))
	if off+int64(len(p)) > end {
		return 0, unix.ENOSPC
	}
	buf := p
	if start != off || end-start != int64(len(p)) {
		buf = make([]byte, end-start)
		rd := &Request{Op: OpRead, Sector: uint64(start) >> SectorShift, Segments: [][]byte{buf}}
		if err := f.do(ctx, rd); err != nil {
			return 0, err
		}
		copy(buf[off-start:], p)
	}
	req := &Request{Op: OpWrite, Sector: uint64(start) >> SectorShift, Segments: [][]byte{buf}}
	if err := f.do(ctx, req); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Flush waits for written data to reach the backing store.
func (f *DeviceFile) Flush(ctx context.Context) error {
	return f.do(ctx, &Request{Op: OpFlush})
}

func (f *DeviceFile) Discard(ctx context.Context, off int64, length uint32) error {
	return f.do(ctx, &Request{Op: OpDiscard, Sector: uint64(off) >> SectorShift, Length: length})
}

func (f *DeviceFile) WriteZeroes(ctx context.Context, off int64, length uint32, noUnmap bool) error {
	return f.do(ctx, &Request{Op: OpWriteZeroes, Sector: uint64(off) >> SectorShift, Length: length, NoUnmap: noUnmap})
}

// Name returns the device node path.
func (f *DeviceFile) Name() string {
	return "/dev/" + f.dev.Name()
}

// Stat describes the device as a block device.
func (f *DeviceFile) Stat() (backing.Stat, error) {
	if err := f.check(); err != nil {
		return backing.Stat{}, err
	}
	return backing.Stat{
		Kind: backing.Block,
		Size: f.capacityBytes(),
		Rdev: f.dev.Devt(),
	}, nil
}

func (f *DeviceFile) Sync() error {
	return f.Flush(context.Background())
}

func (f *DeviceFile) Writable() bool {
	return f.mode&ModeWrite != 0
}

// BlockLimits exports the queue limits to a device stacked on this one.
func (f *DeviceFile) BlockLimits() backing.BlockLimits {
	l := f.dev.disk.Limits()
	return backing.BlockLimits{
		LogicalBlockSize:      l.LogicalBlockSize,
		PhysicalBlockSize:     l.PhysicalBlockSize,
		DiscardGranularity:    l.DiscardGranularity,
		MaxWriteZeroesSectors: l.MaxWriteZeroesSectors,
	}
}

// Fallocate maps punch hole and zero range onto discard and write-zeroes.
func (f *DeviceFile) Fallocate(mode uint32, off, length int64) error {
	if length <= 0 || length > int64(^uint32(0)) {
		return unix.EINVAL
	}
	switch {
	case mode&backing.FallocPunchHole != 0:
		return f.Discard(context.Background(), off, uint32(length))
	case mode&backing.FallocZeroRange != 0:
		return f.WriteZeroes(context.Background(), off, uint32(length), true)
	default:
		return unix.EOPNOTSUPP
	}
}

// Close drops the handle. The last close of an autoclear device unbinds
// it.
func (f *DeviceFile) Close() error {
	if !atomic.CompareAndSwapInt32(&f.closed, 0, 1) {
		return unix.EBADF
	}
	f.dev.release(f)
	f.groups.Put()
	return nil
}

func (f *DeviceFile) String() string {
	return fmt.Sprintf("%s(mode=%d)", f.dev.Name(), f.mode)
}
