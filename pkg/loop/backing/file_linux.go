//go:build linux
// +build linux

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

package backing

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SysfsRoot is where block queue attributes are read from.
var SysfsRoot = "/sys"

// File is a store over an open file or block device.
type File struct {
	file     *os.File
	writable bool

	mu         sync.Mutex
	direct     bool
	dioChecked bool
	dioSupport bool
	dioAlign   uint32
	kind       Kind
	dev, rdev  uint64
}

// OpenFile opens path for a device. Without write the store is read-only,
// with direct it starts in O_DIRECT mode.
func OpenFile(path string, write, direct bool) (*File, error) {
	flags := os.O_RDONLY
	if write {
		flags = os.O_RDWR
	}
	if direct {
		flags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(path, flags|unix.O_CLOEXEC, 0)
	if err != nil {
		// fall back to read-only like losetup does for read-only media
		if write && (os.IsPermission(err) || errors.Is(err, unix.EROFS)) {
			f, err = os.OpenFile(path, (flags&^os.O_RDWR)|unix.O_CLOEXEC, 0)
			write = false
		}
		if err != nil {
			return nil, errors.Wrapf(err, "open backing file %s", path)
		}
	}
	return NewFile(f, write)
}

// NewFile wraps an already open file.
func NewFile(f *os.File, writable bool) (*File, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return nil, errors.Wrapf(err, "fstat %s", f.Name())
	}
	fl, err := unix.FcntlInt(f.Fd(), unix.F_GETFL, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "fcntl %s", f.Name())
	}
	file := &File{
		file:     f,
		writable: writable,
		direct:   fl&unix.O_DIRECT != 0,
		kind:     kindOf(st.Mode),
		dev:      uint64(st.Dev),
		rdev:     uint64(st.Rdev),
		dioAlign: 512,
	}
	if bs := file.DirectIOBlockSize(); bs > 512 {
		file.dioAlign = bs
	}
	return file, nil
}

func kindOf(mode uint32) Kind {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return Regular
	case unix.S_IFBLK:
		return Block
	default:
		return Other
	}
}

func (f *File) fd() int { return int(f.file.Fd()) }

func (f *File) Name() string { return f.file.Name() }

func (f *File) Writable() bool { return f.writable }

func (f *File) Stat() (Stat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.fd(), &st); err != nil {
		return Stat{}, errors.Wrapf(err, "fstat %s", f.Name())
	}
	s := Stat{
		Kind: kindOf(st.Mode),
		Size: st.Size,
		Dev:  uint64(st.Dev),
		Ino:  st.Ino,
		Rdev: uint64(st.Rdev),
	}
	if s.Kind == Block {
		var size uint64
		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, f.file.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size))); errno != 0 {
			return Stat{}, errors.Wrapf(errno, "BLKGETSIZE64 %s", f.Name())
		}
		s.Size = int64(size)
	}
	return s, nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.alignedFor(p, off) {
		return f.file.ReadAt(p, off)
	}
	buf := f.bounce(len(p))
	n, err := f.file.ReadAt(buf, off)
	if n > len(p) {
		n = len(p)
	}
	copy(p, buf[:n])
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if f.alignedFor(p, off) {
		return f.file.WriteAt(p, off)
	}
	// a direct write must cover whole blocks
	if len(p)%int(f.align()) != 0 {
		return 0, unix.EINVAL
	}
	buf := f.bounce(len(p))
	copy(buf, p)
	return f.file.WriteAt(buf, off)
}

func (f *File) ReadvAt(iovs [][]byte, off int64) (int, error) {
	if f.vecAligned(iovs) {
		n, err := unix.Preadv(f.fd(), iovs, off)
		return n, wrapErrno(err, "preadv", f)
	}
	buf := f.bounce(iovLen(iovs))
	n, err := unix.Pread(f.fd(), buf, off)
	if n > 0 {
		scatter(iovs, buf[:n])
	}
	return n, wrapErrno(err, "pread", f)
}

func (f *File) WritevAt(iovs [][]byte, off int64) (int, error) {
	if f.vecAligned(iovs) {
		n, err := unix.Pwritev(f.fd(), iovs, off)
		return n, wrapErrno(err, "pwritev", f)
	}
	buf := f.bounce(iovLen(iovs))
	gather(buf, iovs)
	n, err := unix.Pwrite(f.fd(), buf, off)
	return n, wrapErrno(err, "pwrite", f)
}

func (f *File) Sync() error {
	if err := unix.Fsync(f.fd()); err != nil {
		return errors.Wrapf(err, "fsync %s", f.Name())
	}
	return nil
}

func (f *File) Fallocate(mode uint32, off, length int64) error {
	if err := unix.Fallocate(f.fd(), mode, off, length); err != nil {
		return errors.Wrapf(err, "fallocate %s", f.Name())
	}
	return nil
}

func (f *File) FSBlockSize() (int64, error) {
	var st unix.Statfs_t
	if err := unix.Fstatfs(f.fd(), &st); err != nil {
		return 0, errors.Wrapf(err, "fstatfs %s", f.Name())
	}
	return int64(st.Bsize), nil
}

// DirectIOSupported checks once by switching O_DIRECT on and back.
func (f *File) DirectIOSupported() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dioChecked {
		return f.dioSupport
	}
	f.dioChecked = true
	if f.direct {
		f.dioSupport = true
		return true
	}
	if err := f.setFlag(true); err != nil {
		return false
	}
	f.dioSupport = f.setFlag(false) == nil
	return f.dioSupport
}

func (f *File) DirectIO() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.direct
}

func (f *File) SetDirectIO(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if on == f.direct {
		return nil
	}
	if err := f.setFlag(on); err != nil {
		return errors.Wrapf(err, "toggle O_DIRECT on %s", f.Name())
	}
	f.direct = on
	return nil
}

func (f *File) setFlag(on bool) error {
	fl, err := unix.FcntlInt(f.file.Fd(), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	if on {
		fl |= unix.O_DIRECT
	} else {
		fl &^= unix.O_DIRECT
	}
	_, err = unix.FcntlInt(f.file.Fd(), unix.F_SETFL, fl)
	return err
}

// DirectIOBlockSize is the logical block size of the disk holding a regular
// file. Block device nodes live on a pseudo filesystem and report 0.
func (f *File) DirectIOBlockSize() uint32 {
	if f.kind != Regular {
		return 0
	}
	if v, err := queueAttr(f.dev, "logical_block_size"); err == nil && v > 0 {
		return uint32(v)
	}
	return 0
}

func (f *File) BlockLimits() BlockLimits {
	var l BlockLimits
	if f.kind != Block {
		return l
	}
	if v, err := unix.IoctlGetInt(f.fd(), unix.BLKSSZGET); err == nil {
		l.LogicalBlockSize = uint32(v)
	}
	if v, err := unix.IoctlGetUint32(f.fd(), unix.BLKPBSZGET); err == nil {
		l.PhysicalBlockSize = v
	}
	if v, err := queueAttr(f.rdev, "discard_granularity"); err == nil {
		l.DiscardGranularity = uint32(v)
	}
	if v, err := queueAttr(f.rdev, "write_zeroes_max_bytes"); err == nil {
		l.MaxWriteZeroesSectors = uint32(v >> 9)
	}
	return l
}

// Rotational reads the rotational flag of the disk under the store. Stores
// without a disk are reported as non-rotational.
func (f *File) Rotational() bool {
	dev := f.dev
	if f.kind == Block {
		dev = f.rdev
	}
	v, err := queueAttr(dev, "rotational")
	return err == nil && v == 1
}

func (f *File) Close() error {
	return f.file.Close()
}

func (f *File) align() uint32 {
	return f.dioAlign
}

func (f *File) alignedFor(p []byte, off int64) bool {
	if !f.DirectIO() {
		return true
	}
	a := uintptr(f.align())
	return len(p) == 0 || (uintptr(unsafe.Pointer(&p[0]))%a == 0 && uintptr(len(p))%a == 0 && uintptr(off)%a == 0)
}

func (f *File) vecAligned(iovs [][]byte) bool {
	for _, iov := range iovs {
		if !f.alignedFor(iov, 0) {
			return false
		}
	}
	return true
}

// bounce returns a buffer aligned for direct I/O, rounded up to whole blocks.
func (f *File) bounce(n int) []byte {
	a := int(f.align())
	size := (n + a - 1) / a * a
	raw := make([]byte, size+a)
	shift := 0
	if r := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(a)); r != 0 {
		shift = a - r
	}
	return raw[shift : shift+size]
}

// queueAttr reads an integer attribute of the request queue of dev. For a
// partition the queue belongs to the parent disk.
func queueAttr(dev uint64, attr string) (int64, error) {
	base := fmt.Sprintf("%s/dev/block/%d:%d", SysfsRoot, unix.Major(dev), unix.Minor(dev))
	for _, p := range []string{base + "/queue/" + attr, base + "/../queue/" + attr} {
		b, err := ioutil.ReadFile(p)
		if err != nil {
			continue
		}
		return strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	}
	return 0, os.ErrNotExist
}

func wrapErrno(err error, op string, f *File) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, "%s %s", op, f.Name())
}

func iovLen(iovs [][]byte) int {
	n := 0
	for _, iov := range iovs {
		n += len(iov)
	}
	return n
}

func scatter(iovs [][]byte, src []byte) {
	for _, iov := range iovs {
		if len(src) == 0 {
			return
		}
		src = src[copy(iov, src):]
	}
}

func gather(dst []byte, iovs [][]byte) {
	for _, iov := range iovs {
		dst = dst[copy(dst, iov):]
	}
}

var (
	_ Store       = (*File)(nil)
	_ Allocator   = (*File)(nil)
	_ FSInfo      = (*File)(nil)
	_ DirectIOer  = (*File)(nil)
	_ BlockDevice = (*File)(nil)
	_ Rotational  = (*File)(nil)
	_ VectorIO    = (*File)(nil)
)
