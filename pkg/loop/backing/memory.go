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
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var memoryIno uint64

// MemoryOptions shape the capabilities a Memory store reports.
type MemoryOptions struct {
	Name string
	// Kind defaults to Regular. A Block store has a fixed size.
	Kind     Kind
	Rdev     uint64
	ReadOnly bool
	// DirectIO makes the store accept SetDirectIO(true).
	DirectIO          bool
	DirectIOBlockSize uint32
	FSBlockSize       int64
	Limits            BlockLimits
	Rotational        bool
	// ReadLimit caps the bytes returned by a single read call, 0 for none.
	ReadLimit int
	// SyncErr is returned by every Sync.
	SyncErr error
}

// Memory is a RAM backed store. It behaves like a sparse regular file: writes
// past the end grow it and reads past the end are short.
type Memory struct {
	mu     sync.RWMutex
	data   []byte
	opts   MemoryOptions
	ino    uint64
	direct bool
	closed bool
	syncs  int
}

// NewMemory creates a store holding size zero bytes.
func NewMemory(size int64, opts MemoryOptions) *Memory {
	if opts.Kind == Other {
		opts.Kind = Regular
	}
	if opts.FSBlockSize == 0 {
		opts.FSBlockSize = 4096
	}
	if opts.Name == "" {
		opts.Name = "memory"
	}
	return &Memory{
		data: make([]byte, size),
		opts: opts,
		ino:  atomic.AddUint64(&memoryIno, 1),
	}
}

func (m *Memory) Name() string { return m.opts.Name }

func (m *Memory) Writable() bool { return !m.opts.ReadOnly }

func (m *Memory) Stat() (Stat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Stat{}, unix.EBADF
	}
	return Stat{Kind: m.opts.Kind, Size: int64(len(m.data)), Ino: m.ino, Rdev: m.opts.Rdev}, nil
}

func (m *Memory) limit(n int) int {
	if m.opts.ReadLimit > 0 && n > m.opts.ReadLimit {
		return m.opts.ReadLimit
	}
	return n
}

// ReadAt copies out of the store, a short read returns io.EOF.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, unix.EBADF
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p[:m.limit(len(p))], m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt copies into the store, growing a regular store as needed.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.opts.ReadOnly {
		return 0, unix.EBADF
	}
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		if m.opts.Kind == Block {
			if off >= int64(len(m.data)) {
				return 0, unix.ENOSPC
			}
			n := copy(m.data[off:], p)
			return n, unix.ENOSPC
		}
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[off:end], p), nil
}

func (m *Memory) ReadvAt(iovs [][]byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, unix.EBADF
	}
	budget := m.limit(int(^uint(0) >> 1))
	total := 0
	for _, iov := range iovs {
		if off >= int64(len(m.data)) || budget == 0 {
			break
		}
		want := len(iov)
		if want > budget {
			want = budget
		}
		n := copy(iov[:want], m.data[off:])
		total += n
		budget -= n
		off += int64(n)
		if n < len(iov) {
			break
		}
	}
	return total, nil
}

func (m *Memory) WritevAt(iovs [][]byte, off int64) (int, error) {
	total := 0
	for _, iov := range iovs {
		n, err := m.WriteAt(iov, off)
		total += n
		off += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (m *Memory) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
	return m.opts.SyncErr
}

// Syncs returns how many times Sync was called.
func (m *Memory) Syncs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.syncs
}

// Fallocate zeroes a range for PUNCH_HOLE and ZERO_RANGE. Without KEEP_SIZE a
// regular store grows to cover the range.
func (m *Memory) Fallocate(mode uint32, off, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.opts.ReadOnly {
		return unix.EBADF
	}
	if off < 0 || length <= 0 {
		return unix.EINVAL
	}
	if mode&FallocPunchHole != 0 && mode&FallocKeepSize == 0 {
		return unix.EOPNOTSUPP
	}
	end := off + length
	if end > int64(len(m.data)) && mode&FallocKeepSize == 0 && m.opts.Kind == Regular {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	if off >= int64(len(m.data)) {
		return nil
	}
	if end > int64(len(m.data)) {
		end = int64(len(m.data))
	}
	if mode&(FallocPunchHole|FallocZeroRange) != 0 {
		for i := off; i < end; i++ {
			m.data[i] = 0
		}
	}
	return nil
}

func (m *Memory) FSBlockSize() (int64, error) {
	return m.opts.FSBlockSize, nil
}

func (m *Memory) DirectIOSupported() bool { return m.opts.DirectIO }

func (m *Memory) DirectIO() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.direct
}

func (m *Memory) SetDirectIO(on bool) error {
	if on && !m.opts.DirectIO {
		return unix.EINVAL
	}
	m.mu.Lock()
	m.direct = on
	m.mu.Unlock()
	return nil
}

func (m *Memory) DirectIOBlockSize() uint32 { return m.opts.DirectIOBlockSize }

func (m *Memory) BlockLimits() BlockLimits { return m.opts.Limits }

func (m *Memory) Rotational() bool { return m.opts.Rotational }

// Truncate resizes the store.
func (m *Memory) Truncate(size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size <= int64(len(m.data)) {
		m.data = m.data[:size]
		return
	}
	grown := make([]byte, size)
	copy(grown, m.data)
	m.data = grown
}

// Bytes returns a copy of the store content.
func (m *Memory) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unix.EBADF
	}
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// Plain hides every optional capability of s.
func Plain(s Store) Store {
	return plain{s}
}

type plain struct {
	Store
}

var (
	_ Allocator   = (*Memory)(nil)
	_ FSInfo      = (*Memory)(nil)
	_ DirectIOer  = (*Memory)(nil)
	_ BlockDevice = (*Memory)(nil)
	_ Rotational  = (*Memory)(nil)
	_ VectorIO    = (*Memory)(nil)
)
