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

// Package backing provides the stores a loop device reads and writes through.
//
// A Store is the minimum a device needs. Optional capabilities are separate
// interfaces, a device looks for them with type assertions the same way the
// block layer checks a file's operations.
package backing

import (
	"io"
)

// Kind is the file type of a store.
type Kind int

const (
	Other Kind = iota
	Regular
	Block
)

func (k Kind) String() string {
	switch k {
	case Regular:
		return "regular"
	case Block:
		return "block"
	default:
		return "other"
	}
}

// Fallocate modes, the values match fallocate(2).
const (
	FallocKeepSize  uint32 = 0x01
	FallocPunchHole uint32 = 0x02
	FallocZeroRange uint32 = 0x10
)

// Stat describes a store.
type Stat struct {
	Kind Kind
	// Size is the length of a regular file or the capacity of a block device.
	Size int64
	Dev  uint64
	Ino  uint64
	Rdev uint64
}

// Store is a random access file a device is bound to. ReadAt follows the
// io.ReaderAt contract, a read that stops at end of file returns io.EOF with
// the bytes it got.
type Store interface {
	io.ReaderAt
	io.WriterAt
	// Name is the path the store was opened from.
	Name() string
	Stat() (Stat, error)
	// Sync flushes written data to stable storage.
	Sync() error
	// Writable reports whether the store was opened for writing.
	Writable() bool
	Close() error
}

// Allocator can allocate, zero and punch ranges.
type Allocator interface {
	Fallocate(mode uint32, off, length int64) error
}

// FSInfo reports the block size of the filesystem holding the store.
type FSInfo interface {
	FSBlockSize() (int64, error)
}

// DirectIOer can bypass the page cache.
type DirectIOer interface {
	// DirectIOSupported reports whether SetDirectIO(true) can succeed.
	DirectIOSupported() bool
	DirectIO() bool
	SetDirectIO(on bool) error
	// DirectIOBlockSize is the logical block size of the device under the
	// filesystem, direct I/O must be aligned to it. 0 when there is none.
	DirectIOBlockSize() uint32
}

// BlockLimits are the queue limits of a block device store.
type BlockLimits struct {
	LogicalBlockSize      uint32
	PhysicalBlockSize     uint32
	DiscardGranularity    uint32
	MaxWriteZeroesSectors uint32
}

// BlockDevice is implemented by stores of Kind Block.
type BlockDevice interface {
	BlockLimits() BlockLimits
}

// Rotational reports whether the media under the store is a spinning disk.
type Rotational interface {
	Rotational() bool
}

// VectorIO reads and writes a list of buffers as one operation. A short
// result is returned as is, without io.EOF.
type VectorIO interface {
	ReadvAt(iovs [][]byte, off int64) (int, error)
	WritevAt(iovs [][]byte, off int64) (int, error)
}

// IsDirect reports whether s is currently in direct I/O mode.
func IsDirect(s Store) bool {
	d, ok := s.(DirectIOer)
	return ok && d.DirectIO()
}

// ReadvAt reads iovs through VectorIO when s has it and one buffer at a time
// otherwise.
func ReadvAt(s Store, iovs [][]byte, off int64) (int, error) {
	if v, ok := s.(VectorIO); ok {
		return v.ReadvAt(iovs, off)
	}
	total := 0
	for _, iov := range iovs {
		n, err := s.ReadAt(iov, off)
		total += n
		off += int64(n)
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// WritevAt is the write counterpart of ReadvAt.
func WritevAt(s Store, iovs [][]byte, off int64) (int, error) {
	if v, ok := s.(VectorIO); ok {
		return v.WritevAt(iovs, off)
	}
	total := 0
	for _, iov := range iovs {
		n, err := s.WriteAt(iov, off)
		total += n
		off += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
