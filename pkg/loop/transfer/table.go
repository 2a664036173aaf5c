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

// Package transfer holds the table of block transform plugins a loop device
// can run its data through.
package transfer

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/util/logs"
)

// Well known slots.
const (
	None      = 0
	XOR       = 1
	CryptoAPI = 18

	// MaxSlots is the size of the table.
	MaxSlots = 20
)

// Direction of a transform.
type Direction int

const (
	// Read transforms backing data into device data.
	Read Direction = iota
	// Write transforms device data into backing data.
	Write
)

// Plugin transforms device blocks on their way to and from the backing store.
type Plugin interface {
	Name() string
	// Init validates key material before a device starts using the plugin.
	Init(key []byte, init [2]uint64) error
	// Transfer writes the transform of src into dst, len(dst) == len(src).
	// For Write, src is the device data and dst the backing data; for Read
	// it is the other way round. block is the 512-byte sector the data
	// starts at on the backing store.
	Transfer(dir Direction, key []byte, dst, src []byte, block uint64) error
	// Release is called when a device stops using the plugin.
	Release() error
}

// Ioctler is implemented by plugins that accept extra control commands.
type Ioctler interface {
	Ioctl(cmd uint, arg uintptr) error
}

type slot struct {
	plugin Plugin
	refs   int
}

// Table is the fixed size plugin table. Slot 0 is the identity transform and
// slot 1 the xor transform.
type Table struct {
	mu    sync.Mutex
	slots [MaxSlots]*slot
}

// NewTable returns a table with the builtin plugins registered.
func NewTable() *Table {
	t := &Table{}
	t.slots[None] = &slot{plugin: noneTransfer{}}
	t.slots[XOR] = &slot{plugin: xorTransfer{}}
	return t
}

// Register installs p at slot n.
func (t *Table) Register(n int, p Plugin) error {
	if n < 0 || n >= MaxSlots || p == nil {
		return unix.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.slots[n] != nil {
		return unix.EEXIST
	}
	t.slots[n] = &slot{plugin: p}
	logs.Infof("transfer %s registered at slot %d", p.Name(), n)
	return nil
}

// Unregister removes the plugin at slot n. Slot 0 is permanent. Devices
// still using the plugin must be detached by the caller beforehand.
func (t *Table) Unregister(n int) error {
	if n <= 0 || n >= MaxSlots {
		return unix.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slots[n]
	if s == nil {
		return unix.EINVAL
	}
	if s.refs > 0 {
		logs.Warnf("unregistering transfer %s at slot %d with %d users", s.plugin.Name(), n, s.refs)
	}
	t.slots[n] = nil
	return nil
}

// Registered reports whether slot n holds a plugin.
func (t *Table) Registered(n int) bool {
	if n < 0 || n >= MaxSlots {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[n] != nil
}

// Get takes a reference on the plugin at slot n.
func (t *Table) Get(n int) (*Handle, error) {
	if n < 0 || n >= MaxSlots {
		return nil, unix.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slots[n]
	if s == nil {
		return nil, unix.EINVAL
	}
	s.refs++
	return &Handle{table: t, slot: s, Number: n}, nil
}

// Refs returns the number of live handles on slot n.
func (t *Table) Refs(n int) int {
	if n < 0 || n >= MaxSlots {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s := t.slots[n]; s != nil {
		return s.refs
	}
	return 0
}

// Handle is a counted reference on a plugin.
type Handle struct {
	table  *Table
	slot   *slot
	Number int
}

// Plugin returns the referenced plugin.
func (h *Handle) Plugin() Plugin {
	return h.slot.plugin
}

// Put drops the reference.
func (h *Handle) Put() {
	h.table.mu.Lock()
	h.slot.refs--
	h.table.mu.Unlock()
}
