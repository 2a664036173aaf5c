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
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/loop/backing"
	"github.com/baidu/easyloop/pkg/loop/transfer"
	"github.com/baidu/easyloop/pkg/util/logs"
)

// Device is one loop device.
type Device struct {
	mgr    *Manager
	number int
	disk   *Disk
	log    *logs.Logger

	// mu serializes configuration changes and open/close.
	mu        sync.Mutex
	state     int32
	refcnt    int32
	exclusive *DeviceFile

	// visible is guarded by mgr.ctlMu.
	visible bool

	// lock guards backing for readers holding neither mu nor the queue.
	lock    sync.Mutex
	backing backing.Store

	// The fields below are written under mu, and either with the queue
	// frozen or before the device turns Bound, so the request path may
	// read them without locking.
	offset    int64
	sizelimit int64
	flags     uint32
	useDIO    int32
	xfer      *transfer.Handle
	key       [KeySize]byte
	keySize   int
	keyOwner  uint32
	init      [2]uint64
	fileName  [NameSize]byte
	cryptName [NameSize]byte
	sysfs     bool

	wq *workqueue

	// workMu guards the worker pool.
	workMu     sync.Mutex
	rootWork   *work
	rootCmds   *list.List
	workers    *btree.BTreeG[*worker]
	idle       *list.List
	timer      *time.Timer
	timerAt    time.Time
	timerArmed bool
}

func newDevice(m *Manager, number int) *Device {
	d := &Device{
		mgr:    m,
		number: number,
		disk:   newDisk(number, m.opts.HWQueueDepth, m.bus, m.partShift == 0),
		log:    logs.NewLogger().WithField("device", fmt.Sprintf(DeviceFormatString, number)),
	}
	return d
}

// Number returns the device index.
func (d *Device) Number() int { return d.number }

// Name returns loopN.
func (d *Device) Name() string { return fmt.Sprintf(DeviceFormatString, d.number) }

// Devt returns the device number.
func (d *Device) Devt() uint64 {
	return unix.Mkdev(Major, uint32(d.number)<<d.mgr.partShift)
}

// Disk returns the block layer side of the device.
func (d *Device) Disk() *Disk { return d.disk }

// State returns the current state.
func (d *Device) State() State {
	return State(atomic.LoadInt32(&d.state))
}

func (d *Device) setState(s State) {
	atomic.StoreInt32(&d.state, int32(s))
	stateTransitions(s)
}

// Flags returns the current flags.
func (d *Device) Flags() Flags {
	return Flags(atomic.LoadUint32(&d.flags))
}

func (d *Device) setFlags(f Flags) {
	atomic.StoreUint32(&d.flags, uint32(f))
}

// UseDIO reports whether reads and writes bypass the page cache.
func (d *Device) UseDIO() bool {
	return atomic.LoadInt32(&d.useDIO) != 0
}

func (d *Device) setUseDIO(on bool) {
	var v int32
	if on {
		v = 1
	}
	atomic.StoreInt32(&d.useDIO, v)
}

// Refs returns the number of open handles.
func (d *Device) Refs() int {
	return int(atomic.LoadInt32(&d.refcnt))
}

// Backing returns the bound store, nil when unbound.
func (d *Device) Backing() backing.Store {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.backing
}

func (d *Device) setBacking(s backing.Store) {
	d.lock.Lock()
	d.backing = s
	d.lock.Unlock()
}

func (d *Device) label() string {
	return strconv.Itoa(d.number)
}

func (d *Device) open(opts OpenOptions) (*DeviceFile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() == Deleting {
		return nil, unix.ENXIO
	}
	if opts.Mode&ModeExclusive != 0 && d.exclusive != nil {
		return nil, unix.EBUSY
	}
	f := &DeviceFile{
		dev:    d,
		mode:   opts.Mode,
		creds:  opts.Creds,
		groups: opts.Groups,
	}
	if opts.Mode&ModeExclusive != 0 {
		d.exclusive = f
	}
	atomic.AddInt32(&d.refcnt, 1)
	return f, nil
}

// release drops the reference of f. The last release tears an autoclear
// device down, otherwise it flushes in flight requests.
func (d *Device) release(f *DeviceFile) {
	d.mu.Lock()
	if d.exclusive == f {
		d.exclusive = nil
	}
	if atomic.AddInt32(&d.refcnt, -1) > 0 {
		d.mu.Unlock()
		return
	}
	if d.Flags()&FlagAutoclear != 0 {
		if d.State() != Bound {
			d.mu.Unlock()
			return
		}
		d.setState(Rundown)
		d.mu.Unlock()
		if err := d.teardown(); err != nil {
			d.log.Warnf("autoclear failed: %v", err)
		}
		return
	}
	if d.State() == Bound {
		d.disk.freeze()
		d.disk.unfreeze()
	}
	d.mu.Unlock()
}
