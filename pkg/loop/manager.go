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
	"math/bits"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/blkcg"
	"github.com/baidu/easyloop/pkg/loop/backing"
	"github.com/baidu/easyloop/pkg/loop/transfer"
	"github.com/baidu/easyloop/pkg/util/logs"
)

const (
	diskMaxParts = 256
	minorBits    = 20
)

// FDOpener turns a file descriptor of the caller into a store. write asks
// for a store that can be written.
type FDOpener func(fd uintptr, write bool) (backing.Store, error)

// Options tune a Manager.
type Options struct {
	// MaxLoop devices are created up front. When MaxLoopSet is true it
	// also bounds the indexes that Open creates on demand.
	MaxLoop    int
	MaxLoopSet bool
	// MaxPart is the number of partitions per device.
	MaxPart int

	// IdleWorkerTimeout is how long a per-group worker may stay idle.
	IdleWorkerTimeout time.Duration
	// MaxWorkersPerDevice caps the per-group workers, 0 is unlimited.
	MaxWorkersPerDevice int
	// MaxActiveWorks caps concurrently running works per device, 0 means
	// four per CPU.
	MaxActiveWorks int
	// HWQueueDepth is the number of requests a device accepts at once.
	HWQueueDepth int

	FDOpener FDOpener
}

// DefaultOptions returns the defaults used by loopd.
func DefaultOptions() Options {
	return Options{
		MaxLoop:           8,
		IdleWorkerTimeout: 60 * time.Second,
		HWQueueDepth:      128,
	}
}

// partShift derives the minor shift from MaxPart and checks the limits.
func (o *Options) partShift() (uint, error) {
	if o.MaxPart < 0 || o.MaxLoop < 0 {
		return 0, unix.EINVAL
	}
	var shift uint
	if o.MaxPart > 0 {
		shift = uint(bits.Len(uint(o.MaxPart)))
		o.MaxPart = 1<<shift - 1
	}
	if 1<<shift > diskMaxParts {
		return 0, unix.EINVAL
	}
	if o.MaxLoop > 1<<(minorBits-shift) {
		return 0, unix.EINVAL
	}
	return shift, nil
}

// Manager owns every loop device of a process.
type Manager struct {
	opts      Options
	partShift uint

	// ctlMu guards devices and the visible flag of each device.
	ctlMu   sync.Mutex
	devices map[int]*Device

	// validateMu serializes binds against the stacking checks of
	// validateFile.
	validateMu sync.Mutex

	transfers *transfer.Table
	groups    *blkcg.Registry
	bus       *eventBus
	opener    FDOpener
}

// NewManager validates opts and creates opts.MaxLoop devices.
func NewManager(opts Options) (*Manager, error) {
	shift, err := opts.partShift()
	if err != nil {
		return nil, err
	}
	if opts.HWQueueDepth <= 0 {
		opts.HWQueueDepth = DefaultOptions().HWQueueDepth
	}
	if opts.IdleWorkerTimeout <= 0 {
		opts.IdleWorkerTimeout = DefaultOptions().IdleWorkerTimeout
	}
	registerMetrics()
	m := &Manager{
		opts:      opts,
		partShift: shift,
		devices:   make(map[int]*Device),
		transfers: transfer.NewTable(),
		groups:    blkcg.NewRegistry(),
		bus:       newEventBus(),
		opener:    opts.FDOpener,
	}
	if m.opener == nil {
		m.opener = openFD
	}
	for i := 0; i < opts.MaxLoop; i++ {
		if _, err := m.Add(i); err != nil {
			m.Close()
			return nil, err
		}
	}
	logs.Infof("loop: module loaded (max %d, part shift %d)", opts.MaxLoop, shift)
	return m, nil
}

// Options returns the effective options.
func (m *Manager) Options() Options { return m.opts }

// Groups returns the group registry handles are resolved against.
func (m *Manager) Groups() *blkcg.Registry { return m.groups }

// Transfers returns the transfer plugin table.
func (m *Manager) Transfers() *transfer.Table { return m.transfers }

func (m *Manager) RegisterTransfer(n int, p transfer.Plugin) error {
	return m.transfers.Register(n, p)
}

func (m *Manager) UnregisterTransfer(n int) error {
	return m.transfers.Unregister(n)
}

// Subscribe returns a channel of device events buffered for n events and a
// function that cancels the subscription. When the reader falls more than n
// events behind the oldest pending events are dropped.
func (m *Manager) Subscribe(n int) (<-chan Event, func()) {
	return m.bus.subscribe(n)
}

// DroppedEvents reports how many events subscribers have lost so far.
func (m *Manager) DroppedEvents() uint64 {
	return m.bus.droppedEvents()
}

// Add creates device i, or the first free index when i is negative.
func (m *Manager) Add(i int) (int, error) {
	m.ctlMu.Lock()
	if i >= 0 {
		if _, ok := m.devices[i]; ok {
			m.ctlMu.Unlock()
			return 0, unix.EEXIST
		}
		if i >= 1<<(minorBits-m.partShift) {
			m.ctlMu.Unlock()
			return 0, unix.EINVAL
		}
	} else {
		for i = 0; ; i++ {
			if _, ok := m.devices[i]; !ok {
				break
			}
		}
		if i >= 1<<(minorBits-m.partShift) {
			m.ctlMu.Unlock()
			return 0, unix.ENOSPC
		}
	}
	d := newDevice(m, i)
	m.devices[i] = d
	m.ctlMu.Unlock()

	d.disk.emit(EventAdd)

	m.ctlMu.Lock()
	d.visible = true
	n := len(m.devices)
	m.ctlMu.Unlock()
	setDevices(n)
	d.log.V(3).Infof("device added")
	return i, nil
}

// Remove deletes device i. Bound or open devices are busy.
func (m *Manager) Remove(i int) error {
	if i < 0 {
		return unix.EINVAL
	}
	m.ctlMu.Lock()
	d, ok := m.devices[i]
	if !ok || !d.visible {
		m.ctlMu.Unlock()
		return unix.ENODEV
	}
	d.visible = false
	m.ctlMu.Unlock()

	d.mu.Lock()
	if d.State() != Unbound || d.Refs() > 0 {
		d.mu.Unlock()
		m.ctlMu.Lock()
		d.visible = true
		m.ctlMu.Unlock()
		return unix.EBUSY
	}
	d.setState(Deleting)
	d.mu.Unlock()

	m.remove(d)
	return nil
}

func (m *Manager) remove(d *Device) {
	m.ctlMu.Lock()
	delete(m.devices, d.number)
	n := len(m.devices)
	m.ctlMu.Unlock()

	d.disk.emit(EventRemove)
	forgetDevice(d)
	setDevices(n)
	d.log.V(3).Infof("device removed")
}

// GetFree returns the first unbound device, creating one if there is none.
func (m *Manager) GetFree() (int, error) {
	m.ctlMu.Lock()
	free := -1
	for i, d := range m.devices {
		if !d.visible || d.State() != Unbound {
			continue
		}
		if free < 0 || i < free {
			free = i
		}
	}
	m.ctlMu.Unlock()
	if free >= 0 {
		return free, nil
	}
	return m.Add(-1)
}

// Control runs a loop-control command.
func (m *Manager) Control(cmd uint, parm int) (int, error) {
	switch cmd {
	case CtlAdd:
		return m.Add(parm)
	case CtlRemove:
		if err := m.Remove(parm); err != nil {
			return 0, err
		}
		return parm, nil
	case CtlGetFree:
		return m.GetFree()
	default:
		return 0, unix.ENOSYS
	}
}

// Lookup returns visible device i.
func (m *Manager) Lookup(i int) (*Device, bool) {
	m.ctlMu.Lock()
	defer m.ctlMu.Unlock()
	d, ok := m.devices[i]
	if !ok || !d.visible {
		return nil, false
	}
	return d, true
}

// Devices returns the visible devices ordered by index.
func (m *Manager) Devices() []*Device {
	m.ctlMu.Lock()
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		if d.visible {
			out = append(out, d)
		}
	}
	m.ctlMu.Unlock()
	sort.Slice(out, func(a, b int) bool { return out[a].number < out[b].number })
	return out
}

func (m *Manager) addOnOpen(i int) {
	if m.opts.MaxLoopSet && m.opts.MaxLoop > 0 && i >= m.opts.MaxLoop {
		return
	}
	if _, err := m.Add(i); err != nil && err != unix.EEXIST {
		logs.V(3).Warnf("add loop%d on open: %v", i, err)
	}
}

// Open opens device i, creating it on demand. The handle takes over the
// group references in opts, they are released when Open fails.
func (m *Manager) Open(i int, opts OpenOptions) (*DeviceFile, error) {
	if i < 0 {
		opts.Groups.Put()
		return nil, unix.ENXIO
	}
	d, ok := m.Lookup(i)
	if !ok {
		m.addOnOpen(i)
		if d, ok = m.Lookup(i); !ok {
			opts.Groups.Put()
			return nil, unix.ENXIO
		}
	}
	f, err := d.open(opts)
	if err != nil {
		opts.Groups.Put()
		return nil, err
	}
	return f, nil
}

// Close tears down and removes every device.
func (m *Manager) Close() error {
	m.ctlMu.Lock()
	devs := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		devs = append(devs, d)
	}
	m.ctlMu.Unlock()

	var errs error
	for _, d := range devs {
		d.mu.Lock()
		if d.State() == Bound {
			d.setState(Rundown)
			d.mu.Unlock()
			errs = multierr.Append(errs, d.teardown())
			d.mu.Lock()
		}
		d.setState(Deleting)
		d.mu.Unlock()
		m.remove(d)
	}
	return errs
}
