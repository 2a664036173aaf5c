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
	"sync"

	"golang.org/x/sync/semaphore"
)

// Limits are the queue limits a device exports.
type Limits struct {
	LogicalBlockSize      uint32
	PhysicalBlockSize     uint32
	IOMin                 uint32
	MaxDiscardSectors     uint32
	MaxWriteZeroesSectors uint32
	DiscardGranularity    uint32
	DiscardAlignment      uint32
	// Discard is set when the queue accepts discard and write-zeroes.
	Discard    bool
	WriteCache bool
	NoMerges   bool
	Rotational bool
	ReadOnly   bool
}

func defaultLimits() Limits {
	return Limits{
		LogicalBlockSize:  SectorSize,
		PhysicalBlockSize: SectorSize,
		IOMin:             SectorSize,
		NoMerges:          true,
	}
}

// Mapping stands for the page cache of the device node. Pinned pages survive
// an invalidation the way dirty pages under writeback do.
type Mapping struct {
	mu     sync.Mutex
	pages  int
	pinned int
	syncs  int
}

// Cache records n clean pages.
func (m *Mapping) Cache(n int) {
	m.mu.Lock()
	m.pages += n
	m.mu.Unlock()
}

// Pin records n pages that cannot be invalidated until Unpin.
func (m *Mapping) Pin(n int) {
	m.mu.Lock()
	m.pages += n
	m.pinned += n
	m.mu.Unlock()
}

func (m *Mapping) Unpin(n int) {
	m.mu.Lock()
	m.pinned -= n
	if m.pinned < 0 {
		panic("loop: mapping pin count underflow")
	}
	m.mu.Unlock()
}

// Sync writes dirty pages back.
func (m *Mapping) Sync() {
	m.mu.Lock()
	m.syncs++
	m.mu.Unlock()
}

// Invalidate drops every page that is not pinned.
func (m *Mapping) Invalidate() {
	m.mu.Lock()
	m.pages = m.pinned
	m.mu.Unlock()
}

// NrPages returns the number of cached pages.
func (m *Mapping) NrPages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages
}

// gate is the queue usage counter. Requests hold it from submission to
// completion, freeze blocks new entries and waits for the holders to leave.
type gate struct {
	mu       sync.Mutex
	frozen   int
	thawed   chan struct{}
	inflight int
	drained  chan struct{}
}

func (g *gate) enter(ctx context.Context) error {
	for {
		g.mu.Lock()
		if g.frozen == 0 {
			g.inflight++
			g.mu.Unlock()
			return nil
		}
		thawed := g.thawed
		g.mu.Unlock()
		select {
		case <-thawed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *gate) exit() {
	g.mu.Lock()
	g.inflight--
	if g.inflight < 0 {
		panic("loop: queue usage counter underflow")
	}
	if g.inflight == 0 && g.drained != nil {
		close(g.drained)
		g.drained = nil
	}
	g.mu.Unlock()
}

func (g *gate) freeze() {
	g.mu.Lock()
	g.frozen++
	if g.frozen == 1 {
		g.thawed = make(chan struct{})
	}
	for g.inflight > 0 {
		if g.drained == nil {
			g.drained = make(chan struct{})
		}
		drained := g.drained
		g.mu.Unlock()
		<-drained
		g.mu.Lock()
	}
	g.mu.Unlock()
}

func (g *gate) unfreeze() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.frozen--
	switch {
	case g.frozen == 0:
		close(g.thawed)
	case g.frozen < 0:
		panic("loop: unbalanced queue unfreeze")
	}
}

func (g *gate) isFrozen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.frozen > 0
}

// Disk is the block layer side of a device: its queue, limits, capacity and
// notifications.
type Disk struct {
	number int
	bus    *eventBus
	gate   gate
	tags   *semaphore.Weighted

	mu               sync.Mutex
	limits           Limits
	capacity         uint64
	suppressUevents  bool
	suppressPartScan bool
	needPartScan     bool
	partScans        int

	mapping Mapping
}

func newDisk(number int, depth int, bus *eventBus, suppressPartScan bool) *Disk {
	return &Disk{
		number:           number,
		bus:              bus,
		tags:             semaphore.NewWeighted(int64(depth)),
		limits:           defaultLimits(),
		suppressPartScan: suppressPartScan,
	}
}

// Limits returns a snapshot of the queue limits.
func (k *Disk) Limits() Limits {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.limits
}

func (k *Disk) updateLimits(fn func(l *Limits)) {
	k.mu.Lock()
	fn(&k.limits)
	k.mu.Unlock()
}

func (k *Disk) setBlockSize(bsize uint32) {
	k.updateLimits(func(l *Limits) {
		l.LogicalBlockSize = bsize
		l.PhysicalBlockSize = bsize
		l.IOMin = bsize
	})
}

func (k *Disk) blockSize() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.limits.LogicalBlockSize
}

func (k *Disk) discardEnabled() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.limits.Discard
}

// Capacity returns the size in 512-byte sectors.
func (k *Disk) Capacity() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.capacity
}

func (k *Disk) setCapacity(sectors uint64) {
	k.mu.Lock()
	k.capacity = sectors
	k.mu.Unlock()
}

// setCapacityAndNotify reports whether a resize event was sent. Resizes from
// or to an empty disk are not announced.
func (k *Disk) setCapacityAndNotify(sectors uint64) bool {
	k.mu.Lock()
	old := k.capacity
	k.capacity = sectors
	k.mu.Unlock()
	if old == sectors || old == 0 || sectors == 0 {
		return false
	}
	return k.emitEvent(Event{Kind: EventChange, Device: k.number, Resize: true})
}

// Mapping returns the page cache of the device node.
func (k *Disk) Mapping() *Mapping {
	return &k.mapping
}

func (k *Disk) setUeventSuppress(on bool) {
	k.mu.Lock()
	k.suppressUevents = on
	k.mu.Unlock()
}

func (k *Disk) setPartScanSuppress(on bool) {
	k.mu.Lock()
	k.suppressPartScan = on
	k.mu.Unlock()
}

func (k *Disk) emit(kind EventKind) bool {
	return k.emitEvent(Event{Kind: kind, Device: k.number})
}

func (k *Disk) emitEvent(ev Event) bool {
	k.mu.Lock()
	suppressed := k.suppressUevents
	k.mu.Unlock()
	if suppressed {
		return false
	}
	k.bus.publish(ev)
	return true
}

func (k *Disk) forceMediaChange() {
	k.mu.Lock()
	k.needPartScan = true
	k.mu.Unlock()
	k.emit(EventMediaChange)
}

// rescanPartitions returns false when scanning is suppressed.
func (k *Disk) rescanPartitions() bool {
	k.mu.Lock()
	if k.suppressPartScan {
		k.mu.Unlock()
		return false
	}
	k.needPartScan = false
	k.partScans++
	k.mu.Unlock()
	k.emit(EventPartScan)
	return true
}

// PartScans returns how many partition rescans ran.
func (k *Disk) PartScans() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.partScans
}

func (k *Disk) freeze()   { k.gate.freeze() }
func (k *Disk) unfreeze() { k.gate.unfreeze() }
