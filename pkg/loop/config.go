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
	"math"

	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/loop/backing"
	"github.com/baidu/easyloop/pkg/loop/transfer"
)

// globalLock takes the validation lock when the new store is itself a loop
// device, then the device lock.
func (d *Device) globalLock(isLoop bool) {
	if isLoop {
		d.mgr.validateMu.Lock()
	}
	d.mu.Lock()
}

func (d *Device) globalUnlock(isLoop bool) {
	d.mu.Unlock()
	if isLoop {
		d.mgr.validateMu.Unlock()
	}
}

func isLoopStore(s backing.Store) bool {
	_, ok := s.(*DeviceFile)
	return ok
}

// validateFile follows a chain of stacked loop devices down to the real
// store. A chain leading back to d is refused with EBADF.
func (d *Device) validateFile(s backing.Store) error {
	for {
		f, ok := s.(*DeviceFile)
		if !ok {
			break
		}
		l := f.dev
		if l == d {
			return unix.EBADF
		}
		if l.State() != Bound {
			return unix.EINVAL
		}
		s = l.Backing()
		if s == nil {
			return unix.EINVAL
		}
	}
	st, err := s.Stat()
	if err != nil {
		return err
	}
	if st.Kind != backing.Regular && st.Kind != backing.Block {
		return unix.EINVAL
	}
	return nil
}

func validateBlockSize(bsize uint32) error {
	if bsize < SectorSize || bsize > 4096 || bsize&(bsize-1) != 0 {
		return unix.EINVAL
	}
	return nil
}

// claim keeps an exclusive holder other than f from having the device
// changed under it.
func (d *Device) claim(f *DeviceFile) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.exclusive != nil && d.exclusive != f {
		return unix.EBUSY
	}
	return nil
}

// configure binds store to the device. The store is owned by the device
// from here on and closed on failure.
func (d *Device) configure(f *DeviceFile, store backing.Store, cfg *Config) (err error) {
	defer func() {
		if err != nil {
			store.Close()
			d.log.WithError(err).Warnf("configure %s failed", store.Name())
		}
	}()
	if err := d.claim(f); err != nil {
		return err
	}

	isLoop := isLoopStore(store)
	d.globalLock(isLoop)
	locked := true
	defer func() {
		if locked {
			d.globalUnlock(isLoop)
		}
	}()

	if d.State() != Unbound {
		return unix.EBUSY
	}
	if err := d.validateFile(store); err != nil {
		return err
	}
	if cfg.Info.Flags&^ConfigureSettableFlags != 0 {
		return unix.EINVAL
	}
	if cfg.BlockSize != 0 {
		if err := validateBlockSize(cfg.BlockSize); err != nil {
			return err
		}
	}
	if err := d.setStatusFromInfo(&cfg.Info, f.creds.UID); err != nil {
		return err
	}

	flags := d.Flags()
	if !store.Writable() || f.mode&ModeWrite == 0 {
		flags |= FlagReadOnly
	}
	d.setFlags(flags)

	d.wq = newWorkqueue(d.Name(), d.mgr.opts.MaxActiveWorks)

	d.disk.setUeventSuppress(true)
	d.disk.forceMediaChange()
	readOnly := flags&FlagReadOnly != 0
	d.disk.updateLimits(func(l *Limits) {
		l.ReadOnly = readOnly
		l.WriteCache = !readOnly
	})

	d.initWorkers()
	d.setUseDIO(flags&FlagDirectIO != 0)
	d.setBacking(store)

	bsize := uint32(SectorSize)
	if cfg.BlockSize != 0 {
		bsize = cfg.BlockSize
	} else if dio, ok := store.(backing.DirectIOer); ok && dio.DirectIO() && dio.DirectIOBlockSize() != 0 {
		bsize = dio.DirectIOBlockSize()
	}
	d.disk.setBlockSize(bsize)

	d.configDiscard()
	d.updateRotational()
	d.updateDIO()
	d.sysfs = true

	d.setSize(d.computeSize(store))

	d.setState(Bound)
	if d.mgr.partShift > 0 {
		d.setFlags(d.Flags() | FlagPartScan)
	}
	partscan := d.Flags()&FlagPartScan != 0
	if partscan {
		d.disk.setPartScanSuppress(false)
	}

	d.disk.setUeventSuppress(false)
	d.disk.emit(EventChange)

	locked = false
	d.globalUnlock(isLoop)
	if partscan {
		d.disk.rescanPartitions()
	}
	d.log.Infof("bound to %s, %d sectors, flags %s", store.Name(), d.disk.Capacity(), d.Flags())
	return nil
}

// setStatusFromInfo applies the transfer, geometry, names and flags of
// info. Nothing is changed when it fails.
func (d *Device) setStatusFromInfo(info *Info, uid uint32) error {
	if info.EncryptKeySize > KeySize {
		return unix.EINVAL
	}
	typ := int(info.EncryptType)
	if info.EncryptType != transfer.None && (info.EncryptType >= transfer.MaxSlots || !d.mgr.transfers.Registered(typ)) {
		return unix.EINVAL
	}
	if info.Offset > math.MaxInt64 || info.SizeLimit > math.MaxInt64 {
		return unix.EOVERFLOW
	}

	var h *transfer.Handle
	if info.EncryptType != transfer.None {
		var err error
		if h, err = d.mgr.transfers.Get(typ); err != nil {
			return err
		}
		key := info.EncryptKey[:info.EncryptKeySize]
		if err := h.Plugin().Init(key, info.Init); err != nil {
			h.Put()
			return err
		}
	}
	if err := d.releaseXfer(); err != nil {
		if h != nil {
			h.Plugin().Release()
			h.Put()
		}
		return err
	}

	d.xfer = h
	d.offset = int64(info.Offset)
	d.sizelimit = int64(info.SizeLimit)
	d.fileName = info.FileName
	d.cryptName = info.CryptName
	d.fileName[NameSize-1] = 0
	d.cryptName[NameSize-1] = 0
	d.setFlags(info.Flags)
	d.keySize = int(info.EncryptKeySize)
	d.init = info.Init
	if info.EncryptKeySize != 0 {
		d.key = [KeySize]byte{}
		copy(d.key[:], info.EncryptKey[:info.EncryptKeySize])
		d.keyOwner = uid
	}
	return nil
}

func (d *Device) releaseXfer() error {
	if d.xfer == nil {
		return nil
	}
	if err := d.xfer.Plugin().Release(); err != nil {
		return err
	}
	d.xfer.Put()
	d.xfer = nil
	return nil
}

// computeSize returns the device size in sectors for store.
func (d *Device) computeSize(store backing.Store) uint64 {
	st, err := store.Stat()
	if err != nil {
		d.log.Warnf("stat %s: %v", store.Name(), err)
		return 0
	}
	return loopSize(d.offset, d.sizelimit, st.Size)
}

func loopSize(offset, sizelimit, size int64) uint64 {
	if offset > 0 {
		size -= offset
	}
	if size < 0 {
		return 0
	}
	if sizelimit > 0 && sizelimit < size {
		size = sizelimit
	}
	return uint64(size) >> SectorShift
}

// setSize publishes a new capacity with a single change notification.
func (d *Device) setSize(sectors uint64) {
	if !d.disk.setCapacityAndNotify(sectors) {
		d.disk.emit(EventChange)
	}
}

// updateDIO re-evaluates direct I/O, keeping it on when the store was opened
// for direct I/O.
func (d *Device) updateDIO() {
	d.setDIO(backing.IsDirect(d.backing) || d.UseDIO())
}

// setDIO turns direct I/O on when the store, the offset, the block size and
// the absence of a transfer allow it, and off otherwise.
func (d *Device) setDIO(want bool) {
	store := d.backing
	use := false
	if dio, ok := store.(backing.DirectIOer); ok && want {
		sbBsize := dio.DirectIOBlockSize()
		var align int64
		if sbBsize != 0 {
			align = int64(sbBsize) - 1
		}
		use = d.disk.blockSize() >= sbBsize &&
			d.offset&align == 0 &&
			dio.DirectIOSupported() &&
			d.xfer == nil
	}
	if d.UseDIO() == use && backing.IsDirect(store) == use {
		return
	}

	if err := store.Sync(); err != nil {
		d.log.V(2).Warnf("sync before direct I/O switch: %v", err)
	}
	bound := d.State() == Bound
	if bound {
		d.disk.freeze()
	}
	if dio, ok := store.(backing.DirectIOer); ok {
		if err := dio.SetDirectIO(use); err != nil {
			d.log.Warnf("switch direct I/O to %v: %v", use, err)
			use = false
		}
	}
	d.setUseDIO(use)
	flags := d.Flags()
	if use {
		flags |= FlagDirectIO
	} else {
		flags &^= FlagDirectIO
	}
	d.setFlags(flags)
	d.disk.updateLimits(func(l *Limits) { l.NoMerges = !use })
	if bound {
		d.disk.unfreeze()
	}
}

func (d *Device) configDiscard() {
	store := d.backing
	var max, granularity uint32

	// a transform makes backing holes read back as garbage
	transformed := d.xfer != nil || d.keySize != 0
	st, err := store.Stat()
	_, canAlloc := store.(backing.Allocator)
	switch {
	case err == nil && st.Kind == backing.Block && !transformed:
		if bd, ok := store.(backing.BlockDevice); ok {
			lim := bd.BlockLimits()
			max = lim.MaxWriteZeroesSectors
			granularity = lim.DiscardGranularity
			if granularity == 0 {
				granularity = lim.PhysicalBlockSize
			}
		}
	case !canAlloc || transformed:
	default:
		max = maxDiscardSectors
		fs, ok := store.(backing.FSInfo)
		if !ok {
			max = 0
			break
		}
		if bsize, err := fs.FSBlockSize(); err == nil {
			granularity = uint32(bsize)
		} else {
			max = 0
		}
	}

	d.disk.updateLimits(func(l *Limits) {
		if max != 0 {
			l.DiscardGranularity = granularity
			l.MaxDiscardSectors = max
			l.MaxWriteZeroesSectors = max
			l.Discard = true
		} else {
			l.DiscardGranularity = 0
			l.MaxDiscardSectors = 0
			l.MaxWriteZeroesSectors = 0
			l.Discard = false
		}
		l.DiscardAlignment = 0
	})
}

func (d *Device) updateRotational() {
	rot := false
	if r, ok := d.backing.(backing.Rotational); ok {
		rot = r.Rotational()
	}
	d.disk.updateLimits(func(l *Limits) { l.Rotational = rot })
}

// changeFd swaps the store of a read-only device for one of the same size.
func (d *Device) changeFd(store backing.Store) (err error) {
	d.disk.setUeventSuppress(true)
	defer d.disk.emit(EventChange)

	isLoop := isLoopStore(store)
	d.globalLock(isLoop)
	fail := func(err error) error {
		d.globalUnlock(isLoop)
		store.Close()
		d.disk.setUeventSuppress(false)
		return err
	}
	if d.State() != Bound {
		return fail(unix.ENXIO)
	}
	if d.Flags()&FlagReadOnly == 0 {
		return fail(unix.EINVAL)
	}
	if err := d.validateFile(store); err != nil {
		return fail(err)
	}
	old := d.backing
	if d.computeSize(store) != d.computeSize(old) {
		return fail(unix.EINVAL)
	}

	d.disk.forceMediaChange()
	d.disk.freeze()
	d.setBacking(store)
	d.updateDIO()
	d.disk.unfreeze()
	partscan := d.Flags()&FlagPartScan != 0
	d.globalUnlock(isLoop)

	// wait out validators that may still look at the old store
	if !isLoop {
		d.mgr.validateMu.Lock()
		d.mgr.validateMu.Unlock()
	}
	if err := old.Close(); err != nil {
		d.log.Warnf("close %s: %v", old.Name(), err)
	}
	d.disk.setUeventSuppress(false)
	if partscan {
		d.disk.rescanPartitions()
	}
	d.log.Infof("backing store changed from %s to %s", old.Name(), store.Name())
	return nil
}

// clear unbinds the device, or marks it for autoclear while it is open
// elsewhere.
func (d *Device) clear() error {
	d.mu.Lock()
	if d.State() != Bound {
		d.mu.Unlock()
		return unix.ENXIO
	}
	if d.Refs() > 1 {
		d.setFlags(d.Flags() | FlagAutoclear)
		d.mu.Unlock()
		return nil
	}
	d.setState(Rundown)
	d.mu.Unlock()
	return d.teardown()
}

// teardown takes a Rundown device back to Unbound.
func (d *Device) teardown() error {
	// flush configure and changeFd of devices stacked on top of us
	d.mgr.validateMu.Lock()
	d.mgr.validateMu.Unlock()

	d.mu.Lock()
	if d.State() != Rundown {
		d.mu.Unlock()
		return unix.ENXIO
	}
	store := d.backing
	if store == nil {
		d.mu.Unlock()
		return unix.EINVAL
	}

	d.disk.updateLimits(func(l *Limits) { l.WriteCache = false })
	d.disk.freeze()

	d.wq.destroy()
	d.freeAllWorkers()

	d.setBacking(nil)
	if err := d.releaseXfer(); err != nil {
		d.log.Warnf("release transfer: %v", err)
		d.xfer.Put()
		d.xfer = nil
	}
	d.offset = 0
	d.sizelimit = 0
	d.keySize = 0
	d.key = [KeySize]byte{}
	d.cryptName = [NameSize]byte{}
	d.fileName = [NameSize]byte{}
	d.disk.setBlockSize(SectorSize)
	d.disk.mapping.Invalidate()
	d.disk.setCapacity(0)
	d.sysfs = false
	d.disk.emit(EventChange)
	d.disk.unfreeze()

	partscan := d.Flags()&FlagPartScan != 0
	d.disk.forceMediaChange()
	d.mu.Unlock()

	if partscan {
		d.disk.rescanPartitions()
	}

	d.mu.Lock()
	d.setFlags(0)
	if d.mgr.partShift == 0 {
		d.disk.setPartScanSuppress(true)
	}
	d.setState(Unbound)
	d.mu.Unlock()

	if err := store.Close(); err != nil {
		d.log.Warnf("close %s: %v", store.Name(), err)
	}
	d.log.Infof("unbound from %s", store.Name())
	return nil
}
