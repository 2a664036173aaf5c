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
	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/loop/transfer"
)

// setStatus changes the transfer, geometry and the status settable flags
// of a bound device.
func (d *Device) setStatus(creds Credentials, info *Info) error {
	d.mu.Lock()
	if d.keySize != 0 && d.keyOwner != creds.UID && !creds.Admin {
		d.mu.Unlock()
		return unix.EPERM
	}
	if d.State() != Bound {
		d.mu.Unlock()
		return unix.ENXIO
	}

	sizeChanged := d.offset != int64(info.Offset) || d.sizelimit != int64(info.SizeLimit)
	if sizeChanged {
		d.disk.mapping.Sync()
		d.disk.mapping.Invalidate()
	}

	// I/O must not see the configuration half way through the change
	d.disk.freeze()
	prev, err := d.setStatusFrozen(creds, info, sizeChanged)
	d.disk.unfreeze()

	partscan := err == nil && d.Flags()&FlagPartScan != 0 && prev&FlagPartScan == 0
	if partscan {
		d.disk.setPartScanSuppress(false)
	}
	d.mu.Unlock()

	if partscan {
		d.disk.rescanPartitions()
	}
	return err
}

// setStatusFrozen returns the flags from before the change.
func (d *Device) setStatusFrozen(creds Credentials, info *Info, sizeChanged bool) (Flags, error) {
	prev := d.Flags()
	if sizeChanged {
		if n := d.disk.mapping.NrPages(); n > 0 {
			d.log.Warnf("%s has still dirty pages (nrpages=%d)", cString(d.fileName[:]), n)
			return prev, unix.EAGAIN
		}
	}

	if err := d.setStatusFromInfo(info, creds.UID); err != nil {
		return prev, err
	}
	flags := d.Flags() & SetStatusSettableFlags
	flags |= prev &^ SetStatusSettableFlags
	flags |= prev &^ SetStatusClearableFlags
	d.setFlags(flags)

	if sizeChanged {
		d.setSize(d.computeSize(d.backing))
	}
	d.configDiscard()
	d.setDIO(d.UseDIO())
	return prev, nil
}

// getStatus reports the configuration of a bound device. Only admins see
// the key.
func (d *Device) getStatus(creds Credentials) (*Info, error) {
	d.mu.Lock()
	if d.State() != Bound {
		d.mu.Unlock()
		return nil, unix.ENXIO
	}
	info := &Info{
		Number:    uint32(d.number),
		Offset:    uint64(d.offset),
		SizeLimit: uint64(d.sizelimit),
		Flags:     d.Flags(),
		FileName:  d.fileName,
		CryptName: d.cryptName,
	}
	if d.xfer != nil {
		info.EncryptType = uint32(d.xfer.Number)
	}
	if d.keySize != 0 && creds.Admin {
		info.EncryptKeySize = uint32(d.keySize)
		copy(info.EncryptKey[:], d.key[:d.keySize])
	}
	store := d.backing
	d.mu.Unlock()

	// stat without the device lock, the store may be slow
	st, err := store.Stat()
	if err != nil {
		return nil, err
	}
	info.Device = st.Dev
	info.INode = st.Ino
	info.RDevice = st.Rdev
	return info, nil
}

func (d *Device) setCapacity() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() != Bound {
		return unix.ENXIO
	}
	d.setSize(d.computeSize(d.backing))
	return nil
}

func (d *Device) setDirectIO(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() != Bound {
		return unix.ENXIO
	}
	d.setDIO(on)
	if d.UseDIO() == on {
		return nil
	}
	return unix.EINVAL
}

func (d *Device) setBlockSize(bsize uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State() != Bound {
		return unix.ENXIO
	}
	if err := validateBlockSize(bsize); err != nil {
		return err
	}
	if d.disk.blockSize() == bsize {
		return nil
	}

	d.disk.mapping.Sync()
	d.disk.mapping.Invalidate()
	d.disk.freeze()
	defer d.disk.unfreeze()
	if n := d.disk.mapping.NrPages(); n > 0 {
		d.log.Warnf("%s has still dirty pages (nrpages=%d)", cString(d.fileName[:]), n)
		return unix.EAGAIN
	}
	d.disk.setBlockSize(bsize)
	d.updateDIO()
	return nil
}

// simpleIoctl runs the commands that need no argument struct. Unknown
// commands go to the transfer of the device.
func (d *Device) simpleIoctl(cmd uint, arg uintptr) error {
	switch cmd {
	case SetCapacity:
		return d.setCapacity()
	case SetDirectIO:
		return d.setDirectIO(arg != 0)
	case SetBlockSize:
		return d.setBlockSize(uint32(arg))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.xfer != nil {
		if ioc, ok := d.xfer.Plugin().(transfer.Ioctler); ok {
			return ioc.Ioctl(cmd, arg)
		}
	}
	return unix.EINVAL
}
