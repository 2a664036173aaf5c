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
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/loop/backing"
	"github.com/baidu/easyloop/pkg/loop/transfer"
)

// checkBackingInvariant asserts a store is bound exactly in Bound and Rundown.
func checkBackingInvariant(t *testing.T, d *Device) {
	t.Helper()
	switch d.State() {
	case Bound, Rundown:
		assert.NotNil(t, d.Backing(), "state %s", d.State())
	default:
		assert.Nil(t, d.Backing(), "state %s", d.State())
	}
}

func TestConfigureClear(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	d, _ := m.Lookup(0)
	checkBackingInvariant(t, d)

	f, store := bindMemory(t, m, 0, 8192, backing.MemoryOptions{Name: "/tmp/disk.img"}, Config{})
	assert.Equal(t, Bound, d.State())
	assert.Equal(t, uint64(16), d.Disk().Capacity())
	assert.Equal(t, Flags(0), d.Flags())
	assert.True(t, d.Disk().Limits().WriteCache)
	checkBackingInvariant(t, d)

	require.NoError(t, f.Clear())
	assert.Equal(t, Unbound, d.State())
	assert.Equal(t, uint64(0), d.Disk().Capacity())
	assert.True(t, store.Closed())
	checkBackingInvariant(t, d)

	assert.Equal(t, unix.ENXIO, f.Clear(), "a second clear is rejected")
	_, err := f.GetStatus()
	assert.Equal(t, unix.ENXIO, err)
}

func TestConfigureErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		err  error
	}{
		{name: "unsettable flag", cfg: Config{Info: Info{Flags: 2}}, err: unix.EINVAL},
		{name: "small block size", cfg: Config{BlockSize: 256}, err: unix.EINVAL},
		{name: "odd block size", cfg: Config{BlockSize: 1536}, err: unix.EINVAL},
		{name: "large block size", cfg: Config{BlockSize: 8192}, err: unix.EINVAL},
		{name: "long key", cfg: Config{Info: Info{EncryptType: transfer.XOR, EncryptKeySize: KeySize + 1}}, err: unix.EINVAL},
		{name: "unregistered transfer", cfg: Config{Info: Info{EncryptType: 5}}, err: unix.EINVAL},
		{name: "transfer out of range", cfg: Config{Info: Info{EncryptType: transfer.MaxSlots}}, err: unix.EINVAL},
		{name: "xor without key", cfg: Config{Info: Info{EncryptType: transfer.XOR}}, err: unix.EINVAL},
		{name: "offset overflow", cfg: Config{Info: Info{Offset: math.MaxInt64 + 1}}, err: unix.EOVERFLOW},
		{name: "sizelimit overflow", cfg: Config{Info: Info{SizeLimit: math.MaxUint64}}, err: unix.EOVERFLOW},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := newTestManager(t, Options{MaxLoop: 1})
			d, _ := m.Lookup(0)
			f := openDevice(t, m, 0, ModeRead|ModeWrite, adminCreds)
			store := backing.NewMemory(4096, backing.MemoryOptions{})

			assert.Equal(t, c.err, f.Configure(store, c.cfg))
			assert.True(t, store.Closed(), "a failed configure closes the store")
			assert.Equal(t, Unbound, d.State())
			checkBackingInvariant(t, d)
			assert.Equal(t, 0, m.Transfers().Refs(transfer.XOR))
		})
	}
}

func TestConfigureBusy(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, first := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{})

	second := backing.NewMemory(4096, backing.MemoryOptions{})
	assert.Equal(t, unix.EBUSY, f.Configure(second, Config{}))
	assert.True(t, second.Closed())
	assert.False(t, first.Closed())
}

func TestConfigureExclusiveClaim(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	openDevice(t, m, 0, ModeRead|ModeExclusive, adminCreds)
	other := openDevice(t, m, 0, ModeRead|ModeWrite, adminCreds)

	store := backing.NewMemory(4096, backing.MemoryOptions{})
	assert.Equal(t, unix.EBUSY, other.Configure(store, Config{}))
	assert.True(t, store.Closed())
}

func TestConfigureReadOnly(t *testing.T) {
	cases := []struct {
		name  string
		mode  OpenMode
		store backing.MemoryOptions
		flags Flags
	}{
		{name: "read-only store", mode: ModeRead | ModeWrite, store: backing.MemoryOptions{ReadOnly: true}},
		{name: "read-only handle", mode: ModeRead},
		{name: "requested", mode: ModeRead | ModeWrite, flags: FlagReadOnly},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := newTestManager(t, Options{MaxLoop: 1})
			f := openDevice(t, m, 0, c.mode, adminCreds)
			require.NoError(t, f.Configure(backing.NewMemory(4096, c.store), Config{Info: Info{Flags: c.flags}}))

			d := f.Device()
			assert.Equal(t, FlagReadOnly, d.Flags()&FlagReadOnly)
			assert.True(t, d.Disk().Limits().ReadOnly)
			assert.False(t, d.Disk().Limits().WriteCache)

			req := &Request{Op: OpWrite, Segments: [][]byte{pattern(512, 1)}}
			require.NoError(t, f.Submit(testContext(t), req))
			assert.Equal(t, unix.EIO, req.Wait(testContext(t)))
		})
	}
}

func TestConfigureBlockSize(t *testing.T) {
	cases := []struct {
		name  string
		cfg   Config
		store backing.MemoryOptions
		want  uint32
	}{
		{name: "default", want: 512},
		{name: "explicit", cfg: Config{BlockSize: 4096}, want: 4096},
		{name: "explicit wins", cfg: Config{BlockSize: 1024}, store: backing.MemoryOptions{DirectIOBlockSize: 4096}, want: 1024},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := newTestManager(t, Options{MaxLoop: 1})
			f, _ := bindMemory(t, m, 0, 65536, c.store, c.cfg)
			l := f.Device().Disk().Limits()
			assert.Equal(t, c.want, l.LogicalBlockSize)
			assert.Equal(t, c.want, l.PhysicalBlockSize)
			assert.Equal(t, c.want, l.IOMin)
		})
	}
}

func TestConfigureBlockSizeFromDirectStore(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	store := backing.NewMemory(65536, backing.MemoryOptions{DirectIO: true, DirectIOBlockSize: 4096})
	require.NoError(t, store.SetDirectIO(true))
	f := openDevice(t, m, 0, ModeRead|ModeWrite, adminCreds)
	require.NoError(t, f.Configure(store, Config{}))

	d := f.Device()
	assert.Equal(t, uint32(4096), d.Disk().Limits().LogicalBlockSize)
	assert.True(t, d.UseDIO(), "a store opened for direct I/O keeps it")
	assert.Equal(t, FlagDirectIO, d.Flags()&FlagDirectIO)
}

func TestConfigureOffsetBeyondEnd(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, _ := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{Info: Info{Offset: 1 << 20}})
	assert.Equal(t, Bound, f.Device().State())
	assert.Equal(t, uint64(0), f.Device().Disk().Capacity())
}

func TestLoopSize(t *testing.T) {
	cases := []struct {
		offset, sizelimit, size int64
		want                    uint64
	}{
		{size: 4096, want: 8},
		{offset: 1024, size: 4096, want: 6},
		{offset: 8192, size: 4096, want: 0},
		{sizelimit: 1024, size: 4096, want: 2},
		{sizelimit: 1 << 20, size: 4096, want: 8},
		{offset: 512, sizelimit: 1000, size: 4096, want: 1},
		{size: 1000, want: 1},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, loopSize(c.offset, c.sizelimit, c.size), "%+v", c)
	}
}

func TestConfigurePartScan(t *testing.T) {
	t.Run("requested", func(t *testing.T) {
		m := newTestManager(t, Options{MaxLoop: 1})
		f, _ := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{Info: Info{Flags: FlagPartScan}})
		assert.Equal(t, 1, f.Device().Disk().PartScans())
	})
	t.Run("forced by partitions", func(t *testing.T) {
		m := newTestManager(t, Options{MaxLoop: 1, MaxPart: 15})
		f, _ := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{})
		assert.Equal(t, FlagPartScan, f.Device().Flags()&FlagPartScan)
		assert.Equal(t, 1, f.Device().Disk().PartScans())
	})
	t.Run("off", func(t *testing.T) {
		m := newTestManager(t, Options{MaxLoop: 1})
		f, _ := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{})
		assert.Equal(t, 0, f.Device().Disk().PartScans())
	})
}

func TestConfigureEvents(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	events, cancel := m.Subscribe(32)
	defer cancel()

	f, _ := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{})
	ev := recvEvent(t, events, EventChange)
	assert.Equal(t, 0, ev.Device)
	assert.False(t, ev.Resize)

	require.NoError(t, f.Clear())
	recvEvent(t, events, EventChange)
	recvEvent(t, events, EventMediaChange)
}

func TestDiscardLimits(t *testing.T) {
	cases := []struct {
		name    string
		store   backing.Store
		info    Info
		discard bool
		max     uint32
		gran    uint32
	}{
		{
			name:    "regular file",
			store:   backing.NewMemory(4096, backing.MemoryOptions{FSBlockSize: 4096}),
			discard: true,
			max:     maxDiscardSectors,
			gran:    4096,
		},
		{
			name:  "no fallocate",
			store: backing.Plain(backing.NewMemory(4096, backing.MemoryOptions{})),
		},
		{
			name:  "encrypted",
			store: backing.NewMemory(4096, backing.MemoryOptions{}),
			info:  Info{EncryptType: transfer.XOR, EncryptKeySize: 1, EncryptKey: [KeySize]byte{'k'}},
		},
		{
			name: "block device",
			store: backing.NewMemory(4096, backing.MemoryOptions{
				Kind:   backing.Block,
				Limits: backing.BlockLimits{PhysicalBlockSize: 4096, MaxWriteZeroesSectors: 2048},
			}),
			discard: true,
			max:     2048,
			gran:    4096,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := newTestManager(t, Options{MaxLoop: 1})
			f := openDevice(t, m, 0, ModeRead|ModeWrite, adminCreds)
			require.NoError(t, f.Configure(c.store, Config{Info: c.info}))

			l := f.Device().Disk().Limits()
			assert.Equal(t, c.discard, l.Discard)
			assert.Equal(t, c.max, l.MaxDiscardSectors)
			assert.Equal(t, c.max, l.MaxWriteZeroesSectors)
			assert.Equal(t, c.gran, l.DiscardGranularity)
			assert.Equal(t, uint32(0), l.DiscardAlignment)
		})
	}
}

func TestSetStatusMasking(t *testing.T) {
	cases := []struct {
		name string
		prev Flags
		set  Flags
		want Flags
	}{
		{name: "read-only is kept", prev: FlagReadOnly, set: 0, want: FlagReadOnly},
		{name: "read-only cannot be set", prev: 0, set: FlagReadOnly, want: 0},
		{name: "autoclear is set", prev: 0, set: FlagAutoclear, want: FlagAutoclear},
		{name: "autoclear is cleared", prev: FlagAutoclear, set: 0, want: 0},
		{name: "partscan is set", prev: 0, set: FlagPartScan, want: FlagPartScan},
		{name: "partscan cannot be cleared", prev: FlagPartScan, set: 0, want: FlagPartScan},
		{name: "direct I/O cannot be set", prev: 0, set: FlagDirectIO, want: 0},
		{
			name: "mixed",
			prev: FlagReadOnly | FlagAutoclear,
			set:  FlagPartScan | FlagDirectIO,
			want: FlagReadOnly | FlagPartScan,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := newTestManager(t, Options{MaxLoop: 1})
			f, _ := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{Info: Info{Flags: c.prev}})
			require.Equal(t, c.prev, f.Device().Flags())

			info, err := f.GetStatus()
			require.NoError(t, err)
			info.Flags = c.set
			require.NoError(t, f.SetStatus(info))

			got, err := f.GetStatus()
			require.NoError(t, err)
			assert.Equal(t, c.want, got.Flags)
			info.Flags = c.want
			assert.Empty(t, cmp.Diff(info, got))
		})
	}
}

func TestSetStatusPartScanRescans(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, _ := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{})
	disk := f.Device().Disk()
	require.Equal(t, 0, disk.PartScans())

	info, err := f.GetStatus()
	require.NoError(t, err)
	info.Flags = FlagPartScan
	require.NoError(t, f.SetStatus(info))
	assert.Equal(t, 1, disk.PartScans())

	require.NoError(t, f.SetStatus(info))
	assert.Equal(t, 1, disk.PartScans(), "only a newly set partscan rescans")
}

func TestSetStatusGeometry(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	events, cancel := m.Subscribe(32)
	defer cancel()
	f, _ := bindMemory(t, m, 0, 8192, backing.MemoryOptions{}, Config{})
	d := f.Device()

	info, err := f.GetStatus()
	require.NoError(t, err)
	info.Offset = 1024
	info.SizeLimit = 2048
	info.SetFileName("/srv/disk.img")
	require.NoError(t, f.SetStatus(info))

	assert.Equal(t, uint64(4), d.Disk().Capacity())
	ev := recvEvent(t, events, EventChange)
	for !ev.Resize {
		ev = recvEvent(t, events, EventChange)
	}
	got, err := f.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), got.Offset)
	assert.Equal(t, uint64(2048), got.SizeLimit)
	assert.Equal(t, "/srv/disk.img", got.FileNameString())
}

func TestSetStatusErrorsLeaveStateAlone(t *testing.T) {
	cases := []struct {
		name   string
		modify func(info *Info)
		err    error
	}{
		{name: "long key", modify: func(info *Info) { info.EncryptKeySize = KeySize + 1 }, err: unix.EINVAL},
		{name: "unregistered transfer", modify: func(info *Info) { info.EncryptType = 7 }, err: unix.EINVAL},
		{name: "offset overflow", modify: func(info *Info) { info.Offset = math.MaxUint64 }, err: unix.EOVERFLOW},
		{name: "failed init", modify: func(info *Info) { info.EncryptType = transfer.XOR }, err: unix.EINVAL},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := newTestManager(t, Options{MaxLoop: 1})
			f, _ := bindMemory(t, m, 0, 8192, backing.MemoryOptions{}, Config{Info: Info{Offset: 512, Flags: FlagAutoclear}})
			before, err := f.GetStatus()
			require.NoError(t, err)

			info := *before
			info.Offset = 0
			c.modify(&info)
			assert.Equal(t, c.err, f.SetStatus(&info))

			after, err := f.GetStatus()
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(before, after))
			assert.Equal(t, uint64(15), f.Device().Disk().Capacity())
		})
	}
}

func TestSetStatusDirtyMapping(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, _ := bindMemory(t, m, 0, 8192, backing.MemoryOptions{}, Config{})
	mapping := f.Device().Disk().Mapping()
	mapping.Cache(4)
	mapping.Pin(1)

	info, err := f.GetStatus()
	require.NoError(t, err)
	info.Offset = 4096
	assert.Equal(t, unix.EAGAIN, f.SetStatus(info))
	assert.Equal(t, uint64(16), f.Device().Disk().Capacity())
	assert.Equal(t, 1, mapping.NrPages(), "clean pages were invalidated")

	assert.Equal(t, unix.EAGAIN, f.SetBlockSize(1024))

	mapping.Unpin(1)
	require.NoError(t, f.SetStatus(info))
	assert.Equal(t, uint64(8), f.Device().Disk().Capacity())
	require.NoError(t, f.SetBlockSize(1024))
	assert.Equal(t, uint32(1024), f.Device().Disk().Limits().LogicalBlockSize)
}

func TestStatusPermissions(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	owner := openDevice(t, m, 0, ModeRead|ModeWrite, Credentials{UID: 1000})
	var info Info
	info.EncryptType = transfer.XOR
	info.SetKey([]byte("secret"))
	require.NoError(t, owner.Configure(backing.NewMemory(4096, backing.MemoryOptions{}), Config{Info: info}))

	stranger := openDevice(t, m, 0, ModeRead|ModeWrite, Credentials{UID: 1001})
	reader := openDevice(t, m, 0, ModeRead, Credentials{UID: 1000})
	admin := openDevice(t, m, 0, ModeRead, adminCreds)

	got, err := stranger.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), got.EncryptKeySize, "the key is hidden from non-admins")
	assert.Equal(t, uint32(transfer.XOR), got.EncryptType)
	assert.Equal(t, unix.EPERM, stranger.SetStatus(got))
	assert.Equal(t, unix.EPERM, reader.SetStatus(got), "status changes need a writable handle")

	got, err = admin.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, uint32(6), got.EncryptKeySize)
	assert.Equal(t, "secret", string(got.EncryptKey[:got.EncryptKeySize]))
	require.NoError(t, owner.SetStatus(got))
	require.NoError(t, admin.SetStatus(got), "admins may change another owner's status")
}

func TestLegacyStatus(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, _ := bindMemory(t, m, 0, 1<<20, backing.MemoryOptions{Rdev: 1 << 20}, Config{})

	old, err := f.GetStatusOld()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<20), old.RDevice)

	_, err = f.GetStatusCompat()
	assert.Equal(t, unix.EOVERFLOW, err, "rdevice does not fit 16 bits")

	old.Offset = 4096
	old.Flags = int32(FlagAutoclear)
	copy(old.Name[:], "legacy.img")
	require.NoError(t, f.SetStatusOld(old))

	info, err := f.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, uint64(4096), info.Offset)
	assert.Equal(t, uint64(0), info.SizeLimit)
	assert.Equal(t, FlagAutoclear, info.Flags)
	assert.Equal(t, "legacy.img", info.FileNameString())
}

func TestLegacyStatusOffsetOverflow(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, _ := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{Info: Info{Offset: 1 << 32}})

	_, err := f.GetStatusOld()
	assert.Equal(t, unix.EOVERFLOW, err)
	_, err = f.GetStatusCompat()
	assert.Equal(t, unix.EOVERFLOW, err)
	_, err = f.GetStatus()
	assert.NoError(t, err)
}

func TestSetCapacity(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	events, cancel := m.Subscribe(32)
	defer cancel()
	f, store := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{})

	store.Truncate(8192)
	assert.Equal(t, uint64(8), f.Device().Disk().Capacity(), "growth is picked up on request")
	require.NoError(t, f.SetCapacity())
	assert.Equal(t, uint64(16), f.Device().Disk().Capacity())

	ev := recvEvent(t, events, EventChange)
	for !ev.Resize {
		ev = recvEvent(t, events, EventChange)
	}
}

func TestSetDirectIO(t *testing.T) {
	t.Run("unsupported", func(t *testing.T) {
		m := newTestManager(t, Options{MaxLoop: 1})
		f, _ := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{})
		assert.Equal(t, unix.EINVAL, f.SetDirectIO(true))
		assert.False(t, f.Device().UseDIO())
		assert.NoError(t, f.SetDirectIO(false))
	})
	t.Run("supported", func(t *testing.T) {
		m := newTestManager(t, Options{MaxLoop: 1})
		f, store := bindMemory(t, m, 0, 4096, backing.MemoryOptions{DirectIO: true, DirectIOBlockSize: 512}, Config{})
		require.NoError(t, f.SetDirectIO(true))
		assert.True(t, f.Device().UseDIO())
		assert.True(t, store.DirectIO())
		assert.Equal(t, FlagDirectIO, f.Device().Flags()&FlagDirectIO)
		assert.False(t, f.Device().Disk().Limits().NoMerges)

		require.NoError(t, f.SetDirectIO(false))
		assert.False(t, store.DirectIO())
		assert.True(t, f.Device().Disk().Limits().NoMerges)
	})
	t.Run("block size too small", func(t *testing.T) {
		m := newTestManager(t, Options{MaxLoop: 1})
		f, _ := bindMemory(t, m, 0, 65536, backing.MemoryOptions{DirectIO: true, DirectIOBlockSize: 4096}, Config{Info: Info{Flags: FlagDirectIO}})
		assert.False(t, f.Device().UseDIO())
		assert.Equal(t, Flags(0), f.Device().Flags()&FlagDirectIO)

		require.NoError(t, f.SetBlockSize(4096))
		require.NoError(t, f.SetDirectIO(true))
		assert.True(t, f.Device().UseDIO())
	})
	t.Run("misaligned offset", func(t *testing.T) {
		m := newTestManager(t, Options{MaxLoop: 1})
		f, _ := bindMemory(t, m, 0, 65536, backing.MemoryOptions{DirectIO: true, DirectIOBlockSize: 4096}, Config{BlockSize: 4096, Info: Info{Offset: 512}})
		assert.Equal(t, unix.EINVAL, f.SetDirectIO(true))
	})
	t.Run("transfer", func(t *testing.T) {
		m := newTestManager(t, Options{MaxLoop: 1})
		var info Info
		info.EncryptType = transfer.XOR
		info.SetKey([]byte{7})
		f, _ := bindMemory(t, m, 0, 4096, backing.MemoryOptions{DirectIO: true, DirectIOBlockSize: 512}, Config{Info: info})
		assert.Equal(t, unix.EINVAL, f.SetDirectIO(true))
	})
}

func TestSimpleIoctlsNeedBinding(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f := openDevice(t, m, 0, ModeRead|ModeWrite, adminCreds)
	assert.Equal(t, unix.ENXIO, f.SetCapacity())
	assert.Equal(t, unix.ENXIO, f.SetDirectIO(true))
	assert.Equal(t, unix.ENXIO, f.SetBlockSize(1024))
	assert.Equal(t, unix.ENXIO, f.ChangeFd(backing.NewMemory(4096, backing.MemoryOptions{})))
}

type ioctlTransfer struct {
	cmds []uint
}

func (p *ioctlTransfer) Name() string                 { return "ioctl" }
func (p *ioctlTransfer) Init([]byte, [2]uint64) error { return nil }
func (p *ioctlTransfer) Release() error               { return nil }

func (p *ioctlTransfer) Transfer(_ transfer.Direction, _ []byte, dst, src []byte, _ uint64) error {
	copy(dst, src)
	return nil
}

func (p *ioctlTransfer) Ioctl(cmd uint, arg uintptr) error {
	p.cmds = append(p.cmds, cmd)
	return nil
}

func TestIoctl(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	plugin := &ioctlTransfer{}
	require.NoError(t, m.RegisterTransfer(4, plugin))
	defer m.UnregisterTransfer(4)

	f, _ := bindMemory(t, m, 0, 8192, backing.MemoryOptions{}, Config{})
	reader := openDevice(t, m, 0, ModeRead, Credentials{UID: 1000})

	assert.Equal(t, unix.ENOTTY, f.Ioctl(SetStatus64, 0))
	assert.Equal(t, unix.ENOTTY, f.Ioctl(Configure, 0))
	assert.Equal(t, unix.EINVAL, f.Ioctl(0x4CFF, 0), "unknown without a transfer")
	assert.Equal(t, unix.EPERM, reader.Ioctl(SetCapacity, 0))
	assert.Equal(t, unix.EPERM, reader.SetBlockSize(1024))
	require.NoError(t, f.Ioctl(SetBlockSize, 2048))
	assert.Equal(t, uint32(2048), f.Device().Disk().Limits().LogicalBlockSize)

	info, err := f.GetStatus()
	require.NoError(t, err)
	info.EncryptType = 4
	require.NoError(t, f.SetStatus(info))
	assert.Equal(t, 1, m.Transfers().Refs(4))
	require.NoError(t, f.Ioctl(0x4CFF, 0))
	assert.Equal(t, []uint{0x4CFF}, plugin.cmds)

	require.NoError(t, reader.Close())
	require.NoError(t, f.Ioctl(ClrFd, 0))
	assert.Equal(t, Unbound, f.Device().State())
	assert.Equal(t, 0, m.Transfers().Refs(4))
}

func TestIoctlSetFd(t *testing.T) {
	store := backing.NewMemory(4096, backing.MemoryOptions{})
	var gotFD uintptr
	var gotWrite bool
	m := newTestManager(t, Options{MaxLoop: 1, FDOpener: func(fd uintptr, write bool) (backing.Store, error) {
		gotFD, gotWrite = fd, write
		return store, nil
	}})
	f := openDevice(t, m, 0, ModeRead|ModeWrite, adminCreds)

	require.NoError(t, f.Ioctl(SetFd, 9))
	assert.Equal(t, uintptr(9), gotFD)
	assert.True(t, gotWrite)
	assert.Equal(t, Bound, f.Device().State())
	assert.Equal(t, uint32(512), f.Device().Disk().Limits().LogicalBlockSize)
}

func TestChangeFd(t *testing.T) {
	t.Run("needs read-only", func(t *testing.T) {
		m := newTestManager(t, Options{MaxLoop: 1})
		f, _ := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{})
		next := backing.NewMemory(4096, backing.MemoryOptions{})
		assert.Equal(t, unix.EINVAL, f.ChangeFd(next))
		assert.True(t, next.Closed())
	})
	t.Run("size must match", func(t *testing.T) {
		m := newTestManager(t, Options{MaxLoop: 1})
		f, old := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{Info: Info{Flags: FlagReadOnly}})
		next := backing.NewMemory(8192, backing.MemoryOptions{})
		assert.Equal(t, unix.EINVAL, f.ChangeFd(next))
		assert.True(t, next.Closed())
		assert.False(t, old.Closed())
		assert.Equal(t, backing.Store(old), f.Device().Backing())
	})
	t.Run("swap", func(t *testing.T) {
		m := newTestManager(t, Options{MaxLoop: 1})
		f, old := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{Info: Info{Flags: FlagReadOnly}})
		next := backing.NewMemory(4096, backing.MemoryOptions{Name: "next"})
		_, err := next.WriteAt(pattern(512, 0x5A), 0)
		require.NoError(t, err)

		require.NoError(t, f.ChangeFd(next))
		assert.True(t, old.Closed())
		assert.Equal(t, backing.Store(next), f.Device().Backing())
		assert.Equal(t, uint64(8), f.Device().Disk().Capacity())

		buf := make([]byte, 512)
		_, err = f.ReadAt(buf, 0)
		require.NoError(t, err)
		assert.Equal(t, pattern(512, 0x5A), buf)
	})
}

func TestLoopOnLoop(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 2})
	lower, _ := bindMemory(t, m, 0, 8192, backing.MemoryOptions{}, Config{Info: Info{Flags: FlagReadOnly}})

	upperStore := openDevice(t, m, 0, ModeRead, adminCreds)
	upper := openDevice(t, m, 1, ModeRead|ModeWrite, adminCreds)
	require.NoError(t, upper.Configure(upperStore, Config{}))
	assert.Equal(t, uint64(16), upper.Device().Disk().Capacity())
	assert.Equal(t, FlagReadOnly, upper.Device().Flags()&FlagReadOnly)

	// pointing the lower device at the upper one would close the loop
	back := openDevice(t, m, 1, ModeRead, adminCreds)
	assert.Equal(t, unix.EBADF, lower.ChangeFd(back))
	assert.Equal(t, Bound, lower.Device().State())

	require.NoError(t, upper.Clear())
	assert.Equal(t, 1, lower.Device().Refs(), "the upper device dropped its handle on the lower one")
}

func TestConfigureOnSelf(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f := openDevice(t, m, 0, ModeRead|ModeWrite, adminCreds)
	self := openDevice(t, m, 0, ModeRead, adminCreds)
	assert.Equal(t, unix.EBADF, f.Configure(self, Config{}))
}

func TestConfigureOnUnboundLoop(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 2})
	f := openDevice(t, m, 1, ModeRead|ModeWrite, adminCreds)
	lower, err := m.Open(0, OpenOptions{Mode: ModeRead})
	require.NoError(t, err)
	assert.Equal(t, unix.EINVAL, f.Configure(lower, Config{}))
	assert.Equal(t, 0, lower.Device().Refs(), "the rejected store was closed")
}

func TestAutoclear(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, store := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{})
	other := openDevice(t, m, 0, ModeRead, adminCreds)
	d := f.Device()

	require.NoError(t, f.Clear())
	assert.Equal(t, Bound, d.State(), "clear is deferred while another handle is open")
	assert.Equal(t, FlagAutoclear, d.Flags()&FlagAutoclear)

	require.NoError(t, f.Close())
	assert.Equal(t, Bound, d.State())
	require.NoError(t, other.Close())
	assert.Equal(t, Unbound, d.State())
	assert.True(t, store.Closed())
	assert.Equal(t, Flags(0), d.Flags())
}

func TestAutoclearFlagOnLastClose(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	store := backing.NewMemory(4096, backing.MemoryOptions{})
	f, err := m.Open(0, OpenOptions{Mode: ModeRead | ModeWrite})
	require.NoError(t, err)
	require.NoError(t, f.Configure(store, Config{Info: Info{Flags: FlagAutoclear}}))

	require.NoError(t, f.Close())
	assert.Equal(t, Unbound, f.Device().State())
	assert.True(t, store.Closed())
	assert.Equal(t, unix.EBADF, f.Close())
}

func TestAttributes(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	d, _ := m.Lookup(0)
	_, err := d.Attribute("offset")
	assert.Equal(t, unix.ENOENT, err)

	f, _ := bindMemory(t, m, 0, 8192, backing.MemoryOptions{Name: "/img/a.raw"}, Config{Info: Info{Offset: 1024, Flags: FlagAutoclear}})
	want := map[string]string{
		"backing_file": "/img/a.raw\n",
		"offset":       "1024\n",
		"sizelimit":    "0\n",
		"autoclear":    "1\n",
		"partscan":     "0\n",
		"dio":          "0\n",
	}
	assert.Equal(t, []string{"autoclear", "backing_file", "dio", "offset", "partscan", "sizelimit"}, AttributeNames())
	for name, value := range want {
		got, err := d.Attribute(name)
		require.NoError(t, err, name)
		assert.Equal(t, value, got, name)
	}
	_, err = d.Attribute("nope")
	assert.Equal(t, unix.ENOENT, err)

	require.NoError(t, f.Clear())
	_, err = d.Attribute("backing_file")
	assert.Equal(t, unix.ENOENT, err)
}
