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

	"github.com/baidu/easyloop/pkg/loop/transfer"
)

func sampleInfo() *Info {
	info := &Info{
		Device:      0x801,
		INode:       42,
		RDevice:     0,
		Offset:      4096,
		Number:      3,
		EncryptType: transfer.XOR,
		Flags:       FlagAutoclear | FlagReadOnly,
		Init:        [2]uint64{1, 2},
	}
	info.SetFileName("/var/lib/images/root.img")
	info.SetKey([]byte{0xde, 0xad})
	return info
}

func TestOldInfoRoundTrip(t *testing.T) {
	info := sampleInfo()
	old, err := NewOldInfo(info)
	require.NoError(t, err)
	assert.Equal(t, int32(4096), old.Offset)
	assert.Equal(t, int32(FlagAutoclear|FlagReadOnly), old.Flags)

	back := old.Info()
	assert.Empty(t, cmp.Diff(info, back))
}

func TestCompatInfoRoundTrip(t *testing.T) {
	info := sampleInfo()
	c, err := NewCompatInfo(info)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x801), c.Device)
	assert.Equal(t, [2]uint32{1, 2}, c.Init)
	assert.Empty(t, cmp.Diff(info, c.Info()))
}

func TestLegacySizeLimitDropped(t *testing.T) {
	info := sampleInfo()
	info.SizeLimit = 1 << 20
	old, err := NewOldInfo(info)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), old.Info().SizeLimit)
}

func TestLegacyInfoOverflow(t *testing.T) {
	cases := []struct {
		name   string
		modify func(info *Info)
		old    bool
		compat bool
	}{
		{name: "offset", modify: func(info *Info) { info.Offset = math.MaxInt32 + 1 }, old: true, compat: true},
		{name: "negative offset", modify: func(info *Info) { info.Offset = math.MaxUint64 }, old: false, compat: false},
		{name: "device", modify: func(info *Info) { info.Device = 1 << 16 }, compat: true},
		{name: "rdevice", modify: func(info *Info) { info.RDevice = 1 << 16 }, compat: true},
		{name: "inode", modify: func(info *Info) { info.INode = 1 << 32 }, compat: true},
		{name: "init0", modify: func(info *Info) { info.Init[0] = 1 << 32 }, compat: true},
		{name: "init1", modify: func(info *Info) { info.Init[1] = 1 << 40 }, compat: true},
		{name: "fits", modify: func(info *Info) {}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			info := sampleInfo()
			c.modify(info)

			_, err := NewOldInfo(info)
			if c.old {
				assert.Equal(t, unix.EOVERFLOW, err)
			} else {
				assert.NoError(t, err)
			}
			_, err = NewCompatInfo(info)
			if c.compat {
				assert.Equal(t, unix.EOVERFLOW, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLegacyNameSlot(t *testing.T) {
	old := &OldInfo{EncryptType: transfer.CryptoAPI}
	copy(old.Name[:], "aes")
	info := old.Info()
	assert.Equal(t, "aes", info.CryptNameString())
	assert.Equal(t, "", info.FileNameString())

	back, err := NewOldInfo(info)
	require.NoError(t, err)
	assert.Equal(t, old.Name, back.Name)

	old = &OldInfo{EncryptType: transfer.XOR}
	copy(old.Name[:], "file.img")
	info = old.Info()
	assert.Equal(t, "file.img", info.FileNameString())
	assert.Equal(t, "", info.CryptNameString())
}

func TestInfoNames(t *testing.T) {
	var info Info
	long := make([]byte, 100)
	for i := range long {
		long[i] = 'a'
	}
	info.SetFileName(string(long))
	assert.Len(t, info.FileNameString(), NameSize-1)
	assert.Equal(t, byte(0), info.FileName[NameSize-1])

	info.SetKey(make([]byte, 40))
	assert.Equal(t, uint32(KeySize), info.EncryptKeySize)
}

func TestFlagsString(t *testing.T) {
	assert.Equal(t, "0", Flags(0).String())
	assert.Equal(t, "READ_ONLY|PARTSCAN", (FlagReadOnly | FlagPartScan).String())
	assert.Equal(t, "AUTOCLEAR|DIRECT_IO", (FlagDirectIO | FlagAutoclear).String())
	assert.Equal(t, "rundown", Rundown.String())
}
