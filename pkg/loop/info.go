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

// OldInfo is the legacy struct loop_info with native 64-bit widths.
type OldInfo struct {
	Number         int32
	Device         uint64
	INode          uint64
	RDevice        uint64
	Offset         int32
	EncryptType    int32
	EncryptKeySize int32
	Flags          int32
	Name           [NameSize]byte
	EncryptKey     [KeySize]byte
	Init           [2]uint64
}

// CompatInfo is struct compat_loop_info as seen by 32-bit callers.
type CompatInfo struct {
	Number         int32
	Device         uint16
	INode          uint32
	RDevice        uint16
	Offset         int32
	EncryptType    int32
	EncryptKeySize int32
	Flags          int32
	Name           [NameSize]byte
	EncryptKey     [KeySize]byte
	Init           [2]uint32
}

// Info widens a legacy status. The size limit cannot be expressed and is 0.
func (o *OldInfo) Info() *Info {
	info := &Info{
		Number:         uint32(o.Number),
		Device:         o.Device,
		INode:          o.INode,
		RDevice:        o.RDevice,
		Offset:         uint64(int64(o.Offset)),
		EncryptType:    uint32(o.EncryptType),
		EncryptKeySize: uint32(o.EncryptKeySize),
		Flags:          Flags(uint32(o.Flags)),
		EncryptKey:     o.EncryptKey,
		Init:           o.Init,
	}
	legacyName(info, o.Name)
	return info
}

// NewOldInfo narrows info. EOVERFLOW reports a field that does not fit.
func NewOldInfo(info *Info) (*OldInfo, error) {
	o := &OldInfo{
		Number:         int32(info.Number),
		Device:         info.Device,
		INode:          info.INode,
		RDevice:        info.RDevice,
		Offset:         int32(info.Offset),
		EncryptType:    int32(info.EncryptType),
		EncryptKeySize: int32(info.EncryptKeySize),
		Flags:          int32(info.Flags),
		Name:           legacyNameOf(info),
		EncryptKey:     info.EncryptKey,
		Init:           info.Init,
	}
	if uint64(int64(o.Offset)) != info.Offset {
		return nil, unix.EOVERFLOW
	}
	return o, nil
}

// Info widens a compat status.
func (c *CompatInfo) Info() *Info {
	info := &Info{
		Number:         uint32(c.Number),
		Device:         uint64(c.Device),
		INode:          uint64(c.INode),
		RDevice:        uint64(c.RDevice),
		Offset:         uint64(int64(c.Offset)),
		EncryptType:    uint32(c.EncryptType),
		EncryptKeySize: uint32(c.EncryptKeySize),
		Flags:          Flags(uint32(c.Flags)),
		EncryptKey:     c.EncryptKey,
		Init:           [2]uint64{uint64(c.Init[0]), uint64(c.Init[1])},
	}
	legacyName(info, c.Name)
	return info
}

// NewCompatInfo narrows info to the 32-bit layout.
func NewCompatInfo(info *Info) (*CompatInfo, error) {
	c := &CompatInfo{
		Number:         int32(info.Number),
		Device:         uint16(info.Device),
		INode:          uint32(info.INode),
		RDevice:        uint16(info.RDevice),
		Offset:         int32(info.Offset),
		EncryptType:    int32(info.EncryptType),
		EncryptKeySize: int32(info.EncryptKeySize),
		Flags:          int32(info.Flags),
		Name:           legacyNameOf(info),
		EncryptKey:     info.EncryptKey,
		Init:           [2]uint32{uint32(info.Init[0]), uint32(info.Init[1])},
	}
	if uint64(c.Device) != info.Device ||
		uint64(c.RDevice) != info.RDevice ||
		uint64(c.INode) != info.INode ||
		uint64(int64(c.Offset)) != info.Offset ||
		uint64(c.Init[0]) != info.Init[0] ||
		uint64(c.Init[1]) != info.Init[1] {
		return nil, unix.EOVERFLOW
	}
	return c, nil
}

// The legacy layouts have a single name, it is the crypt name for the
// cryptoapi transfer and the file name otherwise.
func legacyName(info *Info, name [NameSize]byte) {
	if info.EncryptType == transfer.CryptoAPI {
		info.CryptName = name
	} else {
		info.FileName = name
	}
}

func legacyNameOf(info *Info) [NameSize]byte {
	if info.EncryptType == transfer.CryptoAPI {
		return info.CryptName
	}
	return info.FileName
}
