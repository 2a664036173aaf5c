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

// Package loop implements loopback block devices on top of ordinary files.
//
// A Manager owns every device. A device starts Unbound, is bound to a
// backing store with Configure, serves block requests through a pool of
// per group workers while Bound, and goes back to Unbound through Clear.
package loop

import (
	"strings"

	"github.com/baidu/easyloop/pkg/blkcg"
)

const (
	// general constants
	NameSize = 64
	KeySize  = 32
	Major    = 7

	SectorShift = 9
	SectorSize  = 1 << SectorShift

	// DeviceFormatString holds the name format of loopback devices
	DeviceFormatString = "loop%d"

	// ioctl commands
	SetFd        = 0x4C00
	ClrFd        = 0x4C01
	SetStatus    = 0x4C02
	GetStatus    = 0x4C03
	SetStatus64  = 0x4C04
	GetStatus64  = 0x4C05
	ChangeFd     = 0x4C06
	SetCapacity  = 0x4C07
	SetDirectIO  = 0x4C08
	SetBlockSize = 0x4C09
	Configure    = 0x4C0A

	CtlAdd     = 0x4C80
	CtlRemove  = 0x4C81
	CtlGetFree = 0x4C82
)

// Flags are the per device configuration bits.
type Flags uint32

const (
	FlagReadOnly  Flags = 1
	FlagAutoclear Flags = 4
	FlagPartScan  Flags = 8
	FlagDirectIO  Flags = 16

	ConfigureSettableFlags  = FlagReadOnly | FlagAutoclear | FlagPartScan | FlagDirectIO
	SetStatusSettableFlags  = FlagAutoclear | FlagPartScan
	SetStatusClearableFlags = FlagAutoclear
)

var flagNames = []struct {
	f    Flags
	name string
}{
	{FlagReadOnly, "READ_ONLY"},
	{FlagAutoclear, "AUTOCLEAR"},
	{FlagPartScan, "PARTSCAN"},
	{FlagDirectIO, "DIRECT_IO"},
}

func (f Flags) String() string {
	if f == 0 {
		return "0"
	}
	var names []string
	for _, n := range flagNames {
		if f&n.f != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// State of a device.
type State int32

const (
	Unbound State = iota
	Bound
	Rundown
	Deleting
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case Rundown:
		return "rundown"
	case Deleting:
		return "deleting"
	default:
		return "unknown"
	}
}

// Info is the status of a bound device, laid out like loop_info64.
type Info struct {
	Device         uint64
	INode          uint64
	RDevice        uint64
	Offset         uint64
	SizeLimit      uint64
	Number         uint32
	EncryptType    uint32
	EncryptKeySize uint32
	Flags          Flags
	FileName       [NameSize]byte
	CryptName      [NameSize]byte
	EncryptKey     [KeySize]byte
	Init           [2]uint64
}

// SetFileName stores name truncated to fit with its terminating zero.
func (i *Info) SetFileName(name string) {
	putName(&i.FileName, name)
}

// SetCryptName is the crypt_name counterpart of SetFileName.
func (i *Info) SetCryptName(name string) {
	putName(&i.CryptName, name)
}

// SetKey stores key and its size.
func (i *Info) SetKey(key []byte) {
	i.EncryptKey = [KeySize]byte{}
	i.EncryptKeySize = uint32(copy(i.EncryptKey[:], key))
}

func (i *Info) FileNameString() string  { return cString(i.FileName[:]) }
func (i *Info) CryptNameString() string { return cString(i.CryptName[:]) }

func putName(dst *[NameSize]byte, name string) {
	*dst = [NameSize]byte{}
	copy(dst[:NameSize-1], name)
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Config is the argument of Configure.
type Config struct {
	// BlockSize is the logical block size, 0 picks a default.
	BlockSize uint32
	Info      Info
}

// OpenMode of a device handle.
type OpenMode uint32

const (
	ModeRead OpenMode = 1 << iota
	ModeWrite
	ModeExclusive
)

// Credentials of the caller behind a handle.
type Credentials struct {
	UID uint32
	// Admin callers may read encryption keys and change status without
	// write access.
	Admin bool
}

// OpenOptions describe a new handle. The handle takes over the references in
// Groups and drops them on Close.
type OpenOptions struct {
	Mode   OpenMode
	Creds  Credentials
	Groups blkcg.Handles
}
