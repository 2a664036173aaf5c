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

package loopd

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/api"
	"github.com/baidu/easyloop/pkg/loop"
)

// StatusOf renders info for the wire.
func StatusOf(info *loop.Info) api.Status {
	s := api.Status{
		Device:      info.Device,
		INode:       info.INode,
		RDevice:     info.RDevice,
		Offset:      info.Offset,
		SizeLimit:   info.SizeLimit,
		Number:      info.Number,
		EncryptType: info.EncryptType,
		Flags:       uint32(info.Flags),
		FileName:    info.FileNameString(),
		CryptName:   info.CryptNameString(),
		Init:        info.Init,
	}
	if n := info.EncryptKeySize; n > 0 && n <= loop.KeySize {
		s.Key = append([]byte(nil), info.EncryptKey[:n]...)
	}
	return s
}

// InfoOf is the inverse of StatusOf. Names longer than the fixed slots are
// truncated, keys longer than the key slot are rejected.
func InfoOf(s *api.Status) (*loop.Info, error) {
	if len(s.Key) > loop.KeySize {
		return nil, unix.EINVAL
	}
	info := &loop.Info{
		Device:      s.Device,
		INode:       s.INode,
		RDevice:     s.RDevice,
		Offset:      s.Offset,
		SizeLimit:   s.SizeLimit,
		Number:      s.Number,
		EncryptType: s.EncryptType,
		Flags:       loop.Flags(s.Flags),
		Init:        s.Init,
	}
	info.SetFileName(s.FileName)
	info.SetCryptName(s.CryptName)
	info.SetKey(s.Key)
	return info, nil
}

var flagsByName = map[string]loop.Flags{
	"read_only": loop.FlagReadOnly,
	"readonly":  loop.FlagReadOnly,
	"ro":        loop.FlagReadOnly,
	"autoclear": loop.FlagAutoclear,
	"partscan":  loop.FlagPartScan,
	"direct_io": loop.FlagDirectIO,
	"dio":       loop.FlagDirectIO,
}

// ParseFlags accepts flag names in any case, e.g. "autoclear" or "READ_ONLY".
func ParseFlags(names []string) (loop.Flags, error) {
	var flags loop.Flags
	for _, name := range names {
		f, ok := flagsByName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return 0, fmt.Errorf("unknown flag %q", name)
		}
		flags |= f
	}
	return flags, nil
}

// DeviceOf summarizes d for listing.
func DeviceOf(d *loop.Device) api.Device {
	out := api.Device{
		Index:     d.Number(),
		Name:      d.Name(),
		Devt:      d.Devt(),
		State:     d.State().String(),
		Flags:     d.Flags().String(),
		Refs:      d.Refs(),
		Capacity:  d.Disk().Capacity(),
		BlockSize: d.Disk().Limits().LogicalBlockSize,
		DirectIO:  d.UseDIO(),
	}
	if s := d.Backing(); s != nil {
		out.BackingFile = s.Name()
	}
	return out
}
