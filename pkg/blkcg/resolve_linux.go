//go:build linux
// +build linux

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

package blkcg

import (
	"fmt"

	libcontainercgroups "github.com/opencontainers/runc/libcontainer/cgroups"
	"github.com/pkg/errors"
)

// ProcRoot is where process information is read from.
var ProcRoot = "/proc"

const (
	blkioController  = "blkio"
	memoryController = "memory"
	// cgroup v2 reports its single hierarchy under the empty controller name.
	unifiedController = ""
)

// ResolvePID returns the groups process pid is charged to. Both references
// are held by the caller. The blkio hierarchy is preferred for block I/O and
// the unified hierarchy is used when it is absent.
func (r *Registry) ResolvePID(pid int) (Handles, error) {
	file := fmt.Sprintf("%s/%d/cgroup", ProcRoot, pid)
	paths, err := libcontainercgroups.ParseCgroupFile(file)
	if err != nil {
		return Handles{}, errors.Wrapf(err, "parse %s", file)
	}
	return r.resolve(paths), nil
}

func (r *Registry) resolve(paths map[string]string) Handles {
	pick := func(controller string) *Group {
		if p, ok := paths[controller]; ok {
			return r.Lookup(GroupName(p))
		}
		if p, ok := paths[unifiedController]; ok {
			return r.Lookup(GroupName(p))
		}
		return nil
	}
	return Handles{
		Block:  pick(blkioController),
		Memory: pick(memoryController),
	}
}
