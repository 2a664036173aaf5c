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

package loop

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/loop/backing"
)

// openFD duplicates fd so the caller keeps its own descriptor. The store is
// writable only when both the descriptor and the caller allow it.
func openFD(fd uintptr, write bool) (backing.Store, error) {
	nfd, err := unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, unix.EBADF
	}
	fl, err := unix.FcntlInt(uintptr(nfd), unix.F_GETFL, 0)
	if err != nil {
		unix.Close(nfd)
		return nil, err
	}
	f := os.NewFile(uintptr(nfd), "fd"+strconv.Itoa(nfd))
	store, err := backing.NewFile(f, write && fl&unix.O_ACCMODE == unix.O_RDWR)
	if err != nil {
		f.Close()
		return nil, err
	}
	return store, nil
}
