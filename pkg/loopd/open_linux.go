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

package loopd

import (
	"github.com/baidu/easyloop/pkg/loop/backing"
)

// OpenPath opens a regular file or block device as a backing store.
func OpenPath(path string, write, direct bool) (backing.Store, error) {
	f, err := backing.OpenFile(path, write, direct)
	if err != nil {
		return nil, err
	}
	return f, nil
}
