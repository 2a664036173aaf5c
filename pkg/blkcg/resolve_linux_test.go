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
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePID(t *testing.T) {
	old := ProcRoot
	defer func() { ProcRoot = old }()
	ProcRoot = t.TempDir()

	write := func(pid int, content string) {
		dir := filepath.Join(ProcRoot, fmt.Sprint(pid))
		require.Nil(t, os.MkdirAll(dir, 0755))
		require.Nil(t, ioutil.WriteFile(filepath.Join(dir, "cgroup"), []byte(content), 0644))
	}
	write(10, "12:blkio:/tenant/a\n5:memory:/tenant/m\n1:name=systemd:/init.scope\n")
	write(11, "0::/system.slice/loopd.service\n")
	write(12, "0::/\n")

	r := NewRegistry()
	h, err := r.ResolvePID(10)
	require.Nil(t, err)
	assert.Equal(t, GroupName("/tenant/a"), h.Block.Name())
	assert.Equal(t, GroupName("/tenant/m"), h.Memory.Name())
	h.Put()

	h, err = r.ResolvePID(11)
	require.Nil(t, err)
	assert.Equal(t, GroupName("/system.slice/loopd.service"), h.Block.Name())
	assert.True(t, h.Block == h.Memory)
	h.Put()

	h, err = r.ResolvePID(12)
	require.Nil(t, err)
	assert.True(t, h.Block.IsRoot())
	assert.True(t, h.Memory.IsRoot())

	_, err = r.ResolvePID(13)
	assert.NotNil(t, err)
	assert.Equal(t, 0, r.Len())
}
