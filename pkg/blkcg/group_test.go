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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupInterns(t *testing.T) {
	r := NewRegistry()
	a := r.Lookup("/user.slice/app")
	b := r.Lookup("user.slice//app/")
	assert.True(t, a == b)
	assert.Equal(t, GroupName("/user.slice/app"), a.Name())
	assert.Equal(t, 1, r.Len())

	c := r.Lookup("/other")
	assert.NotEqual(t, a.ID(), c.ID())

	a.Put()
	assert.Equal(t, 2, r.Len())
	b.Put()
	assert.Equal(t, 1, r.Len())
	c.Put()
	assert.Equal(t, 0, r.Len())
}

func TestRootIsNil(t *testing.T) {
	r := NewRegistry()
	for _, name := range []GroupName{"", "/", "//"} {
		g := r.Lookup(name)
		assert.Nil(t, g)
		assert.True(t, g.IsRoot())
		assert.Equal(t, uint64(0), g.ID())
		assert.Equal(t, RootName, g.Name())
		g.Put()
	}
	assert.Equal(t, 0, r.Len())
}

func TestGetKeepsGroupAlive(t *testing.T) {
	r := NewRegistry()
	g := r.Lookup("/a")
	g.Get()
	g.Put()
	assert.True(t, g == r.Lookup("/a"))
	g.Put()
	g.Put()
	assert.Equal(t, 0, r.Len())
	assert.Panics(t, func() { g.Put() })
}
