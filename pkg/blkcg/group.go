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

// Package blkcg tracks the resource-control groups that I/O is charged to.
//
// A Group is an interned, reference counted handle. Two lookups of the same
// group name return the same pointer for as long as one reference is alive,
// so handles can be compared and ordered by identity. The root group is
// represented by a nil *Group.
package blkcg

import (
	"path"
	"sync"
)

// GroupName is the hierarchy path of a group, e.g. "/user.slice/app".
type GroupName string

// RootName is the name of the root group.
const RootName GroupName = "/"

// Group is a handle to one resource-control group.
type Group struct {
	id   uint64
	name GroupName
	refs int
	reg  *Registry
}

// ID returns the stable identity of the group, 0 for root.
func (g *Group) ID() uint64 {
	if g == nil {
		return 0
	}
	return g.id
}

// Name returns the group path.
func (g *Group) Name() GroupName {
	if g == nil {
		return RootName
	}
	return g.name
}

// IsRoot reports whether g is the root group.
func (g *Group) IsRoot() bool {
	return g == nil
}

func (g *Group) String() string {
	return string(g.Name())
}

// Get takes an extra reference. It is a no-op on root.
func (g *Group) Get() *Group {
	if g == nil {
		return nil
	}
	g.reg.mu.Lock()
	g.refs++
	g.reg.mu.Unlock()
	return g
}

// Put drops a reference. The last Put unpublishes the group.
func (g *Group) Put() {
	if g == nil {
		return
	}
	r := g.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	g.refs--
	switch {
	case g.refs == 0:
		delete(r.groups, g.name)
	case g.refs < 0:
		panic("blkcg: reference count underflow on " + string(g.name))
	}
}

// Registry interns groups by name.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	groups map[GroupName]*Group
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[GroupName]*Group)}
}

// Lookup returns the group called name with a reference held by the caller.
// The root group yields nil.
func (r *Registry) Lookup(name GroupName) *Group {
	name = GroupName(path.Clean("/" + string(name)))
	if name == RootName {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[name]; ok {
		g.refs++
		return g
	}
	r.nextID++
	g := &Group{id: r.nextID, name: name, refs: 1, reg: r}
	r.groups[name] = g
	return g
}

// Len returns the number of live groups.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.groups)
}

// Handles are the groups a unit of I/O is charged to.
type Handles struct {
	Block  *Group
	Memory *Group
}

// Put releases both handles.
func (h Handles) Put() {
	h.Block.Put()
	h.Memory.Put()
}
