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
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/baidu/easyloop/pkg/blkcg"
	"github.com/baidu/easyloop/pkg/loop/backing"
)

var adminCreds = Credentials{Admin: true}

func newTestManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.HWQueueDepth == 0 {
		opts.HWQueueDepth = 64
	}
	m, err := NewManager(opts)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func openDevice(t *testing.T, m *Manager, i int, mode OpenMode, creds Credentials) *DeviceFile {
	t.Helper()
	f, err := m.Open(i, OpenOptions{Mode: mode, Creds: creds})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// bindMemory binds a fresh memory store of size bytes to device i and
// returns an admin read-write handle on it.
func bindMemory(t *testing.T, m *Manager, i int, size int64, opts backing.MemoryOptions, cfg Config) (*DeviceFile, *backing.Memory) {
	t.Helper()
	store := backing.NewMemory(size, opts)
	f := openDevice(t, m, i, ModeRead|ModeWrite, adminCreds)
	require.NoError(t, f.Configure(store, cfg))
	return f, store
}

func pattern(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// recvEvent returns the next event of kind, failing after a second.
func recvEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
			return Event{}
		}
	}
}

// handlesOf charges both block and memory accounting to g, taking over the
// caller's reference.
func handlesOf(g *blkcg.Group) blkcg.Handles {
	return blkcg.Handles{Block: g, Memory: g.Get()}
}
