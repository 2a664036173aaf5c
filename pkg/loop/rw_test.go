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
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/loop/backing"
	"github.com/baidu/easyloop/pkg/loop/transfer"
)

func TestReadWrite(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, store := bindMemory(t, m, 0, 16384, backing.MemoryOptions{}, Config{Info: Info{Offset: 1024}})

	n, err := f.WriteAt(pattern(4096, 0xAA), 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, pattern(4096, 0xAA), store.Bytes()[1024:5120], "the offset applies to the store")

	buf := make([]byte, 4096)
	n, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	assert.Equal(t, pattern(4096, 0xAA), buf)
}

func TestReadWriteUnaligned(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, store := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{})

	_, err := f.WriteAt([]byte("hello"), 510)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(store.Bytes()[510:515]))
	assert.Equal(t, pattern(510, 0), store.Bytes()[:510])

	buf := make([]byte, 5)
	n, err := f.ReadAt(buf, 510)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))

	_, err = f.ReadAt(buf, 4096)
	assert.Equal(t, io.EOF, err)
	n, err = f.ReadAt(buf, 4094)
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 2, n)
	_, err = f.WriteAt(buf, 4094)
	assert.Equal(t, unix.ENOSPC, err)
}

func TestSubmitValidation(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, _ := bindMemory(t, m, 0, 8192, backing.MemoryOptions{}, Config{BlockSize: 1024})
	ctx := testContext(t)

	cases := []struct {
		name string
		req  *Request
	}{
		{name: "no segments", req: &Request{Op: OpRead}},
		{name: "unaligned sector", req: &Request{Op: OpRead, Sector: 1, Segments: [][]byte{make([]byte, 1024)}}},
		{name: "unaligned length", req: &Request{Op: OpWrite, Segments: [][]byte{make([]byte, 512)}}},
		{name: "empty discard", req: &Request{Op: OpDiscard}},
		{name: "unknown op", req: &Request{Op: Op(42)}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, unix.EINVAL, f.Submit(ctx, c.req))
		})
	}
}

func TestSubmitBeyondEnd(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, _ := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{})
	ctx := testContext(t)

	req := &Request{Op: OpRead, Sector: 7, Segments: [][]byte{make([]byte, 1024)}}
	require.NoError(t, f.Submit(ctx, req))
	assert.Equal(t, unix.EIO, req.Wait(ctx))

	req = &Request{Op: OpRead, Sector: 7, Segments: [][]byte{make([]byte, 512)}}
	require.NoError(t, f.Submit(ctx, req))
	assert.NoError(t, req.Wait(ctx))
	assert.Equal(t, int64(512), req.BytesDone())
}

func TestSubmitUnbound(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f := openDevice(t, m, 0, ModeRead|ModeWrite, adminCreds)
	ctx := testContext(t)

	req := &Request{Op: OpFlush}
	require.NoError(t, f.Submit(ctx, req))
	assert.Equal(t, unix.EIO, req.Wait(ctx))
}

func TestRequestReuse(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, _ := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{})
	ctx := testContext(t)

	req := &Request{Op: OpRead, Segments: [][]byte{make([]byte, 512)}}
	for i := 0; i < 3; i++ {
		require.NoError(t, f.Submit(ctx, req))
		require.NoError(t, req.Wait(ctx))
		assert.Equal(t, int64(512), req.BytesDone())
	}
}

func TestSubmitWaitsForUnfreeze(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, _ := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{})
	disk := f.Device().Disk()

	disk.freeze()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := &Request{Op: OpFlush}
	assert.Equal(t, context.DeadlineExceeded, f.Submit(ctx, req))

	go func() {
		time.Sleep(20 * time.Millisecond)
		disk.unfreeze()
	}()
	require.NoError(t, f.Submit(testContext(t), req), "a request refused while frozen can be submitted again")
	assert.NoError(t, req.Wait(testContext(t)))
}

// The short read case: a 512 byte read from a store truncated to 100 bytes
// returns the 100 bytes followed by zeroes.
func TestShortRead(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, store := bindMemory(t, m, 0, 512, backing.MemoryOptions{}, Config{})
	content := make([]byte, 512)
	for i := range content {
		content[i] = byte(i%251 + 1)
	}
	_, err := store.WriteAt(content, 0)
	require.NoError(t, err)
	store.Truncate(100)

	buf := pattern(512, 0xFF)
	req := &Request{Op: OpRead, Segments: [][]byte{buf[:256], buf[256:]}}
	ctx := testContext(t)
	require.NoError(t, f.Submit(ctx, req))
	require.NoError(t, req.Wait(ctx))

	assert.Equal(t, content[:100], buf[:100])
	assert.Equal(t, pattern(412, 0), buf[100:])
}

func TestFlush(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, store := bindMemory(t, m, 0, 4096, backing.MemoryOptions{}, Config{})
	before := store.Syncs()
	require.NoError(t, f.Flush(testContext(t)))
	assert.Equal(t, before+1, store.Syncs())
	require.NoError(t, f.Sync())
}

func TestFlushError(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, _ := bindMemory(t, m, 0, 4096, backing.MemoryOptions{SyncErr: unix.ENOSPC}, Config{})
	assert.Equal(t, unix.EIO, f.Flush(testContext(t)))
}

func TestDiscardAndWriteZeroes(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, store := bindMemory(t, m, 0, 8192, backing.MemoryOptions{}, Config{})
	ctx := testContext(t)

	_, err := f.WriteAt(pattern(8192, 0x11), 0)
	require.NoError(t, err)

	require.NoError(t, f.Discard(ctx, 1024, 1024))
	data := store.Bytes()
	assert.Equal(t, pattern(1024, 0x11), data[:1024])
	assert.Equal(t, pattern(1024, 0), data[1024:2048])
	assert.Equal(t, pattern(6144, 0x11), data[2048:])

	require.NoError(t, f.WriteZeroes(ctx, 4096, 512, true))
	assert.Equal(t, pattern(512, 0), store.Bytes()[4096:4608])
	require.NoError(t, f.WriteZeroes(ctx, 6144, 512, false))
	assert.Equal(t, pattern(512, 0), store.Bytes()[6144:6656])
	assert.Len(t, store.Bytes(), 8192, "discard keeps the store size")
}

// invertTransfer flips every bit and takes no key.
type invertTransfer struct{}

func (invertTransfer) Name() string                 { return "invert" }
func (invertTransfer) Init([]byte, [2]uint64) error { return nil }
func (invertTransfer) Release() error               { return nil }

func (invertTransfer) Transfer(_ transfer.Direction, _ []byte, dst, src []byte, _ uint64) error {
	for i := range src {
		dst[i] = ^src[i]
	}
	return nil
}

func TestDiscardUnsupported(t *testing.T) {
	cases := []struct {
		name   string
		store  backing.Store
		info   Info
		plugin transfer.Plugin
	}{
		{
			name:  "encrypted",
			store: backing.NewMemory(4096, backing.MemoryOptions{}),
			info:  Info{EncryptType: transfer.XOR, EncryptKeySize: 4, EncryptKey: [KeySize]byte{1, 2, 3, 4}},
		},
		{
			name:   "keyless transform",
			store:  backing.NewMemory(4096, backing.MemoryOptions{}),
			info:   Info{EncryptType: 2},
			plugin: invertTransfer{},
		},
		{
			name:  "no fallocate",
			store: backing.Plain(backing.NewMemory(4096, backing.MemoryOptions{})),
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			m := newTestManager(t, Options{MaxLoop: 1})
			if c.plugin != nil {
				require.NoError(t, m.RegisterTransfer(int(c.info.EncryptType), c.plugin))
			}
			f := openDevice(t, m, 0, ModeRead|ModeWrite, adminCreds)
			require.NoError(t, f.Configure(c.store, Config{Info: c.info}))
			ctx := testContext(t)

			assert.False(t, f.Device().Disk().Limits().Discard)
			assert.Equal(t, unix.EOPNOTSUPP, f.Discard(ctx, 0, 512))
			assert.Equal(t, unix.EOPNOTSUPP, f.WriteZeroes(ctx, 0, 512, true))

			// the queue keeps going after a failed command
			_, err := f.WriteAt(pattern(512, 3), 0)
			assert.NoError(t, err)
		})
	}
}

func TestXORTransfer(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	key := []byte("k3y")
	var info Info
	info.EncryptType = transfer.XOR
	info.SetKey(key)
	f, store := bindMemory(t, m, 0, 2048, backing.MemoryOptions{}, Config{Info: info})

	plain := make([]byte, 1024)
	for i := range plain {
		plain[i] = byte(i)
	}
	_, err := f.WriteAt(plain, 512)
	require.NoError(t, err)

	raw := store.Bytes()[512:1536]
	want := make([]byte, len(plain))
	transfer.XORBlock(want[:512], plain[:512], key)
	transfer.XORBlock(want[512:], plain[512:], key)
	assert.Equal(t, want, raw)

	got := make([]byte, 1024)
	_, err = f.ReadAt(got, 512)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestBlockSizeAlignment(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, _ := bindMemory(t, m, 0, 16384, backing.MemoryOptions{}, Config{BlockSize: 4096})

	_, err := f.WriteAt([]byte("x"), 5000)
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = f.ReadAt(buf, 5000)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf))
}

func TestConcurrentClearDrainsRequests(t *testing.T) {
	m := newTestManager(t, Options{MaxLoop: 1})
	f, store := bindMemory(t, m, 0, 1<<20, backing.MemoryOptions{}, Config{})
	ctx := testContext(t)

	var wg sync.WaitGroup
	reqs := make([]*Request, 64)
	for i := range reqs {
		reqs[i] = &Request{Op: OpWrite, Sector: uint64(i * 8), Segments: [][]byte{pattern(4096, byte(i))}}
		require.NoError(t, f.Submit(ctx, reqs[i]))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.NoError(t, f.Clear())
	}()
	for _, req := range reqs {
		assert.NoError(t, req.Wait(ctx))
	}
	wg.Wait()
	assert.True(t, store.Closed())
	data := store.Bytes()
	for i := range reqs {
		assert.Equal(t, byte(i), data[i*4096], "request %d", i)
	}
}
