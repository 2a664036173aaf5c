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

package logs

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotateStartsNewFile(t *testing.T) {
	dir := t.TempDir()
	fixed := time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	r, err := NewRotate(dir, "INFO", SetRotateSize(10), func(r *Rotate) { r.now = func() time.Time { return fixed } })
	require.NoError(t, err)
	defer r.Close()

	first := r.Name()
	for _, line := range []string{"aaaaaa\n", "bbb\n", "cc\n", "0123456789abc\n"} {
		n, err := r.Write([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, len(line), n)
	}
	assert.NotEqual(t, first, r.Name())

	files, err := filepath.Glob(filepath.Join(dir, program+".*.log.INFO.*"))
	require.NoError(t, err)
	assert.Len(t, files, 3)

	var total int
	for _, f := range files {
		b, err := os.ReadFile(f)
		require.NoError(t, err)
		total += len(b)
	}
	assert.Equal(t, 7+4+3+14, total)

	b, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "aaaaaa\n", string(b))

	link, err := os.Readlink(filepath.Join(dir, program+".INFO"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(r.Name()), link)
}

func TestRotateConcurrentWrites(t *testing.T) {
	r, err := NewRotate(t.TempDir(), "ERROR", SetRotateSize(64))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := r.Write([]byte("concurrent line\n"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, r.Close())

	_, err = r.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.NoError(t, r.Close())
}

func TestNewRotateMissingDir(t *testing.T) {
	r, err := NewRotate(filepath.Join(t.TempDir(), "absent"), "INFO")
	assert.Error(t, err)
	assert.Nil(t, r)
}
