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
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/baidu/easyloop/pkg/util/bytefmt"
)

const defaultRotateSize = 512 * bytefmt.Megabyte

var (
	pid      = os.Getpid()
	host     = "unknownhost"
	userName = "unknownuser"
)

func init() {
	h, err := os.Hostname()
	if err == nil {
		host = shortHostname(h)
	}

	current, err := user.Current()
	if err == nil {
		userName = current.Username
	}
	userName = strings.Replace(userName, `\`, "_", -1)
}

// Rotate is a file writer that starts a new file once the current one
// reaches its size limit. The tag symlink always points at the newest file.
type Rotate struct {
	dir  string
	tag  string
	size int64
	now  func() time.Time

	mu      sync.Mutex
	file    *os.File
	fname   string
	written int64
	seq     int
}

// RotateOpt configures a Rotate.
type RotateOpt func(*Rotate)

// SetRotateSize sets the size a file may reach before it is rotated.
// Non-positive sizes keep the default.
func SetRotateSize(size int64) RotateOpt {
	return func(r *Rotate) {
		if size > 0 {
			r.size = size
		}
	}
}

// NewRotate opens the first log file for tag under dir.
func NewRotate(dir, tag string, opts ...RotateOpt) (*Rotate, error) {
	r := &Rotate{
		dir:  dir,
		tag:  tag,
		size: defaultRotateSize,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

// Write appends p to the current file, rotating first when p would push it
// over the limit. A single oversized write still lands in one file.
func (r *Rotate) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.written > 0 && r.written+int64(len(p)) > r.size {
		old := r.file
		if err := r.open(); err != nil {
			return 0, err
		}
		old.Close()
	}
	n, err := r.file.Write(p)
	r.written += int64(n)
	return n, err
}

// Name returns the path of the file currently written to.
func (r *Rotate) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fname
}

// Close closes the current file. Later writes fail.
func (r *Rotate) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// open must be called with mu held or before r is shared.
func (r *Rotate) open() error {
	name, link := logName(r.tag, r.now(), r.seq)
	fname := filepath.Join(r.dir, name)
	f, err := os.OpenFile(fname, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("log: cannot create log: %v", err)
	}
	symlink := filepath.Join(r.dir, link)
	os.Remove(symlink)        // ignore err
	os.Symlink(name, symlink) // ignore err
	r.file, r.fname, r.written = f, fname, 0
	r.seq++
	return nil
}

// shortHostname returns its argument, truncating at the first period.
// For instance, given "www.google.com" it returns "www".
func shortHostname(hostname string) string {
	if i := strings.Index(hostname, "."); i >= 0 {
		return hostname[:i]
	}
	return hostname
}

// logName returns the file name for the seq'th file of tag opened at t, and
// the name of the symlink for tag. seq keeps names unique within a second.
func logName(tag string, t time.Time, seq int) (name, link string) {
	name = fmt.Sprintf("%s.%s.%s.log.%s.%s.%d.%d",
		program, host, userName, tag, t.Format("20060102-150405"), pid, seq)
	return name, program + "." + tag
}
