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

// Package loopd serves a loop.Manager over HTTP.
//
// Control requests map one to one onto device operations. Per device
// requests act through a handle: either one opened earlier and named in the
// X-Loop-Handle header, or a transient one opened with the caller's
// credentials and closed when the request ends.
package loopd

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/blkcg"
	"github.com/baidu/easyloop/pkg/loop"
	"github.com/baidu/easyloop/pkg/loop/backing"
	"github.com/baidu/easyloop/pkg/server"
	"github.com/baidu/easyloop/pkg/util/id"
	"github.com/baidu/easyloop/pkg/util/logs"
)

// PathOpener opens a backing file on behalf of a caller.
type PathOpener func(path string, write, direct bool) (backing.Store, error)

// Options of a Loopd.
type Options struct {
	// AdminUIDs are the peer uids treated as privileged.
	AdminUIDs []uint32
	// Anonymous is used when the peer credentials are unknown, e.g. over tcp.
	Anonymous loop.Credentials
	// Opener opens backing files, OpenPath by default.
	Opener PathOpener
	// MaxTransfer bounds the length of one data request.
	MaxTransfer int
	// GaugePeriod is how often device gauges are refreshed.
	GaugePeriod time.Duration
}

// DefaultOptions returns the options loopd starts with.
func DefaultOptions() Options {
	return Options{
		AdminUIDs:   []uint32{0},
		Opener:      OpenPath,
		MaxTransfer: 16 << 20,
		GaugePeriod: 10 * time.Second,
	}
}

// caller is who a request acts for.
type caller struct {
	creds loop.Credentials
	pid   int
	known bool
}

type handle struct {
	id     string
	file   *loop.DeviceFile
	owner  caller
	opened time.Time
}

// Loopd holds the manager and the handles opened through the api.
type Loopd struct {
	mgr  *loop.Manager
	opts Options

	mu      sync.Mutex
	handles map[string]*handle

	logger *logs.Logger
}

// New wraps mgr. The manager stays owned by the caller.
func New(mgr *loop.Manager, opts Options) *Loopd {
	defaults := DefaultOptions()
	if opts.Opener == nil {
		opts.Opener = defaults.Opener
	}
	if opts.MaxTransfer <= 0 {
		opts.MaxTransfer = defaults.MaxTransfer
	}
	if opts.GaugePeriod <= 0 {
		opts.GaugePeriod = defaults.GaugePeriod
	}
	registerMetrics()
	return &Loopd{
		mgr:     mgr,
		opts:    opts,
		handles: map[string]*handle{},
		logger:  logs.NewLogger().WithField("component", "loopd"),
	}
}

// Manager returns the served manager.
func (l *Loopd) Manager() *loop.Manager { return l.mgr }

func (l *Loopd) callerOf(c *server.Context) caller {
	cred, ok := c.PeerCred()
	if !ok {
		return caller{creds: l.opts.Anonymous}
	}
	cl := caller{
		creds: loop.Credentials{UID: cred.UID},
		pid:   cred.PID,
		known: true,
	}
	for _, uid := range l.opts.AdminUIDs {
		if uid == cred.UID {
			cl.creds.Admin = true
		}
	}
	return cl
}

// groupsOf resolves the groups the caller's I/O is charged to. Failures fall
// back to the root group.
func (l *Loopd) groupsOf(cl caller) blkcg.Handles {
	if !cl.known || cl.pid <= 0 {
		return blkcg.Handles{}
	}
	h, err := l.mgr.Groups().ResolvePID(cl.pid)
	if err != nil {
		l.logger.V(4).Infof("resolve groups of pid %d: %v", cl.pid, err)
		return blkcg.Handles{}
	}
	return h
}

func (l *Loopd) open(cl caller, index int, mode loop.OpenMode) (*loop.DeviceFile, error) {
	return l.mgr.Open(index, loop.OpenOptions{
		Mode:   mode,
		Creds:  cl.creds,
		Groups: l.groupsOf(cl),
	})
}

// openHandle opens device index for cl and keeps the handle until CloseHandle.
func (l *Loopd) openHandle(cl caller, index int, mode loop.OpenMode) (*handle, error) {
	f, err := l.open(cl, index, mode)
	if err != nil {
		return nil, err
	}
	return l.adopt(cl, f), nil
}

// adopt keeps f open on behalf of cl under a fresh id.
func (l *Loopd) adopt(cl caller, f *loop.DeviceFile) *handle {
	h := &handle{id: id.ShortID(), file: f, owner: cl, opened: time.Now()}
	l.mu.Lock()
	for l.handles[h.id] != nil {
		h.id = id.ShortID()
	}
	l.handles[h.id] = h
	l.mu.Unlock()
	l.logger.WithField("handle", h.id).V(4).Infof("opened %s mode %d", f, f.Mode())
	return h
}

// lookupHandle returns handle hid if cl may use it.
func (l *Loopd) lookupHandle(cl caller, hid string) (*handle, error) {
	l.mu.Lock()
	h, ok := l.handles[hid]
	l.mu.Unlock()
	if !ok {
		return nil, unix.ENOENT
	}
	if !cl.creds.Admin && h.owner.creds.UID != cl.creds.UID {
		return nil, unix.EPERM
	}
	return h, nil
}

func (l *Loopd) closeHandle(cl caller, hid string) error {
	h, err := l.lookupHandle(cl, hid)
	if err != nil {
		return err
	}
	l.mu.Lock()
	if l.handles[hid] != h {
		l.mu.Unlock()
		return unix.ENOENT
	}
	delete(l.handles, hid)
	l.mu.Unlock()
	return h.file.Close()
}

// Handles lists the open handle ids.
func (l *Loopd) Handles() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.handles))
	for hid := range l.handles {
		ids = append(ids, hid)
	}
	sort.Strings(ids)
	return ids
}

// Close drops every handle still open.
func (l *Loopd) Close() error {
	l.mu.Lock()
	handles := l.handles
	l.handles = map[string]*handle{}
	l.mu.Unlock()

	var errs error
	for _, h := range handles {
		errs = multierr.Append(errs, h.file.Close())
	}
	return errs
}
