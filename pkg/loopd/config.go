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
	"context"
	"fmt"
	"io/ioutil"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/baidu/easyloop/pkg/api"
	"github.com/baidu/easyloop/pkg/loop"
)

// configParallelism bounds the devices bound at once by Apply.
const configParallelism = 4

// LoadConfig reads a daemon config file.
func LoadConfig(path string) (*api.DaemonConfig, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return ParseConfig(b)
}

// ParseConfig decodes and checks a daemon config.
func ParseConfig(b []byte) (*api.DaemonConfig, error) {
	cfg := &api.DaemonConfig{}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	seen := map[int]bool{}
	for _, d := range cfg.Devices {
		if d.Index < 0 {
			return nil, fmt.Errorf("device index %d is negative", d.Index)
		}
		if seen[d.Index] {
			return nil, fmt.Errorf("device index %d is listed twice", d.Index)
		}
		seen[d.Index] = true
		if _, err := ParseFlags(d.Flags); err != nil {
			return nil, errors.Wrapf(err, "device %d", d.Index)
		}
	}
	return cfg, nil
}

// Apply creates the devices of cfg and binds those with a path. Devices
// flagged autoclear keep a handle owned by root so they survive until it is
// closed.
func (l *Loopd) Apply(ctx context.Context, cfg *api.DaemonConfig) error {
	root := caller{creds: loop.Credentials{Admin: true}}
	sem := semaphore.NewWeighted(configParallelism)
	g, ctx := errgroup.WithContext(ctx)

	for i := range cfg.Devices {
		d := cfg.Devices[i]
		if _, err := l.mgr.Add(d.Index); err != nil && !errors.Is(err, unix.EEXIST) {
			return errors.Wrapf(err, "add loop%d", d.Index)
		}
		if d.Path == "" {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if err := l.bind(root, d); err != nil {
				return errors.Wrapf(err, "bind loop%d to %s", d.Index, d.Path)
			}
			return nil
		})
	}
	return g.Wait()
}

func (l *Loopd) bind(root caller, d api.DeviceConfig) error {
	flags, err := ParseFlags(d.Flags)
	if err != nil {
		return err
	}
	store, err := l.opts.Opener(d.Path, flags&loop.FlagReadOnly == 0, flags&loop.FlagDirectIO != 0)
	if err != nil {
		return err
	}
	f, err := l.open(root, d.Index, loop.ModeRead|loop.ModeWrite)
	if err != nil {
		store.Close()
		return err
	}

	info := loop.Info{Offset: d.Offset, SizeLimit: d.SizeLimit, Flags: flags}
	info.SetFileName(d.Path)
	if err := f.Configure(store, loop.Config{BlockSize: d.BlockSize, Info: info}); err != nil {
		f.Close()
		return err
	}
	l.logger.Infof("bound %s to %s flags %s", f, d.Path, flags)

	if flags&loop.FlagAutoclear != 0 {
		h := l.adopt(root, f)
		l.logger.WithField("handle", h.id).Infof("holding %s for autoclear", f)
		return nil
	}
	return f.Close()
}
