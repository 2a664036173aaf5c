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

package options

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/baidu/easyloop/pkg/loop"
	"github.com/baidu/easyloop/pkg/loopd"
	genericoptions "github.com/baidu/easyloop/pkg/server/options"
)

const (
	maxHWQueueDepth = 10240
	maxMinors       = 1 << 20
)

type LoopdOptions struct {
	RecommendedOptions  *genericoptions.RecommendedOptions
	MaxLoop             int
	MaxPart             int
	IdleWorkerTimeout   time.Duration
	MaxWorkersPerDevice int
	MaxActiveWorks      int
	HWQueueDepth        int
	MaxTransfer         int
	AdminUIDs           []uint
	LockFile            string
	DebugPort           int
	Config              string

	fs *pflag.FlagSet
}

func NewOptions() *LoopdOptions {
	defaults := loop.DefaultOptions()
	return &LoopdOptions{
		RecommendedOptions: genericoptions.NewRecommendedOptions(),
		MaxLoop:            defaults.MaxLoop,
		IdleWorkerTimeout:  defaults.IdleWorkerTimeout,
		HWQueueDepth:       defaults.HWQueueDepth,
		MaxTransfer:        loopd.DefaultOptions().MaxTransfer,
		AdminUIDs:          []uint{0},
		DebugPort:          18500,
	}
}

func (s *LoopdOptions) AddFlags(fs *pflag.FlagSet) {
	s.fs = fs
	s.RecommendedOptions.AddFlags(fs)
	fs.IntVar(&s.MaxLoop, "max-loop", s.MaxLoop, "Devices created at start. When set explicitly it also bounds the devices created on open")
	fs.IntVar(&s.MaxPart, "max-part", s.MaxPart, "Partitions per device, 0 disables partition scanning")
	fs.DurationVar(&s.IdleWorkerTimeout, "idle-worker-timeout", s.IdleWorkerTimeout, "How long a per-group worker may stay idle")
	fs.IntVar(&s.MaxWorkersPerDevice, "max-workers-per-device", s.MaxWorkersPerDevice, "Per-group workers of one device, 0 is unlimited")
	fs.IntVar(&s.MaxActiveWorks, "max-active-works", s.MaxActiveWorks, "Concurrently running works per device, 0 means four per cpu")
	fs.IntVar(&s.HWQueueDepth, "hw-queue-depth", s.HWQueueDepth, "Requests a device accepts at once")
	fs.IntVar(&s.MaxTransfer, "max-transfer", s.MaxTransfer, "Largest data request served by the api, in bytes")
	fs.UintSliceVar(&s.AdminUIDs, "admin-uids", s.AdminUIDs, "Peer uids allowed to read keys and change any device")
	fs.StringVar(&s.LockFile, "lock-file", s.LockFile, "Single instance lock, defaults to the api socket path with a .lock suffix")
	fs.IntVar(&s.DebugPort, "debug-port", s.DebugPort, "Port of the debug listener serving healthz, metrics and pprof, 0 disables it")
	fs.StringVar(&s.Config, "config", s.Config, "YAML file of devices to create and bind at start")
}

// Validate checks every option and reports all problems at once.
func (s *LoopdOptions) Validate() error {
	errs := s.RecommendedOptions.Validate()
	if s.MaxLoop < 0 {
		errs = append(errs, fmt.Errorf("--max-loop %d must not be negative", s.MaxLoop))
	}
	if s.MaxPart < 0 || s.MaxPart > 255 {
		errs = append(errs, fmt.Errorf("--max-part %d must be between 0 and 255", s.MaxPart))
	}
	if s.MaxLoop > maxMinors {
		errs = append(errs, fmt.Errorf("--max-loop %d exceeds %d minors", s.MaxLoop, maxMinors))
	}
	if s.IdleWorkerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--idle-worker-timeout %s must be positive", s.IdleWorkerTimeout))
	}
	if s.MaxWorkersPerDevice < 0 {
		errs = append(errs, fmt.Errorf("--max-workers-per-device %d must not be negative", s.MaxWorkersPerDevice))
	}
	if s.MaxActiveWorks < 0 {
		errs = append(errs, fmt.Errorf("--max-active-works %d must not be negative", s.MaxActiveWorks))
	}
	if s.HWQueueDepth < 1 || s.HWQueueDepth > maxHWQueueDepth {
		errs = append(errs, fmt.Errorf("--hw-queue-depth %d must be between 1 and %d", s.HWQueueDepth, maxHWQueueDepth))
	}
	if s.MaxTransfer <= 0 {
		errs = append(errs, fmt.Errorf("--max-transfer %d must be positive", s.MaxTransfer))
	}
	if s.DebugPort < 0 || s.DebugPort > 65535 {
		errs = append(errs, fmt.Errorf("--debug-port %d must be between 0 and 65535", s.DebugPort))
	}
	if s.LockFile != "" && !filepath.IsAbs(s.LockFile) {
		errs = append(errs, fmt.Errorf("--lock-file %q must be an absolute path", s.LockFile))
	}
	return utilerrors.NewAggregate(errs)
}

// LoopOptions returns the manager options.
func (s *LoopdOptions) LoopOptions() loop.Options {
	return loop.Options{
		MaxLoop:             s.MaxLoop,
		MaxLoopSet:          s.fs != nil && s.fs.Changed("max-loop"),
		MaxPart:             s.MaxPart,
		IdleWorkerTimeout:   s.IdleWorkerTimeout,
		MaxWorkersPerDevice: s.MaxWorkersPerDevice,
		MaxActiveWorks:      s.MaxActiveWorks,
		HWQueueDepth:        s.HWQueueDepth,
	}
}

// LoopdOptions returns the api options.
func (s *LoopdOptions) LoopdOptions() loopd.Options {
	opts := loopd.DefaultOptions()
	opts.MaxTransfer = s.MaxTransfer
	opts.AdminUIDs = make([]uint32, 0, len(s.AdminUIDs))
	for _, uid := range s.AdminUIDs {
		opts.AdminUIDs = append(opts.AdminUIDs, uint32(uid))
	}
	return opts
}

// LockPath is the single instance lock file.
func (s *LoopdOptions) LockPath() string {
	if s.LockFile != "" {
		return s.LockFile
	}
	if sock := s.RecommendedOptions.SecureServing.SocketPath; sock != "" {
		return sock + ".lock"
	}
	return "/var/run/loop/loopd.lock"
}
