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

package server

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/baidu/easyloop/pkg/server/healthz"
	"github.com/baidu/easyloop/pkg/util/logs"
	utilruntime "github.com/baidu/easyloop/pkg/util/runtime"
)

// PostStartHookFunc is called after the server has started listening.
type PostStartHookFunc func(stopCh <-chan struct{}) error

// PreShutdownHookFunc is called once stopCh is closed, before in-flight
// requests are awaited.
type PreShutdownHookFunc func() error

type postStartHookEntry struct {
	hook PostStartHookFunc
	// done is closed when the hook has returned successfully.
	done chan struct{}
}

type preShutdownHookEntry struct {
	hook PreShutdownHookFunc
}

// AddPostStartHook registers a hook under name. It fails for duplicated names
// and once the hooks have already run.
func (s *GenericServer) AddPostStartHook(name string, hook PostStartHookFunc) error {
	if len(name) == 0 {
		return fmt.Errorf("missing name")
	}
	if hook == nil {
		return fmt.Errorf("hook func may not be nil: %q", name)
	}

	s.postStartHookLock.Lock()
	defer s.postStartHookLock.Unlock()

	if s.postStartHooksCalled {
		return fmt.Errorf("unable to add %q because PostStartHooks have already been called", name)
	}
	if _, exists := s.postStartHooks[name]; exists {
		return fmt.Errorf("unable to add %q because it is already registered", name)
	}

	done := make(chan struct{})
	if err := s.AddHealthzChecks(postStartHookHealthz{name: "poststarthook/" + name, done: done}); err != nil {
		return err
	}
	s.postStartHooks[name] = postStartHookEntry{hook: hook, done: done}
	return nil
}

// AddPreShutdownHook registers a hook run when the server stops.
func (s *GenericServer) AddPreShutdownHook(name string, hook PreShutdownHookFunc) error {
	if len(name) == 0 {
		return fmt.Errorf("missing name")
	}
	if hook == nil {
		return nil
	}

	s.preShutdownHookLock.Lock()
	defer s.preShutdownHookLock.Unlock()

	if s.preShutdownHooksCalled {
		return fmt.Errorf("unable to add %q because PreShutdownHooks have already been called", name)
	}
	if _, exists := s.preShutdownHooks[name]; exists {
		return fmt.Errorf("unable to add %q because it is already registered", name)
	}
	s.preShutdownHooks[name] = preShutdownHookEntry{hook: hook}
	return nil
}

// RunPostStartHooks runs every registered hook in its own goroutine.
func (s *GenericServer) RunPostStartHooks(stopCh <-chan struct{}) {
	s.postStartHookLock.Lock()
	defer s.postStartHookLock.Unlock()
	s.postStartHooksCalled = true

	for name, entry := range s.postStartHooks {
		go runPostStartHook(name, entry, stopCh)
	}
}

// RunPreShutdownHooks runs every registered hook and aggregates their errors.
func (s *GenericServer) RunPreShutdownHooks() error {
	var errs error

	s.preShutdownHookLock.Lock()
	defer s.preShutdownHookLock.Unlock()
	s.preShutdownHooksCalled = true

	for name, entry := range s.preShutdownHooks {
		if err := entry.hook(); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "PreShutdownHook %q failed", name))
		}
	}
	return errs
}

func runPostStartHook(name string, entry postStartHookEntry, stopCh <-chan struct{}) {
	var err error
	func() {
		// don't let the hook *accidentally* panic and kill the server
		defer utilruntime.HandleCrash()
		err = entry.hook(stopCh)
	}()
	if err != nil {
		logs.Fatalf("PostStartHook %q failed: %v", name, err)
	}
	close(entry.done)
}

// postStartHookHealthz fails until its hook has completed.
type postStartHookHealthz struct {
	name string
	done chan struct{}
}

func (h postStartHookHealthz) Name() string {
	return h.name
}

func (h postStartHookHealthz) Check() error {
	select {
	case <-h.done:
		return nil
	default:
		return fmt.Errorf("not finished")
	}
}

var _ healthz.HealthzChecker = postStartHookHealthz{}
