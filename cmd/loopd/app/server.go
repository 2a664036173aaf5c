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

package app

import (
	"context"
	"fmt"
	"net/http/pprof"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	routing "github.com/qiangxue/fasthttp-routing"
	"github.com/rogpeppe/go-internal/lockedfile"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/multierr"

	"github.com/baidu/easyloop/cmd/loopd/options"
	"github.com/baidu/easyloop/pkg/loop"
	"github.com/baidu/easyloop/pkg/loopd"
	genericserver "github.com/baidu/easyloop/pkg/server"
	"github.com/baidu/easyloop/pkg/server/healthz"
	"github.com/baidu/easyloop/pkg/util/logs"
	"github.com/baidu/easyloop/pkg/version"
)

const lockTimeout = 2 * time.Second

// Run runs loopd until stopCh is closed.
func Run(runOptions *options.LoopdOptions, stopCh <-chan struct{}) (err error) {
	logs.Infof("Version: %+v", version.Get())

	unlock, err := acquireLock(runOptions.LockPath())
	if err != nil {
		return err
	}
	defer unlock()

	mgr, err := loop.NewManager(runOptions.LoopOptions())
	if err != nil {
		return err
	}
	l := loopd.New(mgr, runOptions.LoopdOptions())
	defer func() {
		err = multierr.Combine(err, l.Close(), mgr.Close())
	}()

	if runOptions.Config != "" {
		cfg, err := loopd.LoadConfig(runOptions.Config)
		if err != nil {
			return err
		}
		if err := l.Apply(context.Background(), cfg); err != nil {
			return err
		}
		logs.Infof("applied %d devices from %s", len(cfg.Devices), runOptions.Config)
	}

	s, err := CreateServerChain(runOptions, l)
	if err != nil {
		return err
	}

	checks := []healthz.HealthzChecker{healthz.PingHealthz, managerCheck(mgr)}
	if runOptions.DebugPort > 0 {
		addr := fmt.Sprintf(":%d", runOptions.DebugPort)
		handler := wrapRouter(runOptions, checks)
		go func() {
			if err := fasthttp.ListenAndServe(addr, handler); err != nil {
				logs.Errorf("debug listener on %s: %v", addr, err)
			}
		}()
	}

	go l.RunGauges(stopCh)

	return s.PrepareRun().Run(stopCh)
}

// CreateServerChain builds the api server on the configured socket.
func CreateServerChain(runOptions *options.LoopdOptions, l *loopd.Loopd) (*genericserver.GenericServer, error) {
	config := genericserver.NewRecommendedConfig()
	config.HealthzChecks = append(config.HealthzChecks, managerCheck(l.Manager()))
	if err := runOptions.RecommendedOptions.ApplyTo(config); err != nil {
		return nil, err
	}
	s, err := config.Complete().New("loopd")
	if err != nil {
		return nil, err
	}
	if err := l.InstallAPI(s.Handler.GoRestfulContainer); err != nil {
		return nil, err
	}

	err = s.AddPreShutdownHook("loopd-handles", func() error {
		handles := l.Handles()
		if len(handles) > 0 {
			logs.Infof("closing %d open handles", len(handles))
		}
		return l.Close()
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// acquireLock makes sure a single loopd serves the socket.
func acquireLock(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	type result struct {
		unlock func()
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		unlock, err := lockedfile.MutexAt(path).Lock()
		ch <- result{unlock, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.unlock, nil
	case <-time.After(lockTimeout):
		return nil, fmt.Errorf("another loopd holds %s", path)
	}
}

func managerCheck(mgr *loop.Manager) healthz.HealthzChecker {
	return healthz.NamedCheck("loop-control", func() error {
		if len(mgr.Devices()) == 0 && mgr.Options().MaxLoop > 0 {
			return fmt.Errorf("no devices registered")
		}
		return nil
	})
}

func wrapRouter(runOptions *options.LoopdOptions, checks []healthz.HealthzChecker) func(ctx *fasthttp.RequestCtx) {
	router := routing.New()
	router.Get("/healthz", func(c *routing.Context) error {
		out, ok := healthz.Check(checks...)
		if !ok {
			c.SetStatusCode(fasthttp.StatusInternalServerError)
		}
		c.SetContentType("text/plain; charset=utf-8")
		c.WriteString(out)
		return nil
	})

	features := runOptions.RecommendedOptions.Features
	if !features.EnableMetrics && !features.EnableProfiling {
		return router.HandleRequest
	}

	metrics := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	return func(ctx *fasthttp.RequestCtx) {
		urlPath := string(ctx.Path())
		if features.EnableProfiling && strings.HasPrefix(urlPath, "/debug/pprof/") {
			switch urlPath {
			case "/debug/pprof/cmdline":
				fasthttpadaptor.NewFastHTTPHandlerFunc(pprof.Cmdline)(ctx)
			case "/debug/pprof/profile":
				fasthttpadaptor.NewFastHTTPHandlerFunc(pprof.Profile)(ctx)
			case "/debug/pprof/symbol":
				fasthttpadaptor.NewFastHTTPHandlerFunc(pprof.Symbol)(ctx)
			case "/debug/pprof/trace":
				fasthttpadaptor.NewFastHTTPHandlerFunc(pprof.Trace)(ctx)
			default:
				fasthttpadaptor.NewFastHTTPHandlerFunc(pprof.Index)(ctx)
			}
			return
		}
		if features.EnableMetrics && urlPath == "/metrics" {
			metrics(ctx)
			return
		}
		router.HandleRequest(ctx)
	}
}
