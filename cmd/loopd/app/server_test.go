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
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/baidu/easyloop/cmd/loopd/options"
	"github.com/baidu/easyloop/pkg/loop"
	"github.com/baidu/easyloop/pkg/server/healthz"
)

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "loopd.lock")
	unlock, err := acquireLock(path)
	require.NoError(t, err)

	_, err = acquireLock(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another loopd")

	unlock()
}

func TestManagerCheck(t *testing.T) {
	mgr, err := loop.NewManager(loop.Options{MaxLoop: 1})
	require.NoError(t, err)
	defer mgr.Close()

	check := managerCheck(mgr)
	assert.Equal(t, "loop-control", check.Name())
	assert.NoError(t, check.Check())

	require.NoError(t, mgr.Remove(0))
	assert.Error(t, check.Check())
}

func get(handler fasthttp.RequestHandler, uri string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI(uri)
	handler(ctx)
	return ctx
}

func TestWrapRouter(t *testing.T) {
	failing := healthz.NamedCheck("broken", func() error { return assert.AnError })

	cases := []struct {
		name     string
		metrics  bool
		checks   []healthz.HealthzChecker
		uri      string
		wantCode int
		wantBody string
	}{
		{
			name:     "healthy",
			checks:   []healthz.HealthzChecker{healthz.PingHealthz},
			uri:      "/healthz",
			wantCode: fasthttp.StatusOK,
			wantBody: "[+]ping ok",
		},
		{
			name:     "unhealthy",
			checks:   []healthz.HealthzChecker{healthz.PingHealthz, failing},
			uri:      "/healthz",
			wantCode: fasthttp.StatusInternalServerError,
			wantBody: "[-]broken failed",
		},
		{
			name:     "metrics disabled",
			uri:      "/metrics",
			wantCode: fasthttp.StatusNotFound,
		},
		{
			name:     "metrics",
			metrics:  true,
			uri:      "/metrics",
			wantCode: fasthttp.StatusOK,
			wantBody: "go_goroutines",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			opts := options.NewOptions()
			opts.RecommendedOptions.Features.EnableMetrics = c.metrics
			opts.RecommendedOptions.Features.EnableProfiling = false

			ctx := get(wrapRouter(opts, c.checks), c.uri)
			assert.Equal(t, c.wantCode, ctx.Response.StatusCode())
			if c.wantBody != "" {
				assert.True(t, strings.Contains(string(ctx.Response.Body()), c.wantBody), string(ctx.Response.Body()))
			}
		})
	}
}
