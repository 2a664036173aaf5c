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
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	restful "github.com/emicklei/go-restful"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baidu/easyloop/pkg/api"
	"github.com/baidu/easyloop/pkg/server/endpoint"
	"github.com/baidu/easyloop/pkg/server/healthz"
)

func newTestServer(t *testing.T, checks ...healthz.HealthzChecker) (*GenericServer, *httptest.Server) {
	c := NewConfig()
	c.HealthzChecks = append(c.HealthzChecks, checks...)
	s, err := c.Complete().New("ut")
	require.Nil(t, err)
	err = endpoint.NewApiInstaller([]endpoint.ApiVersion{{
		Prefix: "/v1",
		Group: []endpoint.ApiSingle{{
			Verb: "GET",
			Path: "echo/{name}",
			Handler: WrapRestRouteFunc(func(c *Context) {
				_, hasCred := c.PeerCred()
				c.Response().WriteHeaderAndEntity(http.StatusOK, map[string]interface{}{
					"name":      c.Request().PathParameter("name"),
					"requestID": c.RequestID(),
					"cred":      hasCred,
				})
			}),
		}},
	}}).Install(s.Handler.GoRestfulContainer)
	require.NoError(t, err)
	s.PrepareRun()
	ts := httptest.NewServer(s.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func TestDirector(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/echo/loop0")
	require.Nil(t, err)
	defer resp.Body.Close()
	body, _ := ioutil.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"name": "loop0"`)
	assert.Contains(t, string(body), `"cred": false`)
	assert.NotEmpty(t, resp.Header.Get(api.HeaderXRequestID))

	resp2, err := http.Get(ts.URL + "/healthz")
	require.Nil(t, err)
	defer resp2.Body.Close()
	body, _ = ioutil.ReadAll(resp2.Body)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp3, err := http.Get(ts.URL + "/metrics")
	require.Nil(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusOK, resp3.StatusCode)

	resp4, err := http.Get(ts.URL + "/nothing")
	require.Nil(t, err)
	resp4.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp4.StatusCode)
}

func TestRequestIDIsKept(t *testing.T) {
	_, ts := newTestServer(t)
	req, _ := http.NewRequest("GET", ts.URL+"/v1/echo/x", nil)
	req.Header.Set(api.HeaderXRequestID, "rid-1")
	resp, err := http.DefaultClient.Do(req)
	require.Nil(t, err)
	defer resp.Body.Close()
	body, _ := ioutil.ReadAll(resp.Body)
	assert.Equal(t, "rid-1", resp.Header.Get(api.HeaderXRequestID))
	assert.Contains(t, string(body), `"requestID": "rid-1"`)
}

func TestFailingHealthz(t *testing.T) {
	_, ts := newTestServer(t, healthz.NamedCheck("devices", func() error { return assert.AnError }))
	resp, err := http.Get(ts.URL + "/healthz")
	require.Nil(t, err)
	defer resp.Body.Close()
	body, _ := ioutil.ReadAll(resp.Body)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), "[-]devices failed")

	resp2, err := http.Get(ts.URL + "/healthz/ping")
	require.Nil(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestHooks(t *testing.T) {
	s, _ := newTestServer(t)
	assert.NotNil(t, s.AddHealthzChecks(healthz.PingHealthz), "healthz is installed by PrepareRun")

	c := NewConfig()
	s, err := c.Complete().New("hooks")
	require.Nil(t, err)
	started := make(chan struct{})
	require.Nil(t, s.AddPostStartHook("started", func(<-chan struct{}) error {
		close(started)
		return nil
	}))
	assert.NotNil(t, s.AddPostStartHook("started", func(<-chan struct{}) error { return nil }))
	var stopped bool
	require.Nil(t, s.AddPreShutdownHook("stopped", func() error {
		stopped = true
		return nil
	}))

	stopCh := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- s.PrepareRun().Run(stopCh) }()
	<-started
	close(stopCh)
	assert.Nil(t, <-errCh)
	assert.True(t, stopped)
}

func TestWrapRestFilterFunction(t *testing.T) {
	container := restful.NewContainer()
	ws := new(restful.WebService)
	ws.Path("/v1")
	var seen string
	ws.Route(ws.GET("x").To(func(*restful.Request, *restful.Response) {}).
		Filter(WrapRestFilterFunction(func(c *Context, chain *restful.FilterChain) {
			seen = c.RequestID()
			chain.ProcessFilter(c.Request(), c.Response())
		})))
	container.Add(ws)

	req := httptest.NewRequest("GET", "/v1/x", nil)
	req.Header.Set(api.HeaderXRequestID, "abc")
	container.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "abc", seen)
}
