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

package client

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/api"
	loopErr "github.com/baidu/easyloop/pkg/error"
	"github.com/baidu/easyloop/pkg/rest"
)

func TestAddFlags(t *testing.T) {
	o := NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--sock=/tmp/l.sock", "--timeout=5s"}))
	assert.Equal(t, "/tmp/l.sock", o.Sock)
	assert.Equal(t, 5*time.Second, o.Timeout)
}

func TestErrno(t *testing.T) {
	busy := loopErr.NewErrnoException("remove loop0", unix.EBUSY)
	assert.Equal(t, unix.EBUSY, Errno(busy))
	assert.Equal(t, unix.EBUSY, Errno(fmt.Errorf("remove: %w", busy)))
	assert.Equal(t, unix.Errno(0), Errno(fmt.Errorf("plain")))
	assert.Equal(t, unix.Errno(0), Errno(nil))
}

func TestRequestShape(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"handle":"abc","device":"loop2"}`))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	restCli, err := rest.NewRESTClient(u, "v1", rest.ContentConfig{ContentType: "application/json"}, srv.Client())
	require.NoError(t, err)
	c := &Client{client: restCli, timeout: time.Second, handle: ""}
	// point requests at the test server instead of the socket host
	baseURL = u
	defer func() { baseURL, _ = url.Parse("http://loopd") }()

	out, err := c.WithHandle("h1").Open(2, &api.OpenRequest{Write: true})
	require.NoError(t, err)
	assert.Equal(t, "abc", out.Handle)
	assert.Equal(t, "/v1/devices/2/open", got.URL.Path)
	assert.Equal(t, "h1", got.Header.Get(api.HeaderLoopHandle))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))

	_, err = c.Open(2, &api.OpenRequest{})
	require.NoError(t, err)
	assert.Empty(t, got.Header.Get(api.HeaderLoopHandle))
}

func TestQueryParameters(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"written":4}`))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	restCli, err := rest.NewRESTClient(u, "v1", rest.ContentConfig{ContentType: "application/json"}, srv.Client())
	require.NoError(t, err)
	c := &Client{client: restCli, timeout: time.Second}
	baseURL = u
	defer func() { baseURL, _ = url.Parse("http://loopd") }()

	_, err = c.Read(1, 1024, 512)
	require.NoError(t, err)
	assert.Equal(t, url.Values{"offset": {"1024"}, "length": {"512"}}, got)

	n, err := c.Write(1, 4096, []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, url.Values{"offset": {"4096"}}, got)

	_, err = c.GetStatus(1, "")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, c.SetStatus(1, api.StatusFormatOld, &api.Status{}))
	assert.Equal(t, url.Values{"format": {"old"}}, got)
}
