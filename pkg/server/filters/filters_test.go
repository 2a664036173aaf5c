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

package filters

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/api"
	loopErr "github.com/baidu/easyloop/pkg/error"
	"github.com/baidu/easyloop/pkg/util/json"
	utilwaitgroup "github.com/baidu/easyloop/pkg/util/waitgroup"
)

func TestWithMaxInFlightLimit(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{})
	h := WithMaxInFlightLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		entered <- struct{}{}
		<-block
	}), 1)

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
		close(done)
	}()
	<-entered

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	var f loopErr.FinalError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &f))
	assert.Equal(t, unix.EAGAIN, f.Errno())

	cases := []struct {
		path string
		code int
	}{
		{"/healthz", http.StatusNoContent},
		{"/healthz/ping", http.StatusNoContent},
		{"/metrics", http.StatusNoContent},
		{"/debug/pprof/heap", http.StatusNoContent},
		{"/healthzz", http.StatusServiceUnavailable},
		{"/v1/devices", http.StatusServiceUnavailable},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", c.path, nil))
		assert.Equal(t, c.code, w.Code, c.path)
	}

	close(block)
	<-done
}

func TestWithMaxInFlightLimitDisabled(t *testing.T) {
	inner := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	h := WithMaxInFlightLimit(inner, 0)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWithWaitGroup(t *testing.T) {
	wg := &utilwaitgroup.SafeWaitGroup{}
	h := WithWaitGroup(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}), wg)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	wg.Wait()
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestWithRequestID(t *testing.T) {
	var seen string
	h := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(api.HeaderXRequestID)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(api.HeaderXRequestID))
}

func TestWithTimeoutFilter(t *testing.T) {
	h := WithTimeoutFilter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			w.WriteHeader(http.StatusGatewayTimeout)
		case <-time.After(5 * time.Second):
		}
	}), 10*time.Millisecond)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestWithSummaryLogKeepsStatus(t *testing.T) {
	h := WithSummaryLog(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), 0)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)
}
