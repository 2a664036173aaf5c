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
	"strings"

	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/api"
	loopErr "github.com/baidu/easyloop/pkg/error"
	"github.com/baidu/easyloop/pkg/util/logs"
)

// Paths served regardless of load, so liveness checks and scrapes still
// answer while every device request slot is taken.
var longLivedPrefixes = []string{"/healthz", "/metrics", "/debug/pprof"}

// WithMaxInFlightLimit admits at most limit concurrent requests. The rest are
// answered at once with EAGAIN, which carries a Retry-After. A limit of zero
// disables the filter.
func WithMaxInFlightLimit(handler http.Handler, limit int) http.Handler {
	if limit <= 0 {
		return handler
	}
	slots := make(chan struct{}, limit)

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if exempt(req.URL.Path) {
			handler.ServeHTTP(w, req)
			return
		}
		select {
		case slots <- struct{}{}:
			defer func() { <-slots }()
			handler.ServeHTTP(w, req)
		default:
			logs.V(4).WithField("request_id", req.Header.Get(api.HeaderXRequestID)).
				Warnf("rejecting %s %s, %d requests in flight", req.Method, req.URL.Path, limit)
			loopErr.NewErrnoException("max requests in flight", unix.EAGAIN).WriteTo(w)
		}
	})
}

func exempt(path string) bool {
	for _, p := range longLivedPrefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}
