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

	"github.com/baidu/easyloop/pkg/api"
	"github.com/baidu/easyloop/pkg/util/id"
)

// WithRequestID makes sure every request carries a request id and echoes it
// in the response.
func WithRequestID(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requestID := req.Header.Get(api.HeaderXRequestID)
		if requestID == "" {
			requestID = id.RequestID()
			req.Header.Set(api.HeaderXRequestID, requestID)
		}
		w.Header().Set(api.HeaderXRequestID, requestID)
		handler.ServeHTTP(w, req)
	})
}
