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

package rest

import "time"

// ContentConfig contains settings that affect how objects are transformed when
// sent to the server.
type ContentConfig struct {
	// AcceptContentTypes specifies the types the client will accept and is optional.
	// If not set, ContentType will be used to define the Accept header
	AcceptContentTypes string
	// ContentType specifies the wire format used to communicate with the server.
	// This value will be set as the Accept header on requests made to the server.
	ContentType string

	// Connection specifies the Connection header
	Connection string

	// Connection specifies the KeepAlive header
	KeepAlive string

	ClientTimeout time.Duration

	// MaxRetries bounds the attempts made while the server answers with
	// Retry-After. 0 means 10, 1 disables retrying.
	MaxRetries int
}
