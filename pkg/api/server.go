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

package api

const (
	HeaderXRequestID = "X-Loop-Request-Id"
	// HeaderLoopHandle names an open handle the request acts through.
	HeaderLoopHandle = "X-Loop-Handle"
	AppNameKey       = "app"

	HeaderContentType = "Content-Type"
	MIMEOctetStream   = "application/octet-stream"

	QueryFormat = "format"
	QueryOffset = "offset"
	QueryLength = "length"
)

// StatusFormat selects the status layout of the status routes.
type StatusFormat string

const (
	StatusFormatInfo64 StatusFormat = "info64"
	StatusFormatOld    StatusFormat = "old"
	StatusFormatCompat StatusFormat = "compat"
)

// Valid reports whether the format is known. The empty format is info64.
func (f StatusFormat) Valid() bool {
	switch f {
	case "", StatusFormatInfo64, StatusFormatOld, StatusFormatCompat:
		return true
	}
	return false
}
