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

package id

import (
	"strings"

	"github.com/google/uuid"
)

// RequestID returns a new random request id.
func RequestID() string {
	return uuid.New().String()
}

// ShortID returns the first block of a random uuid, used for handles.
func ShortID() string {
	s := uuid.New().String()
	return s[:strings.IndexByte(s, '-')]
}
