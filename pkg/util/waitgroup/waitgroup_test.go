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

package waitgroup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeWaitGroup(t *testing.T) {
	wg := new(SafeWaitGroup)
	assert.Nil(t, wg.Add(1))
	go wg.Done()
	wg.Wait()
	assert.NotNil(t, wg.Add(1))
	assert.Nil(t, wg.Add(0))
}
