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

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryCriteria(t *testing.T) {
	c := NewQueryCriteria().
		AddCondition("format", "old").
		AddCondition("format", "compat").
		AddCondition("skipped", "").
		AddInt("offset", -512)

	assert.Equal(t, url.Values{
		"format": {"old", "compat"},
		"offset": {"-512"},
	}, c.Value())
}

func TestCriteriaForRequest(t *testing.T) {
	baseURL, _ := url.Parse("http://loopd/")
	r := NewRequest(nil, "GET", baseURL, "v1", ContentConfig{}, nil)
	r.Resource("devices/0/status").Criteria(NewQueryCriteria().AddCondition("format", "old"))
	assert.Equal(t, "http://loopd/v1/devices/0/status?format=old", r.URL().String())
}

func TestCriteriaAndParamForRequest(t *testing.T) {
	baseURL, _ := url.Parse("http://loopd/")
	r := NewRequest(nil, "GET", baseURL, "v1", ContentConfig{}, nil)
	c := NewQueryCriteria().AddInt("length", 512)
	r.Criteria(c).Param("offset", "0")

	query := r.URL().Query()
	assert.Equal(t, []string{"0"}, query["offset"])
	assert.Equal(t, []string{"512"}, query["length"])
	assert.Equal(t, url.Values{"length": {"512"}}, c.Value(), "params do not leak into the criteria")
}
