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
	"strconv"
)

// QueryCriteria collects the query parameters of a request. Empty values are
// left out so optional parameters can be added unconditionally.
type QueryCriteria interface {
	AddCondition(key, value string) QueryCriteria
	AddInt(key string, value int64) QueryCriteria
	Value() url.Values
}

type criteria struct {
	url.Values
}

var _ QueryCriteria = &criteria{}

func NewQueryCriteria() QueryCriteria {
	return &criteria{url.Values{}}
}

func (c *criteria) AddCondition(key, value string) QueryCriteria {
	if value != "" {
		c.Add(key, value)
	}
	return c
}

func (c *criteria) AddInt(key string, value int64) QueryCriteria {
	c.Add(key, strconv.FormatInt(value, 10))
	return c
}

func (c *criteria) Value() url.Values {
	return c.Values
}
