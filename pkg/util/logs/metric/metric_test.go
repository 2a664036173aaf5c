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

package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegisterTwice(t *testing.T) {
	configs := []MetricConfig{
		{Index: "ut_counter", Name: "ut_counter_total", Labels: []string{"a"}, MetricType: MetricTypeCounter},
		{Index: "ut_gauge", Name: "ut_gauge", Labels: []string{"a"}, MetricType: MetricTypeGauge},
	}
	assert.Nil(t, Register("ut", configs))
	Inc("ut_counter", "x")
	// a second registration reuses the live collectors
	assert.Nil(t, Register("ut", configs))
	Inc("ut_counter", "x")
	assert.Equal(t, float64(2), GetCounterValue("ut_counter", "x"))

	SetGauge("ut_gauge", 3, "x")
	SubGauge("ut_gauge", 1, "x")
	assert.Equal(t, float64(2), GetGaugeValue("ut_gauge", "x"))
	DeleteLabelValues("ut_gauge", "x")
	assert.Equal(t, float64(0), GetGaugeValue("ut_gauge", "x"))
}

func TestValidator(t *testing.T) {
	cases := []struct {
		name string
		c    MetricConfig
		ok   bool
	}{
		{"no index", MetricConfig{Name: "n", MetricType: MetricTypeGauge}, false},
		{"no name", MetricConfig{Index: "i"}, false},
		{"gauge with summary", MetricConfig{Index: "i", Name: "n", MetricType: MetricTypeGauge, HasSummary: true}, false},
		{"histogram with summary", MetricConfig{Index: "i", Name: "n", MetricType: MetricTypeHistogram, HasSummary: true}, true},
		{"no type", MetricConfig{Index: "i", Name: "n"}, false},
		{"dashed name", MetricConfig{Index: "i", Name: "request-count", MetricType: MetricTypeCounter}, false},
		{"leading digit", MetricConfig{Index: "i", Name: "0n", MetricType: MetricTypeCounter}, false},
		{"counter with buckets", MetricConfig{Index: "i", Name: "n", MetricType: MetricTypeCounter, Buckets: []float64{1}}, false},
		{"unsorted buckets", MetricConfig{Index: "i", Name: "n", MetricType: MetricTypeHistogram, Buckets: []float64{5, 1}}, false},
		{"repeated bucket", MetricConfig{Index: "i", Name: "n", MetricType: MetricTypeHistogram, Buckets: []float64{1, 1}}, false},
		{"labels", MetricConfig{Index: "i", Name: "n", MetricType: MetricTypeCounter, Labels: []string{"device", "op"}}, true},
		{"duplicate label", MetricConfig{Index: "i", Name: "n", MetricType: MetricTypeCounter, Labels: []string{"op", "op"}}, false},
		{"internal label", MetricConfig{Index: "i", Name: "n", MetricType: MetricTypeGauge, Labels: []string{"__name"}}, false},
		{"le on histogram", MetricConfig{Index: "i", Name: "n", MetricType: MetricTypeHistogram, Labels: []string{"le"}}, false},
		{"le on gauge", MetricConfig{Index: "i", Name: "n", MetricType: MetricTypeGauge, Labels: []string{"le"}}, true},
		{"quantile with summary", MetricConfig{Index: "i", Name: "n", MetricType: MetricTypeHistogram, HasSummary: true, Labels: []string{"quantile"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.c.Validator()
			assert.Equal(t, tc.ok, err == nil)
		})
	}
}
