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
	"fmt"
	"regexp"
	"sort"
)

var (
	metricNameRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	labelNameRE  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

type metricType string

const (
	MetricTypeCounter   metricType = "counter"
	MetricTypeGauge     metricType = "gauge"
	MetricTypeHistogram metricType = "histogram"
)

type MetricConfig struct {
	Index        string
	Name         string
	Labels       []string
	HelpTemplate string
	Buckets      []float64
	MetricType   metricType
	HasSummary   bool
}

// Validator rejects configs prometheus would panic on at registration or at
// the first observation.
func (m *MetricConfig) Validator() error {
	if len(m.Index) == 0 {
		return fmt.Errorf("index is required")
	}
	if len(m.Name) == 0 {
		return fmt.Errorf("name is required")
	}
	if !metricNameRE.MatchString(m.Name) {
		return fmt.Errorf("metric %s: invalid name", m.Name)
	}

	switch m.MetricType {
	case MetricTypeCounter, MetricTypeGauge:
		if m.HasSummary {
			return fmt.Errorf("metric %s: only a histogram may carry a summary", m.Name)
		}
		if len(m.Buckets) > 0 {
			return fmt.Errorf("metric %s: buckets set on a %s", m.Name, m.MetricType)
		}
	case MetricTypeHistogram:
		if !sort.Float64sAreSorted(m.Buckets) {
			return fmt.Errorf("metric %s: buckets must be increasing", m.Name)
		}
		for i := 1; i < len(m.Buckets); i++ {
			if m.Buckets[i] == m.Buckets[i-1] {
				return fmt.Errorf("metric %s: duplicate bucket %v", m.Name, m.Buckets[i])
			}
		}
	default:
		return fmt.Errorf("metric %s: unknown type %q", m.Name, m.MetricType)
	}

	seen := make(map[string]bool, len(m.Labels))
	for _, l := range m.Labels {
		switch {
		case !labelNameRE.MatchString(l) || len(l) >= 2 && l[:2] == "__":
			return fmt.Errorf("metric %s: invalid label %q", m.Name, l)
		case seen[l]:
			return fmt.Errorf("metric %s: duplicate label %q", m.Name, l)
		case l == "le" && m.MetricType == MetricTypeHistogram,
			l == "quantile" && m.HasSummary:
			return fmt.Errorf("metric %s: label %q is reserved", m.Name, l)
		}
		seen[l] = true
	}
	return nil
}
