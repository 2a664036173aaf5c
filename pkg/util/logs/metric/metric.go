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
	"sync"
	"time"

	"github.com/baidu/easyloop/pkg/util/logs"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	metricNamespace = "namespace"
)

var (
	mu                    sync.RWMutex
	metricHistogramVecMap = make(map[string]*prometheus.HistogramVec)
	metricCounterVecMap   = make(map[string]*prometheus.CounterVec)
	metricGaugeVecMap     = make(map[string]*prometheus.GaugeVec)
	metricSummaryVecMap   = make(map[string]*prometheus.SummaryVec)
)

// register adds c to the default registry. A collector that is already
// registered under the same descriptor is returned instead of failing, so a
// subsystem may be registered by more than one component of the process.
func register(c prometheus.Collector) (prometheus.Collector, error) {
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector, nil
		}
		return nil, err
	}
	return c, nil
}

func InitMetric(namespace string) {
	metricNamespace = namespace
}

func Register(subsystem string, configs []MetricConfig) error {
	// check all config is valid
	for _, c := range configs {
		if err := c.Validator(); err != nil {
			return err
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, c := range configs {
		switch c.MetricType {
		case MetricTypeCounter:
			counter, err := register(prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metricNamespace,
				Subsystem: subsystem,
				Name:      c.Name,
				Help:      c.HelpTemplate,
			}, c.Labels))
			if err != nil {
				return fmt.Errorf("register counter %s: %v", c.Name, err)
			}
			metricCounterVecMap[c.Index] = counter.(*prometheus.CounterVec)

		case MetricTypeGauge:
			gauge, err := register(prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: metricNamespace,
				Subsystem: subsystem,
				Name:      c.Name,
				Help:      c.HelpTemplate,
			}, c.Labels))
			if err != nil {
				return fmt.Errorf("register gauge %s: %v", c.Name, err)
			}
			metricGaugeVecMap[c.Index] = gauge.(*prometheus.GaugeVec)

		case MetricTypeHistogram:
			histogram, err := register(prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: metricNamespace,
				Subsystem: subsystem,
				Name:      c.Name,
				Help:      c.HelpTemplate,
				Buckets:   c.Buckets,
			}, c.Labels))
			if err != nil {
				return fmt.Errorf("register histogram %s: %v", c.Name, err)
			}
			metricHistogramVecMap[c.Index] = histogram.(*prometheus.HistogramVec)

			if c.HasSummary {
				summary, err := register(prometheus.NewSummaryVec(prometheus.SummaryOpts{
					Namespace: metricNamespace,
					Subsystem: subsystem,
					Name:      fmt.Sprintf("%s_latencies", c.Name),
					Help:      c.HelpTemplate,
					MaxAge:    10 * time.Minute,
				}, c.Labels))
				if err != nil {
					return fmt.Errorf("register summary %s: %v", c.Name, err)
				}
				metricSummaryVecMap[c.Index] = summary.(*prometheus.SummaryVec)
			}
		default:
		}
	}

	return nil
}

func Observe(index string, value float64, labels ...string) {
	mu.RLock()
	defer mu.RUnlock()
	if histogram, ok := metricHistogramVecMap[index]; ok {
		histogram.WithLabelValues(labels...).Observe(value)

		if summary, ok := metricSummaryVecMap[index]; ok {
			summary.WithLabelValues(labels...).Observe(value)
		}
	}
}

func ObserveWithLabels(index string, value float64, labels *prometheus.Labels) {
	mu.RLock()
	defer mu.RUnlock()
	if histogram, ok := metricHistogramVecMap[index]; ok {
		histogram.With(*labels).Observe(value)

		if summary, ok := metricSummaryVecMap[index]; ok {
			summary.With(*labels).Observe(value)
		}
	}
}

func GetCounterValue(index string, labels ...string) float64 {
	m := &dto.Metric{}
	mu.RLock()
	counter, ok := metricCounterVecMap[index]
	mu.RUnlock()
	if ok {
		if err := counter.WithLabelValues(labels...).Write(m); err != nil {
			logs.Errorf("write metric failed: %s", err)
			return 0
		}
	}
	return m.Counter.GetValue()
}

func Inc(index string, labels ...string) {
	mu.RLock()
	defer mu.RUnlock()
	if counter, ok := metricCounterVecMap[index]; ok {
		counter.WithLabelValues(labels...).Inc()
	}
}

func IncWithLabels(index string, labels *prometheus.Labels) {
	mu.RLock()
	defer mu.RUnlock()
	if counter, ok := metricCounterVecMap[index]; ok {
		counter.With(*labels).Inc()
	}
}

func Add(index string, value float64, labels ...string) {
	mu.RLock()
	defer mu.RUnlock()
	if counter, ok := metricCounterVecMap[index]; ok {
		counter.WithLabelValues(labels...).Add(value)
	}
}

func AddWithLabels(index string, value float64, labels *prometheus.Labels) {
	mu.RLock()
	defer mu.RUnlock()
	if counter, ok := metricCounterVecMap[index]; ok {
		counter.With(*labels).Add(value)
	}
}

// GetGaugeValue reads the current value of a gauge, 0 if it is unknown.
func GetGaugeValue(index string, labels ...string) float64 {
	m := &dto.Metric{}
	mu.RLock()
	gauge, ok := metricGaugeVecMap[index]
	mu.RUnlock()
	if ok {
		if err := gauge.WithLabelValues(labels...).Write(m); err != nil {
			logs.Errorf("write metric failed: %s", err)
			return 0
		}
	}
	return m.Gauge.GetValue()
}

// DeleteLabelValues drops one series of every vector registered under index.
func DeleteLabelValues(index string, labels ...string) {
	mu.RLock()
	defer mu.RUnlock()
	if counter, ok := metricCounterVecMap[index]; ok {
		counter.DeleteLabelValues(labels...)
	}
	if gauge, ok := metricGaugeVecMap[index]; ok {
		gauge.DeleteLabelValues(labels...)
	}
}

func SetGauge(index string, value float64, labels ...string) {
	mu.RLock()
	defer mu.RUnlock()
	if gauge, ok := metricGaugeVecMap[index]; ok {
		gauge.WithLabelValues(labels...).Set(value)
	}
}

func SetGaugeWithLabels(index string, value float64, labels *prometheus.Labels) {
	mu.RLock()
	defer mu.RUnlock()
	if gauge, ok := metricGaugeVecMap[index]; ok {
		gauge.With(*labels).Set(value)
	}
}

func AddGauge(index string, value float64, labels ...string) {
	mu.RLock()
	defer mu.RUnlock()
	if gauge, ok := metricGaugeVecMap[index]; ok {
		gauge.WithLabelValues(labels...).Add(value)
	}
}

func SubGauge(index string, value float64, labels ...string) {
	mu.RLock()
	defer mu.RUnlock()
	if gauge, ok := metricGaugeVecMap[index]; ok {
		gauge.WithLabelValues(labels...).Sub(value)
	}
}
