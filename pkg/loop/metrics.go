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

package loop

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/baidu/easyloop/pkg/blkcg"
	"github.com/baidu/easyloop/pkg/util/logs"
	"github.com/baidu/easyloop/pkg/util/logs/metric"
)

const (
	MetricRequests        = "requests_total"
	MetricRequestDuration = "request_duration_ms"
	MetricWorkers         = "workers"
	MetricIdleReaped      = "idle_reaped_total"
	MetricDegradedToRoot  = "degraded_to_root_total"
	MetricTransitions     = "state_transitions_total"
	MetricDevices         = "devices"
	MetricGroupBytes      = "group_bytes_total"
)

var (
	metricsOnce sync.Once

	metrics = []metric.MetricConfig{
		{
			MetricType:   metric.MetricTypeCounter,
			Index:        MetricRequests,
			Name:         MetricRequests,
			Labels:       []string{"device", "op", "status"},
			HelpTemplate: "completed block requests",
		},
		{
			MetricType:   metric.MetricTypeHistogram,
			Index:        MetricRequestDuration,
			Name:         MetricRequestDuration,
			Labels:       []string{"op"},
			HelpTemplate: "block request latency in milliseconds",
			Buckets:      []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500},
			HasSummary:   true,
		},
		{
			MetricType:   metric.MetricTypeGauge,
			Index:        MetricWorkers,
			Name:         MetricWorkers,
			Labels:       []string{"device"},
			HelpTemplate: "live group workers",
		},
		{
			MetricType:   metric.MetricTypeCounter,
			Index:        MetricIdleReaped,
			Name:         MetricIdleReaped,
			Labels:       []string{"device"},
			HelpTemplate: "workers freed after idling",
		},
		{
			MetricType:   metric.MetricTypeCounter,
			Index:        MetricDegradedToRoot,
			Name:         MetricDegradedToRoot,
			Labels:       []string{"device"},
			HelpTemplate: "commands queued on the root worker for want of a group worker",
		},
		{
			MetricType:   metric.MetricTypeCounter,
			Index:        MetricTransitions,
			Name:         MetricTransitions,
			Labels:       []string{"state"},
			HelpTemplate: "device state transitions",
		},
		{
			MetricType:   metric.MetricTypeGauge,
			Index:        MetricDevices,
			Name:         MetricDevices,
			Labels:       []string{},
			HelpTemplate: "registered devices",
		},
		{
			MetricType:   metric.MetricTypeCounter,
			Index:        MetricGroupBytes,
			Name:         MetricGroupBytes,
			Labels:       []string{"device", "group"},
			HelpTemplate: "bytes issued on behalf of a group",
		},
	}
)

func registerMetrics() {
	metricsOnce.Do(func() {
		if err := metric.Register("loop", metrics); err != nil {
			logs.Warnf("register loop metrics: %v", err)
		}
	})
}

func statusLabel(status error) string {
	if status == nil {
		return "ok"
	}
	if errno, ok := status.(unix.Errno); ok {
		return unix.ErrnoName(errno)
	}
	return "error"
}

func observeRequest(d *Device, op Op, status error, took time.Duration) {
	metric.Inc(MetricRequests, d.label(), op.String(), statusLabel(status))
	metric.Observe(MetricRequestDuration, float64(took)/float64(time.Millisecond), op.String())
}

func setWorkers(d *Device, n int) {
	metric.SetGauge(MetricWorkers, float64(n), d.label())
}

func idleReaped(d *Device, n int) {
	metric.Add(MetricIdleReaped, float64(n), d.label())
}

func degradedToRoot(d *Device) {
	metric.Inc(MetricDegradedToRoot, d.label())
}

func stateTransitions(s State) {
	metric.Inc(MetricTransitions, s.String())
}

func groupBytes(d *Device, g *blkcg.Group, n int64) {
	if n > 0 {
		metric.Add(MetricGroupBytes, float64(n), d.label(), g.String())
	}
}

func setDevices(n int) {
	metric.SetGauge(MetricDevices, float64(n))
}

func forgetDevice(d *Device) {
	label := d.label()
	metric.DeleteLabelValues(MetricWorkers, label)
	metric.DeleteLabelValues(MetricIdleReaped, label)
	metric.DeleteLabelValues(MetricDegradedToRoot, label)
}
