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

package loopd

import (
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/baidu/easyloop/pkg/loop"
	"github.com/baidu/easyloop/pkg/util/logs"
	"github.com/baidu/easyloop/pkg/util/logs/metric"
)

const (
	MetricDevicesByState = "loopd_devices_by_state"
	MetricOpenHandles    = "loopd_open_handles"
)

var (
	metricsOnce sync.Once

	states = []loop.State{loop.Unbound, loop.Bound, loop.Rundown, loop.Deleting}

	metrics = []metric.MetricConfig{
		{
			MetricType:   metric.MetricTypeGauge,
			Index:        MetricDevicesByState,
			Name:         "devices_by_state",
			Labels:       []string{"state"},
			HelpTemplate: "registered devices per state",
		},
		{
			MetricType:   metric.MetricTypeGauge,
			Index:        MetricOpenHandles,
			Name:         "open_handles",
			Labels:       []string{},
			HelpTemplate: "handles held open by clients",
		},
	}
)

func registerMetrics() {
	metricsOnce.Do(func() {
		if err := metric.Register("loopd", metrics); err != nil {
			logs.Warnf("register loopd metrics: %v", err)
		}
	})
}

// RefreshGauges samples device states and open handles.
func (l *Loopd) RefreshGauges() {
	counts := make(map[loop.State]int, len(states))
	for _, d := range l.mgr.Devices() {
		counts[d.State()]++
	}
	for _, s := range states {
		metric.SetGauge(MetricDevicesByState, float64(counts[s]), s.String())
	}

	l.mu.Lock()
	n := len(l.handles)
	l.mu.Unlock()
	metric.SetGauge(MetricOpenHandles, float64(n))
}

// RunGauges refreshes the gauges every GaugePeriod until stopCh is closed.
func (l *Loopd) RunGauges(stopCh <-chan struct{}) {
	period := l.opts.GaugePeriod
	if period <= 0 {
		period = 10 * time.Second
	}
	wait.Until(l.RefreshGauges, period, stopCh)
}
