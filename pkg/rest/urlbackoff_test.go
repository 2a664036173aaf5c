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
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestURLBackoff(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewURLBackoff(10*time.Millisecond, 40*time.Millisecond)
	b.now = func() time.Time { return now }

	data, _ := url.Parse("http://loopd/v1/devices/1/data?offset=0")
	other, _ := url.Parse("http://loopd/v1/devices/2/data")

	steps := []struct {
		name string
		err  error
		code int
		want time.Duration
	}{
		{"first overload", nil, http.StatusServiceUnavailable, 10 * time.Millisecond},
		{"second overload", nil, http.StatusServiceUnavailable, 20 * time.Millisecond},
		{"dial failure", errors.New("connection refused"), 0, 40 * time.Millisecond},
		{"capped", nil, http.StatusTooManyRequests, 40 * time.Millisecond},
		{"client error resets", nil, http.StatusNotFound, 0},
		{"again from base", nil, http.StatusServiceUnavailable, 10 * time.Millisecond},
	}
	for _, s := range steps {
		b.UpdateBackoff(data, s.err, s.code)
		assert.Equal(t, s.want, b.CalculateBackoff(data), s.name)
	}
	assert.Zero(t, b.CalculateBackoff(other))

	now = now.Add(100 * time.Millisecond)
	assert.Zero(t, b.CalculateBackoff(data))
	b.UpdateBackoff(data, nil, http.StatusServiceUnavailable)
	assert.Equal(t, 10*time.Millisecond, b.CalculateBackoff(data))

	b.UpdateBackoff(data, nil, http.StatusOK)
	assert.Zero(t, b.CalculateBackoff(data))
}

func TestRequestWaitsAfterOverload(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{}`))
	}, ContentConfig{})
	rec := &recordingBackoff{URLBackoff: NewURLBackoff(time.Second, 4*time.Second)}
	c.SetBackoff(rec)

	c.Get().Resource("devices").Do()
	c.Get().Resource("devices").Do()
	assert.Equal(t, []time.Duration{0, time.Second}, rec.slept)
}

type recordingBackoff struct {
	*URLBackoff
	slept []time.Duration
}

func (r *recordingBackoff) Sleep(d time.Duration) {
	r.slept = append(r.slept, d)
}
