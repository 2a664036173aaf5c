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
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Responses that mean the daemon is saturated rather than the request wrong.
var serverIsOverloadedSet = sets.NewInt(429, 503)

// BackoffManager decides how long a request waits before it is sent.
type BackoffManager interface {
	UpdateBackoff(url *url.URL, err error, responseCode int)
	CalculateBackoff(url *url.URL) time.Duration
	Sleep(d time.Duration)
}

// NoBackoff never delays. It is the default of every request.
type NoBackoff struct {
}

func (n *NoBackoff) UpdateBackoff(url *url.URL, err error, responseCode int) {}

func (n *NoBackoff) CalculateBackoff(url *url.URL) time.Duration {
	return 0
}

func (n *NoBackoff) Sleep(d time.Duration) {
	time.Sleep(d)
}

type backoffEntry struct {
	delay   time.Duration
	updated time.Time
}

// URLBackoff delays requests to a host and path that recently failed to
// connect or came back overloaded. The delay doubles per failure from base up
// to max, and is forgotten on the first other response or once the path has
// been quiet for twice max.
type URLBackoff struct {
	base, max time.Duration
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*backoffEntry
}

func NewURLBackoff(base, max time.Duration) *URLBackoff {
	return &URLBackoff{
		base:    base,
		max:     max,
		now:     time.Now,
		entries: map[string]*backoffEntry{},
	}
}

func backoffKey(u *url.URL) string {
	return u.Host + u.Path
}

func (b *URLBackoff) UpdateBackoff(u *url.URL, err error, responseCode int) {
	key := backoffKey(u)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil && !serverIsOverloadedSet.Has(responseCode) {
		delete(b.entries, key)
		return
	}
	now := b.now()
	e, ok := b.entries[key]
	if !ok || now.Sub(e.updated) > 2*b.max {
		b.entries[key] = &backoffEntry{delay: b.base, updated: now}
		return
	}
	e.delay *= 2
	if e.delay > b.max {
		e.delay = b.max
	}
	e.updated = now
}

func (b *URLBackoff) CalculateBackoff(u *url.URL) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[backoffKey(u)]
	if !ok || b.now().Sub(e.updated) > 2*b.max {
		return 0
	}
	return e.delay
}

func (b *URLBackoff) Sleep(d time.Duration) {
	time.Sleep(d)
}
