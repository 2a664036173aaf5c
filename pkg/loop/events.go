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
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/go-diodes"

	"github.com/baidu/easyloop/pkg/util/logs"
)

// EventKind tells what happened to a device.
type EventKind int

const (
	// EventAdd is sent when a device is created.
	EventAdd EventKind = iota
	// EventRemove is sent when a device is removed.
	EventRemove
	// EventChange is the generic change notification.
	EventChange
	// EventMediaChange is sent when the backing store identity changes.
	EventMediaChange
	// EventPartScan is sent when partitions are rescanned.
	EventPartScan
)

var eventKindNames = [...]string{"add", "remove", "change", "media_change", "partscan"}

func (k EventKind) String() string {
	if k < 0 || int(k) >= len(eventKindNames) {
		return fmt.Sprintf("event(%d)", int(k))
	}
	return eventKindNames[k]
}

// Event is a device notification.
type Event struct {
	Kind   EventKind
	Device int
	// Resize is set on a change that reports a new capacity.
	Resize bool
	Time   time.Time
}

func (e Event) String() string {
	if e.Resize {
		return fmt.Sprintf("loop%d %s RESIZE=1", e.Device, e.Kind)
	}
	return fmt.Sprintf("loop%d %s", e.Device, e.Kind)
}

// eventPollInterval bounds how long a published event waits for delivery.
const eventPollInterval = 5 * time.Millisecond

// eventBus fans events out to subscribers. Every subscription is a ring of
// n events, publishers never block and a subscriber that falls behind loses
// the oldest events. Lost events are counted.
type eventBus struct {
	mu      sync.Mutex
	next    int
	subs    map[int]*diodes.ManyToOne
	dropped uint64
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]*diodes.ManyToOne)}
}

func (b *eventBus) subscribe(n int) (<-chan Event, func()) {
	if n < 1 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := diodes.NewManyToOne(n, diodes.AlertFunc(func(missed int) {
		atomic.AddUint64(&b.dropped, uint64(missed))
		logs.V(4).Warnf("event subscriber fell behind, dropped %d events", missed)
	}))
	p := diodes.NewPoller(d,
		diodes.WithPollingInterval(eventPollInterval),
		diodes.WithPollingContext(ctx))

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = d
	b.mu.Unlock()

	ch := make(chan Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(ch)
		for {
			data := p.Next()
			if data == nil {
				return
			}
			select {
			case ch <- *(*Event)(data):
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			cancel()
			<-done
		})
	}
}

func (b *eventBus) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.subs {
		d.Set(diodes.GenericDataType(&ev))
	}
}

// droppedEvents is the number of events subscribers lost.
func (b *eventBus) droppedEvents() uint64 {
	return atomic.LoadUint64(&b.dropped)
}
