// Copyright (c) 2017 - Max Ekman <max@looplab.se>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package utils

import (
	"context"
	"sync"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/uuid"
)

type singleWaiter struct {
	ch    chan es.Event
	match func(es.Event) bool
}

// EventWaiter waits for committed events to match a criteria. It is fed by
// an engine, see Observe.
type EventWaiter struct {
	waits   map[uuid.UUID]singleWaiter
	waitsMu sync.RWMutex
}

// NewEventWaiter returns a new EventWaiter.
func NewEventWaiter() *EventWaiter {
	return &EventWaiter{
		waits: map[uuid.UUID]singleWaiter{},
	}
}

// Observe is an eventsource.StageObserver that forwards committed events to
// the waiters, use it with eventsource.WithStageObserver.
func (w *EventWaiter) Observe(ctx context.Context, s es.Stage, event es.Event) {
	if s != es.StageDispatch {
		return
	}

	w.waitsMu.RLock()
	defer w.waitsMu.RUnlock()

	for _, sw := range w.waits {
		if sw.match(event) {
			select {
			case sw.ch <- event:
			default:
			}
		}
	}
}

// SetupWait sets up the waiter with the match function, which selects the
// interesting events. Only the first match is delivered on the channel.
func (w *EventWaiter) SetupWait(match func(es.Event) bool) (id uuid.UUID, ch chan es.Event) {
	id = uuid.New()

	ch = make(chan es.Event, 1)
	sw := singleWaiter{ch: ch, match: match}

	w.waitsMu.Lock()
	w.waits[id] = sw
	w.waitsMu.Unlock()

	return
}

// CancelWait removes a waiter.
func (w *EventWaiter) CancelWait(id uuid.UUID) {
	w.waitsMu.Lock()
	delete(w.waits, id)
	w.waitsMu.Unlock()
}

// Wait blocks until an event matches or the context is done.
func (w *EventWaiter) Wait(ctx context.Context, match func(es.Event) bool) (event es.Event, err error) {
	waitID, resultChan := w.SetupWait(match)
	defer w.CancelWait(waitID)

	select {
	case event = <-resultChan:
	case <-ctx.Done():
		err = ctx.Err()
	}

	return
}

// MatchEvent matches events of type t for the aggregate id.
func MatchEvent(t es.EventType, id uuid.UUID) func(es.Event) bool {
	return func(e es.Event) bool {
		return e.EventType() == t && e.Base().AggregateID == id
	}
}
