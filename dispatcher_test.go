// Copyright (c) 2014 - Max Persson <max@looplab.se>
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

package eventsource_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/mocks"
)

func TestDispatcherSyncAndAsync(t *testing.T) {
	rules := es.NewRuleTable()
	sync1 := mocks.NewReactor("sync1")
	sync2 := mocks.NewReactor("sync2")
	assert.NoError(t, rules.On(mocks.ContentSetEventType).
		Trigger(sync1, sync2).
		Async(es.EventReactor(mocks.IncrementedEventType)).Err())

	queue := &mocks.TaskQueue{}
	d, err := es.NewDispatcher(rules, es.WithTaskQueue(queue))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	e, _ := newEngine(t, es.WithDispatcher(d))

	ctx := mocks.WithContextOne(context.Background(), "one")
	event := mocks.NewContentSet(nil, "a")
	if _, err := e.Create(ctx, event); err != nil {
		t.Fatal("there should be no error:", err)
	}

	// Sync reactors get the committed aggregate.
	assert.Equal(t, 1, sync1.Calls())
	assert.Equal(t, 1, sync2.Calls())
	assert.Same(t, event.Aggregate(), sync1.Aggregates[0])
	assert.True(t, sync1.Aggregates[0].Base().Persisted())

	// Async reactors are enqueued by reference.
	if len(queue.Tasks) != 1 {
		t.Fatal("there should be one task:", queue.Tasks)
	}
	assert.Equal(t, es.Task{
		EventType:     mocks.ContentSetEventType,
		Seq:           event.Seq,
		AggregateType: mocks.AggregateType,
		AggregateID:   event.AggregateID,
		Reactor:       string(mocks.IncrementedEventType),
	}, queue.Tasks[0])
	if val, ok := mocks.ContextOne(queue.Context); !ok || val != "one" {
		t.Error("the context should be passed to the queue:", val)
	}

	// The async reactor did not run.
	assert.Equal(t, 0, event.Aggregate().(*mocks.Aggregate).Counter)
}

func TestDispatcherSyncFailureStops(t *testing.T) {
	rules := es.NewRuleTable()
	failing := mocks.NewReactor("failing")
	failing.Err = errors.New("reactor error")
	after := mocks.NewReactor("after")
	assert.NoError(t, rules.On(mocks.ContentSetEventType).Trigger(failing, after).Async(after).Err())

	queue := &mocks.TaskQueue{}
	d, err := es.NewDispatcher(rules, es.WithTaskQueue(queue))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	e, _ := newEngine(t, es.WithDispatcher(d))

	_, err = e.Create(context.Background(), mocks.NewContentSet(nil, "a"))
	var dispErr *es.DispatchError
	if !errors.As(err, &dispErr) || dispErr.Reactor != "failing" {
		t.Error("there should be a dispatch error:", err)
	}
	assert.Equal(t, 0, after.Calls())
	assert.Empty(t, queue.Tasks)
}

func TestDispatcherEnqueueError(t *testing.T) {
	rules := es.NewRuleTable()
	assert.NoError(t, rules.On(mocks.ContentSetEventType).Async(mocks.NewReactor("async")).Err())

	queueErr := errors.New("queue error")
	d, err := es.NewDispatcher(rules, es.WithTaskQueue(&mocks.TaskQueue{Err: queueErr}))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	e, r := newEngine(t, es.WithDispatcher(d))

	_, err = e.Create(context.Background(), mocks.NewContentSet(nil, "a"))
	var dispErr *es.DispatchError
	if !errors.As(err, &dispErr) || !dispErr.Async || !errors.Is(err, queueErr) {
		t.Error("there should be an async dispatch error:", err)
	}
	assert.Equal(t, 1, r.EventCount())
}

func TestDispatcherMissingQueue(t *testing.T) {
	rules := es.NewRuleTable()
	assert.NoError(t, rules.On(mocks.ContentSetEventType).Async(mocks.NewReactor("async")).Err())

	d, err := es.NewDispatcher(rules)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	e, _ := newEngine(t, es.WithDispatcher(d))

	if _, err = e.Create(context.Background(), mocks.NewContentSet(nil, "a")); !errors.Is(err, es.ErrMissingQueue) {
		t.Error("there should be a missing queue error:", err)
	}
}

func TestDispatcherIdempotentAndSupertypeFiring(t *testing.T) {
	rules := es.NewRuleTable()
	concrete := mocks.NewReactor("concrete")
	all := mocks.NewReactor("all")
	rules.On(mocks.ContentSetEventType).Trigger(concrete)
	rules.On(mocks.ContentSetEventType).Trigger(concrete)
	rules.On(mocks.EventType).Trigger(all)

	d, err := es.NewDispatcher(rules, es.WithDispatchMiddleware(func(r es.Reactor) es.Reactor { return r }))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	e, _ := newEngine(t, es.WithDispatcher(d))

	if _, err := e.Create(context.Background(), mocks.NewContentSet(nil, "a")); err != nil {
		t.Fatal("there should be no error:", err)
	}
	assert.Equal(t, 1, concrete.Calls())
	assert.Equal(t, 1, all.Calls())

	incremented, _ := es.NewEventFor(mocks.IncrementedEventType, concrete.Aggregates[0])
	if _, err := e.Create(context.Background(), incremented); err != nil {
		t.Fatal("there should be no error:", err)
	}
	assert.Equal(t, 1, concrete.Calls())
	assert.Equal(t, 2, all.Calls())
}

func TestNewDispatcher(t *testing.T) {
	if _, err := es.NewDispatcher(nil); err == nil {
		t.Error("there should be an error")
	}
	if _, err := es.NewDispatcher(es.NewRuleTable(), es.WithDispatchLogger(nil)); err == nil {
		t.Error("there should be an error")
	}
}
