// Copyright (c) 2014 - The Event Horizon authors.
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

type runnerFixture struct {
	engine *es.Engine
	rules  *es.RuleTable
	queue  *mocks.TaskQueue
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()

	f := &runnerFixture{
		rules: es.NewRuleTable(),
		queue: &mocks.TaskQueue{},
	}

	d, err := es.NewDispatcher(f.rules, es.WithTaskQueue(f.queue))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	f.engine, _ = newEngine(t, es.WithDispatcher(d))

	return f
}

func TestReactorRunnerChainsEvents(t *testing.T) {
	f := newRunnerFixture(t)
	assert.NoError(t, f.rules.On(mocks.ContentSetEventType).
		Async(es.EventReactor(mocks.IncrementedEventType)).Err())
	assert.NoError(t, f.rules.On(mocks.IncrementedEventType).
		Async(mocks.NewReactor("after")).Err())

	runner, err := es.NewReactorRunner(f.engine, f.rules)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	ctx := context.Background()
	event := mocks.NewContentSet(nil, "a")
	if _, err := f.engine.Create(ctx, event); err != nil {
		t.Fatal("there should be no error:", err)
	}
	if len(f.queue.Tasks) != 1 {
		t.Fatal("there should be one task:", f.queue.Tasks)
	}

	// Performing the task creates the reacting event.
	if err := runner.HandleTask(ctx, f.queue.Tasks[0]); err != nil {
		t.Fatal("there should be no error:", err)
	}
	events, err := f.engine.EventsFor(ctx, event.Aggregate())
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	if len(events) != 2 {
		t.Fatal("there should be two events:", len(events))
	}
	assert.Equal(t, mocks.IncrementedEventType, events[1].EventType())

	a, err := f.engine.Repository().FindAggregate(ctx, mocks.AggregateType, event.AggregateID)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	assert.Equal(t, 1, a.(*mocks.Aggregate).Counter)

	// Which in turn is dispatched, one reaction deeper.
	if len(f.queue.Tasks) != 2 {
		t.Fatal("there should be two tasks:", f.queue.Tasks)
	}
	assert.Equal(t, "after", f.queue.Tasks[1].Reactor)
	assert.Equal(t, 1, es.ReactionDepthFromContext(f.queue.Context))
}

func TestReactorRunnerMaxDepth(t *testing.T) {
	f := newRunnerFixture(t)
	// A reaction loop.
	assert.NoError(t, f.rules.On(mocks.IncrementedEventType).
		Async(es.EventReactor(mocks.IncrementedEventType)).Err())

	runner, err := es.NewReactorRunner(f.engine, f.rules, es.WithMaxReactionDepth(3))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	event, _ := es.NewEvent(mocks.IncrementedEventType)
	if _, err := f.engine.Create(context.Background(), event); err != nil {
		t.Fatal("there should be no error:", err)
	}

	for i := 0; ; i++ {
		task := f.queue.Tasks[len(f.queue.Tasks)-1]
		ctx := es.UnmarshalContext(context.Background(), es.MarshalContext(f.queue.Context))

		err := runner.HandleTask(ctx, task)
		if i < 3 {
			if err != nil {
				t.Fatal("there should be no error:", err)
			}
			continue
		}
		if !errors.Is(err, es.ErrReactionDepthExceeded) {
			t.Error("there should be a depth error:", err)
		}
		if es.IsRetryable(err) {
			t.Error("the error should not be retryable")
		}
		break
	}
	assert.Equal(t, 4, len(f.queue.Tasks))
}

func TestReactorRunnerSkipsDeletedEvents(t *testing.T) {
	f := newRunnerFixture(t)
	reactor := mocks.NewReactor("reactor")
	assert.NoError(t, f.rules.On(mocks.ContentSetEventType).Async(reactor).Err())

	runner, err := es.NewReactorRunner(f.engine, f.rules)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	ctx := context.Background()
	first := mocks.NewContentSet(nil, "a")
	if _, err := f.engine.Create(ctx, first); err != nil {
		t.Fatal("there should be no error:", err)
	}
	second := mocks.NewContentSet(first.Aggregate(), "b")
	if _, err := f.engine.Create(ctx, second); err != nil {
		t.Fatal("there should be no error:", err)
	}
	if err := f.engine.Rollback(ctx, first); err != nil {
		t.Fatal("there should be no error:", err)
	}

	if err := runner.HandleTask(ctx, f.queue.Tasks[1]); err != nil {
		t.Error("there should be no error:", err)
	}
	assert.Equal(t, 0, reactor.Calls())

	// The task for the kept event still runs, with the current state.
	if err := runner.HandleTask(ctx, f.queue.Tasks[0]); err != nil {
		t.Error("there should be no error:", err)
	}
	assert.Equal(t, 1, reactor.Calls())
	assert.Equal(t, "a", reactor.Aggregates[0].(*mocks.Aggregate).Content)
}

func TestReactorRunnerErrors(t *testing.T) {
	f := newRunnerFixture(t)
	reactor := mocks.NewReactor("reactor")
	reactor.Err = errors.New("reactor error")
	assert.NoError(t, f.rules.On(mocks.ContentSetEventType).Async(reactor).Err())

	if _, err := es.NewReactorRunner(nil, f.rules); err == nil {
		t.Error("there should be an error")
	}
	if _, err := es.NewReactorRunner(f.engine, nil); err == nil {
		t.Error("there should be an error")
	}
	if _, err := es.NewReactorRunner(f.engine, f.rules, es.WithMaxReactionDepth(-1)); err == nil {
		t.Error("there should be an error")
	}

	runner, err := es.NewReactorRunner(f.engine, f.rules)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	ctx := context.Background()
	event := mocks.NewContentSet(nil, "a")
	if _, err := f.engine.Create(ctx, event); err != nil {
		t.Fatal("there should be no error:", err)
	}
	task := f.queue.Tasks[0]

	err = runner.HandleTask(ctx, task)
	if !errors.Is(err, reactor.Err) || !es.IsRetryable(err) {
		t.Error("there should be a retryable reactor error:", err)
	}

	task.Reactor = "unknown"
	err = runner.HandleTask(ctx, task)
	if !errors.Is(err, es.ErrReactorNotFound) || es.IsRetryable(err) {
		t.Error("there should be a permanent not found error:", err)
	}
}
