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

func names(reactors []es.Reactor) []string {
	n := []string{}
	for _, r := range reactors {
		n = append(n, r.ReactorName())
	}
	return n
}

func TestRuleTableRegister(t *testing.T) {
	rules := es.NewRuleTable()

	if err := rules.Register(nil, nil, nil); err == nil {
		t.Error("there should be an error for missing types")
	}
	if err := rules.Register([]es.EventType{"unknown"}, nil, nil); !errors.Is(err, es.ErrEventTypeNotRegistered) {
		t.Error("there should be a not registered error:", err)
	}
	if err := rules.Register([]es.EventType{mocks.ContentSetEventType}, []es.Reactor{nil}, nil); err == nil {
		t.Error("there should be an error for a nil reactor")
	}
	if err := rules.Register([]es.EventType{mocks.ContentSetEventType}, nil,
		[]es.Reactor{es.EventReactor("unknown")}); !errors.Is(err, es.ErrEventTypeNotRegistered) {
		t.Error("there should be a not registered error:", err)
	}

	r1 := mocks.NewReactor("r1")
	if err := rules.Register([]es.EventType{mocks.ContentSetEventType}, []es.Reactor{r1}, nil); err != nil {
		t.Error("there should be no error:", err)
	}
	if r, ok := rules.Reactor("r1"); !ok || r != r1 {
		t.Error("the reactor should be found by name:", r)
	}
	if _, ok := rules.Reactor("r2"); ok {
		t.Error("the reactor should not be found")
	}
}

func TestRuleTableIdempotentRegistration(t *testing.T) {
	rules := es.NewRuleTable()
	r1 := mocks.NewReactor("r1")

	assert.NoError(t, rules.On(mocks.ContentSetEventType).Trigger(r1).Err())
	assert.NoError(t, rules.On(mocks.ContentSetEventType).Trigger(r1, r1).Err())
	assert.NoError(t, rules.On(mocks.ContentSetEventType).Async(r1).Err())
	assert.NoError(t, rules.On(mocks.ContentSetEventType).
		Async(es.EventReactor(mocks.IncrementedEventType)).Err())
	assert.NoError(t, rules.On(mocks.ContentSetEventType).
		Async(es.EventReactor(mocks.IncrementedEventType)).Err())

	set := rules.Resolve(mocks.NewContentSet(nil, "a"))
	assert.Equal(t, []string{"r1"}, names(set.Sync))
	assert.Equal(t, []string{"r1", string(mocks.IncrementedEventType)}, names(set.Async))
}

func TestRuleTableReactorNameTaken(t *testing.T) {
	rules := es.NewRuleTable()
	r1 := mocks.NewReactor("r1")
	other := mocks.NewReactor("r1")

	assert.NoError(t, rules.On(mocks.ContentSetEventType).Trigger(r1).Err())

	err := rules.On(mocks.ContentSetEventType).Trigger(other).Err()
	if !errors.Is(err, es.ErrReactorNameTaken) {
		t.Error("there should be a name taken error:", err)
	}
	err = rules.On(mocks.ItemAddedEventType).Async(other).Err()
	if !errors.Is(err, es.ErrReactorNameTaken) {
		t.Error("there should be a name taken error:", err)
	}

	// Two reactors with the same name in one call.
	r2 := mocks.NewReactor("r2")
	err = rules.Register([]es.EventType{mocks.ItemAddedEventType},
		[]es.Reactor{r2}, []es.Reactor{mocks.NewReactor("r2")})
	if !errors.Is(err, es.ErrReactorNameTaken) {
		t.Error("there should be a name taken error:", err)
	}

	if r, ok := rules.Reactor("r1"); !ok || r != r1 {
		t.Error("the first reactor should keep the name:", r)
	}
	if _, ok := rules.Reactor("r2"); ok {
		t.Error("the reactor should not be registered")
	}

	set := rules.Resolve(mocks.NewContentSet(nil, "a"))
	if len(set.Sync) != 1 || set.Sync[0] != r1 {
		t.Error("only the first reactor should be resolved:", set.Sync)
	}
	assert.Empty(t, set.Async)
	assert.True(t, rules.Resolve(mocks.NewItemAdded(nil, "a")).Empty())
}

func TestRuleTableSupertypeMatching(t *testing.T) {
	rules := es.NewRuleTable()

	all := mocks.NewReactor("all")
	base := mocks.NewReactor("base")
	concrete := mocks.NewReactor("concrete")
	async := mocks.NewReactor("async")

	b := rules.On(mocks.ContentSetEventType).Trigger(concrete)
	b.Async(async)
	assert.NoError(t, b.Err())
	assert.NoError(t, rules.On(mocks.EventType).Trigger(base).Err())
	assert.NoError(t, rules.On(es.BaseEventType).Trigger(all, base).Err())
	// Registering for several types at once.
	assert.NoError(t, rules.On(mocks.IncrementedEventType, mocks.ItemAddedEventType).Async(async).Err())

	set := rules.Resolve(mocks.NewContentSet(nil, "a"))
	assert.ElementsMatch(t, []string{"concrete", "base", "all"}, names(set.Sync))
	assert.Equal(t, []string{"async"}, names(set.Async))

	set = rules.Resolve(mocks.NewItemAdded(nil, "a"))
	assert.ElementsMatch(t, []string{"base", "all"}, names(set.Sync))
	assert.Equal(t, []string{"async"}, names(set.Async))

	failing, _ := es.NewEvent(mocks.FailingEventType)
	set = rules.Resolve(failing)
	assert.ElementsMatch(t, []string{"base", "all"}, names(set.Sync))
	assert.Empty(t, set.Async)

	// Rule order is kept.
	set = rules.Resolve(mocks.NewContentSet(nil, "a"))
	assert.Equal(t, []string{"concrete", "base", "all"}, names(set.Sync))
}

func TestRuleBuilderError(t *testing.T) {
	rules := es.NewRuleTable()
	b := rules.On("unknown").Trigger(mocks.NewReactor("r1")).Async(mocks.NewReactor("r2"))
	if !errors.Is(b.Err(), es.ErrEventTypeNotRegistered) {
		t.Error("there should be a not registered error:", b.Err())
	}
	if _, ok := rules.Reactor("r2"); ok {
		t.Error("nothing should be registered after an error")
	}
}

func TestTriggerReactor(t *testing.T) {
	var got es.Aggregate
	r := es.Trigger("log", func(ctx context.Context, a es.Aggregate) error {
		got = a
		return nil
	})
	assert.Equal(t, "log", r.ReactorName())

	a := &mocks.Aggregate{}
	assert.NoError(t, r.React(context.Background(), nil, a))
	assert.Same(t, a, got)
}

func TestUseReactorMiddleware(t *testing.T) {
	var order []string
	m := func(s string) es.ReactorMiddleware {
		return func(r es.Reactor) es.Reactor {
			return es.Trigger(r.ReactorName(), func(ctx context.Context, a es.Aggregate) error {
				order = append(order, s)
				return r.React(ctx, nil, a)
			})
		}
	}

	inner := mocks.NewReactor("inner")
	r := es.UseReactorMiddleware(inner, m("first"), m("second"))
	assert.Equal(t, "inner", r.ReactorName())
	assert.NoError(t, r.React(context.Background(), nil, &mocks.Aggregate{}))
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, 1, inner.Calls())
}
