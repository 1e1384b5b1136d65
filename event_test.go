// Copyright (c) 2016 - The Event Horizon authors.
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
	"time"

	"github.com/stretchr/testify/assert"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/mocks"
	"github.com/looplab/eventsource/uuid"
)

const (
	testBaseEventType es.EventType = "test.event"
	testEventType     es.EventType = "test.SomethingHappened"
)

type somethingHappened struct {
	es.EventBase
}

func (*somethingHappened) EventType() es.EventType { return testEventType }

func (e *somethingHappened) Apply(ctx context.Context, a es.Aggregate) (es.Aggregate, error) {
	return a, nil
}

func init() {
	es.RegisterEventType(es.EventTypeSpec{
		Type:       testBaseEventType,
		Aggregate:  mocks.AggregateType,
		Attributes: []string{"b", "a"},
		Abstract:   true,
	})
	es.RegisterEventType(es.EventTypeSpec{
		Type:       testEventType,
		Parent:     testBaseEventType,
		Attributes: []string{"c", "a", "c"},
		New:        func() es.Event { return &somethingHappened{} },
	})
}

func TestRegisterEventTypePanics(t *testing.T) {
	cases := map[string]es.EventTypeSpec{
		"empty type":        {},
		"missing factory":   {Type: "test.no_factory", Aggregate: mocks.AggregateType},
		"missing aggregate": {Type: "test.no_aggregate", New: func() es.Event { return nil }},
		"unknown parent":    {Type: "test.orphan", Parent: "test.unknown", Aggregate: mocks.AggregateType, Abstract: true},
		"duplicate":         {Type: testEventType, Abstract: true},
		"other aggregate":   {Type: "test.other", Parent: testBaseEventType, Aggregate: "other", Abstract: true},
	}

	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Panics(t, func() { es.RegisterEventType(spec) })
		})
	}
}

func TestTypeChain(t *testing.T) {
	assert.Equal(t, []es.EventType{testEventType, testBaseEventType, es.BaseEventType}, es.TypeChain(testEventType))
	assert.Nil(t, es.TypeChain("test.unknown"))

	assert.True(t, es.IsA(testEventType, testEventType))
	assert.True(t, es.IsA(testEventType, testBaseEventType))
	assert.True(t, es.IsA(testEventType, es.BaseEventType))
	assert.False(t, es.IsA(testBaseEventType, testEventType))
	assert.False(t, es.IsA(testEventType, mocks.EventType))

	at, err := es.AggregateTypeOf(testEventType)
	assert.NoError(t, err)
	assert.Equal(t, mocks.AggregateType, at, "the aggregate should be inherited")

	_, err = es.AggregateTypeOf("test.unknown")
	assert.ErrorIs(t, err, es.ErrEventTypeNotRegistered)
}

func TestAttributes(t *testing.T) {
	assert.Equal(t, []string{"b", "a", "c"}, es.Attributes(testEventType))
	assert.Equal(t, []string{"content", "item"}, es.Attributes(mocks.ItemAddedEventType))
}

func TestNewEvent(t *testing.T) {
	e, err := es.NewEvent(testEventType)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	assert.Equal(t, testEventType, e.EventType())
	assert.NotNil(t, e.Base().Data, "data should default to an empty map")
	assert.NotNil(t, e.Base().Metadata, "metadata should default to an empty map")
	assert.False(t, e.Base().Persisted())

	_, err = es.NewEvent(testBaseEventType)
	assert.ErrorIs(t, err, es.ErrAbstractEventType)
	_, err = es.NewEvent("test.unknown")
	assert.ErrorIs(t, err, es.ErrEventTypeNotRegistered)

	a := &mocks.Aggregate{}
	a.ID = uuid.New()
	e, err = es.NewEventFor(testEventType, a)
	assert.NoError(t, err)
	assert.Same(t, a, e.Base().Aggregate())
	assert.Equal(t, a.ID, e.Base().AggregateID)
}

func TestEventName(t *testing.T) {
	assert.Equal(t, "something_happened", es.EventName(testEventType))
	assert.Equal(t, "name_updated", es.EventName("todo_lists.name_updated"))
	assert.Equal(t, "created", es.EventName("Created"))
}

func TestAttr(t *testing.T) {
	a := es.NewAttr[string]("a")
	c := es.NewAttr[[]int]("c")
	d := es.NewAttr[time.Time]("b")
	undeclared := es.NewAttr[string]("x")

	e, _ := es.NewEvent(testEventType)
	assert.Equal(t, "a", a.Name())
	assert.Equal(t, "", a.Get(e))
	if _, ok := a.Lookup(e); ok {
		t.Error("the attribute should not be set")
	}

	assert.NoError(t, a.Set(e, "value"))
	assert.Equal(t, "value", a.Get(e))
	assert.NoError(t, c.Set(e, []int{1, 2}))
	assert.Equal(t, []int{1, 2}, c.Get(e))

	var progErr *es.ProgrammingError
	if err := undeclared.Set(e, "x"); !errors.As(err, &progErr) {
		t.Error("there should be a programming error:", err)
	}

	// Values read back from storage are converted.
	now := time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC)
	e.Base().Data["c"] = []interface{}{float64(1), float64(2)}
	e.Base().Data["b"] = now.Format(time.RFC3339Nano)
	assert.Equal(t, []int{1, 2}, c.Get(e))
	assert.True(t, now.Equal(d.Get(e)))

	e.Base().Data["a"] = float64(1)
	if _, ok := a.Lookup(e); ok {
		t.Error("a number should not convert to a string")
	}

	// Stored events are immutable.
	e.Base().Seq = 1
	if err := a.Set(e, "other"); !errors.Is(err, es.ErrEventPersisted) {
		t.Error("there should be a persisted error:", err)
	}
}
