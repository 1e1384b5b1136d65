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

package mocks

import (
	"context"
	"testing"

	es "github.com/looplab/eventsource"
)

func TestMocks(t *testing.T) {
	var agg interface{} = &Aggregate{}
	if _, ok := agg.(es.Aggregate); !ok {
		t.Error("the mocked aggregate is incorrect")
	}

	var reactor interface{} = NewReactor("reactor")
	if _, ok := reactor.(es.Reactor); !ok {
		t.Error("the mocked reactor is incorrect")
	}

	var queue interface{} = &TaskQueue{}
	if _, ok := queue.(es.TaskQueue); !ok {
		t.Error("the mocked task queue is incorrect")
	}

	var handler interface{} = NewTaskHandler()
	if _, ok := handler.(es.TaskHandler); !ok {
		t.Error("the mocked task handler is incorrect")
	}

	var repo interface{} = &Repository{}
	if _, ok := repo.(es.Repository); !ok {
		t.Error("the mocked repository is incorrect")
	}
}

func TestEventTypes(t *testing.T) {
	for _, et := range []es.EventType{
		ContentSetEventType,
		ItemAddedEventType,
		IncrementedEventType,
		FailingEventType,
		NilApplyEventType,
	} {
		e, err := es.NewEvent(et)
		if err != nil {
			t.Error("there should be no error:", err)
		}
		if e.EventType() != et {
			t.Error("the event type should be correct:", e.EventType())
		}
		if !es.IsA(et, EventType) {
			t.Error("the event should be a mocks event:", et)
		}
	}

	if _, err := es.NewEvent(EventType); err == nil {
		t.Error("there should be an error for the abstract type")
	}
}

func TestContextOne(t *testing.T) {
	ctx := WithContextOne(context.Background(), "string")
	vals := es.MarshalContext(ctx)
	ctx = es.UnmarshalContext(context.Background(), vals)
	if val, ok := ContextOne(ctx); !ok || val != "string" {
		t.Error("the context marshalling should work")
	}
}
