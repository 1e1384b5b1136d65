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

package eventsource

import (
	"errors"
	"testing"
	"time"

	"github.com/looplab/eventsource/uuid"
)

const testAggregateType AggregateType = "test.aggregate"

type testAggregate struct {
	AggregateBase

	Name  string `json:"name"`
	Count int    `json:"count"`

	hidden string
}

func (*testAggregate) AggregateType() AggregateType { return testAggregateType }

func init() {
	RegisterAggregate(func() Aggregate { return &testAggregate{} })
}

func TestRegisterAggregatePanics(t *testing.T) {
	func() {
		defer func() {
			if r := recover(); r != "eventsource: created aggregate is nil" {
				t.Error("there should have been a panic:", r)
			}
		}()
		RegisterAggregate(func() Aggregate { return nil })
	}()

	func() {
		defer func() {
			if r := recover(); r != `eventsource: registering duplicate types for "test.aggregate"` {
				t.Error("there should have been a panic:", r)
			}
		}()
		RegisterAggregate(func() Aggregate { return &testAggregate{} })
	}()
}

func TestNewAggregate(t *testing.T) {
	a, err := NewAggregate(testAggregateType)
	if err != nil {
		t.Error("there should be no error:", err)
	}
	if _, ok := a.(*testAggregate); !ok {
		t.Error("the aggregate should be of the correct type:", a)
	}
	if a.Base().Persisted() {
		t.Error("the aggregate should not be persisted")
	}

	if _, err := NewAggregate("unknown"); !errors.Is(err, ErrAggregateNotRegistered) {
		t.Error("there should be a not registered error:", err)
	}
}

func TestResetAggregate(t *testing.T) {
	now := time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC)
	a := &testAggregate{
		AggregateBase: AggregateBase{ID: uuid.New(), CreatedAt: now, UpdatedAt: now},
		Name:          "name",
		Count:         3,
		hidden:        "hidden",
	}

	r, err := ResetAggregate(a)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	fresh := r.(*testAggregate)
	if fresh == a {
		t.Error("the reset aggregate should be a new instance")
	}
	if fresh.ID != a.ID || !fresh.CreatedAt.Equal(now) || !fresh.UpdatedAt.Equal(now) {
		t.Error("the reserved columns should be kept:", fresh.AggregateBase)
	}
	if fresh.Name != "" || fresh.Count != 0 || fresh.hidden != "" {
		t.Error("the other columns should be reset:", fresh)
	}

	if _, err := ResetAggregate(nil); !errors.Is(err, ErrMissingAggregate) {
		t.Error("there should be a missing aggregate error:", err)
	}
}

func TestCloneAggregate(t *testing.T) {
	a := &testAggregate{AggregateBase: AggregateBase{ID: uuid.New()}, Name: "name"}

	c, ok := cloneAggregate(a).(*testAggregate)
	if !ok || c == a {
		t.Fatal("the clone should be a new instance:", c)
	}
	if c.ID != a.ID || c.Name != "name" {
		t.Error("the state should be copied:", c)
	}

	c.Name = "other"
	if a.Name != "name" {
		t.Error("the original should not change:", a)
	}
}

func TestAssignAggregate(t *testing.T) {
	dst := &testAggregate{Name: "old"}
	src := &testAggregate{Name: "new", Count: 1}

	if !assignAggregate(dst, src) {
		t.Error("the aggregate should be assigned")
	}
	if dst.Name != "new" || dst.Count != 1 {
		t.Error("the state should be copied:", dst)
	}

	if assignAggregate(dst, nil) {
		t.Error("a nil aggregate should not be assigned")
	}
}
