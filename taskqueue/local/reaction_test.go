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

package local_test

import (
	"context"
	"testing"
	"time"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/mocks"
	"github.com/looplab/eventsource/repo/memory"
	"github.com/looplab/eventsource/taskqueue/local"
)

func TestAsyncReaction(t *testing.T) {
	ctx := context.Background()

	repo, err := memory.NewRepository()
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	rules := es.NewRuleTable()
	if err := rules.On(mocks.ContentSetEventType).
		Async(es.EventReactor(mocks.IncrementedEventType)).Err(); err != nil {
		t.Fatal("there should be no error:", err)
	}

	runner, err := local.NewRunner(local.WithRetries(3, time.Millisecond, 10*time.Millisecond))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	defer runner.Close()

	d, err := es.NewDispatcher(rules, es.WithTaskQueue(runner))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	engine, err := es.NewEngine(repo, es.WithDispatcher(d))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	rr, err := es.NewReactorRunner(engine, rules, es.WithMaxReactionDepth(5))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	if err := runner.SetHandler(ctx, rr); err != nil {
		t.Fatal("there should be no error:", err)
	}

	event, err := engine.Create(ctx, mocks.NewContentSet(nil, "content"))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	id := event.Base().AggregateID

	deadline := time.After(time.Second)
	for {
		a, err := repo.FindAggregate(ctx, mocks.AggregateType, id)
		if err != nil {
			t.Fatal("there should be no error:", err)
		}
		if a.(*mocks.Aggregate).Counter == 1 {
			break
		}

		select {
		case err := <-runner.Errors():
			t.Fatal("there should be no task error:", err)
		case <-deadline:
			t.Fatal("the reaction should have been performed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if n := repo.EventCount(); n != 2 {
		t.Error("there should be two events:", n)
	}
}
