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

package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kr/pretty"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/mocks"
	"github.com/looplab/eventsource/uuid"
)

// AcceptanceTest is the acceptance test that all implementations of TaskRunner
// should pass. It should manually be called from a test case in each
// implementation:
//
//   func TestRunner(t *testing.T) {
//       r, _ := NewRunner()
//       taskqueue.AcceptanceTest(t, r, time.Second)
//   }
//
// The timeout should cover a redelivery of a failed task.
func AcceptanceTest(t *testing.T, r es.TaskRunner, timeout time.Duration) {
	ctx := context.Background()

	if err := r.SetHandler(ctx, nil); !errors.Is(err, es.ErrMissingHandler) {
		t.Error("there should be a ErrMissingHandler error:", err)
	}

	handler := mocks.NewTaskHandler()
	if err := r.SetHandler(ctx, handler); err != nil {
		t.Fatal("there should be no error:", err)
	}
	if err := r.SetHandler(ctx, mocks.NewTaskHandler()); !errors.Is(err, es.ErrHandlerAlreadySet) {
		t.Error("there should be a ErrHandlerAlreadySet error:", err)
	}

	task := es.Task{
		EventType:     mocks.ContentSetEventType,
		Seq:           1,
		AggregateType: mocks.AggregateType,
		AggregateID:   uuid.New(),
		Reactor:       "reactor",
	}

	// Enqueue and perform.
	ctx = mocks.WithContextOne(ctx, "testval")
	ctx = es.NewContextWithReactionDepth(ctx, 2)
	if err := r.Enqueue(ctx, task); err != nil {
		t.Error("there should be no error:", err)
	}

	got := waitForTask(t, handler, timeout)
	if got != task {
		t.Error("the task should be correct:", pretty.Diff(got, task))
	}
	hctx := handler.LastContext()
	if val, ok := mocks.ContextOne(hctx); !ok || val != "testval" {
		t.Error("the context should be correct:", val)
	}
	if d := es.ReactionDepthFromContext(hctx); d != 2 {
		t.Error("the reaction depth should be correct:", d)
	}

	// Retryable errors are delivered again.
	handler.FailNext(1, errors.New("temporary error"))
	task.Seq = 2
	if err := r.Enqueue(ctx, task); err != nil {
		t.Error("there should be no error:", err)
	}
	if got := waitForTask(t, handler, timeout); got.Seq != 2 {
		t.Error("the retried task should be correct:", got)
	}

	// Permanent errors are reported and not delivered again.
	handler.FailNext(1, &es.ProgrammingError{Err: errors.New("bad task")})
	task.Seq = 3
	if err := r.Enqueue(ctx, task); err != nil {
		t.Error("there should be no error:", err)
	}
	select {
	case err := <-r.Errors():
		var taskErr *es.TaskError
		if !errors.As(err, &taskErr) || taskErr.Task.Seq != 3 {
			t.Error("there should be a task error:", err)
		}
	case <-time.After(timeout):
		t.Error("there should be an error on the error channel")
	}

	// Later tasks are still performed.
	task.Seq = 4
	if err := r.Enqueue(ctx, task); err != nil {
		t.Error("there should be no error:", err)
	}
	if got := waitForTask(t, handler, timeout); got.Seq != 4 {
		t.Error("the task after the failure should be correct:", got)
	}
	for _, h := range handler.Handled() {
		if h.Seq == 3 {
			t.Error("the failed task should not be performed")
		}
	}

	if err := r.Close(); err != nil {
		t.Error("there should be no error:", err)
	}
}

func waitForTask(t *testing.T, h *mocks.TaskHandler, timeout time.Duration) es.Task {
	t.Helper()

	select {
	case task := <-h.Recv:
		return task
	case <-time.After(timeout):
		t.Error("did not receive task in time")
	}

	return es.Task{}
}
