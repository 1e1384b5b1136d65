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

package eventsource

import (
	"context"
	"fmt"

	"github.com/looplab/eventsource/uuid"
)

// Task is a deferred invocation of an async reactor for a committed event. It
// references the event instead of holding it, so that it can be stored and
// performed by another process.
type Task struct {
	// EventType and Seq reference the committed event.
	EventType EventType
	Seq       int64
	// AggregateType and AggregateID reference the aggregate of the event.
	AggregateType AggregateType
	AggregateID   uuid.UUID
	// Reactor is the name of the reactor to run.
	Reactor string
}

// NewTask returns the task of running reactor for a committed event.
func NewTask(event Event, reactor string) (Task, error) {
	b := event.Base()
	if !b.Persisted() {
		return Task{}, programmingErrorf("task for unsaved event %s", event.EventType())
	}

	t, err := AggregateTypeOf(event.EventType())
	if err != nil {
		return Task{}, &ProgrammingError{Err: err}
	}

	return Task{
		EventType:     event.EventType(),
		Seq:           b.Seq,
		AggregateType: t,
		AggregateID:   b.AggregateID,
		Reactor:       reactor,
	}, nil
}

// String implements the String method of the fmt.Stringer interface.
func (t Task) String() string {
	return fmt.Sprintf("%s(%s %d)", t.Reactor, t.EventType, t.Seq)
}

// TaskQueue accepts tasks for later execution. Enqueue must not wait for the
// task to be performed.
type TaskQueue interface {
	Enqueue(context.Context, Task) error
}

// TaskHandler performs tasks taken from a queue.
type TaskHandler interface {
	HandleTask(context.Context, Task) error
}

// TaskHandlerFunc is a function that can be used as a task handler.
type TaskHandlerFunc func(context.Context, Task) error

// HandleTask implements the HandleTask method of the TaskHandler interface.
func (f TaskHandlerFunc) HandleTask(ctx context.Context, t Task) error {
	return f(ctx, t)
}

// TaskRunner is a task queue that also performs the tasks, delivering each of
// them at least once. A task whose handler returns an error for which
// IsRetryable is true is delivered again, otherwise the error is sent on the
// error channel and the task is dropped.
type TaskRunner interface {
	TaskQueue

	// SetHandler sets the handler and starts performing tasks. Returns
	// ErrHandlerAlreadySet if called twice.
	SetHandler(context.Context, TaskHandler) error

	// Errors returns an error channel where task errors are sent.
	Errors() <-chan error

	// Close stops performing tasks and waits for running ones to finish.
	Close() error
}

// TaskCodec is a codec for marshaling and unmarshaling tasks, together with
// the values of the context, to and from bytes.
type TaskCodec interface {
	// MarshalTask marshals a task and the context values into bytes.
	MarshalTask(context.Context, Task) ([]byte, error)
	// UnmarshalTask unmarshals a task from bytes, adding the context values
	// to ctx.
	UnmarshalTask(context.Context, []byte) (Task, context.Context, error)
}

// TaskError is an error when performing a task.
type TaskError struct {
	// Err is the error.
	Err error
	// Ctx is the context used when the error happened.
	Ctx context.Context
	// Task is the task performed when the error happened.
	Task Task
}

// Error implements the Error method of the errors.Error interface.
func (e *TaskError) Error() string {
	str := "task: "

	if e.Err != nil {
		str += e.Err.Error()
	} else {
		str += "unknown error"
	}

	return str + " [" + e.Task.String() + "]"
}

// Unwrap implements the errors.Unwrap method.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Cause implements the github.com/pkg/errors Unwrap method.
func (e *TaskError) Cause() error {
	return e.Unwrap()
}
