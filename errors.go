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
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConstraintViolation is returned (wrapped) by repositories when a write
	// violates a storage constraint, for example a NOT NULL column.
	ErrConstraintViolation = errors.New("constraint violation")
	// ErrAggregateNotFound is returned when an aggregate could not be found.
	ErrAggregateNotFound = errors.New("aggregate not found")
	// ErrEventNotFound is returned when an event could not be found.
	ErrEventNotFound = errors.New("event not found")
	// ErrEventPersisted is returned when trying to create or modify an event
	// that is already stored.
	ErrEventPersisted = errors.New("event is already persisted")
	// ErrApplyReturnedNil is returned when an event's Apply returns no aggregate.
	ErrApplyReturnedNil = errors.New("apply returned a nil aggregate")
	// ErrMissingAggregate is returned when an event has no aggregate attached and
	// none could be loaded, or when resetting a nil aggregate.
	ErrMissingAggregate = errors.New("missing aggregate")
	// ErrMissingQueue is returned when an async reactor matches but the
	// dispatcher has no task queue.
	ErrMissingQueue = errors.New("missing task queue for async reactors")
	// ErrReactionDepthExceeded is returned when a reaction chain grows longer
	// than the configured maximum.
	ErrReactionDepthExceeded = errors.New("reaction depth exceeded")
	// ErrReactorNameTaken is returned when registering a reactor with the name of
	// another, already registered, reactor.
	ErrReactorNameTaken = errors.New("reactor name is taken")
	// ErrReactorNotFound is returned when a task names an unknown reactor.
	ErrReactorNotFound = errors.New("reactor not found")
	// ErrHandlerAlreadySet is returned when setting a second task handler.
	ErrHandlerAlreadySet = errors.New("handler is already set")
	// ErrMissingHandler is returned when setting a nil task handler.
	ErrMissingHandler = errors.New("missing handler")
)

// ValidationError is returned when an event, an aggregate or a command fails
// its declared validation rules. Nothing has been persisted when it is returned.
type ValidationError struct {
	// Problems are the human readable validation failures, for example
	// "name can't be blank".
	Problems []string
}

// Invalid returns a *ValidationError for the given problems, or nil if there
// are none. It is meant to be used as the return value of Validate methods.
func Invalid(problems ...string) error {
	if len(problems) == 0 {
		return nil
	}

	return &ValidationError{Problems: problems}
}

// Error implements the Error method of the errors.Error interface.
func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "validation failed"
	}

	return "validation failed: " + strings.Join(e.Problems, ", ")
}

// PersistenceError is an error during the apply-and-persist transaction or any
// other repository operation. The transaction has been rolled back.
type PersistenceError struct {
	// Op is the operation that failed, for example "save aggregate".
	Op string
	// Err is the error.
	Err error
	// AggregateType is the type of the affected aggregate, if known.
	AggregateType AggregateType
	// EventType is the type of the affected event, if known.
	EventType EventType
}

// Error implements the Error method of the errors.Error interface.
func (e *PersistenceError) Error() string {
	str := "persistence: "

	if e.Op != "" {
		str += "could not " + e.Op + ": "
	}

	if e.Err != nil {
		str += e.Err.Error()
	} else {
		str += "unknown error"
	}

	if e.EventType != "" {
		str += " [" + string(e.EventType) + "]"
	} else if e.AggregateType != "" {
		str += " [" + string(e.AggregateType) + "]"
	}

	return str
}

// Unwrap implements the errors.Unwrap method.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Cause implements the github.com/pkg/errors Unwrap method.
func (e *PersistenceError) Cause() error {
	return e.Unwrap()
}

// ProgrammingError is a fatal error caused by wrong usage of the package, for
// example an event type without an aggregate or an event creating a second
// time. It is never retried.
type ProgrammingError struct {
	Err error
}

// programmingErrorf returns a *ProgrammingError with a formatted message.
func programmingErrorf(format string, args ...interface{}) error {
	return &ProgrammingError{Err: fmt.Errorf(format, args...)}
}

// Error implements the Error method of the errors.Error interface.
func (e *ProgrammingError) Error() string {
	return "programming error: " + e.Err.Error()
}

// Unwrap implements the errors.Unwrap method.
func (e *ProgrammingError) Unwrap() error {
	return e.Err
}

// DispatchError is returned when a reactor fails after its triggering event
// was committed. The commit is not undone: the event happened, a consequence
// of it did not.
type DispatchError struct {
	// Err is the error returned by the reactor or the task queue.
	Err error
	// Reactor is the name of the failing reactor.
	Reactor string
	// Async is set when enqueuing an async reactor failed.
	Async bool
	// Event is the committed event.
	Event Event
}

// Error implements the Error method of the errors.Error interface.
func (e *DispatchError) Error() string {
	str := "dispatch: "

	if e.Async {
		str += "could not enqueue " + e.Reactor + ": "
	} else {
		str += e.Reactor + ": "
	}

	if e.Err != nil {
		str += e.Err.Error()
	} else {
		str += "unknown error"
	}

	if e.Event != nil {
		str += " [" + eventString(e.Event) + "]"
	}

	return str
}

// Unwrap implements the errors.Unwrap method.
func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Cause implements the github.com/pkg/errors Unwrap method.
func (e *DispatchError) Cause() error {
	return e.Unwrap()
}

// IsRetryable reports if a failed task should be delivered again. Programming
// and validation errors, and exceeding the reaction depth, will fail the same
// way on every attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var (
		progErr *ProgrammingError
		valErr  *ValidationError
	)

	switch {
	case errors.As(err, &progErr),
		errors.As(err, &valErr),
		errors.Is(err, ErrReactionDepthExceeded),
		errors.Is(err, ErrReactorNotFound):
		return false
	}

	return true
}
