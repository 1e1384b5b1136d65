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
)

// Reactor reacts to a committed event. It receives the committed aggregate,
// not the event. Reactors are identified by name: the name is what async
// tasks carry and what makes registration idempotent.
//
// Async reactors are delivered at least once, so they can run more than once
// for the same event and must be idempotent if that matters.
type Reactor interface {
	// ReactorName returns the unique name of the reactor.
	ReactorName() string
	// React reacts to a committed event of the aggregate. New events can be
	// created with the creator.
	React(context.Context, EventCreator, Aggregate) error
}

// ReactorMiddleware is a function that wraps a reactor, for example with
// tracing or logging.
type ReactorMiddleware func(Reactor) Reactor

// UseReactorMiddleware wraps a reactor in one or more middleware. The first
// middleware is the outermost.
func UseReactorMiddleware(r Reactor, middleware ...ReactorMiddleware) Reactor {
	for i := len(middleware) - 1; i >= 0; i-- {
		r = middleware[i](r)
	}

	return r
}

// Trigger returns a reactor that calls fn with the committed aggregate.
func Trigger(name string, fn func(context.Context, Aggregate) error) Reactor {
	return &trigger{name: name, fn: fn}
}

type trigger struct {
	name string
	fn   func(context.Context, Aggregate) error
}

// ReactorName implements the ReactorName method of the Reactor interface.
func (r *trigger) ReactorName() string {
	return r.name
}

// React implements the React method of the Reactor interface.
func (r *trigger) React(ctx context.Context, _ EventCreator, a Aggregate) error {
	return r.fn(ctx, a)
}

// EventReactor returns a reactor that creates a new event of type t for the
// committed aggregate, which in turn is dispatched. Its name is the event type.
func EventReactor(t EventType) Reactor {
	return eventReactor(t)
}

type eventReactor EventType

// ReactorName implements the ReactorName method of the Reactor interface.
func (r eventReactor) ReactorName() string {
	return string(r)
}

// React implements the React method of the Reactor interface.
func (r eventReactor) React(ctx context.Context, c EventCreator, a Aggregate) error {
	e, err := NewEventFor(EventType(r), a)
	if err != nil {
		return &ProgrammingError{Err: err}
	}

	if _, err := c.Create(ctx, e); err != nil {
		return fmt.Errorf("could not create %s: %w", r, err)
	}

	return nil
}
