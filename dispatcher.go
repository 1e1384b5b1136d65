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
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Dispatcher runs the reactors matching a committed event. Sync reactors run
// inline, async ones are enqueued as tasks.
type Dispatcher struct {
	rules      *RuleTable
	queue      TaskQueue
	middleware []ReactorMiddleware
	logger     *zap.Logger
}

// DispatcherOption is an option setter used to configure creation.
type DispatcherOption func(*Dispatcher) error

// WithTaskQueue sets the queue for async reactors.
func WithTaskQueue(q TaskQueue) DispatcherOption {
	return func(d *Dispatcher) error {
		d.queue = q

		return nil
	}
}

// WithDispatchMiddleware wraps every sync reactor in the middleware.
func WithDispatchMiddleware(m ...ReactorMiddleware) DispatcherOption {
	return func(d *Dispatcher) error {
		d.middleware = append(d.middleware, m...)

		return nil
	}
}

// WithDispatchLogger sets the logger, the default discards all logs.
func WithDispatchLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) error {
		if l == nil {
			return errors.New("missing logger")
		}

		d.logger = l

		return nil
	}
}

// NewDispatcher creates a dispatcher for the rules.
func NewDispatcher(rules *RuleTable, options ...DispatcherOption) (*Dispatcher, error) {
	if rules == nil {
		return nil, errors.New("missing rule table")
	}

	d := &Dispatcher{
		rules:  rules,
		logger: zap.NewNop(),
	}

	for _, option := range options {
		if err := option(d); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	return d, nil
}

// Dispatch implements the Dispatch method of the EventDispatcher interface.
// The first failing sync reactor stops the dispatch, async reactors are then
// not enqueued.
func (d *Dispatcher) Dispatch(ctx context.Context, c EventCreator, event Event) error {
	set := d.rules.Resolve(event)
	if set.Empty() {
		return nil
	}

	if len(set.Async) > 0 && d.queue == nil {
		return &DispatchError{Err: ErrMissingQueue, Reactor: set.Async[0].ReactorName(), Async: true, Event: event}
	}

	a := event.Base().Aggregate()

	for _, r := range set.Sync {
		r = UseReactorMiddleware(r, d.middleware...)

		if err := r.React(ctx, c, a); err != nil {
			return &DispatchError{Err: err, Reactor: r.ReactorName(), Event: event}
		}
	}

	for _, r := range set.Async {
		task, err := NewTask(event, r.ReactorName())
		if err != nil {
			return &DispatchError{Err: err, Reactor: r.ReactorName(), Async: true, Event: event}
		}

		if err := d.queue.Enqueue(ctx, task); err != nil {
			return &DispatchError{Err: err, Reactor: r.ReactorName(), Async: true, Event: event}
		}

		d.logger.Debug("task enqueued", zap.Stringer("task", task))
	}

	return nil
}
