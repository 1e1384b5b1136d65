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
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ReactorRunner is the task handler for async reactors. It loads the event
// and aggregate referenced by a task and runs the named reactor with them.
type ReactorRunner struct {
	engine     *Engine
	rules      *RuleTable
	maxDepth   int
	middleware []ReactorMiddleware
	logger     *zap.Logger
}

// RunnerOption is an option setter used to configure creation.
type RunnerOption func(*ReactorRunner) error

// WithMaxReactionDepth limits how many async reactions can follow each other,
// counting from the first event created outside of a reactor. Tasks beyond
// the limit fail with ErrReactionDepthExceeded. The default of 0 means no
// limit, in which case reactions that trigger each other loop forever.
func WithMaxReactionDepth(n int) RunnerOption {
	return func(r *ReactorRunner) error {
		if n < 0 {
			return errors.New("negative reaction depth")
		}

		r.maxDepth = n

		return nil
	}
}

// WithRunnerMiddleware wraps every async reactor in the middleware.
func WithRunnerMiddleware(m ...ReactorMiddleware) RunnerOption {
	return func(r *ReactorRunner) error {
		r.middleware = append(r.middleware, m...)

		return nil
	}
}

// WithRunnerLogger sets the logger, the default discards all logs.
func WithRunnerLogger(l *zap.Logger) RunnerOption {
	return func(r *ReactorRunner) error {
		if l == nil {
			return errors.New("missing logger")
		}

		r.logger = l

		return nil
	}
}

// NewReactorRunner creates a runner creating events with the engine and
// finding reactors in the rules.
func NewReactorRunner(engine *Engine, rules *RuleTable, options ...RunnerOption) (*ReactorRunner, error) {
	if engine == nil {
		return nil, errors.New("missing engine")
	}

	if rules == nil {
		return nil, errors.New("missing rule table")
	}

	r := &ReactorRunner{
		engine: engine,
		rules:  rules,
		logger: zap.NewNop(),
	}

	for _, option := range options {
		if err := option(r); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	return r, nil
}

// HandleTask implements the HandleTask method of the TaskHandler interface.
// A task for an event that no longer exists, because it was rolled back, is
// skipped.
func (r *ReactorRunner) HandleTask(ctx context.Context, task Task) error {
	depth := ReactionDepthFromContext(ctx) + 1
	if r.maxDepth > 0 && depth > r.maxDepth {
		return fmt.Errorf("%w: %d for %s", ErrReactionDepthExceeded, depth, task)
	}

	reactor, ok := r.rules.Reactor(task.Reactor)
	if !ok {
		return fmt.Errorf("%w: %s", ErrReactorNotFound, task.Reactor)
	}

	repo := r.engine.Repository()

	event, err := repo.FindEvent(ctx, task.EventType, task.Seq)
	if errors.Is(err, ErrEventNotFound) {
		r.logger.Info("skipping task for deleted event", zap.Stringer("task", task))

		return nil
	} else if err != nil {
		return fmt.Errorf("could not find event: %w", err)
	}

	aggregate, err := repo.FindAggregate(ctx, task.AggregateType, event.Base().AggregateID)
	if err != nil {
		return fmt.Errorf("could not find aggregate: %w", err)
	}

	event.Base().SetAggregate(aggregate)

	ctx = NewContextWithReactionDepth(ctx, depth)
	reactor = UseReactorMiddleware(reactor, r.middleware...)

	if err := reactor.React(ctx, r.engine, aggregate); err != nil {
		return fmt.Errorf("reactor %s: %w", task.Reactor, err)
	}

	r.logger.Debug("task performed", zap.Stringer("task", task), zap.Int("depth", depth))

	return nil
}
