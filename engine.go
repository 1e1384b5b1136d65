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
	"reflect"
	"time"

	"go.uber.org/zap"

	"github.com/looplab/eventsource/uuid"
)

// TimeNow is the time source of the engine, replaceable in tests.
var TimeNow = time.Now

// Stage is a named step of the create pipeline.
type Stage string

// The stages of Engine.Create, in order.
const (
	// StagePreValidate attaches a loaded or new aggregate to the event.
	StagePreValidate Stage = "pre-validate"
	// StageValidate runs the validation of the event.
	StageValidate Stage = "validate"
	// StageApplyAndPersist applies the event and stores the aggregate and the
	// event in one transaction.
	StageApplyAndPersist Stage = "apply-and-persist"
	// StageDispatch dispatches the committed event.
	StageDispatch Stage = "dispatch"
)

// StageObserver is called before each stage of Engine.Create.
type StageObserver func(context.Context, Stage, Event)

// EventCreator creates events, implemented by Engine. Reactors receive it to
// chain new events.
type EventCreator interface {
	Create(context.Context, Event) (Event, error)
}

// EventDispatcher is called with every committed event, implemented by
// Dispatcher. The creator is passed on to reactors.
type EventDispatcher interface {
	Dispatch(context.Context, EventCreator, Event) error
}

// Engine validates, applies and stores events against their aggregates.
type Engine struct {
	repo       Repository
	dispatcher EventDispatcher
	observers  []StageObserver
	logger     *zap.Logger
}

// EngineOption is an option setter used to configure creation.
type EngineOption func(*Engine) error

// WithDispatcher sets the dispatcher called after every commit.
func WithDispatcher(d EventDispatcher) EngineOption {
	return func(e *Engine) error {
		e.dispatcher = d

		return nil
	}
}

// WithStageObserver adds a function called before every stage of Create.
// Observers are called in the order they were added.
func WithStageObserver(o StageObserver) EngineOption {
	return func(e *Engine) error {
		if o == nil {
			return errors.New("missing stage observer")
		}

		e.observers = append(e.observers, o)

		return nil
	}
}

// WithLogger sets the logger, the default discards all logs.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) error {
		if l == nil {
			return errors.New("missing logger")
		}

		e.logger = l

		return nil
	}
}

// NewEngine creates a new engine.
func NewEngine(repo Repository, options ...EngineOption) (*Engine, error) {
	if repo == nil {
		return nil, errors.New("missing repository")
	}

	e := &Engine{
		repo:   repo,
		logger: zap.NewNop(),
	}

	for _, option := range options {
		if err := option(e); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	return e, nil
}

// Repository returns the repository of the engine.
func (e *Engine) Repository() Repository {
	return e.repo
}

// Create runs an unsaved event through the pipeline: attach its aggregate,
// validate, apply and store the aggregate and the event in one transaction,
// then dispatch. On success the event has its sequence number and aggregate
// reference set and the attached aggregate holds the committed state.
//
// A *ValidationError or *PersistenceError means nothing was stored. A
// *DispatchError is returned together with the committed event when a reactor
// failed after the commit.
func (e *Engine) Create(ctx context.Context, event Event) (Event, error) {
	if event == nil {
		return nil, programmingErrorf("missing event")
	}

	b := event.Base()
	if b.Persisted() {
		return nil, &ProgrammingError{Err: ErrEventPersisted}
	}

	aggregateType, err := AggregateTypeOf(event.EventType())
	if err != nil {
		return nil, &ProgrammingError{Err: err}
	}

	e.observe(ctx, StagePreValidate, event)

	if err := e.presetAggregate(ctx, aggregateType, event); err != nil {
		return nil, err
	}

	e.observe(ctx, StageValidate, event)

	if v, ok := event.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, asValidationError(err)
		}
	}

	e.observe(ctx, StageApplyAndPersist, event)

	if err := e.applyAndPersist(ctx, aggregateType, event); err != nil {
		return nil, err
	}

	e.logger.Debug("event created",
		zap.String("event_type", string(event.EventType())),
		zap.Int64("seq", b.Seq),
		zap.Stringer("aggregate_id", b.AggregateID),
	)

	e.observe(ctx, StageDispatch, event)

	if e.dispatcher != nil {
		if err := e.dispatcher.Dispatch(ctx, e, event); err != nil {
			e.logger.Warn("dispatch failed",
				zap.String("event_type", string(event.EventType())),
				zap.Int64("seq", b.Seq),
				zap.Error(err),
			)

			return event, err
		}
	}

	return event, nil
}

func (e *Engine) observe(ctx context.Context, s Stage, event Event) {
	for _, o := range e.observers {
		o(ctx, s, event)
	}
}

// presetAggregate makes sure the event has an aggregate attached before it is
// validated: a referenced one is loaded, otherwise a new one is built.
func (e *Engine) presetAggregate(ctx context.Context, t AggregateType, event Event) error {
	b := event.Base()

	if a := b.Aggregate(); a != nil {
		if a.AggregateType() != t {
			return programmingErrorf("%s belongs to %s, not %s", event.EventType(), t, a.AggregateType())
		}

		return nil
	}

	if b.AggregateID != uuid.Nil {
		a, err := e.repo.FindAggregate(ctx, t, b.AggregateID)
		if err != nil {
			return &PersistenceError{Op: "find aggregate", Err: err, AggregateType: t, EventType: event.EventType()}
		}

		if a == nil {
			return &PersistenceError{Op: "find aggregate", Err: ErrMissingAggregate, AggregateType: t, EventType: event.EventType()}
		}

		b.SetAggregate(a)

		return nil
	}

	a, err := NewAggregate(t)
	if err != nil {
		return &ProgrammingError{Err: fmt.Errorf("%w: %s", err, t)}
	}

	b.SetAggregate(a)

	return nil
}

func (e *Engine) applyAndPersist(ctx context.Context, t AggregateType, event Event) error {
	b := event.Base()
	attached := b.Aggregate()
	prevAggregate := *attached.Base()
	prevState := cloneAggregate(attached)
	prevEvent := *b

	var result Aggregate

	// Restores what an attempt changed. Repositories may run fn again when a
	// transaction is retried, each attempt must start from the same state.
	reset := func() {
		assignAggregate(attached, prevState)
		*attached.Base() = prevAggregate
		b.Seq, b.CreatedAt, b.AggregateID = prevEvent.Seq, prevEvent.CreatedAt, prevEvent.AggregateID
	}

	err := e.repo.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		reset()

		a := attached

		// Existing aggregates are locked and reloaded so that concurrent
		// events for the same aggregate are applied one at a time.
		if a.Base().Persisted() {
			locked, err := tx.LockAggregate(ctx, t, a.Base().ID)
			if err != nil {
				return &PersistenceError{Op: "lock aggregate", Err: err, AggregateType: t, EventType: event.EventType()}
			}

			a = locked
		}

		applied, err := event.Apply(ctx, a)
		if err != nil {
			return err
		}

		if applied == nil {
			return &ProgrammingError{Err: fmt.Errorf("%w: %s", ErrApplyReturnedNil, event.EventType())}
		}

		if v, ok := applied.(Validator); ok {
			if err := v.Validate(); err != nil {
				return asValidationError(err)
			}
		}

		if err := tx.SaveAggregate(ctx, applied); err != nil {
			return &PersistenceError{Op: "save aggregate", Err: err, AggregateType: t, EventType: event.EventType()}
		}

		if b.AggregateID == uuid.Nil {
			b.AggregateID = applied.Base().ID
		}

		b.CreatedAt = TimeNow()

		if err := tx.InsertEvent(ctx, t, event); err != nil {
			return &PersistenceError{Op: "insert event", Err: err, AggregateType: t, EventType: event.EventType()}
		}

		result = applied

		return nil
	})
	if err != nil {
		reset()

		var (
			progErr *ProgrammingError
			valErr  *ValidationError
			perErr  *PersistenceError
		)

		if errors.As(err, &progErr) || errors.As(err, &valErr) || errors.As(err, &perErr) {
			return err
		}

		return &PersistenceError{Op: "apply and persist", Err: err, AggregateType: t, EventType: event.EventType()}
	}

	if !assignAggregate(attached, result) {
		b.SetAggregate(result)
	}

	return nil
}

// Rollback restores the aggregate of a stored event to its state right after
// that event and deletes every later event of the aggregate. The state is
// rebuilt by replaying the remaining events on a fresh aggregate that keeps
// only the reserved columns. Deleted events are gone for good.
func (e *Engine) Rollback(ctx context.Context, event Event) error {
	if event == nil {
		return programmingErrorf("missing event")
	}

	b := event.Base()
	if !b.Persisted() {
		return programmingErrorf("rollback to unsaved event %s", event.EventType())
	}

	t, err := AggregateTypeOf(event.EventType())
	if err != nil {
		return &ProgrammingError{Err: err}
	}

	var (
		result  Aggregate
		deleted int
	)

	// Every attempt locks and reloads the aggregate, so a retried transaction
	// replays from the stored state.
	err = e.repo.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		result, deleted = nil, 0

		current, err := tx.LockAggregate(ctx, t, b.AggregateID)
		if err != nil {
			return fmt.Errorf("could not lock aggregate: %w", err)
		}

		a, err := ResetAggregate(current)
		if err != nil {
			return &ProgrammingError{Err: err}
		}

		n, err := tx.DeleteEventsAfter(ctx, t, b.AggregateID, b.Seq)
		if err != nil {
			return fmt.Errorf("could not delete events: %w", err)
		}

		events, err := tx.LoadEvents(ctx, t, b.AggregateID)
		if err != nil {
			return fmt.Errorf("could not load events: %w", err)
		}

		for _, ev := range events {
			if ev.Base().Seq > b.Seq {
				return fmt.Errorf("event %d still stored after deleting", ev.Base().Seq)
			}

			ev.Base().SetAggregate(a)

			if a, err = ev.Apply(ctx, a); err != nil {
				return fmt.Errorf("could not replay event %d: %w", ev.Base().Seq, err)
			}

			if a == nil {
				return &ProgrammingError{Err: fmt.Errorf("%w: %s", ErrApplyReturnedNil, ev.EventType())}
			}
		}

		if v, ok := a.(Validator); ok {
			if err := v.Validate(); err != nil {
				return asValidationError(err)
			}
		}

		if err := tx.SaveAggregate(ctx, a); err != nil {
			return fmt.Errorf("could not save aggregate: %w", err)
		}

		result, deleted = a, n

		return nil
	})
	if err != nil {
		var (
			progErr *ProgrammingError
			valErr  *ValidationError
		)

		if errors.As(err, &progErr) || errors.As(err, &valErr) {
			return err
		}

		return &PersistenceError{Op: "rollback", Err: err, AggregateType: t, EventType: event.EventType()}
	}

	e.logger.Info("rolled back aggregate",
		zap.String("aggregate_type", string(t)),
		zap.Stringer("aggregate_id", b.AggregateID),
		zap.Int64("seq", b.Seq),
		zap.Int("deleted", deleted),
	)

	if attached := b.Aggregate(); attached == nil || !assignAggregate(attached, result) {
		b.SetAggregate(result)
	}

	return nil
}

// EventsFor returns the stored events of an aggregate, ordered by sequence.
func (e *Engine) EventsFor(ctx context.Context, a Aggregate) ([]Event, error) {
	if a == nil || !a.Base().Persisted() {
		return nil, nil
	}

	return e.repo.LoadEvents(ctx, a.AggregateType(), a.Base().ID)
}

// assignAggregate copies the state of src into dst when both are pointers to
// the same type, keeping references to dst valid.
func assignAggregate(dst, src Aggregate) bool {
	if dst == nil || src == nil {
		return false
	}

	if dst == src {
		return true
	}

	dv, sv := reflect.ValueOf(dst), reflect.ValueOf(src)
	if dv.Kind() != reflect.Ptr || dv.Type() != sv.Type() || dv.IsNil() || sv.IsNil() {
		return false
	}

	dv.Elem().Set(sv.Elem())

	return true
}

// cloneAggregate returns a shallow copy of a, or nil if a is not a pointer.
func cloneAggregate(a Aggregate) Aggregate {
	v := reflect.ValueOf(a)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil
	}

	c := reflect.New(v.Elem().Type())
	c.Elem().Set(v.Elem())

	clone, ok := c.Interface().(Aggregate)
	if !ok {
		return nil
	}

	return clone
}

func asValidationError(err error) error {
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return err
	}

	return &ValidationError{Problems: []string{err.Error()}}
}
