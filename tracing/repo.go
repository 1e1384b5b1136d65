// Copyright (c) 2020 - The Event Horizon authors.
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

package tracing

import (
	"context"
	"errors"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/uuid"
)

// Repository is a Repository that adds tracing.
type Repository struct {
	es.Repository
}

// NewRepository creates a new Repository.
func NewRepository(repo es.Repository) *Repository {
	return &Repository{
		Repository: repo,
	}
}

// InnerRepository returns the wrapped repository.
func (r *Repository) InnerRepository() es.Repository {
	return r.Repository
}

// FindAggregate implements the FindAggregate method of the eventsource.Reader interface.
func (r *Repository) FindAggregate(ctx context.Context, t es.AggregateType, id uuid.UUID) (es.Aggregate, error) {
	return findAggregate(ctx, r.Repository, "Repository.FindAggregate", t, id)
}

// FindEvent implements the FindEvent method of the eventsource.Reader interface.
func (r *Repository) FindEvent(ctx context.Context, t es.EventType, seq int64) (es.Event, error) {
	return findEvent(ctx, r.Repository, "Repository.FindEvent", t, seq)
}

// LoadEvents implements the LoadEvents method of the eventsource.Reader interface.
func (r *Repository) LoadEvents(ctx context.Context, t es.AggregateType, id uuid.UUID) ([]es.Event, error) {
	return loadEvents(ctx, r.Repository, "Repository.LoadEvents", t, id)
}

// RunInTx implements the RunInTx method of the eventsource.Repository interface.
func (r *Repository) RunInTx(ctx context.Context, fn func(context.Context, es.Tx) error) error {
	sp, ctx := opentracing.StartSpanFromContext(ctx, "Repository.RunInTx")

	err := r.Repository.RunInTx(ctx, func(ctx context.Context, t es.Tx) error {
		return fn(ctx, &tx{t})
	})
	if err != nil {
		ext.LogError(sp, err)
	}

	sp.Finish()

	return err
}

func findAggregate(ctx context.Context, r es.Reader, op string, t es.AggregateType, id uuid.UUID) (es.Aggregate, error) {
	sp, ctx := opentracing.StartSpanFromContext(ctx, op)

	a, err := r.FindAggregate(ctx, t, id)

	sp.SetTag("es.aggregate_type", t)
	sp.SetTag("es.aggregate_id", id)

	if err != nil && !errors.Is(err, es.ErrAggregateNotFound) {
		ext.LogError(sp, err)
	}

	sp.Finish()

	return a, err
}

func findEvent(ctx context.Context, r es.Reader, op string, t es.EventType, seq int64) (es.Event, error) {
	sp, ctx := opentracing.StartSpanFromContext(ctx, op)

	e, err := r.FindEvent(ctx, t, seq)

	sp.SetTag("es.event_type", t)
	sp.SetTag("es.seq", seq)

	if err != nil && !errors.Is(err, es.ErrEventNotFound) {
		ext.LogError(sp, err)
	}

	sp.Finish()

	return e, err
}

func loadEvents(ctx context.Context, r es.Reader, op string, t es.AggregateType, id uuid.UUID) ([]es.Event, error) {
	sp, ctx := opentracing.StartSpanFromContext(ctx, op)

	events, err := r.LoadEvents(ctx, t, id)
	if err != nil {
		ext.LogError(sp, err)
	}

	sp.SetTag("es.aggregate_type", t)
	sp.SetTag("es.aggregate_id", id)
	sp.SetTag("es.events", len(events))

	sp.Finish()

	return events, err
}

// tx is a Tx that adds tracing.
type tx struct {
	es.Tx
}

// FindAggregate implements the FindAggregate method of the eventsource.Reader interface.
func (t *tx) FindAggregate(ctx context.Context, at es.AggregateType, id uuid.UUID) (es.Aggregate, error) {
	return findAggregate(ctx, t.Tx, "Tx.FindAggregate", at, id)
}

// FindEvent implements the FindEvent method of the eventsource.Reader interface.
func (t *tx) FindEvent(ctx context.Context, et es.EventType, seq int64) (es.Event, error) {
	return findEvent(ctx, t.Tx, "Tx.FindEvent", et, seq)
}

// LoadEvents implements the LoadEvents method of the eventsource.Reader interface.
func (t *tx) LoadEvents(ctx context.Context, at es.AggregateType, id uuid.UUID) ([]es.Event, error) {
	return loadEvents(ctx, t.Tx, "Tx.LoadEvents", at, id)
}

// LockAggregate implements the LockAggregate method of the eventsource.Tx interface.
func (t *tx) LockAggregate(ctx context.Context, at es.AggregateType, id uuid.UUID) (es.Aggregate, error) {
	sp, ctx := opentracing.StartSpanFromContext(ctx, "Tx.LockAggregate")

	a, err := t.Tx.LockAggregate(ctx, at, id)
	if err != nil {
		ext.LogError(sp, err)
	}

	sp.SetTag("es.aggregate_type", at)
	sp.SetTag("es.aggregate_id", id)

	sp.Finish()

	return a, err
}

// SaveAggregate implements the SaveAggregate method of the eventsource.Tx interface.
func (t *tx) SaveAggregate(ctx context.Context, a es.Aggregate) error {
	sp, ctx := opentracing.StartSpanFromContext(ctx, "Tx.SaveAggregate")

	err := t.Tx.SaveAggregate(ctx, a)
	if err != nil {
		ext.LogError(sp, err)
	}

	sp.SetTag("es.aggregate_type", a.AggregateType())
	sp.SetTag("es.aggregate_id", a.Base().ID)

	sp.Finish()

	return err
}

// InsertEvent implements the InsertEvent method of the eventsource.Tx interface.
func (t *tx) InsertEvent(ctx context.Context, at es.AggregateType, e es.Event) error {
	sp, ctx := opentracing.StartSpanFromContext(ctx, "Tx.InsertEvent")

	err := t.Tx.InsertEvent(ctx, at, e)
	if err != nil {
		ext.LogError(sp, err)
	}

	sp.SetTag("es.event_type", e.EventType())
	sp.SetTag("es.seq", e.Base().Seq)

	sp.Finish()

	return err
}

// DeleteEventsAfter implements the DeleteEventsAfter method of the eventsource.Tx interface.
func (t *tx) DeleteEventsAfter(ctx context.Context, at es.AggregateType, id uuid.UUID, seq int64) (int, error) {
	sp, ctx := opentracing.StartSpanFromContext(ctx, "Tx.DeleteEventsAfter")

	n, err := t.Tx.DeleteEventsAfter(ctx, at, id, seq)
	if err != nil {
		ext.LogError(sp, err)
	}

	sp.SetTag("es.aggregate_id", id)
	sp.SetTag("es.after_seq", seq)
	sp.SetTag("es.deleted", n)

	sp.Finish()

	return n, err
}
