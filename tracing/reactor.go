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

package tracing

import (
	"context"
	"errors"
	"fmt"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	es "github.com/looplab/eventsource"
)

// NewReactorMiddleware returns a reactor middleware that adds tracing spans.
func NewReactorMiddleware() es.ReactorMiddleware {
	return es.ReactorMiddleware(func(r es.Reactor) es.Reactor {
		return &reactor{r}
	})
}

type reactor struct {
	es.Reactor
}

// React implements the React method of the eventsource.Reactor interface.
func (r *reactor) React(ctx context.Context, c es.EventCreator, a es.Aggregate) error {
	sp, ctx := opentracing.StartSpanFromContext(ctx, fmt.Sprintf("Reactor(%s)", r.ReactorName()))

	err := r.Reactor.React(ctx, c, a)
	if err != nil {
		ext.LogError(sp, err)
	}

	if a != nil {
		sp.SetTag("es.aggregate_type", a.AggregateType())
		sp.SetTag("es.aggregate_id", a.Base().ID)
	}

	sp.SetTag("es.reaction_depth", es.ReactionDepthFromContext(ctx))

	sp.Finish()

	return err
}

// StageObserver logs the engine stages on the span of the context, if any.
func StageObserver(ctx context.Context, s es.Stage, e es.Event) {
	sp := opentracing.SpanFromContext(ctx)
	if sp == nil {
		return
	}

	sp.LogKV("stage", string(s), "event_type", string(e.EventType()))
}

// NewEventCreator returns an event creator that creates events in a span.
func NewEventCreator(c es.EventCreator) es.EventCreator {
	return &eventCreator{c}
}

type eventCreator struct {
	es.EventCreator
}

// Create implements the Create method of the eventsource.EventCreator interface.
func (c *eventCreator) Create(ctx context.Context, e es.Event) (es.Event, error) {
	sp, ctx := opentracing.StartSpanFromContext(ctx, fmt.Sprintf("Create(%s)", e.EventType()))
	defer sp.Finish()

	created, err := c.EventCreator.Create(ctx, e)

	var verr *es.ValidationError
	if errors.As(err, &verr) {
		sp.SetTag("es.invalid", true)
		sp.LogKV("problems", verr.Error())
	} else if err != nil {
		ext.LogError(sp, err)
	}

	sp.SetTag("es.event_type", e.EventType())

	if created != nil {
		sp.SetTag("es.seq", created.Base().Seq)
		sp.SetTag("es.aggregate_id", created.Base().AggregateID)
	}

	return created, err
}
