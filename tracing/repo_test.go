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
	"testing"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/mocks"
	"github.com/looplab/eventsource/repo"
	"github.com/looplab/eventsource/repo/memory"
)

func useMockTracer(t *testing.T) *mocktracer.MockTracer {
	t.Helper()

	tracer := mocktracer.New()
	prev := opentracing.GlobalTracer()
	opentracing.SetGlobalTracer(tracer)
	t.Cleanup(func() { opentracing.SetGlobalTracer(prev) })

	return tracer
}

func spanNames(tracer *mocktracer.MockTracer) map[string]int {
	names := map[string]int{}
	for _, sp := range tracer.FinishedSpans() {
		names[sp.OperationName]++
	}

	return names
}

// NOTE: Not named "Integration" to enable running with the unit tests.
func TestRepository(t *testing.T) {
	tracer := useMockTracer(t)

	baseRepo, err := memory.NewRepository()
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	r := NewRepository(baseRepo)
	if inner := r.InnerRepository(); inner != baseRepo {
		t.Error("the inner repo should be correct:", inner)
	}

	repo.AcceptanceTest(t, r, context.Background())

	names := spanNames(tracer)
	for _, op := range []string{
		"Repository.FindAggregate",
		"Repository.FindEvent",
		"Repository.LoadEvents",
		"Repository.RunInTx",
		"Tx.SaveAggregate",
		"Tx.InsertEvent",
		"Tx.LockAggregate",
		"Tx.DeleteEventsAfter",
	} {
		if names[op] == 0 {
			t.Error("there should be a span:", op)
		}
	}

	if err := r.Close(); err != nil {
		t.Error("there should be no error:", err)
	}
}

func TestReactorMiddleware(t *testing.T) {
	tracer := useMockTracer(t)

	inner := mocks.NewReactor("reactor")
	r := es.UseReactorMiddleware(inner, NewReactorMiddleware())

	if err := r.React(context.Background(), nil, &mocks.Aggregate{}); err != nil {
		t.Error("there should be no error:", err)
	}
	if inner.Calls() != 1 {
		t.Error("the inner reactor should be called")
	}

	inner.Err = errors.New("reactor error")
	if err := r.React(context.Background(), nil, &mocks.Aggregate{}); !errors.Is(err, inner.Err) {
		t.Error("the error should be correct:", err)
	}

	spans := tracer.FinishedSpans()
	if len(spans) != 2 {
		t.Fatal("there should be two spans:", len(spans))
	}
	if spans[0].OperationName != "Reactor(reactor)" {
		t.Error("the span should be named:", spans[0].OperationName)
	}
	if spans[1].Tag("error") != true {
		t.Error("the failed span should be tagged with an error")
	}
}

func TestEventCreator(t *testing.T) {
	tracer := useMockTracer(t)

	r, err := memory.NewRepository()
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	engine, err := es.NewEngine(r, es.WithStageObserver(StageObserver))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	c := NewEventCreator(engine)
	if _, err := c.Create(context.Background(), mocks.NewContentSet(nil, "content")); err != nil {
		t.Error("there should be no error:", err)
	}
	if _, err := c.Create(context.Background(), mocks.NewContentSet(nil, "")); err == nil {
		t.Error("there should be a validation error")
	}

	spans := tracer.FinishedSpans()
	if len(spans) != 2 {
		t.Fatal("there should be two spans:", len(spans))
	}
	if len(spans[0].Logs()) != 4 {
		t.Error("all stages should be logged:", len(spans[0].Logs()))
	}
	if spans[1].Tag("es.invalid") != true {
		t.Error("the invalid event should be tagged")
	}
}

func TestContextPropagation(t *testing.T) {
	tracer := useMockTracer(t)
	RegisterContext(nil)

	sp := tracer.StartSpan("request")
	ctx := opentracing.ContextWithSpan(context.Background(), sp)

	vals := es.MarshalContext(ctx)
	if _, ok := vals[tracingSpanKeyStr]; !ok {
		t.Fatal("the span should be marshaled:", vals)
	}

	ctx = es.UnmarshalContext(context.Background(), vals)
	child := opentracing.SpanFromContext(ctx)
	if child == nil {
		t.Fatal("there should be a span")
	}
	child.Finish()
	sp.Finish()

	mock := child.(*mocktracer.MockSpan)
	if mock.ParentID != sp.(*mocktracer.MockSpan).SpanContext.SpanID {
		t.Error("the span should be a child of the request:", mock.ParentID)
	}
}
