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
	"encoding/json"
	"errors"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"go.uber.org/zap"

	es "github.com/looplab/eventsource"
)

// The string keys to marshal the context.
const (
	tracingSpanKeyStr = "es_tracing_span"
)

// RegisterContext registers the tracing span to be marshaled/unmarshaled on the
// context. This propagates the span of the request creating an event to the
// async reactors performing its tasks, for backends that support it (like
// Jaeger). Problems are logged to logger, which can be nil.
func RegisterContext(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	es.RegisterContextMarshaler(func(ctx context.Context, vals map[string]interface{}) {
		if span := opentracing.SpanFromContext(ctx); span != nil {
			tracer := opentracing.GlobalTracer()

			carrier := opentracing.TextMapCarrier{}
			if err := tracer.Inject(span.Context(), opentracing.TextMap, carrier); err != nil {
				logger.Warn("could not inject tracing span", zap.Error(err))

				return
			}

			js, err := json.Marshal(carrier)
			if err != nil {
				logger.Warn("could not marshal tracing span", zap.Error(err))

				return
			}

			vals[tracingSpanKeyStr] = string(js)
		}
	})
	es.RegisterContextUnmarshaler(func(ctx context.Context, vals map[string]interface{}) context.Context {
		if js, ok := vals[tracingSpanKeyStr].(string); ok {
			tracer := opentracing.GlobalTracer()

			carrier := opentracing.TextMapCarrier{}
			if err := json.Unmarshal([]byte(js), &carrier); err != nil {
				logger.Warn("could not unmarshal tracing span", zap.Error(err))

				return ctx
			}

			parentSpanContext, err := tracer.Extract(opentracing.TextMap, carrier)
			if err != nil && !errors.Is(err, opentracing.ErrSpanContextNotFound) {
				logger.Warn("could not extract tracing span", zap.Error(err))

				return ctx
			}

			span := tracer.StartSpan("task", ext.RPCServerOption(parentSpanContext))
			ctx = opentracing.ContextWithSpan(ctx, span)
		}

		return ctx
	})
}
