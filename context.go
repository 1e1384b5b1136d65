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
	"sync"
)

func init() {
	// Register the reaction depth context.
	RegisterContextMarshaler(func(ctx context.Context, vals map[string]interface{}) {
		if d, ok := ctx.Value(reactionDepthKey).(int); ok {
			vals[reactionDepthKeyStr] = d
		}
	})
	RegisterContextUnmarshaler(func(ctx context.Context, vals map[string]interface{}) context.Context {
		// JSON decodes numbers as floats and BSON as sized ints.
		switch d := vals[reactionDepthKeyStr].(type) {
		case int:
			return NewContextWithReactionDepth(ctx, d)
		case int32:
			return NewContextWithReactionDepth(ctx, int(d))
		case int64:
			return NewContextWithReactionDepth(ctx, int(d))
		case float64:
			return NewContextWithReactionDepth(ctx, int(d))
		}
		return ctx
	})
}

type contextKey int

const reactionDepthKey contextKey = iota

// Strings used to marshal context values.
const reactionDepthKeyStr = "es_reaction_depth"

// ReactionDepthFromContext returns how many async reactions led to the current
// operation, 0 for operations started outside of a reactor.
func ReactionDepthFromContext(ctx context.Context) int {
	if d, ok := ctx.Value(reactionDepthKey).(int); ok {
		return d
	}

	return 0
}

// NewContextWithReactionDepth sets the reaction depth in the context.
func NewContextWithReactionDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, reactionDepthKey, depth)
}

// Private context marshaling funcs.
var (
	contextMarshalFuncs   = []ContextMarshalFunc{}
	contextMarshalFuncsMu = sync.RWMutex{}

	contextUnmarshalFuncs   = []ContextUnmarshalFunc{}
	contextUnmarshalFuncsMu = sync.RWMutex{}
)

// ContextMarshalFunc is a function that marshals any context values to a map,
// used for sending context with a task.
type ContextMarshalFunc func(context.Context, map[string]interface{})

// RegisterContextMarshaler registers a marshaler function used by MarshalContext.
func RegisterContextMarshaler(f ContextMarshalFunc) {
	contextMarshalFuncsMu.Lock()
	defer contextMarshalFuncsMu.Unlock()
	contextMarshalFuncs = append(contextMarshalFuncs, f)
}

// MarshalContext marshals a context into a map.
func MarshalContext(ctx context.Context) map[string]interface{} {
	contextMarshalFuncsMu.RLock()
	defer contextMarshalFuncsMu.RUnlock()

	allVals := map[string]interface{}{}

	for _, f := range contextMarshalFuncs {
		vals := map[string]interface{}{}
		f(ctx, vals)

		for key, val := range vals {
			if _, ok := allVals[key]; ok {
				panic("duplicate context entry for: " + key)
			}
			allVals[key] = val
		}
	}

	return allVals
}

// ContextUnmarshalFunc is a function that unmarshals context values from a
// map, used when performing a task.
type ContextUnmarshalFunc func(context.Context, map[string]interface{}) context.Context

// RegisterContextUnmarshaler registers a marshaler function used by UnmarshalContext.
func RegisterContextUnmarshaler(f ContextUnmarshalFunc) {
	contextUnmarshalFuncsMu.Lock()
	defer contextUnmarshalFuncsMu.Unlock()
	contextUnmarshalFuncs = append(contextUnmarshalFuncs, f)
}

// UnmarshalContext unmarshals values from a map into a child of ctx.
func UnmarshalContext(ctx context.Context, vals map[string]interface{}) context.Context {
	contextUnmarshalFuncsMu.RLock()
	defer contextUnmarshalFuncsMu.RUnlock()

	if vals == nil {
		return ctx
	}

	for _, f := range contextUnmarshalFuncs {
		ctx = f(ctx, vals)
	}

	return ctx
}
