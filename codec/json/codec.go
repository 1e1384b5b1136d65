// Copyright (c) 2021 - The Event Horizon authors.
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

package json

import (
	"context"
	"encoding/json"
	"fmt"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/uuid"
)

// TaskCodec is a codec for marshaling and unmarshaling tasks
// to and from bytes in JSON format.
type TaskCodec struct{}

// MarshalTask marshals a task into bytes in JSON format.
func (c *TaskCodec) MarshalTask(ctx context.Context, task es.Task) ([]byte, error) {
	t := tsk{
		EventType:     task.EventType,
		Seq:           task.Seq,
		AggregateType: task.AggregateType,
		AggregateID:   task.AggregateID.String(),
		Reactor:       task.Reactor,
		Context:       es.MarshalContext(ctx),
	}

	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("could not marshal task: %w", err)
	}

	return b, nil
}

// UnmarshalTask unmarshals a task from bytes in JSON format.
func (c *TaskCodec) UnmarshalTask(ctx context.Context, b []byte) (es.Task, context.Context, error) {
	var t tsk
	if err := json.Unmarshal(b, &t); err != nil {
		return es.Task{}, nil, fmt.Errorf("could not unmarshal task: %w", err)
	}

	aggregateID, err := uuid.ParseOrNil(t.AggregateID)
	if err != nil {
		return es.Task{}, nil, fmt.Errorf("could not parse aggregate ID: %w", err)
	}

	task := es.Task{
		EventType:     t.EventType,
		Seq:           t.Seq,
		AggregateType: t.AggregateType,
		AggregateID:   aggregateID,
		Reactor:       t.Reactor,
	}

	// Unmarshal the context.
	ctx = es.UnmarshalContext(ctx, t.Context)

	return task, ctx, nil
}

// tsk is the internal task used on the wire only.
type tsk struct {
	EventType     es.EventType           `json:"event_type"`
	Seq           int64                  `json:"seq"`
	AggregateType es.AggregateType       `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	Reactor       string                 `json:"reactor"`
	Context       map[string]interface{} `json:"context"`
}
