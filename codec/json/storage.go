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

package json

import (
	"encoding/json"
	"fmt"

	es "github.com/looplab/eventsource"
)

// MarshalAggregate marshals the columns of an aggregate, without the reserved
// ones, into a JSON object.
func MarshalAggregate(a es.Aggregate) ([]byte, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("could not marshal aggregate: %w", err)
	}

	return b, nil
}

// UnmarshalAggregate creates an aggregate of a registered type with the
// reserved columns set and the other columns decoded from a JSON object.
func UnmarshalAggregate(t es.AggregateType, base es.AggregateBase, b []byte) (es.Aggregate, error) {
	a, err := es.NewAggregate(t)
	if err != nil {
		return nil, fmt.Errorf("could not create aggregate %s: %w", t, err)
	}

	if len(b) > 0 {
		if err := json.Unmarshal(b, a); err != nil {
			return nil, fmt.Errorf("could not unmarshal aggregate: %w", err)
		}
	}

	*a.Base() = base

	return a, nil
}

// MarshalData marshals the data or metadata of an event into a JSON object,
// "{}" when empty.
func MarshalData(data map[string]interface{}) ([]byte, error) {
	if data == nil {
		data = map[string]interface{}{}
	}

	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("could not marshal event data: %w", err)
	}

	return b, nil
}

// UnmarshalData unmarshals event data or metadata, never returning nil.
func UnmarshalData(b []byte) (map[string]interface{}, error) {
	data := map[string]interface{}{}
	if len(b) == 0 {
		return data, nil
	}

	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("could not unmarshal event data: %w", err)
	}

	if data == nil {
		data = map[string]interface{}{}
	}

	return data, nil
}

// RestoreEvent creates an event of the stored kind with its columns set.
func RestoreEvent(kind es.EventType, base es.EventBase) (es.Event, error) {
	e, err := es.NewEvent(kind)
	if err != nil {
		return nil, fmt.Errorf("could not create event %s: %w", kind, err)
	}

	b := e.Base()
	b.Seq = base.Seq
	b.CreatedAt = base.CreatedAt
	b.AggregateID = base.AggregateID

	if base.Data != nil {
		b.Data = base.Data
	}

	if base.Metadata != nil {
		b.Metadata = base.Metadata
	}

	return e, nil
}
