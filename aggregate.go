// Copyright (c) 2014 - Max Ekman <max@looplab.se>
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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/eventsource/uuid"
)

// Aggregate is a durable domain entity whose state is derived from its events.
// A domain specific aggregate embeds AggregateBase, which provides the reserved
// columns, and declares its own columns as exported, JSON serializable fields.
//
// A typical aggregate example:
//   type TodoList struct {
//       es.AggregateBase
//
//       Name string `json:"name"`
//   }
//
//   func (*TodoList) AggregateType() es.AggregateType { return TodoListAggregateType }
//
// The aggregate must also be registered, in this case:
//   func init() {
//       es.RegisterAggregate(func() es.Aggregate { return &TodoList{} })
//   }
type Aggregate interface {
	// AggregateType returns the type name of the aggregate.
	AggregateType() AggregateType
	// Base returns the reserved columns of the aggregate.
	Base() *AggregateBase
}

// AggregateType is the type of an aggregate.
type AggregateType string

// AggregateBase holds the reserved columns of an aggregate. They are stored
// next to, not inside, the serialized aggregate state.
type AggregateBase struct {
	ID        uuid.UUID `json:"-"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Base implements the Base method of the Aggregate interface.
func (a *AggregateBase) Base() *AggregateBase {
	return a
}

// Persisted returns true if the aggregate has been saved at least once.
func (a *AggregateBase) Persisted() bool {
	return a.ID != uuid.Nil
}

// Validator is implemented by events, aggregates and commands that declare
// validation rules. Validate should return a *ValidationError, typically by
// using Invalid.
type Validator interface {
	Validate() error
}

var (
	aggregates   = make(map[AggregateType]func() Aggregate)
	aggregatesMu sync.RWMutex
)

// ErrAggregateNotRegistered is when no aggregate factory was registered.
var ErrAggregateNotRegistered = errors.New("aggregate not registered")

// RegisterAggregate registers an aggregate factory for a type. The factory is
// used to create new aggregates for create-style events, to load aggregates
// from storage and to reset aggregates on rollback. It must return a pointer
// to a fresh zero-state aggregate.
//
// An example would be:
//     RegisterAggregate(func() Aggregate { return &MyAggregate{} })
func RegisterAggregate(factory func() Aggregate) {
	aggregate := factory()
	if aggregate == nil {
		panic("eventsource: created aggregate is nil")
	}

	aggregateType := aggregate.AggregateType()
	if aggregateType == AggregateType("") {
		panic("eventsource: attempt to register empty aggregate type")
	}

	aggregatesMu.Lock()
	defer aggregatesMu.Unlock()

	if _, ok := aggregates[aggregateType]; ok {
		panic(fmt.Sprintf("eventsource: registering duplicate types for %q", aggregateType))
	}

	aggregates[aggregateType] = factory
}

// NewAggregate creates a fresh aggregate of a type using the factory
// registered with RegisterAggregate.
func NewAggregate(aggregateType AggregateType) (Aggregate, error) {
	aggregatesMu.RLock()
	defer aggregatesMu.RUnlock()

	if factory, ok := aggregates[aggregateType]; ok {
		return factory(), nil
	}

	return nil, ErrAggregateNotRegistered
}

// ResetAggregate returns a fresh aggregate of the same type as a, with only the
// reserved columns copied over.
func ResetAggregate(a Aggregate) (Aggregate, error) {
	if a == nil {
		return nil, ErrMissingAggregate
	}

	fresh, err := NewAggregate(a.AggregateType())
	if err != nil {
		return nil, err
	}

	*fresh.Base() = *a.Base()

	return fresh, nil
}
