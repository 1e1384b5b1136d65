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
	"context"

	"github.com/looplab/eventsource/uuid"
)

// Reader reads aggregates and events from storage.
type Reader interface {
	// FindAggregate loads an aggregate by type and id. Returns an error
	// wrapping ErrAggregateNotFound if it does not exist.
	FindAggregate(context.Context, AggregateType, uuid.UUID) (Aggregate, error)

	// FindEvent loads an event by its sequence number, without its aggregate
	// attached. The event type is checked against the stored kind, using the
	// type chain so that a base type matches all of its subtypes. Returns an
	// error wrapping ErrEventNotFound if it does not exist.
	FindEvent(context.Context, EventType, int64) (Event, error)

	// LoadEvents loads all events of an aggregate, ordered by sequence number.
	LoadEvents(context.Context, AggregateType, uuid.UUID) ([]Event, error)
}

// Tx is the view of the repository inside a transaction. All writes are
// discarded if the transaction function returns an error.
type Tx interface {
	Reader

	// LockAggregate takes an exclusive lock on a stored aggregate, held until
	// the end of the transaction, and returns its current state.
	LockAggregate(context.Context, AggregateType, uuid.UUID) (Aggregate, error)

	// SaveAggregate inserts or updates an aggregate. On insert the id is
	// assigned. The timestamps are set in both cases.
	SaveAggregate(context.Context, Aggregate) error

	// InsertEvent appends an event, assigning its sequence number. The event
	// must reference a stored aggregate.
	InsertEvent(context.Context, AggregateType, Event) error

	// DeleteEventsAfter deletes the events of an aggregate with a sequence
	// number greater than seq, and returns how many were deleted.
	DeleteEventsAfter(ctx context.Context, t AggregateType, id uuid.UUID, seq int64) (int, error)
}

// Repository is a transactional store of aggregates and their events.
type Repository interface {
	Reader

	// RunInTx runs fn in a transaction. It commits if fn returns nil and rolls
	// back everything otherwise.
	RunInTx(ctx context.Context, fn func(context.Context, Tx) error) error

	// Close closes the repository.
	Close() error
}
