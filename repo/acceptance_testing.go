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

package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kr/pretty"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/mocks"
	"github.com/looplab/eventsource/uuid"
)

var errRollback = errors.New("rollback")

// AcceptanceTest is the acceptance test that all implementations of Repository
// should pass. It should manually be called from a test case in each
// implementation:
//
//   func TestRepository(t *testing.T) {
//       r, _ := NewRepository()
//       repo.AcceptanceTest(t, r, context.Background())
//   }
//
func AcceptanceTest(t *testing.T, r es.Repository, ctx context.Context) {
	// Find non-existing aggregate.
	a, err := r.FindAggregate(ctx, mocks.AggregateType, uuid.New())
	if !errors.Is(err, es.ErrAggregateNotFound) {
		t.Error("there should be a ErrAggregateNotFound error:", err)
	}
	if a != nil {
		t.Error("there should be no aggregate:", a)
	}

	// Find non-existing event.
	e, err := r.FindEvent(ctx, mocks.ContentSetEventType, 1<<40)
	if !errors.Is(err, es.ErrEventNotFound) {
		t.Error("there should be a ErrEventNotFound error:", err)
	}
	if e != nil {
		t.Error("there should be no event:", e)
	}

	// Save an aggregate and an event.
	agg := &mocks.Aggregate{Content: "one", Items: []string{"a"}}
	event := mocks.NewContentSet(agg, "one")
	event.CreatedAt = time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC)

	err = r.RunInTx(ctx, func(ctx context.Context, tx es.Tx) error {
		if err := tx.SaveAggregate(ctx, agg); err != nil {
			return err
		}
		event.AggregateID = agg.ID
		return tx.InsertEvent(ctx, mocks.AggregateType, event)
	})
	if err != nil {
		t.Error("there should be no error:", err)
	}
	if agg.ID == uuid.Nil {
		t.Error("the aggregate should have an ID")
	}
	if agg.CreatedAt.IsZero() || agg.UpdatedAt.IsZero() {
		t.Error("the aggregate should have timestamps:", agg.CreatedAt, agg.UpdatedAt)
	}
	if event.Seq == 0 {
		t.Error("the event should have a sequence number")
	}

	a, err = r.FindAggregate(ctx, mocks.AggregateType, agg.ID)
	if err != nil {
		t.Error("there should be no error:", err)
	}
	if a, ok := a.(*mocks.Aggregate); !ok || a.ID != agg.ID || a.Content != "one" ||
		len(a.Items) != 1 || a.Items[0] != "a" {
		t.Error("the aggregate should be correct:", pretty.Sprint(a))
	}

	e, err = r.FindEvent(ctx, mocks.ContentSetEventType, event.Seq)
	if err != nil {
		t.Error("there should be no error:", err)
	}
	if e == nil || e.EventType() != mocks.ContentSetEventType ||
		e.Base().AggregateID != agg.ID || mocks.ContentAttr.Get(e) != "one" ||
		!e.Base().CreatedAt.Equal(event.CreatedAt) {
		t.Error("the event should be correct:", pretty.Sprint(e))
	}

	// Find by the abstract base type.
	if _, err := r.FindEvent(ctx, mocks.EventType, event.Seq); err != nil {
		t.Error("there should be no error:", err)
	}
	// Find by the wrong type.
	if _, err := r.FindEvent(ctx, mocks.IncrementedEventType, event.Seq); !errors.Is(err, es.ErrEventNotFound) {
		t.Error("there should be a ErrEventNotFound error:", err)
	}

	// Rolled back transactions leave nothing behind.
	other := &mocks.Aggregate{Content: "other"}
	otherEvent := mocks.NewContentSet(other, "other")

	err = r.RunInTx(ctx, func(ctx context.Context, tx es.Tx) error {
		if err := tx.SaveAggregate(ctx, other); err != nil {
			return err
		}
		otherEvent.AggregateID = other.ID
		if err := tx.InsertEvent(ctx, mocks.AggregateType, otherEvent); err != nil {
			return err
		}

		// Visible inside the transaction.
		if _, err := tx.FindAggregate(ctx, mocks.AggregateType, other.ID); err != nil {
			t.Error("there should be no error:", err)
		}
		return errRollback
	})
	if !errors.Is(err, errRollback) {
		t.Error("there should be a rollback error:", err)
	}
	if _, err := r.FindAggregate(ctx, mocks.AggregateType, other.ID); !errors.Is(err, es.ErrAggregateNotFound) {
		t.Error("there should be a ErrAggregateNotFound error:", err)
	}
	if events, err := r.LoadEvents(ctx, mocks.AggregateType, other.ID); err != nil || len(events) != 0 {
		t.Error("there should be no events:", err, events)
	}

	// Events must reference a stored aggregate.
	orphan := mocks.NewContentSet(nil, "orphan")
	orphan.AggregateID = uuid.New()
	err = r.RunInTx(ctx, func(ctx context.Context, tx es.Tx) error {
		return tx.InsertEvent(ctx, mocks.AggregateType, orphan)
	})
	if err == nil {
		t.Error("there should be an error")
	}

	// Append more events under a lock, then delete the tail.
	seqs := []int64{event.Seq}
	for _, content := range []string{"two", "three"} {
		err = r.RunInTx(ctx, func(ctx context.Context, tx es.Tx) error {
			locked, err := tx.LockAggregate(ctx, mocks.AggregateType, agg.ID)
			if err != nil {
				return err
			}
			locked.(*mocks.Aggregate).Content = content
			if err := tx.SaveAggregate(ctx, locked); err != nil {
				return err
			}
			e := mocks.NewContentSet(locked, content)
			e.CreatedAt = es.TimeNow()
			if err := tx.InsertEvent(ctx, mocks.AggregateType, e); err != nil {
				return err
			}
			seqs = append(seqs, e.Seq)
			return nil
		})
		if err != nil {
			t.Error("there should be no error:", err)
		}
	}

	events, err := r.LoadEvents(ctx, mocks.AggregateType, agg.ID)
	if err != nil {
		t.Error("there should be no error:", err)
	}
	if len(events) != 3 {
		t.Fatal("there should be 3 events:", len(events))
	}
	for i, e := range events {
		if e.Base().Seq != seqs[i] {
			t.Error("the events should be ordered by sequence:", i, e.Base().Seq, seqs[i])
		}
	}
	if seqs[0] >= seqs[1] || seqs[1] >= seqs[2] {
		t.Error("the sequence numbers should increase:", seqs)
	}

	err = r.RunInTx(ctx, func(ctx context.Context, tx es.Tx) error {
		n, err := tx.DeleteEventsAfter(ctx, mocks.AggregateType, agg.ID, seqs[1])
		if err != nil {
			return err
		}
		if n != 1 {
			t.Error("one event should be deleted:", n)
		}
		events, err := tx.LoadEvents(ctx, mocks.AggregateType, agg.ID)
		if err != nil {
			return err
		}
		if len(events) != 2 {
			t.Error("there should be 2 events in the transaction:", len(events))
		}
		return nil
	})
	if err != nil {
		t.Error("there should be no error:", err)
	}

	events, err = r.LoadEvents(ctx, mocks.AggregateType, agg.ID)
	if err != nil {
		t.Error("there should be no error:", err)
	}
	if len(events) != 2 || events[1].Base().Seq != seqs[1] {
		t.Error("the last event should be deleted:", pretty.Sprint(events))
	}
	if _, err := r.FindEvent(ctx, mocks.ContentSetEventType, seqs[2]); !errors.Is(err, es.ErrEventNotFound) {
		t.Error("there should be a ErrEventNotFound error:", err)
	}
}
