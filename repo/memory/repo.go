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

package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/codec/json"
	"github.com/looplab/eventsource/uuid"
)

// Repository implements an in memory, transactional repository of aggregates
// and events. Aggregates are stored as JSON like in the database backed
// repositories, so that what is read back never shares memory with what was
// saved.
type Repository struct {
	aggregates map[key]*aggregateRow
	events     []*eventRow
	seq        int64
	dbMu       sync.RWMutex

	// Row locks, held until the end of the transaction taking them.
	locks   map[key]*sync.Mutex
	locksMu sync.Mutex

	constraints []Constraint
}

// Constraint is a check run when saving an aggregate, like a constraint of a
// database table. A returned error fails the save with ErrConstraintViolation.
type Constraint func(es.Aggregate) error

// Option is an option setter used to configure creation.
type Option func(*Repository) error

// WithConstraint adds a constraint checked on every save.
func WithConstraint(c Constraint) Option {
	return func(r *Repository) error {
		r.constraints = append(r.constraints, c)

		return nil
	}
}

type key struct {
	aggregateType es.AggregateType
	id            uuid.UUID
}

type aggregateRow struct {
	base  es.AggregateBase
	state []byte
}

type eventRow struct {
	seq           int64
	kind          es.EventType
	aggregateType es.AggregateType
	aggregateID   uuid.UUID
	data          []byte
	metadata      []byte
	createdAt     time.Time
}

// NewRepository creates a new Repository.
func NewRepository(options ...Option) (*Repository, error) {
	r := &Repository{
		aggregates: map[key]*aggregateRow{},
		locks:      map[key]*sync.Mutex{},
	}

	for _, option := range options {
		if err := option(r); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	return r, nil
}

// FindAggregate implements the FindAggregate method of the eventsource.Reader interface.
func (r *Repository) FindAggregate(ctx context.Context, t es.AggregateType, id uuid.UUID) (es.Aggregate, error) {
	r.dbMu.RLock()
	row, ok := r.aggregates[key{t, id}]
	r.dbMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s %s", es.ErrAggregateNotFound, t, id)
	}

	return json.UnmarshalAggregate(t, row.base, row.state)
}

// FindEvent implements the FindEvent method of the eventsource.Reader interface.
func (r *Repository) FindEvent(ctx context.Context, t es.EventType, seq int64) (es.Event, error) {
	r.dbMu.RLock()
	row := r.findEventRow(seq)
	r.dbMu.RUnlock()

	if row == nil || !es.IsA(row.kind, t) {
		return nil, fmt.Errorf("%w: %s %d", es.ErrEventNotFound, t, seq)
	}

	return row.event()
}

// LoadEvents implements the LoadEvents method of the eventsource.Reader interface.
func (r *Repository) LoadEvents(ctx context.Context, t es.AggregateType, id uuid.UUID) ([]es.Event, error) {
	r.dbMu.RLock()
	rows := r.eventRows(t, id)
	r.dbMu.RUnlock()

	return restoreEvents(rows)
}

// RunInTx implements the RunInTx method of the eventsource.Repository interface.
// Writes are staged in the transaction and applied at once on commit.
func (r *Repository) RunInTx(ctx context.Context, fn func(context.Context, es.Tx) error) error {
	t := &tx{
		repo:       r,
		aggregates: map[key]*aggregateRow{},
		deleted:    map[int64]bool{},
		locked:     map[key]*sync.Mutex{},
	}
	defer t.unlock()

	if err := fn(ctx, t); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("could not commit: %w", err)
	}

	r.dbMu.Lock()
	defer r.dbMu.Unlock()

	for k, row := range t.aggregates {
		r.aggregates[k] = row
	}

	if len(t.deleted) > 0 {
		events := r.events[:0]

		for _, row := range r.events {
			if !t.deleted[row.seq] {
				events = append(events, row)
			}
		}

		r.events = events
	}

	r.events = append(r.events, t.inserted...)
	sort.Slice(r.events, func(i, j int) bool { return r.events[i].seq < r.events[j].seq })

	return nil
}

// Close implements the Close method of the eventsource.Repository interface.
func (r *Repository) Close() error {
	return nil
}

// AggregateCount returns the number of stored aggregates.
func (r *Repository) AggregateCount() int {
	r.dbMu.RLock()
	defer r.dbMu.RUnlock()

	return len(r.aggregates)
}

// EventCount returns the number of stored events.
func (r *Repository) EventCount() int {
	r.dbMu.RLock()
	defer r.dbMu.RUnlock()

	return len(r.events)
}

// Must be called with dbMu held.
func (r *Repository) findEventRow(seq int64) *eventRow {
	i := sort.Search(len(r.events), func(i int) bool { return r.events[i].seq >= seq })
	if i < len(r.events) && r.events[i].seq == seq {
		return r.events[i]
	}

	return nil
}

// Must be called with dbMu held.
func (r *Repository) eventRows(t es.AggregateType, id uuid.UUID) []*eventRow {
	var rows []*eventRow

	for _, row := range r.events {
		if row.aggregateType == t && row.aggregateID == id {
			rows = append(rows, row)
		}
	}

	return rows
}

func (r *Repository) nextSeq() int64 {
	r.dbMu.Lock()
	defer r.dbMu.Unlock()

	r.seq++

	return r.seq
}

func (r *Repository) rowLock(k key) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	l, ok := r.locks[k]
	if !ok {
		l = &sync.Mutex{}
		r.locks[k] = l
	}

	return l
}

func (row *eventRow) event() (es.Event, error) {
	data, err := json.UnmarshalData(row.data)
	if err != nil {
		return nil, err
	}

	metadata, err := json.UnmarshalData(row.metadata)
	if err != nil {
		return nil, err
	}

	return json.RestoreEvent(row.kind, es.EventBase{
		Seq:         row.seq,
		CreatedAt:   row.createdAt,
		AggregateID: row.aggregateID,
		Data:        data,
		Metadata:    metadata,
	})
}

func restoreEvents(rows []*eventRow) ([]es.Event, error) {
	events := make([]es.Event, 0, len(rows))

	for _, row := range rows {
		e, err := row.event()
		if err != nil {
			return nil, err
		}

		events = append(events, e)
	}

	return events, nil
}

// tx is a transaction of the memory repository.
type tx struct {
	repo       *Repository
	aggregates map[key]*aggregateRow
	inserted   []*eventRow
	deleted    map[int64]bool
	locked     map[key]*sync.Mutex
}

func (t *tx) unlock() {
	for _, l := range t.locked {
		l.Unlock()
	}
}

func (t *tx) aggregateRow(k key) (*aggregateRow, bool) {
	if row, ok := t.aggregates[k]; ok {
		return row, true
	}

	t.repo.dbMu.RLock()
	defer t.repo.dbMu.RUnlock()

	row, ok := t.repo.aggregates[k]

	return row, ok
}

// FindAggregate implements the FindAggregate method of the eventsource.Reader interface.
func (t *tx) FindAggregate(ctx context.Context, at es.AggregateType, id uuid.UUID) (es.Aggregate, error) {
	row, ok := t.aggregateRow(key{at, id})
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", es.ErrAggregateNotFound, at, id)
	}

	return json.UnmarshalAggregate(at, row.base, row.state)
}

// FindEvent implements the FindEvent method of the eventsource.Reader interface.
func (t *tx) FindEvent(ctx context.Context, et es.EventType, seq int64) (es.Event, error) {
	var row *eventRow

	for _, r := range t.inserted {
		if r.seq == seq {
			row = r
		}
	}

	if row == nil && !t.deleted[seq] {
		t.repo.dbMu.RLock()
		row = t.repo.findEventRow(seq)
		t.repo.dbMu.RUnlock()
	}

	if row == nil || !es.IsA(row.kind, et) {
		return nil, fmt.Errorf("%w: %s %d", es.ErrEventNotFound, et, seq)
	}

	return row.event()
}

// LoadEvents implements the LoadEvents method of the eventsource.Reader interface.
func (t *tx) LoadEvents(ctx context.Context, at es.AggregateType, id uuid.UUID) ([]es.Event, error) {
	t.repo.dbMu.RLock()
	committed := t.repo.eventRows(at, id)
	t.repo.dbMu.RUnlock()

	rows := make([]*eventRow, 0, len(committed))

	for _, row := range committed {
		if !t.deleted[row.seq] {
			rows = append(rows, row)
		}
	}

	for _, row := range t.inserted {
		if row.aggregateType == at && row.aggregateID == id {
			rows = append(rows, row)
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	return restoreEvents(rows)
}

// LockAggregate implements the LockAggregate method of the eventsource.Tx interface.
func (t *tx) LockAggregate(ctx context.Context, at es.AggregateType, id uuid.UUID) (es.Aggregate, error) {
	k := key{at, id}

	if _, ok := t.locked[k]; !ok {
		l := t.repo.rowLock(k)
		l.Lock()
		t.locked[k] = l
	}

	return t.FindAggregate(ctx, at, id)
}

// SaveAggregate implements the SaveAggregate method of the eventsource.Tx interface.
func (t *tx) SaveAggregate(ctx context.Context, a es.Aggregate) error {
	for _, c := range t.repo.constraints {
		if err := c(a); err != nil {
			return fmt.Errorf("%w: %s", es.ErrConstraintViolation, err)
		}
	}

	state, err := json.MarshalAggregate(a)
	if err != nil {
		return err
	}

	b := a.Base()
	now := es.TimeNow()

	if !b.Persisted() {
		b.ID = uuid.New()
		b.CreatedAt = now
	} else if prev, ok := t.aggregateRow(key{a.AggregateType(), b.ID}); ok {
		b.CreatedAt = prev.base.CreatedAt
	}

	b.UpdatedAt = now

	t.aggregates[key{a.AggregateType(), b.ID}] = &aggregateRow{
		base:  *b,
		state: state,
	}

	return nil
}

// InsertEvent implements the InsertEvent method of the eventsource.Tx interface.
func (t *tx) InsertEvent(ctx context.Context, at es.AggregateType, e es.Event) error {
	b := e.Base()

	if _, ok := t.aggregateRow(key{at, b.AggregateID}); !ok {
		return fmt.Errorf("%w: no aggregate %s %s", es.ErrConstraintViolation, at, b.AggregateID)
	}

	data, err := json.MarshalData(b.Data)
	if err != nil {
		return err
	}

	metadata, err := json.MarshalData(b.Metadata)
	if err != nil {
		return err
	}

	row := &eventRow{
		seq:           t.repo.nextSeq(),
		kind:          e.EventType(),
		aggregateType: at,
		aggregateID:   b.AggregateID,
		data:          data,
		metadata:      metadata,
		createdAt:     b.CreatedAt,
	}
	t.inserted = append(t.inserted, row)

	b.Seq = row.seq

	return nil
}

// DeleteEventsAfter implements the DeleteEventsAfter method of the eventsource.Tx interface.
func (t *tx) DeleteEventsAfter(ctx context.Context, at es.AggregateType, id uuid.UUID, seq int64) (int, error) {
	n := 0

	t.repo.dbMu.RLock()
	for _, row := range t.repo.eventRows(at, id) {
		if row.seq > seq && !t.deleted[row.seq] {
			t.deleted[row.seq] = true
			n++
		}
	}
	t.repo.dbMu.RUnlock()

	inserted := t.inserted[:0]

	for _, row := range t.inserted {
		if row.aggregateType == at && row.aggregateID == id && row.seq > seq {
			n++

			continue
		}

		inserted = append(inserted, row)
	}

	t.inserted = inserted

	return n, nil
}
