// Copyright (c) 2015 - The Event Horizon authors
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

package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/codec/json"
	"github.com/looplab/eventsource/uuid"
)

const (
	defaultAggregatesName = "aggregates"
	defaultEventsName     = "events"
	defaultCountersName   = "counters"
)

// Repository implements a MongoDB repository of aggregates and events. The
// writes of RunInTx are done in a multi document transaction, which needs a
// replica set. Aggregate state and event data are stored as documents
// converted from their JSON, so they read back like from the other
// repositories.
type Repository struct {
	client          *mongo.Client
	clientOwnership clientOwnership
	db              *mongo.Database
	aggregatesName  string
	eventsName      string
	countersName    string
	aggregates      *mongo.Collection
	events          *mongo.Collection
	counters        *mongo.Collection
	connectionCheck bool
}

type clientOwnership int

const (
	internalClient clientOwnership = iota
	externalClient
)

// NewRepository creates a new Repository connected to uri.
func NewRepository(uri, dbName string, options ...Option) (*Repository, error) {
	opts := mongoOptions(uri)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("could not connect to DB: %w", err)
	}

	r, err := newRepository(client, internalClient, dbName, options...)
	if err != nil {
		_ = client.Disconnect(context.Background())

		return nil, err
	}

	return r, nil
}

// NewRepositoryWithClient creates a new Repository with a client, which is not
// disconnected by Close.
func NewRepositoryWithClient(client *mongo.Client, dbName string, options ...Option) (*Repository, error) {
	if client == nil {
		return nil, fmt.Errorf("missing DB client")
	}

	return newRepository(client, externalClient, dbName, options...)
}

func mongoOptions(uri string) *options.ClientOptions {
	opts := options.Client().ApplyURI(uri)
	opts.SetWriteConcern(writeconcern.Majority())
	opts.SetReadConcern(readconcern.Majority())
	opts.SetReadPreference(readpref.Primary())

	return opts
}

func newRepository(client *mongo.Client, ownership clientOwnership, dbName string, options ...Option) (*Repository, error) {
	r := &Repository{
		client:          client,
		clientOwnership: ownership,
		aggregatesName:  defaultAggregatesName,
		eventsName:      defaultEventsName,
		countersName:    defaultCountersName,
	}

	for _, option := range options {
		if err := option(r); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	r.db = client.Database(dbName)
	r.aggregates = r.db.Collection(r.aggregatesName)
	r.events = r.db.Collection(r.eventsName)
	r.counters = r.db.Collection(r.countersName)

	ctx := context.Background()

	if r.connectionCheck {
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			return nil, fmt.Errorf("could not connect to MongoDB: %w", err)
		}
	}

	if _, err := r.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "aggregate_id", Value: 1}, {Key: "_id", Value: 1}},
	}); err != nil {
		return nil, fmt.Errorf("could not ensure events index: %w", err)
	}

	return r, nil
}

type aggregateDoc struct {
	ID            string    `bson:"_id"`
	AggregateType string    `bson:"aggregate_type"`
	State         bson.Raw  `bson:"state"`
	CreatedAt     time.Time `bson:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at"`
	// Incremented to write lock the document in a transaction.
	Lock int64 `bson:"lock"`
}

type eventDoc struct {
	Seq           int64     `bson:"_id"`
	Kind          string    `bson:"kind"`
	AggregateType string    `bson:"aggregate_type"`
	AggregateID   string    `bson:"aggregate_id"`
	Data          bson.Raw  `bson:"data"`
	Metadata      bson.Raw  `bson:"metadata"`
	CreatedAt     time.Time `bson:"created_at"`
}

// FindAggregate implements the FindAggregate method of the eventsource.Reader interface.
func (r *Repository) FindAggregate(ctx context.Context, t es.AggregateType, id uuid.UUID) (es.Aggregate, error) {
	var doc aggregateDoc
	if err := r.aggregates.FindOne(ctx, bson.M{
		"_id":            id.String(),
		"aggregate_type": string(t),
	}).Decode(&doc); errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s %s", es.ErrAggregateNotFound, t, id)
	} else if err != nil {
		return nil, fmt.Errorf("could not find aggregate: %w", err)
	}

	return doc.aggregate(t)
}

// FindEvent implements the FindEvent method of the eventsource.Reader interface.
func (r *Repository) FindEvent(ctx context.Context, t es.EventType, seq int64) (es.Event, error) {
	var doc eventDoc
	if err := r.events.FindOne(ctx, bson.M{"_id": seq}).Decode(&doc); errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s %d", es.ErrEventNotFound, t, seq)
	} else if err != nil {
		return nil, fmt.Errorf("could not find event: %w", err)
	}

	if !es.IsA(es.EventType(doc.Kind), t) {
		return nil, fmt.Errorf("%w: %s %d", es.ErrEventNotFound, t, seq)
	}

	return doc.event()
}

// LoadEvents implements the LoadEvents method of the eventsource.Reader interface.
func (r *Repository) LoadEvents(ctx context.Context, t es.AggregateType, id uuid.UUID) ([]es.Event, error) {
	cursor, err := r.events.Find(ctx, bson.M{
		"aggregate_id":   id.String(),
		"aggregate_type": string(t),
	}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("could not load events: %w", err)
	}

	var docs []eventDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("could not load events: %w", err)
	}

	events := make([]es.Event, 0, len(docs))

	for _, doc := range docs {
		e, err := doc.event()
		if err != nil {
			return nil, err
		}

		events = append(events, e)
	}

	return events, nil
}

// RunInTx implements the RunInTx method of the eventsource.Repository interface.
// Transient transaction errors make fn run again.
func (r *Repository) RunInTx(ctx context.Context, fn func(context.Context, es.Tx) error) error {
	sess, err := r.client.StartSession()
	if err != nil {
		return fmt.Errorf("could not start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, fn(ctx, &tx{repo: r})
	})

	return err
}

// Close implements the Close method of the eventsource.Repository interface.
func (r *Repository) Close() error {
	if r.clientOwnership == internalClient {
		return r.client.Disconnect(context.Background())
	}

	return nil
}

// Clear removes all aggregates, events and counters, useful in testing.
func (r *Repository) Clear(ctx context.Context) error {
	for _, c := range []*mongo.Collection{r.events, r.aggregates, r.counters} {
		if err := c.Drop(ctx); err != nil {
			return fmt.Errorf("could not clear %s: %w", c.Name(), err)
		}
	}

	return nil
}

func (doc *aggregateDoc) aggregate(t es.AggregateType) (es.Aggregate, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid aggregate ID %q: %w", doc.ID, err)
	}

	state, err := toJSON(doc.State)
	if err != nil {
		return nil, err
	}

	return json.UnmarshalAggregate(t, es.AggregateBase{
		ID:        id,
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}, state)
}

func (doc *eventDoc) event() (es.Event, error) {
	id, err := uuid.Parse(doc.AggregateID)
	if err != nil {
		return nil, fmt.Errorf("invalid aggregate ID %q: %w", doc.AggregateID, err)
	}

	base := es.EventBase{
		Seq:         doc.Seq,
		CreatedAt:   doc.CreatedAt.UTC(),
		AggregateID: id,
	}

	for _, f := range []struct {
		raw bson.Raw
		dst *map[string]interface{}
	}{
		{doc.Data, &base.Data},
		{doc.Metadata, &base.Metadata},
	} {
		b, err := toJSON(f.raw)
		if err != nil {
			return nil, err
		}

		if *f.dst, err = json.UnmarshalData(b); err != nil {
			return nil, err
		}
	}

	return json.RestoreEvent(es.EventType(doc.Kind), base)
}

// toDoc converts stored JSON to a BSON document.
func toDoc(b []byte) (bson.Raw, error) {
	var doc bson.D
	if err := bson.UnmarshalExtJSON(b, false, &doc); err != nil {
		return nil, fmt.Errorf("could not convert JSON to BSON: %w", err)
	}

	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("could not convert JSON to BSON: %w", err)
	}

	return raw, nil
}

// toJSON converts a BSON document back to JSON.
func toJSON(raw bson.Raw) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	b, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, fmt.Errorf("could not convert BSON to JSON: %w", err)
	}

	return b, nil
}

// tx is a transaction of the MongoDB repository, the session is carried by
// the context.
type tx struct {
	repo *Repository
}

// FindAggregate implements the FindAggregate method of the eventsource.Reader interface.
func (t *tx) FindAggregate(ctx context.Context, at es.AggregateType, id uuid.UUID) (es.Aggregate, error) {
	return t.repo.FindAggregate(ctx, at, id)
}

// FindEvent implements the FindEvent method of the eventsource.Reader interface.
func (t *tx) FindEvent(ctx context.Context, et es.EventType, seq int64) (es.Event, error) {
	return t.repo.FindEvent(ctx, et, seq)
}

// LoadEvents implements the LoadEvents method of the eventsource.Reader interface.
func (t *tx) LoadEvents(ctx context.Context, at es.AggregateType, id uuid.UUID) ([]es.Event, error) {
	return t.repo.LoadEvents(ctx, at, id)
}

// LockAggregate implements the LockAggregate method of the eventsource.Tx interface.
// Writing the lock field makes concurrent transactions on the document
// conflict, one of them is then retried.
func (t *tx) LockAggregate(ctx context.Context, at es.AggregateType, id uuid.UUID) (es.Aggregate, error) {
	var doc aggregateDoc
	if err := t.repo.aggregates.FindOneAndUpdate(ctx,
		bson.M{"_id": id.String(), "aggregate_type": string(at)},
		bson.M{"$inc": bson.M{"lock": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc); errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s %s", es.ErrAggregateNotFound, at, id)
	} else if err != nil {
		return nil, fmt.Errorf("could not lock aggregate: %w", err)
	}

	return doc.aggregate(at)
}

// SaveAggregate implements the SaveAggregate method of the eventsource.Tx interface.
func (t *tx) SaveAggregate(ctx context.Context, a es.Aggregate) error {
	b, err := json.MarshalAggregate(a)
	if err != nil {
		return err
	}

	state, err := toDoc(b)
	if err != nil {
		return err
	}

	base := a.Base()
	now := es.TimeNow().UTC().Truncate(time.Millisecond)

	if !base.Persisted() {
		id := uuid.New()
		if _, err := t.repo.aggregates.InsertOne(ctx, aggregateDoc{
			ID:            id.String(),
			AggregateType: string(a.AggregateType()),
			State:         state,
			CreatedAt:     now,
			UpdatedAt:     now,
		}); mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", es.ErrConstraintViolation, err)
		} else if err != nil {
			return fmt.Errorf("could not insert aggregate: %w", err)
		}

		base.ID, base.CreatedAt, base.UpdatedAt = id, now, now

		return nil
	}

	var doc aggregateDoc
	if err := t.repo.aggregates.FindOneAndUpdate(ctx,
		bson.M{"_id": base.ID.String(), "aggregate_type": string(a.AggregateType())},
		bson.M{"$set": bson.M{"state": state, "updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc); errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%w: %s %s", es.ErrAggregateNotFound, a.AggregateType(), base.ID)
	} else if err != nil {
		return fmt.Errorf("could not update aggregate: %w", err)
	}

	base.CreatedAt, base.UpdatedAt = doc.CreatedAt.UTC(), now

	return nil
}

// InsertEvent implements the InsertEvent method of the eventsource.Tx interface.
func (t *tx) InsertEvent(ctx context.Context, at es.AggregateType, e es.Event) error {
	b := e.Base()

	n, err := t.repo.aggregates.CountDocuments(ctx, bson.M{
		"_id":            b.AggregateID.String(),
		"aggregate_type": string(at),
	})
	if err != nil {
		return fmt.Errorf("could not check aggregate: %w", err)
	} else if n == 0 {
		return fmt.Errorf("%w: no aggregate %s %s", es.ErrConstraintViolation, at, b.AggregateID)
	}

	doc := eventDoc{
		Kind:          string(e.EventType()),
		AggregateType: string(at),
		AggregateID:   b.AggregateID.String(),
		CreatedAt:     b.CreatedAt.UTC().Truncate(time.Millisecond),
	}

	data, err := json.MarshalData(b.Data)
	if err != nil {
		return err
	}

	if doc.Data, err = toDoc(data); err != nil {
		return err
	}

	metadata, err := json.MarshalData(b.Metadata)
	if err != nil {
		return err
	}

	if doc.Metadata, err = toDoc(metadata); err != nil {
		return err
	}

	// The counter is updated in the transaction, sequence numbers are given
	// in commit order without gaps.
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	if err := t.repo.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": t.repo.eventsName},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter); err != nil {
		return fmt.Errorf("could not get next sequence number: %w", err)
	}

	doc.Seq = counter.Seq

	if _, err := t.repo.events.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("could not insert event: %w", err)
	}

	b.Seq, b.CreatedAt = doc.Seq, doc.CreatedAt

	return nil
}

// DeleteEventsAfter implements the DeleteEventsAfter method of the eventsource.Tx interface.
func (t *tx) DeleteEventsAfter(ctx context.Context, at es.AggregateType, id uuid.UUID, seq int64) (int, error) {
	res, err := t.repo.events.DeleteMany(ctx, bson.M{
		"aggregate_id":   id.String(),
		"aggregate_type": string(at),
		"_id":            bson.M{"$gt": seq},
	})
	if err != nil {
		return 0, fmt.Errorf("could not delete events: %w", err)
	}

	return int(res.DeletedCount), nil
}
