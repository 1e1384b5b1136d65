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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/codec/json"
	"github.com/looplab/eventsource/uuid"
)

const (
	defaultAggregatesTable = "aggregates"
	defaultEventsTable     = "events"
)

// Repository implements a PostgreSQL repository of aggregates and events.
// Aggregate state and event data are stored as jsonb, events reference their
// aggregate with a foreign key.
type Repository struct {
	pool            *pgxpool.Pool
	poolOwnership   poolOwnership
	aggregatesTable string
	eventsTable     string
	schema          []string
}

type poolOwnership int

const (
	internalPool poolOwnership = iota
	externalPool
)

// Option is an option setter used to configure creation.
type Option func(*Repository) error

// WithTableNames uses different tables from the default "aggregates" and
// "events" tables.
func WithTableNames(aggregates, events string) Option {
	return func(r *Repository) error {
		if aggregates == "" || events == "" {
			return errors.New("missing table name")
		}

		if aggregates == events {
			return errors.New("table names must differ")
		}

		r.aggregatesTable = aggregates
		r.eventsTable = events

		return nil
	}
}

// WithSchemaStatements runs the statements after the tables have been
// created, typically to add constraints. The table names in them can be
// written as {{aggregates}} and {{events}}.
func WithSchemaStatements(stmts ...string) Option {
	return func(r *Repository) error {
		r.schema = append(r.schema, stmts...)

		return nil
	}
}

// NewRepository creates a Repository connected to the database at dsn. The
// tables are created if they don't exist.
func NewRepository(ctx context.Context, dsn string, options ...Option) (*Repository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("could not connect to DB: %w", err)
	}

	r, err := newRepository(ctx, pool, internalPool, options...)
	if err != nil {
		pool.Close()

		return nil, err
	}

	return r, nil
}

// NewRepositoryWithPool creates a Repository using an existing pool, which is
// not closed by Close.
func NewRepositoryWithPool(ctx context.Context, pool *pgxpool.Pool, options ...Option) (*Repository, error) {
	if pool == nil {
		return nil, errors.New("missing pool")
	}

	return newRepository(ctx, pool, externalPool, options...)
}

func newRepository(ctx context.Context, pool *pgxpool.Pool, ownership poolOwnership, options ...Option) (*Repository, error) {
	r := &Repository{
		pool:            pool,
		poolOwnership:   ownership,
		aggregatesTable: defaultAggregatesTable,
		eventsTable:     defaultEventsTable,
	}

	for _, option := range options {
		if err := option(r); err != nil {
			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("could not connect to PostgreSQL: %w", err)
	}

	if err := r.createTables(ctx); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Repository) aggregates() string {
	return pgx.Identifier{r.aggregatesTable}.Sanitize()
}

func (r *Repository) events() string {
	return pgx.Identifier{r.eventsTable}.Sanitize()
}

func (r *Repository) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + r.aggregates() + ` (
			id uuid PRIMARY KEY,
			aggregate_type text NOT NULL,
			state jsonb NOT NULL DEFAULT '{}',
			created_at timestamptz NOT NULL,
			updated_at timestamptz NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + r.events() + ` (
			seq bigserial PRIMARY KEY,
			kind text NOT NULL,
			aggregate_type text NOT NULL,
			aggregate_id uuid NOT NULL REFERENCES ` + r.aggregates() + ` (id) ON DELETE CASCADE,
			data jsonb NOT NULL DEFAULT '{}',
			metadata jsonb NOT NULL DEFAULT '{}',
			created_at timestamptz NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pgx.Identifier{r.eventsTable + "_aggregate_idx"}.Sanitize() +
			` ON ` + r.events() + ` (aggregate_id, seq)`,
	}

	replacer := strings.NewReplacer("{{aggregates}}", r.aggregates(), "{{events}}", r.events())
	for _, s := range r.schema {
		stmts = append(stmts, replacer.Replace(s))
	}

	for _, s := range stmts {
		if _, err := r.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("could not create schema: %w", err)
		}
	}

	return nil
}

// querier is implemented by both the pool and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// FindAggregate implements the FindAggregate method of the eventsource.Reader interface.
func (r *Repository) FindAggregate(ctx context.Context, t es.AggregateType, id uuid.UUID) (es.Aggregate, error) {
	return r.findAggregate(ctx, r.pool, t, id, false)
}

// FindEvent implements the FindEvent method of the eventsource.Reader interface.
func (r *Repository) FindEvent(ctx context.Context, t es.EventType, seq int64) (es.Event, error) {
	return r.findEvent(ctx, r.pool, t, seq)
}

// LoadEvents implements the LoadEvents method of the eventsource.Reader interface.
func (r *Repository) LoadEvents(ctx context.Context, t es.AggregateType, id uuid.UUID) ([]es.Event, error) {
	return r.loadEvents(ctx, r.pool, t, id)
}

// RunInTx implements the RunInTx method of the eventsource.Repository interface.
func (r *Repository) RunInTx(ctx context.Context, fn func(context.Context, es.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, func(t pgx.Tx) error {
		return fn(ctx, &tx{repo: r, tx: t})
	})
}

// Close implements the Close method of the eventsource.Repository interface.
func (r *Repository) Close() error {
	if r.poolOwnership == internalPool {
		r.pool.Close()
	}

	return nil
}

// Clear removes all aggregates and events, useful in testing.
func (r *Repository) Clear(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, `TRUNCATE `+r.events()+`, `+r.aggregates()); err != nil {
		return fmt.Errorf("could not clear tables: %w", err)
	}

	return nil
}

func (r *Repository) findAggregate(ctx context.Context, q querier, t es.AggregateType, id uuid.UUID, lock bool) (es.Aggregate, error) {
	query := `SELECT state, created_at, updated_at FROM ` + r.aggregates() +
		` WHERE id = $1 AND aggregate_type = $2`
	if lock {
		query += ` FOR UPDATE`
	}

	var (
		state []byte
		base  = es.AggregateBase{ID: id}
	)

	if err := q.QueryRow(ctx, query, id, string(t)).Scan(&state, &base.CreatedAt, &base.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s %s", es.ErrAggregateNotFound, t, id)
		}

		return nil, fmt.Errorf("could not find aggregate: %w", err)
	}

	base.CreatedAt = base.CreatedAt.UTC()
	base.UpdatedAt = base.UpdatedAt.UTC()

	return json.UnmarshalAggregate(t, base, state)
}

const eventColumns = `seq, kind, aggregate_id, data, metadata, created_at`

func (r *Repository) findEvent(ctx context.Context, q querier, t es.EventType, seq int64) (es.Event, error) {
	row := q.QueryRow(ctx, `SELECT `+eventColumns+` FROM `+r.events()+` WHERE seq = $1`, seq)

	kind, e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && !es.IsA(kind, t)) {
		return nil, fmt.Errorf("%w: %s %d", es.ErrEventNotFound, t, seq)
	} else if err != nil {
		return nil, err
	}

	return e, nil
}

func (r *Repository) loadEvents(ctx context.Context, q querier, t es.AggregateType, id uuid.UUID) ([]es.Event, error) {
	rows, err := q.Query(ctx, `SELECT `+eventColumns+` FROM `+r.events()+
		` WHERE aggregate_id = $1 AND aggregate_type = $2 ORDER BY seq`, id, string(t))
	if err != nil {
		return nil, fmt.Errorf("could not load events: %w", err)
	}
	defer rows.Close()

	events := []es.Event{}

	for rows.Next() {
		_, e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("could not load events: %w", err)
	}

	return events, nil
}

func scanEvent(row pgx.Row) (es.EventType, es.Event, error) {
	var (
		kind           string
		base           es.EventBase
		data, metadata []byte
	)

	if err := row.Scan(&base.Seq, &kind, &base.AggregateID, &data, &metadata, &base.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil, err
		}

		return "", nil, fmt.Errorf("could not scan event: %w", err)
	}

	base.CreatedAt = base.CreatedAt.UTC()

	var err error
	if base.Data, err = json.UnmarshalData(data); err != nil {
		return "", nil, err
	}

	if base.Metadata, err = json.UnmarshalData(metadata); err != nil {
		return "", nil, err
	}

	e, err := json.RestoreEvent(es.EventType(kind), base)

	return es.EventType(kind), e, err
}

// constraintError maps integrity constraint violations, SQLSTATE class 23,
// to ErrConstraintViolation.
func constraintError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: %s", es.ErrConstraintViolation, pgErr.Message)
	}

	return err
}

// tx is a transaction of the PostgreSQL repository.
type tx struct {
	repo *Repository
	tx   pgx.Tx
}

// FindAggregate implements the FindAggregate method of the eventsource.Reader interface.
func (t *tx) FindAggregate(ctx context.Context, at es.AggregateType, id uuid.UUID) (es.Aggregate, error) {
	return t.repo.findAggregate(ctx, t.tx, at, id, false)
}

// FindEvent implements the FindEvent method of the eventsource.Reader interface.
func (t *tx) FindEvent(ctx context.Context, et es.EventType, seq int64) (es.Event, error) {
	return t.repo.findEvent(ctx, t.tx, et, seq)
}

// LoadEvents implements the LoadEvents method of the eventsource.Reader interface.
func (t *tx) LoadEvents(ctx context.Context, at es.AggregateType, id uuid.UUID) ([]es.Event, error) {
	return t.repo.loadEvents(ctx, t.tx, at, id)
}

// LockAggregate implements the LockAggregate method of the eventsource.Tx interface.
// The row stays locked until the transaction ends.
func (t *tx) LockAggregate(ctx context.Context, at es.AggregateType, id uuid.UUID) (es.Aggregate, error) {
	return t.repo.findAggregate(ctx, t.tx, at, id, true)
}

// SaveAggregate implements the SaveAggregate method of the eventsource.Tx interface.
func (t *tx) SaveAggregate(ctx context.Context, a es.Aggregate) error {
	state, err := json.MarshalAggregate(a)
	if err != nil {
		return err
	}

	b := a.Base()
	now := es.TimeNow().UTC().Truncate(time.Microsecond)

	if !b.Persisted() {
		id := uuid.New()
		if _, err := t.tx.Exec(ctx, `INSERT INTO `+t.repo.aggregates()+
			` (id, aggregate_type, state, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
			id, string(a.AggregateType()), state, now,
		); err != nil {
			return constraintError(fmt.Errorf("could not insert aggregate: %w", err))
		}

		b.ID, b.CreatedAt, b.UpdatedAt = id, now, now

		return nil
	}

	var createdAt time.Time
	if err := t.tx.QueryRow(ctx, `UPDATE `+t.repo.aggregates()+
		` SET state = $3, updated_at = $4 WHERE id = $1 AND aggregate_type = $2 RETURNING created_at`,
		b.ID, string(a.AggregateType()), state, now,
	).Scan(&createdAt); errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %s", es.ErrAggregateNotFound, a.AggregateType(), b.ID)
	} else if err != nil {
		return constraintError(fmt.Errorf("could not update aggregate: %w", err))
	}

	b.CreatedAt, b.UpdatedAt = createdAt.UTC(), now

	return nil
}

// InsertEvent implements the InsertEvent method of the eventsource.Tx interface.
func (t *tx) InsertEvent(ctx context.Context, at es.AggregateType, e es.Event) error {
	b := e.Base()

	data, err := json.MarshalData(b.Data)
	if err != nil {
		return err
	}

	metadata, err := json.MarshalData(b.Metadata)
	if err != nil {
		return err
	}

	createdAt := b.CreatedAt.UTC().Truncate(time.Microsecond)

	var seq int64
	if err := t.tx.QueryRow(ctx, `INSERT INTO `+t.repo.events()+
		` (kind, aggregate_type, aggregate_id, data, metadata, created_at)`+
		` VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`,
		string(e.EventType()), string(at), b.AggregateID, data, metadata, createdAt,
	).Scan(&seq); err != nil {
		return constraintError(fmt.Errorf("could not insert event: %w", err))
	}

	b.Seq, b.CreatedAt = seq, createdAt

	return nil
}

// DeleteEventsAfter implements the DeleteEventsAfter method of the eventsource.Tx interface.
func (t *tx) DeleteEventsAfter(ctx context.Context, at es.AggregateType, id uuid.UUID, seq int64) (int, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM `+t.repo.events()+
		` WHERE aggregate_id = $1 AND aggregate_type = $2 AND seq > $3`,
		id, string(at), seq,
	)
	if err != nil {
		return 0, fmt.Errorf("could not delete events: %w", err)
	}

	return int(tag.RowsAffected()), nil
}
