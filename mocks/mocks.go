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

package mocks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/uuid"
)

func init() {
	es.RegisterAggregate(func() es.Aggregate { return &Aggregate{} })

	es.RegisterEventType(es.EventTypeSpec{
		Type:       EventType,
		Aggregate:  AggregateType,
		Attributes: []string{"content"},
		Abstract:   true,
	})
	es.RegisterEventType(es.EventTypeSpec{
		Type:   ContentSetEventType,
		Parent: EventType,
		New:    func() es.Event { return &ContentSet{} },
	})
	es.RegisterEventType(es.EventTypeSpec{
		Type:       ItemAddedEventType,
		Parent:     EventType,
		Attributes: []string{"item", "content"},
		New:        func() es.Event { return &ItemAdded{} },
	})
	es.RegisterEventType(es.EventTypeSpec{
		Type:   IncrementedEventType,
		Parent: EventType,
		New:    func() es.Event { return &Incremented{} },
	})
	es.RegisterEventType(es.EventTypeSpec{
		Type:   FailingEventType,
		Parent: EventType,
		New:    func() es.Event { return &Failing{} },
	})
	es.RegisterEventType(es.EventTypeSpec{
		Type:   NilApplyEventType,
		Parent: EventType,
		New:    func() es.Event { return &NilApply{} },
	})
}

const (
	// AggregateType is the type for Aggregate.
	AggregateType es.AggregateType = "mocks.aggregate"

	// EventType is the abstract base type of the mocked events.
	EventType es.EventType = "mocks.event"
	// ContentSetEventType is the type for ContentSet.
	ContentSetEventType es.EventType = "mocks.content_set"
	// ItemAddedEventType is the type for ItemAdded.
	ItemAddedEventType es.EventType = "mocks.item_added"
	// IncrementedEventType is the type for Incremented.
	IncrementedEventType es.EventType = "mocks.incremented"
	// FailingEventType is the type for Failing.
	FailingEventType es.EventType = "mocks.failing"
	// NilApplyEventType is the type for NilApply.
	NilApplyEventType es.EventType = "mocks.nil_apply"
)

// Data attributes of the mocked events.
var (
	ContentAttr = es.NewAttr[string]("content")
	ItemAttr    = es.NewAttr[string]("item")
)

// ErrApply is returned by Failing.Apply.
var ErrApply = errors.New("apply error")

// Aggregate is a mocked eventsource.Aggregate, useful in testing.
type Aggregate struct {
	es.AggregateBase

	Content string   `json:"content"`
	Counter int      `json:"counter"`
	Items   []string `json:"items"`
}

// AggregateType implements the AggregateType method of the Aggregate interface.
func (a *Aggregate) AggregateType() es.AggregateType {
	return AggregateType
}

// Validate rejects the content "invalid".
func (a *Aggregate) Validate() error {
	if a.Content == "invalid" {
		return es.Invalid("content is invalid")
	}

	return nil
}

// ContentSet sets the content of the aggregate.
type ContentSet struct {
	es.EventBase
}

// EventType implements the EventType method of the Event interface.
func (*ContentSet) EventType() es.EventType { return ContentSetEventType }

// Apply implements the Apply method of the Event interface.
func (e *ContentSet) Apply(ctx context.Context, a es.Aggregate) (es.Aggregate, error) {
	agg := a.(*Aggregate)
	agg.Content = ContentAttr.Get(e)

	return agg, nil
}

// Validate rejects empty content.
func (e *ContentSet) Validate() error {
	if ContentAttr.Get(e) == "" {
		return es.Invalid("content can't be blank")
	}

	return nil
}

// ItemAdded appends an item to the aggregate.
type ItemAdded struct {
	es.EventBase
}

// EventType implements the EventType method of the Event interface.
func (*ItemAdded) EventType() es.EventType { return ItemAddedEventType }

// Apply implements the Apply method of the Event interface.
func (e *ItemAdded) Apply(ctx context.Context, a es.Aggregate) (es.Aggregate, error) {
	agg := a.(*Aggregate)
	agg.Items = append(agg.Items, ItemAttr.Get(e))

	return agg, nil
}

// Incremented increments the counter of the aggregate.
type Incremented struct {
	es.EventBase
}

// EventType implements the EventType method of the Event interface.
func (*Incremented) EventType() es.EventType { return IncrementedEventType }

// Apply implements the Apply method of the Event interface.
func (e *Incremented) Apply(ctx context.Context, a es.Aggregate) (es.Aggregate, error) {
	agg := a.(*Aggregate)
	agg.Counter++

	return agg, nil
}

// Failing fails to apply.
type Failing struct {
	es.EventBase
}

// EventType implements the EventType method of the Event interface.
func (*Failing) EventType() es.EventType { return FailingEventType }

// Apply implements the Apply method of the Event interface.
func (e *Failing) Apply(ctx context.Context, a es.Aggregate) (es.Aggregate, error) {
	return nil, ErrApply
}

// NilApply returns no aggregate when applied.
type NilApply struct {
	es.EventBase
}

// EventType implements the EventType method of the Event interface.
func (*NilApply) EventType() es.EventType { return NilApplyEventType }

// Apply implements the Apply method of the Event interface.
func (e *NilApply) Apply(ctx context.Context, a es.Aggregate) (es.Aggregate, error) {
	return nil, nil
}

// NewContentSet returns an unsaved ContentSet with the content.
func NewContentSet(a es.Aggregate, content string) *ContentSet {
	e := &ContentSet{EventBase: es.EventBase{
		Data:     map[string]interface{}{"content": content},
		Metadata: map[string]interface{}{},
	}}
	if a != nil {
		e.SetAggregate(a)
	}

	return e
}

// NewItemAdded returns an unsaved ItemAdded with the item.
func NewItemAdded(a es.Aggregate, item string) *ItemAdded {
	e := &ItemAdded{EventBase: es.EventBase{
		Data:     map[string]interface{}{"item": item},
		Metadata: map[string]interface{}{},
	}}
	if a != nil {
		e.SetAggregate(a)
	}

	return e
}

// Reactor is a mocked eventsource.Reactor, useful in testing.
type Reactor struct {
	Name       string
	Aggregates []es.Aggregate
	Context    context.Context
	Recv       chan es.Aggregate
	// Used to simulate errors in React.
	Err error
	mu  sync.Mutex
}

// NewReactor creates a new Reactor.
func NewReactor(name string) *Reactor {
	return &Reactor{
		Name:       name,
		Aggregates: []es.Aggregate{},
		Context:    context.Background(),
		Recv:       make(chan es.Aggregate, 10),
	}
}

// ReactorName implements the ReactorName method of the Reactor interface.
func (m *Reactor) ReactorName() string {
	return m.Name
}

// React implements the React method of the Reactor interface.
func (m *Reactor) React(ctx context.Context, _ es.EventCreator, a es.Aggregate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}

	m.Aggregates = append(m.Aggregates, a)
	m.Context = ctx

	select {
	case m.Recv <- a:
	default:
	}

	return nil
}

// Calls returns how many times the reactor ran.
func (m *Reactor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.Aggregates)
}

// WaitForReaction waits until the reactor has run or fails the test.
func (m *Reactor) WaitForReaction(t *testing.T) {
	t.Helper()

	select {
	case <-m.Recv:
		return
	case <-time.After(time.Second):
		t.Error("did not react in time")
	}
}

// TaskQueue is a mocked eventsource.TaskQueue, useful in testing.
type TaskQueue struct {
	Tasks   []es.Task
	Context context.Context
	// Used to simulate errors in Enqueue.
	Err error
	mu  sync.Mutex
}

// Enqueue implements the Enqueue method of the TaskQueue interface.
func (m *TaskQueue) Enqueue(ctx context.Context, task es.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return m.Err
	}

	m.Tasks = append(m.Tasks, task)
	m.Context = ctx

	return nil
}

// TaskHandler is a mocked eventsource.TaskHandler, useful in testing.
type TaskHandler struct {
	Tasks    []es.Task
	Contexts []context.Context
	Recv     chan es.Task
	// Used to simulate errors, the first ErrCount calls fail.
	Err      error
	ErrCount int
	mu       sync.Mutex
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler() *TaskHandler {
	return &TaskHandler{
		Tasks:    []es.Task{},
		Contexts: []context.Context{},
		Recv:     make(chan es.Task, 10),
	}
}

// HandleTask implements the HandleTask method of the TaskHandler interface.
func (m *TaskHandler) HandleTask(ctx context.Context, task es.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil && m.ErrCount > 0 {
		m.ErrCount--

		return m.Err
	}

	m.Tasks = append(m.Tasks, task)
	m.Contexts = append(m.Contexts, ctx)

	select {
	case m.Recv <- task:
	default:
	}

	return nil
}

// FailNext makes the next n calls fail with err.
func (m *TaskHandler) FailNext(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Err = err
	m.ErrCount = n
}

// LastContext returns the context of the last handled task.
func (m *TaskHandler) LastContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Contexts) == 0 {
		return context.Background()
	}

	return m.Contexts[len(m.Contexts)-1]
}

// Handled returns the handled tasks.
func (m *TaskHandler) Handled() []es.Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]es.Task{}, m.Tasks...)
}

// WaitForTask waits until a task has been handled or fails the test.
func (m *TaskHandler) WaitForTask(t *testing.T) es.Task {
	t.Helper()

	select {
	case task := <-m.Recv:
		return task
	case <-time.After(5 * time.Second):
		t.Error("did not receive task in time")
	}

	return es.Task{}
}

// Repository is a mocked eventsource.Repository that wraps another one and can
// simulate errors, useful in testing.
type Repository struct {
	es.Repository

	// Used to simulate errors in RunInTx.
	Err error
	// Used to simulate errors in reads.
	FindErr error
}

// FindAggregate implements the FindAggregate method of the Reader interface.
func (m *Repository) FindAggregate(ctx context.Context, t es.AggregateType, id uuid.UUID) (es.Aggregate, error) {
	if m.FindErr != nil {
		return nil, m.FindErr
	}

	return m.Repository.FindAggregate(ctx, t, id)
}

// FindEvent implements the FindEvent method of the Reader interface.
func (m *Repository) FindEvent(ctx context.Context, t es.EventType, seq int64) (es.Event, error) {
	if m.FindErr != nil {
		return nil, m.FindErr
	}

	return m.Repository.FindEvent(ctx, t, seq)
}

// RunInTx implements the RunInTx method of the Repository interface.
func (m *Repository) RunInTx(ctx context.Context, fn func(context.Context, es.Tx) error) error {
	if m.Err != nil {
		return m.Err
	}

	return m.Repository.RunInTx(ctx, fn)
}

type contextKey int

const (
	contextKeyOne contextKey = iota
)

const (
	// The string key used to marshal contextKeyOne.
	contextKeyOneStr = "context_one"
)

// Register the marshalers and unmarshalers for ContextOne.
func init() {
	es.RegisterContextMarshaler(func(ctx context.Context, vals map[string]interface{}) {
		if val, ok := ContextOne(ctx); ok {
			vals[contextKeyOneStr] = val
		}
	})
	es.RegisterContextUnmarshaler(func(ctx context.Context, vals map[string]interface{}) context.Context {
		if val, ok := vals[contextKeyOneStr].(string); ok {
			return WithContextOne(ctx, val)
		}
		return ctx
	})
}

// WithContextOne sets a value for One one the context.
func WithContextOne(ctx context.Context, val string) context.Context {
	return context.WithValue(ctx, contextKeyOne, val)
}

// ContextOne returns a value for One from the context.
func ContextOne(ctx context.Context) (string, bool) {
	val, ok := ctx.Value(contextKeyOne).(string)
	return val, ok
}
