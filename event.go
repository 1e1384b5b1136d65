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
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/looplab/eventsource/uuid"
)

// EventType is the type of an event, used as its discriminator in storage.
type EventType string

// BaseEventType is the root of every type chain. Rules registered on it match
// every event.
const BaseEventType EventType = "event"

// Event is an immutable record of one state transition of an aggregate. A
// domain specific event embeds EventBase and implements Apply, which is the
// only way the aggregate is changed:
//   type NameUpdated struct {
//       es.EventBase
//   }
//
//   func (*NameUpdated) EventType() es.EventType { return NameUpdatedEventType }
//
//   func (e *NameUpdated) Apply(ctx context.Context, a es.Aggregate) (es.Aggregate, error) {
//       l := a.(*TodoList)
//       l.Name = NameAttr.Get(e)
//       return l, nil
//   }
//
// EventBase has no Apply method, so an event that does not implement it
// cannot be used as an Event.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType
	// Base returns the stored columns of the event.
	Base() *EventBase
	// Apply applies the event to the aggregate and returns it.
	Apply(context.Context, Aggregate) (Aggregate, error)
}

// EventBase holds the stored columns of an event.
type EventBase struct {
	// Seq is the sequence number, assigned when the event is stored.
	Seq int64
	// CreatedAt is the time the event was stored.
	CreatedAt time.Time
	// AggregateID references the aggregate of the event.
	AggregateID uuid.UUID
	// Data holds the declared data attributes, see Attr.
	Data map[string]interface{}
	// Metadata is passed through opaque.
	Metadata map[string]interface{}

	aggregate Aggregate
}

// Base implements the Base method of the Event interface.
func (e *EventBase) Base() *EventBase {
	return e
}

// Persisted returns true if the event has been stored.
func (e *EventBase) Persisted() bool {
	return e.Seq != 0
}

// Aggregate returns the attached aggregate, or nil.
func (e *EventBase) Aggregate() Aggregate {
	return e.aggregate
}

// SetAggregate attaches an aggregate to the event. The aggregate reference is
// set if the aggregate is already saved.
func (e *EventBase) SetAggregate(a Aggregate) {
	e.aggregate = a
	if a != nil && a.Base().Persisted() {
		e.AggregateID = a.Base().ID
	}
}

// EventTypeSpec declares an event type.
type EventTypeSpec struct {
	// Type is the type to register.
	Type EventType
	// Parent is the supertype, BaseEventType if empty.
	Parent EventType
	// Aggregate is the aggregate type the event belongs to. It is required,
	// but can be inherited from the parent.
	Aggregate AggregateType
	// Attributes are the names of the data attributes of the event, added
	// after the attributes of the parent.
	Attributes []string
	// New creates an empty event, required unless Abstract is set.
	New func() Event
	// Abstract types can be used in rules but not be instantiated.
	Abstract bool
}

type eventTypeInfo struct {
	EventTypeSpec
	chain []EventType
}

var (
	eventTypes   = map[EventType]*eventTypeInfo{}
	eventTypesMu sync.RWMutex
)

// ErrEventTypeNotRegistered is when no event type was registered.
var ErrEventTypeNotRegistered = errors.New("event type not registered")

// ErrAbstractEventType is when trying to create an event of an abstract type.
var ErrAbstractEventType = errors.New("event type is abstract")

func init() {
	eventTypes[BaseEventType] = &eventTypeInfo{
		EventTypeSpec: EventTypeSpec{Type: BaseEventType, Abstract: true},
		chain:         []EventType{BaseEventType},
	}
}

// RegisterEventType registers an event type. The parent must be registered
// first. It panics on an invalid declaration, such as a missing aggregate,
// as that is a programming error.
func RegisterEventType(spec EventTypeSpec) {
	if spec.Type == EventType("") {
		panic("eventsource: attempt to register empty event type")
	}

	if spec.Parent == EventType("") {
		spec.Parent = BaseEventType
	}

	if !spec.Abstract && spec.New == nil {
		panic(fmt.Sprintf("eventsource: missing factory for event type %q", spec.Type))
	}

	eventTypesMu.Lock()
	defer eventTypesMu.Unlock()

	if _, ok := eventTypes[spec.Type]; ok {
		panic(fmt.Sprintf("eventsource: registering duplicate types for %q", spec.Type))
	}

	parent, ok := eventTypes[spec.Parent]
	if !ok {
		panic(fmt.Sprintf("eventsource: parent %q of event type %q is not registered", spec.Parent, spec.Type))
	}

	switch {
	case spec.Aggregate == "":
		spec.Aggregate = parent.Aggregate
	case parent.Aggregate != "" && spec.Aggregate != parent.Aggregate:
		panic(fmt.Sprintf("eventsource: event type %q belongs to %q, its parent to %q",
			spec.Type, spec.Aggregate, parent.Aggregate))
	}

	if spec.Aggregate == "" {
		panic(fmt.Sprintf("eventsource: event type %q has no aggregate", spec.Type))
	}

	attrs := make([]string, 0, len(parent.Attributes)+len(spec.Attributes))
	seen := map[string]bool{}

	for _, a := range append(append([]string{}, parent.Attributes...), spec.Attributes...) {
		if !seen[a] {
			seen[a] = true
			attrs = append(attrs, a)
		}
	}

	spec.Attributes = attrs

	eventTypes[spec.Type] = &eventTypeInfo{
		EventTypeSpec: spec,
		chain:         append([]EventType{spec.Type}, parent.chain...),
	}
}

func lookupEventType(t EventType) (*eventTypeInfo, error) {
	eventTypesMu.RLock()
	defer eventTypesMu.RUnlock()

	info, ok := eventTypes[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventTypeNotRegistered, t)
	}

	return info, nil
}

// EventTypeRegistered reports if t is registered.
func EventTypeRegistered(t EventType) bool {
	_, err := lookupEventType(t)

	return err == nil
}

// TypeChain returns t followed by all its supertypes, ending with
// BaseEventType. It returns nil for unregistered types.
func TypeChain(t EventType) []EventType {
	info, err := lookupEventType(t)
	if err != nil {
		return nil
	}

	return append([]EventType{}, info.chain...)
}

// IsA reports if t equals or is a subtype of super.
func IsA(t, super EventType) bool {
	for _, c := range TypeChain(t) {
		if c == super {
			return true
		}
	}

	return false
}

// AggregateTypeOf returns the aggregate type of an event type.
func AggregateTypeOf(t EventType) (AggregateType, error) {
	info, err := lookupEventType(t)
	if err != nil {
		return "", err
	}

	return info.Aggregate, nil
}

// Attributes returns the ordered data attribute names declared for t.
func Attributes(t EventType) []string {
	info, err := lookupEventType(t)
	if err != nil {
		return nil
	}

	return append([]string{}, info.Attributes...)
}

// NewEvent creates an empty event of a registered, concrete type.
func NewEvent(t EventType) (Event, error) {
	info, err := lookupEventType(t)
	if err != nil {
		return nil, err
	}

	if info.Abstract {
		return nil, fmt.Errorf("%w: %s", ErrAbstractEventType, t)
	}

	e := info.New()
	if e == nil || e.EventType() != t {
		return nil, programmingErrorf("factory for %q created the wrong event", t)
	}

	b := e.Base()
	if b.Data == nil {
		b.Data = map[string]interface{}{}
	}

	if b.Metadata == nil {
		b.Metadata = map[string]interface{}{}
	}

	return e, nil
}

// NewEventFor creates an event of type t attached to the aggregate a.
func NewEventFor(t EventType, a Aggregate) (Event, error) {
	e, err := NewEvent(t)
	if err != nil {
		return nil, err
	}

	e.Base().SetAggregate(a)

	return e, nil
}

// EventName returns the short underscored name of an event type, the last
// dot separated part: "todo_lists.NameUpdated" gives "name_updated".
func EventName(t EventType) string {
	s := string(t)
	if i := strings.LastIndexAny(s, "./"); i >= 0 {
		s = s[i+1:]
	}

	var b strings.Builder

	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}

			r = unicode.ToLower(r)
		}

		b.WriteRune(r)
	}

	return b.String()
}

func eventString(e Event) string {
	b := e.Base()

	return fmt.Sprintf("%s(%d, %s)", e.EventType(), b.Seq, b.AggregateID)
}
