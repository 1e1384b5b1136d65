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

package eventsource

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// RuleTable maps event types to the reactors to run when an event of that
// type, or of one of its subtypes, is committed. It is built at startup and
// read during dispatch.
type RuleTable struct {
	rules    []*rule
	index    map[EventType]*rule
	reactors map[string]Reactor
	mu       sync.RWMutex
}

type rule struct {
	eventType   EventType
	sync, async reactorSet
}

// reactorSet is an ordered set of reactors keyed by name.
type reactorSet struct {
	list  []Reactor
	names map[string]struct{}
}

func (s *reactorSet) add(reactors ...Reactor) {
	if s.names == nil {
		s.names = map[string]struct{}{}
	}

	for _, r := range reactors {
		if _, ok := s.names[r.ReactorName()]; ok {
			continue
		}

		s.names[r.ReactorName()] = struct{}{}
		s.list = append(s.list, r)
	}
}

// sameReactor reports if a and b are the same reactor. Reactors of
// uncomparable types are only the same as themselves by identity, which can't
// be checked, so they never match.
func sameReactor(a, b Reactor) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}

	return a == b
}

// ReactorSet is the result of resolving the rules for an event.
type ReactorSet struct {
	Sync  []Reactor
	Async []Reactor
}

// Empty returns true if there are no reactors.
func (s ReactorSet) Empty() bool {
	return len(s.Sync) == 0 && len(s.Async) == 0
}

// NewRuleTable creates an empty rule table.
func NewRuleTable() *RuleTable {
	return &RuleTable{
		index:    map[EventType]*rule{},
		reactors: map[string]Reactor{},
	}
}

// Register adds sync and async reactors for one or more event types, merging
// them into earlier registrations. Registering the same reactor again for the
// same type does nothing. A name is bound to the first reactor registered with
// it, another reactor with that name fails with ErrReactorNameTaken and nothing
// from the call is registered.
func (t *RuleTable) Register(eventTypes []EventType, sync, async []Reactor) error {
	if len(eventTypes) == 0 {
		return errors.New("missing event types")
	}

	for _, et := range eventTypes {
		if !EventTypeRegistered(et) {
			return fmt.Errorf("%w: %s", ErrEventTypeNotRegistered, et)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	named := map[string]Reactor{}

	for _, r := range append(append([]Reactor{}, sync...), async...) {
		if r == nil {
			return errors.New("missing reactor")
		}

		name := r.ReactorName()
		if name == "" {
			return errors.New("missing reactor name")
		}

		if er, ok := r.(eventReactor); ok && !EventTypeRegistered(EventType(er)) {
			return fmt.Errorf("%w: %s", ErrEventTypeNotRegistered, er)
		}

		prev, ok := t.reactors[name]
		if !ok {
			prev, ok = named[name]
		}

		if ok && !sameReactor(prev, r) {
			return fmt.Errorf("%w: %s", ErrReactorNameTaken, name)
		}

		named[name] = r
	}

	for name, r := range named {
		if _, ok := t.reactors[name]; !ok {
			t.reactors[name] = r
		}
	}

	for _, et := range eventTypes {
		ru, ok := t.index[et]
		if !ok {
			ru = &rule{eventType: et}
			t.index[et] = ru
			t.rules = append(t.rules, ru)
		}

		ru.sync.add(sync...)
		ru.async.add(async...)
	}

	return nil
}

// On starts a registration for the event types:
//   rules.On(ItemCreatedEventType).Async(es.EventReactor(ItemCompletedEventType))
func (t *RuleTable) On(eventTypes ...EventType) *RuleBuilder {
	return &RuleBuilder{table: t, eventTypes: eventTypes}
}

// RuleBuilder registers reactors for the event types given to RuleTable.On.
type RuleBuilder struct {
	table      *RuleTable
	eventTypes []EventType
	err        error
}

// Trigger registers sync reactors.
func (b *RuleBuilder) Trigger(reactors ...Reactor) *RuleBuilder {
	if b.err == nil {
		b.err = b.table.Register(b.eventTypes, reactors, nil)
	}

	return b
}

// Async registers async reactors.
func (b *RuleBuilder) Async(reactors ...Reactor) *RuleBuilder {
	if b.err == nil {
		b.err = b.table.Register(b.eventTypes, nil, reactors)
	}

	return b
}

// Err returns the first registration error.
func (b *RuleBuilder) Err() error {
	return b.err
}

// Resolve returns the reactors of every rule whose type is the type of the
// event or one of its supertypes. Each reactor is included once, sync and async
// kept apart, in the order of the rules and of registration within a rule.
func (t *RuleTable) Resolve(event Event) ReactorSet {
	chain := map[EventType]struct{}{}
	for _, et := range TypeChain(event.EventType()) {
		chain[et] = struct{}{}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var syncSet, asyncSet reactorSet

	for _, ru := range t.rules {
		if _, ok := chain[ru.eventType]; !ok {
			continue
		}

		syncSet.add(ru.sync.list...)
		asyncSet.add(ru.async.list...)
	}

	return ReactorSet{Sync: syncSet.list, Async: asyncSet.list}
}

// Reactor returns a registered reactor by name.
func (t *RuleTable) Reactor(name string) (Reactor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.reactors[name]

	return r, ok
}
