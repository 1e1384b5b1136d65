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
	"encoding/json"
	"fmt"
)

// Attr is a typed key for a data attribute of an event. Attributes are
// declared once per event type and shared by all code reading or writing that
// attribute:
//   var NameAttr = es.NewAttr[string]("name")
//
//   NameAttr.Set(event, "My TODO 1")
//   name := NameAttr.Get(event)
type Attr[T any] struct {
	name string
}

// NewAttr returns a typed data attribute key.
func NewAttr[T any](name string) Attr[T] {
	return Attr[T]{name: name}
}

// Name returns the key used in the event data.
func (a Attr[T]) Name() string {
	return a.name
}

// Get returns the value of the attribute, or the zero value if it is unset.
// Values loaded from storage are converted to T.
func (a Attr[T]) Get(e Event) T {
	v, _ := a.Lookup(e)

	return v
}

// Lookup returns the value of the attribute and if it was set to a value
// convertible to T.
func (a Attr[T]) Lookup(e Event) (T, bool) {
	var zero T

	raw, ok := e.Base().Data[a.name]
	if !ok || raw == nil {
		return zero, false
	}

	if v, ok := raw.(T); ok {
		return v, true
	}

	// Stored data comes back as generic JSON values.
	b, err := json.Marshal(raw)
	if err != nil {
		return zero, false
	}

	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return zero, false
	}

	return v, true
}

// Set sets the attribute on an event that is not yet stored. The attribute
// must be declared for the event type.
func (a Attr[T]) Set(e Event, v T) error {
	b := e.Base()
	if b.Persisted() {
		return &ProgrammingError{Err: fmt.Errorf("%w: cannot set %q", ErrEventPersisted, a.name)}
	}

	if !declared(e.EventType(), a.name) {
		return programmingErrorf("attribute %q is not declared for %q", a.name, e.EventType())
	}

	if b.Data == nil {
		b.Data = map[string]interface{}{}
	}

	b.Data[a.name] = v

	return nil
}

func declared(t EventType, name string) bool {
	for _, a := range Attributes(t) {
		if a == name {
			return true
		}
	}

	return false
}
