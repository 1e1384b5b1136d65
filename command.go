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
	"context"
	"errors"
)

// Command builds at most one event from its input and creates it:
//   type UpdateTodoListName struct {
//       List *TodoList
//       Name string
//   }
//
//   func (c *UpdateTodoListName) Noop(ctx context.Context) bool { return c.List.Name == c.Name }
//
//   func (c *UpdateTodoListName) BuildEvent(ctx context.Context) (es.Event, error) { ... }
//
// A command can also implement Validator to check its own input.
type Command interface {
	// BuildEvent builds the unsaved event to create, or nil for none.
	BuildEvent(context.Context) (Event, error)
}

// NoopCommand is implemented by commands that can detect that they would not
// change anything.
type NoopCommand interface {
	Command

	// Noop returns true if the command has nothing to do.
	Noop(context.Context) bool
}

// Call runs a command with the engine. It returns nil without touching
// storage when the command is a no-op or builds no event. It returns a
// *ValidationError when the command is invalid. Otherwise the built event is
// created, see Engine.Create.
func Call(ctx context.Context, c EventCreator, cmd Command) (Event, error) {
	if cmd == nil {
		return nil, programmingErrorf("missing command")
	}

	if n, ok := cmd.(NoopCommand); ok && n.Noop(ctx) {
		return nil, nil
	}

	event, err := cmd.BuildEvent(ctx)
	if err != nil {
		return nil, err
	}

	if event == nil {
		return nil, nil
	}

	if event.Base().Persisted() {
		return nil, &ProgrammingError{Err: errors.New("the event must not be persisted")}
	}

	if v, ok := cmd.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, asValidationError(err)
		}
	}

	return c.Create(ctx, event)
}
