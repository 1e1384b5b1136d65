// Copyright (c) 2021 - The Event Horizon authors.
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

package codec

import (
	"context"
	"testing"

	"github.com/kr/pretty"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/mocks"
	"github.com/looplab/eventsource/uuid"
)

// TaskCodecAcceptanceTest is the acceptance test that all implementations of
// TaskCodec should pass. It should manually be called from a test case in each
// implementation:
//
//   func TestTaskCodec(t *testing.T) {
//       c := &TaskCodec{}
//       expectedBytes := []byte("")
//       codec.TaskCodecAcceptanceTest(t, c, expectedBytes)
//   }
//
// The encoded bytes are not checked if expectedBytes is nil.
func TaskCodecAcceptanceTest(t *testing.T, c es.TaskCodec, expectedBytes []byte) {
	// Marshaling.
	ctx := mocks.WithContextOne(context.Background(), "testval")
	ctx = es.NewContextWithReactionDepth(ctx, 2)
	task := es.Task{
		EventType:     mocks.ContentSetEventType,
		Seq:           42,
		AggregateType: mocks.AggregateType,
		AggregateID:   uuid.MustParse("10a7ec0f-7f2b-46f5-bca1-877b6e33c9fd"),
		Reactor:       "reactor",
	}

	b, err := c.MarshalTask(ctx, task)
	if err != nil {
		t.Error("there should be no error:", err)
	}

	if expectedBytes != nil && string(b) != string(expectedBytes) {
		t.Error("the encoded bytes should be correct:", string(b))
	}

	// Unmarshaling.
	decodedTask, decodedContext, err := c.UnmarshalTask(context.Background(), b)
	if err != nil {
		t.Error("there should be no error:", err)
	}

	if decodedTask != task {
		t.Error("the decoded task was incorrect:", pretty.Diff(decodedTask, task))
	}

	if val, ok := mocks.ContextOne(decodedContext); !ok || val != "testval" {
		t.Error("the decoded context was incorrect:", decodedContext)
	}

	if d := es.ReactionDepthFromContext(decodedContext); d != 2 {
		t.Error("the decoded reaction depth was incorrect:", d)
	}

	// A task without context values.
	b, err = c.MarshalTask(context.Background(), task)
	if err != nil {
		t.Error("there should be no error:", err)
	}

	decodedTask, decodedContext, err = c.UnmarshalTask(context.Background(), b)
	if err != nil {
		t.Error("there should be no error:", err)
	}

	if decodedTask != task {
		t.Error("the decoded task was incorrect:", pretty.Diff(decodedTask, task))
	}

	if _, ok := mocks.ContextOne(decodedContext); ok {
		t.Error("there should be no context value:", decodedContext)
	}

	// Garbage.
	if _, _, err := c.UnmarshalTask(context.Background(), []byte("not a task")); err == nil {
		t.Error("there should be an error")
	}
}
