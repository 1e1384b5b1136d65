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

package bson

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/v2/bson"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/codec"
	"github.com/looplab/eventsource/mocks"
	"github.com/looplab/eventsource/uuid"
)

func TestTaskCodec(t *testing.T) {
	// The context is a map with more than one key, encoded in random order.
	codec.TaskCodecAcceptanceTest(t, &TaskCodec{}, nil)
}

func TestTaskCodecDocument(t *testing.T) {
	c := &TaskCodec{}
	task := es.Task{
		EventType:     mocks.ContentSetEventType,
		Seq:           7,
		AggregateType: mocks.AggregateType,
		AggregateID:   uuid.MustParse("10a7ec0f-7f2b-46f5-bca1-877b6e33c9fd"),
		Reactor:       "reactor",
	}

	b, err := c.MarshalTask(context.Background(), task)
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	var doc bson.M
	if err := bson.Unmarshal(b, &doc); err != nil {
		t.Fatal("there should be no error:", err)
	}
	assert.Equal(t, "mocks.content_set", doc["event_type"])
	assert.Equal(t, int64(7), doc["seq"])
	assert.Equal(t, "10a7ec0f-7f2b-46f5-bca1-877b6e33c9fd", doc["aggregate_id"])
	assert.Equal(t, "reactor", doc["reactor"])
}
