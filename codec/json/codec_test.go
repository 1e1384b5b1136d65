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

package json

import (
	"context"
	"strings"
	"testing"

	"github.com/looplab/eventsource/codec"
)

func TestTaskCodec(t *testing.T) {
	c := &TaskCodec{}

	expectedBytes := strings.ReplaceAll(strings.ReplaceAll(strings.ReplaceAll(`
	{
		"event_type": "mocks.content_set",
		"seq": 42,
		"aggregate_type": "mocks.aggregate",
		"aggregate_id": "10a7ec0f-7f2b-46f5-bca1-877b6e33c9fd",
		"reactor": "reactor",
		"context": { "context_one": "testval", "es_reaction_depth": 2 }
	}`, " ", ""), "\n", ""), "\t", "")

	codec.TaskCodecAcceptanceTest(t, c, []byte(expectedBytes))
}

func TestTaskCodecBadAggregateID(t *testing.T) {
	c := &TaskCodec{}

	if _, _, err := c.UnmarshalTask(context.Background(), []byte(`{"aggregate_id":"nope"}`)); err == nil {
		t.Error("there should be an error")
	}
}
