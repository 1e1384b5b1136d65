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

package redis

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/looplab/eventsource/taskqueue"
)

func TestRunnerIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	// Connect to localhost if not running inside docker
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	// Get a random app ID.
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	appID := "app-" + hex.EncodeToString(b)

	r, err := NewRunner(addr, appID, "client", WithRetries(3, time.Millisecond, 10*time.Millisecond))
	if err != nil {
		t.Fatal("there should be no error:", err)
	}

	taskqueue.AcceptanceTest(t, r, 3*time.Second)
}

func TestRunnerOptions(t *testing.T) {
	if _, err := NewRunner("localhost:6379", "app", "client", WithLogger(nil)); err == nil {
		t.Error("there should be an error")
	}
	if _, err := NewRunner("localhost:6379", "app", "client", WithRetries(-1, 0, 0)); err == nil {
		t.Error("there should be an error")
	}
}
