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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"EVENTSOURCE_REPO", "EVENTSOURCE_QUEUE", "EVENTSOURCE_APP_ID", "TASK_RETRIES", "TASK_MIN_BACKOFF"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	assert.Equal(t, "todo", cfg.AppID)
	assert.Equal(t, "memory", cfg.Repo)
	assert.Equal(t, "local", cfg.Queue)
	assert.Equal(t, 5, cfg.Runner.Retries)
	assert.Equal(t, 10*time.Millisecond, cfg.Runner.MinBackoff)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("EVENTSOURCE_REPO", "postgres")
	t.Setenv("EVENTSOURCE_QUEUE", "nats")
	t.Setenv("MONGODB_ADDR", "mongo:27017")
	t.Setenv("TASK_RETRIES", "2")
	t.Setenv("TASK_MAX_BACKOFF", "5s")
	t.Setenv("MAX_REACTION_DEPTH", "not a number")

	cfg, err := Load()
	if err != nil {
		t.Fatal("there should be no error:", err)
	}
	assert.Equal(t, "postgres", cfg.Repo)
	assert.Equal(t, "nats", cfg.Queue)
	assert.Equal(t, "mongodb://mongo:27017", cfg.MongoDBURI())
	assert.Equal(t, 2, cfg.Runner.Retries)
	assert.Equal(t, 5*time.Second, cfg.Runner.MaxBackoff)
	assert.Equal(t, 10, cfg.Runner.MaxReactionDepth, "invalid values should fall back")
}

func TestValidate(t *testing.T) {
	t.Setenv("EVENTSOURCE_REPO", "sqlite")
	if _, err := Load(); err == nil {
		t.Error("there should be an error")
	}

	cfg := &Config{AppID: "app", Repo: "memory", Queue: "sqs"}
	if err := cfg.Validate(); err == nil {
		t.Error("there should be an error")
	}

	cfg.Queue = "kafka"
	cfg.Runner.MaxReactionDepth = -1
	if err := cfg.Validate(); err == nil {
		t.Error("there should be an error")
	}

	cfg.Runner.MaxReactionDepth = 0
	if err := cfg.Validate(); err != nil {
		t.Error("there should be no error:", err)
	}
}
