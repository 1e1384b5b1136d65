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

package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/examples/todo"
	"github.com/looplab/eventsource/internal/config"
	"github.com/looplab/eventsource/repo/memory"
	"github.com/looplab/eventsource/repo/mongodb"
	"github.com/looplab/eventsource/repo/postgres"
	"github.com/looplab/eventsource/taskqueue/gcp"
	"github.com/looplab/eventsource/taskqueue/kafka"
	"github.com/looplab/eventsource/taskqueue/local"
	"github.com/looplab/eventsource/taskqueue/nats"
	"github.com/looplab/eventsource/taskqueue/redis"
	"github.com/looplab/eventsource/uuid"
)

// taskRunner is implemented by every task back-end.
type taskRunner interface {
	es.TaskQueue
	es.TaskRunner
}

func newRepository(ctx context.Context, cfg *config.Config) (es.Repository, error) {
	switch cfg.Repo {
	case "postgres":
		return postgres.NewRepository(ctx, cfg.Postgres.DSN,
			postgres.WithSchemaStatements(todo.PostgresSchema...),
		)
	case "mongodb":
		return mongodb.NewRepository(cfg.MongoDBURI(), cfg.MongoDB.Database,
			mongodb.WithConnectionCheck(),
		)
	case "memory":
		return memory.NewRepository(memory.WithConstraint(todo.NameNotNull))
	}

	return nil, fmt.Errorf("unknown repository %q", cfg.Repo)
}

func newTaskRunner(cfg *config.Config, logger *zap.Logger) (taskRunner, error) {
	r := cfg.Runner
	logger = logger.With(zap.String("queue", cfg.Queue))

	switch cfg.Queue {
	case "redis":
		return redis.NewRunner(cfg.Redis.Addr, cfg.AppID, uuid.New().String(),
			redis.WithRetries(r.Retries, r.MinBackoff, r.MaxBackoff),
			redis.WithLogger(logger),
		)
	case "kafka":
		return kafka.NewRunner(cfg.Kafka.Addr, cfg.AppID,
			kafka.WithRetries(r.Retries, r.MinBackoff, r.MaxBackoff),
			kafka.WithLogger(logger),
		)
	case "nats":
		return nats.NewRunner(cfg.NATS.Addr, cfg.AppID,
			nats.WithRetries(r.Retries, r.MinBackoff, r.MaxBackoff),
			nats.WithLogger(logger),
		)
	case "gcp":
		return gcp.NewRunner(cfg.PubSub.ProjectID, cfg.AppID,
			gcp.WithRetries(r.Retries, r.MinBackoff, r.MaxBackoff),
			gcp.WithLogger(logger),
		)
	case "local":
		return local.NewRunner(
			local.WithRetries(r.Retries, r.MinBackoff, r.MaxBackoff),
			local.WithLogger(logger),
		)
	}

	return nil, fmt.Errorf("unknown task queue %q", cfg.Queue)
}
