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

// Package retry performs tasks with a bounded number of retries, shared by
// the task runners.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	es "github.com/looplab/eventsource"
)

// Policy is how many times a failed task is retried and the backoff between
// attempts.
type Policy struct {
	Retries int
	Min     time.Duration
	Max     time.Duration
}

// DefaultPolicy is used by the runners unless configured otherwise.
var DefaultPolicy = Policy{Retries: 5, Min: 10 * time.Millisecond, Max: time.Second}

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	if p.Retries < 0 {
		return errors.New("negative retries")
	}

	if p.Max < p.Min {
		return errors.New("max backoff lower than min")
	}

	return nil
}

// Perform handles the task until it succeeds, fails with a non retryable
// error or runs out of retries. The last error is returned. When ctx is done
// while waiting for a retry the context error is returned, the task should
// then be left for redelivery.
func Perform(ctx, taskCtx context.Context, h es.TaskHandler, task es.Task, p Policy, logger *zap.Logger) error {
	b := &backoff.Backoff{Min: p.Min, Max: p.Max, Factor: 2, Jitter: true}

	for attempt := 0; ; attempt++ {
		err := h.HandleTask(taskCtx, task)
		if err == nil {
			return nil
		}

		if !es.IsRetryable(err) || attempt >= p.Retries {
			return err
		}

		d := b.Duration()
		logger.Debug("retrying task",
			zap.Stringer("task", task),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", d),
			zap.Error(err),
		)

		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
