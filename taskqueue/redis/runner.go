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
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/codec/json"
	"github.com/looplab/eventsource/taskqueue/internal/retry"
)

// Runner is a task runner backed by a Redis stream. All runners with the same
// app ID share one consumer group, each task is performed by one of them.
// Tasks are acked when performed or when failing permanently, unacked tasks
// of a consumer are read again when it restarts.
type Runner struct {
	appID      string
	clientID   string
	streamName string
	groupName  string
	client     *redis.Client
	clientOpts *redis.Options
	codec      es.TaskCodec
	policy     retry.Policy
	claimIdle  time.Duration
	logger     *zap.Logger
	handler    es.TaskHandler
	handlerMu  sync.Mutex
	errCh      chan error
	cctx       context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewRunner creates a Runner for the Redis server at addr.
func NewRunner(addr, appID, clientID string, options ...Option) (*Runner, error) {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		appID:      appID,
		clientID:   clientID,
		streamName: appID + "_tasks",
		groupName:  appID + "_reactors",
		codec:      &json.TaskCodec{},
		policy:     retry.DefaultPolicy,
		logger:     zap.NewNop(),
		errCh:      make(chan error, 100),
		cctx:       ctx,
		cancel:     cancel,
	}

	for _, option := range options {
		if option == nil {
			continue
		}

		if err := option(r); err != nil {
			cancel()

			return nil, fmt.Errorf("error while applying option: %w", err)
		}
	}

	if r.clientOpts == nil {
		r.clientOpts = &redis.Options{
			Addr: addr,
		}
	}

	r.client = redis.NewClient(r.clientOpts)
	if res, err := r.client.Ping(r.cctx).Result(); err != nil || res != "PONG" {
		cancel()

		return nil, fmt.Errorf("could not check Redis server: %w", err)
	}

	return r, nil
}

// Option is an option setter used to configure creation.
type Option func(*Runner) error

// WithCodec uses the specified codec for encoding tasks.
func WithCodec(codec es.TaskCodec) Option {
	return func(r *Runner) error {
		r.codec = codec

		return nil
	}
}

// WithRedisOptions uses the Redis options for the underlying client, instead of the defaults.
func WithRedisOptions(opts *redis.Options) Option {
	return func(r *Runner) error {
		r.clientOpts = opts

		return nil
	}
}

// WithRetries sets how many times a failed task is retried and the backoff
// between attempts.
func WithRetries(retries int, min, max time.Duration) Option {
	return func(r *Runner) error {
		p := retry.Policy{Retries: retries, Min: min, Max: max}
		if err := p.Validate(); err != nil {
			return err
		}

		r.policy = p

		return nil
	}
}

// WithClaimIdle makes the runner take over tasks that other consumers of the
// group have left unacked for longer than d. Requires Redis 6.2.
func WithClaimIdle(d time.Duration) Option {
	return func(r *Runner) error {
		r.claimIdle = d

		return nil
	}
}

// WithLogger sets the logger, the default discards all logs.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) error {
		if l == nil {
			return errors.New("missing logger")
		}

		r.logger = l

		return nil
	}
}

const (
	reactorKey   = "reactor"
	eventTypeKey = "event_type"
	dataKey      = "data"
)

// Enqueue implements the Enqueue method of the eventsource.TaskQueue interface.
func (r *Runner) Enqueue(ctx context.Context, task es.Task) error {
	data, err := r.codec.MarshalTask(ctx, task)
	if err != nil {
		return fmt.Errorf("could not encode task: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: r.streamName,
		Values: map[string]interface{}{
			reactorKey:   task.Reactor,
			eventTypeKey: string(task.EventType),
			dataKey:      data,
		},
	}
	if _, err := r.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("could not enqueue task: %w", err)
	}

	return nil
}

// SetHandler implements the SetHandler method of the eventsource.TaskRunner interface.
func (r *Runner) SetHandler(ctx context.Context, h es.TaskHandler) error {
	if h == nil {
		return es.ErrMissingHandler
	}

	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()

	if r.handler != nil {
		return es.ErrHandlerAlreadySet
	}

	// Start from the beginning of the stream to also get tasks enqueued before
	// the group existed.
	res, err := r.client.XGroupCreateMkStream(ctx, r.streamName, r.groupName, "0").Result()
	if err != nil {
		// Ignore group exists non-errors.
		if !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("could not create consumer group: %w", err)
		}
	} else if res != "OK" {
		return fmt.Errorf("could not create consumer group: %s", res)
	}

	r.handler = h

	r.wg.Add(1)

	go r.handle(h)

	return nil
}

// Errors implements the Errors method of the eventsource.TaskRunner interface.
func (r *Runner) Errors() <-chan error {
	return r.errCh
}

// Close implements the Close method of the eventsource.TaskRunner interface.
func (r *Runner) Close() error {
	r.cancel()
	r.wg.Wait()

	return r.client.Close()
}

func (r *Runner) consumer() string {
	return r.groupName + "_" + r.clientID
}

func (r *Runner) handle(h es.TaskHandler) {
	defer r.wg.Done()

	// Tasks delivered to this consumer earlier but never acked come first.
	pending := true

	for {
		if r.cctx.Err() != nil {
			return
		}

		id := ">"
		if pending {
			id = "0"
		}

		streams, err := r.client.XReadGroup(r.cctx, &redis.XReadGroupArgs{
			Group:    r.groupName,
			Consumer: r.consumer(),
			Streams:  []string{r.streamName, id},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if errors.Is(err, context.Canceled) || r.cctx.Err() != nil {
			return
		} else if errors.Is(err, redis.Nil) {
			r.claim(h)

			continue
		} else if err != nil {
			r.sendErr(&es.TaskError{Err: fmt.Errorf("could not receive: %w", err), Ctx: r.cctx})

			// Retry the receive loop if there was an error.
			select {
			case <-time.After(time.Second):
			case <-r.cctx.Done():
				return
			}

			continue
		}

		n := 0

		for _, stream := range streams {
			if stream.Stream != r.streamName {
				continue
			}

			for _, msg := range stream.Messages {
				n++

				r.perform(h, msg)
			}
		}

		if pending && n == 0 {
			pending = false
		}
	}
}

func (r *Runner) claim(h es.TaskHandler) {
	if r.claimIdle <= 0 {
		return
	}

	msgs, _, err := r.client.XAutoClaim(r.cctx, &redis.XAutoClaimArgs{
		Stream:   r.streamName,
		Group:    r.groupName,
		Consumer: r.consumer(),
		MinIdle:  r.claimIdle,
		Start:    "0",
		Count:    10,
	}).Result()
	if err != nil {
		if r.cctx.Err() == nil {
			r.sendErr(&es.TaskError{Err: fmt.Errorf("could not claim tasks: %w", err), Ctx: r.cctx})
		}

		return
	}

	for _, msg := range msgs {
		r.logger.Info("claimed idle task", zap.String("id", msg.ID))

		r.perform(h, msg)
	}
}

func (r *Runner) perform(h es.TaskHandler, msg redis.XMessage) {
	data, ok := msg.Values[dataKey].(string)
	if !ok {
		r.sendErr(&es.TaskError{
			Err: fmt.Errorf("task data is of incorrect type %T", msg.Values[dataKey]),
			Ctx: r.cctx,
		})
		r.ack(msg)

		return
	}

	task, ctx, err := r.codec.UnmarshalTask(r.cctx, []byte(data))
	if err != nil {
		r.sendErr(&es.TaskError{Err: fmt.Errorf("could not decode task: %w", err), Ctx: r.cctx})
		r.ack(msg)

		return
	}

	if err := retry.Perform(r.cctx, ctx, h, task, r.policy, r.logger); err != nil {
		// Left pending when closing, to be read again on restart.
		if r.cctx.Err() != nil {
			return
		}

		r.sendErr(&es.TaskError{Err: err, Ctx: ctx, Task: task})
	}

	r.ack(msg)
}

func (r *Runner) ack(msg redis.XMessage) {
	// Acks are sent even while closing.
	if _, err := r.client.XAck(context.Background(), r.streamName, r.groupName, msg.ID).Result(); err != nil {
		r.sendErr(&es.TaskError{Err: fmt.Errorf("could not ack task: %w", err), Ctx: r.cctx})
	}
}

func (r *Runner) sendErr(err error) {
	select {
	case r.errCh <- err:
	default:
		r.logger.Warn("missed error in Redis task runner", zap.Error(err))
	}
}
