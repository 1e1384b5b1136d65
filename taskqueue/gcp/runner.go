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

package gcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/codec/json"
	"github.com/looplab/eventsource/taskqueue/internal/retry"
)

// Runner is a task runner backed by a GCP Pub/Sub topic. All runners with the
// same app ID share one subscription.
type Runner struct {
	appID      string
	client     *pubsub.Client
	clientOpts []option.ClientOption
	topic      *pubsub.Topic
	sub        *pubsub.Subscription
	codec      es.TaskCodec
	policy     retry.Policy
	logger     *zap.Logger
	handler    es.TaskHandler
	handlerMu  sync.Mutex
	errCh      chan error
	cctx       context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewRunner creates a Runner, the topic and the subscription are created if
// they don't exist. Set PUBSUB_EMULATOR_HOST to use the emulator.
func NewRunner(projectID, appID string, options ...Option) (*Runner, error) {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		appID:  appID,
		codec:  &json.TaskCodec{},
		policy: retry.DefaultPolicy,
		logger: zap.NewNop(),
		errCh:  make(chan error, 100),
		cctx:   ctx,
		cancel: cancel,
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

	var err error
	if r.client, err = pubsub.NewClient(ctx, projectID, r.clientOpts...); err != nil {
		cancel()

		return nil, fmt.Errorf("could not create Pub/Sub client: %w", err)
	}

	if err := r.setup(ctx); err != nil {
		cancel()
		r.client.Close()

		return nil, err
	}

	return r, nil
}

func (r *Runner) setup(ctx context.Context) error {
	// Get or create the topic.
	name := r.appID + "_tasks"
	r.topic = r.client.Topic(name)

	if ok, err := r.topic.Exists(ctx); err != nil {
		return fmt.Errorf("could not check topic: %w", err)
	} else if !ok {
		if r.topic, err = r.client.CreateTopic(ctx, name); err != nil {
			return fmt.Errorf("could not create topic: %w", err)
		}
	}

	// Keep task order per aggregate.
	r.topic.EnableMessageOrdering = true

	// Get or create the subscription shared by all runners.
	id := r.appID + "_reactors"
	r.sub = r.client.Subscription(id)

	if ok, err := r.sub.Exists(ctx); err != nil {
		return fmt.Errorf("could not check subscription: %w", err)
	} else if !ok {
		if r.sub, err = r.client.CreateSubscription(ctx, id,
			pubsub.SubscriptionConfig{
				Topic:                 r.topic,
				AckDeadline:           60 * time.Second,
				EnableMessageOrdering: true,
			},
		); err != nil {
			return fmt.Errorf("could not create subscription: %w", err)
		}
	}

	return nil
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

// WithClientOptions adds the options to the underlying Pub/Sub client.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(r *Runner) error {
		r.clientOpts = append(r.clientOpts, opts...)

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

// Enqueue implements the Enqueue method of the eventsource.TaskQueue interface.
// It waits for the publish to be confirmed.
func (r *Runner) Enqueue(ctx context.Context, task es.Task) error {
	data, err := r.codec.MarshalTask(ctx, task)
	if err != nil {
		return fmt.Errorf("could not encode task: %w", err)
	}

	res := r.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: task.AggregateID.String(),
		Attributes: map[string]string{
			"reactor":    task.Reactor,
			"event_type": string(task.EventType),
		},
	})
	if _, err := res.Get(ctx); err != nil {
		// Publishing is paused for the key after an error.
		r.topic.ResumePublish(task.AggregateID.String())

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

	r.handler = h

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		if err := r.sub.Receive(r.cctx, r.msgHandler(h)); err != nil && !errors.Is(err, context.Canceled) {
			r.sendErr(&es.TaskError{Err: fmt.Errorf("could not receive: %w", err), Ctx: r.cctx})
		}
	}()

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
	r.topic.Stop()

	return r.client.Close()
}

func (r *Runner) msgHandler(h es.TaskHandler) func(context.Context, *pubsub.Message) {
	return func(ctx context.Context, msg *pubsub.Message) {
		task, tctx, err := r.codec.UnmarshalTask(ctx, msg.Data)
		if err != nil {
			r.sendErr(&es.TaskError{Err: fmt.Errorf("could not decode task: %w", err), Ctx: ctx})
			msg.Ack()

			return
		}

		if err := retry.Perform(ctx, tctx, h, task, r.policy, r.logger); err != nil {
			if ctx.Err() != nil {
				msg.Nack()

				return
			}

			r.sendErr(&es.TaskError{Err: err, Ctx: tctx, Task: task})
		}

		msg.Ack()
	}
}

func (r *Runner) sendErr(err error) {
	select {
	case r.errCh <- err:
	default:
		r.logger.Warn("missed error in GCP task runner", zap.Error(err))
	}
}
