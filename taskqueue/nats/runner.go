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

package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/codec/json"
	"github.com/looplab/eventsource/taskqueue/internal/retry"
)

// DefaultAckWait is the time to wait for acks before a task is delivered again.
var DefaultAckWait = 60 * time.Second

// Runner is a task runner backed by a NATS JetStream stream. All runners with
// the same app ID share a durable queue consumer.
type Runner struct {
	appID     string
	stream    string
	subject   string
	group     string
	conn      *nats.Conn
	connOpts  []nats.Option
	js        nats.JetStreamContext
	sub       *nats.Subscription
	ackWait   time.Duration
	codec     es.TaskCodec
	policy    retry.Policy
	logger    *zap.Logger
	handler   es.TaskHandler
	handlerMu sync.Mutex
	errCh     chan error
	cctx      context.Context
	cancel    context.CancelFunc
}

// NewRunner creates a Runner connected to the NATS server at url. The stream
// for the tasks is created if it does not exist.
func NewRunner(url, appID string, options ...Option) (*Runner, error) {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		appID:   appID,
		stream:  appID + "_tasks",
		subject: appID + ".tasks",
		group:   appID + "_reactors",
		ackWait: DefaultAckWait,
		codec:   &json.TaskCodec{},
		policy:  retry.DefaultPolicy,
		logger:  zap.NewNop(),
		errCh:   make(chan error, 100),
		cctx:    ctx,
		cancel:  cancel,
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
	if r.conn, err = nats.Connect(url, r.connOpts...); err != nil {
		cancel()

		return nil, fmt.Errorf("could not connect to NATS: %w", err)
	}

	if r.js, err = r.conn.JetStream(); err != nil {
		cancel()
		r.conn.Close()

		return nil, fmt.Errorf("could not create JetStream context: %w", err)
	}

	if _, err := r.js.AddStream(&nats.StreamConfig{
		Name:     r.stream,
		Subjects: []string{r.subject},
	}); err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		cancel()
		r.conn.Close()

		return nil, fmt.Errorf("could not create stream: %w", err)
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

// WithNATSOptions adds the NATS options to the underlying client.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(r *Runner) error {
		r.connOpts = opts

		return nil
	}
}

// WithAckWait sets the time before an unacked task is delivered again.
func WithAckWait(d time.Duration) Option {
	return func(r *Runner) error {
		if d <= 0 {
			return errors.New("ack wait must be positive")
		}

		r.ackWait = d

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
func (r *Runner) Enqueue(ctx context.Context, task es.Task) error {
	data, err := r.codec.MarshalTask(ctx, task)
	if err != nil {
		return fmt.Errorf("could not encode task: %w", err)
	}

	msg := nats.NewMsg(r.subject)
	msg.Data = data
	msg.Header.Set("Reactor", task.Reactor)
	msg.Header.Set("Event-Type", string(task.EventType))

	if _, err := r.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
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

	sub, err := r.js.QueueSubscribe(r.subject, r.group, r.msgHandler(h),
		nats.Durable(r.group),
		nats.DeliverAll(),
		nats.ManualAck(),
		nats.AckWait(r.ackWait),
	)
	if err != nil {
		return fmt.Errorf("could not subscribe to queue: %w", err)
	}

	r.handler = h
	r.sub = sub

	return nil
}

// Errors implements the Errors method of the eventsource.TaskRunner interface.
func (r *Runner) Errors() <-chan error {
	return r.errCh
}

// Close implements the Close method of the eventsource.TaskRunner interface.
// The durable consumer is kept, unacked tasks are delivered again later.
func (r *Runner) Close() error {
	r.cancel()
	r.conn.Close()

	return nil
}

func (r *Runner) msgHandler(h es.TaskHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		task, ctx, err := r.codec.UnmarshalTask(r.cctx, msg.Data)
		if err != nil {
			r.sendErr(&es.TaskError{Err: fmt.Errorf("could not decode task: %w", err), Ctx: r.cctx})

			// Never decodable, don't deliver again.
			if err := msg.Term(); err != nil {
				r.logger.Warn("could not terminate task", zap.Error(err))
			}

			return
		}

		if err := retry.Perform(r.cctx, ctx, h, task, r.policy, r.logger); err != nil {
			if r.cctx.Err() != nil {
				return
			}

			r.sendErr(&es.TaskError{Err: err, Ctx: ctx, Task: task})
		}

		if err := msg.Ack(); err != nil {
			r.sendErr(&es.TaskError{Err: fmt.Errorf("could not ack task: %w", err), Ctx: ctx, Task: task})
		}
	}
}

func (r *Runner) sendErr(err error) {
	select {
	case r.errCh <- err:
	default:
		r.logger.Warn("missed error in NATS task runner", zap.Error(err))
	}
}
