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

package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	es "github.com/looplab/eventsource"
	"github.com/looplab/eventsource/codec/json"
	"github.com/looplab/eventsource/taskqueue/internal/retry"
)

// Runner is a task runner backed by a Kafka topic. All runners with the same
// app ID join one consumer group. Offsets are committed after a task has been
// performed or has failed permanently.
type Runner struct {
	// TODO: Support multiple brokers.
	addr      string
	appID     string
	topic     string
	groupID   string
	writer    *kafka.Writer
	codec     es.TaskCodec
	policy    retry.Policy
	logger    *zap.Logger
	handler   es.TaskHandler
	handlerMu sync.Mutex
	errCh     chan error
	cctx      context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewRunner creates a Runner and the topic for its tasks.
func NewRunner(addr, appID string, options ...Option) (*Runner, error) {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Runner{
		addr:    addr,
		appID:   appID,
		topic:   appID + "_tasks",
		groupID: appID + "_reactors",
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

	if err := r.createTopic(); err != nil {
		cancel()

		return nil, err
	}

	r.writer = &kafka.Writer{
		Addr:         kafka.TCP(addr),
		Topic:        r.topic,
		BatchSize:    1,                // Write every task without delay.
		RequiredAcks: kafka.RequireOne, // Stronger consistency.
	}

	return r, nil
}

func (r *Runner) createTopic() error {
	client := &kafka.Client{
		Addr: kafka.TCP(r.addr),
	}

	var (
		resp *kafka.CreateTopicsResponse
		err  error
	)

	for i := 0; i < 10; i++ {
		resp, err = client.CreateTopics(r.cctx, &kafka.CreateTopicsRequest{
			Topics: []kafka.TopicConfig{{
				Topic:             r.topic,
				NumPartitions:     1,
				ReplicationFactor: 1,
			}},
		})
		if errors.Is(err, kafka.BrokerNotAvailable) {
			r.logger.Info("waiting for Kafka broker", zap.String("addr", r.addr))
			time.Sleep(5 * time.Second)

			continue
		} else if err != nil {
			return fmt.Errorf("error creating Kafka topic: %w", err)
		}

		break
	}

	if resp == nil {
		return fmt.Errorf("could not get/create Kafka topic in time: %w", err)
	}

	if topicErr, ok := resp.Errors[r.topic]; ok && topicErr != nil {
		if !errors.Is(topicErr, kafka.TopicAlreadyExists) {
			return fmt.Errorf("invalid Kafka topic: %w", topicErr)
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

const (
	reactorHeader   = "reactor"
	eventTypeHeader = "event_type"
)

// Enqueue implements the Enqueue method of the eventsource.TaskQueue interface.
func (r *Runner) Enqueue(ctx context.Context, task es.Task) error {
	data, err := r.codec.MarshalTask(ctx, task)
	if err != nil {
		return fmt.Errorf("could not encode task: %w", err)
	}

	if err := r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.AggregateID.String()),
		Value: data,
		Headers: []kafka.Header{
			{
				Key:   reactorHeader,
				Value: []byte(task.Reactor),
			},
			{
				Key:   eventTypeHeader,
				Value: []byte(task.EventType),
			},
		},
	}); err != nil {
		return fmt.Errorf("could not enqueue task: %w", err)
	}

	return nil
}

// SetHandler implements the SetHandler method of the eventsource.TaskRunner interface.
// It returns when the consumer group has been joined.
func (r *Runner) SetHandler(ctx context.Context, h es.TaskHandler) error {
	if h == nil {
		return es.ErrMissingHandler
	}

	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()

	if r.handler != nil {
		return es.ErrHandlerAlreadySet
	}

	joined := make(chan struct{})
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:                []string{r.addr},
		Topic:                  r.topic,
		GroupID:                r.groupID,   // Send tasks to only one runner per group.
		MaxBytes:               100e3,       // 100KB
		MaxWait:                time.Second, // Allow to exit readloop in max 1s.
		PartitionWatchInterval: time.Second,
		WatchPartitionChanges:  true,
		StartOffset:            kafka.FirstOffset, // Tasks enqueued before the group joined.
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			// NOTE: Hacky way to use logger to find out when the reader is ready.
			if strings.HasPrefix(msg, "Joined group") {
				select {
				case <-joined:
				default:
					close(joined) // Close once.
				}
			}
		}),
	})

	select {
	case <-joined:
	case <-time.After(10 * time.Second):
		reader.Close()

		return fmt.Errorf("did not join group in time")
	case <-ctx.Done():
		reader.Close()

		return ctx.Err()
	}

	r.handler = h

	r.wg.Add(1)

	go r.handle(h, reader)

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

	return r.writer.Close()
}

func (r *Runner) handle(h es.TaskHandler, reader *kafka.Reader) {
	defer r.wg.Done()

	defer func() {
		if err := reader.Close(); err != nil {
			r.logger.Error("failed to close Kafka reader", zap.Error(err))
		}
	}()

	for {
		msg, err := reader.FetchMessage(r.cctx)
		if errors.Is(err, context.Canceled) || r.cctx.Err() != nil {
			return
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

		if !r.perform(h, msg) {
			return
		}

		if err := reader.CommitMessages(context.Background(), msg); err != nil {
			r.sendErr(&es.TaskError{Err: fmt.Errorf("could not commit task: %w", err), Ctx: r.cctx})
		}
	}
}

// perform returns false if the runner closed before the task was done.
func (r *Runner) perform(h es.TaskHandler, msg kafka.Message) bool {
	task, ctx, err := r.codec.UnmarshalTask(r.cctx, msg.Value)
	if err != nil {
		r.sendErr(&es.TaskError{Err: fmt.Errorf("could not decode task: %w", err), Ctx: r.cctx})

		return true
	}

	if err := retry.Perform(r.cctx, ctx, h, task, r.policy, r.logger); err != nil {
		if r.cctx.Err() != nil {
			return false
		}

		r.sendErr(&es.TaskError{Err: err, Ctx: ctx, Task: task})
	}

	return true
}

func (r *Runner) sendErr(err error) {
	select {
	case r.errCh <- err:
	default:
		r.logger.Warn("missed error in Kafka task runner", zap.Error(err))
	}
}
